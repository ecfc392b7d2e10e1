// Package registry implements the service mesh controller: a service
// registry with health tracking, a multi-strategy router, rate
// limiting and traffic splitting.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcore/meshcore/pkg/circuit"
	"github.com/meshcore/meshcore/pkg/clock"
	"github.com/meshcore/meshcore/pkg/errkind"
	"github.com/meshcore/meshcore/pkg/storage"
)

// Status is a service instance's health classification.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusDegraded    Status = "degraded"
	StatusUnhealthy   Status = "unhealthy"
	StatusMaintenance Status = "maintenance"
)

// Selectable reports whether instances in this status participate in
// selection, per the §3 invariant.
func (s Status) Selectable() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// Endpoint is one network address a service instance listens on.
type Endpoint struct {
	Address string
	Port    int
}

// HealthCheckConfig controls active probing of one service instance.
type HealthCheckConfig struct {
	Enabled  bool
	Path     string
	Interval time.Duration
	Timeout  time.Duration
}

// ServiceRecord is a registered service instance.
type ServiceRecord struct {
	ID          string
	Name        string
	Version     string
	Endpoints   []Endpoint
	Weight      int
	Metadata    map[string]string
	Tags        []string
	HealthCheck HealthCheckConfig
	CreatedAt   time.Time
	LastSeen    time.Time
}

// HealthStatus is the mutable health state of one instance.
type HealthStatus struct {
	Status              Status
	ConsecutiveFailures int
	ResponseTimeEWMA    float64
	LastCheckAt         time.Time
}

// LoadBalancingState is the mutable selection bookkeeping for one
// instance. CurrentConnections never goes negative.
type LoadBalancingState struct {
	CurrentConnections int64
	Weight             int
	LastSelectedAt     time.Time
	TotalRequests      int64
	FailureRateEWMA    float64

	wrrCurrent int64 // smooth weighted round-robin accumulator
}

type serviceInstance struct {
	record ServiceRecord
	health HealthStatus
	lb     LoadBalancingState
}

// Config controls registry-wide defaults.
type Config struct {
	HealthCheckInterval time.Duration
	ServiceTimeout      time.Duration
	FailureThreshold    int
	DegradedRatio       float64 // responseTime > DegradedRatio*ServiceTimeout => degraded
}

func (c *Config) resolve() {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 10 * time.Second
	}
	if c.ServiceTimeout <= 0 {
		c.ServiceTimeout = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.DegradedRatio <= 0 {
		c.DegradedRatio = 0.8
	}
}

// Registry owns the full set of service instances, their health and
// load-balancing state. It acquires only its own lock; callers that
// also touch a breaker must take registry → breaker → queue order,
// per the fixed lock-ordering discipline.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*serviceInstance
	byName    map[string]map[string]struct{}

	cfg      Config
	clk      clock.Clock
	log      *zap.Logger
	store    storage.Storage
	breakers *circuit.BreakerGroup
}

// New constructs a Registry. store and breakers may be nil.
func New(cfg Config, clk clock.Clock, log *zap.Logger, store storage.Storage, breakers *circuit.BreakerGroup) *Registry {
	cfg.resolve()
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		instances: make(map[string]*serviceInstance),
		byName:    make(map[string]map[string]struct{}),
		cfg:       cfg,
		clk:       clk,
		log:       log.With(zap.String("component", "registry")),
		store:     store,
		breakers:  breakers,
	}
}

// Register adds a new service instance in healthy status.
func (r *Registry) Register(rec ServiceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[rec.ID]; exists {
		return errkind.New("registry.Register", errkind.AlreadyExists, nil)
	}
	now := r.clk.Now()
	rec.CreatedAt = now
	rec.LastSeen = now
	if rec.Weight <= 0 {
		rec.Weight = 1
	}
	inst := &serviceInstance{
		record: rec,
		health: HealthStatus{Status: StatusHealthy, LastCheckAt: now},
		lb:     LoadBalancingState{Weight: rec.Weight},
	}
	r.instances[rec.ID] = inst
	if r.byName[rec.Name] == nil {
		r.byName[rec.Name] = make(map[string]struct{})
	}
	r.byName[rec.Name][rec.ID] = struct{}{}
	r.persist(inst)
	return nil
}

// Deregister removes a service instance.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return errkind.New("registry.Deregister", errkind.NotFound, nil)
	}
	delete(r.instances, id)
	delete(r.byName[inst.record.Name], id)
	if r.store != nil {
		_ = r.store.DeleteService(context.Background(), id)
	}
	return nil
}

// Update applies patch to the named instance's record.
func (r *Registry) Update(id string, patch func(*ServiceRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return errkind.New("registry.Update", errkind.NotFound, nil)
	}
	patch(&inst.record)
	inst.record.LastSeen = r.clk.Now()
	r.persist(inst)
	return nil
}

// SetHealth forces an instance's status, e.g. for maintenance windows.
func (r *Registry) SetHealth(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return errkind.New("registry.SetHealth", errkind.NotFound, nil)
	}
	inst.health.Status = status
	if status == StatusHealthy {
		inst.health.ConsecutiveFailures = 0
	}
	return nil
}

// ServiceInstanceView is the read-only projection returned by Discover.
type ServiceInstanceView struct {
	Record ServiceRecord
	Health HealthStatus
	LB     LoadBalancingState
}

// Discover returns every instance of name that is selectable and, if a
// breaker is registered under the instance id, not currently open.
func (r *Registry) Discover(name string) []ServiceInstanceView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byName[name]
	out := make([]ServiceInstanceView, 0, len(ids))
	for id := range ids {
		inst := r.instances[id]
		if !inst.health.Status.Selectable() {
			continue
		}
		if r.breakers != nil {
			if phase, _, err := r.breakers.Status(id); err == nil && phase == circuit.PhaseOpen {
				continue
			}
		}
		out = append(out, ServiceInstanceView{Record: inst.record, Health: inst.health, LB: inst.lb})
	}
	return out
}

// RecordOutcome updates LB and health state after a completed call,
// per §4.4's in-line outcome feedback.
func (r *Registry) RecordOutcome(id string, success bool, responseTime time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return errkind.New("registry.RecordOutcome", errkind.NotFound, nil)
	}
	inst.lb.TotalRequests++
	const alpha = 0.2
	rt := float64(responseTime.Milliseconds())
	if inst.health.ResponseTimeEWMA == 0 {
		inst.health.ResponseTimeEWMA = rt
	} else {
		inst.health.ResponseTimeEWMA = alpha*rt + (1-alpha)*inst.health.ResponseTimeEWMA
	}

	failRate := 0.0
	if !success {
		failRate = 1.0
	}
	if inst.lb.TotalRequests == 1 {
		inst.lb.FailureRateEWMA = failRate
	} else {
		inst.lb.FailureRateEWMA = alpha*failRate + (1-alpha)*inst.lb.FailureRateEWMA
	}

	if success {
		if inst.health.ConsecutiveFailures > 0 && inst.health.Status == StatusUnhealthy {
			inst.health.Status = StatusHealthy
		}
		inst.health.ConsecutiveFailures = 0
	} else {
		inst.health.ConsecutiveFailures++
		if inst.health.ConsecutiveFailures >= r.cfg.FailureThreshold {
			inst.health.Status = StatusUnhealthy
		}
	}
	if responseTime > time.Duration(r.cfg.DegradedRatio*float64(r.cfg.ServiceTimeout)) && inst.health.Status == StatusHealthy {
		inst.health.Status = StatusDegraded
	}
	return nil
}

// Get returns a single instance's current view.
func (r *Registry) Get(id string) (ServiceInstanceView, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return ServiceInstanceView{}, errkind.New("registry.Get", errkind.NotFound, nil)
	}
	return ServiceInstanceView{Record: inst.record, Health: inst.health, LB: inst.lb}, nil
}

// IncrementConnections and DecrementConnections track the
// currentConnections gauge the least_connections strategy reads.
func (r *Registry) IncrementConnections(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok {
		inst.lb.CurrentConnections++
	}
}

func (r *Registry) DecrementConnections(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if inst, ok := r.instances[id]; ok && inst.lb.CurrentConnections > 0 {
		inst.lb.CurrentConnections--
	}
}

// touchSelected stamps LastSelectedAt, used by the router after
// choosing an instance so the next round_robin/least_connections call
// sees an updated ordering. The stamp is kept strictly later than every
// other stamp under the same service name, so two selections within one
// clock tick still order distinctly.
func (r *Registry) touchSelected(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.instances[id]
	if !ok {
		return
	}
	stamp := r.clk.Now()
	for peerID := range r.byName[inst.record.Name] {
		if peer := r.instances[peerID]; peer != nil && !stamp.After(peer.lb.LastSelectedAt) {
			stamp = peer.lb.LastSelectedAt.Add(time.Nanosecond)
		}
	}
	inst.lb.LastSelectedAt = stamp
}

func (r *Registry) persist(inst *serviceInstance) {
	if r.store == nil {
		return
	}
	_ = r.store.PutService(context.Background(), storage.ServiceRecord{
		ID:       inst.record.ID,
		Name:     inst.record.Name,
		Address:  primaryAddress(inst.record),
		Port:     primaryPort(inst.record),
		Metadata: inst.record.Metadata,
		Weight:   inst.record.Weight,
	})
}

func primaryAddress(rec ServiceRecord) string {
	if len(rec.Endpoints) == 0 {
		return ""
	}
	return rec.Endpoints[0].Address
}

func primaryPort(rec ServiceRecord) int {
	if len(rec.Endpoints) == 0 {
		return 0
	}
	return rec.Endpoints[0].Port
}
