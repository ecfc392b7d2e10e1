package registry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/meshcore/meshcore/pkg/clock"
)

// Prober executes one health probe against a service instance and
// returns its observed response time, or an error on failure.
type Prober func(ctx context.Context, rec ServiceRecord) (time.Duration, error)

// HTTPProber is the default Prober: a GET against the instance's
// primary endpoint and HealthCheck.Path. A plain net/http client is
// used here deliberately — the retrieval pack carries no third-party
// outbound HTTP client, only server frameworks (gin) and wire-protocol
// clients (NATS, Redis, etcd) that don't fit a generic health GET.
func HTTPProber(client *http.Client) Prober {
	return func(ctx context.Context, rec ServiceRecord) (time.Duration, error) {
		if len(rec.Endpoints) == 0 {
			return 0, fmt.Errorf("no endpoints")
		}
		ep := rec.Endpoints[0]
		url := fmt.Sprintf("http://%s:%d%s", ep.Address, ep.Port, rec.HealthCheck.Path)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return 0, err
		}
		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		elapsed := time.Since(start)
		if resp.StatusCode >= 400 {
			return elapsed, fmt.Errorf("health check returned status %d", resp.StatusCode)
		}
		return elapsed, nil
	}
}

// HealthChecker runs Prober against every registry instance with
// HealthCheck.Enabled on a scheduled interval, per §4.4: on failure
// increment consecutiveFailures, mark unhealthy at the threshold; on
// response time beyond 0.8x timeout mark degraded; on success after
// unhealthy, clear and mark healthy. Instances in maintenance are
// never probed.
type HealthChecker struct {
	registry *Registry
	prober   Prober
	sched    *clock.Scheduler
	log      *zap.Logger
	cancel   clock.CancelFunc
}

// NewHealthChecker builds and starts a HealthChecker on sched's
// registry.cfg.HealthCheckInterval cadence.
func NewHealthChecker(registry *Registry, prober Prober, sched *clock.Scheduler, log *zap.Logger) *HealthChecker {
	if log == nil {
		log = zap.NewNop()
	}
	hc := &HealthChecker{
		registry: registry,
		prober:   prober,
		sched:    sched,
		log:      log.With(zap.String("component", "registry.healthcheck")),
	}
	hc.cancel = sched.Every(registry.cfg.HealthCheckInterval, "registry.healthcheck", hc.tick)
	return hc
}

// Stop cancels the scheduled health-check task.
func (hc *HealthChecker) Stop() {
	hc.cancel()
}

func (hc *HealthChecker) tick() {
	hc.registry.mu.RLock()
	var targets []ServiceRecord
	for _, inst := range hc.registry.instances {
		if !inst.record.HealthCheck.Enabled || inst.health.Status == StatusMaintenance {
			continue
		}
		targets = append(targets, inst.record)
	}
	hc.registry.mu.RUnlock()

	for _, rec := range targets {
		hc.probeOne(rec)
	}
}

func (hc *HealthChecker) probeOne(rec ServiceRecord) {
	timeout := rec.HealthCheck.Timeout
	if timeout <= 0 {
		timeout = hc.registry.cfg.ServiceTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	responseTime, err := hc.prober(ctx, rec)

	hc.registry.mu.Lock()
	defer hc.registry.mu.Unlock()
	inst, ok := hc.registry.instances[rec.ID]
	if !ok {
		return
	}
	inst.health.LastCheckAt = hc.registry.clk.Now()

	if err != nil {
		inst.health.ConsecutiveFailures++
		if inst.health.ConsecutiveFailures >= hc.registry.cfg.FailureThreshold {
			inst.health.Status = StatusUnhealthy
			hc.log.Warn("instance marked unhealthy", zap.String("id", rec.ID), zap.Error(err))
		}
		return
	}

	wasUnhealthy := inst.health.Status == StatusUnhealthy
	inst.health.ConsecutiveFailures = 0
	if responseTime > time.Duration(hc.registry.cfg.DegradedRatio*float64(timeout)) {
		inst.health.Status = StatusDegraded
	} else {
		inst.health.Status = StatusHealthy
	}
	if wasUnhealthy && inst.health.Status == StatusHealthy {
		hc.log.Info("instance recovered", zap.String("id", rec.ID))
	}
}
