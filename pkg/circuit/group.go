package circuit

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/meshcore/meshcore/pkg/clock"
	"github.com/meshcore/meshcore/pkg/errkind"
)

// BreakerGroup manages the lifecycle of all named breakers for a
// process: create, lookup-or-create, execute-by-name and reset.
type BreakerGroup struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	clk      clock.Clock
	log      *zap.Logger
	sf       singleflight.Group
}

// NewBreakerGroup creates a group using defaultConfig for any breaker
// created implicitly by Get/Execute.
func NewBreakerGroup(defaultConfig Config) *BreakerGroup {
	return NewBreakerGroupWithDeps(defaultConfig, clock.RealClock{}, nil)
}

// NewBreakerGroupWithDeps creates a group with explicit clock/logger
// dependencies, used by tests and by the facade wiring.
func NewBreakerGroupWithDeps(defaultConfig Config, clk clock.Clock, log *zap.Logger) *BreakerGroup {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &BreakerGroup{
		breakers: make(map[string]*Breaker),
		config:   defaultConfig,
		clk:      clk,
		log:      log,
	}
}

// Create registers a new named breaker, failing with ALREADY_EXISTS if
// name is already registered.
func (g *BreakerGroup) Create(name string, cfg Config) (*Breaker, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.breakers[name]; exists {
		return nil, errkind.New("circuit.Create", errkind.AlreadyExists, nil)
	}
	cfg.Name = name
	b := NewBreakerWithDeps(cfg, g.clk, g.log)
	g.breakers[name] = b
	return b, nil
}

// Get returns the named breaker, creating it from the group's default
// config on first access. Concurrent first-accesses for the same name
// collapse onto a single construction via singleflight instead of a
// hand-rolled double-checked lock.
func (g *BreakerGroup) Get(name string) *Breaker {
	g.mu.RLock()
	b, exists := g.breakers[name]
	g.mu.RUnlock()
	if exists {
		return b
	}

	v, _, _ := g.sf.Do(name, func() (interface{}, error) {
		g.mu.Lock()
		defer g.mu.Unlock()
		if b, exists := g.breakers[name]; exists {
			return b, nil
		}
		cfg := g.config
		cfg.Name = name
		nb := NewBreakerWithDeps(cfg, g.clk, g.log)
		g.breakers[name] = nb
		return nb, nil
	})
	return v.(*Breaker)
}

// Execute runs fn under the named breaker, creating it if necessary.
func (g *BreakerGroup) Execute(ctx context.Context, name string, fn func() error, opts ...ExecOption) error {
	return g.Get(name).Execute(ctx, fn, opts...)
}

// Reset forces the named breaker back to closed, if it exists.
func (g *BreakerGroup) Reset(name string) error {
	g.mu.RLock()
	b, exists := g.breakers[name]
	g.mu.RUnlock()
	if !exists {
		return errkind.New("circuit.Reset", errkind.NotFound, nil)
	}
	b.Reset()
	return nil
}

// Status returns a snapshot of the named breaker's phase and stats.
func (g *BreakerGroup) Status(name string) (Phase, Stats, error) {
	g.mu.RLock()
	b, exists := g.breakers[name]
	g.mu.RUnlock()
	if !exists {
		return 0, Stats{}, errkind.New("circuit.Status", errkind.NotFound, nil)
	}
	return b.State(), b.Snapshot(), nil
}

// States returns the phase of every breaker currently in the group.
func (g *BreakerGroup) States() map[string]Phase {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]Phase, len(g.breakers))
	for name, b := range g.breakers {
		out[name] = b.State()
	}
	return out
}
