// Package circuit implements the closed/open/half-open circuit
// breaker state machine with bulkhead isolation, fallback dispatch and
// retryable-error classification.
package circuit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/meshcore/meshcore/pkg/clock"
	"github.com/meshcore/meshcore/pkg/errkind"
)

// Phase is one of the three breaker states.
type Phase int32

const (
	PhaseClosed Phase = iota
	PhaseOpen
	PhaseHalfOpen
)

func (p Phase) String() string {
	switch p {
	case PhaseClosed:
		return "closed"
	case PhaseOpen:
		return "open"
	case PhaseHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Kept for source-compatibility with call sites and tests written
// against the earlier three-state naming.
const (
	StateClosed   = PhaseClosed
	StateOpen     = PhaseOpen
	StateHalfOpen = PhaseHalfOpen
)

type State = Phase

var (
	// ErrCircuitOpen is returned (wrapped in *errkind.Error with Kind
	// errkind.CircuitOpen) when a call is rejected because the breaker
	// is open or mid-half-open-probe-budget.
	ErrCircuitOpen = errkind.New("circuit.Execute", errkind.CircuitOpen, nil)
	// ErrBulkheadFull is returned when inFlight has reached MaxConcurrent.
	ErrBulkheadFull = errkind.New("circuit.Execute", errkind.BulkheadFull, nil)
	// ErrTooManyRequests is kept as an alias of ErrCircuitOpen for the
	// half-open probe-budget rejection, matching the earlier name.
	ErrTooManyRequests = ErrCircuitOpen
)

// Stats is a point-in-time snapshot of a breaker's counters.
type Stats struct {
	TotalCalls        int64
	Successful        int64
	Failed            int64
	TimedOut          int64
	Rejected          int64
	ResponseTimeEWMA  float64
}

// Config configures a single named breaker.
type Config struct {
	Name              string
	Timeout           time.Duration
	FailureThreshold  int
	SuccessThreshold  int
	RecoveryTimeout   time.Duration
	HalfOpenProbes    int
	MaxConcurrent     int
	RetryableErrors   []errkind.Kind
	Classifier        errkind.Classifier
	Fallback          func(ctx context.Context, cause error) error
	OnStateChange     func(from, to Phase)

	// Deprecated field names kept so teacher-era call sites compile
	// unchanged; Timeout/FailureThreshold/RecoveryTimeout/HalfOpenProbes
	// win when both are set.
	MaxFailures int
	HalfOpenMax int
}

func (c Config) resolve() Config {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = c.MaxFailures
	}
	if c.HalfOpenProbes == 0 {
		c.HalfOpenProbes = c.HalfOpenMax
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = c.HalfOpenProbes
	}
	if c.RecoveryTimeout == 0 {
		c.RecoveryTimeout = c.Timeout
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 1 << 30 // effectively unbounded when unset
	}
	return c
}

func (c Config) isRetryable(kind errkind.Kind) bool {
	if len(c.RetryableErrors) == 0 {
		// No classification configured: count everything, matching the
		// teacher's original unconditional-failure behavior.
		return true
	}
	for _, k := range c.RetryableErrors {
		if k == kind {
			return true
		}
	}
	return false
}

func (c Config) classify(err error) errkind.Kind {
	if c.Classifier != nil {
		return c.Classifier(err)
	}
	return errkind.KindOf(err)
}

// Breaker implements the per-target circuit breaker: state machine,
// bulkhead and fallback dispatch.
type Breaker struct {
	name string
	cfg  Config
	clk  clock.Clock
	log  *zap.Logger

	phase         int32 // atomic Phase
	failures      int32 // atomic
	successes     int32 // atomic
	halfOpenCount int32 // atomic: probes currently admitted
	inFlight      int32 // atomic: bulkhead occupancy

	mu            sync.Mutex
	lastFailureAt time.Time

	statsMu sync.Mutex
	stats   Stats
}

// NewBreaker creates a breaker with the given config, a real clock and
// a no-op logger. Use NewBreakerWithDeps to inject a virtual clock or
// logger for tests.
func NewBreaker(cfg Config) *Breaker {
	return NewBreakerWithDeps(cfg, clock.RealClock{}, nil)
}

// NewBreakerWithDeps creates a breaker with explicit clock and logger
// dependencies.
func NewBreakerWithDeps(cfg Config, clk clock.Clock, log *zap.Logger) *Breaker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Breaker{
		name: cfg.Name,
		cfg:  cfg.resolve(),
		clk:  clk,
		log:  log.With(zap.String("component", "circuit"), zap.String("breaker", cfg.Name)),
	}
}

// Execute runs fn under breaker protection. timeoutOverride, if
// non-zero and smaller than the configured timeout, bounds the call
// deadline further.
func (b *Breaker) Execute(ctx context.Context, fn func() error, opts ...ExecOption) error {
	var o execOptions
	for _, opt := range opts {
		opt(&o)
	}

	if err := b.admit(); err != nil {
		b.recordRejected()
		if fallback := b.fallbackFor(o); fallback != nil {
			return fallback(ctx, err)
		}
		return err
	}
	defer atomic.AddInt32(&b.inFlight, -1)

	deadline := b.cfg.Timeout
	if o.timeoutOverride > 0 && (deadline == 0 || o.timeoutOverride < deadline) {
		deadline = o.timeoutOverride
	}

	start := b.clk.Now()
	err := b.runWithDeadline(ctx, deadline, fn)
	elapsed := b.clk.Now().Sub(start)
	b.recordLatency(elapsed)

	if err != nil {
		kind := b.cfg.classify(err)
		if errkind.Is(err, errkind.Timeout) || kind == errkind.Timeout {
			b.statsMu.Lock()
			b.stats.TimedOut++
			b.statsMu.Unlock()
		}
		if b.cfg.isRetryable(kind) {
			b.recordFailure()
		}
		b.statsMu.Lock()
		b.stats.Failed++
		b.statsMu.Unlock()

		if fallback := b.fallbackFor(o); fallback != nil {
			return fallback(ctx, err)
		}
		return err
	}

	b.recordSuccess()
	b.statsMu.Lock()
	b.stats.Successful++
	b.statsMu.Unlock()
	return nil
}

func (b *Breaker) fallbackFor(o execOptions) func(context.Context, error) error {
	if o.fallback != nil {
		return o.fallback
	}
	return b.cfg.Fallback
}

func (b *Breaker) runWithDeadline(ctx context.Context, d time.Duration, fn func() error) error {
	if d <= 0 {
		return fn()
	}
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- errkind.New("circuit.Execute", errkind.Internal, nil)
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-b.clk.After(d):
		return errkind.New("circuit.Execute", errkind.Timeout, nil)
	case <-ctx.Done():
		return errkind.New("circuit.Execute", errkind.Cancelled, ctx.Err())
	}
}

// admit applies the bulkhead then the state-machine admission rule.
// It increments inFlight on success; the caller must decrement it.
func (b *Breaker) admit() error {
	if atomic.AddInt32(&b.inFlight, 1) > int32(b.cfg.MaxConcurrent) {
		atomic.AddInt32(&b.inFlight, -1)
		return ErrBulkheadFull
	}

	phase := Phase(atomic.LoadInt32(&b.phase))
	switch phase {
	case PhaseClosed:
		return nil

	case PhaseOpen:
		b.mu.Lock()
		elapsed := b.clk.Now().Sub(b.lastFailureAt)
		if elapsed >= b.cfg.RecoveryTimeout {
			b.transitionTo(PhaseHalfOpen)
			b.mu.Unlock()
			if atomic.AddInt32(&b.halfOpenCount, 1) > int32(b.cfg.HalfOpenProbes) {
				atomic.AddInt32(&b.halfOpenCount, -1)
				atomic.AddInt32(&b.inFlight, -1)
				return ErrCircuitOpen
			}
			return nil
		}
		b.mu.Unlock()
		atomic.AddInt32(&b.inFlight, -1)
		return ErrCircuitOpen

	case PhaseHalfOpen:
		if atomic.AddInt32(&b.halfOpenCount, 1) > int32(b.cfg.HalfOpenProbes) {
			atomic.AddInt32(&b.halfOpenCount, -1)
			atomic.AddInt32(&b.inFlight, -1)
			return ErrCircuitOpen
		}
		return nil

	default:
		atomic.AddInt32(&b.inFlight, -1)
		return errkind.New("circuit.Execute", errkind.Internal, nil)
	}
}

func (b *Breaker) recordFailure() {
	phase := Phase(atomic.LoadInt32(&b.phase))
	switch phase {
	case PhaseClosed:
		failures := atomic.AddInt32(&b.failures, 1)
		if int(failures) >= b.cfg.FailureThreshold {
			b.mu.Lock()
			b.lastFailureAt = b.clk.Now()
			b.transitionTo(PhaseOpen)
			b.mu.Unlock()
		}
	case PhaseHalfOpen:
		b.mu.Lock()
		b.lastFailureAt = b.clk.Now()
		atomic.StoreInt32(&b.halfOpenCount, 0)
		b.transitionTo(PhaseOpen)
		b.mu.Unlock()
	}
}

func (b *Breaker) recordSuccess() {
	phase := Phase(atomic.LoadInt32(&b.phase))
	switch phase {
	case PhaseClosed:
		for {
			cur := atomic.LoadInt32(&b.failures)
			if cur == 0 {
				break
			}
			if atomic.CompareAndSwapInt32(&b.failures, cur, cur-1) {
				break
			}
		}
	case PhaseHalfOpen:
		successes := atomic.AddInt32(&b.successes, 1)
		if int(successes) >= b.cfg.SuccessThreshold {
			b.mu.Lock()
			atomic.StoreInt32(&b.successes, 0)
			atomic.StoreInt32(&b.halfOpenCount, 0)
			atomic.StoreInt32(&b.failures, 0)
			b.transitionTo(PhaseClosed)
			b.mu.Unlock()
		} else {
			for {
				cur := atomic.LoadInt32(&b.halfOpenCount)
				if cur <= 0 || atomic.CompareAndSwapInt32(&b.halfOpenCount, cur, cur-1) {
					break
				}
			}
		}
	}
}

func (b *Breaker) recordRejected() {
	b.statsMu.Lock()
	b.stats.Rejected++
	b.statsMu.Unlock()
}

func (b *Breaker) recordLatency(d time.Duration) {
	const alpha = 0.2
	ms := float64(d.Milliseconds())
	b.statsMu.Lock()
	b.stats.TotalCalls++
	if b.stats.ResponseTimeEWMA == 0 {
		b.stats.ResponseTimeEWMA = ms
	} else {
		b.stats.ResponseTimeEWMA = alpha*ms + (1-alpha)*b.stats.ResponseTimeEWMA
	}
	b.statsMu.Unlock()
}

// transitionTo must be called with b.mu held.
func (b *Breaker) transitionTo(newPhase Phase) {
	oldPhase := Phase(atomic.LoadInt32(&b.phase))
	if oldPhase == newPhase {
		return
	}
	atomic.StoreInt32(&b.phase, int32(newPhase))

	if newPhase == PhaseOpen {
		atomic.StoreInt32(&b.halfOpenCount, 0)
	}
	atomic.StoreInt32(&b.failures, 0)
	atomic.StoreInt32(&b.successes, 0)

	b.log.Info("state transition", zap.Stringer("from", oldPhase), zap.Stringer("to", newPhase))
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(oldPhase, newPhase)
	}
}

// State returns the current phase (kept name for teacher-era callers).
func (b *Breaker) State() Phase { return Phase(atomic.LoadInt32(&b.phase)) }

// Failures returns the current closed-state failure counter.
func (b *Breaker) Failures() int { return int(atomic.LoadInt32(&b.failures)) }

// InFlight returns the current bulkhead occupancy.
func (b *Breaker) InFlight() int { return int(atomic.LoadInt32(&b.inFlight)) }

// Snapshot returns a copy of the breaker's stats.
func (b *Breaker) Snapshot() Stats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.stats
}

// Reset forces the breaker back to closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	atomic.StoreInt32(&b.failures, 0)
	atomic.StoreInt32(&b.successes, 0)
	atomic.StoreInt32(&b.halfOpenCount, 0)
	b.transitionTo(PhaseClosed)
}

// ForceOpen forces the breaker into the open phase, e.g. from an
// operator action or a health signal external to Execute.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailureAt = b.clk.Now()
	b.transitionTo(PhaseOpen)
}

// execOptions are the per-call overrides accepted by Execute.
type execOptions struct {
	fallback        func(context.Context, error) error
	timeoutOverride time.Duration
}

// ExecOption customizes one call to Execute.
type ExecOption func(*execOptions)

// WithFallback overrides the breaker's configured fallback for this call.
func WithFallback(fn func(context.Context, error) error) ExecOption {
	return func(o *execOptions) { o.fallback = fn }
}

// WithTimeoutOverride bounds this call's deadline further than the
// breaker's configured timeout (it can only shrink it).
func WithTimeoutOverride(d time.Duration) ExecOption {
	return func(o *execOptions) { o.timeoutOverride = d }
}
