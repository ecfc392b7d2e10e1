// Package facade implements the Orchestration Facade: the single
// entry point composing rate limiting, service discovery, traffic
// splitting, load-balanced selection and circuit-breaker-guarded
// dispatch, grounded on the teacher's internal/gateway.go as the
// closest analog to a request-routing composition root.
package facade

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/meshcore/meshcore/pkg/circuit"
	"github.com/meshcore/meshcore/pkg/errkind"
	"github.com/meshcore/meshcore/pkg/registry"
	"github.com/meshcore/meshcore/pkg/tracing"
)

// Request describes one call to be routed to a service instance.
type Request struct {
	Service  string
	ClientID string
	Strategy registry.Strategy
	Ctx      *registry.RequestContext
}

// Sender performs the actual call against a selected instance. The
// facade treats its return error's errkind.Kind as the classification
// input to the breaker and to the retry decision.
type Sender func(ctx context.Context, instance registry.ServiceInstanceView) (interface{}, error)

// Config controls facade-wide retry behavior.
type Config struct {
	MaxRetries      int
	RetryableErrors []errkind.Kind
}

func (c *Config) resolve() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if len(c.RetryableErrors) == 0 {
		c.RetryableErrors = []errkind.Kind{errkind.Unavailable, errkind.Timeout, errkind.ResourceExhausted}
	}
}

// Facade is the composition root for routed calls, per §4.5.
type Facade struct {
	cfg         Config
	registry    *registry.Registry
	router      *registry.Router
	breakers    *circuit.BreakerGroup
	rateLimiter *registry.RateLimiter
	tracer      tracing.Tracer
	log         *zap.Logger
}

// New constructs a Facade over the given registry, router, breaker
// group and rate limiter. tracer may be nil (defaults to a no-op).
func New(cfg Config, reg *registry.Registry, router *registry.Router, breakers *circuit.BreakerGroup, rateLimiter *registry.RateLimiter, tracer tracing.Tracer, log *zap.Logger) *Facade {
	cfg.resolve()
	if tracer == nil {
		tracer = tracing.NoopTracer{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Facade{
		cfg:         cfg,
		registry:    reg,
		router:      router,
		breakers:    breakers,
		rateLimiter: rateLimiter,
		tracer:      tracer,
		log:         log.With(zap.String("component", "facade")),
	}
}

func (f *Facade) isRetryable(kind errkind.Kind) bool {
	for _, k := range f.cfg.RetryableErrors {
		if k == kind {
			return true
		}
	}
	return false
}

// Route executes the full §4.5 pipeline: rate limit, discover, split,
// select, breaker-guarded send with bounded re-selecting retries, then
// record the outcome against the instance that actually served (or
// was attempted by) the call.
func (f *Facade) Route(ctx context.Context, req Request, send Sender) (interface{}, error) {
	span := f.tracer.StartSpan("facade.route", map[string]string{"service": req.Service})
	defer span.End()

	if f.rateLimiter != nil {
		if err := f.rateLimiter.AllowErr(req.ClientID); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	var lastErr error
	for attempt := 0; attempt <= f.cfg.MaxRetries; attempt++ {
		instance, err := f.router.SelectInstance(req.Service, req.Strategy, req.Ctx)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}

		f.registry.IncrementConnections(instance.Record.ID)
		start := time.Now()

		breaker := f.breakers.Get(instance.Record.ID)

		var out interface{}
		execErr := breaker.Execute(ctx, func() error {
			result, sendErr := send(ctx, instance)
			out = result
			return sendErr
		})

		elapsed := time.Since(start)
		f.registry.DecrementConnections(instance.Record.ID)
		success := execErr == nil
		_ = f.registry.RecordOutcome(instance.Record.ID, success, elapsed)

		if success {
			return out, nil
		}

		lastErr = execErr
		span.RecordError(execErr)
		kind := errkind.KindOf(execErr)
		if kind == errkind.CircuitOpen || kind == errkind.BulkheadFull || !f.isRetryable(kind) {
			return nil, execErr
		}
		f.log.Warn("routed call failed, retrying with a re-selected instance",
			zap.String("service", req.Service), zap.Int("attempt", attempt), zap.Error(execErr))
	}
	return nil, lastErr
}
