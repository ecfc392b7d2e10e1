package registry_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcore/meshcore/pkg/clock"
	"github.com/meshcore/meshcore/pkg/registry"
	"github.com/meshcore/meshcore/pkg/storage"
)

func TestHealthCheckerMarksUnhealthy(t *testing.T) {
	t.Run("should mark an instance unhealthy after repeated probe failures", func(t *testing.T) {
		rc := clock.RealClock{}
		sched := clock.NewScheduler(rc, zap.NewNop())
		t.Cleanup(sched.Close)

		reg := registry.New(registry.Config{HealthCheckInterval: 5 * time.Millisecond, FailureThreshold: 2}, rc, zap.NewNop(), storage.NewMemory(), nil)
		require.NoError(t, reg.Register(registry.ServiceRecord{
			ID: "i1", Name: "orders",
			Endpoints:   []registry.Endpoint{{Address: "10.0.0.1", Port: 8080}},
			HealthCheck: registry.HealthCheckConfig{Enabled: true, Timeout: time.Second},
		}))

		prober := func(ctx context.Context, rec registry.ServiceRecord) (time.Duration, error) {
			return 0, errors.New("connection refused")
		}
		hc := registry.NewHealthChecker(reg, prober, sched, zap.NewNop())
		t.Cleanup(hc.Stop)

		assert.Eventually(t, func() bool {
			view, err := reg.Get("i1")
			return err == nil && view.Health.Status == registry.StatusUnhealthy
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("should not probe an instance with health checks disabled", func(t *testing.T) {
		rc := clock.RealClock{}
		sched := clock.NewScheduler(rc, zap.NewNop())
		t.Cleanup(sched.Close)

		reg := registry.New(registry.Config{HealthCheckInterval: 5 * time.Millisecond}, rc, zap.NewNop(), storage.NewMemory(), nil)
		require.NoError(t, reg.Register(registry.ServiceRecord{ID: "i1", Name: "orders"}))

		var calls int32
		prober := func(ctx context.Context, rec registry.ServiceRecord) (time.Duration, error) {
			atomic.AddInt32(&calls, 1)
			return 0, nil
		}
		hc := registry.NewHealthChecker(reg, prober, sched, zap.NewNop())
		t.Cleanup(hc.Stop)

		time.Sleep(30 * time.Millisecond)
		assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	})

	t.Run("should recover to healthy after a success following unhealthy", func(t *testing.T) {
		rc := clock.RealClock{}
		sched := clock.NewScheduler(rc, zap.NewNop())
		t.Cleanup(sched.Close)

		reg := registry.New(registry.Config{HealthCheckInterval: 5 * time.Millisecond, FailureThreshold: 1}, rc, zap.NewNop(), storage.NewMemory(), nil)
		require.NoError(t, reg.Register(registry.ServiceRecord{
			ID: "i1", Name: "orders",
			Endpoints:   []registry.Endpoint{{Address: "10.0.0.1", Port: 8080}},
			HealthCheck: registry.HealthCheckConfig{Enabled: true, Timeout: time.Second},
		}))

		var fail int32 = 1
		prober := func(ctx context.Context, rec registry.ServiceRecord) (time.Duration, error) {
			if atomic.LoadInt32(&fail) == 1 {
				return 0, errors.New("down")
			}
			return time.Millisecond, nil
		}
		hc := registry.NewHealthChecker(reg, prober, sched, zap.NewNop())
		t.Cleanup(hc.Stop)

		assert.Eventually(t, func() bool {
			view, err := reg.Get("i1")
			return err == nil && view.Health.Status == registry.StatusUnhealthy
		}, time.Second, 5*time.Millisecond)

		atomic.StoreInt32(&fail, 0)

		assert.Eventually(t, func() bool {
			view, err := reg.Get("i1")
			return err == nil && view.Health.Status == registry.StatusHealthy
		}, time.Second, 5*time.Millisecond)
	})
}

func TestHTTPProber(t *testing.T) {
	t.Run("should error when the instance has no endpoints", func(t *testing.T) {
		prober := registry.HTTPProber(nil)
		_, err := prober(context.Background(), registry.ServiceRecord{})
		assert.Error(t, err)
	})
}
