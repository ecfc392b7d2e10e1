// Command meshcored wires the broker, circuit breaker manager, service
// registry and orchestration facade into one process and serves the
// ops-only admin surface, following the teacher's cmd/gateway/main.go
// load-config / construct / serve / graceful-shutdown shape.
package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/meshcore/meshcore/internal/adminserver"
	"github.com/meshcore/meshcore/internal/config"
	"github.com/meshcore/meshcore/internal/metrics"
	"github.com/meshcore/meshcore/pkg/broker"
	"github.com/meshcore/meshcore/pkg/circuit"
	"github.com/meshcore/meshcore/pkg/clock"
	"github.com/meshcore/meshcore/pkg/facade"
	"github.com/meshcore/meshcore/pkg/registry"
	"github.com/meshcore/meshcore/pkg/storage"
	"github.com/meshcore/meshcore/pkg/tracing"
)

func buildStorage(cfg config.StorageConfig, log *zap.Logger) storage.Storage {
	switch cfg.Backend {
	case "sql":
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			log.Fatal("failed to open postgres", zap.Error(err))
		}
		return storage.NewSQL(db)
	default:
		log.Info("using in-memory storage backend", zap.String("requested", cfg.Backend))
		return storage.NewMemory()
	}
}

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := config.Load()

	clk := clock.RealClock{}
	sched := clock.NewScheduler(clk, log)
	defer sched.Close()

	store := buildStorage(cfg.Storage, log)
	storageAdapter := broker.NewStorageAdapter(store)

	hub := adminserver.NewHub(log)
	hook := broker.EventHook(func(kind string, payload map[string]interface{}) {
		hub.Publish(kind, payload)
	})

	bro := broker.New(clk, sched, log, storageAdapter, hook)
	defer bro.Close()

	breakers := circuit.NewBreakerGroupWithDeps(circuit.Config{
		Timeout:          cfg.Breaker.Timeout,
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		HalfOpenProbes:   cfg.Breaker.HalfOpenProbes,
		MaxConcurrent:    cfg.Breaker.MaxConcurrent,
	}, clk, log)

	reg := registry.New(registry.Config{
		HealthCheckInterval: cfg.Registry.HealthCheckInterval,
		ServiceTimeout:      cfg.Registry.ServiceTimeout,
	}, clk, log, store, breakers)

	healthChecker := registry.NewHealthChecker(reg, registry.HTTPProber(http.DefaultClient), sched, log)
	_ = healthChecker

	router := registry.NewRouter(reg, registry.Strategy(cfg.Registry.LoadBalancingStrategy))
	rateLimiter := registry.NewRateLimiter(cfg.Registry.RateLimitPerMinute, time.Minute, clk)

	var tracer tracing.Tracer = tracing.NoopTracer{}
	if cfg.Tracing.Enabled {
		shutdownTracing, err := tracing.InstallProvider(tracing.ProviderConfig{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			log.Fatal("failed to install tracer provider", zap.Error(err))
		}
		defer func() {
			if err := shutdownTracing(context.Background()); err != nil {
				log.Error("tracer provider shutdown failed", zap.Error(err))
			}
		}()
		tracer = tracing.NewOtelTracer(cfg.Tracing.ServiceName)
	}
	fac := facade.New(facade.Config{}, reg, router, breakers, rateLimiter, tracer, log)
	_ = fac

	_ = metrics.New(prometheus.DefaultRegisterer)

	srv := adminserver.New(":"+cfg.Admin.Port, hub, nil, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("meshcored starting", zap.String("admin_port", cfg.Admin.Port))
	if err := srv.Start(ctx); err != nil {
		log.Error("admin server exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("meshcored stopped")
}
