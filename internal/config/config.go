// Package config loads process configuration from the environment,
// following the teacher's getEnv(key, default) convention in every
// cmd/*/main.go, extended with typed int/duration helpers since this
// module's components take far more numeric/duration options than a
// single gateway ever did.
package config

import (
	"os"
	"strconv"
	"time"
)

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// BreakerConfig configures the default circuit breaker template.
type BreakerConfig struct {
	Timeout          time.Duration
	FailureThreshold int
	SuccessThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenProbes   int
	MaxConcurrent    int
}

// BrokerConfig configures default queue/topic behavior.
type BrokerConfig struct {
	MaxQueueSize     int
	AckTimeout       time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
	DLQMaxSize       int
	DLQTTL           time.Duration
	BatchSize        int
	TopicRetention   time.Duration
}

// RegistryConfig configures the service registry and router.
type RegistryConfig struct {
	HealthCheckInterval time.Duration
	ServiceTimeout      time.Duration
	LoadBalancingStrategy string
	RateLimitPerMinute    int
}

// AdminConfig configures the ops HTTP/WebSocket surface.
type AdminConfig struct {
	Port string
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend    string // memory | sql; cmd/meshcored selects memory for any other value
	PostgresDSN string
	RedisAddr   string
	EtcdEndpoints string
	InfluxURL   string
	InfluxToken string
	InfluxOrg   string
	InfluxBucket string
}

// NATSConfig configures the optional broker side-channel.
type NATSConfig struct {
	Enabled       bool
	URL           string
	SubjectPrefix string
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	SampleRatio float64
}

// Config aggregates every component's environment-derived settings.
type Config struct {
	Breaker  BreakerConfig
	Broker   BrokerConfig
	Registry RegistryConfig
	Admin    AdminConfig
	Storage  StorageConfig
	NATS     NATSConfig
	Tracing  TracingConfig
}

// Load reads Config from the process environment, applying the same
// defaults a developer running this locally would expect.
func Load() Config {
	return Config{
		Breaker: BreakerConfig{
			Timeout:          getEnvDuration("BREAKER_TIMEOUT", 5*time.Second),
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			SuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
			RecoveryTimeout:  getEnvDuration("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
			HalfOpenProbes:   getEnvInt("BREAKER_HALF_OPEN_PROBES", 3),
			MaxConcurrent:    getEnvInt("BREAKER_MAX_CONCURRENT", 100),
		},
		Broker: BrokerConfig{
			MaxQueueSize:   getEnvInt("BROKER_MAX_QUEUE_SIZE", 10000),
			AckTimeout:     getEnvDuration("BROKER_ACK_TIMEOUT", 30*time.Second),
			MaxRetries:     getEnvInt("BROKER_MAX_RETRIES", 3),
			RetryBaseDelay: getEnvDuration("BROKER_RETRY_BASE_DELAY", time.Second),
			DLQMaxSize:     getEnvInt("BROKER_DLQ_MAX_SIZE", 10000),
			DLQTTL:         getEnvDuration("BROKER_DLQ_TTL", 7*24*time.Hour),
			BatchSize:      getEnvInt("BROKER_BATCH_SIZE", 50),
			TopicRetention: getEnvDuration("BROKER_TOPIC_RETENTION", time.Hour),
		},
		Registry: RegistryConfig{
			HealthCheckInterval:   getEnvDuration("REGISTRY_HEALTH_CHECK_INTERVAL", 10*time.Second),
			ServiceTimeout:        getEnvDuration("REGISTRY_SERVICE_TIMEOUT", 5*time.Second),
			LoadBalancingStrategy: getEnv("REGISTRY_LB_STRATEGY", "round_robin"),
			RateLimitPerMinute:    getEnvInt("REGISTRY_RATE_LIMIT_PER_MINUTE", 600),
		},
		Admin: AdminConfig{
			Port: getEnv("ADMIN_PORT", "8090"),
		},
		Storage: StorageConfig{
			Backend:       getEnv("STORAGE_BACKEND", "memory"),
			PostgresDSN:   getEnv("STORAGE_POSTGRES_DSN", ""),
			RedisAddr:     getEnv("STORAGE_REDIS_ADDR", "localhost:6379"),
			EtcdEndpoints: getEnv("STORAGE_ETCD_ENDPOINTS", "localhost:2379"),
			InfluxURL:     getEnv("STORAGE_INFLUX_URL", "http://localhost:8086"),
			InfluxToken:   getEnv("STORAGE_INFLUX_TOKEN", ""),
			InfluxOrg:     getEnv("STORAGE_INFLUX_ORG", "meshcore"),
			InfluxBucket:  getEnv("STORAGE_INFLUX_BUCKET", "meshcore"),
		},
		NATS: NATSConfig{
			Enabled:       getEnvBool("NATS_SIDECHANNEL_ENABLED", false),
			URL:           getEnv("NATS_URL", "nats://localhost:4222"),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "meshcore"),
		},
		Tracing: TracingConfig{
			Enabled:     getEnvBool("TRACING_ENABLED", false),
			ServiceName: getEnv("TRACING_SERVICE_NAME", "meshcored"),
			SampleRatio: getEnvFloat("TRACING_SAMPLE_RATIO", 1.0),
		},
	}
}
