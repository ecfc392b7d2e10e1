// Package storage defines the abstract persistence boundary used by
// the broker, breaker manager and service registry, plus several
// concrete backends. Every component in this module depends only on
// the Storage interface; no component imports a backend directly.
package storage

import (
	"context"
	"time"
)

// ServiceRecord is the persisted form of a registry entry.
type ServiceRecord struct {
	ID       string
	Name     string
	Address  string
	Port     int
	Metadata map[string]string
	Weight   int
}

// EventRecord is one append-only entry in a named stream, per the
// wire format fixed in §6: position is monotonically increasing
// within a stream.
type EventRecord struct {
	Position      int64
	StreamName    string
	Type          string
	AggregateID   string
	Version       int
	PayloadBytes  []byte
	Metadata      map[string]string
	ProducedAt    time.Time
}

// QueueMeta is the persisted configuration of a durable queue, so it
// can be recreated identically after a restart.
type QueueMeta struct {
	Name            string
	MaxSize         int
	PriorityEnabled bool
	MaxRetries      int
	RetryBaseDelay  time.Duration
	DLQName         string
	AckTimeout      time.Duration
}

// DurableMessage is the persisted form of a broker message.
type DurableMessage struct {
	ID            string
	Queue         string
	Content       []byte
	Headers       map[string]string
	ContentType   string
	Priority      int
	ProducedAt    time.Time
	RetryCount    int
	MaxRetries    int
}

// BreakerState is a persisted snapshot of one circuit breaker, for
// warm-restart or cross-instance observability.
type BreakerState struct {
	Name      string
	Phase     string
	Failures  int
	Successes int
	UpdatedAt time.Time
}

// MetricsPoint is one time-series sample written by a breaker, queue
// or registry periodic task.
type MetricsPoint struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]float64
	Timestamp   time.Time
}

// Storage is the full persistence boundary described in §6. Backends
// need not implement every method with full durability guarantees —
// the in-memory backend is a faithful reference implementation used
// by tests and by components that opt out of durability.
type Storage interface {
	PutService(ctx context.Context, rec ServiceRecord) error
	DeleteService(ctx context.Context, id string) error
	ListServices(ctx context.Context) ([]ServiceRecord, error)

	AppendEvent(ctx context.Context, streamName string, rec EventRecord) (int64, error)
	LoadStream(ctx context.Context, streamName string, fromPosition int64, limit int) ([]EventRecord, error)

	PutQueueMeta(ctx context.Context, meta QueueMeta) error
	PutMessage(ctx context.Context, queue string, msg DurableMessageLike) error
	DeleteMessage(ctx context.Context, queue string, id string) error

	PutBreakerState(ctx context.Context, state BreakerState) error
	PutMetricsPoint(ctx context.Context, point MetricsPoint) error
}

// DurableMessageLike is satisfied by pkg/broker.Message without this
// package importing pkg/broker (which itself imports this package for
// its StorageAdapter, behind pkg/broker's narrower Durable interface).
type DurableMessageLike interface {
	GetID() string
	GetContent() []byte
	GetHeaders() map[string]string
	GetContentType() string
	GetPriority() int
	GetProducedAt() time.Time
	GetRetryCount() int
	GetMaxRetries() int
}
