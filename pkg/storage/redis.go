package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/meshcore/meshcore/pkg/errkind"
)

// Redis backs the hot-path writes — breaker state snapshots and
// metrics points — that benefit from a fast cache in front of slower
// durable storage, mirroring the teacher's gateway pattern of an
// in-memory cache fronting a database. Service/event/message methods
// delegate to a fallback Storage (typically SQL or etcd) since Redis
// alone has no durable ordering guarantee for those.
type Redis struct {
	cli      *redis.Client
	fallback Storage
	prefix   string
}

// NewRedis wraps an already-configured *redis.Client. fallback may be
// nil if only the cache-backed methods are needed.
func NewRedis(cli *redis.Client, fallback Storage, prefix string) *Redis {
	return &Redis{cli: cli, fallback: fallback, prefix: prefix}
}

func (r *Redis) key(parts ...string) string {
	k := r.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *Redis) PutService(ctx context.Context, rec ServiceRecord) error {
	if r.fallback == nil {
		return errkind.New("storage.PutService", errkind.Internal, fmt.Errorf("redis backend requires a fallback for service records"))
	}
	return r.fallback.PutService(ctx, rec)
}

func (r *Redis) DeleteService(ctx context.Context, id string) error {
	if r.fallback == nil {
		return errkind.New("storage.DeleteService", errkind.Internal, fmt.Errorf("redis backend requires a fallback for service records"))
	}
	return r.fallback.DeleteService(ctx, id)
}

func (r *Redis) ListServices(ctx context.Context) ([]ServiceRecord, error) {
	if r.fallback == nil {
		return nil, errkind.New("storage.ListServices", errkind.Internal, fmt.Errorf("redis backend requires a fallback for service records"))
	}
	return r.fallback.ListServices(ctx)
}

func (r *Redis) AppendEvent(ctx context.Context, streamName string, rec EventRecord) (int64, error) {
	if r.fallback == nil {
		return 0, errkind.New("storage.AppendEvent", errkind.Internal, fmt.Errorf("redis backend requires a fallback for event streams"))
	}
	return r.fallback.AppendEvent(ctx, streamName, rec)
}

func (r *Redis) LoadStream(ctx context.Context, streamName string, fromPosition int64, limit int) ([]EventRecord, error) {
	if r.fallback == nil {
		return nil, errkind.New("storage.LoadStream", errkind.Internal, fmt.Errorf("redis backend requires a fallback for event streams"))
	}
	return r.fallback.LoadStream(ctx, streamName, fromPosition, limit)
}

func (r *Redis) PutQueueMeta(ctx context.Context, meta QueueMeta) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return errkind.New("storage.PutQueueMeta", errkind.Internal, err)
	}
	if err := r.cli.Set(ctx, r.key("queuemeta", meta.Name), raw, 0).Err(); err != nil {
		return errkind.New("storage.PutQueueMeta", errkind.Internal, err)
	}
	return nil
}

func (r *Redis) PutMessage(ctx context.Context, queue string, msg DurableMessageLike) error {
	if r.fallback == nil {
		return errkind.New("storage.PutMessage", errkind.Internal, fmt.Errorf("redis backend requires a fallback for message durability"))
	}
	return r.fallback.PutMessage(ctx, queue, msg)
}

func (r *Redis) DeleteMessage(ctx context.Context, queue string, id string) error {
	if r.fallback == nil {
		return errkind.New("storage.DeleteMessage", errkind.Internal, fmt.Errorf("redis backend requires a fallback for message durability"))
	}
	return r.fallback.DeleteMessage(ctx, queue, id)
}

// PutBreakerState writes the hot-path breaker snapshot to Redis with no
// expiry; each write overwrites the previous snapshot for that breaker.
// It is a cache, not an audit log.
func (r *Redis) PutBreakerState(ctx context.Context, state BreakerState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errkind.New("storage.PutBreakerState", errkind.Internal, err)
	}
	if err := r.cli.Set(ctx, r.key("breaker", state.Name), raw, 0).Err(); err != nil {
		return errkind.New("storage.PutBreakerState", errkind.Internal, err)
	}
	return nil
}

// PutMetricsPoint appends to a capped Redis list per measurement,
// trimmed to the most recent 10000 points.
func (r *Redis) PutMetricsPoint(ctx context.Context, point MetricsPoint) error {
	raw, err := json.Marshal(point)
	if err != nil {
		return errkind.New("storage.PutMetricsPoint", errkind.Internal, err)
	}
	key := r.key("metrics", point.Measurement)
	pipe := r.cli.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, 9999)
	if _, err := pipe.Exec(ctx); err != nil {
		return errkind.New("storage.PutMetricsPoint", errkind.Internal, err)
	}
	return nil
}
