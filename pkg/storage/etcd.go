package storage

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/meshcore/meshcore/pkg/errkind"
)

// Etcd backs putService/deleteService/listServices with etcd's key
// space, keyed by "<prefix>/<id>". It is the natural home for the
// service registry's Storage needs — a watchable, strongly-consistent
// key-value store — so it leaves the event-stream and message methods
// unimplemented: a registry-only deployment never calls them.
type Etcd struct {
	cli    *clientv3.Client
	prefix string
}

// NewEtcd wraps an already-dialed etcd client. prefix namespaces keys,
// e.g. "/meshcore/services".
func NewEtcd(cli *clientv3.Client, prefix string) *Etcd {
	return &Etcd{cli: cli, prefix: prefix}
}

func (e *Etcd) key(id string) string {
	return fmt.Sprintf("%s/%s", e.prefix, id)
}

func (e *Etcd) PutService(ctx context.Context, rec ServiceRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errkind.New("storage.PutService", errkind.Internal, err)
	}
	if _, err := e.cli.Put(ctx, e.key(rec.ID), string(raw)); err != nil {
		return errkind.New("storage.PutService", errkind.Internal, err)
	}
	return nil
}

func (e *Etcd) DeleteService(ctx context.Context, id string) error {
	resp, err := e.cli.Delete(ctx, e.key(id))
	if err != nil {
		return errkind.New("storage.DeleteService", errkind.Internal, err)
	}
	if resp.Deleted == 0 {
		return errkind.New("storage.DeleteService", errkind.NotFound, nil)
	}
	return nil
}

func (e *Etcd) ListServices(ctx context.Context) ([]ServiceRecord, error) {
	resp, err := e.cli.Get(ctx, e.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, errkind.New("storage.ListServices", errkind.Internal, err)
	}
	out := make([]ServiceRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec ServiceRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (e *Etcd) AppendEvent(context.Context, string, EventRecord) (int64, error) {
	return 0, errkind.New("storage.AppendEvent", errkind.Internal, fmt.Errorf("etcd backend does not support event streams"))
}

func (e *Etcd) LoadStream(context.Context, string, int64, int) ([]EventRecord, error) {
	return nil, errkind.New("storage.LoadStream", errkind.Internal, fmt.Errorf("etcd backend does not support event streams"))
}

func (e *Etcd) PutQueueMeta(context.Context, QueueMeta) error {
	return errkind.New("storage.PutQueueMeta", errkind.Internal, fmt.Errorf("etcd backend does not support queue metadata"))
}

func (e *Etcd) PutMessage(context.Context, string, DurableMessageLike) error {
	return errkind.New("storage.PutMessage", errkind.Internal, fmt.Errorf("etcd backend does not support message durability"))
}

func (e *Etcd) DeleteMessage(context.Context, string, string) error {
	return errkind.New("storage.DeleteMessage", errkind.Internal, fmt.Errorf("etcd backend does not support message durability"))
}

func (e *Etcd) PutBreakerState(ctx context.Context, state BreakerState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errkind.New("storage.PutBreakerState", errkind.Internal, err)
	}
	if _, err := e.cli.Put(ctx, fmt.Sprintf("%s/breakers/%s", e.prefix, state.Name), string(raw)); err != nil {
		return errkind.New("storage.PutBreakerState", errkind.Internal, err)
	}
	return nil
}

func (e *Etcd) PutMetricsPoint(context.Context, MetricsPoint) error {
	return errkind.New("storage.PutMetricsPoint", errkind.Internal, fmt.Errorf("etcd backend does not support metrics points"))
}
