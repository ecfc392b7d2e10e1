package broker

import (
	"context"

	"github.com/meshcore/meshcore/pkg/storage"
)

// StorageAdapter implements Durable against any storage.Storage
// backend, keeping pkg/broker's persistence needs scoped to the two
// calls it actually makes (put on publish, delete on terminal ack)
// while letting callers wire in the memory/sql/etcd/redis backend of
// their choice.
type StorageAdapter struct {
	Store storage.Storage
}

// NewStorageAdapter wraps store as a broker Durable.
func NewStorageAdapter(store storage.Storage) *StorageAdapter {
	return &StorageAdapter{Store: store}
}

func (a *StorageAdapter) PutMessage(ctx context.Context, queue string, msg *Message) error {
	return a.Store.PutMessage(ctx, queue, msg)
}

func (a *StorageAdapter) DeleteMessage(ctx context.Context, queue string, id string) error {
	return a.Store.DeleteMessage(ctx, queue, id)
}
