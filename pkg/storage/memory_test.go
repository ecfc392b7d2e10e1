package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshcore/meshcore/pkg/errkind"
	"github.com/meshcore/meshcore/pkg/storage"
)

type fakeDurableMessage struct {
	id string
}

func (f fakeDurableMessage) GetID() string                { return f.id }
func (f fakeDurableMessage) GetContent() []byte            { return []byte("x") }
func (f fakeDurableMessage) GetHeaders() map[string]string { return nil }
func (f fakeDurableMessage) GetContentType() string        { return "" }
func (f fakeDurableMessage) GetPriority() int              { return 0 }
func (f fakeDurableMessage) GetProducedAt() time.Time      { return time.Unix(0, 0) }
func (f fakeDurableMessage) GetRetryCount() int            { return 0 }
func (f fakeDurableMessage) GetMaxRetries() int            { return 0 }

func TestMemoryServiceLifecycle(t *testing.T) {
	t.Run("should put, list and delete a service record", func(t *testing.T) {
		m := storage.NewMemory()
		ctx := context.Background()

		require.NoError(t, m.PutService(ctx, storage.ServiceRecord{ID: "svc-1", Name: "orders"}))

		services, err := m.ListServices(ctx)
		require.NoError(t, err)
		require.Len(t, services, 1)
		assert.Equal(t, "orders", services[0].Name)

		require.NoError(t, m.DeleteService(ctx, "svc-1"))
		services, err = m.ListServices(ctx)
		require.NoError(t, err)
		assert.Empty(t, services)
	})

	t.Run("should error deleting an unknown service", func(t *testing.T) {
		m := storage.NewMemory()
		err := m.DeleteService(context.Background(), "missing")
		assert.True(t, errkind.Is(err, errkind.NotFound))
	})
}

func TestMemoryEventStream(t *testing.T) {
	t.Run("should assign monotonically increasing positions per stream", func(t *testing.T) {
		m := storage.NewMemory()
		ctx := context.Background()

		pos1, err := m.AppendEvent(ctx, "orders", storage.EventRecord{Type: "created"})
		require.NoError(t, err)
		pos2, err := m.AppendEvent(ctx, "orders", storage.EventRecord{Type: "shipped"})
		require.NoError(t, err)

		assert.Equal(t, int64(0), pos1)
		assert.Equal(t, int64(1), pos2)

		recs, err := m.LoadStream(ctx, "orders", 0, 0)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "created", recs[0].Type)
		assert.Equal(t, "shipped", recs[1].Type)
	})

	t.Run("should respect a limit when loading", func(t *testing.T) {
		m := storage.NewMemory()
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			_, err := m.AppendEvent(ctx, "s", storage.EventRecord{})
			require.NoError(t, err)
		}

		recs, err := m.LoadStream(ctx, "s", 1, 2)
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("should return nil for an out-of-range start position", func(t *testing.T) {
		m := storage.NewMemory()
		recs, err := m.LoadStream(context.Background(), "empty", 0, 0)
		require.NoError(t, err)
		assert.Nil(t, recs)
	})
}

func TestMemoryMessages(t *testing.T) {
	t.Run("should put and delete a durable message", func(t *testing.T) {
		m := storage.NewMemory()
		ctx := context.Background()

		require.NoError(t, m.PutMessage(ctx, "q", fakeDurableMessage{id: "m1"}))
		require.NoError(t, m.DeleteMessage(ctx, "q", "m1"))
	})
}

func TestMemoryMetricsPoints(t *testing.T) {
	t.Run("should retain written points", func(t *testing.T) {
		m := storage.NewMemory()
		require.NoError(t, m.PutMetricsPoint(context.Background(), storage.MetricsPoint{Measurement: "breaker_calls"}))

		points := m.Points()
		require.Len(t, points, 1)
		assert.Equal(t, "breaker_calls", points[0].Measurement)
	})
}
