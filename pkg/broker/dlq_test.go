package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcore/meshcore/pkg/clock"
)

func TestDLQPutAndEntries(t *testing.T) {
	t.Run("should record a dead-lettered message", func(t *testing.T) {
		vc := clock.NewVirtualClock(time.Unix(0, 0))
		dlq := newDLQ("test-dlq", DLQOptions{}, vc, zap.NewNop())

		msg := newMessage([]byte("x"), PublishOptions{}, vc.Now(), 0)
		msg.RetryCount = 3
		dlq.Put("orders", msg, "max retries exceeded")

		entries := dlq.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, "orders", entries[0].OriginalQueue)
		assert.Equal(t, "max retries exceeded", entries[0].FailureReason)
		assert.Equal(t, 3, entries[0].RetryCount)
	})

	t.Run("should drop the oldest entry once at capacity", func(t *testing.T) {
		vc := clock.NewVirtualClock(time.Unix(0, 0))
		dlq := newDLQ("bounded-dlq", DLQOptions{MaxSize: 2}, vc, zap.NewNop())

		first := newMessage([]byte("1"), PublishOptions{}, vc.Now(), 0)
		second := newMessage([]byte("2"), PublishOptions{}, vc.Now(), 0)
		third := newMessage([]byte("3"), PublishOptions{}, vc.Now(), 0)

		dlq.Put("q", first, "r")
		dlq.Put("q", second, "r")
		dlq.Put("q", third, "r")

		entries := dlq.Entries()
		require.Len(t, entries, 2)
		assert.Equal(t, second.ID, entries[0].Message.ID)
		assert.Equal(t, third.ID, entries[1].Message.ID)
	})
}

func TestDLQPurgeExpired(t *testing.T) {
	t.Run("should purge entries older than TTL", func(t *testing.T) {
		vc := clock.NewVirtualClock(time.Unix(0, 0))
		dlq := newDLQ("ttl-dlq", DLQOptions{TTL: time.Minute}, vc, zap.NewNop())

		old := newMessage([]byte("old"), PublishOptions{}, vc.Now(), 0)
		dlq.Put("q", old, "r")

		vc.Advance(2 * time.Minute)

		fresh := newMessage([]byte("fresh"), PublishOptions{}, vc.Now(), 0)
		dlq.Put("q", fresh, "r")

		purged := dlq.PurgeExpired()
		assert.Equal(t, 1, purged)

		entries := dlq.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, fresh.ID, entries[0].Message.ID)
	})

	t.Run("should not purge when TTL is zero", func(t *testing.T) {
		vc := clock.NewVirtualClock(time.Unix(0, 0))
		dlq := newDLQ("no-ttl-dlq", DLQOptions{}, vc, zap.NewNop())

		msg := newMessage([]byte("x"), PublishOptions{}, vc.Now(), 0)
		dlq.Put("q", msg, "r")
		vc.Advance(24 * time.Hour)

		purged := dlq.PurgeExpired()
		assert.Equal(t, 0, purged)
		assert.Len(t, dlq.Entries(), 1)
	})
}
