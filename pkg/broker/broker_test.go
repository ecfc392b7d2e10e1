package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcore/meshcore/pkg/clock"
)

func newTestBroker(t *testing.T) (*Broker, *clock.VirtualClock) {
	t.Helper()
	vc := clock.NewVirtualClock(time.Unix(0, 0))
	sched := clock.NewScheduler(vc, zap.NewNop())
	t.Cleanup(sched.Close)
	b := New(vc, sched, zap.NewNop(), nil, nil)
	t.Cleanup(b.Close)
	return b, vc
}

func TestBrokerQueueLifecycle(t *testing.T) {
	t.Run("should round-trip publish/consume/ack through a named queue", func(t *testing.T) {
		b, _ := newTestBroker(t)
		require.NoError(t, b.CreateQueue("orders", QueueOptions{}))

		id, err := b.Publish(context.Background(), "orders", []byte("payload"), PublishOptions{})
		require.NoError(t, err)

		msg, err := b.Consume(context.Background(), "orders", "c1", ConsumeOptions{})
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, id, msg.ID)

		require.NoError(t, b.Ack(context.Background(), "orders", msg.ID, true))

		status, err := b.QueueStatus("orders")
		require.NoError(t, err)
		assert.Equal(t, int64(1), status.Acked)
	})

	t.Run("should reject creating a duplicate queue", func(t *testing.T) {
		b, _ := newTestBroker(t)
		require.NoError(t, b.CreateQueue("dup", QueueOptions{}))
		assert.Error(t, b.CreateQueue("dup", QueueOptions{}))
	})

	t.Run("should route to a named DLQ after exhausting retries", func(t *testing.T) {
		b, _ := newTestBroker(t)
		require.NoError(t, b.CreateQueue("flaky", QueueOptions{MaxRetries: 0, DLQName: "flaky-dlq"}))

		id, err := b.Publish(context.Background(), "flaky", []byte("x"), PublishOptions{})
		require.NoError(t, err)

		msg, err := b.Consume(context.Background(), "flaky", "c1", ConsumeOptions{})
		require.NoError(t, err)
		require.NoError(t, b.Ack(context.Background(), "flaky", msg.ID, false))

		entries, err := b.DLQEntries("flaky-dlq")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, id, entries[0].Message.ID)
	})

	t.Run("should invoke the event hook when a message is dead-lettered", func(t *testing.T) {
		vc := clock.NewVirtualClock(time.Unix(0, 0))
		sched := clock.NewScheduler(vc, zap.NewNop())
		t.Cleanup(sched.Close)

		hookFired := make(chan string, 1)
		b := New(vc, sched, zap.NewNop(), nil, func(kind string, payload map[string]interface{}) {
			hookFired <- kind
		})
		t.Cleanup(b.Close)

		require.NoError(t, b.CreateQueue("hooked", QueueOptions{MaxRetries: 0, DLQName: "hooked-dlq"}))
		_, err := b.Publish(context.Background(), "hooked", []byte("x"), PublishOptions{})
		require.NoError(t, err)
		msg, err := b.Consume(context.Background(), "hooked", "c1", ConsumeOptions{})
		require.NoError(t, err)
		require.NoError(t, b.Ack(context.Background(), "hooked", msg.ID, false))

		select {
		case kind := <-hookFired:
			assert.Equal(t, "dlq.routed", kind)
		case <-time.After(time.Second):
			t.Fatal("event hook was never invoked")
		}
	})

	t.Run("should process a batch with positional acks", func(t *testing.T) {
		b, _ := newTestBroker(t)
		require.NoError(t, b.CreateQueue("batch", QueueOptions{}))

		for i := 0; i < 2; i++ {
			_, err := b.Publish(context.Background(), "batch", []byte("x"), PublishOptions{})
			require.NoError(t, err)
		}

		err := b.ProcessBatch(context.Background(), "batch", "c1", 2, func(msgs []*Message) []bool {
			return []bool{true, true}
		})
		require.NoError(t, err)

		status, err := b.QueueStatus("batch")
		require.NoError(t, err)
		assert.Equal(t, int64(2), status.Acked)
	})
}

func TestBrokerTopicLifecycle(t *testing.T) {
	t.Run("should fan a topic publish out to subscribers", func(t *testing.T) {
		b, _ := newTestBroker(t)
		require.NoError(t, b.CreateTopic("events", TopicOptions{}))

		received := make(chan *Message, 1)
		require.NoError(t, b.Subscribe("events", "sub1", func(batch []*Message) {
			received <- batch[0]
		}, SubscribeOptions{}))

		_, err := b.PublishTopic(context.Background(), "events", []byte("hi"), PublishOptions{})
		require.NoError(t, err)

		select {
		case msg := <-received:
			assert.Equal(t, []byte("hi"), msg.Content)
		case <-time.After(time.Second):
			t.Fatal("subscriber never received the published message")
		}

		status, err := b.TopicStatus("events")
		require.NoError(t, err)
		assert.Equal(t, int64(1), status.Published)
	})
}

func TestBrokerPeriodicSweeps(t *testing.T) {
	t.Run("should expire a stale pending-ack via the scheduled sweep", func(t *testing.T) {
		vc := clock.NewVirtualClock(time.Unix(0, 0))
		sched := clock.NewScheduler(vc, zap.NewNop())
		t.Cleanup(sched.Close)
		b := New(vc, sched, zap.NewNop(), nil, nil)
		t.Cleanup(b.Close)

		require.NoError(t, b.CreateQueue("swept", QueueOptions{AckTimeout: time.Second, MaxRetries: 1, RetryBaseDelay: 0}))
		_, err := b.Publish(context.Background(), "swept", []byte("x"), PublishOptions{})
		require.NoError(t, err)
		_, err = b.Consume(context.Background(), "swept", "c1", ConsumeOptions{})
		require.NoError(t, err)

		vc.Advance(2 * time.Second)
		assert.Eventually(t, func() bool {
			status, err := b.QueueStatus("swept")
			return err == nil && status.PendingAck == 0
		}, time.Second, 5*time.Millisecond)
	})
}
