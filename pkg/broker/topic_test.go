package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshcore/meshcore/pkg/clock"
	"github.com/meshcore/meshcore/pkg/errkind"
)

func newTestTopic(t *testing.T, opts TopicOptions) (*Topic, *clock.VirtualClock) {
	t.Helper()
	vc := clock.NewVirtualClock(time.Unix(0, 0))
	return newTopic("test-topic", opts, vc, zap.NewNop()), vc
}

func TestTopicPublishSubscribe(t *testing.T) {
	t.Run("should fan a publish out to every matching subscriber", func(t *testing.T) {
		top, _ := newTestTopic(t, TopicOptions{})

		var mu sync.Mutex
		var receivedA, receivedB []*Message
		received := make(chan struct{}, 2)

		require.NoError(t, top.Subscribe("a", func(batch []*Message) {
			mu.Lock()
			receivedA = append(receivedA, batch...)
			mu.Unlock()
			received <- struct{}{}
		}, SubscribeOptions{}))
		require.NoError(t, top.Subscribe("b", func(batch []*Message) {
			mu.Lock()
			receivedB = append(receivedB, batch...)
			mu.Unlock()
			received <- struct{}{}
		}, SubscribeOptions{}))

		_, err := top.Publish(context.Background(), []byte("hi"), PublishOptions{})
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			<-received
		}

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, receivedA, 1)
		require.Len(t, receivedB, 1)
		assert.Equal(t, []byte("hi"), receivedA[0].Content)
	})

	t.Run("should only deliver to subscribers whose filter matches", func(t *testing.T) {
		top, _ := newTestTopic(t, TopicOptions{})

		matched := make(chan *Message, 1)
		unmatched := make(chan *Message, 1)

		require.NoError(t, top.Subscribe("matching", func(batch []*Message) {
			matched <- batch[0]
		}, SubscribeOptions{Filter: func(headers Headers, contentType string) bool {
			return headers["kind"] == "order"
		}}))
		require.NoError(t, top.Subscribe("non-matching", func(batch []*Message) {
			unmatched <- batch[0]
		}, SubscribeOptions{Filter: func(headers Headers, contentType string) bool {
			return headers["kind"] == "refund"
		}}))

		_, err := top.Publish(context.Background(), []byte("hi"), PublishOptions{Headers: Headers{"kind": "order"}})
		require.NoError(t, err)

		select {
		case msg := <-matched:
			assert.Equal(t, []byte("hi"), msg.Content)
		case <-time.After(time.Second):
			t.Fatal("matching subscriber never received the message")
		}

		select {
		case <-unmatched:
			t.Fatal("non-matching subscriber should not have received the message")
		case <-time.After(20 * time.Millisecond):
		}
	})

	t.Run("should reject a duplicate subscriber id", func(t *testing.T) {
		top, _ := newTestTopic(t, TopicOptions{})
		require.NoError(t, top.Subscribe("dup", func([]*Message) {}, SubscribeOptions{}))

		err := top.Subscribe("dup", func([]*Message) {}, SubscribeOptions{})
		assert.True(t, errkind.Is(err, errkind.AlreadyExists))
	})

	t.Run("should stop delivering after Unsubscribe", func(t *testing.T) {
		top, _ := newTestTopic(t, TopicOptions{})

		count := make(chan struct{}, 4)
		require.NoError(t, top.Subscribe("s1", func([]*Message) { count <- struct{}{} }, SubscribeOptions{}))

		_, err := top.Publish(context.Background(), []byte("1"), PublishOptions{})
		require.NoError(t, err)
		<-count

		top.Unsubscribe("s1")

		_, err = top.Publish(context.Background(), []byte("2"), PublishOptions{})
		require.NoError(t, err)

		select {
		case <-count:
			t.Fatal("unsubscribed subscriber should not receive further messages")
		case <-time.After(20 * time.Millisecond):
		}
	})
}

func TestTopicRetentionAndReplay(t *testing.T) {
	t.Run("should drop ring entries older than the retention window", func(t *testing.T) {
		top, vc := newTestTopic(t, TopicOptions{Retention: time.Second})

		_, err := top.Publish(context.Background(), []byte("old"), PublishOptions{})
		require.NoError(t, err)

		vc.Advance(2 * time.Second)
		_, err = top.Publish(context.Background(), []byte("new"), PublishOptions{})
		require.NoError(t, err)

		top.sweepRetention()

		replayed := top.Replay(0)
		require.Len(t, replayed, 1)
		assert.Equal(t, []byte("new"), replayed[0].Content)
	})

	t.Run("should replay from a given position", func(t *testing.T) {
		top, _ := newTestTopic(t, TopicOptions{})

		for _, c := range [][]byte{[]byte("1"), []byte("2"), []byte("3")} {
			_, err := top.Publish(context.Background(), c, PublishOptions{})
			require.NoError(t, err)
		}

		replayed := top.Replay(1)
		require.Len(t, replayed, 2)
		assert.Equal(t, []byte("2"), replayed[0].Content)
		assert.Equal(t, []byte("3"), replayed[1].Content)
	})

	t.Run("should return nil for an out-of-range position", func(t *testing.T) {
		top, _ := newTestTopic(t, TopicOptions{})
		assert.Nil(t, top.Replay(5))
		assert.Nil(t, top.Replay(-1))
	})
}

func TestTopicDeliveryIsolation(t *testing.T) {
	t.Run("should drop delivery to a full inbox without blocking publish", func(t *testing.T) {
		top, _ := newTestTopic(t, TopicOptions{})

		block := make(chan struct{})
		require.NoError(t, top.Subscribe("slow", func(batch []*Message) {
			<-block
		}, SubscribeOptions{}))

		for i := 0; i < 300; i++ {
			_, err := top.Publish(context.Background(), []byte("x"), PublishOptions{})
			require.NoError(t, err)
		}
		close(block)

		stats := top.Status()
		assert.Greater(t, stats.DeliveryDrops, int64(0))
	})
}
