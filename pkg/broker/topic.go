package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcore/meshcore/pkg/clock"
	"github.com/meshcore/meshcore/pkg/errkind"
)

// Filter decides whether a message should be delivered to a subscriber
// based on its headers and content type.
type Filter func(headers Headers, contentType string) bool

// TopicOptions configures a topic.
type TopicOptions struct {
	Durable        bool
	Retention      time.Duration
	MaxSubscribers int
}

// SubscribeOptions customizes one subscription.
type SubscribeOptions struct {
	Filter    Filter
	BatchSize int
	AutoAck   bool
}

// TopicStats is a point-in-time snapshot of a topic's counters.
type TopicStats struct {
	Published     int64
	Delivered     int64
	DeliveryDrops int64
	Subscribers   int
}

type topicSubscriber struct {
	id       string
	opts     SubscribeOptions
	callback func([]*Message)
	inbox    chan *Message
	done     chan struct{}
	log      *zap.Logger
}

func (s *topicSubscriber) run() {
	batch := make([]*Message, 0, maxInt(s.opts.BatchSize, 1))
	flush := func() {
		if len(batch) == 0 {
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("topic subscriber callback panicked; continuing", zap.String("subscriber", s.id), zap.Any("panic", r))
				}
			}()
			s.callback(batch)
		}()
		batch = batch[:0]
	}

	for {
		select {
		case msg, ok := <-s.inbox:
			if !ok {
				flush()
				return
			}
			batch = append(batch, msg)
			if len(batch) >= maxInt(s.opts.BatchSize, 1) {
				flush()
			}
		case <-s.done:
			flush()
			return
		}
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Topic is a pub/sub channel with per-subscriber filtering, isolated
// delivery, and a time-bounded retention ring for replay. Grounded on
// the teacher's internal/market/feed.go Feed (subscriber map, fan-out
// broadcast) generalized beyond market quotes and given a real
// retention buffer and replay-from-position the feed never had.
type Topic struct {
	name string
	opts TopicOptions

	mu          sync.RWMutex
	subscribers map[string]*topicSubscriber
	ring        []*Message
	stats       TopicStats

	clk clock.Clock
	log *zap.Logger
}

func newTopic(name string, opts TopicOptions, clk clock.Clock, log *zap.Logger) *Topic {
	if opts.MaxSubscribers == 0 {
		opts.MaxSubscribers = 1000
	}
	return &Topic{
		name:        name,
		opts:        opts,
		subscribers: make(map[string]*topicSubscriber),
		clk:         clk,
		log:         log.With(zap.String("component", "broker.topic"), zap.String("topic", name)),
	}
}

// Subscribe registers subscriberID with callback, invoked with message
// batches up to opts.BatchSize (default 1) in publish order.
func (t *Topic) Subscribe(subscriberID string, callback func([]*Message), opts SubscribeOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subscribers) >= t.opts.MaxSubscribers {
		return errkind.New("broker.Subscribe", errkind.ResourceExhausted, nil)
	}
	if _, exists := t.subscribers[subscriberID]; exists {
		return errkind.New("broker.Subscribe", errkind.AlreadyExists, nil)
	}
	sub := &topicSubscriber{
		id:       subscriberID,
		opts:     opts,
		callback: callback,
		inbox:    make(chan *Message, 256),
		done:     make(chan struct{}),
		log:      t.log,
	}
	t.subscribers[subscriberID] = sub
	t.stats.Subscribers = len(t.subscribers)
	go sub.run()
	return nil
}

// Unsubscribe removes subscriberID, draining its worker goroutine.
func (t *Topic) Unsubscribe(subscriberID string) {
	t.mu.Lock()
	sub, exists := t.subscribers[subscriberID]
	if exists {
		delete(t.subscribers, subscriberID)
		t.stats.Subscribers = len(t.subscribers)
	}
	t.mu.Unlock()
	if exists {
		close(sub.done)
	}
}

// Publish delivers content to every matching subscriber and retains it
// in the replay ring. Per-subscriber delivery is isolated: a full
// inbox drops the message for that subscriber only, logged, without
// blocking publish or other subscribers.
func (t *Topic) Publish(ctx context.Context, content []byte, opts PublishOptions) (string, error) {
	msg := newMessage(content, opts, t.clk.Now(), 0)

	t.mu.Lock()
	t.ring = append(t.ring, msg)
	t.stats.Published++
	subs := make([]*topicSubscriber, 0, len(t.subscribers))
	for _, s := range t.subscribers {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		if sub.opts.Filter != nil && !sub.opts.Filter(msg.Headers, msg.ContentType) {
			continue
		}
		select {
		case sub.inbox <- msg:
			t.mu.Lock()
			t.stats.Delivered++
			t.mu.Unlock()
		default:
			t.mu.Lock()
			t.stats.DeliveryDrops++
			t.mu.Unlock()
			t.log.Warn("subscriber inbox full, dropping delivery", zap.String("subscriber", sub.id))
		}
	}

	return msg.ID, nil
}

// sweepRetention drops ring entries older than opts.Retention.
// Invoked periodically by the broker's Scheduler. The ring has no
// count bound: this sweep is the only thing that removes entries, and
// with Retention <= 0 nothing is ever dropped.
func (t *Topic) sweepRetention() {
	if t.opts.Retention <= 0 {
		return
	}
	cutoff := t.clk.Now().Add(-t.opts.Retention)
	t.mu.Lock()
	defer t.mu.Unlock()
	i := 0
	for i < len(t.ring) && t.ring[i].ProducedAt.Before(cutoff) {
		i++
	}
	t.ring = t.ring[i:]
}

// Replay returns retained messages from fromPosition onward, for a late
// subscriber opting into backfill. fromPosition is an index into the
// currently retained messages, oldest first; positions shift down as
// the retention sweep drops old entries.
func (t *Topic) Replay(fromPosition int) []*Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if fromPosition < 0 || fromPosition >= len(t.ring) {
		return nil
	}
	out := make([]*Message, len(t.ring)-fromPosition)
	copy(out, t.ring[fromPosition:])
	return out
}

// Status returns a snapshot of topic counters.
func (t *Topic) Status() TopicStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}
