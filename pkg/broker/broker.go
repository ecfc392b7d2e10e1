// Package broker implements the durable message broker: priority and
// FIFO queues with retry/DLQ semantics, and pub/sub topics with
// per-subscriber filters and time-bounded retention.
package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcore/meshcore/pkg/clock"
	"github.com/meshcore/meshcore/pkg/errkind"
)

// EventHook is invoked when a queue routes a message to its dead-letter
// path (kind "dlq.routed"), so the event can be mirrored to an external
// side channel (see pkg/broker/nats.go) without the broker depending
// on any transport. No other broker event reaches the hook.
type EventHook func(kind string, payload map[string]interface{})

// Broker owns every queue, topic and DLQ in the process and the
// periodic sweeps (pending-ack timeout, DLQ purge, retention) that
// keep them converging, per §5's "independent periodic tasks" policy.
type Broker struct {
	mu     sync.RWMutex
	queues map[string]*Queue
	topics map[string]*Topic
	dlqs   map[string]*DLQ

	clk   clock.Clock
	sched *clock.Scheduler
	log   *zap.Logger
	store Durable
	hook  EventHook

	cancels []clock.CancelFunc
}

// New creates a Broker. store may be nil (durability disabled for any
// queue not marked Durable); hook may be nil.
func New(clk clock.Clock, sched *clock.Scheduler, log *zap.Logger, store Durable, hook EventHook) *Broker {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Broker{
		queues: make(map[string]*Queue),
		topics: make(map[string]*Topic),
		dlqs:   make(map[string]*DLQ),
		clk:    clk,
		sched:  sched,
		log:    log.With(zap.String("component", "broker")),
		store:  store,
		hook:   hook,
	}
	b.cancels = append(b.cancels, sched.Every(1*time.Second, "broker.ack-sweep", b.sweepPendingAcks))
	b.cancels = append(b.cancels, sched.Every(30*time.Second, "broker.dlq-purge", b.purgeDLQs))
	b.cancels = append(b.cancels, sched.Every(30*time.Second, "broker.topic-retention", b.sweepTopicRetention))
	return b
}

// Close cancels the broker's periodic sweeps.
func (b *Broker) Close() {
	for _, c := range b.cancels {
		c()
	}
}

// CreateQueue registers a new named queue.
func (b *Broker) CreateQueue(name string, opts QueueOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.queues[name]; exists {
		return errkind.New("broker.CreateQueue", errkind.AlreadyExists, nil)
	}
	var dlq *DLQ
	if opts.DLQName != "" {
		dlq = b.dlqs[opts.DLQName]
		if dlq == nil {
			dlq = newDLQ(opts.DLQName, DLQOptions{}, b.clk, b.log)
			b.dlqs[opts.DLQName] = dlq
		}
	}
	onDeadLetter := func(originalQueue string, msg *Message, reason string) {
		if dlq != nil {
			dlq.Put(originalQueue, msg, reason)
		}
		if b.hook != nil {
			b.hook("dlq.routed", map[string]interface{}{"queue": originalQueue, "message_id": msg.ID, "reason": reason})
		}
	}
	b.queues[name] = newQueue(name, opts, b.clk, b.log, onDeadLetter, b.store)
	return nil
}

// DeleteQueue removes a queue. In-flight pending-ack messages are
// discarded; this is a hard delete, not a drain.
func (b *Broker) DeleteQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.queues[name]; !exists {
		return errkind.New("broker.DeleteQueue", errkind.NotFound, nil)
	}
	delete(b.queues, name)
	return nil
}

func (b *Broker) queue(name string) (*Queue, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, errkind.New("broker.queue", errkind.NotFound, nil)
	}
	return q, nil
}

// Publish enqueues content on the named queue.
func (b *Broker) Publish(ctx context.Context, queueName string, content []byte, opts PublishOptions) (string, error) {
	q, err := b.queue(queueName)
	if err != nil {
		return "", err
	}
	return q.Publish(ctx, content, opts)
}

// PublishBatch enqueues multiple messages on the named queue,
// returning the assigned ids in order; it stops at the first error.
func (b *Broker) PublishBatch(ctx context.Context, queueName string, items []struct {
	Content []byte
	Opts    PublishOptions
}) ([]string, error) {
	q, err := b.queue(queueName)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		id, err := q.Publish(ctx, item.Content, item.Opts)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Consume pulls the next eligible message from the named queue.
func (b *Broker) Consume(ctx context.Context, queueName, consumerID string, opts ConsumeOptions) (*Message, error) {
	q, err := b.queue(queueName)
	if err != nil {
		return nil, err
	}
	return q.Consume(ctx, consumerID, opts)
}

// Ack resolves a previously consumed message on the named queue.
func (b *Broker) Ack(ctx context.Context, queueName, msgID string, success bool) error {
	q, err := b.queue(queueName)
	if err != nil {
		return err
	}
	return q.Ack(ctx, msgID, success)
}

// ProcessBatch pulls up to batchSize messages and hands them to handler
// as one batch. Messages are dequeued one at a time, so the pull is not
// atomic: other consumers of the queue can dequeue in between.
func (b *Broker) ProcessBatch(ctx context.Context, queueName, consumerID string, batchSize int, handler func([]*Message) []bool) error {
	q, err := b.queue(queueName)
	if err != nil {
		return err
	}
	return q.ProcessBatch(ctx, consumerID, batchSize, handler)
}

// QueueStatus returns a snapshot of the named queue's counters.
func (b *Broker) QueueStatus(queueName string) (QueueStats, error) {
	q, err := b.queue(queueName)
	if err != nil {
		return QueueStats{}, err
	}
	return q.Status(), nil
}

// CreateTopic registers a new named topic.
func (b *Broker) CreateTopic(name string, opts TopicOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.topics[name]; exists {
		return errkind.New("broker.CreateTopic", errkind.AlreadyExists, nil)
	}
	b.topics[name] = newTopic(name, opts, b.clk, b.log)
	return nil
}

func (b *Broker) topic(name string) (*Topic, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[name]
	if !ok {
		return nil, errkind.New("broker.topic", errkind.NotFound, nil)
	}
	return t, nil
}

// Subscribe registers subscriberID on the named topic.
func (b *Broker) Subscribe(topicName, subscriberID string, callback func([]*Message), opts SubscribeOptions) error {
	t, err := b.topic(topicName)
	if err != nil {
		return err
	}
	return t.Subscribe(subscriberID, callback, opts)
}

// Unsubscribe removes subscriberID from the named topic.
func (b *Broker) Unsubscribe(topicName, subscriberID string) error {
	t, err := b.topic(topicName)
	if err != nil {
		return err
	}
	t.Unsubscribe(subscriberID)
	return nil
}

// PublishTopic fans content out to the named topic's subscribers.
func (b *Broker) PublishTopic(ctx context.Context, topicName string, content []byte, opts PublishOptions) (string, error) {
	t, err := b.topic(topicName)
	if err != nil {
		return "", err
	}
	return t.Publish(ctx, content, opts)
}

// TopicStatus returns a snapshot of the named topic's counters.
func (b *Broker) TopicStatus(topicName string) (TopicStats, error) {
	t, err := b.topic(topicName)
	if err != nil {
		return TopicStats{}, err
	}
	return t.Status(), nil
}

// DLQEntries returns the current contents of a named dead-letter queue.
func (b *Broker) DLQEntries(name string) ([]*DeadLetter, error) {
	b.mu.RLock()
	dlq, ok := b.dlqs[name]
	b.mu.RUnlock()
	if !ok {
		return nil, errkind.New("broker.DLQEntries", errkind.NotFound, nil)
	}
	return dlq.Entries(), nil
}

func (b *Broker) sweepPendingAcks() {
	b.mu.RLock()
	queues := make([]*Queue, 0, len(b.queues))
	for _, q := range b.queues {
		queues = append(queues, q)
	}
	b.mu.RUnlock()
	for _, q := range queues {
		q.sweepExpiredAcks(context.Background())
	}
}

func (b *Broker) purgeDLQs() {
	b.mu.RLock()
	dlqs := make([]*DLQ, 0, len(b.dlqs))
	for _, d := range b.dlqs {
		dlqs = append(dlqs, d)
	}
	b.mu.RUnlock()
	for _, d := range dlqs {
		d.PurgeExpired()
	}
}

func (b *Broker) sweepTopicRetention() {
	b.mu.RLock()
	topics := make([]*Topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.RUnlock()
	for _, t := range topics {
		t.sweepRetention()
	}
}
