package broker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshcore/meshcore/pkg/clock"
)

// DeadLetter is one entry parked in a DLQ: the original message plus
// why it ended up there. Grounded on the dead-letter-queue shape
// surveyed across the retrieval pack (the teacher has no DLQ concept
// of its own).
type DeadLetter struct {
	OriginalQueue string
	Message       *Message
	FailureReason string
	RetryCount    int
	DLQTimestamp  time.Time
}

// DLQOptions configures a dead-letter queue.
type DLQOptions struct {
	MaxSize int
	TTL     time.Duration
}

// DLQ holds messages that exhausted their retry budget. Entries expire
// after TTL and are purged by the broker's Scheduler. Broker.CreateQueue
// creates its DLQs with zero DLQOptions (10000-entry cap, no TTL), so
// the entries of those DLQs are never purged by age.
type DLQ struct {
	name string
	opts DLQOptions

	mu      sync.Mutex
	entries []*DeadLetter

	clk clock.Clock
	log *zap.Logger
}

func newDLQ(name string, opts DLQOptions, clk clock.Clock, log *zap.Logger) *DLQ {
	if opts.MaxSize == 0 {
		opts.MaxSize = 10000
	}
	return &DLQ{
		name: name,
		opts: opts,
		clk:  clk,
		log:  log.With(zap.String("component", "broker.dlq"), zap.String("dlq", name)),
	}
}

// Put appends a dead-lettered message, dropping the oldest entry if
// the DLQ is at capacity.
func (d *DLQ) Put(originalQueue string, msg *Message, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.entries) >= d.opts.MaxSize {
		d.entries = d.entries[1:]
	}
	d.entries = append(d.entries, &DeadLetter{
		OriginalQueue: originalQueue,
		Message:       msg,
		FailureReason: reason,
		RetryCount:    msg.RetryCount,
		DLQTimestamp:  d.clk.Now(),
	})
	d.log.Info("message dead-lettered", zap.String("message_id", msg.ID), zap.String("reason", reason))
}

// Entries returns a snapshot of all currently-held dead letters.
func (d *DLQ) Entries() []*DeadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*DeadLetter, len(d.entries))
	copy(out, d.entries)
	return out
}

// PurgeExpired removes entries older than opts.TTL. Invoked
// periodically by the broker's Scheduler.
func (d *DLQ) PurgeExpired() int {
	if d.opts.TTL <= 0 {
		return 0
	}
	now := d.clk.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.entries[:0]
	purged := 0
	for _, e := range d.entries {
		if now.Sub(e.DLQTimestamp) > d.opts.TTL {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	d.entries = kept
	if purged > 0 {
		d.log.Info("purged expired dead letters", zap.Int("count", purged))
	}
	return purged
}
