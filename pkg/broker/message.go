package broker

import (
	"time"

	"github.com/google/uuid"
)

// Headers are string-keyed message attributes used for topic filter
// evaluation and routing metadata.
type Headers map[string]string

// Message is the broker's concrete record type: a queue or topic
// payload plus delivery bookkeeping, replacing the teacher's ad hoc
// `{id, content, headers, ...}` shapes with one typed record.
type Message struct {
	ID            string
	Content       []byte
	Headers       Headers
	ContentType   string
	Priority      int
	TTL           time.Duration
	ProducedAt    time.Time
	DeliveredAt   time.Time
	AckDeadlineAt time.Time
	RetryCount    int
	MaxRetries    int
	CorrelationID string
	ReplyTo       string

	// index is heap.Interface book-keeping for priority queues,
	// mirroring the teacher's orderHeap.Order.index field.
	index int
}

// PublishOptions customizes a single publish call.
type PublishOptions struct {
	Priority      int
	TTL           time.Duration
	Headers       Headers
	ContentType   string
	CorrelationID string
	ReplyTo       string
	MaxRetries    int
}

func newMessage(content []byte, opts PublishOptions, now time.Time, defaultMaxRetries int) *Message {
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	headers := opts.Headers
	if headers == nil {
		headers = Headers{}
	}
	return &Message{
		ID:            uuid.NewString(),
		Content:       content,
		Headers:       headers,
		ContentType:   opts.ContentType,
		Priority:      opts.Priority,
		TTL:           opts.TTL,
		ProducedAt:    now,
		MaxRetries:    maxRetries,
		CorrelationID: opts.CorrelationID,
		ReplyTo:       opts.ReplyTo,
		index:         -1,
	}
}

func (m *Message) expired(now time.Time) bool {
	return m.TTL > 0 && now.Sub(m.ProducedAt) > m.TTL
}

// The following accessors let Message satisfy storage.DurableMessageLike
// without pkg/storage importing pkg/broker.
func (m *Message) GetID() string                  { return m.ID }
func (m *Message) GetContent() []byte              { return m.Content }
func (m *Message) GetHeaders() map[string]string   { return m.Headers }
func (m *Message) GetContentType() string          { return m.ContentType }
func (m *Message) GetPriority() int                { return m.Priority }
func (m *Message) GetProducedAt() time.Time        { return m.ProducedAt }
func (m *Message) GetRetryCount() int              { return m.RetryCount }
func (m *Message) GetMaxRetries() int              { return m.MaxRetries }
