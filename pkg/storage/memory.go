package storage

import (
	"context"
	"sync"

	"github.com/meshcore/meshcore/pkg/errkind"
)

// Memory is an in-process reference Storage implementation. It is the
// default backend for tests and for any deployment that accepts
// at_most_once durability in exchange for zero external dependencies.
type Memory struct {
	mu       sync.Mutex
	services map[string]ServiceRecord
	streams  map[string][]EventRecord
	queues   map[string]QueueMeta
	messages map[string]map[string]DurableMessageLike
	breakers map[string]BreakerState
	points   []MetricsPoint
}

// NewMemory constructs an empty Memory backend.
func NewMemory() *Memory {
	return &Memory{
		services: make(map[string]ServiceRecord),
		streams:  make(map[string][]EventRecord),
		queues:   make(map[string]QueueMeta),
		messages: make(map[string]map[string]DurableMessageLike),
	}
}

func (m *Memory) PutService(_ context.Context, rec ServiceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[rec.ID] = rec
	return nil
}

func (m *Memory) DeleteService(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services[id]; !ok {
		return errkind.New("storage.DeleteService", errkind.NotFound, nil)
	}
	delete(m.services, id)
	return nil
}

func (m *Memory) ListServices(_ context.Context) ([]ServiceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ServiceRecord, 0, len(m.services))
	for _, rec := range m.services {
		out = append(out, rec)
	}
	return out, nil
}

func (m *Memory) AppendEvent(_ context.Context, streamName string, rec EventRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos := int64(len(m.streams[streamName]))
	rec.Position = pos
	rec.StreamName = streamName
	m.streams[streamName] = append(m.streams[streamName], rec)
	return pos, nil
}

func (m *Memory) LoadStream(_ context.Context, streamName string, fromPosition int64, limit int) ([]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.streams[streamName]
	if fromPosition < 0 || int(fromPosition) >= len(all) {
		return nil, nil
	}
	end := len(all)
	if limit > 0 && int(fromPosition)+limit < end {
		end = int(fromPosition) + limit
	}
	out := make([]EventRecord, end-int(fromPosition))
	copy(out, all[fromPosition:end])
	return out, nil
}

func (m *Memory) PutQueueMeta(_ context.Context, meta QueueMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[meta.Name] = meta
	return nil
}

func (m *Memory) PutMessage(_ context.Context, queue string, msg DurableMessageLike) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.messages[queue] == nil {
		m.messages[queue] = make(map[string]DurableMessageLike)
	}
	m.messages[queue][msg.GetID()] = msg
	return nil
}

func (m *Memory) DeleteMessage(_ context.Context, queue string, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages[queue], id)
	return nil
}

func (m *Memory) PutBreakerState(_ context.Context, state BreakerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.breakers == nil {
		m.breakers = make(map[string]BreakerState)
	}
	m.breakers[state.Name] = state
	return nil
}

func (m *Memory) PutMetricsPoint(_ context.Context, point MetricsPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, point)
	if len(m.points) > 100000 {
		m.points = m.points[len(m.points)-100000:]
	}
	return nil
}

// Points returns a snapshot of retained metrics points, for tests that
// assert on what was written.
func (m *Memory) Points() []MetricsPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MetricsPoint, len(m.points))
	copy(out, m.points)
	return out
}
