package broker

import "container/heap"

// msgHeap orders queued messages by priority (lower number first, per
// the 1-highest..P-lowest convention) and, within a priority, by
// publish order — the same container/heap.Interface shape as the
// teacher's pkg/orderbook orderHeap, generalized from a bid/ask
// price-time ordering to a priority-producedAt ordering.
type msgHeap struct {
	items []*Message
}

func (h msgHeap) Len() int { return len(h.items) }

func (h msgHeap) Less(i, j int) bool {
	if h.items[i].Priority != h.items[j].Priority {
		return h.items[i].Priority < h.items[j].Priority
	}
	return h.items[i].ProducedAt.Before(h.items[j].ProducedAt)
}

func (h msgHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *msgHeap) Push(x interface{}) {
	m := x.(*Message)
	m.index = len(h.items)
	h.items = append(h.items, m)
}

func (h *msgHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	m := old[n-1]
	old[n-1] = nil
	m.index = -1
	h.items = old[:n-1]
	return m
}

// priorityQueue wraps msgHeap with the heap.Interface push/pop calls so
// callers never import container/heap directly.
type priorityQueue struct {
	h msgHeap
}

func newPriorityQueue() *priorityQueue {
	pq := &priorityQueue{}
	heap.Init(&pq.h)
	return pq
}

func (pq *priorityQueue) Len() int { return pq.h.Len() }

func (pq *priorityQueue) Push(m *Message) { heap.Push(&pq.h, m) }

func (pq *priorityQueue) Pop() *Message {
	if pq.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&pq.h).(*Message)
}

func (pq *priorityQueue) Remove(m *Message) {
	if m.index < 0 || m.index >= pq.h.Len() || pq.h.items[m.index] != m {
		return
	}
	heap.Remove(&pq.h, m.index)
}
