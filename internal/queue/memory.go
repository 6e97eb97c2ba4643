package queue

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"jobqueue/internal/models"
)

type item struct {
	id       string
	priority models.Priority
	seq      uint64
	index    int
}

// itemHeap orders by priority descending, then enqueue sequence ascending.
type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Memory is an in-process Queue backed by a binary heap.
type Memory struct {
	mu     sync.Mutex
	items  itemHeap
	byID   map[string]*item
	seq    uint64
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

var _ Queue = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		byID:   make(map[string]*item),
		wake:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (q *Memory) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}

func (q *Memory) Enqueue(_ context.Context, id string, priority models.Priority) error {
	if !priority.Valid() {
		return fmt.Errorf("enqueue %s: invalid priority %d", id, int(priority))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed() {
		return ErrClosed
	}
	if _, ok := q.byID[id]; ok {
		return nil
	}
	q.seq++
	it := &item{id: id, priority: priority, seq: q.seq}
	heap.Push(&q.items, it)
	q.byID[id] = it

	// Wake every blocked Dequeue; losers go back to waiting.
	close(q.wake)
	q.wake = make(chan struct{})
	return nil
}

func (q *Memory) Dequeue(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if q.isClosed() {
			q.mu.Unlock()
			return "", ErrClosed
		}
		if q.items.Len() > 0 {
			it := heap.Pop(&q.items).(*item)
			delete(q.byID, it.id)
			q.mu.Unlock()
			return it.id, nil
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-q.closed:
			return "", ErrClosed
		case <-wake:
		}
	}
}

func (q *Memory) Remove(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return false, nil
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, id)
	return true, nil
}

func (q *Memory) Len(context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len(), nil
}

func (q *Memory) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
