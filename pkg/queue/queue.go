// Package queue provides the bounded, priority-ordered queues that sit
// between submission and processing for each of runnerhub's worker pools,
// per spec §5's five logical queues.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuemby/runnerhub/pkg/types"
)

// Name identifies one of the five logical queues.
type Name string

const (
	JobExecution        Name = "job-execution"
	ContainerManagement Name = "container-management"
	Monitoring          Name = "monitoring"
	WebhookProcessing   Name = "webhook-processing"
	Cleanup             Name = "cleanup"
)

// ErrQueuePaused is returned by Push when the queue is not accepting work.
var ErrQueuePaused = errors.New("queue: paused")

// ErrQueueFull is returned by Push when the queue is at capacity.
var ErrQueueFull = errors.New("queue: full")

// Item is one unit of work enqueued under a Priority, FIFO within the same
// priority via EnqueuedAt ordering.
type Item struct {
	ID         string
	Priority   types.Priority
	Payload    interface{}
	EnqueuedAt time.Time
}

// Queue is a bounded, priority-ordered, pausable work queue.
type Queue interface {
	Push(item Item) error
	Pop(ctx context.Context) (Item, bool, error)
	Len() int
	Pause()
	Resume()
	Drain() []Item
}

// heapItem wraps Item with its heap index for container/heap.
type heapItem struct {
	item  Item
	index int
}

type priorityHeap []*heapItem

func (h priorityHeap) Len() int { return len(h) }
func (h priorityHeap) Less(i, j int) bool {
	if h[i].item.Priority != h[j].item.Priority {
		return h[i].item.Priority < h[j].item.Priority // lower value = higher priority
	}
	return h[i].item.EnqueuedAt.Before(h[j].item.EnqueuedAt)
}
func (h priorityHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *priorityHeap) Push(x interface{}) {
	hi := x.(*heapItem)
	hi.index = len(*h)
	*h = append(*h, hi)
}
func (h *priorityHeap) Pop() interface{} {
	old := *h
	n := len(old)
	hi := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return hi
}

// MemoryQueue is an in-process bounded priority queue, used as the default
// store for all five logical queues when no durable backend is configured.
type MemoryQueue struct {
	mu       sync.Mutex
	signal   chan struct{}
	heap     priorityHeap
	capacity int
	paused   bool
}

// NewMemoryQueue returns an empty queue bounded at capacity items.
func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{capacity: capacity, signal: make(chan struct{}, 1)}
}

func (q *MemoryQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Push enqueues item, returning ErrQueuePaused or ErrQueueFull as appropriate.
func (q *MemoryQueue) Push(item Item) error {
	q.mu.Lock()
	if q.paused {
		q.mu.Unlock()
		return ErrQueuePaused
	}
	if q.capacity > 0 && len(q.heap) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now()
	}
	heap.Push(&q.heap, &heapItem{item: item})
	q.mu.Unlock()
	q.wake()
	return nil
}

// Pop blocks until an item is available or ctx is cancelled.
func (q *MemoryQueue) Pop(ctx context.Context) (Item, bool, error) {
	for {
		q.mu.Lock()
		if len(q.heap) > 0 {
			hi := heap.Pop(&q.heap).(*heapItem)
			q.mu.Unlock()
			return hi.item, true, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Item{}, false, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the current queue depth.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Pause stops Push from accepting new items; Pop continues to drain what is
// already queued.
func (q *MemoryQueue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume re-enables Push.
func (q *MemoryQueue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
}

// Drain removes and returns every queued item without processing it,
// leaving the queue empty.
func (q *MemoryQueue) Drain() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]Item, 0, len(q.heap))
	for len(q.heap) > 0 {
		hi := heap.Pop(&q.heap).(*heapItem)
		items = append(items, hi.item)
	}
	return items
}

var _ Queue = (*MemoryQueue)(nil)

// Manager owns the five logical queues named in spec §5 and dispatches
// Push calls to the right one by Name.
type Manager struct {
	queues map[Name]Queue
}

// NewManager builds a Manager with a MemoryQueue of the given per-queue
// capacity for each of the five logical queues.
func NewManager(capacity int) *Manager {
	m := &Manager{queues: make(map[Name]Queue, 5)}
	for _, n := range []Name{JobExecution, ContainerManagement, Monitoring, WebhookProcessing, Cleanup} {
		m.queues[n] = NewMemoryQueue(capacity)
	}
	return m
}

// Use installs a custom Queue implementation (e.g. a Redis-backed durable
// store) for name, replacing its default MemoryQueue.
func (m *Manager) Use(name Name, q Queue) { m.queues[name] = q }

// Queue returns the named queue, or nil if name is not one of the five
// recognized logical queues.
func (m *Manager) Queue(name Name) Queue { return m.queues[name] }

// PauseAll pauses every managed queue, e.g. during a drain-and-shutdown.
func (m *Manager) PauseAll() {
	for _, q := range m.queues {
		q.Pause()
	}
}

// ResumeAll resumes every managed queue.
func (m *Manager) ResumeAll() {
	for _, q := range m.queues {
		q.Resume()
	}
}
