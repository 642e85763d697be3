// Package queue holds paths waiting to be synced.
package queue

import (
	"container/heap"
	"log/slog"
	"path"
	"sync"
	"time"
)

// Priorities. Higher values are served first.
const (
	PriorityNormal = 0
	PriorityHigh   = 10
)

// Item is one queued path.
type Item struct {
	Path     string
	Priority int
	QueuedAt time.Time

	seq   uint64
	index int
}

// PriorityFunc assigns a priority to a path when it is queued.
type PriorityFunc func(path string) int

// PatternPriority gives PriorityHigh to paths whose full path or base name
// matches one of patterns (path.Match syntax), PriorityNormal otherwise.
func PatternPriority(patterns []string) PriorityFunc {
	return func(p string) int {
		base := path.Base(p)
		for _, pattern := range patterns {
			if ok, _ := path.Match(pattern, p); ok {
				return PriorityHigh
			}
			if ok, _ := path.Match(pattern, base); ok {
				return PriorityHigh
			}
		}
		return PriorityNormal
	}
}

// Queue is a de-duplicating priority queue of paths, FIFO within a priority.
// It is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	items    itemHeap
	queued   map[string]*Item
	seq      uint64
	priority PriorityFunc
	logger   *slog.Logger
}

// Option configures Queue.
type Option func(*Queue)

// WithPriority sets the function that ranks queued paths.
func WithPriority(fn PriorityFunc) Option {
	return func(q *Queue) {
		q.priority = fn
	}
}

// WithLogger sets a custom logger for the queue.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		queued:   make(map[string]*Item),
		priority: func(string) int { return PriorityNormal },
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push queues p. It returns false when p is already waiting.
func (q *Queue) Push(p string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.queued[p]; ok {
		return false
	}

	q.seq++
	item := &Item{
		Path:     p,
		Priority: q.priority(p),
		QueuedAt: time.Now(),
		seq:      q.seq,
	}
	heap.Push(&q.items, item)
	q.queued[p] = item

	q.logger.Debug("queued path", "path", p, "priority", item.Priority, "queue_len", len(q.items))
	return true
}

// Pop removes and returns the next item.
func (q *Queue) Pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false
	}
	item, _ := heap.Pop(&q.items).(*Item)
	delete(q.queued, item.Path)
	return *item, true
}

// Drain removes up to limit items in priority order and returns their
// paths. A limit of 0 or less drains everything.
func (q *Queue) Drain(limit int) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if limit > 0 && limit < n {
		n = limit
	}

	out := make([]string, 0, n)
	for range n {
		item, _ := heap.Pop(&q.items).(*Item)
		delete(q.queued, item.Path)
		out = append(out, item.Path)
	}
	return out
}

// IsQueued reports whether p is waiting.
func (q *Queue) IsQueued(p string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.queued[p]
	return ok
}

// Len returns the number of waiting paths.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// itemHeap implements heap.Interface.
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	item, _ := x.(*Item)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}
