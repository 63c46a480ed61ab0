// Package queue holds pending tasks in dispatch order.
package queue

import (
	"container/heap"
	"sync"

	"github.com/nadmax/jarvis/internal/task"
)

// PriorityQueue orders tasks by priority, then by submission sequence.
// It is safe for concurrent use.
type PriorityQueue struct {
	mu    sync.Mutex
	items taskHeap
	index map[string]*task.Task
	ready chan struct{}
}

func NewPriorityQueue() *PriorityQueue {
	return &PriorityQueue{
		index: make(map[string]*task.Task),
		ready: make(chan struct{}, 1),
	}
}

// Push adds t. Pushing an ID that is already queued is a no-op.
func (q *PriorityQueue) Push(t *task.Task) {
	q.mu.Lock()
	if _, ok := q.index[t.ID]; ok {
		q.mu.Unlock()
		return
	}
	heap.Push(&q.items, t)
	q.index[t.ID] = t
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes and returns the next task, or nil when empty.
func (q *PriorityQueue) Pop() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	t := heap.Pop(&q.items).(*task.Task)
	delete(q.index, t.ID)

	return t
}

func (q *PriorityQueue) Peek() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	return q.items[0]
}

// Remove takes the task out of the queue wherever it sits.
func (q *PriorityQueue) Remove(id string) (*task.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.index[id]
	if !ok {
		return nil, false
	}
	for i, item := range q.items {
		if item.ID == id {
			heap.Remove(&q.items, i)
			break
		}
	}
	delete(q.index, id)

	return t, true
}

// Drain empties the queue and returns its contents in dispatch order.
func (q *PriorityQueue) Drain() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*task.Task, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(*task.Task))
	}
	clear(q.index)

	return out
}

func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}

// Ready is signalled after a push. A single pending signal may stand for many
// pushes, so receivers must pop until the queue is empty.
func (q *PriorityQueue) Ready() <-chan struct{} {
	return q.ready
}

// LenByPriority counts queued tasks per priority.
func (q *PriorityQueue) LenByPriority() map[task.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[task.Priority]int)
	for _, t := range q.items {
		counts[t.Priority]++
	}

	return counts
}

type taskHeap []*task.Task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*task.Task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]

	return t
}
