package workerpool

import "sync"

// Queue is an unbounded multi-producer/multi-consumer FIFO. Push never
// blocks; Take blocks until an item is available. Memory pressure is the
// only capacity limit.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []Task
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends a task and wakes one waiter.
func (q *Queue) Push(t Task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.cond.Signal()
}

// Take blocks until the queue is non-empty and returns the oldest task.
func (q *Queue) Take() Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t
}

// Len reports the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Empty reports whether no tasks are queued.
func (q *Queue) Empty() bool {
	return q.Len() == 0
}
