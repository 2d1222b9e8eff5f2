// Package workerpool decouples I/O readiness from request handling: the
// event loop submits tasks, a fixed set of workers drains them, and WaitIdle
// lets shutdown observe the moment nothing is queued or executing.
package workerpool

import (
	"log/slog"
	"sync"
)

// Task is one unit of work. A nil Task is reserved as the shutdown sentinel
// and must not be submitted.
type Task func()

// Pool runs tasks on a fixed number of worker goroutines fed from a shared
// blocking queue.
type Pool struct {
	queue *Queue
	wg    sync.WaitGroup

	mu      sync.Mutex
	idle    *sync.Cond
	pending int // queued + executing
	running bool
	workers int
}

// New returns a pool; no workers run until Start.
func New() *Pool {
	p := &Pool{queue: NewQueue()}
	p.idle = sync.NewCond(&p.mu)
	return p
}

// Start launches n workers. Starting an already-running pool is a no-op.
func (p *Pool) Start(n int) {
	if n <= 0 {
		n = 1
	}
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.workers = n
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Submit enqueues a task. When the pool is not running the task is silently
// dropped.
func (p *Pool) Submit(t Task) {
	if t == nil {
		return
	}
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.pending++
	p.mu.Unlock()
	p.queue.Push(t)
}

// WaitIdle blocks until the queue is empty and no task is executing.
func (p *Pool) WaitIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pending > 0 {
		p.idle.Wait()
	}
}

// Stop pushes one shutdown sentinel per worker and joins them all. Stopping
// a stopped pool is a no-op. Queued tasks submitted before Stop still run.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	n := p.workers
	p.mu.Unlock()

	for i := 0; i < n; i++ {
		p.queue.Push(nil)
	}
	p.wg.Wait()
}

// QueueLen reports the number of queued tasks (sentinels included).
func (p *Pool) QueueLen() int {
	return p.queue.Len()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		t := p.queue.Take()
		if t == nil {
			return
		}
		p.invoke(t)
	}
}

// invoke runs one task, swallowing panics so the pending count always
// reaches zero and WaitIdle cannot deadlock on a faulty handler.
func (p *Pool) invoke(t Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker task panicked", "panic", r)
		}
		p.mu.Lock()
		p.pending--
		if p.pending == 0 {
			p.idle.Broadcast()
		}
		p.mu.Unlock()
	}()
	t()
}
