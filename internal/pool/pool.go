// Package pool runs named tasks on a fixed number of goroutines, in order of
// their deadlines. Tasks are re-armed by returning the next deadline from
// their run function; returning the zero time removes the task. If a task is
// added while the pool is waiting for the next deadline, the waiting goroutine
// wakes up to process the new task immediately.
package pool

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"
)

type Pool struct {
	mu     sync.Mutex
	queue  []*task
	reg    map[string]*task
	wait   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

type task struct {
	name     string
	fn       func(context.Context) time.Time
	deadline time.Time
	rerun    bool
}

// New starts a pool with the given number of worker goroutines. The workers
// run until Close is called; the context passed to task functions is canceled
// on Close so in-flight work can abort cleanly.
func New(workers int) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	pool := Pool{reg: make(map[string]*task), ctx: ctx, cancel: cancel}

	for range workers {
		go pool.work()
	}

	return &pool
}

// Add schedules fn under the given name for immediate execution. Adding a
// name that is already registered is a no-op: the existing task keeps its
// schedule.
func (p *Pool) Add(name string, fn func(context.Context) time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.reg[name]; exists {
		return
	}

	t := &task{name: name, fn: fn, deadline: time.Now()}
	p.reg[name] = t
	p.queue = append(p.queue, t)
	p.sortAndWake()
}

// Has reports whether a task with the given name is registered, queued or
// currently running.
func (p *Pool) Has(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.reg[name]
	return ok
}

// Close stops the workers. In-flight task functions observe the cancellation
// through their context. Queued tasks are not executed again.
func (p *Pool) Close() {
	p.cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	if p.wait != nil {
		close(p.wait)
		p.wait = nil
	}
}

// work is the main loop for each worker goroutine.
func (p *Pool) work() {
	for {
		t := p.dequeue()
		if t == nil {
			return
		}
		p.enqueue(t.execute(p.ctx))
	}
}

// Trigger runs the named task NOW, if it is in the queue, regardless of the
// previous deadline, by pulling it into the front of the queue. If the named
// task is not queued, it's running. In that case, we'll have it override its
// next deadline to NOW, causing an immediate re-run after the current run.
// Subsequent runs will use the deadline returned by the task's `fn`.
func (p *Pool) Trigger(n string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i := slices.IndexFunc(p.queue, func(t *task) bool { return t.name == n }); i != -1 {
		p.queue[i].deadline = time.Now()
		p.sortAndWake()
		return nil
	}
	// if it's not in p.queue, it must be running at the moment
	if t, ok := p.reg[n]; ok {
		t.rerun = true
		return nil
	}

	return fmt.Errorf("no task with name %s", n)
}

// sortAndWake is used in multiple places, but always needs to be run
// within a p.mu lock!
func (p *Pool) sortAndWake() {
	// Maintain the tasks in deadline order.
	slices.SortFunc(p.queue, func(a, b *task) int {
		return a.deadline.Compare(b.deadline)
	})

	// Wake up any waiting goroutine.
	if p.wait != nil {
		close(p.wait)
		p.wait = nil
	}
}

func (p *Pool) enqueue(t *task) {
	if t.deadline.IsZero() {
		// Task requested removal from the pool.
		p.mu.Lock()
		delete(p.reg, t.name)
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.reg[t.name] = t
	p.queue = append(p.queue, t)
	p.sortAndWake()
	p.mu.Unlock()
}

// dequeue blocks until a task is due or the pool is closed. It returns nil
// on close.
func (p *Pool) dequeue() *task {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if p.ctx.Err() != nil {
			return nil
		}

		var t *task
		if len(p.queue) == 0 {
			t = &task{name: "dummy", deadline: time.Now().Add(time.Hour * 24 * 365)} // Default to a far future deadline
		} else {
			t = p.queue[0]
		}

		if t.deadline.After(time.Now()) {
			// Task is not ready yet, wait for it to be executed or another
			// (potentially earlier) task to arrive.

			if p.wait == nil {
				p.wait = make(chan struct{})
			}

			wait := p.wait

			p.mu.Unlock()

			select {
			case <-time.After(time.Until(t.deadline)):
			case <-wait:
			case <-p.ctx.Done():
			}

			p.mu.Lock()
			continue
		}

		// The first queued task is ready to be executed, remove it from the queue.
		break
	}

	var t *task
	t, p.queue = p.queue[0], p.queue[1:]
	return t
}

func (t *task) execute(ctx context.Context) *task {
	t.deadline = t.fn(ctx)
	if t.rerun {
		t.rerun = false
		t.deadline = time.Now()
	}
	return t
}
