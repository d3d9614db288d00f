// Package pool runs named background tasks in order of their deadlines on a
// fixed number of workers.
package pool

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nildb/nildb/internal/logging"
)

// Task runs once and returns when it wants to run next. A zero time removes
// it from the pool.
type Task func(context.Context) time.Time

// Pool executes tasks in order of their deadlines. If a task is added or
// triggered while the workers wait for the next deadline, they wake up to
// pick it.
type Pool struct {
	mu      sync.Mutex
	queue   []*task
	reg     map[string]*task
	wait    chan struct{}
	workers int
	log     *logging.Logger
}

type task struct {
	name     string
	fn       Task
	deadline time.Time
	rerun    bool
}

func New(workers int) *Pool {
	return &Pool{reg: make(map[string]*task), workers: max(workers, 1)}
}

func (p *Pool) WithLogger(log *logging.Logger) *Pool {
	p.log = log
	return p
}

func (p *Pool) logger() *logging.Logger {
	if p.log == nil {
		return logging.Discard()
	}
	return p.log
}

// Add queues a task to run right away.
func (p *Pool) Add(name string, fn Task) {
	p.enqueue(&task{name: name, fn: fn, deadline: time.Now()})
}

// Every queues fn to run now and then every interval after each run ends.
// Failures are logged; the schedule is kept.
func (p *Pool) Every(name string, interval time.Duration, fn func(context.Context) error) {
	p.Add(name, func(ctx context.Context) time.Time {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			p.logger().Errorf("task %s failed: %v", name, err)
		}
		return time.Now().Add(interval)
	})
}

// Run starts the workers and blocks until the context ends. Running tasks
// see the cancelled context; no new task starts after.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range p.workers {
		wg.Go(func() { p.work(ctx) })
	}
	<-ctx.Done()

	p.mu.Lock()
	p.wake()
	p.mu.Unlock()

	wg.Wait()
	return nil
}

func (p *Pool) work(ctx context.Context) {
	for {
		t := p.dequeue(ctx)
		if t == nil {
			return
		}
		t.deadline = t.fn(ctx)
		p.enqueue(t)
	}
}

// Trigger runs the named task now, regardless of its deadline, by pulling it
// to the front of the queue. A task that is not queued is running; it then
// runs again as soon as the current run ends. Later runs use the deadline
// returned by the task.
func (p *Pool) Trigger(n string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if i := slices.IndexFunc(p.queue, func(t *task) bool { return t.name == n }); i != -1 {
		p.queue[i].deadline = time.Now()
		p.sortAndWake()
		return nil
	}
	if t, ok := p.reg[n]; ok {
		t.rerun = true
		return nil
	}

	return fmt.Errorf("no task with name %s", n)
}

// Len returns the number of registered tasks, queued or running.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reg)
}

// sortAndWake must be called with p.mu held.
func (p *Pool) sortAndWake() {
	slices.SortFunc(p.queue, func(a, b *task) int {
		return a.deadline.Compare(b.deadline)
	})
	p.wake()
}

// wake must be called with p.mu held.
func (p *Pool) wake() {
	if p.wait != nil {
		close(p.wait)
		p.wait = nil
	}
}

func (p *Pool) enqueue(t *task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t.rerun && !t.deadline.IsZero() {
		t.deadline = time.Now()
	}
	t.rerun = false

	if t.deadline.IsZero() {
		delete(p.reg, t.name)
		p.logger().Debugf("task %s removed", t.name)
		return
	}

	p.reg[t.name] = t
	p.queue = append(p.queue, t)
	p.sortAndWake()
}

// dequeue blocks until the earliest task is due, or returns nil when the
// context ends.
func (p *Pool) dequeue(ctx context.Context) *task {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil
		}

		idle := time.Hour * 24 * 365
		if len(p.queue) > 0 {
			idle = time.Until(p.queue[0].deadline)
		}
		if idle <= 0 {
			break
		}

		if p.wait == nil {
			p.wait = make(chan struct{})
		}
		wait := p.wait

		p.mu.Unlock()
		timer := time.NewTimer(idle)
		select {
		case <-timer.C:
		case <-wait:
		case <-ctx.Done():
		}
		timer.Stop()
		p.mu.Lock()
	}

	var t *task
	t, p.queue = p.queue[0], p.queue[1:]
	return t
}
