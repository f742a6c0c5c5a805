// Package queue implements bounded-concurrency task pools. The application
// wires three instances (run, fast, slow); they are constructed explicitly
// and dependency-injected, never package globals.
package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Task is one unit of queued work. The context is the queue's lifetime
// context; tasks should return promptly once it is cancelled.
type Task func(ctx context.Context)

// Queue runs submitted tasks with a fixed concurrency limit. Submission is
// asynchronous and unbounded; a failing or panicking task is logged and
// never halts the workers.
type Queue struct {
	name   string
	logger *zap.Logger

	mu          sync.Mutex
	cond        *sync.Cond
	pending     []Task
	outstanding int
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a queue named for logging with the given worker count.
func New(name string, concurrency int, logger *zap.Logger) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:   name,
		logger: logger.With(zap.String("queue", name)),
		ctx:    ctx,
		cancel: cancel,
	}
	q.cond = sync.NewCond(&q.mu)

	q.wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go q.worker()
	}
	return q
}

// Submit enqueues a task. It returns an error only after Close.
func (q *Queue) Submit(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("queue %s is closed", q.name)
	}
	q.pending = append(q.pending, task)
	q.outstanding++
	q.cond.Signal()
	return nil
}

// Outstanding returns the number of queued plus running tasks.
func (q *Queue) Outstanding() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.outstanding
}

// Idle blocks until the queue has zero queued and zero running tasks, or
// the context finishes.
func (q *Queue) Idle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.mu.Lock()
		defer q.mu.Unlock()
		for q.outstanding > 0 {
			q.cond.Wait()
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Wake the waiter goroutine so it can observe current state and exit
		// once outstanding next drops; the caller stops waiting now.
		q.cond.Broadcast()
		return ctx.Err()
	}
}

// Close stops accepting submissions, cancels the task context, and waits
// for the workers to exit. Queued-but-unstarted tasks are dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.outstanding -= len(q.pending)
	q.pending = nil
	q.cond.Broadcast()
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.run(task)

		q.mu.Lock()
		q.outstanding--
		if q.outstanding == 0 {
			q.cond.Broadcast()
		}
		q.mu.Unlock()
	}
}

// run executes one task, recovering panics so a broken task cannot take a
// worker down.
func (q *Queue) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	task(q.ctx)
}
