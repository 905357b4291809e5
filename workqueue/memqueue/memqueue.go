// Package memqueue provides an in-memory implementation of workqueue.WorkQueue.
package memqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/logging"
	"github.com/dpup/warden/workqueue"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
)

type queueState struct {
	handlers []workqueue.Handler
	counter  atomic.Uint64
}

// Option configures the queue.
type Option func(*Queue)

// WithWorkerPool sets the number of worker goroutines for processing tasks.
// Default is 100 workers. Set to 0 to use unbounded goroutines.
func WithWorkerPool(size int) Option {
	return func(q *Queue) {
		q.workers = size
	}
}

// WithMaxAttempts sets how many times a failing task is attempted before it
// is dropped. Default is 3.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		q.maxAttempts = n
	}
}

// WithRetryDelay sets the delay before a failed task is redelivered.
func WithRetryDelay(d time.Duration) Option {
	return func(q *Queue) {
		q.retryDelay = d
	}
}

// New returns a new in-memory WorkQueue.
func New(ctx context.Context, opts ...Option) *Queue {
	q := &Queue{
		subscriberCtx: logging.With(ctx, logging.FromContext(ctx).Named("workqueue")),
		workers:       100,
		maxAttempts:   3,
		retryDelay:    time.Second,
		jobs:          make(chan job, 500),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type job struct {
	ctx     context.Context
	handler workqueue.Handler
	task    *workqueue.Task
}

// Queue is an in-memory implementation of WorkQueue.
type Queue struct {
	subscribers   map[string]*queueState
	subscriberCtx context.Context

	mu sync.Mutex
	wg sync.WaitGroup

	jobs        chan job
	workers     int
	maxAttempts int
	retryDelay  time.Duration
	started     bool
	closed      bool
}

var _ workqueue.WorkQueue = (*Queue)(nil)

// Subscribe registers a handler for queue tasks.
func (q *Queue) Subscribe(queue string, handler workqueue.Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.subscribers == nil {
		q.subscribers = make(map[string]*queueState)
	}
	if q.subscribers[queue] == nil {
		q.subscribers[queue] = &queueState{}
	}
	q.subscribers[queue].handlers = append(q.subscribers[queue].handlers, handler)
}

// Enqueue sends a task to one queue subscriber.
func (q *Queue) Enqueue(queue string, data any) {
	q.dispatch(workqueue.NewTask(uuid.NewString(), queue, data))
}

func (q *Queue) dispatch(task *workqueue.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		logging.Warnw(q.subscriberCtx, "workqueue: dropping task enqueued after shutdown",
			"queue", task.Queue, "task_id", task.ID)
		return
	}
	if !q.started {
		q.startWorkers()
		q.started = true
	}

	qs, ok := q.subscribers[task.Queue]
	if !ok || len(qs.handlers) == 0 {
		logging.Warnw(q.subscriberCtx, "workqueue: no subscribers", "queue", task.Queue)
		return
	}

	ctx := logging.With(q.subscriberCtx, logging.FromContext(q.subscriberCtx).Named(task.Queue))

	idx := qs.counter.Add(1) - 1
	handler := qs.handlers[idx%uint64(len(qs.handlers))]

	q.wg.Add(1)
	if q.workers == 0 {
		go q.execute(ctx, handler, task)
	} else {
		q.jobs <- job{ctx: ctx, handler: handler, task: task}
	}
}

func (q *Queue) startWorkers() {
	for range q.workers {
		go q.worker()
	}
}

func (q *Queue) worker() {
	for job := range q.jobs {
		q.execute(job.ctx, job.handler, job.task)
	}
}

// Shutdown stops accepting tasks and waits for all workers to finish.
func (q *Queue) Shutdown(ctx context.Context) error {
	err := q.Wait(ctx)

	q.mu.Lock()
	if !q.closed {
		q.closed = true
		if q.started && q.workers > 0 {
			close(q.jobs)
		}
	}
	q.mu.Unlock()

	return err
}

// Wait blocks until all pending tasks, including scheduled retries, are
// processed.
func (q *Queue) Wait(ctx context.Context) error {
	c := make(chan struct{})
	go func() {
		defer close(c)
		q.wg.Wait()
	}()
	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return errors.NewC("workqueue: timeout waiting for handlers to finish", codes.DeadlineExceeded)
	}
}

func (q *Queue) execute(ctx context.Context, handler workqueue.Handler, task *workqueue.Task) {
	defer q.wg.Done()

	err := q.run(ctx, handler, task)
	if err == nil {
		return
	}
	if task.Attempt >= q.maxAttempts {
		logging.Errorw(ctx, "workqueue: giving up on task", "error", err,
			"task_id", task.ID, "attempt", task.Attempt)
		return
	}
	logging.Warnw(ctx, "workqueue: handler error, retrying", "error", err,
		"task_id", task.ID, "attempt", task.Attempt)

	retry := &workqueue.Task{ID: task.ID, Queue: task.Queue, Data: task.Data, Attempt: task.Attempt + 1}

	// The retry holds its own slot in the wait group so Wait covers it.
	q.wg.Add(1)
	time.AfterFunc(q.retryDelay, func() {
		defer q.wg.Done()
		q.dispatch(retry)
	})
}

func (q *Queue) run(ctx context.Context, handler workqueue.Handler, task *workqueue.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := errors.FromPanic(r, 1)
			logging.Errorw(ctx, "workqueue: recovered from panic",
				"error", perr, "error.stack_trace", perr.MinimalStack(2, 5))
			err = perr
		}
	}()
	return handler(ctx, task)
}
