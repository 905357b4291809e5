// Package membus provides an in-memory implementation of eventbus.EventBus.
package membus

import (
	"context"
	"sync"

	"github.com/dpup/warden/errors"
	"github.com/dpup/warden/eventbus"
	"github.com/dpup/warden/logging"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
)

// Option configures the bus.
type Option func(*Bus)

// WithWorkerPool sets the number of worker goroutines for processing events.
// Default is 100 workers. Set to 0 to use unbounded goroutines.
func WithWorkerPool(size int) Option {
	return func(b *Bus) {
		b.workers = size
	}
}

// New returns a new in-memory EventBus. ctx is passed to subscribers when they
// are executed.
func New(ctx context.Context, opts ...Option) *Bus {
	b := &Bus{
		subscriberCtx: logging.With(ctx, logging.FromContext(ctx).Named("eventbus")),
		workers:       100,
		jobs:          make(chan job, 500),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type job struct {
	ctx     context.Context
	handler eventbus.Handler
	msg     *eventbus.Message
}

// Bus is an in-memory implementation of EventBus.
type Bus struct {
	subscribers   map[string][]eventbus.Handler
	subscriberCtx context.Context

	mu sync.Mutex     // Protects subscribers.
	wg sync.WaitGroup // Waits for active subscribers to complete.

	jobs    chan job
	workers int
	started bool
	closed  bool
}

var _ eventbus.EventBus = (*Bus)(nil)

// Subscribe registers a handler for a topic.
func (b *Bus) Subscribe(topic string, handler eventbus.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers == nil {
		b.subscribers = make(map[string][]eventbus.Handler)
	}
	b.subscribers[topic] = append(b.subscribers[topic], handler)
}

// Publish sends a message to all subscribers.
func (b *Bus) Publish(topic string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		logging.Warnw(b.subscriberCtx, "eventbus: dropping message published after shutdown", "topic", topic)
		return
	}
	if !b.started {
		b.startWorkers()
		b.started = true
	}

	handlers := b.subscribers[topic]
	if len(handlers) == 0 {
		return
	}

	ctx := logging.With(b.subscriberCtx, logging.FromContext(b.subscriberCtx).Named(topic))
	logging.Debugw(ctx, "publishing message", "subscribers", len(handlers))

	for _, handler := range handlers {
		msg := eventbus.NewMessage(uuid.NewString(), topic, data)
		b.wg.Add(1)
		if b.workers == 0 {
			go b.execute(ctx, handler, msg)
		} else {
			b.jobs <- job{ctx: ctx, handler: handler, msg: msg}
		}
	}
}

func (b *Bus) startWorkers() {
	for range b.workers {
		go b.worker()
	}
}

func (b *Bus) worker() {
	for job := range b.jobs {
		b.execute(job.ctx, job.handler, job.msg)
	}
}

// Shutdown stops accepting messages and waits for in-flight handlers.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		if b.started && b.workers > 0 {
			close(b.jobs)
		}
	}
	b.mu.Unlock()

	return b.Wait(ctx)
}

// Wait blocks until all pending messages are processed.
func (b *Bus) Wait(ctx context.Context) error {
	c := make(chan struct{})
	go func() {
		defer close(c)
		b.wg.Wait()
	}()
	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return errors.NewC("eventbus: timeout waiting for handlers to finish", codes.DeadlineExceeded)
	}
}

func (b *Bus) execute(ctx context.Context, handler eventbus.Handler, msg *eventbus.Message) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.FromPanic(r, 1)
			logging.Errorw(ctx, "eventbus: recovered from panic",
				"error", err, "error.stack_trace", err.MinimalStack(2, 5))
		}
		b.wg.Done()
	}()
	if err := handler(ctx, msg); err != nil {
		logging.Errorw(ctx, "eventbus: handler error", "error", err, "message_id", msg.ID)
	}
}
