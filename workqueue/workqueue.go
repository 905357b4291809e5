// Package workqueue provides a task queue with single-consumer semantics.
// Each task is processed by exactly one worker. It carries slow side effects,
// such as confirmation emails, off the request path.
package workqueue

import (
	"context"
)

// Handler processes tasks from the work queue.
type Handler func(context.Context, *Task) error

// Task wraps task data with metadata.
type Task struct {
	ID      string // Unique identifier
	Queue   string // Queue name
	Data    any    // Payload
	Attempt int    // Processing attempt (1-based)
}

// NewTask creates a task on its first attempt.
func NewTask(id, queue string, data any) *Task {
	return &Task{
		ID:      id,
		Queue:   queue,
		Data:    data,
		Attempt: 1,
	}
}

// WorkQueue provides task queue with single-consumer semantics.
// Each enqueued task is processed by exactly one worker.
type WorkQueue interface {
	// Subscribe registers a handler that competes with other handlers.
	// Only one handler will process each task.
	Subscribe(queue string, handler Handler)

	// Enqueue adds a task to the queue for single-consumer processing.
	Enqueue(queue string, data any)

	// Wait blocks until locally-initiated operations complete.
	Wait(ctx context.Context) error
}
