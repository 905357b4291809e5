// Package eventbus provides a simple publish/subscribe event bus. Components
// publish domain events (tokens issued, accounts registered) and any number of
// subscribers, such as the audit log, react to them.
package eventbus

import (
	"context"
)

// Handler processes a published message.
type Handler func(context.Context, *Message) error

// Message wraps event data with metadata.
type Message struct {
	ID    string // Unique identifier
	Topic string // Topic the message was published to
	Data  any    // Payload
}

// NewMessage creates a message for delivery to a subscriber.
func NewMessage(id, topic string, data any) *Message {
	return &Message{ID: id, Topic: topic, Data: data}
}

// EventBus provides a simple publish/subscribe interface for publishing and
// subscribing to events.
type EventBus interface {
	// Subscribe to a topic. The handler will be called when a message is
	// published. Depending on the implementation errors may be logged or
	// retried. Subscribers should assume that they may be called multiple times
	// concurrently.
	Subscribe(topic string, handler Handler)

	// Publish sends data to all subscribers of the topic.
	Publish(topic string, data any)

	// Wait for the event bus to finish processing all events. You should ensure
	// that publishers are also stopped as the event bus won't reject new events.
	Wait(ctx context.Context) error
}

// Nop returns an EventBus that drops everything published to it.
func Nop() EventBus {
	return nopBus{}
}

type nopBus struct{}

func (nopBus) Subscribe(string, Handler)  {}
func (nopBus) Publish(string, any)        {}
func (nopBus) Wait(context.Context) error { return nil }
