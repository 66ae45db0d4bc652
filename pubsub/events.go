package pubsub

import "context"

// EventType identifies the kind of lifecycle event carried by a broker.
type EventType string

const (
	CreatedEvent EventType = "created"
	UpdatedEvent EventType = "updated"
	DeletedEvent EventType = "deleted"
)

// Event is a typed notification published by a [Broker].
type Event[T any] struct {
	Type    EventType
	Payload T
}

// Subscriber is implemented by services that expose their broker.
type Subscriber[T any] interface {
	Subscribe(ctx context.Context) <-chan Event[T]
}
