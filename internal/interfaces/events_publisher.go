package interfaces

import "context"

// EventPublisher pushes domain events to an external broker. Publishing is
// best-effort from the engine's point of view; a failed publish never fails
// the transfer that produced the event.
type EventPublisher interface {
	Publish(ctx context.Context, event any) error
	Close() error
}
