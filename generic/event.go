package generic

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// DOMAIN EVENT - Immutable record of something that happened to an aggregate
// =============================================================================

// DomainEvent is produced by the state machine and the engine's service
// layer. Payload values are JSON-friendly scalars (string, int64, bool).
type DomainEvent struct {
	ID          EventID
	AggregateID string
	Name        string
	Payload     map[string]any
	OccurredAt  time.Time
}

// NewDomainEvent stamps a fresh id. The payload map is owned by the event
// from here on; callers must not keep mutating it.
func NewDomainEvent(aggregateID, name string, payload map[string]any, at time.Time) DomainEvent {
	if payload == nil {
		payload = map[string]any{}
	}
	return DomainEvent{
		ID:          EventID(uuid.NewString()),
		AggregateID: aggregateID,
		Name:        name,
		Payload:     payload,
		OccurredAt:  at.UTC(),
	}
}

// EventPublisher delivers events downstream. Events of one call arrive in
// slice order. Delivery guarantees are the implementation's business.
type EventPublisher interface {
	Publish(ctx context.Context, events []DomainEvent) error
}

// EventPublisherFunc adapts a function to EventPublisher.
type EventPublisherFunc func(ctx context.Context, events []DomainEvent) error

func (f EventPublisherFunc) Publish(ctx context.Context, events []DomainEvent) error {
	return f(ctx, events)
}

// NopPublisher drops everything.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, []DomainEvent) error { return nil }
