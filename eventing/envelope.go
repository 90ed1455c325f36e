/*
Package eventing delivers billing domain events to their consumers.

PURPOSE:
  The billing service hands every committed batch of events to a
  generic.EventPublisher. This package provides the publishers:

    Bus             in-process, synchronous, per event type subscriptions
    RedisPublisher  appends each event to a Redis stream (XADD)
    Fanout          hands the same batch to several publishers in order

  and the Notifier, a Bus subscriber that turns SlipWasSent and
  SlipWasPaid into resident notifications.

ORDERING:
  Every publisher delivers a batch in slice order, one event at a time.
  A compensation batch is therefore always observed as SlipWasCompensated
  followed by the replacement's SlipWasCreated.

WIRE FORMAT:
  Events travel as Envelope, JSON encoded. SchemaVersion starts at 1.

SEE ALSO:
  - generic/event.go: DomainEvent and EventPublisher
  - billing/events.go: Event names and payload keys
*/
package eventing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/warp/condo-billing/generic"
)

const schemaVersion = 1

// Envelope wraps an event payload with its metadata.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope encodes a domain event.
func NewEnvelope(e generic.DomainEvent) (Envelope, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("eventing: encode %s payload: %w", e.Name, err)
	}
	return Envelope{
		EventID:       string(e.ID),
		EventType:     e.Name,
		AggregateID:   e.AggregateID,
		OccurredAt:    e.OccurredAt.UTC(),
		SchemaVersion: schemaVersion,
		Payload:       payload,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("eventing: decode %s payload: %w", e.EventType, err)
	}
	return nil
}
