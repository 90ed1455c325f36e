package billing

import (
	"time"

	"github.com/warp/condo-billing/generic"
)

// Event names emitted by the billing engine.
const (
	EventSlipWasCreated     = "SlipWasCreated"
	EventSlipWasSubmitted   = "SlipWasSubmitted"
	EventSlipWasSent        = "SlipWasSent"
	EventSlipWasPaid        = "SlipWasPaid"
	EventSlipWasCompensated = "SlipWasCompensated"
)

// slipPayload is the common payload: amount, due date and billing target.
func slipPayload(s *Slip) map[string]any {
	payload := map[string]any{
		"slip_id":      string(s.id),
		"amount":       s.amount.String(),
		"amount_cents": s.amount.Cents(),
		"due_date":     s.dueDate.String(),
		"target":       string(s.target),
		"state":        string(s.state),
	}
	if s.obligationID != "" {
		payload["obligation_id"] = string(s.obligationID)
		payload["period"] = s.period.String()
	}
	return payload
}

func newSlipEvent(s *Slip, name string, at time.Time) generic.DomainEvent {
	payload := slipPayload(s)
	switch name {
	case EventSlipWasPaid:
		if s.paidAt != nil {
			payload["paid_at"] = s.paidAt.UTC().Format(time.RFC3339)
		}
	case EventSlipWasCompensated:
		payload["replaced_by"] = string(s.replacedBy)
	case EventSlipWasCreated:
		if s.replaces != "" {
			payload["replaces"] = string(s.replaces)
		}
		if s.description != "" {
			payload["description"] = s.description
		}
	}
	return generic.NewDomainEvent(string(s.id), name, payload, at)
}

// CreatedEvent is the event recorded when a slip comes into existence.
func CreatedEvent(s *Slip) generic.DomainEvent {
	return newSlipEvent(s, EventSlipWasCreated, s.createdAt)
}
