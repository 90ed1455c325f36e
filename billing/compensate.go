package billing

import (
	"github.com/warp/condo-billing/generic"
)

// transitionCompensate names compensation in InvalidTransitionError.
const transitionCompensate = "compensate"

// Compensate voids the slip and issues a replacement carrying newAmount.
//
// A slip's amount never changes once issued, so a correction is recorded as
// two documents: the original moves to COMPENSATED with its amount intact
// and points at its replacement; the replacement is a fresh PENDING slip
// with the same target, due date, obligation and period.
//
// Events are returned in order: SlipWasCompensated for the original, then
// SlipWasCreated for the replacement. On error nothing is modified.
func (m *Machine) Compensate(s *Slip, newAmount generic.Money) (superseded, replacement *Slip, events []generic.DomainEvent, err error) {
	if !compensable[s.state] {
		return nil, nil, nil, &generic.InvalidTransitionError{
			SlipID:     s.id,
			From:       string(s.state),
			Transition: transitionCompensate,
		}
	}
	if newAmount.Equal(s.amount) {
		return nil, nil, nil, &generic.ValidationError{
			Field:  "amount",
			Reason: "replacement amount equals the current amount",
		}
	}

	now := m.clock.Now()
	replacement, err = NewSlip(SlipParams{
		Amount:       newAmount,
		Target:       s.target,
		DueDate:      s.dueDate,
		Description:  s.description,
		ObligationID: s.obligationID,
		Period:       s.period,
		Replaces:     s.id,
	}, now)
	if err != nil {
		return nil, nil, nil, err
	}

	s.state = StateCompensated
	s.replacedBy = replacement.id

	events = []generic.DomainEvent{
		newSlipEvent(s, EventSlipWasCompensated, now),
		CreatedEvent(replacement),
	}
	return s, replacement, events, nil
}
