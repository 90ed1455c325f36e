package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/condo-billing/generic"
)

// =============================================================================
// STATES
// =============================================================================

type State string

const (
	StatePending     State = "PENDING"
	StateSubmitted   State = "SUBMITTED"
	StateSent        State = "SENT"
	StatePaid        State = "PAID"
	StateOverdue     State = "OVERDUE"
	StateCancelled   State = "CANCELLED"
	StateCompensated State = "COMPENSATED" // voided and replaced by another slip
)

// States lists every state in lifecycle order.
var States = []State{
	StatePending, StateSubmitted, StateSent, StatePaid,
	StateOverdue, StateCancelled, StateCompensated,
}

// OpenStates are the states that still expect a payment.
var OpenStates = []State{StatePending, StateSubmitted, StateSent}

func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", &generic.ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", s)}
}

// IsTerminal reports whether no transition leaves the state.
func (s State) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// =============================================================================
// SLIP - Aggregate root
// =============================================================================

// Slip is a billing document issued against a resident unit. Fields are
// private: the amount never changes after creation and the state only
// changes through Machine.Apply and Machine.Compensate.
type Slip struct {
	id          generic.SlipID
	amount      generic.Money
	target      generic.UnitID
	dueDate     generic.Date
	description string
	createdAt   time.Time
	paidAt      *time.Time
	state       State

	obligationID generic.ObligationID
	period       generic.Period
	replaces     generic.SlipID
	replacedBy   generic.SlipID
}

// SlipParams holds the inputs for a new slip.
type SlipParams struct {
	Amount       generic.Money
	Target       generic.UnitID
	DueDate      generic.Date
	Description  string
	ObligationID generic.ObligationID // empty for slips not tied to an obligation
	Period       generic.Period
	Replaces     generic.SlipID
}

// NewSlip creates a slip in PENDING with a fresh id.
func NewSlip(p SlipParams, now time.Time) (*Slip, error) {
	if p.Target == "" {
		return nil, &generic.ValidationError{Field: "target", Reason: "required"}
	}
	if p.DueDate.IsZero() {
		return nil, &generic.ValidationError{Field: "due_date", Reason: "required"}
	}
	period := p.Period
	if period.IsZero() {
		period = p.DueDate.Period()
	}
	return &Slip{
		id:           generic.SlipID(uuid.NewString()),
		amount:       p.Amount,
		target:       p.Target,
		dueDate:      p.DueDate,
		description:  p.Description,
		createdAt:    now.UTC(),
		state:        StatePending,
		obligationID: p.ObligationID,
		period:       period,
		replaces:     p.Replaces,
	}, nil
}

func (s *Slip) ID() generic.SlipID                 { return s.id }
func (s *Slip) Amount() generic.Money              { return s.amount }
func (s *Slip) Target() generic.UnitID             { return s.target }
func (s *Slip) DueDate() generic.Date              { return s.dueDate }
func (s *Slip) Description() string                { return s.description }
func (s *Slip) CreatedAt() time.Time               { return s.createdAt }
func (s *Slip) State() State                       { return s.state }
func (s *Slip) ObligationID() generic.ObligationID { return s.obligationID }
func (s *Slip) Period() generic.Period             { return s.period }
func (s *Slip) Replaces() generic.SlipID           { return s.replaces }
func (s *Slip) ReplacedBy() generic.SlipID         { return s.replacedBy }

// PaidAt returns the payment timestamp, if any.
func (s *Slip) PaidAt() (time.Time, bool) {
	if s.paidAt == nil {
		return time.Time{}, false
	}
	return *s.paidAt, true
}

// =============================================================================
// PERSISTENCE SHAPE
// =============================================================================

// SlipRecord is the flat form stores read and write.
type SlipRecord struct {
	ID           generic.SlipID
	Amount       generic.Money
	Target       generic.UnitID
	DueDate      generic.Date
	Description  string
	CreatedAt    time.Time
	PaidAt       *time.Time
	State        State
	ObligationID generic.ObligationID
	Period       generic.Period
	Replaces     generic.SlipID
	ReplacedBy   generic.SlipID
}

// Record snapshots the slip.
func (s *Slip) Record() SlipRecord {
	r := SlipRecord{
		ID:           s.id,
		Amount:       s.amount,
		Target:       s.target,
		DueDate:      s.dueDate,
		Description:  s.description,
		CreatedAt:    s.createdAt,
		State:        s.state,
		ObligationID: s.obligationID,
		Period:       s.period,
		Replaces:     s.replaces,
		ReplacedBy:   s.replacedBy,
	}
	if s.paidAt != nil {
		t := *s.paidAt
		r.PaidAt = &t
	}
	return r
}

// RestoreSlip rebuilds a slip from storage.
func RestoreSlip(r SlipRecord) (*Slip, error) {
	if r.ID == "" {
		return nil, &generic.ValidationError{Field: "id", Reason: "required"}
	}
	if _, err := ParseState(string(r.State)); err != nil {
		return nil, err
	}
	s := &Slip{
		id:           r.ID,
		amount:       r.Amount,
		target:       r.Target,
		dueDate:      r.DueDate,
		description:  r.Description,
		createdAt:    r.CreatedAt,
		state:        r.State,
		obligationID: r.ObligationID,
		period:       r.Period,
		replaces:     r.Replaces,
		replacedBy:   r.ReplacedBy,
	}
	if r.PaidAt != nil {
		t := *r.PaidAt
		s.paidAt = &t
	}
	return s, nil
}

// Clone returns a detached copy.
func (s *Slip) Clone() *Slip {
	if s == nil {
		return nil
	}
	c, _ := RestoreSlip(s.Record())
	return c
}
