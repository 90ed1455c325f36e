package billing

import (
	"fmt"
	"sort"
	"time"

	"github.com/warp/condo-billing/generic"
)

// =============================================================================
// TRANSITIONS
// =============================================================================

type Transition string

const (
	TransitionSubmit           Transition = "submit"
	TransitionSend             Transition = "send"
	TransitionPayFromSubmitted Transition = "pay_from_submitted"
	TransitionPay              Transition = "pay"
	TransitionMarkOverdue      Transition = "mark_overdue"
	TransitionCancel           Transition = "cancel"
)

// Transitions lists every transition name the machine knows.
var Transitions = []Transition{
	TransitionSubmit, TransitionSend, TransitionPayFromSubmitted,
	TransitionPay, TransitionMarkOverdue, TransitionCancel,
}

func ParseTransition(s string) (Transition, error) {
	for _, t := range Transitions {
		if string(t) == s {
			return t, nil
		}
	}
	return "", &generic.ValidationError{Field: "transition", Reason: fmt.Sprintf("unknown transition %q", s)}
}

// guard returns a non-empty reason when the transition must be refused.
type guard func(s *Slip, now time.Time) string

type edge struct {
	to    State
	guard guard
	event string // empty = no event
}

func pastDue(s *Slip, now time.Time) string {
	if !generic.DateOf(now).After(s.dueDate) {
		return fmt.Sprintf("due date %s has not passed", s.dueDate)
	}
	return ""
}

// transitions is the complete lifecycle. A (state, transition) pair that is
// not listed here is invalid. PAID, CANCELLED and COMPENSATED have no
// outgoing edges.
//
//	PENDING ──submit──▶ SUBMITTED ──send──▶ SENT ──pay──▶ PAID
//	                        └──pay_from_submitted──────────▲
//	PENDING/SUBMITTED/SENT ──mark_overdue──▶ OVERDUE
//	PENDING/SUBMITTED/SENT/OVERDUE ──cancel──▶ CANCELLED
var transitions = map[State]map[Transition]edge{
	StatePending: {
		TransitionSubmit:      {to: StateSubmitted, event: EventSlipWasSubmitted},
		TransitionMarkOverdue: {to: StateOverdue, guard: pastDue},
		TransitionCancel:      {to: StateCancelled},
	},
	StateSubmitted: {
		TransitionSend:             {to: StateSent, event: EventSlipWasSent},
		TransitionPayFromSubmitted: {to: StatePaid, event: EventSlipWasPaid},
		TransitionMarkOverdue:      {to: StateOverdue, guard: pastDue},
		TransitionCancel:           {to: StateCancelled},
	},
	StateSent: {
		TransitionPay:         {to: StatePaid, event: EventSlipWasPaid},
		TransitionMarkOverdue: {to: StateOverdue, guard: pastDue},
		TransitionCancel:      {to: StateCancelled},
	},
	StateOverdue: {
		TransitionCancel: {to: StateCancelled},
	},
}

// compensable are the states a slip may be voided and replaced from.
var compensable = map[State]bool{
	StatePending:   true,
	StateSubmitted: true,
	StateSent:      true,
	StateOverdue:   true,
}

// =============================================================================
// MACHINE
// =============================================================================

// Machine applies transitions to slips. It holds no per-slip state; the
// clock decides "now" for guards, paid-at and event timestamps.
type Machine struct {
	clock generic.Clock
}

func NewMachine(clock generic.Clock) *Machine {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	return &Machine{clock: clock}
}

// Allowed returns the transitions permitted from the slip's state whose
// guards currently pass, sorted by name.
func (m *Machine) Allowed(s *Slip) []Transition {
	now := m.clock.Now()
	var allowed []Transition
	for t, e := range transitions[s.state] {
		if e.guard != nil && e.guard(s, now) != "" {
			continue
		}
		allowed = append(allowed, t)
	}
	sort.Slice(allowed, func(i, j int) bool { return allowed[i] < allowed[j] })
	return allowed
}

// Apply moves the slip along the transition and returns the new state and
// the events the move produced. On failure it returns an
// *generic.InvalidTransitionError and the slip is left untouched.
func (m *Machine) Apply(s *Slip, t Transition) (State, []generic.DomainEvent, error) {
	e, ok := transitions[s.state][t]
	if !ok {
		return s.state, nil, &generic.InvalidTransitionError{
			SlipID:     s.id,
			From:       string(s.state),
			Transition: string(t),
		}
	}

	now := m.clock.Now()
	if e.guard != nil {
		if reason := e.guard(s, now); reason != "" {
			return s.state, nil, &generic.InvalidTransitionError{
				SlipID:     s.id,
				From:       string(s.state),
				Transition: string(t),
				Reason:     reason,
			}
		}
	}

	s.state = e.to
	if e.to == StatePaid {
		paidAt := now
		s.paidAt = &paidAt
	}

	var events []generic.DomainEvent
	if e.event != "" {
		events = append(events, newSlipEvent(s, e.event, now))
	}
	return s.state, events, nil
}
