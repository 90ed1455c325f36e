/*
Package billing implements the condominium billing engine.

PURPOSE:
  Turns a catalog of recurring expenses (obligation definitions) into
  billing slips, one per definition per month, and governs every slip
  through an explicit lifecycle state machine.

TWO CORE PIECES:
  ┌──────────────────────────┐  pending   ┌──────────────────────────┐
  │ Recurring Obligation     │ ─────────▶ │ Slip + State Machine     │
  │ Engine (obligation.go)   │ Materialize│ (slip.go, machine.go)    │
  │ pure, no I/O             │            │ emits DomainEvents       │
  └──────────────────────────┘            └──────────────────────────┘

  The engine answers "what is owed, for whom, when" for a Period. The
  machine owns every state change that follows. Neither performs I/O: the
  Service (service.go) loads inputs through ports (ports.go), runs the core,
  persists the result in one unit of work and publishes events afterwards.

ELIGIBILITY RULE (ObligationsDueFor):
  A live definition is due in period P iff
    (a) ActiveMonths is empty or contains P.Month, and
    (b) DueDay.In(P) lies inside [Validity.Start, Validity.End].
  Definitions with HasPredefinedAmount are priced by another path and are
  never returned. Already materialized (definition, P) pairs are dropped.

SEE ALSO:
  - machine.go: Transition table
  - compensate.go: Void-and-replace correction
  - service.go: Orchestration over ports
*/
package billing

import (
	"fmt"
	"sort"
	"time"

	"github.com/warp/condo-billing/generic"
)

// =============================================================================
// OBLIGATION DEFINITION - A recurring expense template
// =============================================================================

// Validity is the inclusive window in which due dates may fall. A zero End
// leaves the window open.
type Validity struct {
	Start generic.Date
	End   generic.Date
}

// Contains reports whether d is inside the window.
func (v Validity) Contains(d generic.Date) bool {
	if d.Before(v.Start) {
		return false
	}
	return v.End.IsZero() || d.BeforeOrEqual(v.End)
}

type ObligationDefinition struct {
	ID          generic.ObligationID
	Description string
	Notes       string

	// Target is the resident unit billed by slips of this definition.
	Target generic.UnitID

	// Amount is the fixed amount per occurrence. Nil means the amount is
	// supplied when the obligation is materialized.
	Amount *generic.Money

	// HasPredefinedAmount marks definitions whose amount is computed by a
	// separate path. The engine never returns them.
	HasPredefinedAmount bool

	DueDay       generic.DueDay
	ActiveMonths []time.Month // empty = every month
	Validity     Validity
	Active       bool

	CreatedAt time.Time
	UpdatedAt time.Time
	RemovedAt *time.Time
}

// IsLive reports whether the definition takes part in billing at all.
func (d ObligationDefinition) IsLive() bool {
	return d.Active && d.RemovedAt == nil
}

// Validate checks the invariants a definition must satisfy before it is stored.
func (d ObligationDefinition) Validate() error {
	if d.ID == "" {
		return &generic.ValidationError{Field: "id", Reason: "required"}
	}
	if d.Target == "" {
		return &generic.ValidationError{Field: "target", Reason: "required"}
	}
	if _, err := generic.NewDueDay(int(d.DueDay)); err != nil {
		return err
	}
	for _, m := range d.ActiveMonths {
		if m < time.January || m > time.December {
			return &generic.ValidationError{Field: "active_months", Reason: fmt.Sprintf("month %d out of range", int(m))}
		}
	}
	if d.Validity.Start.IsZero() {
		return &generic.ValidationError{Field: "validity.start", Reason: "required"}
	}
	if !d.Validity.End.IsZero() && d.Validity.End.Before(d.Validity.Start) {
		return &generic.ValidationError{Field: "validity.end", Reason: "before validity.start"}
	}
	return nil
}

// ActiveIn reports whether the month filter admits the period's month.
func (d ObligationDefinition) ActiveIn(month time.Month) bool {
	if len(d.ActiveMonths) == 0 {
		return true
	}
	for _, m := range d.ActiveMonths {
		if m == month {
			return true
		}
	}
	return false
}

// DueIn returns the due date for the period and whether the definition is
// eligible in it. Liveness and pricing mode are not considered here.
func (d ObligationDefinition) DueIn(p generic.Period) (generic.Date, bool) {
	if !d.ActiveIn(p.Month()) {
		return generic.Date{}, false
	}
	due := d.DueDay.In(p)
	return due, d.Validity.Contains(due)
}

// =============================================================================
// MATERIALIZED SET - Which (obligation, period) pairs already have a slip
// =============================================================================

// Materialized answers whether a definition already has a slip in a period.
type Materialized interface {
	Has(id generic.ObligationID, p generic.Period) bool
}

type MaterializationKey struct {
	ObligationID generic.ObligationID
	Period       generic.Period
}

// MaterializedSet maps each materialized pair to the slip recorded for it.
type MaterializedSet map[MaterializationKey]generic.SlipID

func (s MaterializedSet) Add(id generic.ObligationID, p generic.Period, slipID generic.SlipID) {
	s[MaterializationKey{ObligationID: id, Period: p}] = slipID
}

func (s MaterializedSet) Has(id generic.ObligationID, p generic.Period) bool {
	_, ok := s[MaterializationKey{ObligationID: id, Period: p}]
	return ok
}

func (s MaterializedSet) SlipFor(id generic.ObligationID, p generic.Period) (generic.SlipID, bool) {
	slipID, ok := s[MaterializationKey{ObligationID: id, Period: p}]
	return slipID, ok
}

// =============================================================================
// RECURRING OBLIGATION ENGINE
// =============================================================================

// PendingObligation is an eligible, not yet materialized obligation for one
// period. It carries everything Materialize needs.
type PendingObligation struct {
	ObligationID generic.ObligationID
	Period       generic.Period
	DueDate      generic.Date
	Target       generic.UnitID
	Description  string
	Amount       *generic.Money // nil when priced per occurrence
}

// ObligationsDueFor lists the obligations owed in the period, ordered by
// obligation id. It is pure: the same inputs always give the same output
// and neither the definitions nor the materialized set are modified.
// A nil materialized set means nothing has been materialized yet. A zero
// Period yields nothing; callers construct periods through NewPeriod.
func ObligationsDueFor(period generic.Period, definitions []ObligationDefinition, materialized Materialized) []PendingObligation {
	if period.IsZero() {
		return nil
	}

	var pending []PendingObligation
	for _, def := range definitions {
		if !def.IsLive() || def.HasPredefinedAmount {
			continue
		}
		due, ok := def.DueIn(period)
		if !ok {
			continue
		}
		if materialized != nil && materialized.Has(def.ID, period) {
			continue
		}

		p := PendingObligation{
			ObligationID: def.ID,
			Period:       period,
			DueDate:      due,
			Target:       def.Target,
			Description:  def.Description,
		}
		if def.Amount != nil {
			amount := *def.Amount
			p.Amount = &amount
		}
		pending = append(pending, p)
	}

	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].ObligationID < pending[j].ObligationID
	})
	return pending
}

// Materialize builds the PENDING slip for a pending obligation. It does not
// check for duplicates; callers consult the materialization ledger.
func Materialize(p PendingObligation, amount generic.Money, now time.Time) (*Slip, error) {
	if p.ObligationID == "" {
		return nil, &generic.ValidationError{Field: "obligation_id", Reason: "required"}
	}
	return NewSlip(SlipParams{
		Amount:       amount,
		Target:       p.Target,
		DueDate:      p.DueDate,
		Description:  p.Description,
		ObligationID: p.ObligationID,
		Period:       p.Period,
	}, now)
}
