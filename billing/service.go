/*
service.go - Billing application service

PURPOSE:
  Runs the pure engine and machine over persisted state. Each operation is
  one unit of work: load through the ports, decide in memory, write the
  slips, ledger entries and events inside TxStore.WithTx, then publish the
  events once the transaction has committed.

EVENT ORDERING:
  Events are appended to the EventLog in the order the core emitted them
  and handed to the Publisher in that same order, after commit. A publish
  failure does not undo the operation: the events are already in the log.
  It is reported through OnPublishError.

FLOW (Generate):
  PendingFor(P) ──▶ for each pending obligation:
                      amount = override | fixed amount | skip(amount_required)
                      WithTx: ledger check ─▶ Materialize ─▶ Record ─▶ Save ─▶ Append
                      duplicate ─▶ skip(already_materialized)
                 ──▶ Publish(all created events)

SEE ALSO:
  - ports.go: What the service needs from storage
  - catalog.go: Definition administration
*/
package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/warp/condo-billing/generic"
)

// Service orchestrates the billing core over a transactional store.
type Service struct {
	store     TxStore
	publisher generic.EventPublisher
	clock     generic.Clock
	machine   *Machine

	// OnPublishError, if set, receives publish failures. Operations still
	// succeed when publishing fails.
	OnPublishError func(err error, events []generic.DomainEvent)
}

func NewService(store TxStore, publisher generic.EventPublisher, clock generic.Clock) *Service {
	if publisher == nil {
		publisher = generic.NopPublisher{}
	}
	if clock == nil {
		clock = generic.SystemClock{}
	}
	return &Service{
		store:     store,
		publisher: publisher,
		clock:     clock,
		machine:   NewMachine(clock),
	}
}

// Machine exposes the state machine the service applies.
func (s *Service) Machine() *Machine { return s.machine }

// Clock returns the service clock.
func (s *Service) Clock() generic.Clock { return s.clock }

func (s *Service) publish(ctx context.Context, events []generic.DomainEvent) {
	if len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(ctx, events); err != nil && s.OnPublishError != nil {
		s.OnPublishError(err, events)
	}
}

// =============================================================================
// OBLIGATION QUERIES & MATERIALIZATION
// =============================================================================

// PendingFor returns the obligations due and not yet materialized in the period.
func (s *Service) PendingFor(ctx context.Context, period generic.Period) ([]PendingObligation, error) {
	if period.IsZero() {
		return nil, &generic.ValidationError{Field: "period", Reason: "required"}
	}
	defs, err := s.store.FindActiveDefinitions(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("load definitions: %w", err)
	}
	materialized, err := s.store.MaterializedIn(ctx, period)
	if err != nil {
		return nil, fmt.Errorf("load materializations: %w", err)
	}
	return ObligationsDueFor(period, defs, materialized), nil
}

// GenerateSkip explains why a pending obligation produced no slip.
type GenerateSkip struct {
	ObligationID generic.ObligationID
	Reason       string
	SlipID       generic.SlipID // existing slip for already_materialized
}

type GenerateResult struct {
	Period  generic.Period
	Created []*Slip
	Skipped []GenerateSkip
}

// Generate materializes every pending obligation of the period. Amounts in
// overrides win over a definition's fixed amount. Obligations with neither
// are skipped, as are pairs another writer materialized first. Each
// materialization commits on its own, so a failure leaves earlier slips in
// place and returns them alongside the error.
func (s *Service) Generate(ctx context.Context, period generic.Period, overrides map[generic.ObligationID]generic.Money) (GenerateResult, error) {
	result := GenerateResult{Period: period}

	pending, err := s.PendingFor(ctx, period)
	if err != nil {
		return result, err
	}

	var events []generic.DomainEvent
	defer func() { s.publish(ctx, events) }()

	for _, p := range pending {
		amount, ok := overrides[p.ObligationID]
		if !ok {
			if p.Amount == nil {
				result.Skipped = append(result.Skipped, GenerateSkip{ObligationID: p.ObligationID, Reason: SkipAmountRequired})
				continue
			}
			amount = *p.Amount
		}

		slip, created, err := s.materialize(ctx, p, amount)
		var dup *generic.DuplicateMaterializationError
		switch {
		case errors.As(err, &dup):
			result.Skipped = append(result.Skipped, GenerateSkip{
				ObligationID: p.ObligationID,
				Reason:       SkipAlreadyMaterialized,
				SlipID:       dup.ExistingSlipID,
			})
		case err != nil:
			return result, fmt.Errorf("materialize %s for %s: %w", p.ObligationID, period, err)
		default:
			result.Created = append(result.Created, slip)
			events = append(events, created)
		}
	}
	return result, nil
}

// MaterializeOne creates the slip of one obligation for one period. The
// amount argument overrides the definition's fixed amount; it is required
// when the definition has none. A pair that already has a slip fails with
// *generic.DuplicateMaterializationError carrying the existing slip id.
func (s *Service) MaterializeOne(ctx context.Context, id generic.ObligationID, period generic.Period, amount *generic.Money) (*Slip, error) {
	if period.IsZero() {
		return nil, &generic.ValidationError{Field: "period", Reason: "required"}
	}
	def, err := s.store.GetDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	if !def.IsLive() {
		return nil, &generic.ValidationError{Field: "obligation_id", Reason: "obligation is not active"}
	}
	due, ok := def.DueIn(period)
	if !ok {
		return nil, &generic.ValidationError{Field: "period", Reason: fmt.Sprintf("obligation %s is not due in %s", id, period)}
	}

	var chosen generic.Money
	switch {
	case amount != nil:
		chosen = *amount
	case def.Amount != nil && !def.HasPredefinedAmount:
		chosen = *def.Amount
	default:
		return nil, &generic.ValidationError{Field: "amount", Reason: "required for this obligation"}
	}

	slip, created, err := s.materialize(ctx, PendingObligation{
		ObligationID: def.ID,
		Period:       period,
		DueDate:      due,
		Target:       def.Target,
		Description:  def.Description,
	}, chosen)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, []generic.DomainEvent{created})
	return slip, nil
}

// materialize runs one materialization in its own transaction. The ledger
// entry is recorded before the slip is saved so a lost race leaves no
// orphan slip behind.
func (s *Service) materialize(ctx context.Context, p PendingObligation, amount generic.Money) (*Slip, generic.DomainEvent, error) {
	var (
		slip    *Slip
		created generic.DomainEvent
	)
	err := s.store.WithTx(ctx, func(tx Store) error {
		taken, err := tx.IsMaterialized(ctx, p.ObligationID, p.Period)
		if err != nil {
			return err
		}
		if taken {
			return duplicateOf(ctx, tx, p.ObligationID, p.Period)
		}

		slip, err = Materialize(p, amount, s.clock.Now())
		if err != nil {
			return err
		}
		if err := tx.RecordMaterialization(ctx, p.ObligationID, p.Period, slip.ID()); err != nil {
			return err
		}
		if err := tx.Save(ctx, slip); err != nil {
			return err
		}
		created = CreatedEvent(slip)
		return tx.AppendEvents(ctx, []generic.DomainEvent{created})
	})
	if err != nil {
		return nil, generic.DomainEvent{}, err
	}
	return slip, created, nil
}

func duplicateOf(ctx context.Context, tx Store, id generic.ObligationID, p generic.Period) error {
	dup := &generic.DuplicateMaterializationError{ObligationID: id, Period: p}
	set, err := tx.MaterializedIn(ctx, p)
	if err != nil {
		return err
	}
	if slipID, ok := set.SlipFor(id, p); ok {
		dup.ExistingSlipID = slipID
	}
	return dup
}

// =============================================================================
// SLIP LIFECYCLE
// =============================================================================

// Transition applies one state machine transition to a stored slip.
func (s *Service) Transition(ctx context.Context, id generic.SlipID, t Transition) (*Slip, error) {
	var (
		slip   *Slip
		events []generic.DomainEvent
	)
	err := s.store.WithTx(ctx, func(tx Store) error {
		var err error
		slip, err = tx.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if _, events, err = s.machine.Apply(slip, t); err != nil {
			return err
		}
		if err := tx.Save(ctx, slip); err != nil {
			return err
		}
		return tx.AppendEvents(ctx, events)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events)
	return slip, nil
}

// Compensate voids the slip and stores its replacement. When the slip came
// from an obligation, the ledger entry for (obligation, period) is moved
// to the replacement so the period stays materialized exactly once.
func (s *Service) Compensate(ctx context.Context, id generic.SlipID, newAmount generic.Money) (superseded, replacement *Slip, err error) {
	var events []generic.DomainEvent
	err = s.store.WithTx(ctx, func(tx Store) error {
		original, err := tx.FindByID(ctx, id)
		if err != nil {
			return err
		}
		superseded, replacement, events, err = s.machine.Compensate(original, newAmount)
		if err != nil {
			return err
		}
		if err := tx.Save(ctx, replacement); err != nil {
			return err
		}
		if err := tx.Save(ctx, superseded); err != nil {
			return err
		}
		if oid := superseded.ObligationID(); oid != "" {
			if err := tx.Repoint(ctx, oid, superseded.Period(), replacement.ID()); err != nil {
				return err
			}
		}
		return tx.AppendEvents(ctx, events)
	})
	if err != nil {
		return nil, nil, err
	}
	s.publish(ctx, events)
	return superseded, replacement, nil
}

// SendMany sends every listed slip that can be sent. Unknown ids are
// reported as skipped with SkipNotFound; duplicate ids are processed once.
// Results follow the order of first appearance in ids.
func (s *Service) SendMany(ctx context.Context, ids []generic.SlipID) ([]SendResult, error) {
	seen := make(map[generic.SlipID]bool, len(ids))
	unique := make([]generic.SlipID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			unique = append(unique, id)
		}
	}

	var (
		results []SendResult
		events  []generic.DomainEvent
	)
	err := s.store.WithTx(ctx, func(tx Store) error {
		found, err := tx.FindManyByIDs(ctx, unique)
		if err != nil {
			return err
		}
		byID := make(map[generic.SlipID]*Slip, len(found))
		for _, slip := range found {
			byID[slip.ID()] = slip
		}

		results = make([]SendResult, 0, len(unique))
		for _, id := range unique {
			slip, ok := byID[id]
			if !ok {
				results = append(results, SendResult{SlipID: id, Reason: SkipNotFound})
				continue
			}
			r := s.machine.SendMany([]*Slip{slip})[0]
			if r.Applied {
				if err := tx.Save(ctx, slip); err != nil {
					return err
				}
				events = append(events, r.Events...)
			}
			results = append(results, r)
		}
		return tx.AppendEvents(ctx, events)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events)
	return results, nil
}

// SweepOverdue marks every open slip whose due date has passed as OVERDUE
// and returns the slips it moved.
func (s *Service) SweepOverdue(ctx context.Context) ([]*Slip, error) {
	today := generic.DateOf(s.clock.Now())
	var moved []*Slip
	err := s.store.WithTx(ctx, func(tx Store) error {
		candidates, err := tx.ListSlips(ctx, SlipFilter{States: OpenStates, DueBefore: today})
		if err != nil {
			return err
		}
		for _, slip := range candidates {
			if _, _, err := s.machine.Apply(slip, TransitionMarkOverdue); err != nil {
				continue
			}
			if err := tx.Save(ctx, slip); err != nil {
				return err
			}
			moved = append(moved, slip)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return moved, nil
}

// =============================================================================
// READ SIDE
// =============================================================================

func (s *Service) GetSlip(ctx context.Context, id generic.SlipID) (*Slip, error) {
	return s.store.FindByID(ctx, id)
}

func (s *Service) ListSlips(ctx context.Context, filter SlipFilter) ([]*Slip, error) {
	return s.store.ListSlips(ctx, filter)
}

// SlipEvents returns the slip's event history in emission order.
func (s *Service) SlipEvents(ctx context.Context, id generic.SlipID) ([]generic.DomainEvent, error) {
	if _, err := s.store.FindByID(ctx, id); err != nil {
		return nil, err
	}
	return s.store.EventsFor(ctx, string(id))
}
