/*
ports.go - Persistence interfaces the billing service depends on

PURPOSE:
  The engine and the machine are pure. Everything they read and everything
  they produce crosses one of these narrow interfaces, implemented by
  billing/store (in memory) and store/sqlite.

KEY INTERFACES:
  CatalogReader:          Active obligation definitions for the engine
  Catalog:                Admin reads and writes of definitions
  MaterializationLedger:  (obligation, period) -> slip, unique per pair
  SlipStore:              Slip persistence
  EventLog:               Append-only domain event log
  TxStore:                All of the above inside one unit of work

UNIQUENESS CONTRACT:
  RecordMaterialization MUST fail with *generic.DuplicateMaterializationError
  when the pair already has an entry, even under concurrent writers. The
  SQLite adapter relies on a UNIQUE index; the memory adapter on its mutex.
  The service does not serialize materializations itself.

SEE ALSO:
  - service.go: The only consumer
  - store/sqlite/sqlite.go: Production implementation
*/
package billing

import (
	"context"

	"github.com/warp/condo-billing/generic"
)

// =============================================================================
// CATALOG
// =============================================================================

type CatalogReader interface {
	// FindActiveDefinitions returns live definitions (active, not removed).
	// With excludePredefinedAmount set, HasPredefinedAmount definitions
	// are left out.
	FindActiveDefinitions(ctx context.Context, excludePredefinedAmount bool) ([]ObligationDefinition, error)
}

type Catalog interface {
	CatalogReader

	// SaveDefinition inserts or replaces the definition with the same id.
	SaveDefinition(ctx context.Context, def ObligationDefinition) error

	// GetDefinition returns *generic.NotFoundError for unknown ids.
	// Removed definitions are still returned.
	GetDefinition(ctx context.Context, id generic.ObligationID) (ObligationDefinition, error)

	// ListDefinitions returns definitions ordered by id.
	ListDefinitions(ctx context.Context, includeRemoved bool) ([]ObligationDefinition, error)
}

// =============================================================================
// MATERIALIZATION LEDGER
// =============================================================================

type MaterializationLedger interface {
	IsMaterialized(ctx context.Context, id generic.ObligationID, p generic.Period) (bool, error)

	// RecordMaterialization ties the pair to a slip. Fails with
	// *generic.DuplicateMaterializationError if the pair is taken.
	RecordMaterialization(ctx context.Context, id generic.ObligationID, p generic.Period, slipID generic.SlipID) error

	// Repoint moves an existing entry to another slip (compensation).
	Repoint(ctx context.Context, id generic.ObligationID, p generic.Period, slipID generic.SlipID) error

	// MaterializedIn returns every entry recorded for the period.
	MaterializedIn(ctx context.Context, p generic.Period) (MaterializedSet, error)
}

// =============================================================================
// SLIPS
// =============================================================================

// SlipFilter narrows ListSlips. Zero fields match everything.
type SlipFilter struct {
	Period    generic.Period
	States    []State
	Target    generic.UnitID
	DueBefore generic.Date // strictly before
	Limit     int
}

// Matches applies the filter to one slip. Stores without a query language
// use it directly.
func (f SlipFilter) Matches(s *Slip) bool {
	if !f.Period.IsZero() && !s.period.Equal(f.Period) {
		return false
	}
	if f.Target != "" && s.target != f.Target {
		return false
	}
	if !f.DueBefore.IsZero() && !s.dueDate.Before(f.DueBefore) {
		return false
	}
	if len(f.States) > 0 {
		for _, st := range f.States {
			if s.state == st {
				return true
			}
		}
		return false
	}
	return true
}

type SlipStore interface {
	// Save inserts or replaces the slip.
	Save(ctx context.Context, slip *Slip) error

	// FindByID returns *generic.NotFoundError for unknown ids.
	FindByID(ctx context.Context, id generic.SlipID) (*Slip, error)

	// FindManyByIDs returns the slips that exist; unknown ids are omitted.
	FindManyByIDs(ctx context.Context, ids []generic.SlipID) ([]*Slip, error)

	// ListSlips returns matching slips ordered by due date, then id.
	ListSlips(ctx context.Context, filter SlipFilter) ([]*Slip, error)
}

// =============================================================================
// EVENT LOG
// =============================================================================

// EventLog is append-only. There is no update or delete.
type EventLog interface {
	AppendEvents(ctx context.Context, events []generic.DomainEvent) error

	// EventsFor returns the aggregate's events in append order.
	EventsFor(ctx context.Context, aggregateID string) ([]generic.DomainEvent, error)
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

type Store interface {
	Catalog
	MaterializationLedger
	SlipStore
	EventLog
}

// TxStore runs fn atomically: a non-nil error rolls every write back.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(Store) error) error
}
