// Package store provides in-memory implementations of the billing ports.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/condo-billing/billing"
	"github.com/warp/condo-billing/generic"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements billing.TxStore. Slips are stored as records and
// copied in and out, so callers never share state with the store.
type Memory struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	definitions map[generic.ObligationID]billing.ObligationDefinition
	slips       map[generic.SlipID]billing.SlipRecord
	ledger      billing.MaterializedSet
	events      map[string][]generic.DomainEvent
}

func NewMemory() *Memory {
	return &Memory{state: newMemState()}
}

func newMemState() *memState {
	return &memState{
		definitions: make(map[generic.ObligationID]billing.ObligationDefinition),
		slips:       make(map[generic.SlipID]billing.SlipRecord),
		ledger:      make(billing.MaterializedSet),
		events:      make(map[string][]generic.DomainEvent),
	}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(billing.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(m.state); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.definitions {
		c.definitions[k] = copyDefinition(v)
	}
	for k, v := range s.slips {
		c.slips[k] = v
	}
	for k, v := range s.ledger {
		c.ledger[k] = v
	}
	for k, v := range s.events {
		c.events[k] = append([]generic.DomainEvent(nil), v...)
	}
	return c
}

func copyDefinition(d billing.ObligationDefinition) billing.ObligationDefinition {
	if d.Amount != nil {
		amount := *d.Amount
		d.Amount = &amount
	}
	if d.RemovedAt != nil {
		t := *d.RemovedAt
		d.RemovedAt = &t
	}
	d.ActiveMonths = append([]time.Month(nil), d.ActiveMonths...)
	return d
}

// =============================================================================
// LOCKED ENTRY POINTS
// =============================================================================

func (m *Memory) FindActiveDefinitions(ctx context.Context, excludePredefinedAmount bool) ([]billing.ObligationDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.FindActiveDefinitions(ctx, excludePredefinedAmount)
}

func (m *Memory) SaveDefinition(ctx context.Context, def billing.ObligationDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.SaveDefinition(ctx, def)
}

func (m *Memory) GetDefinition(ctx context.Context, id generic.ObligationID) (billing.ObligationDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.GetDefinition(ctx, id)
}

func (m *Memory) ListDefinitions(ctx context.Context, includeRemoved bool) ([]billing.ObligationDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListDefinitions(ctx, includeRemoved)
}

func (m *Memory) IsMaterialized(ctx context.Context, id generic.ObligationID, p generic.Period) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsMaterialized(ctx, id, p)
}

func (m *Memory) RecordMaterialization(ctx context.Context, id generic.ObligationID, p generic.Period, slipID generic.SlipID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.RecordMaterialization(ctx, id, p, slipID)
}

func (m *Memory) Repoint(ctx context.Context, id generic.ObligationID, p generic.Period, slipID generic.SlipID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Repoint(ctx, id, p, slipID)
}

func (m *Memory) MaterializedIn(ctx context.Context, p generic.Period) (billing.MaterializedSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.MaterializedIn(ctx, p)
}

func (m *Memory) Save(ctx context.Context, slip *billing.Slip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Save(ctx, slip)
}

func (m *Memory) FindByID(ctx context.Context, id generic.SlipID) (*billing.Slip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.FindByID(ctx, id)
}

func (m *Memory) FindManyByIDs(ctx context.Context, ids []generic.SlipID) ([]*billing.Slip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.FindManyByIDs(ctx, ids)
}

func (m *Memory) ListSlips(ctx context.Context, filter billing.SlipFilter) ([]*billing.Slip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.ListSlips(ctx, filter)
}

func (m *Memory) AppendEvents(ctx context.Context, events []generic.DomainEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.AppendEvents(ctx, events)
}

func (m *Memory) EventsFor(ctx context.Context, aggregateID string) ([]generic.DomainEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.EventsFor(ctx, aggregateID)
}

// =============================================================================
// UNLOCKED STATE - also the transactional view handed to WithTx callbacks
// =============================================================================

func (s *memState) FindActiveDefinitions(_ context.Context, excludePredefinedAmount bool) ([]billing.ObligationDefinition, error) {
	var result []billing.ObligationDefinition
	for _, d := range s.definitions {
		if !d.IsLive() || (excludePredefinedAmount && d.HasPredefinedAmount) {
			continue
		}
		result = append(result, copyDefinition(d))
	}
	sortDefinitions(result)
	return result, nil
}

func (s *memState) SaveDefinition(_ context.Context, def billing.ObligationDefinition) error {
	s.definitions[def.ID] = copyDefinition(def)
	return nil
}

func (s *memState) GetDefinition(_ context.Context, id generic.ObligationID) (billing.ObligationDefinition, error) {
	d, ok := s.definitions[id]
	if !ok {
		return billing.ObligationDefinition{}, &generic.NotFoundError{Kind: "obligation", ID: string(id)}
	}
	return copyDefinition(d), nil
}

func (s *memState) ListDefinitions(_ context.Context, includeRemoved bool) ([]billing.ObligationDefinition, error) {
	var result []billing.ObligationDefinition
	for _, d := range s.definitions {
		if !includeRemoved && d.RemovedAt != nil {
			continue
		}
		result = append(result, copyDefinition(d))
	}
	sortDefinitions(result)
	return result, nil
}

func sortDefinitions(defs []billing.ObligationDefinition) {
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
}

func (s *memState) IsMaterialized(_ context.Context, id generic.ObligationID, p generic.Period) (bool, error) {
	return s.ledger.Has(id, p), nil
}

func (s *memState) RecordMaterialization(_ context.Context, id generic.ObligationID, p generic.Period, slipID generic.SlipID) error {
	if existing, ok := s.ledger.SlipFor(id, p); ok {
		return &generic.DuplicateMaterializationError{ObligationID: id, Period: p, ExistingSlipID: existing}
	}
	s.ledger.Add(id, p, slipID)
	return nil
}

func (s *memState) Repoint(_ context.Context, id generic.ObligationID, p generic.Period, slipID generic.SlipID) error {
	if !s.ledger.Has(id, p) {
		return &generic.NotFoundError{Kind: "materialization", ID: string(id) + "@" + p.String()}
	}
	s.ledger.Add(id, p, slipID)
	return nil
}

func (s *memState) MaterializedIn(_ context.Context, p generic.Period) (billing.MaterializedSet, error) {
	result := make(billing.MaterializedSet)
	for k, v := range s.ledger {
		if k.Period.Equal(p) {
			result[k] = v
		}
	}
	return result, nil
}

func (s *memState) Save(_ context.Context, slip *billing.Slip) error {
	s.slips[slip.ID()] = slip.Record()
	return nil
}

func (s *memState) FindByID(_ context.Context, id generic.SlipID) (*billing.Slip, error) {
	r, ok := s.slips[id]
	if !ok {
		return nil, &generic.NotFoundError{Kind: "slip", ID: string(id)}
	}
	return billing.RestoreSlip(r)
}

func (s *memState) FindManyByIDs(_ context.Context, ids []generic.SlipID) ([]*billing.Slip, error) {
	var result []*billing.Slip
	for _, id := range ids {
		r, ok := s.slips[id]
		if !ok {
			continue
		}
		slip, err := billing.RestoreSlip(r)
		if err != nil {
			return nil, err
		}
		result = append(result, slip)
	}
	return result, nil
}

func (s *memState) ListSlips(_ context.Context, filter billing.SlipFilter) ([]*billing.Slip, error) {
	var result []*billing.Slip
	for _, r := range s.slips {
		slip, err := billing.RestoreSlip(r)
		if err != nil {
			return nil, err
		}
		if filter.Matches(slip) {
			result = append(result, slip)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.DueDate().Equal(b.DueDate()) {
			return a.DueDate().Before(b.DueDate())
		}
		return a.ID() < b.ID()
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *memState) AppendEvents(_ context.Context, events []generic.DomainEvent) error {
	for _, e := range events {
		s.events[e.AggregateID] = append(s.events[e.AggregateID], e)
	}
	return nil
}

func (s *memState) EventsFor(_ context.Context, aggregateID string) ([]generic.DomainEvent, error) {
	return append([]generic.DomainEvent(nil), s.events[aggregateID]...), nil
}
