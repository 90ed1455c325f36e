package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/warp/condo-billing/generic"
)

// =============================================================================
// CATALOG ADMINISTRATION
// =============================================================================

// DefinitionPatch is a partial update. Nil fields are left unchanged.
type DefinitionPatch struct {
	Description         *string
	Notes               *string
	Target              *generic.UnitID
	Amount              *generic.Money
	ClearAmount         bool // drop the fixed amount; ignored when Amount is set
	HasPredefinedAmount *bool
	DueDay              *generic.DueDay
	ActiveMonths        *[]time.Month
	ValidityStart       *generic.Date
	ValidityEnd         *generic.Date
	Active              *bool
}

// Apply returns a copy of def with the patch applied.
func (p DefinitionPatch) Apply(def ObligationDefinition) ObligationDefinition {
	if p.Description != nil {
		def.Description = *p.Description
	}
	if p.Notes != nil {
		def.Notes = *p.Notes
	}
	if p.Target != nil {
		def.Target = *p.Target
	}
	switch {
	case p.Amount != nil:
		amount := *p.Amount
		def.Amount = &amount
	case p.ClearAmount:
		def.Amount = nil
	}
	if p.HasPredefinedAmount != nil {
		def.HasPredefinedAmount = *p.HasPredefinedAmount
	}
	if p.DueDay != nil {
		def.DueDay = *p.DueDay
	}
	if p.ActiveMonths != nil {
		def.ActiveMonths = append([]time.Month(nil), (*p.ActiveMonths)...)
	}
	if p.ValidityStart != nil {
		def.Validity.Start = *p.ValidityStart
	}
	if p.ValidityEnd != nil {
		def.Validity.End = *p.ValidityEnd
	}
	if p.Active != nil {
		def.Active = *p.Active
	}
	return def
}

// CreateDefinition validates and stores a new definition. An empty id is
// replaced with a generated one; an id already in the catalog is rejected.
func (s *Service) CreateDefinition(ctx context.Context, def ObligationDefinition) (ObligationDefinition, error) {
	if def.ID == "" {
		def.ID = generic.ObligationID(uuid.NewString())
	}
	now := s.clock.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	def.RemovedAt = nil
	if err := def.Validate(); err != nil {
		return ObligationDefinition{}, err
	}

	err := s.store.WithTx(ctx, func(tx Store) error {
		if _, err := tx.GetDefinition(ctx, def.ID); err == nil {
			return &generic.AlreadyExistsError{Kind: "obligation", ID: string(def.ID)}
		} else if !generic.IsNotFound(err) {
			return err
		}
		return tx.SaveDefinition(ctx, def)
	})
	if err != nil {
		return ObligationDefinition{}, err
	}
	return def, nil
}

// UpdateDefinition applies a partial update and re-validates the result.
// Removed definitions cannot be updated.
func (s *Service) UpdateDefinition(ctx context.Context, id generic.ObligationID, patch DefinitionPatch) (ObligationDefinition, error) {
	var updated ObligationDefinition
	err := s.store.WithTx(ctx, func(tx Store) error {
		current, err := tx.GetDefinition(ctx, id)
		if err != nil {
			return err
		}
		if current.RemovedAt != nil {
			return &generic.ValidationError{Field: "id", Reason: "obligation has been removed"}
		}
		updated = patch.Apply(current)
		updated.UpdatedAt = s.clock.Now().UTC()
		if err := updated.Validate(); err != nil {
			return err
		}
		return tx.SaveDefinition(ctx, updated)
	})
	if err != nil {
		return ObligationDefinition{}, err
	}
	return updated, nil
}

// RemoveDefinition logically removes a definition. Slips already issued
// keep referencing it. Removing twice is a no-op.
func (s *Service) RemoveDefinition(ctx context.Context, id generic.ObligationID) (ObligationDefinition, error) {
	var removed ObligationDefinition
	err := s.store.WithTx(ctx, func(tx Store) error {
		def, err := tx.GetDefinition(ctx, id)
		if err != nil {
			return err
		}
		if def.RemovedAt != nil {
			removed = def
			return nil
		}
		now := s.clock.Now().UTC()
		def.RemovedAt = &now
		def.UpdatedAt = now
		removed = def
		return tx.SaveDefinition(ctx, def)
	})
	if err != nil {
		return ObligationDefinition{}, err
	}
	return removed, nil
}

func (s *Service) GetDefinition(ctx context.Context, id generic.ObligationID) (ObligationDefinition, error) {
	return s.store.GetDefinition(ctx, id)
}

func (s *Service) ListDefinitions(ctx context.Context, includeRemoved bool) ([]ObligationDefinition, error) {
	return s.store.ListDefinitions(ctx, includeRemoved)
}

// SeedDefinitions stores the definitions whose ids are not in the catalog
// yet and returns how many were added. Existing definitions are untouched.
func (s *Service) SeedDefinitions(ctx context.Context, defs []ObligationDefinition) (int, error) {
	added := 0
	for _, def := range defs {
		_, err := s.CreateDefinition(ctx, def)
		switch {
		case err == nil:
			added++
		case def.ID != "" && isAlreadyExists(err, def.ID):
		default:
			return added, err
		}
	}
	return added, nil
}

func isAlreadyExists(err error, id generic.ObligationID) bool {
	var exists *generic.AlreadyExistsError
	return errors.As(err, &exists) && exists.ID == string(id)
}
