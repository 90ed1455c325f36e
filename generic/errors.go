/*
errors.go - Centralized error types for the billing engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Adapters (store, api) wrap these with context and map them to their own
  vocabulary (HTTP status codes, SQL constraint names).

ERROR CATEGORIES:
  1. Validation - bad input rejected at construction (period, due day, amount)
  2. Not found - unknown obligation or slip identifier
  3. Invalid transition - a state machine guard failed (business rule)
  4. Duplicate materialization - an obligation already has a slip for a period
  5. Already exists - an obligation id is already in the catalog

  None of these is retried by the engine. Retry policy belongs to callers.

USAGE:
  if errors.Is(err, generic.ErrInvalidTransition) {
      // 409 Conflict
  }

  var dup *generic.DuplicateMaterializationError
  if errors.As(err, &dup) {
      // idempotent success if dup.ExistingSlipID is the expected slip
  }

SEE ALSO:
  - billing/machine.go: Raises InvalidTransitionError
  - store/sqlite/sqlite.go: Raises DuplicateMaterializationError from UNIQUE violations
  - api/errors.go: HTTP mapping
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input. Always fixable by the caller.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when an obligation or slip id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a slip cannot take the requested
	// transition from its current state.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrDuplicateMaterialization is returned when an obligation already has
	// a slip for the period. Callers may treat it as idempotent success.
	ErrDuplicateMaterialization = errors.New("obligation already materialized for period")

	// ErrAlreadyExists is returned when creating a resource whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which field was rejected and why.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NotFoundError names the kind and id of the missing resource.
type NotFoundError struct {
	Kind string // "obligation", "slip"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidTransitionError records the rejected move. The slip is unchanged.
type InvalidTransitionError struct {
	SlipID     SlipID
	From       string
	Transition string
	Reason     string // empty when the pair is simply not in the table
}

func (e *InvalidTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("slip %s: cannot %s from %s: %s", e.SlipID, e.Transition, e.From, e.Reason)
	}
	return fmt.Sprintf("slip %s: cannot %s from %s", e.SlipID, e.Transition, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// DuplicateMaterializationError points at the slip already recorded.
type DuplicateMaterializationError struct {
	ObligationID   ObligationID
	Period         Period
	ExistingSlipID SlipID
}

func (e *DuplicateMaterializationError) Error() string {
	if e.ExistingSlipID != "" {
		return fmt.Sprintf("obligation %s already materialized for %s as slip %s", e.ObligationID, e.Period, e.ExistingSlipID)
	}
	return fmt.Sprintf("obligation %s already materialized for %s", e.ObligationID, e.Period)
}

func (e *DuplicateMaterializationError) Unwrap() error { return ErrDuplicateMaterialization }

// AlreadyExistsError names the kind and id that is already taken.
type AlreadyExistsError struct {
	Kind string // "obligation"
	ID   string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.ID)
}

func (e *AlreadyExistsError) Unwrap() error { return ErrAlreadyExists }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true for business-rule conflicts with current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDuplicateMaterialization) ||
		errors.Is(err, ErrAlreadyExists)
}
