/*
Package factory converts external obligation documents into validated
billing.ObligationDefinition values.

PURPOSE:
  Obligation definitions are authored outside the code: posted to the API
  as JSON, or kept in a YAML catalog file that seeds a fresh database.
  The factory parses both formats into the same document type, applies
  defaults and validates the result, so callers only ever see definitions
  that satisfy billing.ObligationDefinition.Validate.

JSON SCHEMA:
  {
    "id": "cleaning-fee",
    "description": "Monthly cleaning",
    "notes": "contract 2025/04",
    "target": "unit-101",
    "amount": "150.00",
    "has_predefined_amount": false,
    "due_day": 10,
    "active_months": [1, 2, 3],
    "validity": {"start": "2025-01-01", "end": "2025-12-31"},
    "active": true
  }

  amount is a decimal string; omit it for definitions priced at
  materialization time. active defaults to true. validity.end may be
  omitted for an open window.

YAML CATALOG:
  obligations:
    - id: cleaning-fee
      target: unit-101
      amount: "150.00"
      due_day: 10
      validity: {start: 2025-01-01}

SEE ALSO:
  - billing/obligation.go: ObligationDefinition and its invariants
  - billing/catalog.go: SeedDefinitions
*/
package factory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/condo-billing/billing"
	"github.com/warp/condo-billing/generic"
)

// =============================================================================
// DOCUMENT TYPES
// =============================================================================

// DefinitionDoc is the external representation of an obligation definition.
type DefinitionDoc struct {
	ID                  string      `json:"id" yaml:"id"`
	Description         string      `json:"description,omitempty" yaml:"description,omitempty"`
	Notes               string      `json:"notes,omitempty" yaml:"notes,omitempty"`
	Target              string      `json:"target" yaml:"target"`
	Amount              *string     `json:"amount,omitempty" yaml:"amount,omitempty"`
	HasPredefinedAmount bool        `json:"has_predefined_amount,omitempty" yaml:"has_predefined_amount,omitempty"`
	DueDay              int         `json:"due_day" yaml:"due_day"`
	ActiveMonths        []int       `json:"active_months,omitempty" yaml:"active_months,omitempty"`
	Validity            ValidityDoc `json:"validity" yaml:"validity"`
	Active              *bool       `json:"active,omitempty" yaml:"active,omitempty"`
}

type ValidityDoc struct {
	Start string `json:"start" yaml:"start"`
	End   string `json:"end,omitempty" yaml:"end,omitempty"`
}

// CatalogDoc is the root of a catalog file.
type CatalogDoc struct {
	Obligations []DefinitionDoc `json:"obligations" yaml:"obligations"`
}

// =============================================================================
// PARSING
// =============================================================================

// ParseDefinitionJSON parses a single definition document.
func ParseDefinitionJSON(data []byte) (billing.ObligationDefinition, error) {
	var doc DefinitionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return billing.ObligationDefinition{}, &generic.ValidationError{Field: "body", Reason: err.Error()}
	}
	return doc.Definition()
}

// ParseCatalogYAML parses a catalog file. Every entry must be valid and ids
// must be unique within the file.
func ParseCatalogYAML(data []byte) ([]billing.ObligationDefinition, error) {
	var doc CatalogDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("factory: parse catalog yaml: %w", err)
	}
	return doc.Definitions()
}

// ParseCatalogJSON is ParseCatalogYAML for JSON files.
func ParseCatalogJSON(data []byte) ([]billing.ObligationDefinition, error) {
	var doc CatalogDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("factory: parse catalog json: %w", err)
	}
	return doc.Definitions()
}

// LoadCatalogFile reads a catalog, choosing the format by extension.
func LoadCatalogFile(path string) ([]billing.ObligationDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("factory: read catalog: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ParseCatalogJSON(data)
	case ".yaml", ".yml":
		return ParseCatalogYAML(data)
	default:
		return nil, fmt.Errorf("factory: unsupported catalog format %q", filepath.Ext(path))
	}
}

func (c CatalogDoc) Definitions() ([]billing.ObligationDefinition, error) {
	seen := make(map[string]bool, len(c.Obligations))
	defs := make([]billing.ObligationDefinition, 0, len(c.Obligations))
	for i, doc := range c.Obligations {
		def, err := doc.Definition()
		if err != nil {
			return nil, fmt.Errorf("factory: obligation %d (%s): %w", i, doc.ID, err)
		}
		if seen[doc.ID] {
			return nil, fmt.Errorf("factory: obligation %d: %w", i,
				&generic.ValidationError{Field: "id", Reason: fmt.Sprintf("duplicate id %q", doc.ID)})
		}
		seen[doc.ID] = true
		defs = append(defs, def)
	}
	return defs, nil
}

// Definition converts the document and validates the result.
func (d DefinitionDoc) Definition() (billing.ObligationDefinition, error) {
	def := billing.ObligationDefinition{
		ID:                  generic.ObligationID(strings.TrimSpace(d.ID)),
		Description:         d.Description,
		Notes:               d.Notes,
		Target:              generic.UnitID(strings.TrimSpace(d.Target)),
		HasPredefinedAmount: d.HasPredefinedAmount,
		Active:              d.Active == nil || *d.Active,
	}

	if d.Amount != nil {
		amount, err := generic.ParseMoney(*d.Amount)
		if err != nil {
			return billing.ObligationDefinition{}, err
		}
		def.Amount = &amount
	}

	dueDay, err := generic.NewDueDay(d.DueDay)
	if err != nil {
		return billing.ObligationDefinition{}, err
	}
	def.DueDay = dueDay

	for _, m := range d.ActiveMonths {
		def.ActiveMonths = append(def.ActiveMonths, time.Month(m))
	}

	if def.Validity, err = d.Validity.validity(); err != nil {
		return billing.ObligationDefinition{}, err
	}

	if err := def.Validate(); err != nil {
		return billing.ObligationDefinition{}, err
	}
	return def, nil
}

func (v ValidityDoc) validity() (billing.Validity, error) {
	var out billing.Validity
	if v.Start == "" {
		return out, &generic.ValidationError{Field: "validity.start", Reason: "required"}
	}
	start, err := generic.ParseDate(v.Start)
	if err != nil {
		return out, &generic.ValidationError{Field: "validity.start", Reason: err.Error()}
	}
	out.Start = start
	if v.End != "" {
		end, err := generic.ParseDate(v.End)
		if err != nil {
			return out, &generic.ValidationError{Field: "validity.end", Reason: err.Error()}
		}
		out.End = end
	}
	return out, nil
}

// DocOf is the inverse of Definition, used to render definitions.
func DocOf(def billing.ObligationDefinition) DefinitionDoc {
	active := def.Active
	doc := DefinitionDoc{
		ID:                  string(def.ID),
		Description:         def.Description,
		Notes:               def.Notes,
		Target:              string(def.Target),
		HasPredefinedAmount: def.HasPredefinedAmount,
		DueDay:              int(def.DueDay),
		Validity:            ValidityDoc{Start: def.Validity.Start.String()},
		Active:              &active,
	}
	if def.Amount != nil {
		s := def.Amount.String()
		doc.Amount = &s
	}
	if !def.Validity.End.IsZero() {
		doc.Validity.End = def.Validity.End.String()
	}
	for _, m := range def.ActiveMonths {
		doc.ActiveMonths = append(doc.ActiveMonths, int(m))
	}
	return doc
}
