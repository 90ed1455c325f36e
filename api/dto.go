/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing domain model from the external API contract: amounts travel
  as decimal strings ("150.00"), dates as YYYY-MM-DD and periods as YYYY-MM.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Obligations:
    DefinitionDTO (wraps factory.DefinitionDoc), PatchDefinitionRequest,
    PendingDTO

  Generation:
    GenerateRequest, GenerateResponse, MaterializeRequest

  Slips:
    SlipDTO, EventDTO, TransitionRequest, CompensateRequest,
    CompensateResponse, SendRequest, SendResponse

VALIDATION:
  DTOs are pure data carriers. Conversion helpers return
  *generic.ValidationError so handlers map them to 400.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/catalog.go: DefinitionDoc
*/
package api

import (
	"time"

	"github.com/warp/condo-billing/billing"
	"github.com/warp/condo-billing/factory"
	"github.com/warp/condo-billing/generic"
)

// =============================================================================
// OBLIGATIONS
// =============================================================================

// DefinitionDTO is a stored obligation definition.
type DefinitionDTO struct {
	factory.DefinitionDoc
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	RemovedAt string `json:"removed_at,omitempty"`
}

func toDefinitionDTO(def billing.ObligationDefinition) DefinitionDTO {
	dto := DefinitionDTO{
		DefinitionDoc: factory.DocOf(def),
		CreatedAt:     def.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:     def.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if def.RemovedAt != nil {
		dto.RemovedAt = def.RemovedAt.UTC().Format(time.RFC3339)
	}
	return dto
}

// PatchDefinitionRequest changes only the fields present. An empty
// validity_end opens the window; clear_amount drops the fixed amount.
type PatchDefinitionRequest struct {
	Description         *string `json:"description"`
	Notes               *string `json:"notes"`
	Target              *string `json:"target"`
	Amount              *string `json:"amount"`
	ClearAmount         bool    `json:"clear_amount"`
	HasPredefinedAmount *bool   `json:"has_predefined_amount"`
	DueDay              *int    `json:"due_day"`
	ActiveMonths        *[]int  `json:"active_months"`
	ValidityStart       *string `json:"validity_start"`
	ValidityEnd         *string `json:"validity_end"`
	Active              *bool   `json:"active"`
}

func (req PatchDefinitionRequest) toPatch() (billing.DefinitionPatch, error) {
	patch := billing.DefinitionPatch{
		Description:         req.Description,
		Notes:               req.Notes,
		ClearAmount:         req.ClearAmount,
		HasPredefinedAmount: req.HasPredefinedAmount,
		Active:              req.Active,
	}
	if req.Target != nil {
		target := generic.UnitID(*req.Target)
		patch.Target = &target
	}
	if req.Amount != nil {
		amount, err := generic.ParseMoney(*req.Amount)
		if err != nil {
			return patch, err
		}
		patch.Amount = &amount
	}
	if req.DueDay != nil {
		day, err := generic.NewDueDay(*req.DueDay)
		if err != nil {
			return patch, err
		}
		patch.DueDay = &day
	}
	if req.ActiveMonths != nil {
		months := make([]time.Month, 0, len(*req.ActiveMonths))
		for _, m := range *req.ActiveMonths {
			months = append(months, time.Month(m))
		}
		patch.ActiveMonths = &months
	}
	if req.ValidityStart != nil {
		start, err := generic.ParseDate(*req.ValidityStart)
		if err != nil {
			return patch, &generic.ValidationError{Field: "validity_start", Reason: err.Error()}
		}
		patch.ValidityStart = &start
	}
	if req.ValidityEnd != nil {
		var end generic.Date
		if *req.ValidityEnd != "" {
			parsed, err := generic.ParseDate(*req.ValidityEnd)
			if err != nil {
				return patch, &generic.ValidationError{Field: "validity_end", Reason: err.Error()}
			}
			end = parsed
		}
		patch.ValidityEnd = &end
	}
	return patch, nil
}

// PendingDTO is one obligation due and not yet materialized.
type PendingDTO struct {
	ObligationID string `json:"obligation_id"`
	Period       string `json:"period"`
	DueDate      string `json:"due_date"`
	Target       string `json:"target"`
	Description  string `json:"description,omitempty"`
	Amount       string `json:"amount,omitempty"`
}

func toPendingDTO(p billing.PendingObligation) PendingDTO {
	dto := PendingDTO{
		ObligationID: string(p.ObligationID),
		Period:       p.Period.String(),
		DueDate:      p.DueDate.String(),
		Target:       string(p.Target),
		Description:  p.Description,
	}
	if p.Amount != nil {
		dto.Amount = p.Amount.String()
	}
	return dto
}

// =============================================================================
// GENERATION
// =============================================================================

// GenerateRequest supplies amounts per obligation id. They win over fixed
// amounts and are required for obligations without one.
type GenerateRequest struct {
	Amounts map[string]string `json:"amounts"`
}

func (req GenerateRequest) overrides() (map[generic.ObligationID]generic.Money, error) {
	out := make(map[generic.ObligationID]generic.Money, len(req.Amounts))
	for id, s := range req.Amounts {
		amount, err := generic.ParseMoney(s)
		if err != nil {
			return nil, &generic.ValidationError{Field: "amounts." + id, Reason: err.Error()}
		}
		out[generic.ObligationID(id)] = amount
	}
	return out, nil
}

type SkipDTO struct {
	ObligationID string `json:"obligation_id"`
	Reason       string `json:"reason"`
	SlipID       string `json:"slip_id,omitempty"`
}

type GenerateResponse struct {
	Period  string    `json:"period"`
	Created []SlipDTO `json:"created"`
	Skipped []SkipDTO `json:"skipped"`
}

func toGenerateResponse(res billing.GenerateResult, m *billing.Machine) GenerateResponse {
	resp := GenerateResponse{
		Period:  res.Period.String(),
		Created: toSlipDTOs(res.Created, m),
		Skipped: make([]SkipDTO, 0, len(res.Skipped)),
	}
	for _, s := range res.Skipped {
		resp.Skipped = append(resp.Skipped, SkipDTO{
			ObligationID: string(s.ObligationID),
			Reason:       s.Reason,
			SlipID:       string(s.SlipID),
		})
	}
	return resp
}

type MaterializeRequest struct {
	ObligationID string  `json:"obligation_id"`
	Amount       *string `json:"amount"`
}

// =============================================================================
// SLIPS
// =============================================================================

type SlipDTO struct {
	ID                 string   `json:"id"`
	Amount             string   `json:"amount"`
	AmountCents        int64    `json:"amount_cents"`
	Target             string   `json:"target"`
	DueDate            string   `json:"due_date"`
	Description        string   `json:"description,omitempty"`
	State              string   `json:"state"`
	CreatedAt          string   `json:"created_at"`
	PaidAt             string   `json:"paid_at,omitempty"`
	ObligationID       string   `json:"obligation_id,omitempty"`
	Period             string   `json:"period,omitempty"`
	Replaces           string   `json:"replaces,omitempty"`
	ReplacedBy         string   `json:"replaced_by,omitempty"`
	AllowedTransitions []string `json:"allowed_transitions"`
}

func toSlipDTO(s *billing.Slip, m *billing.Machine) SlipDTO {
	dto := SlipDTO{
		ID:           string(s.ID()),
		Amount:       s.Amount().String(),
		AmountCents:  s.Amount().Cents(),
		Target:       string(s.Target()),
		DueDate:      s.DueDate().String(),
		Description:  s.Description(),
		State:        string(s.State()),
		CreatedAt:    s.CreatedAt().UTC().Format(time.RFC3339),
		ObligationID: string(s.ObligationID()),
		Replaces:     string(s.Replaces()),
		ReplacedBy:   string(s.ReplacedBy()),
	}
	if !s.Period().IsZero() {
		dto.Period = s.Period().String()
	}
	if paidAt, ok := s.PaidAt(); ok {
		dto.PaidAt = paidAt.UTC().Format(time.RFC3339)
	}
	dto.AllowedTransitions = []string{}
	if m != nil {
		for _, t := range m.Allowed(s) {
			dto.AllowedTransitions = append(dto.AllowedTransitions, string(t))
		}
	}
	return dto
}

func toSlipDTOs(slips []*billing.Slip, m *billing.Machine) []SlipDTO {
	dtos := make([]SlipDTO, 0, len(slips))
	for _, s := range slips {
		dtos = append(dtos, toSlipDTO(s, m))
	}
	return dtos
}

type EventDTO struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	AggregateID string         `json:"aggregate_id"`
	Payload     map[string]any `json:"payload"`
	OccurredAt  string         `json:"occurred_at"`
}

func toEventDTO(e generic.DomainEvent) EventDTO {
	return EventDTO{
		ID:          string(e.ID),
		Name:        e.Name,
		AggregateID: e.AggregateID,
		Payload:     e.Payload,
		OccurredAt:  e.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
}

type TransitionRequest struct {
	Transition string `json:"transition"`
}

type CompensateRequest struct {
	Amount string `json:"amount"`
}

type CompensateResponse struct {
	Superseded  SlipDTO `json:"superseded"`
	Replacement SlipDTO `json:"replacement"`
}

type SendRequest struct {
	IDs []string `json:"ids"`
}

type SendResultDTO struct {
	SlipID  string `json:"slip_id"`
	From    string `json:"from,omitempty"`
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

type SendResponse struct {
	Sent    int             `json:"sent"`
	Skipped int             `json:"skipped"`
	Results []SendResultDTO `json:"results"`
}

func toSendResponse(results []billing.SendResult) SendResponse {
	resp := SendResponse{Results: make([]SendResultDTO, 0, len(results))}
	for _, r := range results {
		if r.Applied {
			resp.Sent++
		} else {
			resp.Skipped++
		}
		resp.Results = append(resp.Results, SendResultDTO{
			SlipID:  string(r.SlipID),
			From:    string(r.From),
			Applied: r.Applied,
			Reason:  r.Reason,
			Detail:  r.Detail,
		})
	}
	return resp
}

type SweepResponse struct {
	Overdue []SlipDTO `json:"overdue"`
}
