/*
handlers.go - HTTP API handlers for the condominium billing engine

PURPOSE:
  Exposes billing.Service via REST API. Handles HTTP request/response and
  JSON serialization, and delegates every decision to the billing core.

ENDPOINTS:
  Obligations:
    GET    /api/obligations                    List (?include_removed=true)
    POST   /api/obligations                    Create from JSON
    GET    /api/obligations/{id}               Get one
    PATCH  /api/obligations/{id}               Partial update
    DELETE /api/obligations/{id}               Logical removal

  Periods:
    GET    /api/periods/{period}/pending       Obligations due, not yet billed
    POST   /api/periods/{period}/generate      Materialize everything pending
    POST   /api/periods/{period}/materialize   Materialize one obligation
    GET    /api/periods/{period}/slips.xlsx    Period workbook

  Slips:
    GET    /api/slips                          List (?period=&state=&unit=&due_before=&limit=)
    POST   /api/slips/send                     Bulk send
    GET    /api/slips/{id}                     Get one
    GET    /api/slips/{id}/events              Event history
    GET    /api/slips/{id}/pdf                 Slip PDF
    POST   /api/slips/{id}/transitions         Apply a transition
    POST   /api/slips/{id}/compensate          Void and replace with a new amount

  Admin:
    POST   /api/admin/overdue                  Run the overdue sweep now

ERROR HANDLING:
  See errors.go. Validation 400, not found 404, invalid transition and
  duplicate materialization 409, anything else 500.

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - billing/service.go: The operations behind every endpoint
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/condo-billing/billing"
	"github.com/warp/condo-billing/export"
	"github.com/warp/condo-billing/factory"
	"github.com/warp/condo-billing/generic"
	"github.com/warp/condo-billing/logging"
	"github.com/warp/condo-billing/metrics"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds the dependencies of the HTTP handlers.
type Handler struct {
	Service *billing.Service
	Logger  *zap.Logger
}

func NewHandler(svc *billing.Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Service: svc, Logger: logger}
}

func (h *Handler) log(r *http.Request) *zap.Logger {
	return logging.WithRequestID(r.Context(), h.Logger)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return &generic.ValidationError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for requests whose body may be empty.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, v any) error {
	if err := decodeJSON(w, r, v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func periodParam(r *http.Request) (generic.Period, error) {
	return generic.ParsePeriod(chi.URLParam(r, "period"))
}

// Healthz reports liveness.
// GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// OBLIGATION HANDLERS
// =============================================================================

// ListObligations returns the catalog.
// GET /api/obligations
func (h *Handler) ListObligations(w http.ResponseWriter, r *http.Request) {
	includeRemoved, _ := strconv.ParseBool(r.URL.Query().Get("include_removed"))

	defs, err := h.Service.ListDefinitions(r.Context(), includeRemoved)
	if err != nil {
		h.writeServiceError(w, r, "Failed to list obligations", err)
		return
	}

	dtos := make([]DefinitionDTO, 0, len(defs))
	for _, d := range defs {
		dtos = append(dtos, toDefinitionDTO(d))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateObligation adds a definition. A missing id is generated.
// POST /api/obligations
func (h *Handler) CreateObligation(w http.ResponseWriter, r *http.Request) {
	var doc factory.DefinitionDoc
	if err := decodeJSON(w, r, &doc); err != nil {
		h.writeServiceError(w, r, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(doc.ID) == "" {
		doc.ID = uuid.NewString()
	}

	def, err := doc.Definition()
	if err != nil {
		h.writeServiceError(w, r, "Invalid obligation", err)
		return
	}

	created, err := h.Service.CreateDefinition(r.Context(), def)
	if err != nil {
		h.writeServiceError(w, r, "Failed to create obligation", err)
		return
	}

	h.log(r).Info("obligation created", zap.String("obligation_id", string(created.ID)))
	writeJSON(w, http.StatusCreated, toDefinitionDTO(created))
}

// GetObligation returns one definition, removed or not.
// GET /api/obligations/{id}
func (h *Handler) GetObligation(w http.ResponseWriter, r *http.Request) {
	def, err := h.Service.GetDefinition(r.Context(), generic.ObligationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, toDefinitionDTO(def))
}

// UpdateObligation applies a partial update.
// PATCH /api/obligations/{id}
func (h *Handler) UpdateObligation(w http.ResponseWriter, r *http.Request) {
	var req PatchDefinitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, "Invalid request body", err)
		return
	}
	patch, err := req.toPatch()
	if err != nil {
		h.writeServiceError(w, r, "Invalid patch", err)
		return
	}

	updated, err := h.Service.UpdateDefinition(r.Context(), generic.ObligationID(chi.URLParam(r, "id")), patch)
	if err != nil {
		h.writeServiceError(w, r, "Failed to update obligation", err)
		return
	}
	writeJSON(w, http.StatusOK, toDefinitionDTO(updated))
}

// RemoveObligation marks a definition removed. Its slips are untouched.
// DELETE /api/obligations/{id}
func (h *Handler) RemoveObligation(w http.ResponseWriter, r *http.Request) {
	removed, err := h.Service.RemoveDefinition(r.Context(), generic.ObligationID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to remove obligation", err)
		return
	}
	h.log(r).Info("obligation removed", zap.String("obligation_id", string(removed.ID)))
	writeJSON(w, http.StatusOK, toDefinitionDTO(removed))
}

// =============================================================================
// PERIOD HANDLERS
// =============================================================================

// ListPending runs the obligation engine for the period.
// GET /api/periods/{period}/pending
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	period, err := periodParam(r)
	if err != nil {
		h.writeServiceError(w, r, "Invalid period", err)
		return
	}

	pending, err := h.Service.PendingFor(r.Context(), period)
	if err != nil {
		h.writeServiceError(w, r, "Failed to compute pending obligations", err)
		return
	}

	dtos := make([]PendingDTO, 0, len(pending))
	for _, p := range pending {
		dtos = append(dtos, toPendingDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Generate materializes every pending obligation of the period. The body is
// optional.
// POST /api/periods/{period}/generate
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	period, err := periodParam(r)
	if err != nil {
		h.writeServiceError(w, r, "Invalid period", err)
		return
	}

	var req GenerateRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, "Invalid request body", err)
		return
	}
	overrides, err := req.overrides()
	if err != nil {
		h.writeServiceError(w, r, "Invalid amounts", err)
		return
	}

	start := time.Now()
	res, err := h.Service.Generate(r.Context(), period, overrides)
	metrics.ObserveGenerate(len(res.Created), len(res.Skipped), err, time.Since(start))
	if err != nil {
		h.writeServiceError(w, r, "Failed to generate slips", err)
		return
	}

	h.log(r).Info("period generated",
		zap.String("period", period.String()),
		zap.Int("created", len(res.Created)),
		zap.Int("skipped", len(res.Skipped)),
	)
	writeJSON(w, http.StatusOK, toGenerateResponse(res, h.Service.Machine()))
}

// Materialize bills a single obligation for the period.
// POST /api/periods/{period}/materialize
func (h *Handler) Materialize(w http.ResponseWriter, r *http.Request) {
	period, err := periodParam(r)
	if err != nil {
		h.writeServiceError(w, r, "Invalid period", err)
		return
	}

	var req MaterializeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, "Invalid request body", err)
		return
	}
	if req.ObligationID == "" {
		h.writeServiceError(w, r, "Invalid request body", &generic.ValidationError{Field: "obligation_id", Reason: "required"})
		return
	}

	var amount *generic.Money
	if req.Amount != nil {
		m, err := generic.ParseMoney(*req.Amount)
		if err != nil {
			h.writeServiceError(w, r, "Invalid amount", err)
			return
		}
		amount = &m
	}

	start := time.Now()
	slip, err := h.Service.MaterializeOne(r.Context(), generic.ObligationID(req.ObligationID), period, amount)
	created := 0
	if err == nil {
		created = 1
	}
	metrics.ObserveGenerate(created, 0, err, time.Since(start))
	if err != nil {
		h.writeServiceError(w, r, "Failed to materialize obligation", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSlipDTO(slip, h.Service.Machine()))
}

// ExportPeriod renders the period's slips as a workbook.
// GET /api/periods/{period}/slips.xlsx
func (h *Handler) ExportPeriod(w http.ResponseWriter, r *http.Request) {
	period, err := periodParam(r)
	if err != nil {
		h.writeServiceError(w, r, "Invalid period", err)
		return
	}

	slips, err := h.Service.ListSlips(r.Context(), billing.SlipFilter{Period: period})
	if err != nil {
		h.writeServiceError(w, r, "Failed to list slips", err)
		return
	}
	data, err := export.PeriodXLSX(period, slips)
	if err != nil {
		h.writeServiceError(w, r, "Failed to render workbook", err)
		return
	}

	w.Header().Set("Content-Type", export.ContentTypeXLSX)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "slips-"+period.String()+".xlsx"))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// =============================================================================
// SLIP HANDLERS
// =============================================================================

// ListSlips filters slips by query parameters.
// GET /api/slips
func (h *Handler) ListSlips(w http.ResponseWriter, r *http.Request) {
	filter, err := slipFilterFrom(r)
	if err != nil {
		h.writeServiceError(w, r, "Invalid filter", err)
		return
	}

	slips, err := h.Service.ListSlips(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, "Failed to list slips", err)
		return
	}
	writeJSON(w, http.StatusOK, toSlipDTOs(slips, h.Service.Machine()))
}

func slipFilterFrom(r *http.Request) (billing.SlipFilter, error) {
	q := r.URL.Query()
	var f billing.SlipFilter

	if v := q.Get("period"); v != "" {
		p, err := generic.ParsePeriod(v)
		if err != nil {
			return f, err
		}
		f.Period = p
	}
	if v := q.Get("state"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st, err := billing.ParseState(strings.ToUpper(strings.TrimSpace(part)))
			if err != nil {
				return f, err
			}
			f.States = append(f.States, st)
		}
	}
	f.Target = generic.UnitID(q.Get("unit"))
	if v := q.Get("due_before"); v != "" {
		d, err := generic.ParseDate(v)
		if err != nil {
			return f, &generic.ValidationError{Field: "due_before", Reason: err.Error()}
		}
		f.DueBefore = d
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, &generic.ValidationError{Field: "limit", Reason: "must be a non-negative integer"}
		}
		f.Limit = n
	}
	return f, nil
}

// GetSlip returns one slip with the transitions it currently allows.
// GET /api/slips/{id}
func (h *Handler) GetSlip(w http.ResponseWriter, r *http.Request) {
	slip, err := h.Service.GetSlip(r.Context(), generic.SlipID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get slip", err)
		return
	}
	writeJSON(w, http.StatusOK, toSlipDTO(slip, h.Service.Machine()))
}

// GetSlipEvents returns the slip's event history, oldest first.
// GET /api/slips/{id}/events
func (h *Handler) GetSlipEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.Service.SlipEvents(r.Context(), generic.SlipID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get slip events", err)
		return
	}

	dtos := make([]EventDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, toEventDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetSlipPDF renders the slip as a PDF.
// GET /api/slips/{id}/pdf
func (h *Handler) GetSlipPDF(w http.ResponseWriter, r *http.Request) {
	slip, err := h.Service.GetSlip(r.Context(), generic.SlipID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeServiceError(w, r, "Failed to get slip", err)
		return
	}
	data, err := export.SlipPDF(slip)
	if err != nil {
		h.writeServiceError(w, r, "Failed to render slip", err)
		return
	}

	w.Header().Set("Content-Type", export.ContentTypePDF)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", "slip-"+string(slip.ID())+".pdf"))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ApplyTransition moves the slip through the state machine.
// POST /api/slips/{id}/transitions
func (h *Handler) ApplyTransition(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, "Invalid request body", err)
		return
	}
	t, err := billing.ParseTransition(req.Transition)
	if err != nil {
		h.writeServiceError(w, r, "Invalid transition", err)
		return
	}

	id := generic.SlipID(chi.URLParam(r, "id"))
	slip, err := h.Service.Transition(r.Context(), id, t)
	metrics.IncTransition(string(t), err)
	if err != nil {
		h.writeServiceError(w, r, "Failed to apply transition", err)
		return
	}

	h.log(r).Info("slip transitioned",
		zap.String("slip_id", string(id)),
		zap.String("transition", string(t)),
		zap.String("state", string(slip.State())),
	)
	writeJSON(w, http.StatusOK, toSlipDTO(slip, h.Service.Machine()))
}

// CompensateSlip voids the slip and issues a replacement with the new amount.
// POST /api/slips/{id}/compensate
func (h *Handler) CompensateSlip(w http.ResponseWriter, r *http.Request) {
	var req CompensateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, "Invalid request body", err)
		return
	}
	amount, err := generic.ParseMoney(req.Amount)
	if err != nil {
		h.writeServiceError(w, r, "Invalid amount", err)
		return
	}

	id := generic.SlipID(chi.URLParam(r, "id"))
	superseded, replacement, err := h.Service.Compensate(r.Context(), id, amount)
	metrics.IncCompensation(err)
	if err != nil {
		h.writeServiceError(w, r, "Failed to compensate slip", err)
		return
	}

	h.log(r).Info("slip compensated",
		zap.String("slip_id", string(id)),
		zap.String("replacement_id", string(replacement.ID())),
		zap.String("amount", amount.String()),
	)
	m := h.Service.Machine()
	writeJSON(w, http.StatusOK, CompensateResponse{
		Superseded:  toSlipDTO(superseded, m),
		Replacement: toSlipDTO(replacement, m),
	})
}

// SendSlips sends several slips at once. Partial success is 200.
// POST /api/slips/send
func (h *Handler) SendSlips(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeServiceError(w, r, "Invalid request body", err)
		return
	}
	if len(req.IDs) == 0 {
		h.writeServiceError(w, r, "Invalid request body", &generic.ValidationError{Field: "ids", Reason: "required"})
		return
	}

	ids := make([]generic.SlipID, 0, len(req.IDs))
	for _, id := range req.IDs {
		ids = append(ids, generic.SlipID(id))
	}

	results, err := h.Service.SendMany(r.Context(), ids)
	if err != nil {
		h.writeServiceError(w, r, "Failed to send slips", err)
		return
	}
	for _, res := range results {
		if res.Reason == billing.SkipNotFound {
			continue
		}
		var terr error
		if !res.Applied {
			terr = generic.ErrInvalidTransition
		}
		metrics.IncTransition(string(billing.TransitionSend), terr)
	}

	resp := toSendResponse(results)
	h.log(r).Info("slips sent", zap.Int("sent", resp.Sent), zap.Int("skipped", resp.Skipped))
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// SweepOverdue marks every open slip past its due date as overdue.
// POST /api/admin/overdue
func (h *Handler) SweepOverdue(w http.ResponseWriter, r *http.Request) {
	swept, err := h.Service.SweepOverdue(r.Context())
	for range swept {
		metrics.IncTransition(string(billing.TransitionMarkOverdue), nil)
	}
	if err != nil {
		h.writeServiceError(w, r, "Failed to sweep overdue slips", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Overdue: toSlipDTOs(swept, h.Service.Machine())})
}
