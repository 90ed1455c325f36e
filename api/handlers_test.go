/*
handlers_test.go - HTTP tests for the billing API

Tests for:
- Obligation catalog CRUD
- Pending query, generation and single materialization (incl. 409 duplicate)
- Slip lifecycle over HTTP: transitions, events, compensation, bulk send
- Overdue sweep, exports, error mapping and rate limiting
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/condo-billing/billing"
	"github.com/warp/condo-billing/billing/store"
	"github.com/warp/condo-billing/export"
	"github.com/warp/condo-billing/generic"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type apiFixture struct {
	router http.Handler
	svc    *billing.Service
	clock  *generic.FixedClock
}

func newAPIFixture(t *testing.T, opts RouterOptions) *apiFixture {
	t.Helper()
	clock := generic.NewFixedClock(time.Date(2025, time.June, 1, 8, 0, 0, 0, time.UTC))
	svc := billing.NewService(store.NewMemory(), nil, clock)
	h := NewHandler(svc, zap.NewNop())
	return &apiFixture{router: NewRouter(h, opts), svc: svc, clock: clock}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func cleaningFee() map[string]any {
	return map[string]any{
		"id":          "cleaning-fee",
		"description": "Monthly cleaning",
		"target":      "unit-101",
		"amount":      "150.00",
		"due_day":     31,
		"validity":    map[string]any{"start": "2025-01-01"},
	}
}

// generateOne creates the cleaning fee and bills June, returning the slip.
func (f *apiFixture) generateOne(t *testing.T) SlipDTO {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/obligations", cleaningFee())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, "/api/periods/2025-06/generate", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[GenerateResponse](t, rec)
	require.Len(t, resp.Created, 1)
	return resp.Created[0]
}

// =============================================================================
// OBLIGATIONS
// =============================================================================

func TestObligations_CRUD(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{})

	// Create
	rec := f.do(t, http.MethodPost, "/api/obligations", cleaningFee())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[DefinitionDTO](t, rec)
	assert.Equal(t, "cleaning-fee", created.ID)
	require.NotNil(t, created.Amount)
	assert.Equal(t, "150.00", *created.Amount)

	// Duplicate id
	rec = f.do(t, http.MethodPost, "/api/obligations", cleaningFee())
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	// Patch
	rec = f.do(t, http.MethodPatch, "/api/obligations/cleaning-fee", map[string]any{"amount": "175.50", "due_day": 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	patched := decode[DefinitionDTO](t, rec)
	assert.Equal(t, "175.50", *patched.Amount)
	assert.Equal(t, 5, patched.DueDay)

	// Remove
	rec = f.do(t, http.MethodDelete, "/api/obligations/cleaning-fee", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[DefinitionDTO](t, rec).RemovedAt)

	rec = f.do(t, http.MethodGet, "/api/obligations", nil)
	assert.Empty(t, decode[[]DefinitionDTO](t, rec))

	rec = f.do(t, http.MethodGet, "/api/obligations?include_removed=true", nil)
	assert.Len(t, decode[[]DefinitionDTO](t, rec), 1)

	// Removed definitions cannot be patched
	rec = f.do(t, http.MethodPatch, "/api/obligations/cleaning-fee", map[string]any{"notes": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestObligations_ValidationAndNotFound(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{})

	bad := cleaningFee()
	bad["due_day"] = 32
	rec := f.do(t, http.MethodPost, "/api/obligations", bad)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "due_day", decode[ErrorResponse](t, rec).Field)

	rec = f.do(t, http.MethodGet, "/api/obligations/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestObligations_GeneratedID(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{})

	body := cleaningFee()
	delete(body, "id")
	rec := f.do(t, http.MethodPost, "/api/obligations", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, decode[DefinitionDTO](t, rec).ID)
}

// =============================================================================
// PERIODS
// =============================================================================

func TestPeriods_PendingAndGenerate(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{})
	rec := f.do(t, http.MethodPost, "/api/obligations", cleaningFee())
	require.Equal(t, http.StatusCreated, rec.Code)

	// GIVEN a due day of 31
	// WHEN June is queried
	rec = f.do(t, http.MethodGet, "/api/periods/2025-06/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	pending := decode[[]PendingDTO](t, rec)

	// THEN the due date is clamped to 30 June
	require.Len(t, pending, 1)
	assert.Equal(t, "2025-06-30", pending[0].DueDate)
	assert.Equal(t, "150.00", pending[0].Amount)

	rec = f.do(t, http.MethodPost, "/api/periods/2025-06/generate", GenerateRequest{Amounts: map[string]string{"cleaning-fee": "160.00"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[GenerateResponse](t, rec)
	require.Len(t, resp.Created, 1)
	assert.Equal(t, "160.00", resp.Created[0].Amount, "override wins over the fixed amount")
	assert.Equal(t, "PENDING", resp.Created[0].State)
	assert.Equal(t, []string{"cancel", "submit"}, resp.Created[0].AllowedTransitions)

	// Generating again is a no-op
	rec = f.do(t, http.MethodPost, "/api/periods/2025-06/generate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[GenerateResponse](t, rec).Created)

	rec = f.do(t, http.MethodGet, "/api/periods/2025-06/pending", nil)
	assert.Empty(t, decode[[]PendingDTO](t, rec))
}

func TestPeriods_MaterializeDuplicateIsConflict(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{})
	slip := f.generateOne(t)

	rec := f.do(t, http.MethodPost, "/api/periods/2025-06/materialize", MaterializeRequest{ObligationID: "cleaning-fee"})

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, slip.ID, decode[ErrorResponse](t, rec).ExistingSlipID)
}

func TestPeriods_MaterializeOne(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{})
	rec := f.do(t, http.MethodPost, "/api/obligations", cleaningFee())
	require.Equal(t, http.StatusCreated, rec.Code)

	amount := "99.90"
	rec = f.do(t, http.MethodPost, "/api/periods/2025-07/materialize", MaterializeRequest{ObligationID: "cleaning-fee", Amount: &amount})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	slip := decode[SlipDTO](t, rec)
	assert.Equal(t, "99.90", slip.Amount)
	assert.Equal(t, "2025-07-31", slip.DueDate)
	assert.Equal(t, "2025-07", slip.Period)
}

func TestPeriods_InvalidPeriod(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{})

	for _, p := range []string{"2025-13", "2025-00", "june"} {
		rec := f.do(t, http.MethodGet, "/api/periods/"+p+"/pending", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, p)
	}
}

// =============================================================================
// SLIPS
// =============================================================================

func TestSlips_LifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{})
	slip := f.generateOne(t)
	base := "/api/slips/" + slip.ID

	rec := f.do(t, http.MethodPost, base+"/transitions", TransitionRequest{Transition: "submit"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "SUBMITTED", decode[SlipDTO](t, rec).State)

	rec = f.do(t, http.MethodPost, base+"/transitions", TransitionRequest{Transition: "send"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "SENT", decode[SlipDTO](t, rec).State)

	rec = f.do(t, http.MethodPost, base+"/transitions", TransitionRequest{Transition: "pay"})
	require.Equal(t, http.StatusOK, rec.Code)
	paid := decode[SlipDTO](t, rec)
	assert.Equal(t, "PAID", paid.State)
	assert.NotEmpty(t, paid.PaidAt)
	assert.Empty(t, paid.AllowedTransitions)

	// Paying twice is rejected and changes nothing
	rec = f.do(t, http.MethodPost, base+"/transitions", TransitionRequest{Transition: "pay"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, base+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var names []string
	for _, e := range decode[[]EventDTO](t, rec) {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{
		billing.EventSlipWasCreated, billing.EventSlipWasSubmitted,
		billing.EventSlipWasSent, billing.EventSlipWasPaid,
	}, names)
}

func TestSlips_UnknownTransitionAndSlip(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{})
	slip := f.generateOne(t)

	rec := f.do(t, http.MethodPost, "/api/slips/"+slip.ID+"/transitions", TransitionRequest{Transition: "refund"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/slips/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/slips/nope/events", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSlips_Compensate(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{})
	slip := f.generateOne(t)

	rec := f.do(t, http.MethodPost, "/api/slips/"+slip.ID+"/compensate", CompensateRequest{Amount: "120.00"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[CompensateResponse](t, rec)

	assert.Equal(t, "COMPENSATED", resp.Superseded.State)
	assert.Equal(t, resp.Replacement.ID, resp.Superseded.ReplacedBy)
	assert.Equal(t, slip.ID, resp.Replacement.Replaces)
	assert.Equal(t, "120.00", resp.Replacement.Amount)
	assert.Equal(t, slip.DueDate, resp.Replacement.DueDate)

	// The ledger now points at the replacement
	rec = f.do(t, http.MethodPost, "/api/periods/2025-06/materialize", MaterializeRequest{ObligationID: "cleaning-fee"})
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, resp.Replacement.ID, decode[ErrorResponse](t, rec).ExistingSlipID)

	// Same amount is a validation error
	rec = f.do(t, http.MethodPost, "/api/slips/"+resp.Replacement.ID+"/compensate", CompensateRequest{Amount: "120.00"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSlips_BulkSendPartialSuccess(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{})
	slip := f.generateOne(t)
	other := f.do(t, http.MethodPost, "/api/periods/2025-07/generate", nil)
	require.Equal(t, http.StatusOK, other.Code)
	pending := decode[GenerateResponse](t, other).Created[0]

	rec := f.do(t, http.MethodPost, "/api/slips/"+slip.ID+"/transitions", TransitionRequest{Transition: "submit"})
	require.Equal(t, http.StatusOK, rec.Code)

	// GIVEN one submitted slip, one still pending and an unknown id
	rec = f.do(t, http.MethodPost, "/api/slips/send", SendRequest{IDs: []string{slip.ID, pending.ID, "ghost"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SendResponse](t, rec)

	// THEN only the submitted one is sent, the others are reported
	assert.Equal(t, 1, resp.Sent)
	assert.Equal(t, 2, resp.Skipped)
	require.Len(t, resp.Results, 3)
	assert.True(t, resp.Results[0].Applied)
	assert.Equal(t, billing.SkipNotPermitted, resp.Results[1].Reason)
	assert.Equal(t, "PENDING", resp.Results[1].From)
	assert.Equal(t, billing.SkipNotFound, resp.Results[2].Reason)

	// Sending again skips as not permitted
	rec = f.do(t, http.MethodPost, "/api/slips/send", SendRequest{IDs: []string{slip.ID}})
	resp = decode[SendResponse](t, rec)
	assert.Equal(t, 0, resp.Sent)
	assert.Equal(t, billing.SkipNotPermitted, resp.Results[0].Reason)

	rec = f.do(t, http.MethodPost, "/api/slips/send", SendRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSlips_ListFilters(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{})
	slip := f.generateOne(t)

	rec := f.do(t, http.MethodGet, "/api/slips?period=2025-06&state=pending&unit=unit-101", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	list := decode[[]SlipDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, slip.ID, list[0].ID)

	rec = f.do(t, http.MethodGet, "/api/slips?state=PAID", nil)
	assert.Empty(t, decode[[]SlipDTO](t, rec))

	rec = f.do(t, http.MethodGet, "/api/slips?state=lost", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// ADMIN & EXPORTS
// =============================================================================

func TestAdmin_OverdueSweep(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{})
	slip := f.generateOne(t)

	// Nothing is late on the due date itself
	f.clock.Set(time.Date(2025, time.June, 30, 23, 0, 0, 0, time.UTC))
	rec := f.do(t, http.MethodPost, "/api/admin/overdue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[SweepResponse](t, rec).Overdue)

	f.clock.Set(time.Date(2025, time.July, 1, 8, 0, 0, 0, time.UTC))
	rec = f.do(t, http.MethodPost, "/api/admin/overdue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	swept := decode[SweepResponse](t, rec).Overdue
	require.Len(t, swept, 1)
	assert.Equal(t, slip.ID, swept[0].ID)
	assert.Equal(t, "OVERDUE", swept[0].State)
}

func TestExports(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{})
	slip := f.generateOne(t)

	rec := f.do(t, http.MethodGet, "/api/slips/"+slip.ID+"/pdf", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, export.ContentTypePDF, rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")))

	rec = f.do(t, http.MethodGet, "/api/periods/2025-06/slips.xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, export.ContentTypeXLSX, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "slips-2025-06.xlsx")
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{})

	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.generateOne(t)
	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "condo_slips_generated_total")
}

// =============================================================================
// RATE LIMITING
// =============================================================================

func TestRateLimit_RejectsOverBudget(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{RateLimiter: NewClientLimiter(0.001, 2)})

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodGet, "/api/obligations", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/obligations", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Health checks are not limited
	rec = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestClientLimiter_SeparateKeysAndCleanup(t *testing.T) {
	now := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	l := NewClientLimiter(0.001, 1, WithIdleTTL(time.Minute))
	l.now = func() time.Time { return now }

	ok, _ := l.Allow("a")
	assert.True(t, ok)
	ok, wait := l.Allow("a")
	assert.False(t, ok)
	assert.True(t, wait > 0)
	ok, _ = l.Allow("b")
	assert.True(t, ok, "clients have independent budgets")

	now = now.Add(2 * time.Minute)
	l.Cleanup()
	assert.Empty(t, l.entries)
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "10.0.0.7", clientKey(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "10.0.0.7", clientKey(r), "forwarding headers are ignored")
}

func TestRateLimit_ForwardedForHonouredOnlyBehindProxy(t *testing.T) {
	requestFrom := func(f *apiFixture, forwardedFor string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/obligations", nil)
		req.RemoteAddr = "10.0.0.7:5555"
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, req)
		return rec.Code
	}

	// GIVEN a limiter of one request and no trusted proxy
	direct := newAPIFixture(t, RouterOptions{RateLimiter: NewClientLimiter(0.001, 1)})

	// WHEN the same peer rotates X-Forwarded-For
	assert.Equal(t, http.StatusOK, requestFrom(direct, "203.0.113.1"))

	// THEN it still shares one budget
	assert.Equal(t, http.StatusTooManyRequests, requestFrom(direct, "203.0.113.2"))

	// GIVEN the same limiter behind a trusted proxy
	proxied := newAPIFixture(t, RouterOptions{RateLimiter: NewClientLimiter(0.001, 1), TrustProxy: true})

	// THEN each forwarded client has its own budget
	assert.Equal(t, http.StatusOK, requestFrom(proxied, "203.0.113.1"))
	assert.Equal(t, http.StatusOK, requestFrom(proxied, "203.0.113.2"))
	assert.Equal(t, http.StatusTooManyRequests, requestFrom(proxied, "203.0.113.1"))
}

// =============================================================================
// SCHEDULER
// =============================================================================

func TestBillingScheduler_RunNow(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{})
	ctx := context.Background()
	rec := f.do(t, http.MethodPost, "/api/obligations", cleaningFee())
	require.Equal(t, http.StatusCreated, rec.Code)

	s := NewBillingScheduler(f.svc, zap.NewNop())

	// GIVEN June 1st: the June slip is generated, nothing is overdue
	report, err := s.RunNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2025-06", report.Period.String())
	assert.Equal(t, 1, report.Created)
	assert.Zero(t, report.Overdue)

	// WHEN the clock reaches July 2nd
	f.clock.Set(time.Date(2025, time.July, 2, 8, 0, 0, 0, time.UTC))
	report, err = s.RunNow(ctx)
	require.NoError(t, err)

	// THEN July is generated and June's slip is overdue
	assert.Equal(t, "2025-07", report.Period.String())
	assert.Equal(t, 1, report.Created)
	assert.Equal(t, 1, report.Overdue)

	// Running again changes nothing
	report, err = s.RunNow(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Created)
	assert.Zero(t, report.Overdue)
}

func TestBillingScheduler_StartStop(t *testing.T) {
	f := newAPIFixture(t, RouterOptions{})
	s := NewBillingScheduler(f.svc, zap.NewNop())
	s.CheckInterval = time.Hour

	s.Start()
	s.Start()
	s.Stop()
	s.Stop()

	s.Enabled = false
	s.Start()
	assert.Nil(t, s.ticker)
}
