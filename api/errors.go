package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/warp/condo-billing/generic"
	"github.com/warp/condo-billing/logging"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error          string `json:"error"`
	Details        string `json:"details,omitempty"`
	Field          string `json:"field,omitempty"`
	ExistingSlipID string `json:"existing_slip_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusOf maps an error from the billing core to an HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, generic.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, generic.ErrNotFound):
		return http.StatusNotFound
	case generic.IsConflict(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with the status its kind maps to. Server
// errors are logged and their details withheld from the client.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, message string, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		logging.WithRequestID(r.Context(), h.Logger).Error(message,
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, status, message, nil)
		return
	}

	resp := ErrorResponse{Error: message, Details: err.Error()}
	var verr *generic.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	var dup *generic.DuplicateMaterializationError
	if errors.As(err, &dup) {
		resp.ExistingSlipID = string(dup.ExistingSlipID)
	}
	writeJSON(w, status, resp)
}
