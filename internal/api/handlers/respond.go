package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/drfirst/go-rxledger/internal/domain/prescription"
	"github.com/drfirst/go-rxledger/internal/ledger"
	"github.com/drfirst/go-rxledger/pkg/idempotency"
)

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// statusFor maps service errors onto HTTP statuses and stable error codes
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, prescription.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, prescription.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, prescription.ErrMedicineNotFound):
		return http.StatusNotFound, "medicine_not_found"
	case errors.Is(err, prescription.ErrAlreadyDispensed):
		return http.StatusConflict, "already_dispensed"
	case errors.Is(err, prescription.ErrLocked):
		return http.StatusConflict, "locked"
	case errors.Is(err, prescription.ErrExpired):
		return http.StatusConflict, "expired"
	case errors.Is(err, ledger.ErrLedgerCommitFailed):
		return http.StatusBadGateway, "ledger_commit_failed"
	case errors.Is(err, idempotency.ErrMessageInProgress):
		return http.StatusConflict, "request_in_progress"
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		return http.StatusUnprocessableEntity, "request_previously_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	jsonError(w, msg, code, status)
}
