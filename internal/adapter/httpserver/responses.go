// Package httpserver contains the JSON API handlers and middleware: job
// submission, status, cancellation, result grants, payment webhooks, and the
// token-gated content endpoint.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		code = http.StatusBadRequest
		codeStr = "INVALID_REQUEST"
	case errors.Is(err, domain.ErrInsufficientFunds):
		code = http.StatusPaymentRequired
		codeStr = "INSUFFICIENT_FUNDS"
	case errors.Is(err, domain.ErrDuplicateInFlight):
		code = http.StatusConflict
		codeStr = "DUPLICATE_IN_FLIGHT"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrAssetUnavailable):
		code = http.StatusNotFound
		codeStr = "ASSET_UNAVAILABLE"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrDuplicate):
		code = http.StatusConflict
		codeStr = "DUPLICATE"
	case errors.Is(err, domain.ErrTokenExpired):
		code = http.StatusForbidden
		codeStr = "TOKEN_EXPIRED"
	case errors.Is(err, domain.ErrSignatureInvalid):
		code = http.StatusForbidden
		codeStr = "SIGNATURE_INVALID"
	case errors.Is(err, domain.ErrCircuitOpen):
		code = http.StatusServiceUnavailable
		codeStr = "PROVIDER_UNAVAILABLE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
