// Package api is the HTTP surface: routing, middleware, and the uniform
// error envelope over the domain services.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/datumfab/datum/pkg/fault"
)

// ErrorBody is the uniform error envelope. Every non-2xx response
// carries exactly this shape.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`
}

// statusByCode maps fault codes to HTTP statuses. Unknown codes are
// treated as internal.
var statusByCode = map[fault.Code]int{
	fault.CodeNotFound:     http.StatusNotFound,
	fault.CodePackNotFound: http.StatusNotFound,

	fault.CodeInvalid:               http.StatusBadRequest,
	fault.CodeOverrideMissingReason: http.StatusBadRequest,
	fault.CodeUnsupportedFormat:     http.StatusBadRequest,

	fault.CodeSOEBlocked:          http.StatusUnprocessableEntity,
	fault.CodeRuleConflict:        http.StatusUnprocessableEntity,
	fault.CodeProfileUnusable:     http.StatusUnprocessableEntity,
	fault.CodeProfileGraphInvalid: http.StatusUnprocessableEntity,
	fault.CodePlanInvalidEdit:     http.StatusUnprocessableEntity,

	fault.CodePlanStateTransitionInvalid:    http.StatusConflict,
	fault.CodeProfileStateTransitionInvalid: http.StatusConflict,
	fault.CodePlanApprovedImmutable:         http.StatusConflict,
	fault.CodeProfileApprovedImmutable:      http.StatusConflict,
	fault.CodeVersionConflict:               http.StatusConflict,
	fault.CodeExportRequiresApproval:        http.StatusConflict,

	fault.CodeTierInsufficient: http.StatusForbidden,

	fault.CodeAuditIntegrityFailed: http.StatusInternalServerError,
	fault.CodeInternal:             http.StatusInternalServerError,
}

// WriteFault renders a coded error in the uniform envelope. Internal
// errors are logged and masked.
func WriteFault(w http.ResponseWriter, err error) {
	e, ok := fault.As(err)
	if !ok {
		WriteInternal(w, err)
		return
	}
	status, known := statusByCode[e.Code]
	if !known {
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		WriteInternal(w, err)
		return
	}
	writeError(w, status, ErrorBody{Code: string(e.Code), Message: e.Message, Detail: e.Detail})
}

// WriteBadRequest writes a 400 with INVALID_REQUEST.
func WriteBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrorBody{Code: string(fault.CodeInvalid), Message: message})
}

// WriteNotFound writes a 404.
func WriteNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrorBody{Code: string(fault.CodeNotFound), Message: message})
}

// WriteForbidden writes a 403.
func WriteForbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, ErrorBody{Code: "FORBIDDEN", Message: message})
}

// WriteTooManyRequests writes a 429 with a Retry-After hint.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", itoa(retryAfterSecs))
	writeError(w, http.StatusTooManyRequests, ErrorBody{
		Code:    "RATE_LIMITED",
		Message: "rate limit exceeded; retry after the indicated interval",
	})
}

// WriteInternal logs err and writes a masked 500. The error itself is
// never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	writeError(w, http.StatusInternalServerError, ErrorBody{
		Code:    string(fault.CodeInternal),
		Message: "an unexpected error occurred",
	})
}

// WriteJSON writes a 2xx JSON response.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func itoa(n int) string {
	if n < 1 {
		n = 1
	}
	var buf [8]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
