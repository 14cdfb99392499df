// Package fault defines the coded error type shared by the engine and the
// HTTP boundary. Codes are part of the external contract: clients and audit
// records match on them, so they are stable strings.
package fault

import (
	"errors"
	"fmt"
)

type Code string

const (
	// Overlay engine failures.
	CodeSOEBlocked          Code = "SOE_BLOCKED"
	CodeProfileUnusable     Code = "PROFILE_UNUSABLE"
	CodeProfileGraphInvalid Code = "PROFILE_GRAPH_INVALID"
	CodePackNotFound        Code = "PACK_NOT_FOUND"
	CodeRuleConflict        Code = "RULE_CONFLICT"

	// Plan editing and governance.
	CodePlanInvalidEdit            Code = "PLAN_INVALID_EDIT"
	CodeOverrideMissingReason      Code = "OVERRIDE_MISSING_REASON"
	CodePlanStateTransitionInvalid Code = "PLAN_STATE_TRANSITION_INVALID"
	CodePlanApprovedImmutable      Code = "PLAN_APPROVED_IMMUTABLE"

	// Profile lifecycle.
	CodeProfileStateTransitionInvalid Code = "PROFILE_STATE_TRANSITION_INVALID"
	CodeProfileApprovedImmutable      Code = "PROFILE_APPROVED_IMMUTABLE"

	// Export and reporting.
	CodeExportRequiresApproval Code = "EXPORT_REQUIRES_APPROVAL"
	CodeTierInsufficient       Code = "TIER_INSUFFICIENT"
	CodeUnsupportedFormat      Code = "UNSUPPORTED_FORMAT"

	// Storage and integrity.
	CodeVersionConflict      Code = "VERSION_CONFLICT"
	CodeAuditIntegrityFailed Code = "AUDIT_INTEGRITY_FAILED"

	// Generic.
	CodeNotFound Code = "NOT_FOUND"
	CodeInvalid  Code = "INVALID_REQUEST"
	CodeInternal Code = "INTERNAL"
)

// Error is a coded error with optional structured detail. Detail keys are
// safe to surface to clients; never put internals in them.
type Error struct {
	Code    Code
	Message string
	Detail  map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on code so callers can use errors.Is with a bare New(code, "").
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// With attaches a detail field and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

// CodeOf extracts the code from err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// As returns the coded error inside err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
