// Package apierr defines the small set of caller-visible policy errors the
// core returns to its API caller. These are never internal bugs: nothing is
// mutated when one of these is returned.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Error is a stable, caller-visible error: an HTTP status plus a short
// lower-snake code plus a human-readable message. It is constructed once per
// kind and compared with errors.Is.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target is an *Error with the same Code, so sentinel
// values below can be compared with errors.Is even after wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New constructs a policy error with a request-specific message, reusing the
// status and code of an existing sentinel.
func New(sentinel *Error, message string) *Error {
	return &Error{Status: sentinel.Status, Code: sentinel.Code, Message: message}
}

var (
	ErrModelNotFound = &Error{
		Status:  http.StatusNotFound,
		Code:    "model_not_found",
		Message: "model not found",
	}
	ErrForbidden = &Error{
		Status:  http.StatusForbidden,
		Code:    "forbidden",
		Message: "forbidden",
	}
	ErrNoReadyWorker = &Error{
		Status:  http.StatusServiceUnavailable,
		Code:    "no_ready_worker",
		Message: "no ready worker available for this model",
	}
	ErrNoCurrentOrganization = &Error{
		Status:  http.StatusBadRequest,
		Code:    "no_current_organization",
		Message: "request requires an active organization workspace",
	}
	ErrInsufficientPermissions = &Error{
		Status:  http.StatusForbidden,
		Code:    "insufficient_permissions",
		Message: "insufficient permissions",
	}
	ErrConcurrentTransition = &Error{
		Status:  http.StatusConflict,
		Code:    "concurrent_transition",
		Message: "instance status changed concurrently",
	}
	ErrCredentialsMissing = &Error{
		Status:  http.StatusFailedDependency,
		Code:    "credentials_missing",
		Message: "no provider credentials configured for this organization",
	}
	ErrUpstreamWorkerTimeout = &Error{
		Status:  http.StatusGatewayTimeout,
		Code:    "upstream_worker_timeout",
		Message: "upstream worker did not respond in time",
	}
)

// Body is the JSON shape returned to HTTP callers: {error, message}.
type Body struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// AsBody converts an *Error to its wire representation.
func (e *Error) AsBody() Body {
	return Body{Error: e.Code, Message: e.Message}
}

// WriteHTTP writes err to w as the spec's `{error, message}` JSON body,
// using the status and code of the nearest wrapped *Error, or 500
// internal_error for anything else. Callers in pkg/api and pkg/routing use
// this instead of hand-rolling the response shape per call site.
func WriteHTTP(w http.ResponseWriter, err error) {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		apiErr = New(&Error{Status: http.StatusInternalServerError, Code: "internal_error"}, "internal error")
	}
	WriteCode(w, apiErr.Status, apiErr.Code, apiErr.Message)
}

// WriteCode writes a literal status/code/message without needing an *Error
// value, for call sites reporting a condition apierr has no sentinel for
// (e.g. a transport failure pkg/routing classifies itself).
func WriteCode(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Body{Error: code, Message: message})
}
