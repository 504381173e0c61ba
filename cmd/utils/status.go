package utils

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
)

// Code classifies a business-rule failure. Handlers raise these; the
// transport edge translates them to an HTTP status (or a websocket error
// frame) without losing the reason string clients use for messaging.
type Code int

const (
	CodeNotFound Code = iota + 1
	CodePermissionDenied
	CodeInvalidArgument
	CodeFailedPrecondition
	CodeResourceExhausted
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeNotFound:
		return "not_found"
	case CodePermissionDenied:
		return "permission_denied"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeFailedPrecondition:
		return "failed_precondition"
	case CodeResourceExhausted:
		return "resource_exhausted"
	}
	return "internal"
}

type Error struct {
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Reason + ": " + e.Err.Error()
	}
	return e.Reason
}

func (e *Error) Unwrap() error { return e.Err }

func NotFound(reason string) *Error {
	return &Error{Code: CodeNotFound, Reason: reason}
}

func PermissionDenied(reason string) *Error {
	return &Error{Code: CodePermissionDenied, Reason: reason}
}

func InvalidArgument(reason string) *Error {
	return &Error{Code: CodeInvalidArgument, Reason: reason}
}

func FailedPrecondition(reason string) *Error {
	return &Error{Code: CodeFailedPrecondition, Reason: reason}
}

func ResourceExhausted(reason string) *Error {
	return &Error{Code: CodeResourceExhausted, Reason: reason}
}

func Internal(reason string, err error) *Error {
	return &Error{Code: CodeInternal, Reason: reason, Err: err}
}

// CodeOf extracts the taxonomy code from any error; unclassified errors
// are internal faults.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// ReasonOf extracts the machine-readable reason from any error.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return "internal"
}

func httpStatus(c Code) int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeFailedPrecondition:
		return http.StatusConflict
	case CodeResourceExhausted:
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// WriteError translates err to an HTTP response. Only internal faults are
// logged with request context; the rest are expected traffic.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	code := CodeOf(err)
	if code == CodeInternal {
		callerID, _ := GetUserIDFromContext(r.Context())
		log.Printf("internal error in %s %s (caller %d): %v", r.Method, r.URL.Path, callerID, err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus(code))
	json.NewEncoder(w).Encode(map[string]string{
		"error":  code.String(),
		"reason": ReasonOf(err),
	})
}
