package contracts

import (
	"errors"
	"fmt"
)

// Code is a stable wire identifier carried as error.code in every
// response envelope the session layer emits.
type Code string

const (
	CodeValidation    Code = "ErrValidation"
	CodePermission    Code = "ErrPermission"
	CodeRateLimited   Code = "ErrRateLimited"
	CodeNotFound      Code = "ErrNotFound"
	CodeNameConflict  Code = "ErrNameConflict"
	CodeDuplicateID   Code = "ErrDuplicateId"
	CodeUnknownAgent  Code = "ErrUnknownAgent"
	CodeUnknownTool   Code = "ErrUnknownTool"
	CodeEmbedder      Code = "ErrEmbedder"
	CodeStorage       Code = "ErrStorage"
	CodeTimeout       Code = "ErrTimeout"
	CodeInternal      Code = "ErrInternal"
)

// Error is the one error type that crosses every component boundary in
// this service. Every non-nil error returned from internal/* is (or
// wraps) an *Error, so the session layer can always render a wire
// envelope without inspecting concrete types.
type Error struct {
	Code    Code
	Message string
	// RetryAfterSeconds is set only on CodeRateLimited.
	RetryAfterSeconds int
	// Cause is preserved for logging; never serialised to the wire.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NewValidationError(format string, args ...interface{}) *Error {
	return newErr(CodeValidation, format, args...)
}

func NewPermissionError(format string, args ...interface{}) *Error {
	return newErr(CodePermission, format, args...)
}

func NewRateLimitedError(retryAfterSeconds int) *Error {
	e := newErr(CodeRateLimited, "rate limit exceeded")
	e.RetryAfterSeconds = retryAfterSeconds
	return e
}

func NewNotFoundError(entity, key string) *Error {
	return newErr(CodeNotFound, "%s not found: %s", entity, key)
}

func NewNameConflictError(format string, args ...interface{}) *Error {
	return newErr(CodeNameConflict, format, args...)
}

func NewDuplicateIDError(format string, args ...interface{}) *Error {
	return newErr(CodeDuplicateID, format, args...)
}

func NewUnknownAgentError(nameOrID string) *Error {
	return newErr(CodeUnknownAgent, "unknown agent: %s", nameOrID)
}

func NewUnknownToolError(name string) *Error {
	return newErr(CodeUnknownTool, "unknown tool: %s", name)
}

func NewEmbedderError(cause error) *Error {
	return &Error{Code: CodeEmbedder, Message: "embedding unavailable", Cause: cause}
}

func NewStorageError(cause error) *Error {
	return &Error{Code: CodeStorage, Message: "storage failure", Cause: cause}
}

func NewTimeoutError(format string, args ...interface{}) *Error {
	return newErr(CodeTimeout, format, args...)
}

func NewInternalError(cause error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Cause: cause}
}

// CodeOf extracts the wire code from any error produced by this
// service, defaulting to CodeInternal for errors that did not originate
// from NewXxxError — which should never happen past the validation and
// service layers, but the session layer must not panic if it does.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
