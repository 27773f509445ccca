package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument  ErrorCode = "INVALID_ARGUMENT"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeUnavailable      ErrorCode = "UNAVAILABLE"
	CodeFailedPrecond    ErrorCode = "FAILED_PRECONDITION"
	CodeUnauthenticated  ErrorCode = "UNAUTHENTICATED"
	CodeInternal         ErrorCode = "INTERNAL"
	CodeDeadlineExceeded ErrorCode = "DEADLINE_EXCEEDED"
)

// Sentinel errors for the execution pipeline. Configuration errors
// (missing sources, missing catalog reference) indicate administrative
// misconfiguration and are logged at elevated severity by callers.
var (
	ErrToolNotAssigned         = errors.New("tool not found or not assigned")
	ErrMissingCatalogReference = errors.New("tool has no catalog item reference")
	ErrMissingExecutionSource  = errors.New("tool has no execution source configured")
	ErrMissingCredentialSource = errors.New("tool has no credential source configured")
	ErrNoInstallationFound     = errors.New("no installation found")
	ErrMissingAuthContext      = errors.New("dynamic routing requires an auth context")
	ErrTransportTimeout        = errors.New("transport timed out")
	ErrConnectionClosed        = errors.New("connection closed")
	ErrManagerClosed           = errors.New("connection manager closed")
	ErrUpstreamTool            = errors.New("upstream tool reported an error")
)

// Error is the structured error carried across component boundaries.
type Error struct {
	Code    ErrorCode
	Op      string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op == "" {
		if msg == "" {
			return string(e.Code)
		}
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	if msg == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func E(code ErrorCode, op, msg string, cause error) *Error {
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &Error{
		Code:    code,
		Op:      op,
		Message: msg,
		Cause:   cause,
	}
}

func Wrap(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		if existing.Op != "" || op == "" {
			return existing
		}
		return &Error{
			Code:    existing.Code,
			Op:      op,
			Message: existing.Message,
			Cause:   existing.Cause,
		}
	}
	return E(code, op, "", err)
}

// CodeFrom maps an error to its ErrorCode, recognizing pipeline
// sentinels.
func CodeFrom(err error) (ErrorCode, bool) {
	if err == nil {
		return "", false
	}
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code, true
	}
	switch {
	case errors.Is(err, ErrToolNotAssigned):
		return CodeNotFound, true
	case errors.Is(err, ErrNoInstallationFound):
		return CodeNotFound, true
	case errors.Is(err, ErrMissingCatalogReference),
		errors.Is(err, ErrMissingExecutionSource),
		errors.Is(err, ErrMissingCredentialSource):
		return CodeFailedPrecond, true
	case errors.Is(err, ErrMissingAuthContext):
		return CodeUnauthenticated, true
	case errors.Is(err, ErrTransportTimeout):
		return CodeDeadlineExceeded, true
	case errors.Is(err, ErrUpstreamTool):
		return CodeInternal, true
	case errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrManagerClosed):
		return CodeUnavailable, true
	default:
		return "", false
	}
}

// IsConfigurationError reports whether err is administrative
// misconfiguration rather than a transient failure. Configuration
// errors are reported but never retried.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrMissingCatalogReference) ||
		errors.Is(err, ErrMissingExecutionSource) ||
		errors.Is(err, ErrMissingCredentialSource)
}
