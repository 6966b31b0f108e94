package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a gateway failure class independent of transport.
type ErrorCode string

const (
	ErrInvalidParams      ErrorCode = "INVALID_PARAMS"
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
	ErrPreconditionFailed ErrorCode = "PRECONDITION_FAILED"

	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrRangeNotFound ErrorCode = "RANGE_NOT_FOUND"
	ErrNoData        ErrorCode = "NO_DATA"

	ErrAuth             ErrorCode = "AUTH_ERROR"
	ErrPermissionDenied ErrorCode = "PERMISSION_DENIED"

	ErrRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrQuotaExceeded     ErrorCode = "QUOTA_EXCEEDED"

	ErrTransactionTimeout ErrorCode = "TRANSACTION_TIMEOUT"
	ErrSnapshotFailed     ErrorCode = "SNAPSHOT_FAILED"
	ErrCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	ErrFeatureUnavailable ErrorCode = "FEATURE_UNAVAILABLE"

	ErrElicitationUnavailable ErrorCode = "ELICITATION_UNAVAILABLE"
	ErrSamplingUnavailable    ErrorCode = "SAMPLING_UNAVAILABLE"

	ErrInternal        ErrorCode = "INTERNAL_ERROR"
	ErrParse           ErrorCode = "PARSE_ERROR"
	ErrConfig          ErrorCode = "CONFIG_ERROR"
	ErrTooManySessions ErrorCode = "TOO_MANY_SESSIONS"
	ErrTimeout         ErrorCode = "TIMEOUT"
)

// GatewayError is the typed error that crosses every internal boundary.
// Every error is actionable: Resolution carries the one-line fix, and
// ResolutionSteps the ordered walkthrough when one line is not enough.
type GatewayError struct {
	Code            ErrorCode              `json:"code"`
	Message         string                 `json:"message"`
	Retryable       bool                   `json:"retryable"`
	RetryStrategy   string                 `json:"retry_strategy,omitempty"`
	Resolution      string                 `json:"resolution,omitempty"`
	ResolutionSteps []string               `json:"resolution_steps,omitempty"`
	SuggestedTools  []string               `json:"suggested_tools,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
	cause           error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error { return e.cause }

// NewError builds a GatewayError with retryability derived from the code.
func NewError(code ErrorCode, message string) *GatewayError {
	return &GatewayError{
		Code:      code,
		Message:   message,
		Retryable: retryableCode(code),
	}
}

// Errorf builds a formatted GatewayError.
func Errorf(code ErrorCode, format string, args ...interface{}) *GatewayError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WrapError attaches a cause to a new GatewayError.
func WrapError(code ErrorCode, message string, cause error) *GatewayError {
	e := NewError(code, message)
	e.cause = cause
	return e
}

// WithResolution sets the one-line fix and returns the error for chaining.
func (e *GatewayError) WithResolution(resolution string, steps ...string) *GatewayError {
	e.Resolution = resolution
	e.ResolutionSteps = steps
	return e
}

// WithDetails attaches structured detail fields.
func (e *GatewayError) WithDetails(details map[string]interface{}) *GatewayError {
	e.Details = details
	return e
}

// Wrap attaches a cause and returns the error for chaining.
func (e *GatewayError) Wrap(cause error) *GatewayError {
	e.cause = cause
	return e
}

// WithRetryStrategy documents how a retryable error should be retried.
func (e *GatewayError) WithRetryStrategy(strategy string) *GatewayError {
	e.RetryStrategy = strategy
	return e
}

func retryableCode(code ErrorCode) bool {
	switch code {
	case ErrRateLimitExceeded, ErrQuotaExceeded, ErrCircuitOpen, ErrTooManySessions, ErrTimeout:
		return true
	}
	return false
}

// AsGatewayError extracts a GatewayError from an error chain, wrapping
// unknown errors as INTERNAL_ERROR so callers always get an envelope-ready
// value.
func AsGatewayError(err error) *GatewayError {
	if err == nil {
		return nil
	}
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}
	return WrapError(ErrInternal, err.Error(), err)
}

// MissingScopesError builds the PERMISSION_DENIED shape required when the
// bearer token lacks scopes: it names the exact missing scopes and carries
// an incremental authorisation URL.
func MissingScopesError(missing []string, authURL string) *GatewayError {
	e := NewError(ErrPermissionDenied, "token is missing required OAuth scopes")
	e.Details = map[string]interface{}{
		"missing_scopes":    missing,
		"authorization_url": authURL,
	}
	e.Resolution = "re-authorize with the missing scopes using the authorization_url in details"
	e.ResolutionSteps = []string{
		"open the authorization_url in details",
		"grant the listed missing_scopes",
		"retry the request with the refreshed token",
	}
	return e
}
