package sheetsapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/sheetbridge/gateway/internal/circuitbreaker"
	"github.com/sheetbridge/gateway/internal/protocol"
	"github.com/sheetbridge/gateway/internal/ratelimit"
)

// Kind classifies upstream failures for retry and breaker decisions.
type Kind int

const (
	KindTransient Kind = iota
	KindRateLimited
	KindPermissionDenied
	KindNotFound
	KindAuthExpired
	KindInvalid
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindAuthExpired:
		return "auth_expired"
	case KindInvalid:
		return "invalid"
	default:
		return "internal"
	}
}

// APIError is the tagged error every shell method returns on failure.
type APIError struct {
	Kind       Kind
	Endpoint   string
	StatusCode int
	RetryAfter time.Duration
	// ScopeInsufficient marks 403s whose reason is a missing OAuth scope;
	// the client stamps MissingScopes and AuthURL from its configuration.
	ScopeInsufficient bool
	MissingScopes     []string
	AuthURL           string
	cause             error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Endpoint, e.Kind, e.cause)
}

func (e *APIError) Unwrap() error { return e.cause }

// Countable reports whether the failure should count toward breaker trips.
func (e *APIError) Countable() bool {
	switch e.Kind {
	case KindTransient, KindRateLimited, KindInternal:
		return true
	}
	return false
}

// Retryable reports whether the retry policy should try again.
func (e *APIError) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// Classify wraps an upstream error into an APIError for the endpoint.
func Classify(endpoint string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	out := &APIError{Kind: KindTransient, Endpoint: endpoint, cause: err}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		out.StatusCode = gerr.Code
		switch {
		case gerr.Code == http.StatusTooManyRequests:
			out.Kind = KindRateLimited
			out.RetryAfter = retryAfterHeader(gerr.Header)
		case gerr.Code == http.StatusForbidden:
			// Quota exhaustion also arrives as 403; treat rateLimitExceeded
			// reasons as pacing problems, anything else as permissions.
			if quotaReason(gerr) {
				out.Kind = KindRateLimited
				out.RetryAfter = retryAfterHeader(gerr.Header)
			} else {
				out.Kind = KindPermissionDenied
				out.ScopeInsufficient = scopeReason(gerr)
			}
		case gerr.Code == http.StatusNotFound:
			out.Kind = KindNotFound
		case gerr.Code == http.StatusUnauthorized:
			out.Kind = KindAuthExpired
		case gerr.Code == http.StatusBadRequest:
			out.Kind = KindInvalid
		case gerr.Code >= 500:
			out.Kind = KindTransient
		default:
			out.Kind = KindInternal
		}
		return out
	}

	// Connection resets, DNS failures and friends: worth retrying.
	return out
}

func quotaReason(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
			return true
		}
	}
	return false
}

func scopeReason(gerr *googleapi.Error) bool {
	for _, item := range gerr.Errors {
		switch item.Reason {
		case "insufficientPermissions", "ACCESS_TOKEN_SCOPE_INSUFFICIENT":
			return true
		}
	}
	return false
}

func retryAfterHeader(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// ToGatewayError maps an APIError chain, plus the breaker and limiter
// sentinels, onto the envelope error codes. Unknown errors degrade to
// INTERNAL_ERROR.
func ToGatewayError(err error) *protocol.GatewayError {
	if err == nil {
		return nil
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) || errors.Is(err, circuitbreaker.ErrProbeInFlight) {
		return protocol.WrapError(protocol.ErrCircuitOpen, "upstream API is failing, requests are paused", err).
			WithRetryStrategy("wait_for_reset").
			WithResolution("wait for the breaker reset window to elapse, then retry")
	}
	if errors.Is(err, ratelimit.ErrDeadline) {
		return protocol.WrapError(protocol.ErrTimeout, "request deadline elapsed while waiting for rate-limit tokens", err).
			WithRetryStrategy("exponential_backoff").
			WithResolution("retry with a longer deadline or reduce request volume")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return protocol.AsGatewayError(err)
	}
	if apiErr.Kind == KindPermissionDenied && apiErr.ScopeInsufficient {
		return protocol.MissingScopesError(apiErr.MissingScopes, apiErr.AuthURL).Wrap(err)
	}
	switch apiErr.Kind {
	case KindRateLimited:
		ge := protocol.WrapError(protocol.ErrRateLimitExceeded, "upstream API rate limit hit", err)
		return ge.WithRetryStrategy("exponential_backoff").
			WithResolution("wait and retry; the gateway backs off automatically")
	case KindPermissionDenied:
		return protocol.WrapError(protocol.ErrPermissionDenied, "upstream API denied access", err).
			WithResolution("check the spreadsheet's sharing settings and the token's OAuth scopes")
	case KindNotFound:
		return protocol.WrapError(protocol.ErrNotFound, "spreadsheet or range not found", err).
			WithResolution("verify the spreadsheet id and range reference")
	case KindAuthExpired:
		return protocol.WrapError(protocol.ErrAuth, "authentication expired and refresh failed", err).
			WithResolution("re-authenticate to obtain a fresh token")
	case KindInvalid:
		return protocol.WrapError(protocol.ErrInvalidParams, "upstream API rejected the request", err).
			WithResolution("check the request parameters against the API constraints")
	default:
		ge := protocol.WrapError(protocol.ErrInternal, "upstream API failure", err)
		ge.Retryable = apiErr.Retryable()
		return ge
	}
}
