package core

import (
	"errors"
	"fmt"
	"time"
)

// Rejection reasons reported to clients. These strings are part of the
// client contract, keep them stable.
const (
	AuthMissingToken    = "missing_token"
	AuthInvalidToken    = "invalid_token"
	AuthExpiredToken    = "expired_token"
	AuthUnknownIdentity = "identity_not_found"
	AuthStaleSession    = "session_version_mismatch"
	AuthTenantMismatch  = "tenant_mismatch"
	AuthTooManyAttempts = "too_many_attempts"
	AuthInactiveAccount = "inactive_account"
)

// AuthenticationError rejects a connection during the authenticating
// phase. Not retryable by this layer.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// RateLimitError carries the retry-after hint back to the client.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// AdmissionError rejects a connection that would exceed a tenant or
// user ceiling.
type AdmissionError struct {
	Scope string // "tenant" or "user"
	Limit int
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("connection limit reached for %s (max %d)", e.Scope, e.Limit)
}

// ResourceExhaustionError rejects a connection while process memory is
// above the hard ceiling. Existing connections are not affected.
type ResourceExhaustionError struct {
	UsedBytes uint64
	MaxBytes  uint64
}

func (e *ResourceExhaustionError) Error() string {
	return fmt.Sprintf("server memory exhausted (%d/%d bytes)", e.UsedBytes, e.MaxBytes)
}

// TransportError wraps mid-session transport failures. Logged and
// counted, never retried here.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RejectionCode maps a rejection error to the machine-checkable code
// included in the close frame.
func RejectionCode(err error) string {
	var authErr *AuthenticationError
	var rateErr *RateLimitError
	var admErr *AdmissionError
	var memErr *ResourceExhaustionError

	switch {
	case errors.As(err, &authErr):
		return "auth_error"
	case errors.As(err, &rateErr):
		return "rate_limited"
	case errors.As(err, &admErr):
		return "admission_denied"
	case errors.As(err, &memErr):
		return "resource_exhausted"
	default:
		return "internal_error"
	}
}
