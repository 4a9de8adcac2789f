package pipeline

import (
	"fmt"
	"net/http"
	"time"
)

// Kind is the machine-readable classification of a guard rejection.
// Internal store or timeout failures are never surfaced as their own kind;
// each guard applies its fail-open/fail-closed policy and the pipeline
// translates what remains into the nearest kind below.
type Kind string

const (
	// KindRateLimitExceeded is retryable after the supplied delay.
	KindRateLimitExceeded Kind = "rate_limit_exceeded"
	// KindIdempotencyConflict means a duplicate is in flight or the key was
	// reused for a different request; the client should not retry immediately.
	KindIdempotencyConflict Kind = "idempotency_conflict"
	// KindNonceReplay means the nonce was already used; non-retryable with the
	// same nonce.
	KindNonceReplay Kind = "nonce_replay"
	// KindSignatureInvalid means the request signature did not verify.
	KindSignatureInvalid Kind = "signature_invalid"
	// KindTimestampOutOfWindow is retryable with a fresh timestamp and nonce.
	KindTimestampOutOfWindow Kind = "timestamp_out_of_window"
	// KindUnauthorized means missing or invalid credentials or nonce.
	KindUnauthorized Kind = "unauthorized"
)

// GuardError is the single structured shape every guard rejection is
// translated into before reaching the client.
type GuardError struct {
	Kind   Kind
	Detail string
	Status int
	// RetryAfter, when positive, tells a well-behaved client how long to
	// wait before retrying.
	RetryAfter time.Duration
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Retryable reports whether the rejection is worth retrying at all.
func (e *GuardError) Retryable() bool {
	switch e.Kind {
	case KindRateLimitExceeded, KindTimestampOutOfWindow:
		return true
	default:
		return false
	}
}

func rateLimited(detail string, retryAfter time.Duration) *GuardError {
	return &GuardError{
		Kind:       KindRateLimitExceeded,
		Detail:     detail,
		Status:     http.StatusTooManyRequests,
		RetryAfter: retryAfter,
	}
}

func conflict(detail string) *GuardError {
	return &GuardError{
		Kind:   KindIdempotencyConflict,
		Detail: detail,
		Status: http.StatusConflict,
	}
}

func nonceReplay() *GuardError {
	return &GuardError{
		Kind:   KindNonceReplay,
		Detail: "nonce already used",
		Status: http.StatusConflict,
	}
}

func unauthorized(kind Kind, detail string) *GuardError {
	return &GuardError{
		Kind:   kind,
		Detail: detail,
		Status: http.StatusUnauthorized,
	}
}
