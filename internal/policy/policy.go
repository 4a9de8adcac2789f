// Package policy provides durable per-route guard configuration: rate
// limit rules and route policies (idempotency and nonce requirements),
// resolved through a pattern matcher and served from a read-through cache.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("policy: record not found")

// Scope determines how a rate limit rule buckets traffic.
type Scope string

const (
	// ScopeGlobal counts all traffic to the matched resource together.
	ScopeGlobal Scope = "global"
	// ScopePerSubject counts traffic separately per authenticated subject.
	ScopePerSubject Scope = "subject"
)

// RateLimitRule is a durable rate limiting rule. Rules are created and
// edited by administrators and read-only to the request pipeline.
type RateLimitRule struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Pattern string        `json:"pattern"`
	Methods []string      `json:"methods,omitempty"`
	Scope   Scope         `json:"scope"`
	Limit   int64         `json:"limit"`
	Window  time.Duration `json:"-"`
	// BurstLimit caps short bursts inside the burst window. Zero disables it.
	BurstLimit int64 `json:"burst_limit,omitempty"`
	// Priority determines match order; higher values are checked first.
	Priority  int       `json:"priority"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks rule fields for consistency.
func (r RateLimitRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("policy: rule name is required")
	}
	if r.Limit <= 0 {
		return fmt.Errorf("policy: rule limit must be > 0")
	}
	if r.Window < time.Second {
		return fmt.Errorf("policy: rule window must be >= 1s")
	}
	if r.BurstLimit < 0 {
		return fmt.Errorf("policy: burst limit must be >= 0")
	}
	if r.Scope != ScopeGlobal && r.Scope != ScopePerSubject {
		return fmt.Errorf("policy: unknown scope %q", r.Scope)
	}
	if _, _, err := patternToRegex(r.Pattern); err != nil {
		return fmt.Errorf("policy: invalid pattern %q: %w", r.Pattern, err)
	}
	return nil
}

// IdempotencyPolicy configures idempotency-key handling for matched routes.
type IdempotencyPolicy struct {
	Enabled bool          `json:"enabled"`
	TTL     time.Duration `json:"-"`
	// Methods lists the HTTP methods the policy applies to.
	// Empty means all mutating methods (POST, PUT, PATCH, DELETE).
	Methods []string `json:"methods,omitempty"`
}

// AppliesTo reports whether the policy covers the given HTTP method.
func (p IdempotencyPolicy) AppliesTo(method string) bool {
	if !p.Enabled {
		return false
	}
	m := strings.ToUpper(method)
	if len(p.Methods) == 0 {
		return m == "POST" || m == "PUT" || m == "PATCH" || m == "DELETE"
	}
	for _, allowed := range p.Methods {
		if strings.ToUpper(allowed) == m {
			return true
		}
	}
	return false
}

// NoncePolicy configures request-nonce and signature requirements.
type NoncePolicy struct {
	Required bool          `json:"required"`
	TTL      time.Duration `json:"-"`
	// RequireSignature additionally demands a valid HMAC request signature.
	RequireSignature bool `json:"require_signature"`
	// TimestampTolerance bounds how stale a signed timestamp may be.
	TimestampTolerance time.Duration `json:"-"`
}

// RoutePolicy binds idempotency and nonce requirements to a route pattern.
type RoutePolicy struct {
	ID          string            `json:"id"`
	Pattern     string            `json:"pattern"`
	Methods     []string          `json:"methods,omitempty"`
	Priority    int               `json:"priority"`
	Idempotency IdempotencyPolicy `json:"idempotency"`
	Nonce       NoncePolicy       `json:"nonce"`
	Active      bool              `json:"active"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Validate checks route policy fields for consistency.
func (p RoutePolicy) Validate() error {
	if _, _, err := patternToRegex(p.Pattern); err != nil {
		return fmt.Errorf("policy: invalid pattern %q: %w", p.Pattern, err)
	}
	if p.Idempotency.Enabled && p.Idempotency.TTL <= 0 {
		return fmt.Errorf("policy: idempotency TTL must be > 0 when enabled")
	}
	if p.Nonce.Required && p.Nonce.TTL <= 0 {
		return fmt.Errorf("policy: nonce TTL must be > 0 when required")
	}
	return nil
}
