// Package nonce guards against token and request replay. JWT nonces bind
// a token to a revocable server-side record; request nonces are one-time
// values consumed by an atomic create-if-absent insert. Unlike the
// throttling guards this is a security boundary, so every operation
// fails closed when the shared store is unreachable.
package nonce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wardenhq/warden/internal/storage"
)

var (
	// ErrReplayed is returned when a request nonce has already been used.
	ErrReplayed = errors.New("nonce: already used")

	// ErrUnknown is returned when a JWT nonce record is missing or expired.
	ErrUnknown = errors.New("nonce: unknown or expired")

	// ErrOwnerMismatch is returned when a JWT nonce belongs to a different owner.
	ErrOwnerMismatch = errors.New("nonce: owner mismatch")
)

// Type distinguishes the two nonce families in the store.
type Type string

const (
	// TypeJWT marks a nonce binding a token to a revocable record.
	TypeJWT Type = "jwt"
	// TypeRequest marks a one-time per-request nonce.
	TypeRequest Type = "request"
)

// Record is the stored representation of a nonce.
type Record struct {
	Nonce     string    `json:"nonce"`
	Type      Type      `json:"type"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Endpoint  string    `json:"endpoint,omitempty"`
	Method    string    `json:"method,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Registry manages JWT and request nonces in the shared store.
type Registry struct {
	store  storage.Store
	jwtTTL time.Duration
	now    func() time.Time
}

// DefaultJWTTTL bounds how long an issued JWT nonce stays valid.
const DefaultJWTTTL = 24 * time.Hour

// NewRegistry creates a registry over the given shared store. jwtTTL
// controls the lifetime of issued JWT nonces; zero uses DefaultJWTTTL.
func NewRegistry(store storage.Store, jwtTTL time.Duration) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("nonce: store is required")
	}
	if jwtTTL <= 0 {
		jwtTTL = DefaultJWTTTL
	}

	return &Registry{
		store:  store,
		jwtTTL: jwtTTL,
		now:    time.Now,
	}, nil
}

// Issue creates a JWT nonce bound to the owner and returns its id.
// Embedding the id in a token lets logout or rotation invalidate the
// token before its stated expiry by revoking the record.
func (r *Registry) Issue(ctx context.Context, ownerID string) (string, error) {
	id := uuid.NewString()
	now := r.now().UTC()

	rec := Record{
		Nonce:     id,
		Type:      TypeJWT,
		OwnerID:   ownerID,
		IssuedAt:  now,
		ExpiresAt: now.Add(r.jwtTTL),
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("nonce: failed to encode record: %w", err)
	}

	created, err := r.store.CreateIfAbsent(ctx, jwtKey(id), string(payload), r.jwtTTL)
	if err != nil {
		return "", fmt.Errorf("nonce: failed to issue: %w", err)
	}
	if !created {
		// A freshly generated uuid collided; something is deeply wrong.
		return "", fmt.Errorf("nonce: id collision on issue")
	}

	return id, nil
}

// Validate checks that a JWT nonce exists, has not expired and belongs
// to the owner. A missing or expired record invalidates the token
// regardless of its signature.
func (r *Registry) Validate(ctx context.Context, nonceID, ownerID string) error {
	if nonceID == "" {
		return ErrUnknown
	}

	raw, err := r.store.Get(ctx, jwtKey(nonceID))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return ErrUnknown
	}
	if err != nil {
		// Fail closed: an unreachable store must not admit tokens.
		return fmt.Errorf("nonce: validation unavailable: %w", err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("nonce: corrupt record for %q: %w", nonceID, err)
	}

	if rec.OwnerID != ownerID {
		return ErrOwnerMismatch
	}
	if r.now().After(rec.ExpiresAt) {
		return ErrUnknown
	}

	return nil
}

// Revoke deletes a JWT nonce record, invalidating any token bound to it.
func (r *Registry) Revoke(ctx context.Context, nonceID string) error {
	if err := r.store.Delete(ctx, jwtKey(nonceID)); err != nil {
		return fmt.Errorf("nonce: failed to revoke %q: %w", nonceID, err)
	}
	return nil
}

// Consume marks a request nonce used. The first caller to insert a given
// value wins; every later attempt gets ErrReplayed, including the original
// sender retrying after a network timeout. A client must generate a
// fresh nonce per logical attempt, which is why request nonces are never
// paired with idempotency handling for the same request.
func (r *Registry) Consume(ctx context.Context, nonce, endpoint, method, ownerID string, ttl time.Duration) error {
	if nonce == "" {
		return fmt.Errorf("nonce: value is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("nonce: ttl must be > 0")
	}

	now := r.now().UTC()
	rec := Record{
		Nonce:     nonce,
		Type:      TypeRequest,
		OwnerID:   ownerID,
		Endpoint:  endpoint,
		Method:    method,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("nonce: failed to encode record: %w", err)
	}

	created, err := r.store.CreateIfAbsent(ctx, requestKey(nonce), string(payload), ttl)
	if err != nil {
		// Fail closed: if we cannot prove first use, reject.
		return fmt.Errorf("nonce: consume unavailable: %w", err)
	}
	if !created {
		return ErrReplayed
	}

	return nil
}

func jwtKey(id string) string {
	return "nonce:jwt:" + id
}

func requestKey(value string) string {
	return "nonce:request:" + value
}
