// Package idempotency gives at-most-once execution semantics to retried
// mutating requests. A client-supplied key maps to a record in the shared
// store; the atomic create-if-absent insert decides which of any number
// of concurrent duplicates executes the handler.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/wardenhq/warden/internal/storage"
)

// Status is the lifecycle state of an idempotency record.
type Status string

const (
	// StatusProcessing marks a record whose handler is still executing.
	StatusProcessing Status = "processing"
	// StatusCompleted marks a record holding a cached successful response.
	StatusCompleted Status = "completed"
	// StatusFailed marks a record whose handler failed; the key may be retried.
	StatusFailed Status = "failed"
)

// Record is the stored representation of one idempotency key.
type Record struct {
	Key         string    `json:"key"`
	Endpoint    string    `json:"endpoint"`
	Method      string    `json:"method"`
	Fingerprint string    `json:"fingerprint"`
	Status      Status    `json:"status"`
	Response    []byte    `json:"response,omitempty"`
	StatusCode  int       `json:"status_code,omitempty"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Outcome classifies the result of Begin.
type Outcome int

const (
	// OutcomeFresh means the caller won the insert and must execute the
	// handler, then call Complete or Fail.
	OutcomeFresh Outcome = iota
	// OutcomeReplay means a completed record exists; its stored response
	// must be returned verbatim without re-executing the handler.
	OutcomeReplay
	// OutcomeConflict means a duplicate is already in flight, or the key
	// was reused for a different request.
	OutcomeConflict
)

// BeginResult is the outcome of a Begin call.
type BeginResult struct {
	Outcome Outcome
	// Response and StatusCode carry the cached result for OutcomeReplay.
	Response   []byte
	StatusCode int
	// ConflictReason explains an OutcomeConflict to the client.
	ConflictReason string
	// Degraded is true when the store was unreachable and deduplication
	// was skipped.
	Degraded bool
}

// Fingerprint hashes the request shape so a reused key can be detected
// when it accompanies a different request.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// KeyStore manages idempotency records in the shared store.
//
// Failure policy: if the store is unreachable, Begin fails open and
// reports Fresh. Degraded decisions skip Complete and Fail since no
// record was stored.
type KeyStore struct {
	store       storage.Store
	now         func() time.Time
	degradedLog *rate.Limiter
}

// New creates a KeyStore over the given shared store.
func New(store storage.Store) (*KeyStore, error) {
	if store == nil {
		return nil, fmt.Errorf("idempotency: store is required")
	}

	return &KeyStore{
		store:       store,
		now:         time.Now,
		degradedLog: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}, nil
}

// Begin claims the key for this request. Exactly one of any set of
// concurrent callers with the same key observes OutcomeFresh; that caller
// must follow up with Complete or Fail. A record left in processing state
// by a cancelled request keeps returning OutcomeConflict until its TTL
// expires; there is no lease or heartbeat mechanism.
func (s *KeyStore) Begin(ctx context.Context, key, endpoint, method, fingerprint string, ttl time.Duration) (BeginResult, error) {
	if key == "" {
		return BeginResult{}, fmt.Errorf("idempotency: key is required")
	}
	if ttl <= 0 {
		return BeginResult{}, fmt.Errorf("idempotency: ttl must be > 0")
	}

	now := s.now().UTC()
	rec := Record{
		Key:         key,
		Endpoint:    endpoint,
		Method:      method,
		Fingerprint: fingerprint,
		Status:      StatusProcessing,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return BeginResult{}, fmt.Errorf("idempotency: failed to encode record: %w", err)
	}

	state, existingRaw, err := s.store.BeginRecord(ctx, recordKey(key), string(payload), ttl,
		string(StatusProcessing), string(StatusFailed))
	if err != nil {
		s.logDegraded(key, err)
		return BeginResult{Outcome: OutcomeFresh, Degraded: true}, nil
	}

	if state == storage.BeginCreated {
		return BeginResult{Outcome: OutcomeFresh}, nil
	}

	var existing Record
	if err := json.Unmarshal([]byte(existingRaw), &existing); err != nil {
		return BeginResult{}, fmt.Errorf("idempotency: corrupt record for key %q: %w", key, err)
	}

	// The same key presented with a different request is key misuse,
	// regardless of the existing record's state.
	if existing.Fingerprint != fingerprint {
		return BeginResult{
			Outcome:        OutcomeConflict,
			ConflictReason: "idempotency key reused with a different request",
		}, nil
	}

	if state == storage.BeginInFlight {
		return BeginResult{
			Outcome:        OutcomeConflict,
			ConflictReason: "a request with this idempotency key is already in flight",
		}, nil
	}

	return BeginResult{
		Outcome:    OutcomeReplay,
		Response:   existing.Response,
		StatusCode: existing.StatusCode,
	}, nil
}

// Complete stores the handler's successful response against the key so
// later retries replay it without re-executing the handler.
func (s *KeyStore) Complete(ctx context.Context, key string, response []byte, statusCode int) error {
	return s.finish(ctx, key, func(rec *Record) {
		rec.Status = StatusCompleted
		rec.Response = response
		rec.StatusCode = statusCode
	})
}

// Fail marks the key's record failed so the next retry is treated as fresh.
func (s *KeyStore) Fail(ctx context.Context, key string, cause error) error {
	return s.finish(ctx, key, func(rec *Record) {
		rec.Status = StatusFailed
		if cause != nil {
			rec.Error = cause.Error()
		}
	})
}

// finish transitions the stored record, preserving its TTL.
func (s *KeyStore) finish(ctx context.Context, key string, mutate func(*Record)) error {
	if key == "" {
		return fmt.Errorf("idempotency: key is required")
	}

	raw, err := s.store.Get(ctx, recordKey(key))
	if err != nil {
		return fmt.Errorf("idempotency: failed to load record for key %q: %w", key, err)
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return fmt.Errorf("idempotency: corrupt record for key %q: %w", key, err)
	}

	mutate(&rec)

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency: failed to encode record: %w", err)
	}

	if err := s.store.Replace(ctx, recordKey(key), string(payload)); err != nil {
		return fmt.Errorf("idempotency: failed to store record for key %q: %w", key, err)
	}

	return nil
}

func recordKey(key string) string {
	return "idempotency:" + key
}

func (s *KeyStore) logDegraded(key string, err error) {
	if !s.degradedLog.Allow() {
		return
	}
	slog.Warn("idempotency: store unreachable, skipping deduplication",
		"key", key,
		"error", err,
	)
}
