package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wardenhq/warden/internal/idempotency"
	"github.com/wardenhq/warden/internal/nonce"
	"github.com/wardenhq/warden/internal/policy"
	"github.com/wardenhq/warden/internal/ratelimit"
	"github.com/wardenhq/warden/internal/storage"
)

type staticRoutes struct {
	policies map[string]policy.RoutePolicy
}

func (s *staticRoutes) ResolveRoute(_ context.Context, method, path string) (policy.RoutePolicy, bool, error) {
	rp, ok := s.policies[method+" "+path]
	return rp, ok, nil
}

type staticRules struct {
	rule policy.RateLimitRule
}

func (s *staticRules) ResolveRule(_ context.Context, _, _ string) (policy.RateLimitRule, error) {
	return s.rule, nil
}

type testEnv struct {
	pipeline *Pipeline
	store    *storage.MemoryStore
	handled  atomic.Int64

	mu     sync.Mutex
	events []Event
}

func (env *testEnv) snapshotEvents() []Event {
	env.mu.Lock()
	defer env.mu.Unlock()
	return append([]Event(nil), env.events...)
}

func newTestEnv(t *testing.T, routes RoutePolicySource, rule policy.RateLimitRule) *testEnv {
	t.Helper()

	env := &testEnv{store: storage.NewMemoryStore()}

	limiter, err := ratelimit.New(env.store, &staticRules{rule: rule}, ratelimit.Config{})
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	idem, err := idempotency.New(env.store)
	if err != nil {
		t.Fatalf("idempotency.New: %v", err)
	}
	registry, err := nonce.NewRegistry(env.store, 0)
	if err != nil {
		t.Fatalf("nonce.NewRegistry: %v", err)
	}
	signer, err := nonce.NewSigner([]byte("test-secret"), time.Minute)
	if err != nil {
		t.Fatalf("nonce.NewSigner: %v", err)
	}

	p, err := New(HeaderAuthenticator{}, routes, limiter, idem, registry,
		WithSigner(signer),
		WithEventSink(func(e Event) {
			env.mu.Lock()
			env.events = append(env.events, e)
			env.mu.Unlock()
		}),
	)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}

	env.pipeline = p
	return env
}

func (env *testEnv) handler(status int, body string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		env.handled.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	})
}

func permissiveRule() policy.RateLimitRule {
	return policy.RateLimitRule{
		Name:   "default",
		Scope:  policy.ScopePerSubject,
		Limit:  1000,
		Window: time.Minute,
		Active: true,
	}
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Subject-ID", "subject-1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestPassThroughWithoutPolicies(t *testing.T) {
	env := newTestEnv(t, &staticRoutes{}, permissiveRule())
	h := env.pipeline.Wrap(env.handler(http.StatusOK, `{"ok":true}`))

	rr := doRequest(t, h, http.MethodGet, "/widgets", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Limit"); got != "1000" {
		t.Fatalf("X-RateLimit-Limit = %q, want 1000", got)
	}
	if env.handled.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", env.handled.Load())
	}
}

func TestRateLimitDenialHeaders(t *testing.T) {
	rule := permissiveRule()
	rule.Limit = 2
	env := newTestEnv(t, &staticRoutes{}, rule)
	h := env.pipeline.Wrap(env.handler(http.StatusOK, `{}`))

	for i := 0; i < 2; i++ {
		if rr := doRequest(t, h, http.MethodGet, "/widgets", "", nil); rr.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rr.Code)
		}
	}

	rr := doRequest(t, h, http.MethodGet, "/widgets", "", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("X-RateLimit-Remaining = %q, want 0", got)
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["type"] != string(KindRateLimitExceeded) {
		t.Fatalf("error type = %v, want %s", payload["type"], KindRateLimitExceeded)
	}
	if payload["retryable"] != true {
		t.Fatalf("retryable = %v, want true", payload["retryable"])
	}
}

// TestIdempotentCreateLifecycle covers the duplicate-submission flow:
// the first request with a key executes, a concurrent-style duplicate
// conflicts while in flight, and once completed the same key replays
// the stored response without re-running the handler.
func TestIdempotentCreateLifecycle(t *testing.T) {
	routes := &staticRoutes{policies: map[string]policy.RoutePolicy{
		"POST /widgets": {
			Pattern: "/widgets",
			Idempotency: policy.IdempotencyPolicy{
				Enabled: true,
				TTL:     time.Hour,
			},
			Active: true,
		},
	}}
	env := newTestEnv(t, routes, permissiveRule())

	// A handler that stalls so the duplicate arrives while the first
	// request is still processing.
	release := make(chan struct{})
	firstDone := make(chan *httptest.ResponseRecorder)
	stalling := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		env.handled.Add(1)
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"w1"}`)
	})
	h := env.pipeline.Wrap(stalling)

	headers := map[string]string{HeaderIdempotencyKey: "K1"}
	go func() {
		firstDone <- doRequest(t, h, http.MethodPost, "/widgets", `{"name":"widget"}`, headers)
	}()

	// Wait for the first request to claim the key.
	deadline := time.After(2 * time.Second)
	for env.handled.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first request never reached the handler")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	dup := doRequest(t, h, http.MethodPost, "/widgets", `{"name":"widget"}`, headers)
	if dup.Code != http.StatusConflict {
		t.Fatalf("in-flight duplicate status = %d, want 409", dup.Code)
	}

	close(release)
	first := <-firstDone
	if first.Code != http.StatusCreated {
		t.Fatalf("first request status = %d, want 201", first.Code)
	}

	replay := doRequest(t, h, http.MethodPost, "/widgets", `{"name":"widget"}`, headers)
	if replay.Code != http.StatusCreated {
		t.Fatalf("replay status = %d, want 201", replay.Code)
	}
	if replay.Body.String() != `{"id":"w1"}` {
		t.Fatalf("replay body = %q, want original response", replay.Body.String())
	}
	if got := replay.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("replay Content-Type = %q, want application/json", got)
	}
	if env.handled.Load() != 1 {
		t.Fatalf("handler ran %d times, want exactly once", env.handled.Load())
	}
}

func TestIdempotencyFingerprintMismatch(t *testing.T) {
	routes := &staticRoutes{policies: map[string]policy.RoutePolicy{
		"POST /widgets": {
			Pattern:     "/widgets",
			Idempotency: policy.IdempotencyPolicy{Enabled: true, TTL: time.Hour},
			Active:      true,
		},
	}}
	env := newTestEnv(t, routes, permissiveRule())
	h := env.pipeline.Wrap(env.handler(http.StatusCreated, `{"id":"w1"}`))

	headers := map[string]string{HeaderIdempotencyKey: "K1"}
	if rr := doRequest(t, h, http.MethodPost, "/widgets", `{"name":"a"}`, headers); rr.Code != http.StatusCreated {
		t.Fatalf("first request status = %d, want 201", rr.Code)
	}

	rr := doRequest(t, h, http.MethodPost, "/widgets", `{"name":"b"}`, headers)
	if rr.Code != http.StatusConflict {
		t.Fatalf("mismatched reuse status = %d, want 409", rr.Code)
	}

	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["type"] != string(KindIdempotencyConflict) {
		t.Fatalf("error type = %v, want %s", payload["type"], KindIdempotencyConflict)
	}
	if env.handled.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", env.handled.Load())
	}
}

func TestFailedHandlerAllowsRetry(t *testing.T) {
	routes := &staticRoutes{policies: map[string]policy.RoutePolicy{
		"POST /widgets": {
			Pattern:     "/widgets",
			Idempotency: policy.IdempotencyPolicy{Enabled: true, TTL: time.Hour},
			Active:      true,
		},
	}}
	env := newTestEnv(t, routes, permissiveRule())

	fail := true
	h := env.pipeline.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		env.handled.Add(1)
		if fail {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"w1"}`)
	}))

	headers := map[string]string{HeaderIdempotencyKey: "K1"}
	if rr := doRequest(t, h, http.MethodPost, "/widgets", `{}`, headers); rr.Code != http.StatusInternalServerError {
		t.Fatalf("failing request status = %d, want 500", rr.Code)
	}

	fail = false
	rr := doRequest(t, h, http.MethodPost, "/widgets", `{}`, headers)
	if rr.Code != http.StatusCreated {
		t.Fatalf("retry after failure status = %d, want 201", rr.Code)
	}
	if env.handled.Load() != 2 {
		t.Fatalf("handler ran %d times, want 2", env.handled.Load())
	}
}

func TestRateLimitDenialReleasesIdempotencyKey(t *testing.T) {
	rule := permissiveRule()
	rule.Limit = 1
	routes := &staticRoutes{policies: map[string]policy.RoutePolicy{
		"POST /widgets": {
			Pattern:     "/widgets",
			Idempotency: policy.IdempotencyPolicy{Enabled: true, TTL: time.Hour},
			Active:      true,
		},
	}}
	env := newTestEnv(t, routes, rule)
	h := env.pipeline.Wrap(env.handler(http.StatusCreated, `{"id":"w1"}`))

	// Exhaust the limit without an idempotency key.
	if rr := doRequest(t, h, http.MethodPost, "/widgets", `{}`, nil); rr.Code != http.StatusCreated {
		t.Fatalf("warmup status = %d, want 201", rr.Code)
	}

	headers := map[string]string{HeaderIdempotencyKey: "K1"}
	if rr := doRequest(t, h, http.MethodPost, "/widgets", `{}`, headers); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("limited request status = %d, want 429", rr.Code)
	}

	// The key must not be poisoned by the denial: once the window
	// clears, the same key should execute normally. Force the window
	// to clear by checking the stored record directly instead.
	raw, err := env.store.Get(context.Background(), "idempotency:K1")
	if err != nil {
		t.Fatalf("load idempotency record: %v", err)
	}
	if !strings.Contains(raw, `"status":"failed"`) {
		t.Fatalf("record after denial = %s, want failed status", raw)
	}
}

func TestNonceRequired(t *testing.T) {
	routes := &staticRoutes{policies: map[string]policy.RoutePolicy{
		"POST /transfers": {
			Pattern: "/transfers",
			Nonce:   policy.NoncePolicy{Required: true, TTL: time.Hour},
			Active:  true,
		},
	}}
	env := newTestEnv(t, routes, permissiveRule())
	h := env.pipeline.Wrap(env.handler(http.StatusOK, `{}`))

	rr := doRequest(t, h, http.MethodPost, "/transfers", `{}`, nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing nonce status = %d, want 401", rr.Code)
	}

	headers := map[string]string{HeaderNonce: "n-1"}
	if rr := doRequest(t, h, http.MethodPost, "/transfers", `{}`, headers); rr.Code != http.StatusOK {
		t.Fatalf("first use status = %d, want 200", rr.Code)
	}

	rr = doRequest(t, h, http.MethodPost, "/transfers", `{}`, headers)
	if rr.Code != http.StatusConflict {
		t.Fatalf("replayed nonce status = %d, want 409", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["type"] != string(KindNonceReplay) {
		t.Fatalf("error type = %v, want %s", payload["type"], KindNonceReplay)
	}
}

func TestSignatureVerification(t *testing.T) {
	routes := &staticRoutes{policies: map[string]policy.RoutePolicy{
		"POST /transfers": {
			Pattern: "/transfers",
			Nonce: policy.NoncePolicy{
				Required:         true,
				TTL:              time.Hour,
				RequireSignature: true,
			},
			Active: true,
		},
	}}
	env := newTestEnv(t, routes, permissiveRule())
	h := env.pipeline.Wrap(env.handler(http.StatusOK, `{}`))

	signer, err := nonce.NewSigner([]byte("test-secret"), time.Minute)
	if err != nil {
		t.Fatalf("nonce.NewSigner: %v", err)
	}

	body := `{"amount":10}`
	ts := time.Now().UnixMilli()

	sign := func(nonceVal string, timestampMs int64, payload string) map[string]string {
		return map[string]string{
			HeaderNonce:     nonceVal,
			HeaderTimestamp: fmt.Sprintf("%d", timestampMs),
			HeaderSignature: signer.Sign(http.MethodPost, "/transfers", nonceVal, timestampMs, []byte(payload)),
		}
	}

	if rr := doRequest(t, h, http.MethodPost, "/transfers", body, sign("n-1", ts, body)); rr.Code != http.StatusOK {
		t.Fatalf("valid signature status = %d, body = %s, want 200", rr.Code, rr.Body.String())
	}

	// Tampered body with a signature computed over the original.
	headers := sign("n-2", ts, body)
	rr := doRequest(t, h, http.MethodPost, "/transfers", `{"amount":9999}`, headers)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("tampered body status = %d, want 401", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["type"] != string(KindSignatureInvalid) {
		t.Fatalf("error type = %v, want %s", payload["type"], KindSignatureInvalid)
	}

	// Stale timestamp is rejected before the signature is examined,
	// and the nonce is not burned.
	stale := ts - (10 * time.Minute).Milliseconds()
	rr = doRequest(t, h, http.MethodPost, "/transfers", body, sign("n-3", stale, body))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("stale timestamp status = %d, want 401", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["type"] != string(KindTimestampOutOfWindow) {
		t.Fatalf("error type = %v, want %s", payload["type"], KindTimestampOutOfWindow)
	}
	if payload["retryable"] != true {
		t.Fatalf("retryable = %v, want true for stale timestamp", payload["retryable"])
	}
	fresh := time.Now().UnixMilli()
	if rr := doRequest(t, h, http.MethodPost, "/transfers", body, sign("n-3", fresh, body)); rr.Code != http.StatusOK {
		t.Fatalf("reuse of unburned nonce status = %d, want 200", rr.Code)
	}

	// Missing timestamp.
	rr = doRequest(t, h, http.MethodPost, "/transfers", body, map[string]string{HeaderNonce: "n-4"})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing timestamp status = %d, want 401", rr.Code)
	}
}

func TestRouteTimestampTolerance(t *testing.T) {
	routes := &staticRoutes{policies: map[string]policy.RoutePolicy{
		"POST /transfers": {
			Pattern: "/transfers",
			Nonce: policy.NoncePolicy{
				Required:           true,
				TTL:                time.Hour,
				RequireSignature:   true,
				TimestampTolerance: 5 * time.Second,
			},
			Active: true,
		},
		"POST /orders": {
			Pattern: "/orders",
			Nonce: policy.NoncePolicy{
				Required:         true,
				TTL:              time.Hour,
				RequireSignature: true,
			},
			Active: true,
		},
	}}
	env := newTestEnv(t, routes, permissiveRule())
	h := env.pipeline.Wrap(env.handler(http.StatusOK, `{}`))

	signer, err := nonce.NewSigner([]byte("test-secret"), time.Minute)
	if err != nil {
		t.Fatalf("nonce.NewSigner: %v", err)
	}

	body := `{"amount":10}`
	// 30s of drift: inside the signer's one-minute default, outside the
	// route's 5s tolerance.
	ts := time.Now().Add(-30 * time.Second).UnixMilli()

	sign := func(path, nonceVal string) map[string]string {
		return map[string]string{
			HeaderNonce:     nonceVal,
			HeaderTimestamp: fmt.Sprintf("%d", ts),
			HeaderSignature: signer.Sign(http.MethodPost, path, nonceVal, ts, []byte(body)),
		}
	}

	rr := doRequest(t, h, http.MethodPost, "/transfers", body, sign("/transfers", "n-1"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("tight route tolerance status = %d, want 401", rr.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["type"] != string(KindTimestampOutOfWindow) {
		t.Fatalf("error type = %v, want %s", payload["type"], KindTimestampOutOfWindow)
	}

	// A route without its own tolerance falls back to the signer default.
	if rr := doRequest(t, h, http.MethodPost, "/orders", body, sign("/orders", "n-2")); rr.Code != http.StatusOK {
		t.Fatalf("default tolerance status = %d, body = %s, want 200", rr.Code, rr.Body.String())
	}
}

func TestEventsPublished(t *testing.T) {
	env := newTestEnv(t, &staticRoutes{}, permissiveRule())
	h := env.pipeline.Wrap(env.handler(http.StatusOK, `{}`))

	doRequest(t, h, http.MethodGet, "/widgets", "", nil)
	events := env.snapshotEvents()
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	e := events[0]
	if e.Stage != StageHandler || !e.Allowed || e.Status != http.StatusOK {
		t.Fatalf("unexpected event: %+v", e)
	}
	if e.SubjectID != "subject-1" {
		t.Fatalf("event subject = %q, want subject-1", e.SubjectID)
	}
}

func TestHeaderAuthenticatorFallsBackToIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4455"

	subject, err := HeaderAuthenticator{}.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if subject.ID != "10.1.2.3" {
		t.Fatalf("subject = %q, want 10.1.2.3", subject.ID)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	subject, _ = HeaderAuthenticator{TrustProxy: true}.Authenticate(req)
	if subject.ID != "203.0.113.9" {
		t.Fatalf("subject = %q, want forwarded client", subject.ID)
	}
}

func TestNewValidation(t *testing.T) {
	env := newTestEnv(t, &staticRoutes{}, permissiveRule())
	if _, err := New(nil, &staticRoutes{}, env.pipeline.limiter, env.pipeline.idem, env.pipeline.nonces); err == nil {
		t.Fatal("expected error for nil authenticator")
	}
	if _, err := New(HeaderAuthenticator{}, nil, env.pipeline.limiter, env.pipeline.idem, env.pipeline.nonces); err == nil {
		t.Fatal("expected error for nil route source")
	}
}
