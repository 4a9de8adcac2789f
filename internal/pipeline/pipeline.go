// Package pipeline runs every request through the guard stages in a
// fixed order before it reaches the business handler: authentication,
// nonce and signature verification, idempotency claim, rate limiting,
// then the handler, then recording the handler outcome against the
// idempotency record. Rejections are translated into one structured
// JSON error shape at this boundary.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	wardenhttp "github.com/wardenhq/warden/internal/httputil"
	"github.com/wardenhq/warden/internal/idempotency"
	"github.com/wardenhq/warden/internal/nonce"
	"github.com/wardenhq/warden/internal/policy"
	"github.com/wardenhq/warden/internal/ratelimit"
)

// Request headers consumed by the pipeline.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderNonce          = "X-Nonce"
	HeaderTimestamp      = "X-Timestamp"
	HeaderSignature      = "X-Signature"
)

// headerNonceAlt is accepted as a fallback for clients that send the
// bare "nonce" header.
const headerNonceAlt = "nonce"

// DefaultMaxBodyBytes bounds how much of a request body the pipeline
// buffers for fingerprinting and signature verification.
const DefaultMaxBodyBytes = 4 << 20

// Subject identifies the authenticated caller of a request.
type Subject struct {
	ID string
}

// Authenticator resolves the calling subject. The actual credential
// scheme lives outside the pipeline.
type Authenticator interface {
	Authenticate(r *http.Request) (Subject, error)
}

// RateLimiter decides allow/deny for a subject and resource.
type RateLimiter interface {
	Check(ctx context.Context, subjectID, method, resourceKey string) (ratelimit.Decision, error)
}

// IdempotencyKeys claims and settles idempotency records.
type IdempotencyKeys interface {
	Begin(ctx context.Context, key, endpoint, method, fingerprint string, ttl time.Duration) (idempotency.BeginResult, error)
	Complete(ctx context.Context, key string, response []byte, statusCode int) error
	Fail(ctx context.Context, key string, cause error) error
}

// NonceConsumer marks request nonces used, first writer wins.
type NonceConsumer interface {
	Consume(ctx context.Context, nonce, endpoint, method, ownerID string, ttl time.Duration) error
}

// SignatureVerifier checks HMAC request signatures. tolerance bounds
// the accepted timestamp drift for this call; zero uses the verifier's
// configured default.
type SignatureVerifier interface {
	Verify(method, url, nonce string, timestampMs int64, body []byte, signature string, tolerance time.Duration) error
}

// RoutePolicySource resolves the guard policy for a route.
type RoutePolicySource interface {
	ResolveRoute(ctx context.Context, method, path string) (policy.RoutePolicy, bool, error)
}

// Event describes one pipeline decision for live streaming and analytics.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	SubjectID string    `json:"subject_id"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	// Stage names the guard that produced the decision, or "handler"
	// when the request passed every guard.
	Stage     string `json:"stage"`
	Allowed   bool   `json:"allowed"`
	Status    int    `json:"status"`
	Limit     int64  `json:"limit,omitempty"`
	Remaining int64  `json:"remaining,omitempty"`
	RuleName  string `json:"rule,omitempty"`
	// Replayed is true when a cached idempotent response was served.
	Replayed bool `json:"replayed,omitempty"`
}

// Stage names used in events.
const (
	StageAuth        = "auth"
	StageNonce       = "nonce"
	StageSignature   = "signature"
	StageIdempotency = "idempotency"
	StageRateLimit   = "rate_limit"
	StageHandler     = "handler"
)

// Pipeline wires the guards in front of a business handler.
type Pipeline struct {
	auth    Authenticator
	routes  RoutePolicySource
	limiter RateLimiter
	idem    IdempotencyKeys
	nonces  NonceConsumer
	signer  SignatureVerifier
	sink    func(Event)
	maxBody int64
	now     func() time.Time
}

// Option configures optional Pipeline behavior.
type Option func(*Pipeline)

// WithSigner enables HMAC signature verification for routes whose
// policy requires it.
func WithSigner(signer SignatureVerifier) Option {
	return func(p *Pipeline) {
		p.signer = signer
	}
}

// WithEventSink configures a callback for pipeline decision events.
func WithEventSink(sink func(Event)) Option {
	return func(p *Pipeline) {
		p.sink = sink
	}
}

// WithMaxBodyBytes overrides the body buffering cap.
func WithMaxBodyBytes(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxBody = n
		}
	}
}

// New creates a Pipeline. All four guard collaborators are required;
// the signer is optional and attached with WithSigner.
func New(auth Authenticator, routes RoutePolicySource, limiter RateLimiter, idem IdempotencyKeys, nonces NonceConsumer, opts ...Option) (*Pipeline, error) {
	if auth == nil {
		return nil, fmt.Errorf("pipeline: authenticator is required")
	}
	if routes == nil {
		return nil, fmt.Errorf("pipeline: route policy source is required")
	}
	if limiter == nil {
		return nil, fmt.Errorf("pipeline: rate limiter is required")
	}
	if idem == nil {
		return nil, fmt.Errorf("pipeline: idempotency key store is required")
	}
	if nonces == nil {
		return nil, fmt.Errorf("pipeline: nonce consumer is required")
	}

	p := &Pipeline{
		auth:    auth,
		routes:  routes,
		limiter: limiter,
		idem:    idem,
		nonces:  nonces,
		maxBody: DefaultMaxBodyBytes,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Wrap returns a handler that runs the guard stages around next.
func (p *Pipeline) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.serve(w, r, next)
	})
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	ctx := r.Context()
	method := r.Method
	path := r.URL.Path

	subject, err := p.auth.Authenticate(r)
	if err != nil {
		p.reject(w, StageAuth, subject.ID, r, unauthorized(KindUnauthorized, "authentication failed"))
		return
	}

	rp, hasPolicy, err := p.routes.ResolveRoute(ctx, method, path)
	if err != nil {
		// Policy resolution failing open disables idempotency and nonce
		// enforcement for the request; rate limiting still runs against
		// its own resolver below.
		slog.Warn("pipeline: route policy unavailable, guards skipped",
			"method", method, "path", path, "error", err)
		hasPolicy = false
	}

	idemKey := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	needIdem := hasPolicy && rp.Idempotency.AppliesTo(method) && idemKey != ""
	needNonce := hasPolicy && rp.Nonce.Required

	var body []byte
	if needIdem || needNonce {
		body, err = p.bufferBody(r)
		if err != nil {
			wardenhttp.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": "request body too large",
			})
			return
		}
	}

	if needNonce {
		if ge := p.checkNonce(ctx, r, rp.Nonce, subject, body); ge != nil {
			stage := StageNonce
			if ge.Kind == KindSignatureInvalid || ge.Kind == KindTimestampOutOfWindow {
				stage = StageSignature
			}
			p.reject(w, stage, subject.ID, r, ge)
			return
		}
	}

	// settleIdem is set once this request owns a fresh idempotency record
	// and must settle it, even when a later guard rejects the request.
	settleIdem := false
	if needIdem {
		fingerprint := idempotency.Fingerprint(method, path, body)
		res, err := p.idem.Begin(ctx, idemKey, path, method, fingerprint, rp.Idempotency.TTL)
		if err != nil {
			slog.Error("pipeline: idempotency begin failed", "key", idemKey, "error", err)
			wardenhttp.WriteJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "internal error",
			})
			return
		}

		switch res.Outcome {
		case idempotency.OutcomeConflict:
			p.reject(w, StageIdempotency, subject.ID, r, conflict(res.ConflictReason))
			return
		case idempotency.OutcomeReplay:
			p.writeReplay(w, res)
			p.publish(Event{
				Timestamp: p.now().UTC(),
				SubjectID: subject.ID,
				Method:    method,
				Path:      path,
				Stage:     StageIdempotency,
				Allowed:   true,
				Status:    res.StatusCode,
				Replayed:  true,
			})
			return
		default:
			settleIdem = !res.Degraded
		}
	}

	dec, err := p.limiter.Check(ctx, subject.ID, method, path)
	if err != nil {
		slog.Warn("pipeline: rate limit check failed, allowing request", "error", err)
		dec = ratelimit.Decision{Allowed: true, Degraded: true}
	}
	if !dec.Degraded {
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(dec.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(dec.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt.Unix(), 10))
	}
	if !dec.Allowed {
		ge := rateLimited("rate limit exceeded", dec.RetryAfter)
		if settleIdem {
			// Release the freshly claimed key so the client's retry is
			// treated as a new attempt once the limit clears.
			if ferr := p.idem.Fail(ctx, idemKey, ge); ferr != nil {
				slog.Error("pipeline: failed to release idempotency key", "key", idemKey, "error", ferr)
			}
		}
		p.rejectRateLimited(w, subject.ID, r, ge, dec)
		return
	}

	if !settleIdem {
		rec := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		p.publish(Event{
			Timestamp: p.now().UTC(),
			SubjectID: subject.ID,
			Method:    method,
			Path:      path,
			Stage:     StageHandler,
			Allowed:   true,
			Status:    rec.statusCode(),
			Limit:     dec.Limit,
			Remaining: dec.Remaining,
			RuleName:  dec.RuleName,
		})
		return
	}

	rec := &responseRecorder{ResponseWriter: w, capture: true}
	defer func() {
		if v := recover(); v != nil {
			if ferr := p.idem.Fail(ctx, idemKey, fmt.Errorf("handler panic: %v", v)); ferr != nil {
				slog.Error("pipeline: failed to mark idempotency key failed", "key", idemKey, "error", ferr)
			}
			panic(v)
		}
	}()
	next.ServeHTTP(rec, r)

	status := rec.statusCode()
	if status >= http.StatusInternalServerError {
		if ferr := p.idem.Fail(ctx, idemKey, fmt.Errorf("handler returned status %d", status)); ferr != nil {
			slog.Error("pipeline: failed to mark idempotency key failed", "key", idemKey, "error", ferr)
		}
	} else {
		payload, merr := json.Marshal(storedResponse{
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.Bytes(),
		})
		if merr != nil {
			slog.Error("pipeline: failed to encode cached response", "key", idemKey, "error", merr)
		} else if cerr := p.idem.Complete(ctx, idemKey, payload, status); cerr != nil {
			slog.Error("pipeline: failed to complete idempotency key", "key", idemKey, "error", cerr)
		}
	}

	p.publish(Event{
		Timestamp: p.now().UTC(),
		SubjectID: subject.ID,
		Method:    method,
		Path:      path,
		Stage:     StageHandler,
		Allowed:   true,
		Status:    status,
		Limit:     dec.Limit,
		Remaining: dec.Remaining,
		RuleName:  dec.RuleName,
	})
}

// checkNonce enforces the route's nonce policy: timestamp window and
// signature first, then single-use consumption. A nonce is only burned
// after the signature proves the request authentic, so an attacker
// cannot spend a victim's nonce with a forged request.
func (p *Pipeline) checkNonce(ctx context.Context, r *http.Request, np policy.NoncePolicy, subject Subject, body []byte) *GuardError {
	nonceVal := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonceVal == "" {
		nonceVal = strings.TrimSpace(r.Header.Get(headerNonceAlt))
	}
	if nonceVal == "" {
		return unauthorized(KindUnauthorized, "nonce required")
	}

	if np.RequireSignature {
		if p.signer == nil {
			slog.Error("pipeline: route requires signatures but no signer is configured",
				"method", r.Method, "path", r.URL.Path)
			return unauthorized(KindUnauthorized, "request signing is not available")
		}

		tsRaw := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
		timestampMs, perr := strconv.ParseInt(tsRaw, 10, 64)
		if perr != nil {
			return unauthorized(KindTimestampOutOfWindow, "missing or malformed request timestamp")
		}

		sig := strings.TrimSpace(r.Header.Get(HeaderSignature))
		if sig == "" {
			return unauthorized(KindSignatureInvalid, "request signature required")
		}

		verr := p.signer.Verify(r.Method, r.URL.RequestURI(), nonceVal, timestampMs, body, sig, np.TimestampTolerance)
		switch {
		case errors.Is(verr, nonce.ErrTimestampOutOfWindow):
			return unauthorized(KindTimestampOutOfWindow, "request timestamp outside the accepted window")
		case verr != nil:
			return unauthorized(KindSignatureInvalid, "request signature does not match")
		}
	}

	err := p.nonces.Consume(ctx, nonceVal, r.URL.Path, r.Method, subject.ID, np.TTL)
	switch {
	case errors.Is(err, nonce.ErrReplayed):
		return nonceReplay()
	case err != nil:
		// Fail closed: without proof of first use the request is rejected.
		slog.Warn("pipeline: nonce consumption unavailable, rejecting", "error", err)
		return unauthorized(KindUnauthorized, "nonce verification unavailable")
	}

	return nil
}

func (p *Pipeline) bufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, p.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > p.maxBody {
		return nil, fmt.Errorf("pipeline: body exceeds %d bytes", p.maxBody)
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

// storedResponse is the envelope cached against an idempotency key so a
// replay can reproduce both the body and its content type.
type storedResponse struct {
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

func (p *Pipeline) writeReplay(w http.ResponseWriter, res idempotency.BeginResult) {
	var stored storedResponse
	if err := json.Unmarshal(res.Response, &stored); err != nil {
		slog.Error("pipeline: corrupt cached response, replaying raw bytes", "error", err)
		stored = storedResponse{Body: res.Response}
	}

	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	status := res.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if _, err := w.Write(stored.Body); err != nil {
		slog.Error("pipeline: failed to write replayed response", "error", err)
	}
}

func (p *Pipeline) reject(w http.ResponseWriter, stage, subjectID string, r *http.Request, ge *GuardError) {
	p.publish(Event{
		Timestamp: p.now().UTC(),
		SubjectID: subjectID,
		Method:    r.Method,
		Path:      r.URL.Path,
		Stage:     stage,
		Allowed:   false,
		Status:    ge.Status,
	})
	writeGuardError(w, ge)
}

func (p *Pipeline) rejectRateLimited(w http.ResponseWriter, subjectID string, r *http.Request, ge *GuardError, dec ratelimit.Decision) {
	p.publish(Event{
		Timestamp: p.now().UTC(),
		SubjectID: subjectID,
		Method:    r.Method,
		Path:      r.URL.Path,
		Stage:     StageRateLimit,
		Allowed:   false,
		Status:    ge.Status,
		Limit:     dec.Limit,
		Remaining: dec.Remaining,
		RuleName:  dec.RuleName,
	})
	writeGuardError(w, ge)
}

func (p *Pipeline) publish(event Event) {
	if p.sink != nil {
		p.sink(event)
	}
}

func writeGuardError(w http.ResponseWriter, ge *GuardError) {
	body := map[string]any{
		"error":     ge.Detail,
		"type":      string(ge.Kind),
		"retryable": ge.Retryable(),
	}
	if ge.RetryAfter > 0 {
		seconds := int64((ge.RetryAfter + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		body["retry_after_seconds"] = seconds
	}
	wardenhttp.WriteJSON(w, ge.Status, body)
}

// responseRecorder observes the handler's status code and, when capture
// is set, buffers the body for idempotent replay.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	capture bool
	body    bytes.Buffer
}

func (rw *responseRecorder) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseRecorder) Write(p []byte) (int, error) {
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	if rw.capture {
		rw.body.Write(p)
	}
	return rw.ResponseWriter.Write(p)
}

func (rw *responseRecorder) statusCode() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

// HeaderAuthenticator identifies subjects by a request header, falling
// back to the client IP when the header is absent. It mirrors how the
// gateway identifies anonymous clients.
type HeaderAuthenticator struct {
	// Header holds the subject ID. Defaults to X-Subject-ID.
	Header string
	// TrustProxy enables X-Forwarded-For for the IP fallback. Only
	// enable this behind a trusted reverse proxy.
	TrustProxy bool
}

// Authenticate implements Authenticator.
func (a HeaderAuthenticator) Authenticate(r *http.Request) (Subject, error) {
	header := a.Header
	if header == "" {
		header = "X-Subject-ID"
	}
	if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
		return Subject{ID: v}, nil
	}

	return Subject{ID: a.clientIP(r)}, nil
}

func (a HeaderAuthenticator) clientIP(r *http.Request) string {
	if a.TrustProxy {
		xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
		if xff != "" {
			parts := strings.Split(xff, ",")
			if candidate := strings.TrimSpace(parts[0]); candidate != "" {
				return candidate
			}
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}

	if trimmed := strings.TrimSpace(r.RemoteAddr); trimmed != "" {
		return trimmed
	}

	return "unknown"
}
