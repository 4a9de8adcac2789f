// Package ratelimit implements the sliding-window rate limiter with a
// short-horizon burst cap, backed by the shared store's atomic window
// check and configured through the policy provider.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/wardenhq/warden/internal/policy"
	"github.com/wardenhq/warden/internal/storage"
)

// DefaultBurstWindow is the fixed short horizon over which burst limits
// are enforced.
const DefaultBurstWindow = 5 * time.Second

// Decision is the outcome of a rate limit check.
type Decision struct {
	// Allowed indicates whether the request should be permitted.
	Allowed bool
	// Limit is the main window limit of the applied rule.
	Limit int64
	// Remaining is how many requests are still allowed in the window.
	Remaining int64
	// ResetAt is when the current window frees its oldest slot.
	ResetAt time.Time
	// RetryAfter is how long a denied caller should wait. Zero when allowed.
	RetryAfter time.Duration
	// RuleName identifies the rule that produced the decision.
	RuleName string
	// Degraded is true when the store was unreachable and the check
	// failed open.
	Degraded bool
}

// Sample describes one rate limit decision for analytics consumers.
type Sample struct {
	Timestamp time.Time
	SubjectID string
	Resource  string
	Method    string
	RuleName  string
	Allowed   bool
	Limit     int64
	Remaining int64
}

// PolicyResolver supplies the rule to apply for a request.
type PolicyResolver interface {
	ResolveRule(ctx context.Context, method, path string) (policy.RateLimitRule, error)
}

// Config controls limiter behavior.
type Config struct {
	// BurstWindow overrides the fixed burst horizon. Defaults to
	// DefaultBurstWindow.
	BurstWindow time.Duration
	// SampleSink receives a usage sample per completed check. Optional.
	SampleSink func(Sample)
}

// Limiter decides allow/deny for a (subject, resource) pair.
//
// Failure policy: if the store is unreachable the limiter fails open.
// Degradation events are logged, with log volume bounded so an outage
// does not flood the log.
type Limiter struct {
	store       storage.Store
	policies    PolicyResolver
	burstWindow time.Duration
	sink        func(Sample)
	now         func() time.Time
	degradedLog *rate.Limiter
}

// New creates a limiter over the given store and policy resolver.
func New(store storage.Store, policies PolicyResolver, cfg Config) (*Limiter, error) {
	if store == nil {
		return nil, fmt.Errorf("ratelimit: store is required")
	}
	if policies == nil {
		return nil, fmt.Errorf("ratelimit: policy resolver is required")
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = DefaultBurstWindow
	}

	return &Limiter{
		store:       store,
		policies:    policies,
		burstWindow: cfg.BurstWindow,
		sink:        cfg.SampleSink,
		now:         time.Now,
		degradedLog: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}, nil
}

// Check decides whether the subject may access the resource now.
// The returned error is reserved for caller misuse; store and policy
// failures degrade to an allowed, Degraded decision instead.
func (l *Limiter) Check(ctx context.Context, subjectID, method, resourceKey string) (Decision, error) {
	if resourceKey == "" {
		return Decision{}, fmt.Errorf("ratelimit: resource key is required")
	}

	now := l.now()

	rule, err := l.policies.ResolveRule(ctx, method, resourceKey)
	if err != nil {
		l.logDegraded("policy resolution failed", subjectID, resourceKey, err)
		return Decision{Allowed: true, Degraded: true}, nil
	}

	key := windowKey(rule, subjectID, resourceKey)
	res, err := l.store.CheckSlidingWindow(ctx, storage.WindowArgs{
		Key:         key,
		BurstKey:    key + ":burst",
		Limit:       rule.Limit,
		BurstLimit:  rule.BurstLimit,
		Window:      rule.Window,
		BurstWindow: l.burstWindow,
		Now:         now,
	})
	if err != nil {
		l.logDegraded("store unreachable, failing open", subjectID, resourceKey, err)
		return Decision{Allowed: true, Degraded: true, RuleName: rule.Name, Limit: rule.Limit}, nil
	}

	d := Decision{
		Allowed:  res.Allowed,
		Limit:    rule.Limit,
		RuleName: rule.Name,
	}

	d.Remaining = rule.Limit - res.Count
	if d.Remaining < 0 {
		d.Remaining = 0
	}

	if !res.OldestAt.IsZero() {
		d.ResetAt = res.OldestAt.Add(rule.Window)
	} else {
		d.ResetAt = now.Add(rule.Window)
	}

	if !res.Allowed {
		if res.BurstExceeded {
			d.RetryAfter = l.burstWindow
		} else {
			d.RetryAfter = d.ResetAt.Sub(now)
			if d.RetryAfter < 0 {
				d.RetryAfter = 0
			}
		}
	}

	if l.sink != nil {
		l.sink(Sample{
			Timestamp: now.UTC(),
			SubjectID: subjectID,
			Resource:  resourceKey,
			Method:    method,
			RuleName:  rule.Name,
			Allowed:   d.Allowed,
			Limit:     d.Limit,
			Remaining: d.Remaining,
		})
	}

	return d, nil
}

// windowKey builds the store key for a rule's window. Global-scope rules
// share one window per resource; subject-scope rules get one per subject.
func windowKey(rule policy.RateLimitRule, subjectID, resourceKey string) string {
	if rule.Scope == policy.ScopeGlobal {
		return fmt.Sprintf("ratelimit:global:%s", resourceKey)
	}
	return fmt.Sprintf("ratelimit:subject:%s:%s", subjectID, resourceKey)
}

// logDegraded records a degradation event, rate limited so a sustained
// outage does not flood the log with one line per request.
func (l *Limiter) logDegraded(msg, subjectID, resourceKey string, err error) {
	if !l.degradedLog.Allow() {
		return
	}
	slog.Warn("ratelimit: "+msg,
		"subject", subjectID,
		"resource", resourceKey,
		"error", err,
	)
}
