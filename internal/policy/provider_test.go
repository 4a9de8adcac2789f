package policy

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSource struct {
	rules     []RateLimitRule
	routes    []RoutePolicy
	err       error
	listCalls int
}

func (f *fakeSource) ListRules(_ context.Context) ([]RateLimitRule, error) {
	f.listCalls++
	return f.rules, f.err
}

func (f *fakeSource) ListRoutePolicies(_ context.Context) ([]RoutePolicy, error) {
	return f.routes, f.err
}

func defaultRule() RateLimitRule {
	return RateLimitRule{
		Name:    "default",
		Pattern: "/*",
		Scope:   ScopePerSubject,
		Limit:   100,
		Window:  time.Minute,
		Active:  true,
	}
}

func newTestProvider(t *testing.T, src Source) *Provider {
	t.Helper()

	p, err := NewProvider(src, ProviderConfig{
		CacheTTL:    time.Minute,
		DefaultRule: defaultRule(),
	})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	return p
}

func TestProviderResolvesMatchedRule(t *testing.T) {
	src := &fakeSource{rules: []RateLimitRule{
		validRule("widgets", "/widgets", 1),
	}}
	p := newTestProvider(t, src)

	rule, err := p.ResolveRule(context.Background(), "POST", "/widgets")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rule.Name != "widgets" {
		t.Fatalf("expected widgets rule, got %q", rule.Name)
	}
}

func TestProviderFallsBackToDefault(t *testing.T) {
	src := &fakeSource{}
	p := newTestProvider(t, src)

	rule, err := p.ResolveRule(context.Background(), "GET", "/anything")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rule.Name != "default" {
		t.Fatalf("expected default rule, got %q", rule.Name)
	}
}

func TestProviderIgnoresInactiveRules(t *testing.T) {
	inactive := validRule("widgets", "/widgets", 1)
	inactive.Active = false
	src := &fakeSource{rules: []RateLimitRule{inactive}}
	p := newTestProvider(t, src)

	rule, err := p.ResolveRule(context.Background(), "POST", "/widgets")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rule.Name != "default" {
		t.Fatalf("inactive rule should not match, got %q", rule.Name)
	}
}

func TestProviderCachesUntilInvalidated(t *testing.T) {
	src := &fakeSource{}
	p := newTestProvider(t, src)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := p.ResolveRule(ctx, "GET", "/x"); err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
	}
	if src.listCalls != 1 {
		t.Fatalf("expected one source read within TTL, got %d", src.listCalls)
	}

	// A configuration write invalidates explicitly.
	src.rules = []RateLimitRule{validRule("widgets", "/widgets", 1)}
	p.Invalidate()

	rule, err := p.ResolveRule(ctx, "POST", "/widgets")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if rule.Name != "widgets" {
		t.Fatalf("expected new rule after invalidate, got %q", rule.Name)
	}
	if src.listCalls != 2 {
		t.Fatalf("expected source re-read after invalidate, got %d calls", src.listCalls)
	}
}

func TestProviderExpiresCacheByTTL(t *testing.T) {
	src := &fakeSource{}
	p := newTestProvider(t, src)

	base := time.Now()
	p.now = func() time.Time { return base }

	if _, err := p.ResolveRule(context.Background(), "GET", "/x"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	p.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := p.ResolveRule(context.Background(), "GET", "/x"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	if src.listCalls != 2 {
		t.Fatalf("expected re-read after TTL, got %d calls", src.listCalls)
	}
}

func TestProviderServesStaleOnSourceError(t *testing.T) {
	src := &fakeSource{rules: []RateLimitRule{validRule("widgets", "/widgets", 1)}}
	p := newTestProvider(t, src)

	base := time.Now()
	p.now = func() time.Time { return base }

	if _, err := p.ResolveRule(context.Background(), "POST", "/widgets"); err != nil {
		t.Fatalf("initial resolve failed: %v", err)
	}

	// The source fails; the stale snapshot keeps serving.
	src.err = errors.New("connection refused")
	p.now = func() time.Time { return base.Add(2 * time.Minute) }

	rule, err := p.ResolveRule(context.Background(), "POST", "/widgets")
	if err != nil {
		t.Fatalf("expected stale snapshot to serve, got %v", err)
	}
	if rule.Name != "widgets" {
		t.Fatalf("expected widgets rule from stale snapshot, got %q", rule.Name)
	}
}

func TestProviderErrorsWithoutAnySnapshot(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	p := newTestProvider(t, src)

	if _, err := p.ResolveRule(context.Background(), "GET", "/x"); err == nil {
		t.Fatal("expected error when no snapshot has ever loaded")
	}
}

func TestProviderResolveRoute(t *testing.T) {
	src := &fakeSource{routes: []RoutePolicy{
		{
			Pattern:     "/widgets",
			Methods:     []string{"POST"},
			Idempotency: IdempotencyPolicy{Enabled: true, TTL: time.Hour},
			Active:      true,
		},
	}}
	p := newTestProvider(t, src)

	rp, ok, err := p.ResolveRoute(context.Background(), "POST", "/widgets")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !ok || !rp.Idempotency.Enabled {
		t.Fatalf("expected matched idempotent route, got ok=%v %+v", ok, rp)
	}

	if _, ok, _ := p.ResolveRoute(context.Background(), "GET", "/widgets"); ok {
		t.Fatal("method-scoped policy should not match GET")
	}
}
