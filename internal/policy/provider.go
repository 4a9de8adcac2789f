package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultCacheTTL bounds how long a configuration snapshot is served
// before being re-read from the source.
const DefaultCacheTTL = 5 * time.Second

// Source supplies durable guard configuration. Implementations are the
// Postgres repository and the in-memory repository.
type Source interface {
	ListRules(ctx context.Context) ([]RateLimitRule, error)
	ListRoutePolicies(ctx context.Context) ([]RoutePolicy, error)
}

// ProviderConfig controls Provider behavior.
type ProviderConfig struct {
	// CacheTTL is how long a loaded snapshot stays fresh.
	CacheTTL time.Duration
	// DefaultRule is applied when no stored rule matches a request.
	DefaultRule RateLimitRule
}

// Provider resolves guard configuration for requests. Snapshots of the
// source are cached with a short TTL to bound load on the configuration
// store; configuration writes call Invalidate rather than waiting for
// the TTL to lapse.
type Provider struct {
	source      Source
	ttl         time.Duration
	defaultRule RateLimitRule
	now         func() time.Time

	mu   sync.RWMutex
	snap *snapshot
}

type snapshot struct {
	rules        []RateLimitRule
	ruleEntries  []compiledEntry
	routes       []RoutePolicy
	routeEntries []compiledEntry
	loadedAt     time.Time
}

// NewProvider creates a provider over the given configuration source.
func NewProvider(source Source, cfg ProviderConfig) (*Provider, error) {
	if source == nil {
		return nil, fmt.Errorf("policy: source is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if err := cfg.DefaultRule.Validate(); err != nil {
		return nil, fmt.Errorf("policy: invalid default rule: %w", err)
	}

	return &Provider{
		source:      source,
		ttl:         cfg.CacheTTL,
		defaultRule: cfg.DefaultRule,
		now:         time.Now,
	}, nil
}

// ResolveRule returns the highest-priority active rule matching the request,
// falling back to the configured default rule when nothing matches.
func (p *Provider) ResolveRule(ctx context.Context, method, path string) (RateLimitRule, error) {
	snap, err := p.current(ctx)
	if err != nil {
		return RateLimitRule{}, err
	}

	if idx, ok := matchEntry(snap.ruleEntries, method, path); ok {
		return snap.rules[idx], nil
	}

	return p.defaultRule, nil
}

// ResolveRoute returns the active route policy matching the request.
// The boolean is false when no policy matches.
func (p *Provider) ResolveRoute(ctx context.Context, method, path string) (RoutePolicy, bool, error) {
	snap, err := p.current(ctx)
	if err != nil {
		return RoutePolicy{}, false, err
	}

	if idx, ok := matchEntry(snap.routeEntries, method, path); ok {
		return snap.routes[idx], true, nil
	}

	return RoutePolicy{}, false, nil
}

// Invalidate discards the cached snapshot so the next resolution re-reads
// the source. Configuration writers call this after every mutation.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.snap = nil
	p.mu.Unlock()
}

// current returns a fresh snapshot, reloading from the source when the
// cached one is stale or absent. On reload failure a stale snapshot is
// served rather than rejecting requests the configuration cannot reach.
func (p *Provider) current(ctx context.Context) (*snapshot, error) {
	p.mu.RLock()
	snap := p.snap
	p.mu.RUnlock()

	if snap != nil && p.now().Sub(snap.loadedAt) < p.ttl {
		return snap, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another goroutine may have refreshed while we waited for the lock.
	if p.snap != nil && p.now().Sub(p.snap.loadedAt) < p.ttl {
		return p.snap, nil
	}

	fresh, err := p.load(ctx)
	if err != nil {
		if p.snap != nil {
			slog.Warn("policy: refresh failed, serving stale snapshot", "error", err)
			return p.snap, nil
		}
		return nil, err
	}

	p.snap = fresh

	return fresh, nil
}

// load reads and compiles the full configuration set.
func (p *Provider) load(ctx context.Context) (*snapshot, error) {
	allRules, err := p.source.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to list rules: %w", err)
	}

	allRoutes, err := p.source.ListRoutePolicies(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to list route policies: %w", err)
	}

	rules := make([]RateLimitRule, 0, len(allRules))
	ruleSpecs := make([]patternSpec, 0, len(allRules))
	for _, r := range allRules {
		if !r.Active {
			continue
		}
		rules = append(rules, r)
		ruleSpecs = append(ruleSpecs, patternSpec{Pattern: r.Pattern, Methods: r.Methods, Priority: r.Priority})
	}

	routes := make([]RoutePolicy, 0, len(allRoutes))
	routeSpecs := make([]patternSpec, 0, len(allRoutes))
	for _, rp := range allRoutes {
		if !rp.Active {
			continue
		}
		routes = append(routes, rp)
		routeSpecs = append(routeSpecs, patternSpec{Pattern: rp.Pattern, Methods: rp.Methods, Priority: rp.Priority})
	}

	ruleEntries, err := compileEntries(ruleSpecs)
	if err != nil {
		return nil, err
	}
	routeEntries, err := compileEntries(routeSpecs)
	if err != nil {
		return nil, err
	}

	return &snapshot{
		rules:        rules,
		ruleEntries:  ruleEntries,
		routes:       routes,
		routeEntries: routeEntries,
		loadedAt:     p.now(),
	}, nil
}
