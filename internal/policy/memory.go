package policy

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Repository is the full persistence surface for guard configuration:
// the Provider reads through it and the admin API writes through it.
type Repository interface {
	Source

	CreateRule(ctx context.Context, rule RateLimitRule) (RateLimitRule, error)
	GetRule(ctx context.Context, id string) (RateLimitRule, error)
	UpdateRule(ctx context.Context, id string, rule RateLimitRule) (RateLimitRule, error)
	DeleteRule(ctx context.Context, id string) error

	CreateRoutePolicy(ctx context.Context, rp RoutePolicy) (RoutePolicy, error)
	GetRoutePolicy(ctx context.Context, id string) (RoutePolicy, error)
	UpdateRoutePolicy(ctx context.Context, id string, rp RoutePolicy) (RoutePolicy, error)
	DeleteRoutePolicy(ctx context.Context, id string) error
}

// InMemoryRepository is a thread-safe in-memory implementation of
// Repository, used in tests and single-node development mode.
type InMemoryRepository struct {
	mu     sync.RWMutex
	rules  map[string]RateLimitRule
	routes map[string]RoutePolicy
}

// NewInMemoryRepository creates a new in-memory repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		rules:  make(map[string]RateLimitRule),
		routes: make(map[string]RoutePolicy),
	}
}

// CreateRule stores a new rule under a generated id.
func (r *InMemoryRepository) CreateRule(_ context.Context, rule RateLimitRule) (RateLimitRule, error) {
	if err := rule.Validate(); err != nil {
		return RateLimitRule{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	rule.ID = uuid.NewString()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	r.rules[rule.ID] = rule

	return rule, nil
}

// ListRules returns all stored rules sorted by creation time then id.
func (r *InMemoryRepository) ListRules(_ context.Context) ([]RateLimitRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RateLimitRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

// GetRule retrieves a rule by id.
func (r *InMemoryRepository) GetRule(_ context.Context, id string) (RateLimitRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.rules[id]
	if !ok {
		return RateLimitRule{}, ErrNotFound
	}

	return rule, nil
}

// UpdateRule replaces an existing rule, preserving id and creation time.
func (r *InMemoryRepository) UpdateRule(_ context.Context, id string, rule RateLimitRule) (RateLimitRule, error) {
	if err := rule.Validate(); err != nil {
		return RateLimitRule{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.rules[id]
	if !ok {
		return RateLimitRule{}, ErrNotFound
	}

	rule.ID = existing.ID
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	r.rules[id] = rule

	return rule, nil
}

// DeleteRule removes a rule by id.
func (r *InMemoryRepository) DeleteRule(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rules[id]; !ok {
		return ErrNotFound
	}
	delete(r.rules, id)

	return nil
}

// CreateRoutePolicy stores a new route policy under a generated id.
func (r *InMemoryRepository) CreateRoutePolicy(_ context.Context, rp RoutePolicy) (RoutePolicy, error) {
	if err := rp.Validate(); err != nil {
		return RoutePolicy{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	rp.ID = uuid.NewString()
	rp.CreatedAt = now
	rp.UpdatedAt = now
	r.routes[rp.ID] = rp

	return rp, nil
}

// ListRoutePolicies returns all stored route policies sorted by creation
// time then id.
func (r *InMemoryRepository) ListRoutePolicies(_ context.Context) ([]RoutePolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RoutePolicy, 0, len(r.routes))
	for _, rp := range r.routes {
		out = append(out, rp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out, nil
}

// GetRoutePolicy retrieves a route policy by id.
func (r *InMemoryRepository) GetRoutePolicy(_ context.Context, id string) (RoutePolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rp, ok := r.routes[id]
	if !ok {
		return RoutePolicy{}, ErrNotFound
	}

	return rp, nil
}

// UpdateRoutePolicy replaces an existing route policy, preserving id and
// creation time.
func (r *InMemoryRepository) UpdateRoutePolicy(_ context.Context, id string, rp RoutePolicy) (RoutePolicy, error) {
	if err := rp.Validate(); err != nil {
		return RoutePolicy{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.routes[id]
	if !ok {
		return RoutePolicy{}, ErrNotFound
	}

	rp.ID = existing.ID
	rp.CreatedAt = existing.CreatedAt
	rp.UpdatedAt = time.Now().UTC()
	r.routes[id] = rp

	return rp, nil
}

// DeleteRoutePolicy removes a route policy by id.
func (r *InMemoryRepository) DeleteRoutePolicy(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.routes[id]; !ok {
		return ErrNotFound
	}
	delete(r.routes, id)

	return nil
}
