package policy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresRepository persists guard configuration in PostgreSQL.
// Schema is managed by the migrations package.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repository over an open database handle.
func NewPostgresRepository(db *sql.DB) (*PostgresRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("policy: database connection is required")
	}
	return &PostgresRepository{db: db}, nil
}

const ruleColumns = `id, name, pattern, methods, scope, limit_value, window_ms, burst_limit, priority, active, created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (RateLimitRule, error) {
	var (
		r        RateLimitRule
		methods  pq.StringArray
		windowMs int64
	)
	err := row.Scan(&r.ID, &r.Name, &r.Pattern, &methods, &r.Scope, &r.Limit,
		&windowMs, &r.BurstLimit, &r.Priority, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RateLimitRule{}, ErrNotFound
	}
	if err != nil {
		return RateLimitRule{}, fmt.Errorf("policy: failed to scan rule: %w", err)
	}
	r.Methods = methods
	r.Window = time.Duration(windowMs) * time.Millisecond
	return r, nil
}

// CreateRule inserts a new rule.
func (r *PostgresRepository) CreateRule(ctx context.Context, rule RateLimitRule) (RateLimitRule, error) {
	if err := rule.Validate(); err != nil {
		return RateLimitRule{}, err
	}

	now := time.Now().UTC()
	rule.ID = uuid.NewString()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO rate_limit_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rule.ID, rule.Name, rule.Pattern, pq.Array(rule.Methods), rule.Scope,
		rule.Limit, rule.Window.Milliseconds(), rule.BurstLimit, rule.Priority,
		rule.Active, rule.CreatedAt, rule.UpdatedAt)
	if err != nil {
		return RateLimitRule{}, fmt.Errorf("policy: failed to insert rule: %w", err)
	}

	return rule, nil
}

// ListRules returns all rules ordered by creation time.
func (r *PostgresRepository) ListRules(ctx context.Context) ([]RateLimitRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+ruleColumns+` FROM rate_limit_rules ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to list rules: %w", err)
	}
	defer rows.Close()

	var out []RateLimitRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}

	return out, rows.Err()
}

// GetRule retrieves a rule by id.
func (r *PostgresRepository) GetRule(ctx context.Context, id string) (RateLimitRule, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+` FROM rate_limit_rules WHERE id = $1
	`, id)
	return scanRule(row)
}

// UpdateRule replaces an existing rule.
func (r *PostgresRepository) UpdateRule(ctx context.Context, id string, rule RateLimitRule) (RateLimitRule, error) {
	if err := rule.Validate(); err != nil {
		return RateLimitRule{}, err
	}

	rule.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE rate_limit_rules
		SET name = $2, pattern = $3, methods = $4, scope = $5, limit_value = $6,
		    window_ms = $7, burst_limit = $8, priority = $9, active = $10, updated_at = $11
		WHERE id = $1
	`, id, rule.Name, rule.Pattern, pq.Array(rule.Methods), rule.Scope, rule.Limit,
		rule.Window.Milliseconds(), rule.BurstLimit, rule.Priority, rule.Active, rule.UpdatedAt)
	if err != nil {
		return RateLimitRule{}, fmt.Errorf("policy: failed to update rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return RateLimitRule{}, ErrNotFound
	}

	return r.GetRule(ctx, id)
}

// DeleteRule removes a rule by id.
func (r *PostgresRepository) DeleteRule(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM rate_limit_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("policy: failed to delete rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}

const routeColumns = `id, pattern, methods, priority,
	idem_enabled, idem_ttl_ms, idem_methods,
	nonce_required, nonce_ttl_ms, nonce_require_signature, nonce_timestamp_tolerance_ms,
	active, created_at, updated_at`

func scanRoute(row interface{ Scan(...any) error }) (RoutePolicy, error) {
	var (
		rp          RoutePolicy
		methods     pq.StringArray
		idemMethods pq.StringArray
		idemTTLMs   int64
		nonceTTLMs  int64
		toleranceMs int64
	)
	err := row.Scan(&rp.ID, &rp.Pattern, &methods, &rp.Priority,
		&rp.Idempotency.Enabled, &idemTTLMs, &idemMethods,
		&rp.Nonce.Required, &nonceTTLMs, &rp.Nonce.RequireSignature, &toleranceMs,
		&rp.Active, &rp.CreatedAt, &rp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RoutePolicy{}, ErrNotFound
	}
	if err != nil {
		return RoutePolicy{}, fmt.Errorf("policy: failed to scan route policy: %w", err)
	}
	rp.Methods = methods
	rp.Idempotency.TTL = time.Duration(idemTTLMs) * time.Millisecond
	rp.Idempotency.Methods = idemMethods
	rp.Nonce.TTL = time.Duration(nonceTTLMs) * time.Millisecond
	rp.Nonce.TimestampTolerance = time.Duration(toleranceMs) * time.Millisecond
	return rp, nil
}

// CreateRoutePolicy inserts a new route policy.
func (r *PostgresRepository) CreateRoutePolicy(ctx context.Context, rp RoutePolicy) (RoutePolicy, error) {
	if err := rp.Validate(); err != nil {
		return RoutePolicy{}, err
	}

	now := time.Now().UTC()
	rp.ID = uuid.NewString()
	rp.CreatedAt = now
	rp.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO route_policies (`+routeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, rp.ID, rp.Pattern, pq.Array(rp.Methods), rp.Priority,
		rp.Idempotency.Enabled, rp.Idempotency.TTL.Milliseconds(), pq.Array(rp.Idempotency.Methods),
		rp.Nonce.Required, rp.Nonce.TTL.Milliseconds(), rp.Nonce.RequireSignature,
		rp.Nonce.TimestampTolerance.Milliseconds(),
		rp.Active, rp.CreatedAt, rp.UpdatedAt)
	if err != nil {
		return RoutePolicy{}, fmt.Errorf("policy: failed to insert route policy: %w", err)
	}

	return rp, nil
}

// ListRoutePolicies returns all route policies ordered by creation time.
func (r *PostgresRepository) ListRoutePolicies(ctx context.Context) ([]RoutePolicy, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+routeColumns+` FROM route_policies ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("policy: failed to list route policies: %w", err)
	}
	defer rows.Close()

	var out []RoutePolicy
	for rows.Next() {
		rp, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rp)
	}

	return out, rows.Err()
}

// GetRoutePolicy retrieves a route policy by id.
func (r *PostgresRepository) GetRoutePolicy(ctx context.Context, id string) (RoutePolicy, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+routeColumns+` FROM route_policies WHERE id = $1
	`, id)
	return scanRoute(row)
}

// UpdateRoutePolicy replaces an existing route policy.
func (r *PostgresRepository) UpdateRoutePolicy(ctx context.Context, id string, rp RoutePolicy) (RoutePolicy, error) {
	if err := rp.Validate(); err != nil {
		return RoutePolicy{}, err
	}

	rp.UpdatedAt = time.Now().UTC()

	res, err := r.db.ExecContext(ctx, `
		UPDATE route_policies
		SET pattern = $2, methods = $3, priority = $4,
		    idem_enabled = $5, idem_ttl_ms = $6, idem_methods = $7,
		    nonce_required = $8, nonce_ttl_ms = $9, nonce_require_signature = $10,
		    nonce_timestamp_tolerance_ms = $11, active = $12, updated_at = $13
		WHERE id = $1
	`, id, rp.Pattern, pq.Array(rp.Methods), rp.Priority,
		rp.Idempotency.Enabled, rp.Idempotency.TTL.Milliseconds(), pq.Array(rp.Idempotency.Methods),
		rp.Nonce.Required, rp.Nonce.TTL.Milliseconds(), rp.Nonce.RequireSignature,
		rp.Nonce.TimestampTolerance.Milliseconds(), rp.Active, rp.UpdatedAt)
	if err != nil {
		return RoutePolicy{}, fmt.Errorf("policy: failed to update route policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return RoutePolicy{}, ErrNotFound
	}

	return r.GetRoutePolicy(ctx, id)
}

// DeleteRoutePolicy removes a route policy by id.
func (r *PostgresRepository) DeleteRoutePolicy(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM route_policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("policy: failed to delete route policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	return nil
}
