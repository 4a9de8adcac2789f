// Package api provides the administrative HTTP API: rule and route
// policy management, analytics queries, and the live guard event stream.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	wardenhttp "github.com/wardenhq/warden/internal/httputil"
	"github.com/wardenhq/warden/internal/policy"
)

// AdminAPI serves CRUD endpoints for rate limit rules and route policies.
// Writes invalidate the policy provider's cache so changes take effect
// without waiting for the cache TTL.
type AdminAPI struct {
	repo       policy.Repository
	token      string
	invalidate func()
}

// NewAdminAPI creates the admin API. token guards every endpoint via
// bearer auth; an empty token disables auth and should only be used in
// development. invalidate may be nil.
func NewAdminAPI(repo policy.Repository, token string, invalidate func()) (*AdminAPI, error) {
	if repo == nil {
		return nil, fmt.Errorf("api: policy repository is required")
	}

	return &AdminAPI{repo: repo, token: token, invalidate: invalidate}, nil
}

// Router returns the admin route tree, intended to be mounted under /admin.
func (a *AdminAPI) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(a.requireToken)

	r.Route("/rules", func(r chi.Router) {
		r.Get("/", a.listRules)
		r.Post("/", a.createRule)
		r.Get("/{id}", a.getRule)
		r.Put("/{id}", a.updateRule)
		r.Delete("/{id}", a.deleteRule)
	})

	r.Route("/policies", func(r chi.Router) {
		r.Get("/", a.listRoutePolicies)
		r.Post("/", a.createRoutePolicy)
		r.Get("/{id}", a.getRoutePolicy)
		r.Put("/{id}", a.updateRoutePolicy)
		r.Delete("/{id}", a.deleteRoutePolicy)
	})

	return r
}

// RequireToken is the bearer-token middleware guarding the admin tree,
// exported so sibling admin surfaces (stats, stream) can share it.
func (a *AdminAPI) RequireToken(next http.Handler) http.Handler {
	return a.requireToken(next)
}

func (a *AdminAPI) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.token != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != a.token {
				wardenhttp.WriteJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid admin token"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *AdminAPI) changed() {
	if a.invalidate != nil {
		a.invalidate()
	}
}

// RuleRequest is the payload for rule create/update operations.
type RuleRequest struct {
	Name          string   `json:"name"`
	Pattern       string   `json:"pattern"`
	Methods       []string `json:"methods,omitempty"`
	Scope         string   `json:"scope,omitempty"`
	Limit         int64    `json:"limit"`
	WindowSeconds int64    `json:"window_seconds"`
	BurstLimit    int64    `json:"burst_limit,omitempty"`
	Priority      int      `json:"priority"`
	Active        *bool    `json:"active,omitempty"`
}

// RuleView is the API representation of a stored rule.
type RuleView struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Pattern       string    `json:"pattern"`
	Methods       []string  `json:"methods,omitempty"`
	Scope         string    `json:"scope"`
	Limit         int64     `json:"limit"`
	WindowSeconds int64     `json:"window_seconds"`
	BurstLimit    int64     `json:"burst_limit,omitempty"`
	Priority      int       `json:"priority"`
	Active        bool      `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func ruleView(rule policy.RateLimitRule) RuleView {
	return RuleView{
		ID:            rule.ID,
		Name:          rule.Name,
		Pattern:       rule.Pattern,
		Methods:       rule.Methods,
		Scope:         string(rule.Scope),
		Limit:         rule.Limit,
		WindowSeconds: int64(rule.Window / time.Second),
		BurstLimit:    rule.BurstLimit,
		Priority:      rule.Priority,
		Active:        rule.Active,
		CreatedAt:     rule.CreatedAt,
		UpdatedAt:     rule.UpdatedAt,
	}
}

func (a *AdminAPI) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := a.repo.ListRules(r.Context())
	if err != nil {
		wardenhttp.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list rules"})
		return
	}

	views := make([]RuleView, 0, len(rules))
	for _, rule := range rules {
		views = append(views, ruleView(rule))
	}

	wardenhttp.WriteJSON(w, http.StatusOK, map[string]any{"data": views})
}

func (a *AdminAPI) createRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := a.decodeRule(w, r)
	if !ok {
		return
	}

	created, err := a.repo.CreateRule(r.Context(), rule)
	if err != nil {
		wardenhttp.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create rule"})
		return
	}

	a.changed()
	wardenhttp.WriteJSON(w, http.StatusCreated, map[string]any{"data": ruleView(created)})
}

func (a *AdminAPI) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := a.repo.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeRepoError(w, err, "rule")
		return
	}

	wardenhttp.WriteJSON(w, http.StatusOK, map[string]any{"data": ruleView(rule)})
}

func (a *AdminAPI) updateRule(w http.ResponseWriter, r *http.Request) {
	rule, ok := a.decodeRule(w, r)
	if !ok {
		return
	}

	updated, err := a.repo.UpdateRule(r.Context(), chi.URLParam(r, "id"), rule)
	if err != nil {
		a.writeRepoError(w, err, "rule")
		return
	}

	a.changed()
	wardenhttp.WriteJSON(w, http.StatusOK, map[string]any{"data": ruleView(updated)})
}

func (a *AdminAPI) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := a.repo.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeRepoError(w, err, "rule")
		return
	}

	a.changed()
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) decodeRule(w http.ResponseWriter, r *http.Request) (policy.RateLimitRule, bool) {
	var req RuleRequest
	if err := decodeJSON(r, &req); err != nil {
		wardenhttp.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return policy.RateLimitRule{}, false
	}

	rule, err := buildRule(req)
	if err != nil {
		wardenhttp.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return policy.RateLimitRule{}, false
	}

	return rule, true
}

func buildRule(req RuleRequest) (policy.RateLimitRule, error) {
	methods, err := normalizeMethods(req.Methods)
	if err != nil {
		return policy.RateLimitRule{}, err
	}

	scope := policy.Scope(strings.ToLower(strings.TrimSpace(req.Scope)))
	if scope == "" {
		scope = policy.ScopePerSubject
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	rule := policy.RateLimitRule{
		Name:       strings.TrimSpace(req.Name),
		Pattern:    strings.TrimSpace(req.Pattern),
		Methods:    methods,
		Scope:      scope,
		Limit:      req.Limit,
		Window:     time.Duration(req.WindowSeconds) * time.Second,
		BurstLimit: req.BurstLimit,
		Priority:   req.Priority,
		Active:     active,
	}

	if err := rule.Validate(); err != nil {
		return policy.RateLimitRule{}, err
	}

	return rule, nil
}

// RoutePolicyRequest is the payload for route policy create/update operations.
type RoutePolicyRequest struct {
	Pattern     string                   `json:"pattern"`
	Methods     []string                 `json:"methods,omitempty"`
	Priority    int                      `json:"priority"`
	Idempotency IdempotencyPolicyRequest `json:"idempotency"`
	Nonce       NoncePolicyRequest       `json:"nonce"`
	Active      *bool                    `json:"active,omitempty"`
}

// IdempotencyPolicyRequest configures idempotency handling for a route.
type IdempotencyPolicyRequest struct {
	Enabled    bool     `json:"enabled"`
	TTLSeconds int64    `json:"ttl_seconds,omitempty"`
	Methods    []string `json:"methods,omitempty"`
}

// NoncePolicyRequest configures nonce and signature handling for a route.
type NoncePolicyRequest struct {
	Required                  bool  `json:"required"`
	TTLSeconds                int64 `json:"ttl_seconds,omitempty"`
	RequireSignature          bool  `json:"require_signature,omitempty"`
	TimestampToleranceSeconds int64 `json:"timestamp_tolerance_seconds,omitempty"`
}

// RoutePolicyView is the API representation of a stored route policy.
type RoutePolicyView struct {
	ID          string                   `json:"id"`
	Pattern     string                   `json:"pattern"`
	Methods     []string                 `json:"methods,omitempty"`
	Priority    int                      `json:"priority"`
	Idempotency IdempotencyPolicyRequest `json:"idempotency"`
	Nonce       NoncePolicyRequest       `json:"nonce"`
	Active      bool                     `json:"active"`
	CreatedAt   time.Time                `json:"created_at"`
	UpdatedAt   time.Time                `json:"updated_at"`
}

func routePolicyView(rp policy.RoutePolicy) RoutePolicyView {
	return RoutePolicyView{
		ID:       rp.ID,
		Pattern:  rp.Pattern,
		Methods:  rp.Methods,
		Priority: rp.Priority,
		Idempotency: IdempotencyPolicyRequest{
			Enabled:    rp.Idempotency.Enabled,
			TTLSeconds: int64(rp.Idempotency.TTL / time.Second),
			Methods:    rp.Idempotency.Methods,
		},
		Nonce: NoncePolicyRequest{
			Required:                  rp.Nonce.Required,
			TTLSeconds:                int64(rp.Nonce.TTL / time.Second),
			RequireSignature:          rp.Nonce.RequireSignature,
			TimestampToleranceSeconds: int64(rp.Nonce.TimestampTolerance / time.Second),
		},
		Active:    rp.Active,
		CreatedAt: rp.CreatedAt,
		UpdatedAt: rp.UpdatedAt,
	}
}

func (a *AdminAPI) listRoutePolicies(w http.ResponseWriter, r *http.Request) {
	policies, err := a.repo.ListRoutePolicies(r.Context())
	if err != nil {
		wardenhttp.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list route policies"})
		return
	}

	views := make([]RoutePolicyView, 0, len(policies))
	for _, rp := range policies {
		views = append(views, routePolicyView(rp))
	}

	wardenhttp.WriteJSON(w, http.StatusOK, map[string]any{"data": views})
}

func (a *AdminAPI) createRoutePolicy(w http.ResponseWriter, r *http.Request) {
	rp, ok := a.decodeRoutePolicy(w, r)
	if !ok {
		return
	}

	created, err := a.repo.CreateRoutePolicy(r.Context(), rp)
	if err != nil {
		wardenhttp.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create route policy"})
		return
	}

	a.changed()
	wardenhttp.WriteJSON(w, http.StatusCreated, map[string]any{"data": routePolicyView(created)})
}

func (a *AdminAPI) getRoutePolicy(w http.ResponseWriter, r *http.Request) {
	rp, err := a.repo.GetRoutePolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeRepoError(w, err, "route policy")
		return
	}

	wardenhttp.WriteJSON(w, http.StatusOK, map[string]any{"data": routePolicyView(rp)})
}

func (a *AdminAPI) updateRoutePolicy(w http.ResponseWriter, r *http.Request) {
	rp, ok := a.decodeRoutePolicy(w, r)
	if !ok {
		return
	}

	updated, err := a.repo.UpdateRoutePolicy(r.Context(), chi.URLParam(r, "id"), rp)
	if err != nil {
		a.writeRepoError(w, err, "route policy")
		return
	}

	a.changed()
	wardenhttp.WriteJSON(w, http.StatusOK, map[string]any{"data": routePolicyView(updated)})
}

func (a *AdminAPI) deleteRoutePolicy(w http.ResponseWriter, r *http.Request) {
	if err := a.repo.DeleteRoutePolicy(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeRepoError(w, err, "route policy")
		return
	}

	a.changed()
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) decodeRoutePolicy(w http.ResponseWriter, r *http.Request) (policy.RoutePolicy, bool) {
	var req RoutePolicyRequest
	if err := decodeJSON(r, &req); err != nil {
		wardenhttp.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return policy.RoutePolicy{}, false
	}

	rp, err := buildRoutePolicy(req)
	if err != nil {
		wardenhttp.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return policy.RoutePolicy{}, false
	}

	return rp, true
}

func buildRoutePolicy(req RoutePolicyRequest) (policy.RoutePolicy, error) {
	methods, err := normalizeMethods(req.Methods)
	if err != nil {
		return policy.RoutePolicy{}, err
	}

	idemMethods, err := normalizeMethods(req.Idempotency.Methods)
	if err != nil {
		return policy.RoutePolicy{}, err
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	rp := policy.RoutePolicy{
		Pattern:  strings.TrimSpace(req.Pattern),
		Methods:  methods,
		Priority: req.Priority,
		Idempotency: policy.IdempotencyPolicy{
			Enabled: req.Idempotency.Enabled,
			TTL:     time.Duration(req.Idempotency.TTLSeconds) * time.Second,
			Methods: idemMethods,
		},
		Nonce: policy.NoncePolicy{
			Required:           req.Nonce.Required,
			TTL:                time.Duration(req.Nonce.TTLSeconds) * time.Second,
			RequireSignature:   req.Nonce.RequireSignature,
			TimestampTolerance: time.Duration(req.Nonce.TimestampToleranceSeconds) * time.Second,
		},
		Active: active,
	}

	if err := rp.Validate(); err != nil {
		return policy.RoutePolicy{}, err
	}

	return rp, nil
}

func (a *AdminAPI) writeRepoError(w http.ResponseWriter, err error, kind string) {
	if errors.Is(err, policy.ErrNotFound) {
		wardenhttp.WriteJSON(w, http.StatusNotFound, map[string]string{"error": kind + " not found"})
		return
	}
	wardenhttp.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to access " + kind})
}

func normalizeMethods(methods []string) ([]string, error) {
	if len(methods) == 0 {
		return nil, nil
	}

	out := make([]string, 0, len(methods))
	seen := make(map[string]bool, len(methods))
	for _, method := range methods {
		m := strings.ToUpper(strings.TrimSpace(method))
		if m == "" {
			return nil, fmt.Errorf("methods cannot contain empty values")
		}
		if !isValidHTTPMethod(m) {
			return nil, fmt.Errorf("invalid HTTP method %q", m)
		}
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}

	return out, nil
}

func isValidHTTPMethod(method string) bool {
	switch method {
	case http.MethodGet,
		http.MethodHead,
		http.MethodPost,
		http.MethodPut,
		http.MethodPatch,
		http.MethodDelete,
		http.MethodConnect,
		http.MethodOptions,
		http.MethodTrace:
		return true
	default:
		return false
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := dec.Decode(&struct{}{}); err == nil {
		return fmt.Errorf("request body must contain a single JSON object")
	} else if !errors.Is(err, io.EOF) {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}
