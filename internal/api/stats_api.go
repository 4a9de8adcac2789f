package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wardenhq/warden/internal/analytics"
	wardenhttp "github.com/wardenhq/warden/internal/httputil"
)

const (
	defaultWindow = 24 * time.Hour
	defaultLimit  = 10
	maxLimit      = 100
	defaultBucket = 5 * time.Minute
	minBucket     = 1 * time.Minute
	maxBucket     = 24 * time.Hour
)

// StatsProvider exposes the analytics read models required by the stats API.
type StatsProvider interface {
	GetOverview(ctx context.Context, window time.Duration) (analytics.Overview, error)
	GetTopThrottled(ctx context.Context, window time.Duration, limit int) ([]analytics.TopThrottledSubject, error)
	GetStageBreakdown(ctx context.Context, window time.Duration) ([]analytics.StageCount, error)
	GetTimeline(ctx context.Context, window, bucket time.Duration) ([]analytics.TimelinePoint, error)
}

// StatsHandler serves analytics endpoints.
type StatsHandler struct {
	provider StatsProvider
}

// NewStatsHandler creates a stats API handler. provider may be nil when
// no analytics database is configured; endpoints then respond 503.
func NewStatsHandler(provider StatsProvider) *StatsHandler {
	return &StatsHandler{provider: provider}
}

// Router returns the stats route tree, intended to be mounted under
// /admin/stats.
func (h *StatsHandler) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/overview", h.handleOverview)
	r.Get("/top-throttled", h.handleTopThrottled)
	r.Get("/stages", h.handleStages)
	r.Get("/timeline", h.handleTimeline)
	return r
}

func (h *StatsHandler) window(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	if h.provider == nil {
		wardenhttp.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "analytics service unavailable"})
		return 0, false
	}

	window, err := parseDurationQuery(r, "window", defaultWindow)
	if err != nil {
		wardenhttp.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return 0, false
	}

	return window, true
}

func (h *StatsHandler) handleOverview(w http.ResponseWriter, r *http.Request) {
	window, ok := h.window(w, r)
	if !ok {
		return
	}

	result, err := h.provider.GetOverview(r.Context(), window)
	if err != nil {
		wardenhttp.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to fetch overview stats"})
		return
	}

	wardenhttp.WriteJSON(w, http.StatusOK, map[string]any{"data": result})
}

func (h *StatsHandler) handleTopThrottled(w http.ResponseWriter, r *http.Request) {
	window, ok := h.window(w, r)
	if !ok {
		return
	}

	limit, err := parseLimitQuery(r, defaultLimit, maxLimit)
	if err != nil {
		wardenhttp.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	result, queryErr := h.provider.GetTopThrottled(r.Context(), window, limit)
	if queryErr != nil {
		wardenhttp.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to fetch top throttled subjects"})
		return
	}

	wardenhttp.WriteJSON(w, http.StatusOK, map[string]any{"data": result})
}

func (h *StatsHandler) handleStages(w http.ResponseWriter, r *http.Request) {
	window, ok := h.window(w, r)
	if !ok {
		return
	}

	result, err := h.provider.GetStageBreakdown(r.Context(), window)
	if err != nil {
		wardenhttp.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to fetch stage breakdown"})
		return
	}

	wardenhttp.WriteJSON(w, http.StatusOK, map[string]any{"data": result})
}

func (h *StatsHandler) handleTimeline(w http.ResponseWriter, r *http.Request) {
	window, ok := h.window(w, r)
	if !ok {
		return
	}

	bucket, err := parseDurationQuery(r, "bucket", defaultBucket)
	if err != nil {
		wardenhttp.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if bucket < minBucket || bucket > maxBucket {
		wardenhttp.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": "bucket must be between 1m and 24h"})
		return
	}

	result, queryErr := h.provider.GetTimeline(r.Context(), window, bucket)
	if queryErr != nil {
		wardenhttp.WriteJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to fetch timeline stats"})
		return
	}

	wardenhttp.WriteJSON(w, http.StatusOK, map[string]any{"data": result})
}

func parseLimitQuery(r *http.Request, fallback, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, nil
	}

	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, errBadQuery("limit must be a positive integer")
	}

	if parsed > max {
		return max, nil
	}

	return parsed, nil
}

func parseDurationQuery(r *http.Request, key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}

	parsed, err := parseFlexibleDuration(raw)
	if err != nil || parsed <= 0 {
		return 0, errBadQuery(key + " must be a valid positive duration (for example: 15m, 1h, 7d)")
	}

	return parsed, nil
}

// parseFlexibleDuration accepts Go durations plus a "d" suffix for days.
func parseFlexibleDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if strings.HasSuffix(raw, "d") {
		daysRaw := strings.TrimSuffix(raw, "d")
		days, err := strconv.Atoi(daysRaw)
		if err != nil {
			return 0, err
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}

	return time.ParseDuration(raw)
}

type badQueryError struct {
	message string
}

func (e badQueryError) Error() string {
	return e.message
}

func errBadQuery(message string) error {
	return badQueryError{message: message}
}
