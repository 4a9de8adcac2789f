package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Overview summarizes traffic and guard decisions over a time window.
type Overview struct {
	WindowSeconds    int64   `json:"window_seconds"`
	TotalRequests    int64   `json:"total_requests"`
	AllowedRequests  int64   `json:"allowed_requests"`
	RejectedRequests int64   `json:"rejected_requests"`
	ReplayedRequests int64   `json:"replayed_requests"`
	UniqueSubjects   int64   `json:"unique_subjects"`
	RejectRate       float64 `json:"reject_rate"`
}

// TopThrottledSubject is a subject with the highest rejection count.
type TopThrottledSubject struct {
	SubjectID     string `json:"subject_id"`
	RejectedCount int64  `json:"rejected_count"`
}

// StageCount is the number of rejections a single guard stage produced.
type StageCount struct {
	Stage    string `json:"stage"`
	Rejected int64  `json:"rejected"`
}

// TimelinePoint is a single bucket in an analytics timeline series.
type TimelinePoint struct {
	BucketStart time.Time `json:"bucket_start"`
	Allowed     int64     `json:"allowed"`
	Rejected    int64     `json:"rejected"`
	Total       int64     `json:"total"`
}

// QueryService provides read-only analytics queries backed by PostgreSQL.
type QueryService struct {
	db *sql.DB
}

// NewQueryService constructs an analytics query service.
func NewQueryService(db *sql.DB) (*QueryService, error) {
	if db == nil {
		return nil, fmt.Errorf("analytics: query service requires database connection")
	}

	return &QueryService{db: db}, nil
}

// GetOverview returns top-level traffic metrics for a time window.
func (s *QueryService) GetOverview(ctx context.Context, window time.Duration) (Overview, error) {
	if window <= 0 {
		return Overview{}, fmt.Errorf("analytics: window must be greater than zero")
	}

	since := time.Now().Add(-window)

	var out Overview
	out.WindowSeconds = int64(window.Seconds())

	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) AS total_requests,
			COALESCE(SUM(CASE WHEN allowed THEN 1 ELSE 0 END), 0) AS allowed_requests,
			COALESCE(SUM(CASE WHEN NOT allowed THEN 1 ELSE 0 END), 0) AS rejected_requests,
			COALESCE(SUM(CASE WHEN replayed THEN 1 ELSE 0 END), 0) AS replayed_requests,
			COUNT(DISTINCT subject_id) AS unique_subjects
		FROM guard_events
		WHERE timestamp >= $1
	`, since).Scan(
		&out.TotalRequests,
		&out.AllowedRequests,
		&out.RejectedRequests,
		&out.ReplayedRequests,
		&out.UniqueSubjects,
	)
	if err != nil {
		return Overview{}, fmt.Errorf("analytics: overview query failed: %w", err)
	}

	if out.TotalRequests > 0 {
		out.RejectRate = float64(out.RejectedRequests) / float64(out.TotalRequests)
	}

	return out, nil
}

// GetTopThrottled returns subjects with the highest rejection counts.
func (s *QueryService) GetTopThrottled(ctx context.Context, window time.Duration, limit int) ([]TopThrottledSubject, error) {
	if window <= 0 {
		return nil, fmt.Errorf("analytics: window must be greater than zero")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("analytics: limit must be greater than zero")
	}

	since := time.Now().Add(-window)

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			subject_id,
			COUNT(*) AS rejected_count
		FROM guard_events
		WHERE allowed = FALSE AND timestamp >= $1
		GROUP BY subject_id
		ORDER BY rejected_count DESC, subject_id ASC
		LIMIT $2
	`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("analytics: top-throttled query failed: %w", err)
	}
	defer rows.Close()

	out := make([]TopThrottledSubject, 0, limit)
	for rows.Next() {
		var item TopThrottledSubject
		if scanErr := rows.Scan(&item.SubjectID, &item.RejectedCount); scanErr != nil {
			return nil, fmt.Errorf("analytics: failed scanning top-throttled row: %w", scanErr)
		}
		out = append(out, item)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("analytics: top-throttled rows iteration failed: %w", rowsErr)
	}

	return out, nil
}

// GetStageBreakdown returns rejection counts grouped by guard stage.
func (s *QueryService) GetStageBreakdown(ctx context.Context, window time.Duration) ([]StageCount, error) {
	if window <= 0 {
		return nil, fmt.Errorf("analytics: window must be greater than zero")
	}

	since := time.Now().Add(-window)

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			stage,
			COUNT(*) AS rejected
		FROM guard_events
		WHERE allowed = FALSE AND timestamp >= $1
		GROUP BY stage
		ORDER BY rejected DESC, stage ASC
	`, since)
	if err != nil {
		return nil, fmt.Errorf("analytics: stage breakdown query failed: %w", err)
	}
	defer rows.Close()

	out := make([]StageCount, 0)
	for rows.Next() {
		var item StageCount
		if scanErr := rows.Scan(&item.Stage, &item.Rejected); scanErr != nil {
			return nil, fmt.Errorf("analytics: failed scanning stage breakdown row: %w", scanErr)
		}
		out = append(out, item)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("analytics: stage breakdown rows iteration failed: %w", rowsErr)
	}

	return out, nil
}

// GetTimeline returns allowed/rejected request counts bucketed by interval.
func (s *QueryService) GetTimeline(ctx context.Context, window, bucket time.Duration) ([]TimelinePoint, error) {
	if window <= 0 {
		return nil, fmt.Errorf("analytics: window must be greater than zero")
	}
	if bucket <= 0 {
		return nil, fmt.Errorf("analytics: bucket must be greater than zero")
	}

	since := time.Now().Add(-window)
	bucketSeconds := int64(bucket.Seconds())

	rows, err := s.db.QueryContext(ctx, `
		SELECT
			to_timestamp(FLOOR(EXTRACT(EPOCH FROM timestamp) / $1) * $1)::timestamptz AS bucket_start,
			COALESCE(SUM(CASE WHEN allowed THEN 1 ELSE 0 END), 0) AS allowed_count,
			COALESCE(SUM(CASE WHEN NOT allowed THEN 1 ELSE 0 END), 0) AS rejected_count
		FROM guard_events
		WHERE timestamp >= $2
		GROUP BY bucket_start
		ORDER BY bucket_start ASC
	`, bucketSeconds, since)
	if err != nil {
		return nil, fmt.Errorf("analytics: timeline query failed: %w", err)
	}
	defer rows.Close()

	out := make([]TimelinePoint, 0)
	for rows.Next() {
		var point TimelinePoint
		if scanErr := rows.Scan(&point.BucketStart, &point.Allowed, &point.Rejected); scanErr != nil {
			return nil, fmt.Errorf("analytics: failed scanning timeline row: %w", scanErr)
		}
		point.Total = point.Allowed + point.Rejected
		out = append(out, point)
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("analytics: timeline rows iteration failed: %w", rowsErr)
	}

	return out, nil
}
