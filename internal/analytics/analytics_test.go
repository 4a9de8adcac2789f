package analytics

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/lib/pq"
)

func TestNewRequiresDatabase(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for nil database")
	}
}

func TestNewQueryServiceRequiresDatabase(t *testing.T) {
	if _, err := NewQueryService(nil); err == nil {
		t.Fatal("expected error for nil database")
	}
}

// Query argument validation happens before any database round trip, so
// it can be tested against an unconnected handle.
func TestQueryServiceValidation(t *testing.T) {
	db, err := sql.Open("postgres", "postgres://localhost/warden_unused?sslmode=disable")
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	defer db.Close()

	s, err := NewQueryService(db)
	if err != nil {
		t.Fatalf("NewQueryService: %v", err)
	}

	ctx := context.Background()
	if _, err := s.GetOverview(ctx, 0); err == nil {
		t.Error("GetOverview: expected error for zero window")
	}
	if _, err := s.GetTopThrottled(ctx, time.Hour, 0); err == nil {
		t.Error("GetTopThrottled: expected error for zero limit")
	}
	if _, err := s.GetTopThrottled(ctx, 0, 10); err == nil {
		t.Error("GetTopThrottled: expected error for zero window")
	}
	if _, err := s.GetStageBreakdown(ctx, 0); err == nil {
		t.Error("GetStageBreakdown: expected error for zero window")
	}
	if _, err := s.GetTimeline(ctx, 0, time.Minute); err == nil {
		t.Error("GetTimeline: expected error for zero window")
	}
	if _, err := s.GetTimeline(ctx, time.Hour, 0); err == nil {
		t.Error("GetTimeline: expected error for zero bucket")
	}
}

func TestLoggerFlushBehavior(t *testing.T) {
	t.Skip("Requires database connection - covered by integration tests")
}
