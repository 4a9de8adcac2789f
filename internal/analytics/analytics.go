// Package analytics provides asynchronous persistence and read-only
// queries for guard decision events.
package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// GuardEvent is one pipeline decision to be persisted.
type GuardEvent struct {
	Timestamp time.Time
	SubjectID string
	Method    string
	Path      string
	// Stage names the guard that produced the decision.
	Stage     string
	Allowed   bool
	Status    int
	RuleName  string
	Limit     int64
	Remaining int64
	Replayed  bool
}

// Logger batches guard events and writes them to PostgreSQL off the
// request path. Log never blocks; events are dropped when the buffer
// is full.
type Logger struct {
	db            *sql.DB
	events        chan GuardEvent
	done          chan struct{}
	wg            sync.WaitGroup
	batchSize     int
	flushInterval time.Duration

	mu            sync.RWMutex
	eventsLogged  int64
	eventsDropped int64
}

// Config holds configuration for the analytics logger.
type Config struct {
	DB            *sql.DB
	BufferSize    int           // event channel capacity (default: 100)
	BatchSize     int           // events per insert batch (default: 100)
	FlushInterval time.Duration // maximum time before flushing (default: 5s)
}

// New creates an analytics logger and starts its background worker.
func New(cfg Config) (*Logger, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("analytics: database connection is required")
	}

	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 100
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}

	logger := &Logger{
		db:            cfg.DB,
		events:        make(chan GuardEvent, cfg.BufferSize),
		done:          make(chan struct{}),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cfg.DB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("analytics: database not available: %w", err)
	}

	logger.wg.Add(1)
	go logger.worker()

	return logger, nil
}

// Log queues an event without blocking the request path.
func (l *Logger) Log(event GuardEvent) {
	select {
	case l.events <- event:
	default:
		l.mu.Lock()
		l.eventsDropped++
		l.mu.Unlock()
		slog.Warn("analytics: event buffer full, dropping event")
	}
}

// Close flushes pending events and stops the worker. The context bounds
// how long the flush may take.
func (l *Logger) Close(ctx context.Context) error {
	close(l.done)

	doneCh := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("analytics: shutdown timeout exceeded")
	}
}

// Stats returns how many events were written and dropped so far.
func (l *Logger) Stats() (logged, dropped int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.eventsLogged, l.eventsDropped
}

func (l *Logger) worker() {
	defer l.wg.Done()

	batch := make([]GuardEvent, 0, l.batchSize)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.events:
			batch = append(batch, event)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}

		case <-l.done:
			l.drainAndFlush(batch)
			return
		}
	}
}

func (l *Logger) flush(events []GuardEvent) {
	if len(events) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("analytics: failed to begin transaction", "error", err)
		return
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO guard_events (
			timestamp, subject_id, method, path, stage, allowed,
			status, rule_name, limit_value, remaining, replayed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`)
	if err != nil {
		slog.Error("analytics: failed to prepare statement", "error", err)
		return
	}
	defer stmt.Close()

	for _, event := range events {
		_, err := stmt.ExecContext(ctx,
			event.Timestamp,
			event.SubjectID,
			event.Method,
			event.Path,
			event.Stage,
			event.Allowed,
			event.Status,
			event.RuleName,
			event.Limit,
			event.Remaining,
			event.Replayed,
		)
		if err != nil {
			slog.Error("analytics: failed to insert event", "error", err)
			// Keep going; one bad row should not lose the batch.
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("analytics: failed to commit transaction", "error", err)
		return
	}

	l.mu.Lock()
	l.eventsLogged += int64(len(events))
	l.mu.Unlock()
}

// drainAndFlush empties the channel and flushes whatever remains.
func (l *Logger) drainAndFlush(batch []GuardEvent) {
	for {
		select {
		case event := <-l.events:
			batch = append(batch, event)
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				l.flush(batch)
			}
			return
		}
	}
}
