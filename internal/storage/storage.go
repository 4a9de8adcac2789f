// Package storage provides the shared key-value store interface and
// implementations backing the Warden guard components. All multi-step
// operations a guard depends on for correctness execute atomically
// inside the store; callers never read-modify-write across round trips.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStoreClosed is returned when an operation is attempted on a closed store.
	ErrStoreClosed = errors.New("storage: connection closed")

	// ErrKeyNotFound is returned when a key does not exist.
	ErrKeyNotFound = errors.New("storage: key not found")
)

// WindowResult holds the outcome of an atomic sliding-window check.
type WindowResult struct {
	// Allowed indicates whether the request should be permitted.
	Allowed bool
	// Count is the number of entries in the main window after the check.
	Count int64
	// BurstCount is the number of entries in the burst window after the check.
	BurstCount int64
	// OldestAt is the timestamp of the oldest surviving entry in the main
	// window. Zero when the window is empty.
	OldestAt time.Time
	// BurstExceeded is true when the rejection was caused by the burst
	// window rather than the main window.
	BurstExceeded bool
}

// WindowArgs describes one atomic sliding-window check.
type WindowArgs struct {
	// Key is the main window key (an ordered set of timestamps).
	Key string
	// BurstKey is the short-horizon burst window key.
	BurstKey string
	// Limit is the maximum entries allowed in the main window.
	Limit int64
	// BurstLimit is the maximum entries allowed in the burst window.
	// Zero disables the burst check.
	BurstLimit int64
	// Window is the main sliding window duration.
	Window time.Duration
	// BurstWindow is the burst window duration.
	BurstWindow time.Duration
	// Now is the timestamp to record and to measure windows against.
	Now time.Time
}

// BeginState classifies the record found (or created) by BeginRecord.
type BeginState int

const (
	// BeginCreated means no usable record existed and a new one was inserted.
	BeginCreated BeginState = iota
	// BeginInFlight means an in-flight record already exists.
	BeginInFlight
	// BeginFinished means a finished record exists; its value is returned.
	BeginFinished
)

// Store is the capability interface guards use to talk to the shared
// key-value store. All methods must be safe for concurrent use across
// goroutines and server processes.
type Store interface {
	// CheckSlidingWindow atomically expires old entries from both windows,
	// counts the survivors, rejects if the burst window (checked first) or
	// the main window is full, and otherwise records args.Now in both.
	CheckSlidingWindow(ctx context.Context, args WindowArgs) (WindowResult, error)

	// CreateIfAbsent inserts value under key with the given TTL only if the
	// key does not already exist. It reports whether the insert won.
	CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// BeginRecord atomically implements the idempotency Begin decision:
	// if no record exists, or the existing record's status field equals
	// retryableStatus, value is inserted with the TTL and BeginCreated is
	// returned. Otherwise the existing record is returned with
	// BeginInFlight or BeginFinished depending on whether its status field
	// equals inFlightStatus.
	BeginRecord(ctx context.Context, key, value string, ttl time.Duration, inFlightStatus, retryableStatus string) (BeginState, string, error)

	// Get returns the value stored under key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Replace overwrites the value of an existing key, preserving its TTL.
	// Returns ErrKeyNotFound if the key does not exist.
	Replace(ctx context.Context, key, value string) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Ping checks the health of the store.
	Ping(ctx context.Context) error

	// Close gracefully shuts down the store connection.
	Close() error
}
