package storage

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-process implementation of Store. It provides the
// same atomicity guarantees as the Redis implementation (one mutex covers
// every multi-step operation) but shares nothing across processes, so it
// is only suitable for tests and single-node development mode.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	windows map[string]memoryWindow
	closed  bool
}

type memoryRecord struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

type memoryWindow struct {
	entries []int64 // sorted ascending, epoch milliseconds
	keepMs  int64   // retention horizon from the last check's window
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]memoryRecord),
		windows: make(map[string]memoryWindow),
	}
}

// CheckSlidingWindow implements the burst-then-main window check.
func (ms *MemoryStore) CheckSlidingWindow(_ context.Context, args WindowArgs) (WindowResult, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return WindowResult{}, ErrStoreClosed
	}

	nowMs := args.Now.UnixMilli()
	main := pruneWindow(ms.windows[args.Key].entries, nowMs-args.Window.Milliseconds())
	burst := pruneWindow(ms.windows[args.BurstKey].entries, nowMs-args.BurstWindow.Milliseconds())

	res := WindowResult{
		Count:      int64(len(main)),
		BurstCount: int64(len(burst)),
	}
	if len(main) > 0 {
		res.OldestAt = time.UnixMilli(main[0])
	}

	switch {
	case args.BurstLimit > 0 && int64(len(burst)) >= args.BurstLimit:
		res.BurstExceeded = true
	case int64(len(main)) >= args.Limit:
		// Main window full; nothing recorded.
	default:
		main = append(main, nowMs)
		burst = append(burst, nowMs)
		res.Allowed = true
		res.Count++
		res.BurstCount++
		if res.OldestAt.IsZero() {
			res.OldestAt = time.UnixMilli(nowMs)
		}
	}

	ms.windows[args.Key] = memoryWindow{entries: main, keepMs: args.Window.Milliseconds()}
	ms.windows[args.BurstKey] = memoryWindow{entries: burst, keepMs: args.BurstWindow.Milliseconds()}

	return res, nil
}

// pruneWindow drops entries at or before the cutoff. Entries are appended
// in timestamp order, so the slice stays sorted.
func pruneWindow(entries []int64, cutoff int64) []int64 {
	i := 0
	for i < len(entries) && entries[i] <= cutoff {
		i++
	}
	return append([]int64(nil), entries[i:]...)
}

// CreateIfAbsent inserts value under key only if the key does not exist.
func (ms *MemoryStore) CreateIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return false, ErrStoreClosed
	}

	if _, ok := ms.liveRecord(key); ok {
		return false, nil
	}

	ms.records[key] = memoryRecord{value: value, expiresAt: expiry(ttl)}

	return true, nil
}

// BeginRecord implements the atomic Begin decision against the in-memory map.
func (ms *MemoryStore) BeginRecord(_ context.Context, key, value string, ttl time.Duration, inFlightStatus, retryableStatus string) (BeginState, string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return 0, "", ErrStoreClosed
	}

	existing, ok := ms.liveRecord(key)
	if !ok || recordStatus(existing.value) == retryableStatus {
		ms.records[key] = memoryRecord{value: value, expiresAt: expiry(ttl)}
		return BeginCreated, "", nil
	}

	if recordStatus(existing.value) == inFlightStatus {
		return BeginInFlight, existing.value, nil
	}

	return BeginFinished, existing.value, nil
}

// recordStatus extracts the status field from a JSON record value.
// Non-JSON values yield an empty status, matching the Redis script.
func recordStatus(value string) string {
	var rec struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return ""
	}
	return rec.Status
}

// Get returns the value stored under key.
func (ms *MemoryStore) Get(_ context.Context, key string) (string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return "", ErrStoreClosed
	}

	rec, ok := ms.liveRecord(key)
	if !ok {
		return "", ErrKeyNotFound
	}

	return rec.value, nil
}

// Replace overwrites an existing key's value, preserving its expiry.
func (ms *MemoryStore) Replace(_ context.Context, key, value string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return ErrStoreClosed
	}

	rec, ok := ms.liveRecord(key)
	if !ok {
		return ErrKeyNotFound
	}

	rec.value = value
	ms.records[key] = rec

	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (ms *MemoryStore) Delete(_ context.Context, key string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return ErrStoreClosed
	}

	delete(ms.records, key)
	delete(ms.windows, key)

	return nil
}

// Ping reports whether the store is open.
func (ms *MemoryStore) Ping(_ context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.closed {
		return ErrStoreClosed
	}

	return nil
}

// Close marks the store closed; further operations fail with ErrStoreClosed.
func (ms *MemoryStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.closed = true

	return nil
}

// Sweep removes expired records and fully drained window keys, and
// reports how many keys were dropped. Expired entries are otherwise
// purged lazily on access, so this only matters for keys that stop
// being read; Redis expires them server-side.
func (ms *MemoryStore) Sweep(now time.Time) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	swept := 0
	for key, rec := range ms.records {
		if !rec.expiresAt.IsZero() && now.After(rec.expiresAt) {
			delete(ms.records, key)
			swept++
		}
	}

	nowMs := now.UnixMilli()
	for key, win := range ms.windows {
		pruned := pruneWindow(win.entries, nowMs-win.keepMs)
		if len(pruned) == 0 {
			delete(ms.windows, key)
			swept++
			continue
		}
		ms.windows[key] = memoryWindow{entries: pruned, keepMs: win.keepMs}
	}

	return swept
}

// liveRecord returns a record if present and unexpired, purging it otherwise.
// Caller must hold mu.
func (ms *MemoryStore) liveRecord(key string) (memoryRecord, bool) {
	rec, ok := ms.records[key]
	if !ok {
		return memoryRecord{}, false
	}
	if !rec.expiresAt.IsZero() && time.Now().After(rec.expiresAt) {
		delete(ms.records, key)
		return memoryRecord{}, false
	}
	return rec, true
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
