package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestStoreInterfaceCompliance(t *testing.T) {
	// Compile-time check that both implementations satisfy Store.
	var _ Store = (*RedisStore)(nil)
	var _ Store = (*MemoryStore)(nil)
}

func windowArgs(now time.Time) WindowArgs {
	return WindowArgs{
		Key:         "ratelimit:subject:res",
		BurstKey:    "ratelimit:subject:res:burst",
		Limit:       5,
		BurstLimit:  0,
		Window:      time.Minute,
		BurstWindow: 5 * time.Second,
		Now:         now,
	}
}

func TestMemoryStoreSlidingWindow(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	now := time.UnixMilli(1700000000000)

	for i := int64(1); i <= 5; i++ {
		res, err := ms.CheckSlidingWindow(ctx, windowArgs(now))
		if err != nil {
			t.Fatalf("check %d failed: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("check %d: expected allowed", i)
		}
		if res.Count != i {
			t.Fatalf("check %d: expected count %d, got %d", i, i, res.Count)
		}
		now = now.Add(time.Second)
	}

	// Sixth request inside the window is rejected and not recorded.
	res, err := ms.CheckSlidingWindow(ctx, windowArgs(now))
	if err != nil {
		t.Fatalf("sixth check failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected sixth request to be rejected")
	}
	if res.Count != 5 {
		t.Fatalf("expected count 5 after rejection, got %d", res.Count)
	}
	if res.OldestAt.UnixMilli() != 1700000000000 {
		t.Fatalf("unexpected oldest entry: %v", res.OldestAt)
	}

	// After the window elapses entirely, requests are allowed again.
	res, err = ms.CheckSlidingWindow(ctx, windowArgs(now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("post-window check failed: %v", err)
	}
	if !res.Allowed || res.Count != 1 {
		t.Fatalf("expected fresh window, got allowed=%v count=%d", res.Allowed, res.Count)
	}
}

func TestMemoryStoreBurstBeforeMain(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	now := time.UnixMilli(1700000000000)

	args := windowArgs(now)
	args.Limit = 100
	args.BurstLimit = 2

	for i := 0; i < 2; i++ {
		args.Now = now.Add(time.Duration(i) * 100 * time.Millisecond)
		res, err := ms.CheckSlidingWindow(ctx, args)
		if err != nil {
			t.Fatalf("burst check %d failed: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("burst check %d: expected allowed", i)
		}
	}

	// Third rapid request trips the burst limit even though the main
	// window has plenty of headroom.
	args.Now = now.Add(200 * time.Millisecond)
	res, err := ms.CheckSlidingWindow(ctx, args)
	if err != nil {
		t.Fatalf("burst rejection check failed: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected burst rejection")
	}
	if !res.BurstExceeded {
		t.Fatal("expected BurstExceeded to be set")
	}

	// Once the burst window passes, the request is allowed again.
	args.Now = now.Add(6 * time.Second)
	res, err = ms.CheckSlidingWindow(ctx, args)
	if err != nil {
		t.Fatalf("post-burst check failed: %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected allowed after burst window elapsed")
	}
}

func TestMemoryStoreCreateIfAbsent(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	created, err := ms.CreateIfAbsent(ctx, "nonce:request:n1", `{"nonce":"n1"}`, time.Minute)
	if err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if !created {
		t.Fatal("expected first create to win")
	}

	created, err = ms.CreateIfAbsent(ctx, "nonce:request:n1", `{"nonce":"n1"}`, time.Minute)
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	if created {
		t.Fatal("expected second create to lose")
	}
}

func TestMemoryStoreCreateIfAbsentConcurrent(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	const workers = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := ms.CreateIfAbsent(ctx, "nonce:request:shared", "v", time.Minute)
			if err != nil {
				t.Errorf("create failed: %v", err)
				return
			}
			if created {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestMemoryStoreBeginRecord(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	key := "idempotency:abc"

	state, _, err := ms.BeginRecord(ctx, key, `{"status":"processing"}`, time.Minute, "processing", "failed")
	if err != nil {
		t.Fatalf("first begin failed: %v", err)
	}
	if state != BeginCreated {
		t.Fatalf("expected BeginCreated, got %v", state)
	}

	state, existing, err := ms.BeginRecord(ctx, key, `{"status":"processing"}`, time.Minute, "processing", "failed")
	if err != nil {
		t.Fatalf("second begin failed: %v", err)
	}
	if state != BeginInFlight {
		t.Fatalf("expected BeginInFlight, got %v", state)
	}
	if existing != `{"status":"processing"}` {
		t.Fatalf("unexpected existing record: %s", existing)
	}

	// A completed record is reported as finished.
	if err := ms.Replace(ctx, key, `{"status":"completed","response":"ok"}`); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	state, existing, err = ms.BeginRecord(ctx, key, `{"status":"processing"}`, time.Minute, "processing", "failed")
	if err != nil {
		t.Fatalf("third begin failed: %v", err)
	}
	if state != BeginFinished {
		t.Fatalf("expected BeginFinished, got %v", state)
	}
	if existing == "" {
		t.Fatal("expected finished record value")
	}

	// A failed record is retryable: Begin overwrites it.
	if err := ms.Replace(ctx, key, `{"status":"failed"}`); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	state, _, err = ms.BeginRecord(ctx, key, `{"status":"processing"}`, time.Minute, "processing", "failed")
	if err != nil {
		t.Fatalf("retry begin failed: %v", err)
	}
	if state != BeginCreated {
		t.Fatalf("expected BeginCreated after failed record, got %v", state)
	}
}

func TestMemoryStoreRecordExpiry(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	created, err := ms.CreateIfAbsent(ctx, "k", "v", time.Millisecond)
	if err != nil || !created {
		t.Fatalf("create failed: created=%v err=%v", created, err)
	}

	time.Sleep(5 * time.Millisecond)

	if _, err := ms.Get(ctx, "k"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound after expiry, got %v", err)
	}

	// And the slot is reusable.
	created, err = ms.CreateIfAbsent(ctx, "k", "v2", time.Minute)
	if err != nil || !created {
		t.Fatalf("re-create failed: created=%v err=%v", created, err)
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	if _, err := ms.CreateIfAbsent(ctx, "short", "v", time.Millisecond); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := ms.CreateIfAbsent(ctx, "long", "v", time.Hour); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := ms.CreateIfAbsent(ctx, "forever", "v", 0); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if n := ms.Sweep(time.Now().Add(time.Second)); n != 1 {
		t.Fatalf("expected 1 key swept, got %d", n)
	}

	if _, err := ms.Get(ctx, "long"); err != nil {
		t.Fatalf("unexpired key swept: %v", err)
	}
	if _, err := ms.Get(ctx, "forever"); err != nil {
		t.Fatalf("no-expiry key swept: %v", err)
	}
	if _, err := ms.Get(ctx, "short"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound for swept key, got %v", err)
	}
}

func TestMemoryStoreSweepWindows(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	args := WindowArgs{
		Key:         "w:quiet",
		BurstKey:    "w:quiet:burst",
		Limit:       10,
		Window:      time.Second,
		BurstWindow: 100 * time.Millisecond,
		Now:         now,
	}
	if _, err := ms.CheckSlidingWindow(ctx, args); err != nil {
		t.Fatalf("window check failed: %v", err)
	}

	// Entries still inside both windows survive a sweep.
	if n := ms.Sweep(now.Add(50 * time.Millisecond)); n != 0 {
		t.Fatalf("expected nothing swept inside the windows, got %d", n)
	}

	// Past the burst horizon only the burst key is drained and dropped.
	if n := ms.Sweep(now.Add(150 * time.Millisecond)); n != 1 {
		t.Fatalf("expected only the burst window swept, got %d", n)
	}

	// Once the window has fully elapsed the key is dropped even though
	// no further checks touched it.
	if n := ms.Sweep(now.Add(2 * time.Second)); n != 1 {
		t.Fatalf("expected quiet window swept, got %d", n)
	}

	ms.mu.Lock()
	remaining := len(ms.windows)
	ms.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected no window keys after sweep, got %d", remaining)
	}
}

func TestMemoryStoreReplaceMissing(t *testing.T) {
	ms := NewMemoryStore()

	if err := ms.Replace(context.Background(), "missing", "v"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	ms := NewMemoryStore()
	if err := ms.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	if _, err := ms.Get(context.Background(), "k"); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	if err := ms.Ping(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}

func TestDefaultRedisConfig(t *testing.T) {
	cfg := DefaultRedisConfig()

	if cfg.Addr != "localhost:6379" {
		t.Errorf("expected addr localhost:6379, got %s", cfg.Addr)
	}
	if cfg.PoolSize != DefaultPoolSize {
		t.Errorf("expected pool size %d, got %d", DefaultPoolSize, cfg.PoolSize)
	}
	if cfg.MinIdleConns != DefaultMinIdleConns {
		t.Errorf("expected min idle conns %d, got %d", DefaultMinIdleConns, cfg.MinIdleConns)
	}
	if cfg.MaxRetries != DefaultMaxRetries {
		t.Errorf("expected max retries %d, got %d", DefaultMaxRetries, cfg.MaxRetries)
	}
}

func TestParseWindowReply(t *testing.T) {
	res, err := parseWindowReply([]interface{}{int64(1), int64(3), int64(2), int64(1700000000000), int64(0)})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !res.Allowed || res.Count != 3 || res.BurstCount != 2 || res.BurstExceeded {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.OldestAt.UnixMilli() != 1700000000000 {
		t.Fatalf("unexpected oldest: %v", res.OldestAt)
	}

	if _, err := parseWindowReply([]interface{}{int64(1)}); err == nil {
		t.Fatal("expected error for short reply")
	}
	if _, err := parseWindowReply([]interface{}{"x", "x", "x", "x", "x"}); err == nil {
		t.Fatal("expected error for non-integer reply")
	}
}
