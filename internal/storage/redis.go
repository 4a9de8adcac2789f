package storage

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Default configuration values for the Redis connection pool.
const (
	DefaultPoolSize      = 10
	DefaultMinIdleConns  = 3
	DefaultDialTimeout   = 5 * time.Second
	DefaultReadTimeout   = 3 * time.Second
	DefaultWriteTimeout  = 3 * time.Second
	DefaultMaxRetries    = 3
	DefaultRetryDelay    = 100 * time.Millisecond
	DefaultMaxRetryDelay = 500 * time.Millisecond
)

// RedisConfig holds the configuration for the Redis store backend.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string
	// Password is the Redis password (empty for no auth).
	Password string
	// DB is the Redis database number.
	DB int

	// PoolSize is the maximum number of connections in the pool.
	PoolSize int
	// MinIdleConns is the minimum number of idle connections to maintain.
	MinIdleConns int

	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration
	// ReadTimeout is the timeout for read operations.
	ReadTimeout time.Duration
	// WriteTimeout is the timeout for write operations.
	WriteTimeout time.Duration

	// MaxRetries is the maximum number of retries for failed commands.
	MaxRetries int
	// RetryDelay is the base delay between retries.
	RetryDelay time.Duration
	// MaxRetryDelay is the maximum delay between retries.
	MaxRetryDelay time.Duration
}

// DefaultRedisConfig returns a RedisConfig with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		Password:      "",
		DB:            0,
		PoolSize:      DefaultPoolSize,
		MinIdleConns:  DefaultMinIdleConns,
		DialTimeout:   DefaultDialTimeout,
		ReadTimeout:   DefaultReadTimeout,
		WriteTimeout:  DefaultWriteTimeout,
		MaxRetries:    DefaultMaxRetries,
		RetryDelay:    DefaultRetryDelay,
		MaxRetryDelay: DefaultMaxRetryDelay,
	}
}

// RedisStore implements the Store interface using Redis.
type RedisStore struct {
	client  *redis.Client
	scripts *scriptLoader
	mu      sync.RWMutex
	closed  bool
}

// NewRedisStore creates a new Redis-backed store instance.
// It validates the connection by sending a PING command.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.RetryDelay,
		MaxRetryBackoff: cfg.MaxRetryDelay,
	})

	// Validate the connection.
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: failed to connect to %s: %w", cfg.Addr, err)
	}

	rs := &RedisStore{
		client:  client,
		scripts: newScriptLoader(client),
	}

	// Pre-load Lua scripts into Redis script cache.
	if err := rs.scripts.LoadAll(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: failed to load Lua scripts: %w", err)
	}

	log.Printf("redis: connected to %s (pool_size=%d, min_idle=%d)",
		cfg.Addr, cfg.PoolSize, cfg.MinIdleConns)

	return rs, nil
}

// CheckSlidingWindow executes the atomic burst-then-main window check.
func (rs *RedisStore) CheckSlidingWindow(ctx context.Context, args WindowArgs) (WindowResult, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if rs.closed {
		return WindowResult{}, ErrStoreClosed
	}

	nowMs := args.Now.UnixMilli()
	// Members must be unique even when two requests land on the same key
	// in the same millisecond, otherwise ZADD collapses them into one entry.
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	raw, err := rs.scripts.windowCheck.Run(ctx, rs.client,
		[]string{args.Key, args.BurstKey},
		nowMs,
		args.Window.Milliseconds(),
		args.Limit,
		args.BurstWindow.Milliseconds(),
		args.BurstLimit,
		member,
	).Slice()
	if err != nil {
		return WindowResult{}, fmt.Errorf("redis: window check failed for key %q: %w", args.Key, err)
	}

	return parseWindowReply(raw)
}

// parseWindowReply decodes the {allowed, count, burst_count, oldest, burst}
// array returned by the window check script.
func parseWindowReply(raw []interface{}) (WindowResult, error) {
	if len(raw) != 5 {
		return WindowResult{}, fmt.Errorf("redis: unexpected window check reply length %d", len(raw))
	}

	vals := make([]int64, 5)
	for i, v := range raw {
		n, ok := v.(int64)
		if !ok {
			return WindowResult{}, fmt.Errorf("redis: unexpected window check reply element %T", v)
		}
		vals[i] = n
	}

	res := WindowResult{
		Allowed:       vals[0] == 1,
		Count:         vals[1],
		BurstCount:    vals[2],
		BurstExceeded: vals[4] == 1,
	}
	if vals[3] > 0 {
		res.OldestAt = time.UnixMilli(vals[3])
	}

	return res, nil
}

// CreateIfAbsent inserts value under key only if the key does not exist.
func (rs *RedisStore) CreateIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if rs.closed {
		return false, ErrStoreClosed
	}

	created, err := rs.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: create-if-absent failed for key %q: %w", key, err)
	}

	return created, nil
}

// BeginRecord executes the atomic Begin decision script.
func (rs *RedisStore) BeginRecord(ctx context.Context, key, value string, ttl time.Duration, inFlightStatus, retryableStatus string) (BeginState, string, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if rs.closed {
		return 0, "", ErrStoreClosed
	}

	raw, err := rs.scripts.beginRecord.Run(ctx, rs.client,
		[]string{key},
		value,
		ttl.Milliseconds(),
		inFlightStatus,
		retryableStatus,
	).Slice()
	if err != nil {
		return 0, "", fmt.Errorf("redis: begin record failed for key %q: %w", key, err)
	}

	if len(raw) != 2 {
		return 0, "", fmt.Errorf("redis: unexpected begin record reply length %d", len(raw))
	}

	state, _ := raw[0].(string)
	existing, _ := raw[1].(string)

	switch state {
	case "created":
		return BeginCreated, "", nil
	case "in_flight":
		return BeginInFlight, existing, nil
	case "finished":
		return BeginFinished, existing, nil
	default:
		return 0, "", fmt.Errorf("redis: unexpected begin record state %q", state)
	}
}

// Get returns the value stored under key.
func (rs *RedisStore) Get(ctx context.Context, key string) (string, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if rs.closed {
		return "", ErrStoreClosed
	}

	val, err := rs.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis: get failed for key %q: %w", key, err)
	}

	return val, nil
}

// Replace overwrites an existing key's value, preserving its TTL.
func (rs *RedisStore) Replace(ctx context.Context, key, value string) error {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if rs.closed {
		return ErrStoreClosed
	}

	err := rs.client.SetArgs(ctx, key, value, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if err == redis.Nil {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("redis: replace failed for key %q: %w", key, err)
	}

	return nil
}

// Delete removes a key. Deleting a missing key is not an error.
func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if rs.closed {
		return ErrStoreClosed
	}

	if err := rs.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: delete failed for key %q: %w", key, err)
	}

	return nil
}

// Ping checks connectivity to the Redis server.
func (rs *RedisStore) Ping(ctx context.Context) error {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	if rs.closed {
		return ErrStoreClosed
	}

	if err := rs.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}

	return nil
}

// Close gracefully shuts down the Redis connection.
func (rs *RedisStore) Close() error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.closed {
		return nil
	}

	rs.closed = true
	log.Println("redis: closing connection")

	return rs.client.Close()
}

// Client returns the underlying Redis client for advanced usage.
// Use with caution - prefer the Store interface methods.
func (rs *RedisStore) Client() *redis.Client {
	return rs.client
}

// PoolStats returns the current connection pool statistics.
func (rs *RedisStore) PoolStats() *redis.PoolStats {
	return rs.client.PoolStats()
}
