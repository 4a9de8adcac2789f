package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Lua scripts for atomic guard operations.
//
// Every script runs as a single indivisible unit on the Redis server, so
// concurrent callers on the same key observe a total order: first writer
// wins for record inserts, latest consistent count for window checks.

// luaWindowCheck performs a burst-then-main sliding window check.
//
// KEYS[1] = main window key (sorted set of request timestamps)
// KEYS[2] = burst window key
// ARGV[1] = now (epoch milliseconds)
// ARGV[2] = main window duration (milliseconds)
// ARGV[3] = main window limit
// ARGV[4] = burst window duration (milliseconds)
// ARGV[5] = burst limit (0 disables the burst check)
// ARGV[6] = unique member to record on success
//
// Returns: {allowed (0/1), main_count, burst_count, oldest_ms, burst_exceeded (0/1)}
//
// The burst window is checked before the main window: short-horizon abuse
// is cheaper to reject. Nothing is recorded on rejection, so a denied
// request never occupies a window slot.
const luaWindowCheck = `
local main_key = KEYS[1]
local burst_key = KEYS[2]
local now = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local burst_window_ms = tonumber(ARGV[4])
local burst_limit = tonumber(ARGV[5])
local member = ARGV[6]

redis.call("ZREMRANGEBYSCORE", main_key, "-inf", now - window_ms)
redis.call("ZREMRANGEBYSCORE", burst_key, "-inf", now - burst_window_ms)

local count = redis.call("ZCARD", main_key)
local burst_count = redis.call("ZCARD", burst_key)

local oldest = 0
local head = redis.call("ZRANGE", main_key, 0, 0, "WITHSCORES")
if head[2] then
    oldest = tonumber(head[2])
end

if burst_limit > 0 and burst_count >= burst_limit then
    return {0, count, burst_count, oldest, 1}
end

if count >= limit then
    return {0, count, burst_count, oldest, 0}
end

redis.call("ZADD", main_key, now, member)
redis.call("ZADD", burst_key, now, member)
redis.call("PEXPIRE", main_key, window_ms)
redis.call("PEXPIRE", burst_key, burst_window_ms)

if oldest == 0 then
    oldest = now
end

return {1, count + 1, burst_count + 1, oldest, 0}
`

// luaBeginRecord implements the idempotency Begin decision in one round trip.
//
// KEYS[1] = record key
// ARGV[1] = new record value (JSON)
// ARGV[2] = record TTL (milliseconds)
// ARGV[3] = in-flight status value
// ARGV[4] = retryable status value
//
// Returns: {state, existing_value} where state is "created", "in_flight"
// or "finished". A missing record, or one whose status equals ARGV[4],
// is replaced by the new value; exactly one concurrent caller can win
// the insert.
const luaBeginRecord = `
local existing = redis.call("GET", KEYS[1])
if existing == false then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
    return {"created", ""}
end

local status = ""
local ok, rec = pcall(cjson.decode, existing)
if ok and type(rec) == "table" then
    status = tostring(rec["status"] or "")
end

if status == ARGV[4] then
    redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
    return {"created", ""}
end

if status == ARGV[3] then
    return {"in_flight", existing}
end

return {"finished", existing}
`

// scriptLoader manages the lifecycle of Lua scripts in Redis.
// Scripts are loaded once via SCRIPT LOAD and then executed by SHA,
// which reduces bandwidth and parsing overhead on repeated calls.
type scriptLoader struct {
	client *redis.Client

	windowCheck *redis.Script
	beginRecord *redis.Script
}

// newScriptLoader creates a new script loader with all scripts registered.
func newScriptLoader(client *redis.Client) *scriptLoader {
	return &scriptLoader{
		client:      client,
		windowCheck: redis.NewScript(luaWindowCheck),
		beginRecord: redis.NewScript(luaBeginRecord),
	}
}

// LoadAll pre-loads all Lua scripts into the Redis script cache.
// This should be called once during initialization. The go-redis library
// handles transparent reloading if scripts are evicted from the cache.
func (sl *scriptLoader) LoadAll(ctx context.Context) error {
	scripts := map[string]*redis.Script{
		"window_check": sl.windowCheck,
		"begin_record": sl.beginRecord,
	}

	for name, script := range scripts {
		if err := script.Load(ctx, sl.client).Err(); err != nil {
			return fmt.Errorf("failed to load script %q: %w", name, err)
		}
	}

	return nil
}
