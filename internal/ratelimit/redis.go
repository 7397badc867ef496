package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript refills and consumes one token atomically on the Redis server.
//
// KEYS[1] = bucket key
// ARGV[1] = capacity
// ARGV[2] = refill rate (tokens per second)
// ARGV[3] = now (unix milliseconds)
// ARGV[4] = ttl (seconds)
//
// Returns {allowed (0|1), remaining tokens as a string}. Remaining goes back
// as a string because Redis truncates Lua numbers to integers.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = capacity
local last_refill = now

local data = redis.call('HGETALL', key)
for i = 1, #data, 2 do
    if data[i] == 'tokens' then
        tokens = tonumber(data[i+1])
    elseif data[i] == 'last_refill' then
        last_refill = tonumber(data[i+1])
    end
end

local elapsed = (now - last_refill) / 1000
if elapsed < 0 then
    elapsed = 0
end
tokens = tokens + elapsed * rate
if tokens > capacity then
    tokens = capacity
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', ARGV[3])
redis.call('EXPIRE', key, ttl)

return {allowed, tostring(tokens)}
`)

// RedisStore keeps buckets in Redis hashes {tokens, last_refill} so every
// API process shares them.
type RedisStore struct {
	client redis.Scripter
	ttl    time.Duration
}

// NewRedisStore creates a store over client with the default bucket TTL.
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client, ttl: BucketTTL}
}

// Take implements BucketStore.
func (s *RedisStore) Take(ctx context.Context, key string, capacity, ratePerSec float64, now time.Time) (bool, float64, error) {
	res, err := takeScript.Run(ctx, s.client, []string{key},
		capacity, ratePerSec, now.UnixMilli(), int(s.ttl.Seconds()),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("take token: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("take token: unexpected reply %v", res)
	}

	allowed, ok := res[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("take token: unexpected allowed value %v", res[0])
	}
	str, ok := res[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("take token: unexpected tokens value %v", res[1])
	}
	remaining, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return false, 0, fmt.Errorf("take token: parse tokens: %w", err)
	}
	return allowed == 1, remaining, nil
}
