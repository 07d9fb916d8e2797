// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ratelimit

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/cerberus/pkg/policy"
)

//go:embed consume.lua
var consumeLua string

var (
	// consumeScript runs the whole consume algorithm server-side, so the
	// read-modify-write is atomic without a round trip per step. NewScript
	// falls back from EVALSHA to EVAL on NOSCRIPT, so a Redis restart does
	// not masquerade as a store failure.
	consumeScript = redis.NewScript(consumeLua)

	// resetScript zeroes an existing counter without creating absent ones.
	resetScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('HSET', KEYS[1], 'count', 0, 'blocked_until', 0)
  return 1
end
return 0
`)

	// setBlockScript stamps a block and keeps the hash alive until the
	// later of the block end and the window end.
	setBlockScript = redis.NewScript(`
local window_end = tonumber(redis.call('HGET', KEYS[1], 'window_end')) or 0
local until_ms = tonumber(ARGV[1])
redis.call('HSET', KEYS[1], 'blocked_until', until_ms)
local expire_at = until_ms
if window_end > expire_at then
  expire_at = window_end
end
redis.call('PEXPIREAT', KEYS[1], expire_at + 60000)
return 1
`)
)

const redisKeyPrefix = "ratelimit:"

// RedisStore is the fast, volatile implementation of CounterStore. Counter
// hashes expire on their own, so it needs no pruning; it is typically the
// primary side of a resilient store pair with the SQL store behind it.
type RedisStore struct {
	client *redis.Client

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewRedisStore creates a fast store on the given client. The store owns
// the client: Close closes it.
func NewRedisStore(client *redis.Client) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	return &RedisStore{
		client: client,
		now:    time.Now,
	}, nil
}

// Name identifies the backend.
func (s *RedisStore) Name() string {
	return "redis"
}

func (s *RedisStore) counterKey(key, module string) string {
	return redisKeyPrefix + key + ":" + module
}

// Consume applies one decision for (key, module) as a single server-side
// script execution.
func (s *RedisStore) Consume(ctx context.Context, key, module string, pol policy.Policy, increment bool) (*Result, error) {
	now := s.now()

	if pol.MaxRequests <= 0 {
		return zeroQuotaResult(pol, now), nil
	}

	incr := 0
	if increment {
		incr = 1
	}
	enforce := 0
	if pol.IsEnforcing() {
		enforce = 1
	}

	raw, err := consumeScript.Run(ctx, s.client, []string{s.counterKey(key, module)},
		now.UnixMilli(),
		pol.Window.Milliseconds(),
		pol.Block.Milliseconds(),
		pol.MaxRequests,
		incr,
		pol.WarnThreshold,
		enforce,
	).Result()
	if err != nil {
		return nil, NewStoreError("redis", "consume", err)
	}

	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 7 {
		return nil, NewStoreError("redis", "consume", fmt.Errorf("unexpected script reply %T", raw))
	}

	res := &Result{
		Allowed:      scriptInt(vals[0]) == 1,
		Count:        scriptInt(vals[1]),
		Remaining:    scriptInt(vals[2]),
		MaxRequests:  int64(pol.MaxRequests),
		LimitCrossed: scriptInt(vals[5]) == 1,
		WarnCrossed:  scriptInt(vals[6]) == 1,
	}

	if ms := scriptInt(vals[3]); ms > 0 {
		res.ResetTime = time.UnixMilli(ms)
	}
	if ms := scriptInt(vals[4]); ms > 0 {
		t := time.UnixMilli(ms)
		res.BlockedUntil = &t
		res.Blocked = true
	}

	if !res.Allowed {
		if res.LimitCrossed || res.BlockedUntil == nil {
			res.Reason = ReasonLimitExceeded
		} else {
			res.Reason = ReasonBlocked
		}
	}
	if res.WarnCrossed {
		res.Warning = &Warning{
			Remaining: res.Remaining,
			Threshold: int64(pol.WarnThreshold),
		}
	}

	return res, nil
}

// Reset zeroes matching counters and clears their block stamps. Empty key
// or module act as wildcards, served by a SCAN over the counter keyspace.
func (s *RedisStore) Reset(ctx context.Context, key, module string) error {
	if key != "" && module != "" {
		if err := resetScript.Run(ctx, s.client, []string{s.counterKey(key, module)}).Err(); err != nil {
			return NewStoreError("redis", "reset", err)
		}
		return nil
	}

	pattern := redisKeyPrefix + "*"
	switch {
	case key != "":
		pattern = redisKeyPrefix + key + ":*"
	case module != "":
		pattern = redisKeyPrefix + "*:" + module
	}

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return NewStoreError("redis", "reset", err)
		}
		for _, k := range keys {
			if err := resetScript.Run(ctx, s.client, []string{k}).Err(); err != nil {
				return NewStoreError("redis", "reset", err)
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return nil
}

// SetBlock stamps (key, module) blocked until the given time.
func (s *RedisStore) SetBlock(ctx context.Context, key, module string, until time.Time) error {
	err := setBlockScript.Run(ctx, s.client, []string{s.counterKey(key, module)}, until.UnixMilli()).Err()
	if err != nil {
		return NewStoreError("redis", "set_block", err)
	}
	return nil
}

// HealthCheck verifies the Redis server is reachable.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return NewStoreError("redis", "health", err)
	}
	return nil
}

// PruneExpired is a no-op: counter hashes carry their own TTL and Redis
// expires them natively.
func (s *RedisStore) PruneExpired(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// scriptInt extracts an integer from a Lua script reply element.
func scriptInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}
