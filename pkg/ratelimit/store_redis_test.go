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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestRedisStore pins both the store clock and the miniredis clock to
// testNow, so PEXPIREAT deadlines line up with the scripted time.
func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis, *time.Time) {
	t.Helper()

	server := miniredis.RunT(t)
	server.SetTime(testNow)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	store, err := NewRedisStore(client)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	now := testNow
	store.now = func() time.Time { return now }
	return store, server, &now
}

func TestRedisStore_ConsumeScenario(t *testing.T) {
	store, _, _ := newTestRedisStore(t)
	pol := enforcePolicy(5, 2)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := store.Consume(ctx, "user1", "login", pol, true)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, int64(5-i), res.Remaining, "request %d", i)

		if 5-i == 2 {
			assert.True(t, res.WarnCrossed, "expected the warning at remaining 2")
			require.NotNil(t, res.Warning)
			assert.Equal(t, int64(2), res.Warning.Threshold)
		} else {
			assert.False(t, res.WarnCrossed, "request %d", i)
		}
	}

	res, err := store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.LimitCrossed)
	assert.Equal(t, ReasonLimitExceeded, res.Reason)
	require.NotNil(t, res.BlockedUntil)
	assert.Equal(t, testNow.Add(pol.Block).UnixMilli(), res.BlockedUntil.UnixMilli())

	// Denied again via the stamp, without a second crossing.
	res, err = store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonBlocked, res.Reason)
	assert.False(t, res.LimitCrossed)
}

func TestRedisStore_PeekDoesNotPersist(t *testing.T) {
	store, server, _ := newTestRedisStore(t)
	pol := enforcePolicy(5, 0)
	ctx := context.Background()

	res, err := store.Consume(ctx, "ghost", "login", pol, false)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(0), res.Count)
	assert.Equal(t, int64(5), res.Remaining)

	assert.False(t, server.Exists("ratelimit:ghost:login"), "peek must not create keys")
}

func TestRedisStore_CountersCarryTTL(t *testing.T) {
	store, server, _ := newTestRedisStore(t)
	pol := enforcePolicy(5, 0)
	ctx := context.Background()

	_, err := store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)

	// The hash expires on its own shortly after the window ends.
	ttl := server.TTL("ratelimit:user1:login")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, pol.Window+time.Minute)
}

func TestRedisStore_WindowRollover(t *testing.T) {
	store, server, now := newTestRedisStore(t)
	pol := enforcePolicy(2, 0)
	ctx := context.Background()

	_, err := store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)
	_, err = store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)

	// Window over, hash still alive: the script rolls the window itself.
	later := testNow.Add(90 * time.Second)
	*now = later
	server.SetTime(later)

	res, err := store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Count)
	assert.Equal(t, later.Add(pol.Window).UnixMilli(), res.ResetTime.UnixMilli())
}

func TestRedisStore_ResetWildcards(t *testing.T) {
	store, _, _ := newTestRedisStore(t)
	pol := enforcePolicy(1, 0)
	ctx := context.Background()

	for _, pair := range [][2]string{{"user1", "login"}, {"user1", "signup"}, {"user2", "login"}} {
		_, err := store.Consume(ctx, pair[0], pair[1], pol, true)
		require.NoError(t, err)
	}

	// All modules for one key.
	require.NoError(t, store.Reset(ctx, "user1", ""))

	res, err := store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = store.Consume(ctx, "user1", "signup", pol, true)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = store.Consume(ctx, "user2", "login", pol, true)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "wildcard must not touch other keys")

	// One module across all keys.
	require.NoError(t, store.Reset(ctx, "", "login"))
	res, err = store.Consume(ctx, "user2", "login", pol, true)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	// Absent state is a no-op success.
	assert.NoError(t, store.Reset(ctx, "nobody", "nothing"))
}

func TestRedisStore_ResetClearsBlock(t *testing.T) {
	store, _, _ := newTestRedisStore(t)
	pol := enforcePolicy(1, 0)
	ctx := context.Background()

	_, err := store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)
	res, err := store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)
	require.NotNil(t, res.BlockedUntil)

	require.NoError(t, store.Reset(ctx, "user1", "login"))

	res, err = store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "reset must clear the block stamp")
}

func TestRedisStore_SetBlock(t *testing.T) {
	store, _, _ := newTestRedisStore(t)
	pol := enforcePolicy(5, 0)
	ctx := context.Background()

	until := testNow.Add(time.Hour)
	require.NoError(t, store.SetBlock(ctx, "user1", "login", until))

	res, err := store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonBlocked, res.Reason)
	require.NotNil(t, res.BlockedUntil)
	assert.Equal(t, until.UnixMilli(), res.BlockedUntil.UnixMilli())
}

func TestRedisStore_HealthCheck(t *testing.T) {
	store, server, _ := newTestRedisStore(t)
	ctx := context.Background()

	assert.NoError(t, store.HealthCheck(ctx))

	server.Close()
	err := store.HealthCheck(ctx)
	require.Error(t, err)
	assert.True(t, IsStoreError(err))
}

func TestRedisStore_PruneIsNativeTTL(t *testing.T) {
	store, _, _ := newTestRedisStore(t)

	pruned, err := store.PruneExpired(context.Background(), testNow)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), pruned)
}
