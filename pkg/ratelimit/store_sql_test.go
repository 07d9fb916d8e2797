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
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLStore(t *testing.T) (*SQLStore, *time.Time) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// One connection: each new conn would get its own empty in-memory DB.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLStore(db, "sqlite")
	require.NoError(t, err)

	now := testNow
	store.now = func() time.Time { return now }
	return store, &now
}

func TestNewSQLStore_InvalidDialect(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = NewSQLStore(db, "oracle")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported dialect")
}

func TestNewSQLStore_NormalizesSqlite3(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	store, err := NewSQLStore(db, "sqlite3")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", store.Dialect())
}

func TestSQLStore_ConsumeScenario(t *testing.T) {
	store, _ := newTestSQLStore(t)
	pol := enforcePolicy(5, 2)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := store.Consume(ctx, "user1", "login", pol, true)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, int64(5-i), res.Remaining, "request %d", i)
	}

	res, err := store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.True(t, res.LimitCrossed)
	require.NotNil(t, res.BlockedUntil)
	assert.WithinDuration(t, testNow.Add(pol.Block), *res.BlockedUntil, time.Second)

	// Denied again via the persisted stamp, without a second crossing.
	res, err = store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonBlocked, res.Reason)
	assert.False(t, res.LimitCrossed)
}

func TestSQLStore_PeekDoesNotPersist(t *testing.T) {
	store, _ := newTestSQLStore(t)
	pol := enforcePolicy(5, 0)
	ctx := context.Background()

	res, err := store.Consume(ctx, "ghost", "login", pol, false)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(0), res.Count)

	var rows int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM rate_counters").Scan(&rows))
	assert.Equal(t, 0, rows, "peek must not create rows")
}

func TestSQLStore_WindowRollover(t *testing.T) {
	store, now := newTestSQLStore(t)
	pol := enforcePolicy(2, 0)
	ctx := context.Background()

	_, err := store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)
	_, err = store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)

	res, err := store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	*now = testNow.Add(16 * time.Minute) // past the window and the block
	res, err = store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(1), res.Count)
	assert.WithinDuration(t, now.Add(pol.Window), res.ResetTime, time.Second)
}

func TestSQLStore_ResetWildcards(t *testing.T) {
	store, _ := newTestSQLStore(t)
	pol := enforcePolicy(1, 0)
	ctx := context.Background()

	_, err := store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)
	_, err = store.Consume(ctx, "user1", "signup", pol, true)
	require.NoError(t, err)
	_, err = store.Consume(ctx, "user2", "login", pol, true)
	require.NoError(t, err)

	// All modules for one key.
	require.NoError(t, store.Reset(ctx, "user1", ""))

	res, err := store.Consume(ctx, "user1", "login", pol, true)
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

func TestSQLStore_ResetClearsBlock(t *testing.T) {
	store, _ := newTestSQLStore(t)
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

func TestSQLStore_SetBlock(t *testing.T) {
	store, _ := newTestSQLStore(t)
	pol := enforcePolicy(5, 0)
	ctx := context.Background()

	until := testNow.Add(time.Hour)

	// On an absent row SetBlock creates one.
	require.NoError(t, store.SetBlock(ctx, "user1", "login", until))

	res, err := store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonBlocked, res.Reason)
	require.NotNil(t, res.BlockedUntil)
	assert.WithinDuration(t, until, *res.BlockedUntil, time.Second)

	// On an existing row SetBlock updates in place.
	later := until.Add(time.Hour)
	require.NoError(t, store.SetBlock(ctx, "user1", "login", later))

	res, err = store.Consume(ctx, "user1", "login", pol, true)
	require.NoError(t, err)
	require.NotNil(t, res.BlockedUntil)
	assert.WithinDuration(t, later, *res.BlockedUntil, time.Second)
}

func TestSQLStore_PruneExpired(t *testing.T) {
	store, now := newTestSQLStore(t)
	pol := enforcePolicy(2, 0)
	ctx := context.Background()

	_, err := store.Consume(ctx, "old", "login", pol, true)
	require.NoError(t, err)

	*now = testNow.Add(time.Hour)
	_, err = store.Consume(ctx, "fresh", "login", pol, true)
	require.NoError(t, err)

	pruned, err := store.PruneExpired(ctx, testNow.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)

	var rows int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM rate_counters").Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestSQLStore_PruneKeepsActiveBlocks(t *testing.T) {
	store, now := newTestSQLStore(t)
	pol := enforcePolicy(1, 0)
	pol.Block = 2 * time.Hour
	ctx := context.Background()

	_, err := store.Consume(ctx, "abuser", "login", pol, true)
	require.NoError(t, err)
	_, err = store.Consume(ctx, "abuser", "login", pol, true) // blocked 2h
	require.NoError(t, err)

	*now = testNow.Add(time.Hour)
	pruned, err := store.PruneExpired(ctx, *now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), pruned, "blocked rows must survive pruning")

	res, err := store.Consume(ctx, "abuser", "login", pol, true)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestSQLStore_HealthCheckAndClose(t *testing.T) {
	store, _ := newTestSQLStore(t)
	ctx := context.Background()

	assert.NoError(t, store.HealthCheck(ctx))

	// Close does not close the shared connection.
	require.NoError(t, store.Close())
	assert.NoError(t, store.db.Ping())
}

func TestConvertPlaceholders(t *testing.T) {
	s := &SQLStore{dialect: "postgres"}
	query := "SELECT a FROM t WHERE x = ? AND y = ?"
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", s.convertPlaceholders(query))
	assert.Equal(t, "SELECT 1", s.convertPlaceholders("SELECT 1"))
}
