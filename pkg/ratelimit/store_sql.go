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
	"fmt"
	"strings"
	"time"

	"github.com/kadirpekel/cerberus/pkg/policy"
)

const (
	// SQL schema for the rate_counters table.
	createRateCountersTableSQL = `
CREATE TABLE IF NOT EXISTS rate_counters (
    counter_key VARCHAR(255) NOT NULL,
    module VARCHAR(100) NOT NULL,
    count BIGINT NOT NULL DEFAULT 0,
    window_start TIMESTAMP NOT NULL,
    window_end TIMESTAMP NOT NULL,
    blocked_until TIMESTAMP NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (counter_key, module)
)`

	createRateCountersWindowIndexSQL = `CREATE INDEX IF NOT EXISTS idx_rate_counters_window_end ON rate_counters(window_end)`
)

// SQLStore is the durable, transactional implementation of CounterStore.
// It supports Postgres, MySQL, and SQLite, and is the authoritative side of
// a resilient store pair.
type SQLStore struct {
	db      *sql.DB
	dialect string

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewSQLStore creates a durable store on an existing database connection.
// Supported dialects: "postgres", "mysql", "sqlite".
//
// The connection is typically shared with other components via the
// config DBPool, so Close does not close it.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	// Normalize dialect
	if dialect == "sqlite3" {
		dialect = "sqlite"
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
		// Valid dialects
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{
		db:      db,
		dialect: dialect,
		now:     time.Now,
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// initSchema creates the necessary tables and indexes.
func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createRateCountersTableSQL); err != nil {
		return fmt.Errorf("failed to create rate_counters table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createRateCountersWindowIndexSQL); err != nil {
		return fmt.Errorf("failed to create rate_counters index: %w", err)
	}

	return nil
}

// Name identifies the backend.
func (s *SQLStore) Name() string {
	return "sql"
}

// Consume applies one decision for (key, module) inside a single
// transaction: the row is locked, advanced, and written back as one unit.
func (s *SQLStore) Consume(ctx context.Context, key, module string, pol policy.Policy, increment bool) (*Result, error) {
	return s.consume(ctx, key, module, pol, increment, false)
}

func (s *SQLStore) consume(ctx context.Context, key, module string, pol policy.Policy, increment, retried bool) (*Result, error) {
	now := s.now()

	if pol.MaxRequests <= 0 {
		return zeroQuotaResult(pol, now), nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewStoreError("sql", "consume", err)
	}
	defer tx.Rollback() // Rollback if not committed

	st, exists, err := s.selectStateTx(ctx, tx, key, module)
	if err != nil {
		return nil, NewStoreError("sql", "consume", err)
	}

	res, dirty := applyConsume(&st, pol, now, increment)

	if dirty {
		if exists {
			err = s.updateStateTx(ctx, tx, key, module, st, now)
		} else {
			err = s.insertStateTx(ctx, tx, key, module, st, now)
		}
		if err != nil {
			// A concurrent first consume may have inserted the row between
			// our empty select and the insert. Retry once; the second pass
			// sees and locks the existing row.
			if !exists && !retried {
				_ = tx.Rollback()
				return s.consume(ctx, key, module, pol, increment, true)
			}
			return nil, NewStoreError("sql", "consume", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, NewStoreError("sql", "consume", err)
	}

	return res, nil
}

// selectStateTx reads and locks the counter row for (key, module).
func (s *SQLStore) selectStateTx(ctx context.Context, tx *sql.Tx, key, module string) (counterState, bool, error) {
	query := `SELECT count, window_start, window_end, blocked_until FROM rate_counters WHERE counter_key = ? AND module = ?`
	if s.dialect != "sqlite" {
		// SQLite serializes writers; Postgres and MySQL need the row lock.
		query += ` FOR UPDATE`
	}
	query = s.convertPlaceholders(query)

	var st counterState
	var blockedUntil sql.NullTime
	err := tx.QueryRowContext(ctx, query, key, module).Scan(&st.Count, &st.WindowStart, &st.WindowEnd, &blockedUntil)
	if err == sql.ErrNoRows {
		return counterState{}, false, nil
	}
	if err != nil {
		return counterState{}, false, fmt.Errorf("failed to query counter: %w", err)
	}

	if blockedUntil.Valid {
		t := blockedUntil.Time
		st.BlockedUntil = &t
	}

	return st, true, nil
}

func (s *SQLStore) insertStateTx(ctx context.Context, tx *sql.Tx, key, module string, st counterState, now time.Time) error {
	query := s.convertPlaceholders(`
		INSERT INTO rate_counters (counter_key, module, count, window_start, window_end, blocked_until, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := tx.ExecContext(ctx, query, key, module, st.Count, st.WindowStart, st.WindowEnd, nullableTime(st.BlockedUntil), now, now)
	if err != nil {
		return fmt.Errorf("failed to insert counter: %w", err)
	}
	return nil
}

func (s *SQLStore) updateStateTx(ctx context.Context, tx *sql.Tx, key, module string, st counterState, now time.Time) error {
	query := s.convertPlaceholders(`
		UPDATE rate_counters
		SET count = ?, window_start = ?, window_end = ?, blocked_until = ?, updated_at = ?
		WHERE counter_key = ? AND module = ?
	`)

	_, err := tx.ExecContext(ctx, query, st.Count, st.WindowStart, st.WindowEnd, nullableTime(st.BlockedUntil), now, key, module)
	if err != nil {
		return fmt.Errorf("failed to update counter: %w", err)
	}
	return nil
}

// Reset zeroes matching counters and clears their block stamps, preserving
// window boundaries. Empty key or module act as wildcards.
func (s *SQLStore) Reset(ctx context.Context, key, module string) error {
	query := `UPDATE rate_counters SET count = 0, blocked_until = NULL, updated_at = ?`
	args := []interface{}{s.now()}

	var conds []string
	if key != "" {
		conds = append(conds, "counter_key = ?")
		args = append(args, key)
	}
	if module != "" {
		conds = append(conds, "module = ?")
		args = append(args, module)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query = s.convertPlaceholders(query)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return NewStoreError("sql", "reset", err)
	}

	return nil
}

// SetBlock stamps (key, module) blocked until the given time, creating the
// row if needed.
func (s *SQLStore) SetBlock(ctx context.Context, key, module string, until time.Time) error {
	now := s.now()

	updateQuery := s.convertPlaceholders(`
		UPDATE rate_counters SET blocked_until = ?, updated_at = ? WHERE counter_key = ? AND module = ?
	`)

	result, err := s.db.ExecContext(ctx, updateQuery, until, now, key, module)
	if err != nil {
		return NewStoreError("sql", "set_block", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return NewStoreError("sql", "set_block", err)
	}
	if rows > 0 {
		return nil
	}

	// No row yet: create one with a degenerate window that rolls over on
	// the first consume after the block expires.
	insertQuery := s.convertPlaceholders(`
		INSERT INTO rate_counters (counter_key, module, count, window_start, window_end, blocked_until, created_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?, ?, ?)
	`)

	if _, err := s.db.ExecContext(ctx, insertQuery, key, module, now, now, until, now, now); err != nil {
		// A concurrent writer may have created the row; stamp it instead.
		if _, uerr := s.db.ExecContext(ctx, updateQuery, until, now, key, module); uerr != nil {
			return NewStoreError("sql", "set_block", err)
		}
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return NewStoreError("sql", "health", err)
	}
	return nil
}

// PruneExpired removes rows whose window and block both ended before the
// cutoff.
func (s *SQLStore) PruneExpired(ctx context.Context, before time.Time) (int64, error) {
	query := s.convertPlaceholders(`
		DELETE FROM rate_counters
		WHERE window_end < ? AND (blocked_until IS NULL OR blocked_until < ?)
	`)

	result, err := s.db.ExecContext(ctx, query, before, before)
	if err != nil {
		return 0, NewStoreError("sql", "prune", err)
	}

	pruned, err := result.RowsAffected()
	if err != nil {
		return 0, NewStoreError("sql", "prune", err)
	}

	return pruned, nil
}

// Close is a no-op: the *sql.DB is shared with other components and owned
// by the connection pool.
func (s *SQLStore) Close() error {
	return nil
}

// Dialect returns the store's SQL dialect (for testing).
func (s *SQLStore) Dialect() string {
	return s.dialect
}

// convertPlaceholders converts ? placeholders to $N for postgres.
func (s *SQLStore) convertPlaceholders(query string) string {
	if s.dialect != "postgres" {
		return query
	}

	var sb strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			fmt.Fprintf(&sb, "$%d", n)
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

// nullableTime converts *time.Time to a driver-friendly NULL.
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}
