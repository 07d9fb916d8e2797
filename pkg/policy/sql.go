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

package policy

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const createPoliciesSchemaSQL = `
CREATE TABLE IF NOT EXISTS module_policies (
    module VARCHAR(255) PRIMARY KEY,
    max_requests INTEGER NOT NULL,
    window_ms BIGINT NOT NULL,
    block_ms BIGINT NOT NULL,
    warn_threshold INTEGER NOT NULL DEFAULT 0,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    mode VARCHAR(20) NOT NULL DEFAULT 'enforce',
    fail_closed BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

// policyRow maps to the module_policies table. Durations are stored as
// millisecond integers so rows read the same across dialects.
type policyRow struct {
	Module       string
	MaxRequests  int
	WindowMs     int64
	BlockMs      int64
	WarnThresh   int
	IsActive     bool
	Mode         string
	FailClosed   bool
}

// SQLSource stores policies in a module_policies table.
// It supports Postgres, MySQL, and SQLite.
type SQLSource struct {
	db      *sql.DB
	dialect string
}

// NewSQLSource creates a SQL-backed policy source and initializes its schema.
// Supported dialects: "postgres", "mysql", "sqlite".
func NewSQLSource(db *sql.DB, dialect string) (*SQLSource, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLSource{
		db:      db,
		dialect: dialect,
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLSource) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createPoliciesSchemaSQL); err != nil {
		return fmt.Errorf("failed to create module_policies table: %w", err)
	}

	return nil
}

// Load returns the stored policy for a module.
func (s *SQLSource) Load(ctx context.Context, module string) (Policy, bool, error) {
	query := `SELECT module, max_requests, window_ms, block_ms, warn_threshold, is_active, mode, fail_closed
              FROM module_policies WHERE module = ?`
	if s.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var row policyRow
	err := s.db.QueryRowContext(ctx, query, module).Scan(
		&row.Module, &row.MaxRequests, &row.WindowMs, &row.BlockMs,
		&row.WarnThresh, &row.IsActive, &row.Mode, &row.FailClosed)
	if err == sql.ErrNoRows {
		return Policy{}, false, nil
	}
	if err != nil {
		return Policy{}, false, fmt.Errorf("failed to load policy for module %s: %w", module, err)
	}

	return rowToPolicy(&row), true, nil
}

// LoadAll returns every stored policy, ordered by module name.
func (s *SQLSource) LoadAll(ctx context.Context) ([]Policy, error) {
	query := `SELECT module, max_requests, window_ms, block_ms, warn_threshold, is_active, mode, fail_closed
              FROM module_policies ORDER BY module`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		var row policyRow
		if err := rows.Scan(
			&row.Module, &row.MaxRequests, &row.WindowMs, &row.BlockMs,
			&row.WarnThresh, &row.IsActive, &row.Mode, &row.FailClosed); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, rowToPolicy(&row))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate policies: %w", err)
	}

	return policies, nil
}

// Store upserts a policy row.
func (s *SQLSource) Store(ctx context.Context, p Policy) error {
	now := time.Now()
	query := s.upsertPolicyQuery()

	_, err := s.db.ExecContext(ctx, query,
		p.Module, p.MaxRequests, p.Window.Milliseconds(), p.Block.Milliseconds(),
		p.WarnThreshold, p.Active, string(p.Mode), p.FailClosed, now, now)
	if err != nil {
		return fmt.Errorf("failed to store policy for module %s: %w", p.Module, err)
	}

	return nil
}

// Seed inserts config-defined policies that have no row yet. Existing rows
// win: operator edits through the admin surface are never clobbered by a
// restart.
func (s *SQLSource) Seed(ctx context.Context, policies []Policy) error {
	query := s.insertIgnoreQuery()
	now := time.Now()

	for _, p := range policies {
		_, err := s.db.ExecContext(ctx, query,
			p.Module, p.MaxRequests, p.Window.Milliseconds(), p.Block.Milliseconds(),
			p.WarnThreshold, p.Active, string(p.Mode), p.FailClosed, now, now)
		if err != nil {
			return fmt.Errorf("failed to seed policy for module %s: %w", p.Module, err)
		}
	}

	return nil
}

// Dialect returns the SQL dialect (for testing).
func (s *SQLSource) Dialect() string {
	return s.dialect
}

func (s *SQLSource) upsertPolicyQuery() string {
	switch s.dialect {
	case "postgres":
		return `INSERT INTO module_policies (module, max_requests, window_ms, block_ms, warn_threshold, is_active, mode, fail_closed, created_at, updated_at)
                VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
                ON CONFLICT (module) DO UPDATE SET
                    max_requests = EXCLUDED.max_requests,
                    window_ms = EXCLUDED.window_ms,
                    block_ms = EXCLUDED.block_ms,
                    warn_threshold = EXCLUDED.warn_threshold,
                    is_active = EXCLUDED.is_active,
                    mode = EXCLUDED.mode,
                    fail_closed = EXCLUDED.fail_closed,
                    updated_at = EXCLUDED.updated_at`
	case "mysql":
		return `INSERT INTO module_policies (module, max_requests, window_ms, block_ms, warn_threshold, is_active, mode, fail_closed, created_at, updated_at)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                ON DUPLICATE KEY UPDATE
                    max_requests = VALUES(max_requests),
                    window_ms = VALUES(window_ms),
                    block_ms = VALUES(block_ms),
                    warn_threshold = VALUES(warn_threshold),
                    is_active = VALUES(is_active),
                    mode = VALUES(mode),
                    fail_closed = VALUES(fail_closed),
                    updated_at = VALUES(updated_at)`
	default: // sqlite
		return `INSERT INTO module_policies (module, max_requests, window_ms, block_ms, warn_threshold, is_active, mode, fail_closed, created_at, updated_at)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                ON CONFLICT (module) DO UPDATE SET
                    max_requests = excluded.max_requests,
                    window_ms = excluded.window_ms,
                    block_ms = excluded.block_ms,
                    warn_threshold = excluded.warn_threshold,
                    is_active = excluded.is_active,
                    mode = excluded.mode,
                    fail_closed = excluded.fail_closed,
                    updated_at = excluded.updated_at`
	}
}

func (s *SQLSource) insertIgnoreQuery() string {
	switch s.dialect {
	case "postgres":
		return `INSERT INTO module_policies (module, max_requests, window_ms, block_ms, warn_threshold, is_active, mode, fail_closed, created_at, updated_at)
                VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
                ON CONFLICT (module) DO NOTHING`
	case "mysql":
		return `INSERT IGNORE INTO module_policies (module, max_requests, window_ms, block_ms, warn_threshold, is_active, mode, fail_closed, created_at, updated_at)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	default: // sqlite
		return `INSERT OR IGNORE INTO module_policies (module, max_requests, window_ms, block_ms, warn_threshold, is_active, mode, fail_closed, created_at, updated_at)
                VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	}
}

func rowToPolicy(row *policyRow) Policy {
	return Policy{
		Module:        row.Module,
		MaxRequests:   row.MaxRequests,
		Window:        time.Duration(row.WindowMs) * time.Millisecond,
		Block:         time.Duration(row.BlockMs) * time.Millisecond,
		WarnThreshold: row.WarnThresh,
		Active:        row.IsActive,
		Mode:          Mode(row.Mode),
		FailClosed:    row.FailClosed,
	}
}

// convertToPostgresPlaceholders converts ? to $1, $2, etc. in a single pass.
func convertToPostgresPlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 20)
	paramNum := 1
	for _, c := range query {
		if c == '?' {
			b.WriteString(fmt.Sprintf("$%d", paramNum))
			paramNum++
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Ensure SQLSource implements Source
var _ Source = (*SQLSource)(nil)
