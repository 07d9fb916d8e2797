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

package blocklist

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/cerberus/pkg/privacy"
)

const createBlocksSchemaSQL = `
CREATE TABLE IF NOT EXISTS blocks (
    id VARCHAR(36) PRIMARY KEY,
    module VARCHAR(255) NOT NULL,
    user_id VARCHAR(255) NOT NULL DEFAULT '',
    email_hash VARCHAR(64) NOT NULL DEFAULT '',
    ip_hash VARCHAR(64) NOT NULL DEFAULT '',
    ip_prefix VARCHAR(64) NOT NULL DEFAULT '',
    mail_domain VARCHAR(255) NOT NULL DEFAULT '',
    hash_version INTEGER NOT NULL DEFAULT 0,
    reason TEXT,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    blocked_at TIMESTAMP NOT NULL,
    unblocked_at TIMESTAMP NULL
)`

const createBlocksActiveIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_blocks_active_module ON blocks(is_active, module)`

const createBlocksUserIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_blocks_user ON blocks(user_id)`

const createBlocksEmailIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_blocks_email_hash ON blocks(email_hash)`

const blockColumns = `id, module, user_id, email_hash, ip_hash, ip_prefix, mail_domain, hash_version, reason, is_active, blocked_at, unblocked_at`

// SQLRegistry is a SQL-backed implementation of Registry.
// It supports Postgres, MySQL, and SQLite.
type SQLRegistry struct {
	db      *sql.DB
	hasher  *privacy.Hasher
	dialect string
}

// NewSQLRegistry creates a SQL-backed block registry and initializes its
// schema. Supported dialects: "postgres", "mysql", "sqlite".
func NewSQLRegistry(db *sql.DB, dialect string, hasher *privacy.Hasher) (*SQLRegistry, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite", "sqlite3":
		if dialect == "sqlite3" {
			dialect = "sqlite"
		}
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	r := &SQLRegistry{
		db:      db,
		hasher:  hasher,
		dialect: dialect,
	}

	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return r, nil
}

func (r *SQLRegistry) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{
		createBlocksSchemaSQL,
		createBlocksActiveIndexSQL,
		createBlocksUserIndexSQL,
		createBlocksEmailIndexSQL,
	}
	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return nil
}

// facetConditions builds the OR-joined facet predicates for a match query.
// Returns an empty clause when no facet is set.
func facetConditions(m matchFacets) (string, []any) {
	var conds []string
	var args []any

	if m.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, m.UserID)
	}
	if len(m.EmailHashes) > 0 {
		conds = append(conds, "email_hash IN ("+placeholders(len(m.EmailHashes))+")")
		for _, hash := range m.EmailHashes {
			args = append(args, hash)
		}
	}
	if len(m.IPHashes) > 0 {
		conds = append(conds, "ip_hash IN ("+placeholders(len(m.IPHashes))+")")
		for _, hash := range m.IPHashes {
			args = append(args, hash)
		}
	}
	if m.IPPrefix != "" {
		conds = append(conds, "ip_prefix = ?")
		args = append(args, m.IPPrefix)
	}
	if m.MailDomain != "" {
		conds = append(conds, "mail_domain = ?")
		args = append(args, m.MailDomain)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return "(" + strings.Join(conds, " OR ") + ")", args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// IsBlocked returns the longest-lasting active block overlapping the facets.
func (r *SQLRegistry) IsBlocked(ctx context.Context, f Facets, module string) (*Block, error) {
	match := toMatch(r.hasher, f)
	if match.isZero() {
		return nil, nil
	}

	facetClause, facetArgs := facetConditions(match)
	now := time.Now()

	// Permanent blocks (NULL unblocked_at) sort first, then the furthest
	// unblock time; the caller stays blocked until the longest-standing
	// restriction expires. The CASE keeps the ordering portable across
	// dialects that disagree on default NULL placement.
	query := `SELECT ` + blockColumns + ` FROM blocks
        WHERE is_active = ? AND (unblocked_at IS NULL OR unblocked_at > ?)
          AND (module = ? OR module = ?)
          AND ` + facetClause + `
        ORDER BY CASE WHEN unblocked_at IS NULL THEN 1 ELSE 0 END DESC, unblocked_at DESC
        LIMIT 1`

	args := append([]any{true, now, module, ModuleAll}, facetArgs...)
	if r.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var block Block
	var reason sql.NullString
	var unblockedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, args...).Scan(
		&block.ID, &block.Module, &block.UserID, &block.EmailHash, &block.IPHash,
		&block.IPPrefix, &block.MailDomain, &block.HashVersion, &reason,
		&block.Active, &block.BlockedAt, &unblockedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query blocks: %w", err)
	}

	block.Reason = reason.String
	if unblockedAt.Valid {
		t := unblockedAt.Time
		block.UnblockedAt = &t
	}

	return &block, nil
}

// Create records a block, extending an equivalent active one instead of
// duplicating it. The lookup and insert run in one transaction so
// concurrent creates for the same scope cannot race past each other.
func (r *SQLRegistry) Create(ctx context.Context, f Facets, module string, until *time.Time, reason string) (*Block, error) {
	if f.IsZero() {
		return nil, fmt.Errorf("block requires at least one facet")
	}
	if module == "" {
		module = ModuleAll
	}

	stored := toStored(r.hasher, f)
	now := time.Now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback if not committed

	existing, err := r.findEquivalentTx(ctx, tx, stored, module, now)
	if err != nil {
		return nil, err
	}

	if existing != nil {
		if existing.UnblockedAt != nil && (until == nil || until.After(*existing.UnblockedAt)) {
			if err := r.extendBlockTx(ctx, tx, existing.ID, until); err != nil {
				return nil, err
			}
			existing.UnblockedAt = until
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return existing, nil
	}

	block := &Block{
		ID:          uuid.NewString(),
		Module:      module,
		UserID:      stored.UserID,
		EmailHash:   stored.EmailHash,
		IPHash:      stored.IPHash,
		IPPrefix:    stored.IPPrefix,
		MailDomain:  stored.MailDomain,
		HashVersion: stored.HashVersion,
		Reason:      reason,
		Active:      true,
		BlockedAt:   now,
		UnblockedAt: until,
	}

	query := `INSERT INTO blocks (` + blockColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if r.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var unblockedAt any
	if until != nil {
		unblockedAt = *until
	}

	_, err = tx.ExecContext(ctx, query,
		block.ID, block.Module, block.UserID, block.EmailHash, block.IPHash,
		block.IPPrefix, block.MailDomain, block.HashVersion, block.Reason,
		block.Active, block.BlockedAt, unblockedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert block: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return block, nil
}

func (r *SQLRegistry) findEquivalentTx(ctx context.Context, tx *sql.Tx, stored storedFacets, module string, now time.Time) (*Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks
        WHERE is_active = ? AND (unblocked_at IS NULL OR unblocked_at > ?)
          AND module = ?
          AND user_id = ? AND email_hash = ? AND ip_hash = ? AND ip_prefix = ? AND mail_domain = ?
        ORDER BY CASE WHEN unblocked_at IS NULL THEN 1 ELSE 0 END DESC, unblocked_at DESC
        LIMIT 1`
	if r.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var block Block
	var reason sql.NullString
	var unblockedAt sql.NullTime
	err := tx.QueryRowContext(ctx, query,
		true, now, module,
		stored.UserID, stored.EmailHash, stored.IPHash, stored.IPPrefix, stored.MailDomain).Scan(
		&block.ID, &block.Module, &block.UserID, &block.EmailHash, &block.IPHash,
		&block.IPPrefix, &block.MailDomain, &block.HashVersion, &reason,
		&block.Active, &block.BlockedAt, &unblockedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query equivalent block: %w", err)
	}

	block.Reason = reason.String
	if unblockedAt.Valid {
		t := unblockedAt.Time
		block.UnblockedAt = &t
	}
	return &block, nil
}

func (r *SQLRegistry) extendBlockTx(ctx context.Context, tx *sql.Tx, id string, until *time.Time) error {
	query := `UPDATE blocks SET unblocked_at = ? WHERE id = ?`
	if r.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	var unblockedAt any
	if until != nil {
		unblockedAt = *until
	}

	if _, err := tx.ExecContext(ctx, query, unblockedAt, id); err != nil {
		return fmt.Errorf("failed to extend block: %w", err)
	}
	return nil
}

// Lift deactivates matching active blocks, stamping unblocked_at.
func (r *SQLRegistry) Lift(ctx context.Context, f Facets, module string) (int, error) {
	match := toMatch(r.hasher, f)
	now := time.Now()

	query := `UPDATE blocks SET is_active = ?, unblocked_at = ?
        WHERE is_active = ? AND (unblocked_at IS NULL OR unblocked_at > ?)`
	args := []any{false, now, true, now}

	if module != "" {
		query += ` AND module = ?`
		args = append(args, module)
	}
	if !match.isZero() {
		facetClause, facetArgs := facetConditions(match)
		query += ` AND ` + facetClause
		args = append(args, facetArgs...)
	}

	if r.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to lift blocks: %w", err)
	}

	lifted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(lifted), nil
}

// LiftAll deactivates every active block.
func (r *SQLRegistry) LiftAll(ctx context.Context) (int, error) {
	return r.Lift(ctx, Facets{}, "")
}

// List returns blocks most recent first, lifted ones included.
func (r *SQLRegistry) List(ctx context.Context, module string, limit int) ([]Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks`
	var args []any

	if module != "" {
		query += ` WHERE module = ?`
		args = append(args, module)
	}
	query += ` ORDER BY blocked_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	if r.dialect == "postgres" {
		query = convertToPostgresPlaceholders(query)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var block Block
		var reason sql.NullString
		var unblockedAt sql.NullTime
		if err := rows.Scan(
			&block.ID, &block.Module, &block.UserID, &block.EmailHash, &block.IPHash,
			&block.IPPrefix, &block.MailDomain, &block.HashVersion, &reason,
			&block.Active, &block.BlockedAt, &unblockedAt); err != nil {
			return nil, fmt.Errorf("failed to scan block: %w", err)
		}
		block.Reason = reason.String
		if unblockedAt.Valid {
			t := unblockedAt.Time
			block.UnblockedAt = &t
		}
		blocks = append(blocks, block)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate blocks: %w", err)
	}

	return blocks, nil
}

// Close closes the registry.
// The underlying database connection is shared and stays open.
func (r *SQLRegistry) Close() error {
	return nil
}

// Dialect returns the SQL dialect (for testing).
func (r *SQLRegistry) Dialect() string {
	return r.dialect
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

// Ensure SQLRegistry implements Registry
var _ Registry = (*SQLRegistry)(nil)
