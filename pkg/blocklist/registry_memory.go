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
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/cerberus/pkg/privacy"
)

// MemoryRegistry is an in-memory implementation of Registry.
// It is thread-safe and suitable for development, testing, and
// single-instance deployments.
type MemoryRegistry struct {
	hasher *privacy.Hasher

	mu     sync.RWMutex
	blocks []*Block
}

// NewMemoryRegistry creates a new in-memory block registry.
func NewMemoryRegistry(hasher *privacy.Hasher) *MemoryRegistry {
	return &MemoryRegistry{hasher: hasher}
}

// IsBlocked returns the longest-lasting active block overlapping the facets.
func (r *MemoryRegistry) IsBlocked(ctx context.Context, f Facets, module string) (*Block, error) {
	match := toMatch(r.hasher, f)
	if match.isZero() {
		return nil, nil
	}

	now := time.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var winner *Block
	for _, b := range r.blocks {
		if !b.ActiveAt(now) {
			continue
		}
		if b.Module != module && b.Module != ModuleAll {
			continue
		}
		if !match.matches(b) {
			continue
		}
		if b.outlasts(winner) {
			winner = b
		}
	}

	if winner == nil {
		return nil, nil
	}
	copied := *winner
	return &copied, nil
}

// Create records a block, extending an equivalent active one instead of
// duplicating it.
func (r *MemoryRegistry) Create(ctx context.Context, f Facets, module string, until *time.Time, reason string) (*Block, error) {
	if f.IsZero() {
		return nil, fmt.Errorf("block requires at least one facet")
	}
	if module == "" {
		module = ModuleAll
	}

	stored := toStored(r.hasher, f)
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, b := range r.blocks {
		if !b.ActiveAt(now) || b.Module != module || !stored.sameScope(b) {
			continue
		}
		// Equivalent active block: extend, never shorten.
		if b.UnblockedAt != nil && (until == nil || until.After(*b.UnblockedAt)) {
			b.UnblockedAt = until
		}
		copied := *b
		return &copied, nil
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
	r.blocks = append(r.blocks, block)

	copied := *block
	return &copied, nil
}

// Lift deactivates matching active blocks. Entries are kept for audit.
func (r *MemoryRegistry) Lift(ctx context.Context, f Facets, module string) (int, error) {
	match := toMatch(r.hasher, f)
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	lifted := 0
	for _, b := range r.blocks {
		if !b.ActiveAt(now) {
			continue
		}
		if module != "" && b.Module != module {
			continue
		}
		if !match.isZero() && !match.matches(b) {
			continue
		}
		unblocked := now
		b.Active = false
		b.UnblockedAt = &unblocked
		lifted++
	}

	return lifted, nil
}

// LiftAll deactivates every active block.
func (r *MemoryRegistry) LiftAll(ctx context.Context) (int, error) {
	return r.Lift(ctx, Facets{}, "")
}

// List returns blocks most recent first.
func (r *MemoryRegistry) List(ctx context.Context, module string, limit int) ([]Block, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Block, 0, len(r.blocks))
	for i := len(r.blocks) - 1; i >= 0; i-- {
		b := r.blocks[i]
		if module != "" && b.Module != module {
			continue
		}
		out = append(out, *b)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Close clears the registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocks = nil
	return nil
}

// Size returns the number of stored blocks, lifted included (for testing).
func (r *MemoryRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.blocks)
}

// Ensure MemoryRegistry implements Registry
var _ Registry = (*MemoryRegistry)(nil)
