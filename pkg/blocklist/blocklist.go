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

// Package blocklist maintains actor blocks independent of rate counters.
//
// A block scopes to one or more facets of an actor (user id, hashed email,
// hashed or truncated IP, mail domain) and to a single module or the
// wildcard "all". Blocks are never physically deleted: lifting a block
// deactivates it and stamps unblocked_at, preserving audit history. Raw
// emails and IP addresses never reach storage; they are hashed or truncated
// through pkg/privacy on the way in.
package blocklist

import (
	"context"
	"time"
)

// ModuleAll is the wildcard module: a block with this module applies to
// every module.
const ModuleAll = "all"

// Facets identifies an actor by one or more dimensions. Any subset may be
// set; empty fields are ignored. Raw Email/IPAddress values are accepted
// here and converted to hashed/truncated form before they touch storage
// or logs.
type Facets struct {
	UserID     string
	Email      string // raw email; normalized and hashed before storage
	EmailHash  string // pre-hashed alternative to Email
	IPAddress  string // raw IP; hashed and truncated before storage
	IPHash     string // pre-hashed alternative to IPAddress
	IPPrefix   string // coarse subnet, e.g. "203.0.113.0/24"
	MailDomain string
}

// IsZero reports whether no facet is set.
func (f Facets) IsZero() bool {
	return f == Facets{}
}

// Block is one stored block. Facet fields hold only privacy-safe values:
// hashes, prefixes, and domains.
type Block struct {
	ID     string
	Module string // specific module or ModuleAll

	UserID     string
	EmailHash  string
	IPHash     string
	IPPrefix   string
	MailDomain string

	// HashVersion records the secret version used for hashed facets at
	// creation time. Matching checks every configured version, so blocks
	// survive secret rotation.
	HashVersion int

	Reason      string
	Active      bool
	BlockedAt   time.Time
	UnblockedAt *time.Time // nil means permanent
}

// ActiveAt reports whether the block restricts the actor at the given
// instant: active flag set and not yet expired.
func (b *Block) ActiveAt(now time.Time) bool {
	if !b.Active {
		return false
	}
	return b.UnblockedAt == nil || b.UnblockedAt.After(now)
}

// outlasts reports whether this block restricts the actor for longer than
// other: a permanent block (nil UnblockedAt) outlasts everything, then the
// furthest unblock time wins.
func (b *Block) outlasts(other *Block) bool {
	if other == nil {
		return true
	}
	if b.UnblockedAt == nil {
		return other.UnblockedAt != nil
	}
	if other.UnblockedAt == nil {
		return false
	}
	return b.UnblockedAt.After(*other.UnblockedAt)
}

// Registry stores and queries blocks.
//
// Implementations must be safe for concurrent use.
type Registry interface {
	// IsBlocked returns the active block whose facets overlap the supplied
	// facets for the given module (or ModuleAll), or nil when the actor is
	// not blocked. When several blocks match, the one with the furthest
	// unblock time wins and a permanent block wins outright: the caller
	// stays blocked until the longest-standing restriction expires.
	IsBlocked(ctx context.Context, f Facets, module string) (*Block, error)

	// Create records a block for the supplied facets. until nil means
	// permanent. Creating a block equivalent to a currently active one is
	// idempotent: the existing block is returned, its unblock time
	// extended if the new one reaches further.
	Create(ctx context.Context, f Facets, module string, until *time.Time, reason string) (*Block, error)

	// Lift deactivates active blocks matching the facets and module,
	// stamping unblocked_at. Lifting where nothing matches is a no-op
	// success. An empty facet set lifts every block for the module.
	// Returns the number of blocks lifted.
	Lift(ctx context.Context, f Facets, module string) (int, error)

	// LiftAll deactivates every active block. Used by wildcard resets.
	LiftAll(ctx context.Context) (int, error)

	// List returns blocks for a module ("" for every module), most recent
	// first, including lifted ones up to limit.
	List(ctx context.Context, module string, limit int) ([]Block, error)

	// Close releases registry resources.
	Close() error
}
