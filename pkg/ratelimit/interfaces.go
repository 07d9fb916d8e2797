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
	"time"

	"github.com/kadirpekel/cerberus/pkg/policy"
)

// CounterStore is the persistence layer for window counters.
//
// Implementations must be safe for concurrent use, and Consume must be
// atomic with respect to concurrent callers for the same (key, module):
// the window rollover, the increment, and the block stamp are one unit.
type CounterStore interface {
	// Name identifies the backend for logs, metrics, and health reports:
	// "memory", "sql", "redis".
	Name() string

	// Consume applies one decision for (key, module) under the policy.
	// With increment=false it peeks: the result reports current state but
	// nothing is persisted. An error means the backend could not serve the
	// call; the decision then belongs to the engine's fail-open/fail-closed
	// handling, never to the store.
	Consume(ctx context.Context, key, module string, pol policy.Policy, increment bool) (*Result, error)

	// Reset zeroes the counter and clears any block stamp for matching
	// rows. Empty key or module act as wildcards; empty both resets
	// everything. Resetting absent rows is a no-op success. Window
	// boundaries of existing rows are preserved.
	Reset(ctx context.Context, key, module string) error

	// SetBlock stamps (key, module) blocked until the given time, creating
	// the row if needed. Used to mirror administrative blocks into the
	// counter path so the pre-check inside Consume fires.
	SetBlock(ctx context.Context, key, module string, until time.Time) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// PruneExpired removes rows whose window and block both ended before
	// the cutoff, returning the number removed. Backends with native
	// expiry may report zero.
	PruneExpired(ctx context.Context, before time.Time) (int64, error)

	// Close releases resources held by the store.
	Close() error
}

// Ensure interface compliance at compile time.
var (
	_ CounterStore = (*MemoryStore)(nil)
	_ CounterStore = (*SQLStore)(nil)
	_ CounterStore = (*RedisStore)(nil)
	_ CounterStore = (*ResilientStore)(nil)
)
