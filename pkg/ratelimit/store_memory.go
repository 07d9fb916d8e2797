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
	"sync"
	"time"

	"github.com/kadirpekel/cerberus/pkg/policy"
)

// counterKey uniquely identifies a counter row.
type counterKey struct {
	Key    string
	Module string
}

// MemoryStore is an in-memory implementation of CounterStore.
// It is thread-safe and suitable for development, testing, and single-node
// deployments.
type MemoryStore struct {
	data map[counterKey]*counterState
	mu   sync.Mutex

	// now is the clock, swappable in tests.
	now func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[counterKey]*counterState),
		now:  time.Now,
	}
}

// Name identifies the backend.
func (s *MemoryStore) Name() string {
	return "memory"
}

// Consume applies one decision for (key, module) under the policy.
func (s *MemoryStore) Consume(ctx context.Context, key, module string, pol policy.Policy, increment bool) (*Result, error) {
	now := s.now()

	if pol.MaxRequests <= 0 {
		return zeroQuotaResult(pol, now), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := counterKey{Key: key, Module: module}
	st, exists := s.data[k]
	if !exists {
		st = &counterState{}
	}

	res, dirty := applyConsume(st, pol, now, increment)

	// Rows are created lazily on the first consuming call; peeks against
	// absent rows leave no trace.
	if dirty && !exists {
		s.data[k] = st
	}

	return res, nil
}

// Reset zeroes matching counters and clears their block stamps. Empty key
// or module act as wildcards.
func (s *MemoryStore) Reset(ctx context.Context, key, module string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, st := range s.data {
		if key != "" && k.Key != key {
			continue
		}
		if module != "" && k.Module != module {
			continue
		}
		st.Count = 0
		st.BlockedUntil = nil
	}

	return nil
}

// SetBlock stamps (key, module) blocked until the given time.
func (s *MemoryStore) SetBlock(ctx context.Context, key, module string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := counterKey{Key: key, Module: module}
	st, exists := s.data[k]
	if !exists {
		st = &counterState{}
		s.data[k] = st
	}
	st.BlockedUntil = &until

	return nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

// PruneExpired removes rows whose window and block both ended before the
// cutoff.
func (s *MemoryStore) PruneExpired(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pruned int64
	for k, st := range s.data {
		if !st.WindowEnd.Before(before) {
			continue
		}
		if st.BlockedUntil != nil && !st.BlockedUntil.Before(before) {
			continue
		}
		delete(s.data, k)
		pruned++
	}

	return pruned, nil
}

// Close clears the store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[counterKey]*counterState)
	return nil
}

// Size returns the number of counter rows in the store (for testing).
func (s *MemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
