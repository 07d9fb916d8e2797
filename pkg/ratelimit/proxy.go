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
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kadirpekel/cerberus/pkg/observability"
	"github.com/kadirpekel/cerberus/pkg/policy"
)

// DefaultRetryInterval is how long a failed primary stays benched before
// the next call probes it again.
const DefaultRetryInterval = 60 * time.Second

// Store roles in a resilient pair.
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
)

// StoreState describes one side of a resilient pair.
type StoreState string

const (
	// StoreHealthy sides serve traffic normally.
	StoreHealthy StoreState = "healthy"

	// StoreDegraded sides are reachable but benched after a failure,
	// waiting for the retry interval to elapse.
	StoreDegraded StoreState = "degraded"

	// StoreUnavailable sides do not answer health checks.
	StoreUnavailable StoreState = "unavailable"
)

// SideStatus is the health report for one side of a resilient pair.
type SideStatus struct {
	Store string     `json:"store"`
	Role  string     `json:"role"`
	State StoreState `json:"state"`
	Error string     `json:"error,omitempty"`
}

// ResilientStore pairs a primary CounterStore with a secondary and fails
// over transparently. Operations attempt the primary first; on error the
// call is retried once against the secondary and the primary is benched.
// While benched, calls skip the primary until the retry interval elapses;
// the next call then probes it — success restores health, failure re-arms
// the interval. The check is a clock comparison on each call, never a
// background timer.
//
// With no secondary the proxy is a thin pass-through that only adds
// operation metrics.
type ResilientStore struct {
	primary   CounterStore
	secondary CounterStore

	retryInterval time.Duration
	recorder      observability.Recorder

	// now is the clock, swappable in tests.
	now func() time.Time

	mu        sync.Mutex
	degraded  bool
	benchedAt time.Time
}

// ProxyOption configures a ResilientStore.
type ProxyOption func(*ResilientStore)

// WithRetryInterval overrides how long a failed primary stays benched.
func WithRetryInterval(d time.Duration) ProxyOption {
	return func(p *ResilientStore) {
		if d > 0 {
			p.retryInterval = d
		}
	}
}

// WithRecorder wires store operation metrics.
func WithRecorder(r observability.Recorder) ProxyOption {
	return func(p *ResilientStore) {
		if r != nil {
			p.recorder = r
		}
	}
}

// NewResilientStore creates a failover pair. secondary may be nil.
func NewResilientStore(primary, secondary CounterStore, opts ...ProxyOption) *ResilientStore {
	p := &ResilientStore{
		primary:       primary,
		secondary:     secondary,
		retryInterval: DefaultRetryInterval,
		recorder:      observability.NoopRecorder{},
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name identifies the backend.
func (p *ResilientStore) Name() string {
	return "proxy"
}

// tryPrimary reports whether this call should attempt the primary, and
// whether the attempt is a probe of a benched primary.
func (p *ResilientStore) tryPrimary() (attempt, probe bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.degraded {
		return true, false
	}
	if p.now().Sub(p.benchedAt) >= p.retryInterval {
		return true, true
	}
	return false, false
}

// markPrimaryDown benches the primary. Called both on a fresh failure and
// on a failed probe; either way the retry interval starts over.
func (p *ResilientStore) markPrimaryDown(ctx context.Context) {
	p.mu.Lock()
	wasHealthy := !p.degraded
	p.degraded = true
	p.benchedAt = p.now()
	p.mu.Unlock()

	p.recorder.SetStoreHealth(ctx, p.primary.Name(), false)
	if wasHealthy {
		p.recorder.RecordFailover(ctx, p.primary.Name(), p.secondary.Name())
	}
}

// markPrimaryUp restores the primary after a successful probe.
func (p *ResilientStore) markPrimaryUp(ctx context.Context) {
	p.mu.Lock()
	wasDegraded := p.degraded
	p.degraded = false
	p.mu.Unlock()

	if wasDegraded {
		p.recorder.SetStoreHealth(ctx, p.primary.Name(), true)
		slog.Info("Primary counter store restored", "store", p.primary.Name())
	}
}

func (p *ResilientStore) isDegraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

// timed forwards one call to a side, recording its latency and outcome.
func (p *ResilientStore) timed(ctx context.Context, s CounterStore, op string, call func(CounterStore) error) error {
	start := p.now()
	err := call(s)
	p.recorder.RecordStoreOp(ctx, s.Name(), op, p.now().Sub(start), err)
	return err
}

// failover runs call against the primary, falling back to the secondary
// per the state machine. The returned error is non-nil only when no side
// could serve the call.
func (p *ResilientStore) failover(ctx context.Context, op string, call func(CounterStore) error) error {
	attempt, probe := true, false
	if p.secondary != nil {
		attempt, probe = p.tryPrimary()
	}

	var primaryErr error
	if attempt {
		primaryErr = p.timed(ctx, p.primary, op, call)
		if primaryErr == nil {
			if probe {
				p.markPrimaryUp(ctx)
			}
			return nil
		}
		if p.secondary == nil {
			return primaryErr
		}
		p.markPrimaryDown(ctx)
		slog.Error("Primary counter store failed, failing over",
			"store", p.primary.Name(), "operation", op, "error", primaryErr)
	}

	secondaryErr := p.timed(ctx, p.secondary, op, call)
	if secondaryErr == nil {
		return nil
	}

	if primaryErr != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, errors.Join(primaryErr, secondaryErr))
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, secondaryErr)
}

// Consume applies one decision, failing over per the state machine.
func (p *ResilientStore) Consume(ctx context.Context, key, module string, pol policy.Policy, increment bool) (*Result, error) {
	var res *Result
	err := p.failover(ctx, "consume", func(s CounterStore) error {
		r, cerr := s.Consume(ctx, key, module, pol, increment)
		if cerr == nil {
			res = r
		}
		return cerr
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Reset zeroes matching counters on BOTH sides, benched or not: a stale
// counter resurrecting after failback would defeat an administrative
// reset.
func (p *ResilientStore) Reset(ctx context.Context, key, module string) error {
	primaryErr := p.timed(ctx, p.primary, "reset", func(s CounterStore) error {
		return s.Reset(ctx, key, module)
	})

	var secondaryErr error
	if p.secondary != nil {
		secondaryErr = p.timed(ctx, p.secondary, "reset", func(s CounterStore) error {
			return s.Reset(ctx, key, module)
		})
	}

	return errors.Join(primaryErr, secondaryErr)
}

// SetBlock stamps a block, failing over per the state machine.
func (p *ResilientStore) SetBlock(ctx context.Context, key, module string, until time.Time) error {
	return p.failover(ctx, "set_block", func(s CounterStore) error {
		return s.SetBlock(ctx, key, module, until)
	})
}

// HealthCheck succeeds when at least one side can serve traffic.
func (p *ResilientStore) HealthCheck(ctx context.Context) error {
	primaryErr := p.primary.HealthCheck(ctx)
	if p.secondary == nil {
		return primaryErr
	}
	secondaryErr := p.secondary.HealthCheck(ctx)
	if primaryErr != nil && secondaryErr != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, errors.Join(primaryErr, secondaryErr))
	}
	return nil
}

// Status reports per-side health for the health endpoint and metrics.
// Pinging a benched side does not restore it; only a successful probe on a
// real call does.
func (p *ResilientStore) Status(ctx context.Context) []SideStatus {
	statuses := []SideStatus{p.sideStatus(ctx, p.primary, RolePrimary)}
	if p.secondary != nil {
		statuses = append(statuses, p.sideStatus(ctx, p.secondary, RoleSecondary))
	}
	return statuses
}

func (p *ResilientStore) sideStatus(ctx context.Context, s CounterStore, role string) SideStatus {
	status := SideStatus{Store: s.Name(), Role: role}

	err := s.HealthCheck(ctx)
	switch {
	case err != nil:
		status.State = StoreUnavailable
		status.Error = err.Error()
	case role == RolePrimary && p.isDegraded():
		status.State = StoreDegraded
	default:
		status.State = StoreHealthy
	}

	p.recorder.SetStoreHealth(ctx, s.Name(), status.State == StoreHealthy)
	return status
}

// PruneExpired sweeps both sides and sums the pruned counts. Sides with
// native expiry report zero.
func (p *ResilientStore) PruneExpired(ctx context.Context, before time.Time) (int64, error) {
	var total int64

	pruned, primaryErr := p.primary.PruneExpired(ctx, before)
	total += pruned

	var secondaryErr error
	if p.secondary != nil {
		pruned, secondaryErr = p.secondary.PruneExpired(ctx, before)
		total += pruned
	}

	return total, errors.Join(primaryErr, secondaryErr)
}

// Close closes both sides.
func (p *ResilientStore) Close() error {
	primaryErr := p.primary.Close()
	var secondaryErr error
	if p.secondary != nil {
		secondaryErr = p.secondary.Close()
	}
	return errors.Join(primaryErr, secondaryErr)
}
