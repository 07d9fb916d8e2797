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
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/cerberus/pkg/blocklist"
	"github.com/kadirpekel/cerberus/pkg/observability"
	"github.com/kadirpekel/cerberus/pkg/policy"
	"github.com/kadirpekel/cerberus/pkg/privacy"
)

// autoBlockReason marks blocks the engine creates on enforce-mode limit
// crossings.
const autoBlockReason = "rate limit exceeded"

// Engine orchestrates policy lookup, block matching, and counter
// consumption into one decision. It holds no persistent state of its own
// and is safe for unbounded concurrent callers.
type Engine struct {
	policies *policy.Provider
	blocks   blocklist.Registry
	store    CounterStore
	hasher   *privacy.Hasher

	events  Recorder
	metrics observability.Recorder
	logger  *slog.Logger

	// now is the clock, swappable in tests.
	now func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEvents wires the recorder that receives block and warning crossings.
func WithEvents(r Recorder) EngineOption {
	return func(e *Engine) {
		if r != nil {
			e.events = r
		}
	}
}

// WithMetrics wires decision metrics.
func WithMetrics(m observability.Recorder) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates a rate limit engine with injected dependencies.
func NewEngine(policies *policy.Provider, blocks blocklist.Registry, store CounterStore, hasher *privacy.Hasher, opts ...EngineOption) (*Engine, error) {
	if policies == nil {
		return nil, fmt.Errorf("policy provider is required")
	}
	if blocks == nil {
		return nil, fmt.Errorf("block registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("counter store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}

	e := &Engine{
		policies: policies,
		blocks:   blocks,
		store:    store,
		hasher:   hasher,
		events:   NopRecorder{},
		metrics:  observability.NoopRecorder{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// CheckLimit decides whether the actor identified by key may proceed with
// an action in module.
//
// The decision runs in four steps: policy lookup (an inactive policy
// allows immediately), block matching (a blocked actor is denied without
// consuming quota), counter consumption, and event emission for crossing
// flags. When every store side is unavailable the decision degrades per
// policy: monitor mode and enforce mode with failClosed=false allow,
// enforce mode with failClosed=true denies. Infrastructure trouble is
// logged, not returned; the error return is reserved for invalid input.
func (e *Engine) CheckLimit(ctx context.Context, key, module string, opts Options) (*Result, error) {
	if key == "" {
		return nil, NewValidationError("key", "must not be empty")
	}
	if module == "" {
		return nil, NewValidationError("module", "must not be empty")
	}

	start := e.now()

	pol := e.policies.Get(ctx, module)

	// Kill switch: an inactive policy allows everything without touching
	// the store.
	if !pol.Active {
		res := &Result{
			Allowed:     true,
			Remaining:   int64(pol.MaxRequests),
			MaxRequests: int64(pol.MaxRequests),
		}
		e.finish(ctx, module, res, opts, start)
		return res, nil
	}

	storageKey := e.storageKey(key, opts)
	facets := e.facets(key, opts)

	// Block matching runs before consumption: a blocked actor's requests
	// never mutate counter state.
	if !facets.IsZero() {
		blk, err := e.blocks.IsBlocked(ctx, facets, module)
		if err != nil {
			// Registry trouble does not waive the quota; the counter path
			// below still enforces.
			e.logger.Error("Block registry lookup failed",
				"module", module, "operation", "check", "error", err)
		} else if blk != nil {
			res := &Result{
				Allowed:     false,
				Remaining:   0,
				MaxRequests: int64(pol.MaxRequests),
				Blocked:     true,
				Reason:      ReasonBlocked,
			}
			if blk.UnblockedAt != nil {
				until := *blk.UnblockedAt
				res.BlockedUntil = &until
			}
			e.finish(ctx, module, res, opts, start)
			return res, nil
		}
	}

	res, err := e.store.Consume(ctx, storageKey, module, pol, opts.ShouldIncrement())
	if err != nil {
		res = e.degradedResult(pol, module, err)
		e.finish(ctx, module, res, opts, start)
		return res, nil
	}

	e.emitCrossings(ctx, res, pol, storageKey, module, facets, opts)
	e.finish(ctx, module, res, opts, start)
	return res, nil
}

// ResetLimits zeroes matching counters on every store side and lifts
// matching active blocks. Empty key or module act as wildcards; a reset
// against absent state is a no-op success.
func (e *Engine) ResetLimits(ctx context.Context, key, module string, opts Options) error {
	storageKey := ""
	if key != "" {
		storageKey = e.storageKey(key, opts)
	}

	var errs []error

	if err := e.store.Reset(ctx, storageKey, module); err != nil {
		e.logger.Error("Counter reset failed",
			"module", module, "operation", "reset", "error", err)
		errs = append(errs, err)
	}

	facets := e.facets(key, opts)

	var lifted int
	var err error
	if facets.IsZero() && module == "" {
		lifted, err = e.blocks.LiftAll(ctx)
	} else {
		lifted, err = e.blocks.Lift(ctx, facets, module)
	}
	if err != nil {
		e.logger.Error("Block lift failed",
			"module", module, "operation", "reset", "error", err)
		errs = append(errs, err)
	} else if lifted > 0 {
		e.logger.Info("Lifted blocks on reset", "module", module, "count", lifted)
	}

	return errors.Join(errs...)
}

// UpdateConfig validates and persists a policy, then invalidates the
// provider cache so the next decision sees it.
func (e *Engine) UpdateConfig(ctx context.Context, pol policy.Policy) error {
	return e.policies.Update(ctx, pol)
}

// Configs lists every configured policy.
func (e *Engine) Configs(ctx context.Context) ([]policy.Policy, error) {
	return e.policies.All(ctx)
}

// Block records a manual block for the given facets. A non-empty key with
// a concrete module and expiry also stamps the counter row, so the fast
// pre-check inside Consume denies without a registry query. until nil
// means permanent. An empty module blocks across all modules.
func (e *Engine) Block(ctx context.Context, key string, f blocklist.Facets, module string, until *time.Time, reason string) (*blocklist.Block, error) {
	if f.IsZero() {
		return nil, NewValidationError("facets", "at least one facet is required")
	}
	if module == "" {
		module = blocklist.ModuleAll
	}

	blk, err := e.blocks.Create(ctx, f, module, until, reason)
	if err != nil {
		return nil, err
	}

	if key != "" && until != nil && module != blocklist.ModuleAll {
		if err := e.store.SetBlock(ctx, key, module, *until); err != nil {
			e.logger.Error("Counter block stamp failed",
				"module", module, "operation", "set_block", "error", err)
		}
	}

	return blk, nil
}

// Unblock lifts active blocks matching the facets and module. A non-empty
// key also resets the matching counter rows so their block stamps clear
// immediately. Returns the number of blocks lifted; lifting where nothing
// matches is a no-op success.
func (e *Engine) Unblock(ctx context.Context, key string, f blocklist.Facets, module string) (int, error) {
	lifted, err := e.blocks.Lift(ctx, f, module)
	if err != nil {
		return 0, err
	}

	if key != "" {
		if err := e.store.Reset(ctx, key, module); err != nil {
			e.logger.Error("Counter reset failed",
				"module", module, "operation", "unblock", "error", err)
		}
	}

	return lifted, nil
}

// Store returns the underlying counter store, for health reporting.
func (e *Engine) Store() CounterStore {
	return e.store
}

// Registry returns the block registry, for administrative listing.
func (e *Engine) Registry() blocklist.Registry {
	return e.blocks
}

// storageKey reduces a PII-bearing key to its keyed hash so raw emails and
// addresses never reach counter rows or logs.
func (e *Engine) storageKey(key string, opts Options) string {
	switch opts.KeyType {
	case KeyTypeEmail:
		return e.hasher.Hash(privacy.NormalizeEmail(key)).Hex
	case KeyTypeIP:
		return e.hasher.Hash(key).Hex
	default:
		return key
	}
}

// facets assembles block-matching facets from the options, folding the key
// itself in by its declared type. An opaque key doubles as the user-ID
// facet unless the options name one, so manually blocked users are caught
// even when the caller supplies no identity.
func (e *Engine) facets(key string, opts Options) blocklist.Facets {
	f := blocklist.Facets{
		UserID:     opts.UserID,
		Email:      opts.Email,
		IPAddress:  opts.IPAddress,
		MailDomain: opts.MailDomain,
	}
	switch opts.KeyType {
	case KeyTypeEmail:
		if f.Email == "" {
			f.Email = key
		}
	case KeyTypeIP:
		if f.IPAddress == "" {
			f.IPAddress = key
		}
	default:
		if f.UserID == "" {
			f.UserID = key
		}
	}
	return f
}

// degradedResult is the decision when every store side has failed: fail
// open unless the policy enforces with failClosed set.
func (e *Engine) degradedResult(pol policy.Policy, module string, err error) *Result {
	failClosed := pol.IsEnforcing() && pol.FailClosed

	e.logger.Error("Counter store unavailable",
		"module", module, "operation", "consume", "fail_closed", failClosed, "error", err)

	res := &Result{
		Allowed:     !failClosed,
		MaxRequests: int64(pol.MaxRequests),
		Degraded:    true,
	}
	if res.Allowed {
		// Counter state is unknown; report the full budget rather than
		// invent a count.
		res.Remaining = int64(pol.MaxRequests)
	} else {
		res.Reason = ReasonStoreUnavailable
	}
	return res
}

// emitCrossings turns crossing flags into recorded events and, for
// enforce-mode limit crossings, an automatic block covering every facet of
// the actor. The store flags each crossing exactly once, so events cannot
// spam.
func (e *Engine) emitCrossings(ctx context.Context, res *Result, pol policy.Policy, key, module string, facets blocklist.Facets, opts Options) {
	if res.LimitCrossed {
		severity := SeverityWarning
		if pol.IsEnforcing() {
			severity = SeverityCritical

			if !facets.IsZero() {
				if _, err := e.blocks.Create(ctx, facets, module, res.BlockedUntil, autoBlockReason); err != nil {
					e.logger.Error("Automatic block creation failed",
						"module", module, "operation", "block", "error", err)
				}
			}
		}
		e.events.Record(ctx, e.newEvent(EventLimit, severity, key, module, res, opts))
	}

	if res.WarnCrossed {
		e.events.Record(ctx, e.newEvent(EventWarn, SeverityWarning, key, module, res, opts))
	}
}

// newEvent builds the privacy-safe event payload: raw email and IP values
// are reduced to keyed hashes, prefixes, and domains before they leave the
// engine.
func (e *Engine) newEvent(t EventType, sev Severity, key, module string, res *Result, opts Options) Event {
	ev := Event{
		ID:          uuid.NewString(),
		Type:        t,
		Severity:    sev,
		Key:         key,
		Module:      module,
		Count:       res.Count,
		MaxRequests: res.MaxRequests,
		Remaining:   res.Remaining,
		Timestamp:   e.now(),
		UserID:      opts.UserID,
		MailDomain:  opts.MailDomain,
	}

	if res.BlockedUntil != nil {
		until := *res.BlockedUntil
		ev.BlockedUntil = &until
	}

	if opts.Email != "" {
		d := e.hasher.Hash(privacy.NormalizeEmail(opts.Email))
		ev.EmailHash = d.Hex
		ev.HashVersion = d.Version
		if ev.MailDomain == "" {
			ev.MailDomain = privacy.MailDomain(opts.Email)
		}
	}
	if opts.IPAddress != "" {
		d := e.hasher.Hash(opts.IPAddress)
		ev.IPHash = d.Hex
		ev.HashVersion = d.Version
		if prefix, err := privacy.IPPrefix(opts.IPAddress); err == nil {
			ev.IPPrefix = prefix
		}
	}

	return ev
}

// finish stamps the debug echo and records decision metrics for one
// CheckLimit call.
func (e *Engine) finish(ctx context.Context, module string, res *Result, opts Options, start time.Time) {
	res.DebugEmail = opts.DebugEmail

	e.metrics.RecordCheck(ctx, module, res.Allowed, e.now().Sub(start))
	if !res.Allowed {
		e.metrics.RecordDenial(ctx, module, res.Reason)
	}
}
