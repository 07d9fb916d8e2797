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
	"fmt"
	"log/slog"
	"sync"

	"github.com/kadirpekel/cerberus/pkg/config"
)

// Provider resolves module policies with an in-process cache.
//
// The cache has no TTL. Entries are invalidated explicitly on Update, and
// lookups that fail at the source are answered with the fallback policy
// without being cached, so the next call retries the source.
type Provider struct {
	source   Source
	fallback config.FallbackConfig
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]Policy
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithLogger sets the logger used for source failures.
func WithLogger(logger *slog.Logger) ProviderOption {
	return func(p *Provider) {
		p.logger = logger
	}
}

// NewProvider creates a policy provider over the given source.
func NewProvider(source Source, fallback config.FallbackConfig, opts ...ProviderOption) *Provider {
	p := &Provider{
		source:   source,
		fallback: fallback,
		logger:   slog.Default(),
		cache:    make(map[string]Policy),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get resolves the policy for a module. It never fails: a missing entry
// resolves to the fallback policy, and a source error resolves to the
// fallback policy after logging. Callers can therefore not distinguish
// "unconfigured" from "source down" — both are deliberately fail-open.
func (p *Provider) Get(ctx context.Context, module string) Policy {
	p.mu.RLock()
	cached, ok := p.cache[module]
	source := p.source
	p.mu.RUnlock()
	if ok {
		return cached
	}

	loaded, found, err := source.Load(ctx, module)
	if err != nil {
		p.logger.Warn("Policy source failed, using fallback policy",
			"module", module,
			"operation", "policy_load",
			"error", err)
		return FallbackFor(module, p.fallback)
	}

	if !found {
		loaded = FallbackFor(module, p.fallback)
	}

	p.mu.Lock()
	p.cache[module] = loaded
	p.mu.Unlock()

	return loaded
}

// Update persists a policy and invalidates its cache entry. The policy is
// validated first: a zero window or block duration is rejected here, at
// the administrative boundary, the same way the config loader rejects it.
func (p *Provider) Update(ctx context.Context, policy Policy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	p.mu.RLock()
	source := p.source
	p.mu.RUnlock()

	if err := source.Store(ctx, policy); err != nil {
		return fmt.Errorf("failed to store policy: %w", err)
	}

	p.Invalidate(policy.Module)

	p.logger.Info("Policy updated",
		"module", policy.Module,
		"max_requests", policy.MaxRequests,
		"window", policy.Window,
		"mode", policy.Mode,
		"active", policy.Active)

	return nil
}

// All returns every explicitly configured policy from the source.
// Fallback policies for unconfigured modules are synthetic and never
// appear here.
func (p *Provider) All(ctx context.Context) ([]Policy, error) {
	p.mu.RLock()
	source := p.source
	p.mu.RUnlock()

	policies, err := source.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	return policies, nil
}

// Invalidate drops the cache entry for one module.
func (p *Provider) Invalidate(module string) {
	p.mu.Lock()
	delete(p.cache, module)
	p.mu.Unlock()
}

// InvalidateAll drops the whole cache, forcing source reloads. Called when
// the configuration file is hot-reloaded.
func (p *Provider) InvalidateAll() {
	p.mu.Lock()
	p.cache = make(map[string]Policy)
	p.mu.Unlock()
}

// Replace swaps the underlying source and clears the cache. Used on config
// hot-reload when the policy set itself changed.
func (p *Provider) Replace(source Source) {
	p.mu.Lock()
	p.source = source
	p.cache = make(map[string]Policy)
	p.mu.Unlock()
}
