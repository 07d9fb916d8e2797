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
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/cerberus/pkg/blocklist"
	"github.com/kadirpekel/cerberus/pkg/config"
	"github.com/kadirpekel/cerberus/pkg/observability"
	"github.com/kadirpekel/cerberus/pkg/policy"
	"github.com/kadirpekel/cerberus/pkg/privacy"
)

// NewEngineFromConfig assembles the full rate limiting engine from
// configuration: hasher, counter store stack, block registry, and policy
// provider. SQL backends share connections through the pool. If rate
// limiting is disabled, returns nil.
//
// Example config:
//
//	databases:
//	  default:
//	    driver: postgres
//	    host: localhost
//	    database: cerberus
//
//	privacy:
//	  active_version: 1
//	  secrets:
//	    - version: 1
//	      secret: ${HASH_SECRET_V1}
//
//	rate_limits:
//	  stores:
//	    primary: sql
//	    secondary: memory
//	    sql_database: default
//	  blocks:
//	    backend: sql
//	  policies:
//	    login:
//	      max_requests: 5
//	      window: 1m
//	      block: 15m
//	      fail_closed: true
func NewEngineFromConfig(ctx context.Context, cfg *config.Config, pool *config.DBPool, metrics observability.Recorder, opts ...EngineOption) (*Engine, error) {
	if !cfg.RateLimit.IsEnabled() {
		return nil, nil
	}
	if metrics == nil {
		metrics = observability.NoopRecorder{}
	}

	hasher, err := privacy.NewHasher(cfg.Privacy.SecretMap(), cfg.Privacy.ActiveVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to create hasher: %w", err)
	}

	store, err := NewStoreFromConfig(cfg, pool, WithRecorder(metrics))
	if err != nil {
		return nil, err
	}

	registry, err := NewRegistryFromConfig(cfg, pool, hasher)
	if err != nil {
		return nil, err
	}

	provider, err := NewProviderFromConfig(ctx, cfg, pool)
	if err != nil {
		return nil, err
	}

	events := Recorder(MultiRecorder{
		&SlogRecorder{},
		NewMetricsRecorder(metrics),
	})

	engineOpts := append([]EngineOption{
		WithEvents(events),
		WithMetrics(metrics),
	}, opts...)

	return NewEngine(provider, registry, store, hasher, engineOpts...)
}

// NewStoreFromConfig creates the counter store stack: the configured
// primary, an optional secondary, and the resilient proxy over the pair.
func NewStoreFromConfig(cfg *config.Config, pool *config.DBPool, opts ...ProxyOption) (CounterStore, error) {
	stores := cfg.RateLimit.Stores

	primary, err := newCounterBackend(cfg, pool, stores.Primary)
	if err != nil {
		return nil, fmt.Errorf("primary counter store: %w", err)
	}

	var secondary CounterStore
	if stores.Secondary != "" {
		secondary, err = newCounterBackend(cfg, pool, stores.Secondary)
		if err != nil {
			return nil, fmt.Errorf("secondary counter store: %w", err)
		}
	}

	proxyOpts := append([]ProxyOption{
		WithRetryInterval(stores.RetryInterval.Duration()),
	}, opts...)

	return NewResilientStore(primary, secondary, proxyOpts...), nil
}

// newCounterBackend creates a single counter store backend.
func newCounterBackend(cfg *config.Config, pool *config.DBPool, backend string) (CounterStore, error) {
	switch backend {
	case config.StoreBackendMemory, "":
		return NewMemoryStore(), nil

	case config.StoreBackendSQL:
		// DBPool is required for SQL backends
		if pool == nil {
			return nil, fmt.Errorf("DBPool is required for the sql counter store")
		}

		name := cfg.RateLimit.Stores.SQLDatabase
		if name == "" {
			return nil, fmt.Errorf("rate_limits.stores.sql_database is required when a backend is sql")
		}

		dbCfg, ok := cfg.GetDatabase(name)
		if !ok {
			return nil, fmt.Errorf("database %q not found", name)
		}

		// Get connection from pool (shares connections with other components)
		db, err := pool.Get(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to get database connection: %w", err)
		}

		return NewSQLStore(db, dbCfg.Dialect())

	case config.StoreBackendRedis:
		name := cfg.RateLimit.Stores.Redis
		if name == "" {
			return nil, fmt.Errorf("rate_limits.stores.redis is required when a backend is redis")
		}

		rc, ok := cfg.GetRedis(name)
		if !ok {
			return nil, fmt.Errorf("redis connection %q not found", name)
		}

		return NewRedisStore(redis.NewClient(rc.Options()))

	default:
		return nil, fmt.Errorf("unsupported counter store backend: %s", backend)
	}
}

// NewRegistryFromConfig creates the block registry from configuration.
func NewRegistryFromConfig(cfg *config.Config, pool *config.DBPool, hasher *privacy.Hasher) (blocklist.Registry, error) {
	blocks := cfg.RateLimit.Blocks

	switch blocks.Backend {
	case config.StoreBackendMemory, "":
		return blocklist.NewMemoryRegistry(hasher), nil

	case config.StoreBackendSQL:
		if pool == nil {
			return nil, fmt.Errorf("DBPool is required for the sql block registry")
		}

		name := blocks.Database
		if name == "" {
			return nil, fmt.Errorf("rate_limits.blocks.database is required when backend is sql")
		}

		dbCfg, ok := cfg.GetDatabase(name)
		if !ok {
			return nil, fmt.Errorf("database %q not found", name)
		}

		db, err := pool.Get(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to get database connection: %w", err)
		}

		return blocklist.NewSQLRegistry(db, dbCfg.Dialect(), hasher)

	default:
		return nil, fmt.Errorf("unsupported block registry backend: %s", blocks.Backend)
	}
}

// NewProviderFromConfig creates the policy provider. With the "config"
// source policies are read-only snapshots of the file; with "sql" they
// live in the module_policies table, seeded from the file on first start.
func NewProviderFromConfig(ctx context.Context, cfg *config.Config, pool *config.DBPool) (*policy.Provider, error) {
	rl := cfg.RateLimit

	switch rl.PolicySource {
	case config.PolicySourceConfig, "":
		return policy.NewProvider(policy.NewStaticSource(rl.Policies), rl.Fallback), nil

	case config.PolicySourceSQL:
		if pool == nil {
			return nil, fmt.Errorf("DBPool is required for the sql policy source")
		}

		name := rl.PolicyDatabase
		if name == "" {
			return nil, fmt.Errorf("rate_limits.policy_database is required when policy_source is sql")
		}

		dbCfg, ok := cfg.GetDatabase(name)
		if !ok {
			return nil, fmt.Errorf("database %q not found", name)
		}

		db, err := pool.Get(dbCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to get database connection: %w", err)
		}

		source, err := policy.NewSQLSource(db, dbCfg.Dialect())
		if err != nil {
			return nil, fmt.Errorf("failed to create policy source: %w", err)
		}

		// Config policies seed the table; existing rows win.
		if len(rl.Policies) > 0 {
			seed := make([]policy.Policy, 0, len(rl.Policies))
			for module, pc := range rl.Policies {
				seed = append(seed, policy.FromConfig(module, pc))
			}
			if err := source.Seed(ctx, seed); err != nil {
				return nil, fmt.Errorf("failed to seed policies: %w", err)
			}
		}

		return policy.NewProvider(source, rl.Fallback), nil

	default:
		return nil, fmt.Errorf("unsupported policy source: %s", rl.PolicySource)
	}
}
