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

package config

import (
	"fmt"
	"time"
)

// Store backend names accepted by StoresConfig.
const (
	StoreBackendMemory = "memory"
	StoreBackendSQL    = "sql"
	StoreBackendRedis  = "redis"
)

// Policy modes.
const (
	PolicyModeEnforce = "enforce"
	PolicyModeMonitor = "monitor"
)

// Policy sources accepted by RateLimitConfig.PolicySource.
const (
	PolicySourceConfig = "config"
	PolicySourceSQL    = "sql"
)

// RateLimitConfig defines the rate limiting and abuse control configuration.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Stores configures the counter store backends.
	Stores StoresConfig `yaml:"stores,omitempty" json:"stores,omitempty"`

	// Blocks configures the block registry backend.
	Blocks BlocksConfig `yaml:"blocks,omitempty" json:"blocks,omitempty"`

	// PolicySource selects where module policies come from:
	// "config" (this file, read-only) or "sql" (module_policies table, writable).
	PolicySource string `yaml:"policy_source,omitempty" json:"policy_source,omitempty" jsonschema:"title=Policy Source,enum=config,enum=sql,default=config"`

	// PolicyDatabase is a reference into the databases section.
	// Required when PolicySource is "sql"; defaults to Stores.SQLDatabase.
	PolicyDatabase string `yaml:"policy_database,omitempty" json:"policy_database,omitempty"`

	// Policies maps module names to their rate limit policies.
	// Used directly when PolicySource is "config", and as seed data otherwise.
	Policies map[string]*PolicyConfig `yaml:"policies,omitempty" json:"policies,omitempty"`

	// Fallback tunes the synthetic policy applied to unconfigured modules.
	Fallback FallbackConfig `yaml:"fallback,omitempty" json:"fallback,omitempty"`

	// Janitor configures periodic pruning of expired counter rows.
	Janitor JanitorConfig `yaml:"janitor,omitempty" json:"janitor,omitempty"`
}

// StoresConfig selects and wires the counter store backends.
//
// Primary is consulted first; when it fails, the proxy fails over to
// Secondary and re-probes Primary after RetryInterval.
type StoresConfig struct {
	// Primary backend: "redis", "sql", or "memory".
	Primary string `yaml:"primary,omitempty" json:"primary,omitempty" jsonschema:"title=Primary Store,enum=redis,enum=sql,enum=memory,default=memory"`

	// Secondary backend for failover. Empty disables failover.
	Secondary string `yaml:"secondary,omitempty" json:"secondary,omitempty" jsonschema:"title=Secondary Store,enum=redis,enum=sql,enum=memory"`

	// SQLDatabase references a database from the databases section.
	// Required when either backend is "sql".
	SQLDatabase string `yaml:"sql_database,omitempty" json:"sql_database,omitempty"`

	// Redis references a connection from the redis section.
	// Required when either backend is "redis".
	Redis string `yaml:"redis,omitempty" json:"redis,omitempty"`

	// RetryInterval is how long a failed primary stays benched before the
	// next call probes it again. Default: 60s.
	RetryInterval Duration `yaml:"retry_interval,omitempty" json:"retry_interval,omitempty"`
}

// BlocksConfig configures the block registry backend.
type BlocksConfig struct {
	// Backend: "sql" (durable, default) or "memory".
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"title=Block Backend,enum=sql,enum=memory,default=memory"`

	// Database references a database from the databases section.
	// Required when Backend is "sql"; defaults to Stores.SQLDatabase.
	Database string `yaml:"database,omitempty" json:"database,omitempty"`
}

// PolicyConfig defines the rate limit policy for one module.
type PolicyConfig struct {
	// MaxRequests allowed per window. Zero denies every request.
	MaxRequests int `yaml:"max_requests" json:"max_requests" jsonschema:"title=Max Requests,description=Requests allowed per window,minimum=0"`

	// Window is the fixed counting window (e.g. "1m").
	Window Duration `yaml:"window" json:"window"`

	// Block is how long a violator stays blocked after exceeding the limit.
	Block Duration `yaml:"block" json:"block"`

	// WarnThreshold is the remaining-count floor that triggers a warning
	// event. Zero disables warnings.
	WarnThreshold int `yaml:"warn_threshold,omitempty" json:"warn_threshold,omitempty"`

	// Enabled is the administrative kill switch. Disabled policies allow
	// all traffic without touching the store. Default: true.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Mode: "enforce" denies on exceedance, "monitor" only observes.
	// Default: enforce.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty" jsonschema:"title=Mode,enum=enforce,enum=monitor,default=enforce"`

	// FailClosed denies requests when every counter store is unavailable.
	// Only honored in enforce mode; monitor mode always fails open.
	// Set for security-critical modules (login, registration).
	FailClosed bool `yaml:"fail_closed,omitempty" json:"fail_closed,omitempty"`
}

// IsEnabled returns true unless the policy was explicitly disabled.
func (c *PolicyConfig) IsEnabled() bool {
	return c != nil && BoolValue(c.Enabled, true)
}

// FallbackConfig tunes the synthetic fallback policy used for modules with
// no explicit entry. The fallback never enforces; it exists so unconfigured
// modules stay observable without blocking real traffic.
type FallbackConfig struct {
	// MaxRequests for the fallback policy. Default: 10000.
	MaxRequests int `yaml:"max_requests,omitempty" json:"max_requests,omitempty"`

	// Window for the fallback policy. Default: 1m.
	Window Duration `yaml:"window,omitempty" json:"window,omitempty"`
}

// JanitorConfig configures periodic cleanup of expired counter rows.
type JanitorConfig struct {
	// Enabled turns the janitor on. Default: true.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// Interval between sweeps. Default: 10m.
	Interval Duration `yaml:"interval,omitempty" json:"interval,omitempty"`

	// Retention keeps rows whose window ended within this duration.
	// Default: 24h.
	Retention Duration `yaml:"retention,omitempty" json:"retention,omitempty"`
}

// IsEnabled returns true if rate limiting is enabled.
func (c *RateLimitConfig) IsEnabled() bool {
	return c != nil && BoolValue(c.Enabled, true)
}

// SetDefaults sets default values for RateLimitConfig.
func (c *RateLimitConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}

	if c.Stores.Primary == "" {
		c.Stores.Primary = StoreBackendMemory
	}
	if c.Stores.RetryInterval == 0 {
		c.Stores.RetryInterval = Duration(60 * time.Second)
	}

	if c.Blocks.Backend == "" {
		c.Blocks.Backend = StoreBackendMemory
	}
	if c.Blocks.Backend == StoreBackendSQL && c.Blocks.Database == "" {
		c.Blocks.Database = c.Stores.SQLDatabase
	}

	if c.PolicySource == "" {
		c.PolicySource = PolicySourceConfig
	}
	if c.PolicySource == PolicySourceSQL && c.PolicyDatabase == "" {
		c.PolicyDatabase = c.Stores.SQLDatabase
	}

	if c.Policies == nil {
		c.Policies = make(map[string]*PolicyConfig)
	}
	for name := range c.Policies {
		if c.Policies[name] != nil {
			c.Policies[name].SetDefaults()
		}
	}

	if c.Fallback.MaxRequests == 0 {
		c.Fallback.MaxRequests = 10000
	}
	if c.Fallback.Window == 0 {
		c.Fallback.Window = Duration(time.Minute)
	}

	if c.Janitor.Enabled == nil {
		c.Janitor.Enabled = BoolPtr(true)
	}
	if c.Janitor.Interval == 0 {
		c.Janitor.Interval = Duration(10 * time.Minute)
	}
	if c.Janitor.Retention == 0 {
		c.Janitor.Retention = Duration(24 * time.Hour)
	}
}

// SetDefaults sets default values for a single policy.
func (c *PolicyConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.Mode == "" {
		c.Mode = PolicyModeEnforce
	}
}

// Validate validates the RateLimitConfig.
func (c *RateLimitConfig) Validate() error {
	if !c.IsEnabled() {
		return nil
	}

	if err := c.validateBackend("rate_limits.stores.primary", c.Stores.Primary, true); err != nil {
		return err
	}
	if err := c.validateBackend("rate_limits.stores.secondary", c.Stores.Secondary, false); err != nil {
		return err
	}
	if c.Stores.Secondary != "" && c.Stores.Secondary == c.Stores.Primary {
		return fmt.Errorf("rate_limits.stores.secondary must differ from primary")
	}
	if c.Stores.RetryInterval < 0 {
		return fmt.Errorf("rate_limits.stores.retry_interval must be non-negative")
	}

	usesSQL := c.Stores.Primary == StoreBackendSQL || c.Stores.Secondary == StoreBackendSQL
	if usesSQL && c.Stores.SQLDatabase == "" {
		return fmt.Errorf("rate_limits.stores backend 'sql' requires 'sql_database' reference")
	}
	usesRedis := c.Stores.Primary == StoreBackendRedis || c.Stores.Secondary == StoreBackendRedis
	if usesRedis && c.Stores.Redis == "" {
		return fmt.Errorf("rate_limits.stores backend 'redis' requires 'redis' reference")
	}

	switch c.Blocks.Backend {
	case StoreBackendSQL:
		if c.Blocks.Database == "" {
			return fmt.Errorf("rate_limits.blocks.backend 'sql' requires 'database' reference")
		}
	case StoreBackendMemory:
	default:
		return fmt.Errorf("invalid rate_limits.blocks.backend '%s', must be 'sql' or 'memory'", c.Blocks.Backend)
	}

	switch c.PolicySource {
	case PolicySourceConfig:
	case PolicySourceSQL:
		if c.PolicyDatabase == "" {
			return fmt.Errorf("rate_limits.policy_source 'sql' requires 'policy_database' reference")
		}
	default:
		return fmt.Errorf("invalid rate_limits.policy_source '%s', must be 'config' or 'sql'", c.PolicySource)
	}

	for name, policy := range c.Policies {
		if policy == nil {
			return fmt.Errorf("rate_limits.policies[%s] is empty", name)
		}
		if err := policy.validate(name); err != nil {
			return err
		}
	}

	if c.Fallback.MaxRequests < 0 {
		return fmt.Errorf("rate_limits.fallback.max_requests must be non-negative")
	}
	if c.Janitor.Interval < 0 || c.Janitor.Retention < 0 {
		return fmt.Errorf("rate_limits.janitor durations must be non-negative")
	}

	return nil
}

func (c *RateLimitConfig) validateBackend(field, backend string, required bool) error {
	if backend == "" {
		if required {
			return fmt.Errorf("%s is required", field)
		}
		return nil
	}
	switch backend {
	case StoreBackendMemory, StoreBackendSQL, StoreBackendRedis:
		return nil
	default:
		return fmt.Errorf("invalid %s '%s', must be 'memory', 'sql', or 'redis'", field, backend)
	}
}

// validate checks a single policy. A zero window or block duration is a
// configuration error, never a runtime panic: window zero would degenerate
// to "no limiting" and block zero to "no blocking duration".
func (c *PolicyConfig) validate(module string) error {
	if module == "" {
		return fmt.Errorf("rate_limits.policies requires non-empty module names")
	}
	if c.MaxRequests < 0 {
		return fmt.Errorf("rate_limits.policies[%s].max_requests must be non-negative", module)
	}
	if c.Window <= 0 {
		return fmt.Errorf("rate_limits.policies[%s].window must be positive", module)
	}
	if c.Block <= 0 {
		return fmt.Errorf("rate_limits.policies[%s].block must be positive", module)
	}
	if c.WarnThreshold < 0 {
		return fmt.Errorf("rate_limits.policies[%s].warn_threshold must be non-negative", module)
	}
	if c.Mode != PolicyModeEnforce && c.Mode != PolicyModeMonitor {
		return fmt.Errorf("invalid rate_limits.policies[%s].mode '%s', must be 'enforce' or 'monitor'", module, c.Mode)
	}
	return nil
}
