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

// Package config defines the configuration model: a closed set of structs
// decoded from YAML (file, consul, etcd or zookeeper), with env expansion,
// defaults and validation. Unknown keys are rejected at decode time.
package config

import (
	"fmt"

	"github.com/kadirpekel/cerberus/pkg/observability"
)

// Config is the root configuration.
type Config struct {
	// Version of the config schema.
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Name identifies this deployment in logs and traces.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Description is free-form operator documentation.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Logging configures the process logger.
	Logging LoggerConfig `yaml:"logging,omitempty" json:"logging,omitempty"`

	// Server configures the HTTP decision and admin server.
	Server ServerConfig `yaml:"server,omitempty" json:"server,omitempty"`

	// Privacy configures identity hashing.
	Privacy PrivacyConfig `yaml:"privacy" json:"privacy"`

	// Databases defines named SQL connections referenced elsewhere.
	Databases map[string]*DatabaseConfig `yaml:"databases,omitempty" json:"databases,omitempty"`

	// Redis defines named Redis connections referenced elsewhere.
	Redis map[string]*RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`

	// RateLimit configures the rate limiting engine, stores and policies.
	RateLimit RateLimitConfig `yaml:"rate_limits,omitempty" json:"rate_limits,omitempty"`

	// Observability configures tracing and metrics.
	Observability *observability.Config `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// SetDefaults applies defaults across the whole tree.
func (c *Config) SetDefaults() {
	c.Logging.SetDefaults()
	c.Server.SetDefaults()
	c.Privacy.SetDefaults()

	if c.Databases == nil {
		c.Databases = make(map[string]*DatabaseConfig)
	}
	for name := range c.Databases {
		if c.Databases[name] != nil {
			c.Databases[name].SetDefaults()
		}
	}

	if c.Redis == nil {
		c.Redis = make(map[string]*RedisConfig)
	}
	for name := range c.Redis {
		if c.Redis[name] != nil {
			c.Redis[name].SetDefaults()
		}
	}

	c.RateLimit.SetDefaults()

	if c.Observability == nil {
		c.Observability = &observability.Config{}
	}
	c.Observability.SetDefaults()
}

// Validate checks the whole tree, including cross-section references.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging validation failed: %w", err)
	}

	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}

	if err := c.Privacy.Validate(); err != nil {
		return fmt.Errorf("privacy validation failed: %w", err)
	}

	for name, db := range c.Databases {
		if db != nil {
			if err := db.Validate(); err != nil {
				return fmt.Errorf("database '%s' validation failed: %w", name, err)
			}
		}
	}

	for name, r := range c.Redis {
		if r != nil {
			if err := r.Validate(); err != nil {
				return fmt.Errorf("redis '%s' validation failed: %w", name, err)
			}
		}
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limits validation failed: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability validation failed: %w", err)
	}

	if err := c.validateReferences(); err != nil {
		return fmt.Errorf("reference validation failed: %w", err)
	}

	return nil
}

// validateReferences checks that every named backend reference points at a
// defined databases/redis entry.
func (c *Config) validateReferences() error {
	if !c.RateLimit.IsEnabled() {
		return nil
	}

	checkDB := func(field, name string) error {
		if name == "" {
			return nil
		}
		if _, ok := c.Databases[name]; !ok {
			return fmt.Errorf("%s references undefined database '%s'", field, name)
		}
		return nil
	}

	if err := checkDB("rate_limits.stores.sql_database", c.RateLimit.Stores.SQLDatabase); err != nil {
		return err
	}
	if err := checkDB("rate_limits.blocks.database", c.RateLimit.Blocks.Database); err != nil {
		return err
	}
	if err := checkDB("rate_limits.policy_database", c.RateLimit.PolicyDatabase); err != nil {
		return err
	}

	if name := c.RateLimit.Stores.Redis; name != "" {
		if _, ok := c.Redis[name]; !ok {
			return fmt.Errorf("rate_limits.stores.redis references undefined redis '%s'", name)
		}
	}

	return nil
}

// GetDatabase returns the named database config.
func (c *Config) GetDatabase(name string) (*DatabaseConfig, bool) {
	db, ok := c.Databases[name]
	return db, ok
}

// GetRedis returns the named redis config.
func (c *Config) GetRedis(name string) (*RedisConfig, bool) {
	r, ok := c.Redis[name]
	return r, ok
}
