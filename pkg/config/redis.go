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

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds configuration for a Redis connection, used by the fast
// counter store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `yaml:"addr" json:"addr" jsonschema:"title=Address,description=Redis server address (host:port),default=localhost:6379"`

	// Username for Redis ACL authentication (Redis 6+).
	Username string `yaml:"username,omitempty" json:"username,omitempty" jsonschema:"title=Username,description=Redis ACL username"`

	// Password for Redis authentication.
	Password string `yaml:"password,omitempty" json:"password,omitempty" jsonschema:"title=Password,description=Redis password"`

	// DB is the logical database number.
	DB int `yaml:"db,omitempty" json:"db,omitempty" jsonschema:"title=Database,description=Redis logical database number,default=0"`

	// DialTimeout for establishing new connections.
	DialTimeout Duration `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty"`

	// ReadTimeout for socket reads.
	ReadTimeout Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`

	// WriteTimeout for socket writes.
	WriteTimeout Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`

	// PoolSize is the maximum number of socket connections.
	PoolSize int `yaml:"pool_size,omitempty" json:"pool_size,omitempty" jsonschema:"title=Pool Size,description=Maximum number of socket connections"`
}

// SetDefaults applies default values to the Redis config.
func (c *RedisConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = Duration(5 * time.Second)
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = Duration(3 * time.Second)
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = Duration(3 * time.Second)
	}
}

// Validate checks the Redis configuration.
func (c *RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.DB < 0 {
		return fmt.Errorf("db must be non-negative")
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("pool_size must be non-negative")
	}
	return nil
}

// Options returns client options for go-redis.
func (c *RedisConfig) Options() *redis.Options {
	return &redis.Options{
		Addr:         c.Addr,
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.DialTimeout.Duration(),
		ReadTimeout:  c.ReadTimeout.Duration(),
		WriteTimeout: c.WriteTimeout.Duration(),
		PoolSize:     c.PoolSize,
	}
}
