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

// ServerConfig configures the HTTP decision and admin server.
type ServerConfig struct {
	// Host to bind to. Default: 0.0.0.0
	Host string `yaml:"host,omitempty" json:"host,omitempty"`

	// Port to listen on. Default: 8080
	Port int `yaml:"port,omitempty" json:"port,omitempty"`

	// Admin enables the administrative routes (reset, policy and block
	// management). Disable when the server is exposed beyond a trusted
	// network. Default: true
	Admin *bool `yaml:"admin,omitempty" json:"admin,omitempty"`

	// ReadTimeout for reading the request. Default: 10s
	ReadTimeout Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`

	// WriteTimeout for writing the response. Default: 10s
	WriteTimeout Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`

	// IdleTimeout for keep-alive connections. Default: 60s
	IdleTimeout Duration `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`

	// ShutdownTimeout bounds graceful shutdown. Default: 15s
	ShutdownTimeout Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`
}

// IsAdminEnabled returns whether administrative routes are served.
func (c *ServerConfig) IsAdminEnabled() bool {
	return BoolValue(c.Admin, true)
}

// Address returns the host:port bind address.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SetDefaults applies default values to the server config.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.Admin == nil {
		c.Admin = BoolPtr(true)
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = Duration(10 * time.Second)
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = Duration(10 * time.Second)
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = Duration(60 * time.Second)
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = Duration(15 * time.Second)
	}
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}
