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

// Package policy resolves per-module rate limit policies.
//
// Policies come from a Source (static config or SQL) and are cached in
// process memory with no TTL; the cache is invalidated explicitly on
// administrative updates. Modules without an explicit policy resolve to a
// synthetic fallback policy that never enforces, so an unconfigured module
// can never silently block real traffic.
package policy

import (
	"fmt"
	"time"

	"github.com/kadirpekel/cerberus/pkg/config"
)

// Mode controls what happens when a limit is exceeded.
type Mode string

const (
	// ModeEnforce denies requests over the limit and blocks the actor.
	ModeEnforce Mode = "enforce"

	// ModeMonitor observes and records exceedances without denying.
	ModeMonitor Mode = "monitor"
)

// Policy is the resolved rate limit policy for a single module.
type Policy struct {
	// Module this policy applies to.
	Module string

	// MaxRequests allowed per window. Zero denies every request.
	MaxRequests int

	// Window is the fixed counting window.
	Window time.Duration

	// Block is how long a violator stays blocked after exceeding the limit.
	Block time.Duration

	// WarnThreshold is the remaining-count floor that triggers a warning
	// event. Zero disables warnings.
	WarnThreshold int

	// Active is the administrative kill switch; inactive policies allow
	// all traffic without touching the counter store.
	Active bool

	// Mode selects enforce or monitor behavior.
	Mode Mode

	// FailClosed denies requests when every counter store is down.
	// Only honored in enforce mode.
	FailClosed bool

	// Fallback marks the synthetic policy applied to modules with no
	// explicit entry.
	Fallback bool
}

// IsEnforcing reports whether exceedances deny requests.
func (p Policy) IsEnforcing() bool {
	return p.Mode == ModeEnforce
}

// Validate checks the policy invariants shared with config-level
// validation. A zero window or block is a configuration error; it would
// degenerate to "no limiting" or "no blocking" at runtime.
func (p Policy) Validate() error {
	if p.Module == "" {
		return fmt.Errorf("policy module is required")
	}
	if p.MaxRequests < 0 {
		return fmt.Errorf("policy max_requests must be non-negative")
	}
	if p.Window <= 0 {
		return fmt.Errorf("policy window must be positive")
	}
	if p.Block <= 0 {
		return fmt.Errorf("policy block must be positive")
	}
	if p.WarnThreshold < 0 {
		return fmt.Errorf("policy warn_threshold must be non-negative")
	}
	if p.Mode != ModeEnforce && p.Mode != ModeMonitor {
		return fmt.Errorf("policy mode must be 'enforce' or 'monitor', got %q", p.Mode)
	}
	return nil
}

// FromConfig converts a validated config entry into a domain policy.
func FromConfig(module string, c *config.PolicyConfig) Policy {
	return Policy{
		Module:        module,
		MaxRequests:   c.MaxRequests,
		Window:        c.Window.Duration(),
		Block:         c.Block.Duration(),
		WarnThreshold: c.WarnThreshold,
		Active:        c.IsEnabled(),
		Mode:          Mode(c.Mode),
		FailClosed:    c.FailClosed,
	}
}

// FallbackFor builds the synthetic policy for an unconfigured module:
// inactive, monitor-only, with a generous request budget. Inactive means
// the engine allows immediately without consuming quota, while the
// Fallback tag keeps the decision observable in logs and events.
func FallbackFor(module string, c config.FallbackConfig) Policy {
	window := c.Window.Duration()
	if window <= 0 {
		window = time.Minute
	}
	maxRequests := c.MaxRequests
	if maxRequests <= 0 {
		maxRequests = 10000
	}
	return Policy{
		Module:      module,
		MaxRequests: maxRequests,
		Window:      window,
		Block:       window,
		Active:      false,
		Mode:        ModeMonitor,
		Fallback:    true,
	}
}
