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

// Package ratelimit provides fixed-window rate limiting with automatic
// blocking for abusive actors.
//
// Features:
//   - Per-module policies (window, budget, block duration, warn threshold)
//   - Enforce and monitor modes with per-policy fail-open/fail-closed
//   - Multiple counter store backends (memory, SQL, Redis)
//   - Primary/secondary failover with automatic primary recovery
//   - Block matching across identity facets (user ID, email, IP, domain)
//   - Privacy-preserving storage: PII-bearing keys are hashed before
//     they reach counters, blocks, events, or logs
//   - Crossing events for alerting, deduplicated at the store level
//
// # Basic Usage
//
//	// Assemble the engine from configuration
//	engine, err := ratelimit.NewEngineFromConfig(ctx, cfg, pool, metrics)
//
//	// Decide
//	result, err := engine.CheckLimit(ctx, "user-123", "login", ratelimit.Options{})
//	if !result.Allowed {
//	    // Deny, with result.RetryAfter(time.Now()) as the backoff hint
//	}
//
//	// Peek without consuming quota
//	peek := false
//	result, err = engine.CheckLimit(ctx, "user-123", "login", ratelimit.Options{Increment: &peek})
//
// # Configuration
//
//	rate_limits:
//	  stores:
//	    primary: redis
//	    secondary: sql
//	    redis: default
//	    sql_database: default
//	  blocks:
//	    backend: sql
//	  policies:
//	    login:
//	      max_requests: 5
//	      window: 1m
//	      block: 15m
//	      warn_threshold: 2
//	      fail_closed: true
//	    api:
//	      max_requests: 1000
//	      window: 1m
//	      block: 5m
//	      mode: monitor
//
// # Decision Flow
//
// Each CheckLimit resolves the module policy, matches active blocks
// against every identity facet of the caller, and atomically consumes one
// unit of quota. Crossing the budget in enforce mode denies the request,
// stamps a block on the counter, and registers a block covering all
// facets of the actor. Monitor mode records the same crossings without
// denying. When every store side is down the decision degrades per
// policy: deny only in enforce mode with fail_closed set.
package ratelimit
