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
	"time"
)

// KeyType tells the engine how to treat the caller-supplied key before it
// reaches storage or logs.
type KeyType string

const (
	// KeyTypeOpaque keys carry no personal data (user IDs, composite keys)
	// and are stored as-is.
	KeyTypeOpaque KeyType = "opaque"

	// KeyTypeEmail keys are normalized and hashed before storage.
	KeyTypeEmail KeyType = "email"

	// KeyTypeIP keys are hashed before storage.
	KeyTypeIP KeyType = "ip"
)

// ParseKeyType converts a string to a KeyType, defaulting to opaque.
func ParseKeyType(s string) KeyType {
	switch KeyType(s) {
	case KeyTypeEmail, KeyTypeIP:
		return KeyType(s)
	default:
		return KeyTypeOpaque
	}
}

// Options tunes a single CheckLimit call.
type Options struct {
	// Increment controls whether this call consumes quota. Nil means true.
	// An explicit false turns the call into a peek that reports state
	// without mutating it.
	Increment *bool `json:"increment,omitempty"`

	// KeyType declares what the key holds, so PII-bearing keys are hashed
	// before they reach storage or logs. Defaults to opaque.
	KeyType KeyType `json:"key_type,omitempty"`

	// Identity facets used for block matching. Raw Email and IPAddress
	// values are hashed before they touch storage, logs, or events.
	UserID     string `json:"user_id,omitempty"`
	Email      string `json:"email,omitempty"`
	IPAddress  string `json:"ip_address,omitempty"`
	MailDomain string `json:"mail_domain,omitempty"`

	// DebugEmail is echoed back verbatim on the Result for interactive
	// debugging. It never reaches storage, logs, or events.
	DebugEmail string `json:"debug_email,omitempty"`
}

// ShouldIncrement reports whether this call consumes quota.
func (o Options) ShouldIncrement() bool {
	return o.Increment == nil || *o.Increment
}

// Warning describes a crossed warning threshold.
type Warning struct {
	// Remaining quota at the moment the threshold was crossed.
	Remaining int64 `json:"remaining"`

	// Threshold is the configured remaining-count floor.
	Threshold int64 `json:"threshold"`
}

// Denial reasons carried on Result.Reason.
const (
	ReasonLimitExceeded    = "limit_exceeded"
	ReasonBlocked          = "blocked"
	ReasonStoreUnavailable = "store_unavailable"
)

// Result is the outcome of one rate limit decision.
type Result struct {
	// Allowed is the decision: may the caller proceed.
	Allowed bool `json:"allowed"`

	// Remaining quota in the current window. Never negative.
	Remaining int64 `json:"remaining"`

	// Count is the consumed quota in the current window, including this
	// call when it incremented.
	Count int64 `json:"count"`

	// MaxRequests is the policy budget the decision was made against.
	MaxRequests int64 `json:"max_requests"`

	// ResetTime is when the current window ends and the count resets.
	ResetTime time.Time `json:"reset_time"`

	// Blocked is set when the denial came from a block rather than plain
	// window exhaustion.
	Blocked bool `json:"blocked,omitempty"`

	// BlockedUntil is when the block expires. Nil with Blocked set means
	// the block is permanent.
	BlockedUntil *time.Time `json:"blocked_until,omitempty"`

	// Warning is set on the call that crosses the warn threshold.
	Warning *Warning `json:"warning,omitempty"`

	// Reason explains a denial: limit_exceeded, blocked, store_unavailable.
	// Empty on allowed results.
	Reason string `json:"reason,omitempty"`

	// Degraded is set when the decision was made without counter state
	// because every store side was unavailable (fail-open / fail-closed).
	Degraded bool `json:"degraded,omitempty"`

	// LimitCrossed flags the call that pushed the count past the budget.
	// The engine turns it into a recorded event and, in enforce mode, an
	// automatic block.
	LimitCrossed bool `json:"limit_crossed,omitempty"`

	// WarnCrossed flags the call that crossed the warning threshold.
	WarnCrossed bool `json:"warn_crossed,omitempty"`

	// DebugEmail echoes Options.DebugEmail for interactive debugging. It is
	// the only field that may carry raw PII and is never persisted.
	DebugEmail string `json:"debug_email,omitempty"`
}

// IsBlocked reports whether the denial came from a block.
func (r *Result) IsBlocked() bool {
	return r != nil && r.Blocked
}

// RetryAfter returns how long the caller should wait before retrying:
// until the block expires when blocked, otherwise until the window resets.
// Zero when the request was allowed or the block is permanent.
func (r *Result) RetryAfter(now time.Time) time.Duration {
	if r == nil || r.Allowed {
		return 0
	}
	if r.Blocked {
		if r.BlockedUntil == nil {
			return 0
		}
		if d := r.BlockedUntil.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	if d := r.ResetTime.Sub(now); d > 0 {
		return d
	}
	return 0
}
