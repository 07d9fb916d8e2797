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

	"github.com/kadirpekel/cerberus/pkg/policy"
)

// counterState is the consumable quota for one (key, module) pair. A zero
// WindowEnd means the state has never been written.
type counterState struct {
	Count        int64
	WindowStart  time.Time
	WindowEnd    time.Time
	BlockedUntil *time.Time
}

// applyConsume advances st under pol and reports the decision. It returns
// dirty=true when st changed and must be persisted. The caller owns
// atomicity; this function is pure window arithmetic shared by the memory
// and SQL stores (the Redis store runs the same steps server-side in Lua).
//
// Peek calls (increment=false) never dirty the state: they report what a
// window rollover would yield without persisting it, and an over-limit peek
// in enforce mode denies without stamping a block.
func applyConsume(st *counterState, pol policy.Policy, now time.Time, increment bool) (*Result, bool) {
	max := int64(pol.MaxRequests)

	// An unexpired block short-circuits everything: no mutation, no flags.
	if st.BlockedUntil != nil && st.BlockedUntil.After(now) {
		until := *st.BlockedUntil
		return &Result{
			Allowed:      false,
			Remaining:    0,
			Count:        st.Count,
			MaxRequests:  max,
			ResetTime:    st.WindowEnd,
			Blocked:      true,
			BlockedUntil: &until,
			Reason:       ReasonBlocked,
		}, false
	}

	work := *st

	// Rollover: a fresh state or an expired window starts counting anew.
	// The rollover and the increment below are one atomic unit from the
	// caller's perspective.
	if work.WindowEnd.IsZero() || !now.Before(work.WindowEnd) {
		work.Count = 0
		work.WindowStart = now
		work.WindowEnd = now.Add(pol.Window)
	}

	// An expired block stamp is cleared with the next persisted write.
	work.BlockedUntil = nil

	prevRemaining := max - work.Count

	if increment {
		work.Count++
	}

	remaining := max - work.Count
	if remaining < 0 {
		remaining = 0
	}

	res := &Result{
		Allowed:     true,
		Remaining:   remaining,
		Count:       work.Count,
		MaxRequests: max,
		ResetTime:   work.WindowEnd,
	}

	if work.Count > max {
		if pol.IsEnforcing() {
			res.Allowed = false
			res.Reason = ReasonLimitExceeded
			if increment {
				until := now.Add(pol.Block)
				work.BlockedUntil = &until
				res.Blocked = true
				res.BlockedUntil = &until
				res.LimitCrossed = true
			}
		} else {
			// Monitor mode never denies. The crossing is flagged only on
			// the call that pushes the count past the budget; without a
			// block to short-circuit later calls, the count itself is the
			// edge detector.
			res.LimitCrossed = increment && work.Count == max+1
		}
	} else if increment && pol.WarnThreshold > 0 &&
		remaining <= int64(pol.WarnThreshold) && prevRemaining > int64(pol.WarnThreshold) {
		res.WarnCrossed = true
		res.Warning = &Warning{
			Remaining: remaining,
			Threshold: int64(pol.WarnThreshold),
		}
	}

	if !increment {
		return res, false
	}

	*st = work
	return res, true
}

// zeroQuotaResult handles the maxRequests=0 degenerate policy without any
// store I/O: enforce denies every call outright, monitor observes every
// call as over budget. No counter row is created and no events fire, so a
// switched-off module does not flood the block registry.
func zeroQuotaResult(pol policy.Policy, now time.Time) *Result {
	res := &Result{
		Allowed:     !pol.IsEnforcing(),
		Remaining:   0,
		Count:       0,
		MaxRequests: 0,
		ResetTime:   now.Add(pol.Window),
	}
	if !res.Allowed {
		res.Reason = ReasonLimitExceeded
	}
	return res
}
