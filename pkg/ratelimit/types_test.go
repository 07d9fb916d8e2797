package ratelimit

import (
	"testing"
	"time"
)

func TestParseKeyType(t *testing.T) {
	cases := map[string]KeyType{
		"email":   KeyTypeEmail,
		"ip":      KeyTypeIP,
		"opaque":  KeyTypeOpaque,
		"":        KeyTypeOpaque,
		"unknown": KeyTypeOpaque,
	}
	for in, want := range cases {
		if got := ParseKeyType(in); got != want {
			t.Errorf("ParseKeyType(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOptionsShouldIncrement(t *testing.T) {
	if !(Options{}).ShouldIncrement() {
		t.Error("nil Increment must default to true")
	}

	yes, no := true, false
	if !(Options{Increment: &yes}).ShouldIncrement() {
		t.Error("explicit true must increment")
	}
	if (Options{Increment: &no}).ShouldIncrement() {
		t.Error("explicit false must peek")
	}
}

func TestResultRetryAfter(t *testing.T) {
	now := testNow

	var nilResult *Result
	if got := nilResult.RetryAfter(now); got != 0 {
		t.Errorf("nil result: %v, want 0", got)
	}

	allowed := &Result{Allowed: true, ResetTime: now.Add(time.Minute)}
	if got := allowed.RetryAfter(now); got != 0 {
		t.Errorf("allowed: %v, want 0", got)
	}

	until := now.Add(10 * time.Minute)
	blocked := &Result{Blocked: true, BlockedUntil: &until}
	if got := blocked.RetryAfter(now); got != 10*time.Minute {
		t.Errorf("blocked: %v, want 10m", got)
	}

	permanent := &Result{Blocked: true}
	if got := permanent.RetryAfter(now); got != 0 {
		t.Errorf("permanent block: %v, want 0", got)
	}

	limited := &Result{ResetTime: now.Add(30 * time.Second)}
	if got := limited.RetryAfter(now); got != 30*time.Second {
		t.Errorf("limited: %v, want 30s", got)
	}

	stale := &Result{ResetTime: now.Add(-time.Second)}
	if got := stale.RetryAfter(now); got != 0 {
		t.Errorf("stale window: %v, want 0", got)
	}
}

func TestResultIsBlocked(t *testing.T) {
	var nilResult *Result
	if nilResult.IsBlocked() {
		t.Error("nil result must not report blocked")
	}
	if (&Result{}).IsBlocked() {
		t.Error("zero result must not report blocked")
	}
	if !(&Result{Blocked: true}).IsBlocked() {
		t.Error("blocked flag must report blocked")
	}
}
