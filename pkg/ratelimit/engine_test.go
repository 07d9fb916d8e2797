package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kadirpekel/cerberus/pkg/blocklist"
	"github.com/kadirpekel/cerberus/pkg/config"
	"github.com/kadirpekel/cerberus/pkg/policy"
	"github.com/kadirpekel/cerberus/pkg/privacy"
)

// eventLog captures emitted events for assertions.
type eventLog struct {
	events []Event
}

func (l *eventLog) Record(_ context.Context, ev Event) {
	l.events = append(l.events, ev)
}

func (l *eventLog) ofType(t EventType) []Event {
	var out []Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func testPolicies() map[string]*config.PolicyConfig {
	return map[string]*config.PolicyConfig{
		"login": {
			MaxRequests: 3,
			Window:      config.Duration(time.Minute),
			Block:       config.Duration(15 * time.Minute),
			Mode:        "enforce",
		},
		"signup": {
			MaxRequests:   5,
			Window:        config.Duration(time.Minute),
			Block:         config.Duration(15 * time.Minute),
			WarnThreshold: 2,
			Mode:          "enforce",
		},
		"search": {
			MaxRequests: 2,
			Window:      config.Duration(time.Minute),
			Block:       config.Duration(15 * time.Minute),
			Mode:        "monitor",
		},
	}
}

func newTestEngine(t *testing.T, policies map[string]*config.PolicyConfig) (*Engine, *MemoryStore, *eventLog) {
	t.Helper()

	hasher, err := privacy.NewHasher(map[int]string{1: "engine-test-secret"}, 1)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}

	provider := policy.NewProvider(policy.NewStaticSource(policies),
		config.FallbackConfig{MaxRequests: 1000, Window: config.Duration(time.Minute)})
	registry := blocklist.NewMemoryRegistry(hasher)

	log := &eventLog{}
	engine, err := NewEngine(provider, registry, NewMemoryStore(), hasher, WithEvents(log))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine, engine.store.(*MemoryStore), log
}

func TestNewEngineRequiresDependencies(t *testing.T) {
	hasher, _ := privacy.NewHasher(map[int]string{1: "engine-test-secret"}, 1)
	provider := policy.NewProvider(policy.NewStaticSource(nil), config.FallbackConfig{})
	registry := blocklist.NewMemoryRegistry(hasher)
	store := NewMemoryStore()

	if _, err := NewEngine(nil, registry, store, hasher); err == nil {
		t.Error("expected an error for a nil provider")
	}
	if _, err := NewEngine(provider, nil, store, hasher); err == nil {
		t.Error("expected an error for a nil registry")
	}
	if _, err := NewEngine(provider, registry, nil, hasher); err == nil {
		t.Error("expected an error for a nil store")
	}
	if _, err := NewEngine(provider, registry, store, nil); err == nil {
		t.Error("expected an error for a nil hasher")
	}
}

func TestCheckLimitValidation(t *testing.T) {
	engine, _, _ := newTestEngine(t, testPolicies())
	ctx := context.Background()

	var verr *ValidationError
	if _, err := engine.CheckLimit(ctx, "", "login", Options{}); !errors.As(err, &verr) {
		t.Errorf("expected a validation error for an empty key, got %v", err)
	}
	if _, err := engine.CheckLimit(ctx, "user1", "", Options{}); !errors.As(err, &verr) {
		t.Errorf("expected a validation error for an empty module, got %v", err)
	}
}

func TestCheckLimitScenario(t *testing.T) {
	engine, store, log := newTestEngine(t, testPolicies())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := engine.CheckLimit(ctx, "user1", "login", Options{})
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
		if !res.Allowed {
			t.Fatalf("call %d: expected allowed", i+1)
		}
		if want := int64(2 - i); res.Remaining != want {
			t.Errorf("call %d: remaining = %d, want %d", i+1, res.Remaining, want)
		}
	}

	// The crossing call is denied, stamps a block, and records one
	// critical event.
	res, err := engine.CheckLimit(ctx, "user1", "login", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed || !res.Blocked || res.Reason != ReasonLimitExceeded {
		t.Errorf("unexpected crossing result: %+v", res)
	}
	if res.BlockedUntil == nil {
		t.Fatal("expected a block stamp on the crossing")
	}
	if d := time.Until(*res.BlockedUntil); d < 14*time.Minute || d > 16*time.Minute {
		t.Errorf("BlockedUntil = %v, want ~15m out", res.BlockedUntil)
	}

	limits := log.ofType(EventLimit)
	if len(limits) != 1 {
		t.Fatalf("expected 1 limit event, got %d", len(limits))
	}
	ev := limits[0]
	if ev.Severity != SeverityCritical || ev.Key != "user1" || ev.Module != "login" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.BlockedUntil == nil || !ev.BlockedUntil.Equal(*res.BlockedUntil) {
		t.Errorf("event BlockedUntil = %v, want %v", ev.BlockedUntil, res.BlockedUntil)
	}

	// The crossing auto-blocked the user in the registry.
	blk, err := engine.Registry().IsBlocked(ctx, blocklist.Facets{UserID: "user1"}, "login")
	if err != nil {
		t.Fatalf("IsBlocked: %v", err)
	}
	if blk == nil {
		t.Fatal("expected an automatic block")
	}
	if blk.Reason != "rate limit exceeded" {
		t.Errorf("block reason = %q", blk.Reason)
	}
	if blk.UnblockedAt == nil || !blk.UnblockedAt.Equal(*res.BlockedUntil) {
		t.Errorf("block expiry = %v, want %v", blk.UnblockedAt, res.BlockedUntil)
	}

	// Further calls are cut off by the registry pre-check without
	// touching the counter or emitting more events.
	count := currentCount(t, store, "user1", "login")
	res, err = engine.CheckLimit(ctx, "user1", "login", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed || res.Reason != ReasonBlocked {
		t.Errorf("expected a blocked denial, got %+v", res)
	}
	if got := currentCount(t, store, "user1", "login"); got != count {
		t.Errorf("blocked call mutated the counter: %d -> %d", count, got)
	}
	if len(log.ofType(EventLimit)) != 1 {
		t.Error("blocked call must not emit another limit event")
	}
}

// currentCount peeks the stored counter without consuming quota.
func currentCount(t *testing.T, store *MemoryStore, key, module string) int64 {
	t.Helper()
	res, err := store.Consume(context.Background(), key, module, enforcePolicy(100, 0), false)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	return res.Count
}

func TestCheckLimitWarningEvent(t *testing.T) {
	engine, _, log := newTestEngine(t, testPolicies())
	ctx := context.Background()

	// signup allows 5 with a warning at remaining <= 2; the warning fires
	// on the third call and only there.
	for i := 0; i < 5; i++ {
		res, err := engine.CheckLimit(ctx, "user2", "signup", Options{})
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
		if !res.Allowed {
			t.Fatalf("call %d: expected allowed", i+1)
		}
	}

	warns := log.ofType(EventWarn)
	if len(warns) != 1 {
		t.Fatalf("expected 1 warn event, got %d", len(warns))
	}
	if warns[0].Severity != SeverityWarning || warns[0].Remaining != 2 {
		t.Errorf("unexpected warn event: %+v", warns[0])
	}
}

func TestCheckLimitInactivePolicy(t *testing.T) {
	policies := testPolicies()
	off := false
	policies["login"].Enabled = &off

	engine, store, log := newTestEngine(t, policies)

	res, err := engine.CheckLimit(context.Background(), "user1", "login", Options{DebugEmail: "who@example.com"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed || res.Remaining != 3 {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.DebugEmail != "who@example.com" {
		t.Errorf("DebugEmail = %q, want the echoed option", res.DebugEmail)
	}
	if store.Size() != 0 {
		t.Error("inactive policy must not touch the store")
	}
	if len(log.events) != 0 {
		t.Error("inactive policy must not emit events")
	}
}

func TestCheckLimitUnknownModuleUsesFallback(t *testing.T) {
	engine, store, _ := newTestEngine(t, testPolicies())

	// Unconfigured modules resolve to the inactive fallback policy:
	// allowed, full budget reported, no counter row written.
	res, err := engine.CheckLimit(context.Background(), "user1", "unconfigured", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed || res.Remaining != 1000 {
		t.Errorf("unexpected fallback result: %+v", res)
	}
	if store.Size() != 0 {
		t.Error("fallback policy must not touch the store")
	}
}

func TestCheckLimitMonitorMode(t *testing.T) {
	engine, _, log := newTestEngine(t, testPolicies())
	ctx := context.Background()

	// search allows 2 in monitor mode; the third call crosses but is
	// still allowed and creates no block.
	for i := 0; i < 3; i++ {
		res, err := engine.CheckLimit(ctx, "user3", "search", Options{})
		if err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
		if !res.Allowed {
			t.Fatalf("call %d: monitor mode must never deny", i+1)
		}
	}

	limits := log.ofType(EventLimit)
	if len(limits) != 1 {
		t.Fatalf("expected 1 limit event, got %d", len(limits))
	}
	if limits[0].Severity != SeverityWarning {
		t.Errorf("monitor crossings are warnings, got %s", limits[0].Severity)
	}

	blk, err := engine.Registry().IsBlocked(ctx, blocklist.Facets{UserID: "user3"}, "search")
	if err != nil {
		t.Fatalf("IsBlocked: %v", err)
	}
	if blk != nil {
		t.Error("monitor mode must not create blocks")
	}
}

func TestCheckLimitEmailKey(t *testing.T) {
	policies := map[string]*config.PolicyConfig{
		"password_reset": {
			MaxRequests: 1,
			Window:      config.Duration(time.Minute),
			Block:       config.Duration(15 * time.Minute),
			Mode:        "enforce",
		},
	}
	engine, _, log := newTestEngine(t, policies)
	ctx := context.Background()
	opts := Options{KeyType: KeyTypeEmail}

	res, err := engine.CheckLimit(ctx, "User@Example.COM", "password_reset", opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Fatal("expected the first call allowed")
	}

	// A differently cased spelling of the same address normalizes to the
	// same counter row.
	res, err = engine.CheckLimit(ctx, "user@EXAMPLE.com", "password_reset", opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Fatal("expected the second call denied")
	}

	wantKey := engine.hasher.Hash("user@example.com").Hex
	limits := log.ofType(EventLimit)
	if len(limits) != 1 {
		t.Fatalf("expected 1 limit event, got %d", len(limits))
	}
	ev := limits[0]
	if ev.Key != wantKey {
		t.Errorf("event key = %q, want the keyed hash %q", ev.Key, wantKey)
	}

	// The auto-block matches the raw email facet regardless of casing.
	blk, err := engine.Registry().IsBlocked(ctx, blocklist.Facets{Email: "USER@example.com"}, "password_reset")
	if err != nil {
		t.Fatalf("IsBlocked: %v", err)
	}
	if blk == nil {
		t.Error("expected the email facet auto-blocked")
	}
}

func TestCheckLimitIPKeyStoredHashed(t *testing.T) {
	engine, store, _ := newTestEngine(t, testPolicies())
	ctx := context.Background()
	opts := Options{KeyType: KeyTypeIP}

	if _, err := engine.CheckLimit(ctx, "203.0.113.7", "login", opts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The counter row is keyed by the hash, not the raw address.
	hashed := engine.hasher.Hash("203.0.113.7").Hex
	if got := currentCount(t, store, hashed, "login"); got != 1 {
		t.Errorf("expected the row under the hashed key, got count %d", got)
	}
	if got := currentCount(t, store, "203.0.113.7", "login"); got != 0 {
		t.Errorf("raw address must not appear as a key, got count %d", got)
	}
}

func TestCheckLimitManualBlockSkipsCounter(t *testing.T) {
	engine, store, _ := newTestEngine(t, testPolicies())
	ctx := context.Background()

	until := time.Now().Add(time.Hour)
	if _, err := engine.Block(ctx, "", blocklist.Facets{UserID: "user4"}, "login", &until, "abuse report"); err != nil {
		t.Fatalf("Block: %v", err)
	}

	res, err := engine.CheckLimit(ctx, "user4", "login", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed || !res.Blocked || res.Reason != ReasonBlocked {
		t.Errorf("expected a blocked denial, got %+v", res)
	}
	if res.BlockedUntil == nil || !res.BlockedUntil.Equal(until) {
		t.Errorf("BlockedUntil = %v, want %v", res.BlockedUntil, until)
	}
	if store.Size() != 0 {
		t.Error("a blocked actor's requests must not consume quota")
	}
}

// failingRegistry breaks the IsBlocked pre-check while leaving writes
// working.
type failingRegistry struct {
	blocklist.Registry
}

func (f failingRegistry) IsBlocked(context.Context, blocklist.Facets, string) (*blocklist.Block, error) {
	return nil, errors.New("registry down")
}

func TestCheckLimitRegistryFailureStillCounts(t *testing.T) {
	engine, _, _ := newTestEngine(t, testPolicies())
	engine.blocks = failingRegistry{Registry: engine.blocks}
	ctx := context.Background()

	// Registry trouble does not waive the quota: counting proceeds and
	// the limit still cuts off.
	for i := 0; i < 3; i++ {
		res, err := engine.CheckLimit(ctx, "user5", "login", Options{})
		if err != nil || !res.Allowed {
			t.Fatalf("call %d: res=%+v err=%v", i+1, res, err)
		}
	}
	res, err := engine.CheckLimit(ctx, "user5", "login", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed || res.Reason != ReasonLimitExceeded {
		t.Errorf("expected the counter to enforce, got %+v", res)
	}
}

func TestCheckLimitStoreDown(t *testing.T) {
	policies := map[string]*config.PolicyConfig{
		"open": {
			MaxRequests: 3,
			Window:      config.Duration(time.Minute),
			Block:       config.Duration(15 * time.Minute),
			Mode:        "enforce",
		},
		"closed": {
			MaxRequests: 3,
			Window:      config.Duration(time.Minute),
			Block:       config.Duration(15 * time.Minute),
			Mode:        "enforce",
			FailClosed:  true,
		},
		"watch": {
			MaxRequests: 3,
			Window:      config.Duration(time.Minute),
			Block:       config.Duration(15 * time.Minute),
			Mode:        "monitor",
			FailClosed:  true,
		},
	}

	hasher, err := privacy.NewHasher(map[int]string{1: "engine-test-secret"}, 1)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	provider := policy.NewProvider(policy.NewStaticSource(policies), config.FallbackConfig{})
	registry := blocklist.NewMemoryRegistry(hasher)
	engine, err := NewEngine(provider, registry, &flakyStore{name: "redis", fail: true}, hasher)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx := context.Background()

	// Enforce without failClosed degrades open.
	res, err := engine.CheckLimit(ctx, "user1", "open", Options{})
	if err != nil {
		t.Fatalf("store trouble must not surface as an error, got %v", err)
	}
	if !res.Allowed || !res.Degraded || res.Remaining != 3 {
		t.Errorf("unexpected fail-open result: %+v", res)
	}

	// Enforce with failClosed denies.
	res, err = engine.CheckLimit(ctx, "user1", "closed", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed || !res.Degraded || res.Reason != ReasonStoreUnavailable {
		t.Errorf("unexpected fail-closed result: %+v", res)
	}

	// Monitor mode always fails open, failClosed or not.
	res, err = engine.CheckLimit(ctx, "user1", "watch", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed || !res.Degraded {
		t.Errorf("unexpected monitor result: %+v", res)
	}
}

func TestResetLimitsClearsCountersAndBlocks(t *testing.T) {
	engine, _, _ := newTestEngine(t, testPolicies())
	ctx := context.Background()

	// Exhaust the budget and trip the auto-block.
	for i := 0; i < 4; i++ {
		if _, err := engine.CheckLimit(ctx, "user6", "login", Options{}); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}

	if err := engine.ResetLimits(ctx, "user6", "login", Options{}); err != nil {
		t.Fatalf("ResetLimits: %v", err)
	}

	res, err := engine.CheckLimit(ctx, "user6", "login", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed || res.Remaining != 2 {
		t.Errorf("expected a fresh budget after reset, got %+v", res)
	}
}

func TestResetLimitsWildcard(t *testing.T) {
	engine, _, _ := newTestEngine(t, testPolicies())
	ctx := context.Background()

	engine.CheckLimit(ctx, "user1", "login", Options{})
	engine.CheckLimit(ctx, "user2", "signup", Options{})
	until := time.Now().Add(time.Hour)
	if _, err := engine.Block(ctx, "", blocklist.Facets{UserID: "user9"}, "", &until, "sweep test"); err != nil {
		t.Fatalf("Block: %v", err)
	}

	// Empty key and module reset everything and lift every block.
	if err := engine.ResetLimits(ctx, "", "", Options{}); err != nil {
		t.Fatalf("ResetLimits: %v", err)
	}

	res, _ := engine.CheckLimit(ctx, "user1", "login", Options{})
	if res.Remaining != 2 {
		t.Errorf("expected login counters cleared, got %+v", res)
	}
	blk, err := engine.Registry().IsBlocked(ctx, blocklist.Facets{UserID: "user9"}, "login")
	if err != nil {
		t.Fatalf("IsBlocked: %v", err)
	}
	if blk != nil {
		t.Error("expected the wildcard reset to lift all blocks")
	}

	// Resetting absent state stays a no-op success.
	if err := engine.ResetLimits(ctx, "ghost", "login", Options{}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBlockValidationAndCounterStamp(t *testing.T) {
	engine, store, _ := newTestEngine(t, testPolicies())
	ctx := context.Background()

	var verr *ValidationError
	if _, err := engine.Block(ctx, "", blocklist.Facets{}, "login", nil, "x"); !errors.As(err, &verr) {
		t.Errorf("expected a validation error for empty facets, got %v", err)
	}

	// An empty module becomes the wildcard and skips the counter stamp.
	blk, err := engine.Block(ctx, "user7", blocklist.Facets{UserID: "user7"}, "", nil, "permanent ban")
	if err != nil {
		t.Fatalf("Block: %v", err)
	}
	if blk.Module != blocklist.ModuleAll {
		t.Errorf("module = %q, want %q", blk.Module, blocklist.ModuleAll)
	}
	if store.Size() != 0 {
		t.Error("wildcard blocks must not stamp counter rows")
	}

	// A concrete module with an expiry stamps the counter row so Consume
	// denies without a registry query.
	until := time.Now().Add(time.Hour)
	if _, err := engine.Block(ctx, "user8", blocklist.Facets{UserID: "user8"}, "login", &until, "abuse report"); err != nil {
		t.Fatalf("Block: %v", err)
	}
	res, err := store.Consume(ctx, "user8", "login", enforcePolicy(3, 0), true)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if res.Allowed || res.Reason != ReasonBlocked {
		t.Errorf("expected the stamped counter to deny, got %+v", res)
	}
}

func TestUnblockLiftsAndResets(t *testing.T) {
	engine, _, _ := newTestEngine(t, testPolicies())
	ctx := context.Background()

	until := time.Now().Add(time.Hour)
	if _, err := engine.Block(ctx, "user9", blocklist.Facets{UserID: "user9"}, "login", &until, "abuse report"); err != nil {
		t.Fatalf("Block: %v", err)
	}

	lifted, err := engine.Unblock(ctx, "user9", blocklist.Facets{UserID: "user9"}, "login")
	if err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if lifted != 1 {
		t.Errorf("lifted = %d, want 1", lifted)
	}

	res, err := engine.CheckLimit(ctx, "user9", "login", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed || res.Remaining != 2 {
		t.Errorf("expected a clean slate after unblock, got %+v", res)
	}

	// Lifting with no matching block is a no-op success.
	lifted, err = engine.Unblock(ctx, "nobody", blocklist.Facets{UserID: "nobody"}, "login")
	if err != nil || lifted != 0 {
		t.Errorf("lifted=%d err=%v, want 0 and nil", lifted, err)
	}
}

// memSource is a writable in-memory policy source.
type memSource struct {
	mu       sync.Mutex
	policies map[string]policy.Policy
}

func (s *memSource) Load(_ context.Context, module string) (policy.Policy, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[module]
	return p, ok, nil
}

func (s *memSource) LoadAll(context.Context) ([]policy.Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]policy.Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Module < out[j].Module })
	return out, nil
}

func (s *memSource) Store(_ context.Context, p policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[p.Module] = p
	return nil
}

func TestUpdateConfigStaticSourceIsReadOnly(t *testing.T) {
	engine, _, _ := newTestEngine(t, testPolicies())

	err := engine.UpdateConfig(context.Background(), enforcePolicy(1, 0))
	if !errors.Is(err, policy.ErrReadOnly) {
		t.Errorf("expected ErrReadOnly, got %v", err)
	}
}

func TestUpdateConfigTakesEffect(t *testing.T) {
	hasher, err := privacy.NewHasher(map[int]string{1: "engine-test-secret"}, 1)
	if err != nil {
		t.Fatalf("NewHasher: %v", err)
	}
	source := &memSource{policies: map[string]policy.Policy{
		"login": enforcePolicy(3, 0),
	}}
	provider := policy.NewProvider(source, config.FallbackConfig{})
	registry := blocklist.NewMemoryRegistry(hasher)

	engine, err := NewEngine(provider, registry, NewMemoryStore(), hasher)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx := context.Background()

	if res, _ := engine.CheckLimit(ctx, "user1", "login", Options{}); !res.Allowed {
		t.Fatal("expected the first call allowed")
	}

	// Tightening the budget below the current count takes effect on the
	// very next decision.
	tightened := enforcePolicy(1, 0)
	if err := engine.UpdateConfig(ctx, tightened); err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}

	res, err := engine.CheckLimit(ctx, "user1", "login", Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Errorf("expected the tightened policy to deny, got %+v", res)
	}

	configs, err := engine.Configs(ctx)
	if err != nil {
		t.Fatalf("Configs: %v", err)
	}
	if len(configs) != 1 || configs[0].MaxRequests != 1 {
		t.Errorf("unexpected configs: %+v", configs)
	}

	// Invalid updates are rejected before they reach the source.
	bad := enforcePolicy(5, 0)
	bad.Window = 0
	if err := engine.UpdateConfig(ctx, bad); err == nil {
		t.Error("expected a validation error for a zero window")
	}
}

func TestCheckLimitPeek(t *testing.T) {
	engine, store, log := newTestEngine(t, testPolicies())
	ctx := context.Background()
	peek := false

	res, err := engine.CheckLimit(ctx, "user1", "login", Options{Increment: &peek})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed || res.Remaining != 3 {
		t.Errorf("unexpected peek result: %+v", res)
	}
	if store.Size() != 0 {
		t.Error("a peek must not persist counter state")
	}
	if len(log.events) != 0 {
		t.Error("a peek must not emit events")
	}
}

func TestCheckLimitDebugEmailEcho(t *testing.T) {
	engine, _, log := newTestEngine(t, testPolicies())
	ctx := context.Background()
	opts := Options{
		KeyType:    KeyTypeEmail,
		Email:      "debug@example.com",
		DebugEmail: "Debug@Example.COM",
	}

	// The echo survives both allow and deny paths untouched.
	for i := 0; i < 4; i++ {
		res, err := engine.CheckLimit(ctx, "debug@example.com", "login", opts)
		if err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		if res.DebugEmail != "Debug@Example.COM" {
			t.Errorf("call %d: DebugEmail = %q", i+1, res.DebugEmail)
		}
	}

	// Events carry only the keyed hash and domain, never the raw address.
	if len(log.events) == 0 {
		t.Fatal("expected a crossing event")
	}
	for _, ev := range log.events {
		if ev.EmailHash == "" || ev.HashVersion != 1 {
			t.Errorf("expected a hashed email facet on event %s", ev.Type)
		}
		if ev.MailDomain != "example.com" {
			t.Errorf("MailDomain = %q, want %q", ev.MailDomain, "example.com")
		}
	}
}
