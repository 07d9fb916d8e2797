package ratelimit

import (
	"context"
	"testing"
	"time"
)

// fakeClock returns a memory store pinned to a controllable clock.
func fakeClock(start time.Time) (*MemoryStore, *time.Time) {
	now := start
	store := NewMemoryStore()
	store.now = func() time.Time { return now }
	return store, &now
}

func TestMemoryStoreConsumeScenario(t *testing.T) {
	// max 5, warn 2: five allowed requests, the sixth denied and blocked.
	store, _ := fakeClock(testNow)
	pol := enforcePolicy(5, 2)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := store.Consume(ctx, "user1", "login", pol, true)
		if err != nil {
			t.Fatalf("unexpected error on request %d: %v", i, err)
		}
		if !res.Allowed {
			t.Fatalf("expected request %d to be allowed", i)
		}
		if res.Remaining != int64(5-i) {
			t.Errorf("request %d: expected remaining %d, got %d", i, 5-i, res.Remaining)
		}
		if (res.Warning != nil) != (5-i == 2) {
			t.Errorf("request %d: unexpected warning state %+v", i, res.Warning)
		}
	}

	res, err := store.Consume(ctx, "user1", "login", pol, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Error("expected the sixth request to be denied")
	}
	if res.BlockedUntil == nil || !res.BlockedUntil.Equal(testNow.Add(pol.Block)) {
		t.Errorf("expected block until %v, got %v", testNow.Add(pol.Block), res.BlockedUntil)
	}

	// Reset restores the budget.
	if err := store.Reset(ctx, "user1", "login"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	res, err = store.Consume(ctx, "user1", "login", pol, true)
	if err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
	if !res.Allowed || res.Remaining != 4 {
		t.Errorf("expected a fresh budget after reset, got allowed=%v remaining=%d", res.Allowed, res.Remaining)
	}
}

func TestMemoryStoreModulesAreIndependent(t *testing.T) {
	store, _ := fakeClock(testNow)
	pol := enforcePolicy(1, 0)
	ctx := context.Background()

	if res, _ := store.Consume(ctx, "user1", "login", pol, true); !res.Allowed {
		t.Fatal("expected login request to be allowed")
	}
	if res, _ := store.Consume(ctx, "user1", "signup", pol, true); !res.Allowed {
		t.Error("expected signup to have its own budget")
	}
	if res, _ := store.Consume(ctx, "user2", "login", pol, true); !res.Allowed {
		t.Error("expected user2 to have its own budget")
	}
	if res, _ := store.Consume(ctx, "user1", "login", pol, true); res.Allowed {
		t.Error("expected user1 login to be exhausted")
	}
}

func TestMemoryStorePeekLeavesNoTrace(t *testing.T) {
	store, _ := fakeClock(testNow)
	pol := enforcePolicy(5, 0)
	ctx := context.Background()

	res, err := store.Consume(ctx, "ghost", "login", pol, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed || res.Count != 0 || res.Remaining != 5 {
		t.Errorf("expected an untouched budget, got %+v", res)
	}
	if store.Size() != 0 {
		t.Errorf("expected no rows after a peek, got %d", store.Size())
	}
}

func TestMemoryStoreWindowRollover(t *testing.T) {
	store, now := fakeClock(testNow)
	pol := enforcePolicy(2, 0)
	ctx := context.Background()

	store.Consume(ctx, "user1", "login", pol, true)
	store.Consume(ctx, "user1", "login", pol, true)
	if res, _ := store.Consume(ctx, "user1", "login", pol, true); res.Allowed {
		t.Fatal("expected the third request to be denied")
	}

	*now = testNow.Add(16 * time.Minute) // past the window and the block
	res, _ := store.Consume(ctx, "user1", "login", pol, true)
	if !res.Allowed {
		t.Error("expected a fresh window after expiry")
	}
	if res.Count != 1 {
		t.Errorf("expected count 1, got %d", res.Count)
	}
}

func TestMemoryStoreResetWildcards(t *testing.T) {
	store, _ := fakeClock(testNow)
	pol := enforcePolicy(1, 0)
	ctx := context.Background()

	store.Consume(ctx, "user1", "login", pol, true)
	store.Consume(ctx, "user1", "signup", pol, true)
	store.Consume(ctx, "user2", "login", pol, true)

	// Reset every module for user1.
	if err := store.Reset(ctx, "user1", ""); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if res, _ := store.Consume(ctx, "user1", "login", pol, true); !res.Allowed {
		t.Error("expected user1 login budget restored")
	}
	if res, _ := store.Consume(ctx, "user1", "signup", pol, true); !res.Allowed {
		t.Error("expected user1 signup budget restored")
	}
	if res, _ := store.Consume(ctx, "user2", "login", pol, true); res.Allowed {
		t.Error("expected user2 login untouched by the wildcard")
	}

	// Reset one module across all keys.
	if err := store.Reset(ctx, "", "login"); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if res, _ := store.Consume(ctx, "user2", "login", pol, true); !res.Allowed {
		t.Error("expected user2 login budget restored")
	}

	// Resetting absent state is a no-op success.
	if err := store.Reset(ctx, "nobody", "nothing"); err != nil {
		t.Errorf("expected reset of absent state to succeed, got %v", err)
	}
}

func TestMemoryStoreSetBlock(t *testing.T) {
	store, _ := fakeClock(testNow)
	pol := enforcePolicy(5, 0)
	ctx := context.Background()

	until := testNow.Add(time.Hour)
	if err := store.SetBlock(ctx, "user1", "login", until); err != nil {
		t.Fatalf("set block failed: %v", err)
	}

	res, err := store.Consume(ctx, "user1", "login", pol, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Allowed {
		t.Error("expected the stamped block to deny")
	}
	if res.Reason != ReasonBlocked {
		t.Errorf("expected reason %q, got %q", ReasonBlocked, res.Reason)
	}
	if res.BlockedUntil == nil || !res.BlockedUntil.Equal(until) {
		t.Errorf("expected block until %v, got %v", until, res.BlockedUntil)
	}
}

func TestMemoryStorePruneExpired(t *testing.T) {
	store, now := fakeClock(testNow)
	pol := enforcePolicy(2, 0)
	ctx := context.Background()

	store.Consume(ctx, "old", "login", pol, true)

	*now = testNow.Add(time.Hour)
	store.Consume(ctx, "fresh", "login", pol, true)

	pruned, err := store.PruneExpired(ctx, testNow.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 1 {
		t.Errorf("expected 1 pruned row, got %d", pruned)
	}
	if store.Size() != 1 {
		t.Errorf("expected 1 remaining row, got %d", store.Size())
	}
}

func TestMemoryStorePruneKeepsActiveBlocks(t *testing.T) {
	store, now := fakeClock(testNow)
	pol := enforcePolicy(1, 0)
	pol.Block = 2 * time.Hour
	ctx := context.Background()

	store.Consume(ctx, "abuser", "login", pol, true)
	store.Consume(ctx, "abuser", "login", pol, true) // blocked for 2h

	*now = testNow.Add(time.Hour)
	pruned, err := store.PruneExpired(ctx, *now)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if pruned != 0 {
		t.Errorf("expected the blocked row to survive, pruned %d", pruned)
	}

	res, _ := store.Consume(ctx, "abuser", "login", pol, true)
	if res.Allowed {
		t.Error("expected the block to still deny after pruning")
	}
}

func TestMemoryStoreHealthAndClose(t *testing.T) {
	store, _ := fakeClock(testNow)
	ctx := context.Background()

	if err := store.HealthCheck(ctx); err != nil {
		t.Errorf("expected healthy store, got %v", err)
	}

	store.Consume(ctx, "user1", "login", enforcePolicy(5, 0), true)
	if err := store.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if store.Size() != 0 {
		t.Errorf("expected close to clear rows, got %d", store.Size())
	}
}
