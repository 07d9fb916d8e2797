package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kadirpekel/cerberus/pkg/observability"
	"github.com/kadirpekel/cerberus/pkg/policy"
)

// flakyStore is a scriptable CounterStore whose failure state tests flip.
type flakyStore struct {
	name string
	fail bool

	consumes int
	resets   int
	blocks   int
	pruned   int64
}

func (f *flakyStore) Name() string { return f.name }

func (f *flakyStore) Consume(ctx context.Context, key, module string, pol policy.Policy, increment bool) (*Result, error) {
	f.consumes++
	if f.fail {
		return nil, NewStoreError(f.name, "consume", errors.New("down"))
	}
	return &Result{Allowed: true, Remaining: 1, MaxRequests: int64(pol.MaxRequests)}, nil
}

func (f *flakyStore) Reset(ctx context.Context, key, module string) error {
	f.resets++
	if f.fail {
		return NewStoreError(f.name, "reset", errors.New("down"))
	}
	return nil
}

func (f *flakyStore) SetBlock(ctx context.Context, key, module string, until time.Time) error {
	f.blocks++
	if f.fail {
		return NewStoreError(f.name, "set_block", errors.New("down"))
	}
	return nil
}

func (f *flakyStore) HealthCheck(ctx context.Context) error {
	if f.fail {
		return errors.New("down")
	}
	return nil
}

func (f *flakyStore) PruneExpired(ctx context.Context, before time.Time) (int64, error) {
	if f.fail {
		return 0, errors.New("down")
	}
	return f.pruned, nil
}

func (f *flakyStore) Close() error { return nil }

// captureRecorder counts failover transitions.
type captureRecorder struct {
	observability.NoopRecorder
	failovers int
}

func (c *captureRecorder) RecordFailover(ctx context.Context, from, to string) {
	c.failovers++
}

func newTestProxy() (*ResilientStore, *flakyStore, *flakyStore, *captureRecorder, *time.Time) {
	primary := &flakyStore{name: "redis"}
	secondary := &flakyStore{name: "sql"}
	rec := &captureRecorder{}
	proxy := NewResilientStore(primary, secondary,
		WithRetryInterval(time.Minute), WithRecorder(rec))

	now := testNow
	proxy.now = func() time.Time { return now }
	return proxy, primary, secondary, rec, &now
}

func TestResilientStoreHealthyPath(t *testing.T) {
	proxy, primary, secondary, _, _ := newTestProxy()
	ctx := context.Background()

	res, err := proxy.Consume(ctx, "user1", "login", enforcePolicy(5, 0), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Allowed {
		t.Error("expected the primary decision to pass through")
	}
	if primary.consumes != 1 || secondary.consumes != 0 {
		t.Errorf("expected primary only, got primary=%d secondary=%d", primary.consumes, secondary.consumes)
	}
}

func TestResilientStoreFailover(t *testing.T) {
	proxy, primary, secondary, rec, now := newTestProxy()
	pol := enforcePolicy(5, 0)
	ctx := context.Background()

	// Primary failure: the call lands on the secondary.
	primary.fail = true
	res, err := proxy.Consume(ctx, "user1", "login", pol, true)
	if err != nil {
		t.Fatalf("expected failover to succeed, got %v", err)
	}
	if !res.Allowed {
		t.Error("expected the secondary decision")
	}
	if primary.consumes != 1 || secondary.consumes != 1 {
		t.Errorf("expected one attempt each, got primary=%d secondary=%d", primary.consumes, secondary.consumes)
	}
	if rec.failovers != 1 {
		t.Errorf("expected 1 failover recorded, got %d", rec.failovers)
	}

	// While benched the primary is skipped entirely.
	if _, err := proxy.Consume(ctx, "user1", "login", pol, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.consumes != 1 {
		t.Errorf("expected the benched primary to be skipped, got %d attempts", primary.consumes)
	}

	// After the retry interval the next call probes the primary. A failed
	// probe re-arms the bench and does not re-record the failover.
	*now = testNow.Add(time.Minute)
	if _, err := proxy.Consume(ctx, "user1", "login", pol, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.consumes != 2 {
		t.Errorf("expected a probe attempt, got %d", primary.consumes)
	}
	if rec.failovers != 1 {
		t.Errorf("failed probe must not re-record the failover, got %d", rec.failovers)
	}

	// The re-armed bench holds for another full interval.
	*now = testNow.Add(time.Minute + 30*time.Second)
	proxy.Consume(ctx, "user1", "login", pol, true)
	if primary.consumes != 2 {
		t.Errorf("expected no probe before the interval elapses, got %d", primary.consumes)
	}

	// A successful probe restores the primary for good.
	primary.fail = false
	*now = testNow.Add(2 * time.Minute)
	if _, err := proxy.Consume(ctx, "user1", "login", pol, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.consumes != 3 {
		t.Errorf("expected the probe to hit the primary, got %d", primary.consumes)
	}

	before := secondary.consumes
	proxy.Consume(ctx, "user1", "login", pol, true)
	if primary.consumes != 4 || secondary.consumes != before {
		t.Error("expected traffic back on the restored primary")
	}
}

func TestResilientStoreBothSidesDown(t *testing.T) {
	proxy, primary, secondary, _, _ := newTestProxy()
	primary.fail = true
	secondary.fail = true

	_, err := proxy.Consume(context.Background(), "user1", "login", enforcePolicy(5, 0), true)
	if err == nil {
		t.Fatal("expected an error with both sides down")
	}
	if !IsStoreUnavailable(err) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestResilientStoreNoSecondary(t *testing.T) {
	primary := &flakyStore{name: "redis"}
	proxy := NewResilientStore(primary, nil)
	ctx := context.Background()

	if _, err := proxy.Consume(ctx, "user1", "login", enforcePolicy(5, 0), true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Without a secondary every call attempts the primary; there is no
	// bench to sit on.
	primary.fail = true
	if _, err := proxy.Consume(ctx, "user1", "login", enforcePolicy(5, 0), true); err == nil {
		t.Fatal("expected the primary error to surface")
	}
	primary.fail = false
	if _, err := proxy.Consume(ctx, "user1", "login", enforcePolicy(5, 0), true); err != nil {
		t.Fatalf("expected immediate recovery, got %v", err)
	}
	if primary.consumes != 3 {
		t.Errorf("expected 3 attempts, got %d", primary.consumes)
	}
}

func TestResilientStoreResetHitsBothSides(t *testing.T) {
	proxy, primary, secondary, _, _ := newTestProxy()
	ctx := context.Background()

	// Bench the primary first.
	primary.fail = true
	proxy.Consume(ctx, "user1", "login", enforcePolicy(5, 0), true)
	primary.fail = false

	// Reset bypasses the bench: a stale counter resurrecting after
	// failback would defeat the reset.
	if err := proxy.Reset(ctx, "user1", "login"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if primary.resets != 1 || secondary.resets != 1 {
		t.Errorf("expected reset on both sides, got primary=%d secondary=%d", primary.resets, secondary.resets)
	}

	secondary.fail = true
	if err := proxy.Reset(ctx, "user1", "login"); err == nil {
		t.Error("expected the failing side's error to surface")
	}
}

func TestResilientStoreHealthCheck(t *testing.T) {
	proxy, primary, secondary, _, _ := newTestProxy()
	ctx := context.Background()

	if err := proxy.HealthCheck(ctx); err != nil {
		t.Errorf("expected healthy, got %v", err)
	}

	primary.fail = true
	if err := proxy.HealthCheck(ctx); err != nil {
		t.Errorf("expected one healthy side to suffice, got %v", err)
	}

	secondary.fail = true
	err := proxy.HealthCheck(ctx)
	if err == nil {
		t.Fatal("expected an error with both sides down")
	}
	if !IsStoreUnavailable(err) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestResilientStoreStatus(t *testing.T) {
	proxy, primary, _, _, _ := newTestProxy()
	ctx := context.Background()

	statuses := proxy.Status(ctx)
	if len(statuses) != 2 {
		t.Fatalf("expected 2 sides, got %d", len(statuses))
	}
	if statuses[0].Role != RolePrimary || statuses[0].State != StoreHealthy {
		t.Errorf("unexpected primary status: %+v", statuses[0])
	}
	if statuses[1].Role != RoleSecondary || statuses[1].State != StoreHealthy {
		t.Errorf("unexpected secondary status: %+v", statuses[1])
	}

	// A benched but reachable primary reports degraded; status never
	// restores it.
	primary.fail = true
	proxy.Consume(ctx, "user1", "login", enforcePolicy(5, 0), true)
	primary.fail = false

	statuses = proxy.Status(ctx)
	if statuses[0].State != StoreDegraded {
		t.Errorf("expected degraded primary, got %+v", statuses[0])
	}
	if !proxy.isDegraded() {
		t.Error("status must not restore a benched primary")
	}

	// An unreachable side reports unavailable with the error.
	primary.fail = true
	statuses = proxy.Status(ctx)
	if statuses[0].State != StoreUnavailable || statuses[0].Error == "" {
		t.Errorf("expected unavailable primary with error, got %+v", statuses[0])
	}
}

func TestResilientStorePruneSumsBothSides(t *testing.T) {
	proxy, primary, secondary, _, _ := newTestProxy()
	primary.pruned = 3
	secondary.pruned = 2

	total, err := proxy.PruneExpired(context.Background(), testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 5 {
		t.Errorf("expected 5 pruned rows, got %d", total)
	}
}
