package gc

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aqmlabs/aqm-core/internal/inventory"
	"github.com/aqmlabs/aqm-core/internal/model"
)

func newTestGC(t *testing.T, cfg Config) (*GC, *inventory.Inventory) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	inv := inventory.New(rdb, "aqm:v1:", inventory.Config{OptimisticRetryBudget: 3, Budget: model.DefaultBudget()})
	return New(inv, cfg, nil), inv
}

func TestGarbageCollectSkipsActiveContacts(t *testing.T) {
	ctx := context.Background()
	g, inv := newTestGC(t, Config{InactiveAfter: 30 * 24 * time.Hour})

	if _, err := inv.RegisterContact(ctx, "bob", model.PriorityBestie, ""); err != nil {
		t.Fatalf("RegisterContact: %v", err)
	}

	report, err := g.GarbageCollect(ctx, 30)
	if err != nil {
		t.Fatalf("GarbageCollect: %v", err)
	}
	if report.ContactsCleaned != 0 {
		t.Errorf("expected 0 contacts cleaned for a just-registered contact, got %d", report.ContactsCleaned)
	}
}

func TestGarbageCollectCleansInactiveContact(t *testing.T) {
	ctx := context.Background()
	g, inv := newTestGC(t, Config{InactiveAfter: 30 * 24 * time.Hour})

	if _, err := inv.RegisterContact(ctx, "bob", model.PriorityBestie, ""); err != nil {
		t.Fatalf("RegisterContact: %v", err)
	}
	if err := inv.StoreKey(ctx, inventory.Entry{ContactID: "bob", KeyID: "k1", Tier: model.TierGold}); err != nil {
		t.Fatalf("StoreKey: %v", err)
	}
	// Rather than writing a stale last_msg_at, simulate inactivity by
	// collecting with a cutoff of -1 days (one day in the future).
	time.Sleep(5 * time.Millisecond)

	report, err := g.GarbageCollect(ctx, -1) // negative days => cutoff in the future, everyone stale
	if err != nil {
		t.Fatalf("GarbageCollect: %v", err)
	}
	if report.ContactsCleaned != 1 {
		t.Fatalf("expected 1 contact cleaned, got %d", report.ContactsCleaned)
	}
	if report.KeysDeleted != 1 {
		t.Errorf("expected 1 key deleted, got %d", report.KeysDeleted)
	}

	counts, err := inv.GetInventory(ctx, "bob")
	if err != nil {
		t.Fatalf("GetInventory: %v", err)
	}
	if counts.Gold != 0 {
		t.Errorf("expected gold cache cleared, got %d", counts.Gold)
	}

	meta, err := inv.GetContactMeta(ctx, "bob")
	if err != nil {
		t.Fatalf("GetContactMeta: %v", err)
	}
	if meta.Priority != model.PriorityStranger {
		t.Errorf("expected downgrade to STRANGER, got %s", meta.Priority)
	}
}

func TestCollectSingleContact(t *testing.T) {
	ctx := context.Background()
	g, inv := newTestGC(t, Config{DeleteMeta: true})

	if _, err := inv.RegisterContact(ctx, "bob", model.PriorityBestie, ""); err != nil {
		t.Fatalf("RegisterContact: %v", err)
	}
	if err := inv.StoreKey(ctx, inventory.Entry{ContactID: "bob", KeyID: "k1", Tier: model.TierSilver}); err != nil {
		t.Fatalf("StoreKey: %v", err)
	}

	report, err := g.CollectSingleContact(ctx, "bob")
	if err != nil {
		t.Fatalf("CollectSingleContact: %v", err)
	}
	if report.ContactsCleaned != 1 || report.KeysDeleted != 1 {
		t.Errorf("unexpected report: %+v", report)
	}

	if _, err := inv.GetContactMeta(ctx, "bob"); err == nil {
		t.Error("expected meta to be deleted when DeleteMeta=true")
	}
}

func TestDryRunDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	g, inv := newTestGC(t, Config{})

	if _, err := inv.RegisterContact(ctx, "bob", model.PriorityBestie, ""); err != nil {
		t.Fatalf("RegisterContact: %v", err)
	}
	if err := inv.StoreKey(ctx, inventory.Entry{ContactID: "bob", KeyID: "k1", Tier: model.TierGold}); err != nil {
		t.Fatalf("StoreKey: %v", err)
	}

	report, err := g.DryRun(ctx, -1)
	if err != nil {
		t.Fatalf("DryRun: %v", err)
	}
	if report.ContactsCleaned != 1 || report.KeysDeleted != 1 {
		t.Fatalf("unexpected dry-run report: %+v", report)
	}

	counts, err := inv.GetInventory(ctx, "bob")
	if err != nil {
		t.Fatalf("GetInventory: %v", err)
	}
	if counts.Gold != 1 {
		t.Errorf("dry run must not mutate state, expected 1 gold entry still present, got %d", counts.Gold)
	}
}
