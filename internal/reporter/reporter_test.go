package reporter

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/aqmlabs/aqm-core/internal/inventory"
	"github.com/aqmlabs/aqm-core/internal/model"
	"github.com/aqmlabs/aqm-core/internal/vault"
)

func newTestReporter(t *testing.T) (*Reporter, *vault.Vault, *inventory.Inventory) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	v := vault.New(rdb, "aqm:v1:", vault.Config{})
	inv := inventory.New(rdb, "aqm:v1:", inventory.Config{OptimisticRetryBudget: 3, Budget: model.DefaultBudget()})
	reg := prometheus.NewRegistry()
	r := New(reg, v, inv, nil, nil, nil)
	return r, v, inv
}

func TestCollectReplenishmentDeficit(t *testing.T) {
	ctx := context.Background()
	r, _, inv := newTestReporter(t)

	if _, err := inv.RegisterContact(ctx, "carol", model.PriorityMate, ""); err != nil {
		t.Fatalf("RegisterContact: %v", err)
	}
	if err := inv.StoreKey(ctx, inventory.Entry{ContactID: "carol", KeyID: "s1", Tier: model.TierSilver}); err != nil {
		t.Fatalf("StoreKey: %v", err)
	}

	summary, err := r.Collect(ctx, "", []string{"carol"})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(summary.Contacts) != 1 {
		t.Fatalf("expected 1 contact report, got %d", len(summary.Contacts))
	}

	cr := summary.Contacts[0]
	// MATE/SILVER cap is 6; 1 cached => deficit 5.
	if cr.Deficit[model.TierSilver] != 5 {
		t.Errorf("expected silver deficit 5, got %d", cr.Deficit[model.TierSilver])
	}
	// MATE/GOLD cap is 0; deficit must clamp at 0, not go negative.
	if cr.Deficit[model.TierGold] != 0 {
		t.Errorf("expected gold deficit 0, got %d", cr.Deficit[model.TierGold])
	}
}

func TestCollectVaultStats(t *testing.T) {
	ctx := context.Background()
	r, v, _ := newTestReporter(t)

	if err := v.StoreKey(ctx, vault.Entry{KeyID: "k1", Tier: model.TierGold}); err != nil {
		t.Fatalf("StoreKey: %v", err)
	}

	summary, err := r.Collect(ctx, "", nil)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if summary.VaultStats.ActiveGold != 1 {
		t.Errorf("expected active_gold=1, got %d", summary.VaultStats.ActiveGold)
	}
}
