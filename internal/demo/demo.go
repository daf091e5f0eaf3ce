// Package demo scripts the concrete end-to-end scenarios against real
// (test-doubled) stores, the way the teacher's demo packages narrate a
// phase as a sequence of calls against the real component graph rather
// than asserting on internals. Used by cmd/aqmd's -demo flag and by this
// package's own tests; nothing in the production path imports it.
package demo

import (
	"context"
	"fmt"

	"github.com/aqmlabs/aqm-core/internal/bridge"
	"github.com/aqmlabs/aqm-core/internal/directory"
	"github.com/aqmlabs/aqm-core/internal/inventory"
	"github.com/aqmlabs/aqm-core/internal/model"
	"github.com/aqmlabs/aqm-core/internal/vault"
	"github.com/aqmlabs/aqm-core/pkg/helpers"
)

// Result is the outcome of a single scripted scenario.
type Result struct {
	Scenario    string
	Success     bool
	Description string
	Error       string
}

// Stores bundles the component graph a scenario runs against.
type Stores struct {
	Vault     *vault.Vault
	Inventory *inventory.Inventory
	Directory *directory.Directory
	Bridge    *bridge.Bridge
}

// RunAllScenarios runs every scripted scenario against the given stores
// and returns one Result per scenario.
func RunAllScenarios(ctx context.Context, s Stores) []Result {
	return []Result{
		RunBestieEndToEnd(ctx, s),
		RunMateFallback(ctx, s),
		RunStrangerOnDemand(ctx, s),
	}
}

// mintCoin synthesizes a plausible coin's private and public halves using
// cryptographically secure random material, standing in for the actual
// mint operation this core treats as an external collaborator.
func mintCoin(keyID string, tier model.Tier) (bridge.MintedCoin, error) {
	blob, err := helpers.GenerateSecureRandom(model.TierSizeBytes[tier])
	if err != nil {
		return bridge.MintedCoin{}, fmt.Errorf("mint %s: %w", keyID, err)
	}
	iv, err := helpers.GenerateSecureRandom(12)
	if err != nil {
		return bridge.MintedCoin{}, fmt.Errorf("mint %s: %w", keyID, err)
	}
	tag, err := helpers.GenerateSecureRandom(16)
	if err != nil {
		return bridge.MintedCoin{}, fmt.Errorf("mint %s: %w", keyID, err)
	}
	pub, err := helpers.GenerateSecureRandom(32)
	if err != nil {
		return bridge.MintedCoin{}, fmt.Errorf("mint %s: %w", keyID, err)
	}
	sig, err := helpers.GenerateSecureRandom(64)
	if err != nil {
		return bridge.MintedCoin{}, fmt.Errorf("mint %s: %w", keyID, err)
	}
	return bridge.MintedCoin{
		KeyID:         keyID,
		Tier:          tier,
		EncryptedBlob: blob,
		IV:            iv,
		AuthTag:       tag,
		CoinVersion:   "v1",
		PublicKey:     pub,
		Signature:     sig,
	}, nil
}

func fail(scenario, description string, err error) Result {
	return Result{Scenario: scenario, Success: false, Description: description, Error: err.Error()}
}

// RunBestieEndToEnd scripts spec.md's scenario 1: register a BESTIE
// contact, mint and upload a full batch across all three tiers, cache it
// locally tier by tier, confirm the Directory is drained, select the
// oldest GOLD coin, burn it, and confirm it is gone.
func RunBestieEndToEnd(ctx context.Context, s Stores) Result {
	const scenario = "Bestie end-to-end"
	const description = "register BESTIE, mint+upload 10 coins, cache to budget, select oldest GOLD, burn it"
	const ownerID = "bob_id"

	if _, err := s.Inventory.RegisterContact(ctx, ownerID, model.PriorityBestie, "Bob"); err != nil {
		return fail(scenario, description, err)
	}

	var minted []bridge.MintedCoin
	for i := 0; i < 5; i++ {
		c, err := mintCoin(fmt.Sprintf("g%d", i), model.TierGold)
		if err != nil {
			return fail(scenario, description, err)
		}
		minted = append(minted, c)
	}
	for i := 0; i < 4; i++ {
		c, err := mintCoin(fmt.Sprintf("s%d", i), model.TierSilver)
		if err != nil {
			return fail(scenario, description, err)
		}
		minted = append(minted, c)
	}
	c, err := mintCoin("b0", model.TierBronze)
	if err != nil {
		return fail(scenario, description, err)
	}
	minted = append(minted, c)

	firstGold := minted[0]

	if inserted, err := s.Bridge.UploadCoins(ctx, ownerID, minted); err != nil {
		return fail(scenario, description, err)
	} else if inserted != 10 {
		return fail(scenario, description, fmt.Errorf("expected 10 rows inserted, got %d", inserted))
	}

	if cached, err := s.Bridge.FetchAndCache(ctx, ownerID, model.TierGold, 5); err != nil {
		return fail(scenario, description, err)
	} else if cached != 5 {
		return fail(scenario, description, fmt.Errorf("expected 5 GOLD cached, got %d", cached))
	}
	if cached, err := s.Bridge.FetchAndCache(ctx, ownerID, model.TierSilver, 4); err != nil {
		return fail(scenario, description, err)
	} else if cached != 4 {
		return fail(scenario, description, fmt.Errorf("expected 4 SILVER cached, got %d", cached))
	}
	if cached, err := s.Bridge.FetchAndCache(ctx, ownerID, model.TierBronze, 1); err != nil {
		return fail(scenario, description, err)
	} else if cached != 1 {
		return fail(scenario, description, fmt.Errorf("expected 1 BRONZE cached, got %d", cached))
	}

	counts, err := s.Inventory.GetInventory(ctx, ownerID)
	if err != nil {
		return fail(scenario, description, err)
	}
	if counts.Gold != 5 || counts.Silver != 4 || counts.Bronze != 1 {
		return fail(scenario, description, fmt.Errorf("unexpected inventory counts: %+v", counts))
	}

	remaining, err := s.Directory.InventoryCount(ctx, ownerID)
	if err != nil {
		return fail(scenario, description, err)
	}
	for tier, n := range remaining {
		if n != 0 {
			return fail(scenario, description, fmt.Errorf("directory still holds %d unclaimed %s rows", n, tier))
		}
	}

	entry, err := s.Inventory.SelectCoin(ctx, ownerID, model.TierGold)
	if err != nil {
		return fail(scenario, description, err)
	}
	if entry.KeyID != firstGold.KeyID {
		return fail(scenario, description, fmt.Errorf("select_coin returned %s, expected earliest-uploaded %s", entry.KeyID, firstGold.KeyID))
	}

	vaulted, err := s.Vault.FetchKey(ctx, entry.KeyID)
	if err != nil {
		return fail(scenario, description, err)
	}
	if !helpers.ConstantTimeCompare(vaulted.EncryptedBlob, firstGold.EncryptedBlob) {
		return fail(scenario, description, fmt.Errorf("vaulted blob for %s does not match what was minted", entry.KeyID))
	}

	if err := s.Vault.BurnKey(ctx, entry.KeyID); err != nil {
		return fail(scenario, description, err)
	}
	if _, err := s.Vault.FetchKey(ctx, entry.KeyID); err == nil {
		return fail(scenario, description, fmt.Errorf("fetch_key succeeded after burn for %s", entry.KeyID))
	}

	return Result{Scenario: scenario, Success: true, Description: description}
}

// RunMateFallback scripts spec.md's scenario 2: a MATE contact with no
// GOLD budget falls back to SILVER on select_coin.
func RunMateFallback(ctx context.Context, s Stores) Result {
	const scenario = "Mate fallback"
	const description = "MATE has no GOLD budget; select_coin(GOLD) falls back to SILVER"
	const ownerID = "carol_id"

	if _, err := s.Inventory.RegisterContact(ctx, ownerID, model.PriorityMate, "Carol"); err != nil {
		return fail(scenario, description, err)
	}

	var minted []bridge.MintedCoin
	for i := 0; i < 6; i++ {
		c, err := mintCoin(fmt.Sprintf("cs%d", i), model.TierSilver)
		if err != nil {
			return fail(scenario, description, err)
		}
		minted = append(minted, c)
	}
	for i := 0; i < 4; i++ {
		c, err := mintCoin(fmt.Sprintf("cb%d", i), model.TierBronze)
		if err != nil {
			return fail(scenario, description, err)
		}
		minted = append(minted, c)
	}

	if _, err := s.Bridge.UploadCoins(ctx, ownerID, minted); err != nil {
		return fail(scenario, description, err)
	}
	if _, err := s.Bridge.FetchAndCache(ctx, ownerID, model.TierSilver, 6); err != nil {
		return fail(scenario, description, err)
	}
	if _, err := s.Bridge.FetchAndCache(ctx, ownerID, model.TierBronze, 4); err != nil {
		return fail(scenario, description, err)
	}

	before, err := s.Inventory.GetInventory(ctx, ownerID)
	if err != nil {
		return fail(scenario, description, err)
	}

	entry, err := s.Inventory.SelectCoin(ctx, ownerID, model.TierGold)
	if err != nil {
		return fail(scenario, description, err)
	}
	if entry.Tier != model.TierSilver {
		return fail(scenario, description, fmt.Errorf("expected SILVER fallback, got %s", entry.Tier))
	}

	after, err := s.Inventory.GetInventory(ctx, ownerID)
	if err != nil {
		return fail(scenario, description, err)
	}
	if after.Silver != before.Silver-1 {
		return fail(scenario, description, fmt.Errorf("expected silver index to drop by 1, %d -> %d", before.Silver, after.Silver))
	}

	return Result{Scenario: scenario, Success: true, Description: description}
}

// RunStrangerOnDemand scripts spec.md's scenario 3: a STRANGER contact has
// a zero budget matrix across every tier, so store_key always fails and
// select_coin always comes back empty.
func RunStrangerOnDemand(ctx context.Context, s Stores) Result {
	const scenario = "Stranger on-demand"
	const description = "STRANGER has a zero budget matrix; store_key fails, select_coin returns none"
	const ownerID = "dave_id"

	if _, err := s.Inventory.RegisterContact(ctx, ownerID, model.PriorityStranger, "Dave"); err != nil {
		return fail(scenario, description, err)
	}

	c, err := mintCoin("d0", model.TierBronze)
	if err != nil {
		return fail(scenario, description, err)
	}
	if _, err := s.Bridge.UploadCoins(ctx, ownerID, []bridge.MintedCoin{c}); err != nil {
		return fail(scenario, description, err)
	}

	cached, err := s.Bridge.FetchAndCache(ctx, ownerID, model.TierBronze, 1)
	if err != nil {
		return fail(scenario, description, err)
	}
	if cached != 0 {
		return fail(scenario, description, fmt.Errorf("expected 0 cached for a STRANGER, got %d", cached))
	}

	if _, err := s.Inventory.SelectCoin(ctx, ownerID, model.TierBronze); err == nil {
		return fail(scenario, description, fmt.Errorf("expected select_coin to return none for a STRANGER"))
	}

	return Result{Scenario: scenario, Success: true, Description: description}
}
