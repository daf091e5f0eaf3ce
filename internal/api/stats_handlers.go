package api

import (
	"context"
	"encoding/json"
	"fmt"
)

// VaultStatsResult is the read-only view of vault.Stats exposed for local
// device introspection.
type VaultStatsResult struct {
	ActiveGold   int `json:"active_gold"`
	ActiveSilver int `json:"active_silver"`
	ActiveBronze int `json:"active_bronze"`
	TotalBurned  int `json:"total_burned"`
	TotalExpired int `json:"total_expired"`
}

func (s *Server) vaultStats(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.vault == nil {
		return nil, fmt.Errorf("vault not attached to this api server")
	}
	stats, err := s.vault.GetStats(ctx)
	if err != nil {
		return nil, err
	}
	return VaultStatsResult{
		ActiveGold:   stats.ActiveGold,
		ActiveSilver: stats.ActiveSilver,
		ActiveBronze: stats.ActiveBronze,
		TotalBurned:  stats.TotalBurned,
		TotalExpired: stats.TotalExpired,
	}, nil
}

// InventoryGetParams is the parameters for inventory_get.
type InventoryGetParams struct {
	ContactID string `json:"contact_id"`
}

// InventoryGetResult is the read-only per-tier count view.
type InventoryGetResult struct {
	Gold   int `json:"gold"`
	Silver int `json:"silver"`
	Bronze int `json:"bronze"`
}

func (s *Server) inventoryGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.inventory == nil {
		return nil, fmt.Errorf("inventory not attached to this api server")
	}
	var p InventoryGetParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	counts, err := s.inventory.GetInventory(ctx, p.ContactID)
	if err != nil {
		return nil, err
	}
	return InventoryGetResult{Gold: counts.Gold, Silver: counts.Silver, Bronze: counts.Bronze}, nil
}
