package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/aqmlabs/aqm-core/internal/directory"
	"github.com/aqmlabs/aqm-core/internal/model"
)

// CoinParams is the wire shape of a single coin in an upload batch.
type CoinParams struct {
	KeyID     string `json:"key_id"`
	Tier      string `json:"tier"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

// UploadCoinsParams is the parameters for directory_uploadCoins.
type UploadCoinsParams struct {
	OwnerID string       `json:"owner_id"`
	Batch   []CoinParams `json:"batch"`
}

// UploadCoinsResult is the response for directory_uploadCoins.
type UploadCoinsResult struct {
	RequestID string `json:"request_id"`
	Inserted  int    `json:"inserted"`
}

func (s *Server) directoryUploadCoins(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p UploadCoinsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if p.OwnerID == "" {
		return nil, fmt.Errorf("owner_id is required")
	}

	batch := make([]directory.Coin, len(p.Batch))
	for i, c := range p.Batch {
		tier, err := model.ParseTier(c.Tier)
		if err != nil {
			return nil, fmt.Errorf("batch[%d]: %w", i, err)
		}
		batch[i] = directory.Coin{KeyID: c.KeyID, Tier: tier, PublicKey: c.PublicKey, Signature: c.Signature}
	}

	inserted, err := s.directory.UploadCoins(ctx, p.OwnerID, batch)
	if err != nil {
		return nil, err
	}
	return UploadCoinsResult{RequestID: uuid.New().String(), Inserted: inserted}, nil
}

// FetchCoinsParams is the parameters for directory_fetchCoins.
type FetchCoinsParams struct {
	TargetOwner string `json:"target_owner"`
	RequesterID string `json:"requester_id"`
	Tier        string `json:"tier"`
	N           int    `json:"n"`
}

// RowInfo is the wire shape of a claimed directory row.
type RowInfo struct {
	KeyID     string `json:"key_id"`
	Tier      string `json:"tier"`
	PublicKey []byte `json:"public_key"`
	Signature []byte `json:"signature"`
}

func (s *Server) directoryFetchCoins(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p FetchCoinsParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	tier, err := model.ParseTier(p.Tier)
	if err != nil {
		return nil, err
	}
	if p.N <= 0 {
		return nil, fmt.Errorf("n must be positive")
	}

	rows, err := s.directory.FetchCoins(ctx, p.TargetOwner, p.RequesterID, tier, p.N)
	if err != nil {
		return nil, err
	}

	out := make([]RowInfo, len(rows))
	for i, r := range rows {
		out[i] = RowInfo{KeyID: r.KeyID, Tier: string(r.Tier), PublicKey: r.PublicKey, Signature: r.Signature}
	}
	return out, nil
}

// InventoryCountParams is the parameters for directory_inventoryCount.
type InventoryCountParams struct {
	OwnerID string `json:"owner_id"`
}

func (s *Server) directoryInventoryCount(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p InventoryCountParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	counts, err := s.directory.InventoryCount(ctx, p.OwnerID)
	if err != nil {
		return nil, err
	}

	out := make(map[string]int, len(counts))
	for tier, n := range counts {
		out[string(tier)] = n
	}
	return out, nil
}
