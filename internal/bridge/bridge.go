// Package bridge glues the Inventory and Directory together: pre-fetching
// and claiming keys from the server pool into the local cache, and
// uploading freshly minted keys the other direction (spec.md §4.4). It is
// a stateless orchestrator over the two stores' public contracts, never
// reaching into either store's internals — the same shape the teacher uses
// for its swap coordinator, minus the mutable session state that
// orchestrator needs and this one does not.
package bridge

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/aqmlabs/aqm-core/internal/directory"
	"github.com/aqmlabs/aqm-core/internal/errs"
	"github.com/aqmlabs/aqm-core/internal/inventory"
	"github.com/aqmlabs/aqm-core/internal/model"
	"github.com/aqmlabs/aqm-core/internal/vault"
	"github.com/aqmlabs/aqm-core/pkg/logging"
)

// MintedCoin is one coin produced by minting (out of this core's scope):
// the private half destined for the Vault and the public half destined
// for the Directory.
type MintedCoin struct {
	KeyID         string
	Tier          model.Tier
	EncryptedBlob []byte
	IV            []byte
	AuthTag       []byte
	CoinVersion   string
	PublicKey     []byte
	Signature     []byte
}

// Bridge orchestrates Directory <-> Inventory/Vault movement for one
// device.
type Bridge struct {
	directory *directory.Directory
	inventory *inventory.Inventory
	vault     *vault.Vault
	selfID    string
	retry     backoff.BackOff
	log       *logging.Logger
}

// New constructs a Bridge bound to the three stores it coordinates.
// selfID identifies this device as the requester in Directory claims.
func New(dir *directory.Directory, inv *inventory.Inventory, vlt *vault.Vault, selfID string) *Bridge {
	return &Bridge{
		directory: dir,
		inventory: inv,
		vault:     vlt,
		selfID:    selfID,
		log:       logging.GetDefault().Component("bridge"),
	}
}

// FetchAndCache claims up to n rows of tier for targetOwner from the
// Directory and caches each into the Inventory. A BudgetExceeded from
// store_key stops the loop early and discards the remaining rows — the cap
// is already satisfied, so a surplus claim is an acceptable loss (spec.md
// §4.4). Returns the count actually cached.
func (b *Bridge) FetchAndCache(ctx context.Context, targetOwner string, tier model.Tier, n int) (int, error) {
	rows, err := b.directory.FetchCoins(ctx, targetOwner, b.selfID, tier, n)
	if err != nil {
		return 0, err
	}

	cached := 0
	for i, row := range rows {
		err := b.inventory.StoreKey(ctx, inventory.Entry{
			ContactID: targetOwner,
			KeyID:     row.KeyID,
			Tier:      row.Tier,
			PublicKey: row.PublicKey,
			Signature: row.Signature,
			// row.UploadedAt carries the Directory's FIFO order, but two
			// rows can share a millisecond; the loop index as a tiebreaker
			// keeps the claim order exact instead of relying on clock
			// resolution.
			FetchedAt: row.UploadedAt.UnixMilli()*1000 + int64(i),
		})
		if err != nil {
			var budgetErr *errs.BudgetError
			if asBudgetError(err, &budgetErr) {
				b.log.Info("fetch_and_cache: budget satisfied, discarding surplus claim",
					"owner", targetOwner, "tier", tier, "cached", cached, "claimed", len(rows))
				break
			}
			return cached, err
		}
		cached++
	}
	return cached, nil
}

// FetchAndCacheWithRetry wraps FetchAndCache in the bounded on-demand retry
// window described in spec.md §7 ("select_coin returning 'none' triggers
// on-demand fetch_and_cache"). Besides this window, the only retries are
// the daemon's startup connection attempts and Inventory.StoreKey's bounded
// optimistic-lock loop.
func (b *Bridge) FetchAndCacheWithRetry(ctx context.Context, targetOwner string, tier model.Tier, n int) (int, error) {
	op := func() (int, error) {
		cached, err := b.FetchAndCache(ctx, targetOwner, tier, n)
		if err != nil {
			return 0, err
		}
		if cached == 0 {
			return 0, backoff.RetryAfter(time.Second)
		}
		return cached, nil
	}
	return backoff.Retry(ctx, op,
		backoff.WithMaxTries(3),
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
	)
}

// UploadCoins stores the private half of each minted coin in the Vault,
// then uploads the public halves to the Directory as one batch. A key_id
// already in the Vault (from an earlier attempt) is skipped; any other
// vault store failure aborts the whole minting batch; if the directory
// upload fails, the private halves remain vaulted and a retry will dedupe
// on (owner_id, key_id) (spec.md §4.4, §9).
func (b *Bridge) UploadCoins(ctx context.Context, ownerID string, minted []MintedCoin) (int, error) {
	for _, c := range minted {
		err := b.vault.StoreKey(ctx, vault.Entry{
			KeyID:         c.KeyID,
			Tier:          c.Tier,
			EncryptedBlob: c.EncryptedBlob,
			IV:            c.IV,
			AuthTag:       c.AuthTag,
			CoinVersion:   c.CoinVersion,
		})
		if err != nil && err != errs.ErrAlreadyExists {
			return 0, err
		}
	}

	batch := make([]directory.Coin, len(minted))
	for i, c := range minted {
		batch[i] = directory.Coin{KeyID: c.KeyID, Tier: c.Tier, PublicKey: c.PublicKey, Signature: c.Signature}
	}
	return b.directory.UploadCoins(ctx, ownerID, batch)
}

// SyncInventory reconciles a contact's local cache toward budget: for each
// tier with a positive deficit against BUDGET[priority], it fetches and
// caches that many more coins (spec.md §4.4).
func (b *Bridge) SyncInventory(ctx context.Context, contactID string, budget model.BudgetMatrix) (int, error) {
	meta, err := b.inventory.GetContactMeta(ctx, contactID)
	if err != nil {
		return 0, err
	}

	counts, err := b.inventory.GetInventory(ctx, contactID)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, tier := range []model.Tier{model.TierGold, model.TierSilver, model.TierBronze} {
		cap := budget.Cap(meta.Priority, tier)
		have := counts.ForTier(tier)
		deficit := cap - have
		if deficit <= 0 {
			continue
		}
		cached, err := b.FetchAndCache(ctx, contactID, tier, deficit)
		if err != nil {
			return total, err
		}
		total += cached
	}
	return total, nil
}

func asBudgetError(err error, target **errs.BudgetError) bool {
	be, ok := err.(*errs.BudgetError)
	if !ok {
		return false
	}
	*target = be
	return true
}
