// Package inventory implements the Public Key Inventory: a sender device's
// per-contact, per-tier cache of fetched public key halves, budget-capped
// and FIFO-consumed (spec.md §4.2). Entries and their per-tier ordering
// live in Redis hashes and sorted sets; store_key uses WATCH/MULTI/EXEC
// optimistic locking so a budget check and an insert commit together.
package inventory

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aqmlabs/aqm-core/internal/errs"
	"github.com/aqmlabs/aqm-core/internal/model"
	"github.com/aqmlabs/aqm-core/pkg/logging"
)

// Entry is one cached public key half.
type Entry struct {
	ContactID string
	KeyID     string
	Tier      model.Tier
	PublicKey []byte
	Signature []byte
	FetchedAt int64 // FIFO score; StoreKey uses the current Unix time in milliseconds when zero
}

// ContactMeta is the per-contact registration record.
type ContactMeta struct {
	ContactID   string
	Priority    model.Priority
	LastMsgAt   int64
	DisplayName string
}

// Counts is a per-tier breakdown for one contact.
type Counts struct {
	Gold   int
	Silver int
	Bronze int
}

func (c Counts) ForTier(t model.Tier) int {
	switch t {
	case model.TierGold:
		return c.Gold
	case model.TierSilver:
		return c.Silver
	case model.TierBronze:
		return c.Bronze
	default:
		return 0
	}
}

// Config holds Inventory-specific tuning knobs.
type Config struct {
	// OptimisticRetryBudget bounds the WATCH/MULTI/EXEC retry loop in
	// StoreKey.
	OptimisticRetryBudget int
	// Budget is the priority x tier cap matrix.
	Budget model.BudgetMatrix
}

// Inventory is the Redis-backed public key cache for a single device.
type Inventory struct {
	rdb    *redis.Client
	prefix string
	cfg    Config
	log    *logging.Logger
}

func New(rdb *redis.Client, prefix string, cfg Config) *Inventory {
	if prefix == "" {
		prefix = "aqm:v1:"
	}
	if cfg.OptimisticRetryBudget <= 0 {
		cfg.OptimisticRetryBudget = 3
	}
	if cfg.Budget == nil {
		cfg.Budget = model.DefaultBudget()
	}
	return &Inventory{
		rdb:    rdb,
		prefix: prefix,
		cfg:    cfg,
		log:    logging.GetDefault().Component("inventory"),
	}
}

func (inv *Inventory) metaKey(contact string) string {
	return inv.prefix + "inventory:meta:" + contact
}

func (inv *Inventory) entryKey(contact, keyID string) string {
	return inv.prefix + "inventory:entry:" + contact + ":" + keyID
}

func (inv *Inventory) tierIndexKey(contact string, tier model.Tier) string {
	return inv.prefix + "inventory:index:" + contact + ":" + string(tier)
}

func (inv *Inventory) entryPrefix(contact string) string {
	return inv.prefix + "inventory:entry:" + contact + ":"
}

// RegisterContact is idempotent: the first call creates meta and returns
// true; subsequent calls are no-ops and return false.
func (inv *Inventory) RegisterContact(ctx context.Context, contactID string, priority model.Priority, displayName string) (bool, error) {
	key := inv.metaKey(contactID)
	now := time.Now().UnixMilli()

	ok, err := inv.rdb.HSetNX(ctx, key, "priority", string(priority)).Result()
	if err != nil {
		return false, errs.Unavailable("inventory.register_contact", err)
	}
	if !ok {
		return false, nil
	}

	pipe := inv.rdb.TxPipeline()
	pipe.HSet(ctx, key, "last_msg_at", now, "display_name", displayName)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errs.Unavailable("inventory.register_contact", err)
	}
	return true, nil
}

func (inv *Inventory) getMeta(ctx context.Context, contactID string) (ContactMeta, error) {
	res, err := inv.rdb.HGetAll(ctx, inv.metaKey(contactID)).Result()
	if err != nil {
		return ContactMeta{}, errs.Unavailable("inventory.get_meta", err)
	}
	if len(res) == 0 {
		return ContactMeta{}, errs.ErrNotRegistered
	}
	lastMsgAt, _ := strconv.ParseInt(res["last_msg_at"], 10, 64)
	return ContactMeta{
		ContactID:   contactID,
		Priority:    model.Priority(res["priority"]),
		LastMsgAt:   lastMsgAt,
		DisplayName: res["display_name"],
	}, nil
}

// SetContactPriority atomically updates priority, then synchronously trims
// every tier's index down to the new cap, evicting newest-first (P8).
func (inv *Inventory) SetContactPriority(ctx context.Context, contactID string, priority model.Priority) error {
	if _, err := inv.getMeta(ctx, contactID); err != nil {
		return err
	}

	if err := inv.rdb.HSet(ctx, inv.metaKey(contactID), "priority", string(priority)).Err(); err != nil {
		return errs.Unavailable("inventory.set_contact_priority", err)
	}

	for _, tier := range []model.Tier{model.TierGold, model.TierSilver, model.TierBronze} {
		cap := inv.cfg.Budget.Cap(priority, tier)
		if err := inv.trimTierToCap(ctx, contactID, tier, cap); err != nil {
			return err
		}
	}
	return nil
}

// trimTierToCap evicts the newest entries (ZPOPMAX) until the index is at
// or below cap.
func (inv *Inventory) trimTierToCap(ctx context.Context, contactID string, tier model.Tier, cap int) error {
	idxKey := inv.tierIndexKey(contactID, tier)
	for {
		size, err := inv.rdb.ZCard(ctx, idxKey).Result()
		if err != nil {
			return errs.Unavailable("inventory.trim", err)
		}
		if int(size) <= cap {
			return nil
		}
		popped, err := inv.rdb.ZPopMax(ctx, idxKey, 1).Result()
		if err != nil {
			return errs.Unavailable("inventory.trim", err)
		}
		if len(popped) == 0 {
			return nil
		}
		keyID, _ := popped[0].Member.(string)
		if err := inv.rdb.Del(ctx, inv.entryKey(contactID, keyID)).Err(); err != nil {
			return errs.Unavailable("inventory.trim", err)
		}
	}
}

// StoreKey runs the store_key protocol of spec.md §4.2: read priority and
// cap, then an optimistic WATCH/MULTI/EXEC loop that aborts and retries if
// the watched tier index changes concurrently, bounded at
// cfg.OptimisticRetryBudget attempts.
func (inv *Inventory) StoreKey(ctx context.Context, e Entry) error {
	meta, err := inv.getMeta(ctx, e.ContactID)
	if err != nil {
		return err
	}

	cap := inv.cfg.Budget.Cap(meta.Priority, e.Tier)
	if cap == 0 {
		return errs.NewBudgetError(e.ContactID, string(e.Tier), 0, 0)
	}

	idxKey := inv.tierIndexKey(e.ContactID, e.Tier)
	entryKey := inv.entryKey(e.ContactID, e.KeyID)
	fetchedAt := e.FetchedAt
	if fetchedAt == 0 {
		fetchedAt = time.Now().UnixMilli()
	}

	attempts := inv.cfg.OptimisticRetryBudget
	for i := 0; i < attempts; i++ {
		err := inv.rdb.Watch(ctx, func(tx *redis.Tx) error {
			size, err := tx.ZCard(ctx, idxKey).Result()
			if err != nil {
				return err
			}
			if int(size) >= cap {
				return errs.NewBudgetError(e.ContactID, string(e.Tier), int(size), cap)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, entryKey,
					"tier", string(e.Tier), "public_key", e.PublicKey,
					"signature", e.Signature, "fetched_at", fetchedAt)
				pipe.ZAdd(ctx, idxKey, redis.Z{Score: float64(fetchedAt), Member: e.KeyID})
				return nil
			})
			return err
		}, idxKey)

		if err == nil {
			return nil
		}
		if be, ok := err.(*errs.BudgetError); ok {
			return be
		}
		if err == redis.TxFailedErr {
			continue // watched key changed concurrently, retry
		}
		return errs.Unavailable("inventory.store_key", err)
	}
	return errs.ErrConcurrencyError
}

// SelectCoin atomically pops the oldest entry in the desired tier, falling
// back through model.FallbackOrder if it is empty. Never falls back upward
// (P5). Returns errs.ErrNotFound ("none") if every candidate tier is empty.
func (inv *Inventory) SelectCoin(ctx context.Context, contactID string, desired model.Tier) (Entry, error) {
	for _, tier := range model.FallbackOrder(desired) {
		idxKey := inv.tierIndexKey(contactID, tier)
		popped, err := inv.rdb.ZPopMin(ctx, idxKey, 1).Result()
		if err != nil {
			return Entry{}, errs.Unavailable("inventory.select_coin", err)
		}
		if len(popped) == 0 {
			continue
		}
		keyID, _ := popped[0].Member.(string)

		entryKey := inv.entryKey(contactID, keyID)
		res, err := inv.rdb.HGetAll(ctx, entryKey).Result()
		if err != nil {
			return Entry{}, errs.Unavailable("inventory.select_coin", err)
		}
		if err := inv.rdb.Del(ctx, entryKey).Err(); err != nil {
			return Entry{}, errs.Unavailable("inventory.select_coin", err)
		}
		if err := inv.touchLastMsg(ctx, contactID); err != nil {
			return Entry{}, err
		}

		fetchedAt, _ := strconv.ParseInt(res["fetched_at"], 10, 64)
		return Entry{
			ContactID: contactID,
			KeyID:     keyID,
			Tier:      tier,
			PublicKey: []byte(res["public_key"]),
			Signature: []byte(res["signature"]),
			FetchedAt: fetchedAt,
		}, nil
	}
	return Entry{}, errs.ErrNotFound
}

func (inv *Inventory) touchLastMsg(ctx context.Context, contactID string) error {
	if err := inv.rdb.HSet(ctx, inv.metaKey(contactID), "last_msg_at", time.Now().UnixMilli()).Err(); err != nil {
		return errs.Unavailable("inventory.touch_last_msg", err)
	}
	return nil
}

// ConsumeKey explicitly removes a cached entry, e.g. when a caller rejects
// a selected key. Removing an absent key is a no-op, not an error.
func (inv *Inventory) ConsumeKey(ctx context.Context, contactID, keyID string) error {
	for _, tier := range []model.Tier{model.TierGold, model.TierSilver, model.TierBronze} {
		if err := inv.rdb.ZRem(ctx, inv.tierIndexKey(contactID, tier), keyID).Err(); err != nil {
			return errs.Unavailable("inventory.consume_key", err)
		}
	}
	if err := inv.rdb.Del(ctx, inv.entryKey(contactID, keyID)).Err(); err != nil {
		return errs.Unavailable("inventory.consume_key", err)
	}
	return nil
}

// GetInventory returns per-tier counts for one contact.
func (inv *Inventory) GetInventory(ctx context.Context, contactID string) (Counts, error) {
	gold, err := inv.rdb.ZCard(ctx, inv.tierIndexKey(contactID, model.TierGold)).Result()
	if err != nil {
		return Counts{}, errs.Unavailable("inventory.get_inventory", err)
	}
	silver, err := inv.rdb.ZCard(ctx, inv.tierIndexKey(contactID, model.TierSilver)).Result()
	if err != nil {
		return Counts{}, errs.Unavailable("inventory.get_inventory", err)
	}
	bronze, err := inv.rdb.ZCard(ctx, inv.tierIndexKey(contactID, model.TierBronze)).Result()
	if err != nil {
		return Counts{}, errs.Unavailable("inventory.get_inventory", err)
	}
	return Counts{Gold: int(gold), Silver: int(silver), Bronze: int(bronze)}, nil
}

// HasKeysFor reports whether any tier holds at least one key.
func (inv *Inventory) HasKeysFor(ctx context.Context, contactID string) (bool, error) {
	counts, err := inv.GetInventory(ctx, contactID)
	if err != nil {
		return false, err
	}
	return counts.Gold > 0 || counts.Silver > 0 || counts.Bronze > 0, nil
}

// GetAvailableTiers returns tiers with at least one cached key.
func (inv *Inventory) GetAvailableTiers(ctx context.Context, contactID string) ([]model.Tier, error) {
	counts, err := inv.GetInventory(ctx, contactID)
	if err != nil {
		return nil, err
	}
	var tiers []model.Tier
	if counts.Gold > 0 {
		tiers = append(tiers, model.TierGold)
	}
	if counts.Silver > 0 {
		tiers = append(tiers, model.TierSilver)
	}
	if counts.Bronze > 0 {
		tiers = append(tiers, model.TierBronze)
	}
	return tiers, nil
}

// GetContactMeta exposes the raw meta record, used by GC and the reporter.
func (inv *Inventory) GetContactMeta(ctx context.Context, contactID string) (ContactMeta, error) {
	return inv.getMeta(ctx, contactID)
}

// ListContacts is a background-only O(n) scan over registered contacts,
// used by Inventory GC's inactivity sweep.
func (inv *Inventory) ListContacts(ctx context.Context) ([]string, error) {
	var ids []string
	metaPrefix := inv.prefix + "inventory:meta:"
	iter := inv.rdb.Scan(ctx, 0, metaPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		ids = append(ids, iter.Val()[len(metaPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, errs.Unavailable("inventory.list_contacts", err)
	}
	return ids, nil
}

// ClearAllTiers deletes every tier index and cached-entry hash for a
// contact, without touching its meta record. Used by GC's inactivity
// sweep and by collect_single_contact.
func (inv *Inventory) ClearAllTiers(ctx context.Context, contactID string) (int, error) {
	removed := 0
	for _, tier := range []model.Tier{model.TierGold, model.TierSilver, model.TierBronze} {
		idxKey := inv.tierIndexKey(contactID, tier)
		members, err := inv.rdb.ZRange(ctx, idxKey, 0, -1).Result()
		if err != nil {
			return removed, errs.Unavailable("inventory.clear_all_tiers", err)
		}
		for _, keyID := range members {
			if err := inv.rdb.Del(ctx, inv.entryKey(contactID, keyID)).Err(); err != nil {
				return removed, errs.Unavailable("inventory.clear_all_tiers", err)
			}
			removed++
		}
		if err := inv.rdb.Del(ctx, idxKey).Err(); err != nil {
			return removed, errs.Unavailable("inventory.clear_all_tiers", err)
		}
	}
	return removed, nil
}

// DeleteMeta removes a contact's registration record entirely.
func (inv *Inventory) DeleteMeta(ctx context.Context, contactID string) error {
	if err := inv.rdb.Del(ctx, inv.metaKey(contactID)).Err(); err != nil {
		return errs.Unavailable("inventory.delete_meta", err)
	}
	return nil
}
