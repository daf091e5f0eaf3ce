// Package vault implements the Private Key Vault: per-device storage of
// hardware-encrypted private key halves with burn-after-use semantics
// (spec.md §4.1). Every mutation is a single Lua script executed on Redis so
// the entry hash and the aggregate counters move together, never partially.
package vault

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aqmlabs/aqm-core/internal/errs"
	"github.com/aqmlabs/aqm-core/internal/model"
	"github.com/aqmlabs/aqm-core/pkg/logging"
)

// Status is the lifecycle state of a VaultEntry.
type Status string

const (
	StatusActive Status = "ACTIVE"
	StatusBurned Status = "BURNED"
)

// Entry is one minted private key half.
type Entry struct {
	KeyID         string
	Tier          model.Tier
	EncryptedBlob []byte
	IV            []byte
	AuthTag       []byte
	Status        Status
	CreatedAt     int64 // milliseconds
	CoinVersion   string
}

// Stats mirrors spec.md's VaultStats: per-tier active counts plus lifetime
// burned/expired totals.
type Stats struct {
	ActiveGold   int
	ActiveSilver int
	ActiveBronze int
	TotalBurned  int
	TotalExpired int
}

func (s Stats) Active(t model.Tier) int {
	switch t {
	case model.TierGold:
		return s.ActiveGold
	case model.TierSilver:
		return s.ActiveSilver
	case model.TierBronze:
		return s.ActiveBronze
	default:
		return 0
	}
}

// Config holds Vault-specific tuning knobs.
type Config struct {
	// TTL is how long an ACTIVE entry survives before purge_expired (or a
	// firing Redis TTL) removes it.
	TTL time.Duration
	// BurnGrace is the short retention window for a BURNED entry.
	BurnGrace time.Duration
}

// Vault is the Redis-backed private key store for a single device.
type Vault struct {
	rdb    *redis.Client
	prefix string
	cfg    Config
	log    *logging.Logger
}

// New constructs a Vault bound to an already-connected Redis client.
func New(rdb *redis.Client, prefix string, cfg Config) *Vault {
	if prefix == "" {
		prefix = "aqm:v1:"
	}
	return &Vault{
		rdb:    rdb,
		prefix: prefix,
		cfg:    cfg,
		log:    logging.GetDefault().Component("vault"),
	}
}

func (v *Vault) entryKey(keyID string) string {
	return v.prefix + "vault:entry:" + keyID
}

func (v *Vault) statsKey() string {
	return v.prefix + "vault:stats"
}

func counterField(t model.Tier) string {
	switch t {
	case model.TierGold:
		return "active_gold"
	case model.TierSilver:
		return "active_silver"
	case model.TierBronze:
		return "active_bronze"
	default:
		return ""
	}
}

// storeScript writes the entry hash, sets its TTL, and bumps the per-tier
// counter, all inside one EVAL so a concurrent fetch never observes a
// half-written entry (spec.md §4.1, "within a single transaction").
var storeScript = redis.NewScript(`
local entryKey = KEYS[1]
local statsKey = KEYS[2]
local ttlSeconds = tonumber(ARGV[1])
local tier = ARGV[2]
local blob = ARGV[3]
local iv = ARGV[4]
local tag = ARGV[5]
local createdAt = ARGV[6]
local version = ARGV[7]
local counterField = ARGV[8]

if redis.call('EXISTS', entryKey) == 1 then
  return redis.error_reply('ALREADY_EXISTS')
end

redis.call('HSET', entryKey,
  'tier', tier, 'blob', blob, 'iv', iv, 'tag', tag,
  'status', 'ACTIVE', 'created_at', createdAt, 'version', version)
redis.call('EXPIRE', entryKey, ttlSeconds)
redis.call('HINCRBY', statsKey, counterField, 1)
return 1
`)

// burnScript flips status to BURNED, shortens the TTL to the burn grace
// window, and moves the counters (decrement active, increment burned) in
// the same atomic step, so a racing fetch_key sees ACTIVE or BURNED, never
// a torn state (spec.md §4.1, §5 "globally observable").
var burnScript = redis.NewScript(`
local entryKey = KEYS[1]
local statsKey = KEYS[2]
local graceSeconds = tonumber(ARGV[1])

local status = redis.call('HGET', entryKey, 'status')
if status == false then
  return redis.error_reply('NOT_FOUND')
end
if status == 'BURNED' then
  return redis.error_reply('ALREADY_BURNED')
end

local tier = redis.call('HGET', entryKey, 'tier')
local counterField
if tier == 'GOLD' then counterField = 'active_gold'
elseif tier == 'SILVER' then counterField = 'active_silver'
else counterField = 'active_bronze' end

redis.call('HSET', entryKey, 'status', 'BURNED')
redis.call('EXPIRE', entryKey, graceSeconds)
redis.call('HINCRBY', statsKey, counterField, -1)
redis.call('HINCRBY', statsKey, 'total_burned', 1)
return 1
`)

// purgeScript removes a single ACTIVE entry whose created_at is older than
// cutoffMillis and decrements its counter and total_expired atomically. The
// caller loops this over the ids returned by a prefix scan.
var purgeScript = redis.NewScript(`
local entryKey = KEYS[1]
local statsKey = KEYS[2]
local cutoff = tonumber(ARGV[1])

local status = redis.call('HGET', entryKey, 'status')
if status ~= 'ACTIVE' then
  return 0
end
local createdAt = tonumber(redis.call('HGET', entryKey, 'created_at'))
if createdAt == nil or createdAt >= cutoff then
  return 0
end

local tier = redis.call('HGET', entryKey, 'tier')
local counterField
if tier == 'GOLD' then counterField = 'active_gold'
elseif tier == 'SILVER' then counterField = 'active_silver'
else counterField = 'active_bronze' end

redis.call('DEL', entryKey)
redis.call('HINCRBY', statsKey, counterField, -1)
redis.call('HINCRBY', statsKey, 'total_expired', 1)
return 1
`)

// StoreKey atomically creates an ACTIVE entry and bumps its tier counter.
func (v *Vault) StoreKey(ctx context.Context, e Entry) error {
	field := counterField(e.Tier)
	if field == "" {
		return errs.ErrInvalidTier
	}

	createdAt := e.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}

	ttl := v.cfg.TTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	_, err := storeScript.Run(ctx, v.rdb,
		[]string{v.entryKey(e.KeyID), v.statsKey()},
		int64(ttl/time.Second), string(e.Tier), e.EncryptedBlob, e.IV, e.AuthTag,
		createdAt, e.CoinVersion, field,
	).Result()
	if err != nil {
		if isScriptError(err, "ALREADY_EXISTS") {
			return errs.ErrAlreadyExists
		}
		return errs.Unavailable("vault.store_key", err)
	}
	return nil
}

// FetchKey is a pure read. Absence (never stored, expired, or burned) is
// reported as errs.ErrNotFound, not a hard failure.
func (v *Vault) FetchKey(ctx context.Context, keyID string) (Entry, error) {
	res, err := v.rdb.HGetAll(ctx, v.entryKey(keyID)).Result()
	if err != nil {
		return Entry{}, errs.Unavailable("vault.fetch_key", err)
	}
	if len(res) == 0 {
		return Entry{}, errs.ErrNotFound
	}
	if res["status"] == string(StatusBurned) {
		return Entry{}, errs.ErrNotFound
	}

	createdAt, _ := strconv.ParseInt(res["created_at"], 10, 64)
	return Entry{
		KeyID:         keyID,
		Tier:          model.Tier(res["tier"]),
		EncryptedBlob: []byte(res["blob"]),
		IV:            []byte(res["iv"]),
		AuthTag:       []byte(res["tag"]),
		Status:        Status(res["status"]),
		CreatedAt:     createdAt,
		CoinVersion:   res["version"],
	}, nil
}

// BurnKey flips an ACTIVE entry to BURNED. After this returns success, every
// subsequent FetchKey for the same key_id returns ErrNotFound (P1).
func (v *Vault) BurnKey(ctx context.Context, keyID string) error {
	grace := v.cfg.BurnGrace
	if grace <= 0 {
		grace = 60 * time.Second
	}

	_, err := burnScript.Run(ctx, v.rdb,
		[]string{v.entryKey(keyID), v.statsKey()},
		int64(grace/time.Second),
	).Result()
	if err != nil {
		if isScriptError(err, "NOT_FOUND") {
			return errs.ErrNotFound
		}
		if isScriptError(err, "ALREADY_BURNED") {
			return errs.ErrAlreadyBurned
		}
		return errs.Unavailable("vault.burn_key", err)
	}
	return nil
}

// CountActive returns the active count for one tier, or the total across
// all tiers if tier is empty. It does not return a per-tier breakdown.
func (v *Vault) CountActive(ctx context.Context, tier model.Tier) (int, error) {
	stats, err := v.GetStats(ctx)
	if err != nil {
		return 0, err
	}
	if tier == "" {
		return stats.ActiveGold + stats.ActiveSilver + stats.ActiveBronze, nil
	}
	return stats.Active(tier), nil
}

// Exists is a fast existence check (present and not burned).
func (v *Vault) Exists(ctx context.Context, keyID string) (bool, error) {
	status, err := v.rdb.HGet(ctx, v.entryKey(keyID), "status").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errs.Unavailable("vault.exists", err)
	}
	return status == string(StatusActive), nil
}

// GetAllActiveIDs is a background-only O(n) scan over entry keys, used by
// maintenance jobs only, never the hot path.
func (v *Vault) GetAllActiveIDs(ctx context.Context, tier model.Tier) ([]string, error) {
	var ids []string
	iter := v.rdb.Scan(ctx, 0, v.prefix+"vault:entry:*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := v.rdb.HMGet(ctx, key, "status", "tier").Result()
		if err != nil {
			return nil, errs.Unavailable("vault.get_all_active_ids", err)
		}
		status, _ := vals[0].(string)
		entryTier, _ := vals[1].(string)
		if status != string(StatusActive) {
			continue
		}
		if tier != "" && model.Tier(entryTier) != tier {
			continue
		}
		ids = append(ids, key[len(v.prefix+"vault:entry:"):])
	}
	if err := iter.Err(); err != nil {
		return nil, errs.Unavailable("vault.get_all_active_ids", err)
	}
	return ids, nil
}

// PurgeExpired is the safety net for lost TTLs: removes ACTIVE entries
// older than maxAge and returns the count purged.
func (v *Vault) PurgeExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := v.GetAllActiveIDs(ctx, "")
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	purged := 0
	for _, id := range ids {
		n, err := purgeScript.Run(ctx, v.rdb,
			[]string{v.entryKey(id), v.statsKey()}, cutoff,
		).Int()
		if err != nil {
			v.log.Warn("purge_expired: script failed", "key_id", id, "err", err)
			continue
		}
		purged += n
	}
	return purged, nil
}

// GetStats reads the counter hash.
func (v *Vault) GetStats(ctx context.Context) (Stats, error) {
	res, err := v.rdb.HGetAll(ctx, v.statsKey()).Result()
	if err != nil {
		return Stats{}, errs.Unavailable("vault.get_stats", err)
	}
	return Stats{
		ActiveGold:   parseIntOr(res["active_gold"], 0),
		ActiveSilver: parseIntOr(res["active_silver"], 0),
		ActiveBronze: parseIntOr(res["active_bronze"], 0),
		TotalBurned:  parseIntOr(res["total_burned"], 0),
		TotalExpired: parseIntOr(res["total_expired"], 0),
	}, nil
}

func parseIntOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func isScriptError(err error, marker string) bool {
	if err == nil {
		return false
	}
	return fmt.Sprint(err) != "" && containsMarker(err.Error(), marker)
}

func containsMarker(s, marker string) bool {
	return len(s) >= len(marker) && indexOf(s, marker) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
