// Package directory implements the Shared Coin Directory: the server-side
// authoritative pool of uploaded public key halves, with atomic
// at-most-one-reader Delete-on-Fetch (spec.md §4.3). It speaks
// database/sql against a Postgres driver so the claim algorithm can use
// SELECT ... FOR UPDATE SKIP LOCKED, the fork-immunity primitive a plain
// key-value store cannot express.
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/aqmlabs/aqm-core/internal/errs"
	"github.com/aqmlabs/aqm-core/internal/model"
	"github.com/aqmlabs/aqm-core/pkg/logging"
)

// Row is one uploaded public key half.
type Row struct {
	RecordID  int64
	OwnerID   string
	KeyID     string
	Tier      model.Tier
	PublicKey []byte
	Signature []byte
	UploadedAt time.Time
	ClaimedBy  string
	ClaimedAt  time.Time
}

// Coin is the minted-key shape callers upload; RecordID/timestamps are
// server-assigned.
type Coin struct {
	KeyID     string
	Tier      model.Tier
	PublicKey []byte
	Signature []byte
}

// Config holds connection settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Directory wraps a *sql.DB speaking Postgres through the pgx stdlib
// driver.
type Directory struct {
	db  *sql.DB
	log *logging.Logger
}

// Open connects to Postgres, applies connection pool settings, and
// initializes the schema, following the teacher's storage.New shape.
func Open(cfg Config) (*Directory, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open directory database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping directory database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	d := New(db)
	if err := d.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize directory schema: %w", err)
	}
	return d, nil
}

// New wraps an already-open *sql.DB, used directly by tests against
// sqlmock.
func New(db *sql.DB) *Directory {
	return &Directory{db: db, log: logging.GetDefault().Component("directory")}
}

func (d *Directory) Close() error { return d.db.Close() }

func (d *Directory) initSchema() error {
	_, err := d.db.Exec(schema)
	return err
}

// UploadCoins batch-inserts a minted batch, silently dropping duplicates on
// (owner_id, key_id) so device retries after ambiguous failures are
// idempotent (P7). Returns the count actually inserted.
func (d *Directory) UploadCoins(ctx context.Context, ownerID string, batch []Coin) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Unavailable("directory.upload_coins", err)
	}
	defer tx.Rollback()

	inserted := 0
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO directory_rows (owner_id, key_id, tier, public_key, signature, uploaded_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (owner_id, key_id) DO NOTHING
	`)
	if err != nil {
		return 0, errs.Unavailable("directory.upload_coins", err)
	}
	defer stmt.Close()

	for _, c := range batch {
		res, err := stmt.ExecContext(ctx, ownerID, c.KeyID, string(c.Tier), c.PublicKey, c.Signature)
		if err != nil {
			return 0, errs.Unavailable("directory.upload_coins", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, errs.Unavailable("directory.upload_coins", err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Unavailable("directory.upload_coins", err)
	}
	return inserted, nil
}

// FetchCoins is the claim protocol of spec.md §4.3: a single atomic
// statement that selects up to n oldest unclaimed rows for
// (target_owner, tier), skipping any already locked by a concurrent
// claimer, and marks the ones it gets as claimed. Two concurrent callers
// for the same (owner, tier) always receive disjoint subsets (P2).
func (d *Directory) FetchCoins(ctx context.Context, targetOwner, requesterID string, tier model.Tier, n int) ([]Row, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := d.db.QueryContext(ctx, `
		WITH candidates AS (
			SELECT record_id
			FROM directory_rows
			WHERE owner_id = $1 AND tier = $2 AND claimed_by IS NULL
			ORDER BY uploaded_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE directory_rows d
		SET claimed_by = $4, claimed_at = now()
		FROM candidates
		WHERE d.record_id = candidates.record_id
		RETURNING d.record_id, d.owner_id, d.key_id, d.tier, d.public_key, d.signature,
		          d.uploaded_at, d.claimed_by, d.claimed_at
	`, targetOwner, string(tier), n, requesterID)
	if err != nil {
		return nil, errs.Unavailable("directory.fetch_coins", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var tierStr, claimedBy string
		var claimedAt sql.NullTime
		if err := rows.Scan(&r.RecordID, &r.OwnerID, &r.KeyID, &tierStr, &r.PublicKey, &r.Signature,
			&r.UploadedAt, &claimedBy, &claimedAt); err != nil {
			return nil, errs.Unavailable("directory.fetch_coins", err)
		}
		r.Tier = model.Tier(tierStr)
		r.ClaimedBy = claimedBy
		if claimedAt.Valid {
			r.ClaimedAt = claimedAt.Time
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Unavailable("directory.fetch_coins", err)
	}
	return out, nil
}

// InventoryCount returns the per-tier unclaimed row count for an owner.
func (d *Directory) InventoryCount(ctx context.Context, ownerID string) (map[model.Tier]int, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT tier, COUNT(*)
		FROM directory_rows
		WHERE owner_id = $1 AND claimed_by IS NULL
		GROUP BY tier
	`, ownerID)
	if err != nil {
		return nil, errs.Unavailable("directory.inventory_count", err)
	}
	defer rows.Close()

	counts := map[model.Tier]int{model.TierGold: 0, model.TierSilver: 0, model.TierBronze: 0}
	for rows.Next() {
		var tierStr string
		var n int
		if err := rows.Scan(&tierStr, &n); err != nil {
			return nil, errs.Unavailable("directory.inventory_count", err)
		}
		counts[model.Tier(tierStr)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Unavailable("directory.inventory_count", err)
	}
	return counts, nil
}

// PurgeStale hard-deletes unclaimed rows older than maxAge.
func (d *Directory) PurgeStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM directory_rows
		WHERE claimed_by IS NULL AND uploaded_at < $1
	`, cutoff)
	if err != nil {
		return 0, errs.Unavailable("directory.purge_stale", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Unavailable("directory.purge_stale", err)
	}
	return int(n), nil
}

// HardDeleteClaimed hard-deletes claimed rows past the grace window,
// completing the two-stage deletion rationale of spec.md §4.3.
func (d *Directory) HardDeleteClaimed(ctx context.Context, grace time.Duration) (int, error) {
	cutoff := time.Now().Add(-grace)
	res, err := d.db.ExecContext(ctx, `
		DELETE FROM directory_rows
		WHERE claimed_by IS NOT NULL AND claimed_at < $1
	`, cutoff)
	if err != nil {
		return 0, errs.Unavailable("directory.hard_delete_claimed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Unavailable("directory.hard_delete_claimed", err)
	}
	return int(n), nil
}
