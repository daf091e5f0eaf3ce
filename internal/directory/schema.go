package directory

// schema is the Directory's Postgres schema. Run once at startup, the way
// the teacher's Storage.initSchema runs its SQLite schema string.
const schema = `
CREATE TABLE IF NOT EXISTS directory_rows (
	record_id    BIGSERIAL PRIMARY KEY,
	owner_id     TEXT NOT NULL,
	key_id       TEXT NOT NULL,
	tier         TEXT NOT NULL,
	public_key   BYTEA NOT NULL,
	signature    BYTEA NOT NULL,
	uploaded_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	claimed_by   TEXT,
	claimed_at   TIMESTAMPTZ,
	UNIQUE (owner_id, key_id)
);

CREATE INDEX IF NOT EXISTS idx_directory_unclaimed
	ON directory_rows (owner_id, tier, uploaded_at)
	WHERE claimed_by IS NULL;

CREATE INDEX IF NOT EXISTS idx_directory_claimed_at
	ON directory_rows (claimed_at)
	WHERE claimed_by IS NOT NULL;
`
