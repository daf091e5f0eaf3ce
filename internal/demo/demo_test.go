package demo

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aqmlabs/aqm-core/internal/bridge"
	"github.com/aqmlabs/aqm-core/internal/directory"
	"github.com/aqmlabs/aqm-core/internal/inventory"
	"github.com/aqmlabs/aqm-core/internal/model"
	"github.com/aqmlabs/aqm-core/internal/vault"
)

func newTestStores(t *testing.T) (Stores, sqlmock.Sqlmock) {
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

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	dir := directory.New(db)

	b := bridge.New(dir, inv, v, "self")

	return Stores{Vault: v, Inventory: inv, Directory: dir, Bridge: b}, mock
}

func expectUpload(mock sqlmock.Sqlmock, rowCount int) {
	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO directory_rows")
	for i := 0; i < rowCount; i++ {
		prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()
}

func expectFetch(mock sqlmock.Sqlmock, owner string, tier model.Tier, n int, keyIDs []string, base time.Time) {
	rows := sqlmock.NewRows([]string{
		"record_id", "owner_id", "key_id", "tier", "public_key", "signature",
		"uploaded_at", "claimed_by", "claimed_at",
	})
	for i, id := range keyIDs {
		rows.AddRow(int64(i+1), owner, id, string(tier), []byte("pk"), []byte("sig"),
			base.Add(time.Duration(i)*time.Millisecond), "self", base)
	}
	mock.ExpectQuery("WITH candidates AS").
		WithArgs(owner, string(tier), n, "self").
		WillReturnRows(rows)
}

func expectEmptyInventoryCount(mock sqlmock.Sqlmock, owner string) {
	rows := sqlmock.NewRows([]string{"tier", "count"})
	mock.ExpectQuery("SELECT tier, COUNT").WithArgs(owner).WillReturnRows(rows)
}

func TestRunBestieEndToEnd(t *testing.T) {
	ctx := context.Background()
	s, mock := newTestStores(t)

	base := time.Now()
	expectUpload(mock, 10)
	expectFetch(mock, "bob_id", model.TierGold, 5, []string{"g0", "g1", "g2", "g3", "g4"}, base)
	expectFetch(mock, "bob_id", model.TierSilver, 4, []string{"s0", "s1", "s2", "s3"}, base.Add(time.Second))
	expectFetch(mock, "bob_id", model.TierBronze, 1, []string{"b0"}, base.Add(2*time.Second))
	expectEmptyInventoryCount(mock, "bob_id")

	result := RunBestieEndToEnd(ctx, s)
	if !result.Success {
		t.Fatalf("scenario failed: %s", result.Error)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRunMateFallback(t *testing.T) {
	ctx := context.Background()
	s, mock := newTestStores(t)

	base := time.Now()
	expectUpload(mock, 10)
	expectFetch(mock, "carol_id", model.TierSilver, 6, []string{"cs0", "cs1", "cs2", "cs3", "cs4", "cs5"}, base)
	expectFetch(mock, "carol_id", model.TierBronze, 4, []string{"cb0", "cb1", "cb2", "cb3"}, base.Add(time.Second))

	result := RunMateFallback(ctx, s)
	if !result.Success {
		t.Fatalf("scenario failed: %s", result.Error)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRunStrangerOnDemand(t *testing.T) {
	ctx := context.Background()
	s, mock := newTestStores(t)

	expectUpload(mock, 1)
	// store_key for a STRANGER always fails BudgetExceeded before ever
	// touching the tier index, so fetch_and_cache claims the row from the
	// Directory but caches nothing.
	expectFetch(mock, "dave_id", model.TierBronze, 1, []string{"d0"}, time.Now())

	result := RunStrangerOnDemand(ctx, s)
	if !result.Success {
		t.Fatalf("scenario failed: %s", result.Error)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRunAllScenarios(t *testing.T) {
	ctx := context.Background()
	s, mock := newTestStores(t)

	base := time.Now()
	expectUpload(mock, 10)
	expectFetch(mock, "bob_id", model.TierGold, 5, []string{"g0", "g1", "g2", "g3", "g4"}, base)
	expectFetch(mock, "bob_id", model.TierSilver, 4, []string{"s0", "s1", "s2", "s3"}, base.Add(time.Second))
	expectFetch(mock, "bob_id", model.TierBronze, 1, []string{"b0"}, base.Add(2*time.Second))
	expectEmptyInventoryCount(mock, "bob_id")
	expectUpload(mock, 10)
	expectFetch(mock, "carol_id", model.TierSilver, 6, []string{"cs0", "cs1", "cs2", "cs3", "cs4", "cs5"}, base.Add(3*time.Second))
	expectFetch(mock, "carol_id", model.TierBronze, 4, []string{"cb0", "cb1", "cb2", "cb3"}, base.Add(4*time.Second))
	expectUpload(mock, 1)
	expectFetch(mock, "dave_id", model.TierBronze, 1, []string{"d0"}, base.Add(5*time.Second))

	results := RunAllScenarios(ctx, s)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Success {
			t.Errorf("scenario %q failed: %s", r.Scenario, r.Error)
		}
	}
}
