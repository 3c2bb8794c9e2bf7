package persistence

import (
	"SettleLedger/internal/core"
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/merkle"
	"SettleLedger/internal/settlement"
	"SettleLedger/internal/state"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoMock(t *testing.T) (*SettlementRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSettlementRepository(db), mock
}

var jobRowColumns = []string{
	"prediction_id", "status", "tx_hash", "error", "attempts", "requested_by", "started_at", "created_at", "updated_at",
}

func jobRow(id uuid.UUID, status state.FinalizeStatus) *sqlmock.Rows {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(jobRowColumns).
		AddRow(id.String(), string(status), nil, nil, 1, nil, now, now, now)
}

// ============================================================================
// Test: Finalize job transitions
// ============================================================================

func TestTransitionJob_ConditionalUpdate(t *testing.T) {
	repo, mock := newRepoMock(t)
	id := uuid.New()
	started := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("WHERE prediction_id = $1 AND status = $2")).
		WithArgs(id, "queued", "running", nil, nil, nil, started, 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.TransitionJob(context.Background(), id, state.FinalizeQueued, state.FinalizeRunning,
		settlement.JobPatch{StartedAt: &started, IncrementAttempts: true}, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionJob_LostRace(t *testing.T) {
	repo, mock := newRepoMock(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE finalize_jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM finalize_jobs WHERE prediction_id").WillReturnRows(jobRow(id, state.FinalizeRunning))

	ok, err := repo.TransitionJob(context.Background(), id, state.FinalizeQueued, state.FinalizeRunning,
		settlement.JobPatch{}, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionJob_MissingJob(t *testing.T) {
	repo, mock := newRepoMock(t)

	mock.ExpectExec("UPDATE finalize_jobs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM finalize_jobs WHERE prediction_id").WillReturnRows(sqlmock.NewRows(jobRowColumns))

	_, err := repo.TransitionJob(context.Background(), uuid.New(), state.FinalizeFailed, state.FinalizeQueued,
		settlement.JobPatch{}, time.Now())
	assert.ErrorIs(t, err, settlement.ErrJobNotFound)
}

func TestTransitionJob_InvalidEdgeNeverReachesDatabase(t *testing.T) {
	repo, mock := newRepoMock(t)

	_, err := repo.TransitionJob(context.Background(), uuid.New(), state.FinalizeFinalized, state.FinalizeQueued,
		settlement.JobPatch{}, time.Now())
	assert.ErrorIs(t, err, state.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureJob_ExistingJobNotCreated(t *testing.T) {
	repo, mock := newRepoMock(t)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (prediction_id) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM finalize_jobs").WillReturnRows(jobRow(id, state.FinalizeFailed))

	job, created, err := repo.EnsureJob(context.Background(), id, nil, time.Now())
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, state.FinalizeFailed, job.Status)
	assert.NotNil(t, job.StartedAt)
}

// ============================================================================
// Test: Settlement records
// ============================================================================

func TestCreateRecord_WritesRailsInTransaction(t *testing.T) {
	repo, mock := newRepoMock(t)
	rec := settlement.Record{
		PredictionID:    uuid.New(),
		WinningOptionID: uuid.New(),
		Status:          state.SettlementOffchain,
		Rails: []settlement.RailSettlement{
			{Rail: ledger.RailDemo, Currency: ledger.CurrencyDemoUSD, PayoutPoolUnits: 10},
			{Rail: ledger.RailFiat, Currency: ledger.CurrencyNGN, PayoutPoolUnits: 20},
		},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (prediction_id) DO NOTHING")).
		WillReturnRows(sqlmock.NewRows([]string{"prediction_id"}).AddRow(rec.PredictionID.String()))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settlement_rails") + `.*\(\$12, \$13`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	got, created, err := repo.CreateRecord(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Len(t, got.Rails, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRecord_ConflictReturnsStored(t *testing.T) {
	repo, mock := newRepoMock(t)
	pid, winner := uuid.New(), uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO settlement_records").WillReturnRows(sqlmock.NewRows([]string{"prediction_id"}))
	mock.ExpectRollback()
	mock.ExpectQuery("FROM settlement_records").WillReturnRows(
		sqlmock.NewRows([]string{"prediction_id", "winning_option_id", "status", "merkle_root", "leaf_count",
			"unresolved_winners", "tx_hash", "created_at", "updated_at"}).
			AddRow(pid.String(), winner.String(), "pending_onchain", "0xabc", 3, 0, nil, now, now),
	)
	mock.ExpectQuery("FROM settlement_rails").WillReturnRows(
		sqlmock.NewRows(railColumns[1:]).AddRow("crypto", "USD", 1, 2, 3, 4, 5, 7, 0, 3),
	)

	got, created, err := repo.CreateRecord(context.Background(), settlement.Record{PredictionID: pid, WinningOptionID: uuid.New()})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, winner, got.WinningOptionID)
	assert.Equal(t, state.SettlementPendingOnchain, got.Status)
	require.Len(t, got.Rails, 1)
	assert.Equal(t, int64(7), got.Rails[0].PayoutPoolUnits)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishRoot_ReplacesLeavesWithRoot(t *testing.T) {
	repo, mock := newRepoMock(t)
	pid := uuid.New()
	addr := "0x00000000000000000000000000000000000000aa"
	h, err := merkle.HashLeaf(pid, addr, 500)
	require.NoError(t, err)
	rec := settlement.Record{PredictionID: pid, Status: state.SettlementPendingOnchain, MerkleRoot: h.Hex(), LeafCount: 1}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("AND status = $2 AND merkle_root IS NULL")).
		WithArgs(pid, "settled_offchain", "pending_onchain", h.Hex(), 1, 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM merkle_leaves WHERE prediction_id = $1")).
		WithArgs(pid).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO merkle_leaves")).
		WithArgs(pid, addr, int64(500), h.Hex()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.PublishRoot(context.Background(), rec, state.SettlementOffchain, []merkle.Leaf{{Address: addr, AmountUnits: 500, Hash: h}})
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPublishRoot_LostRaceWritesNoLeaves(t *testing.T) {
	repo, mock := newRepoMock(t)
	pid := uuid.New()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE settlement_records").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery("FROM settlement_records").WillReturnRows(
		sqlmock.NewRows([]string{"prediction_id", "winning_option_id", "status", "merkle_root", "leaf_count",
			"unresolved_winners", "tx_hash", "created_at", "updated_at"}).
			AddRow(pid.String(), uuid.New().String(), "pending_onchain", "0xabc", 2, 0, nil, now, now),
	)
	mock.ExpectQuery("FROM settlement_rails").WillReturnRows(sqlmock.NewRows(railColumns[1:]))

	ok, err := repo.PublishRoot(context.Background(), settlement.Record{PredictionID: pid, Status: state.SettlementPendingOnchain, MerkleRoot: "0xdef"},
		state.SettlementOffchain, []merkle.Leaf{{Address: "0x00000000000000000000000000000000000000aa", AmountUnits: 1}})
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateCorrection_ExistingDisputeReturnsStored(t *testing.T) {
	repo, mock := newRepoMock(t)
	ctx := context.Background()
	now := time.Now()
	stored := settlement.Correction{
		ID: uuid.New(), PredictionID: uuid.New(), DisputeID: uuid.New(),
		OriginalOptionID: uuid.New(), CorrectedOptionID: uuid.New(), Status: state.CorrectionPending,
	}
	retry := stored
	retry.ID = uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta("ON CONFLICT (dispute_id) DO NOTHING")).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta("FROM settlement_corrections WHERE dispute_id = $1")).
		WithArgs(stored.DisputeID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "prediction_id", "dispute_id", "original_option_id",
			"corrected_option_id", "status", "applied_by", "created_at", "updated_at"}).
			AddRow(stored.ID.String(), stored.PredictionID.String(), stored.DisputeID.String(),
				stored.OriginalOptionID.String(), stored.CorrectedOptionID.String(), "pending", nil, now, now))

	got, err := repo.CreateCorrection(ctx, retry)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListLeaves_ParsesHashes(t *testing.T) {
	repo, mock := newRepoMock(t)
	pid := uuid.New()
	addr := "0x00000000000000000000000000000000000000aa"
	h, err := merkle.HashLeaf(pid, addr, 500)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY leaf_hash")).
		WillReturnRows(sqlmock.NewRows([]string{"address", "amount_units", "leaf_hash"}).AddRow(addr, 500, h.Hex()))

	leaves, err := repo.ListLeaves(context.Background(), pid)
	require.NoError(t, err)
	require.Len(t, leaves, 1)
	assert.Equal(t, h, leaves[0].Hash)
}

// ============================================================================
// Test: Idempotency key store
// ============================================================================

func TestPostgresKeyStore_Claim(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresKeyStore(db)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (key) DO NOTHING")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (key) DO NOTHING")).WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := store.Claim(context.Background(), "k", "h", time.Now())
	require.NoError(t, err)
	second, err := store.Claim(context.Background(), "k", "h", time.Now())
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
}

func TestPostgresKeyStore_CompleteRequiresProcessing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresKeyStore(db)

	mock.ExpectExec("UPDATE idempotency_keys").WillReturnResult(sqlmock.NewResult(0, 0))
	err = store.Complete(context.Background(), "k", 200, []byte(`{}`), time.Now())
	assert.ErrorIs(t, err, state.ErrInvalidTransition)
}

func TestPostgresKeyStore_GetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("FROM idempotency_keys").WillReturnRows(sqlmock.NewRows([]string{"key"}))
	_, err = NewPostgresKeyStore(db).Get(context.Background(), "missing")
	assert.True(t, errors.Is(err, core.ErrKeyNotFound))
}

func TestPostgresKeyStore_ReclaimTakesFailedOrStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	staleBefore := now.Add(-10 * time.Minute)
	mock.ExpectExec(regexp.QuoteMeta("AND (status = $5 OR (status = $3 AND updated_at < $6))")).
		WithArgs("k", "h", "processing", now, "failed", staleBefore).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("AND (status = $5 OR (status = $3 AND updated_at < $6))")).
		WithArgs("k", "h", "processing", now, "failed", staleBefore).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPostgresKeyStore(db)
	won, err := store.Reclaim(context.Background(), "k", "h", staleBefore, now)
	require.NoError(t, err)
	lost, err := store.Reclaim(context.Background(), "k", "h", staleBefore, now)
	require.NoError(t, err)
	assert.True(t, won)
	assert.False(t, lost)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresKeyStore_PurgeKeepsProcessing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	cutoff := time.Now().Add(-24 * time.Hour)
	mock.ExpectExec(regexp.QuoteMeta("WHERE status <> $1 AND created_at < $2")).
		WithArgs("processing", cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := NewPostgresKeyStore(db).Purge(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
}

// ============================================================================
// Test: Batch writer and migrator
// ============================================================================

func TestInsertRows_NumbersPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO t (a, b) VALUES ($1, $2), ($3, $4) ON CONFLICT DO NOTHING")).
		WithArgs(1, "x", 2, "y").
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := insertRows(context.Background(), db, "t", []string{"a", "b"},
		[][]interface{}{{1, "x"}, {2, "y"}}, "ON CONFLICT DO NOTHING")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = insertRows(context.Background(), db, "t", []string{"a", "b"}, [][]interface{}{{1}}, "")
	assert.Error(t, err)
}

func writeMigrations(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	return dir
}

func sqlChecksum(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

func TestMigrator_UpAppliesPendingFiles(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"000001_base.up.sql":   "CREATE TABLE a (id INT)",
		"000002_more.up.sql":   "CREATE TABLE b (id INT)",
		"000002_more.down.sql": "DROP TABLE b",
	})
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT version, COALESCE(checksum, '')")).
		WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}).
			AddRow("000001", sqlChecksum("CREATE TABLE a (id INT)")))
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WithArgs(migrationLockKey).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("000002").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE b (id INT)")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs("000002", "000002_more.up.sql", sqlChecksum("CREATE TABLE b (id INT)")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ran, err := NewMigrator(db, dir, zerolog.Nop()).Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, ran)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_AppliedByAnotherReplicaIsSkipped(t *testing.T) {
	dir := writeMigrations(t, map[string]string{"000001_base.up.sql": "CREATE TABLE a (id INT)"})
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version").WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}))
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("000001").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	ran, err := NewMigrator(db, dir, zerolog.Nop()).Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, ran)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_EditedAppliedFileStopsRun(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"000001_base.up.sql": "CREATE TABLE a (id BIGINT)",
		"000002_more.up.sql": "CREATE TABLE b (id INT)",
	})
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version").
		WillReturnRows(sqlmock.NewRows([]string{"version", "checksum"}).
			AddRow("000001", sqlChecksum("CREATE TABLE a (id INT)")))

	ran, err := NewMigrator(db, dir, zerolog.Nop()).Up(context.Background())
	assert.ErrorIs(t, err, ErrMigrationChanged)
	assert.Equal(t, 0, ran)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrator_DuplicateVersionRejected(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"000002_more.up.sql":  "CREATE TABLE b (id INT)",
		"000002_other.up.sql": "CREATE TABLE c (id INT)",
	})
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))

	_, err = NewMigrator(db, dir, zerolog.Nop()).Up(context.Background())
	assert.ErrorIs(t, err, ErrDuplicateMigration)
}

func TestMigrator_DownRollsBackLatest(t *testing.T) {
	dir := writeMigrations(t, map[string]string{
		"000002_more.up.sql":   "CREATE TABLE b (id INT)",
		"000002_more.down.sql": "DROP TABLE b",
	})
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("ORDER BY version DESC LIMIT 1").
		WillReturnRows(sqlmock.NewRows([]string{"version", "filename"}).AddRow("000002", "000002_more.up.sql"))
	mock.ExpectExec("DROP TABLE b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM schema_migrations").WithArgs("000002").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, NewMigrator(db, dir, zerolog.Nop()).Down(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
