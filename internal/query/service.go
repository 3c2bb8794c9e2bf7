package query

import (
	"SettleLedger/internal/persistence"
	"SettleLedger/internal/state"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	defaultQueueLimit = 200
	defaultJobLimit   = 100
	recentWindow      = 7 * 24 * time.Hour
)

// QueueService answers read-only operator questions. Every flag is derived
// from predictions, settlement records, finalize jobs and entry rails; the
// view keeps no state of its own.
type QueueService struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

func NewQueueService(db *sql.DB, logger zerolog.Logger) *QueueService {
	return &QueueService{db: db, logger: logger, now: time.Now}
}

const hasCryptoEntries = `EXISTS (SELECT 1 FROM prediction_entries e WHERE e.prediction_id = p.id AND e.rail = 'crypto')`

// The attention filter mirrors Derive and runs before LIMIT, so settled
// history never crowds out work that is still open.
const fullQueueQuery = `
	SELECT p.id, p.title, p.status, p.closes_at, p.winning_option_id,
	       r.status, r.merkle_root, COALESCE(r.unresolved_winners, 0),
	       j.status, j.tx_hash, j.error,
	       ` + hasCryptoEntries + `
	FROM predictions p
	LEFT JOIN settlement_records r ON r.prediction_id = p.id
	LEFT JOIN finalize_jobs j ON j.prediction_id = p.id
	WHERE p.status NOT IN ('voided', 'cancelled') AND p.closes_at <= $1
	  AND (p.winning_option_id IS NULL
	       OR r.prediction_id IS NULL
	       OR (COALESCE(r.merkle_root, '') <> '' AND COALESCE(j.status, '') <> 'finalized' AND ` + hasCryptoEntries + `)
	       OR (COALESCE(r.merkle_root, '') = '' AND r.unresolved_winners > 0 AND ` + hasCryptoEntries + `))
	ORDER BY p.closes_at, p.id
	LIMIT $2`

// reducedQueueQuery only touches columns present since the first schema
// version.
const reducedQueueQuery = `
	SELECT p.id, p.status, p.closes_at, p.winning_option_id,
	       r.status, r.merkle_root,
	       j.status,
	       ` + hasCryptoEntries + `
	FROM predictions p
	LEFT JOIN settlement_records r ON r.prediction_id = p.id
	LEFT JOIN finalize_jobs j ON j.prediction_id = p.id
	WHERE p.status NOT IN ('voided', 'cancelled') AND p.closes_at <= $1
	  AND (p.winning_option_id IS NULL
	       OR r.prediction_id IS NULL
	       OR (COALESCE(r.merkle_root, '') <> '' AND COALESCE(j.status, '') <> 'finalized' AND ` + hasCryptoEntries + `))
	ORDER BY p.closes_at, p.id
	LIMIT $2`

// Queue returns predictions past close that still need an outcome, an
// off-chain settlement or an on-chain finalize. An undefined column falls
// back to the reduced query and marks the response degraded.
func (qs *QueueService) Queue(ctx context.Context, limit int) (*QueueResponse, error) {
	if limit <= 0 {
		limit = defaultQueueLimit
	}
	now := qs.now().UTC()

	items, err := qs.scanQueue(ctx, fullQueueQuery, now, limit, true)
	degraded := false
	if persistence.IsUndefinedColumn(err) {
		qs.logger.Warn().Err(err).Msg("settlement queue schema drift, serving reduced view")
		items, err = qs.scanQueue(ctx, reducedQueueQuery, now, limit, false)
		degraded = true
	}
	if err != nil {
		return nil, fmt.Errorf("settlement queue: %w", err)
	}

	out := make([]QueueItem, 0, len(items))
	for _, it := range items {
		Derive(&it)
		if it.NeedsAttention() {
			out = append(out, it)
		}
	}
	return &QueueResponse{Items: out, Total: len(out), Degraded: degraded, AsOf: now}, nil
}

func (qs *QueueService) scanQueue(ctx context.Context, query string, now time.Time, limit int, full bool) ([]QueueItem, error) {
	rows, err := qs.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		var (
			it                         QueueItem
			winning                    uuid.NullUUID
			recStatus, root, jobStatus sql.NullString
			title, txHash, jobErr      sql.NullString
			unresolved                 int
		)
		if full {
			err = rows.Scan(&it.PredictionID, &title, &it.Status, &it.ClosesAt, &winning,
				&recStatus, &root, &unresolved, &jobStatus, &txHash, &jobErr, &it.HasCryptoEntries)
		} else {
			err = rows.Scan(&it.PredictionID, &it.Status, &it.ClosesAt, &winning,
				&recStatus, &root, &jobStatus, &it.HasCryptoEntries)
		}
		if err != nil {
			return nil, err
		}
		if winning.Valid {
			id := winning.UUID
			it.WinningOptionID = &id
		}
		it.Title = title.String
		it.SettlementStatus = recStatus.String
		it.MerkleRoot = root.String
		it.UnresolvedWinners = unresolved
		it.JobStatus = jobStatus.String
		it.JobTxHash = txHash.String
		it.JobError = jobErr.String
		items = append(items, it)
	}
	return items, rows.Err()
}

// Derive sets the attention flags from the stored state on it.
func Derive(it *QueueItem) {
	hasOutcome := it.WinningOptionID != nil
	settled := it.SettlementStatus != ""

	it.NeedsOutcome = !hasOutcome
	it.NeedsOffchainSettlement = hasOutcome && !settled
	it.NeedsOnchainFinalize = it.HasCryptoEntries && it.MerkleRoot != "" &&
		it.JobStatus != string(state.FinalizeFinalized)
	it.BlockedOnAddresses = it.HasCryptoEntries && settled && it.MerkleRoot == "" && it.UnresolvedWinners > 0
}

// ============================================================================
// Stats and jobs
// ============================================================================

// Stats counts predictions and jobs by status and sums stakes per rail.
func (qs *QueueService) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		Predictions: map[string]int{},
		Jobs: map[string]int{
			string(state.FinalizeQueued):    0,
			string(state.FinalizeRunning):   0,
			string(state.FinalizeFinalized): 0,
			string(state.FinalizeFailed):    0,
		},
		StakeByRail: map[string]decimal.Decimal{},
	}

	if err := qs.countBy(ctx, `SELECT status, COUNT(*) FROM predictions GROUP BY status`, st.Predictions); err != nil {
		return nil, fmt.Errorf("prediction counts: %w", err)
	}
	if err := qs.countBy(ctx, `SELECT status, COUNT(*) FROM finalize_jobs GROUP BY status`, st.Jobs); err != nil {
		return nil, fmt.Errorf("job counts: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `SELECT rail, COALESCE(SUM(amount), 0) FROM prediction_entries GROUP BY rail`)
	if err != nil {
		return nil, fmt.Errorf("stake totals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rail  string
			total decimal.Decimal
		)
		if err := rows.Scan(&rail, &total); err != nil {
			return nil, err
		}
		st.StakeByRail[rail] = total
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM settlement_records WHERE created_at >= $1`,
		qs.now().Add(-recentWindow),
	).Scan(&st.RecentSettlements)
	if err != nil {
		return nil, fmt.Errorf("recent settlements: %w", err)
	}

	err = qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM settlement_disputes WHERE status IN ($1, $2)`,
		string(state.DisputeOpen), string(state.DisputeUnderReview),
	).Scan(&st.OpenDisputes)
	if err != nil {
		return nil, fmt.Errorf("open disputes: %w", err)
	}
	return st, nil
}

func (qs *QueueService) countBy(ctx context.Context, query string, into map[string]int) error {
	rows, err := qs.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

// ListJobs returns finalize jobs, most recently updated first. An empty
// status lists every job.
func (qs *QueueService) ListJobs(ctx context.Context, status state.FinalizeStatus, limit int) ([]JobView, error) {
	if limit <= 0 {
		limit = defaultJobLimit
	}
	query := `
		SELECT j.prediction_id, p.title, j.status, j.tx_hash, j.error, j.attempts, j.started_at, j.updated_at
		FROM finalize_jobs j
		JOIN predictions p ON p.id = j.prediction_id`
	args := []interface{}{}
	argIdx := 1
	if status != "" {
		query += fmt.Sprintf(" WHERE j.status = $%d", argIdx)
		args = append(args, string(status))
		argIdx++
	}
	query += " ORDER BY j.updated_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobView
	for rows.Next() {
		var (
			j              JobView
			txHash, errMsg sql.NullString
			startedAt      sql.NullTime
		)
		if err := rows.Scan(&j.PredictionID, &j.Title, &j.Status, &txHash, &errMsg,
			&j.Attempts, &startedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		j.TxHash = txHash.String
		j.Error = errMsg.String
		if startedAt.Valid {
			t := startedAt.Time
			j.StartedAt = &t
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
