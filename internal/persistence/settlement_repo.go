package persistence

import (
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/merkle"
	"SettleLedger/internal/settlement"
	"SettleLedger/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// leafBatchSize keeps one leaf INSERT well under the 65535 parameter limit.
const leafBatchSize = 1000

// SettlementRepository is the Postgres settlement.Repository. Every status
// change is a conditional UPDATE on the expected current status, which is
// what serializes concurrent workers on the same prediction.
type SettlementRepository struct {
	db *sql.DB
}

var _ settlement.Repository = (*SettlementRepository)(nil)

func NewSettlementRepository(db *sql.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

// ============================================================================
// Predictions
// ============================================================================

func (r *SettlementRepository) GetPrediction(ctx context.Context, id uuid.UUID) (settlement.Prediction, error) {
	var (
		p       settlement.Prediction
		status  string
		winning uuid.NullUUID
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, creator_id, title, status, winning_option_id, platform_fee_bps, creator_fee_bps, closes_at
		FROM predictions
		WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.CreatorID, &p.Title, &status, &winning, &p.PlatformFeeBps, &p.CreatorFeeBps, &p.ClosesAt)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Prediction{}, settlement.ErrPredictionNotFound
	}
	if err != nil {
		return settlement.Prediction{}, err
	}
	if p.Status, err = state.ParsePredictionStatus(status); err != nil {
		return settlement.Prediction{}, err
	}
	p.WinningOptionID = uuidPtr(winning)
	return p, nil
}

func (r *SettlementRepository) ListOptions(ctx context.Context, predictionID uuid.UUID) ([]settlement.Option, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, prediction_id, label
		FROM prediction_options
		WHERE prediction_id = $1
		ORDER BY created_at, id`,
		predictionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.Option
	for rows.Next() {
		var o settlement.Option
		if err := rows.Scan(&o.ID, &o.PredictionID, &o.Label); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ListEntries returns stakes with their NUMERIC amounts as decimals; unit
// conversion happens once in the settlement plan.
func (r *SettlementRepository) ListEntries(ctx context.Context, predictionID uuid.UUID) ([]settlement.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, prediction_id, option_id, amount, rail, status
		FROM prediction_entries
		WHERE prediction_id = $1
		ORDER BY created_at, id`,
		predictionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.Entry
	for rows.Next() {
		var (
			e            settlement.Entry
			rail, status string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.PredictionID, &e.OptionID, &e.Amount, &rail, &status); err != nil {
			return nil, err
		}
		e.Rail = ledger.Rail(rail)
		e.Status = settlement.EntryStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordOutcome stores the winning option and closes an open prediction.
func (r *SettlementRepository) RecordOutcome(ctx context.Context, predictionID, optionID uuid.UUID, now time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE predictions
		SET winning_option_id = $2,
		    status = CASE WHEN status = 'open' THEN 'closed' ELSE status END,
		    updated_at = $3
		WHERE id = $1`,
		predictionID, optionID, now,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return settlement.ErrPredictionNotFound
	}
	return nil
}

func (r *SettlementRepository) SetPredictionStatus(ctx context.Context, id uuid.UUID, from, to state.PredictionStatus, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE predictions SET status = $3, updated_at = $4
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to), now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r *SettlementRepository) SetEntryStatuses(ctx context.Context, predictionID uuid.UUID, byStatus map[settlement.EntryStatus][]uuid.UUID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for status, ids := range byStatus {
		if len(ids) == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE prediction_entries SET status = $2, updated_at = NOW()
			WHERE prediction_id = $1 AND id = ANY($3::uuid[]) AND status <> $2`,
			predictionID, string(status), pq.Array(uuidStrings(ids)),
		); err != nil {
			return fmt.Errorf("mark entries %s: %w", status, err)
		}
	}
	return tx.Commit()
}

// ============================================================================
// Settlement records
// ============================================================================

var railColumns = []string{
	"prediction_id", "rail", "currency", "winning_stake_units", "losing_stake_units",
	"platform_fee_units", "creator_fee_units", "prize_pool_units", "payout_pool_units",
	"forfeit_units", "winner_count",
}

// CreateRecord inserts the record and its rail rows in one transaction.
// When a record already exists the stored one is returned with created=false.
func (r *SettlementRepository) CreateRecord(ctx context.Context, rec settlement.Record) (settlement.Record, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return settlement.Record{}, false, err
	}
	defer tx.Rollback()

	var id uuid.UUID
	err = tx.QueryRowContext(ctx, `
		INSERT INTO settlement_records
			(prediction_id, winning_option_id, status, merkle_root, leaf_count, unresolved_winners, tx_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (prediction_id) DO NOTHING
		RETURNING prediction_id`,
		rec.PredictionID, rec.WinningOptionID, string(rec.Status), nullString(rec.MerkleRoot),
		rec.LeafCount, rec.UnresolvedWinners, nullString(rec.TxHash), rec.CreatedAt, rec.UpdatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		tx.Rollback()
		existing, getErr := r.GetRecord(ctx, rec.PredictionID)
		return existing, false, getErr
	}
	if err != nil {
		return settlement.Record{}, false, err
	}

	rows := make([][]interface{}, 0, len(rec.Rails))
	for _, rs := range rec.Rails {
		rows = append(rows, []interface{}{
			rec.PredictionID, string(rs.Rail), string(rs.Currency), rs.WinningStakeUnits, rs.LosingStakeUnits,
			rs.PlatformFeeUnits, rs.CreatorFeeUnits, rs.PrizePoolUnits, rs.PayoutPoolUnits,
			rs.ForfeitUnits, rs.WinnerCount,
		})
	}
	if _, err := insertRows(ctx, tx, "settlement_rails", railColumns, rows, ""); err != nil {
		return settlement.Record{}, false, fmt.Errorf("insert rail rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return settlement.Record{}, false, err
	}
	return rec, true, nil
}

func (r *SettlementRepository) GetRecord(ctx context.Context, predictionID uuid.UUID) (settlement.Record, error) {
	var (
		rec          settlement.Record
		status       string
		root, txHash sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT prediction_id, winning_option_id, status, merkle_root, leaf_count, unresolved_winners, tx_hash, created_at, updated_at
		FROM settlement_records
		WHERE prediction_id = $1`,
		predictionID,
	).Scan(&rec.PredictionID, &rec.WinningOptionID, &status, &root, &rec.LeafCount,
		&rec.UnresolvedWinners, &txHash, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Record{}, settlement.ErrRecordNotFound
	}
	if err != nil {
		return settlement.Record{}, err
	}
	if rec.Status, err = state.ParseSettlementStatus(status); err != nil {
		return settlement.Record{}, err
	}
	rec.MerkleRoot = root.String
	rec.TxHash = txHash.String

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+strings.Join(railColumns[1:], ", ")+`
		FROM settlement_rails
		WHERE prediction_id = $1
		ORDER BY rail`,
		predictionID,
	)
	if err != nil {
		return settlement.Record{}, fmt.Errorf("load rails: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			rs             settlement.RailSettlement
			rail, currency string
		)
		if err := rows.Scan(&rail, &currency, &rs.WinningStakeUnits, &rs.LosingStakeUnits,
			&rs.PlatformFeeUnits, &rs.CreatorFeeUnits, &rs.PrizePoolUnits, &rs.PayoutPoolUnits,
			&rs.ForfeitUnits, &rs.WinnerCount); err != nil {
			return settlement.Record{}, err
		}
		rs.Rail = ledger.Rail(rail)
		rs.Currency = ledger.Currency(currency)
		rec.Rails = append(rec.Rails, rs)
	}
	return rec, rows.Err()
}

// UpdateRecord writes the mutable columns when the stored status is still from.
func (r *SettlementRepository) UpdateRecord(ctx context.Context, rec settlement.Record, from state.SettlementStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE settlement_records
		SET status = $3, merkle_root = $4, leaf_count = $5, unresolved_winners = $6, tx_hash = $7, updated_at = $8
		WHERE prediction_id = $1 AND status = $2`,
		rec.PredictionID, string(from), string(rec.Status), nullString(rec.MerkleRoot),
		rec.LeafCount, rec.UnresolvedWinners, nullString(rec.TxHash), rec.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := r.GetRecord(ctx, rec.PredictionID); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

// ============================================================================
// Merkle leaves
// ============================================================================

var leafColumns = []string{"prediction_id", "address", "amount_units", "leaf_hash"}

// PublishRoot sets the record's root and replaces its leaf set in one
// transaction. Nothing is written unless the record is still in from with no
// root, so leaves from a losing or crashed attempt never outlive it.
func (r *SettlementRepository) PublishRoot(ctx context.Context, rec settlement.Record, from state.SettlementStatus, leaves []merkle.Leaf) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE settlement_records
		SET status = $3, merkle_root = $4, leaf_count = $5, unresolved_winners = $6, updated_at = $7
		WHERE prediction_id = $1 AND status = $2 AND merkle_root IS NULL`,
		rec.PredictionID, string(from), string(rec.Status), rec.MerkleRoot,
		rec.LeafCount, rec.UnresolvedWinners, rec.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("store root: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		tx.Rollback()
		if _, err := r.GetRecord(ctx, rec.PredictionID); err != nil {
			return false, err
		}
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM merkle_leaves WHERE prediction_id = $1`, rec.PredictionID); err != nil {
		return false, fmt.Errorf("clear leaves: %w", err)
	}
	for start := 0; start < len(leaves); start += leafBatchSize {
		end := start + leafBatchSize
		if end > len(leaves) {
			end = len(leaves)
		}
		rows := make([][]interface{}, 0, end-start)
		for _, l := range leaves[start:end] {
			rows = append(rows, []interface{}{rec.PredictionID, l.Address, l.AmountUnits, l.Hash.Hex()})
		}
		if _, err := insertRows(ctx, tx, "merkle_leaves", leafColumns, rows, ""); err != nil {
			return false, fmt.Errorf("save leaves: %w", err)
		}
	}
	return true, tx.Commit()
}

// ListLeaves returns leaves in hash order, the order the tree is built in.
func (r *SettlementRepository) ListLeaves(ctx context.Context, predictionID uuid.UUID) ([]merkle.Leaf, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT address, amount_units, leaf_hash
		FROM merkle_leaves
		WHERE prediction_id = $1
		ORDER BY leaf_hash`,
		predictionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []merkle.Leaf
	for rows.Next() {
		l := merkle.Leaf{PredictionID: predictionID}
		if err := rows.Scan(&l.Address, &l.AmountUnits, &l.HashHex); err != nil {
			return nil, err
		}
		if l.Hash, err = merkle.ParseHash(l.HashHex); err != nil {
			return nil, fmt.Errorf("leaf %s: %w", l.Address, err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
