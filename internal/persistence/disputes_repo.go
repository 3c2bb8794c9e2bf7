package persistence

import (
	"SettleLedger/internal/event"
	"SettleLedger/internal/settlement"
	"SettleLedger/internal/state"
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

const disputeColumns = `id, prediction_id, user_id, status, reason, resolution_note, resolved_by,
	corrected_option_id, created_at, updated_at`

func (r *SettlementRepository) CreateDispute(ctx context.Context, d settlement.Dispute) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO settlement_disputes (`+disputeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.ID, d.PredictionID, d.UserID, string(d.Status), d.Reason, nullString(d.ResolutionNote),
		d.ResolvedBy, d.CorrectedOptionID, d.CreatedAt, d.UpdatedAt,
	)
	return err
}

func (r *SettlementRepository) GetDispute(ctx context.Context, id uuid.UUID) (settlement.Dispute, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM settlement_disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Dispute{}, settlement.ErrDisputeNotFound
	}
	return d, err
}

// UpdateDispute writes d when the stored status is still from.
func (r *SettlementRepository) UpdateDispute(ctx context.Context, d settlement.Dispute, from state.DisputeStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE settlement_disputes
		SET status = $3, resolution_note = $4, resolved_by = $5, corrected_option_id = $6, updated_at = $7
		WHERE id = $1 AND status = $2`,
		d.ID, string(from), string(d.Status), nullString(d.ResolutionNote),
		d.ResolvedBy, d.CorrectedOptionID, d.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := r.GetDispute(ctx, d.ID); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

func (r *SettlementRepository) ListDisputes(ctx context.Context, status state.DisputeStatus) ([]settlement.Dispute, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = r.db.QueryContext(ctx, `SELECT `+disputeColumns+` FROM settlement_disputes ORDER BY created_at`)
	} else {
		rows, err = r.db.QueryContext(ctx, `SELECT `+disputeColumns+` FROM settlement_disputes WHERE status = $1 ORDER BY created_at`, string(status))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDispute(r rowScanner) (settlement.Dispute, error) {
	var (
		d                    settlement.Dispute
		status               string
		note                 sql.NullString
		resolvedBy, optionID uuid.NullUUID
	)
	if err := r.Scan(&d.ID, &d.PredictionID, &d.UserID, &status, &d.Reason, &note,
		&resolvedBy, &optionID, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return settlement.Dispute{}, err
	}
	var err error
	if d.Status, err = state.ParseDisputeStatus(status); err != nil {
		return settlement.Dispute{}, err
	}
	d.ResolutionNote = note.String
	d.ResolvedBy = uuidPtr(resolvedBy)
	d.CorrectedOptionID = uuidPtr(optionID)
	return d, nil
}

// ============================================================================
// Corrections
// ============================================================================

const correctionColumns = `id, prediction_id, dispute_id, original_option_id, corrected_option_id,
	status, applied_by, created_at, updated_at`

// CreateCorrection inserts c, keyed by its dispute. A dispute whose
// resolution was retried keeps the correction written the first time.
func (r *SettlementRepository) CreateCorrection(ctx context.Context, c settlement.Correction) (settlement.Correction, error) {
	var id uuid.UUID
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO settlement_corrections (`+correctionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dispute_id) DO NOTHING
		RETURNING id`,
		c.ID, c.PredictionID, c.DisputeID, c.OriginalOptionID, c.CorrectedOptionID,
		string(c.Status), c.AppliedBy, c.CreatedAt, c.UpdatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return r.getCorrection(ctx, "dispute_id", c.DisputeID)
	}
	if err != nil {
		return settlement.Correction{}, err
	}
	return c, nil
}

func (r *SettlementRepository) GetCorrection(ctx context.Context, id uuid.UUID) (settlement.Correction, error) {
	return r.getCorrection(ctx, "id", id)
}

// getCorrection loads one correction by a unique column.
func (r *SettlementRepository) getCorrection(ctx context.Context, column string, id uuid.UUID) (settlement.Correction, error) {
	var (
		c         settlement.Correction
		status    string
		appliedBy uuid.NullUUID
	)
	err := r.db.QueryRowContext(ctx, `SELECT `+correctionColumns+` FROM settlement_corrections WHERE `+column+` = $1`, id).
		Scan(&c.ID, &c.PredictionID, &c.DisputeID, &c.OriginalOptionID, &c.CorrectedOptionID,
			&status, &appliedBy, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Correction{}, settlement.ErrCorrectionNotFound
	}
	if err != nil {
		return settlement.Correction{}, err
	}
	if c.Status, err = state.ParseCorrectionStatus(status); err != nil {
		return settlement.Correction{}, err
	}
	c.AppliedBy = uuidPtr(appliedBy)
	return c, nil
}

func (r *SettlementRepository) UpdateCorrection(ctx context.Context, c settlement.Correction, from state.CorrectionStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE settlement_corrections
		SET status = $3, applied_by = $4, updated_at = $5
		WHERE id = $1 AND status = $2`,
		c.ID, string(from), string(c.Status), c.AppliedBy, c.UpdatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ============================================================================
// Audit log
// ============================================================================

func (r *SettlementRepository) AppendAudit(ctx context.Context, entry settlement.AuditEntry) error {
	meta, err := event.MarshalMeta(entry.Meta)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO admin_audit_log (actor_id, action, target_id, meta)
		VALUES ($1, $2, $3, $4)`,
		entry.ActorID, entry.Action, entry.TargetID, nullBytes(meta),
	)
	return err
}
