package persistence

import (
	"SettleLedger/internal/settlement"
	"SettleLedger/internal/state"
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

const jobColumns = `prediction_id, status, tx_hash, error, attempts, requested_by, started_at, created_at, updated_at`

// EnsureJob creates a queued job unless one exists and returns the stored job.
func (r *SettlementRepository) EnsureJob(ctx context.Context, predictionID uuid.UUID, requestedBy *uuid.UUID, now time.Time) (settlement.Job, bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO finalize_jobs (prediction_id, status, requested_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (prediction_id) DO NOTHING`,
		predictionID, string(state.FinalizeQueued), requestedBy, now,
	)
	if err != nil {
		return settlement.Job{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return settlement.Job{}, false, err
	}
	job, err := r.GetJob(ctx, predictionID)
	return job, n == 1, err
}

func (r *SettlementRepository) GetJob(ctx context.Context, predictionID uuid.UUID) (settlement.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM finalize_jobs WHERE prediction_id = $1`, predictionID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Job{}, settlement.ErrJobNotFound
	}
	return job, err
}

// TransitionJob moves a job from -> to when its stored status is still from.
// The running status acts as the per-prediction submit lock through this
// conditional update.
func (r *SettlementRepository) TransitionJob(ctx context.Context, predictionID uuid.UUID, from, to state.FinalizeStatus, patch settlement.JobPatch, now time.Time) (bool, error) {
	if _, err := from.Transition(to); err != nil {
		return false, err
	}
	if err := patch.Check(to); err != nil {
		return false, err
	}
	increment := 0
	if patch.IncrementAttempts {
		increment = 1
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE finalize_jobs
		SET status       = $3,
		    error        = $4,
		    tx_hash      = COALESCE($5, tx_hash),
		    requested_by = COALESCE($6::uuid, requested_by),
		    started_at   = COALESCE($7::timestamptz, started_at),
		    attempts     = attempts + $8,
		    updated_at   = $9
		WHERE prediction_id = $1 AND status = $2`,
		predictionID, string(from), string(to), nullString(patch.Error), nullString(patch.TxHash),
		patch.RequestedBy, patch.StartedAt, increment, now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := r.GetJob(ctx, predictionID); err != nil {
			return false, err
		}
	}
	return n == 1, nil
}

// ListJobs returns jobs in status, or every job when status is empty.
func (r *SettlementRepository) ListJobs(ctx context.Context, status state.FinalizeStatus) ([]settlement.Job, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM finalize_jobs ORDER BY created_at`)
	} else {
		rows, err = r.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM finalize_jobs WHERE status = $1 ORDER BY created_at`, string(status))
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []settlement.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func scanJob(r rowScanner) (settlement.Job, error) {
	var (
		job             settlement.Job
		status          string
		txHash, errText sql.NullString
		requestedBy     uuid.NullUUID
		startedAt       sql.NullTime
	)
	if err := r.Scan(&job.PredictionID, &status, &txHash, &errText, &job.Attempts,
		&requestedBy, &startedAt, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return settlement.Job{}, err
	}
	var err error
	if job.Status, err = state.ParseFinalizeStatus(status); err != nil {
		return settlement.Job{}, err
	}
	job.TxHash = txHash.String
	job.Error = errText.String
	job.RequestedBy = uuidPtr(requestedBy)
	job.StartedAt = timePtr(startedAt)
	return job, nil
}
