package settlement

import (
	"SettleLedger/internal/event"
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	maxJobErrorLen = 500

	// DefaultRunningTimeout bounds how long a job may stay running before
	// the reconciler fails it.
	DefaultRunningTimeout = 15 * time.Minute

	timeoutError = "relayer confirmation timeout"
)

// Finalizer publishes settlement roots on-chain through the relayer.
// The running status is the per-prediction mutex: it is taken with a
// conditional update and a second submitter fails fast.
type Finalizer struct {
	base
	addresses AddressResolver
	relayer   RelayerClient
}

func NewFinalizer(d Deps) *Finalizer {
	return &Finalizer{
		base:      newBase(d, "finalizer"),
		addresses: d.Addresses,
		relayer:   d.Relayer,
	}
}

// Finalize submits the root for a prediction. A finalized job returns its
// stored hash without a new submission. Relayer failures are stored on the
// job and returned wrapped in ErrRelayerFailed.
func (f *Finalizer) Finalize(ctx context.Context, predictionID uuid.UUID, actor *uuid.UUID, reason string) (Job, error) {
	rec, err := f.repo.GetRecord(ctx, predictionID)
	if err != nil {
		return Job{}, err
	}
	if rec.MerkleRoot == "" {
		return Job{}, ErrNoMerkleRoot
	}
	job, _, err := f.repo.EnsureJob(ctx, predictionID, actor, f.now())
	if err != nil {
		return Job{}, fmt.Errorf("ensure finalize job: %w", err)
	}

	if job.Status != state.FinalizeFinalized && rec.TxHash != "" {
		return f.finishSubmitted(ctx, rec)
	}

	switch job.Status {
	case state.FinalizeFinalized:
		return job, nil
	case state.FinalizeRunning:
		return job, ErrJobRunning
	case state.FinalizeFailed:
		return job, ErrRetryRequired
	}

	now := f.now()
	ok, err := f.repo.TransitionJob(ctx, predictionID, state.FinalizeQueued, state.FinalizeRunning, JobPatch{
		RequestedBy:       actor,
		StartedAt:         &now,
		IncrementAttempts: true,
	}, now)
	if err != nil {
		return job, fmt.Errorf("mark job running: %w", err)
	}
	if !ok {
		return job, ErrJobRunning
	}
	f.metrics.RecordFinalize(string(state.FinalizeRunning))

	pred, err := f.repo.GetPrediction(ctx, predictionID)
	if err != nil {
		return f.fail(ctx, predictionID, actor, fmt.Errorf("load prediction: %w", err))
	}
	crypto, _ := rec.Rail(ledger.RailCrypto)

	req := FinalizeRequest{
		PredictionID:     predictionID,
		MerkleRoot:       rec.MerkleRoot,
		CreatorFeeUnits:  crypto.CreatorFeeUnits,
		PlatformAddress:  f.opts.PlatformAddress,
		PlatformFeeUnits: crypto.PlatformFeeUnits + crypto.ForfeitUnits,
	}
	if crypto.CreatorFeeUnits > 0 {
		addr, found, err := f.addresses.ResolveUserAddress(ctx, pred.CreatorID)
		if err != nil {
			return f.fail(ctx, predictionID, actor, fmt.Errorf("resolve creator address: %w", err))
		}
		if !found {
			return f.fail(ctx, predictionID, actor, errors.New("creator payout address not found"))
		}
		req.CreatorAddress = addr
	}
	if req.PlatformFeeUnits > 0 && req.PlatformAddress == "" {
		return f.fail(ctx, predictionID, actor, errors.New("platform treasury address not configured"))
	}

	started := time.Now()
	txHash, err := f.relayer.SubmitFinalizeTx(ctx, req)
	f.metrics.ObserveRelayer(started)
	if err != nil {
		return f.fail(ctx, predictionID, actor, err)
	}

	if err := f.complete(ctx, pred, rec, crypto, txHash); err != nil {
		return Job{}, err
	}
	job, err = f.repo.GetJob(ctx, predictionID)
	if err != nil {
		return Job{}, err
	}

	meta := event.FinalizeMeta{TxHash: txHash, Reason: reason}
	f.audit(ctx, actor, ActionFinalize, predictionID, meta)
	f.publish(ctx, event.EventTypeFinalizeSubmitted, predictionID, actor, meta)
	f.logger.Info().
		Str("prediction_id", predictionID.String()).
		Str("tx_hash", txHash).
		Msg("settlement finalized on-chain")
	return job, nil
}

// complete records a successful submission: record onchain_posted, fee rows,
// job finalized, record onchain_finalized.
func (f *Finalizer) complete(ctx context.Context, pred Prediction, rec Record, crypto RailSettlement, txHash string) error {
	now := f.now()
	posted := rec
	posted.TxHash = txHash
	posted.UpdatedAt = now
	if rec.Status.CanTransition(state.SettlementOnchainPosted) {
		posted.Status = state.SettlementOnchainPosted
		if _, err := f.repo.UpdateRecord(ctx, posted, rec.Status); err != nil {
			return fmt.Errorf("mark record onchain_posted: %w", err)
		}
	}

	if err := postFeeRows(ctx, &f.base, pred, ledger.RailCrypto, crypto); err != nil {
		return err
	}

	if err := f.settleJob(ctx, pred.ID, txHash); err != nil {
		return err
	}
	f.metrics.RecordFinalize(string(state.FinalizeFinalized))

	if posted.Status == state.SettlementOnchainPosted {
		final := posted
		final.Status = state.SettlementOnchainFinalized
		if _, err := f.repo.UpdateRecord(ctx, final, state.SettlementOnchainPosted); err != nil {
			return fmt.Errorf("mark record onchain_finalized: %w", err)
		}
	}
	return nil
}

// settleJob moves the job to finalized with txHash from whatever state it
// was left in. The reconciler may have timed it out, and a retry may have
// requeued it, while the relayer was still working.
func (f *Finalizer) settleJob(ctx context.Context, predictionID uuid.UUID, txHash string) error {
	patch := JobPatch{TxHash: txHash}
	for attempt := 0; attempt < 4; attempt++ {
		job, err := f.repo.GetJob(ctx, predictionID)
		if err != nil {
			return err
		}
		var ok bool
		switch job.Status {
		case state.FinalizeFinalized:
			return nil
		case state.FinalizeQueued:
			_, err = f.repo.TransitionJob(ctx, predictionID, state.FinalizeQueued, state.FinalizeRunning, JobPatch{}, f.now())
		default:
			ok, err = f.repo.TransitionJob(ctx, predictionID, job.Status, state.FinalizeFinalized, patch, f.now())
		}
		if err != nil {
			return fmt.Errorf("mark job finalized: %w", err)
		}
		if ok {
			if job.Status != state.FinalizeRunning {
				f.logger.Warn().Str("prediction_id", predictionID.String()).Str("tx_hash", txHash).
					Str("from", string(job.Status)).Msg("finalize succeeded after job left running")
			}
			return nil
		}
	}
	return fmt.Errorf("mark job finalized: job %s kept changing state", predictionID)
}

// finishSubmitted completes the bookkeeping for a record that already holds
// a submission's tx hash. The relayer is not called again.
func (f *Finalizer) finishSubmitted(ctx context.Context, rec Record) (Job, error) {
	pred, err := f.repo.GetPrediction(ctx, rec.PredictionID)
	if err != nil {
		return Job{}, err
	}
	crypto, _ := rec.Rail(ledger.RailCrypto)
	if err := f.complete(ctx, pred, rec, crypto, rec.TxHash); err != nil {
		return Job{}, err
	}
	return f.repo.GetJob(ctx, rec.PredictionID)
}

// fail stores the error on the job and reports it as ErrRelayerFailed.
func (f *Finalizer) fail(ctx context.Context, predictionID uuid.UUID, actor *uuid.UUID, cause error) (Job, error) {
	msg := truncate(cause.Error(), maxJobErrorLen)
	if _, err := f.repo.TransitionJob(ctx, predictionID, state.FinalizeRunning, state.FinalizeFailed, JobPatch{Error: msg}, f.now()); err != nil {
		return Job{}, fmt.Errorf("mark job failed: %w (relayer: %v)", err, cause)
	}
	f.metrics.RecordFinalize(string(state.FinalizeFailed))

	meta := event.FailureMeta{Error: msg}
	f.audit(ctx, actor, ActionFinalizeFailed, predictionID, meta)
	f.publish(ctx, event.EventTypeFinalizeFailed, predictionID, actor, meta)
	f.logger.Error().Err(cause).Str("prediction_id", predictionID.String()).Msg("finalize failed")

	job, err := f.repo.GetJob(ctx, predictionID)
	if err != nil {
		return Job{}, err
	}
	return job, fmt.Errorf("%w: %s", ErrRelayerFailed, msg)
}

// Retry moves a failed job back to queued and clears its error. A job whose
// record already holds a tx hash is finalized instead of requeued.
func (f *Finalizer) Retry(ctx context.Context, predictionID uuid.UUID, actor *uuid.UUID) (Job, error) {
	job, err := f.repo.GetJob(ctx, predictionID)
	if err != nil {
		return Job{}, err
	}
	if job.Status != state.FinalizeFailed {
		return job, ErrRetryNotAllowed
	}
	rec, err := f.repo.GetRecord(ctx, predictionID)
	if err != nil {
		return job, err
	}
	if rec.TxHash != "" {
		return f.finishSubmitted(ctx, rec)
	}
	ok, err := f.repo.TransitionJob(ctx, predictionID, state.FinalizeFailed, state.FinalizeQueued, JobPatch{RequestedBy: actor}, f.now())
	if err != nil {
		return job, fmt.Errorf("requeue job: %w", err)
	}
	if !ok {
		return job, ErrRetryNotAllowed
	}
	f.metrics.RecordFinalize(string(state.FinalizeQueued))

	meta := event.FailureMeta{PreviousError: job.Error}
	f.audit(ctx, actor, ActionRetry, predictionID, meta)
	f.publish(ctx, event.EventTypeFinalizeRetried, predictionID, actor, meta)
	return f.repo.GetJob(ctx, predictionID)
}

// ReconcileRunning fails jobs that have been running longer than timeout.
func (f *Finalizer) ReconcileRunning(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = DefaultRunningTimeout
	}
	jobs, err := f.repo.ListJobs(ctx, state.FinalizeRunning)
	if err != nil {
		return 0, fmt.Errorf("list running jobs: %w", err)
	}

	cutoff := f.now().Add(-timeout)
	failed := 0
	for _, job := range jobs {
		if job.StartedAt == nil || job.StartedAt.After(cutoff) {
			continue
		}
		ok, err := f.repo.TransitionJob(ctx, job.PredictionID, state.FinalizeRunning, state.FinalizeFailed, JobPatch{Error: timeoutError}, f.now())
		if err != nil {
			return failed, fmt.Errorf("time out job %s: %w", job.PredictionID, err)
		}
		if !ok {
			continue
		}
		failed++
		f.audit(ctx, nil, ActionTimeout, job.PredictionID, event.FailureMeta{Error: timeoutError})
		f.publish(ctx, event.EventTypeFinalizeFailed, job.PredictionID, nil, event.FailureMeta{Error: timeoutError})
	}
	f.metrics.RecordTimeouts(int64(failed))
	if failed > 0 {
		f.logger.Warn().Int("jobs", failed).Dur("timeout", timeout).Msg("running finalize jobs timed out")
	}
	return failed, nil
}

// ListJobs returns jobs in a status.
func (f *Finalizer) ListJobs(ctx context.Context, status state.FinalizeStatus) ([]Job, error) {
	return f.repo.ListJobs(ctx, status)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
