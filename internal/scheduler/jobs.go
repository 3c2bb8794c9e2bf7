package scheduler

import (
	"SettleLedger/internal/ledger"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Reconciler fails finalize jobs stuck in running.
type Reconciler interface {
	ReconcileRunning(ctx context.Context, timeout time.Duration) (int, error)
}

// Purger drops expired idempotency keys.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// Specs are the cron specs for each maintenance job. An empty spec
// disables that job.
type Specs struct {
	Reconcile       string
	Purge           string
	LedgerCheck     string
	FinalizeTimeout time.Duration
}

// Maintenance holds the periodic jobs.
type Maintenance struct {
	reconciler Reconciler
	purger     Purger
	scanner    ledger.Scanner
	timeout    time.Duration
	logger     zerolog.Logger
}

func NewMaintenance(reconciler Reconciler, purger Purger, scanner ledger.Scanner, timeout time.Duration, logger zerolog.Logger) *Maintenance {
	return &Maintenance{
		reconciler: reconciler,
		purger:     purger,
		scanner:    scanner,
		timeout:    timeout,
		logger:     logger,
	}
}

// Register adds every job with a non-empty spec to r.
func (m *Maintenance) Register(r *Runner, specs Specs) error {
	jobs := []struct {
		name string
		spec string
		fn   func(context.Context) error
	}{
		{"reconcile_finalize", specs.Reconcile, m.ReconcileFinalize},
		{"purge_idempotency", specs.Purge, m.PurgeIdempotency},
		{"ledger_invariants", specs.LedgerCheck, m.CheckLedger},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		if _, err := r.Add(j.name, j.spec, j.fn); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", j.name, j.spec, err)
		}
	}
	return nil
}

func (m *Maintenance) ReconcileFinalize(ctx context.Context) error {
	n, err := m.reconciler.ReconcileRunning(ctx, m.timeout)
	if err != nil {
		return err
	}
	if n > 0 {
		m.logger.Info().Int("timed_out", n).Msg("finalize reconcile")
	}
	return nil
}

func (m *Maintenance) PurgeIdempotency(ctx context.Context) error {
	n, err := m.purger.Purge(ctx)
	if err != nil {
		return err
	}
	m.logger.Debug().Int64("purged", n).Msg("idempotency purge")
	return nil
}

// CheckLedger folds the whole ledger and logs negative balances. It never
// repairs anything.
func (m *Maintenance) CheckLedger(ctx context.Context) error {
	if m.scanner == nil {
		return nil
	}
	violations, err := ledger.CheckInvariants(ctx, m.scanner)
	if err != nil {
		return err
	}
	for _, v := range violations {
		m.logger.Error().
			Str("user_id", v.UserID.String()).
			Str("currency", string(v.Currency)).
			Str("check", v.Check).
			Str("detail", v.Detail).
			Msg("ledger invariant violated")
	}
	return nil
}
