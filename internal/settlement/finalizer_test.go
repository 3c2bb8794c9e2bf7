package settlement_test

import (
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/settlement"
	"SettleLedger/internal/state"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// cryptoMarket settles the 60/40 vs 100 market on the crypto rail with
// every winner and the creator resolvable.
func (f *fixture) cryptoMarket(t *testing.T) market {
	t.Helper()
	alice, bob := uuid.New(), uuid.New()
	f.resolver.set(alice, address(1))
	f.resolver.set(bob, address(2))
	m := f.seed(ledger.RailCrypto,
		[]stake{{alice, "60"}, {bob, "40"}},
		[]stake{{uuid.New(), "100"}},
	)
	f.resolver.set(m.creator, address(3))
	if _, err := f.orch.Trigger(context.Background(), m.pred.ID, m.yes, f.admin); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	return m
}

// ============================================================================
// Test: Finalize
// ============================================================================

func TestFinalize_SuccessAndRepeat(t *testing.T) {
	f := newFixture(t, settlement.UnresolvedBlock)
	m := f.cryptoMarket(t)
	ctx := context.Background()

	job, err := f.fin.Finalize(ctx, m.pred.ID, &f.admin, "scheduled")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if job.Status != state.FinalizeFinalized || job.TxHash != "0xtx01" || job.Attempts != 1 {
		t.Errorf("job: got status=%q tx=%q attempts=%d", job.Status, job.TxHash, job.Attempts)
	}

	req := f.relayer.reqs[0]
	if req.CreatorAddress != address(3) || req.CreatorFeeUnits != 1_000_000 {
		t.Errorf("creator leg: got %s/%d", req.CreatorAddress, req.CreatorFeeUnits)
	}
	if req.PlatformFeeUnits != 2_500_000 {
		t.Errorf("platform leg: got %d, want 2500000", req.PlatformFeeUnits)
	}

	rec, _ := f.repo.GetRecord(ctx, m.pred.ID)
	if rec.Status != state.SettlementOnchainFinalized || rec.TxHash != "0xtx01" {
		t.Errorf("record: got status=%q tx=%q", rec.Status, rec.TxHash)
	}
	fees := f.rows(ledger.ChannelCreatorFee)
	if len(fees) != 1 || fees[0].Provider != ledger.ProviderCryptoBaseUSDC || fees[0].AmountUnits != 1_000_000 {
		t.Errorf("creator fee rows: got %+v", fees)
	}
	if got := f.credited(f.treasury, ledger.ChannelPlatformFee); got != 2_500_000 {
		t.Errorf("platform fee credit: got %d", got)
	}

	again, err := f.fin.Finalize(ctx, m.pred.ID, &f.admin, "again")
	if err != nil {
		t.Fatalf("repeat finalize: %v", err)
	}
	if again.TxHash != job.TxHash {
		t.Errorf("repeat returned %q, want stored %q", again.TxHash, job.TxHash)
	}
	if n := f.relayer.calls.Load(); n != 1 {
		t.Errorf("relayer calls: got %d, want 1", n)
	}
}

func TestFinalize_ForfeitGoesToPlatformLeg(t *testing.T) {
	f := newFixture(t, settlement.UnresolvedBlock)
	m := f.seed(ledger.RailCrypto, nil, []stake{{uuid.New(), "10"}})
	ctx := context.Background()

	rec, err := f.orch.Trigger(ctx, m.pred.ID, m.yes, f.admin)
	if err != nil {
		t.Fatal(err)
	}
	if rec.MerkleRoot == "" || rec.LeafCount != 0 {
		t.Fatalf("empty crypto rail still publishes a root: root=%q leaves=%d", rec.MerkleRoot, rec.LeafCount)
	}
	if _, err := f.fin.Finalize(ctx, m.pred.ID, &f.admin, ""); err != nil {
		t.Fatal(err)
	}
	req := f.relayer.reqs[0]
	if req.PlatformFeeUnits != 10_000_000 || req.CreatorFeeUnits != 0 || req.CreatorAddress != "" {
		t.Errorf("request: got %+v", req)
	}
	if got := f.credited(f.treasury, ledger.ChannelForfeit); got != 10_000_000 {
		t.Errorf("forfeit credit after finalize: got %d", got)
	}
}

func TestFinalize_RelayerFailureThenRetry(t *testing.T) {
	f := newFixture(t, settlement.UnresolvedBlock)
	m := f.cryptoMarket(t)
	ctx := context.Background()

	f.relayer.failWith(errors.New("nonce too low"))
	job, err := f.fin.Finalize(ctx, m.pred.ID, &f.admin, "")
	if !errors.Is(err, settlement.ErrRelayerFailed) {
		t.Fatalf("got %v, want ErrRelayerFailed", err)
	}
	if job.Status != state.FinalizeFailed || job.Error != "nonce too low" || job.Attempts != 1 {
		t.Errorf("failed job: got status=%q error=%q attempts=%d", job.Status, job.Error, job.Attempts)
	}
	if n := len(f.rows(ledger.ChannelCreatorFee)); n != 0 {
		t.Errorf("fee rows after failure: got %d, want 0", n)
	}
	rec, _ := f.repo.GetRecord(ctx, m.pred.ID)
	if rec.Status != state.SettlementPendingOnchain {
		t.Errorf("record after failure: got %q, want pending_onchain", rec.Status)
	}

	if _, err := f.fin.Finalize(ctx, m.pred.ID, &f.admin, ""); !errors.Is(err, settlement.ErrRetryRequired) {
		t.Errorf("finalize on failed job: got %v, want ErrRetryRequired", err)
	}

	job, err = f.fin.Retry(ctx, m.pred.ID, &f.admin)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != state.FinalizeQueued || job.Error != "" {
		t.Errorf("retried job: got status=%q error=%q", job.Status, job.Error)
	}

	f.relayer.failWith(nil)
	job, err = f.fin.Finalize(ctx, m.pred.ID, &f.admin, "")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != state.FinalizeFinalized || job.Attempts != 2 {
		t.Errorf("final job: got status=%q attempts=%d", job.Status, job.Attempts)
	}
	if n := f.relayer.calls.Load(); n != 2 {
		t.Errorf("relayer calls: got %d, want 2", n)
	}
}

func TestFinalize_ErrorMessageTruncated(t *testing.T) {
	f := newFixture(t, settlement.UnresolvedBlock)
	m := f.cryptoMarket(t)

	f.relayer.failWith(errors.New(strings.Repeat("é", 400)))
	job, _ := f.fin.Finalize(context.Background(), m.pred.ID, &f.admin, "")
	if len(job.Error) > 500 {
		t.Errorf("stored error length %d exceeds 500 bytes", len(job.Error))
	}
	if !utf8.ValidString(job.Error) {
		t.Error("truncated error is not valid UTF-8")
	}
}

func TestFinalize_MissingCreatorAddressFailsJob(t *testing.T) {
	f := newFixture(t, settlement.UnresolvedBlock)
	alice := uuid.New()
	f.resolver.set(alice, address(1))
	m := f.seed(ledger.RailCrypto, []stake{{alice, "5"}}, []stake{{uuid.New(), "5"}})
	ctx := context.Background()
	if _, err := f.orch.Trigger(ctx, m.pred.ID, m.yes, f.admin); err != nil {
		t.Fatal(err)
	}

	job, err := f.fin.Finalize(ctx, m.pred.ID, &f.admin, "")
	if !errors.Is(err, settlement.ErrRelayerFailed) {
		t.Fatalf("got %v, want ErrRelayerFailed", err)
	}
	if job.Status != state.FinalizeFailed {
		t.Errorf("job status: got %q", job.Status)
	}
	if n := f.relayer.calls.Load(); n != 0 {
		t.Errorf("relayer must not be called, got %d calls", n)
	}
}

func TestFinalize_RunningJobConflicts(t *testing.T) {
	f := newFixture(t, settlement.UnresolvedBlock)
	m := f.cryptoMarket(t)
	ctx := context.Background()

	started := time.Now()
	if _, err := f.repo.TransitionJob(ctx, m.pred.ID, state.FinalizeQueued, state.FinalizeRunning,
		settlement.JobPatch{StartedAt: &started}, started); err != nil {
		t.Fatal(err)
	}
	if _, err := f.fin.Finalize(ctx, m.pred.ID, &f.admin, ""); !errors.Is(err, settlement.ErrJobRunning) {
		t.Errorf("got %v, want ErrJobRunning", err)
	}
	if _, err := f.fin.Retry(ctx, m.pred.ID, &f.admin); !errors.Is(err, settlement.ErrRetryNotAllowed) {
		t.Errorf("retry on running: got %v, want ErrRetryNotAllowed", err)
	}
}

func TestFinalize_ConcurrentCallersSubmitOnce(t *testing.T) {
	f := newFixture(t, settlement.UnresolvedBlock)
	m := f.cryptoMarket(t)
	f.relayer.delay = 20 * time.Millisecond
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.fin.Finalize(ctx, m.pred.ID, &f.admin, ""); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if !errors.Is(err, settlement.ErrJobRunning) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if n := f.relayer.calls.Load(); n != 1 {
		t.Errorf("relayer calls: got %d, want 1", n)
	}
}

// ============================================================================
// Test: Submissions that outlive the running state
// ============================================================================

func TestFinalize_TimedOutDuringSubmitStillFinalizes(t *testing.T) {
	f := newFixture(t, settlement.UnresolvedBlock)
	m := f.cryptoMarket(t)
	ctx := context.Background()

	f.relayer.during = func() {
		if n, err := f.fin.ReconcileRunning(ctx, time.Nanosecond); err != nil || n != 1 {
			t.Errorf("reconcile during submit: got (%d, %v), want (1, nil)", n, err)
		}
	}
	job, err := f.fin.Finalize(ctx, m.pred.ID, &f.admin, "")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if job.Status != state.FinalizeFinalized || job.TxHash != "0xtx01" {
		t.Errorf("job: got status=%q tx=%q, want finalized 0xtx01", job.Status, job.TxHash)
	}
	f.relayer.during = nil

	if _, err := f.fin.Retry(ctx, m.pred.ID, &f.admin); !errors.Is(err, settlement.ErrRetryNotAllowed) {
		t.Errorf("retry: got %v, want ErrRetryNotAllowed", err)
	}
	again, err := f.fin.Finalize(ctx, m.pred.ID, &f.admin, "")
	if err != nil || again.TxHash != "0xtx01" {
		t.Errorf("repeat finalize: got tx=%q err=%v", again.TxHash, err)
	}
	if n := f.relayer.calls.Load(); n != 1 {
		t.Errorf("relayer calls: got %d, want 1", n)
	}
}

func TestFinalize_RequeuedDuringSubmitStillFinalizes(t *testing.T) {
	f := newFixture(t, settlement.UnresolvedBlock)
	m := f.cryptoMarket(t)
	ctx := context.Background()

	f.relayer.during = func() {
		f.fin.ReconcileRunning(ctx, time.Nanosecond)
		job, err := f.fin.Retry(ctx, m.pred.ID, &f.admin)
		if err != nil || job.Status != state.FinalizeQueued {
			t.Errorf("retry during submit: got status=%q err=%v", job.Status, err)
		}
	}
	job, err := f.fin.Finalize(ctx, m.pred.ID, &f.admin, "")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	f.relayer.during = nil
	if job.Status != state.FinalizeFinalized || job.TxHash != "0xtx01" {
		t.Errorf("job: got status=%q tx=%q", job.Status, job.TxHash)
	}

	if _, err := f.fin.Finalize(ctx, m.pred.ID, &f.admin, ""); err != nil {
		t.Errorf("repeat finalize: %v", err)
	}
	if n := f.relayer.calls.Load(); n != 1 {
		t.Errorf("relayer calls: got %d, want 1", n)
	}
}

func TestRetry_RecordWithTxHashFinalizesWithoutSubmitting(t *testing.T) {
	f := newFixture(t, settlement.UnresolvedBlock)
	m := f.cryptoMarket(t)
	ctx := context.Background()
	now := time.Now()

	// A crash after the record took the hash but before the job did.
	f.repo.TransitionJob(ctx, m.pred.ID, state.FinalizeQueued, state.FinalizeRunning, settlement.JobPatch{StartedAt: &now}, now)
	rec, _ := f.repo.GetRecord(ctx, m.pred.ID)
	posted := rec
	posted.Status = state.SettlementOnchainPosted
	posted.TxHash = "0xlanded"
	if ok, err := f.repo.UpdateRecord(ctx, posted, rec.Status); err != nil || !ok {
		t.Fatalf("post record: %v %v", ok, err)
	}
	f.repo.TransitionJob(ctx, m.pred.ID, state.FinalizeRunning, state.FinalizeFailed, settlement.JobPatch{Error: "relayer confirmation timeout"}, now)

	job, err := f.fin.Retry(ctx, m.pred.ID, &f.admin)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if job.Status != state.FinalizeFinalized || job.TxHash != "0xlanded" {
		t.Errorf("job: got status=%q tx=%q", job.Status, job.TxHash)
	}
	rec, _ = f.repo.GetRecord(ctx, m.pred.ID)
	if rec.Status != state.SettlementOnchainFinalized {
		t.Errorf("record: got %q, want onchain_finalized", rec.Status)
	}
	if got := f.credited(f.treasury, ledger.ChannelPlatformFee); got != 2_500_000 {
		t.Errorf("platform fee credit: got %d", got)
	}
	if n := f.relayer.calls.Load(); n != 0 {
		t.Errorf("relayer calls: got %d, want 0", n)
	}
}

func TestTransitionJob_FinalizedNeedsTxHash(t *testing.T) {
	f := newFixture(t, settlement.UnresolvedBlock)
	m := f.cryptoMarket(t)
	ctx := context.Background()
	now := time.Now()

	f.repo.TransitionJob(ctx, m.pred.ID, state.FinalizeQueued, state.FinalizeRunning, settlement.JobPatch{StartedAt: &now}, now)
	if _, err := f.repo.TransitionJob(ctx, m.pred.ID, state.FinalizeRunning, state.FinalizeFinalized, settlement.JobPatch{}, now); !errors.Is(err, settlement.ErrTxHashRequired) {
		t.Errorf("got %v, want ErrTxHashRequired", err)
	}
}

func TestRetry_OnlyFromFailed(t *testing.T) {
	f := newFixture(t, settlement.UnresolvedBlock)
	m := f.cryptoMarket(t)
	if _, err := f.fin.Retry(context.Background(), m.pred.ID, &f.admin); !errors.Is(err, settlement.ErrRetryNotAllowed) {
		t.Errorf("got %v, want ErrRetryNotAllowed", err)
	}
	if _, err := f.fin.Retry(context.Background(), uuid.New(), &f.admin); !errors.Is(err, settlement.ErrJobNotFound) {
		t.Errorf("got %v, want ErrJobNotFound", err)
	}
}

// ============================================================================
// Test: Running-job reconciler
// ============================================================================

func TestReconcileRunning_TimesOutStaleJobs(t *testing.T) {
	f := newFixture(t, settlement.UnresolvedBlock)
	stale := f.cryptoMarket(t)
	fresh := f.cryptoMarket(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	now := time.Now()
	f.repo.TransitionJob(ctx, stale.pred.ID, state.FinalizeQueued, state.FinalizeRunning, settlement.JobPatch{StartedAt: &old}, old)
	f.repo.TransitionJob(ctx, fresh.pred.ID, state.FinalizeQueued, state.FinalizeRunning, settlement.JobPatch{StartedAt: &now}, now)

	n, err := f.fin.ReconcileRunning(ctx, 15*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("timed out: got %d, want 1", n)
	}

	job, _ := f.repo.GetJob(ctx, stale.pred.ID)
	if job.Status != state.FinalizeFailed || job.Error != "relayer confirmation timeout" {
		t.Errorf("stale job: got status=%q error=%q", job.Status, job.Error)
	}
	job, _ = f.repo.GetJob(ctx, fresh.pred.ID)
	if job.Status != state.FinalizeRunning {
		t.Errorf("fresh job: got status=%q, want running", job.Status)
	}

	running, _ := f.fin.ListJobs(ctx, state.FinalizeRunning)
	if len(running) != 1 || running[0].PredictionID != fresh.pred.ID {
		t.Errorf("running jobs: got %+v", running)
	}
}
