package scheduler

import (
	"SettleLedger/internal/ledger"
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReconciler struct {
	timeout time.Duration
	n       int
	err     error
}

func (f *fakeReconciler) ReconcileRunning(_ context.Context, timeout time.Duration) (int, error) {
	f.timeout = timeout
	return f.n, f.err
}

type fakePurger struct {
	calls atomic.Int32
}

func (f *fakePurger) Purge(context.Context) (int64, error) {
	f.calls.Add(1)
	return 3, nil
}

// ============================================================================
// Test: Maintenance jobs
// ============================================================================

func TestReconcileFinalize_PassesTimeout(t *testing.T) {
	rec := &fakeReconciler{n: 2}
	m := NewMaintenance(rec, &fakePurger{}, nil, 7*time.Minute, zerolog.Nop())

	require.NoError(t, m.ReconcileFinalize(context.Background()))
	assert.Equal(t, 7*time.Minute, rec.timeout)

	rec.err = errors.New("db down")
	assert.Error(t, m.ReconcileFinalize(context.Background()))
}

func TestCheckLedger_LogsNegativeBalances(t *testing.T) {
	store := ledger.NewMemoryStore()
	_, err := store.Insert(context.Background(), ledger.Transaction{
		UserID:      uuid.New(),
		Direction:   ledger.DirectionDebit,
		Type:        ledger.TxTypeWithdraw,
		Channel:     ledger.ChannelWithdrawal,
		Provider:    ledger.ProviderDemoWallet,
		Rail:        ledger.RailDemo,
		Currency:    ledger.CurrencyDemoUSD,
		AmountUnits: 5,
		Status:      ledger.TxStatusSuccess,
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	m := NewMaintenance(&fakeReconciler{}, &fakePurger{}, store, time.Minute, zerolog.New(&buf))
	require.NoError(t, m.CheckLedger(context.Background()))
	assert.True(t, strings.Contains(buf.String(), "ledger invariant violated"), buf.String())
	assert.Contains(t, buf.String(), "available_non_negative")
}

func TestCheckLedger_NoScanner(t *testing.T) {
	m := NewMaintenance(&fakeReconciler{}, &fakePurger{}, nil, time.Minute, zerolog.Nop())
	assert.NoError(t, m.CheckLedger(context.Background()))
}

// ============================================================================
// Test: Runner
// ============================================================================

func TestRegister_RejectsBadSpec(t *testing.T) {
	m := NewMaintenance(&fakeReconciler{}, &fakePurger{}, nil, time.Minute, zerolog.Nop())
	r := New(zerolog.Nop(), context.Background())

	err := m.Register(r, Specs{Reconcile: "not a spec"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile_finalize")
}

func TestRunner_RunsScheduledJob(t *testing.T) {
	purger := &fakePurger{}
	m := NewMaintenance(&fakeReconciler{}, purger, nil, time.Minute, zerolog.Nop())
	r := New(zerolog.Nop(), context.Background())

	require.NoError(t, m.Register(r, Specs{Purge: "@every 1s"}))
	r.Start()
	defer r.Stop()

	assert.Eventually(t, func() bool { return purger.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}
