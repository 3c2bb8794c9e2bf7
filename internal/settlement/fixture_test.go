package settlement_test

import (
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/settlement"
	"SettleLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeRelayer struct {
	calls atomic.Int32
	delay time.Duration
	// during runs inside the submission, before the hash is returned.
	during func()

	mu   sync.Mutex
	err  error
	reqs []settlement.FinalizeRequest
}

func (r *fakeRelayer) SubmitFinalizeTx(_ context.Context, req settlement.FinalizeRequest) (string, error) {
	n := r.calls.Add(1)
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.during != nil {
		r.during()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	if r.err != nil {
		return "", r.err
	}
	return fmt.Sprintf("0xtx%02d", n), nil
}

func (r *fakeRelayer) failWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

type fakeResolver struct {
	mu    sync.Mutex
	addrs map[uuid.UUID]string
}

func (f *fakeResolver) set(userID uuid.UUID, addr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs[userID] = addr
}

func (f *fakeResolver) ResolveUserAddress(_ context.Context, userID uuid.UUID) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	addr, ok := f.addrs[userID]
	return addr, ok, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string]settlement.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, msg settlement.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if msg.DedupeKey == "" {
		return errors.New("missing dedupe key")
	}
	n.sent[msg.DedupeKey] = msg
	return nil
}

func (n *recordingNotifier) get(key string) (settlement.Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	msg, ok := n.sent[key]
	return msg, ok
}

// ============================================================================
// Fixture
// ============================================================================

type fixture struct {
	repo     *settlement.MemoryRepository
	store    *ledger.MemoryStore
	ledger   *ledger.Ledger
	relayer  *fakeRelayer
	resolver *fakeResolver
	notifier *recordingNotifier

	orch     *settlement.Orchestrator
	fin      *settlement.Finalizer
	disputes *settlement.Disputes

	treasury uuid.UUID
	admin    uuid.UUID
}

func newFixture(t *testing.T, policy settlement.UnresolvedPolicy) *fixture {
	t.Helper()
	f := &fixture{
		repo:     settlement.NewMemoryRepository(),
		store:    ledger.NewMemoryStore(),
		relayer:  &fakeRelayer{},
		resolver: &fakeResolver{addrs: make(map[uuid.UUID]string)},
		notifier: &recordingNotifier{sent: make(map[string]settlement.Notification)},
		treasury: uuid.New(),
		admin:    uuid.New(),
	}
	f.ledger = ledger.NewLedger(f.store)
	deps := settlement.Deps{
		Repo:      f.repo,
		Ledger:    f.ledger,
		Addresses: f.resolver,
		Relayer:   f.relayer,
		Notifier:  f.notifier,
		Logger:    zerolog.Nop(),
		Options: settlement.Options{
			TreasuryUserID:   f.treasury,
			PlatformAddress:  "0x00000000000000000000000000000000000000ff",
			UnresolvedPolicy: policy,
		},
	}
	f.orch = settlement.NewOrchestrator(deps)
	f.fin = settlement.NewFinalizer(deps)
	f.disputes = settlement.NewDisputes(deps)
	return f
}

type market struct {
	pred    settlement.Prediction
	yes, no uuid.UUID
	creator uuid.UUID
}

type stake struct {
	user   uuid.UUID
	amount string
}

// seed creates a closed-deadline market with 250/100 bps fees and the given
// stakes on one rail.
func (f *fixture) seed(rail ledger.Rail, yes, no []stake) market {
	m := market{yes: uuid.New(), no: uuid.New(), creator: uuid.New()}
	m.pred = settlement.Prediction{
		ID:             uuid.New(),
		CreatorID:      m.creator,
		Title:          "Will it rain?",
		Status:         state.PredictionOpen,
		PlatformFeeBps: 250,
		CreatorFeeBps:  100,
		ClosesAt:       time.Now().Add(-time.Hour),
	}
	f.repo.AddPrediction(m.pred,
		settlement.Option{ID: m.yes, PredictionID: m.pred.ID, Label: "Yes"},
		settlement.Option{ID: m.no, PredictionID: m.pred.ID, Label: "No"},
	)
	add := func(option uuid.UUID, stakes []stake) {
		for _, s := range stakes {
			f.repo.AddEntries(settlement.Entry{
				ID:           uuid.New(),
				UserID:       s.user,
				PredictionID: m.pred.ID,
				OptionID:     option,
				Amount:       decimal.RequireFromString(s.amount),
				Rail:         rail,
			})
		}
	}
	add(m.yes, yes)
	add(m.no, no)
	return m
}

func (f *fixture) rows(channel string) []ledger.Transaction {
	var out []ledger.Transaction
	for _, tx := range f.store.Rows() {
		if tx.Channel == channel {
			out = append(out, tx)
		}
	}
	return out
}

func (f *fixture) credited(userID uuid.UUID, channel string) int64 {
	var total int64
	for _, tx := range f.rows(channel) {
		if tx.UserID == userID {
			total += tx.AmountUnits
		}
	}
	return total
}

func address(n int) string {
	return fmt.Sprintf("0x%040x", n)
}
