package settlement

import (
	"SettleLedger/internal/event"
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/merkle"
	"SettleLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Orchestrator drives a prediction from recorded outcome to off-chain
// settlement and, for crypto stakes, to a published Merkle root with a
// queued finalize job.
type Orchestrator struct {
	base
	addresses AddressResolver
}

func NewOrchestrator(d Deps) *Orchestrator {
	return &Orchestrator{
		base:      newBase(d, "orchestrator"),
		addresses: d.Addresses,
	}
}

// Trigger records the winning option and settles the prediction.
func (o *Orchestrator) Trigger(ctx context.Context, predictionID, winningOptionID, actorID uuid.UUID) (Record, error) {
	if actorID == uuid.Nil {
		return Record{}, ErrActorRequired
	}
	pred, err := o.repo.GetPrediction(ctx, predictionID)
	if err != nil {
		return Record{}, err
	}
	if pred.Status.Withdrawn() {
		return Record{}, ErrWithdrawn
	}

	options, err := o.repo.ListOptions(ctx, predictionID)
	if err != nil {
		return Record{}, fmt.Errorf("list options: %w", err)
	}
	if !containsOption(options, winningOptionID) {
		return Record{}, ErrInvalidOption
	}

	if pred.WinningOptionID == nil || *pred.WinningOptionID != winningOptionID {
		if pred.WinningOptionID != nil {
			if _, err := o.repo.GetRecord(ctx, predictionID); err == nil {
				o.metrics.RecordSettlement("rejected", o.now())
				return Record{}, ErrOutcomeMismatch
			} else if !errors.Is(err, ErrRecordNotFound) {
				return Record{}, err
			}
		}
		if pred.Status == state.PredictionOpen && o.now().Before(pred.ClosesAt) {
			return Record{}, ErrNotClosed
		}
		if err := o.repo.RecordOutcome(ctx, predictionID, winningOptionID, o.now()); err != nil {
			return Record{}, fmt.Errorf("record outcome: %w", err)
		}
		o.publish(ctx, event.EventTypeOutcomeRecorded, predictionID, &actorID,
			event.SettlementMeta{WinningOptionID: winningOptionID})
	}

	rec, err := o.settle(ctx, predictionID, &actorID)
	if err != nil {
		return rec, err
	}
	o.audit(ctx, &actorID, ActionTrigger, predictionID, event.SettlementMeta{
		WinningOptionID: rec.WinningOptionID,
		Rails:           railNames(rec.Rails),
		WinnerCount:     winnerCount(rec),
	})
	return rec, nil
}

// Settle computes and posts the settlement for a prediction whose outcome is
// recorded. Calling it again with the same outcome returns the stored record.
func (o *Orchestrator) Settle(ctx context.Context, predictionID uuid.UUID) (Record, error) {
	return o.settle(ctx, predictionID, nil)
}

func (o *Orchestrator) settle(ctx context.Context, predictionID uuid.UUID, actor *uuid.UUID) (Record, error) {
	started := o.now()
	pred, err := o.repo.GetPrediction(ctx, predictionID)
	if err != nil {
		return Record{}, err
	}
	if pred.Status.Withdrawn() {
		return Record{}, ErrWithdrawn
	}
	if pred.WinningOptionID == nil {
		return Record{}, ErrOutcomeMissing
	}

	existing, err := o.repo.GetRecord(ctx, predictionID)
	switch {
	case err == nil:
		if existing.WinningOptionID != *pred.WinningOptionID {
			o.metrics.RecordSettlement("rejected", started)
			return Record{}, ErrOutcomeMismatch
		}
		o.metrics.RecordSettlement("existing", started)
		return existing, nil
	case !errors.Is(err, ErrRecordNotFound):
		return Record{}, err
	}

	entries, err := o.repo.ListEntries(ctx, predictionID)
	if err != nil {
		return Record{}, fmt.Errorf("list entries: %w", err)
	}
	p, err := computePlan(pred, *pred.WinningOptionID, entries)
	if err != nil {
		return Record{}, err
	}

	now := o.now()
	stored, created, err := o.repo.CreateRecord(ctx, Record{
		PredictionID:    predictionID,
		WinningOptionID: *pred.WinningOptionID,
		Status:          state.SettlementOffchain,
		Rails:           p.summaries(),
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return Record{}, fmt.Errorf("create settlement record: %w", err)
	}
	if !created {
		// Another worker won the race; its result stands.
		if stored.WinningOptionID != *pred.WinningOptionID {
			o.metrics.RecordSettlement("rejected", started)
			return Record{}, ErrOutcomeMismatch
		}
		o.metrics.RecordSettlement("existing", started)
		return stored, nil
	}

	rec, err := o.apply(ctx, pred, stored, p, actor)
	if err != nil {
		return rec, err
	}

	o.metrics.RecordSettlement("created", started)
	o.publish(ctx, event.EventTypeSettlementComputed, predictionID, actor, event.SettlementMeta{
		WinningOptionID: rec.WinningOptionID,
		Rails:           railNames(rec.Rails),
		WinnerCount:     winnerCount(rec),
		NoWinners:       winnerCount(rec) == 0,
	})
	o.logger.Info().
		Str("prediction_id", predictionID.String()).
		Str("status", string(rec.Status)).
		Int("rails", len(rec.Rails)).
		Msg("prediction settled")
	return rec, nil
}

// Sync re-runs every idempotent step of a settlement: off-chain postings,
// entry statuses, the Merkle root for crypto stakes and the finalize job.
func (o *Orchestrator) Sync(ctx context.Context, predictionID uuid.UUID, actor *uuid.UUID, note string) (Record, error) {
	rec, err := o.repo.GetRecord(ctx, predictionID)
	if errors.Is(err, ErrRecordNotFound) {
		rec, err = o.settle(ctx, predictionID, actor)
		if err != nil {
			return rec, err
		}
		o.audit(ctx, actor, ActionSync, predictionID, event.NoteMeta{Note: note})
		return rec, nil
	}
	if err != nil {
		return Record{}, err
	}

	pred, err := o.repo.GetPrediction(ctx, predictionID)
	if err != nil {
		return Record{}, err
	}
	entries, err := o.repo.ListEntries(ctx, predictionID)
	if err != nil {
		return Record{}, fmt.Errorf("list entries: %w", err)
	}
	// The stored record, not the prediction row, is authoritative for the outcome.
	p, err := computePlan(pred, rec.WinningOptionID, entries)
	if err != nil {
		return Record{}, err
	}
	rec, err = o.apply(ctx, pred, rec, p, actor)
	if err != nil {
		return rec, err
	}
	o.audit(ctx, actor, ActionSync, predictionID, event.NoteMeta{Note: note})
	return rec, nil
}

// apply performs the side effects of a plan. Every step is idempotent so a
// crash at any point is repaired by running it again.
func (o *Orchestrator) apply(ctx context.Context, pred Prediction, rec Record, p plan, actor *uuid.UUID) (Record, error) {
	for _, rp := range p.rails {
		if rp.rail == ledger.RailCrypto {
			continue
		}
		if err := o.postOffchain(ctx, pred, rp); err != nil {
			return rec, err
		}
	}

	if err := o.repo.SetEntryStatuses(ctx, pred.ID, p.entryStatuses); err != nil {
		return rec, fmt.Errorf("set entry statuses: %w", err)
	}

	if rp, ok := p.rail(ledger.RailCrypto); ok {
		if rec.MerkleRoot == "" {
			var err error
			if rec, err = o.buildRoot(ctx, pred, rec, rp); err != nil {
				return rec, err
			}
		}
		if rec.MerkleRoot != "" {
			if _, _, err := o.repo.EnsureJob(ctx, pred.ID, actor, o.now()); err != nil {
				return rec, fmt.Errorf("ensure finalize job: %w", err)
			}
		}
	}

	if pred.Status == state.PredictionClosed {
		if _, err := o.repo.SetPredictionStatus(ctx, pred.ID, state.PredictionClosed, state.PredictionSettled, o.now()); err != nil {
			return rec, fmt.Errorf("mark prediction settled: %w", err)
		}
	}
	return rec, nil
}

// postOffchain credits demo and fiat winners, fee recipients and forfeits.
func (o *Orchestrator) postOffchain(ctx context.Context, pred Prediction, rp railPlan) error {
	currency := rp.rail.Currency()
	provider := rp.rail.Provider()

	for _, po := range rp.result.Payouts {
		tx := ledger.Transaction{
			UserID:       po.UserID,
			Direction:    ledger.DirectionCredit,
			Type:         ledger.TxTypePayout,
			Channel:      ledger.ChannelPayout,
			Provider:     provider,
			Rail:         rp.rail,
			Currency:     currency,
			AmountUnits:  po.PayoutUnits,
			ExternalRef:  ref("payout", pred.ID, po.UserID),
			PredictionID: &pred.ID,
			Description:  "Prediction payout",
		}
		if rp.refund {
			tx.Type = ledger.TxTypeRefund
			tx.Channel = ledger.ChannelRefund
			tx.ExternalRef = ref("refund", pred.ID, po.UserID)
			tx.Description = "Stake refund: no opposing stakes"
		}
		if tx.AmountUnits == 0 {
			continue
		}
		if _, err := o.post(ctx, tx); err != nil {
			return fmt.Errorf("post %s payout for %s: %w", rp.rail, po.UserID, err)
		}
	}

	return postFeeRows(ctx, &o.base, pred, rp.rail, rp.summary)
}

// postFeeRows credits the creator, the treasury's platform fee and any
// forfeited pool. Crypto rows are posted by the finalizer once the relayer
// has paid them on-chain.
func postFeeRows(ctx context.Context, b *base, pred Prediction, rail ledger.Rail, rs RailSettlement) error {
	fees := []struct {
		user    uuid.UUID
		units   int64
		channel string
		desc    string
	}{
		{pred.CreatorID, rs.CreatorFeeUnits, ledger.ChannelCreatorFee, "Creator fee"},
		{b.opts.TreasuryUserID, rs.PlatformFeeUnits, ledger.ChannelPlatformFee, "Platform fee"},
		{b.opts.TreasuryUserID, rs.ForfeitUnits, ledger.ChannelForfeit, "Losing pool forfeited: no winning stakes"},
	}
	for _, f := range fees {
		if f.units <= 0 {
			continue
		}
		_, err := b.post(ctx, ledger.Transaction{
			UserID:       f.user,
			Direction:    ledger.DirectionCredit,
			Type:         feeTxType(f.channel),
			Channel:      f.channel,
			Provider:     rail.Provider(),
			Rail:         rail,
			Currency:     rail.Currency(),
			AmountUnits:  f.units,
			ExternalRef:  ref(f.channel, pred.ID),
			PredictionID: &pred.ID,
			Description:  f.desc,
		})
		if err != nil {
			return fmt.Errorf("post %s %s: %w", rail, f.channel, err)
		}
	}
	return nil
}

// buildRoot resolves winner addresses, builds and stores the Merkle tree and
// moves the record to pending_onchain. Under the block policy a missing
// address leaves the record off-chain with the unresolved count set.
func (o *Orchestrator) buildRoot(ctx context.Context, pred Prediction, rec Record, rp railPlan) (Record, error) {
	var claims []merkle.Claim
	var unresolved []uuid.UUID
	amounts := make(map[uuid.UUID]int64)

	for _, po := range rp.result.Payouts {
		if po.PayoutUnits == 0 {
			continue
		}
		addr, ok, err := o.addresses.ResolveUserAddress(ctx, po.UserID)
		if err != nil {
			return rec, fmt.Errorf("resolve address for %s: %w", po.UserID, err)
		}
		if !ok || !merkle.ValidAddress(addr) {
			unresolved = append(unresolved, po.UserID)
			amounts[po.UserID] = po.PayoutUnits
			continue
		}
		claims = append(claims, merkle.Claim{UserID: po.UserID, Address: addr, AmountUnits: po.PayoutUnits})
	}

	if len(unresolved) > 0 {
		o.metrics.RecordUnresolved(len(unresolved))
		o.logger.Warn().
			Str("prediction_id", pred.ID.String()).
			Int("unresolved", len(unresolved)).
			Str("policy", string(o.opts.UnresolvedPolicy)).
			Msg("crypto winners without payout address")

		if o.opts.UnresolvedPolicy != UnresolvedOffchainCredit {
			if rec.UnresolvedWinners != len(unresolved) {
				rec.UnresolvedWinners = len(unresolved)
				rec.UpdatedAt = o.now()
				if _, err := o.repo.UpdateRecord(ctx, rec, rec.Status); err != nil {
					return rec, fmt.Errorf("record unresolved winners: %w", err)
				}
			}
			return rec, nil
		}
		for _, uid := range unresolved {
			_, err := o.post(ctx, ledger.Transaction{
				UserID:       uid,
				Direction:    ledger.DirectionCredit,
				Type:         ledger.TxTypePayout,
				Channel:      ledger.ChannelPayoutFallback,
				Provider:     ledger.ProviderInternalWallet,
				Rail:         ledger.RailCrypto,
				Currency:     ledger.RailCrypto.Currency(),
				AmountUnits:  amounts[uid],
				ExternalRef:  ref("payout_fallback", pred.ID, uid),
				PredictionID: &pred.ID,
				Description:  "Payout credited off-chain: no payout address",
			})
			if err != nil {
				return rec, fmt.Errorf("post fallback payout for %s: %w", uid, err)
			}
		}
	}

	tree, leaves, err := merkle.Build(pred.ID, claims)
	if err != nil {
		return rec, fmt.Errorf("build merkle tree: %w", err)
	}
	from := rec.Status
	next, err := from.Transition(state.SettlementPendingOnchain)
	if err != nil {
		return rec, err
	}
	updated := rec
	updated.MerkleRoot = tree.Root().Hex()
	updated.LeafCount = len(leaves)
	updated.UnresolvedWinners = len(unresolved)
	updated.Status = next
	updated.UpdatedAt = o.now()
	ok, err := o.repo.PublishRoot(ctx, updated, from, leaves)
	if err != nil {
		return rec, fmt.Errorf("store merkle root: %w", err)
	}
	if !ok {
		// A concurrent sync stored the root first.
		return o.repo.GetRecord(ctx, pred.ID)
	}

	meta := event.MerkleRootMeta{
		MerkleRoot:        updated.MerkleRoot,
		LeafCount:         updated.LeafCount,
		WinnerCount:       len(rp.result.Payouts),
		UnresolvedWinners: updated.UnresolvedWinners,
	}
	_, err = o.post(ctx, ledger.Transaction{
		UserID:       o.opts.TreasuryUserID,
		Direction:    ledger.DirectionCredit,
		Type:         ledger.TxTypeMemo,
		Channel:      ledger.ChannelSettlementRoot,
		Provider:     ledger.ProviderCryptoBaseUSDC,
		Rail:         ledger.RailCrypto,
		Currency:     ledger.RailCrypto.Currency(),
		ExternalRef:  ref("merkle_root", pred.ID),
		PredictionID: &pred.ID,
		Description:  "Merkle root " + updated.MerkleRoot,
		Meta:         meta,
	})
	if err != nil {
		return updated, fmt.Errorf("post merkle root memo: %w", err)
	}
	o.publish(ctx, event.EventTypeMerkleRootBuilt, pred.ID, nil, meta)
	return updated, nil
}

// ClaimProof is what a winner submits on-chain to claim.
type ClaimProof struct {
	PredictionID uuid.UUID `json:"prediction_id"`
	MerkleRoot   string    `json:"merkle_root"`
	Address      string    `json:"address"`
	AmountUnits  int64     `json:"amount_units"`
	Leaf         string    `json:"leaf"`
	Proof        []string  `json:"proof"`
}

// Proof rebuilds the stored tree and returns the proof for address.
func (o *Orchestrator) Proof(ctx context.Context, predictionID uuid.UUID, address string) (ClaimProof, error) {
	rec, err := o.repo.GetRecord(ctx, predictionID)
	if err != nil {
		return ClaimProof{}, err
	}
	if rec.MerkleRoot == "" {
		return ClaimProof{}, ErrNoMerkleRoot
	}
	leaves, err := o.repo.ListLeaves(ctx, predictionID)
	if err != nil {
		return ClaimProof{}, fmt.Errorf("list leaves: %w", err)
	}

	hashes := make([]merkle.Hash, len(leaves))
	var target *merkle.Leaf
	for i := range leaves {
		hashes[i] = leaves[i].Hash
		if strings.EqualFold(leaves[i].Address, address) {
			target = &leaves[i]
		}
	}
	if target == nil {
		return ClaimProof{}, merkle.ErrLeafNotFound
	}
	tree := merkle.NewTree(hashes)
	if !strings.EqualFold(tree.Root().Hex(), rec.MerkleRoot) {
		o.logger.Error().
			Str("prediction_id", predictionID.String()).
			Str("published_root", rec.MerkleRoot).
			Str("rebuilt_root", tree.Root().Hex()).
			Int("leaves", len(leaves)).
			Msg("merkle leaves diverged from published root")
		return ClaimProof{}, ErrRootMismatch
	}
	proof, err := tree.Proof(target.Hash)
	if err != nil {
		return ClaimProof{}, err
	}
	out := ClaimProof{
		PredictionID: predictionID,
		MerkleRoot:   rec.MerkleRoot,
		Address:      target.Address,
		AmountUnits:  target.AmountUnits,
		Leaf:         target.Hash.Hex(),
		Proof:        make([]string, len(proof)),
	}
	for i, h := range proof {
		out.Proof[i] = h.Hex()
	}
	return out, nil
}

func feeTxType(channel string) ledger.TxType {
	if channel == ledger.ChannelForfeit {
		return ledger.TxTypeForfeit
	}
	return ledger.TxTypeFee
}

func containsOption(options []Option, id uuid.UUID) bool {
	for _, opt := range options {
		if opt.ID == id {
			return true
		}
	}
	return false
}

func winnerCount(rec Record) int {
	n := 0
	for _, r := range rec.Rails {
		n += r.WinnerCount
	}
	return n
}
