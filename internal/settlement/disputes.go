package settlement

import (
	"SettleLedger/internal/event"
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/state"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DisputeAction is an operator's decision on a dispute.
type DisputeAction string

const (
	DisputeAccept DisputeAction = "accept"
	DisputeReject DisputeAction = "reject"
)

func ParseDisputeAction(s string) (DisputeAction, error) {
	switch a := DisputeAction(strings.ToLower(strings.TrimSpace(s))); a {
	case DisputeAccept, DisputeReject:
		return a, nil
	default:
		return "", ErrInvalidAction
	}
}

// ResolveRequest is an operator resolution.
type ResolveRequest struct {
	ActorID uuid.UUID
	Action  DisputeAction
	Reason  string
	// CorrectedOptionID, on accept, opens a correction settlement.
	CorrectedOptionID *uuid.UUID
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Dispute    Dispute     `json:"dispute"`
	Correction *Correction `json:"correction,omitempty"`
}

// Disputes runs the dispute review workflow and correction settlements.
// An open dispute never blocks settlement or finalize.
type Disputes struct {
	base
	notifier NotificationSink
}

func NewDisputes(d Deps) *Disputes {
	return &Disputes{
		base:     newBase(d, "disputes"),
		notifier: d.Notifier,
	}
}

// Open files a dispute against a prediction.
func (s *Disputes) Open(ctx context.Context, predictionID, userID uuid.UUID, reason string) (Dispute, error) {
	if userID == uuid.Nil {
		return Dispute{}, ErrActorRequired
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Dispute{}, ErrReasonRequired
	}
	if _, err := s.repo.GetPrediction(ctx, predictionID); err != nil {
		return Dispute{}, err
	}

	now := s.now()
	d := Dispute{
		ID:           uuid.New(),
		PredictionID: predictionID,
		UserID:       userID,
		Status:       state.DisputeOpen,
		Reason:       reason,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateDispute(ctx, d); err != nil {
		return Dispute{}, fmt.Errorf("create dispute: %w", err)
	}

	meta := event.DisputeMeta{DisputeID: d.ID, Status: string(d.Status), Reason: reason}
	s.audit(ctx, &userID, ActionDisputeOpen, d.ID, meta)
	s.publish(ctx, event.EventTypeDisputeOpened, predictionID, &userID, meta)
	return d, nil
}

// MarkUnderReview moves an open dispute to under_review.
func (s *Disputes) MarkUnderReview(ctx context.Context, disputeID, actorID uuid.UUID) (Dispute, error) {
	if actorID == uuid.Nil {
		return Dispute{}, ErrActorRequired
	}
	d, err := s.repo.GetDispute(ctx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status == state.DisputeUnderReview {
		return d, nil
	}
	if d.Status.Terminal() {
		return d, ErrDisputeClosed
	}
	d, err = s.transition(ctx, d, state.DisputeUnderReview)
	if err != nil {
		return d, err
	}
	s.audit(ctx, &actorID, ActionDisputeReview, d.ID, event.DisputeMeta{DisputeID: d.ID, Status: string(d.Status)})
	return d, nil
}

// Resolve accepts or rejects a dispute and notifies the disputing user.
// Accepting never edits the settlement; a corrected option produces a
// pending Correction instead.
func (s *Disputes) Resolve(ctx context.Context, disputeID uuid.UUID, req ResolveRequest) (Resolution, error) {
	if req.ActorID == uuid.Nil {
		return Resolution{}, ErrActorRequired
	}
	if req.Action != DisputeAccept && req.Action != DisputeReject {
		return Resolution{}, ErrInvalidAction
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return Resolution{}, ErrReasonRequired
	}

	d, err := s.repo.GetDispute(ctx, disputeID)
	if err != nil {
		return Resolution{}, err
	}
	if d.Status.Terminal() {
		return Resolution{Dispute: d}, ErrDisputeClosed
	}

	var rec Record
	if req.Action == DisputeAccept && req.CorrectedOptionID != nil {
		if rec, err = s.validateCorrection(ctx, d.PredictionID, *req.CorrectedOptionID); err != nil {
			return Resolution{Dispute: d}, err
		}
	}

	if d.Status == state.DisputeOpen {
		if d, err = s.transition(ctx, d, state.DisputeUnderReview); err != nil {
			return Resolution{Dispute: d}, err
		}
	}

	// The correction is written while the dispute is still open, so a
	// failed insert leaves the resolution retryable.
	var correction *Correction
	if req.Action == DisputeAccept && req.CorrectedOptionID != nil {
		now := s.now()
		c, err := s.repo.CreateCorrection(ctx, Correction{
			ID:                uuid.New(),
			PredictionID:      d.PredictionID,
			DisputeID:         d.ID,
			OriginalOptionID:  rec.WinningOptionID,
			CorrectedOptionID: *req.CorrectedOptionID,
			Status:            state.CorrectionPending,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
		if err != nil {
			return Resolution{Dispute: d}, fmt.Errorf("create correction: %w", err)
		}
		if c.CorrectedOptionID != *req.CorrectedOptionID {
			s.logger.Warn().Str("dispute_id", d.ID.String()).Str("correction_id", c.ID.String()).
				Msg("dispute already carries a correction for another option")
		}
		correction = &c
	}

	target := state.DisputeRejected
	if req.Action == DisputeAccept {
		target = state.DisputeResolved
	}
	d.ResolutionNote = reason
	d.ResolvedBy = &req.ActorID
	if correction != nil {
		d.CorrectedOptionID = &correction.CorrectedOptionID
	} else if req.Action == DisputeAccept {
		d.CorrectedOptionID = req.CorrectedOptionID
	}
	if d, err = s.transition(ctx, d, target); err != nil {
		return Resolution{Dispute: d, Correction: correction}, err
	}

	out := Resolution{Dispute: d, Correction: correction}

	meta := event.DisputeMeta{
		DisputeID:         d.ID,
		Status:            string(d.Status),
		Action:            string(req.Action),
		Reason:            reason,
		CorrectedOptionID: d.CorrectedOptionID,
	}
	s.metrics.RecordDispute(string(req.Action))
	s.audit(ctx, &req.ActorID, ActionDisputeResolve, d.ID, meta)
	s.publish(ctx, event.EventTypeDisputeResolved, d.PredictionID, &req.ActorID, meta)
	s.notify(ctx, Notification{
		UserID:    d.UserID,
		Type:      "dispute_" + string(d.Status),
		Title:     disputeTitle(d.Status),
		Body:      disputeBody(d.Status),
		Meta:      meta,
		DedupeKey: fmt.Sprintf("dispute:%s:%s", d.ID, d.Status),
	})
	return out, nil
}

func (s *Disputes) validateCorrection(ctx context.Context, predictionID, optionID uuid.UUID) (Record, error) {
	rec, err := s.repo.GetRecord(ctx, predictionID)
	if err != nil {
		return Record{}, err
	}
	if rec.WinningOptionID == optionID {
		return Record{}, ErrCorrectionOption
	}
	options, err := s.repo.ListOptions(ctx, predictionID)
	if err != nil {
		return Record{}, fmt.Errorf("list options: %w", err)
	}
	if !containsOption(options, optionID) {
		return Record{}, ErrInvalidOption
	}
	return rec, nil
}

func (s *Disputes) transition(ctx context.Context, d Dispute, to state.DisputeStatus) (Dispute, error) {
	from := d.Status
	next, err := from.Transition(to)
	if err != nil {
		return d, err
	}
	updated := d
	updated.Status = next
	updated.UpdatedAt = s.now()
	ok, err := s.repo.UpdateDispute(ctx, updated, from)
	if err != nil {
		return d, fmt.Errorf("update dispute: %w", err)
	}
	if !ok {
		return d, ErrDisputeClosed
	}
	return updated, nil
}

// List returns disputes in a status, or all when status is empty.
func (s *Disputes) List(ctx context.Context, status state.DisputeStatus) ([]Dispute, error) {
	return s.repo.ListDisputes(ctx, status)
}

// ApplyCorrection pays users who win under the corrected outcome but did not
// win under the original one. Off-chain rails credit their own provider;
// crypto winners are credited on the internal wallet since the published
// root is immutable. The original record, root and job are untouched.
func (s *Disputes) ApplyCorrection(ctx context.Context, correctionID, actorID uuid.UUID) (Correction, error) {
	if actorID == uuid.Nil {
		return Correction{}, ErrActorRequired
	}
	c, err := s.repo.GetCorrection(ctx, correctionID)
	if err != nil {
		return Correction{}, err
	}
	if c.Status == state.CorrectionApplied {
		return c, ErrCorrectionApplied
	}

	pred, err := s.repo.GetPrediction(ctx, c.PredictionID)
	if err != nil {
		return c, err
	}
	entries, err := s.repo.ListEntries(ctx, c.PredictionID)
	if err != nil {
		return c, fmt.Errorf("list entries: %w", err)
	}
	original, err := computePlan(pred, c.OriginalOptionID, entries)
	if err != nil {
		return c, err
	}
	corrected, err := computePlan(pred, c.CorrectedOptionID, entries)
	if err != nil {
		return c, err
	}

	credited := 0
	for _, rp := range corrected.rails {
		paid := make(map[uuid.UUID]bool)
		if orig, ok := original.rail(rp.rail); ok {
			for _, po := range orig.result.Payouts {
				paid[po.UserID] = true
			}
		}
		provider := rp.rail.Provider()
		if rp.rail == ledger.RailCrypto {
			provider = ledger.ProviderInternalWallet
		}
		for _, po := range rp.result.Payouts {
			if paid[po.UserID] || po.PayoutUnits == 0 {
				continue
			}
			_, err := s.post(ctx, ledger.Transaction{
				UserID:       po.UserID,
				Direction:    ledger.DirectionCredit,
				Type:         ledger.TxTypeCorrection,
				Channel:      ledger.ChannelCorrection,
				Provider:     provider,
				Rail:         rp.rail,
				Currency:     rp.rail.Currency(),
				AmountUnits:  po.PayoutUnits,
				ExternalRef:  ref("correction", c.ID, po.UserID),
				PredictionID: &c.PredictionID,
				Description:  "Settlement correction payout",
			})
			if err != nil {
				return c, fmt.Errorf("post correction for %s: %w", po.UserID, err)
			}
			credited++
			s.notify(ctx, Notification{
				UserID:    po.UserID,
				Type:      "settlement_correction",
				Title:     "Settlement corrected",
				Body:      "A reviewed dispute changed this market's outcome. Your payout has been credited.",
				DedupeKey: ref("correction", c.ID, po.UserID),
			})
		}
	}

	from := c.Status
	next, err := from.Transition(state.CorrectionApplied)
	if err != nil {
		return c, err
	}
	updated := c
	updated.Status = next
	updated.AppliedBy = &actorID
	updated.UpdatedAt = s.now()
	ok, err := s.repo.UpdateCorrection(ctx, updated, from)
	if err != nil {
		return c, fmt.Errorf("mark correction applied: %w", err)
	}
	if !ok {
		return c, ErrCorrectionApplied
	}

	meta := event.CorrectionMeta{
		CorrectionID:      c.ID,
		DisputeID:         c.DisputeID,
		OriginalOptionID:  c.OriginalOptionID,
		CorrectedOptionID: c.CorrectedOptionID,
		CreditedUsers:     credited,
	}
	s.audit(ctx, &actorID, ActionCorrection, c.PredictionID, meta)
	s.publish(ctx, event.EventTypeCorrectionApplied, c.PredictionID, &actorID, meta)
	return updated, nil
}

// notify is best effort; delivery is deduplicated by key so a retry of the
// whole operation re-sends safely.
func (s *Disputes) notify(ctx context.Context, n Notification) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Str("dedupe_key", n.DedupeKey).Msg("notification failed")
	}
}

func disputeTitle(status state.DisputeStatus) string {
	if status == state.DisputeResolved {
		return "Dispute accepted"
	}
	return "Dispute rejected"
}

func disputeBody(status state.DisputeStatus) string {
	if status == state.DisputeResolved {
		return "Your dispute was reviewed and accepted."
	}
	return "Your dispute was reviewed and the original settlement stands."
}
