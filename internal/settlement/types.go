package settlement

import (
	"SettleLedger/internal/event"
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/state"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Prediction is a resolvable market.
type Prediction struct {
	ID              uuid.UUID              `json:"id"`
	CreatorID       uuid.UUID              `json:"creator_id"`
	Title           string                 `json:"title"`
	Status          state.PredictionStatus `json:"status"`
	WinningOptionID *uuid.UUID             `json:"winning_option_id,omitempty"`
	PlatformFeeBps  int64                  `json:"platform_fee_bps"`
	CreatorFeeBps   int64                  `json:"creator_fee_bps"`
	ClosesAt        time.Time              `json:"closes_at"`
}

// Option is one possible outcome of a prediction.
type Option struct {
	ID           uuid.UUID `json:"id"`
	PredictionID uuid.UUID `json:"prediction_id"`
	Label        string    `json:"label"`
}

type EntryStatus string

const (
	EntryActive   EntryStatus = "active"
	EntryWon      EntryStatus = "won"
	EntryLost     EntryStatus = "lost"
	EntryRefunded EntryStatus = "refunded"
)

// Entry is a stake on an option. Amount is in major units as stored.
type Entry struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	PredictionID uuid.UUID       `json:"prediction_id"`
	OptionID     uuid.UUID       `json:"option_id"`
	Amount       decimal.Decimal `json:"amount"`
	Rail         ledger.Rail     `json:"rail"`
	Status       EntryStatus     `json:"status"`
}

// RailSettlement is the fee and pool breakdown for one rail of a settlement.
// All amounts are minor units of Currency.
type RailSettlement struct {
	Rail              ledger.Rail     `json:"rail"`
	Currency          ledger.Currency `json:"currency"`
	WinningStakeUnits int64           `json:"winning_stake_units"`
	LosingStakeUnits  int64           `json:"losing_stake_units"`
	PlatformFeeUnits  int64           `json:"platform_fee_units"`
	CreatorFeeUnits   int64           `json:"creator_fee_units"`
	PrizePoolUnits    int64           `json:"prize_pool_units"`
	PayoutPoolUnits   int64           `json:"payout_pool_units"`
	ForfeitUnits      int64           `json:"forfeit_units"`
	WinnerCount       int             `json:"winner_count"`
}

// Record is the settlement of one prediction. At most one exists per
// prediction.
type Record struct {
	PredictionID      uuid.UUID              `json:"prediction_id"`
	WinningOptionID   uuid.UUID              `json:"winning_option_id"`
	Status            state.SettlementStatus `json:"status"`
	MerkleRoot        string                 `json:"merkle_root,omitempty"`
	LeafCount         int                    `json:"leaf_count"`
	UnresolvedWinners int                    `json:"unresolved_winners"`
	TxHash            string                 `json:"tx_hash,omitempty"`
	Rails             []RailSettlement       `json:"rails"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// Rail returns the breakdown for r, if the prediction had entries on it.
func (r Record) Rail(rail ledger.Rail) (RailSettlement, bool) {
	for _, rs := range r.Rails {
		if rs.Rail == rail {
			return rs, true
		}
	}
	return RailSettlement{}, false
}

// HasCrypto reports whether the settlement includes on-chain claims.
func (r Record) HasCrypto() bool {
	_, ok := r.Rail(ledger.RailCrypto)
	return ok
}

// Job is the on-chain finalize task for a prediction.
type Job struct {
	PredictionID uuid.UUID            `json:"prediction_id"`
	Status       state.FinalizeStatus `json:"status"`
	TxHash       string               `json:"tx_hash,omitempty"`
	Error        string               `json:"error,omitempty"`
	Attempts     int                  `json:"attempts"`
	RequestedBy  *uuid.UUID           `json:"requested_by,omitempty"`
	StartedAt    *time.Time           `json:"started_at,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// JobPatch carries the columns written alongside a job transition.
type JobPatch struct {
	TxHash      string
	Error       string
	RequestedBy *uuid.UUID
	StartedAt   *time.Time
	// IncrementAttempts is set on queued -> running.
	IncrementAttempts bool
}

// Check rejects a patch that cannot carry the job into to. Every edge into
// finalized needs the submission's tx hash.
func (p JobPatch) Check(to state.FinalizeStatus) error {
	if to == state.FinalizeFinalized && p.TxHash == "" {
		return ErrTxHashRequired
	}
	return nil
}

// Dispute is a user's challenge to a settlement.
type Dispute struct {
	ID                uuid.UUID           `json:"id"`
	PredictionID      uuid.UUID           `json:"prediction_id"`
	UserID            uuid.UUID           `json:"user_id"`
	Status            state.DisputeStatus `json:"status"`
	Reason            string              `json:"reason"`
	ResolutionNote    string              `json:"resolution_note,omitempty"`
	ResolvedBy        *uuid.UUID          `json:"resolved_by,omitempty"`
	CorrectedOptionID *uuid.UUID          `json:"corrected_option_id,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// Correction is a follow-up settlement for an accepted dispute that named a
// different winning option. The original record is never rewritten.
type Correction struct {
	ID                uuid.UUID              `json:"id"`
	PredictionID      uuid.UUID              `json:"prediction_id"`
	DisputeID         uuid.UUID              `json:"dispute_id"`
	OriginalOptionID  uuid.UUID              `json:"original_option_id"`
	CorrectedOptionID uuid.UUID              `json:"corrected_option_id"`
	Status            state.CorrectionStatus `json:"status"`
	AppliedBy         *uuid.UUID             `json:"applied_by,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// AuditEntry is one row of the admin audit log.
type AuditEntry struct {
	ActorID  *uuid.UUID `json:"actor_id,omitempty"`
	Action   string     `json:"action"`
	TargetID uuid.UUID  `json:"target_id"`
	Meta     event.Meta `json:"meta"`
}

// Notification is a user-facing message. DedupeKey makes delivery idempotent.
type Notification struct {
	UserID    uuid.UUID  `json:"user_id"`
	Type      string     `json:"type"`
	Title     string     `json:"title"`
	Body      string     `json:"body"`
	Meta      event.Meta `json:"meta"`
	DedupeKey string     `json:"dedupe_key"`
}

// Audit actions.
const (
	ActionTrigger        = "settlement_trigger"
	ActionSync           = "settlement_sync"
	ActionFinalize       = "settlement_finalize"
	ActionFinalizeFailed = "settlement_finalize_failed"
	ActionRetry          = "settlement_retry"
	ActionTimeout        = "settlement_finalize_timeout"
	ActionDisputeOpen    = "dispute_open"
	ActionDisputeReview  = "dispute_review"
	ActionDisputeResolve = "dispute_resolve"
	ActionCorrection     = "settlement_correction_apply"
)
