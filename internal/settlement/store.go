package settlement

import (
	"SettleLedger/internal/event"
	"SettleLedger/internal/merkle"
	"SettleLedger/internal/state"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// Validation
	ErrInvalidOption    = errors.New("winning option does not belong to prediction")
	ErrOutcomeMissing   = errors.New("prediction has no winning option")
	ErrNotClosed        = errors.New("prediction has not reached its close time")
	ErrWithdrawn        = errors.New("prediction is cancelled or voided")
	ErrInvalidAction    = errors.New("dispute action must be accept or reject")
	ErrActorRequired    = errors.New("actor id is required")
	ErrReasonRequired   = errors.New("reason is required")
	ErrCorrectionOption = errors.New("corrected option must differ from the settled outcome")
	ErrInvalidEntry     = errors.New("invalid entry")
	ErrTxHashRequired   = errors.New("finalized job requires a tx hash")

	// Not found
	ErrPredictionNotFound = errors.New("prediction not found")
	ErrRecordNotFound     = errors.New("settlement record not found")
	ErrJobNotFound        = errors.New("finalize job not found")
	ErrDisputeNotFound    = errors.New("dispute not found")
	ErrCorrectionNotFound = errors.New("correction not found")

	// Conflict
	ErrOutcomeMismatch   = errors.New("prediction already settled with a different outcome")
	ErrJobRunning        = errors.New("finalize job is already running")
	ErrRetryRequired     = errors.New("finalize job failed; retry it first")
	ErrRetryNotAllowed   = errors.New("only failed finalize jobs can be retried")
	ErrNoMerkleRoot      = errors.New("settlement has no merkle root yet")
	ErrDisputeClosed     = errors.New("dispute is already resolved or rejected")
	ErrCorrectionApplied = errors.New("correction already applied")

	// External
	ErrRelayerFailed = errors.New("relayer finalize submission failed")

	// Integrity
	ErrRootMismatch = errors.New("stored merkle leaves do not match the published root")
)

// PredictionStore reads markets and their stakes.
type PredictionStore interface {
	GetPrediction(ctx context.Context, id uuid.UUID) (Prediction, error)
	ListOptions(ctx context.Context, predictionID uuid.UUID) ([]Option, error)
	ListEntries(ctx context.Context, predictionID uuid.UUID) ([]Entry, error)
	// RecordOutcome sets the winning option and closes an open prediction.
	RecordOutcome(ctx context.Context, predictionID, optionID uuid.UUID, now time.Time) error
	SetPredictionStatus(ctx context.Context, id uuid.UUID, from, to state.PredictionStatus, now time.Time) (bool, error)
	SetEntryStatuses(ctx context.Context, predictionID uuid.UUID, byStatus map[EntryStatus][]uuid.UUID) error
}

// RecordStore persists settlement records and their Merkle leaves.
type RecordStore interface {
	// CreateRecord inserts rec unless one exists for the prediction; the
	// stored record is returned either way.
	CreateRecord(ctx context.Context, rec Record) (Record, bool, error)
	GetRecord(ctx context.Context, predictionID uuid.UUID) (Record, error)
	UpdateRecord(ctx context.Context, rec Record, from state.SettlementStatus) (bool, error)
	// PublishRoot stores rec's root and replaces the prediction's leaf set
	// in one step, when the stored status is still from and no root is set.
	PublishRoot(ctx context.Context, rec Record, from state.SettlementStatus, leaves []merkle.Leaf) (bool, error)
	ListLeaves(ctx context.Context, predictionID uuid.UUID) ([]merkle.Leaf, error)
}

// JobStore persists finalize jobs. TransitionJob is a conditional update on
// the current status so concurrent submitters cannot both win.
type JobStore interface {
	EnsureJob(ctx context.Context, predictionID uuid.UUID, requestedBy *uuid.UUID, now time.Time) (Job, bool, error)
	GetJob(ctx context.Context, predictionID uuid.UUID) (Job, error)
	TransitionJob(ctx context.Context, predictionID uuid.UUID, from, to state.FinalizeStatus, patch JobPatch, now time.Time) (bool, error)
	ListJobs(ctx context.Context, status state.FinalizeStatus) ([]Job, error)
}

// DisputeStore persists disputes and correction settlements.
type DisputeStore interface {
	CreateDispute(ctx context.Context, d Dispute) error
	GetDispute(ctx context.Context, id uuid.UUID) (Dispute, error)
	UpdateDispute(ctx context.Context, d Dispute, from state.DisputeStatus) (bool, error)
	ListDisputes(ctx context.Context, status state.DisputeStatus) ([]Dispute, error)
	// CreateCorrection stores c unless its dispute already has a correction,
	// in which case the stored one is returned.
	CreateCorrection(ctx context.Context, c Correction) (Correction, error)
	GetCorrection(ctx context.Context, id uuid.UUID) (Correction, error)
	UpdateCorrection(ctx context.Context, c Correction, from state.CorrectionStatus) (bool, error)
}

// AuditLog appends admin actions.
type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// Repository is everything the settlement services persist.
type Repository interface {
	PredictionStore
	RecordStore
	JobStore
	DisputeStore
	AuditLog
}

// FinalizeRequest is the relayer call that publishes a root on-chain and
// pays the fee recipients.
type FinalizeRequest struct {
	PredictionID     uuid.UUID
	MerkleRoot       string
	CreatorAddress   string
	CreatorFeeUnits  int64
	PlatformAddress  string
	PlatformFeeUnits int64
}

type RelayerClient interface {
	SubmitFinalizeTx(ctx context.Context, req FinalizeRequest) (txHash string, err error)
}

// AddressResolver returns a user's payout address; ok is false when the
// user has none.
type AddressResolver interface {
	ResolveUserAddress(ctx context.Context, userID uuid.UUID) (address string, ok bool, err error)
}

type NotificationSink interface {
	Notify(ctx context.Context, n Notification) error
}

// NotificationSinks fans a notification out to every sink in order.
type NotificationSinks []NotificationSink

func (s NotificationSinks) Notify(ctx context.Context, n Notification) error {
	for _, sink := range s {
		if err := sink.Notify(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

type EventPublisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// EventPublishers fans an event out to every publisher. All publishers are
// tried; the errors are joined.
type EventPublishers []EventPublisher

func (p EventPublishers) Publish(ctx context.Context, env event.Envelope) error {
	var errs []error
	for _, pub := range p {
		if err := pub.Publish(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
