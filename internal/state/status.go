// Package state holds the enumerated lifecycle states shared by every
// component that touches predictions, settlements, finalize jobs, disputes
// and idempotency keys, together with the only legal edges between them.
package state

import (
	"errors"
	"fmt"
)

var ErrInvalidTransition = errors.New("invalid state transition")

type status interface {
	~string
}

// machine is a transition table keyed by source state.
type machine[S status] map[S][]S

func (m machine[S]) can(from, to S) bool {
	for _, allowed := range m[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (m machine[S]) transition(kind string, from, to S) (S, error) {
	if !m.can(from, to) {
		return from, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, kind, from, to)
	}
	return to, nil
}

func (m machine[S]) parse(kind, s string) (S, error) {
	v := S(s)
	if _, ok := m[v]; !ok {
		return "", fmt.Errorf("unknown %s status %q", kind, s)
	}
	return v, nil
}

// --- Prediction ---

type PredictionStatus string

const (
	PredictionOpen      PredictionStatus = "open"
	PredictionClosed    PredictionStatus = "closed"
	PredictionSettled   PredictionStatus = "settled"
	PredictionCancelled PredictionStatus = "cancelled"
	PredictionVoided    PredictionStatus = "voided"
)

var predictionMachine = machine[PredictionStatus]{
	PredictionOpen:      {PredictionClosed, PredictionCancelled, PredictionVoided},
	PredictionClosed:    {PredictionSettled, PredictionCancelled, PredictionVoided},
	PredictionSettled:   {},
	PredictionCancelled: {},
	PredictionVoided:    {},
}

func ParsePredictionStatus(s string) (PredictionStatus, error) {
	return predictionMachine.parse("prediction", s)
}

func (s PredictionStatus) CanTransition(to PredictionStatus) bool {
	return predictionMachine.can(s, to)
}

func (s PredictionStatus) Transition(to PredictionStatus) (PredictionStatus, error) {
	return predictionMachine.transition("prediction", s, to)
}

// Withdrawn reports whether the market was cancelled or voided.
func (s PredictionStatus) Withdrawn() bool {
	return s == PredictionCancelled || s == PredictionVoided
}

// --- Settlement record ---

type SettlementStatus string

const (
	SettlementOffchain         SettlementStatus = "settled_offchain"
	SettlementPendingOnchain   SettlementStatus = "pending_onchain"
	SettlementOnchainPosted    SettlementStatus = "onchain_posted"
	SettlementOnchainFinalized SettlementStatus = "onchain_finalized"
)

var settlementMachine = machine[SettlementStatus]{
	SettlementOffchain:         {SettlementPendingOnchain},
	SettlementPendingOnchain:   {SettlementOnchainPosted},
	SettlementOnchainPosted:    {SettlementOnchainFinalized},
	SettlementOnchainFinalized: {},
}

func ParseSettlementStatus(s string) (SettlementStatus, error) {
	return settlementMachine.parse("settlement", s)
}

func (s SettlementStatus) CanTransition(to SettlementStatus) bool {
	return settlementMachine.can(s, to)
}

func (s SettlementStatus) Transition(to SettlementStatus) (SettlementStatus, error) {
	return settlementMachine.transition("settlement", s, to)
}

// --- Finalize job ---

type FinalizeStatus string

const (
	FinalizeQueued    FinalizeStatus = "queued"
	FinalizeRunning   FinalizeStatus = "running"
	FinalizeFinalized FinalizeStatus = "finalized"
	FinalizeFailed    FinalizeStatus = "failed"
)

// failed -> queued is the only backward edge and is reserved for retry.
// failed -> finalized records a submission that landed after the job was
// timed out; it must carry the tx hash.
var finalizeMachine = machine[FinalizeStatus]{
	FinalizeQueued:    {FinalizeRunning},
	FinalizeRunning:   {FinalizeFinalized, FinalizeFailed},
	FinalizeFailed:    {FinalizeQueued, FinalizeFinalized},
	FinalizeFinalized: {},
}

func ParseFinalizeStatus(s string) (FinalizeStatus, error) {
	return finalizeMachine.parse("finalize job", s)
}

func (s FinalizeStatus) CanTransition(to FinalizeStatus) bool {
	return finalizeMachine.can(s, to)
}

func (s FinalizeStatus) Transition(to FinalizeStatus) (FinalizeStatus, error) {
	return finalizeMachine.transition("finalize job", s, to)
}

func (s FinalizeStatus) Terminal() bool {
	return s == FinalizeFinalized
}

// --- Dispute ---

type DisputeStatus string

const (
	DisputeOpen        DisputeStatus = "open"
	DisputeUnderReview DisputeStatus = "under_review"
	DisputeResolved    DisputeStatus = "resolved"
	DisputeRejected    DisputeStatus = "rejected"
)

var disputeMachine = machine[DisputeStatus]{
	DisputeOpen:        {DisputeUnderReview},
	DisputeUnderReview: {DisputeResolved, DisputeRejected},
	DisputeResolved:    {},
	DisputeRejected:    {},
}

func ParseDisputeStatus(s string) (DisputeStatus, error) {
	return disputeMachine.parse("dispute", s)
}

func (s DisputeStatus) CanTransition(to DisputeStatus) bool {
	return disputeMachine.can(s, to)
}

func (s DisputeStatus) Transition(to DisputeStatus) (DisputeStatus, error) {
	return disputeMachine.transition("dispute", s, to)
}

func (s DisputeStatus) Terminal() bool {
	return s == DisputeResolved || s == DisputeRejected
}

// --- Idempotency key ---

type KeyStatus string

const (
	KeyProcessing KeyStatus = "processing"
	KeyCompleted  KeyStatus = "completed"
	KeyFailed     KeyStatus = "failed"
)

var keyMachine = machine[KeyStatus]{
	KeyProcessing: {KeyCompleted, KeyFailed},
	KeyFailed:     {KeyProcessing},
	KeyCompleted:  {},
}

func ParseKeyStatus(s string) (KeyStatus, error) {
	return keyMachine.parse("idempotency key", s)
}

func (s KeyStatus) CanTransition(to KeyStatus) bool {
	return keyMachine.can(s, to)
}

// --- Correction ---

type CorrectionStatus string

const (
	CorrectionPending CorrectionStatus = "pending"
	CorrectionApplied CorrectionStatus = "applied"
)

var correctionMachine = machine[CorrectionStatus]{
	CorrectionPending: {CorrectionApplied},
	CorrectionApplied: {},
}

func ParseCorrectionStatus(s string) (CorrectionStatus, error) {
	return correctionMachine.parse("correction", s)
}

func (s CorrectionStatus) Transition(to CorrectionStatus) (CorrectionStatus, error) {
	return correctionMachine.transition("correction", s, to)
}
