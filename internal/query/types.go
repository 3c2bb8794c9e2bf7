package query

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// QueueItem is one prediction that needs operator attention.
type QueueItem struct {
	PredictionID     uuid.UUID  `json:"prediction_id"`
	Title            string     `json:"title,omitempty"`
	Status           string     `json:"status"`
	ClosesAt         time.Time  `json:"closes_at"`
	WinningOptionID  *uuid.UUID `json:"winning_option_id,omitempty"`
	HasCryptoEntries bool       `json:"has_crypto_entries"`

	SettlementStatus  string `json:"settlement_status,omitempty"`
	MerkleRoot        string `json:"merkle_root,omitempty"`
	UnresolvedWinners int    `json:"unresolved_winners"`

	JobStatus string `json:"job_status,omitempty"`
	JobTxHash string `json:"job_tx_hash,omitempty"`
	JobError  string `json:"job_error,omitempty"`

	NeedsOutcome            bool `json:"needs_outcome"`
	NeedsOffchainSettlement bool `json:"needs_offchain_settlement"`
	NeedsOnchainFinalize    bool `json:"needs_onchain_finalize"`
	// BlockedOnAddresses is set when crypto winners without a linked
	// address keep the root from being built.
	BlockedOnAddresses bool `json:"blocked_on_addresses"`
}

// NeedsAttention reports whether any flag is set.
func (q QueueItem) NeedsAttention() bool {
	return q.NeedsOutcome || q.NeedsOffchainSettlement || q.NeedsOnchainFinalize || q.BlockedOnAddresses
}

// QueueResponse wraps the queue with a degraded marker set when the view
// was served from the reduced query.
type QueueResponse struct {
	Items    []QueueItem `json:"items"`
	Total    int         `json:"total"`
	Degraded bool        `json:"degraded,omitempty"`
	AsOf     time.Time   `json:"as_of"`
}

// Stats is the settlement dashboard summary.
type Stats struct {
	Predictions       map[string]int             `json:"predictions"`
	Jobs              map[string]int             `json:"jobs"`
	StakeByRail       map[string]decimal.Decimal `json:"stake_by_rail"`
	RecentSettlements int                        `json:"recent_settlements"`
	OpenDisputes      int                        `json:"open_disputes"`
}

// JobView is a finalize job joined with its prediction title.
type JobView struct {
	PredictionID uuid.UUID  `json:"prediction_id"`
	Title        string     `json:"title"`
	Status       string     `json:"status"`
	TxHash       string     `json:"tx_hash,omitempty"`
	Error        string     `json:"error,omitempty"`
	Attempts     int        `json:"attempts"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
