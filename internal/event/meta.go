package event

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// MetaKind tags one variant of the Meta union.
type MetaKind string

const (
	MetaKindSettlement MetaKind = "settlement"
	MetaKindMerkleRoot MetaKind = "merkle_root"
	MetaKindFinalize   MetaKind = "finalize"
	MetaKindFailure    MetaKind = "failure"
	MetaKindDispute    MetaKind = "dispute"
	MetaKindCorrection MetaKind = "correction"
	MetaKindWebhook    MetaKind = "webhook"
	MetaKindNote       MetaKind = "note"
)

// Meta is the closed set of structured payloads attached to ledger rows,
// audit entries and outbound events. Only types in this package implement it.
type Meta interface {
	Kind() MetaKind
	isMeta()
}

type SettlementMeta struct {
	WinningOptionID uuid.UUID `json:"winning_option_id"`
	Rails           []string  `json:"rails"`
	WinnerCount     int       `json:"winner_count"`
	NoWinners       bool      `json:"no_winners,omitempty"`
}

type MerkleRootMeta struct {
	MerkleRoot        string `json:"merkle_root"`
	LeafCount         int    `json:"leaf_count"`
	WinnerCount       int    `json:"winner_count"`
	UnresolvedWinners int    `json:"unresolved_winners"`
}

type FinalizeMeta struct {
	TxHash string `json:"tx_hash"`
	Reason string `json:"reason,omitempty"`
}

type FailureMeta struct {
	Error         string `json:"error,omitempty"`
	PreviousError string `json:"previous_error,omitempty"`
}

type DisputeMeta struct {
	DisputeID         uuid.UUID  `json:"dispute_id"`
	Status            string     `json:"status"`
	Action            string     `json:"action,omitempty"`
	Reason            string     `json:"reason,omitempty"`
	CorrectedOptionID *uuid.UUID `json:"corrected_option_id,omitempty"`
}

type CorrectionMeta struct {
	CorrectionID      uuid.UUID `json:"correction_id"`
	DisputeID         uuid.UUID `json:"dispute_id"`
	OriginalOptionID  uuid.UUID `json:"original_option_id"`
	CorrectedOptionID uuid.UUID `json:"corrected_option_id"`
	CreditedUsers     int       `json:"credited_users,omitempty"`
}

type WebhookMeta struct {
	EventID   string `json:"event_id"`
	Reference string `json:"reference"`
	Gateway   string `json:"gateway"`
}

type NoteMeta struct {
	Note string `json:"note"`
}

func (SettlementMeta) Kind() MetaKind { return MetaKindSettlement }
func (MerkleRootMeta) Kind() MetaKind { return MetaKindMerkleRoot }
func (FinalizeMeta) Kind() MetaKind   { return MetaKindFinalize }
func (FailureMeta) Kind() MetaKind    { return MetaKindFailure }
func (DisputeMeta) Kind() MetaKind    { return MetaKindDispute }
func (CorrectionMeta) Kind() MetaKind { return MetaKindCorrection }
func (WebhookMeta) Kind() MetaKind    { return MetaKindWebhook }
func (NoteMeta) Kind() MetaKind       { return MetaKindNote }

func (SettlementMeta) isMeta() {}
func (MerkleRootMeta) isMeta() {}
func (FinalizeMeta) isMeta()   {}
func (FailureMeta) isMeta()    {}
func (DisputeMeta) isMeta()    {}
func (CorrectionMeta) isMeta() {}
func (WebhookMeta) isMeta()    {}
func (NoteMeta) isMeta()       {}

type metaJSON struct {
	Kind MetaKind        `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalMeta encodes a Meta value as {"kind": ..., "data": ...}.
// A nil Meta encodes as nil.
func MarshalMeta(m Meta) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal %s meta: %w", m.Kind(), err)
	}
	return json.Marshal(metaJSON{Kind: m.Kind(), Data: data})
}

// UnmarshalMeta decodes the output of MarshalMeta. Empty input yields nil.
func UnmarshalMeta(b []byte) (Meta, error) {
	if len(b) == 0 || string(b) == "null" {
		return nil, nil
	}

	var wrapper metaJSON
	if err := json.Unmarshal(b, &wrapper); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}

	var m Meta
	var err error
	switch wrapper.Kind {
	case MetaKindSettlement:
		var v SettlementMeta
		err = json.Unmarshal(wrapper.Data, &v)
		m = v
	case MetaKindMerkleRoot:
		var v MerkleRootMeta
		err = json.Unmarshal(wrapper.Data, &v)
		m = v
	case MetaKindFinalize:
		var v FinalizeMeta
		err = json.Unmarshal(wrapper.Data, &v)
		m = v
	case MetaKindFailure:
		var v FailureMeta
		err = json.Unmarshal(wrapper.Data, &v)
		m = v
	case MetaKindDispute:
		var v DisputeMeta
		err = json.Unmarshal(wrapper.Data, &v)
		m = v
	case MetaKindCorrection:
		var v CorrectionMeta
		err = json.Unmarshal(wrapper.Data, &v)
		m = v
	case MetaKindWebhook:
		var v WebhookMeta
		err = json.Unmarshal(wrapper.Data, &v)
		m = v
	case MetaKindNote:
		var v NoteMeta
		err = json.Unmarshal(wrapper.Data, &v)
		m = v
	default:
		return nil, fmt.Errorf("unknown meta kind %q", wrapper.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s meta: %w", wrapper.Kind, err)
	}
	return m, nil
}

func metaFingerprint(m Meta) string {
	b, err := MarshalMeta(m)
	if err != nil || len(b) == 0 {
		return "none"
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}
