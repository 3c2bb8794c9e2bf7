package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for settlement lifecycle events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeOutcomeRecorded
	EventTypeSettlementComputed
	EventTypeMerkleRootBuilt
	EventTypeFinalizeSubmitted
	EventTypeFinalizeFailed
	EventTypeFinalizeRetried
	EventTypeDisputeOpened
	EventTypeDisputeResolved
	EventTypeCorrectionApplied
)

// Envelope wraps every outbound settlement event.
type Envelope struct {
	EventID      uuid.UUID
	EventType    EventType
	PredictionID uuid.UUID

	// Operator or system actor that caused the event (nil for workers)
	ActorID *uuid.UUID

	Timestamp time.Time
	Meta      Meta
}

// NewEnvelope stamps a fresh event id and timestamp.
func NewEnvelope(eventType EventType, predictionID uuid.UUID, actorID *uuid.UUID, meta Meta) Envelope {
	return Envelope{
		EventID:      uuid.New(),
		EventType:    eventType,
		PredictionID: predictionID,
		ActorID:      actorID,
		Timestamp:    time.Now().UTC(),
		Meta:         meta,
	}
}

// IdempotencyKey is stable per (event type, prediction, meta payload) so
// that replays of the same transition deduplicate downstream.
func (e Envelope) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%s", e.EventType, e.PredictionID, metaFingerprint(e.Meta))
}

type envelopeJSON struct {
	EventID      uuid.UUID       `json:"event_id"`
	EventType    string          `json:"event_type"`
	PredictionID uuid.UUID       `json:"prediction_id"`
	ActorID      *uuid.UUID      `json:"actor_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Meta         json.RawMessage `json:"meta,omitempty"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	var meta json.RawMessage
	if e.Meta != nil {
		b, err := MarshalMeta(e.Meta)
		if err != nil {
			return nil, err
		}
		meta = b
	}
	return json.Marshal(envelopeJSON{
		EventID:      e.EventID,
		EventType:    e.EventType.String(),
		PredictionID: e.PredictionID,
		ActorID:      e.ActorID,
		Timestamp:    e.Timestamp,
		Meta:         meta,
	})
}

func (et EventType) String() string {
	switch et {
	case EventTypeOutcomeRecorded:
		return "OutcomeRecorded"
	case EventTypeSettlementComputed:
		return "SettlementComputed"
	case EventTypeMerkleRootBuilt:
		return "MerkleRootBuilt"
	case EventTypeFinalizeSubmitted:
		return "FinalizeSubmitted"
	case EventTypeFinalizeFailed:
		return "FinalizeFailed"
	case EventTypeFinalizeRetried:
		return "FinalizeRetried"
	case EventTypeDisputeOpened:
		return "DisputeOpened"
	case EventTypeDisputeResolved:
		return "DisputeResolved"
	case EventTypeCorrectionApplied:
		return "CorrectionApplied"
	default:
		return "Unknown"
	}
}
