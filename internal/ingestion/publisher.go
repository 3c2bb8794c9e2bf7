package ingestion

import (
	"SettleLedger/internal/event"
	"SettleLedger/internal/settlement"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Subjects follow settle.{kind}.{type}.
const (
	EventSubjectPrefix        = "settle.events"
	NotificationSubjectPrefix = "settle.notifications"
	WebhookSubjectPrefix      = "settle.webhooks"
)

// streamPublisher is the part of jetstream.JetStream the publishers use.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// EventPublisher publishes settlement lifecycle events to JetStream. The
// envelope idempotency key is the Nats-Msg-Id, so a replayed transition
// inside the stream's duplicate window is dropped by the server.
type EventPublisher struct {
	js     streamPublisher
	logger zerolog.Logger
}

var _ settlement.EventPublisher = (*EventPublisher)(nil)

func NewEventPublisher(js streamPublisher, logger zerolog.Logger) *EventPublisher {
	return &EventPublisher{js: js, logger: logger}
}

func (p *EventPublisher) Publish(ctx context.Context, env event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", EventSubjectPrefix, env.EventType)
	ack, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(env.IdempotencyKey()))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if ack != nil && ack.Duplicate {
		p.logger.Debug().Str("subject", subject).Str("event_id", env.EventID.String()).Msg("duplicate event dropped by stream")
	}
	return nil
}

// NotificationPublisher forwards user notifications to JetStream for the
// delivery service. The dedupe key doubles as the Nats-Msg-Id.
type NotificationPublisher struct {
	js streamPublisher
}

var _ settlement.NotificationSink = (*NotificationPublisher)(nil)

func NewNotificationPublisher(js streamPublisher) *NotificationPublisher {
	return &NotificationPublisher{js: js}
}

type notificationJSON struct {
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	DedupeKey string          `json:"dedupe_key"`
}

func (p *NotificationPublisher) Notify(ctx context.Context, n settlement.Notification) error {
	meta, err := event.MarshalMeta(n.Meta)
	if err != nil {
		return err
	}
	data, err := json.Marshal(notificationJSON{
		UserID:    n.UserID.String(),
		Type:      n.Type,
		Title:     n.Title,
		Body:      n.Body,
		Meta:      meta,
		DedupeKey: n.DedupeKey,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", NotificationSubjectPrefix, n.Type)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(n.DedupeKey)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// streamConfigs are the JetStream streams this service owns.
func streamConfigs() []jetstream.StreamConfig {
	return []jetstream.StreamConfig{
		{
			Name:       "SETTLE_EVENTS",
			Subjects:   []string{EventSubjectPrefix + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 10 * time.Minute,
			Replicas:   1,
		},
		{
			Name:       "SETTLE_NOTIFICATIONS",
			Subjects:   []string{NotificationSubjectPrefix + ".>"},
			Storage:    jetstream.FileStorage,
			Retention:  jetstream.WorkQueuePolicy,
			MaxAge:     72 * time.Hour,
			Duplicates: 24 * time.Hour,
			Replicas:   1,
		},
		{
			Name:      "SETTLE_WEBHOOKS",
			Subjects:  []string{WebhookSubjectPrefix + ".>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    7 * 24 * time.Hour,
			Replicas:  1,
		},
	}
}

// EnsureStreams creates the settlement streams if they don't exist.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	for _, cfg := range streamConfigs() {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}
