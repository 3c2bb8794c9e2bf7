package ingestion

import (
	"SettleLedger/internal/core"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const webhookConsumer = "settle-webhooks"

// inProgressDelay is the redelivery delay when another worker holds the
// delivery's idempotency key.
const inProgressDelay = 5 * time.Second

// WebhookSubscriber consumes gateway webhooks relayed onto
// settle.webhooks.{provider} and feeds them to the processor.
type WebhookSubscriber struct {
	js        jetstream.JetStream
	processor *WebhookProcessor
	logger    zerolog.Logger
	consumer  jetstream.ConsumeContext
}

func NewWebhookSubscriber(js jetstream.JetStream, processor *WebhookProcessor, logger zerolog.Logger) *WebhookSubscriber {
	return &WebhookSubscriber{js: js, processor: processor, logger: logger}
}

// Subscribe creates the durable consumer. It uses explicit ACK,
// max_deliver=5 and ack_wait=30s.
func (ws *WebhookSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ws.js.CreateOrUpdateConsumer(ctx, "SETTLE_WEBHOOKS", jetstream.ConsumerConfig{
		Durable:       webhookConsumer,
		FilterSubject: WebhookSubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", webhookConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ws.settle(msg, ws.handle(ctx, msg.Subject(), msg.Data()))
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", webhookConsumer, err)
	}
	ws.consumer = cc
	ws.logger.Info().Str("consumer", webhookConsumer).Msg("subscribed to webhooks")
	return nil
}

// ackAction is what to do with a message after handling it.
type ackAction int

const (
	actionAck ackAction = iota
	actionNakDelay
	actionNak
	actionTerm
)

func (ws *WebhookSubscriber) handle(ctx context.Context, subject string, data []byte) ackAction {
	provider, err := ProviderFromSubject(subject)
	if err != nil {
		ws.logger.Warn().Err(err).Msg("dropping webhook")
		return actionTerm
	}

	res, err := ws.processor.Process(ctx, provider, data)
	switch {
	case err == nil:
		if res.Ignored {
			ws.logger.Debug().Str("provider", provider).Msg("webhook ignored")
		}
		return actionAck
	case errors.Is(err, core.ErrInProgress):
		return actionNakDelay
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrUnknownProvider), errors.Is(err, core.ErrKeyReuse):
		ws.logger.Warn().Err(err).Str("provider", provider).Msg("poison webhook terminated")
		return actionTerm
	default:
		ws.logger.Error().Err(err).Str("provider", provider).Msg("webhook processing failed")
		return actionNak
	}
}

func (ws *WebhookSubscriber) settle(msg jetstream.Msg, action ackAction) {
	var err error
	switch action {
	case actionAck:
		err = msg.Ack()
	case actionNakDelay:
		err = msg.NakWithDelay(inProgressDelay)
	case actionNak:
		err = msg.Nak()
	case actionTerm:
		err = msg.Term()
	}
	if err != nil {
		ws.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("settle webhook message")
	}
}

// Stop stops the consumer.
func (ws *WebhookSubscriber) Stop() {
	if ws.consumer != nil {
		ws.consumer.Stop()
	}
	ws.logger.Info().Msg("webhook subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("settleledger"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}
