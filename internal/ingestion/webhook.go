package ingestion

import (
	"SettleLedger/internal/core"
	"SettleLedger/internal/event"
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WebhookResult is the stored response for one webhook delivery.
type WebhookResult struct {
	TransactionID uuid.UUID `json:"transaction_id,omitempty"`
	Credited      bool      `json:"credited"`
	Ignored       bool      `json:"ignored,omitempty"`
	Replayed      bool      `json:"replayed,omitempty"`
}

// WebhookProcessor credits confirmed gateway deposits to the ledger. Each
// delivery goes through the idempotency guard under
// webhook:{provider}:{eventId}; the ledger row is additionally deduplicated
// by the payment reference.
type WebhookProcessor struct {
	guard   *core.IdempotencyGuard
	ledger  *ledger.Ledger
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewWebhookProcessor(guard *core.IdempotencyGuard, l *ledger.Ledger, metrics *observability.Metrics, logger zerolog.Logger) *WebhookProcessor {
	return &WebhookProcessor{guard: guard, ledger: l, metrics: metrics, logger: logger}
}

// Process handles one delivery. Ignored event types return a result with
// Ignored set and no error; malformed payloads return ErrMalformed.
func (p *WebhookProcessor) Process(ctx context.Context, provider string, body []byte) (WebhookResult, error) {
	dep, err := ParseWebhook(provider, body)
	if errors.Is(err, ErrIgnoredEvent) {
		p.metrics.RecordWebhook("ignored")
		return WebhookResult{Ignored: true}, nil
	}
	if err != nil {
		p.metrics.RecordWebhook("rejected")
		return WebhookResult{}, err
	}

	dec, err := p.guard.BeginOrReplay(ctx, dep.IdempotencyKey(), core.Fingerprint([]byte(provider), body))
	if err != nil {
		return WebhookResult{}, err
	}
	if dec.Kind == core.DecisionReplay {
		var res WebhookResult
		if err := json.Unmarshal(dec.Response, &res); err != nil {
			return WebhookResult{}, fmt.Errorf("decode stored webhook result: %w", err)
		}
		res.Replayed = true
		p.metrics.RecordWebhook("replayed")
		return res, nil
	}

	tx, inserted, err := p.ledger.Post(ctx, ledger.Transaction{
		UserID:      dep.UserID,
		Direction:   ledger.DirectionCredit,
		Type:        ledger.TxTypeDeposit,
		Channel:     ledger.ChannelDeposit,
		Provider:    dep.Provider,
		Rail:        dep.Rail,
		Currency:    dep.Currency,
		AmountUnits: dep.AmountUnits,
		ExternalRef: dep.ExternalRef(),
		Description: "Wallet deposit",
		Meta:        event.WebhookMeta{EventID: dep.EventID, Reference: dep.Reference, Gateway: dep.Gateway},
	})
	if err != nil {
		if failErr := p.guard.Fail(ctx, dec.Token, http.StatusInternalServerError); failErr != nil {
			p.logger.Warn().Err(failErr).Str("key", dec.Token.Key).Msg("mark webhook key failed")
		}
		p.metrics.RecordWebhook("error")
		return WebhookResult{}, err
	}

	res := WebhookResult{TransactionID: tx.ID, Credited: inserted}
	stored, err := json.Marshal(res)
	if err != nil {
		return WebhookResult{}, err
	}
	if err := p.guard.Complete(ctx, dec.Token, http.StatusOK, stored); err != nil {
		// The ledger row is already deduplicated by reference, so a
		// redelivery after this is harmless.
		p.logger.Warn().Err(err).Str("key", dec.Token.Key).Msg("complete webhook key")
	}

	p.metrics.RecordWebhook("credited")
	p.logger.Info().
		Str("provider", dep.Provider).
		Str("reference", dep.Reference).
		Str("user_id", dep.UserID.String()).
		Int64("amount_units", dep.AmountUnits).
		Bool("inserted", inserted).
		Msg("deposit credited")
	return res, nil
}
