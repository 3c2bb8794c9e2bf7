package ingestion

import (
	"SettleLedger/internal/core"
	"SettleLedger/internal/event"
	"SettleLedger/internal/ledger"
	"SettleLedger/internal/settlement"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

func newProcessor() (*WebhookProcessor, *ledger.MemoryStore) {
	store := ledger.NewMemoryStore()
	guard := core.NewIdempotencyGuard(core.NewMemoryKeyStore(), 16, 0, nil)
	return NewWebhookProcessor(guard, ledger.NewLedger(store), nil, zerolog.Nop()), store
}

func chargeBody(t *testing.T, deliveryID int64, userID uuid.UUID) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"event": "charge.success",
		"data": map[string]interface{}{
			"id":        deliveryID,
			"reference": "ps_ref_42",
			"amount":    int64(500_000),
			"currency":  "NGN",
			"status":    "success",
			"metadata":  map[string]interface{}{"user_id": userID.String()},
		},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

// ============================================================================
// Test: Webhook processing
// ============================================================================

func TestWebhookProcessor_ReplaysSameDelivery(t *testing.T) {
	p, store := newProcessor()
	userID := uuid.New()
	body := chargeBody(t, 1001, userID)

	first, err := p.Process(context.Background(), ledger.ProviderFiatPaystack, body)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if !first.Credited || first.Replayed {
		t.Fatalf("first delivery: got %+v", first)
	}

	second, err := p.Process(context.Background(), ledger.ProviderFiatPaystack, body)
	if err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if !second.Replayed || second.TransactionID != first.TransactionID {
		t.Errorf("second delivery: got %+v, want replay of %s", second, first.TransactionID)
	}

	rows := store.Rows()
	if len(rows) != 1 {
		t.Fatalf("ledger rows: got %d, want 1", len(rows))
	}
	if rows[0].ExternalRef != "deposit:ps_ref_42" || rows[0].AmountUnits != 500_000 {
		t.Errorf("row: got %s %d", rows[0].ExternalRef, rows[0].AmountUnits)
	}
	if _, ok := rows[0].Meta.(event.WebhookMeta); !ok {
		t.Errorf("meta: got %T, want event.WebhookMeta", rows[0].Meta)
	}

	bal, err := ledger.NewLedger(store).DeriveBalance(context.Background(), userID, ledger.CurrencyNGN, ledger.Filter{})
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Available != 500_000 {
		t.Errorf("balance: got %d, want 500_000", bal.Available)
	}
}

func TestWebhookProcessor_RedeliveryWithNewIDCreditsOnce(t *testing.T) {
	p, store := newProcessor()
	userID := uuid.New()

	if _, err := p.Process(context.Background(), ledger.ProviderFiatPaystack, chargeBody(t, 1, userID)); err != nil {
		t.Fatalf("first: %v", err)
	}
	res, err := p.Process(context.Background(), ledger.ProviderFiatPaystack, chargeBody(t, 2, userID))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if res.Credited {
		t.Error("second delivery of the same reference must not credit again")
	}
	if n := len(store.Rows()); n != 1 {
		t.Errorf("ledger rows: got %d, want 1", n)
	}
}

func TestWebhookProcessor_IgnoredAndMalformed(t *testing.T) {
	p, store := newProcessor()

	res, err := p.Process(context.Background(), ledger.ProviderFiatPaystack, []byte(`{"event":"subscription.create","data":{}}`))
	if err != nil || !res.Ignored {
		t.Errorf("ignored event: got %+v, %v", res, err)
	}
	if _, err := p.Process(context.Background(), ledger.ProviderFiatPaystack, []byte(`not json`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("malformed: got %v", err)
	}
	if n := len(store.Rows()); n != 0 {
		t.Errorf("ledger rows: got %d, want 0", n)
	}
}

func TestWebhookSubscriber_AckActions(t *testing.T) {
	p, _ := newProcessor()
	ws := NewWebhookSubscriber(nil, p, zerolog.Nop())
	ctx := context.Background()

	body := chargeBody(t, 7, uuid.New())
	if got := ws.handle(ctx, "settle.webhooks.fiat-paystack", body); got != actionAck {
		t.Errorf("valid: got %d, want ack", got)
	}
	if got := ws.handle(ctx, "settle.webhooks.fiat-paystack", body); got != actionAck {
		t.Errorf("replay: got %d, want ack", got)
	}
	if got := ws.handle(ctx, "settle.webhooks.fiat-paystack", []byte("{")); got != actionTerm {
		t.Errorf("malformed: got %d, want term", got)
	}
	if got := ws.handle(ctx, "settle.webhooks.stripe", body); got != actionTerm {
		t.Errorf("unknown provider: got %d, want term", got)
	}
}

// ============================================================================
// Test: Outbound publishers
// ============================================================================

type capturedMsg struct {
	subject string
	data    []byte
	opts    int
}

type fakeStream struct {
	msgs []capturedMsg
	err  error
}

func (f *fakeStream) Publish(_ context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, capturedMsg{subject: subject, data: data, opts: len(opts)})
	return &jetstream.PubAck{Stream: "TEST"}, nil
}

func TestEventPublisher_SubjectAndBody(t *testing.T) {
	js := &fakeStream{}
	pub := NewEventPublisher(js, zerolog.Nop())
	env := event.NewEnvelope(event.EventTypeMerkleRootBuilt, uuid.New(), nil,
		event.MerkleRootMeta{MerkleRoot: "0xroot", LeafCount: 2, WinnerCount: 2})

	if err := pub.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(js.msgs) != 1 {
		t.Fatalf("messages: got %d, want 1", len(js.msgs))
	}
	msg := js.msgs[0]
	if msg.subject != "settle.events.MerkleRootBuilt" {
		t.Errorf("subject: got %s", msg.subject)
	}
	if msg.opts != 1 {
		t.Errorf("publish opts: got %d, want msg id", msg.opts)
	}

	var body struct {
		EventType string `json:"event_type"`
		Meta      struct {
			Kind string `json:"kind"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(msg.data, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.EventType != "MerkleRootBuilt" || body.Meta.Kind != "merkle_root" {
		t.Errorf("body: got %+v", body)
	}
}

func TestNotificationPublisher_FansOutWithStore(t *testing.T) {
	js := &fakeStream{}
	failing := &fakeStream{err: errors.New("nats: timeout")}
	n := settlement.Notification{
		UserID:    uuid.New(),
		Type:      "dispute_resolved",
		Title:     "Dispute resolved",
		DedupeKey: "dispute:abc:resolved",
	}

	if err := NewNotificationPublisher(js).Notify(context.Background(), n); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if js.msgs[0].subject != "settle.notifications.dispute_resolved" {
		t.Errorf("subject: got %s", js.msgs[0].subject)
	}

	sinks := settlement.NotificationSinks{NewNotificationPublisher(failing)}
	if err := sinks.Notify(context.Background(), n); err == nil {
		t.Error("expected publish error to surface")
	}
}
