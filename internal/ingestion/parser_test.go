package ingestion_test

import (
	"SettleLedger/internal/ingestion"
	"SettleLedger/internal/ledger"
	"encoding/json"
	"errors"
	"testing"
)

const testUserID = "660e8400-e29b-41d4-a716-446655440001"

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func paystackPayload(event, status string, amount int64) map[string]interface{} {
	return map[string]interface{}{
		"event": event,
		"data": map[string]interface{}{
			"id":        int64(302961),
			"reference": "ps_ref_9x1",
			"amount":    amount,
			"currency":  "NGN",
			"status":    status,
			"metadata":  map[string]interface{}{"user_id": testUserID},
		},
	}
}

// ============================================================================
// Test: Paystack charge webhooks
// ============================================================================

func TestParsePaystackChargeSuccess(t *testing.T) {
	data := mustJSON(t, paystackPayload("charge.success", "success", 150_000))

	dep, err := ingestion.ParseWebhook(ledger.ProviderFiatPaystack, data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if dep.AmountUnits != 150_000 {
		t.Errorf("amount: got %d, want 150_000 kobo", dep.AmountUnits)
	}
	if dep.Rail != ledger.RailFiat || dep.Currency != ledger.CurrencyNGN {
		t.Errorf("rail/currency: got %s/%s", dep.Rail, dep.Currency)
	}
	if dep.UserID.String() != testUserID {
		t.Errorf("user_id: got %s", dep.UserID)
	}
	if got := dep.IdempotencyKey(); got != "webhook:fiat-paystack:302961" {
		t.Errorf("idempotency key: got %s", got)
	}
	if got := dep.ExternalRef(); got != "deposit:ps_ref_9x1" {
		t.Errorf("external ref: got %s", got)
	}
}

func TestParsePaystackRejections(t *testing.T) {
	tests := []struct {
		name    string
		payload map[string]interface{}
		want    error
	}{
		{"transfer event", paystackPayload("transfer.success", "success", 100), ingestion.ErrIgnoredEvent},
		{"failed charge", paystackPayload("charge.success", "failed", 100), ingestion.ErrIgnoredEvent},
		{"zero amount", paystackPayload("charge.success", "success", 0), ingestion.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseWebhook(ledger.ProviderFiatPaystack, mustJSON(t, tt.payload))
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	bad := paystackPayload("charge.success", "success", 100)
	bad["data"].(map[string]interface{})["metadata"] = map[string]interface{}{"user_id": "not-a-uuid"}
	if _, err := ingestion.ParseWebhook(ledger.ProviderFiatPaystack, mustJSON(t, bad)); !errors.Is(err, ingestion.ErrMalformed) {
		t.Errorf("bad user_id: got %v, want ErrMalformed", err)
	}

	if _, err := ingestion.ParseWebhook(ledger.ProviderFiatPaystack, []byte("{")); !errors.Is(err, ingestion.ErrMalformed) {
		t.Errorf("truncated body: got %v, want ErrMalformed", err)
	}
}

// ============================================================================
// Test: Chain deposit webhooks
// ============================================================================

func TestParseChainDeposit(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"event_id":      "evt_01",
		"tx_hash":       "0xABCDEF",
		"log_index":     int64(3),
		"user_id":       testUserID,
		"amount":        "12.5",
		"confirmations": int64(12),
	})

	dep, err := ingestion.ParseWebhook(ledger.ProviderCryptoBaseUSDC, data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if dep.AmountUnits != 12_500_000 {
		t.Errorf("amount: got %d, want 12_500_000", dep.AmountUnits)
	}
	if dep.Reference != "0xabcdef:3" {
		t.Errorf("reference: got %s, want 0xabcdef:3", dep.Reference)
	}
	if dep.Currency != ledger.CurrencyUSD {
		t.Errorf("currency: got %s", dep.Currency)
	}
}

func TestParseChainDepositNeedsConfirmations(t *testing.T) {
	data := mustJSON(t, map[string]interface{}{
		"event_id":      "evt_02",
		"tx_hash":       "0x01",
		"user_id":       testUserID,
		"amount":        "1",
		"confirmations": int64(1),
	})
	if _, err := ingestion.ParseWebhook(ledger.ProviderCryptoBaseUSDC, data); !errors.Is(err, ingestion.ErrIgnoredEvent) {
		t.Errorf("got %v, want ErrIgnoredEvent", err)
	}
}

func TestParseUnknownProvider(t *testing.T) {
	if _, err := ingestion.ParseWebhook("stripe", []byte("{}")); !errors.Is(err, ingestion.ErrUnknownProvider) {
		t.Errorf("got %v, want ErrUnknownProvider", err)
	}
}

// ============================================================================
// Test: Subject routing
// ============================================================================

func TestProviderFromSubject(t *testing.T) {
	tests := []struct {
		subject string
		want    string
		ok      bool
	}{
		{"settle.webhooks.fiat-paystack", "fiat-paystack", true},
		{"settle.webhooks.crypto-base-usdc", "crypto-base-usdc", true},
		{"settle.webhooks.", "", false},
		{"settle.events.OutcomeRecorded", "", false},
		{"settle.webhooks.a.b", "", false},
	}
	for _, tt := range tests {
		got, err := ingestion.ProviderFromSubject(tt.subject)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("%s: got (%q, %v)", tt.subject, got, err)
		}
	}
}
