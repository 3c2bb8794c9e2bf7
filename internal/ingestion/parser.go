package ingestion

import (
	"SettleLedger/internal/ledger"
	fpmath "SettleLedger/internal/math"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownProvider = errors.New("unknown webhook provider")
	ErrIgnoredEvent    = errors.New("webhook event type is not a deposit")
	ErrMalformed       = errors.New("malformed webhook payload")
)

// Deposit is a confirmed inbound payment parsed from a gateway webhook.
type Deposit struct {
	Provider    string
	EventID     string
	Reference   string
	UserID      uuid.UUID
	Rail        ledger.Rail
	Currency    ledger.Currency
	AmountUnits int64
	Gateway     string
}

// IdempotencyKey is the guard key for this delivery.
func (d Deposit) IdempotencyKey() string {
	return fmt.Sprintf("webhook:%s:%s", d.Provider, d.EventID)
}

// ExternalRef is the ledger dedup key. It uses the payment reference, not
// the delivery id, so two deliveries of one payment credit once.
func (d Deposit) ExternalRef() string {
	return "deposit:" + d.Reference
}

// ParseWebhook converts a provider payload into a Deposit.
func ParseWebhook(provider string, data []byte) (Deposit, error) {
	switch provider {
	case ledger.ProviderFiatPaystack:
		return parsePaystack(data)
	case ledger.ProviderCryptoBaseUSDC:
		return parseChainDeposit(data)
	default:
		return Deposit{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
}

// --- JSON wire formats ---
// Field names match the upstream producers.

type paystackJSON struct {
	Event string `json:"event"`
	Data  struct {
		ID        int64  `json:"id"`
		Reference string `json:"reference"`
		Amount    int64  `json:"amount"` // kobo
		Currency  string `json:"currency"`
		Status    string `json:"status"`
		Metadata  struct {
			UserID string `json:"user_id"`
		} `json:"metadata"`
	} `json:"data"`
}

func parsePaystack(data []byte) (Deposit, error) {
	var j paystackJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Deposit{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if j.Event != "charge.success" || j.Data.Status != "success" {
		return Deposit{}, fmt.Errorf("%w: %s/%s", ErrIgnoredEvent, j.Event, j.Data.Status)
	}
	if !strings.EqualFold(j.Data.Currency, string(ledger.CurrencyNGN)) {
		return Deposit{}, fmt.Errorf("%w: currency %q", ErrMalformed, j.Data.Currency)
	}
	if j.Data.Reference == "" || j.Data.ID == 0 {
		return Deposit{}, fmt.Errorf("%w: missing id or reference", ErrMalformed)
	}
	if j.Data.Amount <= 0 {
		return Deposit{}, fmt.Errorf("%w: amount %d", ErrMalformed, j.Data.Amount)
	}
	userID, err := uuid.Parse(j.Data.Metadata.UserID)
	if err != nil {
		return Deposit{}, fmt.Errorf("%w: user_id: %v", ErrMalformed, err)
	}

	return Deposit{
		Provider:    ledger.ProviderFiatPaystack,
		EventID:     strconv.FormatInt(j.Data.ID, 10),
		Reference:   j.Data.Reference,
		UserID:      userID,
		Rail:        ledger.RailFiat,
		Currency:    ledger.CurrencyNGN,
		AmountUnits: j.Data.Amount,
		Gateway:     "paystack",
	}, nil
}

type chainDepositJSON struct {
	EventID       string          `json:"event_id"`
	TxHash        string          `json:"tx_hash"`
	LogIndex      int64           `json:"log_index"`
	UserID        string          `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"` // USDC, major units
	Confirmations int64           `json:"confirmations"`
}

// minConfirmations before a chain deposit is credited.
const minConfirmations = 3

func parseChainDeposit(data []byte) (Deposit, error) {
	var j chainDepositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return Deposit{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if j.EventID == "" || j.TxHash == "" {
		return Deposit{}, fmt.Errorf("%w: missing event_id or tx_hash", ErrMalformed)
	}
	if j.Confirmations < minConfirmations {
		return Deposit{}, fmt.Errorf("%w: %d confirmations", ErrIgnoredEvent, j.Confirmations)
	}
	userID, err := uuid.Parse(j.UserID)
	if err != nil {
		return Deposit{}, fmt.Errorf("%w: user_id: %v", ErrMalformed, err)
	}
	units, err := fpmath.ToUnits(j.Amount, fpmath.USDCConfig)
	if err != nil {
		return Deposit{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if units <= 0 {
		return Deposit{}, fmt.Errorf("%w: amount %s", ErrMalformed, j.Amount)
	}

	return Deposit{
		Provider:    ledger.ProviderCryptoBaseUSDC,
		EventID:     j.EventID,
		Reference:   fmt.Sprintf("%s:%d", strings.ToLower(j.TxHash), j.LogIndex),
		UserID:      userID,
		Rail:        ledger.RailCrypto,
		Currency:    ledger.CurrencyUSD,
		AmountUnits: units,
		Gateway:     "base",
	}, nil
}

// ProviderFromSubject extracts the provider from settle.webhooks.{provider}.
func ProviderFromSubject(subject string) (string, error) {
	rest, ok := strings.CutPrefix(subject, WebhookSubjectPrefix+".")
	if !ok || rest == "" || strings.Contains(rest, ".") {
		return "", fmt.Errorf("%w: subject %q", ErrUnknownProvider, subject)
	}
	return rest, nil
}
