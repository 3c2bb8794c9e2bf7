package query

import (
	"SettleLedger/internal/ledger"
	fpmath "SettleLedger/internal/math"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var ErrUnknownCurrency = errors.New("unknown currency")

// BalanceResponse is a user's balance in one currency, derived from the
// ledger at query time.
type BalanceResponse struct {
	UserID   uuid.UUID       `json:"user_id"`
	Currency ledger.Currency `json:"currency"`

	AvailableUnits int64 `json:"available_units"`
	ReservedUnits  int64 `json:"reserved_units"`
	TotalUnits     int64 `json:"total_units"`

	// Display amount in major units, e.g. "117.9" DEMO_USD.
	Available decimal.Decimal `json:"available"`
}

// BalanceReader derives balances from ledger rows.
type BalanceReader struct {
	ledger *ledger.Ledger
}

func NewBalanceReader(l *ledger.Ledger) *BalanceReader {
	return &BalanceReader{ledger: l}
}

func (b *BalanceReader) GetBalance(ctx context.Context, userID uuid.UUID, currency ledger.Currency) (*BalanceResponse, error) {
	cfg, ok := currency.Config()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCurrency, currency)
	}
	bal, err := b.ledger.DeriveBalance(ctx, userID, currency, ledger.Filter{})
	if err != nil {
		return nil, err
	}
	return &BalanceResponse{
		UserID:         userID,
		Currency:       currency,
		AvailableUnits: bal.Available,
		ReservedUnits:  bal.Reserved,
		TotalUnits:     bal.Available + bal.Reserved,
		Available:      fpmath.FromUnits(bal.Available, cfg),
	}, nil
}
