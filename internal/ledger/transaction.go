package ledger

import (
	"SettleLedger/internal/event"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidTransaction = errors.New("invalid ledger transaction")
	ErrNotFound           = errors.New("ledger transaction not found")
)

// Direction of a money movement relative to the user.
type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

// TxType represents the purpose of a ledger row
type TxType string

const (
	TxTypeDeposit    TxType = "deposit"
	TxTypeWithdraw   TxType = "withdraw"
	TxTypeStake      TxType = "stake"
	TxTypePayout     TxType = "payout"
	TxTypeFee        TxType = "fee"
	TxTypeRefund     TxType = "refund"
	TxTypeForfeit    TxType = "forfeit"
	TxTypeLock       TxType = "lock"
	TxTypeRelease    TxType = "release"
	TxTypeCorrection TxType = "correction"
	TxTypeMemo       TxType = "memo" // audit-only, never moves balance
)

// TxStatus of a ledger row. Only success rows count towards balances.
type TxStatus string

const (
	TxStatusPending TxStatus = "pending"
	TxStatusSuccess TxStatus = "success"
	TxStatusFailed  TxStatus = "failed"
)

// Transaction is one append-only ledger row.
type Transaction struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Direction    Direction
	Type         TxType
	Channel      string
	Provider     string
	Rail         Rail
	Currency     Currency
	AmountUnits  int64 // minor units, always positive
	Status       TxStatus
	ExternalRef  string // empty means no dedup key
	PredictionID *uuid.UUID
	Description  string
	Meta         event.Meta
	CreatedAt    time.Time
}

// Validate checks the row is well-formed before it reaches the store.
func (t *Transaction) Validate() error {
	if t.UserID == uuid.Nil {
		return fmt.Errorf("%w: missing user_id", ErrInvalidTransaction)
	}
	if t.Direction != DirectionCredit && t.Direction != DirectionDebit {
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidTransaction, t.Direction)
	}
	if t.Type == "" {
		return fmt.Errorf("%w: missing type", ErrInvalidTransaction)
	}
	if t.AmountUnits < 0 || (t.AmountUnits == 0 && t.Type != TxTypeMemo) {
		return fmt.Errorf("%w: non-positive amount %d", ErrInvalidTransaction, t.AmountUnits)
	}
	if !t.Currency.Valid() {
		return fmt.Errorf("%w: unknown currency %q", ErrInvalidTransaction, t.Currency)
	}
	if t.Rail != "" && !t.Rail.Valid() {
		return fmt.Errorf("%w: unknown rail %q", ErrInvalidTransaction, t.Rail)
	}
	if t.Provider == "" || t.Channel == "" {
		return fmt.Errorf("%w: provider and channel are required", ErrInvalidTransaction)
	}
	if len(t.ExternalRef) > 255 {
		return fmt.Errorf("%w: external_ref longer than 255 bytes", ErrInvalidTransaction)
	}
	return nil
}

// Store persists ledger rows. Implementations must make InsertIdempotent
// race-safe on (provider, external_ref).
type Store interface {
	Insert(ctx context.Context, tx Transaction) (Transaction, error)
	InsertIdempotent(ctx context.Context, tx Transaction) (Transaction, bool, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, currency Currency) ([]Transaction, error)
}

// Ledger is the entry point used by the rest of the service for postings
// and balance derivation.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Post validates and stores a row. Rows carrying an external ref go through
// the idempotent path; the returned bool is false when the ref already
// existed and the original row was returned.
func (l *Ledger) Post(ctx context.Context, tx Transaction) (Transaction, bool, error) {
	if tx.Status == "" {
		tx.Status = TxStatusSuccess
	}
	if err := tx.Validate(); err != nil {
		return Transaction{}, false, err
	}

	if tx.ExternalRef == "" {
		stored, err := l.store.Insert(ctx, tx)
		if err != nil {
			return Transaction{}, false, fmt.Errorf("insert ledger row: %w", err)
		}
		return stored, true, nil
	}

	stored, inserted, err := l.store.InsertIdempotent(ctx, tx)
	if err != nil {
		return Transaction{}, false, fmt.Errorf("insert ledger row %s/%s: %w", tx.Provider, tx.ExternalRef, err)
	}
	return stored, inserted, nil
}

// DeriveBalance folds every row of (user, currency) into a balance.
func (l *Ledger) DeriveBalance(ctx context.Context, userID uuid.UUID, currency Currency, filter Filter) (Balance, error) {
	txs, err := l.store.ListTransactions(ctx, userID, currency)
	if err != nil {
		return Balance{}, fmt.Errorf("list transactions: %w", err)
	}
	return Fold(userID, currency, txs, filter), nil
}
