package ledger

import (
	"sort"

	"github.com/google/uuid"
)

// Balance is always derived from ledger rows; it is never stored as truth.
type Balance struct {
	UserID    uuid.UUID `json:"user_id"`
	Currency  Currency  `json:"currency"`
	Available int64     `json:"available"`
	Reserved  int64     `json:"reserved"`
}

// Filter narrows a fold to specific providers and/or channels.
// Empty slices mean "all".
type Filter struct {
	Providers []string
	Channels  []string
}

func (f Filter) matches(tx Transaction) bool {
	return containsOrEmpty(f.Providers, tx.Provider) && containsOrEmpty(f.Channels, tx.Channel)
}

func containsOrEmpty(set []string, v string) bool {
	if len(set) == 0 {
		return true
	}
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// applyTo moves a single successful row into a balance.
func applyTo(b *Balance, tx Transaction) {
	if tx.Status != TxStatusSuccess {
		return
	}
	switch tx.Type {
	case TxTypeMemo:
		return
	case TxTypeLock:
		b.Available -= tx.AmountUnits
		b.Reserved += tx.AmountUnits
	case TxTypeRelease:
		b.Reserved -= tx.AmountUnits
		b.Available += tx.AmountUnits
	default:
		if tx.Direction == DirectionCredit {
			b.Available += tx.AmountUnits
		} else {
			b.Available -= tx.AmountUnits
		}
	}
}

// Fold is the pure balance derivation over one user's rows.
func Fold(userID uuid.UUID, currency Currency, txs []Transaction, filter Filter) Balance {
	b := Balance{UserID: userID, Currency: currency}
	for _, tx := range txs {
		if tx.UserID != userID || tx.Currency != currency || !filter.matches(tx) {
			continue
		}
		applyTo(&b, tx)
	}
	return b
}

type balanceKey struct {
	userID   uuid.UUID
	currency Currency
}

// BalanceTracker folds rows for many users at once. Used by the ledger
// sanity check, which scans the whole table.
type BalanceTracker struct {
	balances map[balanceKey]*Balance
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[balanceKey]*Balance),
	}
}

// Apply adds a single row to the tracked balances
func (bt *BalanceTracker) Apply(tx Transaction) {
	key := balanceKey{userID: tx.UserID, currency: tx.Currency}
	b, ok := bt.balances[key]
	if !ok {
		b = &Balance{UserID: tx.UserID, Currency: tx.Currency}
		bt.balances[key] = b
	}
	applyTo(b, tx)
}

// Get returns the tracked balance for (user, currency).
func (bt *BalanceTracker) Get(userID uuid.UUID, currency Currency) Balance {
	if b, ok := bt.balances[balanceKey{userID: userID, currency: currency}]; ok {
		return *b
	}
	return Balance{UserID: userID, Currency: currency}
}

// All returns every tracked balance ordered by user then currency.
func (bt *BalanceTracker) All() []Balance {
	out := make([]Balance, 0, len(bt.balances))
	for _, b := range bt.balances {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID.String() < out[j].UserID.String()
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}
