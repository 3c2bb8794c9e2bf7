package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Violation describes one failed sanity check.
type Violation struct {
	UserID   uuid.UUID `json:"user_id"`
	Currency Currency  `json:"currency"`
	Check    string    `json:"check"`
	Detail   string    `json:"detail"`
}

// Scanner streams every ledger row to fn. Implemented by the Postgres store.
type Scanner interface {
	ScanAll(ctx context.Context, fn func(Transaction) error) error
}

// InvariantValidator checks ledger-wide invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateNonNegative reports every (user, currency) whose available or
// reserved balance is below zero.
func (v *InvariantValidator) ValidateNonNegative() []Violation {
	var out []Violation
	for _, b := range v.tracker.All() {
		if b.Available < 0 {
			out = append(out, Violation{
				UserID: b.UserID, Currency: b.Currency, Check: "available_non_negative",
				Detail: fmt.Sprintf("available=%d", b.Available),
			})
		}
		if b.Reserved < 0 {
			out = append(out, Violation{
				UserID: b.UserID, Currency: b.Currency, Check: "reserved_non_negative",
				Detail: fmt.Sprintf("reserved=%d", b.Reserved),
			})
		}
	}
	return out
}

// CheckInvariants scans the full ledger and returns all violations found.
func CheckInvariants(ctx context.Context, scanner Scanner) ([]Violation, error) {
	tracker := NewBalanceTracker()
	if err := scanner.ScanAll(ctx, func(tx Transaction) error {
		tracker.Apply(tx)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}
	return NewInvariantValidator(tracker).ValidateNonNegative(), nil
}
