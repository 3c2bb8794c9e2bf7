package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and local tooling.
// The mutex plays the role of the Postgres unique index.
type MemoryStore struct {
	mu    sync.Mutex
	rows  []Transaction
	byRef map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byRef: make(map[string]int)}
}

func (m *MemoryStore) Insert(_ context.Context, tx Transaction) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(tx), nil
}

func (m *MemoryStore) InsertIdempotent(_ context.Context, tx Transaction) (Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := tx.Provider + "\x00" + tx.ExternalRef
	if idx, ok := m.byRef[key]; ok {
		return m.rows[idx], false, nil
	}
	stored := m.insertLocked(tx)
	m.byRef[key] = len(m.rows) - 1
	return stored, true, nil
}

func (m *MemoryStore) insertLocked(tx Transaction) Transaction {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	m.rows = append(m.rows, tx)
	return tx
}

func (m *MemoryStore) ListTransactions(_ context.Context, userID uuid.UUID, currency Currency) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Transaction
	for _, tx := range m.rows {
		if tx.UserID == userID && tx.Currency == currency {
			out = append(out, tx)
		}
	}
	return out, nil
}

// ScanAll implements Scanner.
func (m *MemoryStore) ScanAll(_ context.Context, fn func(Transaction) error) error {
	m.mu.Lock()
	rows := append([]Transaction(nil), m.rows...)
	m.mu.Unlock()

	for _, tx := range rows {
		if err := fn(tx); err != nil {
			return err
		}
	}
	return nil
}

// Rows returns a copy of every stored row.
func (m *MemoryStore) Rows() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transaction(nil), m.rows...)
}
