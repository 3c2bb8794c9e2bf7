package persistence

import (
	"SettleLedger/internal/event"
	"SettleLedger/internal/ledger"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const txColumns = `id, user_id, direction, type, channel, provider, rail, currency,
	amount_units, status, external_ref, prediction_id, description, meta, created_at`

// LedgerStore is the Postgres implementation of ledger.Store and
// ledger.Scanner over wallet_transactions.
type LedgerStore struct {
	db *sql.DB
}

func NewLedgerStore(db *sql.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// Insert writes a row without a dedup key.
func (s *LedgerStore) Insert(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	prepareRow(&tx)
	meta, err := event.MarshalMeta(tx.Meta)
	if err != nil {
		return ledger.Transaction{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO wallet_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		txArgs(tx, meta)...,
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	return tx, nil
}

// InsertIdempotent writes tx unless a row with the same (provider,
// external_ref) exists, in which case the original row is returned.
// The unique index decides the race; there is no read-then-write window.
func (s *LedgerStore) InsertIdempotent(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, bool, error) {
	if tx.ExternalRef == "" {
		stored, err := s.Insert(ctx, tx)
		return stored, err == nil, err
	}

	if existing, err := s.findByRef(ctx, tx.Provider, tx.ExternalRef); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return ledger.Transaction{}, false, err
	}

	prepareRow(&tx)
	meta, err := event.MarshalMeta(tx.Meta)
	if err != nil {
		return ledger.Transaction{}, false, err
	}

	var id uuid.UUID
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO wallet_transactions (`+txColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (provider, external_ref) DO NOTHING
		RETURNING id`,
		txArgs(tx, meta)...,
	).Scan(&id)
	switch {
	case err == nil:
		return tx, true, nil
	case errors.Is(err, sql.ErrNoRows), IsUniqueViolation(err):
		// Lost the race: the winner's row is authoritative.
		existing, lookupErr := s.findByRef(ctx, tx.Provider, tx.ExternalRef)
		if lookupErr != nil {
			return ledger.Transaction{}, false, fmt.Errorf("re-read after conflict: %w", lookupErr)
		}
		return existing, false, nil
	default:
		return ledger.Transaction{}, false, err
	}
}

func (s *LedgerStore) findByRef(ctx context.Context, provider, ref string) (ledger.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+txColumns+`
		FROM wallet_transactions
		WHERE provider = $1 AND external_ref = $2`,
		provider, ref,
	)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, ledger.ErrNotFound
	}
	return tx, err
}

// ListTransactions returns a user's rows in one currency, oldest first.
func (s *LedgerStore) ListTransactions(ctx context.Context, userID uuid.UUID, currency ledger.Currency) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM wallet_transactions
		WHERE user_id = $1 AND currency = $2
		ORDER BY created_at, id`,
		userID, string(currency),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// ScanAll streams every row, used by the ledger sanity check.
func (s *LedgerStore) ScanAll(ctx context.Context, fn func(ledger.Transaction) error) error {
	rows, err := s.db.QueryContext(ctx, `SELECT `+txColumns+` FROM wallet_transactions ORDER BY created_at, id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			return err
		}
	}
	return rows.Err()
}

func prepareRow(tx *ledger.Transaction) {
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
}

func txArgs(tx ledger.Transaction, meta []byte) []interface{} {
	return []interface{}{
		tx.ID, tx.UserID, string(tx.Direction), string(tx.Type), tx.Channel, tx.Provider,
		string(tx.Rail), string(tx.Currency), tx.AmountUnits, string(tx.Status),
		nullString(tx.ExternalRef), tx.PredictionID, tx.Description, nullBytes(meta), tx.CreatedAt,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(r rowScanner) (ledger.Transaction, error) {
	var (
		tx                                        ledger.Transaction
		direction, txType, rail, currency, status string
		externalRef                               sql.NullString
		predictionID                              uuid.NullUUID
		meta                                      []byte
	)
	err := r.Scan(
		&tx.ID, &tx.UserID, &direction, &txType, &tx.Channel, &tx.Provider,
		&rail, &currency, &tx.AmountUnits, &status,
		&externalRef, &predictionID, &tx.Description, &meta, &tx.CreatedAt,
	)
	if err != nil {
		return ledger.Transaction{}, err
	}
	tx.Direction = ledger.Direction(direction)
	tx.Type = ledger.TxType(txType)
	tx.Rail = ledger.Rail(rail)
	tx.Currency = ledger.Currency(currency)
	tx.Status = ledger.TxStatus(status)
	tx.ExternalRef = externalRef.String
	if predictionID.Valid {
		id := predictionID.UUID
		tx.PredictionID = &id
	}
	if tx.Meta, err = event.UnmarshalMeta(meta); err != nil {
		return ledger.Transaction{}, err
	}
	return tx, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
