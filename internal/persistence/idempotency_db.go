package persistence

import (
	"SettleLedger/internal/core"
	"SettleLedger/internal/state"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresKeyStore is the durable tier of the idempotency guard.
type PostgresKeyStore struct {
	db *sql.DB
}

func NewPostgresKeyStore(db *sql.DB) *PostgresKeyStore {
	return &PostgresKeyStore{db: db}
}

// Claim records key as processing. The primary key resolves concurrent
// claims: exactly one insert affects a row.
func (s *PostgresKeyStore) Claim(ctx context.Context, key, requestHash string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, request_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (key) DO NOTHING`,
		key, requestHash, string(state.KeyProcessing), now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresKeyStore) Get(ctx context.Context, key string) (core.KeyRecord, error) {
	var (
		rec    core.KeyRecord
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key, request_hash, status, status_code, response, created_at, updated_at
		FROM idempotency_keys
		WHERE key = $1`,
		key,
	).Scan(&rec.Key, &rec.RequestHash, &status, &rec.StatusCode, &rec.Response, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return core.KeyRecord{}, core.ErrKeyNotFound
	}
	if err != nil {
		return core.KeyRecord{}, err
	}
	if rec.Status, err = state.ParseKeyStatus(status); err != nil {
		return core.KeyRecord{}, err
	}
	return rec, nil
}

// Reclaim moves a key with the same fingerprint back to processing when it
// failed, or when it is still processing but untouched since staleBefore.
// The conditional update lets exactly one caller win.
func (s *PostgresKeyStore) Reclaim(ctx context.Context, key, requestHash string, staleBefore, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $3, status_code = 0, response = NULL, updated_at = $4
		WHERE key = $1 AND request_hash = $2
		  AND (status = $5 OR (status = $3 AND updated_at < $6))`,
		key, requestHash, string(state.KeyProcessing), now, string(state.KeyFailed), staleBefore,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *PostgresKeyStore) Complete(ctx context.Context, key string, statusCode int, response []byte, now time.Time) error {
	return s.finish(ctx, key, state.KeyCompleted, statusCode, response, now)
}

func (s *PostgresKeyStore) Fail(ctx context.Context, key string, statusCode int, now time.Time) error {
	return s.finish(ctx, key, state.KeyFailed, statusCode, nil, now)
}

func (s *PostgresKeyStore) finish(ctx context.Context, key string, to state.KeyStatus, statusCode int, response []byte, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $2, status_code = $3, response = $4, updated_at = $5
		WHERE key = $1 AND status = $6`,
		key, string(to), statusCode, response, now, string(state.KeyProcessing),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: key %q is not processing", state.ErrInvalidTransition, key)
	}
	return nil
}

// Purge deletes completed and failed keys created before the cutoff.
func (s *PostgresKeyStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE status <> $1 AND created_at < $2`,
		string(state.KeyProcessing), before,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
