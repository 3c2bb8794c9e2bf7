package persistence

import (
	"SettleLedger/internal/event"
	"SettleLedger/internal/settlement"
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// AddressDirectory resolves a user's payout address from the most recently
// linked crypto address.
type AddressDirectory struct {
	db *sql.DB
}

func NewAddressDirectory(db *sql.DB) *AddressDirectory {
	return &AddressDirectory{db: db}
}

func (d *AddressDirectory) ResolveUserAddress(ctx context.Context, userID uuid.UUID) (string, bool, error) {
	var addr string
	err := d.db.QueryRowContext(ctx, `
		SELECT address
		FROM crypto_addresses
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1`,
		userID,
	).Scan(&addr)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return addr, true, nil
}

// NotificationStore persists in-app notifications. A repeated dedupe key is
// a no-op.
type NotificationStore struct {
	db *sql.DB
}

func NewNotificationStore(db *sql.DB) *NotificationStore {
	return &NotificationStore{db: db}
}

func (s *NotificationStore) Notify(ctx context.Context, n settlement.Notification) error {
	meta, err := event.MarshalMeta(n.Meta)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, body, meta, dedupe_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (dedupe_key) DO NOTHING`,
		uuid.New(), n.UserID, n.Type, n.Title, n.Body, nullBytes(meta), n.DedupeKey,
	)
	return err
}
