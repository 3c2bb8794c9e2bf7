package persistence

import (
	"SettleLedger/internal/event"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// insertRows writes rows with one multi-row INSERT. conflict is appended
// verbatim, e.g. "ON CONFLICT (a, b) DO NOTHING".
func insertRows(ctx context.Context, db execer, table string, columns []string, rows [][]interface{}, conflict string) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	width := len(columns)
	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return 0, fmt.Errorf("insert %s: row %d has %d values, want %d", table, i, len(row), width)
		}
		placeholders := make([]string, width)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", i*width+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args, row...)
	}

	query := "INSERT INTO " + table + " (" + strings.Join(columns, ", ") + ") VALUES " + strings.Join(values, ", ")
	if conflict != "" {
		query += " " + conflict
	}
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var eventColumns = []string{
	"event_id", "event_type", "idempotency_key", "prediction_id", "actor_id", "payload", "occurred_at",
}

// EventLogWriter appends settlement events to settlement_events. Replays of
// the same transition share an idempotency key and are dropped.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes events in one statement through db, which may be
// the writer's pool or an open transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, db execer, events []event.Envelope) (int64, error) {
	rows := make([][]interface{}, 0, len(events))
	for _, e := range events {
		payload, err := json.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("marshal event %s: %w", e.EventID, err)
		}
		rows = append(rows, []interface{}{
			e.EventID, e.EventType.String(), e.IdempotencyKey(), e.PredictionID, e.ActorID, payload, e.Timestamp,
		})
	}
	if db == nil {
		db = w.db
	}
	return insertRows(ctx, db, "settlement_events", eventColumns, rows,
		"ON CONFLICT DO NOTHING")
}
