package persistence

import (
	"SettleLedger/internal/event"
	"SettleLedger/internal/observability"
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ErrEventLogClosed is returned by Publish after the worker has stopped.
var ErrEventLogClosed = errors.New("event log worker stopped")

// EventLogWorker drains published settlement events and batch-writes them
// to the event log. It implements settlement.EventPublisher so it can sit
// next to the NATS publisher in a fan-out.
type EventLogWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	input        chan event.Envelope
	done         chan struct{}
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewEventLogWorker(
	db *sql.DB,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *EventLogWorker {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushTimeout <= 0 {
		flushTimeout = time.Second
	}
	return &EventLogWorker{
		db:           db,
		writer:       NewEventLogWriter(db),
		input:        make(chan event.Envelope, batchSize*4),
		done:         make(chan struct{}),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger.With().Str("worker", "event_log").Logger(),
	}
}

// Publish enqueues env. It blocks while the buffer is full so events are
// never dropped, and gives up when ctx ends or the worker has stopped.
func (w *EventLogWorker) Publish(ctx context.Context, env event.Envelope) error {
	select {
	case <-w.done:
		return ErrEventLogClosed
	default:
	}
	select {
	case w.input <- env:
		return nil
	case <-w.done:
		return ErrEventLogClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run batches incoming events and flushes when the batch is full or the
// flush timeout expires. It flushes what it holds and returns when ctx is
// cancelled.
func (w *EventLogWorker) Run(ctx context.Context) error {
	defer close(w.done)

	batch := make([]event.Envelope, 0, w.batchSize)
	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			batch = w.drain(batch)
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.logger.Error().Err(err).Int("events", len(batch)).Msg("final event log flush failed")
				}
			}
			return ctx.Err()

		case env := <-w.input:
			batch = append(batch, env)
			if len(batch) >= w.batchSize {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("event log flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := w.flushWithRetry(ctx, batch); err != nil {
					w.logger.Error().Err(err).Msg("event log timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

func (w *EventLogWorker) drain(batch []event.Envelope) []event.Envelope {
	for {
		select {
		case env := <-w.input:
			batch = append(batch, env)
		default:
			return batch
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx ends, then makes one last attempt on a background context.
func (w *EventLogWorker) flushWithRetry(ctx context.Context, batch []event.Envelope) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(batch)).
				Msg("event log retry")
			select {
			case <-ctx.Done():
				return w.flush(context.Background(), batch)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("event log flush recovered")
			}
			return nil
		}
		w.metrics.RecordEventLogError("retry")
	}
}

func (w *EventLogWorker) flush(ctx context.Context, batch []event.Envelope) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.metrics.RecordEventLogError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if _, err := w.writer.WriteEventBatch(ctx, tx, batch); err != nil {
		w.metrics.RecordEventLogError("write_events")
		return err
	}
	if err := tx.Commit(); err != nil {
		w.metrics.RecordEventLogError("tx_commit")
		return err
	}

	w.metrics.RecordEventLogBatch(len(batch), start)
	return nil
}
