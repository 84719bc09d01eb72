package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"TradeLedger/internal/ledger"
	"TradeLedger/internal/observability"

	"github.com/rs/zerolog"
)

// JournalWorker is a ledger.Auditor that batches journal entries into
// ledger.journal. Record blocks while the buffer is full, so a slow
// database back-pressures the ledger instead of dropping audit rows.
type JournalWorker struct {
	db           *sql.DB
	input        chan []ledger.JournalEntry
	batchSize    int
	flushTimeout time.Duration
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

func NewJournalWorker(db *sql.DB, batchSize int, flushTimeout time.Duration, logger zerolog.Logger, metrics *observability.Metrics) *JournalWorker {
	if batchSize <= 0 {
		batchSize = 500
	}
	if flushTimeout <= 0 {
		flushTimeout = 100 * time.Millisecond
	}
	return &JournalWorker{
		db:           db,
		input:        make(chan []ledger.JournalEntry, batchSize),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		logger:       logger.With().Str("component", "journal_worker").Logger(),
		metrics:      metrics,
	}
}

// Record queues entries for the next flush.
func (w *JournalWorker) Record(ctx context.Context, entries []ledger.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	select {
	case w.input <- entries:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is cancelled, flushing when a batch fills
// or the flush timeout expires. Pending entries are flushed on shutdown.
func (w *JournalWorker) Run(ctx context.Context) error {
	batch := make([]ledger.JournalEntry, 0, w.batchSize)
	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Take whatever is still queued without blocking.
		drain:
			for {
				select {
				case entries := <-w.input:
					batch = append(batch, entries...)
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.logger.Error().Err(err).Int("entries", len(batch)).Msg("final journal flush failed")
				}
			}
			return ctx.Err()

		case entries := <-w.input:
			batch = append(batch, entries...)
			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds
// or ctx is cancelled, in which case one last attempt is made.
func (w *JournalWorker) flushWithRetry(ctx context.Context, batch []ledger.JournalEntry) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("entries", len(batch)).Msg("retrying journal flush")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batch); err != nil {
					w.logger.Error().Err(err).Int("entries", len(batch)).Msg("journal flush on shutdown failed")
				}
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, batch)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("journal flush succeeded")
			}
			return
		}
		w.logger.Error().Err(err).Msg("journal flush failed")
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_journal").Inc()
		}
	}
}

const (
	journalColumnCount      = 11
	// Postgres caps a statement at 65535 bind parameters.
	maxJournalRowsPerInsert = 2000
)

func (w *JournalWorker) flush(ctx context.Context, batch []ledger.JournalEntry) error {
	start := time.Now()
	for len(batch) > 0 {
		n := len(batch)
		if n > maxJournalRowsPerInsert {
			n = maxJournalRowsPerInsert
		}
		if err := w.insert(ctx, batch[:n]); err != nil {
			return err
		}
		if w.metrics != nil {
			w.metrics.PersistJournalsWritten.Add(float64(n))
		}
		batch = batch[n:]
	}
	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
	}
	return nil
}

func (w *JournalWorker) insert(ctx context.Context, batch []ledger.JournalEntry) error {
	values := make([]string, 0, len(batch))
	args := make([]interface{}, 0, len(batch)*journalColumnCount)
	for i, e := range batch {
		base := i * journalColumnCount
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			e.ID, e.OpKey, string(e.Op), e.Key.UserID, e.Key.Asset,
			e.AvailableDelta, e.ReservedDelta, e.Available, e.Reserved, e.Version, e.At,
		)
	}

	query := `INSERT INTO ledger.journal
		(id, op_key, op, user_id, asset, available_delta, reserved_delta, available, reserved, version, created_at)
		VALUES ` + strings.Join(values, ", ") + ` ON CONFLICT (id) DO NOTHING`

	if _, err := w.db.ExecContext(ctx, query, args...); err != nil {
		return wrapErr("write journal", err)
	}
	if w.metrics != nil {
		w.metrics.PersistBatchSize.Observe(float64(len(batch)))
	}
	return nil
}

// History returns journal entries for one account, newest first.
func (w *JournalWorker) History(ctx context.Context, key ledger.AccountKey, limit int) ([]ledger.JournalEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := w.db.QueryContext(ctx, `
		SELECT id, op_key, op, available_delta, reserved_delta, available, reserved, version, created_at
		FROM ledger.journal
		WHERE user_id = $1 AND asset = $2
		ORDER BY version DESC
		LIMIT $3`,
		key.UserID, key.Asset, limit,
	)
	if err != nil {
		return nil, wrapErr("journal history", err)
	}
	defer rows.Close()

	var out []ledger.JournalEntry
	for rows.Next() {
		e := ledger.JournalEntry{Key: key}
		var op string
		if err := rows.Scan(&e.ID, &e.OpKey, &op, &e.AvailableDelta, &e.ReservedDelta, &e.Available, &e.Reserved, &e.Version, &e.At); err != nil {
			return nil, wrapErr("scan journal", err)
		}
		e.Op = ledger.Op(op)
		out = append(out, e)
	}
	return out, wrapErr("journal history", rows.Err())
}
