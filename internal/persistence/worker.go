package persistence

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/observability"
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// CoreOutput is the persisted form of one applied command.
type CoreOutput struct {
	EventRow    EventRow
	JournalRows []JournalRow
}

// FromCoreOutput converts what the core emits into rows.
func FromCoreOutput(out core.CoreOutput) (CoreOutput, error) {
	env := out.Envelope

	var receipt []byte
	if out.Receipt != nil {
		data, err := json.Marshal(out.Receipt)
		if err != nil {
			return CoreOutput{}, err
		}
		receipt = data
	}

	row := CoreOutput{
		EventRow: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Subject:        nullable(env.Subject),
			Source:         nullable(env.Source),
			SourceSequence: env.SourceSequence,
			Payload:        env.Payload,
			Receipt:        receipt,
			StateHash:      append([]byte(nil), env.StateHash[:]...),
			PrevHash:       append([]byte(nil), env.PrevHash[:]...),
			Timestamp:      env.Timestamp,
		},
	}

	if out.Batch != nil {
		row.JournalRows = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			row.JournalRows = append(row.JournalRows, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         j.Asset,
				Amount:        j.Amount,
				JournalType:   j.JournalType.String(),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return row, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// The core sends on that channel blocking, so a slow worker stalls the core
// instead of losing commands.
type PersistenceWorker struct {
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *PersistenceWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushTimeout <= 0 {
		flushTimeout = 10 * time.Millisecond
	}
	return &PersistenceWorker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       observability.NewLogger("persistence"),
	}
}

// Run batches outputs and flushes when the batch is full or the flush
// timeout expires. It returns after the input channel is closed and the
// last batch is written, or when ctx is cancelled.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	eventBatch := make([]EventRow, 0, pw.batchSize)
	journalBatch := make([]JournalRow, 0, pw.batchSize*4)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(eventBatch) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, eventBatch, journalBatch); err != nil {
			pw.logger.Error().Err(err).Int("events", len(eventBatch)).Msg("batch flush failed")
		}
		eventBatch = eventBatch[:0]
		journalBatch = journalBatch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return nil

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}

			row, err := FromCoreOutput(output)
			if err != nil {
				pw.logger.Error().Err(err).Int64("sequence", output.Envelope.Sequence).Msg("convert output")
				if pw.metrics != nil {
					pw.metrics.PersistErrors.WithLabelValues("convert").Inc()
				}
				continue
			}
			eventBatch = append(eventBatch, row.EventRow)
			journalBatch = append(journalBatch, row.JournalRows...)

			if len(eventBatch) >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// Batches are never dropped: on shutdown one last attempt runs detached
// from the cancelled context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, events []EventRow, journals []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			pw.logger.Warn().Int("attempt", attempt).Dur("backoff", backoff).Int("events", len(events)).Msg("persistence retry")
			select {
			case <-ctx.Done():
				return pw.flush(context.Background(), events, journals)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := pw.flush(ctx, events, journals)
		if err == nil {
			if attempt > 0 {
				pw.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return nil
		}
		pw.logger.Warn().Err(err).Msg("persistence flush failed")

		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (pw *PersistenceWorker) flush(ctx context.Context, events []EventRow, journals []JournalRow) error {
	start := time.Now()

	if err := pw.writer.WriteBatch(ctx, events, journals); err != nil {
		if pw.metrics != nil {
			pw.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}
	return nil
}
