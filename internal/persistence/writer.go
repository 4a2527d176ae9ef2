package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes applied commands and their journals using
// multi-row INSERTs. Writes are idempotent on sequence and journal id, so a
// batch retried after an ambiguous commit is harmless.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Subject        *string
	Source         *string
	SourceSequence int64
	Payload        []byte // JSON-encoded command
	Receipt        []byte // JSON-encoded receipt
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        uint64
	JournalType   string
	Timestamp     int64
}

const (
	eventColumns   = 11
	journalColumns = 10
)

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes events with one multi-row INSERT on ex.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, subject, source, source_sequence,
		 payload, receipt, state_hash, prev_hash, timestamp)
		VALUES `

	args := make([]any, 0, len(events)*eventColumns)
	for _, e := range events {
		// JSONB columns take text; lib/pq would send []byte as bytea.
		var receipt any
		if len(e.Receipt) > 0 {
			receipt = string(e.Receipt)
		}
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Subject, e.Source, e.SourceSequence,
			string(e.Payload), receipt, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += placeholders(len(events), eventColumns)
	query += " ON CONFLICT DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes journal entries with one multi-row INSERT on ex.
// Amounts go over the wire as decimal text; the driver rejects uint64
// values above MaxInt64.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account,
		 asset, amount, journal_type, timestamp)
		VALUES `

	args := make([]any, 0, len(journals)*journalColumns)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, strconv.FormatUint(j.Amount, 10),
			j.JournalType, j.Timestamp,
		)
	}

	query += placeholders(len(journals), journalColumns)
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteBatch writes events then journals in one transaction.
func (w *EventLogWriter) WriteBatch(ctx context.Context, events []EventRow, journals []JournalRow) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := w.WriteEventBatch(ctx, tx, events); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	if err := w.WriteJournalBatch(ctx, tx, journals); err != nil {
		return fmt.Errorf("write journals: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// placeholders renders "($1, $2), ($3, $4)" for rows×cols parameters.
func placeholders(rows, cols int) string {
	var sb strings.Builder
	for r := 0; r < rows; r++ {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(r*cols + c + 1))
		}
		sb.WriteByte(')')
	}
	return sb.String()
}
