package persistence

import (
	"CDPLedger/internal/core"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// snapshotFormatVersion 1: JSON-encoded core.SnapshotState.
const snapshotFormatVersion = 1

// SnapshotManager stores state snapshots and reads the event log back for
// recovery: load the latest verified snapshot, then replay every event
// after its sequence.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is one stored snapshot.
type SnapshotData struct {
	Sequence   int64
	StateHash  []byte
	State      *core.SnapshotState
	ArchiveKey string
	CreatedAt  time.Time
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// NewSnapshotData wraps a core snapshot for storage.
func NewSnapshotData(state *core.SnapshotState, createdAt time.Time) *SnapshotData {
	return &SnapshotData{
		Sequence:  state.Sequence,
		StateHash: append([]byte(nil), state.StateHash[:]...),
		State:     state,
		CreatedAt: createdAt,
	}
}

// SaveSnapshot persists a snapshot, unverified. Returns the encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap.State)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, string(data), snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return len(data), nil
}

// MarkVerified marks a snapshot as verified after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// MarkArchived records where a snapshot was archived.
func (sm *SnapshotManager) MarkArchived(ctx context.Context, sequence int64, key string) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET archive_key = $2 WHERE sequence = $1
	`, sequence, key)
	return err
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil on a
// cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT sequence, state_hash, data, format_version, COALESCE(archive_key, ''), created_at
		FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var (
		snap    SnapshotData
		data    []byte
		version int
	)
	if err := row.Scan(&snap.Sequence, &snap.StateHash, &data, &version, &snap.ArchiveKey, &snap.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	state, err := DecodeSnapshot(data, version)
	if err != nil {
		return nil, err
	}
	snap.State = state
	return &snap, nil
}

// DecodeSnapshot decodes a stored snapshot body.
func DecodeSnapshot(data []byte, version int) (*core.SnapshotState, error) {
	if version != snapshotFormatVersion {
		return nil, fmt.Errorf("unsupported snapshot format %d", version)
	}
	var state core.SnapshotState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &state, nil
}

// PruneSnapshots deletes all but the newest keep verified snapshots.
func (sm *SnapshotManager) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		DELETE FROM event_log.snapshots
		WHERE sequence < (
			SELECT COALESCE(MIN(sequence), 0) FROM (
				SELECT sequence FROM event_log.snapshots
				WHERE verified = TRUE
				ORDER BY sequence DESC
				LIMIT $1
			) newest
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}

// LoadEventsFrom loads up to limit events starting at fromSequence.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, subject, source, source_sequence,
		       payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var (
			e       EventRow
			subject sql.NullString
			source  sql.NullString
		)
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &subject, &source, &e.SourceSequence,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		if subject.Valid {
			e.Subject = &subject.String
		}
		if source.Valid {
			e.Source = &source.String
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or -1
// when the log is empty.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}
