package persistence

import (
	"CDPLedger/internal/core"
	"CDPLedger/internal/event"
	"CDPLedger/internal/observability"
	"context"
	"errors"
	"fmt"
)

const replayBatchSize = 1000

// RecoveryResult describes how a core was rebuilt on startup.
type RecoveryResult struct {
	// SnapshotSequence is -1 on a cold start.
	SnapshotSequence int64
	// SnapshotSource is "postgres", "archive" or empty.
	SnapshotSource string
	Replayed       int64
}

// Recover rebuilds c from the newest verified snapshot and replays the event
// log after it. Postgres is tried first; the archive is the fallback when the
// snapshot table is empty. archiver may be nil.
//
// A replayed command that fails or lands on a different state hash stops
// recovery: the node must not serve from a state that diverges from its log.
func Recover(ctx context.Context, c *core.DeterministicCore, mgr *SnapshotManager, archiver *SnapshotArchiver) (RecoveryResult, error) {
	logger := observability.NewLogger("recovery")
	res := RecoveryResult{SnapshotSequence: -1}

	snap, err := mgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return res, err
	}

	var state *core.SnapshotState
	switch {
	case snap != nil:
		state = snap.State
		res.SnapshotSource = "postgres"
	case archiver != nil:
		state, err = archiver.FetchLatest(ctx)
		if err != nil && !errors.Is(err, ErrArchiveNotFound) {
			return res, err
		}
		if state != nil {
			res.SnapshotSource = "archive"
		}
	}

	if state != nil {
		if err := c.RestoreFromSnapshot(state); err != nil {
			return res, fmt.Errorf("restore from %s: %w", res.SnapshotSource, err)
		}
		res.SnapshotSequence = state.Sequence
	} else {
		logger.Info().Msg("no snapshot found, replaying from sequence 0")
	}

	from := res.SnapshotSequence + 1
	for {
		rows, err := mgr.LoadEventsFrom(ctx, from, replayBatchSize)
		if err != nil {
			return res, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			if row.Sequence != c.GetSequence() {
				return res, fmt.Errorf("event log gap: expected seq %d, found %d", c.GetSequence(), row.Sequence)
			}
			evt, err := event.Decode(event.ParseEventType(row.EventType), row.Payload)
			if err != nil {
				return res, fmt.Errorf("seq %d: %w", row.Sequence, err)
			}
			var hash [32]byte
			copy(hash[:], row.StateHash)
			if err := c.Replay(evt, hash); err != nil {
				return res, err
			}
			res.Replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	logger.Info().
		Str("source", res.SnapshotSource).
		Int64("snapshot_seq", res.SnapshotSequence).
		Int64("replayed", res.Replayed).
		Int64("next_seq", c.GetSequence()).
		Msg("recovery complete")
	return res, nil
}
