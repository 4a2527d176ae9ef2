package core

import (
	"fmt"
)

// SequenceValidator enforces strictly increasing source sequences per
// partition. Check never mutates; Advance runs only after a command commits,
// so a rejected command can be resubmitted with the same source sequence.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// Check validates sourceSequence against the partition. The first command of
// a partition may start anywhere.
func (sv *SequenceValidator) Check(partition string, sourceSequence int64) error {
	expected, seen := sv.expectedNextSeq[partition]
	if !seen {
		return nil
	}

	if sourceSequence < expected {
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("out-of-order command: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence > expected {
		sv.metrics.RecordGap(partition, expected, sourceSequence)
		return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	return nil
}

// Advance records that sourceSequence was applied.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	sv.expectedNextSeq[partition] = sourceSequence + 1
}

// RecordPriceGap notes a gap in a denom's price sequence. Price gaps are
// tolerated; older updates are ignored by the oracle book.
func (sv *SequenceValidator) RecordPriceGap(denom string, previous, got int64) {
	if got > previous+1 {
		sv.metrics.RecordPriceGap(denom, previous, got)
	}
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition initializes a partition from a snapshot.
func (sv *SequenceValidator) RestorePartition(partition string, nextSeq int64) {
	sv.expectedNextSeq[partition] = nextSeq
}

// GetAllPartitions returns a copy of every partition's next expected sequence.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type SequenceMetrics struct {
	gaps       map[string]int64 // partition -> gap count
	outOfOrder map[string]int64 // partition -> out-of-order count
	priceGaps  map[string]int64 // denom -> price gap count
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
		priceGaps:  make(map[string]int64),
	}
}

func (m *SequenceMetrics) RecordGap(partition string, expected, got int64) {
	m.gaps[partition]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partition]++
}

func (m *SequenceMetrics) RecordPriceGap(denom string, expected, got int64) {
	m.priceGaps[denom]++
}

func (m *SequenceMetrics) GetGaps(partition string) int64 {
	return m.gaps[partition]
}

func (m *SequenceMetrics) GetOutOfOrder(partition string) int64 {
	return m.outOfOrder[partition]
}

func (m *SequenceMetrics) GetPriceGaps(denom string) int64 {
	return m.priceGaps[denom]
}
