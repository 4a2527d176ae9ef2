package core

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// IdempotencyChecker implements two-tier deduplication: a bounded LRU of
// recently applied command keys, backed by the persisted event log.
type IdempotencyChecker struct {
	// Tier 1: In-memory LRU
	lru *lru.Cache

	// Tier 2: Postgres (injected via interface)
	dbChecker DBIdempotencyChecker

	metrics *IdempotencyMetrics
}

// DBIdempotencyChecker is the interface for Postgres dedup lookup
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) (*IdempotencyChecker, error) {
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("idempotency lru: %w", err)
	}
	return &IdempotencyChecker{
		lru:       cache,
		dbChecker: dbChecker,
		metrics:   NewIdempotencyMetrics(),
	}, nil
}

func compositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate checks if a command has been applied (two-tier lookup).
func (ic *IdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)

	if ic.lru.Contains(key) {
		ic.metrics.RecordDuplicate(eventType, "lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			// A lookup failure must not block the core; the unique index on
			// the event log still keeps a true duplicate out of the log.
			ic.metrics.RecordTier2Error()
			return false
		}

		if isDup {
			ic.metrics.RecordDuplicate(eventType, "postgres")
			ic.lru.Add(key, struct{}{})
			return true
		}
	}

	return false
}

// MarkProcessed adds key to LRU after a successful commit.
func (ic *IdempotencyChecker) MarkProcessed(eventType string, idempotencyKey string) {
	ic.lru.Add(compositeKey(eventType, idempotencyKey), struct{}{})
}

// WarmFromKeys loads composite keys (eventType:key) into the LRU on restart.
func (ic *IdempotencyChecker) WarmFromKeys(keys []string) {
	for _, k := range keys {
		ic.lru.Add(k, struct{}{})
	}
}

// Keys returns the cached composite keys, oldest first.
func (ic *IdempotencyChecker) Keys() []string {
	raw := ic.lru.Keys()
	out := make([]string, 0, len(raw))
	for _, k := range raw {
		out = append(out, k.(string))
	}
	return out
}

func (ic *IdempotencyChecker) Size() int {
	return ic.lru.Len()
}

// GetMetrics returns metrics for monitoring
func (ic *IdempotencyChecker) GetMetrics() *IdempotencyMetrics {
	return ic.metrics
}

// --- Metrics ---

// IdempotencyMetrics tracks dedup stats.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type IdempotencyMetrics struct {
	duplicatesLRU      map[string]int64 // event_type -> count
	duplicatesPostgres map[string]int64
	tier2Errors        int64
}

func NewIdempotencyMetrics() *IdempotencyMetrics {
	return &IdempotencyMetrics{
		duplicatesLRU:      make(map[string]int64),
		duplicatesPostgres: make(map[string]int64),
	}
}

func (m *IdempotencyMetrics) RecordDuplicate(eventType string, tier string) {
	if tier == "lru" {
		m.duplicatesLRU[eventType]++
	} else {
		m.duplicatesPostgres[eventType]++
	}
}

func (m *IdempotencyMetrics) RecordTier2Error() {
	m.tier2Errors++
}

func (m *IdempotencyMetrics) GetDuplicates(eventType string) (lru int64, postgres int64) {
	return m.duplicatesLRU[eventType], m.duplicatesPostgres[eventType]
}

func (m *IdempotencyMetrics) GetTier2Errors() int64 {
	return m.tier2Errors
}
