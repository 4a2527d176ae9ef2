// Package store is the keyed record substrate behind the core. Records are
// addressed by (type, owner, denom) and mutated only through a Txn, which
// stages writes and applies them in one step on Commit.
package store

import (
	"fmt"
	"sort"
)

// RecordType discriminates record families.
type RecordType uint8

const (
	RecordUnknown RecordType = iota
	RecordPosition
	RecordDeposit
	RecordPool
	RecordAccumulator
	RecordTotals
	RecordPrice
	RecordBalance
	RecordSupply
)

func (t RecordType) String() string {
	switch t {
	case RecordPosition:
		return "position"
	case RecordDeposit:
		return "deposit"
	case RecordPool:
		return "pool"
	case RecordAccumulator:
		return "accumulator"
	case RecordTotals:
		return "totals"
	case RecordPrice:
		return "price"
	case RecordBalance:
		return "balance"
	case RecordSupply:
		return "supply"
	default:
		return "unknown"
	}
}

// Key addresses one record. Owner and Denom are empty for singleton records.
type Key struct {
	Type  RecordType
	Owner string
	Denom string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Type, k.Owner, k.Denom)
}

// Less orders keys deterministically: type, then owner, then denom.
func Less(a, b Key) bool {
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	if a.Owner != b.Owner {
		return a.Owner < b.Owner
	}
	return a.Denom < b.Denom
}

// Record is a value stored under a Key.
type Record interface {
	// CanonicalBytes is the deterministic encoding fed into the state hash.
	CanonicalBytes() []byte
	// Clone returns a deep copy so staged mutations never alias committed state.
	Clone() Record
}

// Reader reads records.
type Reader interface {
	Get(key Key) (Record, bool)
}

// ReadWriter is the surface typed accessors work against.
type ReadWriter interface {
	Reader
	Put(key Key, rec Record)
	Delete(key Key)
}

// Change is one committed write. Record is nil for deletions.
type Change struct {
	Key    Key
	Record Record
}

// Memory is the committed record set.
// Not thread-safe: owned by the single-threaded core.
type Memory struct {
	records map[Key]Record
}

func NewMemory() *Memory {
	return &Memory{records: make(map[Key]Record)}
}

// Get returns a copy of the committed record.
func (m *Memory) Get(key Key) (Record, bool) {
	rec, ok := m.records[key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Load installs a record directly (snapshot restore only).
func (m *Memory) Load(key Key, rec Record) {
	m.records[key] = rec
}

// Len returns the number of committed records.
func (m *Memory) Len() int {
	return len(m.records)
}

// Scan visits committed records of one type in key order until fn returns false.
func (m *Memory) Scan(t RecordType, fn func(Key, Record) bool) {
	keys := make([]Key, 0)
	for k := range m.records {
		if k.Type == t {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return Less(keys[i], keys[j]) })

	for _, k := range keys {
		if !fn(k, m.records[k].Clone()) {
			return
		}
	}
}

// Begin starts a staged transaction over the committed set.
func (m *Memory) Begin() *Txn {
	return &Txn{
		base:    m,
		writes:  make(map[Key]Record),
		deletes: make(map[Key]struct{}),
	}
}
