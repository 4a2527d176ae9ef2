package store

import (
	"errors"
	"sort"
)

var ErrTxnClosed = errors.New("transaction already committed or discarded")

// Txn stages writes against a Memory. Nothing is visible to the committed set
// until Commit; Discard drops every staged write.
type Txn struct {
	base    *Memory
	writes  map[Key]Record
	deletes map[Key]struct{}
	closed  bool
}

// Get returns the staged record if present, otherwise a copy of the committed one.
// Callers mutate the returned record and Put it back.
func (tx *Txn) Get(key Key) (Record, bool) {
	if _, gone := tx.deletes[key]; gone {
		return nil, false
	}
	if rec, ok := tx.writes[key]; ok {
		return rec, true
	}
	rec, ok := tx.base.Get(key)
	if ok {
		tx.writes[key] = rec
	}
	return rec, ok
}

func (tx *Txn) Put(key Key, rec Record) {
	delete(tx.deletes, key)
	tx.writes[key] = rec
}

func (tx *Txn) Delete(key Key) {
	delete(tx.writes, key)
	tx.deletes[key] = struct{}{}
}

// Touched returns every key read-for-write, written or deleted, in key order.
func (tx *Txn) Touched() []Key {
	keys := make([]Key, 0, len(tx.writes)+len(tx.deletes))
	for k := range tx.writes {
		keys = append(keys, k)
	}
	for k := range tx.deletes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return Less(keys[i], keys[j]) })
	return keys
}

// Commit applies all staged writes atomically and returns them in key order.
func (tx *Txn) Commit() ([]Change, error) {
	if tx.closed {
		return nil, ErrTxnClosed
	}
	tx.closed = true

	keys := tx.Touched()
	changes := make([]Change, 0, len(keys))
	for _, k := range keys {
		if _, gone := tx.deletes[k]; gone {
			delete(tx.base.records, k)
			changes = append(changes, Change{Key: k})
			continue
		}
		rec := tx.writes[k]
		tx.base.records[k] = rec
		changes = append(changes, Change{Key: k, Record: rec.Clone()})
	}
	return changes, nil
}

// Discard drops all staged writes.
func (tx *Txn) Discard() {
	tx.closed = true
	tx.writes = nil
	tx.deletes = nil
}
