package store_test

import (
	"CDPLedger/internal/store"
	"encoding/binary"
	"testing"
)

type counter struct{ n uint64 }

func (c *counter) CanonicalBytes() []byte {
	return binary.LittleEndian.AppendUint64(nil, c.n)
}

func (c *counter) Clone() store.Record {
	cp := *c
	return &cp
}

func key(owner string) store.Key {
	return store.Key{Type: store.RecordBalance, Owner: owner, Denom: "STABLE"}
}

func TestTxn_DiscardLeavesCommittedStateUnchanged(t *testing.T) {
	m := store.NewMemory()
	m.Load(key("alice"), &counter{n: 10})

	tx := m.Begin()
	rec, ok := tx.Get(key("alice"))
	if !ok {
		t.Fatal("expected record")
	}
	rec.(*counter).n = 99
	tx.Put(key("alice"), rec)
	tx.Put(key("bob"), &counter{n: 5})
	tx.Discard()

	got, _ := m.Get(key("alice"))
	if got.(*counter).n != 10 {
		t.Errorf("alice: got %d, want 10", got.(*counter).n)
	}
	if _, ok := m.Get(key("bob")); ok {
		t.Error("bob should not exist after discard")
	}
}

func TestTxn_CommitAppliesAllWrites(t *testing.T) {
	m := store.NewMemory()
	m.Load(key("alice"), &counter{n: 10})
	m.Load(key("carol"), &counter{n: 1})

	tx := m.Begin()
	tx.Put(key("bob"), &counter{n: 5})
	tx.Delete(key("carol"))
	rec, _ := tx.Get(key("alice"))
	rec.(*counter).n = 11
	tx.Put(key("alice"), rec)

	changes, err := tx.Commit()
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(changes))
	}
	// Key order: alice, bob, carol.
	if changes[0].Key.Owner != "alice" || changes[2].Key.Owner != "carol" || changes[2].Record != nil {
		t.Errorf("unexpected change order: %+v", changes)
	}

	if got, _ := m.Get(key("alice")); got.(*counter).n != 11 {
		t.Errorf("alice: got %d, want 11", got.(*counter).n)
	}
	if _, ok := m.Get(key("carol")); ok {
		t.Error("carol should be deleted")
	}

	if _, err := tx.Commit(); err == nil {
		t.Error("second commit should fail")
	}
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	m := store.NewMemory()
	m.Load(key("alice"), &counter{n: 1})

	rec, _ := m.Get(key("alice"))
	rec.(*counter).n = 50

	again, _ := m.Get(key("alice"))
	if again.(*counter).n != 1 {
		t.Errorf("committed record mutated through a read: %d", again.(*counter).n)
	}
}

func TestMemory_ScanIsOrdered(t *testing.T) {
	m := store.NewMemory()
	for _, owner := range []string{"zed", "amy", "kim"} {
		m.Load(key(owner), &counter{})
	}
	m.Load(store.Key{Type: store.RecordPosition, Owner: "amy"}, &counter{})

	var seen []string
	m.Scan(store.RecordBalance, func(k store.Key, _ store.Record) bool {
		seen = append(seen, k.Owner)
		return true
	})

	want := []string{"amy", "kim", "zed"}
	if len(seen) != len(want) {
		t.Fatalf("got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, seen[i], want[i])
		}
	}
}
