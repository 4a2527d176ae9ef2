package index

import (
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/holiman/uint256"
)

const defaultTreeDegree = 32

type sortedEntry struct {
	nicr  uint256.Int
	owner string
}

func (e sortedEntry) Less(o sortedEntry) bool {
	if c := e.nicr.Cmp(&o.nicr); c != 0 {
		return c < 0
	}
	return e.owner < o.owner
}

type denomTree struct {
	tree   *btree.BTreeG[sortedEntry]
	owners map[string]sortedEntry
}

// MemorySorter keeps the ordering in process, one B-tree per denom.
type MemorySorter struct {
	mu    sync.RWMutex
	trees map[string]*denomTree
}

func NewMemorySorter() *MemorySorter {
	return &MemorySorter{trees: make(map[string]*denomTree)}
}

func (s *MemorySorter) denom(denom string) *denomTree {
	t, ok := s.trees[denom]
	if !ok {
		t = &denomTree{
			tree:   btree.NewG(defaultTreeDegree, sortedEntry.Less),
			owners: make(map[string]sortedEntry),
		}
		s.trees[denom] = t
	}
	return t
}

func (s *MemorySorter) Upsert(_ context.Context, denom, owner string, nicr *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.denom(denom)
	if old, ok := t.owners[owner]; ok {
		t.tree.Delete(old)
	}
	e := sortedEntry{nicr: *nicr, owner: owner}
	t.tree.ReplaceOrInsert(e)
	t.owners[owner] = e
	return nil
}

func (s *MemorySorter) Remove(_ context.Context, denom, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trees[denom]
	if !ok {
		return nil
	}
	if old, ok := t.owners[owner]; ok {
		t.tree.Delete(old)
		delete(t.owners, owner)
	}
	return nil
}

func (s *MemorySorter) Neighbors(_ context.Context, denom, owner string, nicr *uint256.Int) (Hint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hint Hint
	t, ok := s.trees[denom]
	if !ok {
		return hint, nil
	}

	// Owners are never empty, so the pivot sits before every entry with an
	// equal ratio: descending from it sees strictly lower ratios only.
	pivot := sortedEntry{nicr: *nicr}
	t.tree.DescendLessOrEqual(pivot, func(e sortedEntry) bool {
		if e.owner == owner {
			return true
		}
		hint.Prev = e.owner
		return false
	})
	t.tree.AscendGreaterOrEqual(pivot, func(e sortedEntry) bool {
		if e.owner == owner {
			return true
		}
		hint.Next = e.owner
		return false
	})
	return hint, nil
}

func (s *MemorySorter) Ascending(_ context.Context, denom string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trees[denom]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, min(limit, t.tree.Len()))
	t.tree.Ascend(func(e sortedEntry) bool {
		if len(out) >= limit {
			return false
		}
		out = append(out, e.owner)
		return true
	})
	return out, nil
}

func (s *MemorySorter) Len(_ context.Context, denom string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.trees[denom]; ok {
		return t.tree.Len(), nil
	}
	return 0, nil
}

func (s *MemorySorter) Reset(_ context.Context, denom string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trees, denom)
	return nil
}
