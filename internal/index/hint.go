// Package index validates caller-supplied positions in the per-denom ICR
// ordering and keeps the off-core sorted view that callers derive hints from.
//
// The core never stores the ordering. It spot-checks the neighbours named in a
// hint against live state: an authentic open position of the same denom on
// each side, with ICR(prev) ≤ icr ≤ ICR(next).
package index

import (
	"CDPLedger/internal/cdperr"
	"fmt"
)

// Hint names the would-be neighbours of a position in ascending ICR order.
// Either side may be empty at the ends of the list.
type Hint struct {
	Prev string `json:"prev,omitempty"`
	Next string `json:"next,omitempty"`
}

// IsEmpty reports whether no neighbour was supplied.
func (h Hint) IsEmpty() bool {
	return h.Prev == "" && h.Next == ""
}

// Entry is the live view of one position as the core sees it.
type Entry struct {
	Owner string
	Denom string
	Open  bool
	ICR   uint64 // current price, pending redistribution included
}

// ICRReader resolves owners to live entries. Implementations derive the
// record address from the owner; a hint can never point at arbitrary storage.
type ICRReader interface {
	Lookup(owner string) (Entry, bool, error)
	OpenCount(denom string) uint64
}

// Validate checks that self, at icr, fits between hint.Prev and hint.Next in
// the ordering of denom. An empty hint is only accepted when no other open
// position of the denom exists.
func Validate(r ICRReader, self, denom string, icr uint64, hint Hint) error {
	if hint.IsEmpty() {
		others := r.OpenCount(denom)
		if e, ok, err := r.Lookup(self); err != nil {
			return err
		} else if ok && e.Open && e.Denom == denom && others > 0 {
			others--
		}
		if others > 0 {
			return fmt.Errorf("%w: %d other open %s positions, hint required", cdperr.ErrInvalidOrdering, others, denom)
		}
		return nil
	}

	if hint.Prev != "" {
		prev, err := neighbour(r, self, denom, hint.Prev)
		if err != nil {
			return err
		}
		if prev.ICR > icr {
			return fmt.Errorf("%w: prev %s has ICR %d above %d", cdperr.ErrInvalidOrdering, prev.Owner, prev.ICR, icr)
		}
	}
	if hint.Next != "" {
		next, err := neighbour(r, self, denom, hint.Next)
		if err != nil {
			return err
		}
		if next.ICR < icr {
			return fmt.Errorf("%w: next %s has ICR %d below %d", cdperr.ErrInvalidOrdering, next.Owner, next.ICR, icr)
		}
	}
	return nil
}

func neighbour(r ICRReader, self, denom, owner string) (Entry, error) {
	if owner == self {
		return Entry{}, fmt.Errorf("%w: %s named as its own neighbour", cdperr.ErrInvalidOrdering, owner)
	}
	e, ok, err := r.Lookup(owner)
	if err != nil {
		return Entry{}, err
	}
	if !ok || !e.Open {
		return Entry{}, fmt.Errorf("%w: %s has no open position", cdperr.ErrInvalidOrdering, owner)
	}
	if e.Denom != denom {
		return Entry{}, fmt.Errorf("%w: %s holds %s, not %s", cdperr.ErrInvalidOrdering, owner, e.Denom, denom)
	}
	return e, nil
}

// ValidateAscending checks that the open positions of denom among owners
// appear in non-decreasing live ICR. Other denoms and closed positions are
// skipped, as redemption skips them. Duplicates are rejected.
func ValidateAscending(r ICRReader, denom string, owners []string) error {
	seen := make(map[string]struct{}, len(owners))
	var last uint64
	var lastOwner string

	for _, owner := range owners {
		if _, dup := seen[owner]; dup {
			return fmt.Errorf("%w: %s listed twice", cdperr.ErrInvalidList, owner)
		}
		seen[owner] = struct{}{}

		e, ok, err := r.Lookup(owner)
		if err != nil {
			return err
		}
		if !ok || !e.Open || e.Denom != denom {
			continue
		}
		if lastOwner != "" && e.ICR < last {
			return fmt.Errorf("%w: %s (ICR %d) after %s (ICR %d)", cdperr.ErrInvalidOrdering, owner, e.ICR, lastOwner, last)
		}
		last, lastOwner = e.ICR, owner
	}
	return nil
}
