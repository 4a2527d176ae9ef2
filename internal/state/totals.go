package state

import (
	"CDPLedger/internal/store"
	"encoding/binary"
	"sort"
)

// Totals are the protocol-wide aggregates the core keeps in O(1).
type Totals struct {
	// Debt is the sum of open position debt plus redistributed debt not yet
	// applied to a position. It must equal the stable supply.
	Debt uint64
	// Collateral is the sum of recorded collateral of open positions, per denom.
	// It is the redistribution weight.
	Collateral map[string]uint64
	// Open counts open positions per denom.
	Open map[string]uint64
}

func NewTotals() *Totals {
	return &Totals{
		Collateral: make(map[string]uint64),
		Open:       make(map[string]uint64),
	}
}

func (t *Totals) CanonicalBytes() []byte {
	buf := binary.LittleEndian.AppendUint64(nil, t.Debt)
	for _, denom := range sortedKeys(t.Collateral, t.Open) {
		buf = append(buf, byte(len(denom)))
		buf = append(buf, denom...)
		buf = binary.LittleEndian.AppendUint64(buf, t.Collateral[denom])
		buf = binary.LittleEndian.AppendUint64(buf, t.Open[denom])
	}
	return buf
}

func (t *Totals) Clone() store.Record {
	cp := &Totals{
		Debt:       t.Debt,
		Collateral: make(map[string]uint64, len(t.Collateral)),
		Open:       make(map[string]uint64, len(t.Open)),
	}
	for k, v := range t.Collateral {
		cp.Collateral[k] = v
	}
	for k, v := range t.Open {
		cp.Open[k] = v
	}
	return cp
}

// TotalsKey is the singleton address of the aggregates.
func TotalsKey() store.Key {
	return store.Key{Type: store.RecordTotals}
}

func sortedKeys(maps ...map[string]uint64) []string {
	seen := make(map[string]struct{})
	for _, m := range maps {
		for k := range m {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
