package ledger

import (
	"CDPLedger/internal/store"
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	assets *AssetRegistry
}

func NewInvariantValidator(assets *AssetRegistry) *InvariantValidator {
	return &InvariantValidator{assets: assets}
}

// ValidateBatchBalance verifies every leg of the batch is well-formed.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateConservation verifies, per asset, that the balances held by all
// accounts sum to the asset's supply. Full scan; run periodically.
func (v *InvariantValidator) ValidateConservation(m *store.Memory) error {
	held := make(map[string]uint64)
	m.Scan(store.RecordBalance, func(k store.Key, rec store.Record) bool {
		held[k.Denom] += rec.(*Balance).Amount
		return true
	})

	for _, asset := range v.assets.Assets() {
		var supply uint64
		if rec, ok := m.Get(SupplyKey(asset)); ok {
			supply = rec.(*Supply).Amount
		}
		if held[asset] != supply {
			return fmt.Errorf("asset %s: balances sum to %d, supply is %d", asset, held[asset], supply)
		}
	}

	return nil
}
