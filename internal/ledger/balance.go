package ledger

import (
	"CDPLedger/internal/store"
	"encoding/binary"
)

// Balance is the stored amount of one asset held by one account.
type Balance struct {
	Amount uint64
}

func (b *Balance) CanonicalBytes() []byte {
	return binary.LittleEndian.AppendUint64(nil, b.Amount)
}

func (b *Balance) Clone() store.Record {
	cp := *b
	return &cp
}

// Supply is the outstanding amount of an asset minted through the bridge.
type Supply struct {
	Amount uint64
}

func (s *Supply) CanonicalBytes() []byte {
	return binary.LittleEndian.AppendUint64(nil, s.Amount)
}

func (s *Supply) Clone() store.Record {
	cp := *s
	return &cp
}

// BalanceKey is the record address of an account's balance in asset.
func BalanceKey(acct AccountKey, asset string) store.Key {
	return store.Key{Type: store.RecordBalance, Owner: acct.AccountPath(), Denom: asset}
}

// SupplyKey is the record address of an asset's supply.
func SupplyKey(asset string) store.Key {
	return store.Key{Type: store.RecordSupply, Denom: asset}
}

func loadBalance(r store.Reader, key store.Key) *Balance {
	rec, ok := r.Get(key)
	if !ok {
		return &Balance{}
	}
	return rec.(*Balance)
}

func loadSupply(r store.Reader, key store.Key) *Supply {
	rec, ok := r.Get(key)
	if !ok {
		return &Supply{}
	}
	return rec.(*Supply)
}
