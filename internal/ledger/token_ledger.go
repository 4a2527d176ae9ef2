package ledger

import (
	"CDPLedger/internal/cdperr"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/store"
	"fmt"
)

// TokenLedger moves fungible balances inside one staged transaction and
// records every movement as a journal leg. Zero amounts are no-ops.
type TokenLedger struct {
	rw     store.ReadWriter
	assets *AssetRegistry
	batch  *Batch
}

func NewTokenLedger(rw store.ReadWriter, assets *AssetRegistry, batch *Batch) *TokenLedger {
	return &TokenLedger{rw: rw, assets: assets, batch: batch}
}

// Assets exposes the registry the ledger validates against.
func (l *TokenLedger) Assets() *AssetRegistry {
	return l.assets
}

// BalanceOf returns the balance of acct in asset.
func (l *TokenLedger) BalanceOf(asset string, acct AccountKey) uint64 {
	return loadBalance(l.rw, BalanceKey(acct, asset)).Amount
}

// TotalSupply returns the outstanding supply of asset.
func (l *TokenLedger) TotalSupply(asset string) uint64 {
	return loadSupply(l.rw, SupplyKey(asset)).Amount
}

// Mint creates amount of asset in to.
func (l *TokenLedger) Mint(asset string, to AccountKey, amount uint64, jt JournalType) error {
	if err := l.checkAsset(asset); err != nil {
		return err
	}
	if to.Scope == AccountScopeExternal {
		return fmt.Errorf("mint into external account %s", to.AccountPath())
	}
	if amount == 0 {
		return nil
	}

	supplyKey := SupplyKey(asset)
	supply := loadSupply(l.rw, supplyKey)
	next, err := fpmath.AddChecked(supply.Amount, amount)
	if err != nil {
		return fmt.Errorf("mint %s: supply %w", asset, err)
	}
	if err := l.credit(asset, to, amount); err != nil {
		return err
	}
	supply.Amount = next
	l.rw.Put(supplyKey, supply)

	l.batch.Append(jt, asset, to, Bridge, amount)
	return nil
}

// Burn destroys amount of asset held by from.
func (l *TokenLedger) Burn(asset string, from AccountKey, amount uint64, jt JournalType) error {
	if err := l.checkAsset(asset); err != nil {
		return err
	}
	if from.Scope == AccountScopeExternal {
		return fmt.Errorf("burn from external account %s", from.AccountPath())
	}
	if amount == 0 {
		return nil
	}

	if err := l.debit(asset, from, amount); err != nil {
		return err
	}
	supplyKey := SupplyKey(asset)
	supply := loadSupply(l.rw, supplyKey)
	if supply.Amount < amount {
		// Balances never exceed supply, so reaching here means corrupted state.
		return fmt.Errorf("burn %d %s exceeds supply %d", amount, asset, supply.Amount)
	}
	supply.Amount -= amount
	l.rw.Put(supplyKey, supply)

	l.batch.Append(jt, asset, Bridge, from, amount)
	return nil
}

// Transfer moves amount of asset from one account to another.
func (l *TokenLedger) Transfer(asset string, from, to AccountKey, amount uint64, jt JournalType) error {
	if err := l.checkAsset(asset); err != nil {
		return err
	}
	if from.Scope == AccountScopeExternal || to.Scope == AccountScopeExternal {
		return fmt.Errorf("transfer through external account: use mint or burn")
	}
	if from == to {
		return fmt.Errorf("transfer %s to itself", from.AccountPath())
	}
	if amount == 0 {
		return nil
	}

	if err := l.debit(asset, from, amount); err != nil {
		return err
	}
	if err := l.credit(asset, to, amount); err != nil {
		return err
	}

	l.batch.Append(jt, asset, to, from, amount)
	return nil
}

func (l *TokenLedger) checkAsset(asset string) error {
	if _, ok := l.assets.Kind(asset); !ok {
		return fmt.Errorf("%w: unregistered asset %q", cdperr.ErrAssetMismatch, asset)
	}
	return nil
}

func (l *TokenLedger) debit(asset string, acct AccountKey, amount uint64) error {
	key := BalanceKey(acct, asset)
	bal := loadBalance(l.rw, key)
	if bal.Amount < amount {
		return fmt.Errorf("%w: %s holds %d %s, needs %d",
			cdperr.ErrInsufficientBalance, acct.AccountPath(), bal.Amount, asset, amount)
	}
	bal.Amount -= amount
	if bal.Amount == 0 {
		l.rw.Delete(key)
		return nil
	}
	l.rw.Put(key, bal)
	return nil
}

func (l *TokenLedger) credit(asset string, acct AccountKey, amount uint64) error {
	key := BalanceKey(acct, asset)
	bal := loadBalance(l.rw, key)
	next, err := fpmath.AddChecked(bal.Amount, amount)
	if err != nil {
		return fmt.Errorf("credit %s: %w", acct.AccountPath(), err)
	}
	bal.Amount = next
	l.rw.Put(key, bal)
	return nil
}
