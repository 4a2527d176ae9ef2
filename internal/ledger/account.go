package ledger

import (
	"fmt"
	"sort"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeCollateralVault // collateral of open positions and the default pool
	SubTypeStabilityPool   // staked stable
	SubTypePoolGains       // collateral owed to stakers
	SubTypeFeeCollector    // borrow fees

	// External sub-types
	SubTypeBridge // funds entering or leaving the ledger
)

// AssetKind separates the synthetic asset from collateral.
type AssetKind uint8

const (
	AssetKindStable AssetKind = iota + 1
	AssetKindCollateral
)

// AssetRegistry is the set of asset identities the ledger will move.
// It is built once at startup from configuration and never mutated afterwards.
type AssetRegistry struct {
	stable string
	kinds  map[string]AssetKind
}

func NewAssetRegistry(stable string, collateral []string) (*AssetRegistry, error) {
	if stable == "" {
		return nil, fmt.Errorf("stable denom is empty")
	}
	r := &AssetRegistry{
		stable: stable,
		kinds:  map[string]AssetKind{stable: AssetKindStable},
	}
	for _, denom := range collateral {
		if _, dup := r.kinds[denom]; dup {
			return nil, fmt.Errorf("asset %q registered twice", denom)
		}
		r.kinds[denom] = AssetKindCollateral
	}
	return r, nil
}

// Stable returns the synthetic asset denom.
func (r *AssetRegistry) Stable() string {
	return r.stable
}

// Kind returns the registered kind of an asset.
func (r *AssetRegistry) Kind(asset string) (AssetKind, bool) {
	k, ok := r.kinds[asset]
	return k, ok
}

// IsCollateral reports whether asset is a registered collateral denom.
func (r *AssetRegistry) IsCollateral(asset string) bool {
	return r.kinds[asset] == AssetKindCollateral
}

// Assets returns every registered denom, sorted.
func (r *AssetRegistry) Assets() []string {
	out := make([]string, 0, len(r.kinds))
	for a := range r.kinds {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// AccountKey identifies a balance holder; the asset is supplied per call.
type AccountKey struct {
	Scope   AccountScope
	Owner   string // user identity; empty for system and external accounts
	SubType AccountSubType
}

// UserWallet is the spendable account of an owner.
func UserWallet(owner string) AccountKey {
	return AccountKey{Scope: AccountScopeUser, Owner: owner, SubType: SubTypeWallet}
}

// SystemAccount creates a key for protocol-held accounts
func SystemAccount(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: subType}
}

// ExternalAccount creates a key for external boundary accounts
func ExternalAccount(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: subType}
}

var (
	CollateralVault = SystemAccount(SubTypeCollateralVault)
	StabilityPool   = SystemAccount(SubTypeStabilityPool)
	PoolGains       = SystemAccount(SubTypePoolGains)
	FeeCollector    = SystemAccount(SubTypeFeeCollector)
	Bridge          = ExternalAccount(SubTypeBridge)
)

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s", k.Owner, k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath.
func ParseAccountPath(path string) (AccountKey, error) {
	for _, candidate := range []AccountKey{CollateralVault, StabilityPool, PoolGains, FeeCollector, Bridge} {
		if candidate.AccountPath() == path {
			return candidate, nil
		}
	}
	const prefix, suffix = "user:", ":wallet"
	if len(path) > len(prefix)+len(suffix) && path[:len(prefix)] == prefix && path[len(path)-len(suffix):] == suffix {
		return UserWallet(path[len(prefix) : len(path)-len(suffix)]), nil
	}
	return AccountKey{}, fmt.Errorf("unknown account path %q", path)
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypeCollateralVault:
		return "collateral_vault"
	case SubTypeStabilityPool:
		return "stability_pool"
	case SubTypePoolGains:
		return "pool_gains"
	case SubTypeFeeCollector:
		return "fee_collector"
	case SubTypeBridge:
		return "bridge"
	default:
		return "unknown"
	}
}
