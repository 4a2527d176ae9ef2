package state

// LiquidationPath classifies how a liquidation was absorbed.
type LiquidationPath int32

const (
	// PathPool: the stability pool covered the whole debt.
	PathPool LiquidationPath = iota + 1
	// PathPartial: the pool covered part, the rest was redistributed.
	PathPartial
	// PathRedistribution: the pool was empty, everything was redistributed.
	PathRedistribution
)

func (p LiquidationPath) String() string {
	switch p {
	case PathPool:
		return "pool"
	case PathPartial:
		return "partial"
	case PathRedistribution:
		return "redistribution"
	default:
		return "unknown"
	}
}

// ComputeCoverage returns how much of debt the pool can absorb.
// If the pool is insufficient, returns the partial amount and the remainder
// that must be redistributed.
func ComputeCoverage(poolStake, debt uint64) (covered, remaining uint64, path LiquidationPath) {
	switch {
	case poolStake >= debt:
		return debt, 0, PathPool
	case poolStake == 0:
		return 0, debt, PathRedistribution
	default:
		return poolStake, debt - poolStake, PathPartial
	}
}
