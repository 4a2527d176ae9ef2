package state

import (
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/store"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/holiman/uint256"
)

// SumKey addresses one cumulative sum S: per epoch, scale and collateral denom.
type SumKey struct {
	Epoch uint64
	Scale uint64
	Denom string
}

// Pool is the stability pool's product/sum state.
//
// A deposit D made when the product was P_snap is worth D * P / P_snap now.
// Collateral gains accrue into S weighted by P at the time of each liquidation,
// so a depositor's gain is D * ΔS / P_snap regardless of later depletion.
// P is rescaled by 1e9 (Scale++) before it loses precision, and a liquidation
// that empties the pool starts a new epoch with P reset to 1.
type Pool struct {
	TotalStake uint64
	P          uint256.Int // 1e18 = 1.0
	Epoch      uint64
	Scale      uint64
	S          map[SumKey]uint256.Int
	// Rounding feedback carried between liquidations.
	CollError map[string]uint256.Int
	LossError uint256.Int
}

func NewPool() *Pool {
	p := &Pool{
		S:         make(map[SumKey]uint256.Int),
		CollError: make(map[string]uint256.Int),
	}
	p.P.SetUint64(fpmath.Precision)
	return p
}

// Sum returns S for (epoch, scale, denom), zero when never written.
func (p *Pool) Sum(epoch, scale uint64, denom string) uint256.Int {
	return p.S[SumKey{Epoch: epoch, Scale: scale, Denom: denom}]
}

// Offset absorbs covered debt from the pool and credits coll of denom to
// stakers. covered must not exceed TotalStake.
func (p *Pool) Offset(covered uint64, denom string, coll uint64) error {
	if covered == 0 {
		return nil
	}
	if covered > p.TotalStake {
		return fmt.Errorf("offset %d exceeds pool stake %d", covered, p.TotalStake)
	}

	precision := fpmath.PrecisionInt()
	total := uint256.NewInt(p.TotalStake)

	// Collateral gain per unit staked, with the previous remainder folded in.
	collErr := p.CollError[denom]
	collNum := new(uint256.Int).Mul(uint256.NewInt(coll), precision)
	collNum.Add(collNum, &collErr)
	gainPerUnit := new(uint256.Int).Div(collNum, total)
	rem := new(uint256.Int).Mul(gainPerUnit, total)
	p.CollError[denom] = *rem.Sub(collNum, rem)

	// Debt loss per unit staked. Rounded up so the pool never over-reports
	// what is left; the error offset gives the excess back next time.
	lossPerUnit := new(uint256.Int)
	if covered == p.TotalStake {
		lossPerUnit.Set(precision)
		p.LossError.Clear()
	} else {
		lossNum := new(uint256.Int).Mul(uint256.NewInt(covered), precision)
		lossNum.Sub(lossNum, &p.LossError)
		lossPerUnit.Div(lossNum, total)
		lossPerUnit.AddUint64(lossPerUnit, 1)
		over := new(uint256.Int).Mul(lossPerUnit, total)
		p.LossError = *over.Sub(over, lossNum)
	}
	if lossPerUnit.Gt(precision) {
		return fmt.Errorf("loss per unit %s exceeds 1.0", lossPerUnit.Dec())
	}

	// S[epoch][scale][denom] += gainPerUnit * P
	key := SumKey{Epoch: p.Epoch, Scale: p.Scale, Denom: denom}
	sum := p.S[key]
	marginal := new(uint256.Int).Mul(gainPerUnit, &p.P)
	sum.Add(&sum, marginal)
	p.S[key] = sum

	// P *= (1 - lossPerUnit)
	factor := new(uint256.Int).Sub(precision, lossPerUnit)
	next := new(uint256.Int).Mul(&p.P, factor)
	next.Div(next, precision)

	switch {
	case factor.IsZero():
		p.Epoch++
		p.Scale = 0
		p.P.SetUint64(fpmath.Precision)
	case next.Lt(uint256.NewInt(fpmath.ScaleFactor)):
		next.Mul(&p.P, factor)
		next.Mul(next, uint256.NewInt(fpmath.ScaleFactor))
		next.Div(next, precision)
		if next.IsZero() {
			p.Epoch++
			p.Scale = 0
			p.P.SetUint64(fpmath.Precision)
			break
		}
		p.P = *next
		p.Scale++
	default:
		p.P = *next
	}

	p.TotalStake -= covered
	return nil
}

// CompoundedStake is the deposit's current value after every offset since
// its snapshot. A deposit from an earlier epoch was fully consumed.
func (p *Pool) CompoundedStake(d *Deposit) uint64 {
	if d.Amount == 0 || d.Epoch < p.Epoch || d.P.IsZero() {
		return 0
	}

	compounded := new(uint256.Int)
	switch p.Scale - d.Scale {
	case 0:
		compounded.Mul(uint256.NewInt(d.Amount), &p.P)
		compounded.Div(compounded, &d.P)
	case 1:
		compounded.Mul(uint256.NewInt(d.Amount), &p.P)
		compounded.Div(compounded, &d.P)
		compounded.Div(compounded, uint256.NewInt(fpmath.ScaleFactor))
	default:
		return 0
	}

	// Below a billionth of the original deposit the result is rounding noise.
	if compounded.Lt(uint256.NewInt(d.Amount / fpmath.ScaleFactor)) {
		return 0
	}
	if !compounded.IsUint64() || compounded.Uint64() > d.Amount {
		return d.Amount
	}
	return compounded.Uint64()
}

// Gain is the collateral of denom earned by the deposit since its snapshot.
func (p *Pool) Gain(d *Deposit, denom string) uint64 {
	if d.Amount == 0 || d.P.IsZero() {
		return 0
	}

	snap := d.S[denom]
	first := p.Sum(d.Epoch, d.Scale, denom)
	if first.Lt(&snap) {
		return 0
	}
	first.Sub(&first, &snap)

	second := p.Sum(d.Epoch, d.Scale+1, denom)
	second.Div(&second, uint256.NewInt(fpmath.ScaleFactor))

	gain := new(uint256.Int).Add(&first, &second)
	gain.Mul(gain, uint256.NewInt(d.Amount))
	gain.Div(gain, &d.P)
	gain.Div(gain, fpmath.PrecisionInt())

	if !gain.IsUint64() {
		return 0
	}
	return gain.Uint64()
}

// Refresh crystallizes the deposit's gains into Pending, compounds its
// stake, and snapshots it to the current P, S, epoch and scale.
func (p *Pool) Refresh(d *Deposit) {
	for _, denom := range p.gainDenoms(d) {
		if g := p.Gain(d, denom); g > 0 {
			d.Pending[denom] += g
		}
	}

	d.Amount = p.CompoundedStake(d)
	d.P = p.P
	d.Epoch = p.Epoch
	d.Scale = p.Scale
	d.S = make(map[string]uint256.Int)
	for key, sum := range p.S {
		if key.Epoch == p.Epoch && key.Scale == p.Scale {
			d.S[key.Denom] = sum
		}
	}
}

// gainDenoms lists every denom with a sum in the deposit's epoch/scale window.
func (p *Pool) gainDenoms(d *Deposit) []string {
	seen := make(map[string]struct{})
	for key := range p.S {
		if key.Epoch == d.Epoch && (key.Scale == d.Scale || key.Scale == d.Scale+1) {
			seen[key.Denom] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for denom := range seen {
		out = append(out, denom)
	}
	sort.Strings(out)
	return out
}

func (p *Pool) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = binary.LittleEndian.AppendUint64(buf, p.TotalStake)
	pb := p.P.Bytes32()
	buf = append(buf, pb[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, p.Epoch)
	buf = binary.LittleEndian.AppendUint64(buf, p.Scale)

	for _, key := range p.SortedSumKeys() {
		sum := p.S[key]
		sb := sum.Bytes32()
		buf = binary.LittleEndian.AppendUint64(buf, key.Epoch)
		buf = binary.LittleEndian.AppendUint64(buf, key.Scale)
		buf = append(buf, byte(len(key.Denom)))
		buf = append(buf, key.Denom...)
		buf = append(buf, sb[:]...)
	}

	denoms := make([]string, 0, len(p.CollError))
	for d := range p.CollError {
		denoms = append(denoms, d)
	}
	sort.Strings(denoms)
	for _, d := range denoms {
		e := p.CollError[d]
		eb := e.Bytes32()
		buf = append(buf, byte(len(d)))
		buf = append(buf, d...)
		buf = append(buf, eb[:]...)
	}
	lb := p.LossError.Bytes32()
	return append(buf, lb[:]...)
}

// SortedSumKeys returns the keys of S in (epoch, scale, denom) order.
func (p *Pool) SortedSumKeys() []SumKey {
	keys := make([]SumKey, 0, len(p.S))
	for k := range p.S {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Epoch != keys[j].Epoch {
			return keys[i].Epoch < keys[j].Epoch
		}
		if keys[i].Scale != keys[j].Scale {
			return keys[i].Scale < keys[j].Scale
		}
		return keys[i].Denom < keys[j].Denom
	})
	return keys
}

func (p *Pool) Clone() store.Record {
	cp := &Pool{
		TotalStake: p.TotalStake,
		P:          p.P,
		Epoch:      p.Epoch,
		Scale:      p.Scale,
		S:          make(map[SumKey]uint256.Int, len(p.S)),
		CollError:  make(map[string]uint256.Int, len(p.CollError)),
		LossError:  p.LossError,
	}
	for k, v := range p.S {
		cp.S[k] = v
	}
	for k, v := range p.CollError {
		cp.CollError[k] = v
	}
	return cp
}

// PoolKey is the singleton address of the pool.
func PoolKey() store.Key {
	return store.Key{Type: store.RecordPool}
}

// Deposit is one staker's snapshot in the pool.
type Deposit struct {
	Staker  string
	Amount  uint64 // stake at the snapshot
	P       uint256.Int
	S       map[string]uint256.Int
	Epoch   uint64
	Scale   uint64
	Pending map[string]uint64 // crystallized, unwithdrawn collateral gains
}

func NewDeposit(staker string) *Deposit {
	return &Deposit{
		Staker:  staker,
		S:       make(map[string]uint256.Int),
		Pending: make(map[string]uint64),
	}
}

// IsEmpty reports whether the deposit holds neither stake nor gains.
func (d *Deposit) IsEmpty() bool {
	if d.Amount != 0 {
		return false
	}
	for _, v := range d.Pending {
		if v != 0 {
			return false
		}
	}
	return true
}

func (d *Deposit) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, byte(len(d.Staker)))
	buf = append(buf, d.Staker...)
	buf = binary.LittleEndian.AppendUint64(buf, d.Amount)
	pb := d.P.Bytes32()
	buf = append(buf, pb[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, d.Epoch)
	buf = binary.LittleEndian.AppendUint64(buf, d.Scale)

	denoms := make([]string, 0, len(d.S)+len(d.Pending))
	seen := make(map[string]struct{})
	for k := range d.S {
		seen[k] = struct{}{}
	}
	for k := range d.Pending {
		seen[k] = struct{}{}
	}
	for k := range seen {
		denoms = append(denoms, k)
	}
	sort.Strings(denoms)
	for _, denom := range denoms {
		s := d.S[denom]
		sb := s.Bytes32()
		buf = append(buf, byte(len(denom)))
		buf = append(buf, denom...)
		buf = append(buf, sb[:]...)
		buf = binary.LittleEndian.AppendUint64(buf, d.Pending[denom])
	}
	return buf
}

func (d *Deposit) Clone() store.Record {
	cp := &Deposit{
		Staker:  d.Staker,
		Amount:  d.Amount,
		P:       d.P,
		Epoch:   d.Epoch,
		Scale:   d.Scale,
		S:       make(map[string]uint256.Int, len(d.S)),
		Pending: make(map[string]uint64, len(d.Pending)),
	}
	for k, v := range d.S {
		cp.S[k] = v
	}
	for k, v := range d.Pending {
		cp.Pending[k] = v
	}
	return cp
}

// DepositKey addresses a staker's deposit.
func DepositKey(staker string) store.Key {
	return store.Key{Type: store.RecordDeposit, Owner: staker}
}
