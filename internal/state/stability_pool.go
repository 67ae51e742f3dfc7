package state

import (
	"fmt"

	"github.com/holiman/uint256"

	fpmath "aeroscraper/internal/math"
)

// epochScale keys the S sums: every epoch/scale pair has its own running
// sum per denom.
type epochScale struct {
	epoch uint64
	scale uint64
}

// poolSnapshot freezes a depositor's view of the pool at their last
// interaction. Compounded stake and accrued gains are derived lazily from
// the gap between this and the live P/S.
type poolSnapshot struct {
	p     *uint256.Int
	sums  map[string]*uint256.Int // S per denom at (epoch, scale)
	epoch uint64
	scale uint64
}

// deposit is one depositor's stake record.
type deposit struct {
	initialValue uint64
	snap         poolSnapshot
}

// StabilityPool holds pooled stablecoin and absorbs liquidated debt in
// exchange for seized collateral, sharing both proportionally across an
// unbounded depositor set in O(1) per liquidation.
//
// Accounting is the epoch-scaled product-sum scheme: each offset multiplies
// the running product P by (totalStake-debt)/totalStake and bumps the
// per-denom sum S by collGained/totalStake (carried at P's magnitude so a
// single division recovers the depositor's share). P lives in
// (10^9, 10^18]: crossing the lower bound rescales P by 10^9 and increments
// the scale; an offset that empties the pool resets P and starts a new
// epoch, compounding every outstanding snapshot to zero.
type StabilityPool struct {
	totalStake   uint64
	p            *uint256.Int
	currentEpoch uint64
	currentScale uint64

	sums map[epochScale]map[string]*uint256.Int

	deposits map[string]*deposit

	// creditedGains are collateral gains realised into a claimable balance
	// when a depositor's snapshot is refreshed.
	creditedGains map[string]map[string]uint64

	// collateralHeld is seized collateral awaiting distribution/claim,
	// per denom: the TotalLiquidationCollateralGain aggregate.
	collateralHeld map[string]uint64

	// Error feedback terms keep cumulative rounding loss sub-unit across
	// arbitrarily many offsets.
	lastCollError map[string]*uint256.Int
	lastDebtError *uint256.Int
}

func NewStabilityPool() *StabilityPool {
	return &StabilityPool{
		p:              new(uint256.Int).Set(fpmath.Wad),
		sums:           make(map[epochScale]map[string]*uint256.Int),
		deposits:       make(map[string]*deposit),
		creditedGains:  make(map[string]map[string]uint64),
		collateralHeld: make(map[string]uint64),
		lastCollError:  make(map[string]*uint256.Int),
		lastDebtError:  new(uint256.Int),
	}
}

// TotalStake returns pooled stablecoin net of offsets.
func (sp *StabilityPool) TotalStake() uint64 { return sp.totalStake }

// P returns the live compounding product.
func (sp *StabilityPool) P() *uint256.Int { return new(uint256.Int).Set(sp.p) }

// Epoch returns the current epoch counter.
func (sp *StabilityPool) Epoch() uint64 { return sp.currentEpoch }

// Scale returns the current scale counter.
func (sp *StabilityPool) Scale() uint64 { return sp.currentScale }

// CollateralHeld returns seized collateral of denom awaiting claims.
func (sp *StabilityPool) CollateralHeld(denom string) uint64 { return sp.collateralHeld[denom] }

// Deposit adds amount to the caller's stake. Any existing stake is first
// compounded and its pending gains credited, then the whole position is
// re-snapshotted at the live P/S.
func (sp *StabilityPool) Deposit(depositor string, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: deposit", ErrZeroAmount)
	}

	compounded := sp.settle(depositor)
	sp.setDeposit(depositor, compounded+amount)
	sp.totalStake += amount
	return nil
}

// Withdraw removes amount from the caller's compounded stake. Fails before
// any mutation if amount exceeds it.
func (sp *StabilityPool) Withdraw(depositor string, amount uint64) error {
	if amount == 0 {
		return fmt.Errorf("%w: withdraw", ErrZeroAmount)
	}
	d, ok := sp.deposits[depositor]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoDeposit, depositor)
	}
	compounded := sp.compoundedStake(d)
	if amount > compounded {
		return fmt.Errorf("%w: %d > %d", ErrWithdrawExceedsStake, amount, compounded)
	}

	sp.settle(depositor)
	sp.setDeposit(depositor, compounded-amount)
	sp.totalStake -= amount
	return nil
}

// Offset burns debtToBurn against the pool and books collGained of denom
// for proportional distribution. Fails with ErrInsufficientStake when the
// pool cannot absorb the full amount; callers fall back to redistribution
// for the excess.
func (sp *StabilityPool) Offset(debtToBurn, collGained uint64, denom string) error {
	if debtToBurn == 0 {
		return fmt.Errorf("%w: offset", ErrZeroAmount)
	}
	if debtToBurn > sp.totalStake {
		return fmt.Errorf("%w: %d > %d", ErrInsufficientStake, debtToBurn, sp.totalStake)
	}

	total := uint256.NewInt(sp.totalStake)

	// Collateral gain per unit staked, with error feedback so rounding loss
	// never accumulates past one unit.
	collNumerator := new(uint256.Int).Mul(uint256.NewInt(collGained), fpmath.Wad)
	if e := sp.lastCollError[denom]; e != nil {
		collNumerator.Add(collNumerator, e)
	}
	collGainPerUnit, collRem := new(uint256.Int).DivMod(collNumerator, total, new(uint256.Int))
	sp.lastCollError[denom] = collRem

	// Debt loss per unit staked, rounded up so compounded stakes never
	// exceed what the pool actually holds.
	var debtLossPerUnit *uint256.Int
	if debtToBurn == sp.totalStake {
		debtLossPerUnit = new(uint256.Int).Set(fpmath.Wad)
		sp.lastDebtError.Clear()
	} else {
		lossNumerator := new(uint256.Int).Mul(uint256.NewInt(debtToBurn), fpmath.Wad)
		lossNumerator.Sub(lossNumerator, sp.lastDebtError)
		debtLossPerUnit = new(uint256.Int).Div(lossNumerator, total)
		debtLossPerUnit.AddUint64(debtLossPerUnit, 1)
		sp.lastDebtError = new(uint256.Int).Mul(debtLossPerUnit, total)
		sp.lastDebtError.Sub(sp.lastDebtError, lossNumerator)
	}

	// Bump S at the current epoch/scale. The marginal gain rides at P's
	// magnitude: dividing by the snapshot P later recovers the per-unit
	// gain a depositor is owed.
	marginalGain := new(uint256.Int).Mul(collGainPerUnit, sp.p)
	key := epochScale{sp.currentEpoch, sp.currentScale}
	if sp.sums[key] == nil {
		sp.sums[key] = make(map[string]*uint256.Int)
	}
	sp.sums[key][denom] = add(sp.sums[key][denom], marginalGain)

	// Update P, rolling the epoch or scale as needed.
	newProductFactor := new(uint256.Int).Sub(fpmath.Wad, debtLossPerUnit)
	switch {
	case newProductFactor.IsZero():
		// Pool fully emptied: every outstanding snapshot compounds to
		// zero stake from here on.
		sp.currentEpoch++
		sp.currentScale = 0
		sp.p.Set(fpmath.Wad)
	default:
		newP := fpmath.MulDiv(sp.p, newProductFactor, fpmath.Wad)
		if newP.Cmp(fpmath.ScaleFactor) < 0 {
			// P would cross the precision threshold: rescale up and
			// bump the scale so snapshots can correct.
			sp.p = fpmath.MulDiv(new(uint256.Int).Mul(sp.p, fpmath.ScaleFactor), newProductFactor, fpmath.Wad)
			sp.currentScale++
		} else {
			sp.p = newP
		}
	}

	sp.totalStake -= debtToBurn
	sp.collateralHeld[denom] += collGained
	return nil
}

// CompoundedStake returns the depositor's stake after all offsets since
// their snapshot. Read-only.
func (sp *StabilityPool) CompoundedStake(depositor string) uint64 {
	d, ok := sp.deposits[depositor]
	if !ok {
		return 0
	}
	return sp.compoundedStake(d)
}

// AccruedGain returns the depositor's total claimable collateral gain for
// denom: gains accrued since the snapshot plus any already credited.
// Read-only.
func (sp *StabilityPool) AccruedGain(depositor, denom string) uint64 {
	d, ok := sp.deposits[depositor]
	var gain uint64
	if ok {
		gain = sp.gainSinceSnapshot(d, denom)
	}
	return gain + sp.creditedGains[depositor][denom]
}

// ClaimGains realises and zeroes the depositor's collateral gains for all
// denoms, returning the claimed amounts. The pool's held-collateral
// aggregate drops by the same amounts.
func (sp *StabilityPool) ClaimGains(depositor string) map[string]uint64 {
	compounded := sp.settle(depositor)
	if _, ok := sp.deposits[depositor]; ok {
		sp.setDeposit(depositor, compounded)
	}

	claimed := sp.creditedGains[depositor]
	delete(sp.creditedGains, depositor)
	for denom, amt := range claimed {
		if sp.collateralHeld[denom] >= amt {
			sp.collateralHeld[denom] -= amt
		} else {
			sp.collateralHeld[denom] = 0
		}
	}
	return claimed
}

// settle credits all pending gains for depositor and returns the compounded
// stake. The deposit record is left stale; callers refresh it via
// setDeposit.
func (sp *StabilityPool) settle(depositor string) uint64 {
	d, ok := sp.deposits[depositor]
	if !ok {
		return 0
	}
	for denom := range sp.denomsTouched(d) {
		if g := sp.gainSinceSnapshot(d, denom); g > 0 {
			m := sp.creditedGains[depositor]
			if m == nil {
				m = make(map[string]uint64)
				sp.creditedGains[depositor] = m
			}
			m[denom] += g
		}
	}
	return sp.compoundedStake(d)
}

// setDeposit installs a fresh deposit record snapshotted at the live P/S.
// A zero stake removes the record.
func (sp *StabilityPool) setDeposit(depositor string, stake uint64) {
	if stake == 0 {
		delete(sp.deposits, depositor)
		return
	}
	key := epochScale{sp.currentEpoch, sp.currentScale}
	sums := make(map[string]*uint256.Int, len(sp.sums[key]))
	for denom, s := range sp.sums[key] {
		sums[denom] = new(uint256.Int).Set(s)
	}
	sp.deposits[depositor] = &deposit{
		initialValue: stake,
		snap: poolSnapshot{
			p:     new(uint256.Int).Set(sp.p),
			sums:  sums,
			epoch: sp.currentEpoch,
			scale: sp.currentScale,
		},
	}
}

// compoundedStake applies the P ratio between now and the snapshot, with
// epoch and scale corrections.
func (sp *StabilityPool) compoundedStake(d *deposit) uint64 {
	if d.snap.epoch < sp.currentEpoch {
		// A pool-emptying offset happened after the snapshot.
		return 0
	}

	initial := uint256.NewInt(d.initialValue)
	scaleDiff := sp.currentScale - d.snap.scale
	var compounded *uint256.Int
	switch scaleDiff {
	case 0:
		compounded = fpmath.MulDiv(initial, sp.p, d.snap.p)
	case 1:
		compounded = fpmath.MulDiv(initial, sp.p, new(uint256.Int).Mul(d.snap.p, fpmath.ScaleFactor))
	default:
		// Stake has compounded below 1e-9 of itself: indistinguishable
		// from zero at integer precision.
		return 0
	}
	return compounded.Uint64()
}

// gainSinceSnapshot computes the S-derived collateral gain for one denom.
// Gains can span at most one scale boundary inside the snapshot's epoch;
// anything beyond is dust below integer precision.
func (sp *StabilityPool) gainSinceSnapshot(d *deposit, denom string) uint64 {
	firstKey := epochScale{d.snap.epoch, d.snap.scale}
	secondKey := epochScale{d.snap.epoch, d.snap.scale + 1}

	first := new(uint256.Int)
	if s := sp.sums[firstKey][denom]; s != nil {
		first.Set(s)
	}
	if snapS := d.snap.sums[denom]; snapS != nil {
		first.Sub(first, snapS)
	}

	second := new(uint256.Int)
	if s := sp.sums[secondKey][denom]; s != nil {
		second.Div(s, fpmath.ScaleFactor)
	}

	portion := new(uint256.Int).Add(first, second)
	gain := fpmath.MulDiv(uint256.NewInt(d.initialValue), portion, new(uint256.Int).Mul(d.snap.p, fpmath.Wad))
	return gain.Uint64()
}

// denomsTouched lists denoms with any S activity visible to the deposit.
func (sp *StabilityPool) denomsTouched(d *deposit) map[string]struct{} {
	out := make(map[string]struct{})
	for denom := range d.snap.sums {
		out[denom] = struct{}{}
	}
	for _, key := range []epochScale{
		{d.snap.epoch, d.snap.scale},
		{d.snap.epoch, d.snap.scale + 1},
	} {
		for denom := range sp.sums[key] {
			out[denom] = struct{}{}
		}
	}
	return out
}
