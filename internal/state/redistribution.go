package state

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	fpmath "aeroscraper/internal/math"
)

// ErrNoRedistributionTarget is returned when a debt share has no open trove
// holding the same denom to absorb it.
var ErrNoRedistributionTarget = errors.New("no open trove can absorb redistribution")

// RewardSnapshot records the per-denom reward factors at a trove's last
// touch. The difference between these and the current factors, multiplied by
// the trove's collateral, is its pending reward.
type RewardSnapshot map[string]DenomFactors

// DenomFactors are cumulative rewards per unit of staked collateral, wads.
type DenomFactors struct {
	CollPerUnit *uint256.Int
	DebtPerUnit *uint256.Int
}

// DistributionShare is one denom's slice of a redistribution: the collateral
// seized in that denom and the debt apportioned to it (the liquidation
// engine splits debt across denoms by collateral value).
type DistributionShare struct {
	Denom string
	Coll  uint64
	Debt  uint64
}

// Redistribution spreads unabsorbed liquidation debt and collateral across
// all open troves, weighted by their existing collateral of the same denom.
// The same lazy product-sum idea as the stability pool's S: one factor bump
// per liquidation, applied per trove on its next touch, never an O(n) pass.
type Redistribution struct {
	collPerUnit map[string]*uint256.Int
	debtPerUnit map[string]*uint256.Int

	// totalStaked is the collateral of all open troves per denom, as of
	// their last touch (pending rewards move in when applied).
	totalStaked map[string]uint64

	// pendingColl/pendingDebt aggregate distributed-but-unapplied amounts,
	// for conservation checks only.
	pendingColl map[string]uint64
	pendingDebt uint64
}

func NewRedistribution() *Redistribution {
	return &Redistribution{
		collPerUnit: make(map[string]*uint256.Int),
		debtPerUnit: make(map[string]*uint256.Int),
		totalStaked: make(map[string]uint64),
		pendingColl: make(map[string]uint64),
	}
}

// Stake registers amount of denom collateral as reward-bearing.
func (r *Redistribution) Stake(denom string, amount uint64) {
	r.totalStaked[denom] += amount
}

// Unstake removes amount of denom collateral from the reward base.
func (r *Redistribution) Unstake(denom string, amount uint64) {
	if r.totalStaked[denom] < amount {
		panic(fmt.Sprintf("redistribution: unstake %d > staked %d for %s",
			amount, r.totalStaked[denom], denom))
	}
	r.totalStaked[denom] -= amount
	if r.totalStaked[denom] == 0 {
		delete(r.totalStaked, denom)
	}
}

// TotalStaked returns the reward base for denom.
func (r *Redistribution) TotalStaked(denom string) uint64 { return r.totalStaked[denom] }

// PendingDebt returns aggregate distributed-but-unapplied debt.
func (r *Redistribution) PendingDebt() uint64 { return r.pendingDebt }

// CanAbsorb reports whether every share has a non-empty reward base. Called
// during liquidation planning, before any state moves.
func (r *Redistribution) CanAbsorb(shares []DistributionShare) error {
	for _, s := range shares {
		if (s.Coll > 0 || s.Debt > 0) && r.totalStaked[s.Denom] == 0 {
			return fmt.Errorf("%w: denom %s", ErrNoRedistributionTarget, s.Denom)
		}
	}
	return nil
}

// Distribute bumps the reward factors for each share. The liquidated trove
// must already be unstaked, so it cannot reward itself. Callers must have
// verified CanAbsorb; an empty reward base here is an invariant breach.
func (r *Redistribution) Distribute(shares []DistributionShare) {
	for _, s := range shares {
		if s.Coll == 0 && s.Debt == 0 {
			continue
		}
		staked := r.totalStaked[s.Denom]
		if staked == 0 {
			panic(fmt.Sprintf("redistribution: no stake for %s", s.Denom))
		}
		base := uint256.NewInt(staked)

		if s.Coll > 0 {
			gain := fpmath.MulDiv(uint256.NewInt(s.Coll), fpmath.Wad, base)
			r.collPerUnit[s.Denom] = add(r.collPerUnit[s.Denom], gain)
			r.pendingColl[s.Denom] += s.Coll
		}
		if s.Debt > 0 {
			loss := fpmath.MulDiv(uint256.NewInt(s.Debt), fpmath.Wad, base)
			r.debtPerUnit[s.Denom] = add(r.debtPerUnit[s.Denom], loss)
			r.pendingDebt += s.Debt
		}
	}
}

// Pending computes a trove's unapplied rewards from its snapshot. Read-only.
func (r *Redistribution) Pending(collateral map[string]uint64, snap RewardSnapshot) (map[string]uint64, uint64) {
	gains := make(map[string]uint64)
	var debt uint64
	for denom, amount := range collateral {
		if amount == 0 {
			continue
		}
		factors := snap[denom]
		c := uint256.NewInt(amount)

		if cur := r.collPerUnit[denom]; cur != nil {
			diff := sub(cur, factors.CollPerUnit)
			if !diff.IsZero() {
				g := fpmath.MulDiv(c, diff, fpmath.Wad).Uint64()
				if g > 0 {
					gains[denom] = g
				}
			}
		}
		if cur := r.debtPerUnit[denom]; cur != nil {
			diff := sub(cur, factors.DebtPerUnit)
			if !diff.IsZero() {
				debt += fpmath.MulDiv(c, diff, fpmath.Wad).Uint64()
			}
		}
	}
	return gains, debt
}

// SnapshotFor captures the current factors for the given denoms.
func (r *Redistribution) SnapshotFor(denoms []string) RewardSnapshot {
	snap := make(RewardSnapshot, len(denoms))
	for _, d := range denoms {
		snap[d] = DenomFactors{
			CollPerUnit: cloneOrZero(r.collPerUnit[d]),
			DebtPerUnit: cloneOrZero(r.debtPerUnit[d]),
		}
	}
	return snap
}

// ConsumePendingColl moves applied collateral out of the pending aggregate.
func (r *Redistribution) ConsumePendingColl(denom string, amount uint64) {
	if r.pendingColl[denom] >= amount {
		r.pendingColl[denom] -= amount
	} else {
		// Rounding leaves the aggregate slightly above the sum of per-trove
		// gains; clamp rather than underflow.
		r.pendingColl[denom] = 0
	}
}

// ConsumePendingDebt moves applied debt out of the pending aggregate.
func (r *Redistribution) ConsumePendingDebt(amount uint64) {
	if r.pendingDebt >= amount {
		r.pendingDebt -= amount
	} else {
		r.pendingDebt = 0
	}
}

func add(cur, delta *uint256.Int) *uint256.Int {
	if cur == nil {
		return new(uint256.Int).Set(delta)
	}
	return new(uint256.Int).Add(cur, delta)
}

func sub(cur, snap *uint256.Int) *uint256.Int {
	if snap == nil {
		return new(uint256.Int).Set(cur)
	}
	return new(uint256.Int).Sub(cur, snap)
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
