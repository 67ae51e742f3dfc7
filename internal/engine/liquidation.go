package engine

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	"aeroscraper/internal/event"
	fpmath "aeroscraper/internal/math"
	"aeroscraper/internal/oracle"
	"aeroscraper/internal/state"
)

// LiquidationResult summarises one committed liquidation batch.
// TotalCollateralSeized counts what the pool and redistribution received;
// rounding dust returned to owners as surplus is reported separately.
type LiquidationResult struct {
	Troves                 []string
	TotalDebtBurned        uint64
	TotalDebtRedistributed uint64
	TotalCollateralSeized  map[string]uint64
	CollateralToSurplus    map[string]uint64
}

// QueryLiquidatable walks the index from its low-ICR end and returns troves
// whose ICR is below the MCR at current prices, stopping at the first safe
// trove (the index is ICR-ordered, everything above it is safe) or at
// maxCount. A non-empty denom restricts results to troves holding it.
// Read-only.
func (e *Engine) QueryLiquidatable(denom string, maxCount int) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if maxCount <= 0 {
		return nil, nil
	}

	out := make([]string, 0, maxCount)
	cursor := ""
	for len(out) < maxCount {
		ids := e.index.IterateFrom(state.FromTail, cursor, 1)
		if len(ids) == 0 {
			break
		}
		id := ids[0]
		cursor = id

		icr, err := e.troves.ICR(id)
		if err != nil {
			return nil, err
		}
		if !fpmath.ICRBelow(icr, e.params.MCRWad) {
			break
		}
		if denom != "" {
			coll, _, _ := e.troves.EffectiveAmounts(id)
			if coll[denom] == 0 {
				continue
			}
		}
		out = append(out, id)
	}
	return out, nil
}

// Liquidate resolves the named troves: debt is offset against the stability
// pool first, anything the pool cannot absorb is redistributed across the
// remaining open troves. The batch is atomic — any stale price, unknown
// trove, safe trove, or unabsorbable remainder aborts the whole call with
// no state change.
func (e *Engine) Liquidate(troveIDs []string) (LiquidationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	result := LiquidationResult{TotalCollateralSeized: make(map[string]uint64)}

	if len(troveIDs) == 0 {
		err := fmt.Errorf("%w: empty batch", state.ErrZeroAmount)
		e.reject(event.OpLiquidate, err)
		return result, err
	}

	prices, batchColl, totalBatchDebt, err := e.preflightLiquidation(troveIDs)
	if err != nil {
		e.reject(event.OpLiquidate, err)
		return result, err
	}

	// If the pool cannot absorb the whole batch, every batch denom needs at
	// least one surviving trove to redistribute onto. Checked up front so
	// the apply loop below cannot fail partway.
	if totalBatchDebt > e.pool.TotalStake() {
		for denom, amount := range batchColl {
			if e.redist.TotalStaked(denom) <= amount {
				err := fmt.Errorf("%w: denom %s", state.ErrNoRedistributionTarget, denom)
				e.reject(event.OpLiquidate, err)
				return result, err
			}
		}
	}

	for _, id := range troveIDs {
		e.liquidateOne(id, prices, &result)
	}

	if e.metrics != nil {
		e.metrics.LiquidationsTotal.Inc()
		e.metrics.TrovesLiquidated.Add(float64(len(result.Troves)))
		e.metrics.DebtOffsetTotal.Add(float64(result.TotalDebtBurned))
		e.metrics.DebtRedistributedTotal.Add(float64(result.TotalDebtRedistributed))
	}
	e.commit(event.OpLiquidate, "", start, event.LiquidationRecord{
		Troves:                 result.Troves,
		TotalDebtBurned:        result.TotalDebtBurned,
		TotalDebtRedistributed: result.TotalDebtRedistributed,
		TotalCollateralSeized:  result.TotalCollateralSeized,
		CollateralToSurplus:    result.CollateralToSurplus,
	})
	return result, nil
}

// preflightLiquidation validates the batch against read-only state: troves
// exist and are distinct, every needed price is fresh, every trove is below
// the MCR. Returns the price map, the batch's aggregate collateral per
// denom, and its aggregate debt.
func (e *Engine) preflightLiquidation(troveIDs []string) (map[string]oracle.Price, map[string]uint64, uint64, error) {
	seen := make(map[string]bool, len(troveIDs))
	batchColl := make(map[string]uint64)
	prices := make(map[string]oracle.Price)
	var totalDebt uint64

	for _, id := range troveIDs {
		if seen[id] {
			return nil, nil, 0, fmt.Errorf("%w: duplicate trove %s", state.ErrZeroAmount, id)
		}
		seen[id] = true

		coll, debt, err := e.troves.EffectiveAmounts(id)
		if err != nil {
			return nil, nil, 0, err
		}
		for denom, amount := range coll {
			if _, ok := prices[denom]; !ok {
				p, err := e.oracle.GetPrice(denom)
				if err != nil {
					return nil, nil, 0, err
				}
				prices[denom] = p
			}
			batchColl[denom] += amount
		}
		totalDebt += debt

		icr := icrAt(coll, debt, prices)
		if !fpmath.ICRBelow(icr, e.params.MCRWad) {
			return nil, nil, 0, fmt.Errorf("%w: %s icr %s", ErrTroveNotLiquidatable, id, icr.Dec())
		}
	}
	return prices, batchColl, totalDebt, nil
}

// liquidateOne resolves a single validated trove. Must not fail: all
// failure modes were ruled out in preflight.
func (e *Engine) liquidateOne(id string, prices map[string]oracle.Price, result *LiquidationResult) {
	t, err := e.troves.ApplyPendingRewards(id)
	if err != nil {
		panic(fmt.Sprintf("FATAL: liquidate %s after preflight: %v", id, err))
	}
	coll := make(map[string]uint64, len(t.Collateral))
	for denom, amount := range t.Collateral {
		coll[denom] = amount
	}
	debt := t.Debt

	debtToPool := min(debt, e.pool.TotalStake())
	debtToRedist := debt - debtToPool

	poolDebt := splitByValue(debtToPool, coll, prices)
	redistDebt := splitByValue(debtToRedist, coll, prices)

	type offset struct {
		denom string
		debt  uint64
		coll  uint64
	}
	offsets := make([]offset, 0, len(coll))
	shares := make([]state.DistributionShare, 0, len(coll))
	var dust map[string]uint64

	for _, denom := range sortedKeys(coll) {
		collToPool := fpmath.ProportionOf(coll[denom], debtToPool, debt)
		collToRedist := coll[denom] - collToPool
		seized := coll[denom]

		if poolDebt[denom] > 0 {
			offsets = append(offsets, offset{denom, poolDebt[denom], collToPool})
		} else if collToPool > 0 {
			// Value-share rounding left this denom's pool slice without
			// debt to burn. Fold the collateral into redistribution, or
			// into the owner's surplus when no other trove holds the
			// denom to reward.
			if e.redist.TotalStaked(denom) > coll[denom] {
				collToRedist += collToPool
			} else {
				if dust == nil {
					dust = make(map[string]uint64)
				}
				dust[denom] += collToPool
				seized -= collToPool
				if result.CollateralToSurplus == nil {
					result.CollateralToSurplus = make(map[string]uint64)
				}
				result.CollateralToSurplus[denom] += collToPool
			}
		}

		if collToRedist > 0 || redistDebt[denom] > 0 {
			shares = append(shares, state.DistributionShare{
				Denom: denom,
				Coll:  collToRedist,
				Debt:  redistDebt[denom],
			})
		}
		if seized > 0 {
			result.TotalCollateralSeized[denom] += seized
		}
	}

	// The trove leaves the ledger (and the redistribution base) before its
	// remainder is distributed, so it cannot reward itself.
	if err := e.troves.CloseByLiquidation(id, dust); err != nil {
		panic(fmt.Sprintf("FATAL: close %s after preflight: %v", id, err))
	}
	for _, o := range offsets {
		if err := e.pool.Offset(o.debt, o.coll, o.denom); err != nil {
			panic(fmt.Sprintf("FATAL: offset %s/%s after preflight: %v", id, o.denom, err))
		}
	}
	if len(shares) > 0 {
		e.redist.Distribute(shares)
	}

	result.Troves = append(result.Troves, id)
	result.TotalDebtBurned += debtToPool
	result.TotalDebtRedistributed += debtToRedist
}

// splitByValue apportions amount across the collateral's denoms by value
// weight, assigning rounding remainder to the last denom so the shares
// always sum exactly to amount.
func splitByValue(amount uint64, coll map[string]uint64, prices map[string]oracle.Price) map[string]uint64 {
	out := make(map[string]uint64, len(coll))
	if amount == 0 {
		return out
	}

	denoms := sortedKeys(coll)
	total := new(uint256.Int)
	values := make(map[string]*uint256.Int, len(denoms))
	for _, d := range denoms {
		p := prices[d]
		v := fpmath.ValueWad(coll[d], p.Value, p.Expo)
		values[d] = v
		total.Add(total, v)
	}
	if total.IsZero() {
		out[denoms[len(denoms)-1]] = amount
		return out
	}

	var assigned uint64
	for i, d := range denoms {
		if i == len(denoms)-1 {
			out[d] = amount - assigned
			break
		}
		share := fpmath.MulDiv(uint256.NewInt(amount), values[d], total).Uint64()
		out[d] = share
		assigned += share
	}
	return out
}

// icrAt computes an ICR from a prefetched price map.
func icrAt(coll map[string]uint64, debt uint64, prices map[string]oracle.Price) *uint256.Int {
	total := new(uint256.Int)
	for denom, amount := range coll {
		p := prices[denom]
		total.Add(total, fpmath.ValueWad(amount, p.Value, p.Expo))
	}
	return fpmath.ComputeICR(total, debt)
}

func sortedKeys(m map[string]uint64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
