package engine

import (
	"fmt"

	"github.com/holiman/uint256"

	"aeroscraper/internal/event"
	fpmath "aeroscraper/internal/math"
	"aeroscraper/internal/state"
)

// RedemptionResult summarises one committed redemption.
type RedemptionResult struct {
	AmountRedeemed     uint64
	FeeCharged         uint64
	CollateralReturned map[string]uint64
	TrovesTouched      []string
}

// redeemStep is one planned trove mutation. Planned against read-only state,
// applied only once the whole walk has succeeded.
type redeemStep struct {
	id       string
	close    bool
	newColl  map[string]uint64
	newDebt  uint64
	newICR   *uint256.Int
	surplus  map[string]uint64
	unitsOut uint64
}

// Redeem burns up to amount of the caller's stable tokens against the
// lowest-ICR troves holding denom, paying out that denom's collateral at
// oracle value. Troves below the MCR are skipped (they are liquidation
// targets, not redemption targets); partial redemptions never leave a trove
// below the debt floor. maxIterations caps the troves touched; zero or
// negative means no cap.
func (e *Engine) Redeem(caller string, amount uint64, denom string, maxIterations int) (RedemptionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	result := RedemptionResult{CollateralReturned: make(map[string]uint64)}

	if amount == 0 {
		err := fmt.Errorf("%w: redeem amount", state.ErrZeroAmount)
		e.reject(event.OpRedeem, err)
		return result, err
	}
	price, err := e.oracle.GetPrice(denom)
	if err != nil {
		e.reject(event.OpRedeem, err)
		return result, err
	}

	steps, totalRedeemed, err := e.planRedemption(amount, denom, maxIterations)
	if err != nil {
		e.reject(event.OpRedeem, err)
		return result, err
	}
	if totalRedeemed == 0 {
		e.reject(event.OpRedeem, ErrNotEnoughLiquidityForRedeem)
		return result, ErrNotEnoughLiquidityForRedeem
	}

	grossUnits := uint64(0)
	for _, s := range steps {
		e.applyRedeemStep(s)
		grossUnits += s.unitsOut
		result.TrovesTouched = append(result.TrovesTouched, s.id)
	}

	// The fee comes out of the collateral leg: the redeemer receives units
	// for the net value, the fee's value is routed to the distributor.
	fee := fpmath.ApplyRateWad(totalRedeemed, e.params.RedemptionFeeRateWad)
	feeUnits := fpmath.AmountAtPrice(fee, price.Value, price.Expo)
	if feeUnits > grossUnits {
		feeUnits = grossUnits
	}
	result.AmountRedeemed = totalRedeemed
	result.FeeCharged = fee
	result.CollateralReturned[denom] = grossUnits - feeUnits
	e.routeFee(fee, caller)

	if e.metrics != nil {
		e.metrics.RedemptionsTotal.Inc()
		e.metrics.RedeemedTotal.Add(float64(totalRedeemed))
		e.metrics.RedemptionFeesTotal.Add(float64(fee))
	}
	e.commit(event.OpRedeem, caller, start, event.RedemptionRecord{
		Redeemer:           caller,
		AmountRedeemed:     totalRedeemed,
		FeeCharged:         fee,
		CollateralReturned: result.CollateralReturned,
		TrovesTouched:      result.TrovesTouched,
	})
	return result, nil
}

// planRedemption walks the index from its low-ICR end and decides, per
// trove, how much debt to retire and what the trove looks like afterwards.
// Read-only; any oracle failure aborts the redemption before state moves.
func (e *Engine) planRedemption(amount uint64, denom string, maxIterations int) ([]redeemStep, uint64, error) {
	var (
		steps     []redeemStep
		remaining = amount
		total     uint64
		cursor    = ""
	)

	for remaining > 0 {
		if maxIterations > 0 && len(steps) >= maxIterations {
			break
		}
		ids := e.index.IterateFrom(state.FromTail, cursor, 1)
		if len(ids) == 0 {
			break
		}
		id := ids[0]
		cursor = id

		coll, debt, err := e.troves.EffectiveAmounts(id)
		if err != nil {
			panic(fmt.Sprintf("FATAL: indexed trove %s missing from ledger: %v", id, err))
		}
		icr, err := e.troves.ICR(id)
		if err != nil {
			return nil, 0, err
		}
		if fpmath.ICRBelow(icr, e.params.MCRWad) {
			continue
		}
		if coll[denom] == 0 {
			continue
		}

		price, err := e.oracle.GetPrice(denom)
		if err != nil {
			return nil, 0, err
		}
		denomValue := fpmath.ValueWad(coll[denom], price.Value, price.Expo)
		denomDebtCap := new(uint256.Int).Div(denomValue, fpmath.Wad).Uint64()

		if remaining >= debt && denomDebtCap >= debt {
			// Full closure: the denom's collateral covers the whole debt.
			// Whatever the trove holds beyond the redeemed slice goes to
			// the owner's surplus balance.
			units := fpmath.AmountAtPrice(debt, price.Value, price.Expo)
			if units > coll[denom] {
				units = coll[denom]
			}
			surplus := make(map[string]uint64, len(coll))
			for d, a := range coll {
				surplus[d] = a
			}
			if surplus[denom] -= units; surplus[denom] == 0 {
				delete(surplus, denom)
			}
			steps = append(steps, redeemStep{
				id:       id,
				close:    true,
				surplus:  surplus,
				unitsOut: units,
			})
			remaining -= debt
			total += debt
			continue
		}

		// Partial: retire what the budget, the debt floor, and the denom's
		// collateral allow.
		cut := remaining
		if debt-e.params.MinDebt < cut {
			cut = debt - e.params.MinDebt
		}
		if denomDebtCap < cut {
			cut = denomDebtCap
		}
		if cut == 0 || debt <= e.params.MinDebt {
			continue
		}
		units := fpmath.AmountAtPrice(cut, price.Value, price.Expo)
		if units > coll[denom] {
			units = coll[denom]
		}

		newColl := make(map[string]uint64, len(coll))
		for d, a := range coll {
			newColl[d] = a
		}
		if newColl[denom] -= units; newColl[denom] == 0 {
			delete(newColl, denom)
		}
		newDebt := debt - cut
		value, err := e.troves.CollateralValueWad(newColl)
		if err != nil {
			return nil, 0, err
		}
		steps = append(steps, redeemStep{
			id:       id,
			newColl:  newColl,
			newDebt:  newDebt,
			newICR:   fpmath.ComputeICR(value, newDebt),
			unitsOut: units,
		})
		remaining -= cut
		total += cut
	}
	return steps, total, nil
}

// applyRedeemStep commits one planned mutation. Must not fail: the plan was
// validated against the same state under the same lock.
func (e *Engine) applyRedeemStep(s redeemStep) {
	if _, err := e.troves.ApplyPendingRewards(s.id); err != nil {
		panic(fmt.Sprintf("FATAL: redeem %s after planning: %v", s.id, err))
	}
	if s.close {
		if err := e.troves.CloseByLiquidation(s.id, s.surplus); err != nil {
			panic(fmt.Sprintf("FATAL: redeem close %s: %v", s.id, err))
		}
		return
	}
	if err := e.troves.SetAmounts(s.id, s.newColl, s.newDebt); err != nil {
		panic(fmt.Sprintf("FATAL: redeem resize %s: %v", s.id, err))
	}
	if err := e.index.Reinsert(s.id, s.newICR, "", ""); err != nil {
		panic(fmt.Sprintf("FATAL: redeem reinsert %s: %v", s.id, err))
	}
}
