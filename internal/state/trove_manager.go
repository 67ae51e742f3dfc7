package state

import (
	"fmt"
	"sort"

	"github.com/holiman/uint256"

	fpmath "aeroscraper/internal/math"
	"aeroscraper/internal/oracle"
)

// Trove is one collateralized debt position: a per-denom collateral mapping
// and a stablecoin debt. Amounts are base units.
type Trove struct {
	Owner      string
	Collateral map[string]uint64
	Debt       uint64

	// rewardSnapshots records the redistribution factors at the trove's last
	// touch; the gap to the current factors is the trove's pending reward.
	rewardSnapshots RewardSnapshot

	Version uint64
}

// Denoms returns the trove's collateral denoms in deterministic order.
func (t *Trove) Denoms() []string {
	out := make([]string, 0, len(t.Collateral))
	for d := range t.Collateral {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// TroveManager owns all collateral/debt amounts and enforces the coupling
// invariant: a trove exists in the ledger iff its node is in the sorted
// index, and the node's ICR is current as of the trove's last mutation.
type TroveManager struct {
	troves map[string]*Trove
	index  *SortedTroves
	oracle oracle.PriceOracle
	redist *Redistribution

	// surplus holds collateral owed back to owners after full liquidation
	// or redemption closure. Claimed out-of-band; the engine never executes
	// token transfers.
	surplus map[string]map[string]uint64

	totalDebt uint64
}

func NewTroveManager(index *SortedTroves, orc oracle.PriceOracle, redist *Redistribution) *TroveManager {
	return &TroveManager{
		troves:  make(map[string]*Trove),
		index:   index,
		oracle:  orc,
		redist:  redist,
		surplus: make(map[string]map[string]uint64),
	}
}

// Get returns the trove for owner, or nil.
func (tm *TroveManager) Get(owner string) *Trove {
	return tm.troves[owner]
}

// TotalDebt returns aggregate active debt (pending redistribution debt
// excluded until applied).
func (tm *TroveManager) TotalDebt() uint64 { return tm.totalDebt }

// Count returns the number of open troves.
func (tm *TroveManager) Count() int { return len(tm.troves) }

// Open creates a trove. debt must include any issuance fee the caller rolled
// in. Fails before any mutation on floor breach, MCR breach, zero amounts,
// or a missing/stale price.
func (tm *TroveManager) Open(owner string, collateral map[string]uint64, debt uint64, params ProtocolParams, hintPrev, hintNext string) error {
	if _, ok := tm.troves[owner]; ok {
		return fmt.Errorf("%w: %s", ErrTroveExists, owner)
	}
	if len(collateral) == 0 {
		return fmt.Errorf("%w: no collateral", ErrZeroAmount)
	}
	for denom, amt := range collateral {
		if amt == 0 {
			return fmt.Errorf("%w: collateral %s", ErrZeroAmount, denom)
		}
	}
	if debt < params.MinDebt {
		return fmt.Errorf("%w: %d < %d", ErrDebtBelowFloor, debt, params.MinDebt)
	}

	icr, err := tm.icrFor(collateral, debt)
	if err != nil {
		return err
	}
	if fpmath.ICRBelow(icr, params.MCRWad) {
		return fmt.Errorf("%w: icr %s", ErrCollateralBelowMCR, icr.Dec())
	}

	t := &Trove{
		Owner:      owner,
		Collateral: copyAmounts(collateral),
		Debt:       debt,
	}
	t.rewardSnapshots = tm.redist.SnapshotFor(t.Denoms())

	if err := tm.index.Insert(owner, icr, hintPrev, hintNext); err != nil {
		return err
	}
	tm.troves[owner] = t
	tm.totalDebt += debt
	for denom, amt := range t.Collateral {
		tm.redist.Stake(denom, amt)
	}
	return nil
}

// Adjust applies collateral deposits/withdrawals and a debt increase or
// repayment in one operation. Pending redistribution rewards are folded in
// first, the resulting position is re-validated against the MCR and debt
// floor, and the trove's node is respliced at its new ICR.
func (tm *TroveManager) Adjust(
	owner string,
	depositColl, withdrawColl map[string]uint64,
	debtIncrease, debtRepay uint64,
	params ProtocolParams,
	hintPrev, hintNext string,
) error {
	t, ok := tm.troves[owner]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTroveNotFound, owner)
	}
	if len(depositColl) == 0 && len(withdrawColl) == 0 && debtIncrease == 0 && debtRepay == 0 {
		return fmt.Errorf("%w: empty adjustment", ErrZeroAmount)
	}
	if debtIncrease > 0 && debtRepay > 0 {
		return fmt.Errorf("%w: increase %d, repay %d", ErrConflictingAdjustment, debtIncrease, debtRepay)
	}

	// Plan against a copy that includes pending rewards; no state moves
	// until every check has passed.
	pendColl, pendDebt := tm.redist.Pending(t.Collateral, t.rewardSnapshots)
	newColl := copyAmounts(t.Collateral)
	for denom, amt := range pendColl {
		newColl[denom] += amt
	}
	newDebt := t.Debt + pendDebt

	for denom, amt := range depositColl {
		if amt == 0 {
			return fmt.Errorf("%w: deposit %s", ErrZeroAmount, denom)
		}
		newColl[denom] += amt
	}
	for denom, amt := range withdrawColl {
		if amt == 0 {
			return fmt.Errorf("%w: withdraw %s", ErrZeroAmount, denom)
		}
		if newColl[denom] < amt {
			return fmt.Errorf("%w: %s", ErrCollateralInsufficient, denom)
		}
		newColl[denom] -= amt
		if newColl[denom] == 0 {
			delete(newColl, denom)
		}
	}
	if debtRepay > newDebt {
		return fmt.Errorf("%w: repay %d > debt %d", ErrRepayExceedsDebt, debtRepay, newDebt)
	}
	newDebt = newDebt + debtIncrease - debtRepay
	if newDebt < params.MinDebt {
		return fmt.Errorf("%w: %d < %d", ErrDebtBelowFloor, newDebt, params.MinDebt)
	}
	if len(newColl) == 0 {
		return fmt.Errorf("%w: trove left without collateral", ErrCollateralInsufficient)
	}

	icr, err := tm.icrFor(newColl, newDebt)
	if err != nil {
		return err
	}
	if fpmath.ICRBelow(icr, params.MCRWad) {
		return fmt.Errorf("%w: icr %s", ErrCollateralBelowMCR, icr.Dec())
	}

	// Commit.
	tm.applyPending(t, pendColl, pendDebt)
	tm.setCollateral(t, newColl)
	tm.totalDebt += newDebt - t.Debt
	t.Debt = newDebt
	t.Version++
	return tm.index.Reinsert(owner, icr, hintPrev, hintNext)
}

// Close repays all debt and releases all collateral back to the owner. The
// caller is responsible for having burned the owner's stablecoin.
func (tm *TroveManager) Close(owner string) (collateralReturned map[string]uint64, debtRepaid uint64, err error) {
	t, ok := tm.troves[owner]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrTroveNotFound, owner)
	}

	pendColl, pendDebt := tm.redist.Pending(t.Collateral, t.rewardSnapshots)
	tm.applyPending(t, pendColl, pendDebt)

	returned := copyAmounts(t.Collateral)
	repaid := t.Debt
	tm.removeTrove(t)
	return returned, repaid, nil
}

// CloseByLiquidation destroys a trove whose debt and collateral have been
// consumed by an offset/redistribution plan. Leftover dust collateral is
// credited to the owner's surplus balance.
func (tm *TroveManager) CloseByLiquidation(owner string, dust map[string]uint64) error {
	t, ok := tm.troves[owner]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTroveNotFound, owner)
	}
	tm.removeTrove(t)
	tm.creditSurplus(owner, dust)
	return nil
}

// ApplyPendingRewards folds a trove's redistribution gains into its recorded
// amounts without any other adjustment. Used by the liquidation and
// redemption engines before they operate on the trove.
func (tm *TroveManager) ApplyPendingRewards(owner string) (*Trove, error) {
	t, ok := tm.troves[owner]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTroveNotFound, owner)
	}
	pendColl, pendDebt := tm.redist.Pending(t.Collateral, t.rewardSnapshots)
	if len(pendColl) == 0 && pendDebt == 0 {
		t.rewardSnapshots = tm.redist.SnapshotFor(t.Denoms())
		return t, nil
	}
	tm.applyPending(t, pendColl, pendDebt)
	t.Version++
	return t, nil
}

// SetAmounts rewrites a trove's collateral and debt after a partial
// redemption or a planned mutation, keeping redistribution stakes and the
// debt aggregate in sync. The caller must reinsert the node afterwards.
func (tm *TroveManager) SetAmounts(owner string, collateral map[string]uint64, debt uint64) error {
	t, ok := tm.troves[owner]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTroveNotFound, owner)
	}
	tm.setCollateral(t, collateral)
	tm.totalDebt = tm.totalDebt - t.Debt + debt
	t.Debt = debt
	t.Version++
	return nil
}

// ICR computes the trove's current collateral ratio, pending redistribution
// rewards included, at current oracle prices. Zero debt yields the infinite
// sentinel. Read-only.
func (tm *TroveManager) ICR(owner string) (*uint256.Int, error) {
	t, ok := tm.troves[owner]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTroveNotFound, owner)
	}
	pendColl, pendDebt := tm.redist.Pending(t.Collateral, t.rewardSnapshots)
	coll := copyAmounts(t.Collateral)
	for denom, amt := range pendColl {
		coll[denom] += amt
	}
	return tm.icrFor(coll, t.Debt+pendDebt)
}

// EffectiveAmounts returns the trove's collateral and debt with pending
// redistribution rewards folded in, without mutating. Read-only.
func (tm *TroveManager) EffectiveAmounts(owner string) (map[string]uint64, uint64, error) {
	t, ok := tm.troves[owner]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrTroveNotFound, owner)
	}
	pendColl, pendDebt := tm.redist.Pending(t.Collateral, t.rewardSnapshots)
	coll := copyAmounts(t.Collateral)
	for denom, amt := range pendColl {
		coll[denom] += amt
	}
	return coll, t.Debt + pendDebt, nil
}

// Surplus returns the claimable surplus collateral for owner.
func (tm *TroveManager) Surplus(owner string) map[string]uint64 {
	return copyAmounts(tm.surplus[owner])
}

// ClaimSurplus zeroes and returns the owner's surplus balances.
func (tm *TroveManager) ClaimSurplus(owner string) map[string]uint64 {
	s := tm.surplus[owner]
	delete(tm.surplus, owner)
	return s
}

// CollateralValueWad prices a collateral mapping at current oracle prices.
func (tm *TroveManager) CollateralValueWad(collateral map[string]uint64) (*uint256.Int, error) {
	total := new(uint256.Int)
	for _, denom := range sortedDenoms(collateral) {
		p, err := tm.oracle.GetPrice(denom)
		if err != nil {
			return nil, err
		}
		total.Add(total, fpmath.ValueWad(collateral[denom], p.Value, p.Expo))
	}
	return total, nil
}

func (tm *TroveManager) icrFor(collateral map[string]uint64, debt uint64) (*uint256.Int, error) {
	value, err := tm.CollateralValueWad(collateral)
	if err != nil {
		return nil, err
	}
	return fpmath.ComputeICR(value, debt), nil
}

// applyPending moves pending redistribution amounts into the trove's
// recorded amounts and refreshes its snapshot. Aggregates shift from the
// pending pool to active.
func (tm *TroveManager) applyPending(t *Trove, pendColl map[string]uint64, pendDebt uint64) {
	for denom, amt := range pendColl {
		t.Collateral[denom] += amt
		tm.redist.ConsumePendingColl(denom, amt)
		tm.redist.Stake(denom, amt)
	}
	t.Debt += pendDebt
	tm.totalDebt += pendDebt
	tm.redist.ConsumePendingDebt(pendDebt)
	t.rewardSnapshots = tm.redist.SnapshotFor(t.Denoms())
}

// setCollateral replaces t's collateral, adjusting redistribution stakes by
// the per-denom deltas.
func (tm *TroveManager) setCollateral(t *Trove, newColl map[string]uint64) {
	for denom, old := range t.Collateral {
		nw := newColl[denom]
		if nw < old {
			tm.redist.Unstake(denom, old-nw)
		}
	}
	for denom, nw := range newColl {
		old := t.Collateral[denom]
		if nw > old {
			tm.redist.Stake(denom, nw-old)
		}
	}
	t.Collateral = copyAmounts(newColl)
	t.rewardSnapshots = tm.redist.SnapshotFor(t.Denoms())
}

func (tm *TroveManager) removeTrove(t *Trove) {
	for denom, amt := range t.Collateral {
		tm.redist.Unstake(denom, amt)
	}
	tm.totalDebt -= t.Debt
	_ = tm.index.Remove(t.Owner)
	delete(tm.troves, t.Owner)
}

func (tm *TroveManager) creditSurplus(owner string, amounts map[string]uint64) {
	if len(amounts) == 0 {
		return
	}
	s := tm.surplus[owner]
	if s == nil {
		s = make(map[string]uint64)
		tm.surplus[owner] = s
	}
	for denom, amt := range amounts {
		if amt > 0 {
			s[denom] += amt
		}
	}
}

func copyAmounts(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedDenoms(m map[string]uint64) []string {
	out := make([]string, 0, len(m))
	for d := range m {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
