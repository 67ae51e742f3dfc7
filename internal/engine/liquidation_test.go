package engine_test

import (
	"errors"
	"testing"
	"time"

	"aeroscraper/internal/engine"
	"aeroscraper/internal/oracle"
	"aeroscraper/internal/state"
)

// riskyAndSafe opens a thin trove for alice (1500 uatom, 1005 debt after
// fee) and a fat one for bob, then drops uatom to $0.70 so only alice falls
// below the MCR (ICR 1.044 vs bob's 6.96).
func riskyAndSafe(t *testing.T, f *fixture) {
	t.Helper()
	f.mustOpen(t, "alice", coins("uatom", uint64(1500)), 1000)
	f.mustOpen(t, "bob", coins("uatom", uint64(10000)), 1000)
	mustPut(t, f.cache, oracle.Price{Denom: "uatom", Value: 7, Expo: -1, PublishTime: 1000}, 2)
}

// ============================================================
// QueryLiquidatable
// ============================================================

func TestQueryLiquidatable(t *testing.T) {
	f := newFixture(t, engine.Options{})
	riskyAndSafe(t, f)

	got, err := f.eng.QueryLiquidatable("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "alice" {
		t.Errorf("liquidatable = %v, want [alice]", got)
	}

	// maxCount truncates; zero asks for nothing.
	if got, _ := f.eng.QueryLiquidatable("", 0); len(got) != 0 {
		t.Errorf("maxCount 0 returned %v", got)
	}
}

func TestQueryLiquidatableDenomFilter(t *testing.T) {
	f := newFixture(t, engine.Options{})
	f.mustOpen(t, "alice", coins("uatom", uint64(1500)), 1000)
	f.mustOpen(t, "bob", coins("uatom", uint64(10000)), 1000)
	f.mustOpen(t, "carol", coins("uosmo", uint64(600)), 1000)

	// Both collaterals slide: alice and carol go under, bob stays safe.
	mustPut(t, f.cache, oracle.Price{Denom: "uatom", Value: 7, Expo: -1, PublishTime: 1000}, 2)
	mustPut(t, f.cache, oracle.Price{Denom: "uosmo", Value: 18, Expo: -1, PublishTime: 1000}, 2)

	got, err := f.eng.QueryLiquidatable("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("liquidatable = %v, want two troves", got)
	}

	got, err = f.eng.QueryLiquidatable("uosmo", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "carol" {
		t.Errorf("uosmo liquidatable = %v, want [carol]", got)
	}
}

// ============================================================
// Pool absorption
// ============================================================

func TestLiquidateFullPoolOffset(t *testing.T) {
	f := newFixture(t, engine.Options{})
	riskyAndSafe(t, f)
	if err := f.eng.ProvideStability("whale", 5000); err != nil {
		t.Fatal(err)
	}

	res, err := f.eng.Liquidate([]string{"alice"})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalDebtBurned != 1005 || res.TotalDebtRedistributed != 0 {
		t.Errorf("burned %d / redistributed %d, want 1005 / 0",
			res.TotalDebtBurned, res.TotalDebtRedistributed)
	}
	if res.TotalCollateralSeized["uatom"] != 1500 {
		t.Errorf("seized = %v, want uatom 1500", res.TotalCollateralSeized)
	}

	// The pool burned the debt and holds the collateral for depositors.
	totalStake, _, _, _ := f.eng.PoolStats()
	if totalStake != 3995 {
		t.Errorf("pool stake = %d, want 3995", totalStake)
	}
	if got := f.eng.PoolGain("whale", "uatom"); got != 1500 {
		t.Errorf("whale gain = %d, want 1500", got)
	}

	// The trove is gone; bob was untouched.
	if _, _, err := f.eng.TroveState("alice"); !errors.Is(err, state.ErrTroveNotFound) {
		t.Errorf("got %v, want ErrTroveNotFound", err)
	}
	if coll, debt, _ := f.eng.TroveState("bob"); coll["uatom"] != 10000 || debt != 1005 {
		t.Errorf("bob = %v / %d, want untouched", coll, debt)
	}
}

// ============================================================
// Redistribution fallback
// ============================================================

func TestLiquidateRedistributesWithEmptyPool(t *testing.T) {
	f := newFixture(t, engine.Options{})
	riskyAndSafe(t, f)

	res, err := f.eng.Liquidate([]string{"alice"})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalDebtBurned != 0 || res.TotalDebtRedistributed != 1005 {
		t.Errorf("burned %d / redistributed %d, want 0 / 1005",
			res.TotalDebtBurned, res.TotalDebtRedistributed)
	}

	// Everything lands on bob, the only surviving uatom holder.
	coll, debt, err := f.eng.TroveState("bob")
	if err != nil {
		t.Fatal(err)
	}
	if coll["uatom"] != 11500 {
		t.Errorf("bob collateral = %v, want uatom 11500", coll)
	}
	if debt != 2010 {
		t.Errorf("bob debt = %d, want 2010", debt)
	}
}

func TestLiquidatePartialOffsetSplits(t *testing.T) {
	f := newFixture(t, engine.Options{})
	riskyAndSafe(t, f)
	if err := f.eng.ProvideStability("whale", 500); err != nil {
		t.Fatal(err)
	}

	res, err := f.eng.Liquidate([]string{"alice"})
	if err != nil {
		t.Fatal(err)
	}
	// 500 of the 1005 debt burns against the pool with a value-matched
	// collateral slice; the remaining 505 redistributes.
	if res.TotalDebtBurned != 500 || res.TotalDebtRedistributed != 505 {
		t.Errorf("burned %d / redistributed %d, want 500 / 505",
			res.TotalDebtBurned, res.TotalDebtRedistributed)
	}

	// Pool slice: floor(1500 * 500 / 1005) = 746 uatom.
	if got := f.eng.PoolGain("whale", "uatom"); got != 746 {
		t.Errorf("whale gain = %d, want 746", got)
	}
	// The offset emptied the pool: new epoch, whale's stake is gone.
	totalStake, _, epoch, _ := f.eng.PoolStats()
	if totalStake != 0 || epoch != 1 {
		t.Errorf("pool stake %d epoch %d, want 0 / 1", totalStake, epoch)
	}
	if got := f.eng.PoolStake("whale"); got != 0 {
		t.Errorf("whale stake = %d, want 0", got)
	}

	// Redistribution slice lands on bob.
	coll, debt, _ := f.eng.TroveState("bob")
	if coll["uatom"] != 10754 {
		t.Errorf("bob collateral = %v, want uatom 10754", coll)
	}
	if debt != 1510 {
		t.Errorf("bob debt = %d, want 1510", debt)
	}
}

func TestLiquidateDustCollateralToSurplus(t *testing.T) {
	f := newFixture(t, engine.Options{})
	mustPut(t, f.cache, oracle.Price{Denom: "uakt", Value: 1, Expo: 0, PublishTime: 1000}, 1)

	// alice is the only uakt holder, with a single unit of it. The pool
	// absorbs her whole debt, but the uakt slice's value share rounds to
	// zero debt, so its collateral has nowhere to go but her surplus.
	f.mustOpen(t, "alice", coins("uatom", uint64(1500), "uakt", uint64(1)), 1000)
	if err := f.eng.ProvideStability("whale", 5000); err != nil {
		t.Fatal(err)
	}
	mustPut(t, f.cache, oracle.Price{Denom: "uatom", Value: 7, Expo: -1, PublishTime: 1000}, 2)

	res, err := f.eng.Liquidate([]string{"alice"})
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalDebtBurned != 1005 || res.TotalDebtRedistributed != 0 {
		t.Errorf("burned %d / redistributed %d, want 1005 / 0",
			res.TotalDebtBurned, res.TotalDebtRedistributed)
	}

	// Seized counts only what the pool received; the dust unit is reported
	// as surplus, not seizure.
	if len(res.TotalCollateralSeized) != 1 || res.TotalCollateralSeized["uatom"] != 1500 {
		t.Errorf("seized = %v, want uatom 1500 only", res.TotalCollateralSeized)
	}
	if len(res.CollateralToSurplus) != 1 || res.CollateralToSurplus["uakt"] != 1 {
		t.Errorf("surplus = %v, want uakt 1", res.CollateralToSurplus)
	}

	// The owner can claim the dust back.
	claimed, err := f.eng.ClaimSurplus("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed["uakt"] != 1 {
		t.Errorf("claimed = %v, want uakt 1", claimed)
	}
	if got := f.eng.PoolGain("whale", "uakt"); got != 0 {
		t.Errorf("whale uakt gain = %d, want 0", got)
	}
}

// ============================================================
// Batch atomicity
// ============================================================

func TestLiquidateSafeTroveAbortsBatch(t *testing.T) {
	f := newFixture(t, engine.Options{})
	riskyAndSafe(t, f)
	f.eng.ProvideStability("whale", 5000)

	_, err := f.eng.Liquidate([]string{"alice", "bob"})
	if !errors.Is(err, engine.ErrTroveNotLiquidatable) {
		t.Fatalf("got %v, want ErrTroveNotLiquidatable", err)
	}

	// Nothing moved: alice survives and the pool is whole.
	if _, _, err := f.eng.TroveState("alice"); err != nil {
		t.Errorf("alice gone after aborted batch: %v", err)
	}
	totalStake, _, _, _ := f.eng.PoolStats()
	if totalStake != 5000 {
		t.Errorf("pool stake = %d after aborted batch, want 5000", totalStake)
	}
}

func TestLiquidateRejections(t *testing.T) {
	f := newFixture(t, engine.Options{})
	riskyAndSafe(t, f)

	if _, err := f.eng.Liquidate(nil); !errors.Is(err, state.ErrZeroAmount) {
		t.Errorf("empty batch: got %v, want ErrZeroAmount", err)
	}
	if _, err := f.eng.Liquidate([]string{"nosuch"}); !errors.Is(err, state.ErrTroveNotFound) {
		t.Errorf("unknown trove: got %v, want ErrTroveNotFound", err)
	}
	if _, err := f.eng.Liquidate([]string{"alice", "alice"}); !errors.Is(err, state.ErrZeroAmount) {
		t.Errorf("duplicate trove: got %v, want ErrZeroAmount", err)
	}
	if got := f.eng.Sequence(); got != 2 { // the two opens only
		t.Errorf("Sequence = %d after rejections, want 2", got)
	}
}

func TestLiquidateNoRedistributionTarget(t *testing.T) {
	f := newFixture(t, engine.Options{})
	// Alice is the only trove; with an empty pool there is nowhere for her
	// debt to go.
	f.mustOpen(t, "alice", coins("uatom", uint64(1500)), 1000)
	mustPut(t, f.cache, oracle.Price{Denom: "uatom", Value: 7, Expo: -1, PublishTime: 1000}, 2)

	_, err := f.eng.Liquidate([]string{"alice"})
	if !errors.Is(err, state.ErrNoRedistributionTarget) {
		t.Fatalf("got %v, want ErrNoRedistributionTarget", err)
	}
	if _, _, err := f.eng.TroveState("alice"); err != nil {
		t.Errorf("alice gone after rejected liquidation: %v", err)
	}
}

func TestLiquidateStalePriceAborts(t *testing.T) {
	f := newFixture(t, engine.Options{})
	riskyAndSafe(t, f)
	f.eng.ProvideStability("whale", 5000)

	// All prices age past the freshness bound.
	f.cache.SetClock(func() time.Time { return time.Unix(100_000, 0) })

	_, err := f.eng.Liquidate([]string{"alice"})
	if !errors.Is(err, oracle.ErrStalePrice) {
		t.Fatalf("got %v, want ErrStalePrice", err)
	}
	if _, _, err := f.eng.TroveState("alice"); err != nil {
		t.Errorf("alice gone after stale-price abort: %v", err)
	}
}

// ============================================================
// Batches
// ============================================================

func TestLiquidateBatch(t *testing.T) {
	f := newFixture(t, engine.Options{})
	f.mustOpen(t, "alice", coins("uatom", uint64(1500)), 1000)
	f.mustOpen(t, "carol", coins("uatom", uint64(1400)), 1000)
	f.mustOpen(t, "bob", coins("uatom", uint64(10000)), 1000)
	mustPut(t, f.cache, oracle.Price{Denom: "uatom", Value: 7, Expo: -1, PublishTime: 1000}, 2)
	f.eng.ProvideStability("whale", 10_000)

	res, err := f.eng.Liquidate([]string{"alice", "carol"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Troves) != 2 {
		t.Errorf("troves = %v, want both", res.Troves)
	}
	if res.TotalDebtBurned != 2010 {
		t.Errorf("burned = %d, want 2010", res.TotalDebtBurned)
	}
	if res.TotalCollateralSeized["uatom"] != 2900 {
		t.Errorf("seized = %v, want uatom 2900", res.TotalCollateralSeized)
	}
	_, _, size := f.eng.IndexStats()
	if size != 1 {
		t.Errorf("index size = %d, want 1 (bob)", size)
	}
}
