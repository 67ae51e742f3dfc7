package math

import (
	"github.com/holiman/uint256"
)

// WadPrecision is the number of decimal places in the engine's fixed-point
// representation. Ratios (ICR, MCR, fee rates) and the stability pool's
// P/S factors are all wads: integers scaled by 10^18.
const WadPrecision = 18

// ScaleFactorPrecision is the precision recovered by one scale rollover of the
// stability pool product (see state.StabilityPool).
const ScaleFactorPrecision = 9

var (
	// Wad is 10^18, the fixed-point unit.
	Wad = uint256.NewInt(1e18)

	// ScaleFactor is 10^9, applied to P on a scale rollover.
	ScaleFactor = uint256.NewInt(1e9)

	// MaxICR is the sentinel ratio for a trove with zero debt. Any real ICR
	// compares below it.
	MaxICR = new(uint256.Int).SetAllOne()
)

// Pow10 returns 10^n as a uint256. n must be <= 77.
func Pow10(n uint32) *uint256.Int {
	result := uint256.NewInt(1)
	ten := uint256.NewInt(10)
	for i := uint32(0); i < n; i++ {
		result.Mul(result, ten)
	}
	return result
}

// MulWad computes a*b/1e18, rounding down.
func MulWad(a, b *uint256.Int) *uint256.Int {
	return MulDiv(a, b, Wad)
}

// DivWad computes a*1e18/b, rounding down. b must be non-zero.
func DivWad(a, b *uint256.Int) *uint256.Int {
	return MulDiv(a, Wad, b)
}

// MulDiv computes a*b/denom with a 512-bit intermediate product, rounding
// down. denom must be non-zero and the quotient must fit 256 bits.
func MulDiv(a, b, denom *uint256.Int) *uint256.Int {
	result, _ := new(uint256.Int).MulDivOverflow(a, b, denom)
	return result
}

// MulDivUp computes a*b/denom rounding up.
func MulDivUp(a, b, denom *uint256.Int) *uint256.Int {
	prod := new(uint256.Int).Mul(a, b)
	quot, rem := new(uint256.Int).DivMod(prod, denom, new(uint256.Int))
	if !rem.IsZero() {
		quot.AddUint64(quot, 1)
	}
	return quot
}

// ValueWad converts an integer collateral amount priced at (price, expo) into
// a wad-scaled value: amount * price * 10^(expo+18). expo must be in
// [-18, 18]; oracle adapters reject anything outside that range.
func ValueWad(amount uint64, price uint64, expo int32) *uint256.Int {
	v := new(uint256.Int).Mul(uint256.NewInt(amount), uint256.NewInt(price))
	shift := expo + WadPrecision
	if shift >= 0 {
		return v.Mul(v, Pow10(uint32(shift)))
	}
	return v.Div(v, Pow10(uint32(-shift)))
}

// AmountAtPrice converts a stablecoin value (base units, $1 peg) into
// collateral base units at (price, expo), rounding down.
func AmountAtPrice(value uint64, price uint64, expo int32) uint64 {
	denom := new(uint256.Int).Mul(uint256.NewInt(price), Pow10(uint32(expo+WadPrecision)))
	return MulDiv(uint256.NewInt(value), Wad, denom).Uint64()
}

// ComputeICR returns the collateral ratio collateralValueWad/debt as a wad.
// A zero debt yields MaxICR (the ratio is undefined, treated as infinite).
func ComputeICR(collateralValueWad *uint256.Int, debt uint64) *uint256.Int {
	if debt == 0 {
		return new(uint256.Int).Set(MaxICR)
	}
	return new(uint256.Int).Div(collateralValueWad, uint256.NewInt(debt))
}

// ICRBelow reports whether icr < threshold, where threshold is a wad ratio.
func ICRBelow(icr *uint256.Int, thresholdWad uint64) bool {
	return icr.Cmp(uint256.NewInt(thresholdWad)) < 0
}

// ApplyRateWad returns amount * rateWad / 1e18, rounding down. Used for fee
// computation, so rounding down favours the payer.
func ApplyRateWad(amount uint64, rateWad uint64) uint64 {
	r := MulDiv(uint256.NewInt(amount), uint256.NewInt(rateWad), Wad)
	return r.Uint64()
}

// ProportionOf returns total * part / whole, rounding down, saturating at
// total. whole must be non-zero.
func ProportionOf(total, part, whole uint64) uint64 {
	r := MulDiv(uint256.NewInt(total), uint256.NewInt(part), uint256.NewInt(whole))
	if v := r.Uint64(); v < total {
		return v
	}
	return total
}
