package state

import "fmt"

// ProtocolParams are the global risk and fee parameters. They are passed to
// each operation explicitly rather than read from ambient state, so the
// engine stays testable in isolation.
//
// All ratios are wads (scale 1e18).
type ProtocolParams struct {
	// MCRWad is the minimum collateral ratio to open or keep a trove.
	MCRWad uint64

	// LoanFeeRateWad is charged on newly issued debt (open / debt increase)
	// and added to the trove's debt.
	LoanFeeRateWad uint64

	// RedemptionFeeRateWad is charged on the stablecoin amount redeemed.
	RedemptionFeeRateWad uint64

	// MinDebt is the protocol debt floor for an open trove.
	MinDebt uint64

	// OracleFreshness is the maximum accepted price age, seconds.
	OracleFreshnessSecs int64
}

// DefaultParams mirrors the protocol's launch configuration:
// 110% MCR, 0.5% loan and redemption fees.
func DefaultParams() ProtocolParams {
	return ProtocolParams{
		MCRWad:               1_100_000_000_000_000_000, // 110%
		LoanFeeRateWad:       5_000_000_000_000_000,     // 0.5%
		RedemptionFeeRateWad: 5_000_000_000_000_000,     // 0.5%
		MinDebt:              100,
		OracleFreshnessSecs:  60,
	}
}

// Validate rejects parameter sets the engine must never run under.
func (p ProtocolParams) Validate() error {
	if p.MCRWad < 1e18 {
		return fmt.Errorf("MCR %d below 100%%", p.MCRWad)
	}
	if p.LoanFeeRateWad >= 1e18 || p.RedemptionFeeRateWad >= 1e18 {
		return fmt.Errorf("fee rate must be below 100%%")
	}
	if p.MinDebt == 0 {
		return fmt.Errorf("debt floor must be positive")
	}
	if p.OracleFreshnessSecs <= 0 {
		return fmt.Errorf("oracle freshness bound must be positive")
	}
	return nil
}
