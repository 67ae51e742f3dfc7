package state

import "errors"

// Errors surfaced by the state layer. Every rejection happens before any
// mutation: a caller seeing one of these can assume nothing changed.
var (
	ErrZeroAmount = errors.New("amount must be positive")

	// Sorted trove index
	ErrNodeExists   = errors.New("trove already in index")
	ErrNodeNotFound = errors.New("trove not in index")

	// Trove ledger
	ErrTroveExists            = errors.New("trove already open")
	ErrTroveNotFound          = errors.New("trove not found")
	ErrDebtBelowFloor         = errors.New("debt below protocol floor")
	ErrCollateralBelowMCR     = errors.New("collateral ratio below minimum")
	ErrCollateralInsufficient = errors.New("collateral withdrawal exceeds balance")
	ErrRepayExceedsDebt       = errors.New("repayment exceeds outstanding debt")
	ErrConflictingAdjustment  = errors.New("cannot borrow and repay in one adjustment")

	// Stability pool
	ErrInsufficientStake    = errors.New("offset exceeds total pool stake")
	ErrNoDeposit            = errors.New("depositor has no stake")
	ErrWithdrawExceedsStake = errors.New("withdrawal exceeds compounded stake")
)
