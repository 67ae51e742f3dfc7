package event

import (
	"time"

	"github.com/google/uuid"
)

// OperationType identifies one engine operation kind.
type OperationType int

const (
	OpOpenTrove OperationType = iota
	OpAdjustTrove
	OpCloseTrove
	OpProvideStability
	OpWithdrawStability
	OpClaimPoolGains
	OpClaimSurplus
	OpLiquidate
	OpRedeem
	OpSetParams
	OpResetIndex
	OpSetFeeRouting
)

func (t OperationType) String() string {
	switch t {
	case OpOpenTrove:
		return "OpenTrove"
	case OpAdjustTrove:
		return "AdjustTrove"
	case OpCloseTrove:
		return "CloseTrove"
	case OpProvideStability:
		return "ProvideStability"
	case OpWithdrawStability:
		return "WithdrawStability"
	case OpClaimPoolGains:
		return "ClaimPoolGains"
	case OpClaimSurplus:
		return "ClaimSurplus"
	case OpLiquidate:
		return "Liquidate"
	case OpRedeem:
		return "Redeem"
	case OpSetParams:
		return "SetParams"
	case OpResetIndex:
		return "ResetIndex"
	case OpSetFeeRouting:
		return "SetFeeRouting"
	default:
		return "Unknown"
	}
}

// Envelope wraps one committed operation for the audit log. The engine
// assigns Sequence; the host ledger's transaction order is the only
// ordering authority, so there is no idempotency key here.
type Envelope struct {
	Sequence  int64         `json:"sequence"`
	BatchID   uuid.UUID     `json:"batch_id"`
	Type      OperationType `json:"type"`
	Caller    string        `json:"caller"`
	Timestamp time.Time     `json:"timestamp"`
	Payload   []byte        `json:"payload"` // JSON operation record
}

// OpenTroveRecord is the audit payload for a committed open.
type OpenTroveRecord struct {
	Owner      string            `json:"owner"`
	Collateral map[string]uint64 `json:"collateral"`
	Debt       uint64            `json:"debt"`
	Fee        uint64            `json:"fee"`
}

// AdjustTroveRecord is the audit payload for a committed adjustment.
type AdjustTroveRecord struct {
	Owner        string            `json:"owner"`
	DepositColl  map[string]uint64 `json:"deposit_coll,omitempty"`
	WithdrawColl map[string]uint64 `json:"withdraw_coll,omitempty"`
	DebtIncrease uint64            `json:"debt_increase,omitempty"`
	DebtRepay    uint64            `json:"debt_repay,omitempty"`
	Fee          uint64            `json:"fee,omitempty"`
}

// CloseTroveRecord is the audit payload for a voluntary closure.
type CloseTroveRecord struct {
	Owner              string            `json:"owner"`
	DebtRepaid         uint64            `json:"debt_repaid"`
	CollateralReturned map[string]uint64 `json:"collateral_returned"`
}

// StabilityRecord covers pool deposits and withdrawals.
type StabilityRecord struct {
	Depositor string `json:"depositor"`
	Amount    uint64 `json:"amount"`
}

// SurplusRecord is the audit payload for a surplus collateral claim.
type SurplusRecord struct {
	Owner   string            `json:"owner"`
	Claimed map[string]uint64 `json:"claimed"`
}

// LiquidationRecord is the audit payload for one liquidation batch.
type LiquidationRecord struct {
	Troves                 []string          `json:"troves"`
	TotalDebtBurned        uint64            `json:"total_debt_burned"`
	TotalDebtRedistributed uint64            `json:"total_debt_redistributed"`
	TotalCollateralSeized  map[string]uint64 `json:"total_collateral_seized"`
	CollateralToSurplus    map[string]uint64 `json:"collateral_to_surplus,omitempty"`
}

// RedemptionRecord is the audit payload for one redemption.
type RedemptionRecord struct {
	Redeemer           string            `json:"redeemer"`
	AmountRedeemed     uint64            `json:"amount_redeemed"`
	FeeCharged         uint64            `json:"fee_charged"`
	CollateralReturned map[string]uint64 `json:"collateral_returned"`
	TrovesTouched      []string          `json:"troves_touched"`
}

// AdminRecord covers parameter and routing changes.
type AdminRecord struct {
	Field string `json:"field"`
	Value string `json:"value"`
}
