package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"aeroscraper/internal/event"
	"aeroscraper/internal/fees"
	fpmath "aeroscraper/internal/math"
	"aeroscraper/internal/observability"
	"aeroscraper/internal/oracle"
	"aeroscraper/internal/state"
)

var (
	// ErrUnauthorized is returned for privileged operations from a
	// non-admin caller.
	ErrUnauthorized = errors.New("caller is not admin")

	// ErrTroveNotLiquidatable is returned when a liquidation batch names a
	// trove whose ICR is at or above the MCR; the whole batch aborts.
	ErrTroveNotLiquidatable = errors.New("trove not below minimum collateral ratio")

	// ErrNotEnoughLiquidityForRedeem is returned when no open trove can
	// absorb any part of a redemption.
	ErrNotEnoughLiquidityForRedeem = errors.New("no redeemable troves")
)

// Engine executes the protocol's operations as a sequence of serialized,
// all-or-nothing state transitions. Each operation validates and plans
// against read-only state first; mutations begin only once the plan is
// complete and cannot fail, which gives atomicity without undo logs.
type Engine struct {
	mu sync.Mutex

	sequence int64
	admin    string
	params   state.ProtocolParams

	index  *state.SortedTroves
	troves *state.TroveManager
	pool   *state.StabilityPool
	redist *state.Redistribution
	oracle oracle.PriceOracle
	fees   fees.Distributor

	log     zerolog.Logger
	metrics *observability.Metrics

	// persistChan feeds the operation log with a blocking send: the engine
	// stalls rather than lose an envelope. projectionChan is best-effort.
	// Both may be nil in library mode.
	persistChan    chan<- event.Envelope
	projectionChan chan<- event.Envelope

	now func() time.Time
}

// Options configures optional collaborators.
type Options struct {
	Metrics        *observability.Metrics
	PersistChan    chan<- event.Envelope
	ProjectionChan chan<- event.Envelope
	Clock          func() time.Time

	// StartSequence is the sequence of the next committed operation. A
	// restarted service sets this past the persisted operation log.
	StartSequence int64
}

func New(admin string, params state.ProtocolParams, orc oracle.PriceOracle, dist fees.Distributor, log zerolog.Logger, opts Options) (*Engine, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("params: %w", err)
	}
	index := state.NewSortedTroves()
	redist := state.NewRedistribution()
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Engine{
		sequence:       opts.StartSequence,
		admin:          admin,
		params:         params,
		index:          index,
		troves:         state.NewTroveManager(index, orc, redist),
		pool:           state.NewStabilityPool(),
		redist:         redist,
		oracle:         orc,
		fees:           dist,
		log:            log,
		metrics:        opts.Metrics,
		persistChan:    opts.PersistChan,
		projectionChan: opts.ProjectionChan,
		now:            now,
	}, nil
}

// OpenTrove opens a position for caller. The loan fee is charged on the
// requested debt and rolled into the trove, so the recorded debt is
// debt + fee. Returns the fee charged.
func (e *Engine) OpenTrove(caller string, collateral map[string]uint64, debt uint64, hintPrev, hintNext string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	fee := fpmath.ApplyRateWad(debt, e.params.LoanFeeRateWad)
	if err := e.troves.Open(caller, collateral, debt+fee, e.params, hintPrev, hintNext); err != nil {
		e.reject(event.OpOpenTrove, err)
		return 0, err
	}
	e.routeFee(fee, caller)

	e.commit(event.OpOpenTrove, caller, start, event.OpenTroveRecord{
		Owner:      caller,
		Collateral: collateral,
		Debt:       debt + fee,
		Fee:        fee,
	})
	return fee, nil
}

// AdjustTrove applies collateral and debt deltas to the caller's trove. A
// loan fee is charged on any debt increase.
func (e *Engine) AdjustTrove(caller string, depositColl, withdrawColl map[string]uint64, debtIncrease, debtRepay uint64, hintPrev, hintNext string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	fee := fpmath.ApplyRateWad(debtIncrease, e.params.LoanFeeRateWad)
	grossIncrease := debtIncrease
	if grossIncrease > 0 {
		grossIncrease += fee
	}
	err := e.troves.Adjust(caller, depositColl, withdrawColl, grossIncrease, debtRepay, e.params, hintPrev, hintNext)
	if err != nil {
		e.reject(event.OpAdjustTrove, err)
		return 0, err
	}
	e.routeFee(fee, caller)

	e.commit(event.OpAdjustTrove, caller, start, event.AdjustTroveRecord{
		Owner:        caller,
		DepositColl:  depositColl,
		WithdrawColl: withdrawColl,
		DebtIncrease: grossIncrease,
		DebtRepay:    debtRepay,
		Fee:          fee,
	})
	return fee, nil
}

// CloseTrove repays all debt and returns all collateral to the caller.
func (e *Engine) CloseTrove(caller string) (map[string]uint64, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	returned, repaid, err := e.troves.Close(caller)
	if err != nil {
		e.reject(event.OpCloseTrove, err)
		return nil, 0, err
	}

	e.commit(event.OpCloseTrove, caller, start, event.CloseTroveRecord{
		Owner:              caller,
		DebtRepaid:         repaid,
		CollateralReturned: returned,
	})
	return returned, repaid, nil
}

// ProvideStability deposits stablecoin into the stability pool.
func (e *Engine) ProvideStability(caller string, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	if err := e.pool.Deposit(caller, amount); err != nil {
		e.reject(event.OpProvideStability, err)
		return err
	}
	e.commit(event.OpProvideStability, caller, start, event.StabilityRecord{Depositor: caller, Amount: amount})
	return nil
}

// WithdrawStability withdraws from the caller's compounded stake.
func (e *Engine) WithdrawStability(caller string, amount uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	if err := e.pool.Withdraw(caller, amount); err != nil {
		e.reject(event.OpWithdrawStability, err)
		return err
	}
	e.commit(event.OpWithdrawStability, caller, start, event.StabilityRecord{Depositor: caller, Amount: amount})
	return nil
}

// ClaimPoolGains realises the caller's accrued collateral gains.
func (e *Engine) ClaimPoolGains(caller string) (map[string]uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	claimed := e.pool.ClaimGains(caller)
	e.commit(event.OpClaimPoolGains, caller, start, claimed)
	return claimed, nil
}

// ClaimSurplus pays out collateral left over for the caller by full
// redemptions and liquidation dust. Claiming nothing is not an error.
func (e *Engine) ClaimSurplus(caller string) (map[string]uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := e.now()
	claimed := e.troves.ClaimSurplus(caller)
	e.commit(event.OpClaimSurplus, caller, start, event.SurplusRecord{Owner: caller, Claimed: claimed})
	return claimed, nil
}

// --- Admin surface ---

// SetParams replaces the protocol parameters.
func (e *Engine) SetParams(caller string, params state.ProtocolParams) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.admin {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}
	if err := params.Validate(); err != nil {
		return err
	}
	start := e.now()
	e.params = params
	e.commit(event.OpSetParams, caller, start, event.AdminRecord{Field: "params", Value: fmt.Sprintf("%+v", params)})
	return nil
}

// ResetIndex discards the entire sorted index. Disaster recovery only:
// troves stay in the ledger but unordered until their owners re-touch them.
func (e *Engine) ResetIndex(caller string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.admin {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}
	start := e.now()
	e.index.Reset()
	e.log.Warn().Str("caller", caller).Msg("sorted trove index reset")
	e.commit(event.OpResetIndex, caller, start, event.AdminRecord{Field: "index", Value: "reset"})
	return nil
}

// SetFeeRouting toggles stability-pool-stake fee routing. The distributor
// must be the protocol Router for this to take effect.
func (e *Engine) SetFeeRouting(caller string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.admin {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}
	router, ok := e.fees.(*fees.Router)
	if !ok {
		return fmt.Errorf("fee distributor does not support routing control")
	}
	start := e.now()
	router.SetStakeRouting(enabled)
	e.commit(event.OpSetFeeRouting, caller, start, event.AdminRecord{Field: "stake_routing", Value: fmt.Sprintf("%t", enabled)})
	return nil
}

// SetTreasuries replaces the treasury fee destinations.
func (e *Engine) SetTreasuries(caller, a, b string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if caller != e.admin {
		return fmt.Errorf("%w: %s", ErrUnauthorized, caller)
	}
	router, ok := e.fees.(*fees.Router)
	if !ok {
		return fmt.Errorf("fee distributor does not support routing control")
	}
	start := e.now()
	router.SetTreasuries(a, b)
	e.commit(event.OpSetFeeRouting, caller, start, event.AdminRecord{Field: "treasuries", Value: a + "," + b})
	return nil
}

// --- Query surface (read-only) ---

// Params returns the active protocol parameters.
func (e *Engine) Params() state.ProtocolParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// Sequence returns the number of committed operations.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// TroveICR returns the caller-visible ICR for owner at current prices.
func (e *Engine) TroveICR(owner string) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.troves.ICR(owner)
}

// TroveState returns the trove's effective collateral and debt.
func (e *Engine) TroveState(owner string) (map[string]uint64, uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.troves.EffectiveAmounts(owner)
}

// Surplus returns owner's claimable surplus collateral.
func (e *Engine) Surplus(owner string) map[string]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.troves.Surplus(owner)
}

// IndexStats reports the sorted index endpoints and size.
func (e *Engine) IndexStats() (head, tail string, size int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index.Head(), e.index.Tail(), e.index.Size()
}

// PoolStake returns the depositor's compounded stake.
func (e *Engine) PoolStake(depositor string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.CompoundedStake(depositor)
}

// PoolGain returns the depositor's claimable gain for denom.
func (e *Engine) PoolGain(depositor, denom string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.AccruedGain(depositor, denom)
}

// PoolStats reports the pool's aggregate accounting state.
func (e *Engine) PoolStats() (totalStake uint64, p *uint256.Int, epoch, scale uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.TotalStake(), e.pool.P(), e.pool.Epoch(), e.pool.Scale()
}

// --- internals ---

// routeFee sends a fee to the distributor. Routing failures are logged, not
// fatal: the fee stays as trove debt either way and a misconfigured
// distributor must not block user operations.
func (e *Engine) routeFee(amount uint64, source string) {
	if amount == 0 || e.fees == nil {
		return
	}
	if _, err := e.fees.Distribute(amount, source); err != nil {
		e.log.Error().Err(err).Uint64("amount", amount).Msg("fee routing failed")
	}
}

// commit finalizes a successful operation: assigns its sequence, emits the
// audit envelope, and records metrics.
func (e *Engine) commit(op event.OperationType, caller string, start time.Time, payload any) {
	seq := e.sequence
	e.sequence++

	body, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("FATAL: marshal %s payload: %v", op, err))
	}
	env := event.Envelope{
		Sequence:  seq,
		BatchID:   uuid.New(),
		Type:      op,
		Caller:    caller,
		Timestamp: start,
		Payload:   body,
	}

	if e.persistChan != nil {
		// Blocking send: backpressure from the operation log is preferred
		// over losing an envelope.
		e.persistChan <- env
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- env:
		default:
			// Projections rebuild from the operation log if they fall behind.
		}
	}

	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op.String()).Inc()
		e.metrics.OpDuration.WithLabelValues(op.String()).Observe(e.now().Sub(start).Seconds())
		e.metrics.Sequence.Set(float64(e.sequence))
		e.metrics.TrovesOpen.Set(float64(e.troves.Count()))
		e.metrics.TotalDebt.Set(float64(e.troves.TotalDebt()))
		e.metrics.IndexSize.Set(float64(e.index.Size()))
		e.metrics.PoolStake.Set(float64(e.pool.TotalStake()))
		e.metrics.PoolEpoch.Set(float64(e.pool.Epoch()))
		e.metrics.PoolScale.Set(float64(e.pool.Scale()))
	}
}

func (e *Engine) reject(op event.OperationType, err error) {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op.String(), rejectReason(err)).Inc()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, oracle.ErrStalePrice), errors.Is(err, oracle.ErrUnknownDenom):
		return "stale_data"
	case errors.Is(err, state.ErrZeroAmount), errors.Is(err, state.ErrConflictingAdjustment):
		return "validation"
	case errors.Is(err, state.ErrTroveNotFound), errors.Is(err, state.ErrNoDeposit):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "constraint"
	}
}
