package query

import (
	"time"

	"aeroscraper/internal/engine"
	"aeroscraper/internal/observability"
	"aeroscraper/internal/state"
)

// Service provides read-only views over the engine. All responses carry
// as_of_sequence: the number of operations committed when the view was
// taken, so callers can reason about freshness.
type Service struct {
	engine  *engine.Engine
	metrics *observability.Metrics
	now     func() time.Time
}

func NewService(eng *engine.Engine, metrics *observability.Metrics) *Service {
	return &Service{engine: eng, metrics: metrics, now: time.Now}
}

// TroveResponse is one trove's effective position.
type TroveResponse struct {
	Owner        string            `json:"owner"`
	Collateral   map[string]uint64 `json:"collateral"`
	Debt         uint64            `json:"debt"`
	ICR          string            `json:"icr"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// SurplusResponse is an owner's claimable surplus collateral.
type SurplusResponse struct {
	Owner        string            `json:"owner"`
	Surplus      map[string]uint64 `json:"surplus"`
	AsOfSequence int64             `json:"as_of_sequence"`
}

// DepositResponse is a stability pool depositor's view.
type DepositResponse struct {
	Depositor       string            `json:"depositor"`
	CompoundedStake uint64            `json:"compounded_stake"`
	Gains           map[string]uint64 `json:"gains"`
	AsOfSequence    int64             `json:"as_of_sequence"`
}

// PoolResponse is the stability pool's aggregate accounting state.
type PoolResponse struct {
	TotalStake   uint64 `json:"total_stake"`
	P            string `json:"p"`
	Epoch        uint64 `json:"epoch"`
	Scale        uint64 `json:"scale"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// IndexResponse describes the sorted trove index.
type IndexResponse struct {
	Head         string `json:"head"`
	Tail         string `json:"tail"`
	Size         int    `json:"size"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// ParamsResponse is the active parameter set.
type ParamsResponse struct {
	Params       state.ProtocolParams `json:"params"`
	AsOfSequence int64                `json:"as_of_sequence"`
}

// LiquidatableResponse lists troves currently below the MCR, lowest ICR
// first.
type LiquidatableResponse struct {
	Troves       []string `json:"troves"`
	AsOfSequence int64    `json:"as_of_sequence"`
}

// GetTrove returns the effective position for one trove: recorded amounts
// with pending redistribution rewards folded in, and its ICR at current
// prices.
func (s *Service) GetTrove(owner string) (*TroveResponse, error) {
	defer s.observe("trove", s.now())

	coll, debt, err := s.engine.TroveState(owner)
	if err != nil {
		return nil, err
	}
	icr, err := s.engine.TroveICR(owner)
	if err != nil {
		return nil, err
	}
	return &TroveResponse{
		Owner:        owner,
		Collateral:   coll,
		Debt:         debt,
		ICR:          icr.Dec(),
		AsOfSequence: s.engine.Sequence(),
	}, nil
}

// GetSurplus returns owner's claimable surplus collateral. An owner with no
// surplus gets an empty map, not an error.
func (s *Service) GetSurplus(owner string) *SurplusResponse {
	defer s.observe("surplus", s.now())

	return &SurplusResponse{
		Owner:        owner,
		Surplus:      s.engine.Surplus(owner),
		AsOfSequence: s.engine.Sequence(),
	}
}

// GetDeposit returns a depositor's compounded stake and accrued gains for
// the requested denoms.
func (s *Service) GetDeposit(depositor string, denoms []string) *DepositResponse {
	defer s.observe("deposit", s.now())

	gains := make(map[string]uint64, len(denoms))
	for _, d := range denoms {
		if g := s.engine.PoolGain(depositor, d); g > 0 {
			gains[d] = g
		}
	}
	return &DepositResponse{
		Depositor:       depositor,
		CompoundedStake: s.engine.PoolStake(depositor),
		Gains:           gains,
		AsOfSequence:    s.engine.Sequence(),
	}
}

// GetPool returns the stability pool's aggregate state.
func (s *Service) GetPool() *PoolResponse {
	defer s.observe("pool", s.now())

	stake, p, epoch, scale := s.engine.PoolStats()
	return &PoolResponse{
		TotalStake:   stake,
		P:            p.Dec(),
		Epoch:        epoch,
		Scale:        scale,
		AsOfSequence: s.engine.Sequence(),
	}
}

// GetIndex returns the sorted index endpoints and size.
func (s *Service) GetIndex() *IndexResponse {
	defer s.observe("index", s.now())

	head, tail, size := s.engine.IndexStats()
	return &IndexResponse{
		Head:         head,
		Tail:         tail,
		Size:         size,
		AsOfSequence: s.engine.Sequence(),
	}
}

// GetParams returns the active protocol parameters.
func (s *Service) GetParams() *ParamsResponse {
	defer s.observe("params", s.now())

	return &ParamsResponse{
		Params:       s.engine.Params(),
		AsOfSequence: s.engine.Sequence(),
	}
}

// GetLiquidatable returns troves below the MCR, lowest ICR first. A
// non-empty denom restricts the walk to troves holding it.
func (s *Service) GetLiquidatable(denom string, maxCount int) (*LiquidatableResponse, error) {
	defer s.observe("liquidatable", s.now())

	troves, err := s.engine.QueryLiquidatable(denom, maxCount)
	if err != nil {
		return nil, err
	}
	return &LiquidatableResponse{
		Troves:       troves,
		AsOfSequence: s.engine.Sequence(),
	}, nil
}

func (s *Service) observe(endpoint string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.QueryDuration.WithLabelValues(endpoint).Observe(s.now().Sub(start).Seconds())
}
