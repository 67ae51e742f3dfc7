package fees

import (
	"errors"
	"sync"
)

// ErrNoDestination is returned when routing is misconfigured: staking payout
// disabled but no treasury addresses set.
var ErrNoDestination = errors.New("fees: no destination configured")

// Distributor receives protocol fee amounts and routes them. The engine only
// records routing decisions; moving tokens is the host ledger's job.
type Distributor interface {
	// Distribute routes amount originating from sourceAccount. Returns the
	// committed payout split.
	Distribute(amount uint64, sourceAccount string) ([]Payout, error)
}

// Payout is one routed fee slice.
type Payout struct {
	Destination string `json:"destination"`
	Amount      uint64 `json:"amount"`
}

// Router implements the protocol's fee policy: 100% to the stability-pool
// stake destination when enabled, otherwise an even split between two
// treasury addresses (odd unit to the first).
type Router struct {
	mu sync.RWMutex

	stakeEnabled bool
	stakeAddr    string
	treasuryA    string
	treasuryB    string

	totalRouted uint64
}

func NewRouter(stakeAddr, treasuryA, treasuryB string) *Router {
	return &Router{
		stakeAddr: stakeAddr,
		treasuryA: treasuryA,
		treasuryB: treasuryB,
	}
}

// SetStakeRouting toggles the stability-pool-stake destination.
func (r *Router) SetStakeRouting(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stakeEnabled = enabled
}

// SetTreasuries replaces the treasury destinations.
func (r *Router) SetTreasuries(a, b string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.treasuryA = a
	r.treasuryB = b
}

// StakeRoutingEnabled reports the current routing mode.
func (r *Router) StakeRoutingEnabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stakeEnabled
}

// TotalRouted returns cumulative fees routed since start.
func (r *Router) TotalRouted() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalRouted
}

// Distribute implements Distributor.
func (r *Router) Distribute(amount uint64, sourceAccount string) ([]Payout, error) {
	if amount == 0 {
		return nil, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stakeEnabled && r.stakeAddr != "" {
		r.totalRouted += amount
		return []Payout{{Destination: r.stakeAddr, Amount: amount}}, nil
	}
	if r.treasuryA == "" || r.treasuryB == "" {
		return nil, ErrNoDestination
	}

	half := amount / 2
	r.totalRouted += amount
	return []Payout{
		{Destination: r.treasuryA, Amount: amount - half},
		{Destination: r.treasuryB, Amount: half},
	}, nil
}
