package oracle

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownDenom is returned when no price has ever been published for
	// the requested denom.
	ErrUnknownDenom = errors.New("oracle: unknown denom")

	// ErrStalePrice is returned when the freshest known price is older than
	// the configured freshness bound. Callers must abort rather than fall
	// back to the stale value.
	ErrStalePrice = errors.New("oracle: price too old")

	// ErrInvalidPrice is returned for a non-positive price or an exponent
	// outside [-18, 18].
	ErrInvalidPrice = errors.New("oracle: invalid price")
)

// Price is one oracle observation for a denom.
type Price struct {
	Denom       string `json:"denom"`
	Value       uint64 `json:"value"`
	Expo        int32  `json:"expo"`
	Conf        uint64 `json:"conf"`
	PublishTime int64  `json:"publish_time"` // unix seconds
}

// Validate rejects observations the engine must never price against.
func (p Price) Validate() error {
	if p.Value == 0 {
		return fmt.Errorf("%w: zero value for %s", ErrInvalidPrice, p.Denom)
	}
	if p.Expo < -18 || p.Expo > 18 {
		return fmt.Errorf("%w: exponent %d for %s", ErrInvalidPrice, p.Expo, p.Denom)
	}
	return nil
}

// PriceOracle supplies point-in-time prices to the engine. Implementations
// must enforce the freshness bound themselves: GetPrice returns ErrStalePrice
// when the newest observation is older than the bound at call time.
type PriceOracle interface {
	GetPrice(denom string) (Price, error)
	GetAllPrices(denoms []string) ([]Price, error)
}
