package oracle

import (
	"fmt"
	"sync"
	"time"
)

// Cache is an in-memory PriceOracle fed by a price publisher (the NATS feed
// in production, tests directly). Updates are sequence-gated per denom so a
// redelivered or reordered message never regresses the cache.
type Cache struct {
	mu        sync.RWMutex
	prices    map[string]Price
	sequences map[string]uint64

	maxAge time.Duration
	now    func() time.Time
}

// NewCache creates a cache enforcing the given freshness bound.
func NewCache(maxAge time.Duration) *Cache {
	return &Cache{
		prices:    make(map[string]Price),
		sequences: make(map[string]uint64),
		maxAge:    maxAge,
		now:       time.Now,
	}
}

// SetClock overrides the wall clock. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Put stores an observation if it is valid and newer than the cached one.
// Stale or duplicate sequences are ignored, matching at-least-once delivery.
func (c *Cache) Put(p Price, sequence uint64) error {
	if err := p.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.sequences[p.Denom]; ok && sequence <= last {
		return nil
	}
	c.prices[p.Denom] = p
	c.sequences[p.Denom] = sequence
	return nil
}

// GetPrice returns the freshest observation for denom, or ErrUnknownDenom /
// ErrStalePrice. Freshness is evaluated at call time: the same cache entry
// can be fresh for one operation and stale for the next.
func (c *Cache) GetPrice(denom string) (Price, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.prices[denom]
	if !ok {
		return Price{}, fmt.Errorf("%w: %s", ErrUnknownDenom, denom)
	}

	age := c.now().Unix() - p.PublishTime
	if age > int64(c.maxAge.Seconds()) {
		return Price{}, fmt.Errorf("%w: %s published %ds ago (bound %s)",
			ErrStalePrice, denom, age, c.maxAge)
	}
	return p, nil
}

// GetAllPrices resolves every denom or fails on the first missing/stale one.
func (c *Cache) GetAllPrices(denoms []string) ([]Price, error) {
	out := make([]Price, 0, len(denoms))
	for _, d := range denoms {
		p, err := c.GetPrice(d)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
