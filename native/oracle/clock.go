package oracle

import (
	"fmt"
	"sync"
	"time"
)

// Clock supplies the monotonically increasing logical time (block height)
// used for anchor periods.
type Clock interface {
	Now() uint64
}

// ManualClock is a Clock driven explicitly by the caller.
type ManualClock struct {
	mu     sync.Mutex
	height uint64
}

// NewManualClock returns a clock starting at height.
func NewManualClock(height uint64) *ManualClock {
	return &ManualClock{height: height}
}

// Now returns the current height.
func (c *ManualClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// Set moves the clock to height. Heights below the current one are ignored.
func (c *ManualClock) Set(height uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if height > c.height {
		c.height = height
	}
}

// Advance moves the clock forward by delta.
func (c *ManualClock) Advance(delta uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height = saturatingAddUint64(c.height, delta)
	return c.height
}

// BlockClock derives a block height from wall time: the number of whole
// block intervals elapsed since genesis.
type BlockClock struct {
	genesis  time.Time
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last uint64
}

// NewBlockClock constructs a BlockClock.
func NewBlockClock(genesis time.Time, interval time.Duration) (*BlockClock, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("oracle: block interval must be positive")
	}
	if genesis.IsZero() {
		return nil, fmt.Errorf("oracle: genesis time required")
	}
	return &BlockClock{genesis: genesis, interval: interval, now: time.Now}, nil
}

// WithNow overrides the wall clock; intended for tests.
func (c *BlockClock) WithNow(now func() time.Time) *BlockClock {
	if now != nil {
		c.now = now
	}
	return c
}

// Now returns the current height. Readings never decrease even if the wall
// clock steps backwards.
func (c *BlockClock) Now() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := c.now().Sub(c.genesis)
	var height uint64
	if elapsed > 0 {
		height = uint64(elapsed / c.interval)
	}
	if height < c.last {
		return c.last
	}
	c.last = height
	return height
}
