package batpay

import (
	"sync"
	"time"
)

// Clock reports the current block height.
type Clock interface {
	Height() uint64
}

// ManualClock is advanced explicitly. It is primarily used by tests.
type ManualClock struct {
	mu     sync.Mutex
	height uint64
}

func NewManualClock(start uint64) *ManualClock {
	return &ManualClock{height: start}
}

func (c *ManualClock) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// Advance moves the clock forward by n blocks and returns the new height.
func (c *ManualClock) Advance(n uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.height += n
	return c.height
}

// IntervalClock derives the height from wall time elapsed since genesis.
type IntervalClock struct {
	genesis  time.Time
	interval time.Duration
	now      func() time.Time
}

func NewIntervalClock(genesis time.Time, interval time.Duration) *IntervalClock {
	if interval <= 0 {
		interval = time.Second
	}
	return &IntervalClock{genesis: genesis, interval: interval, now: time.Now}
}

func (c *IntervalClock) Height() uint64 {
	elapsed := c.now().Sub(c.genesis)
	if elapsed <= 0 {
		return 0
	}
	return uint64(elapsed / c.interval)
}
