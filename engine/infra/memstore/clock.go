package memstore

import (
	"sync"
	"time"
)

// WallClock is the default transactional clock.
type WallClock struct{}

func (WallClock) Now() int64 {
	return time.Now().UnixMilli()
}

// ManualClock is a test clock. Holding it still across transactions forces
// the same-millisecond span collisions the audit reconstructor must absorb.
type ManualClock struct {
	mu  sync.Mutex
	now int64
}

func NewManualClock(now int64) *ManualClock {
	return &ManualClock{now: now}
}

func (c *ManualClock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *ManualClock) Set(now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *ManualClock) Advance(millis int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += millis
}
