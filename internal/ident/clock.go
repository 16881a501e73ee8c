// Package ident provides the clock and hierarchical ID generation service.
package ident

import (
	"sync"
	"time"
)

// Clock is a monotonically non-decreasing time source. Components take a
// Clock instead of calling time.Now so tests can drive timeouts directly.
type Clock interface {
	Now() time.Time
}

// systemClock wraps time.Now with a floor so observed time never goes
// backwards even if the wall clock is stepped.
type systemClock struct {
	mu   sync.Mutex
	last time.Time
}

// SystemClock returns the process-wide monotonic clock.
func SystemClock() Clock {
	return &systemClock{}
}

func (c *systemClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.Before(c.last) {
		return c.last
	}
	c.last = now
	return now
}

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a FakeClock starting at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake instant.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the fake clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
