// Package timeutil provides an injectable clock.
package timeutil

import (
	"sync"
	"time"
)

// Provider abstracts time so that expiry and ordering logic can be tested
// deterministically.
type Provider interface {
	Now() time.Time
}

type defaultProvider struct{}

func (defaultProvider) Now() time.Time { return time.Now() }

// Default returns a Provider backed by the system clock.
func Default() Provider { return defaultProvider{} }

// FakeClock is a manually advanced Provider.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a FakeClock set to start.
func NewFakeClock(start time.Time) *FakeClock { return &FakeClock{now: start} }

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Set moves the clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
