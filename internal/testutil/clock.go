// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"sync"
	"time"
)

// ProductionDate is the wall time test clocks start at unless told
// otherwise. Tile ids built under it carry the production date 20181016.
var ProductionDate = time.Date(2018, 10, 16, 12, 0, 0, 0, time.UTC)

// Clock is a settable wall clock for tests.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Clock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

// NewClock creates a clock reading start. Every call to Now advances it
// by step; a zero step freezes it.
func NewClock(start time.Time, step time.Duration) *Clock {
	return &Clock{now: start, step: step}
}

// Now returns the current reading and then advances the clock by its step.
// It has the signature of time.Now so it can be assigned to Now fields.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
