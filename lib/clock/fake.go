// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock standing still at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

// FakeClock is a deterministic Clock. Time moves only through Advance,
// which runs every callback whose deadline has been reached, in
// deadline order, on the caller's goroutine. Callbacks may arm or stop
// other timers; a timer armed by a callback with a deadline inside the
// advanced window fires during the same Advance.
type FakeClock struct {
	mu       sync.Mutex
	current  time.Time
	sequence uint64
	pending  []*fakeTimer
}

type fakeTimer struct {
	deadline time.Time
	// sequence breaks deadline ties in arming order.
	sequence uint64
	callback func()
	active   bool
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// AfterFunc registers f to run once the clock has advanced by d. A
// non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{
			stopFunc:  func() bool { return false },
			resetFunc: func(time.Duration) bool { return false },
		}
	}

	c.mu.Lock()
	timer := &fakeTimer{callback: f}
	c.scheduleLocked(timer, d)
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := timer.active
			c.unscheduleLocked(timer)
			return wasActive
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := timer.active
			c.unscheduleLocked(timer)
			c.scheduleLocked(timer, d)
			return wasActive
		},
	}
}

// Advance moves the clock forward by d and runs the due callbacks.
// Callbacks run without the clock lock held.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.current = target
			c.mu.Unlock()
			return
		}
		c.current = next.deadline
		c.unscheduleLocked(next)
		c.mu.Unlock()

		next.callback()
	}
}

// PendingCount returns the number of armed timers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// NextDeadline returns the earliest armed deadline, or false when no
// timer is armed.
func (c *FakeClock) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return time.Time{}, false
	}
	return c.pending[0].deadline, true
}

func (c *FakeClock) scheduleLocked(timer *fakeTimer, d time.Duration) {
	c.sequence++
	timer.deadline = c.current.Add(d)
	timer.sequence = c.sequence
	timer.active = true
	c.pending = append(c.pending, timer)
	sort.SliceStable(c.pending, func(i, j int) bool {
		if c.pending[i].deadline.Equal(c.pending[j].deadline) {
			return c.pending[i].sequence < c.pending[j].sequence
		}
		return c.pending[i].deadline.Before(c.pending[j].deadline)
	})
}

func (c *FakeClock) unscheduleLocked(timer *fakeTimer) {
	if !timer.active {
		return
	}
	timer.active = false
	for index, candidate := range c.pending {
		if candidate == timer {
			c.pending = append(c.pending[:index], c.pending[index+1:]...)
			return
		}
	}
}

func (c *FakeClock) nextDueLocked(target time.Time) *fakeTimer {
	if len(c.pending) == 0 {
		return nil
	}
	if c.pending[0].deadline.After(target) {
		return nil
	}
	return c.pending[0]
}
