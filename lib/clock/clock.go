// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the time operations the device timers need.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f once duration d has elapsed and returns a
	// Timer that can cancel the pending call. The real clock calls f
	// on its own goroutine; the fake clock calls f synchronously from
	// Advance.
	AfterFunc(d time.Duration, f func()) *Timer
}

// Timer is a pending AfterFunc call.
type Timer struct {
	stopFunc  func() bool
	resetFunc func(time.Duration) bool
}

// Stop cancels the pending call. Returns false if the call already
// happened or the timer was already stopped.
func (t *Timer) Stop() bool { return t.stopFunc() }

// Reset reschedules the call to happen d from now. Returns true if the
// timer was pending before the reset.
func (t *Timer) Reset(d time.Duration) bool { return t.resetFunc(d) }
