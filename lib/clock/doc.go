// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides the injectable time source used by the
// character-device timers.
//
// The flow-control engine arms two kinds of timers: a per-client
// wait-for-tokens deadline and a per-device write retry. Both are
// expressed as AfterFunc callbacks so that nothing ever blocks a
// goroutine waiting for time to pass. Production code uses Real();
// tests use Fake(), which fires callbacks synchronously from Advance
// so a test drives timer expiry on its own goroutine, exactly like the
// event loop does in production.
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	device := chardev.New(port, callbacks, chardev.Config{Clock: fake})
//	// ... leave a client starved of send tokens ...
//	fake.Advance(chardev.DefaultWaitTokensTimeout) // client is removed
package clock
