// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chardev

import (
	"time"

	"github.com/bureau-foundation/vmcd/lib/clock"
)

type taskState int

const (
	taskIdle taskState = iota
	taskArmed
)

// task is a cancellable scheduled callback. The clock fires on its own
// goroutine; dispatch moves the callback onto the device's event loop,
// where the generation check discards expiries that raced with a
// cancel or a restart.
type task struct {
	clock    clock.Clock
	dispatch func(func())
	run      func()

	state      taskState
	generation uint64
	timer      *clock.Timer
}

func newTask(source clock.Clock, dispatch func(func()), run func()) *task {
	return &task{clock: source, dispatch: dispatch, run: run}
}

func (t *task) armed() bool { return t.state == taskArmed }

// start arms the task to run after d, replacing any pending expiry.
func (t *task) start(d time.Duration) {
	t.cancel()
	t.generation++
	generation := t.generation
	t.state = taskArmed
	t.timer = t.clock.AfterFunc(d, func() {
		t.dispatch(func() { t.expire(generation) })
	})
}

func (t *task) expire(generation uint64) {
	if t.state != taskArmed || t.generation != generation {
		return
	}
	t.state = taskIdle
	t.timer = nil
	t.run()
}

func (t *task) cancel() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.state = taskIdle
}
