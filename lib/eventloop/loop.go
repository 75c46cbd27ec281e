// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventloop runs posted closures one at a time on a single
// goroutine. Every device and client ledger in vmcd is owned by one
// loop, so the code that mutates them needs no locking: socket reader
// goroutines, poll watchers and timers hand their work to the loop
// with Post instead of touching state directly.
package eventloop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Call once the loop has stopped.
var ErrStopped = errors.New("eventloop: stopped")

// Loop is an unbounded FIFO of closures drained by Run. Post and Call
// are safe for concurrent use.
type Loop struct {
	mutex   sync.Mutex
	queue   []func()
	stopped bool

	// wake holds at most one pending signal that the queue is
	// non-empty.
	wake chan struct{}
	done chan struct{}
}

// New returns a loop that accepts work immediately. Nothing runs until
// Run is called.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues f to run on the loop goroutine. Returns false, dropping
// f, if the loop has stopped.
func (l *Loop) Post(f func()) bool {
	l.mutex.Lock()
	if l.stopped {
		l.mutex.Unlock()
		return false
	}
	l.queue = append(l.queue, f)
	l.mutex.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Dispatch is Post without the result, in the shape timer owners
// expect.
func (l *Loop) Dispatch(f func()) { l.Post(f) }

// Call runs f on the loop goroutine and waits for it to return. It
// must not be called from the loop goroutine.
func (l *Loop) Call(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		f()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The loop may have run f just before stopping.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes posted closures in order until ctx is cancelled. Work
// already queued when ctx is cancelled is still run; work posted after
// Run returns is dropped.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			l.mutex.Lock()
			l.stopped = true
			l.mutex.Unlock()
			l.drain()
			return ctx.Err()
		case <-l.wake:
			l.drain()
		}
	}
}

// Done is closed when Run has returned.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) drain() {
	for {
		l.mutex.Lock()
		if len(l.queue) == 0 {
			l.mutex.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mutex.Unlock()

		for index, f := range batch {
			batch[index] = nil
			f()
		}
	}
}
