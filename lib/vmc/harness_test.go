// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vmc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/vmcd/lib/channel"
	"github.com/bureau-foundation/vmcd/lib/clock"
	"github.com/bureau-foundation/vmcd/lib/eventloop"
	"github.com/bureau-foundation/vmcd/lib/testutil"
)

const testTimeout = 5 * time.Second

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeBackend is an in-memory VM side. Writes are reported on written
// unless blocked is set.
type fakeBackend struct {
	mutex   sync.Mutex
	input   []byte
	eof     bool
	blocked bool
	wake    func()
	closed  bool

	written chan []byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{written: make(chan []byte, 64)}
}

func (b *fakeBackend) Read(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if len(b.input) == 0 {
		if b.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, b.input)
	b.input = b.input[n:]
	return n, nil
}

func (b *fakeBackend) Write(p []byte) int {
	b.mutex.Lock()
	blocked := b.blocked
	b.mutex.Unlock()
	if blocked {
		return 0
	}
	b.written <- append([]byte(nil), p...)
	return len(p)
}

func (b *fakeBackend) Watch(wake func()) {
	b.mutex.Lock()
	b.wake = wake
	b.mutex.Unlock()
}

func (b *fakeBackend) Close() error {
	b.mutex.Lock()
	b.closed = true
	b.mutex.Unlock()
	return nil
}

// feed makes data readable by the device.
func (b *fakeBackend) feed(data string) {
	b.mutex.Lock()
	b.input = append(b.input, data...)
	wake := b.wake
	b.mutex.Unlock()
	if wake != nil {
		wake()
	}
}

func (b *fakeBackend) hangup() {
	b.mutex.Lock()
	b.eof = true
	wake := b.wake
	b.mutex.Unlock()
	if wake != nil {
		wake()
	}
}

func (b *fakeBackend) isClosed() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.closed
}

// harness runs a registry behind a real channel server.
type harness struct {
	loop     *eventloop.Loop
	clock    *clock.FakeClock
	registry *Registry
	metrics  *Metrics
	path     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		loop:     eventloop.New(),
		clock:    clock.Fake(epoch),
		registry: NewRegistry(nil),
		metrics:  NewMetrics(nil),
		path:     filepath.Join(testutil.SocketDir(t), "vmcd.sock"),
	}
	listener, err := net.Listen("unix", h.path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = h.loop.Run(ctx)
	}()
	server := channel.NewServer(listener, h.loop, h.registry, slog.New(slog.NewTextHandler(io.Discard, nil)))
	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(ctx) }()

	t.Cleanup(func() {
		h.do(t, h.registry.Close)
		cancel()
		testutil.RequireReceive(t, serveDone, testTimeout, "server shutdown")
		testutil.RequireClosed(t, loopDone, testTimeout, "loop shutdown")
	})
	return h
}

// do runs f on the loop and waits for it.
func (h *harness) do(t *testing.T, f func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := h.loop.Call(ctx, f); err != nil {
		t.Fatalf("running on loop: %v", err)
	}
}

// addChannel registers and opens a channel whose dials return backends
// in order.
func (h *harness) addChannel(t *testing.T, name string, kind Kind, backends ...*fakeBackend) *Channel {
	t.Helper()
	var next int
	c, err := New(Options{
		Name:    name,
		Kind:    kind,
		Profile: DefaultProfile(kind),
		Dial: func() (Backend, error) {
			if next >= len(backends) {
				return nil, errors.New("no backend")
			}
			next++
			return backends[next-1], nil
		},
		Loop:    h.loop,
		Clock:   h.clock,
		Metrics: h.metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.do(t, func() {
		if err := h.registry.Add(c); err != nil {
			t.Errorf("Add: %v", err)
		}
		c.Open()
	})
	return c
}

// testClient is a connected client with its frames delivered on a
// channel.
type testClient struct {
	*channel.Client
	frames <-chan channel.Message
}

func (h *harness) dial(t *testing.T, hello channel.Hello) (*testClient, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	client, err := channel.Dial(ctx, h.path, hello)
	if err != nil {
		return nil, err
	}
	frames := make(chan channel.Message, 64)
	go func() {
		defer close(frames)
		for {
			message, err := client.Receive()
			if err != nil {
				return
			}
			frames <- message
		}
	}()
	t.Cleanup(func() { client.Close() })
	return &testClient{Client: client, frames: frames}, nil
}

func (h *harness) mustDial(t *testing.T, hello channel.Hello) *testClient {
	t.Helper()
	client, err := h.dial(t, hello)
	if err != nil {
		t.Fatalf("Dial %s: %v", hello.Device, err)
	}
	return client
}

func (c *testClient) send(t *testing.T, message channel.Message) {
	t.Helper()
	if err := c.Send(message); err != nil {
		t.Fatalf("Send %s: %v", message.Type, err)
	}
}

func (c *testClient) next(t *testing.T, what string) channel.Message {
	t.Helper()
	return testutil.RequireReceive(t, c.frames, testTimeout, what)
}

func (c *testClient) expect(t *testing.T, messageType channel.Type, what string) channel.Message {
	t.Helper()
	message := c.next(t, what)
	if message.Type != messageType {
		t.Fatalf("%s: got %s frame, want %s", what, message.Type, messageType)
	}
	return message
}
