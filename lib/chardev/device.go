// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chardev

import (
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/bureau-foundation/vmcd/lib/clock"
)

// Unlimited is the token count of a client that does not use flow
// control, and the self token count of a device whose server writes are
// not bounded.
const Unlimited uint64 = math.MaxUint64

const (
	// DefaultWriteRetry is how long the write loop waits before trying
	// again after the device accepted only part of a buffer. A fixed
	// short delay keeps polling cheap without adding much latency.
	DefaultWriteRetry = 100 * time.Millisecond

	// DefaultWaitTokensTimeout is how long a client may hold queued
	// messages without granting send tokens before it is removed.
	DefaultWaitTokensTimeout = 30 * time.Second
)

// Message is an opaque unit of device output addressed to clients. Its
// lifetime is managed by the device kind through Callbacks.RefMessage
// and Callbacks.UnrefMessage.
type Message any

// Callbacks is implemented by each device kind (console port, USB
// redirection, smartcard, guest agent) and injected when the device is
// created. The device calls these from the event loop; any of them may
// call back into the device.
type Callbacks interface {
	// ReadOneMessage reads from the device until one complete message
	// addressed to clients is available and returns it with one
	// reference held by the caller. Returns nil when no complete
	// message is available yet.
	ReadOneMessage() Message

	// RefMessage takes an extra reference on msg and returns it.
	RefMessage(msg Message) Message

	// UnrefMessage drops a reference on msg.
	UnrefMessage(msg Message)

	// SendMessage hands msg to the transport for delivery to client.
	// The device drops its own reference after SendMessage returns, so
	// an implementation that keeps msg must take a reference first.
	SendMessage(msg Message, client ClientID)

	// SendTokens tells client that it may send tokens more messages to
	// the device.
	SendTokens(client ClientID, tokens uint32)

	// RemoveClient asks the transport to disconnect client after a
	// flow-control violation or a send queue overflow. The transport is
	// expected to call Device.ClientRemove, now or later.
	RemoveClient(client ClientID)
}

// SelfTokenNotifier is optionally implemented by Callbacks. When
// present, OnSelfTokenFreed is called each time a server-originated
// write buffer has been consumed by the device and its self token is
// available again.
type SelfTokenNotifier interface {
	OnSelfTokenFreed()
}

// Port is the VM side of the character device.
type Port interface {
	// Write writes a prefix of p to the device without blocking and
	// returns its length. A non-positive return means the device cannot
	// accept data right now.
	Write(p []byte) int
}

// Config holds the per-device flow-control parameters.
type Config struct {
	// Name labels the device in log output.
	Name string

	// ClientTokensInterval is how many consumed client buffers are
	// accumulated before the tokens are returned to the client in one
	// grant. Zero returns every token immediately.
	ClientTokensInterval uint32

	// SelfTokens bounds the number of server-originated buffers in
	// flight to the device. Use Unlimited for no bound.
	SelfTokens uint64

	// MaxPoolSize bounds the bytes of released write buffers kept for
	// reuse. Defaults to DefaultMaxPoolSize.
	MaxPoolSize int

	// WriteRetry defaults to DefaultWriteRetry.
	WriteRetry time.Duration

	// WaitTokensTimeout defaults to DefaultWaitTokensTimeout.
	WaitTokensTimeout time.Duration

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Dispatch runs timer callbacks on the goroutine that owns the
	// device. It must be safe to call from any goroutine. The default
	// runs the callback directly, which is only correct with a clock
	// that fires on the owning goroutine (clock.Fake in tests).
	Dispatch func(func())

	// Logger defaults to a logger that discards everything.
	Logger *slog.Logger
}

// Device is the flow-control state of one character device. It is
// created when the device instance attaches and lives until Destroy.
// All methods must be called from the goroutine that owns the device.
type Device struct {
	name      string
	port      Port
	callbacks Callbacks
	logger    *slog.Logger

	clientTokensInterval uint64
	selfTokens           uint64
	writeRetryInterval   time.Duration
	waitTokensTimeout    time.Duration
	clock                clock.Clock
	dispatch             func(func())

	running bool
	// active is set once data has moved in either direction since the
	// device was last started.
	active            bool
	awaitingMigration bool

	// readDepth counts entries into drainFromDevice. A value above one
	// while the outermost call runs means a wakeup arrived from inside
	// a callback.
	readDepth int
	// writeDepth does the same for drainToDevice.
	writeDepth int

	// refs keeps the device usable while a routine that calls out to
	// collaborators is on the stack. The creator holds one reference
	// that Destroy drops.
	refs      int
	destroyed bool
	released  bool

	// writeQueue holds buffers waiting for the device, oldest first.
	writeQueue []*WriteBuffer
	// current is the buffer being written; cursor is the offset of
	// its first unwritten byte. current is never in writeQueue.
	current *WriteBuffer
	cursor  int
	pool    bufferPool

	writeRetry *task

	// clients is in attach order; clientIndex finds them by ID.
	clients     []*clientState
	clientIndex map[ClientID]*clientState
}

// New creates the flow-control state for a device. The device starts
// stopped; call Start once the VM side is running.
func New(port Port, callbacks Callbacks, config Config) *Device {
	if callbacks == nil {
		panic("chardev: New requires callbacks")
	}
	if config.WriteRetry <= 0 {
		config.WriteRetry = DefaultWriteRetry
	}
	if config.WaitTokensTimeout <= 0 {
		config.WaitTokensTimeout = DefaultWaitTokensTimeout
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Dispatch == nil {
		config.Dispatch = func(f func()) { f() }
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	device := &Device{
		name:                 config.Name,
		port:                 port,
		callbacks:            callbacks,
		logger:               logger.With("device", config.Name),
		clientTokensInterval: uint64(config.ClientTokensInterval),
		selfTokens:           config.SelfTokens,
		writeRetryInterval:   config.WriteRetry,
		waitTokensTimeout:    config.WaitTokensTimeout,
		clock:                config.Clock,
		dispatch:             config.Dispatch,
		clientIndex:          make(map[ClientID]*clientState),
		pool:                 bufferPool{limit: config.MaxPoolSize},
		refs:                 1,
	}
	device.writeRetry = newTask(device.clock, device.dispatch, func() {
		device.drainToDevice()
	})
	device.logger.Debug("device state created",
		"client_tokens_interval", config.ClientTokensInterval,
		"self_tokens", config.SelfTokens,
	)
	return device
}

// Name returns the configured device name.
func (d *Device) Name() string { return d.name }

// ResetDeviceInstance replaces the VM-side port, keeping every queue
// and token counter. Used when the device instance is re-plugged.
func (d *Device) ResetDeviceInstance(port Port) {
	d.logger.Debug("device instance reset")
	d.port = port
}

// Running reports whether the device has been started.
func (d *Device) Running() bool { return d.running }

// Active reports whether data has moved since the device was started.
func (d *Device) Active() bool { return d.active }

// AwaitingMigration reports whether the device is inert until
// migration data is restored.
func (d *Device) AwaitingMigration() bool { return d.awaitingMigration }

// SelfTokens returns the number of server-originated buffers that may
// still be put in flight.
func (d *Device) SelfTokens() uint64 { return d.selfTokens }

// Start marks the device running and moves data until neither
// direction makes progress.
func (d *Device) Start() {
	d.logger.Debug("device started")
	d.running = true
	d.ref()
	for d.drainToDevice() > 0 || d.drainFromDevice() {
	}
	d.unref()
}

// Stop marks the device stopped. Queued data is kept and moves again
// on the next Start.
func (d *Device) Stop() {
	d.logger.Debug("device stopped")
	d.running = false
	d.active = false
	d.writeRetry.cancel()
}

// Reset stops the device and discards every pending write and every
// queued client message, returning their tokens. Client token counters
// survive: some clients set their token window only once per session,
// so the counters must outlive a detached device instance. The port is
// dropped until ResetDeviceInstance supplies a new one.
func (d *Device) Reset() {
	d.Stop()
	d.awaitingMigration = false
	d.logger.Debug("device reset")

	for len(d.writeQueue) > 0 {
		buf := d.writeQueue[0]
		d.writeQueue[0] = nil
		d.writeQueue = d.writeQueue[1:]
		buf.queued = false
		d.ReleaseWriteBuffer(buf)
	}
	if d.current != nil {
		buf := d.current
		d.current = nil
		d.cursor = 0
		d.ReleaseWriteBuffer(buf)
	}
	for _, client := range d.snapshotClients() {
		if d.attached(client) {
			d.flushSendQueue(client)
		}
	}
	d.port = nil
}

// Wakeup tells the device that the VM side may have data to read.
func (d *Device) Wakeup() {
	d.drainFromDevice()
}

// Destroy detaches the device. Timers are cancelled and every queue is
// released immediately; if Destroy is called from inside a callback,
// the device stays usable by the routines still on the stack and is
// finalized when the outermost one returns.
func (d *Device) Destroy() {
	if d.destroyed {
		return
	}
	d.destroyed = true
	d.logger.Debug("device destroyed")

	d.writeRetry.cancel()
	for _, buf := range d.writeQueue {
		buf.queued = false
		buf.unref()
	}
	d.writeQueue = nil
	d.pool.drain()
	if d.current != nil {
		d.current.unref()
		d.current = nil
		d.cursor = 0
	}
	for len(d.clients) > 0 {
		d.freeClient(d.clients[len(d.clients)-1])
	}
	d.running = false
	d.unref()
}

// Released reports whether Destroy has completed and no routine is
// still using the device.
func (d *Device) Released() bool { return d.released }

func (d *Device) ref() { d.refs++ }

func (d *Device) unref() {
	d.refs--
	if d.refs > 0 {
		return
	}
	if d.refs < 0 {
		panic("chardev: device reference count underflow")
	}
	d.released = true
	d.port = nil
	d.logger.Debug("device released")
}
