// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vmc

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/bureau-foundation/vmcd/lib/channel"
	"github.com/bureau-foundation/vmcd/lib/chardev"
	"github.com/bureau-foundation/vmcd/lib/clock"
)

// DefaultReconnectDelay is how long a channel waits before dialling
// the VM side again after it went away or could not be reached.
const DefaultReconnectDelay = time.Second

// Poster runs closures on the event loop. *eventloop.Loop implements
// it.
type Poster interface {
	Post(f func()) bool
}

// Options configures a Channel.
type Options struct {
	Name string
	Kind Kind

	// PortName is announced to clients of KindPort devices. Defaults
	// to Name.
	PortName string

	Profile Profile

	// Dial connects the VM side.
	Dial func() (Backend, error)

	// WriteRetry and WaitTokensTimeout default to the chardev values.
	WriteRetry        time.Duration
	WaitTokensTimeout time.Duration

	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration

	Loop    Poster
	Clock   clock.Clock
	Metrics *Metrics
	Logger  *slog.Logger
}

// Channel is one device with its VM side and its clients.
type Channel struct {
	name     string
	kind     Kind
	portName string
	profile  Profile

	loop    Poster
	clock   clock.Clock
	dial    func() (Backend, error)
	logger  *slog.Logger
	metrics deviceMetrics

	device  *chardev.Device
	backend Backend

	// pending is a read buffer kept across reads that returned
	// nothing.
	pending *dataItem

	conns map[chardev.ClientID]*channel.Conn

	portOpened bool
	// noticePending is set while an agent disconnect notice waits for a
	// self token.
	noticePending bool

	reconnectDelay time.Duration
	reconnect      *clock.Timer
	closed         bool
}

// New creates a channel. The VM side is not dialled until Open.
func New(options Options) (*Channel, error) {
	if options.Name == "" {
		return nil, errors.New("vmc: channel requires a name")
	}
	if options.Loop == nil {
		return nil, fmt.Errorf("vmc: channel %s requires an event loop", options.Name)
	}
	if options.Dial == nil {
		return nil, fmt.Errorf("vmc: channel %s requires a dial function", options.Name)
	}
	if options.Profile.MaxClients <= 0 {
		return nil, fmt.Errorf("vmc: channel %s allows no clients", options.Name)
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Metrics == nil {
		options.Metrics = NewMetrics(nil)
	}
	if options.ReconnectDelay <= 0 {
		options.ReconnectDelay = DefaultReconnectDelay
	}
	if options.PortName == "" {
		options.PortName = options.Name
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Channel{
		name:           options.Name,
		kind:           options.Kind,
		portName:       options.PortName,
		profile:        options.Profile,
		loop:           options.Loop,
		clock:          options.Clock,
		dial:           options.Dial,
		logger:         logger.With("device", options.Name, "kind", string(options.Kind)),
		metrics:        options.Metrics.forDevice(options.Name),
		conns:          make(map[chardev.ClientID]*channel.Conn),
		reconnectDelay: options.ReconnectDelay,
	}
	c.device = chardev.New(nil, c, chardev.Config{
		Name:                 options.Name,
		ClientTokensInterval: options.Profile.ClientTokensInterval,
		SelfTokens:           options.Profile.SelfTokens,
		WriteRetry:           options.WriteRetry,
		WaitTokensTimeout:    options.WaitTokensTimeout,
		Clock:                options.Clock,
		Dispatch:             func(f func()) { options.Loop.Post(f) },
		Logger:               logger,
	})
	return c, nil
}

// Name returns the device name.
func (c *Channel) Name() string { return c.name }

// Kind returns the device kind.
func (c *Channel) Kind() Kind { return c.kind }

// Device returns the flow-control state of the device.
func (c *Channel) Device() *chardev.Device { return c.device }

// Connected reports whether the VM side is attached.
func (c *Channel) Connected() bool { return c.backend != nil }

// Open dials the VM side. Failures are retried every reconnect delay
// until Close.
func (c *Channel) Open() {
	if c.closed || c.backend != nil {
		return
	}
	c.reconnect = nil
	backend, err := c.dial()
	if err != nil {
		c.logger.Warn("cannot reach device, retrying", "error", err, "delay", c.reconnectDelay)
		c.scheduleReconnect()
		return
	}
	c.attachBackend(backend)
}

func (c *Channel) attachBackend(backend Backend) {
	c.backend = backend
	c.metrics.connected.Set(1)
	c.logger.Info("device connected")

	c.device.ResetDeviceInstance(backend)
	backend.Watch(func() {
		c.loop.Post(func() {
			if c.backend == backend {
				c.device.Wakeup()
			}
		})
	})
	c.device.Start()
	c.setPortOpened(true)
	c.flushNotice()
}

// backendLost detaches a VM side that reported EOF or an error. Every
// pending write is dropped with its tokens returned; the clients stay.
func (c *Channel) backendLost(backend Backend, cause error) {
	if c.backend != backend {
		return
	}
	c.logger.Info("device disconnected", "cause", cause)
	c.device.Reset()
	c.backend = nil
	if err := backend.Close(); err != nil {
		c.logger.Warn("closing device", "error", err)
	}
	if c.pending != nil {
		c.pending.unref()
		c.pending = nil
	}
	c.metrics.connected.Set(0)
	c.setPortOpened(false)
	c.scheduleReconnect()
}

func (c *Channel) scheduleReconnect() {
	if c.closed || c.reconnect != nil {
		return
	}
	c.reconnect = c.clock.AfterFunc(c.reconnectDelay, func() {
		c.loop.Post(func() {
			c.reconnect = nil
			c.Open()
		})
	})
}

func (c *Channel) setPortOpened(opened bool) {
	if !c.kind.reportsPortEvents() || c.portOpened == opened {
		return
	}
	c.portOpened = opened
	event := channel.PortEventClosed
	if opened {
		event = channel.PortEventOpened
	}
	for _, conn := range c.conns {
		conn.Send(channel.NewPortEvent(event), nil)
	}
}

// Close disconnects every client, destroys the device and closes the
// VM side.
func (c *Channel) Close() {
	if c.closed {
		return
	}
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	for id, conn := range c.conns {
		conn.Close()
		delete(c.conns, id)
	}
	c.metrics.clients.Set(0)
	c.device.Destroy()
	if c.pending != nil {
		c.pending.unref()
		c.pending = nil
	}
	if c.backend != nil {
		if err := c.backend.Close(); err != nil {
			c.logger.Warn("closing device", "error", err)
		}
		c.backend = nil
		c.metrics.connected.Set(0)
	}
	c.logger.Info("channel closed")
}

// ReadOneMessage implements chardev.Callbacks. One read is one message.
func (c *Channel) ReadOneMessage() chardev.Message {
	if len(c.conns) == 0 || c.backend == nil {
		return nil
	}
	item := c.pending
	c.pending = nil
	if item == nil {
		item = newDataItem()
	}
	n, err := c.backend.Read(item.buf[:])
	if n > 0 {
		item.used = n
		c.metrics.bytesFromDevice.Add(float64(n))
		return item
	}
	c.pending = item
	if err != nil {
		backend := c.backend
		c.loop.Post(func() { c.backendLost(backend, err) })
	}
	return nil
}

// RefMessage implements chardev.Callbacks.
func (c *Channel) RefMessage(msg chardev.Message) chardev.Message {
	return msg.(*dataItem).ref()
}

// UnrefMessage implements chardev.Callbacks.
func (c *Channel) UnrefMessage(msg chardev.Message) {
	msg.(*dataItem).unref()
}

// SendMessage implements chardev.Callbacks. The connection writer holds
// a reference until the frame is on the wire.
func (c *Channel) SendMessage(msg chardev.Message, client chardev.ClientID) {
	conn, ok := c.conns[client]
	if !ok {
		c.logger.Error("message for unknown client", "client", client)
		return
	}
	item := msg.(*dataItem).ref()
	conn.Send(channel.NewData(item.bytes()), item.unref)
}

// SendTokens implements chardev.Callbacks.
func (c *Channel) SendTokens(client chardev.ClientID, tokens uint32) {
	conn, ok := c.conns[client]
	if !ok {
		return
	}
	c.metrics.tokensGranted.Add(float64(tokens))
	conn.Send(channel.NewTokens(channel.TypeClientTokens, tokens), nil)
}

// RemoveClient implements chardev.Callbacks. The connection is shut
// down; the device forgets the client when the server reports the
// detach.
func (c *Channel) RemoveClient(client chardev.ClientID) {
	conn, ok := c.conns[client]
	if !ok {
		return
	}
	c.metrics.clientsRemoved.Inc()
	conn.Close()
}

// OnSelfTokenFreed implements chardev.SelfTokenNotifier.
func (c *Channel) OnSelfTokenFreed() {
	c.flushNotice()
}
