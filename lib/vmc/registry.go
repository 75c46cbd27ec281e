// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vmc

import (
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/bureau-foundation/vmcd/lib/channel"
)

// Registry routes channel server connections to channels by device
// name. It implements channel.Handler and must be used on the loop the
// channels belong to.
type Registry struct {
	channels map[string]*Channel
	conns    map[*channel.Conn]*Channel
	logger   *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		channels: make(map[string]*Channel),
		conns:    make(map[*channel.Conn]*Channel),
		logger:   logger,
	}
}

// Add registers c under its name.
func (r *Registry) Add(c *Channel) error {
	if _, exists := r.channels[c.Name()]; exists {
		return fmt.Errorf("device %q registered twice", c.Name())
	}
	r.channels[c.Name()] = c
	return nil
}

// Lookup returns the channel named name.
func (r *Registry) Lookup(name string) (*Channel, bool) {
	c, ok := r.channels[name]
	return c, ok
}

// Names returns the registered device names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OpenAll opens the VM side of every channel.
func (r *Registry) OpenAll() {
	for _, name := range r.Names() {
		r.channels[name].Open()
	}
}

// Close closes every channel.
func (r *Registry) Close() {
	for _, name := range r.Names() {
		r.channels[name].Close()
	}
	clear(r.conns)
}

// Attach implements channel.Handler.
func (r *Registry) Attach(conn *channel.Conn, hello channel.Hello) {
	c, ok := r.channels[hello.Device]
	if !ok {
		r.logger.Warn("connection for unknown device", "client", conn.ID(), "device", hello.Device)
		conn.Refuse(fmt.Sprintf("unknown device %q", hello.Device))
		return
	}
	if c.attach(conn, hello) {
		r.conns[conn] = c
	}
}

// Frame implements channel.Handler.
func (r *Registry) Frame(conn *channel.Conn, message channel.Message) {
	if c, ok := r.conns[conn]; ok {
		c.frame(conn, message)
	}
}

// Detach implements channel.Handler.
func (r *Registry) Detach(conn *channel.Conn) {
	c, ok := r.conns[conn]
	if !ok {
		return
	}
	delete(r.conns, conn)
	c.detach(conn)
}
