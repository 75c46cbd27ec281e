// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vmc

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/vmcd/lib/channel"
	"github.com/bureau-foundation/vmcd/lib/chardev"
	"github.com/bureau-foundation/vmcd/lib/migration"
)

// ErrWrongDevice is returned when migration data was exported from a
// device with a different name.
var ErrWrongDevice = errors.New("vmc: migration data belongs to another device")

// attach adds conn as a client of the device, or refuses it.
func (c *Channel) attach(conn *channel.Conn, hello channel.Hello) bool {
	if c.closed {
		conn.Refuse("device is shutting down")
		return false
	}
	if len(c.conns) >= c.profile.MaxClients {
		c.logger.Warn("refusing connection, device already in use", "client", conn.ID(), "clients", len(c.conns))
		conn.Refuse("device already in use")
		return false
	}

	id := chardev.ClientID(conn.ID())
	sendTokens := c.profile.SendTokens
	if hello.SendTokens != 0 && c.profile.FlowControl {
		sendTokens = uint64(hello.SendTokens)
	}
	options := chardev.ClientOptions{
		ID:             id,
		FlowControl:    c.profile.FlowControl,
		MaxSendQueue:   c.profile.MaxSendQueue,
		ClientTokens:   c.profile.ClientTokens,
		SendTokens:     sendTokens,
		AwaitMigration: hello.Migrating,
	}
	// A refused client must never see a Welcome, so the device checks
	// the options before anything is sent.
	if err := c.device.ValidateClient(options); err != nil {
		c.logger.Warn("refusing client", "client", id, "migrating", hello.Migrating, "error", err)
		conn.Refuse(err.Error())
		return false
	}

	// The connection must be reachable and welcomed before ClientAdd:
	// adding a client reads from the device and may deliver to it
	// immediately.
	c.conns[id] = conn
	welcome, err := channel.Encode(channel.TypeWelcome, channel.Welcome{
		Client:       conn.ID(),
		Device:       c.name,
		Kind:         string(c.kind),
		FlowControl:  c.profile.FlowControl,
		ClientTokens: clampTokens(c.profile.ClientTokens, c.profile.FlowControl),
	})
	if err == nil {
		conn.Send(welcome, nil)
	}
	if c.kind.reportsPortEvents() {
		if portInit, err := channel.Encode(channel.TypePortInit, channel.PortInit{Name: c.portName, Opened: c.portOpened}); err == nil {
			conn.Send(portInit, nil)
		}
	}

	if err := c.device.ClientAdd(options); err != nil {
		delete(c.conns, id)
		c.logger.Error("cannot add validated client", "client", id, "error", err)
		conn.Close()
		return false
	}
	c.metrics.clients.Set(float64(len(c.conns)))
	c.logger.Info("client attached", "client", id, "migrating", hello.Migrating)
	return true
}

// clampTokens converts a token window to the wire width. Clients
// without flow control are told nothing.
func clampTokens(tokens uint64, flowControl bool) uint32 {
	if !flowControl {
		return 0
	}
	if tokens > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(tokens)
}

// frame handles one frame from an attached client.
func (c *Channel) frame(conn *channel.Conn, message channel.Message) {
	id := chardev.ClientID(conn.ID())
	if c.conns[id] != conn {
		return
	}
	switch message.Type {
	case channel.TypeData:
		c.writeFromClient(id, message.Payload)
	case channel.TypeSendTokens, channel.TypeSendTokensSet:
		tokens, err := channel.ParseTokens(message)
		if err != nil {
			c.logger.Warn("malformed token frame", "client", id, "error", err)
			conn.Close()
			return
		}
		if message.Type == channel.TypeSendTokens {
			err = c.device.SendTokensAdd(id, tokens)
		} else {
			err = c.device.SendTokensSet(id, tokens)
		}
		if err != nil {
			c.logger.Warn("send tokens rejected", "client", id, "error", err)
		}
	case channel.TypePortEvent:
		event, err := channel.ParsePortEvent(message)
		if err != nil {
			c.logger.Warn("malformed port event", "client", id, "error", err)
			conn.Close()
			return
		}
		c.logger.Debug("port event from client", "client", id, "event", event)
	case channel.TypeMigrateFlush:
		c.exportMigration(conn)
	case channel.TypeMigrateData:
		if err := c.restoreMigration(message.Payload); err != nil {
			c.logger.Error("restoring migration data failed", "client", id, "error", err)
			conn.Close()
		}
	default:
		c.logger.Warn("unexpected frame from client", "client", id, "type", message.Type)
	}
}

// writeFromClient queues client data for the VM side. Without a VM
// side the data is discarded and its token returned.
func (c *Channel) writeFromClient(id chardev.ClientID, data []byte) {
	buf := c.device.GetWriteBuffer(id, len(data))
	if buf == nil {
		return
	}
	buf.Fill(data)
	if c.backend == nil {
		c.logger.Debug("device not connected, dropping client data", "client", id, "bytes", len(data))
		c.device.ReleaseWriteBuffer(buf)
		return
	}
	c.metrics.bytesToDevice.Add(float64(len(data)))
	c.device.AddWriteBuffer(buf)
}

// detach forgets conn after its connection ended.
func (c *Channel) detach(conn *channel.Conn) {
	id := chardev.ClientID(conn.ID())
	if c.conns[id] != conn {
		return
	}
	delete(c.conns, id)
	c.metrics.clients.Set(float64(len(c.conns)))
	if c.device.ClientExists(id) {
		if err := c.device.ClientRemove(id); err != nil {
			c.logger.Warn("removing client", "client", id, "error", err)
		}
	}
	c.logger.Info("client detached", "client", id)
	if c.kind == KindAgent && len(c.conns) == 0 {
		c.noticePending = true
		c.flushNotice()
	}
}

// exportMigration answers a migrate flush with the device's sealed
// migration data. With the VM side detached there is no client state
// worth carrying, and the empty record ends the target's wait.
func (c *Channel) exportMigration(conn *channel.Conn) {
	data := chardev.MarshalEmptyMigrationData()
	if c.backend != nil {
		var err error
		data, err = c.device.MarshalMigrationData()
		if err != nil {
			c.logger.Error("cannot export migration data", "client", conn.ID(), "error", err)
			conn.Close()
			return
		}
	}
	// The pending input is copied once, straight from the held buffers
	// into the framed record.
	framed := make([]byte, 0, migration.HeaderSize+chardev.MigrationRecordSize+int(data.Record.WriteSize))
	framed = migration.Header{Magic: c.profile.Magic, Version: c.profile.Version}.AppendBinary(framed)
	framed = data.AppendBinary(framed)
	data.Release()
	sealed, err := migration.Seal(c.name, framed)
	if err != nil {
		c.logger.Error("cannot seal migration data", "error", err)
		conn.Close()
		return
	}
	c.metrics.exported.Inc()
	c.logger.Info("migration data exported", "client", conn.ID(), "bytes", len(framed))
	conn.Send(channel.Message{Type: channel.TypeMigrateData, Payload: sealed}, nil)
}

// restoreMigration restores a sealed envelope produced by
// exportMigration on another host.
func (c *Channel) restoreMigration(sealed []byte) error {
	envelope, err := migration.Open(sealed)
	if err != nil {
		return err
	}
	if envelope.Device != c.name {
		return fmt.Errorf("%w: exported from %q, restoring into %q", ErrWrongDevice, envelope.Device, c.name)
	}
	record, err := migration.Unframe(envelope.Data, c.profile.Magic, c.profile.Version)
	if err != nil {
		return err
	}
	if err := c.device.Restore(record); err != nil {
		return err
	}
	c.metrics.restored.Inc()
	c.logger.Info("migration data restored", "bytes", len(record))
	return nil
}
