// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bufio"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/vmcd/lib/netutil"
)

// closeFlushTimeout bounds how long Close waits for queued frames to
// reach a slow client.
const closeFlushTimeout = 5 * time.Second

// Conn is one accepted client connection. Frames are queued by Send
// without blocking and written by a dedicated goroutine.
type Conn struct {
	id      string
	netConn net.Conn
	logger  *slog.Logger

	mutex    sync.Mutex
	outgoing []outgoing
	closed   bool

	wake       chan struct{}
	writerDone chan struct{}
}

type outgoing struct {
	message Message
	// done runs on the writer goroutine once the frame has been
	// written or discarded.
	done func()
}

func newConn(id string, netConn net.Conn, logger *slog.Logger) *Conn {
	conn := &Conn{
		id:         id,
		netConn:    netConn,
		logger:     logger.With("client", id),
		wake:       make(chan struct{}, 1),
		writerDone: make(chan struct{}),
	}
	go conn.writeLoop()
	return conn
}

// ID returns the server-assigned connection identifier.
func (c *Conn) ID() string { return c.id }

// Send queues message for the client and reports whether it was
// accepted. done, if non-nil, runs exactly once after the frame has been
// written or dropped, on an unspecified goroutine.
func (c *Conn) Send(message Message, done func()) bool {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		if done != nil {
			done()
		}
		return false
	}
	c.outgoing = append(c.outgoing, outgoing{message: message, done: done})
	c.mutex.Unlock()
	c.signal()
	return true
}

// Close stops accepting frames. Frames already queued are still
// written, within closeFlushTimeout, before the socket is closed.
func (c *Conn) Close() {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return
	}
	c.closed = true
	c.mutex.Unlock()
	_ = c.netConn.SetWriteDeadline(time.Now().Add(closeFlushTimeout))
	c.signal()
}

// Refuse sends a Refused frame and closes the connection.
func (c *Conn) Refuse(reason string) {
	message, err := Encode(TypeRefused, Refused{Reason: reason})
	if err == nil {
		c.Send(message, nil)
	}
	c.Close()
}

// Done is closed once the socket has been closed.
func (c *Conn) Done() <-chan struct{} { return c.writerDone }

func (c *Conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	writer := bufio.NewWriter(c.netConn)
	var writeErr error
	for {
		c.mutex.Lock()
		batch := c.outgoing
		c.outgoing = nil
		closed := c.closed
		c.mutex.Unlock()

		for _, item := range batch {
			if writeErr == nil {
				writeErr = WriteMessage(writer, item.message)
			}
			if item.done != nil {
				item.done()
			}
		}
		if writeErr == nil {
			writeErr = writer.Flush()
		}

		if writeErr != nil {
			if !netutil.IsExpectedCloseError(writeErr) {
				c.logger.Warn("writing to client failed", "error", writeErr)
			}
			c.abandon()
			return
		}
		if closed {
			_ = c.netConn.Close()
			return
		}
		<-c.wake
	}
}

// abandon closes the socket after a write failure and drops everything
// still queued.
func (c *Conn) abandon() {
	c.mutex.Lock()
	c.closed = true
	batch := c.outgoing
	c.outgoing = nil
	c.mutex.Unlock()
	_ = c.netConn.Close()
	for _, item := range batch {
		if item.done != nil {
			item.done()
		}
	}
}
