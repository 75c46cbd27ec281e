// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrRefused is returned by Dial when the server rejects the Hello.
var ErrRefused = errors.New("channel: connection refused")

// Client is a connection from a tool to a vmcd server.
type Client struct {
	conn    net.Conn
	reader  *bufio.Reader
	welcome Welcome

	writeMutex sync.Mutex
}

// Dial connects to the server socket at path and attaches to the
// device named in hello.
func Dial(ctx context.Context, path string, hello Hello) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", path, err)
	}
	client := &Client{conn: conn, reader: bufio.NewReader(conn)}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	message, err := Encode(TypeHello, hello)
	if err == nil {
		err = client.Send(message)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}

	reply, err := ReadMessage(client.reader)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("waiting for welcome from %s: %w", path, err)
	}
	switch reply.Type {
	case TypeWelcome:
		if err := Decode(reply, &client.welcome); err != nil {
			conn.Close()
			return nil, err
		}
	case TypeRefused:
		var refused Refused
		_ = Decode(reply, &refused)
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrRefused, refused.Reason)
	default:
		conn.Close()
		return nil, fmt.Errorf("expected welcome from %s, got %s", path, reply.Type)
	}
	_ = conn.SetDeadline(time.Time{})
	return client, nil
}

// Welcome returns the server's acceptance of the Hello.
func (c *Client) Welcome() Welcome { return c.welcome }

// Send writes one frame. Safe for concurrent use.
func (c *Client) Send(message Message) error {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	return WriteMessage(c.conn, message)
}

// Receive reads the next frame. Not safe for concurrent use.
func (c *Client) Receive() (Message, error) {
	return ReadMessage(c.reader)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
