// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/bureau-foundation/vmcd/lib/channel"
	"github.com/bureau-foundation/vmcd/lib/netutil"
)

// escapeByte (Ctrl-]) ends an interactive session.
const escapeByte = 0x1d

// link is the client side of a channel connection.
type link interface {
	Send(channel.Message) error
	Receive() (channel.Message, error)
	Close() error
}

// window counts the Data frames the server will still accept.
type window struct {
	mutex     sync.Mutex
	cond      *sync.Cond
	tokens    uint32
	unlimited bool
	closed    bool
}

func newWindow(welcome channel.Welcome) *window {
	w := &window{tokens: welcome.ClientTokens, unlimited: !welcome.FlowControl}
	w.cond = sync.NewCond(&w.mutex)
	return w
}

// acquire takes one token, waiting for a grant when none is left.
// Returns false once the window is closed.
func (w *window) acquire() bool {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.unlimited {
		return !w.closed
	}
	for w.tokens == 0 && !w.closed {
		w.cond.Wait()
	}
	if w.closed {
		return false
	}
	w.tokens--
	return true
}

func (w *window) grant(tokens uint32) {
	w.mutex.Lock()
	w.tokens += tokens
	w.mutex.Unlock()
	w.cond.Broadcast()
}

func (w *window) close() {
	w.mutex.Lock()
	w.closed = true
	w.mutex.Unlock()
	w.cond.Broadcast()
}

// session relays between a terminal or pipe and an attached device.
type session struct {
	link    link
	welcome channel.Welcome

	// escape ends the session when the escape byte is read from the
	// input. Set for raw terminals.
	escape bool

	// notify reports port events and other out-of-band frames.
	notify func(format string, args ...any)
}

// run copies in to the device and the device to out until the input
// ends, the connection closes or ctx is cancelled.
func (s *session) run(ctx context.Context, in io.Reader, out io.Writer) error {
	window := newWindow(s.welcome)
	results := make(chan error, 2)
	go func() { results <- s.pump(in, window) }()
	go func() { results <- s.drain(out, window) }()

	var err error
	select {
	case err = <-results:
	case <-ctx.Done():
	}
	window.close()
	s.link.Close()
	if netutil.IsExpectedCloseError(err) {
		return nil
	}
	return err
}

// pump sends input as Data frames, one token per frame.
func (s *session) pump(in io.Reader, window *window) error {
	buffer := make([]byte, 4096)
	for {
		n, readErr := in.Read(buffer)
		data := buffer[:n]
		ended := false
		if s.escape {
			if index := bytes.IndexByte(data, escapeByte); index >= 0 {
				data = data[:index]
				ended = true
			}
		}
		if len(data) > 0 {
			if !window.acquire() {
				return nil
			}
			if err := s.link.Send(channel.NewData(bytes.Clone(data))); err != nil {
				return fmt.Errorf("sending data: %w", err)
			}
		}
		if ended || readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("reading input: %w", readErr)
		}
	}
}

// drain writes device data to out and returns a send token for every
// frame written.
func (s *session) drain(out io.Writer, window *window) error {
	for {
		message, err := s.link.Receive()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		switch message.Type {
		case channel.TypeData:
			if _, err := out.Write(message.Payload); err != nil {
				return fmt.Errorf("writing output: %w", err)
			}
			if s.welcome.FlowControl {
				if err := s.link.Send(channel.NewTokens(channel.TypeSendTokens, 1)); err != nil {
					return fmt.Errorf("returning send token: %w", err)
				}
			}
		case channel.TypeClientTokens:
			tokens, err := channel.ParseTokens(message)
			if err != nil {
				return err
			}
			window.grant(tokens)
		case channel.TypePortInit:
			var portInit channel.PortInit
			if err := channel.Decode(message, &portInit); err != nil {
				return err
			}
			s.report("port %s (opened: %t)", portInit.Name, portInit.Opened)
		case channel.TypePortEvent:
			event, err := channel.ParsePortEvent(message)
			if err != nil {
				return err
			}
			if event == channel.PortEventOpened {
				s.report("port opened")
			} else {
				s.report("port closed")
			}
		default:
			s.report("ignoring %s frame", message.Type)
		}
	}
}

func (s *session) report(format string, args ...any) {
	if s.notify != nil {
		s.notify(format, args...)
	}
}

// exportMigration asks the server for the device's migration data and
// returns the sealed envelope. Device data that arrives first is
// discarded.
func exportMigration(link link) ([]byte, error) {
	if err := link.Send(channel.Message{Type: channel.TypeMigrateFlush}); err != nil {
		return nil, fmt.Errorf("requesting migration data: %w", err)
	}
	for {
		message, err := link.Receive()
		if err != nil {
			return nil, fmt.Errorf("waiting for migration data: %w", err)
		}
		if message.Type == channel.TypeMigrateData {
			return message.Payload, nil
		}
	}
}

// importMigration sends a sealed envelope on a connection opened with
// Hello.Migrating.
func importMigration(link link, envelope []byte) error {
	if len(envelope) == 0 {
		return errors.New("migration file is empty")
	}
	if err := link.Send(channel.Message{Type: channel.TypeMigrateData, Payload: envelope}); err != nil {
		return fmt.Errorf("sending migration data: %w", err)
	}
	return nil
}
