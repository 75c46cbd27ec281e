// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nats-io/nuid"

	"github.com/bureau-foundation/vmcd/lib/codec"
	"github.com/bureau-foundation/vmcd/lib/netutil"
)

// DefaultHelloTimeout is how long a new connection may take to send
// its Hello.
const DefaultHelloTimeout = 10 * time.Second

// Poster runs closures on the goroutine that owns the handler's state.
// *eventloop.Loop implements it.
type Poster interface {
	Post(f func()) bool
}

// Handler receives connection events. All methods run on the Poster's
// goroutine, in the order the events happened on each connection.
type Handler interface {
	// Attach is called once a connection has sent its Hello. The
	// handler answers with a Welcome (conn.Send) or conn.Refuse.
	Attach(conn *Conn, hello Hello)

	// Frame is called for every frame after the Hello. Frames of a
	// connection the handler refused or closed may still arrive and
	// should be ignored.
	Frame(conn *Conn, message Message)

	// Detach is called once the connection has ended, if Attach was
	// called for it.
	Detach(conn *Conn)
}

// Server accepts client connections on a listener.
type Server struct {
	listener     net.Listener
	poster       Poster
	handler      Handler
	logger       *slog.Logger
	helloTimeout time.Duration

	mutex       sync.Mutex
	connections map[*Conn]struct{}
	wait        sync.WaitGroup
}

// NewServer returns a server that delivers connection events for
// listener to handler through poster.
func NewServer(listener net.Listener, poster Poster, handler Handler, logger *slog.Logger) *Server {
	return &Server{
		listener:     listener,
		poster:       poster,
		handler:      handler,
		logger:       logger,
		helloTimeout: DefaultHelloTimeout,
		connections:  make(map[*Conn]struct{}),
	}
}

// Serve accepts connections until ctx is cancelled or the listener
// fails. On return every connection has been closed and its reader has
// exited.
func (s *Server) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = s.listener.Close() })
	defer stop()

	var serveErr error
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				serveErr = fmt.Errorf("accepting client connection: %w", err)
			}
			break
		}
		conn := newConn(nuid.Next(), netConn, s.logger)
		s.mutex.Lock()
		s.connections[conn] = struct{}{}
		s.mutex.Unlock()

		s.wait.Add(1)
		go s.serveConn(conn)
	}

	s.mutex.Lock()
	for conn := range s.connections {
		conn.Close()
	}
	s.mutex.Unlock()
	s.wait.Wait()
	return serveErr
}

// serveConn reads frames from one connection and posts them to the
// handler.
func (s *Server) serveConn(conn *Conn) {
	defer s.wait.Done()
	defer func() {
		s.mutex.Lock()
		delete(s.connections, conn)
		s.mutex.Unlock()
	}()

	reader := bufio.NewReader(conn.netConn)
	_ = conn.netConn.SetReadDeadline(time.Now().Add(s.helloTimeout))
	first, err := ReadMessage(reader)
	if err != nil {
		conn.logger.Debug("connection closed before hello", "error", err)
		conn.Close()
		return
	}
	var hello Hello
	if first.Type != TypeHello {
		conn.logger.Warn("first frame is not a hello", "type", first.Type)
		conn.Refuse("expected hello")
		return
	}
	if err := Decode(first, &hello); err != nil {
		diagnostic, _ := codec.Diagnose(first.Payload)
		conn.logger.Warn("malformed hello", "error", err, "payload", diagnostic)
		conn.Refuse("malformed hello")
		return
	}
	_ = conn.netConn.SetReadDeadline(time.Time{})

	conn.logger.Info("client connected", "device", hello.Device, "migrating", hello.Migrating)
	if !s.poster.Post(func() { s.handler.Attach(conn, hello) }) {
		conn.Close()
		return
	}

	for {
		message, err := ReadMessage(reader)
		if err != nil {
			if err != io.EOF && !netutil.IsExpectedCloseError(err) {
				conn.logger.Warn("reading from client failed", "error", err)
			}
			break
		}
		if !s.poster.Post(func() { s.handler.Frame(conn, message) }) {
			break
		}
	}

	conn.Close()
	s.poster.Post(func() { s.handler.Detach(conn) })
	conn.logger.Info("client disconnected")
}
