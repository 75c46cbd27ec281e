// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vmc

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sys/unix"
)

// Backend is the VM side of a device.
type Backend interface {
	// Read reads without blocking. It returns 0 and a nil error when
	// nothing is available, and io.EOF once the VM side has gone away.
	Read(p []byte) (int, error)

	// Write writes a prefix of p without blocking and returns its
	// length, or zero when the VM side cannot take data right now.
	Write(p []byte) int

	// Watch calls wake, from another goroutine, each time data may be
	// available after a Read found nothing. Called at most once.
	Watch(wake func())

	Close() error
}

// SocketPort is a Backend on a connected non-blocking stream socket.
type SocketPort struct {
	fd int

	// stop interrupts the watcher's poll. rearm lets the watcher poll
	// the socket again once a Read has drained it.
	stopRead   int
	stopWrite  int
	rearmRead  int
	rearmWrite int

	mutex       sync.Mutex
	watching    bool
	closed      bool
	watcherDone chan struct{}
}

// DialSocket connects to the unix stream socket at path.
func DialSocket(path string) (*SocketPort, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("creating socket for %s: %w", path, err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connecting to %s: %w", path, err)
	}
	port, err := NewSocketPort(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return port, nil
}

// NewSocketPort takes ownership of a connected stream socket.
func NewSocketPort(fd int) (*SocketPort, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("setting socket non-blocking: %w", err)
	}
	var stop, rearm [2]int
	if err := unix.Pipe2(stop[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("creating watcher pipe: %w", err)
	}
	if err := unix.Pipe2(rearm[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		unix.Close(stop[0])
		unix.Close(stop[1])
		return nil, fmt.Errorf("creating watcher pipe: %w", err)
	}
	return &SocketPort{
		fd:          fd,
		stopRead:    stop[0],
		stopWrite:   stop[1],
		rearmRead:   rearm[0],
		rearmWrite:  rearm[1],
		watcherDone: make(chan struct{}),
	}, nil
}

func (p *SocketPort) Read(buffer []byte) (int, error) {
	for {
		n, err := unix.Read(p.fd, buffer)
		switch {
		case err == nil && n == 0 && len(buffer) > 0:
			return 0, io.EOF
		case err == nil:
			return n, nil
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			// A full pipe already holds a rearm.
			_, _ = unix.Write(p.rearmWrite, []byte{0})
			return 0, nil
		default:
			return 0, fmt.Errorf("reading from device socket: %w", err)
		}
	}
}

func (p *SocketPort) Write(buffer []byte) int {
	for {
		n, err := unix.SendmsgN(p.fd, buffer, nil, nil, unix.MSG_NOSIGNAL)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			// EAGAIN and a vanished peer look the same to the writer; the
			// read side reports the hangup.
			return 0
		}
		return n
	}
}

// Watch starts the watcher goroutine.
func (p *SocketPort) Watch(wake func()) {
	p.mutex.Lock()
	if p.watching || p.closed {
		p.mutex.Unlock()
		return
	}
	p.watching = true
	p.mutex.Unlock()
	go p.watch(wake)
}

func (p *SocketPort) watch(wake func()) {
	defer close(p.watcherDone)
	for {
		fds := []unix.PollFd{
			{Fd: int32(p.fd), Events: unix.POLLIN},
			{Fd: int32(p.stopRead), Events: unix.POLLIN},
		}
		if !p.poll(fds) || fds[1].Revents != 0 {
			return
		}
		if fds[0].Revents == 0 {
			continue
		}

		p.drainRearm()
		wake()

		// Wait until the loop has read the socket dry. A hangup stays
		// readable forever, so this also parks the watcher until Close
		// after the reader has seen EOF.
		fds = []unix.PollFd{
			{Fd: int32(p.rearmRead), Events: unix.POLLIN},
			{Fd: int32(p.stopRead), Events: unix.POLLIN},
		}
		if !p.poll(fds) || fds[1].Revents != 0 {
			return
		}
	}
}

// poll waits for any of fds. Returns false on an unrecoverable error.
func (p *SocketPort) poll(fds []unix.PollFd) bool {
	for {
		_, err := unix.Poll(fds, -1)
		if err == nil {
			return true
		}
		if !errors.Is(err, unix.EINTR) {
			return false
		}
	}
}

func (p *SocketPort) drainRearm() {
	var scratch [64]byte
	for {
		if n, err := unix.Read(p.rearmRead, scratch[:]); n <= 0 || err != nil {
			return
		}
	}
}

// Close stops the watcher and closes the socket.
func (p *SocketPort) Close() error {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil
	}
	p.closed = true
	watching := p.watching
	p.mutex.Unlock()

	_, _ = unix.Write(p.stopWrite, []byte{0})
	if watching {
		<-p.watcherDone
	}
	for _, fd := range []int{p.stopRead, p.stopWrite, p.rearmRead, p.rearmWrite} {
		unix.Close(fd)
	}
	if err := unix.Close(p.fd); err != nil {
		return fmt.Errorf("closing device socket: %w", err)
	}
	return nil
}
