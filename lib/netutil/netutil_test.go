// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/bureau-foundation/vmcd/lib/testutil"
)

func TestIsExpectedCloseError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{io.EOF, true},
		{fmt.Errorf("read frame header: %w", io.ErrUnexpectedEOF), true},
		{net.ErrClosed, true},
		{&net.OpError{Op: "write", Err: os.NewSyscallError("write", syscall.EPIPE)}, true},
		{syscall.ECONNRESET, true},
		{syscall.EACCES, false},
		{errors.New("payload length exceeds maximum"), false},
	}
	for _, test := range tests {
		if got := IsExpectedCloseError(test.err); got != test.want {
			t.Errorf("IsExpectedCloseError(%v) = %t, want %t", test.err, got, test.want)
		}
	}
}

func TestListenUnixReplacesStaleSocket(t *testing.T) {
	t.Parallel()
	path := filepath.Join(testutil.SocketDir(t), "nested", "vmcd.sock")

	first, err := ListenUnix(path)
	if err != nil {
		t.Fatalf("ListenUnix: %v", err)
	}
	// Leave the socket file behind the way a crashed daemon would.
	first.(*net.UnixListener).SetUnlinkOnClose(false)
	first.Close()

	second, err := ListenUnix(path)
	if err != nil {
		t.Fatalf("ListenUnix over stale socket: %v", err)
	}
	defer second.Close()
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()
}

func TestListenUnixRefusesRegularFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(testutil.SocketDir(t), "not-a-socket")
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	if _, err := ListenUnix(path); err == nil {
		t.Fatal("ListenUnix replaced a regular file")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("regular file removed: %v", err)
	}
}
