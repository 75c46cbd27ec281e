// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chardev

import "fmt"

// ClientID identifies an attached client. Identifiers are assigned by
// the transport layer and must be unique per device.
type ClientID string

// Origin records who produced a write buffer and therefore which token
// counter pays for it.
type Origin int

const (
	// OriginNone marks a pooled buffer, or an in-flight buffer whose
	// client has gone away.
	OriginNone Origin = iota

	// OriginClient buffers carry data received from a client and cost
	// one client token (or the migrated token price).
	OriginClient

	// OriginServer buffers carry server-generated data and cost one
	// self token.
	OriginServer

	// OriginServerNoToken buffers carry server-generated data outside
	// of any token accounting.
	OriginServerNoToken
)

func (origin Origin) String() string {
	switch origin {
	case OriginNone:
		return "none"
	case OriginClient:
		return "client"
	case OriginServer:
		return "server"
	case OriginServerNoToken:
		return "server-no-token"
	default:
		return fmt.Sprintf("origin(%d)", int(origin))
	}
}

// WriteBuffer holds data on its way to the device. Buffers come from
// the device's pool and go back to it once the device has consumed
// them and every extra holder has dropped its reference.
//
// The writer fills Data (whose length is the buffer capacity) and sets
// Used, or calls Fill.
type WriteBuffer struct {
	// Data is the buffer storage. Its length is at least the size
	// requested from GetWriteBuffer.
	Data []byte

	// Used is the number of leading bytes of Data to write.
	Used int

	origin     Origin
	client     ClientID
	tokenPrice uint32
	refs       int

	// queued is set while the buffer sits in the device write queue.
	queued bool
}

// Fill copies payload into the buffer and sets Used. It returns the
// number of bytes copied, which is less than len(payload) only when the
// buffer is smaller than the payload.
func (buf *WriteBuffer) Fill(payload []byte) int {
	buf.Used = copy(buf.Data, payload)
	return buf.Used
}

// Bytes returns the filled part of the buffer.
func (buf *WriteBuffer) Bytes() []byte { return buf.Data[:buf.Used] }

// Origin returns the origin tag of the buffer.
func (buf *WriteBuffer) Origin() Origin { return buf.origin }

// Client returns the client that produced the buffer, or "" for
// non-client origins.
func (buf *WriteBuffer) Client() ClientID { return buf.client }

// TokenPrice is the number of tokens returned when the buffer is
// consumed. It is 1 except for a buffer restored from migration data,
// which stands for every client message that was in flight.
func (buf *WriteBuffer) TokenPrice() uint32 { return buf.tokenPrice }

func (buf *WriteBuffer) ref() *WriteBuffer {
	buf.refs++
	return buf
}

// unref drops a reference without returning the buffer to a pool. It
// is used by holders outside the device (migration marshalling) whose
// reference may outlive the device's own.
func (buf *WriteBuffer) unref() {
	if buf.refs <= 0 {
		panic("chardev: write buffer reference count underflow")
	}
	buf.refs--
}

// DefaultMaxPoolSize bounds the bytes a device keeps in its free list.
const DefaultMaxPoolSize = 10 * 64 * 1024

// bufferPool is a free list of write buffers owned by one device.
type bufferPool struct {
	free []*WriteBuffer
	// size is the storage held by free, in bytes.
	size int
	// limit bounds size. Zero means DefaultMaxPoolSize.
	limit int
	// allocated counts buffers created because the free list was empty.
	allocated int
}

func (pool *bufferPool) maxSize() int {
	if pool.limit <= 0 {
		return DefaultMaxPoolSize
	}
	return pool.limit
}

// get takes a buffer off the free list, or allocates one, and makes
// sure it can hold size bytes.
func (pool *bufferPool) get(size int) *WriteBuffer {
	var buf *WriteBuffer
	if count := len(pool.free); count > 0 {
		buf = pool.free[count-1]
		pool.free[count-1] = nil
		pool.free = pool.free[:count-1]
		pool.size -= len(buf.Data)
	} else {
		buf = &WriteBuffer{}
		pool.allocated++
	}
	if buf.Used != 0 {
		panic("chardev: pooled write buffer still holds data")
	}
	if len(buf.Data) < size {
		buf.Data = make([]byte, size)
	}
	return buf
}

// put returns buf to the free list when the caller held the last
// reference, otherwise it only drops the caller's reference. A buffer
// that would grow the free list past its limit is left to the garbage
// collector.
func (pool *bufferPool) put(buf *WriteBuffer) {
	if buf.refs > 1 {
		buf.refs--
		return
	}
	buf.refs = 0
	buf.Used = 0
	buf.origin = OriginNone
	buf.client = ""
	buf.tokenPrice = 0
	if pool.size+len(buf.Data) > pool.maxSize() {
		return
	}
	pool.size += len(buf.Data)
	pool.free = append(pool.free, buf)
}

// drain drops every pooled buffer.
func (pool *bufferPool) drain() {
	for index := range pool.free {
		pool.free[index] = nil
	}
	pool.free = nil
	pool.size = 0
}
