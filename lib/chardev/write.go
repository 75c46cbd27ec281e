// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chardev

// GetWriteBuffer returns a buffer with room for size bytes of data from
// client, charging one client token. Returns nil if the client is not
// attached or has no tokens left; running out of tokens is a
// flow-control violation and the client is removed.
//
// The buffer must be handed back exactly once, either with
// AddWriteBuffer or with ReleaseWriteBuffer.
func (d *Device) GetWriteBuffer(client ClientID, size int) *WriteBuffer {
	if client == "" {
		return d.acquireWriteBuffer("", size, OriginServer, 0)
	}
	return d.acquireWriteBuffer(client, size, OriginClient, 0)
}

// GetServerWriteBuffer returns a buffer for server-generated data,
// charging one self token. Returns nil when no self tokens are left;
// callers implementing SelfTokenNotifier retry from OnSelfTokenFreed.
func (d *Device) GetServerWriteBuffer(size int) *WriteBuffer {
	return d.acquireWriteBuffer("", size, OriginServer, 0)
}

// GetWriteBufferNoToken returns a buffer for server-generated data
// outside any token accounting.
func (d *Device) GetWriteBufferNoToken(size int) *WriteBuffer {
	return d.acquireWriteBuffer("", size, OriginServerNoToken, 0)
}

// acquireWriteBuffer takes a buffer from the pool and charges it to
// origin. A non-zero migratedTokens is the price of a buffer restored
// from migration data; those tokens were already charged on the source
// host, so none is charged here.
func (d *Device) acquireWriteBuffer(client ClientID, size int, origin Origin, migratedTokens uint32) *WriteBuffer {
	if size < 0 {
		panic("chardev: negative write buffer size")
	}
	if origin == OriginServer && d.selfTokens == 0 {
		return nil
	}

	if origin == OriginClient {
		state, ok := d.clientIndex[client]
		if !ok {
			// The client may have been removed for a send token violation
			// while its transport still had messages in flight.
			d.logger.Debug("write buffer requested for unknown client", "client", client)
			return nil
		}
		if migratedTokens == 0 && state.flowControl {
			if state.clientTokens == 0 {
				d.logger.Warn("client token violation", "client", client)
				d.handleClientOverflow(state)
				return nil
			}
			state.clientTokens--
		}
	} else if origin == OriginServer {
		d.selfTokens--
	}

	buf := d.pool.get(size)
	buf.origin = origin
	if origin == OriginClient {
		buf.client = client
	}
	buf.tokenPrice = 1
	if migratedTokens != 0 {
		buf.tokenPrice = migratedTokens
	}
	buf.refs = 1
	return buf
}

// AddWriteBuffer queues a filled buffer for the device and tries to
// write immediately. A buffer from a client that has since been removed
// is returned to the pool without being written.
func (d *Device) AddWriteBuffer(buf *WriteBuffer) {
	if buf.queued || buf == d.current {
		panic("chardev: write buffer added twice")
	}
	if buf.origin == OriginClient && !d.ClientExists(buf.client) {
		d.logger.Debug("dropping write buffer of removed client", "client", buf.client)
		d.pool.put(buf)
		return
	}
	buf.queued = true
	d.writeQueue = append(d.writeQueue, buf)
	d.drainToDevice()
}

// ReleaseWriteBuffer returns a buffer that will not be written and
// credits the token it cost. Tokens are credited even when another
// holder still references the buffer; the data then stays allocated
// until that holder lets go.
func (d *Device) ReleaseWriteBuffer(buf *WriteBuffer) {
	if buf.queued {
		panic("chardev: releasing a queued write buffer")
	}
	if buf == d.current {
		panic("chardev: releasing the write buffer in progress")
	}

	origin := buf.origin
	client := buf.client
	price := buf.tokenPrice
	d.pool.put(buf)

	switch origin {
	case OriginClient:
		state, ok := d.clientIndex[client]
		if !ok {
			// Removing a client unlinks every buffer attributed to it.
			panic("chardev: released client write buffer outlived its client")
		}
		d.returnClientTokens(state, price)
	case OriginServer:
		d.selfTokens++
		if notifier, ok := d.callbacks.(SelfTokenNotifier); ok {
			notifier.OnSelfTokenFreed()
		}
	}
}

// drainToDevice writes queued buffers to the port until it stops
// accepting data, and returns the number of bytes written. If a buffer
// is left partially written, the retry timer is armed.
func (d *Device) drainToDevice() int {
	if !d.running || d.awaitingMigration || d.port == nil {
		return 0
	}
	d.writeDepth++
	if d.writeDepth > 1 {
		return 0
	}
	d.ref()
	defer d.unref()

	d.writeRetry.cancel()

	total := 0
	for d.running && d.port != nil {
		if d.current == nil {
			if len(d.writeQueue) == 0 {
				break
			}
			d.current = d.writeQueue[0]
			d.writeQueue[0] = nil
			d.writeQueue = d.writeQueue[1:]
			d.current.queued = false
			d.cursor = 0
		}

		buf := d.current
		remaining := buf.Used - d.cursor
		if remaining > 0 {
			written := d.port.Write(buf.Data[d.cursor:buf.Used])
			if written <= 0 {
				if d.writeDepth > 1 {
					// Something called back into the device while the port
					// was busy; try again so that call is not lost.
					d.writeDepth = 1
					continue
				}
				break
			}
			if written > remaining {
				written = remaining
			}
			total += written
			if d.current != buf {
				// The port reset or destroyed the device from inside Write.
				continue
			}
			d.cursor += written
			if d.cursor < buf.Used {
				continue
			}
		}

		d.current = nil
		d.cursor = 0
		d.ReleaseWriteBuffer(buf)
	}

	if d.running {
		if d.current != nil {
			d.writeRetry.start(d.writeRetryInterval)
		} else if len(d.writeQueue) != 0 && d.port != nil {
			panic("chardev: write queue not empty after draining")
		}
		d.active = d.active || total > 0
	}
	d.writeDepth = 0
	return total
}
