// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chardev

// maxSendTokens returns the largest number of messages any attached
// client can accept right now. A client without flow control makes it
// unlimited.
func (d *Device) maxSendTokens() uint64 {
	var max uint64
	for _, client := range d.clients {
		if client.terminated {
			continue
		}
		if !client.flowControl {
			return Unlimited
		}
		if client.sendTokens > max {
			max = client.sendTokens
		}
	}
	return max
}

// drainFromDevice reads messages from the device while at least one
// client can take one, or while no client is attached (the messages are
// then discarded). Reports whether anything was read.
//
// Delivering a message may call back into the device, and a nested
// call here returns immediately. When the device then reports no
// message, the outer loop reads once more so the nested wakeup is not
// lost.
func (d *Device) drainFromDevice() bool {
	if !d.running || d.awaitingMigration || d.port == nil {
		return false
	}
	d.readDepth++
	if d.readDepth > 1 {
		return false
	}

	// Counts down with each message read. With no clients attached it
	// may wrap, which is harmless because the loop condition does not
	// consult it then.
	budget := d.maxSendTokens()
	d.ref()
	defer d.unref()

	didRead := false
	for (budget > 0 || len(d.clients) == 0) && d.running {
		msg := d.callbacks.ReadOneMessage()
		if msg == nil {
			if d.readDepth > 1 {
				d.readDepth = 1
				continue
			}
			break
		}
		didRead = true
		d.sendToClients(msg)
		d.callbacks.UnrefMessage(msg)
		budget--
	}
	d.readDepth = 0
	if d.running {
		d.active = d.active || didRead
	}
	return didRead
}
