// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vmc

import "encoding/binary"

// Guest agent wire constants for the disconnect notice.
const (
	agentProtocol           = 1
	agentClientPort         = 1
	agentClientDisconnected = 13

	agentChunkHeaderSize   = 8
	agentMessageHeaderSize = 20
)

// agentDisconnectNotice is the message telling the guest agent that
// its last client went away: a chunk header addressed to the client
// port followed by an empty CLIENT_DISCONNECTED message, little-endian.
func agentDisconnectNotice() []byte {
	notice := make([]byte, 0, agentChunkHeaderSize+agentMessageHeaderSize)
	notice = binary.LittleEndian.AppendUint32(notice, agentClientPort)
	notice = binary.LittleEndian.AppendUint32(notice, agentMessageHeaderSize)
	notice = binary.LittleEndian.AppendUint32(notice, agentProtocol)
	notice = binary.LittleEndian.AppendUint32(notice, agentClientDisconnected)
	notice = binary.LittleEndian.AppendUint64(notice, 0)
	notice = binary.LittleEndian.AppendUint32(notice, 0)
	return notice
}

// flushNotice writes a pending disconnect notice if a self token is
// free. Otherwise it is retried from OnSelfTokenFreed.
func (c *Channel) flushNotice() {
	if !c.noticePending || c.backend == nil || c.closed {
		return
	}
	notice := agentDisconnectNotice()
	buf := c.device.GetServerWriteBuffer(len(notice))
	if buf == nil {
		c.logger.Debug("no self token for disconnect notice, waiting")
		return
	}
	c.noticePending = false
	buf.Fill(notice)
	c.device.AddWriteBuffer(buf)
}
