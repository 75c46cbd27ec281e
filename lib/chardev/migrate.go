// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chardev

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// MigrationVersion is the newest migration record version this
	// package reads and the version it writes.
	MigrationVersion uint32 = 1

	// MigrationRecordSize is the encoded size of a MigrationRecord.
	MigrationRecordSize = 25
)

// MigrationRecord is the fixed part of a device's migration data. The
// encoding is packed little-endian:
//
//	offset size field
//	     0    4 version
//	     4    1 connected
//	     5    4 client_tokens
//	     9    4 send_tokens
//	    13    4 write_size
//	    17    4 write_client_token_count
//	    21    4 write_data_offset
//
// write_size bytes of pending device input follow at write_data_offset,
// counted from the first byte of the record. A record with connected
// zero carries no client and every other field is ignored.
type MigrationRecord struct {
	Version uint32
	// Connected is false when no client was attached on the source.
	Connected bool
	// ClientTokens is the client's remaining client-to-device tokens.
	ClientTokens uint32
	// SendTokens is the client's remaining device-to-client tokens.
	SendTokens uint32
	// WriteSize is the number of pending bytes for the device.
	WriteSize uint32
	// WriteClientTokens is the number of client tokens the pending
	// bytes were charged, to be returned once the device consumes them.
	WriteClientTokens uint32
	// WriteDataOffset locates the pending bytes.
	WriteDataOffset uint32
}

// AppendBinary appends the encoded record to buffer.
func (record MigrationRecord) AppendBinary(buffer []byte) []byte {
	buffer = binary.LittleEndian.AppendUint32(buffer, record.Version)
	var connected byte
	if record.Connected {
		connected = 1
	}
	buffer = append(buffer, connected)
	buffer = binary.LittleEndian.AppendUint32(buffer, record.ClientTokens)
	buffer = binary.LittleEndian.AppendUint32(buffer, record.SendTokens)
	buffer = binary.LittleEndian.AppendUint32(buffer, record.WriteSize)
	buffer = binary.LittleEndian.AppendUint32(buffer, record.WriteClientTokens)
	buffer = binary.LittleEndian.AppendUint32(buffer, record.WriteDataOffset)
	return buffer
}

// ParseMigrationRecord decodes the record at the start of data and
// returns it with the pending bytes it points to. The returned payload
// aliases data.
//
// The version is checked before anything else is interpreted: a record
// from a newer protocol returns ErrMigrationVersion.
func ParseMigrationRecord(data []byte) (MigrationRecord, []byte, error) {
	if len(data) < 4 {
		return MigrationRecord{}, nil, fmt.Errorf("%w: %d bytes, need %d", ErrMigrationTruncated, len(data), MigrationRecordSize)
	}
	record := MigrationRecord{Version: binary.LittleEndian.Uint32(data[0:4])}
	if record.Version > MigrationVersion {
		return MigrationRecord{}, nil, fmt.Errorf("%w: version %d, newest known %d", ErrMigrationVersion, record.Version, MigrationVersion)
	}
	if len(data) < MigrationRecordSize {
		return MigrationRecord{}, nil, fmt.Errorf("%w: %d bytes, need %d", ErrMigrationTruncated, len(data), MigrationRecordSize)
	}
	record.Connected = data[4] != 0
	record.ClientTokens = binary.LittleEndian.Uint32(data[5:9])
	record.SendTokens = binary.LittleEndian.Uint32(data[9:13])
	record.WriteSize = binary.LittleEndian.Uint32(data[13:17])
	record.WriteClientTokens = binary.LittleEndian.Uint32(data[17:21])
	record.WriteDataOffset = binary.LittleEndian.Uint32(data[21:25])

	if !record.Connected || record.WriteSize == 0 {
		return record, nil, nil
	}
	start := uint64(record.WriteDataOffset)
	end := start + uint64(record.WriteSize)
	if start < MigrationRecordSize || end > uint64(len(data)) {
		return MigrationRecord{}, nil, fmt.Errorf("%w: payload [%d, %d) outside %d bytes",
			ErrMigrationTruncated, start, end, len(data))
	}
	return record, data[start:end], nil
}

// MigrationData is the migration state of one device: the record and
// the pending device input, held by reference until Release.
type MigrationData struct {
	Record MigrationRecord

	segments [][]byte
	held     []*WriteBuffer
}

// MarshalEmptyMigrationData returns the migration data of a device with
// no attached client.
func MarshalEmptyMigrationData() *MigrationData {
	return &MigrationData{Record: MigrationRecord{Version: MigrationVersion}}
}

// Payload returns a copy of the pending device input.
func (data *MigrationData) Payload() []byte {
	payload := make([]byte, 0, data.Record.WriteSize)
	for _, segment := range data.segments {
		payload = append(payload, segment...)
	}
	return payload
}

// AppendBinary appends the record followed by the payload.
func (data *MigrationData) AppendBinary(buffer []byte) []byte {
	buffer = data.Record.AppendBinary(buffer)
	for _, segment := range data.segments {
		buffer = append(buffer, segment...)
	}
	return buffer
}

// Bytes returns the encoded record followed by the payload.
func (data *MigrationData) Bytes() []byte {
	return data.AppendBinary(make([]byte, 0, MigrationRecordSize+int(data.Record.WriteSize)))
}

// WriteTo writes the record and then each payload segment without
// copying the payload.
func (data *MigrationData) WriteTo(w io.Writer) (int64, error) {
	var total int64
	n, err := w.Write(data.Record.AppendBinary(make([]byte, 0, MigrationRecordSize)))
	total += int64(n)
	if err != nil {
		return total, err
	}
	for _, segment := range data.segments {
		n, err := w.Write(segment)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Release drops the buffer references taken by MarshalMigrationData.
// The payload must not be used afterwards. Release is idempotent.
func (data *MigrationData) Release() {
	for _, buf := range data.held {
		buf.unref()
	}
	data.held = nil
	data.segments = nil
}

// MarshalMigrationData captures the state of the single attached client
// and every byte not yet written to the device: first the unwritten
// part of the buffer in progress, then the write queue oldest first.
// The payload references the buffers; call Release on the result once
// it has been sent.
func (d *Device) MarshalMigrationData() (*MigrationData, error) {
	if len(d.clients) != 1 {
		return nil, fmt.Errorf("%w: %d clients attached, need exactly one", ErrMigrationState, len(d.clients))
	}
	client := d.clients[0]
	if len(client.sendQueue) != 0 {
		return nil, fmt.Errorf("%w: %d messages queued for client %s", ErrMigrationState, len(client.sendQueue), client.id)
	}

	data := &MigrationData{Record: MigrationRecord{
		Version:         MigrationVersion,
		Connected:       true,
		ClientTokens:    uint32(client.clientTokens),
		SendTokens:      uint32(client.sendTokens),
		WriteDataOffset: MigrationRecordSize,
	}}

	hold := func(buf *WriteBuffer, segment []byte) {
		data.segments = append(data.segments, segment)
		data.held = append(data.held, buf.ref())
		data.Record.WriteSize += uint32(len(segment))
		if buf.origin == OriginClient {
			if buf.client != client.id {
				panic("chardev: write buffer attributed to a client that is not attached")
			}
			data.Record.WriteClientTokens += buf.tokenPrice
		}
	}
	if d.current != nil {
		hold(d.current, d.current.Data[d.cursor:d.current.Used])
	}
	for _, buf := range d.writeQueue {
		hold(buf, buf.Bytes())
	}

	d.logger.Debug("migration data marshalled",
		"client", client.id,
		"write_size", data.Record.WriteSize,
		"write_client_tokens", data.Record.WriteClientTokens,
	)
	return data, nil
}

// Restore applies migration data to a device whose single client was
// added with AwaitMigration. The client's current token count is taken
// as the token window, which is assumed to be the same on both hosts.
// Everything is validated before the device is changed; on error the
// device is untouched and still awaiting migration data. A record
// without a connected client only ends the wait.
func (d *Device) Restore(data []byte) error {
	record, payload, err := ParseMigrationRecord(data)
	if err != nil {
		return err
	}
	if len(d.clients) != 1 || !d.awaitingMigration {
		return fmt.Errorf("%w: restore needs exactly one client awaiting migration data (%d clients, awaiting %t)",
			ErrMigrationState, len(d.clients), d.awaitingMigration)
	}
	if d.current != nil || len(d.writeQueue) != 0 {
		return fmt.Errorf("%w: device already has pending writes", ErrMigrationState)
	}
	if !record.Connected {
		// The source had no client attached, so there is nothing to
		// carry over. The wait still ends and reading resumes.
		d.logger.Debug("migration data has no connected client", "client", d.clients[0].id)
		d.awaitingMigration = false
		d.drainToDevice()
		d.drainFromDevice()
		return nil
	}
	client := d.clients[0]
	window := client.clientTokens
	if client.flowControl {
		charged := uint64(record.ClientTokens) + uint64(record.WriteClientTokens)
		if charged > window {
			return fmt.Errorf("%w: migrated client holds %d tokens, window is %d", ErrMigrationState, charged, window)
		}
		client.clientTokens = uint64(record.ClientTokens)
		client.clientTokensPending = window - charged
		client.sendTokens = uint64(record.SendTokens)
	}

	if len(payload) > 0 {
		var buf *WriteBuffer
		if record.WriteClientTokens != 0 {
			buf = d.acquireWriteBuffer(client.id, len(payload), OriginClient, record.WriteClientTokens)
		} else {
			buf = d.acquireWriteBuffer("", len(payload), OriginServer, 0)
			if buf == nil {
				buf = d.acquireWriteBuffer("", len(payload), OriginServerNoToken, 0)
			}
		}
		buf.Fill(payload)
		d.current = buf
		d.cursor = 0
	}

	d.logger.Debug("migration data restored",
		"client", client.id,
		"client_tokens", record.ClientTokens,
		"send_tokens", record.SendTokens,
		"write_size", record.WriteSize,
	)
	d.awaitingMigration = false
	d.drainToDevice()
	d.drainFromDevice()
	return nil
}
