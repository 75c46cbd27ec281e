// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package migration

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/vmcd/lib/codec"
)

// Digest is a BLAKE3 keyed hash.
type Digest [32]byte

// envelopeDomainKey is the ASCII domain name zero-padded to the 32
// bytes BLAKE3 keyed mode requires. Changing it invalidates every
// envelope in flight.
var envelopeDomainKey = [32]byte{
	'v', 'm', 'c', 'd', '.', 'm', 'i', 'g', 'r', 'a', 't', 'i', 'o', 'n', '.',
	'e', 'n', 'v', 'e', 'l', 'o', 'p', 'e', 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// Envelope carries one device's framed migration data between hosts.
type Envelope struct {
	// Device is the configured name of the source device. The
	// destination only restores into a device of the same name.
	Device string `cbor:"device"`

	// Protocol is ProtocolVersion of the sender.
	Protocol uint32 `cbor:"protocol"`

	// Data is the framed migration data (Header followed by the kind's
	// record).
	Data []byte `cbor:"data"`

	// Digest covers every other field.
	Digest Digest `cbor:"digest"`
}

// Seal builds an envelope for framed data from device and encodes it.
func Seal(device string, framed []byte) ([]byte, error) {
	envelope := Envelope{
		Device:   device,
		Protocol: ProtocolVersion,
		Data:     framed,
	}
	envelope.Digest = envelope.digest()
	encoded, err := codec.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding migration envelope for %s: %w", device, err)
	}
	return encoded, nil
}

// Open decodes an envelope and verifies its digest and protocol
// version.
func Open(encoded []byte) (Envelope, error) {
	var envelope Envelope
	if err := codec.Unmarshal(encoded, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decoding migration envelope: %w", err)
	}
	if envelope.Protocol > ProtocolVersion {
		return Envelope{}, fmt.Errorf("%w: protocol %d, newest known %d", ErrUnsupportedVersion, envelope.Protocol, ProtocolVersion)
	}
	expected := envelope.digest()
	if subtle.ConstantTimeCompare(expected[:], envelope.Digest[:]) != 1 {
		return Envelope{}, fmt.Errorf("%w: envelope for %s", ErrDigestMismatch, envelope.Device)
	}
	return envelope, nil
}

// digest hashes the device name, protocol and data. The name is length
// prefixed so that name and data boundaries cannot shift.
func (envelope Envelope) digest() Digest {
	hasher, err := blake3.NewKeyed(envelopeDomainKey[:])
	if err != nil {
		panic("migration: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	var scratch [8]byte
	binary.LittleEndian.PutUint32(scratch[0:4], uint32(len(envelope.Device)))
	binary.LittleEndian.PutUint32(scratch[4:8], envelope.Protocol)
	hasher.Write(scratch[:])
	hasher.Write([]byte(envelope.Device))
	hasher.Write(envelope.Data)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}
