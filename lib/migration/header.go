// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package migration

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the encoded size of a Header.
const HeaderSize = 8

// ProtocolVersion is the version of the migration exchange itself.
const ProtocolVersion uint32 = 1

// Magic identifies the device kind that produced migration data. On
// the wire it is the four ASCII characters in order, read as a
// little-endian uint32.
type Magic uint32

// Device kind magics.
var (
	MagicSpiceVMC  = NewMagic("SVMD")
	MagicSmartcard = NewMagic("SCMD")
	MagicMain      = NewMagic("MNMD")
)

// Data versions per kind. They move with chardev.MigrationVersion
// since every kind embeds the device record.
const (
	SpiceVMCVersion  uint32 = 1
	SmartcardVersion uint32 = 1
	MainVersion      uint32 = 1
)

// NewMagic builds a magic from exactly four ASCII characters.
func NewMagic(name string) Magic {
	if len(name) != 4 {
		panic("migration: magic must be four characters: " + name)
	}
	return Magic(binary.LittleEndian.Uint32([]byte(name)))
}

func (m Magic) String() string {
	var name [4]byte
	binary.LittleEndian.PutUint32(name[:], uint32(m))
	return string(name[:])
}

var (
	// ErrBadMagic is returned when migration data belongs to a
	// different device kind.
	ErrBadMagic = errors.New("migration: wrong device kind")

	// ErrUnsupportedVersion is returned when migration data was
	// written by a newer version than this build understands.
	ErrUnsupportedVersion = errors.New("migration: unsupported version")

	// ErrTruncated is returned when data is shorter than its header.
	ErrTruncated = errors.New("migration: truncated data")

	// ErrDigestMismatch is returned when a sealed envelope does not
	// match its digest.
	ErrDigestMismatch = errors.New("migration: digest mismatch")
)

// Header precedes every kind's migration data.
type Header struct {
	Magic   Magic
	Version uint32
}

// AppendBinary appends the encoded header to buffer.
func (h Header) AppendBinary(buffer []byte) []byte {
	buffer = binary.LittleEndian.AppendUint32(buffer, uint32(h.Magic))
	return binary.LittleEndian.AppendUint32(buffer, h.Version)
}

// ParseHeader decodes the header at the start of data and returns the
// bytes that follow it.
func ParseHeader(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, len(data), HeaderSize)
	}
	return Header{
		Magic:   Magic(binary.LittleEndian.Uint32(data[0:4])),
		Version: binary.LittleEndian.Uint32(data[4:8]),
	}, data[HeaderSize:], nil
}

// Validate checks that the header belongs to the kind with the given
// magic and that its version is not newer than version. Older versions
// are accepted; the kind decides how to read them.
func (h Header) Validate(magic Magic, version uint32) error {
	if h.Magic != magic {
		return fmt.Errorf("%w: got %q, want %q", ErrBadMagic, h.Magic, magic)
	}
	if h.Version > version {
		return fmt.Errorf("%w: %s version %d, newest known %d", ErrUnsupportedVersion, magic, h.Version, version)
	}
	return nil
}

// Frame prefixes body with a header for the given kind.
func Frame(magic Magic, version uint32, body []byte) []byte {
	framed := make([]byte, 0, HeaderSize+len(body))
	framed = Header{Magic: magic, Version: version}.AppendBinary(framed)
	return append(framed, body...)
}

// Unframe parses and validates the header of framed and returns the
// kind's data.
func Unframe(framed []byte, magic Magic, version uint32) ([]byte, error) {
	header, body, err := ParseHeader(framed)
	if err != nil {
		return nil, err
	}
	if err := header.Validate(magic, version); err != nil {
		return nil, err
	}
	return body, nil
}
