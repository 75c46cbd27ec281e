// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bureau-foundation/vmcd/lib/codec"
)

// Type identifies a frame.
type Type byte

const (
	// TypeHello opens a connection. Client to server, CBOR Hello.
	TypeHello Type = 0x01

	// TypeWelcome accepts a connection. Server to client, CBOR Welcome.
	TypeWelcome Type = 0x02

	// TypeRefused rejects a connection, which the server then closes.
	// Server to client, CBOR Refused.
	TypeRefused Type = 0x03

	// TypeData carries opaque device bytes in either direction. Each
	// client to server Data frame costs one client token when the
	// device uses flow control.
	TypeData Type = 0x04

	// TypeSendTokens grants the server permission to send more Data
	// frames. Client to server, big-endian uint32 increment.
	TypeSendTokens Type = 0x05

	// TypeSendTokensSet reports the client's whole send window instead
	// of an increment. Client to server, big-endian uint32.
	TypeSendTokensSet Type = 0x06

	// TypeClientTokens returns client tokens once the device has
	// consumed the client's data. Server to client, big-endian uint32.
	TypeClientTokens Type = 0x07

	// TypePortInit describes a named port device. Server to client,
	// CBOR PortInit, sent right after Welcome.
	TypePortInit Type = 0x08

	// TypePortEvent reports the VM side of a port opening or closing.
	// Either direction, one byte (PortEventOpened, PortEventClosed).
	TypePortEvent Type = 0x09

	// TypeMigrateFlush asks the server for the device's migration
	// data. Client to server, empty.
	TypeMigrateFlush Type = 0x0a

	// TypeMigrateData carries a sealed migration envelope: server to
	// client in answer to MigrateFlush, client to server on a
	// connection opened with Hello.Migrating.
	TypeMigrateData Type = 0x0b
)

func (t Type) String() string {
	switch t {
	case TypeHello:
		return "hello"
	case TypeWelcome:
		return "welcome"
	case TypeRefused:
		return "refused"
	case TypeData:
		return "data"
	case TypeSendTokens:
		return "send-tokens"
	case TypeSendTokensSet:
		return "send-tokens-set"
	case TypeClientTokens:
		return "client-tokens"
	case TypePortInit:
		return "port-init"
	case TypePortEvent:
		return "port-event"
	case TypeMigrateFlush:
		return "migrate-flush"
	case TypeMigrateData:
		return "migrate-data"
	default:
		return fmt.Sprintf("type(0x%02x)", byte(t))
	}
}

// Port events.
const (
	PortEventOpened byte = 0
	PortEventClosed byte = 1
)

const headerLength = 5

// MaxPayloadLength bounds a single frame. Device reads produce at most
// 64 KiB; migration envelopes carry a device's whole write backlog.
const MaxPayloadLength = 16 * 1024 * 1024

// Message is one frame.
type Message struct {
	Type    Type
	Payload []byte
}

// WriteMessage writes a framed message to w.
func WriteMessage(w io.Writer, message Message) error {
	if len(message.Payload) > MaxPayloadLength {
		return fmt.Errorf("%s payload of %d bytes exceeds maximum %d", message.Type, len(message.Payload), MaxPayloadLength)
	}
	var header [headerLength]byte
	header[0] = byte(message.Type)
	binary.BigEndian.PutUint32(header[1:5], uint32(len(message.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write %s header: %w", message.Type, err)
	}
	if len(message.Payload) > 0 {
		if _, err := w.Write(message.Payload); err != nil {
			return fmt.Errorf("write %s payload: %w", message.Type, err)
		}
	}
	return nil
}

// ReadMessage reads one framed message from r. io.EOF is returned
// unwrapped when r ends cleanly between frames.
func ReadMessage(r io.Reader) (Message, error) {
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("read frame header: %w", err)
	}
	messageType := Type(header[0])
	length := binary.BigEndian.Uint32(header[1:5])
	if length > MaxPayloadLength {
		return Message{}, fmt.Errorf("%s payload length %d exceeds maximum %d", messageType, length, MaxPayloadLength)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Message{}, fmt.Errorf("read %s payload: %w", messageType, err)
	}
	return Message{Type: messageType, Payload: payload}, nil
}

// Hello is the first frame of every connection.
type Hello struct {
	// Device is the configured name of the device to attach to.
	Device string `cbor:"device"`

	// Migrating marks a client that was attached to the same device on
	// another host and will send its MigrateData before anything else.
	Migrating bool `cbor:"migrating,omitempty"`

	// SendTokens is the client's initial send window. Zero takes the
	// device default.
	SendTokens uint32 `cbor:"send_tokens,omitempty"`
}

// Welcome accepts a connection.
type Welcome struct {
	// Client is the server-assigned identifier of this connection.
	Client string `cbor:"client"`

	Device string `cbor:"device"`
	Kind   string `cbor:"kind"`

	// FlowControl tells the client to count Data frames against
	// ClientTokens and to grant SendTokens as it consumes data.
	FlowControl bool `cbor:"flow_control,omitempty"`

	// ClientTokens is the number of Data frames the client may send
	// before waiting for a ClientTokens grant.
	ClientTokens uint32 `cbor:"client_tokens,omitempty"`
}

// Refused rejects a connection.
type Refused struct {
	Reason string `cbor:"reason"`
}

// PortInit describes a named port device.
type PortInit struct {
	Name   string `cbor:"name"`
	Opened bool   `cbor:"opened"`
}

// Encode builds a frame carrying v as CBOR.
func Encode(messageType Type, v any) (Message, error) {
	payload, err := codec.Marshal(v)
	if err != nil {
		return Message{}, fmt.Errorf("encoding %s: %w", messageType, err)
	}
	return Message{Type: messageType, Payload: payload}, nil
}

// Decode decodes the CBOR payload of message into v.
func Decode(message Message, v any) error {
	if err := codec.Unmarshal(message.Payload, v); err != nil {
		return fmt.Errorf("decoding %s: %w", message.Type, err)
	}
	return nil
}

// NewData builds a Data frame.
func NewData(data []byte) Message {
	return Message{Type: TypeData, Payload: data}
}

// NewTokens builds a SendTokens, SendTokensSet or ClientTokens frame.
func NewTokens(messageType Type, tokens uint32) Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, tokens)
	return Message{Type: messageType, Payload: payload}
}

// ParseTokens extracts the count from a token frame.
func ParseTokens(message Message) (uint32, error) {
	if len(message.Payload) != 4 {
		return 0, fmt.Errorf("%s payload must be 4 bytes, got %d", message.Type, len(message.Payload))
	}
	return binary.BigEndian.Uint32(message.Payload), nil
}

// NewPortEvent builds a PortEvent frame.
func NewPortEvent(event byte) Message {
	return Message{Type: TypePortEvent, Payload: []byte{event}}
}

// ParsePortEvent extracts the event from a PortEvent frame.
func ParsePortEvent(message Message) (byte, error) {
	if len(message.Payload) != 1 {
		return 0, fmt.Errorf("%s payload must be 1 byte, got %d", message.Type, len(message.Payload))
	}
	return message.Payload[0], nil
}
