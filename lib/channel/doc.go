// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel implements the client side transport of vmcd: a
// framed message protocol over unix stream sockets, a server that
// feeds received frames to an event loop, and a client for tools that
// attach to a device.
//
// Every frame is a 5-byte header (1 byte type, 4 byte big-endian
// payload length) followed by the payload. A connection opens with a
// Hello from the client naming the device; the server answers with
// Welcome or Refused. After that, Data frames carry device bytes in
// both directions and token frames carry flow-control grants:
// SendTokens from the client (messages it will accept), ClientTokens
// from the server (messages the client may send).
package channel
