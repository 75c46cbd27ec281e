// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec holds the CBOR configuration shared by every vmcd
// package that encodes structured data: channel control frames and
// migration envelopes.
//
// The encoder uses Core Deterministic Encoding (RFC 8949 §4.2), so the
// same value always encodes to the same bytes. Migration envelopes
// depend on that when they are sealed on one host and compared on
// another.
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// Types serialized only as CBOR use `cbor` struct tags.
package codec
