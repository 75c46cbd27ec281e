// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package migration frames device migration data for transfer between
// hosts.
//
// Each device kind prefixes its [chardev.MigrationData] with a Header
// naming the kind (a four-character magic) and the kind's data version.
// The framed bytes travel from the source host to the destination
// through the client, sealed in an [Envelope] that binds them to the
// device name and carries a BLAKE3 keyed digest so that corruption on
// the way is detected before anything is restored.
package migration
