// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chardev

import "errors"

var (
	// ErrUnknownClient is returned when an operation names a client
	// that is not attached to the device.
	ErrUnknownClient = errors.New("chardev: client not attached")

	// ErrClientExists is returned by ClientAdd for an identifier that
	// is already attached.
	ErrClientExists = errors.New("chardev: client already attached")

	// ErrDeviceActive is returned by ClientAdd when a client asks to
	// wait for migration data on a device that already has clients or
	// has already moved data since it was started.
	ErrDeviceActive = errors.New("chardev: device already active, cannot restore migration data")

	// ErrMigrationVersion is returned when migration data was written
	// by a newer protocol version than this package understands.
	ErrMigrationVersion = errors.New("chardev: unsupported migration data version")

	// ErrMigrationTruncated is returned when a migration record or its
	// payload is shorter than the record claims.
	ErrMigrationTruncated = errors.New("chardev: truncated migration data")

	// ErrMigrationState is returned when the device is not in a state
	// that can produce or accept migration data.
	ErrMigrationState = errors.New("chardev: device cannot migrate in its current state")
)
