// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package chardev implements flow control between one VM character
// device and the remote clients attached to it.
//
// A [Device] moves opaque data in both directions:
//
//   - Device to clients: the device kind's [Callbacks.ReadOneMessage]
//     produces one message at a time. Each message is handed to every
//     attached client that holds a send token; clients without send
//     tokens get the message queued (bounded by their maximum send
//     queue length) and a wait-for-tokens deadline is armed. A client
//     whose queue overflows or whose deadline expires is removed
//     through [Callbacks.RemoveClient].
//
//   - Clients to device: data is written through pooled
//     [WriteBuffer]s obtained with [Device.GetWriteBuffer] and queued
//     with [Device.AddWriteBuffer]. Each client-originated buffer costs
//     one client token; tokens come back in batches of the configured
//     interval through [Callbacks.SendTokens] once the device has
//     consumed the data. Server-originated buffers are bounded by the
//     device's self tokens.
//
// All methods must be called from a single goroutine (the event loop
// that owns the device). Collaborator callbacks may call back into the
// device synchronously: the read loop carries a reentrancy guard that
// turns a nested wakeup into one more pass of the outer loop, and every
// routine that calls out holds a reference so that a Destroy issued from
// inside a callback is completed only when the outermost call returns.
//
// [Device.MarshalMigrationData] and [Device.Restore] move the in-flight
// write data and the token ledger of a single attached client to a
// device on another host. The record layout is fixed; see
// [MigrationRecord].
package chardev
