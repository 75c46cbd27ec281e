// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package vmc connects character devices of a VM to remote clients.
//
// A [Channel] owns one device: the VM side is a [Backend] (normally a
// [SocketPort] dialled to the unix socket the hypervisor exposes for
// the device) and the client side is any number of connections from
// the channel server, up to the kind's limit. The channel implements
// [chardev.Callbacks], so every byte moving between the two sides goes
// through the flow-control engine in lib/chardev.
//
// Device kinds ([Kind]) differ only in their [Profile]: whether clients
// use token flow control, how many may attach, and which magic frames
// their migration data. Named ports additionally report the VM side
// opening and closing to their client.
//
// A [Registry] routes channel server connections to the channel named
// in their Hello. All Channel and Registry methods run on the event
// loop goroutine.
package vmc
