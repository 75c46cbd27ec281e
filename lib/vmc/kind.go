// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vmc

import (
	"fmt"

	"github.com/bureau-foundation/vmcd/lib/chardev"
	"github.com/bureau-foundation/vmcd/lib/migration"
)

// Kind names a device kind.
type Kind string

const (
	// KindSpiceVMC is a generic virtual channel.
	KindSpiceVMC Kind = "spicevmc"
	// KindUSBRedir carries usbredir traffic for one redirected device.
	KindUSBRedir Kind = "usbredir"
	// KindPort is a named port whose VM side can open and close.
	KindPort Kind = "port"
	// KindSmartcard carries smartcard reader traffic.
	KindSmartcard Kind = "smartcard"
	// KindAgent is the guest agent channel. Clients use flow control
	// and the server injects its own messages.
	KindAgent Kind = "agent"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindSpiceVMC, KindUSBRedir, KindPort, KindSmartcard, KindAgent}

// ParseKind validates a kind name.
func ParseKind(name string) (Kind, error) {
	for _, kind := range Kinds {
		if string(kind) == name {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown device kind %q (valid: %v)", name, Kinds)
}

// Profile holds the flow-control and migration parameters of a kind.
type Profile struct {
	// Magic and Version frame the kind's migration data.
	Magic   migration.Magic
	Version uint32

	// FlowControl enables client and send tokens for clients.
	FlowControl bool

	ClientTokensInterval uint32
	SelfTokens           uint64

	// MaxClients bounds concurrent connections. Further connections
	// are refused.
	MaxClients int

	MaxSendQueue int
	ClientTokens uint64
	SendTokens   uint64
}

// DefaultProfile returns the built-in profile of kind.
func DefaultProfile(kind Kind) Profile {
	switch kind {
	case KindSmartcard:
		return Profile{
			Magic:        migration.MagicSmartcard,
			Version:      migration.SmartcardVersion,
			SelfTokens:   chardev.Unlimited,
			MaxClients:   1,
			ClientTokens: chardev.Unlimited,
			SendTokens:   chardev.Unlimited,
		}
	case KindAgent:
		return Profile{
			Magic:                migration.MagicMain,
			Version:              migration.MainVersion,
			FlowControl:          true,
			ClientTokensInterval: 5,
			SelfTokens:           1,
			MaxClients:           1,
			MaxSendQueue:         5,
			ClientTokens:         10,
			SendTokens:           10,
		}
	default:
		return Profile{
			Magic:        migration.MagicSpiceVMC,
			Version:      migration.SpiceVMCVersion,
			SelfTokens:   chardev.Unlimited,
			MaxClients:   1,
			ClientTokens: chardev.Unlimited,
			SendTokens:   chardev.Unlimited,
		}
	}
}

func (kind Kind) reportsPortEvents() bool { return kind == KindPort }
