// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/bureau-foundation/vmcd/lib/config"
	"github.com/bureau-foundation/vmcd/lib/vmc"
)

// channelOptions builds the channel options of a configured device:
// the kind's default profile with the configured overrides applied.
// The caller fills in the loop, metrics and logger.
func channelOptions(device config.DeviceConfig) (vmc.Options, error) {
	kind, err := vmc.ParseKind(device.Kind)
	if err != nil {
		return vmc.Options{}, fmt.Errorf("device %s: %w", device.Name, err)
	}
	writeRetry, waitTokens, reconnect, err := device.Durations()
	if err != nil {
		return vmc.Options{}, fmt.Errorf("device %s: %w", device.Name, err)
	}

	profile := vmc.DefaultProfile(kind)
	if device.FlowControl != nil {
		profile.FlowControl = *device.FlowControl
	}
	if device.ClientTokensInterval != nil {
		profile.ClientTokensInterval = *device.ClientTokensInterval
	}
	if device.SelfTokens != nil {
		profile.SelfTokens = *device.SelfTokens
	}
	if device.MaxSendQueue != nil {
		profile.MaxSendQueue = *device.MaxSendQueue
	}
	if device.ClientTokens != nil {
		profile.ClientTokens = *device.ClientTokens
	}
	if device.SendTokens != nil {
		profile.SendTokens = *device.SendTokens
	}

	path := device.Path
	dial := func() (vmc.Backend, error) {
		port, err := vmc.DialSocket(path)
		if err != nil {
			return nil, err
		}
		return port, nil
	}
	return vmc.Options{
		Name:              device.Name,
		Kind:              kind,
		PortName:          device.PortName,
		Profile:           profile,
		Dial:              dial,
		WriteRetry:        writeRetry,
		WaitTokensTimeout: waitTokens,
		ReconnectDelay:    reconnect,
	}, nil
}
