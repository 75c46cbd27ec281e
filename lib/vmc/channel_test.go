// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package vmc

import (
	"bytes"
	"errors"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/bureau-foundation/vmcd/lib/channel"
	"github.com/bureau-foundation/vmcd/lib/chardev"
	"github.com/bureau-foundation/vmcd/lib/migration"
	"github.com/bureau-foundation/vmcd/lib/testutil"
)

func TestChannelRelaysBothDirections(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	backend := newFakeBackend()
	h.addChannel(t, "usb0", KindUSBRedir, backend)

	client := h.mustDial(t, channel.Hello{Device: "usb0"})
	welcome := client.Welcome()
	if welcome.Device != "usb0" || welcome.Kind != "usbredir" || welcome.FlowControl {
		t.Fatalf("welcome = %+v", welcome)
	}

	backend.feed("from-vm")
	if data := client.expect(t, channel.TypeData, "device data"); string(data.Payload) != "from-vm" {
		t.Fatalf("client received %q", data.Payload)
	}

	client.send(t, channel.NewData([]byte("to-vm")))
	if got := testutil.RequireReceive(t, backend.written, testTimeout, "client data"); string(got) != "to-vm" {
		t.Fatalf("device received %q", got)
	}

	var metric dto.Metric
	if err := h.metrics.BytesFromDevice.WithLabelValues("usb0").Write(&metric); err != nil {
		t.Fatalf("reading metric: %v", err)
	}
	if got := metric.GetCounter().GetValue(); got != float64(len("from-vm")) {
		t.Fatalf("device_read_bytes_total = %v, want %d", got, len("from-vm"))
	}
}

func TestChannelRefusesConnections(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.addChannel(t, "usb0", KindUSBRedir, newFakeBackend())

	h.mustDial(t, channel.Hello{Device: "usb0"})
	if _, err := h.dial(t, channel.Hello{Device: "usb0"}); !errors.Is(err, channel.ErrRefused) {
		t.Fatalf("second client: err = %v, want ErrRefused", err)
	}
	if _, err := h.dial(t, channel.Hello{Device: "missing"}); !errors.Is(err, channel.ErrRefused) {
		t.Fatalf("unknown device: err = %v, want ErrRefused", err)
	}
}

func TestAgentFlowControl(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	backend := newFakeBackend()
	h.addChannel(t, "agent", KindAgent, backend)

	client := h.mustDial(t, channel.Hello{Device: "agent", SendTokens: 2})
	welcome := client.Welcome()
	if !welcome.FlowControl || welcome.ClientTokens != 10 {
		t.Fatalf("welcome = %+v, want flow control with 10 client tokens", welcome)
	}

	// Client tokens come back in batches of five.
	for index := 0; index < 5; index++ {
		client.send(t, channel.NewData([]byte{byte('a' + index)}))
		testutil.RequireReceive(t, backend.written, testTimeout, "client data %d", index)
	}
	grant := client.expect(t, channel.TypeClientTokens, "client token grant")
	if tokens, err := channel.ParseTokens(grant); err != nil || tokens != 5 {
		t.Fatalf("granted %d tokens (%v), want 5", tokens, err)
	}

	// Two send tokens: the third read waits for a grant.
	for _, chunk := range []string{"one", "two"} {
		backend.feed(chunk)
		if data := client.expect(t, channel.TypeData, chunk); string(data.Payload) != chunk {
			t.Fatalf("client received %q, want %q", data.Payload, chunk)
		}
	}
	backend.feed("three")
	testutil.RequireNoReceive(t, client.frames, 50*time.Millisecond, "data without send tokens")
	client.send(t, channel.NewTokens(channel.TypeSendTokens, 1))
	if data := client.expect(t, channel.TypeData, "data after grant"); string(data.Payload) != "three" {
		t.Fatalf("client received %q", data.Payload)
	}

	// The guest agent hears about the last client leaving.
	client.Close()
	notice := testutil.RequireReceive(t, backend.written, testTimeout, "disconnect notice")
	if !bytes.Equal(notice, agentDisconnectNotice()) {
		t.Fatalf("notice = % x", notice)
	}
}

func TestAgentClientTokenViolation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	backend := newFakeBackend()
	backend.blocked = true
	c := h.addChannel(t, "agent", KindAgent, backend)

	client := h.mustDial(t, channel.Hello{Device: "agent"})
	for i := 0; i < 11; i++ {
		if err := client.Send(channel.NewData([]byte("x"))); err != nil {
			break
		}
	}
	for range client.frames {
	}
	var removed dto.Metric
	h.do(t, func() {
		if err := h.metrics.ClientsRemoved.WithLabelValues(c.Name()).Write(&removed); err != nil {
			t.Errorf("reading metric: %v", err)
		}
	})
	if removed.GetCounter().GetValue() != 1 {
		t.Fatalf("clients_removed_total = %v, want 1", removed.GetCounter().GetValue())
	}
}

func TestPortEventsAndReconnect(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	first, second := newFakeBackend(), newFakeBackend()
	c := h.addChannel(t, "org.example.port", KindPort, first, second)

	client := h.mustDial(t, channel.Hello{Device: "org.example.port"})
	var portInit channel.PortInit
	if err := channel.Decode(client.expect(t, channel.TypePortInit, "port init"), &portInit); err != nil {
		t.Fatalf("decoding port init: %v", err)
	}
	if portInit.Name != "org.example.port" || !portInit.Opened {
		t.Fatalf("port init = %+v", portInit)
	}

	first.hangup()
	event := client.expect(t, channel.TypePortEvent, "port closed")
	if value, _ := channel.ParsePortEvent(event); value != channel.PortEventClosed {
		t.Fatalf("port event = %d, want closed", value)
	}
	h.do(t, func() {
		if c.Connected() || !first.isClosed() {
			t.Error("lost backend still attached")
		}
	})

	h.clock.Advance(DefaultReconnectDelay)
	event = client.expect(t, channel.TypePortEvent, "port reopened")
	if value, _ := channel.ParsePortEvent(event); value != channel.PortEventOpened {
		t.Fatalf("port event = %d, want opened", value)
	}
	second.feed("after reconnect")
	if data := client.expect(t, channel.TypeData, "data from new backend"); string(data.Payload) != "after reconnect" {
		t.Fatalf("client received %q", data.Payload)
	}
}

func TestDataDroppedWhileDisconnected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.addChannel(t, "usb0", KindUSBRedir)
	client := h.mustDial(t, channel.Hello{Device: "usb0"})
	h.do(t, func() {
		if c.Connected() {
			t.Error("channel connected without a backend")
		}
	})

	// Frames are handled in order, so the migration data reflects the
	// data frame sent before it.
	client.send(t, channel.NewData([]byte("lost")))
	client.send(t, channel.Message{Type: channel.TypeMigrateFlush})
	sealed := client.expect(t, channel.TypeMigrateData, "migration data")
	envelope, err := migration.Open(sealed.Payload)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	body, err := migration.Unframe(envelope.Data, migration.MagicSpiceVMC, migration.SpiceVMCVersion)
	if err != nil {
		t.Fatalf("Unframe: %v", err)
	}
	record, _, err := chardev.ParseMigrationRecord(body)
	if err != nil {
		t.Fatalf("ParseMigrationRecord: %v", err)
	}
	if record.Connected || record.WriteSize != 0 {
		t.Fatalf("record = %+v, want empty migration data", record)
	}

	// The empty record still releases a target waiting for migration
	// data.
	target := newHarness(t)
	backend := newFakeBackend()
	targetChannel := target.addChannel(t, "usb0", KindUSBRedir, backend)
	targetClient := target.mustDial(t, channel.Hello{Device: "usb0", Migrating: true})
	targetClient.send(t, sealed)
	backend.feed("resumed")
	if data := targetClient.expect(t, channel.TypeData, "data after empty restore"); string(data.Payload) != "resumed" {
		t.Fatalf("client received %q", data.Payload)
	}
	target.do(t, func() {
		if targetChannel.Device().AwaitingMigration() {
			t.Error("device still awaiting migration data")
		}
	})
}

func TestMigratingClientRefusedByActiveDevice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	backend := newFakeBackend()
	c := h.addChannel(t, "usb0", KindUSBRedir, backend)

	// Output with no client attached is read and discarded, which
	// makes the device active.
	backend.feed("boot noise")
	deadline := time.Now().Add(testTimeout)
	for {
		var active bool
		h.do(t, func() { active = c.Device().Active() })
		if active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("device never became active")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := h.dial(t, channel.Hello{Device: "usb0", Migrating: true}); !errors.Is(err, channel.ErrRefused) {
		t.Fatalf("migrating client: err = %v, want ErrRefused before any welcome", err)
	}
	h.do(t, func() {
		if clients := c.Device().Clients(); len(clients) != 0 {
			t.Errorf("refused client attached: %v", clients)
		}
	})

	client := h.mustDial(t, channel.Hello{Device: "usb0"})
	backend.feed("later")
	if data := client.expect(t, channel.TypeData, "data for plain client"); string(data.Payload) != "later" {
		t.Fatalf("client received %q", data.Payload)
	}
}

func TestMigrationBetweenHosts(t *testing.T) {
	t.Parallel()
	source := newHarness(t)
	stuck := newFakeBackend()
	stuck.blocked = true
	source.addChannel(t, "usb0", KindUSBRedir, stuck)

	sourceClient := source.mustDial(t, channel.Hello{Device: "usb0"})
	sourceClient.send(t, channel.NewData([]byte("in flight")))
	sourceClient.send(t, channel.Message{Type: channel.TypeMigrateFlush})
	sealed := sourceClient.expect(t, channel.TypeMigrateData, "migration data")

	envelope, err := migration.Open(sealed.Payload)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if envelope.Device != "usb0" {
		t.Fatalf("envelope device = %q", envelope.Device)
	}
	header, _, err := migration.ParseHeader(envelope.Data)
	if err != nil || header.Magic != migration.MagicSpiceVMC {
		t.Fatalf("header = %+v, %v", header, err)
	}

	target := newHarness(t)
	backend := newFakeBackend()
	targetChannel := target.addChannel(t, "usb0", KindUSBRedir, backend)
	targetClient := target.mustDial(t, channel.Hello{Device: "usb0", Migrating: true})
	target.do(t, func() {
		if !targetChannel.Device().AwaitingMigration() {
			t.Error("migrating client did not hold the device")
		}
	})
	targetClient.send(t, sealed)
	if got := testutil.RequireReceive(t, backend.written, testTimeout, "migrated data"); string(got) != "in flight" {
		t.Fatalf("target device received %q", got)
	}
}

func TestRestoreRejectsOtherDevice(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	c := h.addChannel(t, "usb1", KindUSBRedir, newFakeBackend())
	framed := migration.Frame(migration.MagicSpiceVMC, migration.SpiceVMCVersion, chardev.MarshalEmptyMigrationData().Bytes())
	sealed, err := migration.Seal("usb0", framed)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	h.do(t, func() {
		if err := c.restoreMigration(sealed); !errors.Is(err, ErrWrongDevice) {
			t.Errorf("restoreMigration: err = %v, want ErrWrongDevice", err)
		}
	})

	smartcard := migration.Frame(migration.MagicSmartcard, migration.SmartcardVersion, chardev.MarshalEmptyMigrationData().Bytes())
	sealed, err = migration.Seal("usb1", smartcard)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	h.do(t, func() {
		if err := c.restoreMigration(sealed); !errors.Is(err, migration.ErrBadMagic) {
			t.Errorf("restoreMigration: err = %v, want ErrBadMagic", err)
		}
	})
}
