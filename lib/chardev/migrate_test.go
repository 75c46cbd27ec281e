// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chardev

import (
	"bytes"
	"errors"
	"testing"
)

func TestMigrationRecordLayout(t *testing.T) {
	t.Parallel()
	record := MigrationRecord{
		Version:           1,
		Connected:         true,
		ClientTokens:      7,
		SendTokens:        0x0102,
		WriteSize:         3,
		WriteClientTokens: 1,
		WriteDataOffset:   MigrationRecordSize,
	}
	want := []byte{
		0x01, 0x00, 0x00, 0x00,
		0x01,
		0x07, 0x00, 0x00, 0x00,
		0x02, 0x01, 0x00, 0x00,
		0x03, 0x00, 0x00, 0x00,
		0x01, 0x00, 0x00, 0x00,
		0x19, 0x00, 0x00, 0x00,
	}
	encoded := record.AppendBinary(nil)
	if !bytes.Equal(encoded, want) {
		t.Fatalf("encoded record = % x\nwant             % x", encoded, want)
	}

	parsed, payload, err := ParseMigrationRecord(append(encoded, "abc"...))
	if err != nil {
		t.Fatalf("ParseMigrationRecord: %v", err)
	}
	if parsed != record {
		t.Fatalf("parsed = %+v, want %+v", parsed, record)
	}
	if string(payload) != "abc" {
		t.Fatalf("payload = %q, want %q", payload, "abc")
	}
}

func TestParseMigrationRecordErrors(t *testing.T) {
	t.Parallel()
	newer := MigrationRecord{Version: MigrationVersion + 1, Connected: true}.AppendBinary(nil)
	short := MigrationRecord{Version: MigrationVersion, Connected: true, WriteSize: 10, WriteDataOffset: MigrationRecordSize}.AppendBinary(nil)
	overlapping := MigrationRecord{Version: MigrationVersion, Connected: true, WriteSize: 1, WriteDataOffset: 3}.AppendBinary(nil)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrMigrationTruncated},
		{"newer version", newer, ErrMigrationVersion},
		{"newer version truncated", newer[:6], ErrMigrationVersion},
		{"short record", short[:20], ErrMigrationTruncated},
		{"short payload", append(short, "12345"...), ErrMigrationTruncated},
		{"payload inside record", append(overlapping, 'x'), ErrMigrationTruncated},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, _, err := ParseMigrationRecord(test.data); !errors.Is(err, test.want) {
				t.Fatalf("err = %v, want %v", err, test.want)
			}
		})
	}
}

func TestMarshalEmptyMigrationData(t *testing.T) {
	t.Parallel()
	encoded := MarshalEmptyMigrationData().Bytes()
	if len(encoded) != MigrationRecordSize {
		t.Fatalf("empty migration data is %d bytes, want %d", len(encoded), MigrationRecordSize)
	}
	record, payload, err := ParseMigrationRecord(encoded)
	if err != nil {
		t.Fatalf("ParseMigrationRecord: %v", err)
	}
	if record.Connected || record.Version != MigrationVersion || payload != nil {
		t.Fatalf("record = %+v payload = %q", record, payload)
	}
}

func TestMigrationRoundTrip(t *testing.T) {
	t.Parallel()
	source := newTestDevice(t, Config{ClientTokensInterval: 5})
	source.port.budget = 3
	source.Start()
	source.mustAdd(t, ClientOptions{ID: "a", FlowControl: true, ClientTokens: 10, SendTokens: 7, MaxSendQueue: 4})
	source.write(t, "a", "hello")
	source.write(t, "a", "world!")
	source.write(t, "a", "xyz")
	before := source.stats(t, "a")

	data, err := source.MarshalMigrationData()
	if err != nil {
		t.Fatalf("MarshalMigrationData: %v", err)
	}
	if data.Record.WriteSize != 11 || data.Record.WriteClientTokens != 3 {
		t.Fatalf("record = %+v, want 11 bytes charged 3 tokens", data.Record)
	}
	var written bytes.Buffer
	if _, err := data.WriteTo(&written); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	encoded := data.Bytes()
	if !bytes.Equal(written.Bytes(), encoded) {
		t.Fatal("WriteTo and Bytes disagree")
	}

	// The source keeps running while the data is in flight. Its buffers
	// are consumed but stay valid until the migration data lets go.
	source.port.budget = -1
	source.clock.Advance(DefaultWriteRetry)
	if got := string(data.Payload()); got != "loworld!xyz" {
		t.Fatalf("payload = %q, want %q", got, "loworld!xyz")
	}
	data.Release()
	data.Release()
	if got := len(source.pool.free); got != 0 {
		t.Fatalf("%d migrated buffers went back to the pool", got)
	}

	target := newTestDevice(t, Config{ClientTokensInterval: 5})
	target.port.budget = 0
	target.Start()
	target.mustAdd(t, ClientOptions{ID: "a", FlowControl: true, ClientTokens: 10, SendTokens: 10, MaxSendQueue: 4, AwaitMigration: true})
	if err := target.Restore(encoded); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if target.AwaitingMigration() {
		t.Fatal("target still awaiting migration data")
	}

	after := target.stats(t, "a")
	if after.ClientTokens != before.ClientTokens ||
		after.ClientTokensPending != before.ClientTokensPending ||
		after.SendTokens != before.SendTokens {
		t.Fatalf("restored ledger = %+v, want %+v", after, before)
	}
	if target.current == nil || string(target.current.Bytes()) != "loworld!xyz" {
		t.Fatal("restored buffer does not hold the migrated bytes")
	}
	if target.current.TokenPrice() != 3 || target.current.Origin() != OriginClient {
		t.Fatalf("restored buffer price %d origin %v", target.current.TokenPrice(), target.current.Origin())
	}

	target.port.budget = -1
	target.clock.Advance(DefaultWriteRetry)
	if got := string(target.port.written); got != "loworld!xyz" {
		t.Fatalf("target device received %q", got)
	}
	if stats := target.stats(t, "a"); stats.ClientTokensPending != 3 {
		t.Fatalf("pending tokens after drain = %d, want 3", stats.ClientTokensPending)
	}
}

func TestRestoreServerOwnedPayload(t *testing.T) {
	t.Parallel()
	encoded := MigrationRecord{
		Version:         MigrationVersion,
		Connected:       true,
		ClientTokens:    4,
		SendTokens:      4,
		WriteSize:       3,
		WriteDataOffset: MigrationRecordSize,
	}.AppendBinary(nil)
	encoded = append(encoded, "srv"...)

	tests := []struct {
		name       string
		selfTokens uint64
		wantFreed  int
	}{
		{"self token available", 1, 1},
		{"no self tokens", 0, 0},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			device := newTestDevice(t, Config{SelfTokens: test.selfTokens})
			device.Start()
			device.mustAdd(t, ClientOptions{ID: "a", FlowControl: true, ClientTokens: 4, SendTokens: 4, MaxSendQueue: 1, AwaitMigration: true})
			if err := device.Restore(encoded); err != nil {
				t.Fatalf("Restore: %v", err)
			}
			if got := string(device.port.written); got != "srv" {
				t.Fatalf("device received %q, want %q", got, "srv")
			}
			if device.kind.selfFreed != test.wantFreed {
				t.Fatalf("self tokens freed %d times, want %d", device.kind.selfFreed, test.wantFreed)
			}
			if device.SelfTokens() != test.selfTokens {
				t.Fatalf("SelfTokens() = %d, want %d", device.SelfTokens(), test.selfTokens)
			}
		})
	}
}

func TestRestoreRejectsWithoutMutation(t *testing.T) {
	t.Parallel()
	valid := func(record MigrationRecord) []byte {
		record.Version = MigrationVersion
		record.WriteDataOffset = MigrationRecordSize
		return record.AppendBinary(nil)
	}
	newer := MigrationRecord{Version: MigrationVersion + 1, Connected: true, ClientTokens: 1}.AppendBinary(nil)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"newer version", newer, ErrMigrationVersion},
		{"truncated payload", append(valid(MigrationRecord{Connected: true, WriteSize: 8}), "abc"...), ErrMigrationTruncated},
		{"tokens beyond window", append(valid(MigrationRecord{Connected: true, ClientTokens: 8, WriteSize: 1, WriteClientTokens: 5}), 'x'), ErrMigrationState},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			device := newTestDevice(t, Config{})
			device.Start()
			device.mustAdd(t, ClientOptions{ID: "a", FlowControl: true, ClientTokens: 10, SendTokens: 3, MaxSendQueue: 1, AwaitMigration: true})
			before := device.stats(t, "a")

			if err := device.Restore(test.data); !errors.Is(err, test.want) {
				t.Fatalf("Restore: err = %v, want %v", err, test.want)
			}
			if !device.AwaitingMigration() {
				t.Fatal("failed restore cleared the migration wait")
			}
			if after := device.stats(t, "a"); after != before {
				t.Fatalf("failed restore changed the ledger: %+v, was %+v", after, before)
			}
			if device.current != nil || len(device.port.written) != 0 {
				t.Fatal("failed restore queued data")
			}
		})
	}
}

func TestRestoreEmptyMigrationDataEndsWait(t *testing.T) {
	t.Parallel()
	device := newTestDevice(t, Config{})
	device.Start()
	device.kind.push(2)
	device.mustAdd(t, ClientOptions{ID: "a", FlowControl: true, ClientTokens: 10, SendTokens: 3, MaxSendQueue: 1, AwaitMigration: true})
	before := device.stats(t, "a")
	if len(device.kind.sent["a"]) != 0 {
		t.Fatal("device delivered while awaiting migration data")
	}

	if err := device.Restore(MarshalEmptyMigrationData().Bytes()); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if device.AwaitingMigration() {
		t.Fatal("empty migration data left the device waiting")
	}
	if got := device.kind.sent["a"]; !equalInts(got, []int{1, 2}) {
		t.Fatalf("client received %v after restore, want [1 2]", got)
	}
	after := device.stats(t, "a")
	if after.ClientTokens != before.ClientTokens || after.ClientTokensPending != 0 || after.SendTokens != before.SendTokens-2 {
		t.Fatalf("ledger after empty restore = %+v, was %+v", after, before)
	}
	if device.current != nil || len(device.port.written) != 0 {
		t.Fatal("empty restore queued data")
	}
	device.kind.requireReleased()
}

func TestRestoreRequiresAwaitingClient(t *testing.T) {
	t.Parallel()
	device := newTestDevice(t, Config{})
	device.mustAdd(t, ClientOptions{ID: "a"})
	encoded := MigrationRecord{Version: MigrationVersion, Connected: true}.AppendBinary(nil)
	if err := device.Restore(encoded); !errors.Is(err, ErrMigrationState) {
		t.Fatalf("Restore: err = %v, want ErrMigrationState", err)
	}
}

func TestMarshalMigrationDataStateChecks(t *testing.T) {
	t.Parallel()

	empty := newTestDevice(t, Config{})
	if _, err := empty.MarshalMigrationData(); !errors.Is(err, ErrMigrationState) {
		t.Fatalf("no clients: err = %v, want ErrMigrationState", err)
	}

	queued := newTestDevice(t, Config{})
	queued.Start()
	queued.mustAdd(t, ClientOptions{ID: "a", FlowControl: true, ClientTokens: 1, SendTokens: 0, MaxSendQueue: 2})
	queued.mustAdd(t, ClientOptions{ID: "b"})
	queued.kind.push(1)
	queued.Wakeup()
	if err := queued.ClientRemove("b"); err != nil {
		t.Fatalf("ClientRemove: %v", err)
	}
	if _, err := queued.MarshalMigrationData(); !errors.Is(err, ErrMigrationState) {
		t.Fatalf("queued messages: err = %v, want ErrMigrationState", err)
	}
}
