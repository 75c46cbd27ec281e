// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package migration

import (
	"bytes"
	"errors"
	"testing"

	"github.com/bureau-foundation/vmcd/lib/codec"
)

func TestMagicWireOrder(t *testing.T) {
	t.Parallel()
	framed := Frame(MagicSpiceVMC, SpiceVMCVersion, nil)
	if !bytes.Equal(framed[:4], []byte("SVMD")) {
		t.Fatalf("magic bytes = %q, want %q", framed[:4], "SVMD")
	}
	if got := MagicSmartcard.String(); got != "SCMD" {
		t.Fatalf("MagicSmartcard = %q", got)
	}
	if got := MagicMain.String(); got != "MNMD" {
		t.Fatalf("MagicMain = %q", got)
	}
}

func TestUnframe(t *testing.T) {
	t.Parallel()
	body := []byte("record")
	tests := []struct {
		name    string
		framed  []byte
		want    error
		wantOut []byte
	}{
		{"matching", Frame(MagicSpiceVMC, 1, body), nil, body},
		{"older version", Frame(MagicSpiceVMC, 0, body), nil, body},
		{"newer version", Frame(MagicSpiceVMC, 2, body), ErrUnsupportedVersion, nil},
		{"other kind", Frame(MagicSmartcard, 1, body), ErrBadMagic, nil},
		{"short", []byte("SVMD"), ErrTruncated, nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			out, err := Unframe(test.framed, MagicSpiceVMC, 1)
			if !errors.Is(err, test.want) {
				t.Fatalf("err = %v, want %v", err, test.want)
			}
			if !bytes.Equal(out, test.wantOut) {
				t.Fatalf("body = %q, want %q", out, test.wantOut)
			}
		})
	}
}

func TestEnvelopeSealOpen(t *testing.T) {
	t.Parallel()
	framed := Frame(MagicSpiceVMC, SpiceVMCVersion, []byte{1, 2, 3})
	sealed, err := Seal("usbredir0", framed)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	envelope, err := Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if envelope.Device != "usbredir0" || !bytes.Equal(envelope.Data, framed) {
		t.Fatalf("opened envelope = %+v", envelope)
	}

	again, err := Seal("usbredir0", framed)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if !bytes.Equal(sealed, again) {
		t.Fatal("sealing the same data twice produced different bytes")
	}
}

func TestEnvelopeDetectsTampering(t *testing.T) {
	t.Parallel()
	sealed, err := Seal("port0", Frame(MagicSpiceVMC, SpiceVMCVersion, []byte("payload")))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	var envelope Envelope
	if err := codec.Unmarshal(sealed, &envelope); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Envelope)
		want   error
	}{
		{"data", func(e *Envelope) { e.Data[len(e.Data)-1] ^= 0xff }, ErrDigestMismatch},
		{"device", func(e *Envelope) { e.Device = "port1" }, ErrDigestMismatch},
		{"protocol", func(e *Envelope) { e.Protocol = ProtocolVersion + 1 }, ErrUnsupportedVersion},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			tampered := envelope
			tampered.Data = bytes.Clone(envelope.Data)
			test.mutate(&tampered)
			encoded, err := codec.Marshal(tampered)
			if err != nil {
				t.Fatalf("Marshal: %v", err)
			}
			if _, err := Open(encoded); !errors.Is(err, test.want) {
				t.Fatalf("Open: err = %v, want %v", err, test.want)
			}
		})
	}

	if _, err := Open([]byte{0xff, 0x00}); err == nil {
		t.Fatal("Open accepted garbage")
	}
}
