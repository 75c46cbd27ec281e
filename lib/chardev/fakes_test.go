// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chardev

import (
	"testing"
	"time"

	"github.com/bureau-foundation/vmcd/lib/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type testMessage struct {
	seq  int
	refs int
}

// fakeKind is a device kind that produces numbered messages and records
// everything the device asks of it.
type fakeKind struct {
	t *testing.T

	pending  []*testMessage
	produced []*testMessage
	nextSeq  int

	sent      map[ClientID][]int
	grants    map[ClientID][]uint32
	removed   []ClientID
	selfFreed int

	// onSend runs after a delivery is recorded.
	onSend func(msg *testMessage, client ClientID)
	// onReadEmpty runs when a read finds nothing; its result replaces
	// the nil message.
	onReadEmpty func() Message
	// onRemove runs after a removal request is recorded.
	onRemove func(client ClientID)
}

func newFakeKind(t *testing.T) *fakeKind {
	return &fakeKind{
		t:      t,
		sent:   make(map[ClientID][]int),
		grants: make(map[ClientID][]uint32),
	}
}

// push makes count more messages available to ReadOneMessage.
func (k *fakeKind) push(count int) {
	for i := 0; i < count; i++ {
		k.nextSeq++
		msg := &testMessage{seq: k.nextSeq}
		k.pending = append(k.pending, msg)
		k.produced = append(k.produced, msg)
	}
}

func (k *fakeKind) ReadOneMessage() Message {
	if len(k.pending) == 0 {
		if k.onReadEmpty != nil {
			return k.onReadEmpty()
		}
		return nil
	}
	msg := k.pending[0]
	k.pending = k.pending[1:]
	msg.refs = 1
	return msg
}

func (k *fakeKind) RefMessage(msg Message) Message {
	msg.(*testMessage).refs++
	return msg
}

func (k *fakeKind) UnrefMessage(msg Message) {
	m := msg.(*testMessage)
	m.refs--
	if m.refs < 0 {
		k.t.Fatalf("message %d unreferenced too many times", m.seq)
	}
}

func (k *fakeKind) SendMessage(msg Message, client ClientID) {
	m := msg.(*testMessage)
	if m.refs <= 0 {
		k.t.Fatalf("message %d sent to %s without a reference", m.seq, client)
	}
	k.sent[client] = append(k.sent[client], m.seq)
	if k.onSend != nil {
		k.onSend(m, client)
	}
}

func (k *fakeKind) SendTokens(client ClientID, tokens uint32) {
	k.grants[client] = append(k.grants[client], tokens)
}

func (k *fakeKind) RemoveClient(client ClientID) {
	k.removed = append(k.removed, client)
	if k.onRemove != nil {
		k.onRemove(client)
	}
}

func (k *fakeKind) OnSelfTokenFreed() { k.selfFreed++ }

// requireReleased fails the test if any produced message still has a
// reference outstanding.
func (k *fakeKind) requireReleased() {
	k.t.Helper()
	for _, msg := range k.produced {
		if msg.refs != 0 {
			k.t.Fatalf("message %d has %d references outstanding", msg.seq, msg.refs)
		}
	}
}

// fakePort accepts up to budget bytes, then reports the device full.
// A negative budget accepts everything.
type fakePort struct {
	budget  int
	written []byte
	calls   int
}

func (p *fakePort) Write(data []byte) int {
	p.calls++
	n := len(data)
	if p.budget >= 0 {
		n = min(n, p.budget)
		p.budget -= n
	}
	p.written = append(p.written, data[:n]...)
	return n
}

type testDevice struct {
	*Device
	kind  *fakeKind
	port  *fakePort
	clock *clock.FakeClock
}

func newTestDevice(t *testing.T, config Config) *testDevice {
	t.Helper()
	fake := clock.Fake(epoch)
	config.Clock = fake
	if config.Name == "" {
		config.Name = "test"
	}
	kind := newFakeKind(t)
	port := &fakePort{budget: -1}
	return &testDevice{
		Device: New(port, kind, config),
		kind:   kind,
		port:   port,
		clock:  fake,
	}
}

func (td *testDevice) mustAdd(t *testing.T, options ClientOptions) {
	t.Helper()
	if err := td.ClientAdd(options); err != nil {
		t.Fatalf("ClientAdd(%s): %v", options.ID, err)
	}
}

// write acquires a client buffer, fills it and queues it.
func (td *testDevice) write(t *testing.T, client ClientID, payload string) {
	t.Helper()
	buf := td.GetWriteBuffer(client, len(payload))
	if buf == nil {
		t.Fatalf("GetWriteBuffer(%s) returned nil", client)
	}
	buf.Fill([]byte(payload))
	td.AddWriteBuffer(buf)
}

func (td *testDevice) stats(t *testing.T, client ClientID) ClientStats {
	t.Helper()
	stats, ok := td.ClientStats(client)
	if !ok {
		t.Fatalf("client %s not attached", client)
	}
	return stats
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for index := range a {
		if a[index] != b[index] {
			return false
		}
	}
	return true
}
