// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chardev

import "fmt"

// ClientOptions describes a client being attached to a device.
type ClientOptions struct {
	ID ClientID

	// FlowControl enables token accounting for this client. Clients
	// without flow control get Unlimited tokens in both directions and
	// never have messages queued.
	FlowControl bool

	// MaxSendQueue is how many device messages may be queued for this
	// client while other clients still have send tokens.
	MaxSendQueue int

	// ClientTokens is how many messages the client may send to the
	// device before waiting for a token grant.
	ClientTokens uint64

	// SendTokens is how many device messages the client accepts before
	// granting more.
	SendTokens uint64

	// AwaitMigration keeps the device inert until Restore supplies the
	// migration data for this client.
	AwaitMigration bool
}

type sendState int

const (
	// sendFlowing: send tokens available, queue empty.
	sendFlowing sendState = iota
	// sendStarved: no send tokens, messages queued, wait timer armed.
	sendStarved
	// sendTerminated: overflow, violation or wait timeout; removal has
	// been requested and the client is no longer serviced.
	sendTerminated
)

func (state sendState) String() string {
	switch state {
	case sendFlowing:
		return "flowing"
	case sendStarved:
		return "starved"
	case sendTerminated:
		return "terminated"
	default:
		return fmt.Sprintf("sendState(%d)", int(state))
	}
}

// clientState is the per-client flow-control ledger.
type clientState struct {
	id          ClientID
	flowControl bool

	// clientTokens permits the client to send more data to the device.
	clientTokens uint64
	// clientTokensPending counts tokens freed by the device but not yet
	// granted back to the client.
	clientTokensPending uint64
	// sendTokens permits the device to deliver more messages to the
	// client.
	sendTokens uint64

	sendQueue    []Message
	maxSendQueue int
	waitTimer    *task
	terminated   bool
}

func (client *clientState) canSend() bool {
	return !client.flowControl || client.sendTokens > 0
}

func (client *clientState) state() sendState {
	switch {
	case client.terminated:
		return sendTerminated
	case len(client.sendQueue) > 0:
		return sendStarved
	default:
		return sendFlowing
	}
}

// ClientStats is a snapshot of one client's ledger.
type ClientStats struct {
	ID                  ClientID
	FlowControl         bool
	ClientTokens        uint64
	ClientTokensPending uint64
	SendTokens          uint64
	SendQueueLen        int
	MaxSendQueue        int
	WaitTimerArmed      bool
	State               string
}

// ValidateClient reports whether ClientAdd would accept options, without
// attaching anything. Transports use it to refuse a session before
// they send it anything.
func (d *Device) ValidateClient(options ClientOptions) error {
	if options.ID == "" {
		return fmt.Errorf("chardev: ClientAdd requires a client ID")
	}
	if _, exists := d.clientIndex[options.ID]; exists {
		return fmt.Errorf("%w: %s", ErrClientExists, options.ID)
	}
	if options.AwaitMigration && (len(d.clients) > 0 || d.active) {
		d.logger.Warn("cannot restore device from migration data, device has already been active",
			"client", options.ID,
			"clients", len(d.clients),
		)
		return ErrDeviceActive
	}
	return nil
}

// ClientAdd attaches a client and immediately tries to read from the
// device so buffered output reaches it without an external trigger.
func (d *Device) ClientAdd(options ClientOptions) error {
	if err := d.ValidateClient(options); err != nil {
		return err
	}

	d.awaitingMigration = options.AwaitMigration
	d.logger.Debug("client added",
		"client", options.ID,
		"flow_control", options.FlowControl,
		"await_migration", options.AwaitMigration,
	)

	client := &clientState{
		id:           options.ID,
		flowControl:  options.FlowControl,
		maxSendQueue: options.MaxSendQueue,
	}
	if options.FlowControl {
		client.clientTokens = options.ClientTokens
		client.sendTokens = options.SendTokens
	} else {
		client.clientTokens = Unlimited
		client.sendTokens = Unlimited
	}
	client.waitTimer = newTask(d.clock, d.dispatch, func() {
		if !d.attached(client) {
			return
		}
		d.logger.Warn("client did not grant send tokens in time", "client", client.id)
		d.handleClientOverflow(client)
	})

	d.clients = append(d.clients, client)
	d.clientIndex[client.id] = client
	d.Wakeup()
	return nil
}

// ClientRemove detaches a client. Messages queued for it are dropped
// and its pending writes are discarded. If the device was waiting for
// migration data on behalf of this client, it resumes reading.
func (d *Device) ClientRemove(id ClientID) error {
	client, ok := d.clientIndex[id]
	if !ok {
		d.logger.Error("client to remove was not found", "client", id)
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	d.logger.Debug("client removed", "client", id)
	d.freeClient(client)
	if d.awaitingMigration {
		if len(d.clients) != 0 {
			panic("chardev: device awaiting migration data had more than one client")
		}
		d.awaitingMigration = false
		d.drainFromDevice()
	}
	return nil
}

// ClientExists reports whether id is attached.
func (d *Device) ClientExists(id ClientID) bool {
	_, ok := d.clientIndex[id]
	return ok
}

// Clients returns the attached client IDs in attach order.
func (d *Device) Clients() []ClientID {
	ids := make([]ClientID, len(d.clients))
	for index, client := range d.clients {
		ids[index] = client.id
	}
	return ids
}

// ClientStats returns a snapshot of the ledger of client id.
func (d *Device) ClientStats(id ClientID) (ClientStats, bool) {
	client, ok := d.clientIndex[id]
	if !ok {
		return ClientStats{}, false
	}
	return ClientStats{
		ID:                  client.id,
		FlowControl:         client.flowControl,
		ClientTokens:        client.clientTokens,
		ClientTokensPending: client.clientTokensPending,
		SendTokens:          client.sendTokens,
		SendQueueLen:        len(client.sendQueue),
		MaxSendQueue:        client.maxSendQueue,
		WaitTimerArmed:      client.waitTimer.armed(),
		State:               client.state().String(),
	}, true
}

// SendTokensAdd records tokens more device messages that client accepts,
// flushes its queue and resumes reading from the device if possible.
func (d *Device) SendTokensAdd(id ClientID, tokens uint32) error {
	client, ok := d.clientIndex[id]
	if !ok {
		d.logger.Error("send tokens for unknown client", "client", id, "tokens", tokens)
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	if client.terminated {
		d.logger.Debug("ignoring send tokens for terminated client", "client", id, "tokens", tokens)
		return nil
	}
	d.absorbSendTokens(client, tokens)
	return nil
}

// SendTokensSet replaces the send token count of client instead of
// adding to it. Some clients report their full token window rather than
// the increment; their report is trusted over the device's count.
func (d *Device) SendTokensSet(id ClientID, tokens uint32) error {
	client, ok := d.clientIndex[id]
	if !ok {
		d.logger.Error("send tokens for unknown client", "client", id, "tokens", tokens)
		return fmt.Errorf("%w: %s", ErrUnknownClient, id)
	}
	if client.terminated {
		d.logger.Debug("ignoring send tokens for terminated client", "client", id, "tokens", tokens)
		return nil
	}
	if client.flowControl {
		client.sendTokens = 0
	}
	d.absorbSendTokens(client, tokens)
	return nil
}

func (d *Device) absorbSendTokens(client *clientState, tokens uint32) {
	if client.flowControl {
		client.sendTokens += uint64(tokens)
	}

	d.ref()
	defer d.unref()

	if len(client.sendQueue) > 0 {
		if client.sendTokens != uint64(tokens) {
			panic("chardev: client had send tokens while messages were queued")
		}
		if !d.pushSendQueue(client) {
			return
		}
	}

	switch {
	case client.canSend():
		client.waitTimer.cancel()
		d.drainFromDevice()
	case len(client.sendQueue) > 0:
		client.waitTimer.start(d.waitTokensTimeout)
	default:
		// The queue drained with the last token; nothing is waiting.
		client.waitTimer.cancel()
	}
}

// pushSendQueue delivers queued messages front to back while the client
// has send tokens. Returns false if the client was removed by a
// callback while delivering.
func (d *Device) pushSendQueue(client *clientState) bool {
	for len(client.sendQueue) > 0 && client.canSend() {
		msg := client.sendQueue[0]
		client.sendQueue[0] = nil
		client.sendQueue = client.sendQueue[1:]

		if client.flowControl {
			client.sendTokens--
		}
		d.callbacks.SendMessage(msg, client.id)
		d.callbacks.UnrefMessage(msg)
		if !d.attached(client) {
			return false
		}
	}
	return true
}

// sendToClients distributes one device message to every attached
// client, delivering immediately to clients with send tokens and
// queueing it for the others.
func (d *Device) sendToClients(msg Message) {
	for _, client := range d.snapshotClients() {
		// A callback for an earlier client may have removed this one.
		if !d.attached(client) || client.terminated {
			continue
		}
		if client.canSend() {
			if len(client.sendQueue) != 0 {
				panic("chardev: client had send tokens while messages were queued")
			}
			if client.flowControl {
				client.sendTokens--
			}
			d.callbacks.SendMessage(msg, client.id)
		} else {
			d.enqueueForClient(client, msg)
		}
	}
}

func (d *Device) enqueueForClient(client *clientState, msg Message) {
	if len(client.sendQueue) >= client.maxSendQueue {
		d.logger.Warn("client send queue overflow",
			"client", client.id,
			"queued", len(client.sendQueue),
			"max", client.maxSendQueue,
		)
		d.handleClientOverflow(client)
		return
	}
	client.sendQueue = append(client.sendQueue, d.callbacks.RefMessage(msg))
	if !client.waitTimer.armed() {
		client.waitTimer.start(d.waitTokensTimeout)
	}
}

// handleClientOverflow marks the client terminated, drops its queue and
// asks the transport to disconnect it. Other clients are unaffected.
// A terminated client receives nothing more, even if it later grants
// send tokens before the transport detaches it.
func (d *Device) handleClientOverflow(client *clientState) {
	if client.terminated {
		return
	}
	client.terminated = true
	d.flushSendQueue(client)
	d.logger.Warn("removing client", "client", client.id)
	d.callbacks.RemoveClient(client.id)
}

// returnClientTokens credits tokens freed by the device and grants them
// back to the client once a full interval has accumulated.
func (d *Device) returnClientTokens(client *clientState, tokens uint32) {
	if !client.flowControl {
		return
	}
	if tokens > 1 {
		d.logger.Debug("returning more than one token", "client", client.id, "tokens", tokens)
	}
	client.clientTokensPending += uint64(tokens)
	if client.clientTokensPending < d.clientTokensInterval {
		return
	}
	batch := client.clientTokensPending
	client.clientTokens += batch
	client.clientTokensPending = 0
	d.callbacks.SendTokens(client.id, uint32(batch))
}

// flushSendQueue drops queued messages and stops the wait for send
// tokens, since nothing is left to wait for. The send tokens the
// messages would have consumed are credited back so the ledger matches
// what the client actually received.
func (d *Device) flushSendQueue(client *clientState) {
	client.waitTimer.cancel()
	queued := client.sendQueue
	client.sendQueue = nil
	for _, msg := range queued {
		d.callbacks.UnrefMessage(msg)
	}
	if client.flowControl {
		client.sendTokens += uint64(len(queued))
	}
}

// freeClient unlinks client and everything attributed to it.
func (d *Device) freeClient(client *clientState) {
	d.flushSendQueue(client)

	kept := d.writeQueue[:0]
	for _, buf := range d.writeQueue {
		if buf.origin == OriginClient && buf.client == client.id {
			buf.queued = false
			d.pool.put(buf)
			continue
		}
		kept = append(kept, buf)
	}
	for index := len(kept); index < len(d.writeQueue); index++ {
		d.writeQueue[index] = nil
	}
	d.writeQueue = kept

	// The partially written buffer still goes to the device, but its
	// token can no longer be returned to anyone.
	if d.current != nil && d.current.origin == OriginClient && d.current.client == client.id {
		d.current.origin = OriginNone
		d.current.client = ""
	}

	for index, candidate := range d.clients {
		if candidate == client {
			d.clients = append(d.clients[:index], d.clients[index+1:]...)
			break
		}
	}
	delete(d.clientIndex, client.id)
}

func (d *Device) attached(client *clientState) bool {
	return d.clientIndex[client.id] == client
}

// snapshotClients copies the client list so callbacks may attach or
// detach clients while the caller iterates.
func (d *Device) snapshotClients() []*clientState {
	snapshot := make([]*clientState, len(d.clients))
	copy(snapshot, d.clients)
	return snapshot
}
