// Package relay implements the real-time session and broadcast subsystem:
// the per-handle mailbox registry, the user-to-handle identity registry,
// the per-connection session state machine, and the WebSocket acceptor.
package relay

import (
	"sort"
	"sync"

	"github.com/openvtt/vttserver/internal/protocol"
)

// mailbox is one handle's outbound queue. wake carries at most one pending
// signal; a session selecting on it learns the queue became non-empty.
type mailbox struct {
	cmds []protocol.Command
	wake chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{wake: make(chan struct{}, 1)}
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Mailboxes is the process-wide registry of outbound command queues, keyed
// by session handle. All methods are safe for concurrent use; every critical
// section is a short map operation with no I/O.
type Mailboxes struct {
	mu    sync.Mutex
	boxes map[int64]*mailbox
}

// NewMailboxes creates an empty mailbox registry.
func NewMailboxes() *Mailboxes {
	return &Mailboxes{boxes: make(map[int64]*mailbox)}
}

// Register ensures a mailbox exists for the given handle. Idempotent.
func (r *Mailboxes) Register(handle int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.box(handle)
}

// Remove deletes the handle's mailbox and returns whatever was still queued.
// Undelivered commands are the caller's to discard; there is no replay on
// reconnect.
//
// Postcondition: The handle is no longer known to the registry.
func (r *Mailboxes) Remove(handle int64) []protocol.Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	box, ok := r.boxes[handle]
	if !ok {
		return nil
	}
	delete(r.boxes, handle)
	return box.cmds
}

// Enqueue builds a Command stamped with the current time and appends it to
// the handle's mailbox, creating the mailbox if it does not exist yet. The
// implicit creation guards against enqueuers racing a session that has not
// registered itself yet.
func (r *Mailboxes) Enqueue(handle int64, op protocol.Opcode, data, binaryData map[string]string) {
	cmd := protocol.NewCommand(handle, op, data, binaryData)

	r.mu.Lock()
	defer r.mu.Unlock()

	box := r.box(handle)
	box.cmds = append(box.cmds, cmd)
	box.signal()
}

// Broadcast enqueues a BroadcastResponse carrying the given text to every
// handle registered at the instant of the call. Handles registered afterward
// receive nothing from this call.
func (r *Mailboxes) Broadcast(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for handle, box := range r.boxes {
		cmd := protocol.NewCommand(handle, protocol.OpBroadcastResponse,
			map[string]string{"text": text}, nil)
		box.cmds = append(box.cmds, cmd)
		box.signal()
	}
}

// Drain atomically empties the handle's mailbox and returns its contents in
// FIFO order. Returns an empty slice when the mailbox is empty or absent.
// A concurrent Enqueue either lands in the returned batch or strictly after
// it, never both.
func (r *Mailboxes) Drain(handle int64) []protocol.Command {
	r.mu.Lock()
	defer r.mu.Unlock()

	box, ok := r.boxes[handle]
	if !ok || len(box.cmds) == 0 {
		return nil
	}
	out := box.cmds
	box.cmds = nil
	return out
}

// Wake returns the handle's wake channel, creating the mailbox if needed.
// The channel receives at most one pending signal after any enqueue, so a
// session can flush as soon as its mailbox becomes non-empty instead of
// waiting for the next inbound frame.
func (r *Mailboxes) Wake(handle int64) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.box(handle).wake
}

// Rehome moves everything queued under a provisional handle to the newly
// authenticated one, preserving order, and removes the provisional mailbox.
// The destination mailbox is created if absent.
//
// Postcondition: from is unregistered; its queued commands are appended to
// the destination mailbox in their original arrival order, readdressed to
// the new handle.
func (r *Mailboxes) Rehome(from, to int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fromBox, ok := r.boxes[from]
	if !ok {
		r.box(to)
		return
	}
	delete(r.boxes, from)

	box := r.box(to)
	if len(fromBox.cmds) > 0 {
		for _, cmd := range fromBox.cmds {
			cmd.ID = to
			box.cmds = append(box.cmds, cmd)
		}
		box.signal()
	}
}

// Handles returns a sorted snapshot of registered handles, for diagnostics.
func (r *Mailboxes) Handles() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]int64, 0, len(r.boxes))
	for h := range r.boxes {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// box returns the mailbox for handle, creating it if needed.
// Caller must hold r.mu.
func (r *Mailboxes) box(handle int64) *mailbox {
	b, ok := r.boxes[handle]
	if !ok {
		b = newMailbox()
		r.boxes[handle] = b
	}
	return b
}
