package relay

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/openvtt/vttserver/internal/protocol"
)

func TestMailboxes_EnqueueDrainFIFO(t *testing.T) {
	r := NewMailboxes()
	r.Register(1)

	for i := 0; i < 5; i++ {
		r.Enqueue(1, protocol.OpBroadcastResponse,
			map[string]string{"text": fmt.Sprintf("m%d", i)}, nil)
	}

	drained := r.Drain(1)
	require.Len(t, drained, 5)
	for i, cmd := range drained {
		assert.Equal(t, fmt.Sprintf("m%d", i), cmd.Data["text"])
		assert.Equal(t, int64(1), cmd.ID)
		assert.Equal(t, protocol.OpBroadcastResponse, cmd.Type)
	}
}

// Property: for any sequence of enqueues interleaved with drains, the
// concatenation of drained batches preserves enqueue order.
func TestMailboxes_FIFOLaw(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := NewMailboxes()
		r.Register(9)

		var sent, received []string
		numOps := rapid.IntRange(1, 50).Draw(t, "num_ops")
		for i := 0; i < numOps; i++ {
			if rapid.Bool().Draw(t, "drain") {
				for _, cmd := range r.Drain(9) {
					received = append(received, cmd.Data["text"])
				}
				continue
			}
			text := fmt.Sprintf("m%d", i)
			r.Enqueue(9, protocol.OpBroadcastResponse, map[string]string{"text": text}, nil)
			sent = append(sent, text)
		}
		for _, cmd := range r.Drain(9) {
			received = append(received, cmd.Data["text"])
		}

		assert.Equal(t, sent, received)
	})
}

func TestMailboxes_DrainIdempotent(t *testing.T) {
	r := NewMailboxes()
	r.Enqueue(2, protocol.OpBroadcastResponse, map[string]string{"text": "x"}, nil)

	require.Len(t, r.Drain(2), 1)
	assert.Empty(t, r.Drain(2))
}

func TestMailboxes_DrainAbsentHandle(t *testing.T) {
	r := NewMailboxes()
	assert.Empty(t, r.Drain(404))
}

func TestMailboxes_RegisterIdempotent(t *testing.T) {
	r := NewMailboxes()
	r.Register(1)
	r.Enqueue(1, protocol.OpBroadcastResponse, map[string]string{"text": "keep"}, nil)
	r.Register(1)

	drained := r.Drain(1)
	require.Len(t, drained, 1)
	assert.Equal(t, "keep", drained[0].Data["text"])
}

func TestMailboxes_EnqueueCreatesMailbox(t *testing.T) {
	r := NewMailboxes()
	// No Register call; enqueue must not lose the command.
	r.Enqueue(3, protocol.OpAuthenticateFail, nil, nil)

	drained := r.Drain(3)
	require.Len(t, drained, 1)
	assert.Equal(t, protocol.OpAuthenticateFail, drained[0].Type)
}

func TestMailboxes_RemoveReturnsQueued(t *testing.T) {
	r := NewMailboxes()
	r.Enqueue(4, protocol.OpBroadcastResponse, map[string]string{"text": "a"}, nil)
	r.Enqueue(4, protocol.OpBroadcastResponse, map[string]string{"text": "b"}, nil)

	removed := r.Remove(4)
	require.Len(t, removed, 2)

	// The handle is gone: a subsequent broadcast does not reach it.
	r.Broadcast("after removal")
	assert.Empty(t, r.Drain(4))
	assert.Nil(t, r.Remove(4))
}

func TestMailboxes_BroadcastSnapshot(t *testing.T) {
	r := NewMailboxes()
	r.Register(1)
	r.Register(2)

	r.Broadcast("hello all")

	// Registered after the call: receives nothing from it.
	r.Register(3)

	for _, h := range []int64{1, 2} {
		drained := r.Drain(h)
		require.Len(t, drained, 1, "handle %d", h)
		assert.Equal(t, protocol.OpBroadcastResponse, drained[0].Type)
		assert.Equal(t, "hello all", drained[0].Data["text"])
		assert.Equal(t, h, drained[0].ID)
	}
	assert.Empty(t, r.Drain(3))
}

func TestMailboxes_BroadcastClonesPerHandle(t *testing.T) {
	r := NewMailboxes()
	r.Register(1)
	r.Register(2)
	r.Broadcast("shared")

	a := r.Drain(1)[0]
	b := r.Drain(2)[0]
	a.Data["text"] = "mutated"
	assert.Equal(t, "shared", b.Data["text"])
}

func TestMailboxes_Rehome(t *testing.T) {
	r := NewMailboxes()
	r.Enqueue(-5, protocol.OpAuthenticateRequest, nil, nil)
	r.Enqueue(7, protocol.OpBroadcastResponse, map[string]string{"text": "existing"}, nil)

	r.Rehome(-5, 7)

	// Provisional handle is gone.
	assert.NotContains(t, r.Handles(), int64(-5))

	drained := r.Drain(7)
	require.Len(t, drained, 2)
	assert.Equal(t, protocol.OpBroadcastResponse, drained[0].Type)
	assert.Equal(t, protocol.OpAuthenticateRequest, drained[1].Type)
	// Moved commands are readdressed.
	assert.Equal(t, int64(7), drained[1].ID)
}

func TestMailboxes_RehomeAbsentSource(t *testing.T) {
	r := NewMailboxes()
	r.Rehome(-1, 5)
	assert.Contains(t, r.Handles(), int64(5))
}

func TestMailboxes_WakeSignalledOnEnqueue(t *testing.T) {
	r := NewMailboxes()
	wake := r.Wake(6)

	select {
	case <-wake:
		t.Fatal("no signal expected before enqueue")
	default:
	}

	r.Enqueue(6, protocol.OpBroadcastResponse, map[string]string{"text": "x"}, nil)
	select {
	case <-wake:
	default:
		t.Fatal("expected wake signal after enqueue")
	}
}

func TestMailboxes_WakeSignalledOnBroadcast(t *testing.T) {
	r := NewMailboxes()
	wake := r.Wake(6)

	r.Broadcast("x")
	select {
	case <-wake:
	default:
		t.Fatal("expected wake signal after broadcast")
	}
}

// Ordering holds for a single recipient even when enqueuers race: every
// command lands in exactly one drained batch and per-enqueuer order is
// preserved.
func TestMailboxes_ConcurrentEnqueueDrain(t *testing.T) {
	r := NewMailboxes()
	r.Register(1)

	const writers = 8
	const perWriter = 100

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				r.Enqueue(1, protocol.OpBroadcastResponse,
					map[string]string{"writer": fmt.Sprint(w), "seq": fmt.Sprint(i)}, nil)
			}
		}(w)
	}

	drainDone := make(chan []protocol.Command)
	go func() {
		var all []protocol.Command
		for len(all) < writers*perWriter {
			all = append(all, r.Drain(1)...)
		}
		drainDone <- all
	}()

	wg.Wait()
	all := <-drainDone

	require.Len(t, all, writers*perWriter)
	lastSeq := map[string]int{}
	for _, cmd := range all {
		w := cmd.Data["writer"]
		var seq int
		_, err := fmt.Sscan(cmd.Data["seq"], &seq)
		require.NoError(t, err)
		if last, ok := lastSeq[w]; ok {
			assert.Greater(t, seq, last, "writer %s out of order", w)
		}
		lastSeq[w] = seq
	}
}
