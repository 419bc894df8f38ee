package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openvtt/vttserver/internal/protocol"
)

// WSClient is a WebSocket test client speaking the Command protocol.
type WSClient struct {
	conn *websocket.Conn
	t    *testing.T
}

// NewWSClient dials the server's upgrade endpoint and returns a connected
// test client.
//
// Precondition: addr must be a listening "host:port"; path the upgrade path.
// Postcondition: Returns a connected WSClient or fails the test.
func NewWSClient(t *testing.T, addr, path string) *WSClient {
	t.Helper()
	start := time.Now()

	url := fmt.Sprintf("ws://%s%s", addr, path)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v [%s]", url, err, time.Since(start))
	}

	t.Cleanup(func() {
		conn.Close()
	})

	t.Logf("websocket client connected to %s [%s]", url, time.Since(start))
	return &WSClient{conn: conn, t: t}
}

// Send writes a single Command as a text frame.
func (c *WSClient) Send(cmd protocol.Command) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, protocol.Encode(cmd)); err != nil {
		c.t.Fatalf("sending %s: %v", cmd.Type, err)
	}
}

// ReadBatch reads one flush frame and decodes it as a command batch.
//
// Postcondition: Returns the decoded batch, or fails on timeout or a
// malformed frame.
func (c *WSClient) ReadBatch(timeout time.Duration) []protocol.Command {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))

	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("reading batch: %v", err)
	}

	batch, err := protocol.DecodeBatch(payload)
	if err != nil {
		c.t.Fatalf("decoding batch %q: %v", payload, err)
	}
	return batch
}

// ReadUntil reads flush frames until one contains a command of the given
// opcode, returning that command. Fails the test on timeout.
func (c *WSClient) ReadUntil(op protocol.Opcode, timeout time.Duration) protocol.Command {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, cmd := range c.ReadBatch(time.Until(deadline)) {
			if cmd.Type == op {
				return cmd
			}
		}
	}
	c.t.Fatalf("no %s received within %s", op, timeout)
	return protocol.Command{}
}

// Close performs an orderly close handshake.
func (c *WSClient) Close() {
	c.t.Helper()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}
