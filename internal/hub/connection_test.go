package hub

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspiciousleaf/chat-app/internal/codec"
)

// A peer that sends no chat traffic but keeps answering keepalive pings must
// survive past the read deadline; only true silence counts as a dead peer.
func TestReadPumpKeepsIdlePeerAlive(t *testing.T) {
	fs := newFakeStore()
	fs.setChannels("alice", "welcome")
	h := newTestHub(t, fs)
	h.pongWait = 200 * time.Millisecond

	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })
	go func() { _, _ = io.Copy(io.Discard, client) }()

	c, err := h.Register(context.Background(), "alice", server)
	require.NoError(t, err)
	go h.Serve(c)

	// Idle for several deadlines' worth, pinging the whole time.
	until := time.Now().Add(600 * time.Millisecond)
	for time.Now().Before(until) {
		require.NoError(t, wsutil.WriteClientMessage(client, ws.OpPing, nil))
		time.Sleep(50 * time.Millisecond)
	}

	select {
	case <-c.closed:
		t.Fatal("idle connection dropped despite answering pings")
	default:
	}
	assert.Equal(t, 1, h.ConnectionCount())

	// The socket still carries chat traffic after the idle stretch.
	frame, err := codec.Encode(&codec.Frame{
		Event:   codec.EventMessage,
		Channel: "welcome",
		Content: "still here",
	})
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientBinary(client, frame))
	require.Eventually(t, func() bool { return h.batcher.Len() == 1 },
		time.Second, 10*time.Millisecond)
}

// A peer that goes completely silent is dropped once the read deadline
// lapses.
func TestReadPumpDropsSilentPeer(t *testing.T) {
	fs := newFakeStore()
	h := newTestHub(t, fs)
	h.pongWait = 100 * time.Millisecond

	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close(); _ = server.Close() })
	go func() { _, _ = io.Copy(io.Discard, client) }()

	c, err := h.Register(context.Background(), "bob", server)
	require.NoError(t, err)
	go h.Serve(c)

	require.Eventually(t, func() bool { return h.ConnectionCount() == 0 },
		time.Second, 10*time.Millisecond)
	select {
	case <-c.closed:
	default:
		t.Fatal("silent connection still open")
	}
}
