package loadgen

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/suspiciousleaf/chat-app/internal/codec"
)

// fakeChatServer serves /auth/token and a /ws endpoint driven by the given
// handler.
func fakeChatServer(t *testing.T, wsHandler func(conn *websocket.Conn)) (httpURL, wsURL string) {
	t.Helper()

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"test-token","token_type":"bearer"}`))
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		wsHandler(conn)
	})

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts.URL, "ws" + strings.TrimPrefix(ts.URL, "http")
}

// One garbled reply must cost the monitor that sample only, not the whole
// run: the listener logs it, skips it and keeps recording later replies.
func TestMonitorSkipsUndecodableReply(t *testing.T) {
	httpURL, wsURL := fakeChatServer(t, func(conn *websocket.Conn) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := codec.Decode(data)
			if err != nil || frame.Event != codec.EventPerfTest {
				continue
			}
			// Garbage first, then the real reply for the same ping.
			if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xff, 0xff}); err != nil {
				return
			}
			reply, err := codec.Encode(&codec.Frame{
				Event:             codec.EventPerfTest,
				PerfTestID:        frame.PerfTestID,
				CPULoad:           []float64{12.5, 8.0},
				ActiveConnections: 3,
				MVPeriod:          1.0,
			})
			if err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, reply); err != nil {
				return
			}
		}
	})

	m := NewMonitor(zerolog.Nop(), Account{Username: "monitor", Password: "x"}, UserConfig{URL: httpURL, WSURL: wsURL})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return len(m.Samples()) >= 1 },
		5*time.Second, 50*time.Millisecond, "listener died instead of skipping the bad reply")
	m.Stop()
	require.NoError(t, <-done)

	samples := m.Samples()
	require.NotEmpty(t, samples)
	assert.Equal(t, int64(3), samples[0].ActiveConnections)
}

// The user listener gets the same treatment: a bad frame is dropped and the
// subscription announcements behind it still land.
func TestUserListenerSkipsUndecodableFrame(t *testing.T) {
	_, wsURL := fakeChatServer(t, func(conn *websocket.Conn) {
		if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xff, 0xff}); err != nil {
			return
		}
		subs, err := codec.Encode(&codec.Frame{
			Event: codec.EventChannelSubscriptions,
			Data:  []string{"welcome", "test_1"},
		})
		if err != nil {
			return
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, subs); err != nil {
			return
		}
		// Hold the socket open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	u := NewVirtualUser(zerolog.Nop(), Account{Username: "alice", Password: "x"}, UserConfig{WSURL: wsURL}, 1)
	u.token = "test-token"
	require.NoError(t, u.connect(context.Background()))
	defer u.logout()

	require.Eventually(t, func() bool { return containsString(u.heldChannels(), "test_1") },
		2*time.Second, 20*time.Millisecond, "listener died instead of skipping the bad frame")
	assert.Contains(t, u.heldChannels(), "welcome")
}
