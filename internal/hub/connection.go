package hub

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/suspiciousleaf/chat-app/internal/monitoring"
)

const (
	// Time allowed to write a frame to the peer before the subscriber
	// counts as slow and is force-closed.
	defaultSendTimeout = 5 * time.Second

	// Time allowed to read the next frame (or pong) from the peer.
	defaultPongWait = 30 * time.Second

	// Ping period, must be less than the pong wait.
	pingPeriod = (defaultPongWait * 9) / 10

	// Upper bound on one inbound frame; well above the largest legal
	// message but small enough that a hostile length header cannot force
	// a huge allocation.
	maxInboundFrameBytes = 64 * 1024
)

// Connection is one live authenticated client. The hub exclusively owns the
// registry entry; the channels set is mutated only inside the hub's critical
// section. Outbound frames travel through the bounded send queue consumed by
// writePump.
type Connection struct {
	username string
	conn     net.Conn

	send   chan []byte
	closed chan struct{}
	once   sync.Once

	// writeMu serializes socket writes between writePump and the pong
	// replies issued from the read side.
	writeMu sync.Mutex

	// guarded by Hub.mu
	channels map[string]struct{}
}

func newConnection(username string, conn net.Conn, queueSize int) *Connection {
	return &Connection{
		username: username,
		conn:     conn,
		send:     make(chan []byte, queueSize),
		closed:   make(chan struct{}),
		channels: make(map[string]struct{}),
	}
}

// Username returns the authenticated username for this connection.
func (c *Connection) Username() string { return c.username }

// enqueue places encoded bytes on the outbound queue without blocking.
// Returns false when the connection is closed or the queue is full; a full
// queue marks the peer as slow and the caller force-closes it.
func (c *Connection) enqueue(b []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	case <-c.closed:
		return false
	default:
		return false
	}
}

// close shuts the socket down. Idempotent.
func (c *Connection) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// closeWithStatus writes a close frame before shutting the socket down.
// Used for policy violations (displaced login, slow peer).
func (c *Connection) closeWithStatus(status ws.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		body := ws.NewCloseFrameBody(status, reason)
		_ = ws.WriteFrame(c.conn, ws.NewCloseFrame(body))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
}

// writePump drains the send queue onto the socket. Writes are batched
// through a buffered writer to cut syscalls when the queue is deep. A write
// deadline bounds every send; exceeding it drops the connection.
func (h *Hub) writePump(c *Connection) {
	defer monitoring.RecoverPanic(h.logger, "writePump")

	writer := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.closed:
			return

		case message := <-c.send:
			if err := h.writeBatch(c, writer, message); err != nil {
				h.logger.Debug().Err(err).Str("username", c.username).Msg("Failed to write frame")
				return
			}

		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.sendTimeout))
			err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil)
			c.writeMu.Unlock()
			if err != nil {
				h.logger.Debug().Err(err).Str("username", c.username).Msg("Failed to send ping")
				return
			}
		}
	}
}

// writeBatch writes one queued frame plus whatever else is pending into a
// single flush, to cut syscalls when the queue is deep.
func (h *Hub) writeBatch(c *Connection, writer *bufio.Writer, message []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(h.sendTimeout))
	if err := wsutil.WriteServerBinary(writer, message); err != nil {
		return err
	}
	n := len(c.send)
	for i := 0; i < n; i++ {
		message = <-c.send
		if err := wsutil.WriteServerBinary(writer, message); err != nil {
			return err
		}
	}
	return writer.Flush()
}

// readPump reads frames from the socket and dispatches them. Control frames
// (pings, pongs, close) are handled here and count as liveness, so an idle
// peer that still answers keepalive pings is never dropped by the read
// deadline. Exits on any read error and tears the connection down.
func (h *Hub) readPump(c *Connection) {
	defer monitoring.RecoverPanic(h.logger, "readPump")
	defer h.Disconnect(c, monitoring.DisconnectReasonReadError)

	ctrl := wsutil.ControlFrameHandler(c.conn, ws.StateServerSide)
	rd := &wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		OnIntermediate: ctrl,
	}

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(h.pongWait))
		hdr, err := rd.NextFrame()
		if err != nil {
			return
		}

		if hdr.OpCode.IsControl() {
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.sendTimeout))
			err := ctrl(hdr, rd)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
			continue
		}

		if hdr.Length > maxInboundFrameBytes {
			return
		}
		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(rd, payload); err != nil {
			return
		}
		switch hdr.OpCode {
		case ws.OpBinary, ws.OpText:
			h.Dispatch(c, payload)
		}
	}
}

// Serve runs both pumps for a registered connection and blocks until the
// connection is torn down.
func (h *Hub) Serve(c *Connection) {
	go h.writePump(c)
	h.readPump(c)
}
