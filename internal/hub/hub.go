// Package hub contains the connection and fan-out engine: the registries of
// live connections and channel subscribers, inbound frame dispatch, the
// write-behind message batcher and the monitor telemetry sidecar.
package hub

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/suspiciousleaf/chat-app/internal/codec"
	"github.com/suspiciousleaf/chat-app/internal/monitoring"
	"github.com/suspiciousleaf/chat-app/internal/store"
)

// MonitorUsername is the reserved login used by the load-test monitor.
// Connections under this name receive no subscription announcement and flip
// the telemetry counters on and off.
const MonitorUsername = "monitor"

// Store is the persistence surface the hub needs. Implemented by
// *store.Store; tests substitute an in-memory fake.
type Store interface {
	Subscriptions(ctx context.Context, username string) (map[string]struct{}, error)
	AddSubscription(ctx context.Context, username, channel string) error
	RemoveSubscription(ctx context.Context, username, channel string) error
	InsertBatch(ctx context.Context, records []store.ChatRecord) error
}

// Options tune queue sizes and batcher thresholds.
type Options struct {
	SendQueueSize int
	SendTimeout   time.Duration

	// Batcher
	UploadTimer          time.Duration // flush-by-age threshold
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
}

func (o *Options) withDefaults() {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = defaultSendTimeout
	}
	if o.UploadTimer <= 0 {
		o.UploadTimer = 30 * time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
}

// Hub owns the authoritative registries. All mutations of conns and
// subscribers happen under mu; broadcast fan-out reads a snapshot and runs
// outside the lock.
type Hub struct {
	logger zerolog.Logger
	store  Store

	sendQueueSize int
	sendTimeout   time.Duration
	pongWait      time.Duration

	mu          sync.Mutex
	conns       map[string]*Connection
	subscribers map[string]map[string]*Connection

	batcher   *Batcher
	telemetry *Telemetry

	now func() time.Time
}

// New creates a hub with an idle batcher; the batcher loop starts with the
// first connection.
func New(st Store, logger zerolog.Logger, opts Options) *Hub {
	opts.withDefaults()

	h := &Hub{
		logger:        logger,
		store:         st,
		sendQueueSize: opts.SendQueueSize,
		sendTimeout:   opts.SendTimeout,
		pongWait:      defaultPongWait,
		conns:         make(map[string]*Connection),
		subscribers:   make(map[string]map[string]*Connection),
		now:           time.Now,
	}
	h.telemetry = NewTelemetry(logger)
	h.batcher = NewBatcher(st, logger, BatcherOptions{
		UploadTimer:          opts.UploadTimer,
		MaxReconnectAttempts: opts.MaxReconnectAttempts,
		ReconnectDelay:       opts.ReconnectDelay,
		LiveConnections:      h.ConnectionCount,
	})
	return h
}

// Telemetry exposes the sidecar, mainly for tests.
func (h *Hub) Telemetry() *Telemetry { return h.telemetry }

// Batcher exposes the write-behind cache, mainly for tests.
func (h *Hub) Batcher() *Batcher { return h.batcher }

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Register completes the handshake for an authenticated socket: loads the
// user's persisted subscriptions, displaces any previous login under the
// same username, wires the subscriber maps, announces the subscription list
// (monitor excepted) and makes sure the batcher loop is running. The caller
// then runs Serve on the returned connection.
func (h *Hub) Register(ctx context.Context, username string, conn net.Conn) (*Connection, error) {
	channels, err := h.store.Subscriptions(ctx, username)
	if err != nil {
		return nil, err
	}

	c := newConnection(username, conn, h.sendQueueSize)

	h.mu.Lock()
	prev := h.conns[username]
	if prev != nil {
		h.removeLocked(prev)
	}
	h.conns[username] = c
	for channel := range channels {
		c.channels[channel] = struct{}{}
		subs := h.subscribers[channel]
		if subs == nil {
			subs = make(map[string]*Connection)
			h.subscribers[channel] = subs
		}
		subs[username] = c
	}
	total := len(h.conns)
	h.mu.Unlock()

	if prev != nil {
		// Second login displaces the first.
		prev.closeWithStatus(ws.StatusPolicyViolation, "logged in elsewhere")
		monitoring.DisconnectsTotal.WithLabelValues(monitoring.DisconnectReasonDisplaced).Inc()
	}

	if username == MonitorUsername {
		h.telemetry.Reset()
		h.logger.Info().Msg("Monitor connected, telemetry counters reset")
	} else {
		h.sendSubscriptions(c, channels)
	}

	h.batcher.Start()

	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsActive.Set(float64(total))
	h.logger.Info().
		Str("username", username).
		Int("channels", len(channels)).
		Int("active_connections", total).
		Msg("Connection registered")

	return c, nil
}

// sendSubscriptions queues a channel_subscriptions frame listing the given
// channels.
func (h *Hub) sendSubscriptions(c *Connection, channels map[string]struct{}) {
	list := make([]string, 0, len(channels))
	for channel := range channels {
		list = append(list, channel)
	}
	frame := &codec.Frame{Event: codec.EventChannelSubscriptions, Data: list}
	b, err := codec.Encode(frame)
	if err != nil {
		h.logger.Warn().Err(err).Str("username", c.username).Msg("Failed to encode subscriptions frame")
		return
	}
	if !c.enqueue(b) {
		h.forceClose(c, "subscriptions enqueue failed")
	}
}

// Dispatch routes one inbound frame from an authenticated connection.
// Malformed frames and unknown events are dropped without closing the peer.
func (h *Hub) Dispatch(c *Connection, data []byte) {
	frame, err := codec.Decode(data)
	if err != nil {
		h.logger.Warn().Err(err).Str("username", c.username).Msg("Dropping malformed frame")
		return
	}

	switch frame.Event {
	case codec.EventMessage:
		h.handleMessage(c, frame)
	case codec.EventAddChannel:
		h.handleAddChannel(c, frame)
	case codec.EventLeaveChannel:
		h.handleLeaveChannel(c, frame)
	case codec.EventPerfTest:
		if c.username == MonitorUsername {
			h.handlePerfPing(c, frame)
		}
	default:
		// Unknown events are silently dropped.
	}
}

// handleMessage stamps the sender and timestamp, fans the frame out to the
// channel's live subscribers and appends it to the message cache. sent_at is
// fixed here, at dispatch, so flush retries never re-stamp it.
func (h *Hub) handleMessage(c *Connection, frame *codec.Frame) {
	if frame.Channel == "" || len(frame.Channel) > codec.MaxChannelBytes ||
		len(frame.Content) > codec.MaxContentBytes {
		h.logger.Warn().Str("username", c.username).Msg("Dropping message outside field bounds")
		return
	}
	frame.Sender = c.username
	frame.SentAt = h.now().UTC().Format(time.RFC3339Nano)

	h.Broadcast(frame)

	h.batcher.Append(store.ChatRecord{
		Username: frame.Sender,
		Channel:  frame.Channel,
		Content:  frame.Content,
		SentAt:   frame.SentAt,
	})
}

func (h *Hub) handleAddChannel(c *Connection, frame *codec.Frame) {
	channel := frame.Channel
	if channel == "" {
		return
	}
	if err := h.store.AddSubscription(context.Background(), c.username, channel); err != nil {
		h.logger.Warn().Err(err).
			Str("username", c.username).
			Str("channel", channel).
			Msg("Failed to persist subscription")
		return
	}

	h.mu.Lock()
	if h.conns[c.username] == c {
		c.channels[channel] = struct{}{}
		subs := h.subscribers[channel]
		if subs == nil {
			subs = make(map[string]*Connection)
			h.subscribers[channel] = subs
		}
		subs[c.username] = c
	}
	h.mu.Unlock()

	// Acknowledge with just the added channel.
	h.sendSubscriptions(c, map[string]struct{}{channel: {}})
}

func (h *Hub) handleLeaveChannel(c *Connection, frame *codec.Frame) {
	channel := frame.Channel
	if channel == "" {
		return
	}
	if err := h.store.RemoveSubscription(context.Background(), c.username, channel); err != nil {
		h.logger.Warn().Err(err).
			Str("username", c.username).
			Str("channel", channel).
			Msg("Failed to remove persisted subscription")
		return
	}

	h.mu.Lock()
	if h.conns[c.username] == c {
		delete(c.channels, channel)
		if subs := h.subscribers[channel]; subs != nil {
			delete(subs, c.username)
			if len(subs) == 0 {
				delete(h.subscribers, channel)
			}
		}
	}
	h.mu.Unlock()
}

func (h *Hub) handlePerfPing(c *Connection, frame *codec.Frame) {
	// The monitor itself is not counted as an active connection.
	h.mu.Lock()
	active := int64(len(h.conns) - 1)
	h.mu.Unlock()
	if active < 0 {
		active = 0
	}

	reply := h.telemetry.BuildReply(frame.PerfTestID, active)
	b, err := codec.Encode(reply)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to encode perf reply")
		return
	}
	if !c.enqueue(b) {
		h.forceClose(c, "perf reply enqueue failed")
	}
}

// Broadcast encodes the frame once and queues it to every live subscriber of
// its channel at snapshot time. Subscribers whose queue is full or closed
// are force-closed after the fan-out; nobody else waits for them.
func (h *Hub) Broadcast(frame *codec.Frame) {
	b, err := codec.Encode(frame)
	if err != nil {
		h.logger.Warn().Err(err).Str("channel", frame.Channel).Msg("Failed to encode broadcast frame")
		return
	}

	h.mu.Lock()
	subs := h.subscribers[frame.Channel]
	snapshot := make([]*Connection, 0, len(subs))
	for _, c := range subs {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	monitoring.MessagesBroadcast.Inc()

	var failed []*Connection
	for _, c := range snapshot {
		if c.enqueue(b) {
			h.telemetry.CountDelivery()
			monitoring.MessagesDelivered.Inc()
		} else {
			failed = append(failed, c)
		}
	}

	for _, c := range failed {
		h.logger.Warn().
			Str("username", c.username).
			Str("channel", frame.Channel).
			Msg("Disconnecting slow subscriber")
		monitoring.SlowClientsDisconnected.Inc()
		c.closeWithStatus(ws.StatusPolicyViolation, "too slow to process messages")
		h.Disconnect(c, monitoring.DisconnectReasonSlowClient)
	}
}

// Disconnect removes the connection from every registry and closes the
// socket. Idempotent, and a no-op for connections that have already been
// displaced by a newer login. The last disconnect triggers a final batcher
// flush and stops its loop.
func (h *Hub) Disconnect(c *Connection, reason string) {
	h.mu.Lock()
	if h.conns[c.username] != c {
		h.mu.Unlock()
		c.close()
		return
	}
	h.removeLocked(c)
	remaining := len(h.conns)
	h.mu.Unlock()

	c.close()

	if c.username == MonitorUsername {
		h.telemetry.Clear()
		h.logger.Info().Msg("Monitor disconnected, telemetry counters cleared")
	}

	monitoring.DisconnectsTotal.WithLabelValues(reason).Inc()
	monitoring.ConnectionsActive.Set(float64(remaining))
	h.logger.Info().
		Str("username", c.username).
		Str("reason", reason).
		Int("active_connections", remaining).
		Msg("Connection removed")

	if remaining == 0 {
		h.logger.Info().Msg("No active connections, flushing cache and stopping batcher")
		h.batcher.Stop()
	}
}

// removeLocked strips a connection out of both registries. Caller holds mu.
func (h *Hub) removeLocked(c *Connection) {
	for channel := range c.channels {
		if subs := h.subscribers[channel]; subs != nil {
			if subs[c.username] == c {
				delete(subs, c.username)
			}
			if len(subs) == 0 {
				delete(h.subscribers, channel)
			}
		}
	}
	delete(h.conns, c.username)
}

// forceClose tears down a connection that failed a direct send.
func (h *Hub) forceClose(c *Connection, detail string) {
	h.logger.Warn().Str("username", c.username).Str("detail", detail).Msg("Force closing connection")
	monitoring.SlowClientsDisconnected.Inc()
	c.closeWithStatus(ws.StatusPolicyViolation, "too slow to process messages")
	h.Disconnect(c, monitoring.DisconnectReasonSlowClient)
}

// Shutdown performs the final batcher flush and force-closes every live
// connection. Both complete before it returns.
func (h *Hub) Shutdown() {
	h.batcher.Stop()

	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*Connection)
	h.subscribers = make(map[string]map[string]*Connection)
	h.mu.Unlock()

	for _, c := range conns {
		c.closeWithStatus(ws.StatusGoingAway, "server shutting down")
		monitoring.DisconnectsTotal.WithLabelValues(monitoring.DisconnectReasonShutdown).Inc()
	}
	h.telemetry.Clear()
	monitoring.ConnectionsActive.Set(0)
	h.logger.Info().Int("closed_connections", len(conns)).Msg("Hub shut down")
}
