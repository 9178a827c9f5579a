package loadgen

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/suspiciousleaf/chat-app/internal/codec"
)

const pingInterval = time.Second

// PerfSample is one monitor ping/reply pair. A sent ping records only its
// monotonic send time; the matching reply fills in the rest.
type PerfSample struct {
	PerfTestID        int64     `json:"perf_test_id"`
	LatencySeconds    float64   `json:"latency"`
	CPULoad           []float64 `json:"cpu_load"`
	MemoryUsage       float64   `json:"memory_usage"`
	ActiveConnections int64     `json:"active_connections"`
	MessageVolume     int64     `json:"message_volume"`
	MVPeriod          float64   `json:"mv_period"`
	MVAdjusted        int64     `json:"mv_adjusted"`

	sentAt   time.Time
	complete bool
}

// Monitor is the privileged load-test observer. It pings the server once per
// second and records each reply's latency and server-side counters.
type Monitor struct {
	logger  zerolog.Logger
	account Account
	cfg     UserConfig

	mu       sync.Mutex
	client   *Client
	samples  map[int64]*PerfSample
	nextID   int64
	stopOnce sync.Once
	stopped  chan struct{}
}

// NewMonitor builds the monitor for one run.
func NewMonitor(logger zerolog.Logger, account Account, cfg UserConfig) *Monitor {
	return &Monitor{
		logger:  logger.With().Str("username", account.Username).Logger(),
		account: account,
		cfg:     cfg,
		samples: map[int64]*PerfSample{},
		nextID:  1,
		stopped: make(chan struct{}),
	}
}

// Run connects and pings until Stop is called or the context ends.
func (m *Monitor) Run(ctx context.Context) error {
	token, err := FetchToken(m.cfg.URL, m.account.Username, m.account.Password)
	if err != nil {
		return err
	}
	client, err := DialWS(m.cfg.WSURL, token)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	defer func() { _ = client.Close() }()

	go m.listen(client)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	m.logger.Info().Msg("Monitor connected, pinging")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.stopped:
			return nil
		case <-ticker.C:
			if err := m.sendPing(client); err != nil {
				if IsNormalClose(err) {
					return nil
				}
				return err
			}
		}
	}
}

// Stop ends the ping loop; Run returns shortly after.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
}

func (m *Monitor) sendPing(client *Client) error {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.samples[id] = &PerfSample{PerfTestID: id, sentAt: time.Now()}
	m.mu.Unlock()

	return client.Send(&codec.Frame{Event: codec.EventPerfTest, PerfTestID: id})
}

// listen records perf_test replies until the socket drops. A reply that
// fails to decode loses that sample only; the ping loop keeps running.
func (m *Monitor) listen(client *Client) {
	for {
		frame, err := client.Receive()
		if err != nil {
			if errors.Is(err, codec.ErrDecode) {
				m.logger.Warn().Err(err).Msg("Discarding undecodable reply")
				continue
			}
			if !IsNormalClose(err) {
				select {
				case <-m.stopped:
				default:
					m.logger.Warn().Err(err).Msg("Monitor receive failed")
				}
			}
			m.Stop()
			return
		}
		if frame.Event == codec.EventPerfTest {
			m.recordReply(frame, time.Now())
		}
	}
}

// recordReply matches a reply to its pending sample.
func (m *Monitor) recordReply(frame *codec.Frame, receivedAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sample, ok := m.samples[frame.PerfTestID]
	if !ok {
		m.logger.Warn().Int64("perf_test_id", frame.PerfTestID).Msg("Reply without matching ping")
		return
	}
	sample.LatencySeconds = receivedAt.Sub(sample.sentAt).Seconds()
	sample.CPULoad = frame.CPULoad
	sample.MemoryUsage = frame.MemoryUsage
	sample.ActiveConnections = frame.ActiveConnections
	sample.MessageVolume = frame.MessageVolume
	sample.MVPeriod = frame.MVPeriod
	sample.MVAdjusted = frame.MVAdjusted
	sample.complete = true
}

// Samples returns the completed samples in ping order.
func (m *Monitor) Samples() []PerfSample {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]PerfSample, 0, len(m.samples))
	for id := int64(1); id < m.nextID; id++ {
		if s, ok := m.samples[id]; ok && s.complete {
			out = append(out, *s)
		}
	}
	return out
}
