package hub

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/suspiciousleaf/chat-app/internal/codec"
)

// minSamplePeriod floors the rate divisor so rapid back-to-back pings cannot
// blow the instantaneous rate up.
const minSamplePeriod = 250 * time.Millisecond

// emaAlpha is the smoothing factor 2/(W+1) with window W=3.
const emaAlpha = 2.0 / (3 + 1)

// systemSample holds one reading of host load.
type systemSample struct {
	cpuLoad     []float64
	memoryUsage float64
}

// Telemetry maintains the message-rate counters reported to the monitor
// client: a delivery count for the current window, the window's start time
// and an exponentially-weighted moving average of deliveries per second.
// Counters run only while a monitor is connected.
type Telemetry struct {
	logger zerolog.Logger

	mu      sync.Mutex
	active  bool
	volume  int64
	windowT time.Time
	ema     float64

	now    func() time.Time
	sample func() (systemSample, error)
}

// NewTelemetry creates an inactive sidecar; Reset arms it.
func NewTelemetry(logger zerolog.Logger) *Telemetry {
	return &Telemetry{
		logger: logger,
		now:    time.Now,
		sample: sampleSystem,
	}
}

// sampleSystem reads per-core CPU load and total memory usage.
func sampleSystem() (systemSample, error) {
	perCore, err := cpu.Percent(0, true)
	if err != nil {
		return systemSample{}, err
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return systemSample{}, err
	}
	return systemSample{cpuLoad: perCore, memoryUsage: vm.UsedPercent}, nil
}

// Reset arms the counters for a fresh monitoring session.
func (t *Telemetry) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = true
	t.volume = 0
	t.windowT = t.now()
	t.ema = 0
}

// Clear disarms the counters. Called when the monitor disconnects.
func (t *Telemetry) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
	t.volume = 0
	t.ema = 0
}

// CountDelivery records one successful per-subscriber send. No-op while no
// monitor is connected.
func (t *Telemetry) CountDelivery() {
	t.mu.Lock()
	if t.active {
		t.volume++
	}
	t.mu.Unlock()
}

// BuildReply samples host load, folds the current window into the EMA and
// returns the reply frame for one monitor ping. The window counter and timer
// are reset as a side effect.
func (t *Telemetry) BuildReply(perfTestID, activeConnections int64) *codec.Frame {
	sys, err := t.sample()
	if err != nil {
		t.logger.Warn().Err(err).Msg("System sampling failed")
	}

	t.mu.Lock()
	now := t.now()
	period := now.Sub(t.windowT)
	if period < minSamplePeriod {
		period = minSamplePeriod
	}
	periodSecs := period.Seconds()

	volume := t.volume
	instantRate := float64(volume) / periodSecs
	t.ema = emaAlpha*instantRate + (1-emaAlpha)*t.ema
	adjusted := int64(math.Round(t.ema))

	t.volume = 0
	t.windowT = now
	t.mu.Unlock()

	return &codec.Frame{
		Event:             codec.EventPerfTest,
		PerfTestID:        perfTestID,
		CPULoad:           sys.cpuLoad,
		MemoryUsage:       sys.memoryUsage,
		ActiveConnections: activeConnections,
		MessageVolume:     volume,
		MVPeriod:          periodSecs,
		MVAdjusted:        adjusted,
	}
}
