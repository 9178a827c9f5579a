package loadgen

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// cpuNoiseFloor filters out samples taken while the server sat idle: a peak
// per-core load below this percentage means the ramp had not reached it yet.
const cpuNoiseFloor = 3.0

// RunConfig captures the parameters of one load run for the summary artifact.
type RunConfig struct {
	NumUsers            int     `json:"accounts"`
	NumActions          int     `json:"actions"`
	NumTestChannels     int     `json:"test_channels"`
	ConnectionDelay     float64 `json:"delay_between_connections"`
	DelayBeforeActions  float64 `json:"delay_before_actions"`
	DelayBetweenActions float64 `json:"delay_between_actions"`
}

// Report is the processed result of one run.
type Report struct {
	RunID       string       `json:"run_id"`
	CompletedAt time.Time    `json:"completed_at"`
	Config      RunConfig    `json:"config"`
	TotalPings  int          `json:"total_pings"`
	UsedSamples int          `json:"used_samples"`
	P90Millis   float64      `json:"p90_ms"`
	P95Millis   float64      `json:"p95_ms"`
	P99Millis   float64      `json:"p99_ms"`
	Samples     []PerfSample `json:"-"`
}

// BuildReport filters the sample set and computes latency percentiles.
// Samples with no active connections or with peak CPU under the noise floor
// are measurement artifacts from the edges of the run and are excluded.
func BuildReport(samples []PerfSample, cfg RunConfig) Report {
	used := make([]PerfSample, 0, len(samples))
	for _, s := range samples {
		if s.ActiveConnections == 0 || peakCPU(s.CPULoad) < cpuNoiseFloor {
			continue
		}
		used = append(used, s)
	}

	latencies := make([]float64, len(used))
	for i, s := range used {
		latencies[i] = s.LatencySeconds * 1000
	}

	return Report{
		RunID:       uuid.NewString(),
		CompletedAt: time.Now().UTC(),
		Config:      cfg,
		TotalPings:  len(samples),
		UsedSamples: len(used),
		P90Millis:   percentile(latencies, 90),
		P95Millis:   percentile(latencies, 95),
		P99Millis:   percentile(latencies, 99),
		Samples:     used,
	}
}

func peakCPU(loads []float64) float64 {
	peak := 0.0
	for _, v := range loads {
		if v > peak {
			peak = v
		}
	}
	return peak
}

// percentile computes the p-th percentile with linear interpolation between
// the closest ranks. Returns 0 for an empty series.
func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// Write persists the raw samples and the summary as two JSON artifacts under
// dir, named by timestamp and run ID.
func (r Report) Write(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	stamp := r.CompletedAt.Format("2006-01-02_15-04-05")

	raw, err := json.MarshalIndent(r.Samples, "", "  ")
	if err != nil {
		return fmt.Errorf("encode raw samples: %w", err)
	}
	rawPath := filepath.Join(dir, fmt.Sprintf("%s_%s_samples.json", stamp, r.RunID))
	if err := os.WriteFile(rawPath, raw, 0o644); err != nil {
		return fmt.Errorf("write raw samples: %w", err)
	}

	summary, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	summaryPath := filepath.Join(dir, fmt.Sprintf("%s_%s_summary.json", stamp, r.RunID))
	if err := os.WriteFile(summaryPath, summary, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
