package bench

import (
	"encoding/json"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
)

// Result holds the outcome of one benchmark run.
type Result struct {
	Transfers       int            `json:"transfers"`
	Errors          int            `json:"errors"`
	Bytes           int64          `json:"bytes"`
	Duration        time.Duration  `json:"duration"`
	TransfersPerSec float64        `json:"transfers_per_sec"`
	ThroughputBPS   float64        `json:"throughput_bps"`
	Latency         Percentiles    `json:"latency"`
	Results         map[string]int `json:"results"`
}

// Percentiles holds completion latency percentiles.
type Percentiles struct {
	Avg time.Duration `json:"avg"`
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
	P50 time.Duration `json:"p50"`
	P90 time.Duration `json:"p90"`
	P99 time.Duration `json:"p99"`
}

// Output is the JSON document printed by the fetch CLI.
type Output struct {
	Timestamp    string        `json:"timestamp"`
	Architecture string        `json:"architecture"`
	Config       OutputConfig  `json:"config"`
	Result       *Result       `json:"result"`
	Summary      OutputSummary `json:"summary"`
}

// OutputConfig echoes the benchmark configuration.
type OutputConfig struct {
	URL         string `json:"url"`
	Transfers   int    `json:"transfers"`
	Concurrency int    `json:"concurrency"`
	DownLimit   int    `json:"down_limit,omitempty"`
}

// OutputSummary is the human-readable form of the headline numbers.
type OutputSummary struct {
	Transferred string `json:"transferred"`
	Throughput  string `json:"throughput"`
	P50         string `json:"p50"`
	P99         string `json:"p99"`
}

// NewOutput wraps r for printing.
func NewOutput(cfg Config, r *Result) *Output {
	return &Output{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		Architecture: runtime.GOARCH,
		Config: OutputConfig{
			URL:         cfg.URL,
			Transfers:   cfg.Transfers,
			Concurrency: cfg.Concurrency,
			DownLimit:   cfg.DownLimit,
		},
		Result: r,
		Summary: OutputSummary{
			Transferred: humanize.IBytes(uint64(max(r.Bytes, 0))),
			Throughput:  humanize.IBytes(uint64(max(r.ThroughputBPS, 0))) + "/s",
			P50:         r.Latency.P50.String(),
			P99:         r.Latency.P99.String(),
		},
	}
}

// ToJSON serializes the output to JSON.
func (o *Output) ToJSON() ([]byte, error) {
	return json.MarshalIndent(o, "", "  ")
}
