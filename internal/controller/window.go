package controller

import (
	"time"

	"github.com/OriD-19/trazor_rt/pkg/trace"
)

// Window summarizes the samples received during one aggregation window.
// Values are seconds of timer time accrued between consecutive samples of
// the same metric.
type Window struct {
	WindowStart     int64                  `json:"window_start"`
	WindowEnd       int64                  `json:"window_end"`
	TotalSamples    uint64                 `json:"total_samples"`
	AvgIncrement    float64                `json:"avg_increment_s"`
	MinIncrement    float64                `json:"min_increment_s"`
	MaxIncrement    float64                `json:"max_increment_s"`
	P50Increment    float64                `json:"p50_increment_s"`
	P95Increment    float64                `json:"p95_increment_s"`
	P99Increment    float64                `json:"p99_increment_s"`
	MetricBreakdown map[uint32]MetricStats `json:"metric_breakdown"`
	Forks           uint64                 `json:"forks"`
	Exits           uint64                 `json:"exits"`
	AgentID         string                 `json:"agent_id"`
	Timestamp       time.Time              `json:"timestamp"`
}

// MetricStats is the per metric part of a Window.
type MetricStats struct {
	Samples uint64  `json:"samples"`
	Total   float64 `json:"total_s"`
	Last    float64 `json:"last_s"`
}

// NewWindow returns an empty Window stamped with now.
func NewWindow(now time.Time) *Window {
	return &Window{
		MetricBreakdown: make(map[uint32]MetricStats),
		Timestamp:       now.UTC(),
	}
}

// Observation is one decoded sample as seen by the aggregator.
type Observation struct {
	Stream    trace.StreamID
	MetricID  uint32
	Value     float64
	Increment float64
}
