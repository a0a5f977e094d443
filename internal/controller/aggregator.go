package controller

import (
	"math"
	"sync"
	"time"

	benclock "github.com/benbjohnson/clock"

	"github.com/OriD-19/trazor_rt/pkg/trace"
)

// series is one metric of one traced process.
type series struct {
	stream trace.StreamID
	metric uint32
}

// Aggregator groups sample increments into fixed time windows.
type Aggregator struct {
	mu          sync.RWMutex
	current     map[uint32][]float64
	last        map[series]float64
	latest      map[uint32]float64
	forks       uint64
	exits       uint64
	windowStart int64
	duration    time.Duration
	out         chan<- *Window
	clk         benclock.Clock
	agentID     string
}

// NewAggregator creates an Aggregator whose first window is aligned to
// duration. Completed windows go to out; a full channel drops them.
func NewAggregator(duration time.Duration, out chan<- *Window, clk benclock.Clock, agentID string) *Aggregator {
	if clk == nil {
		clk = benclock.New()
	}
	now := clk.Now().UnixNano()
	return &Aggregator{
		current:     make(map[uint32][]float64),
		last:        make(map[series]float64),
		latest:      make(map[uint32]float64),
		windowStart: now / int64(duration) * int64(duration),
		duration:    duration,
		out:         out,
		clk:         clk,
		agentID:     agentID,
	}
}

// Add records a cumulative timer value reported on stream and returns the
// observation derived from it. Increments are taken per stream, so processes
// sharing one pipe do not disturb each other. The first value of a metric on
// a stream counts in full.
func (a *Aggregator) Add(stream trace.StreamID, id uint32, value float64) Observation {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := series{stream: stream, metric: id}
	inc := value - a.last[key]
	if inc < 0 {
		// a reinitialized process starts its timers over
		inc = value
	}
	a.last[key] = value
	a.latest[id] = value
	a.current[id] = append(a.current[id], inc)
	return Observation{Stream: stream, MetricID: id, Value: value, Increment: inc}
}

// Reset forgets the last values, so the next sample of each metric counts in full.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = make(map[series]float64)
}

// AddFork counts a fork in the current window.
func (a *Aggregator) AddFork() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.forks++
}

// AddExit counts an exit in the current window.
func (a *Aggregator) AddExit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exits++
}

// Rotate closes the current window, sends its summary and returns it. An
// empty window yields nil.
func (a *Aggregator) Rotate() *Window {
	a.mu.Lock()
	defer a.mu.Unlock()

	var w *Window
	if len(a.current) > 0 || a.forks > 0 || a.exits > 0 {
		w = a.summarize()
		select {
		case a.out <- w:
		default:
		}
	}

	a.current = make(map[uint32][]float64)
	a.forks, a.exits = 0, 0
	a.windowStart += int64(a.duration)
	return w
}

func (a *Aggregator) summarize() *Window {
	w := NewWindow(a.clk.Now())
	w.WindowStart = a.windowStart
	w.WindowEnd = a.windowStart + int64(a.duration)
	w.Forks, w.Exits = a.forks, a.exits
	w.AgentID = a.agentID

	var all []float64
	var sum float64
	lo, hi := math.Inf(1), math.Inf(-1)
	for id, incs := range a.current {
		stats := MetricStats{Samples: uint64(len(incs)), Last: a.latest[id]}
		for _, inc := range incs {
			stats.Total += inc
			lo = math.Min(lo, inc)
			hi = math.Max(hi, inc)
		}
		sum += stats.Total
		all = append(all, incs...)
		w.MetricBreakdown[id] = stats
	}

	w.TotalSamples = uint64(len(all))
	if len(all) > 0 {
		w.AvgIncrement = sum / float64(len(all))
		w.MinIncrement, w.MaxIncrement = lo, hi
		ps := Percentiles(all, 50, 95, 99)
		w.P50Increment, w.P95Increment, w.P99Increment = ps[50], ps[95], ps[99]
	}
	return w
}

// WindowStart returns the start of the current window in unix nanoseconds.
func (a *Aggregator) WindowStart() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.windowStart
}

// Count returns the number of samples in the current window.
func (a *Aggregator) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, incs := range a.current {
		n += len(incs)
	}
	return n
}
