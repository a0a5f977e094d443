// Package timer implements accumulating duration counters with nested start and
// stop, safe to report from a goroutine that runs concurrently with the one
// starting and stopping the timer.
package timer

import (
	"fmt"
	"runtime"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/OriD-19/trazor_rt/pkg/clock"
)

// NormalizationFactor converts a Reading to the controller's unit (seconds).
const NormalizationFactor = clock.MicrosPerSecond

// Kind selects the clock feed of a Timer.
type Kind int

const (
	// ProcessTime timers accumulate user+system CPU time.
	ProcessTime Kind = iota
	// WallTime timers accumulate elapsed wall time.
	WallTime
)

func (k Kind) String() string {
	switch k {
	case ProcessTime:
		return "process"
	case WallTime:
		return "wall"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// ID correlates a timer with a metric definition known to the controller.
type ID uint32

// Feed returns the clock function of src matching kind.
func Feed(src clock.Source, kind Kind) func() clock.Reading {
	if kind == WallTime {
		return src.WallTime
	}
	return src.ProcessTime
}

// Timer is one named accumulating counter. Start and Stop must be called from
// one goroutine at a time; Report may run concurrently with them.
type Timer struct {
	ID   ID
	Kind Kind

	start        atomic.Int64
	total        atomic.Int64
	counter      atomic.Int32
	snapshot     atomic.Int64
	inTransition atomic.Bool
	lastReported atomic.Int64
	// seq is odd while a 0<->1 transition rewrites start, total or counter.
	seq atomic.Uint64

	now   func() clock.Reading
	fatal clock.Fatal

	// inFlight runs while a stop has published its snapshot but not its total.
	inFlight func()
}

// Option configures a Timer.
type Option func(*Timer)

// WithFatal sets the hook called on clock regression.
func WithFatal(f clock.Fatal) Option {
	return func(t *Timer) { t.fatal = f }
}

// New creates an idle timer reading the feed of src selected by kind.
func New(id ID, kind Kind, src clock.Source, opts ...Option) *Timer {
	t := &Timer{
		ID:    id,
		Kind:  kind,
		now:   Feed(src, kind),
		fatal: clock.LoggerFatal(zap.L()),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start opens an active interval, or nests into the current one.
func (t *Timer) Start(suppressed bool) {
	if suppressed {
		return
	}
	if t.counter.Load() != 0 {
		t.counter.Inc()
		return
	}
	t.seq.Inc()
	t.start.Store(int64(t.now()))
	// counter goes last: a reader seeing it set must also see start
	t.counter.Inc()
	t.seq.Inc()
}

// Stop closes one nesting level. Closing the outermost level folds the
// interval into the total. Stopping an idle timer does nothing.
func (t *Timer) Stop(suppressed bool) {
	if suppressed {
		return
	}
	switch c := t.counter.Load(); {
	case c == 0:
		return
	case c > 1:
		t.counter.Dec()
		return
	}

	t.seq.Inc()
	start := clock.Reading(t.start.Load())
	total := clock.Reading(t.total.Load())

	now := t.now()
	t.snapshot.Store(int64(now - start + total))
	t.inTransition.Store(true)
	if t.inFlight != nil {
		t.inFlight()
	}
	// second read: the settled total is never below the published snapshot
	t.total.Store(int64(t.now() - start + total))
	if now < start {
		t.fatal.Abort(t.Kind.String()+" timer rollback", t.zapFields(now)...)
	}
	t.counter.Store(0)
	t.seq.Inc()
	t.inTransition.Store(false)
}

// Report returns the accumulated value and its normalized form. Values never
// decrease between reports; a decrease is fatal.
func (t *Timer) Report() (clock.Reading, float64) {
	total, now := t.value()
	if last := clock.Reading(t.lastReported.Load()); total < last {
		fields := append(t.zapFields(now), zap.Int64("reported", int64(total)))
		t.fatal.Abort(t.Kind.String()+" time regressed", fields...)
	}
	t.lastReported.Store(int64(total))
	return total, float64(total) / NormalizationFactor
}

// value picks the published snapshot during a stop, the live interval while
// active, and the total otherwise. It retries instead of blocking when a
// transition rewrites the fields it reads.
func (t *Timer) value() (v, now clock.Reading) {
	for {
		if t.inTransition.Load() {
			return clock.Reading(t.snapshot.Load()), 0
		}
		seq := t.seq.Load()
		if seq&1 == 1 {
			runtime.Gosched()
			continue
		}
		active := t.counter.Load() > 0
		start := clock.Reading(t.start.Load())
		total := clock.Reading(t.total.Load())
		v, now = total, 0
		if active {
			now = t.now()
			v = now - start + total
		}
		if t.seq.Load() == seq {
			return v, now
		}
	}
}

// Total returns the value accumulated by completed intervals.
func (t *Timer) Total() clock.Reading {
	return clock.Reading(t.total.Load())
}

// Active reports whether the timer has an open interval.
func (t *Timer) Active() bool {
	return t.counter.Load() > 0
}

// Reset returns the timer to its idle zero state.
func (t *Timer) Reset() {
	t.seq.Inc()
	t.counter.Store(0)
	t.start.Store(0)
	t.total.Store(0)
	t.snapshot.Store(0)
	t.lastReported.Store(0)
	t.seq.Inc()
	t.inTransition.Store(false)
}

// Fields is a copy of a timer's internal state for diagnostics.
type Fields struct {
	ID           ID
	Kind         Kind
	Start        clock.Reading
	Total        clock.Reading
	Counter      int32
	Snapshot     clock.Reading
	InTransition bool
	LastReported clock.Reading
}

// Fields returns the current internal state. Fields are loaded one at a time.
func (t *Timer) Fields() Fields {
	return Fields{
		ID:           t.ID,
		Kind:         t.Kind,
		Start:        clock.Reading(t.start.Load()),
		Total:        clock.Reading(t.total.Load()),
		Counter:      t.counter.Load(),
		Snapshot:     clock.Reading(t.snapshot.Load()),
		InTransition: t.inTransition.Load(),
		LastReported: clock.Reading(t.lastReported.Load()),
	}
}

func (t *Timer) zapFields(now clock.Reading) []zap.Field {
	f := t.Fields()
	return []zap.Field{
		zap.Uint32("id", uint32(f.ID)),
		zap.Stringer("kind", f.Kind),
		zap.Bool("active", f.Counter > 0),
		zap.Int32("counter", f.Counter),
		zap.Bool("in_transition", f.InTransition),
		zap.Int64("now", int64(now)),
		zap.Int64("start", int64(f.Start)),
		zap.Int64("total", int64(f.Total)),
		zap.Int64("snapshot", int64(f.Snapshot)),
		zap.Int64("last", int64(f.LastReported)),
	}
}
