package timer

import (
	"math/rand"
	"os"
	"os/exec"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/OriD-19/trazor_rt/pkg/clock"
)

// manualSource returns whatever the test last set. Both feeds share one value.
type manualSource struct {
	now atomic.Int64
}

func (m *manualSource) set(r clock.Reading)     { m.now.Store(int64(r)) }
func (m *manualSource) advance(d clock.Reading) { m.now.Add(int64(d)) }
func (m *manualSource) ProcessTime() clock.Reading {
	return clock.Reading(m.now.Load())
}
func (m *manualSource) WallTime() clock.Reading {
	return clock.Reading(m.now.Load())
}

// scriptedSource replays readings in order and then repeats the last one.
type scriptedSource struct {
	readings []clock.Reading
	i        int
}

func (s *scriptedSource) next() clock.Reading {
	r := s.readings[s.i]
	if s.i < len(s.readings)-1 {
		s.i++
	}
	return r
}
func (s *scriptedSource) ProcessTime() clock.Reading { return s.next() }
func (s *scriptedSource) WallTime() clock.Reading    { return s.next() }

func panicFatal(msg string, _ ...zap.Field) {
	panic(msg)
}

func TestStartStopScenario(t *testing.T) {
	src := &manualSource{}
	tm := New(7, ProcessTime, src, WithFatal(panicFatal))

	src.set(1_000_000)
	tm.Start(false)
	src.set(1_050_000)
	tm.Stop(false)

	total, value := tm.Report()
	assert.Equal(t, clock.Reading(50_000), total)
	assert.Equal(t, 50_000.0/NormalizationFactor, value)

	src.set(2_000_000)
	tm.Start(false)
	src.advance(25_000)
	tm.Stop(false)

	total, value = tm.Report()
	assert.Equal(t, clock.Reading(75_000), total)
	assert.Equal(t, 0.075, value)
}

func TestReportWhileActive(t *testing.T) {
	src := &manualSource{}
	tm := New(1, WallTime, src, WithFatal(panicFatal))

	src.set(100)
	tm.Start(false)
	src.set(160)
	total, _ := tm.Report()
	assert.Equal(t, clock.Reading(60), total)
	assert.True(t, tm.Active())
	assert.Equal(t, clock.Reading(0), tm.Total())
}

func TestNestingNeverDoubleCounts(t *testing.T) {
	nested := &manualSource{}
	a := New(1, ProcessTime, nested, WithFatal(panicFatal))
	single := &manualSource{}
	b := New(2, ProcessTime, single, WithFatal(panicFatal))

	nested.set(10)
	a.Start(false)
	nested.set(20)
	a.Start(false)
	nested.set(30)
	a.Stop(false)
	nested.set(40)
	a.Stop(false)

	single.set(10)
	b.Start(false)
	single.set(40)
	b.Stop(false)

	ta, _ := a.Report()
	tb, _ := b.Report()
	assert.Equal(t, tb, ta)
	assert.Equal(t, clock.Reading(30), ta)
}

func TestBalancedRandomNesting(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		src := &manualSource{}
		tm := New(ID(round), ProcessTime, src, WithFatal(panicFatal))

		var expected, openedAt clock.Reading
		depth := 0
		for step := 0; step < 200 || depth > 0; step++ {
			src.advance(clock.Reading(rng.Intn(1000)))
			if depth == 0 || (step < 200 && rng.Intn(2) == 0) {
				if depth == 0 {
					openedAt = src.ProcessTime()
				}
				tm.Start(false)
				depth++
				continue
			}
			tm.Stop(false)
			depth--
			if depth == 0 {
				expected += src.ProcessTime() - openedAt
			}
		}

		total, _ := tm.Report()
		require.Equal(t, expected, total, "round %d", round)
		require.False(t, tm.Active())
	}
}

func TestStopIdleAndSuppressed(t *testing.T) {
	src := &manualSource{}
	tm := New(3, ProcessTime, src, WithFatal(panicFatal))

	src.set(500)
	tm.Stop(false)
	assert.Equal(t, Fields{ID: 3, Kind: ProcessTime}, tm.Fields())

	tm.Start(true)
	assert.False(t, tm.Active())

	tm.Start(false)
	src.set(900)
	tm.Stop(true)
	assert.True(t, tm.Active())
	tm.Stop(false)
	assert.Equal(t, clock.Reading(400), tm.Total())
}

func TestReportDuringInFlightStopReturnsSnapshot(t *testing.T) {
	src := &scriptedSource{readings: []clock.Reading{1_000_000, 1_050_000, 1_050_010}}
	tm := New(9, ProcessTime, src, WithFatal(panicFatal))

	tm.Start(false)

	var during clock.Reading
	var fields Fields
	tm.inFlight = func() {
		fields = tm.Fields()
		during, _ = tm.Report()
	}
	tm.Stop(false)

	assert.True(t, fields.InTransition)
	assert.Equal(t, clock.Reading(50_000), fields.Snapshot)
	assert.Equal(t, clock.Reading(0), fields.Total)
	assert.Equal(t, clock.Reading(50_000), during)

	after, _ := tm.Report()
	assert.Equal(t, clock.Reading(50_010), after)
	assert.False(t, tm.Fields().InTransition)
}

func TestReportRegressionIsFatal(t *testing.T) {
	src := &manualSource{}
	tm := New(4, WallTime, src, WithFatal(panicFatal))

	src.set(1000)
	tm.Start(false)
	src.set(1500)
	total, _ := tm.Report()
	require.Equal(t, clock.Reading(500), total)

	// wall clock stepped backwards
	src.set(1200)
	assert.PanicsWithValue(t, "wall time regressed", func() { tm.Report() })
}

func TestStopRegressionIsFatal(t *testing.T) {
	src := &manualSource{}
	tm := New(5, ProcessTime, src, WithFatal(panicFatal))

	src.set(1000)
	tm.Start(false)
	src.set(900)
	assert.PanicsWithValue(t, "process timer rollback", func() { tm.Stop(false) })
}

func TestReset(t *testing.T) {
	src := &manualSource{}
	tm := New(6, ProcessTime, src, WithFatal(panicFatal))
	src.set(10)
	tm.Start(false)
	src.set(20)
	tm.Report()
	tm.Reset()

	assert.Equal(t, Fields{ID: 6, Kind: ProcessTime}, tm.Fields())
	// a fresh baseline may be lower than what was reported before the reset
	src.set(5)
	total, _ := tm.Report()
	assert.Equal(t, clock.Reading(0), total)
}

func TestConcurrentReportNeverRegresses(t *testing.T) {
	var region clock.WordRegion
	src := clock.Clocks{Process: clock.NewProcessClock(clock.WithRegion(&region), clock.WithFatal(panicFatal))}

	var failed atomic.String
	fatal := func(msg string, _ ...zap.Field) {
		failed.Store(msg)
		panic(msg)
	}
	tm := New(8, ProcessTime, src, WithFatal(fatal))

	var now atomic.Int64
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { recover() }()
		for {
			select {
			case <-done:
				return
			default:
				tm.Report()
			}
		}
	}()

	for i := 0; i < 20000; i++ {
		region.SetReading(clock.Reading(now.Add(3)))
		tm.Start(false)
		region.SetReading(clock.Reading(now.Add(5)))
		if i%3 == 0 {
			tm.Start(false)
			tm.Stop(false)
		}
		tm.Stop(false)
	}
	close(done)
	wg.Wait()

	assert.Empty(t, failed.Load())
	total, _ := tm.Report()
	assert.Equal(t, clock.Reading(20000*5), total)
}

func TestDefaultFatalExits(t *testing.T) {
	if os.Getenv("TIMER_FATAL_CHILD") == "1" {
		src := &manualSource{}
		tm := New(1, WallTime, src)
		src.set(100)
		tm.Start(false)
		src.set(50)
		tm.Stop(false)
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestDefaultFatalExits$")
	cmd.Env = append(os.Environ(), "TIMER_FATAL_CHILD=1")
	err := cmd.Run()

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.False(t, exitErr.Success())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "process", ProcessTime.String())
	assert.Equal(t, "wall", WallTime.String())
	assert.Equal(t, "Kind(5)", Kind(5).String())
}
