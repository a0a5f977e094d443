// Package driver runs the sampling and lifecycle loop of an instrumented
// process: periodic reporting of every active timer, the pause handshake with
// the controller, fork bookkeeping and the end of run cost summary.
package driver

import (
	"context"
	"fmt"
	"io"
	"time"

	benclock "github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/OriD-19/trazor_rt/pkg/process"
	"github.com/OriD-19/trazor_rt/pkg/timer"
	"github.com/OriD-19/trazor_rt/pkg/trace"
)

// State is the lifecycle state of a Driver.
type State int32

const (
	Uninitialized State = iota
	Running
	Paused
	Terminating
	Exited
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Terminating:
		return "terminating"
	case Exited:
		return "exited"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Built-in timer ids.
const (
	ElapsedWallID    timer.ID = 0
	ElapsedProcessID timer.ID = 1
)

var (
	ErrNotRunning         = errors.New("driver is not running")
	ErrAlreadyInitialized = errors.New("driver already initialized")
	ErrReservedID         = errors.New("timer id is reserved")
)

// DefaultInterval is the sampling interval used when none is configured.
const DefaultInterval = 200 * time.Millisecond

// DefaultSpawnHold bounds how long Spawn waits for a child to stop at initialization.
const DefaultSpawnHold = 5 * time.Second

// Driver owns the timers of one process context.
type Driver struct {
	ctx        *process.Context
	interrupts InterruptSource
	interval   time.Duration

	timers      timer.Set
	elapsedWall *timer.Timer
	elapsedCPU  *timer.Timer

	sid            atomic.Uint64
	state          atomic.Int32
	inHandler      atomic.Bool
	pauseRequested atomic.Bool
	stopSignals    func()

	statsFile    string
	stopAtInit   bool
	pauseSignals bool
	controllerFD int
	spawnHold    time.Duration
	cpuMHz       func() (float64, error)
	mono         benclock.Clock
	onSample     func(context.Context, trace.Sample)
	closers      []io.Closer
}

// Option configures a Driver.
type Option func(*Driver)

// WithInterruptSource sets the source of sampling interrupts.
func WithInterruptSource(s InterruptSource) Option {
	return func(d *Driver) { d.interrupts = s }
}

// WithInterval sets the sampling interval.
func WithInterval(interval time.Duration) Option {
	return func(d *Driver) { d.interval = interval }
}

// WithStatsFile sets the path of the text cost report. Empty disables it.
func WithStatsFile(path string) Option {
	return func(d *Driver) { d.statsFile = path }
}

// WithStopAtInit stops the process with SIGSTOP at the end of Initialize.
func WithStopAtInit(stop bool) Option {
	return func(d *Driver) { d.stopAtInit = stop }
}

// WithPauseSignals forwards SIGUSR2 (pause) and SIGUSR1 (resume) to the driver.
func WithPauseSignals(enabled bool) Option {
	return func(d *Driver) { d.pauseSignals = enabled }
}

// WithControllerFD sets the descriptor number of the trace stream handed to spawned children.
func WithControllerFD(fd int) Option {
	return func(d *Driver) { d.controllerFD = fd }
}

// WithSpawnHold sets how long Spawn waits for a child to stop at initialization.
func WithSpawnHold(d time.Duration) Option {
	return func(dr *Driver) { dr.spawnHold = d }
}

// WithCPUMHz replaces the CPU frequency lookup.
func WithCPUMHz(fn func() (float64, error)) Option {
	return func(d *Driver) { d.cpuMHz = fn }
}

// WithMonotonic sets the clock measuring instrumentation and handler cost.
func WithMonotonic(clk benclock.Clock) Option {
	return func(d *Driver) { d.mono = clk }
}

// WithSampleHook registers fn to run after each sample is emitted. It runs on
// the reporting path, so timer calls made with its context are suppressed.
func WithSampleHook(fn func(context.Context, trace.Sample)) Option {
	return func(d *Driver) { d.onSample = fn }
}

// New creates an uninitialized Driver over pctx.
func New(pctx *process.Context, opts ...Option) *Driver {
	d := &Driver{
		ctx:          pctx,
		interval:     DefaultInterval,
		controllerFD: 3,
		spawnHold:    DefaultSpawnHold,
		cpuMHz:       CPUMHz,
		mono:         benclock.New(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.interrupts == nil {
		d.interrupts = NewTickerSource(nil)
	}
	return d
}

// Context returns the process context the driver runs on.
func (d *Driver) Context() *process.Context {
	return d.ctx
}

// State returns the current lifecycle state.
func (d *Driver) State() State {
	return State(d.state.Load())
}

// Initialize sets the clock baseline, starts the built-in timers and the
// sampling interrupts, and returns to the caller.
func (d *Driver) Initialize() error {
	return d.initialize(d.stopAtInit)
}

func (d *Driver) initialize(breakpoint bool) error {
	if !d.state.CompareAndSwap(int32(Uninitialized), int32(Running)) {
		return ErrAlreadyInitialized
	}
	d.ctx.Baseline()
	d.sid.Store(uint64(d.ctx.Getpid()))

	d.elapsedWall = timer.New(ElapsedWallID, timer.WallTime, d.ctx.Clocks, timer.WithFatal(d.ctx.Fatal))
	d.elapsedCPU = timer.New(ElapsedProcessID, timer.ProcessTime, d.ctx.Clocks, timer.WithFatal(d.ctx.Fatal))
	d.elapsedWall.Start(false)
	d.elapsedCPU.Start(false)

	if d.pauseSignals {
		d.stopSignals = d.forwardSignals()
	}
	if err := d.interrupts.Start(d.interval, func() { d.HandleInterrupt(context.Background()) }); err != nil {
		d.state.Store(int32(Uninitialized))
		if d.stopSignals != nil {
			d.stopSignals()
			d.stopSignals = nil
		}
		return errors.Wrap(err, "starting sampling interrupts")
	}

	d.ctx.Log.Info("runtime initialized",
		zap.Int("pid", d.ctx.Getpid()),
		zap.Duration("interval", d.interval),
		zap.Bool("pause_signals", d.pauseSignals))

	if breakpoint {
		return d.BreakPoint()
	}
	return nil
}

// NewTimer creates a timer and adds it to the sampled set.
func (d *Driver) NewTimer(id timer.ID, kind timer.Kind) (*timer.Timer, error) {
	if id == ElapsedWallID || id == ElapsedProcessID {
		return nil, errors.Wrapf(ErrReservedID, "id %d", id)
	}
	t := timer.New(id, kind, d.ctx.Clocks, timer.WithFatal(d.ctx.Fatal))
	d.timers.Add(t)
	return t, nil
}

// RemoveTimer stops sampling t.
func (d *Driver) RemoveTimer(t *timer.Timer) bool {
	return d.timers.Remove(t)
}

// Timers returns the sampled timers.
func (d *Driver) Timers() []*timer.Timer {
	return d.timers.Snapshot()
}

// StartTimer starts t unless ctx is on the reporting path.
func (d *Driver) StartTimer(ctx context.Context, t *timer.Timer) {
	begin := d.mono.Now()
	t.Start(process.IsSampling(ctx))
	d.ctx.ObservedCost.Add(int64(d.mono.Since(begin)))
}

// StopTimer stops t unless ctx is on the reporting path.
func (d *Driver) StopTimer(ctx context.Context, t *timer.Timer) {
	begin := d.mono.Now()
	t.Stop(process.IsSampling(ctx))
	d.ctx.ObservedCost.Add(int64(d.mono.Since(begin)))
}

// HandleInterrupt reports every sampled timer. An interrupt that arrives
// while a previous one is still being handled is counted and dropped.
func (d *Driver) HandleInterrupt(ctx context.Context) {
	d.ctx.Alarms.Inc()
	if s := d.State(); s != Running && s != Paused {
		return
	}
	if !d.inHandler.CompareAndSwap(false, true) {
		return
	}
	defer d.inHandler.Store(false)

	begin := d.mono.Now()
	ctx = process.WithSampling(ctx)
	for _, t := range d.timers.Snapshot() {
		d.report(ctx, t)
	}
	// one write per interrupt keeps the controller's view current
	_ = d.ctx.Transport.TryFlush()
	d.ctx.NumReported.Inc()
	d.ctx.HandlerCost.Add(d.mono.Since(begin).Microseconds())
}

// stream is the trace stream of this process. Processes sharing one pipe
// are told apart by their pid.
func (d *Driver) stream() trace.StreamID {
	return trace.StreamID(d.sid.Load())
}

func (d *Driver) report(ctx context.Context, t *timer.Timer) {
	wall, proc := d.ctx.Now()
	_, value := t.Report()
	sample := trace.Sample{ID: uint32(t.ID), Value: value}
	d.ctx.Samples.Inc()

	// drops are silent; the transport logs a dead stream once
	_ = d.ctx.Transport.Emit(d.stream(), trace.TypeSample, trace.Marshal(sample), false, wall, proc)
	if d.onSample != nil {
		d.onSample(ctx, sample)
	}
}

// RequestPause asks the application to pause at its next Checkpoint.
func (d *Driver) RequestPause() {
	d.pauseRequested.Store(true)
}

// Checkpoint pauses if a pause was requested.
func (d *Driver) Checkpoint(ctx context.Context) error {
	if !d.pauseRequested.CompareAndSwap(true, false) {
		return nil
	}
	return d.Pause(ctx)
}

// Pause blocks until Resume is called or ctx is done. Sampling continues
// while paused.
func (d *Driver) Pause(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(Running), int32(Paused)) {
		return ErrNotRunning
	}
	defer d.state.CompareAndSwap(int32(Paused), int32(Running))

	d.ctx.Log.Debug("process paused", zap.Int("pid", d.ctx.Getpid()))
	err := d.ctx.Pause(ctx)
	d.ctx.Log.Debug("process resumed", zap.Int("pid", d.ctx.Getpid()), zap.Error(err))
	return err
}

// Resume releases a paused process and cancels a pending pause request.
func (d *Driver) Resume() {
	d.pauseRequested.Store(false)
	d.ctx.Resume()
}

// BreakPoint stops the process with SIGSTOP until the controller continues it.
func (d *Driver) BreakPoint() error {
	if err := unix.Kill(d.ctx.Getpid(), unix.SIGSTOP); err != nil {
		return errors.Wrap(err, "stopping at breakpoint")
	}
	return nil
}

// Terminate stops sampling and the built-in timers, writes the cost report
// and emits the Exit record. The Exit record is the last one sent.
func (d *Driver) Terminate() (trace.CostSummary, error) {
	if !d.state.CompareAndSwap(int32(Running), int32(Terminating)) &&
		!d.state.CompareAndSwap(int32(Paused), int32(Terminating)) {
		return trace.CostSummary{}, ErrNotRunning
	}
	d.halt()
	d.ctx.Resume()

	wall, proc := d.ctx.Now()
	d.elapsedCPU.Stop(false)
	d.elapsedWall.Stop(false)

	summary := d.costSummary()

	var err error
	if d.statsFile != "" {
		err = multierr.Append(err, d.writeStats(d.statsFile, summary))
	}
	err = multierr.Append(err,
		d.ctx.Transport.EmitWait(d.stream(), trace.TypeExit, trace.Marshal(summary), true, wall, proc))
	d.state.Store(int32(Exited))
	err = multierr.Append(err, d.ctx.Close())
	for _, c := range d.closers {
		err = multierr.Append(err, c.Close())
	}

	d.ctx.Log.Info("runtime terminated",
		zap.Int32("alarms", summary.Alarms),
		zap.Int32("samples", summary.SamplesReported),
		zap.Float64("wall_time", summary.TotalWallTime),
		zap.Float64("cpu_time", summary.TotalCPUTime),
		zap.Error(err))
	return summary, err
}

// halt stops interrupt delivery and signal forwarding and waits for a
// running handler to finish.
func (d *Driver) halt() {
	d.interrupts.Stop()
	if d.stopSignals != nil {
		d.stopSignals()
		d.stopSignals = nil
	}
}

func (d *Driver) costSummary() trace.CostSummary {
	observed := time.Duration(d.ctx.ObservedCost.Load())

	var cycles int64
	mhz, err := d.cpuMHz()
	if err != nil {
		d.ctx.Log.Warn("cpu frequency unavailable, instrumentation cycles not reported", zap.Error(err))
	} else {
		cycles = InstCycles(observed, mhz)
	}

	return trace.CostSummary{
		Alarms:          int32(d.ctx.Alarms.Load()),
		NumReported:     int32(d.ctx.NumReported.Load()),
		InstCycles:      cycles,
		InstTime:        observed.Seconds(),
		HandlerCost:     float64(d.ctx.HandlerCost.Load()) / float64(timer.NormalizationFactor),
		TotalCPUTime:    d.elapsedCPU.Total().Seconds(),
		TotalWallTime:   d.elapsedWall.Total().Seconds(),
		SamplesReported: int32(d.ctx.Samples.Load()),
		SamplingRate:    float32(d.interval.Seconds()),
	}
}
