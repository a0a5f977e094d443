// Package process holds the state shared by everything the runtime does inside
// one instrumented process: clocks, the trace transport, run counters and the
// pause handshake.
package process

import (
	"context"
	"os"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/OriD-19/trazor_rt/pkg/clock"
	"github.com/OriD-19/trazor_rt/pkg/trace"
)

// Context is the process-scoped runtime state. Several independent contexts
// may live in one process, which is how the runtime is tested.
type Context struct {
	Clocks    clock.Source
	Transport *trace.Transport
	Log       *zap.Logger
	Fatal     clock.Fatal
	Getpid    func() int

	// StartWall is the wall-time baseline; record wall stamps are relative to it.
	StartWall clock.Reading

	Alarms      atomic.Int64
	Samples     atomic.Int64
	NumReported atomic.Int64
	HandlerCost atomic.Int64
	// ObservedCost is time spent inside instrumentation entry points, in nanoseconds.
	ObservedCost atomic.Int64

	paused atomic.Bool
	resume chan struct{}
}

// Option configures a Context.
type Option func(*Context)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Context) { c.Log = l }
}

// WithFatal sets the invariant violation hook.
func WithFatal(f clock.Fatal) Option {
	return func(c *Context) { c.Fatal = f }
}

// WithGetpid replaces os.Getpid.
func WithGetpid(fn func() int) Option {
	return func(c *Context) { c.Getpid = fn }
}

// New creates a Context over the given clocks and transport.
func New(clocks clock.Source, transport *trace.Transport, opts ...Option) *Context {
	c := &Context{
		Clocks:    clocks,
		Transport: transport,
		Log:       zap.NewNop(),
		Getpid:    os.Getpid,
		resume:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.Fatal == nil {
		c.Fatal = clock.LoggerFatal(c.Log)
	}
	return c
}

// Baseline records the wall-time origin and resets the run counters.
func (c *Context) Baseline() {
	c.StartWall = c.Clocks.WallTime()
	c.Alarms.Store(0)
	c.Samples.Store(0)
	c.NumReported.Store(0)
	c.HandlerCost.Store(0)
	c.ObservedCost.Store(0)
}

// Now reads both clocks, with wall time relative to the baseline.
func (c *Context) Now() (wall, process clock.Reading) {
	process = c.Clocks.ProcessTime()
	wall = c.Clocks.WallTime() - c.StartWall
	return wall, process
}

// Close flushes and closes the trace stream.
func (c *Context) Close() error {
	if c.Transport == nil {
		return nil
	}
	return c.Transport.Close()
}

type samplingKey struct{}

// WithSampling marks ctx as running on the reporting path. Timer calls made
// with such a context are suppressed.
func WithSampling(ctx context.Context) context.Context {
	return context.WithValue(ctx, samplingKey{}, true)
}

// IsSampling reports whether ctx is on the reporting path.
func IsSampling(ctx context.Context) bool {
	v, _ := ctx.Value(samplingKey{}).(bool)
	return v
}
