// Package clock reads process (CPU) time and wall time in microseconds for the
// timer runtime. All torn-read handling for the kernel-updated accounting region
// lives here so that timers only ever see whole readings.
package clock

import (
	"fmt"

	"go.uber.org/zap"
)

// MicrosPerSecond converts seconds to Reading units.
const MicrosPerSecond = 1_000_000

// Reading is a signed count of microseconds.
type Reading int64

// Seconds returns r as floating point seconds.
func (r Reading) Seconds() float64 {
	return float64(r) / MicrosPerSecond
}

func (r Reading) String() string {
	return fmt.Sprintf("%dus", int64(r))
}

// Source provides both clock feeds used by the runtime.
type Source interface {
	ProcessTime() Reading
	WallTime() Reading
}

// Clocks pairs a process clock with a wall clock.
type Clocks struct {
	Process *ProcessClock
	Wall    *WallClock
}

// ProcessTime implements Source.
func (c Clocks) ProcessTime() Reading {
	return c.Process.Now()
}

// WallTime implements Source.
func (c Clocks) WallTime() Reading {
	return c.Wall.Now()
}

// Fatal is called when a clock invariant is broken. Implementations terminate
// the process; a Fatal that returns is treated as a panic by the caller.
type Fatal func(msg string, fields ...zap.Field)

// LoggerFatal returns a Fatal that logs the diagnostic through l and exits.
func LoggerFatal(l *zap.Logger) Fatal {
	return func(msg string, fields ...zap.Field) {
		l.Fatal(msg, fields...)
	}
}

// Abort runs f and never returns.
func (f Fatal) Abort(msg string, fields ...zap.Field) {
	if f != nil {
		f(msg, fields...)
	}
	panic(msg)
}
