package clock

import (
	benclock "github.com/benbjohnson/clock"
)

// WallClock reads wall time. It is not corrected for external adjustment.
type WallClock struct {
	clk benclock.Clock
}

// NewWallClock returns a WallClock over clk, or over the system clock when clk is nil.
func NewWallClock(clk benclock.Clock) *WallClock {
	if clk == nil {
		clk = benclock.New()
	}
	return &WallClock{clk: clk}
}

// Now returns the current wall time in microseconds since the Unix epoch.
func (w *WallClock) Now() Reading {
	return Reading(w.clk.Now().UnixMicro())
}

// Clock returns the underlying clock, used by tickers that must agree with Now.
func (w *WallClock) Clock() benclock.Clock {
	return w.clk
}
