package clock

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultMaxRegressionRetries bounds how many times a reading smaller than the
// previous one is retried before the clock is declared broken.
const DefaultMaxRegressionRetries = 10000

// ProcessClock returns accumulated user+system time of the process. Readings
// never decrease across calls, from any goroutine.
type ProcessClock struct {
	region     Region
	previous   atomic.Int64
	maxRetries int
	fatal      Fatal
	getrusage  func(*unix.Rusage) error
}

// ProcessOption configures a ProcessClock.
type ProcessOption func(*ProcessClock)

// WithRegion enables the fast path over a kernel-updated accounting region.
func WithRegion(r Region) ProcessOption {
	return func(c *ProcessClock) { c.region = r }
}

// WithFatal sets the hook called when the clock is unusable.
func WithFatal(f Fatal) ProcessOption {
	return func(c *ProcessClock) { c.fatal = f }
}

// WithMaxRegressionRetries overrides DefaultMaxRegressionRetries.
func WithMaxRegressionRetries(n int) ProcessOption {
	return func(c *ProcessClock) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithRusage replaces the accounting call used by the fallback path.
func WithRusage(fn func(*unix.Rusage) error) ProcessOption {
	return func(c *ProcessClock) { c.getrusage = fn }
}

// NewProcessClock creates a ProcessClock. Without a region every reading uses getrusage.
func NewProcessClock(opts ...ProcessOption) *ProcessClock {
	c := &ProcessClock{
		maxRetries: DefaultMaxRegressionRetries,
		fatal:      LoggerFatal(zap.L()),
		getrusage: func(ru *unix.Rusage) error {
			return unix.Getrusage(unix.RUSAGE_SELF, ru)
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FastPath reports whether readings come from an accounting region.
func (c *ProcessClock) FastPath() bool {
	return c.region != nil
}

// Now returns the process time. A reading below the previous one is retried;
// after maxRetries consecutive regressions the clock is declared broken.
func (c *ProcessClock) Now() Reading {
	regressions := 0
	for {
		now := c.read()
		prev := Reading(c.previous.Load())
		if now < prev {
			regressions++
			if regressions > c.maxRetries {
				c.fatal.Abort("process clock keeps regressing",
					zap.Int64("now", int64(now)),
					zap.Int64("previous", int64(prev)),
					zap.Int("retries", regressions),
					zap.Bool("fast_path", c.FastPath()))
			}
			continue
		}
		if c.previous.CompareAndSwap(int64(prev), int64(now)) {
			return now
		}
	}
}

// UserTime returns the current reading without the monotonic guard.
func (c *ProcessClock) UserTime() Reading {
	return c.read()
}

func (c *ProcessClock) read() Reading {
	if c.region != nil {
		return ReadRegion(c.region)
	}
	return c.readRusage()
}

func (c *ProcessClock) readRusage() Reading {
	var ru unix.Rusage
	if err := c.getrusage(&ru); err != nil {
		c.fatal.Abort("getrusage failed, process clock unusable", zap.Error(err))
	}
	now := Reading(int64(ru.Utime.Sec)+int64(ru.Stime.Sec)) * MicrosPerSecond
	return now + Reading(int64(ru.Utime.Usec)+int64(ru.Stime.Usec))
}

// ReadRegion combines the four region words into one Reading. Both seconds
// words are read again after the sum; if either moved the whole read is redone.
func ReadRegion(r Region) Reading {
	for {
		userSec := r.UserSec()
		sysSec := r.SysSec()
		now := (Reading(userSec) + Reading(sysSec)) * MicrosPerSecond
		now += Reading(r.UserUsec()) + Reading(r.SysUsec())
		if r.UserSec() == userSec && r.SysSec() == sysSec {
			return now
		}
	}
}
