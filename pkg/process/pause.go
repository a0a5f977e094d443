package process

import (
	"context"
)

// Pause blocks until Resume is called or ctx is done. A Resume that arrived
// before Pause is discarded.
func (c *Context) Pause(ctx context.Context) error {
	select {
	case <-c.resume:
	default:
	}
	c.paused.Store(true)
	defer c.paused.Store(false)

	select {
	case <-c.resume:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume releases a paused process. It never blocks and may be called from
// any goroutine.
func (c *Context) Resume() {
	if !c.paused.Load() {
		return
	}
	select {
	case c.resume <- struct{}{}:
	default:
	}
}

// Paused reports whether a Pause is in progress.
func (c *Context) Paused() bool {
	return c.paused.Load()
}
