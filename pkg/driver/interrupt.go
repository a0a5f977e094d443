package driver

import (
	"sync"
	"time"

	benclock "github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// InterruptSource delivers the periodic sampling interrupt. The handler is
// always called from a single goroutine, one call at a time.
type InterruptSource interface {
	Start(interval time.Duration, handler func()) error
	Stop()
}

// TickerSource drives the handler from a clock ticker.
type TickerSource struct {
	clk benclock.Clock

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewTickerSource returns a TickerSource over clk, or the system clock when clk is nil.
func NewTickerSource(clk benclock.Clock) *TickerSource {
	if clk == nil {
		clk = benclock.New()
	}
	return &TickerSource{clk: clk}
}

// Start implements InterruptSource.
func (s *TickerSource) Start(interval time.Duration, handler func()) error {
	if interval <= 0 {
		return errors.Errorf("invalid sampling interval %s", interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return errors.New("ticker source already started")
	}

	stop, done := make(chan struct{}), make(chan struct{})
	s.stop, s.done = stop, done
	ticker := s.clk.Ticker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				handler()
			case <-stop:
				return
			}
		}
	}()
	return nil
}

// Stop implements InterruptSource. It waits for a running handler to return.
func (s *TickerSource) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}
