//go:build linux

package driver

import (
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ITimerSource arms ITIMER_REAL and runs the handler on every SIGALRM.
type ITimerSource struct {
	mu   sync.Mutex
	sigs chan os.Signal
	stop chan struct{}
	done chan struct{}
}

// NewITimerSource returns an unarmed ITimerSource.
func NewITimerSource() *ITimerSource {
	return &ITimerSource{}
}

// Start implements InterruptSource.
func (s *ITimerSource) Start(interval time.Duration, handler func()) error {
	if interval <= 0 {
		return errors.Errorf("invalid sampling interval %s", interval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return errors.New("itimer source already started")
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, unix.SIGALRM)

	tv := unix.NsecToTimeval(interval.Nanoseconds())
	if _, err := unix.Setitimer(unix.ItimerReal, unix.Itimerval{Interval: tv, Value: tv}); err != nil {
		signal.Stop(sigs)
		return errors.Wrap(err, "arming ITIMER_REAL")
	}

	stop, done := make(chan struct{}), make(chan struct{})
	s.sigs, s.stop, s.done = sigs, stop, done
	go func() {
		defer close(done)
		for {
			select {
			case <-sigs:
				handler()
			case <-stop:
				return
			}
		}
	}()
	return nil
}

// Stop implements InterruptSource. It disarms the timer and waits for a
// running handler to return.
func (s *ITimerSource) Stop() {
	s.mu.Lock()
	sigs, stop, done := s.sigs, s.stop, s.done
	s.sigs, s.stop, s.done = nil, nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	_, _ = unix.Setitimer(unix.ItimerReal, unix.Itimerval{})
	signal.Stop(sigs)
	close(stop)
	<-done
}
