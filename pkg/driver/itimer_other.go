//go:build !linux

package driver

import (
	"time"

	"github.com/pkg/errors"
)

// ITimerSource is only available on linux.
type ITimerSource struct{}

// NewITimerSource returns a source whose Start always fails.
func NewITimerSource() *ITimerSource {
	return &ITimerSource{}
}

// Start implements InterruptSource.
func (s *ITimerSource) Start(time.Duration, func()) error {
	return errors.New("itimer interrupt source requires linux")
}

// Stop implements InterruptSource.
func (s *ITimerSource) Stop() {}
