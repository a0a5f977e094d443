package driver

import (
	"os"
	"os/signal"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Controller signals.
const (
	PauseSignal  = unix.SIGUSR2
	ResumeSignal = unix.SIGUSR1
)

// forwardSignals routes the controller's pause and resume signals to the
// driver from a dedicated goroutine. The returned func stops forwarding.
func (d *Driver) forwardSignals() func() {
	sigs := make(chan os.Signal, 4)
	signal.Notify(sigs, PauseSignal, ResumeSignal)

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case sig := <-sigs:
				d.ctx.Log.Debug("controller signal", zap.Stringer("signal", sig))
				d.handleSignal(sig)
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
		<-exited
	}
}

func (d *Driver) handleSignal(sig os.Signal) {
	switch sig {
	case PauseSignal:
		d.RequestPause()
	case ResumeSignal:
		d.Resume()
	}
}
