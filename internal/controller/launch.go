package controller

import (
	"context"
	"io"
	"os"
	"os/exec"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/OriD-19/trazor_rt/pkg/config"
	"github.com/OriD-19/trazor_rt/pkg/driver"
)

// Launch starts name with the write end of a fresh pipe on the configured
// controller descriptor and the runtime settings in its environment. The
// caller reads the trace stream from the returned reader and waits on cmd.
func Launch(ctx context.Context, rt config.Runtime, name string, args ...string) (*exec.Cmd, io.ReadCloser, error) {
	if rt.ControllerFD < 3 {
		return nil, nil, errors.Errorf("controller fd %d collides with stdio", rt.ControllerFD)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating trace pipe")
	}
	// our copy of the write end must go away so the reader sees EOF when
	// the last traced process exits
	defer w.Close()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr
	files := make([]*os.File, rt.ControllerFD-2)
	files[len(files)-1] = w
	cmd.ExtraFiles = files
	cmd.Env = append(os.Environ(), rt.Environ()...)

	if err := cmd.Start(); err != nil {
		r.Close()
		return nil, nil, errors.Wrapf(err, "starting %s", name)
	}
	return cmd, r, nil
}

// Pause asks the traced process pid to pause at its next checkpoint.
func Pause(pid int) error {
	return errors.Wrapf(unix.Kill(pid, driver.PauseSignal), "signalling pause to %d", pid)
}

// Resume releases a paused traced process.
func Resume(pid int) error {
	return errors.Wrapf(unix.Kill(pid, driver.ResumeSignal), "signalling resume to %d", pid)
}

// Continue resumes a process stopped at its start up breakpoint.
func Continue(pid int) error {
	return errors.Wrapf(unix.Kill(pid, unix.SIGCONT), "continuing %d", pid)
}
