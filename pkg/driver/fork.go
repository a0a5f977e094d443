package driver

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/OriD-19/trazor_rt/pkg/config"
	"github.com/OriD-19/trazor_rt/pkg/trace"
)

// Fork records a fork. In the parent (pid > 0) it emits one Fork record and
// flushes it. In the child (pid == 0) it drops the inherited state and
// initializes again from scratch.
func (d *Driver) Fork(ctx context.Context, pid int) error {
	if pid < 0 {
		return errors.Errorf("invalid child pid %d", pid)
	}
	if pid > 0 {
		rec := trace.Fork{
			PPID:  int32(d.ctx.Getpid()),
			PID:   int32(pid),
			NPIDs: 1,
		}
		wall, proc := d.ctx.Now()
		d.ctx.Log.Info("fork", zap.Int32("ppid", rec.PPID), zap.Int32("pid", rec.PID))
		return d.ctx.Transport.EmitWait(trace.StreamID(rec.PPID), trace.TypeFork, trace.Marshal(rec), true, wall, proc)
	}
	return d.reinitialize(ctx)
}

func (d *Driver) reinitialize(ctx context.Context) error {
	d.halt()
	d.ctx.Resume()

	// the inherited stream and timers belong to the parent
	d.ctx.Transport = d.ctx.Transport.Fresh()
	for _, t := range d.timers.Snapshot() {
		t.Reset()
	}
	d.pauseRequested.Store(false)
	d.state.Store(int32(Uninitialized))

	// no breakpoint here, the parent's controller already knows the process
	if err := d.initialize(false); err != nil {
		return err
	}
	if d.pauseSignals {
		// wait for the controller to pick up the new process
		return d.Pause(ctx)
	}
	return nil
}

// Spawn starts cmd with the trace stream on the same descriptor number and
// records the fork. The child is asked to stop at initialization and is only
// continued once the Fork record is out, so the controller sees the Fork
// before any record of the child. A child that does not stop within the
// spawn hold time is assumed not to be instrumented. Without procfs, or with
// a zero hold, the child runs straight through.
func (d *Driver) Spawn(ctx context.Context, cmd *exec.Cmd) error {
	if d.controllerFD < 3 {
		return errors.Errorf("controller fd %d cannot be passed to a child", d.controllerFD)
	}
	if err := d.ctx.Transport.Flush(); err != nil && !errors.Is(err, trace.ErrStreamDead) {
		return errors.Wrap(err, "flushing trace stream before spawn")
	}

	fd, err := unix.Dup(d.controllerFD)
	if err != nil {
		return errors.Wrapf(err, "duplicating controller fd %d", d.controllerFD)
	}
	f := os.NewFile(uintptr(fd), "controller")
	defer f.Close()

	// ExtraFiles[i] becomes descriptor 3+i in the child
	files := make([]*os.File, d.controllerFD-2)
	files[len(files)-1] = f
	cmd.ExtraFiles = files
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	hold := d.spawnHold > 0 && canWatchStops()
	// later entries win, overriding whatever the parent was started with
	cmd.Env = append(cmd.Env,
		envVar(config.KeyControllerFD, strconv.Itoa(d.controllerFD)),
		envVar(config.KeyStopAtInit, strconv.FormatBool(hold)))

	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting %s", cmd.Path)
	}
	pid := cmd.Process.Pid

	var stopped bool
	if hold {
		holdCtx, cancel := context.WithTimeout(ctx, d.spawnHold)
		err := WaitStopped(holdCtx, pid)
		cancel()
		stopped = err == nil
		if err != nil && !errors.Is(err, ErrExited) {
			d.ctx.Log.Debug("spawned child did not stop at initialization", zap.Int("pid", pid), zap.Error(err))
		}
	}

	ferr := d.Fork(ctx, pid)
	if stopped {
		if err := unix.Kill(pid, unix.SIGCONT); err != nil && !errors.Is(err, unix.ESRCH) {
			ferr = multierr.Append(ferr, errors.Wrapf(err, "continuing child %d", pid))
		}
	}
	return ferr
}

func envVar(key, value string) string {
	return config.EnvPrefix + "_" + strings.ToUpper(key) + "=" + value
}
