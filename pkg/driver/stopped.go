package driver

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// ErrExited is returned by WaitStopped when the process is gone before it stops.
var ErrExited = errors.New("process exited before reaching its breakpoint")

// WaitStopped polls procfs until pid is in the stopped state.
func WaitStopped(ctx context.Context, pid int) error {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return errors.Wrap(err, "opening procfs")
	}
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		proc, err := fs.Proc(pid)
		if err != nil {
			return errors.Wrapf(ErrExited, "process %d: %v", pid, err)
		}
		stat, err := proc.Stat()
		if err != nil {
			return errors.Wrapf(ErrExited, "process %d: %v", pid, err)
		}
		switch stat.State {
		case "T", "t":
			return nil
		case "Z", "X":
			return errors.Wrapf(ErrExited, "process %d", pid)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func canWatchStops() bool {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return false
	}
	_, err = fs.Self()
	return err == nil
}
