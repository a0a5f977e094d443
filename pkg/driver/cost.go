package driver

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/OriD-19/trazor_rt/pkg/trace"
)

// CPUMHz returns the clock rate of the first CPU listed in /proc/cpuinfo.
func CPUMHz() (float64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, errors.Wrap(err, "opening procfs")
	}
	infos, err := fs.CPUInfo()
	if err != nil {
		return 0, errors.Wrap(err, "reading cpuinfo")
	}
	if len(infos) == 0 || infos[0].CPUMHz <= 0 {
		return 0, errors.New("cpuinfo reports no cpu frequency")
	}
	return infos[0].CPUMHz, nil
}

// InstCycles converts time spent in instrumentation to CPU cycles at mhz.
func InstCycles(d time.Duration, mhz float64) int64 {
	return int64(float64(d.Nanoseconds()) * mhz / 1000)
}

func systemTime() time.Duration {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return time.Duration(ru.Stime.Nano())
}

// writeStats writes the human readable cost report.
func (d *Driver) writeStats(path string, s trace.CostSummary) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating stats report")
	}
	defer func() { err = multierr.Append(err, f.Close()) }()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "pid %d\n", d.ctx.Getpid())
	fmt.Fprintf(w, "alarms %s\n", humanize.Comma(int64(s.Alarms)))
	fmt.Fprintf(w, "handler runs %s\n", humanize.Comma(int64(s.NumReported)))
	fmt.Fprintf(w, "raw cycle count %s\n", humanize.Comma(s.InstCycles))
	fmt.Fprintf(w, "total instrumentation cost %s\n", seconds(s.InstTime))
	fmt.Fprintf(w, "total handler cost %s\n", seconds(s.HandlerCost))
	fmt.Fprintf(w, "total cpu time of program %s\n", seconds(s.TotalCPUTime))
	fmt.Fprintf(w, "total system time of program %s\n", systemTime())
	fmt.Fprintf(w, "elapsed wall time of program %s\n", seconds(s.TotalWallTime))
	fmt.Fprintf(w, "total data samples %s\n", humanize.Comma(int64(s.SamplesReported)))
	fmt.Fprintf(w, "sampling rate %s\n", seconds(float64(s.SamplingRate)))
	fmt.Fprintf(w, "application program ticks %d\n", s.UserTicks)
	fmt.Fprintf(w, "instrumentation ticks %d\n", s.InstTicks)
	fmt.Fprintf(w, "trace records emitted %s, dropped %s\n",
		humanize.Comma(int64(d.ctx.Transport.Emitted())),
		humanize.Comma(int64(d.ctx.Transport.Dropped())))
	return errors.Wrap(w.Flush(), "writing stats report")
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
