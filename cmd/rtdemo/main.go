// Command rtdemo is an instrumented program that exercises the runtime: it
// brackets a compute loop with timers, honors pause requests and can spawn a
// traced copy of itself. Run it under rtctl.
package main

import (
	"context"
	"crypto/sha256"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/OriD-19/trazor_rt/internal/logging"
	"github.com/OriD-19/trazor_rt/pkg/config"
	"github.com/OriD-19/trazor_rt/pkg/driver"
	"github.com/OriD-19/trazor_rt/pkg/timer"
)

// Metric ids known to whoever reads the trace.
const (
	loopMetric    timer.ID = 10
	computeMetric timer.ID = 11
	idleMetric    timer.ID = 12
)

type params struct {
	duration time.Duration
	spawn    bool
	idle     time.Duration
}

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var p params
	cmd := &cobra.Command{
		Use:          "rtdemo",
		Short:        "Instrumented demo workload",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &p)
		},
	}
	cmd.Flags().DurationVar(&p.duration, "duration", 2*time.Second, "how long to run the workload")
	cmd.Flags().BoolVar(&p.spawn, "spawn", false, "spawn a traced copy of this program")
	cmd.Flags().DurationVar(&p.idle, "idle", 5*time.Millisecond, "sleep between compute rounds")
	return cmd
}

func run(ctx context.Context, p *params) error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Runtime.LogLevel, zap.Int("pid", os.Getpid()))
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	d, err := driver.FromConfig(cfg.Runtime, log)
	if err != nil {
		return err
	}

	loop, err := d.NewTimer(loopMetric, timer.WallTime)
	if err != nil {
		return err
	}
	compute, err := d.NewTimer(computeMetric, timer.ProcessTime)
	if err != nil {
		return err
	}
	idle, err := d.NewTimer(idleMetric, timer.WallTime)
	if err != nil {
		return err
	}

	if err := d.Initialize(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()

	if p.spawn {
		self, err := os.Executable()
		if err != nil {
			return errors.Wrap(err, "locating executable")
		}
		child := exec.CommandContext(ctx, self, "--duration", p.duration.String())
		child.Stdout, child.Stderr = os.Stdout, os.Stderr
		if err := d.Spawn(ctx, child); err != nil {
			log.Warn("spawning child failed", zap.Error(err))
		} else {
			defer func() {
				if err := child.Wait(); err != nil {
					log.Warn("child failed", zap.Error(err))
				}
			}()
		}
	}

	workload(ctx, d, p, loop, compute, idle)

	summary, err := d.Terminate()
	log.Info("workload done",
		zap.Float64("wall_time", summary.TotalWallTime),
		zap.Float64("cpu_time", summary.TotalCPUTime))
	return err
}

func workload(ctx context.Context, d *driver.Driver, p *params, loop, compute, idle *timer.Timer) {
	deadline := time.Now().Add(p.duration)
	d.StartTimer(ctx, loop)
	defer d.StopTimer(ctx, loop)

	sum := sha256.Sum256([]byte("trazor"))
	for time.Now().Before(deadline) && ctx.Err() == nil {
		if err := d.Checkpoint(ctx); err != nil {
			return
		}

		d.StartTimer(ctx, compute)
		for i := 0; i < 20000; i++ {
			sum = sha256.Sum256(sum[:])
		}
		d.StopTimer(ctx, compute)

		d.StartTimer(ctx, idle)
		select {
		case <-ctx.Done():
		case <-time.After(p.idle):
		}
		d.StopTimer(ctx, idle)
	}
}
