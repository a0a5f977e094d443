package driver

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/OriD-19/trazor_rt/pkg/clock"
	"github.com/OriD-19/trazor_rt/pkg/config"
	"github.com/OriD-19/trazor_rt/pkg/process"
	"github.com/OriD-19/trazor_rt/pkg/trace"
)

// FromConfig assembles the clocks, the trace transport, the process context
// and the driver described by cfg. The driver is not initialized.
func FromConfig(cfg config.Runtime, log *zap.Logger) (*Driver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fatal := clock.LoggerFatal(log)

	clockOpts := []clock.ProcessOption{
		clock.WithFatal(fatal),
		clock.WithMaxRegressionRetries(cfg.MaxRegressionRetries),
	}
	var region *clock.MappedRegion
	if cfg.AccountingRegion != "" {
		r, err := clock.OpenMappedRegion(cfg.AccountingRegion)
		if err != nil {
			return nil, errors.Wrap(err, "mapping accounting region")
		}
		region = r
		clockOpts = append(clockOpts, clock.WithRegion(r))
	}
	clocks := clock.Clocks{
		Process: clock.NewProcessClock(clockOpts...),
		Wall:    clock.NewWallClock(nil),
	}

	transport := trace.NewTransport(trace.FDOpener(cfg.ControllerFD), trace.WithLogger(log))
	pctx := process.New(clocks, transport, process.WithLogger(log), process.WithFatal(fatal))

	var interrupts InterruptSource
	switch cfg.InterruptSource {
	case config.SourceITimer:
		interrupts = NewITimerSource()
	default:
		interrupts = NewTickerSource(nil)
	}

	d := New(pctx,
		WithInterruptSource(interrupts),
		WithInterval(cfg.SampleInterval),
		WithStatsFile(cfg.StatsFile),
		WithStopAtInit(cfg.StopAtInit),
		WithPauseSignals(cfg.PauseSignals),
		WithControllerFD(cfg.ControllerFD),
	)
	if region != nil {
		d.closers = append(d.closers, region)
	}
	return d, nil
}
