package command

import (
	"io"
	"os"
	"os/exec"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/OriD-19/trazor_rt/internal/controller"
	"github.com/OriD-19/trazor_rt/pkg/driver"
)

type runParams struct {
	capture      string
	interval     time.Duration
	stopAtInit   bool
	window       time.Duration
	websocketURL string
	metricsAddr  string
	agentID      string
}

func runCommand(global *GlobalParams) *cobra.Command {
	var params runParams
	cmd := &cobra.Command{
		Use:   "run [flags] -- program [args...]",
		Short: "Run a program on a trace pipe and summarize its trace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTarget(cmd, global, &params, args)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&params.capture, "capture", "", "also write the raw trace stream to this file")
	flags.DurationVar(&params.interval, "interval", 0, "sampling interval of the target")
	flags.BoolVar(&params.stopAtInit, "stop-at-init", false, "stop the target at initialization and continue it once it is stopped")
	flags.DurationVar(&params.window, "window", 0, "aggregation window")
	flags.StringVar(&params.websocketURL, "websocket-url", "", "forward window summaries to this websocket server")
	flags.StringVar(&params.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	flags.StringVar(&params.agentID, "agent-id", "", "agent id attached to window summaries")
	return cmd
}

func runTarget(cmd *cobra.Command, global *GlobalParams, params *runParams, args []string) (err error) {
	cfg, log, err := global.load()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if params.interval > 0 {
		cfg.Runtime.SampleInterval = params.interval
	}
	if params.stopAtInit {
		cfg.Runtime.StopAtInit = true
	}
	if params.window > 0 {
		cfg.Controller.Window = params.window
	}
	if params.websocketURL != "" {
		cfg.Controller.WebsocketURL = params.websocketURL
	}
	if params.metricsAddr != "" {
		cfg.Controller.MetricsAddr = params.metricsAddr
	}
	if params.agentID != "" {
		cfg.Controller.AgentID = params.agentID
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, unix.SIGTERM)
	defer stop()

	target, stream, err := controller.Launch(ctx, cfg.Runtime, args[0], args[1:]...)
	if err != nil {
		return err
	}
	defer stream.Close()
	log.Info("launched target", zap.Int("pid", target.Process.Pid), zap.Strings("args", args))

	if cfg.Runtime.StopAtInit {
		if err := driver.WaitStopped(ctx, target.Process.Pid); err != nil {
			return err
		}
		log.Info("target stopped at initialization, continuing", zap.Int("pid", target.Process.Pid))
		if err := controller.Continue(target.Process.Pid); err != nil {
			return err
		}
	}

	var r io.Reader = stream
	var captured *countingWriter
	if params.capture != "" {
		f, err := os.Create(params.capture)
		if err != nil {
			return errors.Wrap(err, "creating capture file")
		}
		defer func() { err = multierr.Append(err, f.Close()) }()
		captured = &countingWriter{w: f}
		r = io.TeeReader(stream, captured)
	}

	session := controller.NewSession(cfg.Controller, controller.WithLogger(log))
	summary, runErr := session.Run(ctx, readCloser{r, stream})
	waitErr := target.Wait()

	writeSummary(cmd.OutOrStdout(), summary)
	if captured != nil {
		writeCapture(cmd.OutOrStdout(), params.capture, captured.n)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			runErr = multierr.Append(runErr, waitErr)
		} else {
			log.Warn("target exited with failure", zap.Int("code", exitErr.ExitCode()))
		}
	}
	return runErr
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// readCloser pairs a wrapped reader with the closer of the stream under it.
type readCloser struct {
	io.Reader
	io.Closer
}
