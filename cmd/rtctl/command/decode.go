package command

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/OriD-19/trazor_rt/internal/controller"
	"github.com/OriD-19/trazor_rt/pkg/trace"
)

type decodeParams struct {
	summary bool
}

func decodeCommand(global *GlobalParams) *cobra.Command {
	var params decodeParams
	cmd := &cobra.Command{
		Use:   "decode <capture>",
		Short: "Print the records of a captured trace stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decodeCapture(cmd, global, &params, args[0])
		},
	}
	cmd.Flags().BoolVar(&params.summary, "summary", false, "aggregate the capture instead of listing records")
	return cmd
}

func decodeCapture(cmd *cobra.Command, global *GlobalParams, params *decodeParams, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "opening capture")
	}
	defer f.Close()

	if params.summary {
		cfg, log, err := global.load()
		if err != nil {
			return err
		}
		cfg.Controller.WebsocketURL, cfg.Controller.MetricsAddr = "", ""
		summary, err := controller.NewSession(cfg.Controller, controller.WithLogger(log)).Run(cmd.Context(), f)
		writeSummary(cmd.OutOrStdout(), summary)
		return err
	}
	return listRecords(cmd.OutOrStdout(), f)
}

func listRecords(w io.Writer, r io.Reader) error {
	table := newTable(w, "#", "stream", "type", "wall", "process", "payload")
	defer table.Render()

	dec := trace.NewDecoder(r)
	for i := 0; ; i++ {
		rec, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "record %d", i)
		}
		table.Append([]string{
			strconv.Itoa(i),
			strconv.FormatUint(uint64(rec.Stream), 10),
			rec.Type.String(),
			rec.Wall.String(),
			rec.Process.String(),
			describePayload(rec),
		})
	}
}

func describePayload(rec *trace.Record) string {
	switch rec.Type {
	case trace.TypeSample:
		if s, err := rec.Sample(); err == nil {
			return fmt.Sprintf("metric %d = %s", s.ID, seconds(s.Value))
		}
	case trace.TypeFork:
		if f, err := rec.Fork(); err == nil {
			return fmt.Sprintf("ppid %d pid %d npids %d stride %d", f.PPID, f.PID, f.NPIDs, f.Stride)
		}
	case trace.TypeExit:
		if c, err := rec.CostSummary(); err == nil {
			return fmt.Sprintf("alarms %d samples %d wall %s cpu %s", c.Alarms, c.SamplesReported,
				seconds(c.TotalWallTime), seconds(c.TotalCPUTime))
		}
	}
	return fmt.Sprintf("%d bytes", rec.Length)
}
