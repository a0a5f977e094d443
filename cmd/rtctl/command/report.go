package command

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/OriD-19/trazor_rt/internal/controller"
	"github.com/OriD-19/trazor_rt/pkg/trace"
)

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}

func seconds(s float64) string {
	return time.Duration(s * float64(time.Second)).String()
}

func writeSummary(w io.Writer, s controller.Summary) {
	fmt.Fprintf(w, "%s records, %s samples, %d forks, %d exits, %d windows\n",
		humanize.Comma(int64(s.Records)), humanize.Comma(int64(s.Samples)),
		len(s.Forks), len(s.Exits), len(s.Windows))
	if s.Unknown > 0 {
		fmt.Fprintf(w, "%s records of unknown type skipped\n", humanize.Comma(int64(s.Unknown)))
	}
	if s.Sent > 0 || s.Unsent > 0 {
		fmt.Fprintf(w, "%d windows forwarded, %d dropped\n", s.Sent, s.Unsent)
	}

	if len(s.Last) > 0 {
		ids := make([]uint32, 0, len(s.Last))
		for id := range s.Last {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		table := newTable(w, "metric", "last value")
		for _, id := range ids {
			table.Append([]string{strconv.FormatUint(uint64(id), 10), seconds(s.Last[id])})
		}
		table.Render()
	}

	if len(s.Exits) > 0 {
		table := newTable(w, "exit", "alarms", "handler runs", "samples", "wall", "cpu", "instrumentation", "handler", "rate")
		for i, c := range s.Exits {
			table.Append(costRow(strconv.Itoa(i), c))
		}
		table.Render()
	}
}

func costRow(label string, c trace.CostSummary) []string {
	return []string{
		label,
		humanize.Comma(int64(c.Alarms)),
		humanize.Comma(int64(c.NumReported)),
		humanize.Comma(int64(c.SamplesReported)),
		seconds(c.TotalWallTime),
		seconds(c.TotalCPUTime),
		seconds(c.InstTime),
		seconds(c.HandlerCost),
		seconds(float64(c.SamplingRate)),
	}
}

func writeCapture(w io.Writer, path string, n int64) {
	fmt.Fprintf(w, "captured %s to %s\n", humanize.Bytes(uint64(n)), path)
}
