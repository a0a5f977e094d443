// Command rtsink is a websocket server that receives window summaries from
// rtctl and logs them. It is meant for local testing of forwarding.
package main

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/OriD-19/trazor_rt/internal/controller"
	"github.com/OriD-19/trazor_rt/internal/logging"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var addr, level string
	cmd := &cobra.Command{
		Use:          "rtsink",
		Short:        "Log window summaries forwarded by rtctl",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.NewConsole(level)
			if err != nil {
				return err
			}
			mux := http.NewServeMux()
			mux.Handle("/monitoring", newSink(log))
			log.Info("starting websocket sink", zap.String("addr", addr),
				zap.String("url", "ws://"+addr+"/monitoring"))
			srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			return srv.ListenAndServe()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "listen address")
	cmd.Flags().StringVar(&level, "log-level", "info", "log level")
	return cmd
}

type sink struct {
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func newSink(log *zap.Logger) *sink {
	return &sink{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// local testing tool, any origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := s.log.With(zap.Stringer("remote", conn.RemoteAddr()))
	log.Info("websocket connection established")
	defer log.Info("websocket connection closed")

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("read error", zap.Error(err))
			}
			return
		}

		var window controller.Window
		if err := json.Unmarshal(message, &window); err != nil {
			log.Warn("unparseable message", zap.ByteString("raw", message), zap.Error(err))
		} else {
			logWindow(log, &window)
		}

		ack := map[string]string{
			"status":    "received",
			"timestamp": time.Now().Format(time.RFC3339),
		}
		if err := conn.WriteJSON(ack); err != nil {
			log.Warn("write error", zap.Error(err))
			return
		}
	}
}

func logWindow(log *zap.Logger, w *controller.Window) {
	fields := []zap.Field{
		zap.String("agent_id", w.AgentID),
		zap.Time("window_start", time.Unix(0, w.WindowStart)),
		zap.Time("window_end", time.Unix(0, w.WindowEnd)),
		zap.Uint64("samples", w.TotalSamples),
		zap.Uint64("forks", w.Forks),
		zap.Uint64("exits", w.Exits),
	}
	if w.TotalSamples > 0 {
		fields = append(fields,
			zap.Float64("avg_s", w.AvgIncrement),
			zap.Float64("min_s", w.MinIncrement),
			zap.Float64("max_s", w.MaxIncrement),
			zap.Float64("p50_s", w.P50Increment),
			zap.Float64("p95_s", w.P95Increment),
			zap.Float64("p99_s", w.P99Increment))
	}
	fields = append(fields, zap.Any("metrics", w.MetricBreakdown))
	log.Info("window received", fields...)
}
