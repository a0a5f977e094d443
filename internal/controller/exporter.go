package controller

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/OriD-19/trazor_rt/pkg/trace"
)

const namespace = "trazor_rt"

// Exporter publishes what the controller decodes as prometheus metrics.
type Exporter struct {
	registry *prometheus.Registry

	timerSeconds   *prometheus.GaugeVec
	samples        *prometheus.CounterVec
	records        *prometheus.CounterVec
	forks          prometheus.Counter
	exitAlarms     prometheus.Gauge
	exitSamples    prometheus.Gauge
	exitInstTime   prometheus.Gauge
	exitHandler    prometheus.Gauge
	exitCPUTime    prometheus.Gauge
	exitWallTime   prometheus.Gauge
	windowsEmitted prometheus.Counter
}

// NewExporter creates an Exporter with its own registry.
func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		timerSeconds: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timer_seconds",
			Help:      "Last reported value of each metric timer, per traced process.",
		}, []string{"metric", "stream"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Sample records received per metric timer.",
		}, []string{"metric"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Trace records received by type.",
		}, []string{"type"}),
		forks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "forks_total",
			Help:      "Fork records received.",
		}),
		exitAlarms:     exitGauge("alarms", "Sampling interrupts observed by the last exited process."),
		exitSamples:    exitGauge("samples", "Samples reported by the last exited process."),
		exitInstTime:   exitGauge("instrumentation_seconds", "Time spent in instrumentation by the last exited process."),
		exitHandler:    exitGauge("handler_seconds", "Time spent in the sampling handler by the last exited process."),
		exitCPUTime:    exitGauge("cpu_seconds", "Process time of the last exited process."),
		exitWallTime:   exitGauge("wall_seconds", "Wall time of the last exited process."),
		windowsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_total",
			Help:      "Aggregation windows completed.",
		}),
	}
	e.registry.MustRegister(
		e.timerSeconds, e.samples, e.records, e.forks,
		e.exitAlarms, e.exitSamples, e.exitInstTime, e.exitHandler, e.exitCPUTime, e.exitWallTime,
		e.windowsEmitted,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return e
}

func exitGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "exit",
		Name:      name,
		Help:      help,
	})
}

// Registry exposes the registry, mostly for tests.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// ObserveRecord counts one decoded record.
func (e *Exporter) ObserveRecord(typ trace.Type) {
	e.records.WithLabelValues(typ.String()).Inc()
}

// ObserveSample publishes one sample.
func (e *Exporter) ObserveSample(o Observation) {
	metric := strconv.FormatUint(uint64(o.MetricID), 10)
	e.timerSeconds.WithLabelValues(metric, strconv.FormatUint(uint64(o.Stream), 10)).Set(o.Value)
	e.samples.WithLabelValues(metric).Inc()
}

// ObserveFork counts a fork.
func (e *Exporter) ObserveFork(trace.Fork) {
	e.forks.Inc()
}

// ObserveExit publishes an exit cost summary.
func (e *Exporter) ObserveExit(s trace.CostSummary) {
	e.exitAlarms.Set(float64(s.Alarms))
	e.exitSamples.Set(float64(s.SamplesReported))
	e.exitInstTime.Set(s.InstTime)
	e.exitHandler.Set(s.HandlerCost)
	e.exitCPUTime.Set(s.TotalCPUTime)
	e.exitWallTime.Set(s.TotalWallTime)
}

// ObserveWindow counts a completed window.
func (e *Exporter) ObserveWindow(*Window) {
	e.windowsEmitted.Inc()
}

// Handler serves the registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Serve listens on addr until ctx is done.
func (e *Exporter) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		log.Info("serving metrics", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "metrics server")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
