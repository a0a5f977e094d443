// Package controller consumes the trace stream of instrumented processes:
// it decodes records, aggregates samples into windows, exports prometheus
// metrics and forwards window summaries to a monitoring server.
package controller

import (
	"context"
	"io"
	"sync"

	benclock "github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/OriD-19/trazor_rt/pkg/config"
	"github.com/OriD-19/trazor_rt/pkg/trace"
)

// Summary is what a session saw over the whole stream.
type Summary struct {
	Records uint64
	Samples uint64
	Unknown uint64
	Forks   []trace.Fork
	Exits   []trace.CostSummary
	Last    map[uint32]float64
	Windows []*Window
	Sent    uint64
	Unsent  uint64
}

// Live returns the number of traced processes that have not exited.
func (s Summary) Live() int {
	return 1 + len(s.Forks) - len(s.Exits)
}

// Session reads one trace stream to its end.
type Session struct {
	cfg       config.Controller
	log       *zap.Logger
	clk       benclock.Clock
	exporter  *Exporter
	forwarder *Forwarder

	windows chan *Window
	agg     *Aggregator

	mu      sync.Mutex
	summary Summary
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *zap.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// WithClock sets the clock driving window rotation.
func WithClock(clk benclock.Clock) SessionOption {
	return func(s *Session) { s.clk = clk }
}

// WithExporter replaces the prometheus exporter.
func WithExporter(e *Exporter) SessionOption {
	return func(s *Session) { s.exporter = e }
}

// WithForwarder replaces the websocket forwarder built from the configuration.
func WithForwarder(f *Forwarder) SessionOption {
	return func(s *Session) { s.forwarder = f }
}

// NewSession creates a session for cfg.
func NewSession(cfg config.Controller, opts ...SessionOption) *Session {
	s := &Session{
		cfg:     cfg,
		log:     zap.NewNop(),
		windows: make(chan *Window, 16),
		summary: Summary{Last: make(map[uint32]float64)},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clk == nil {
		s.clk = benclock.New()
	}
	if s.exporter == nil {
		s.exporter = NewExporter()
	}
	if s.forwarder == nil && cfg.WebsocketURL != "" {
		s.forwarder = NewForwarder(cfg.WebsocketURL, cfg.AgentID, WithForwarderLogger(s.log))
	}
	s.agg = NewAggregator(cfg.Window, s.windows, s.clk, cfg.AgentID)
	return s
}

// Exporter returns the session's prometheus exporter.
func (s *Session) Exporter() *Exporter {
	return s.exporter
}

// Handle applies one decoded record.
func (s *Session) Handle(rec *trace.Record) error {
	s.exporter.ObserveRecord(rec.Type)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary.Records++

	switch rec.Type {
	case trace.TypeSample:
		sample, err := rec.Sample()
		if err != nil {
			return err
		}
		s.summary.Samples++
		s.summary.Last[sample.ID] = sample.Value
		s.exporter.ObserveSample(s.agg.Add(rec.Stream, sample.ID, sample.Value))
	case trace.TypeFork:
		fork, err := rec.Fork()
		if err != nil {
			return err
		}
		s.summary.Forks = append(s.summary.Forks, fork)
		s.agg.AddFork()
		s.exporter.ObserveFork(fork)
		s.log.Info("traced process forked",
			zap.Int32("ppid", fork.PPID), zap.Int32("pid", fork.PID), zap.Int32("npids", fork.NPIDs))
	case trace.TypeExit:
		cost, err := rec.CostSummary()
		if err != nil {
			return err
		}
		s.summary.Exits = append(s.summary.Exits, cost)
		s.agg.AddExit()
		s.exporter.ObserveExit(cost)
		s.log.Info("traced process exited",
			zap.Int32("alarms", cost.Alarms),
			zap.Int32("samples", cost.SamplesReported),
			zap.Float64("wall_time", cost.TotalWallTime),
			zap.Float64("cpu_time", cost.TotalCPUTime))
	default:
		s.summary.Unknown++
		s.log.Warn("skipping unknown trace record", zap.Stringer("type", rec.Type), zap.Int16("length", rec.Length))
	}
	return nil
}

// Run decodes r until it ends or ctx is done, and returns what it saw. r is
// closed when ctx is done if it is an io.Closer.
func (s *Session) Run(ctx context.Context, r io.Reader) (Summary, error) {
	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	streamDone := make(chan struct{})

	g.Go(func() error {
		defer close(streamDone)
		dec := trace.NewDecoder(r)
		for {
			rec, err := dec.Next()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				if runCtx.Err() != nil {
					return nil
				}
				return errors.Wrap(err, "decoding trace stream")
			}
			if err := s.Handle(rec); err != nil {
				return errors.Wrap(err, "decoding trace record")
			}
		}
	})

	if c, ok := r.(io.Closer); ok {
		g.Go(func() error {
			<-runCtx.Done()
			_ = c.Close()
			return nil
		})
	}

	g.Go(func() error {
		defer close(s.windows)
		ticker := s.clk.Ticker(s.cfg.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.agg.Rotate()
			case <-streamDone:
				s.agg.Rotate()
				return nil
			case <-runCtx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		defer cancel()
		for w := range s.windows {
			s.exporter.ObserveWindow(w)
			if s.forwarder != nil {
				s.forwarder.Send(w)
			}
			s.mu.Lock()
			s.summary.Windows = append(s.summary.Windows, w)
			s.mu.Unlock()
		}
		return nil
	})

	if s.forwarder != nil {
		g.Go(func() error { return s.forwarder.Run(runCtx) })
	}
	if s.cfg.MetricsAddr != "" {
		g.Go(func() error { return s.exporter.Serve(runCtx, s.cfg.MetricsAddr, s.log) })
	}

	err := g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forwarder != nil {
		s.summary.Sent, s.summary.Unsent = s.forwarder.Sent(), s.forwarder.Dropped()
	}
	return s.summary, err
}
