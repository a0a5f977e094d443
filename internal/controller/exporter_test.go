package controller

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/OriD-19/trazor_rt/pkg/trace"
)

func TestExporterHandler(t *testing.T) {
	e := NewExporter()
	e.ObserveRecord(trace.TypeFork)
	e.ObserveFork(trace.Fork{PPID: 1, PID: 2, NPIDs: 1})
	e.ObserveSample(Observation{Stream: 42, MetricID: 3, Value: 1.5, Increment: 1.5})
	e.ObserveExit(trace.CostSummary{Alarms: 4, InstTime: 0.25})

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `trazor_rt_timer_seconds{metric="3",stream="42"} 1.5`)
	assert.Contains(t, body, `trazor_rt_records_total{type="fork"} 1`)
	assert.Contains(t, body, "trazor_rt_forks_total 1")
	assert.Contains(t, body, "trazor_rt_exit_alarms 4")
	assert.Contains(t, body, "trazor_rt_exit_instrumentation_seconds 0.25")
}

func TestExporterServe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	e := NewExporter()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Serve(ctx, addr, zap.NewNop()) }()

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, string(body), "trazor_rt_windows_total 0")

	cancel()
	assert.NoError(t, <-done)
}
