package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	benclock "github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OriD-19/trazor_rt/pkg/clock"
	"github.com/OriD-19/trazor_rt/pkg/config"
	"github.com/OriD-19/trazor_rt/pkg/trace"
)

func appendRecord[P trace.Payload](t *testing.T, dst []byte, p P, wall clock.Reading) []byte {
	t.Helper()
	out, err := trace.AppendRecord(dst, 0, trace.TypeOf(p), trace.Marshal(p), wall, wall/2)
	require.NoError(t, err)
	return out
}

func testStream(t *testing.T) []byte {
	var buf []byte
	buf = appendRecord(t, buf, trace.Sample{ID: 7, Value: 0.5}, 100)
	buf = appendRecord(t, buf, trace.Sample{ID: 7, Value: 1.25}, 200)
	buf = appendRecord(t, buf, trace.Fork{PPID: 100, PID: 4242, NPIDs: 1}, 250)
	buf = appendRecord(t, buf, trace.Sample{ID: 8, Value: 3}, 300)
	buf = appendRecord(t, buf, trace.CostSummary{Alarms: 3, SamplesReported: 3, TotalWallTime: 0.3}, 400)
	return buf
}

func controllerConfig() config.Controller {
	return config.Controller{Window: 10 * time.Second, AgentID: "agent-1"}
}

func TestSessionRun(t *testing.T) {
	s := NewSession(controllerConfig(), WithClock(benclock.NewMock()))
	summary, err := s.Run(context.Background(), bytes.NewReader(testStream(t)))
	require.NoError(t, err)

	assert.Equal(t, uint64(5), summary.Records)
	assert.Equal(t, uint64(3), summary.Samples)
	assert.Equal(t, []trace.Fork{{PPID: 100, PID: 4242, NPIDs: 1}}, summary.Forks)
	require.Len(t, summary.Exits, 1)
	assert.Equal(t, int32(3), summary.Exits[0].Alarms)
	assert.Equal(t, map[uint32]float64{7: 1.25, 8: 3}, summary.Last)
	assert.Equal(t, 1, summary.Live())

	require.Len(t, summary.Windows, 1)
	w := summary.Windows[0]
	assert.Equal(t, uint64(3), w.TotalSamples)
	assert.Equal(t, uint64(1), w.Forks)
	assert.Equal(t, uint64(1), w.Exits)
	assert.Equal(t, "agent-1", w.AgentID)
	assert.Equal(t, MetricStats{Samples: 2, Total: 1.25, Last: 1.25}, w.MetricBreakdown[7])

	e := s.Exporter()
	assert.Equal(t, 1.25, testutil.ToFloat64(e.timerSeconds.WithLabelValues("7", "0")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.samples.WithLabelValues("7")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.forks))
	assert.Equal(t, 3.0, testutil.ToFloat64(e.exitAlarms))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.windowsEmitted))
	assert.Equal(t, 3.0, testutil.ToFloat64(e.records.WithLabelValues("sample")))
}

func TestSessionTruncatedStream(t *testing.T) {
	stream := testStream(t)
	s := NewSession(controllerConfig(), WithClock(benclock.NewMock()))
	summary, err := s.Run(context.Background(), bytes.NewReader(stream[:len(stream)-3]))
	require.Error(t, err)
	assert.Equal(t, uint64(4), summary.Records)
}

func TestSessionUnknownRecord(t *testing.T) {
	buf, err := trace.AppendRecord(nil, 0, trace.Type(42), make([]byte, 8), 1, 1)
	require.NoError(t, err)

	s := NewSession(controllerConfig(), WithClock(benclock.NewMock()))
	summary, err := s.Run(context.Background(), bytes.NewReader(buf))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), summary.Unknown)
	assert.Empty(t, summary.Windows)
}

func TestSessionRotatesOnTicker(t *testing.T) {
	mock := benclock.NewMock()
	pr, pw := io.Pipe()
	s := NewSession(controllerConfig(), WithClock(mock))

	done := make(chan Summary, 1)
	go func() {
		summary, err := s.Run(context.Background(), pr)
		assert.NoError(t, err)
		done <- summary
	}()

	first := appendRecord(t, nil, trace.Sample{ID: 1, Value: 1}, 1)
	_, err := pw.Write(first)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.agg.Count() == 1 }, time.Second, time.Millisecond)

	// the rotating goroutine may not have its ticker yet
	require.Eventually(t, func() bool {
		mock.Add(10 * time.Second)
		return s.agg.Count() == 0
	}, time.Second, 5*time.Millisecond)

	second := appendRecord(t, nil, trace.Sample{ID: 1, Value: 3}, 2)
	_, err = pw.Write(second)
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	select {
	case summary := <-done:
		require.Len(t, summary.Windows, 2)
		assert.Equal(t, 1.0, summary.Windows[0].MetricBreakdown[1].Total)
		assert.Equal(t, 2.0, summary.Windows[1].MetricBreakdown[1].Total)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
}

func TestSessionCancel(t *testing.T) {
	pr, _ := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSession(controllerConfig(), WithClock(benclock.NewMock()))

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(ctx, pr)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session ignored cancellation")
	}
}

func TestSessionForwardsWindows(t *testing.T) {
	received := make(chan Window, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var win Window
			if json.Unmarshal(msg, &win) == nil {
				received <- win
			}
		}
	}))
	defer srv.Close()

	cfg := controllerConfig()
	cfg.WebsocketURL = "ws" + strings.TrimPrefix(srv.URL, "http")
	fwd := NewForwarder(cfg.WebsocketURL, cfg.AgentID)
	s := NewSession(cfg, WithClock(benclock.NewMock()), WithForwarder(fwd))

	pr, pw := io.Pipe()
	done := make(chan Summary, 1)
	go func() {
		summary, err := s.Run(context.Background(), pr)
		assert.NoError(t, err)
		done <- summary
	}()

	require.Eventually(t, fwd.Connected, 2*time.Second, time.Millisecond)
	_, err := pw.Write(testStream(t))
	require.NoError(t, err)
	require.NoError(t, pw.Close())

	select {
	case win := <-received:
		assert.Equal(t, "agent-1", win.AgentID)
		assert.Equal(t, uint64(3), win.TotalSamples)
	case <-time.After(2 * time.Second):
		t.Fatal("window not forwarded")
	}
	<-done
}
