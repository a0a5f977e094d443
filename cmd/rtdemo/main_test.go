package main

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	benclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OriD-19/trazor_rt/pkg/clock"
	"github.com/OriD-19/trazor_rt/pkg/driver"
	"github.com/OriD-19/trazor_rt/pkg/process"
	"github.com/OriD-19/trazor_rt/pkg/timer"
	"github.com/OriD-19/trazor_rt/pkg/trace"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func TestFlagDefaults(t *testing.T) {
	cmd := rootCommand()
	d, err := cmd.Flags().GetDuration("duration")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, d)
	spawn, err := cmd.Flags().GetBool("spawn")
	require.NoError(t, err)
	assert.False(t, spawn)
}

func TestWorkloadAccumulatesTimers(t *testing.T) {
	var buf bytes.Buffer
	pctx := process.New(clock.Clocks{
		Process: clock.NewProcessClock(),
		Wall:    clock.NewWallClock(benclock.New()),
	}, trace.NewTransport(func() (io.WriteCloser, error) { return nopCloser{&buf}, nil }))
	d := driver.New(pctx,
		driver.WithInterruptSource(driver.NewTickerSource(benclock.New())),
		driver.WithInterval(5*time.Millisecond),
		driver.WithCPUMHz(func() (float64, error) { return 1000, nil }))

	loop, err := d.NewTimer(loopMetric, timer.WallTime)
	require.NoError(t, err)
	compute, err := d.NewTimer(computeMetric, timer.ProcessTime)
	require.NoError(t, err)
	idle, err := d.NewTimer(idleMetric, timer.WallTime)
	require.NoError(t, err)
	require.NoError(t, d.Initialize())

	workload(context.Background(), d, &params{duration: 50 * time.Millisecond, idle: time.Millisecond}, loop, compute, idle)
	assert.False(t, loop.Active())
	assert.Positive(t, int64(loop.Total()))
	assert.Positive(t, int64(idle.Total()))
	assert.GreaterOrEqual(t, loop.Total(), idle.Total())

	summary, err := d.Terminate()
	require.NoError(t, err)
	assert.Positive(t, summary.TotalWallTime)

	dec := trace.NewDecoder(&buf)
	var exits int
	for {
		rec, err := dec.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if rec.Type == trace.TypeExit {
			exits++
		}
	}
	assert.Equal(t, 1, exits)
}
