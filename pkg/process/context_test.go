package process

import (
	"context"
	"testing"
	"time"

	benclock "github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OriD-19/trazor_rt/pkg/clock"
)

func newTestContext() (*Context, *clock.WordRegion, *benclock.Mock) {
	var region clock.WordRegion
	mock := benclock.NewMock()
	clocks := clock.Clocks{
		Process: clock.NewProcessClock(clock.WithRegion(&region)),
		Wall:    clock.NewWallClock(mock),
	}
	return New(clocks, nil), &region, mock
}

func TestNowIsRelativeToBaseline(t *testing.T) {
	c, region, mock := newTestContext()
	mock.Add(10 * time.Second)
	c.Alarms.Store(5)
	c.Baseline()
	assert.Equal(t, int64(0), c.Alarms.Load())

	mock.Add(1500 * time.Millisecond)
	region.SetReading(42)
	wall, process := c.Now()
	assert.Equal(t, clock.Reading(1_500_000), wall)
	assert.Equal(t, clock.Reading(42), process)
}

func TestSamplingMarker(t *testing.T) {
	ctx := context.Background()
	assert.False(t, IsSampling(ctx))
	assert.True(t, IsSampling(WithSampling(ctx)))
}

func TestPauseResume(t *testing.T) {
	c, _, _ := newTestContext()

	// resume without a pause is dropped
	c.Resume()

	done := make(chan error, 1)
	go func() { done <- c.Pause(context.Background()) }()

	require.Eventually(t, c.Paused, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("pause returned before resume")
	case <-time.After(20 * time.Millisecond):
	}

	c.Resume()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pause did not return after resume")
	}
	assert.False(t, c.Paused())
}

func TestPauseCancelled(t *testing.T) {
	c, _, _ := newTestContext()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Pause(ctx), context.Canceled)
	assert.False(t, c.Paused())
}

func TestCloseWithoutTransport(t *testing.T) {
	c, _, _ := newTestContext()
	assert.NoError(t, c.Close())
}
