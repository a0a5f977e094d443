//go:build linux

package driver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestITimerSource(t *testing.T) {
	src := NewITimerSource()
	fired := make(chan struct{}, 1)
	require.NoError(t, src.Start(5*time.Millisecond, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}))
	defer src.Stop()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("SIGALRM was not delivered")
	}
}
