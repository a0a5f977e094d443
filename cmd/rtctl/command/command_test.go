package command

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OriD-19/trazor_rt/pkg/clock"
	"github.com/OriD-19/trazor_rt/pkg/trace"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := RootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func captureFile(t *testing.T) string {
	t.Helper()
	var buf []byte
	add := func(typ trace.Type, payload []byte, wall int64) {
		var err error
		buf, err = trace.AppendRecord(buf, 0, typ, payload, clock.Reading(wall), clock.Reading(wall/2))
		require.NoError(t, err)
	}
	add(trace.TypeSample, trace.Marshal(trace.Sample{ID: 12, Value: 0.25}), 1000)
	add(trace.TypeFork, trace.Marshal(trace.Fork{PPID: 100, PID: 4242, NPIDs: 1}), 2000)
	add(trace.TypeExit, trace.Marshal(trace.CostSummary{Alarms: 5, SamplesReported: 1, TotalWallTime: 1.5}), 3000)

	path := filepath.Join(t.TempDir(), "trace.bin")
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	return path
}

func TestDecodeListsRecords(t *testing.T) {
	out, err := execute(t, "decode", captureFile(t))
	require.NoError(t, err)
	assert.Contains(t, out, "metric 12 = 250ms")
	assert.Contains(t, out, "ppid 100 pid 4242 npids 1 stride 0")
	assert.Contains(t, out, "alarms 5 samples 1 wall 1.5s")
}

func TestDecodeSummary(t *testing.T) {
	out, err := execute(t, "decode", "--summary", captureFile(t))
	require.NoError(t, err)
	assert.Contains(t, out, "3 records, 1 samples, 1 forks, 1 exits, 1 windows")
	assert.Contains(t, out, "250ms")
}

func TestDecodeTruncated(t *testing.T) {
	path := captureFile(t)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-4], 0o600))

	_, err = execute(t, "decode", path)
	assert.Error(t, err)
}

func TestRegs(t *testing.T) {
	out, err := execute(t, "regs", "--class", "xmm")
	require.NoError(t, err)
	assert.Contains(t, out, "X15")
	assert.NotContains(t, out, "RAX")

	_, err = execute(t, "regs", "--class", "bogus")
	assert.Error(t, err)
}

func TestOps(t *testing.T) {
	out, err := execute(t, "ops", "ret")
	require.NoError(t, err)
	assert.Contains(t, out, "RET\n")
}

func TestDisasmMarksTimerSites(t *testing.T) {
	out, err := execute(t, "disasm", "--hex", "--base", "0x400000", "55 4889e5 5d c3")
	require.NoError(t, err)
	assert.Contains(t, out, "0x400000")
	assert.Contains(t, out, "start")
	assert.Contains(t, out, "stop")
}

func TestSignalCommandsValidatePID(t *testing.T) {
	_, err := execute(t, "pause", "abc")
	assert.Error(t, err)
	_, err = execute(t, "resume", "0")
	assert.Error(t, err)
}
