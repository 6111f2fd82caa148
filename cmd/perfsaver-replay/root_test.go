package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/perfsaver/internal/replay"
)

const pressureScenario = `name: pressure
duration: 10s
initial_view_radius: 8
max_heap_bytes: 1000
gc_runs:
  - {at: 6s, occupancy: 0.9}
  - {at: 7s, occupancy: 0.9}
  - {at: 8s, occupancy: 0.9}
`

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRunPrintsTimeline(t *testing.T) {
	out, err := execute(t, "run", writeScenario(t, pressureScenario))
	require.NoError(t, err)

	assert.Contains(t, out, "scenario: pressure")
	assert.Contains(t, out, "Memory critical. Reducing view radius to 6")
	assert.Contains(t, out, "view radius 8")
	assert.Contains(t, out, "final view radius 6 (decreases 1, increases 0, collections 0)")
}

func TestRunJSON(t *testing.T) {
	out, err := execute(t, "run", "--json", "--gc-min-runs", "2", writeScenario(t, pressureScenario))
	require.NoError(t, err)

	var res replay.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	// 8 -> 6 at 7s, then the runs at 7s and 8s reduce again to 4.
	assert.Equal(t, 4, res.FinalRadius)
	require.NotEmpty(t, res.Events)
	assert.Equal(t, replay.KindRadius, res.Events[0].Kind)
	assert.Equal(t, int64(7e9), int64(res.Events[0].At))
}

func TestRunRejectsBadLogLevel(t *testing.T) {
	_, err := execute(t, "run", "--log-level", "loud", writeScenario(t, pressureScenario))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	out, err := execute(t, "validate", writeScenario(t, pressureScenario))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, ": ok (10s, 3 gc runs)\n"))

	_, err = execute(t, "validate", writeScenario(t, "duration: 0s\n"))
	require.ErrorIs(t, err, replay.ErrInvalidScenario)
}
