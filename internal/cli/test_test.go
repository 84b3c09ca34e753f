package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	harnessScenarios = "../harness/testdata/scenarios"
	harnessGolden    = "../harness/testdata/golden"
)

func runTestJSON(t *testing.T, args ...string) (TestResult, error) {
	t.Helper()
	out, err := run(t, append([]string{"--format", "json", "test"}, args...)...)
	var env struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &env), "output: %s", out)
	return env.Data, err
}

func TestTestCommand_GoldenMatch(t *testing.T) {
	result, err := runTestJSON(t, harnessScenarios, "--golden", harnessGolden)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Passed)
	for _, sr := range result.Scenarios {
		assert.Equal(t, "match", sr.Golden, sr.Name)
	}
}

func TestTestCommand_Filter(t *testing.T) {
	result, err := runTestJSON(t, harnessScenarios, "--golden", harnessGolden, "--filter", "life*")
	require.NoError(t, err)
	require.Equal(t, 1, result.Total)
	assert.Equal(t, "lifecycle", result.Scenarios[0].Name)

	_, err = run(t, "test", harnessScenarios, "--filter", "[")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommand_UpdateWritesHarnessSnapshot(t *testing.T) {
	golden := t.TempDir()

	result, err := runTestJSON(t, harnessScenarios, "--golden", golden, "--update")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Passed)

	for _, name := range []string{"lifecycle", "progression"} {
		got, err := os.ReadFile(filepath.Join(golden, name+".golden"))
		require.NoError(t, err)
		want, err := os.ReadFile(filepath.Join(harnessGolden, name+".golden"))
		require.NoError(t, err)
		assert.Equal(t, string(want), string(got), name)
	}
}

func TestTestCommand_MissingGolden(t *testing.T) {
	result, err := runTestJSON(t, "../harness/testdata/custom/generous.yaml")
	require.NoError(t, err)
	require.Len(t, result.Scenarios, 1)
	assert.True(t, result.Scenarios[0].Pass)
	assert.Equal(t, "missing", result.Scenarios[0].Golden)
}

func TestTestCommand_Failures(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "wrong.yaml"), []byte(`name: wrong
description: "Expects the wrong reward"
flow:
  - op: log
    user: alice
    action: completing_lessons
    expect: { value: 6 }
`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("name: broken\n"), 0644))

	result, err := runTestJSON(t, dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, 2, result.Failed)

	out, err := run(t, "test", dir)
	require.Error(t, err)
	assert.Contains(t, out, "✗ wrong")
	assert.Contains(t, out, "value: expected 6, got 5")
	assert.Contains(t, out, "failed to load scenario")
	assert.Contains(t, out, "Test Summary: 0 passed, 2 failed, 2 total")
}

func TestTestCommand_NotFound(t *testing.T) {
	_, err := run(t, "test", filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestTestCommand_Empty(t *testing.T) {
	out, err := run(t, "test", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}
