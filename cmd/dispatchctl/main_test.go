package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/dispatchq/pkg/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, s *miniredis.Miniredis, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(append([]string{"--redis", s.Addr()}, args...))
	return rootCmd.ExecuteContext(context.Background())
}

func TestEnqueueCommand(t *testing.T) {
	chdir(t, t.TempDir())
	s := miniredis.RunT(t)

	require.NoError(t, execute(t, s, "enqueue", "report.build",
		"--priority", "critical",
		"--args", `["q3", 2]`,
		"--kwargs", `{"format":"pdf"}`,
		"--timeout", "30s",
		"--meta", "tenant=acme",
	))

	raw, err := s.List("taskqueue:priority:critical")
	require.NoError(t, err)
	require.Len(t, raw, 1)
	var task tasks.Task
	require.NoError(t, json.Unmarshal([]byte(raw[0]), &task))
	assert.Equal(t, "report.build", task.Operation)
	assert.Equal(t, []any{"q3", float64(2)}, task.Args)
	assert.Equal(t, "pdf", task.Kwargs["format"])
	assert.Equal(t, 30*time.Second, task.Timeout)
	assert.Equal(t, "acme", task.Metadata["tenant"])
}

func TestEnqueueCommandRejectsBadInput(t *testing.T) {
	chdir(t, t.TempDir())
	s := miniredis.RunT(t)

	assert.Error(t, execute(t, s, "enqueue", "x", "--priority", "eventually", "--args", "", "--kwargs", ""))
	assert.Error(t, execute(t, s, "enqueue", "x", "--priority", "normal", "--args", "not-json"))
	assert.Error(t, execute(t, s, "enqueue"))
}

func TestClearRequiresForce(t *testing.T) {
	chdir(t, t.TempDir())
	s := miniredis.RunT(t)

	require.NoError(t, execute(t, s, "enqueue", "x", "--priority", "low", "--args", "", "--kwargs", ""))
	assert.Error(t, execute(t, s, "clear", "--force=false"))
	assert.True(t, s.Exists("taskqueue:priority:low"))

	require.NoError(t, execute(t, s, "clear", "--force"))
	assert.False(t, s.Exists("taskqueue:priority:low"))
}

func TestBenchNoWait(t *testing.T) {
	chdir(t, t.TempDir())
	s := miniredis.RunT(t)

	require.NoError(t, execute(t, s, "bench", "--tasks", "25", "--enqueuers", "4", "--no-wait"))
	total := 0
	for _, p := range tasks.Priorities() {
		n, err := s.List("taskqueue:priority:" + p.String())
		if err == nil {
			total += len(n)
		}
	}
	assert.Equal(t, 25, total)
}
