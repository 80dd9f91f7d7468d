package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestShellRunnerCapturesOutput(t *testing.T) {
	res := NewShellRunner().Run(context.Background(), "/bin/sh", []string{"-c", "echo out; echo err >&2; exit 3"})
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Error(t, res.Error)
}

func TestShellRunnerStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	res := NewShellRunner().Run(ctx, "/bin/sh", []string{"-c", "sleep 10"})
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.NotEqual(t, 0, res.ExitCode)
}

func TestShellJob(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	job := NewShellJob(NewShellRunner(), "echo hello", zap.New(core))
	require.NoError(t, job.Run(context.Background()))
	require.Equal(t, 1, logs.FilterMessage("Job command finished").Len())

	failing := NewShellJob(NewShellRunner(), "exit 7", zap.New(core))
	err := failing.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with 7")
}

func TestProbeJobLogsHeartbeat(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	job := NewProbeJob("node-1", zap.New(core))
	require.NoError(t, job.Run(context.Background()))

	entries := logs.FilterMessage("Working").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "node-1", entries[0].ContextMap()["candidate"])
}
