package subprocess

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d0labs/aof-sub004/internal/scheduler"
)

func TestSpawnReportsSuccessOnStart(t *testing.T) {
	exec := New(Config{Command: "sleep", Args: []string{"0.2"}, SpawnTimeout: 20 * time.Millisecond}, zerolog.Nop())
	result, err := exec.Spawn(context.Background(), scheduler.TaskContext{TaskID: "T-1", ProjectRoot: t.TempDir()})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.NotEmpty(t, result.SessionID)
}

func TestSpawnReportsImmediateFailure(t *testing.T) {
	exec := New(Config{Command: "sh", Args: []string{"-c", "echo agent not found 1>&2; exit 1"}, SpawnTimeout: time.Second}, zerolog.Nop())
	result, err := exec.Spawn(context.Background(), scheduler.TaskContext{TaskID: "T-1", ProjectRoot: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "agent not found")
}

func TestSpawnRejectsMissingCommand(t *testing.T) {
	exec := New(Config{}, zerolog.Nop())
	_, err := exec.Spawn(context.Background(), scheduler.TaskContext{TaskID: "T-1"})
	assert.Error(t, err)
}

func TestSpawnFailsFastOnMissingExecutable(t *testing.T) {
	exec := New(Config{Command: "definitely-not-a-real-binary-xyz", SpawnTimeout: time.Second}, zerolog.Nop())
	result, err := exec.Spawn(context.Background(), scheduler.TaskContext{TaskID: "T-1", ProjectRoot: t.TempDir()})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
}
