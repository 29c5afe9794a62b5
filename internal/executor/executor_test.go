package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agenix-sh/agw-worker/internal/model"
)

func newTestExecutor() *Executor {
	return New(zap.NewNop())
}

func TestExecutePlan_SingleEchoTask(t *testing.T) {
	plan := &model.Plan{
		PlanID: "plan-echo",
		Tasks: []model.Task{
			{TaskNumber: 1, Command: "echo", Args: []string{"hello"}},
		},
	}

	result, err := newTestExecutor().ExecutePlan(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, result.TaskResults, 1)
	assert.True(t, result.Success)
	assert.Equal(t, 0, result.TaskResults[0].ExitCode)
	assert.Equal(t, "hello\n", result.TaskResults[0].Stdout)
}

func TestExecutePlan_NonZeroExitHaltsPlan(t *testing.T) {
	plan := &model.Plan{
		PlanID: "plan-exit-42",
		Tasks: []model.Task{
			{TaskNumber: 1, Command: "sh", Args: []string{"-c", "exit 42"}},
			{TaskNumber: 2, Command: "echo", Args: []string{"never runs"}},
		},
	}

	result, err := newTestExecutor().ExecutePlan(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, result.TaskResults, 1, "execution must halt after the first failing task")
	assert.False(t, result.Success)
	assert.Equal(t, 42, result.TaskResults[0].ExitCode)
}

func TestExecutePlan_StdinPipingBetweenTasks(t *testing.T) {
	plan := &model.Plan{
		PlanID: "plan-pipeline",
		Tasks: []model.Task{
			{TaskNumber: 1, Command: "sh", Args: []string{"-c", "printf 'banana\\napple\\nbanana\\n'"}},
			{TaskNumber: 2, Command: "sort", InputFromTask: u32(1)},
			{TaskNumber: 3, Command: "uniq", InputFromTask: u32(2)},
		},
	}

	result, err := newTestExecutor().ExecutePlan(context.Background(), plan)
	require.NoError(t, err)
	require.Len(t, result.TaskResults, 3)
	assert.True(t, result.Success)
	assert.Equal(t, "apple\nbanana\n", result.TaskResults[2].Stdout)
}

func TestExecutePlan_TimeoutKillsProcess(t *testing.T) {
	timeout := uint32(1)
	plan := &model.Plan{
		PlanID: "plan-timeout",
		Tasks: []model.Task{
			{TaskNumber: 1, Command: "sleep", Args: []string{"30"}, TimeoutSecs: &timeout},
		},
	}

	start := time.Now()
	result, err := newTestExecutor().ExecutePlan(context.Background(), plan)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.Len(t, result.TaskResults, 1)
	assert.False(t, result.Success)
	assert.Less(t, elapsed, 10*time.Second, "the timeout must kill the process well before its 30s sleep completes")
}

func TestExecutePlan_InvalidCommandReturnsExecutorError(t *testing.T) {
	plan := &model.Plan{
		PlanID: "plan-invalid-command",
		Tasks: []model.Task{
			{TaskNumber: 1, Command: "this-binary-does-not-exist-anywhere"},
		},
	}

	result, err := newTestExecutor().ExecutePlan(context.Background(), plan)
	assert.Error(t, err, "a command that never spawns is reported as an executor error, not a TaskResult")
	assert.Nil(t, result)
}

func TestExecutePlan_CombinedOutputAcrossTasks(t *testing.T) {
	plan := &model.Plan{
		PlanID: "plan-combined",
		Tasks: []model.Task{
			{TaskNumber: 1, Command: "echo", Args: []string{"one"}},
			{TaskNumber: 2, Command: "echo", Args: []string{"two"}},
		},
	}

	result, err := newTestExecutor().ExecutePlan(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, "one\n\ntwo\n", result.CombinedStdout())
}

func u32(v uint32) *uint32 { return &v }
