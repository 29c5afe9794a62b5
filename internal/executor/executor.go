// Package executor runs a validated, fully-substituted Plan as a sequence of
// subprocesses, one task at a time, in task_number order. It pipes the
// stdout of an earlier task into the stdin of a later one when the task
// declares input_from_task, captures stdout/stderr concurrently to avoid
// pipe-buffer deadlock, and enforces a per-task wall-clock timeout with
// kill-and-reap.
//
// Execution halts on the first task that fails (non-zero exit or timeout):
// the caller receives the partial result list plus the failing task's
// output. A task that fails to even spawn (bad binary, permission denied)
// is reported as an Executor-kind error instead of a TaskResult, since no
// process ever existed to produce one.
package executor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agenix-sh/agw-worker/internal/agwerr"
	"github.com/agenix-sh/agw-worker/internal/model"
)

// Executor runs Plans. Construct it with New, which attaches the logger it
// uses; the zero value has no logger and is not usable.
type Executor struct {
	logger *zap.Logger
}

// New creates an Executor that logs through the given logger.
func New(logger *zap.Logger) *Executor {
	return &Executor{logger: logger.Named("executor")}
}

// ExecutePlan runs every task in plan in order, returning a PlanResult. Each
// subprocess is bound to ctx, and a task with TimeoutSecs gets its own
// deadline derived from ctx: cancelling ctx kills the running subprocess,
// which then counts as a failed task and halts the plan. The worker loop
// passes a context that shutdown signals do not cancel.
func (e *Executor) ExecutePlan(ctx context.Context, plan *model.Plan) (*model.PlanResult, error) {
	e.logger.Info("executing plan",
		zap.String("plan_id", plan.PlanID),
		zap.Int("task_count", len(plan.Tasks)),
	)

	results := make([]model.TaskResult, 0, len(plan.Tasks))
	previousOutputs := make(map[uint32]string, len(plan.Tasks))

	for _, task := range plan.Tasks {
		e.logger.Debug("executing task",
			zap.Uint32("task_number", task.TaskNumber),
			zap.String("command", task.Command),
		)

		var stdinInput string
		var hasStdin bool
		if task.InputFromTask != nil {
			stdinInput, hasStdin = previousOutputs[*task.InputFromTask]
		}

		result, err := e.executeTask(ctx, task, stdinInput, hasStdin)
		if err != nil {
			e.logger.Error("task execution failed",
				zap.Uint32("task_number", task.TaskNumber),
				zap.Error(err),
			)
			return nil, err
		}

		previousOutputs[task.TaskNumber] = result.Stdout
		results = append(results, *result)

		if !result.Success {
			e.logger.Warn("task failed, halting plan execution",
				zap.Uint32("task_number", task.TaskNumber),
				zap.Int("exit_code", result.ExitCode),
			)
			break
		}
	}

	success := len(results) == len(plan.Tasks)
	for _, r := range results {
		if !r.Success {
			success = false
			break
		}
	}

	e.logger.Info("plan completed",
		zap.String("plan_id", plan.PlanID),
		zap.Int("tasks_run", len(results)),
		zap.Bool("success", success),
	)

	return &model.PlanResult{
		PlanID:      plan.PlanID,
		TaskResults: results,
		Success:     success,
	}, nil
}

// executeTask spawns a single task's command as a subprocess with literal
// argv (no shell), pipes stdinInput to it if hasStdin, drains stdout/stderr
// concurrently while the process runs, and enforces TimeoutSecs if set.
func (e *Executor) executeTask(ctx context.Context, task model.Task, stdinInput string, hasStdin bool) (*model.TaskResult, error) {
	if task.Command == "" {
		return nil, agwerr.New(agwerr.Executor, "command cannot be empty")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if task.TimeoutSecs != nil {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(*task.TimeoutSecs)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, task.Command, task.Args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, agwerr.Wrap(agwerr.Executor, fmt.Sprintf("failed to open stdout pipe for command %q", task.Command), err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, agwerr.Wrap(agwerr.Executor, fmt.Sprintf("failed to open stderr pipe for command %q", task.Command), err)
	}

	var stdinPipe io.WriteCloser
	if hasStdin {
		stdinPipe, err = cmd.StdinPipe()
		if err != nil {
			return nil, agwerr.Wrap(agwerr.Executor, fmt.Sprintf("failed to open stdin pipe for command %q", task.Command), err)
		}
	}

	if err := cmd.Start(); err != nil {
		return nil, agwerr.Wrap(agwerr.Executor, fmt.Sprintf("failed to spawn command %q", task.Command), err)
	}

	if hasStdin {
		if _, err := io.WriteString(stdinPipe, stdinInput); err != nil {
			return nil, agwerr.Wrap(agwerr.Executor, "failed to write stdin", err)
		}
		if err := stdinPipe.Close(); err != nil {
			return nil, agwerr.Wrap(agwerr.Executor, "failed to close stdin", err)
		}
	}

	// Drain stdout and stderr concurrently, to EOF, while the process runs,
	// and only then call Wait() — reading them after Wait risks deadlock
	// once either pipe's OS buffer fills, since the child blocks writing
	// until someone reads.
	var wg sync.WaitGroup
	var stdout, stderr string
	wg.Add(2)
	go func() { defer wg.Done(); stdout = readStream(stdoutPipe) }()
	go func() { defer wg.Done(); stderr = readStream(stderrPipe) }()
	wg.Wait()

	waitErr := cmd.Wait()

	timedOut := task.TimeoutSecs != nil && runCtx.Err() == context.DeadlineExceeded

	exitCode := 0
	success := true
	if waitErr != nil {
		success = false
		var exitErr *exec.ExitError
		if ok := asExitError(waitErr, &exitErr); ok {
			exitCode = exitErr.ExitCode()
		} else if timedOut {
			exitCode = -1
		} else {
			return nil, agwerr.Wrap(agwerr.Executor, fmt.Sprintf("process wait failed for command %q", task.Command), waitErr)
		}
	}
	if timedOut {
		success = false
		if exitCode == 0 {
			exitCode = -1
		}
	}

	return &model.TaskResult{
		TaskNumber: task.TaskNumber,
		Stdout:     stdout,
		Stderr:     stderr,
		ExitCode:   exitCode,
		Success:    success,
	}, nil
}

// readStream reads r line by line, reassembling each line with its trailing
// newline retained, matching the spec's "accumulated output is preserved as
// lines with trailing \n retained" rule. A read error (as opposed to a
// normal EOF), including a line longer than the 1 MiB scanner limit, is
// silently treated as end-of-output; cmd.Wait()'s error, not the read, is
// what decides whether the task failed.
func readStream(r io.Reader) string {
	var buf bytes.Buffer
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		buf.WriteString(scanner.Text())
		buf.WriteByte('\n')
	}
	return buf.String()
}

// asExitError reports, via a direct type assertion (no unwrapping), whether
// err is an *exec.ExitError, storing it in target when it is.
func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = ee
	return true
}
