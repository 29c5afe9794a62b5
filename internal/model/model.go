// Package model defines the Job, Plan, and Task shapes fetched from the
// broker, their structural validation, and input-variable substitution.
package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"github.com/agenix-sh/agw-worker/internal/agwerr"
	"github.com/agenix-sh/agw-worker/internal/validate"
)

const (
	maxJobIDLen    = 128
	maxPlanIDLen   = 128
	maxPlanDescLen = 1024
	maxCommandLen  = 4096
	maxArgsCount   = 256
	maxArgLen      = 4096
	maxTasksCount  = 100
	minTimeoutSecs = 1
	maxTimeoutSecs = 86400
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is a runtime execution instance: a specific invocation of a Plan
// carrying concrete input values. The Worker treats a fetched Job as
// immutable input.
type Job struct {
	JobID  string          `json:"job_id"`
	PlanID string          `json:"plan_id"`
	Input  json.RawMessage `json:"input,omitempty"`
	Status Status          `json:"status,omitempty"`
}

// DecodeJob strictly decodes and validates a Job from its JSON wire form.
func DecodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, agwerr.New(agwerr.Worker, "invalid job JSON format")
	}
	if j.Status == "" {
		j.Status = StatusPending
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}
	return &j, nil
}

// Validate enforces the job_id/plan_id identifier constraints of the data
// model: non-empty, <=128 chars, alphanumeric/-/_ only (which implies no ':').
func (j *Job) Validate() error {
	if err := validate.ValidateStringField(j.JobID, "job_id", validate.StringFieldOpts{
		MaxLen: maxJobIDLen, CheckEmpty: true, AlphanumericOnly: true,
	}); err != nil {
		return err
	}
	if err := validate.ValidateStringField(j.PlanID, "plan_id", validate.StringFieldOpts{
		MaxLen: maxPlanIDLen, CheckEmpty: true, AlphanumericOnly: true,
	}); err != nil {
		return err
	}
	return nil
}

// inputValue decodes Job.Input into a map for substitution lookups. An empty
// or absent Input decodes to an empty map.
func (j *Job) inputValue() (map[string]json.RawMessage, error) {
	if len(j.Input) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(j.Input, &m); err != nil {
		return nil, agwerr.Wrap(agwerr.Worker, "job input must be a JSON object", err)
	}
	return m, nil
}

// Plan is a reusable, ordered sequence of Tasks.
type Plan struct {
	PlanID          string `json:"plan_id"`
	PlanDescription string `json:"plan_description,omitempty"`
	Tasks           []Task `json:"tasks"`
}

// Task is a single subprocess step within a Plan.
type Task struct {
	TaskNumber    uint32   `json:"task_number"`
	Command       string   `json:"command"`
	Args          []string `json:"args,omitempty"`
	InputFromTask *uint32  `json:"input_from_task,omitempty"`
	TimeoutSecs   *uint32  `json:"timeout_secs,omitempty"`
}

// DecodePlan strictly decodes and validates a Plan from its JSON wire form.
func DecodePlan(data []byte) (*Plan, error) {
	var p Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, agwerr.New(agwerr.Worker, "invalid plan JSON format")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate enforces the structural invariants of §3/§4.3: plan_id format,
// optional description length, 1-100 tasks, contiguous numbering starting at
// 1, and every task's own field constraints including input_from_task
// back-reference rules (I2).
func (p *Plan) Validate() error {
	if err := validate.ValidateStringField(p.PlanID, "plan_id", validate.StringFieldOpts{
		MaxLen: maxPlanIDLen, CheckEmpty: true, AlphanumericOnly: true,
	}); err != nil {
		return err
	}

	if p.PlanDescription != "" {
		if err := validate.ValidateStringField(p.PlanDescription, "plan_description", validate.StringFieldOpts{
			MaxLen: maxPlanDescLen,
		}); err != nil {
			return err
		}
	}

	if len(p.Tasks) == 0 {
		return agwerr.New(agwerr.Worker, "plan must contain at least one task")
	}
	if len(p.Tasks) > maxTasksCount {
		return agwerr.New(agwerr.Worker, fmt.Sprintf("plan exceeds maximum of %d tasks", maxTasksCount))
	}

	for i, task := range p.Tasks {
		expected := uint32(i + 1)
		if task.TaskNumber != expected {
			return agwerr.New(agwerr.Worker, fmt.Sprintf(
				"task numbers must be contiguous starting at 1: expected %d, got %d", expected, task.TaskNumber))
		}

		if err := task.Validate(); err != nil {
			return err
		}

		if task.InputFromTask != nil {
			ref := *task.InputFromTask
			if ref == 0 {
				return agwerr.New(agwerr.Worker, "input_from_task must be >= 1")
			}
			if ref >= task.TaskNumber {
				return agwerr.New(agwerr.Worker, fmt.Sprintf(
					"task %d has invalid input_from_task %d: cannot reference self or future tasks",
					task.TaskNumber, ref))
			}
		}
	}

	return nil
}

// Validate enforces per-task field constraints: command format, args count
// and format, timeout bounds. Does not check input_from_task cross-task
// references — that requires knowledge of task_number and is done by the
// enclosing Plan.Validate.
func (t *Task) Validate() error {
	if err := validate.ValidateStringField(t.Command, "command", validate.StringFieldOpts{MaxLen: maxCommandLen}); err != nil {
		return err
	}
	if err := validate.CheckDangerousPatterns(t.Command, "command"); err != nil {
		return err
	}

	if len(t.Args) > maxArgsCount {
		return agwerr.New(agwerr.Worker, fmt.Sprintf("task %d exceeds maximum of %d arguments", t.TaskNumber, maxArgsCount))
	}
	for i, arg := range t.Args {
		field := fmt.Sprintf("args[%d]", i)
		if err := validate.ValidateStringField(arg, field, validate.StringFieldOpts{MaxLen: maxArgLen}); err != nil {
			return err
		}
		if err := validate.CheckDangerousPatterns(arg, field); err != nil {
			return err
		}
	}

	if t.TimeoutSecs != nil {
		timeout := *t.TimeoutSecs
		if timeout < minTimeoutSecs {
			return agwerr.New(agwerr.Worker, fmt.Sprintf("task %d timeout must be at least %d seconds", t.TaskNumber, minTimeoutSecs))
		}
		if timeout > maxTimeoutSecs {
			return agwerr.New(agwerr.Worker, fmt.Sprintf("task %d timeout must not exceed %d seconds", t.TaskNumber, maxTimeoutSecs))
		}
	}

	return nil
}

// substitutionVar matches {{input.NAME}} where NAME is [A-Za-z0-9_]+.
var substitutionVar = regexp.MustCompile(`\{\{input\.([A-Za-z0-9_]+)\}\}`)

// SubstituteInput returns a copy of the plan with every task's args run
// through Task.SubstituteInput using job.Input as the variable source.
// Re-validation happens per-task inside SubstituteInput — callers never need
// to re-run Plan.Validate on the result, and must not skip this step.
func (p *Plan) SubstituteInput(job *Job) (*Plan, error) {
	input, err := job.inputValue()
	if err != nil {
		return nil, err
	}

	out := &Plan{
		PlanID:          p.PlanID,
		PlanDescription: p.PlanDescription,
		Tasks:           make([]Task, len(p.Tasks)),
	}
	for i, task := range p.Tasks {
		substituted, err := task.SubstituteInput(input)
		if err != nil {
			return nil, err
		}
		out.Tasks[i] = *substituted
	}
	return out, nil
}

// SubstituteInput produces a new Task whose args have every {{input.NAME}}
// occurrence replaced by the stringified value of input[NAME]. Stringification:
// string -> as-is; number -> canonical textual form; boolean -> "true"/"false";
// null -> empty string; array/object -> substitution error. Any unresolved
// variable names are reported together in a single error.
//
// Critically, this re-runs Task.Validate on the substituted result before
// returning it: this is the only defense against shell metacharacters, path
// traversal, dangerous Unicode, or NUL bytes smuggled in through input values
// that were never themselves validated as commands/args.
func (t *Task) SubstituteInput(input map[string]json.RawMessage) (*Task, error) {
	out := &Task{
		TaskNumber:    t.TaskNumber,
		Command:       t.Command,
		InputFromTask: t.InputFromTask,
		TimeoutSecs:   t.TimeoutSecs,
		Args:          make([]string, len(t.Args)),
	}

	var missing []string
	for i, arg := range t.Args {
		substituted, missingInArg, err := substituteString(arg, input)
		if err != nil {
			return nil, err
		}
		missing = append(missing, missingInArg...)
		out.Args[i] = substituted
	}

	if len(missing) > 0 {
		return nil, agwerr.New(agwerr.Worker, fmt.Sprintf("unresolved input variable(s): %v", missing))
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// substituteString replaces every {{input.NAME}} in s. It returns the names
// of any variables that were referenced but absent from input, so the caller
// can accumulate all missing names across every arg before failing.
func substituteString(s string, input map[string]json.RawMessage) (string, []string, error) {
	var missing []string
	var substErr error

	result := substitutionVar.ReplaceAllStringFunc(s, func(match string) string {
		name := substitutionVar.FindStringSubmatch(match)[1]
		raw, ok := input[name]
		if !ok {
			missing = append(missing, name)
			return match
		}
		val, err := stringifyJSONValue(raw)
		if err != nil {
			substErr = fmt.Errorf("input.%s: %w", name, err)
			return match
		}
		return val
	})

	if substErr != nil {
		return "", nil, agwerr.Wrap(agwerr.Worker, "input substitution failed", substErr)
	}
	return result, missing, nil
}

// stringifyJSONValue converts a decoded JSON scalar to its substitution text.
// Arrays and objects are rejected — only string/number/boolean/null pass.
func stringifyJSONValue(raw json.RawMessage) (string, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", fmt.Errorf("invalid JSON value: %w", err)
	}

	switch val := v.(type) {
	case string:
		return val, nil
	case bool:
		return strconv.FormatBool(val), nil
	case nil:
		return "", nil
	case float64:
		return formatNumber(val), nil
	default:
		return "", fmt.Errorf("cannot substitute non-scalar value of type %T", v)
	}
}

// formatNumber renders a JSON number in canonical textual form: integral
// values print without a decimal point, fractional values use the shortest
// round-trip representation.
func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// TaskResult is the outcome of executing a single task.
type TaskResult struct {
	TaskNumber uint32 `json:"task_number"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	Success    bool   `json:"success"`
}

// PlanResult is the outcome of executing a full Plan: an ordered list of
// TaskResults (partial, if execution halted on failure) and an overall
// success flag.
type PlanResult struct {
	JobID       string       `json:"job_id"`
	PlanID      string       `json:"plan_id"`
	TaskResults []TaskResult `json:"task_results"`
	Success     bool         `json:"success"`
}

// CombinedStdout concatenates every task's stdout, joined by "\n".
func (r *PlanResult) CombinedStdout() string {
	return combine(r.TaskResults, func(t TaskResult) string { return t.Stdout })
}

// CombinedStderr concatenates every task's stderr, joined by "\n".
func (r *PlanResult) CombinedStderr() string {
	return combine(r.TaskResults, func(t TaskResult) string { return t.Stderr })
}

func combine(results []TaskResult, pick func(TaskResult) string) string {
	out := ""
	for i, r := range results {
		if i > 0 {
			out += "\n"
		}
		out += pick(r)
	}
	return out
}
