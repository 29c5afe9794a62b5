// Package worker owns the Worker's runtime lifecycle: connect/authenticate/
// register (performed before Run is called), then a single prioritized event
// loop interleaving shutdown signals, heartbeats, and reliable job
// acquisition, spawning at most one execution goroutine at a time and
// draining it on shutdown.
//
// The loop shape is adapted from this codebase's persistent-connection
// manager: an outer Run method, a Config struct describing everything needed
// to operate, and a constructor taking the collaborators it drives — but the
// reconnect-on-failure session loop is replaced with the spec's prioritized
// select over signal/heartbeat/acquisition, since the broker connection here
// is a pooled client rather than a single gRPC stream that can drop.
package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agenix-sh/agw-worker/internal/agwerr"
	"github.com/agenix-sh/agw-worker/internal/broker"
	"github.com/agenix-sh/agw-worker/internal/executor"
	"github.com/agenix-sh/agw-worker/internal/model"
)

// acquireTimeout bounds BRPOPLPUSH so an idle worker still heartbeats
// promptly — shorter than any reasonable heartbeat interval.
const acquireTimeout = 5 * time.Second

// Config holds everything the loop needs to operate. Built once at startup
// from config.Config.
type Config struct {
	WorkerID          string
	WorkerName        string
	HeartbeatInterval time.Duration
	Tools             []string
	// ShutdownTimeout bounds how long Run waits for an in-flight execution
	// to finish once shutdown is requested. Zero means wait indefinitely.
	ShutdownTimeout time.Duration
}

// Loop is the Worker's runtime. Construct with New, then call Start once
// followed by Run.
type Loop struct {
	cfg      Config
	client   *broker.Client
	executor *executor.Executor
	logger   *zap.Logger
}

// New creates a Loop. client must already be connected (broker.Connect) but
// not yet authenticated — Start performs authentication and tool
// registration.
func New(cfg Config, client *broker.Client, exec *executor.Executor, logger *zap.Logger) *Loop {
	return &Loop{cfg: cfg, client: client, executor: exec, logger: logger.Named("worker")}
}

// Start authenticates and registers the configured tool list. Must be
// called, and must succeed, before Run.
func (l *Loop) Start(ctx context.Context, sessionKey string) error {
	if err := l.client.Authenticate(ctx, sessionKey); err != nil {
		return err
	}
	if err := l.client.RegisterTools(ctx, l.cfg.WorkerID, l.cfg.Tools); err != nil {
		return err
	}
	l.logger.Info("worker registered",
		zap.String("worker_id", l.cfg.WorkerID),
		zap.String("worker_name", l.cfg.WorkerName),
	)
	return nil
}

// executionOutcome is what a spawned execution goroutine reports back to the
// loop when it finishes (success or failure) so the loop can clear its
// in-flight slot. It never carries the plan's own result — that has already
// been posted to the broker inside the goroutine by the time this fires.
type executionOutcome struct {
	jobID string
	err   error
}

// Run executes the prioritized main loop (§4.5) until ctx is cancelled
// (SIGTERM/SIGINT) and any in-flight execution has been drained, or until a
// heartbeat or acquisition failure aborts the loop with an error.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("worker loop started")

	heartbeatTicker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	inFlightDone := make(chan executionOutcome, 1)
	inFlightActive := false
	shutdownRequested := false
	var fatalErr error
	var pendingAcquire chan acquireOutcome

	for {
		// Harvest a finished execution before anything else, non-blocking.
		select {
		case outcome := <-inFlightDone:
			l.harvest(outcome)
			inFlightActive = false
		default:
		}

		// A still-running execution is awaited by drain, which applies
		// ShutdownTimeout.
		if shutdownRequested {
			break
		}

		// Priority 1: shutdown signal. Checked non-blocking so it is never
		// starved by a busy queue or a heartbeat that fires in the same instant.
		select {
		case <-ctx.Done():
			l.logger.Info("shutdown requested")
			shutdownRequested = true
			continue
		default:
		}

		// Priority 2: heartbeat tick. A failed heartbeat is fatal to the loop
		// (§5 Cancellation), but it must still drain any in-flight job via
		// the same path as a normal shutdown rather than abandoning it —
		// stash the error and break instead of returning directly.
		select {
		case <-heartbeatTicker.C:
			if err := l.client.Heartbeat(ctx, l.cfg.WorkerID); err != nil {
				fatalErr = agwerr.Wrap(agwerr.Connection, "heartbeat failed", err)
				shutdownRequested = true
				break
			}
			l.logger.Debug("heartbeat sent", zap.String("worker_id", l.cfg.WorkerID))
			continue
		default:
		}
		if fatalErr != nil {
			break
		}

		// Priority 3: job acquisition, guarded by in-flight==none && !shutdown.
		// Blocks on whichever of {shutdown, heartbeat, in-flight finishing,
		// acquisition} becomes ready next — acquisition itself is bounded by
		// acquireTimeout so this select always wakes promptly even when idle.
		// An acquisition still pending when another case wins is awaited on a
		// later pass instead of being replaced by a new one.
		if !inFlightActive && !shutdownRequested {
			if pendingAcquire == nil {
				pendingAcquire = make(chan acquireOutcome, 1)
				go l.acquire(ctx, pendingAcquire)
			}

			select {
			case <-ctx.Done():
				l.logger.Info("shutdown requested")
				shutdownRequested = true
			case <-heartbeatTicker.C:
				if err := l.client.Heartbeat(ctx, l.cfg.WorkerID); err != nil {
					fatalErr = agwerr.Wrap(agwerr.Connection, "heartbeat failed", err)
					shutdownRequested = true
					break
				}
				l.logger.Debug("heartbeat sent", zap.String("worker_id", l.cfg.WorkerID))
			case outcome := <-inFlightDone:
				l.harvest(outcome)
				inFlightActive = false
			case result := <-pendingAcquire:
				pendingAcquire = nil
				// Re-check shutdown/heartbeat non-blockingly before acting on
				// the acquired job: Go's select has no case priority, so the
				// blocking select above could have picked this case even
				// though ctx.Done() or the heartbeat ticker fired in the same
				// instant. Consult them here, higher priority than spawning.
				select {
				case <-ctx.Done():
					l.logger.Info("shutdown requested")
					shutdownRequested = true
				default:
				}
				select {
				case <-heartbeatTicker.C:
					if err := l.client.Heartbeat(ctx, l.cfg.WorkerID); err != nil {
						fatalErr = agwerr.Wrap(agwerr.Connection, "heartbeat failed", err)
						shutdownRequested = true
					} else {
						l.logger.Debug("heartbeat sent", zap.String("worker_id", l.cfg.WorkerID))
					}
				default:
				}

				switch {
				case fatalErr != nil:
				case result.err != nil:
					fatalErr = agwerr.Wrap(agwerr.Broker, "job acquisition failed", result.err)
					shutdownRequested = true
				case shutdownRequested:
					// Shutdown arrived in the same instant the job was
					// acquired: don't spawn, let the outer loop break once
					// drained. The acquired job was already moved into
					// queue:processing by BRPOPLPUSH and is left there for
					// external monitoring/requeue, matching the spec's
					// handling of any acquisition left mid-flight.
				case result.job != nil:
					l.spawnExecution(ctx, result.rawID, result.job, result.plan, inFlightDone)
					inFlightActive = true
				}
			}
			if fatalErr != nil {
				break
			}
			continue
		}

		// In-flight already running: just wait for the next relevant event.
		select {
		case <-ctx.Done():
			shutdownRequested = true
		case <-heartbeatTicker.C:
			if err := l.client.Heartbeat(ctx, l.cfg.WorkerID); err != nil {
				fatalErr = agwerr.Wrap(agwerr.Connection, "heartbeat failed", err)
				shutdownRequested = true
				break
			}
			l.logger.Debug("heartbeat sent", zap.String("worker_id", l.cfg.WorkerID))
		case outcome := <-inFlightDone:
			l.harvest(outcome)
			inFlightActive = false
		}
		if fatalErr != nil {
			break
		}
	}

	if err := l.drain(ctx, inFlightActive, inFlightDone); err != nil {
		return err
	}
	return fatalErr
}

// drain implements §4.5.2: await a still-live in-flight execution, bounded
// by ShutdownTimeout if configured.
func (l *Loop) drain(ctx context.Context, inFlightActive bool, inFlightDone chan executionOutcome) error {
	if !inFlightActive {
		l.logger.Info("worker loop stopped")
		return nil
	}

	if l.cfg.ShutdownTimeout <= 0 {
		outcome := <-inFlightDone
		l.harvest(outcome)
		l.logger.Info("worker loop stopped")
		return nil
	}

	timer := time.NewTimer(l.cfg.ShutdownTimeout)
	defer timer.Stop()
	select {
	case outcome := <-inFlightDone:
		l.harvest(outcome)
	case <-timer.C:
		l.logger.Warn("shutdown timeout exceeded, exiting with execution still in flight; results may be incomplete")
	}
	l.logger.Info("worker loop stopped")
	return nil
}

func (l *Loop) harvest(outcome executionOutcome) {
	if outcome.err != nil {
		l.logger.Error("job execution ended with error",
			zap.String("job_id", outcome.jobID),
			zap.Error(outcome.err),
		)
	}
}

// acquireOutcome is the result of one acquisition attempt: either no job was
// available within acquireTimeout (job == nil, err == nil), a fatal broker
// error occurred, or a validated, substituted plan is ready to execute.
type acquireOutcome struct {
	rawID string
	job   *model.Job
	plan  *model.Plan
	err   error
}

// acquire implements §4.5.1 steps 1-5: BRPOPLPUSH, fetch+validate Job and
// Plan, substitute input. A parse/validation failure here is logged and
// reported as "no job" (not a fatal err) — the spec treats this as a
// Worker-kind error that leaves the entry in queue:processing for external
// intervention, not a fatal broker failure.
func (l *Loop) acquire(ctx context.Context, out chan<- acquireOutcome) {
	rawID, ok, err := l.client.BRPopLPush(ctx, broker.QueueReady, broker.QueueProcessing, acquireTimeout)
	if err != nil {
		out <- acquireOutcome{err: err}
		return
	}
	if !ok {
		out <- acquireOutcome{}
		return
	}

	jobJSON, err := l.client.JobGet(ctx, rawID)
	if err != nil {
		l.logger.Error("failed to fetch job, leaving entry in processing queue",
			zap.String("job_id_raw", rawID), zap.Error(err))
		out <- acquireOutcome{}
		return
	}

	job, err := model.DecodeJob([]byte(jobJSON))
	if err != nil {
		l.logger.Error("invalid job, leaving entry in processing queue",
			zap.String("job_id_raw", rawID), zap.Error(err))
		out <- acquireOutcome{}
		return
	}

	planJSON, err := l.client.PlanGet(ctx, job.PlanID)
	if err != nil {
		l.logger.Error("failed to fetch plan, leaving entry in processing queue",
			zap.String("job_id", job.JobID), zap.String("plan_id", job.PlanID), zap.Error(err))
		out <- acquireOutcome{}
		return
	}

	plan, err := model.DecodePlan([]byte(planJSON))
	if err != nil {
		l.logger.Error("invalid plan, leaving entry in processing queue",
			zap.String("job_id", job.JobID), zap.String("plan_id", job.PlanID), zap.Error(err))
		out <- acquireOutcome{}
		return
	}

	substituted, err := plan.SubstituteInput(job)
	if err != nil {
		l.logger.Error("input substitution failed, leaving entry in processing queue",
			zap.String("job_id", job.JobID), zap.Error(err))
		out <- acquireOutcome{}
		return
	}

	out <- acquireOutcome{rawID: rawID, job: job, plan: substituted}
}

// spawnExecution hands the prepared plan to its own goroutine. That
// goroutine owns a cloned broker client handle: it executes the plan, posts
// the result, and — only on successful posting — removes the entry from
// queue:processing. It never derives its context from ctx, so a shutdown
// signal cannot cancel an in-progress plan (O2, §5 Cancellation); only the
// executor's own per-task timeouts bound individual subprocess calls.
func (l *Loop) spawnExecution(_ context.Context, rawID string, job *model.Job, plan *model.Plan, done chan<- executionOutcome) {
	client := l.client.Clone()
	execLogger := l.logger

	go func() {
		var reportErr error
		defer func() {
			if r := recover(); r != nil {
				execLogger.Error("recovered from panic during job execution",
					zap.String("job_id", job.JobID),
					zap.Any("panic", r),
				)
				reportErr = agwerr.New(agwerr.Executor, "panic during job execution")
			}
			done <- executionOutcome{jobID: job.JobID, err: reportErr}
		}()

		runCtx := context.Background()

		result, err := l.executor.ExecutePlan(runCtx, plan)
		if err != nil {
			reportErr = err
			return
		}
		result.JobID = job.JobID
		result.PlanID = plan.PlanID

		status := "failed"
		if result.Success {
			status = "completed"
		}

		if err := client.PostJobResult(runCtx, job.JobID, result.CombinedStdout(), result.CombinedStderr(), status); err != nil {
			reportErr = err
			return
		}

		if err := client.LRem(runCtx, broker.QueueProcessing, 1, rawID); err != nil {
			execLogger.Error("failed to remove job from processing queue after successful posting",
				zap.String("job_id", job.JobID), zap.Error(err))
			reportErr = err
		}
	}()
}
