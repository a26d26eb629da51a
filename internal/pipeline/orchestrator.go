package pipeline

import (
	"context"
	"errors"
	"time"

	"adreel-backend/internal/runs"
	"adreel-backend/internal/shared/metrics"
	"adreel-backend/internal/shared/telemetry"
	"adreel-backend/internal/shared/util"
)

// Orchestrator drives one run through every stage in order.
type Orchestrator struct {
	Store     runs.Store
	Artifacts runs.Artifacts
	Locker    runs.Locker
	Executors []Executor
	Owner     string
	LeaseTTL  time.Duration
	// HeartbeatInterval is how often the lease is renewed while the run executes.
	// Zero means a third of LeaseTTL.
	HeartbeatInterval time.Duration
}

// RunResult summarizes one invocation.
type RunResult struct {
	RunID           string       `json:"runId"`
	Status          runs.Status  `json:"status"`
	CompletedStages []runs.Stage `json:"completedStages"`
	SkippedStages   []runs.Stage `json:"skippedStages,omitempty"`
	Partial         bool         `json:"partial"`
}

// New builds an orchestrator with the default stage executors.
func New(deps *Deps, locker runs.Locker) *Orchestrator {
	return &Orchestrator{
		Store:     deps.Store,
		Artifacts: deps.Artifacts,
		Locker:    locker,
		Executors: DefaultExecutors(deps),
		Owner:     runs.OwnerID(),
		LeaseTTL:  runs.DefaultLeaseTTL,
	}
}

// Run executes a pending run, or continues an in-progress one whose previous
// orchestrator stopped. Stages whose output already exists are skipped. Runs in any
// other status are left untouched and reported with their stored status; a partial,
// failed or cancelled run is resumed by requeueing it first.
//
// Cancelling ctx is treated like a stored cancel request: it is observed at the
// next unit boundary and the run ends as cancelled. Provider calls and store
// writes are not interrupted by it. They are interrupted when the lease is lost.
func (o *Orchestrator) Run(ctx context.Context, runID string) (RunResult, error) {
	result := RunResult{RunID: runID}
	detached := context.WithoutCancel(ctx)

	lease, err := o.Locker.Acquire(ctx, runID, o.owner(), o.ttl())
	if err != nil {
		if errors.Is(err, runs.ErrLocked) {
			telemetry.Info("run.locked", map[string]any{"run_id": runID})
		}
		return result, err
	}

	work, abort := context.WithCancelCause(detached)
	defer abort(nil)
	keeper := newLeaseKeeper(o.Locker, lease, o.ttl(), abort)
	beat, stopBeat := context.WithCancel(detached)
	beatDone := make(chan struct{})
	go func() {
		defer close(beatDone)
		keeper.heartbeat(beat, o.heartbeatInterval())
	}()
	defer func() {
		stopBeat()
		<-beatDone
		if err := o.Locker.Release(detached, keeper.current()); err != nil {
			telemetry.Warn("run.lease.release_failed", map[string]any{
				"run_id": runID,
				"error":  util.SanitizeError(err),
			})
		}
	}()

	run, err := o.Store.Load(work, runID)
	if err != nil {
		return result, err
	}
	if !run.Status.Active() {
		return o.skip(result, run.Status), nil
	}
	if run, err = o.Store.Begin(work, runID); err != nil {
		if errors.Is(err, runs.ErrNotActive) {
			// Cancelled between the load and the transition.
			current, lerr := o.Store.Load(work, runID)
			if lerr != nil {
				return result, persistence("reload run", lerr)
			}
			return o.skip(result, current.Status), nil
		}
		return result, persistence("begin run", err)
	}

	started := time.Now()
	metrics.IncRunStarted()
	telemetry.Info("run.started", map[string]any{
		"run_id":     runID,
		"subject_id": run.SubjectID,
		"stage":      string(run.Stage),
	})

	runErr := o.runStages(ctx, work, keeper, run, &result)
	return o.conclude(work, keeper, runID, started, result, runErr)
}

func (o *Orchestrator) skip(result RunResult, status runs.Status) RunResult {
	telemetry.Info("run.skipped", map[string]any{"run_id": result.RunID, "status": string(status)})
	result.Status = status
	result.Partial = status == runs.StatusPartial
	return result
}

func (o *Orchestrator) runStages(ctx, work context.Context, keeper *leaseKeeper, run runs.Run, result *RunResult) error {
	subject, err := o.Artifacts.GetSubject(work, run.SubjectID)
	if err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			return precondition(runs.StageScript, "subject %s not found", run.SubjectID)
		}
		return persistence("load subject", err)
	}
	rc := &RunContext{Run: run, Subject: subject}

	for _, ex := range o.Executors {
		stage := ex.Stage()
		if ctx.Err() != nil || rc.Run.CancelRequested {
			return ErrCancelled
		}
		if err := keeper.ensure(work); err != nil {
			return err
		}
		if err := o.Store.AdvanceStage(work, run.ID, stage); err != nil {
			return persistence("advance stage", err)
		}
		if err := ex.CheckPrerequisites(work, rc); err != nil {
			return err
		}
		satisfied, err := ex.AlreadySatisfied(work, rc)
		if err != nil {
			return err
		}
		if satisfied {
			delta := runs.ProgressDelta{Satisfied: true, Message: string(stage) + ": already satisfied"}
			if _, err := o.Store.RecordUnitProgress(work, run.ID, stage, delta); err != nil {
				return persistence("record progress", err)
			}
			result.SkippedStages = append(result.SkippedStages, stage)
			telemetry.Info("run.stage.skipped", map[string]any{"run_id": run.ID, "stage": string(stage)})
		} else {
			rep := &UnitReporter{orch: o, parent: ctx, runID: run.ID, stage: stage, lease: keeper}
			telemetry.Info("run.stage.started", map[string]any{"run_id": run.ID, "stage": string(stage)})
			if err := ex.Execute(work, rc, rep); err != nil {
				return err
			}
			if err := rep.finish(work); err != nil {
				return err
			}
			total, completed, failed := rep.Progress()
			telemetry.Info("run.stage.finished", map[string]any{
				"run_id":    run.ID,
				"stage":     string(stage),
				"total":     total,
				"completed": completed,
				"failed":    failed,
			})
		}
		result.CompletedStages = append(result.CompletedStages, stage)

		if rc.Run, err = o.Store.Load(work, run.ID); err != nil {
			return persistence("reload run", err)
		}
	}
	return persistence("advance stage", o.Store.AdvanceStage(work, run.ID, runs.StageComplete))
}

func (o *Orchestrator) conclude(work context.Context, keeper *leaseKeeper, runID string, started time.Time, result RunResult, runErr error) (RunResult, error) {
	var (
		status  runs.Status
		message string
	)
	switch {
	case keeper.isLost() || errors.Is(runErr, runs.ErrLeaseLost):
		// Another orchestrator owns the run now; it writes the terminal status.
		telemetry.Warn("run.lease.lost", map[string]any{"run_id": runID})
		return result, runs.ErrLeaseLost
	case runErr == nil:
		run, err := o.Store.Load(work, runID)
		if err != nil {
			runErr = persistence("reload run", err)
			status, message = runs.StatusFailed, util.SanitizeError(runErr)
			break
		}
		status = runs.StatusCompleted
		if run.UnderDelivered() {
			status = runs.StatusPartial
		}
	case errors.Is(runErr, ErrCancelled):
		status, message = runs.StatusCancelled, "cancelled at unit boundary"
		runErr = nil
	default:
		status, message = runs.StatusFailed, util.SanitizeError(runErr)
	}

	if err := o.Store.MarkTerminal(work, runID, status, message); err != nil {
		telemetry.Error("run.mark_terminal_failed", map[string]any{
			"run_id": runID,
			"status": string(status),
			"error":  util.SanitizeError(err),
		})
		if runErr == nil {
			runErr = persistence("mark terminal", err)
		}
	}

	result.Status = status
	result.Partial = status == runs.StatusPartial
	metrics.IncRunFinished(string(status))
	metrics.ObserveRunDurationMs(float64(time.Since(started).Milliseconds()))

	fields := map[string]any{
		"run_id":      runID,
		"status":      string(status),
		"stages":      len(result.CompletedStages),
		"duration_ms": time.Since(started).Milliseconds(),
	}
	if runErr != nil {
		fields["error"] = util.SanitizeError(runErr)
		telemetry.Error("run.finished", fields)
	} else {
		telemetry.Info("run.finished", fields)
	}
	return result, runErr
}

func (o *Orchestrator) owner() string {
	if o.Owner != "" {
		return o.Owner
	}
	return runs.OwnerID()
}

func (o *Orchestrator) ttl() time.Duration {
	if o.LeaseTTL > 0 {
		return o.LeaseTTL
	}
	return runs.DefaultLeaseTTL
}

func (o *Orchestrator) heartbeatInterval() time.Duration {
	if o.HeartbeatInterval > 0 {
		return o.HeartbeatInterval
	}
	return o.ttl() / 3
}
