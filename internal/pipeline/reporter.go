package pipeline

import (
	"context"
	"fmt"

	"adreel-backend/internal/runs"
	"adreel-backend/internal/shared/metrics"
	"adreel-backend/internal/shared/telemetry"
	"adreel-backend/internal/shared/util"
)

// UnitReporter persists a stage's progress after every unit and is the only place
// cancellation is observed.
type UnitReporter struct {
	orch   *Orchestrator
	parent context.Context
	runID  string
	stage  runs.Stage
	lease  *leaseKeeper

	total     int
	completed int
	failed    int
}

// Begin starts a new attempt of the stage with total units, of which alreadyDone
// were satisfied by earlier attempts.
func (r *UnitReporter) Begin(ctx context.Context, total, alreadyDone int, message string) error {
	r.total = total
	r.completed = min(alreadyDone, total)
	r.failed = 0
	return r.record(ctx, runs.ProgressDelta{Reset: true, Total: total, Completed: alreadyDone, Message: message})
}

// Checkpoint is called before each unit. It returns ErrCancelled when the caller's
// context is done or a cancel request is stored for the run, and renews the lease.
func (r *UnitReporter) Checkpoint(ctx context.Context) error {
	if r.parent.Err() != nil {
		return ErrCancelled
	}
	run, err := r.orch.Store.Load(ctx, r.runID)
	if err != nil {
		return persistence("load run", err)
	}
	if run.CancelRequested {
		return ErrCancelled
	}
	return r.lease.ensure(ctx)
}

// Done records one completed unit.
func (r *UnitReporter) Done(ctx context.Context, message string) error {
	r.completed++
	metrics.IncUnitSucceeded()
	return r.record(ctx, runs.ProgressDelta{Completed: 1, Message: message})
}

// Failed records one failed unit and lets the stage continue.
func (r *UnitReporter) Failed(ctx context.Context, unit string, cause error) error {
	r.failed++
	metrics.IncUnitFailed()
	uerr := &UnitError{Stage: r.stage, Unit: unit, Err: cause}
	telemetry.Error("run.unit.failed", map[string]any{
		"run_id": r.runID,
		"stage":  string(r.stage),
		"unit":   unit,
		"error":  util.SanitizeError(cause),
	})
	return r.record(ctx, runs.ProgressDelta{Failed: 1, Message: util.SanitizeError(uerr)})
}

// Progress reports the counters of the current attempt.
func (r *UnitReporter) Progress() (total, completed, failed int) {
	return r.total, r.completed, r.failed
}

func (r *UnitReporter) finish(ctx context.Context) error {
	msg := fmt.Sprintf("%s: %d of %d units completed", r.stage, r.completed, r.total)
	if r.failed > 0 {
		msg = fmt.Sprintf("%s, %d failed", msg, r.failed)
	}
	return r.record(ctx, runs.ProgressDelta{Finish: true, Message: msg})
}

func (r *UnitReporter) record(ctx context.Context, delta runs.ProgressDelta) error {
	_, err := r.orch.Store.RecordUnitProgress(ctx, r.runID, r.stage, delta)
	return persistence("record progress", err)
}
