package pipeline

import (
	"errors"
	"fmt"

	"adreel-backend/internal/runs"
)

// ErrCancelled is returned when a cancel request is observed at a unit boundary.
var ErrCancelled = errors.New("run cancelled")

// PreconditionError means a stage's required upstream artifact is missing.
type PreconditionError struct {
	Stage  runs.Stage
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition failed for stage %s: %s", e.Stage, e.Reason)
}

// PersistenceError means the run state or artifact store failed to record a transition.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// UnitError is a single unit's failure. It is recorded and the stage continues.
type UnitError struct {
	Stage runs.Stage
	Unit  string
	Err   error
}

func (e *UnitError) Error() string {
	return fmt.Sprintf("stage %s unit %s: %v", e.Stage, e.Unit, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

func precondition(stage runs.Stage, format string, args ...any) error {
	return &PreconditionError{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	if errors.Is(err, ErrCancelled) || errors.Is(err, runs.ErrLeaseLost) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}
