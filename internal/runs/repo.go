package runs

import (
	"context"
	"time"
)

// Store is the Run State Store. Every mutation is a read-modify-write merge against
// the latest stored document.
type Store interface {
	Create(ctx context.Context, run Run) error
	Load(ctx context.Context, runID string) (Run, error)
	// Begin marks a pending or in-progress run in progress for an orchestrator
	// invocation. A stored cancel request is kept. Any other status is ErrNotActive.
	Begin(ctx context.Context, runID string) (Run, error)
	// AdvanceStage moves the stage pointer forward. Moving to an earlier or equal
	// stage is a no-op.
	AdvanceStage(ctx context.Context, runID string, stage Stage) error
	RecordUnitProgress(ctx context.Context, runID string, stage Stage, delta ProgressDelta) (StageProgress, error)
	MarkTerminal(ctx context.Context, runID string, status Status, errorMessage string) error
	// RequestCancel flags an in-progress run for cooperative cancellation, or cancels
	// a pending run outright. It returns the run after the change.
	RequestCancel(ctx context.Context, runID string) (Run, error)
	// Requeue puts a resumable run back to pending. This is an explicit re-run, so
	// the stage pointer restarts at the first stage; stages whose output exists are
	// skipped again on the way forward.
	Requeue(ctx context.Context, runID string) (Run, error)
	UpdateSettings(ctx context.Context, runID string, patch func(*Settings)) (Settings, error)
	ListBySubject(ctx context.Context, subjectID string, limit, offset int) ([]Run, error)
}

// Artifacts persists the content produced by stages and the inputs they read.
type Artifacts interface {
	UpsertSubject(ctx context.Context, subject Subject) error
	GetSubject(ctx context.Context, subjectID string) (Subject, error)

	CreateScript(ctx context.Context, script Script) error
	ListScripts(ctx context.Context, runID string) ([]Script, error)
	SelectedScript(ctx context.Context, runID string) (Script, error)
	// SelectScript marks exactly one script of the run as selected and deletes the
	// scenes of every sibling.
	SelectScript(ctx context.Context, runID, scriptID string) error

	CreateScene(ctx context.Context, scene Scene) error
	ListScenes(ctx context.Context, scriptID string) ([]Scene, error)

	// CreateAsset stores an asset. A second asset for the same (run, scene, kind) unit
	// is ignored and the stored one is returned.
	CreateAsset(ctx context.Context, asset MediaAsset) (MediaAsset, error)
	ListAssets(ctx context.Context, runID string, kind AssetKind) ([]MediaAsset, error)

	GetMusicPreset(ctx context.Context, organizationID string) (MusicPreset, error)
	PutMusicPreset(ctx context.Context, preset MusicPreset) error
}

// Lease is ownership of a run by one orchestrator.
type Lease struct {
	RunID     string
	Owner     string
	Token     string
	ExpiresAt time.Time
}

// Locker grants run-level mutual exclusion.
type Locker interface {
	Acquire(ctx context.Context, runID, owner string, ttl time.Duration) (Lease, error)
	Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error)
	Release(ctx context.Context, lease Lease) error
}
