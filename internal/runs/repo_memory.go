package runs

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepo keeps runs and artifacts in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu       sync.RWMutex
	runs     map[string]Run
	subjects map[string]Subject
	scripts  map[string][]Script
	scenes   map[string][]Scene
	assets   map[string][]MediaAsset
	presets  map[string]MusicPreset
	now      func() time.Time
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		runs:     make(map[string]Run),
		subjects: make(map[string]Subject),
		scripts:  make(map[string][]Script),
		scenes:   make(map[string][]Scene),
		assets:   make(map[string][]MediaAsset),
		presets:  make(map[string]MusicPreset),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a new run.
func (r *MemoryRepo) Create(ctx context.Context, run Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if run.StageProgress == nil {
		run.StageProgress = map[Stage]StageProgress{}
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = run.CreatedAt
	}
	r.runs[run.ID] = cloneRun(run)
	return nil
}

// Load returns a copy of the latest stored run.
func (r *MemoryRepo) Load(ctx context.Context, runID string) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	return cloneRun(run), nil
}

// Begin marks a pending or in-progress run in progress.
func (r *MemoryRepo) Begin(ctx context.Context, runID string) (Run, error) {
	return r.mutate(ctx, runID, func(run *Run) error {
		if !run.Status.Active() {
			return ErrNotActive
		}
		run.Status = StatusInProgress
		run.ErrorMessage = ""
		return nil
	})
}

// AdvanceStage moves the stage pointer forward only.
func (r *MemoryRepo) AdvanceStage(ctx context.Context, runID string, stage Stage) error {
	_, err := r.mutate(ctx, runID, func(run *Run) error {
		if run.Stage.Valid() && !run.Stage.Before(stage) {
			return errNoChange
		}
		run.Stage = stage
		return nil
	})
	return err
}

// RecordUnitProgress merges a delta into the stage's progress record.
func (r *MemoryRepo) RecordUnitProgress(ctx context.Context, runID string, stage Stage, delta ProgressDelta) (StageProgress, error) {
	var out StageProgress
	_, err := r.mutate(ctx, runID, func(run *Run) error {
		out = run.Progress(stage).Apply(delta, r.now())
		run.StageProgress[stage] = out
		return nil
	})
	return out, err
}

// MarkTerminal sets a terminal status.
func (r *MemoryRepo) MarkTerminal(ctx context.Context, runID string, status Status, errorMessage string) error {
	_, err := r.mutate(ctx, runID, func(run *Run) error {
		run.Status = status
		run.ErrorMessage = errorMessage
		return nil
	})
	return err
}

// RequestCancel flags or cancels the run.
func (r *MemoryRepo) RequestCancel(ctx context.Context, runID string) (Run, error) {
	return r.mutate(ctx, runID, func(run *Run) error {
		switch run.Status {
		case StatusPending:
			run.Status = StatusCancelled
			run.ErrorMessage = "cancelled before start"
		case StatusInProgress:
			run.CancelRequested = true
		default:
			return ErrNotActive
		}
		return nil
	})
}

// Requeue puts a resumable run back to pending.
func (r *MemoryRepo) Requeue(ctx context.Context, runID string) (Run, error) {
	return r.mutate(ctx, runID, func(run *Run) error {
		if !run.Status.Resumable() {
			return ErrNotResumable
		}
		run.Status = StatusPending
		run.Stage = StageScript
		run.CancelRequested = false
		run.ErrorMessage = ""
		return nil
	})
}

// UpdateSettings applies a patch to the stored settings.
func (r *MemoryRepo) UpdateSettings(ctx context.Context, runID string, patch func(*Settings)) (Settings, error) {
	run, err := r.mutate(ctx, runID, func(run *Run) error {
		patch(&run.Settings)
		return nil
	})
	if err != nil {
		return Settings{}, err
	}
	return run.Settings, nil
}

// ListBySubject returns runs for a subject, newest first.
func (r *MemoryRepo) ListBySubject(ctx context.Context, subjectID string, limit, offset int) ([]Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]Run, 0)
	for _, run := range r.runs {
		if run.SubjectID == subjectID {
			out = append(out, cloneRun(run))
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if offset < 0 {
		offset = 0
	}
	if offset >= len(out) {
		return []Run{}, nil
	}
	end := len(out)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return out[offset:end], nil
}

func (r *MemoryRepo) mutate(ctx context.Context, runID string, fn func(*Run) error) (Run, error) {
	if err := ctx.Err(); err != nil {
		return Run{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.runs[runID]
	if !ok {
		return Run{}, ErrNotFound
	}
	run := cloneRun(stored)
	if run.StageProgress == nil {
		run.StageProgress = map[Stage]StageProgress{}
	}
	if err := fn(&run); err != nil {
		if err == errNoChange {
			return cloneRun(stored), nil
		}
		return Run{}, err
	}
	run.UpdatedAt = r.now()
	r.runs[runID] = run
	return cloneRun(run), nil
}

// UpsertSubject creates or replaces a subject.
func (r *MemoryRepo) UpsertSubject(ctx context.Context, subject Subject) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	subject.UpdatedAt = r.now()
	r.subjects[subject.ID] = subject
	return nil
}

// GetSubject returns a subject by ID.
func (r *MemoryRepo) GetSubject(ctx context.Context, subjectID string) (Subject, error) {
	if err := ctx.Err(); err != nil {
		return Subject{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	subject, ok := r.subjects[subjectID]
	if !ok {
		return Subject{}, ErrNotFound
	}
	return subject, nil
}

// CreateScript stores a script candidate.
func (r *MemoryRepo) CreateScript(ctx context.Context, script Script) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[script.RunID] = append(r.scripts[script.RunID], script)
	return nil
}

// ListScripts returns the run's scripts in creation order.
func (r *MemoryRepo) ListScripts(ctx context.Context, runID string) ([]Script, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Script{}, r.scripts[runID]...), nil
}

// SelectedScript returns the selected script of a run.
func (r *MemoryRepo) SelectedScript(ctx context.Context, runID string) (Script, error) {
	if err := ctx.Err(); err != nil {
		return Script{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.scripts[runID] {
		if s.IsSelected {
			return s, nil
		}
	}
	return Script{}, ErrNotFound
}

// SelectScript selects one script and deselects its siblings.
func (r *MemoryRepo) SelectScript(ctx context.Context, runID, scriptID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	scripts := r.scripts[runID]
	found := false
	for i := range scripts {
		if scripts[i].ID == scriptID {
			found = true
		}
	}
	if !found {
		return ErrNotFound
	}
	for i := range scripts {
		scripts[i].IsSelected = scripts[i].ID == scriptID
		if !scripts[i].IsSelected {
			delete(r.scenes, scripts[i].ID)
		}
	}
	return nil
}

// CreateScene stores a scene.
func (r *MemoryRepo) CreateScene(ctx context.Context, scene Scene) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scenes[scene.ScriptID] = append(r.scenes[scene.ScriptID], scene)
	return nil
}

// ListScenes returns a script's scenes ordered by scene number.
func (r *MemoryRepo) ListScenes(ctx context.Context, scriptID string) ([]Scene, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	scenes := append([]Scene{}, r.scenes[scriptID]...)
	r.mu.RUnlock()
	sort.Slice(scenes, func(i, j int) bool { return scenes[i].SceneNumber < scenes[j].SceneNumber })
	return scenes, nil
}

// CreateAsset stores an asset unless the unit already has one.
func (r *MemoryRepo) CreateAsset(ctx context.Context, asset MediaAsset) (MediaAsset, error) {
	if err := ctx.Err(); err != nil {
		return MediaAsset{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.assets[asset.RunID] {
		if existing.Kind == asset.Kind && existing.SceneID == asset.SceneID {
			return existing, nil
		}
	}
	r.assets[asset.RunID] = append(r.assets[asset.RunID], asset)
	return asset, nil
}

// ListAssets returns the run's assets of a kind; an empty kind returns all.
func (r *MemoryRepo) ListAssets(ctx context.Context, runID string, kind AssetKind) ([]MediaAsset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]MediaAsset, 0)
	for _, a := range r.assets[runID] {
		if kind == "" || a.Kind == kind {
			out = append(out, a)
		}
	}
	return out, nil
}

// GetMusicPreset returns an organization's preset track.
func (r *MemoryRepo) GetMusicPreset(ctx context.Context, organizationID string) (MusicPreset, error) {
	if err := ctx.Err(); err != nil {
		return MusicPreset{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	preset, ok := r.presets[organizationID]
	if !ok {
		return MusicPreset{}, ErrNotFound
	}
	return preset, nil
}

// PutMusicPreset creates or replaces an organization's preset track.
func (r *MemoryRepo) PutMusicPreset(ctx context.Context, preset MusicPreset) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	preset.UpdatedAt = r.now()
	r.presets[preset.OrganizationID] = preset
	return nil
}

func cloneRun(run Run) Run {
	out := run
	out.StageProgress = make(map[Stage]StageProgress, len(run.StageProgress))
	for k, v := range run.StageProgress {
		out.StageProgress[k] = v
	}
	out.Settings = cloneSettings(run.Settings)
	return out
}

func cloneSettings(s Settings) Settings {
	out := s
	if s.CaptionStyle != nil {
		cs := *s.CaptionStyle
		out.CaptionStyle = &cs
	}
	if s.Metadata != nil {
		md := *s.Metadata
		md.Hashtags = append([]string(nil), s.Metadata.Hashtags...)
		out.Metadata = &md
	}
	if s.Export != nil {
		ex := *s.Export
		ex.Clips = append([]ExportClip(nil), s.Export.Clips...)
		if s.Export.CaptionStyle != nil {
			cs := *s.Export.CaptionStyle
			ex.CaptionStyle = &cs
		}
		out.Export = &ex
	}
	return out
}

var (
	_ Store     = (*MemoryRepo)(nil)
	_ Artifacts = (*MemoryRepo)(nil)
)
