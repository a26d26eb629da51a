package pipeline

import (
	"context"
	"errors"

	"adreel-backend/internal/assets"
	"adreel-backend/internal/captions"
	"adreel-backend/internal/provider"
	"adreel-backend/internal/runs"
)

// Executor is the orchestration logic of one stage.
type Executor interface {
	Stage() runs.Stage
	// CheckPrerequisites returns a *PreconditionError when an upstream artifact the
	// stage needs is missing.
	CheckPrerequisites(ctx context.Context, rc *RunContext) error
	// AlreadySatisfied reports whether the stage's output already exists, in which
	// case the stage is skipped.
	AlreadySatisfied(ctx context.Context, rc *RunContext) (bool, error)
	// Execute performs the stage's units, reporting each through rep. A returned
	// error is fatal to the run; unit failures are reported, not returned.
	Execute(ctx context.Context, rc *RunContext, rep *UnitReporter) error
}

// RunContext is what an executor sees of the run.
type RunContext struct {
	Run     runs.Run
	Subject runs.Subject
}

// AssetStore persists provider artifacts and returns stable URLs.
type AssetStore interface {
	Persist(ctx context.Context, src assets.Source, place assets.Placement) (string, error)
}

// Deps are the collaborators shared by the stage executors.
type Deps struct {
	Artifacts        runs.Artifacts
	Store            runs.Store
	Provider         provider.Gateway
	Assets           AssetStore
	Captions         *captions.Presets
	ScriptCandidates int
}

const (
	defaultScriptCandidates = 3
	imageCandidates         = 2
	imageWidth              = 1080
	imageHeight             = 1920
	minScenes               = 3
	secondsPerScene         = 7
)

// DefaultExecutors returns one executor per stage in pipeline order.
func DefaultExecutors(deps *Deps) []Executor {
	return []Executor{
		&scriptStage{deps: deps},
		&scenesStage{deps: deps},
		&imagesStage{deps: deps},
		&videoStage{deps: deps},
		&voiceoverStage{deps: deps},
		&musicStage{deps: deps},
		&captionsStage{deps: deps},
		&compileStage{deps: deps},
		&metadataStage{deps: deps},
	}
}

// TargetSceneCount is max(3, floor(duration/7)).
func TargetSceneCount(durationSeconds int) int {
	return max(minScenes, durationSeconds/secondsPerScene)
}

func selectedScript(ctx context.Context, deps *Deps, stage runs.Stage, runID string) (runs.Script, error) {
	script, err := deps.Artifacts.SelectedScript(ctx, runID)
	if err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			return runs.Script{}, precondition(stage, "no selected script")
		}
		return runs.Script{}, persistence("load selected script", err)
	}
	return script, nil
}

func selectedScenes(ctx context.Context, deps *Deps, stage runs.Stage, runID string) (runs.Script, []runs.Scene, error) {
	script, err := selectedScript(ctx, deps, stage, runID)
	if err != nil {
		return runs.Script{}, nil, err
	}
	scenes, err := deps.Artifacts.ListScenes(ctx, script.ID)
	if err != nil {
		return runs.Script{}, nil, persistence("list scenes", err)
	}
	if len(scenes) == 0 {
		return runs.Script{}, nil, precondition(stage, "selected script has no scenes")
	}
	return script, scenes, nil
}

func assetsByScene(ctx context.Context, deps *Deps, runID string, kind runs.AssetKind) (map[string]runs.MediaAsset, error) {
	list, err := deps.Artifacts.ListAssets(ctx, runID, kind)
	if err != nil {
		return nil, persistence("list assets", err)
	}
	out := make(map[string]runs.MediaAsset, len(list))
	for _, a := range list {
		out[a.SceneID] = a
	}
	return out, nil
}

func runAsset(ctx context.Context, deps *Deps, runID string, kind runs.AssetKind) (runs.MediaAsset, bool, error) {
	list, err := deps.Artifacts.ListAssets(ctx, runID, kind)
	if err != nil {
		return runs.MediaAsset{}, false, persistence("list assets", err)
	}
	for _, a := range list {
		if a.SceneID == "" {
			return a, true, nil
		}
	}
	return runs.MediaAsset{}, false, nil
}

func providerSubject(s runs.Subject) provider.Subject {
	return provider.Subject{Name: s.Name, Description: s.Description, ImageURL: s.ImageURL}
}
