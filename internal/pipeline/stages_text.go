package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"adreel-backend/internal/provider"
	"adreel-backend/internal/runs"
	"adreel-backend/internal/shared/telemetry"
	"adreel-backend/internal/shared/util"
)

type scriptStage struct{ deps *Deps }

func (s *scriptStage) Stage() runs.Stage { return runs.StageScript }

func (s *scriptStage) CheckPrerequisites(ctx context.Context, rc *RunContext) error {
	if strings.TrimSpace(rc.Subject.Name) == "" {
		return precondition(runs.StageScript, "subject %s has no name", rc.Run.SubjectID)
	}
	return nil
}

func (s *scriptStage) AlreadySatisfied(ctx context.Context, rc *RunContext) (bool, error) {
	_, err := s.deps.Artifacts.SelectedScript(ctx, rc.Run.ID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, runs.ErrNotFound):
		return false, nil
	default:
		return false, persistence("load selected script", err)
	}
}

func (s *scriptStage) Execute(ctx context.Context, rc *RunContext, rep *UnitReporter) error {
	if err := rep.Begin(ctx, 1, 0, "generating script candidates"); err != nil {
		return err
	}
	if err := rep.Checkpoint(ctx); err != nil {
		return err
	}
	// Candidates left by an interrupted attempt are reused so a resume selects among
	// the same set instead of adding more.
	scripts, err := s.deps.Artifacts.ListScripts(ctx, rc.Run.ID)
	if err != nil {
		return persistence("list scripts", err)
	}
	if len(scripts) == 0 {
		count := s.deps.ScriptCandidates
		if count <= 0 {
			count = defaultScriptCandidates
		}
		contents, err := s.deps.Provider.GenerateScriptCandidates(ctx, provider.ScriptRequest{
			Subject:         providerSubject(rc.Subject),
			Style:           rc.Run.Settings.Style,
			DurationSeconds: rc.Run.Settings.DurationSeconds,
			Count:           count,
		})
		if err != nil {
			return rep.Failed(ctx, "script candidates", err)
		}
		for _, content := range contents {
			if strings.TrimSpace(content) == "" {
				continue
			}
			script := runs.Script{
				ID:        uuid.NewString(),
				RunID:     rc.Run.ID,
				Content:   strings.TrimSpace(content),
				CreatedAt: time.Now().UTC(),
			}
			if err := s.deps.Artifacts.CreateScript(ctx, script); err != nil {
				return persistence("create script", err)
			}
			scripts = append(scripts, script)
		}
		if len(scripts) == 0 {
			return rep.Failed(ctx, "script candidates", errors.New("provider returned no usable scripts"))
		}
	}

	contents := make([]string, len(scripts))
	for i, sc := range scripts {
		contents[i] = sc.Content
	}
	criteria := fmt.Sprintf("the most engaging script for a %d second vertical ad about %s", rc.Run.Settings.DurationSeconds, rc.Subject.Name)
	idx := chooseBest(ctx, s.deps.Provider, rc.Run.ID, runs.StageScript, contents, criteria)
	if err := s.deps.Artifacts.SelectScript(ctx, rc.Run.ID, scripts[idx].ID); err != nil {
		return persistence("select script", err)
	}
	return rep.Done(ctx, fmt.Sprintf("selected script %d of %d", idx+1, len(scripts)))
}

type scenesStage struct{ deps *Deps }

func (s *scenesStage) Stage() runs.Stage { return runs.StageScenes }

func (s *scenesStage) CheckPrerequisites(ctx context.Context, rc *RunContext) error {
	_, err := selectedScript(ctx, s.deps, runs.StageScenes, rc.Run.ID)
	return err
}

// AlreadySatisfied is true once the selected script has scenes and, when an
// earlier attempt recorded how many it planned, all of them exist.
func (s *scenesStage) AlreadySatisfied(ctx context.Context, rc *RunContext) (bool, error) {
	script, err := selectedScript(ctx, s.deps, runs.StageScenes, rc.Run.ID)
	if err != nil {
		return false, err
	}
	scenes, err := s.deps.Artifacts.ListScenes(ctx, script.ID)
	if err != nil {
		return false, persistence("list scenes", err)
	}
	if len(scenes) == 0 {
		return false, nil
	}
	planned := rc.Run.Progress(runs.StageScenes).TotalUnits
	return planned == 0 || len(scenes) >= planned, nil
}

func (s *scenesStage) Execute(ctx context.Context, rc *RunContext, rep *UnitReporter) error {
	script, err := selectedScript(ctx, s.deps, runs.StageScenes, rc.Run.ID)
	if err != nil {
		return err
	}
	existing, err := s.deps.Artifacts.ListScenes(ctx, script.ID)
	if err != nil {
		return persistence("list scenes", err)
	}
	if err := rep.Checkpoint(ctx); err != nil {
		return err
	}
	target := TargetSceneCount(rc.Run.Settings.DurationSeconds)
	drafts, err := s.deps.Provider.BreakdownScenes(ctx, script.Content, target)
	if err == nil && len(drafts) == 0 {
		err = errors.New("provider returned no scenes")
	}
	if err != nil {
		if berr := rep.Begin(ctx, 1, 0, "breaking down script"); berr != nil {
			return berr
		}
		return rep.Failed(ctx, "scene breakdown", err)
	}

	// Scene numbers are positional, so an interrupted attempt's scenes are kept and
	// only the remaining positions are filled from the new breakdown.
	done := min(len(existing), len(drafts))
	if err := rep.Begin(ctx, len(drafts), done, fmt.Sprintf("creating %d scenes", len(drafts))); err != nil {
		return err
	}
	for i := done; i < len(drafts); i++ {
		if err := rep.Checkpoint(ctx); err != nil {
			return err
		}
		d := drafts[i]
		scene := runs.Scene{
			ID:                uuid.NewString(),
			ScriptID:          script.ID,
			SceneNumber:       i + 1,
			ScriptText:        strings.TrimSpace(d.ScriptText),
			VisualDescription: strings.TrimSpace(d.VisualDescription),
			CreatedAt:         time.Now().UTC(),
		}
		if err := s.deps.Artifacts.CreateScene(ctx, scene); err != nil {
			return persistence("create scene", err)
		}
		if err := rep.Done(ctx, fmt.Sprintf("created scene %d of %d", i+1, len(drafts))); err != nil {
			return err
		}
	}
	return nil
}

type metadataStage struct{ deps *Deps }

func (s *metadataStage) Stage() runs.Stage { return runs.StageMetadata }

func (s *metadataStage) CheckPrerequisites(ctx context.Context, rc *RunContext) error {
	_, err := selectedScript(ctx, s.deps, runs.StageMetadata, rc.Run.ID)
	return err
}

func (s *metadataStage) AlreadySatisfied(ctx context.Context, rc *RunContext) (bool, error) {
	return rc.Run.Settings.Metadata != nil, nil
}

// Execute never fails the run: a provider error is recorded as a failed unit.
func (s *metadataStage) Execute(ctx context.Context, rc *RunContext, rep *UnitReporter) error {
	script, err := selectedScript(ctx, s.deps, runs.StageMetadata, rc.Run.ID)
	if err != nil {
		return err
	}
	if err := rep.Begin(ctx, 1, 0, "generating platform metadata"); err != nil {
		return err
	}
	if err := rep.Checkpoint(ctx); err != nil {
		return err
	}
	meta, err := s.deps.Provider.GenerateMetadata(ctx, rc.Subject.Name, script.Content)
	if err != nil {
		return rep.Failed(ctx, "metadata", err)
	}
	_, err = s.deps.Store.UpdateSettings(ctx, rc.Run.ID, func(st *runs.Settings) {
		st.Metadata = &runs.PlatformMetadata{
			Description: meta.Description,
			Hashtags:    normalizeHashtags(meta.Hashtags),
		}
	})
	if err != nil {
		return persistence("store metadata", err)
	}
	return rep.Done(ctx, "platform metadata ready")
}

func normalizeHashtags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := map[string]bool{}
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !strings.HasPrefix(t, "#") {
			t = "#" + t
		}
		t = strings.ReplaceAll(t, " ", "")
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

// chooseBest asks the provider to rank candidates and falls back to the first one
// when ranking fails.
func chooseBest(ctx context.Context, gw provider.TextGateway, runID string, stage runs.Stage, candidates []string, criteria string) int {
	if len(candidates) <= 1 {
		return 0
	}
	idx, err := gw.SelectBest(ctx, candidates, criteria)
	if err == nil && idx >= 0 && idx < len(candidates) {
		return idx
	}
	if err == nil {
		err = fmt.Errorf("index %d out of range", idx)
	}
	telemetry.Warn("run.select_best.fallback", map[string]any{
		"run_id": runID,
		"stage":  string(stage),
		"error":  util.SanitizeError(err),
	})
	return 0
}
