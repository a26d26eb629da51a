package pipeline

import (
	"context"
	"fmt"
	"slices"
	"time"

	"adreel-backend/internal/captions"
	"adreel-backend/internal/runs"
)

type captionsStage struct{ deps *Deps }

func (s *captionsStage) Stage() runs.Stage { return runs.StageCaptions }

func (s *captionsStage) CheckPrerequisites(ctx context.Context, rc *RunContext) error { return nil }

func (s *captionsStage) AlreadySatisfied(ctx context.Context, rc *RunContext) (bool, error) {
	return rc.Run.Settings.CaptionStyle != nil, nil
}

func (s *captionsStage) Execute(ctx context.Context, rc *RunContext, rep *UnitReporter) error {
	if err := rep.Begin(ctx, 1, 0, "applying caption style"); err != nil {
		return err
	}
	if err := rep.Checkpoint(ctx); err != nil {
		return err
	}
	presets := s.deps.Captions
	if presets == nil {
		loaded, err := captions.Load()
		if err != nil {
			return rep.Failed(ctx, "caption style", err)
		}
		presets = loaded
	}
	requested := rc.Run.Settings.CaptionPreset
	style, matched := presets.Resolve(requested)
	if _, err := s.deps.Store.UpdateSettings(ctx, rc.Run.ID, func(st *runs.Settings) {
		st.CaptionStyle = &style
	}); err != nil {
		return persistence("store caption style", err)
	}
	msg := fmt.Sprintf("caption style %s applied", style.Preset)
	if requested != "" && !matched {
		msg = fmt.Sprintf("unknown caption preset %q, %s", requested, msg)
	}
	return rep.Done(ctx, msg)
}

type compileStage struct{ deps *Deps }

func (s *compileStage) Stage() runs.Stage { return runs.StageCompile }

func (s *compileStage) CheckPrerequisites(ctx context.Context, rc *RunContext) error {
	_, _, err := selectedScenes(ctx, s.deps, runs.StageCompile, rc.Run.ID)
	return err
}

// AlreadySatisfied is true when the stored manifest still describes the run's
// current assets.
func (s *compileStage) AlreadySatisfied(ctx context.Context, rc *RunContext) (bool, error) {
	stored := rc.Run.Settings.Export
	if stored == nil {
		return false, nil
	}
	fresh, err := s.build(ctx, rc)
	if err != nil {
		return false, err
	}
	return sameManifest(*stored, fresh), nil
}

func (s *compileStage) Execute(ctx context.Context, rc *RunContext, rep *UnitReporter) error {
	if err := rep.Begin(ctx, 1, 0, "preparing export manifest"); err != nil {
		return err
	}
	if err := rep.Checkpoint(ctx); err != nil {
		return err
	}
	manifest, err := s.build(ctx, rc)
	if err != nil {
		return err
	}
	if _, err := s.deps.Store.UpdateSettings(ctx, rc.Run.ID, func(st *runs.Settings) {
		st.Export = &manifest
	}); err != nil {
		return persistence("store export manifest", err)
	}
	msg := fmt.Sprintf("export manifest with %d clips prepared", len(manifest.Clips))
	if !manifest.ReadyForExport {
		msg += ", not ready for export"
	}
	return rep.Done(ctx, msg)
}

// build assembles the manifest. It is ready for export when every scene has a
// visual and a voiceover exists.
func (s *compileStage) build(ctx context.Context, rc *RunContext) (runs.ExportManifest, error) {
	_, scenes, err := selectedScenes(ctx, s.deps, runs.StageCompile, rc.Run.ID)
	if err != nil {
		return runs.ExportManifest{}, err
	}
	images, err := assetsByScene(ctx, s.deps, rc.Run.ID, runs.AssetImage)
	if err != nil {
		return runs.ExportManifest{}, err
	}
	clips, err := assetsByScene(ctx, s.deps, rc.Run.ID, runs.AssetVideoClip)
	if err != nil {
		return runs.ExportManifest{}, err
	}
	voice, hasVoice, err := runAsset(ctx, s.deps, rc.Run.ID, runs.AssetVoiceover)
	if err != nil {
		return runs.ExportManifest{}, err
	}
	music, _, err := runAsset(ctx, s.deps, rc.Run.ID, runs.AssetMusic)
	if err != nil {
		return runs.ExportManifest{}, err
	}

	m := runs.ExportManifest{
		Clips:        make([]runs.ExportClip, 0, len(scenes)),
		VoiceoverURL: voice.URL,
		MusicURL:     music.URL,
		CaptionStyle: rc.Run.Settings.CaptionStyle,
		PreparedAt:   time.Now().UTC(),
	}
	visuals := 0
	for _, sc := range scenes {
		clip := runs.ExportClip{
			SceneNumber: sc.SceneNumber,
			ImageURL:    images[sc.ID].URL,
			ClipURL:     clips[sc.ID].URL,
			Caption:     sc.ScriptText,
		}
		if clip.ImageURL != "" || clip.ClipURL != "" {
			visuals++
		}
		m.Clips = append(m.Clips, clip)
	}
	m.ReadyForExport = len(scenes) > 0 && visuals == len(scenes) && hasVoice
	return m, nil
}

func sameManifest(a, b runs.ExportManifest) bool {
	if a.ReadyForExport != b.ReadyForExport || a.VoiceoverURL != b.VoiceoverURL || a.MusicURL != b.MusicURL {
		return false
	}
	if (a.CaptionStyle == nil) != (b.CaptionStyle == nil) {
		return false
	}
	if a.CaptionStyle != nil && *a.CaptionStyle != *b.CaptionStyle {
		return false
	}
	return slices.Equal(a.Clips, b.Clips)
}
