package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"adreel-backend/internal/assets"
	"adreel-backend/internal/provider"
	"adreel-backend/internal/runs"
)

type imagesStage struct{ deps *Deps }

func (s *imagesStage) Stage() runs.Stage { return runs.StageImages }

func (s *imagesStage) CheckPrerequisites(ctx context.Context, rc *RunContext) error {
	_, _, err := selectedScenes(ctx, s.deps, runs.StageImages, rc.Run.ID)
	return err
}

func (s *imagesStage) AlreadySatisfied(ctx context.Context, rc *RunContext) (bool, error) {
	_, scenes, err := selectedScenes(ctx, s.deps, runs.StageImages, rc.Run.ID)
	if err != nil {
		return false, err
	}
	images, err := assetsByScene(ctx, s.deps, rc.Run.ID, runs.AssetImage)
	if err != nil {
		return false, err
	}
	return countWith(scenes, images) == len(scenes), nil
}

func (s *imagesStage) Execute(ctx context.Context, rc *RunContext, rep *UnitReporter) error {
	_, scenes, err := selectedScenes(ctx, s.deps, runs.StageImages, rc.Run.ID)
	if err != nil {
		return err
	}
	images, err := assetsByScene(ctx, s.deps, rc.Run.ID, runs.AssetImage)
	if err != nil {
		return err
	}
	done := countWith(scenes, images)
	if err := rep.Begin(ctx, len(scenes), done, fmt.Sprintf("generating images for %d scenes", len(scenes)-done)); err != nil {
		return err
	}
	for _, scene := range scenes {
		if _, ok := images[scene.ID]; ok {
			continue
		}
		if err := rep.Checkpoint(ctx); err != nil {
			return err
		}
		url, meta, err := s.generate(ctx, rc, scene)
		if err != nil {
			if ferr := rep.Failed(ctx, sceneUnit(scene), err); ferr != nil {
				return ferr
			}
			continue
		}
		if err := createAsset(ctx, s.deps, rc.Run.ID, scene.ID, runs.AssetImage, url, meta); err != nil {
			return err
		}
		if err := rep.Done(ctx, fmt.Sprintf("image ready for scene %d of %d", scene.SceneNumber, len(scenes))); err != nil {
			return err
		}
	}
	return nil
}

func (s *imagesStage) generate(ctx context.Context, rc *RunContext, scene runs.Scene) (string, map[string]any, error) {
	prompt := imagePrompt(rc.Subject, scene)
	candidates, err := s.deps.Provider.GenerateImageCandidates(ctx, provider.ImageRequest{
		Prompt:       prompt,
		Style:        rc.Run.Settings.Style,
		Width:        imageWidth,
		Height:       imageHeight,
		Count:        imageCandidates,
		ReferenceURL: rc.Subject.ImageURL,
	})
	if err != nil {
		return "", nil, err
	}
	if len(candidates) == 0 {
		return "", nil, errors.New("provider returned no image candidates")
	}
	idx := chooseBest(ctx, s.deps.Provider, rc.Run.ID, runs.StageImages, candidates,
		"the image that best matches: "+scene.VisualDescription)
	url, err := s.deps.Assets.Persist(ctx, assets.Source{URL: candidates[idx]},
		assets.Placement{RunID: rc.Run.ID, SceneID: scene.ID, Kind: runs.AssetImage})
	if err != nil {
		return "", nil, err
	}
	return url, map[string]any{
		"sceneNumber":    scene.SceneNumber,
		"prompt":         prompt,
		"width":          imageWidth,
		"height":         imageHeight,
		"candidates":     len(candidates),
		"candidateIndex": idx,
	}, nil
}

type videoStage struct{ deps *Deps }

func (s *videoStage) Stage() runs.Stage { return runs.StageVideo }

func (s *videoStage) CheckPrerequisites(ctx context.Context, rc *RunContext) error {
	_, _, err := selectedScenes(ctx, s.deps, runs.StageVideo, rc.Run.ID)
	return err
}

// AlreadySatisfied is true when every scene that has an image also has a clip.
// Scenes without an image are not units of this stage.
func (s *videoStage) AlreadySatisfied(ctx context.Context, rc *RunContext) (bool, error) {
	_, scenes, err := selectedScenes(ctx, s.deps, runs.StageVideo, rc.Run.ID)
	if err != nil {
		return false, err
	}
	images, err := assetsByScene(ctx, s.deps, rc.Run.ID, runs.AssetImage)
	if err != nil {
		return false, err
	}
	clips, err := assetsByScene(ctx, s.deps, rc.Run.ID, runs.AssetVideoClip)
	if err != nil {
		return false, err
	}
	eligible := withAsset(scenes, images)
	return len(eligible) > 0 && countWith(eligible, clips) == len(eligible), nil
}

func (s *videoStage) Execute(ctx context.Context, rc *RunContext, rep *UnitReporter) error {
	_, scenes, err := selectedScenes(ctx, s.deps, runs.StageVideo, rc.Run.ID)
	if err != nil {
		return err
	}
	images, err := assetsByScene(ctx, s.deps, rc.Run.ID, runs.AssetImage)
	if err != nil {
		return err
	}
	clips, err := assetsByScene(ctx, s.deps, rc.Run.ID, runs.AssetVideoClip)
	if err != nil {
		return err
	}
	eligible := withAsset(scenes, images)
	done := countWith(eligible, clips)
	msg := fmt.Sprintf("animating %d scenes", len(eligible)-done)
	if skipped := len(scenes) - len(eligible); skipped > 0 {
		msg = fmt.Sprintf("%s, %d without an image skipped", msg, skipped)
	}
	if err := rep.Begin(ctx, len(eligible), done, msg); err != nil {
		return err
	}
	for _, scene := range eligible {
		if _, ok := clips[scene.ID]; ok {
			continue
		}
		if err := rep.Checkpoint(ctx); err != nil {
			return err
		}
		place := assets.Placement{RunID: rc.Run.ID, SceneID: scene.ID, Kind: runs.AssetVideoClip}
		url, err := s.deps.Provider.AnimateImage(ctx, images[scene.ID].URL, motionPrompt(scene))
		if err == nil {
			url, err = s.deps.Assets.Persist(ctx, assets.Source{URL: url}, place)
		}
		if err != nil {
			if ferr := rep.Failed(ctx, sceneUnit(scene), err); ferr != nil {
				return ferr
			}
			continue
		}
		meta := map[string]any{"sceneNumber": scene.SceneNumber, "sourceImage": images[scene.ID].URL}
		if err := createAsset(ctx, s.deps, rc.Run.ID, scene.ID, runs.AssetVideoClip, url, meta); err != nil {
			return err
		}
		if err := rep.Done(ctx, fmt.Sprintf("clip ready for scene %d", scene.SceneNumber)); err != nil {
			return err
		}
	}
	return nil
}

type voiceoverStage struct{ deps *Deps }

func (s *voiceoverStage) Stage() runs.Stage { return runs.StageVoiceover }

func (s *voiceoverStage) CheckPrerequisites(ctx context.Context, rc *RunContext) error {
	_, err := selectedScript(ctx, s.deps, runs.StageVoiceover, rc.Run.ID)
	return err
}

func (s *voiceoverStage) AlreadySatisfied(ctx context.Context, rc *RunContext) (bool, error) {
	_, ok, err := runAsset(ctx, s.deps, rc.Run.ID, runs.AssetVoiceover)
	return ok, err
}

func (s *voiceoverStage) Execute(ctx context.Context, rc *RunContext, rep *UnitReporter) error {
	script, err := selectedScript(ctx, s.deps, runs.StageVoiceover, rc.Run.ID)
	if err != nil {
		return err
	}
	if err := rep.Begin(ctx, 1, 0, "synthesizing voiceover"); err != nil {
		return err
	}
	if err := rep.Checkpoint(ctx); err != nil {
		return err
	}
	voice := provider.VoiceParams{VoiceID: rc.Run.Settings.VoiceID, Style: rc.Run.Settings.Style}
	url, err := s.deps.Provider.SynthesizeVoice(ctx, script.Content, voice)
	if err == nil {
		url, err = s.deps.Assets.Persist(ctx, assets.Source{URL: url},
			assets.Placement{RunID: rc.Run.ID, Kind: runs.AssetVoiceover})
	}
	if err != nil {
		return rep.Failed(ctx, "voiceover", err)
	}
	meta := map[string]any{"voiceId": voice.VoiceID, "scriptId": script.ID}
	if err := createAsset(ctx, s.deps, rc.Run.ID, "", runs.AssetVoiceover, url, meta); err != nil {
		return err
	}
	return rep.Done(ctx, "voiceover ready")
}

type musicStage struct{ deps *Deps }

func (s *musicStage) Stage() runs.Stage { return runs.StageMusic }

func (s *musicStage) CheckPrerequisites(ctx context.Context, rc *RunContext) error { return nil }

func (s *musicStage) AlreadySatisfied(ctx context.Context, rc *RunContext) (bool, error) {
	_, ok, err := runAsset(ctx, s.deps, rc.Run.ID, runs.AssetMusic)
	return ok, err
}

// Execute uses the organization's preset track when one exists and synthesizes a
// track otherwise.
func (s *musicStage) Execute(ctx context.Context, rc *RunContext, rep *UnitReporter) error {
	if err := rep.Begin(ctx, 1, 0, "selecting background music"); err != nil {
		return err
	}
	if err := rep.Checkpoint(ctx); err != nil {
		return err
	}
	if org := rc.Run.OrganizationID; org != "" {
		preset, err := s.deps.Artifacts.GetMusicPreset(ctx, org)
		switch {
		case err == nil && preset.URL != "":
			meta := map[string]any{"source": "organization_preset", "name": preset.Name}
			if err := createAsset(ctx, s.deps, rc.Run.ID, "", runs.AssetMusic, preset.URL, meta); err != nil {
				return err
			}
			return rep.Done(ctx, "using organization music preset")
		case err != nil && !errors.Is(err, runs.ErrNotFound):
			return persistence("load music preset", err)
		}
	}
	prompt := musicPrompt(rc.Subject, rc.Run.Settings.Style)
	url, err := s.deps.Provider.SynthesizeMusic(ctx, prompt, rc.Run.Settings.DurationSeconds)
	if err == nil {
		url, err = s.deps.Assets.Persist(ctx, assets.Source{URL: url},
			assets.Placement{RunID: rc.Run.ID, Kind: runs.AssetMusic})
	}
	if err != nil {
		return rep.Failed(ctx, "music", err)
	}
	meta := map[string]any{"source": "generated", "prompt": prompt}
	if err := createAsset(ctx, s.deps, rc.Run.ID, "", runs.AssetMusic, url, meta); err != nil {
		return err
	}
	return rep.Done(ctx, "background music ready")
}

func createAsset(ctx context.Context, deps *Deps, runID, sceneID string, kind runs.AssetKind, url string, meta map[string]any) error {
	_, err := deps.Artifacts.CreateAsset(ctx, runs.MediaAsset{
		ID:        uuid.NewString(),
		RunID:     runID,
		SceneID:   sceneID,
		Kind:      kind,
		URL:       url,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	})
	return persistence("create asset", err)
}

func countWith(scenes []runs.Scene, byScene map[string]runs.MediaAsset) int {
	n := 0
	for _, sc := range scenes {
		if _, ok := byScene[sc.ID]; ok {
			n++
		}
	}
	return n
}

func withAsset(scenes []runs.Scene, byScene map[string]runs.MediaAsset) []runs.Scene {
	out := make([]runs.Scene, 0, len(scenes))
	for _, sc := range scenes {
		if _, ok := byScene[sc.ID]; ok {
			out = append(out, sc)
		}
	}
	return out
}

func sceneUnit(scene runs.Scene) string {
	return fmt.Sprintf("scene %d", scene.SceneNumber)
}

func imagePrompt(subject runs.Subject, scene runs.Scene) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(scene.VisualDescription))
	if subject.Name != "" {
		fmt.Fprintf(&b, ". Featuring %s", subject.Name)
	}
	b.WriteString(". Vertical 9:16 composition, no text overlays.")
	return b.String()
}

func motionPrompt(scene runs.Scene) string {
	return "Subtle cinematic camera motion. " + strings.TrimSpace(scene.VisualDescription)
}

func musicPrompt(subject runs.Subject, style string) string {
	if style == "" {
		style = "upbeat"
	}
	return fmt.Sprintf("Instrumental %s background music for a short ad about %s, no vocals", style, subject.Name)
}
