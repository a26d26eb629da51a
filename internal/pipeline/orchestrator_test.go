package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adreel-backend/internal/assets"
	"adreel-backend/internal/captions"
	"adreel-backend/internal/provider"
	"adreel-backend/internal/runs"
)

const (
	testRunID     = "run-1"
	testSubjectID = "subject-1"
)

type fakeProvider struct {
	mu           sync.Mutex
	scriptCalls  int
	imagePrompts []string
	animateCalls int
	failImages    map[string]bool
	failAnimate   map[string]bool
	failScripts   error
	failBreakdown error
	failVoice     error
	failMusic     error
	failMetadata  error
	selectScript  int
	onImage       func(call int)
	onAnimate     func(ctx context.Context, call int) error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{failImages: map[string]bool{}, failAnimate: map[string]bool{}, selectScript: 2}
}

func (f *fakeProvider) GenerateScriptCandidates(ctx context.Context, req provider.ScriptRequest) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scriptCalls++
	if f.failScripts != nil {
		return nil, f.failScripts
	}
	out := make([]string, req.Count)
	for i := range out {
		out[i] = fmt.Sprintf("script %d for %s", i+1, req.Subject.Name)
	}
	return out, nil
}

func (f *fakeProvider) BreakdownScenes(ctx context.Context, script string, targetCount int) ([]provider.SceneDraft, error) {
	if f.failBreakdown != nil {
		return nil, f.failBreakdown
	}
	out := make([]provider.SceneDraft, targetCount)
	for i := range out {
		out[i] = provider.SceneDraft{
			SceneNumber:       i + 1,
			ScriptText:        fmt.Sprintf("line %d", i+1),
			VisualDescription: fmt.Sprintf("visual %d", i+1),
		}
	}
	return out, nil
}

func (f *fakeProvider) GenerateImageCandidates(ctx context.Context, req provider.ImageRequest) ([]string, error) {
	f.mu.Lock()
	f.imagePrompts = append(f.imagePrompts, req.Prompt)
	call := len(f.imagePrompts)
	hook := f.onImage
	var err error
	for marker := range f.failImages {
		if strings.HasPrefix(req.Prompt, marker+".") {
			err = provider.Permanent(provider.CapImageCandidates, errors.New("content policy"))
		}
	}
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, req.Count)
	for i := range out {
		out[i] = fmt.Sprintf("https://images.test/%d/%d.png", call, i)
	}
	return out, nil
}

func (f *fakeProvider) SelectBest(ctx context.Context, candidates []string, criteria string) (int, error) {
	if strings.HasPrefix(candidates[0], "script") {
		return min(f.selectScript, len(candidates)-1), nil
	}
	return 1, nil
}

func (f *fakeProvider) GenerateMetadata(ctx context.Context, subjectName, script string) (provider.Metadata, error) {
	if f.failMetadata != nil {
		return provider.Metadata{}, f.failMetadata
	}
	return provider.Metadata{Description: "Meet " + subjectName, Hashtags: []string{"ad", "#Widget", "ad"}}, nil
}

func (f *fakeProvider) AnimateImage(ctx context.Context, imageURL, prompt string) (string, error) {
	f.mu.Lock()
	f.animateCalls++
	call := f.animateCalls
	hook := f.onAnimate
	failed := false
	for marker := range f.failAnimate {
		if strings.HasSuffix(prompt, marker) {
			failed = true
		}
	}
	f.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return "", err
		}
	}
	if failed {
		return "", provider.Fail(provider.CapAnimateImage, errors.New("http status 502"))
	}
	return "https://media.test/clip?src=" + imageURL, nil
}

func (f *fakeProvider) SynthesizeVoice(ctx context.Context, text string, voice provider.VoiceParams) (string, error) {
	if f.failVoice != nil {
		return "", f.failVoice
	}
	return "https://media.test/voice.mp3", nil
}

func (f *fakeProvider) SynthesizeMusic(ctx context.Context, prompt string, durationSeconds int) (string, error) {
	if f.failMusic != nil {
		return "", f.failMusic
	}
	return "https://media.test/music.mp3", nil
}

func (f *fakeProvider) animateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.animateCalls
}

func (f *fakeProvider) imagePromptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.imagePrompts)
}

type fakeAssets struct{}

func (fakeAssets) Persist(ctx context.Context, src assets.Source, place assets.Placement) (string, error) {
	unit := place.SceneID
	if unit == "" {
		unit = "run"
	}
	return fmt.Sprintf("https://cdn.test/runs/%s/%s/%s", place.RunID, place.Kind, unit), nil
}

type harness struct {
	repo     *runs.MemoryRepo
	provider *fakeProvider
	deps     *Deps
	orch     *Orchestrator
	locker   *runs.MemoryLocker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := runs.NewMemoryRepo()
	presets, err := captions.Load()
	require.NoError(t, err)
	fp := newFakeProvider()
	deps := &Deps{Artifacts: repo, Store: repo, Provider: fp, Assets: fakeAssets{}, Captions: presets}
	locker := runs.NewMemoryLocker()
	h := &harness{repo: repo, provider: fp, deps: deps, orch: New(deps, locker), locker: locker}

	ctx := context.Background()
	require.NoError(t, repo.UpsertSubject(ctx, runs.Subject{ID: testSubjectID, OrganizationID: "org-1", Name: "Widget", Description: "A useful widget"}))
	require.NoError(t, repo.Create(ctx, runs.Run{
		ID:             testRunID,
		SubjectID:      testSubjectID,
		OrganizationID: "org-1",
		Stage:          runs.StageScript,
		Status:         runs.StatusPending,
		Settings:       runs.Settings{DurationSeconds: 30, CaptionPreset: "minimal"},
		CreatedAt:      time.Now().UTC(),
	}))
	return h
}

func (h *harness) load(t *testing.T) runs.Run {
	t.Helper()
	run, err := h.repo.Load(context.Background(), testRunID)
	require.NoError(t, err)
	return run
}

func (h *harness) assets(t *testing.T, kind runs.AssetKind) []runs.MediaAsset {
	t.Helper()
	list, err := h.repo.ListAssets(context.Background(), testRunID, kind)
	require.NoError(t, err)
	return list
}

func TestRunCompletesEveryStage(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Run(context.Background(), testRunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, res.Status)
	assert.False(t, res.Partial)
	assert.Len(t, res.CompletedStages, 9)

	run := h.load(t)
	assert.Equal(t, runs.StageComplete, run.Stage)
	assert.Equal(t, runs.StatusCompleted, run.Status)
	assert.False(t, run.UnderDelivered())

	selected, err := h.repo.SelectedScript(context.Background(), testRunID)
	require.NoError(t, err)
	assert.Equal(t, "script 3 for Widget", selected.Content)
	scenes, err := h.repo.ListScenes(context.Background(), selected.ID)
	require.NoError(t, err)
	require.Len(t, scenes, 4)
	for i, sc := range scenes {
		assert.Equal(t, i+1, sc.SceneNumber)
	}

	assert.Len(t, h.assets(t, runs.AssetImage), 4)
	assert.Len(t, h.assets(t, runs.AssetVideoClip), 4)
	assert.Len(t, h.assets(t, runs.AssetVoiceover), 1)
	assert.Len(t, h.assets(t, runs.AssetMusic), 1)

	require.NotNil(t, run.Settings.CaptionStyle)
	assert.Equal(t, "minimal", run.Settings.CaptionStyle.Preset)
	require.NotNil(t, run.Settings.Export)
	assert.True(t, run.Settings.Export.ReadyForExport)
	assert.Len(t, run.Settings.Export.Clips, 4)
	require.NotNil(t, run.Settings.Metadata)
	assert.Equal(t, []string{"#ad", "#Widget"}, run.Settings.Metadata.Hashtags)

	images := run.Progress(runs.StageImages)
	assert.Equal(t, 4, images.TotalUnits)
	assert.Equal(t, 4, images.CompletedUnits)
	assert.NotNil(t, images.CompletedAt)
}

func TestRunIsPartialWhenOneImageFails(t *testing.T) {
	h := newHarness(t)
	h.provider.failImages["visual 2"] = true

	res, err := h.orch.Run(context.Background(), testRunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusPartial, res.Status)
	assert.True(t, res.Partial)

	run := h.load(t)
	assert.Equal(t, runs.StatusPartial, run.Status)
	assert.Equal(t, runs.StageComplete, run.Stage)

	images := run.Progress(runs.StageImages)
	assert.Equal(t, 4, images.TotalUnits)
	assert.Equal(t, 3, images.CompletedUnits)
	assert.Equal(t, 1, images.FailedUnits)

	assert.Len(t, h.assets(t, runs.AssetImage), 3)
	assert.LessOrEqual(t, len(h.assets(t, runs.AssetVideoClip)), 3)
	assert.Equal(t, 3, run.Progress(runs.StageVideo).TotalUnits)
	assert.False(t, run.Settings.Export.ReadyForExport)
}

func TestResumeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.provider.failImages["visual 2"] = true
	ctx := context.Background()

	_, err := h.orch.Run(ctx, testRunID)
	require.NoError(t, err)
	require.Equal(t, 4, h.provider.imagePromptCount())

	delete(h.provider.failImages, "visual 2")
	_, err = h.repo.Requeue(ctx, testRunID)
	require.NoError(t, err)

	res, err := h.orch.Run(ctx, testRunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, res.Status)
	assert.Contains(t, res.SkippedStages, runs.StageScript)
	assert.Contains(t, res.SkippedStages, runs.StageScenes)

	assert.Equal(t, 1, h.provider.scriptCalls)
	assert.Equal(t, 5, h.provider.imagePromptCount())
	assert.True(t, strings.HasPrefix(h.provider.imagePrompts[4], "visual 2."))

	scripts, err := h.repo.ListScripts(ctx, testRunID)
	require.NoError(t, err)
	assert.Len(t, scripts, 3)
	selected := 0
	for _, s := range scripts {
		if s.IsSelected {
			selected++
		}
	}
	assert.Equal(t, 1, selected)
	assert.Len(t, h.assets(t, runs.AssetImage), 4)
	assert.Len(t, h.assets(t, runs.AssetVideoClip), 4)
	assert.True(t, h.load(t).Settings.Export.ReadyForExport)
}

func TestCompletedRunIsNotReprocessed(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Run(context.Background(), testRunID)
	require.NoError(t, err)

	res, err := h.orch.Run(context.Background(), testRunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, res.Status)
	assert.Empty(t, res.CompletedStages)
	assert.Equal(t, 4, h.provider.imagePromptCount())
}

func TestCancelAfterTwoImagesThenResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provider.onImage = func(call int) {
		if call == 2 {
			_, err := h.repo.RequestCancel(ctx, testRunID)
			assert.NoError(t, err)
		}
	}

	res, err := h.orch.Run(ctx, testRunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCancelled, res.Status)

	run := h.load(t)
	assert.Equal(t, runs.StatusCancelled, run.Status)
	assert.Equal(t, runs.StageImages, run.Stage)
	assert.Equal(t, 2, run.Progress(runs.StageImages).CompletedUnits)
	assert.Len(t, h.assets(t, runs.AssetImage), 2)
	assert.Equal(t, 2, h.provider.imagePromptCount())

	h.provider.onImage = nil
	_, err = h.repo.Requeue(ctx, testRunID)
	require.NoError(t, err)

	res, err = h.orch.Run(ctx, testRunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, res.Status)
	require.Equal(t, 4, h.provider.imagePromptCount())
	assert.True(t, strings.HasPrefix(h.provider.imagePrompts[2], "visual 3."))
	assert.True(t, strings.HasPrefix(h.provider.imagePrompts[3], "visual 4."))
	assert.Len(t, h.assets(t, runs.AssetImage), 4)
}

func TestCallerContextCancellationStopsAtUnitBoundary(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.provider.onImage = func(call int) {
		if call == 1 {
			cancel()
		}
	}

	res, err := h.orch.Run(ctx, testRunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCancelled, res.Status)
	assert.Len(t, h.assets(t, runs.AssetImage), 1)
	assert.Equal(t, runs.StatusCancelled, h.load(t).Status)
}

func TestMissingSelectedScriptFailsRun(t *testing.T) {
	h := newHarness(t)
	h.provider.failScripts = provider.Permanent(provider.CapScriptCandidates, errors.New("refused"))

	res, err := h.orch.Run(context.Background(), testRunID)
	require.Error(t, err)
	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, runs.StageScenes, pe.Stage)
	assert.Equal(t, runs.StatusFailed, res.Status)

	run := h.load(t)
	assert.Equal(t, runs.StatusFailed, run.Status)
	assert.Contains(t, run.ErrorMessage, "no selected script")
	assert.Equal(t, runs.StageScenes, run.Stage)
	assert.Equal(t, 1, run.Progress(runs.StageScript).FailedUnits)
}

func TestMissingSubjectFailsRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.repo.Create(ctx, runs.Run{ID: "run-2", SubjectID: "missing", Stage: runs.StageScript, Status: runs.StatusPending}))

	_, err := h.orch.Run(ctx, "run-2")
	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
	run, err := h.repo.Load(ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusFailed, run.Status)
}

func TestMetadataFailureMakesRunPartial(t *testing.T) {
	h := newHarness(t)
	h.provider.failMetadata = errors.New("http status 500")

	res, err := h.orch.Run(context.Background(), testRunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusPartial, res.Status)
	run := h.load(t)
	assert.Equal(t, runs.StageComplete, run.Stage)
	assert.Nil(t, run.Settings.Metadata)
	assert.Equal(t, 1, run.Progress(runs.StageMetadata).FailedUnits)
}

func TestMusicUsesOrganizationPreset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.repo.PutMusicPreset(ctx, runs.MusicPreset{OrganizationID: "org-1", Name: "brand", URL: "https://cdn.test/brand.mp3"}))

	_, err := h.orch.Run(ctx, testRunID)
	require.NoError(t, err)
	music := h.assets(t, runs.AssetMusic)
	require.Len(t, music, 1)
	assert.Equal(t, "https://cdn.test/brand.mp3", music[0].URL)
	assert.Equal(t, "organization_preset", music[0].Metadata["source"])
}

func TestRunRejectsConcurrentInvocation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lease, err := h.locker.Acquire(ctx, testRunID, "other-worker", time.Minute)
	require.NoError(t, err)

	_, err = h.orch.Run(ctx, testRunID)
	assert.ErrorIs(t, err, runs.ErrLocked)
	assert.Equal(t, runs.StatusPending, h.load(t).Status)

	require.NoError(t, h.locker.Release(ctx, lease))
	_, err = h.orch.Run(ctx, testRunID)
	assert.NoError(t, err)
}

type failingAssetsRepo struct {
	*runs.MemoryRepo
}

func (f failingAssetsRepo) CreateAsset(ctx context.Context, asset runs.MediaAsset) (runs.MediaAsset, error) {
	return runs.MediaAsset{}, errors.New("connection refused")
}

func TestArtifactPersistenceFailureFailsRun(t *testing.T) {
	h := newHarness(t)
	h.deps.Artifacts = failingAssetsRepo{h.repo}

	_, err := h.orch.Run(context.Background(), testRunID)
	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "create asset", pe.Op)
	run := h.load(t)
	assert.Equal(t, runs.StatusFailed, run.Status)
	assert.Equal(t, runs.StageImages, run.Stage)
}

type recordingStore struct {
	*runs.MemoryRepo
	mu     sync.Mutex
	stages []runs.Stage
	bad    []string
}

func (r *recordingStore) RecordUnitProgress(ctx context.Context, runID string, stage runs.Stage, delta runs.ProgressDelta) (runs.StageProgress, error) {
	p, err := r.MemoryRepo.RecordUnitProgress(ctx, runID, stage, delta)
	if err != nil {
		return p, err
	}
	run, err := r.MemoryRepo.Load(ctx, runID)
	if err != nil {
		return p, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, run.Stage)
	if p.CompletedUnits+p.FailedUnits > p.TotalUnits {
		r.bad = append(r.bad, fmt.Sprintf("%s: %+v", stage, p))
	}
	return p, nil
}

func TestStagePointerNeverMovesBackwardWithinAnInvocation(t *testing.T) {
	h := newHarness(t)
	rec := &recordingStore{MemoryRepo: h.repo}
	h.deps.Store = rec
	h.orch.Store = rec
	h.provider.failImages["visual 3"] = true
	ctx := context.Background()

	assertForward := func(stages []runs.Stage) {
		t.Helper()
		require.NotEmpty(t, stages)
		for i := 1; i < len(stages); i++ {
			assert.False(t, stages[i].Before(stages[i-1]), "stage moved from %s to %s", stages[i-1], stages[i])
		}
	}

	_, err := h.orch.Run(ctx, testRunID)
	require.NoError(t, err)
	assertForward(rec.stages)

	rec.stages = nil
	delete(h.provider.failImages, "visual 3")
	_, err = h.repo.Requeue(ctx, testRunID)
	require.NoError(t, err)
	res, err := h.orch.Run(ctx, testRunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, res.Status)
	assertForward(rec.stages)
	assert.Equal(t, runs.StageScript, rec.stages[0])
	assert.Empty(t, rec.bad)
}

type cancellingLocker struct {
	*runs.MemoryLocker
	repo *runs.MemoryRepo
}

func (l cancellingLocker) Acquire(ctx context.Context, runID, owner string, ttl time.Duration) (runs.Lease, error) {
	lease, err := l.MemoryLocker.Acquire(ctx, runID, owner, ttl)
	if err != nil {
		return lease, err
	}
	if _, err := l.repo.RequestCancel(ctx, runID); err != nil {
		return runs.Lease{}, err
	}
	return lease, nil
}

func TestCancelledPendingRunIsNotRestarted(t *testing.T) {
	h := newHarness(t)
	h.orch.Locker = cancellingLocker{MemoryLocker: h.locker, repo: h.repo}

	res, err := h.orch.Run(context.Background(), testRunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCancelled, res.Status)
	assert.Empty(t, res.CompletedStages)

	run := h.load(t)
	assert.Equal(t, runs.StatusCancelled, run.Status)
	assert.Equal(t, "cancelled before start", run.ErrorMessage)
	assert.Zero(t, h.provider.scriptCalls)
	assert.Zero(t, h.provider.imagePromptCount())
}

type cancelOnBeginStore struct {
	*runs.MemoryRepo
}

func (s cancelOnBeginStore) Begin(ctx context.Context, runID string) (runs.Run, error) {
	if _, err := s.MemoryRepo.RequestCancel(ctx, runID); err != nil {
		return runs.Run{}, err
	}
	return s.MemoryRepo.Begin(ctx, runID)
}

func TestCancelRacingBeginIsKept(t *testing.T) {
	h := newHarness(t)
	h.orch.Store = cancelOnBeginStore{h.repo}

	res, err := h.orch.Run(context.Background(), testRunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCancelled, res.Status)
	assert.Equal(t, runs.StatusCancelled, h.load(t).Status)
	assert.Zero(t, h.provider.scriptCalls)
}

func TestPartialRunNeedsRequeueToResume(t *testing.T) {
	h := newHarness(t)
	h.provider.failImages["visual 2"] = true
	ctx := context.Background()

	_, err := h.orch.Run(ctx, testRunID)
	require.NoError(t, err)
	delete(h.provider.failImages, "visual 2")

	res, err := h.orch.Run(ctx, testRunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusPartial, res.Status)
	assert.True(t, res.Partial)
	assert.Empty(t, res.CompletedStages)
	assert.Equal(t, 4, h.provider.imagePromptCount())
	assert.Equal(t, runs.StatusPartial, h.load(t).Status)
}

func TestHeartbeatHoldsLeaseDuringLongUnit(t *testing.T) {
	h := newHarness(t)
	h.orch.LeaseTTL = 300 * time.Millisecond
	h.orch.HeartbeatInterval = 50 * time.Millisecond
	var intruder error
	h.provider.onAnimate = func(ctx context.Context, call int) error {
		if call == 1 {
			time.Sleep(900 * time.Millisecond)
			_, intruder = h.locker.Acquire(context.Background(), testRunID, "intruder", time.Minute)
		}
		return nil
	}

	res, err := h.orch.Run(context.Background(), testRunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, res.Status)
	assert.ErrorIs(t, intruder, runs.ErrLocked)
}

type losingLocker struct {
	*runs.MemoryLocker
	lost atomic.Bool
}

func (l *losingLocker) Renew(ctx context.Context, lease runs.Lease, ttl time.Duration) (runs.Lease, error) {
	if l.lost.Load() {
		return runs.Lease{}, runs.ErrLeaseLost
	}
	return l.MemoryLocker.Renew(ctx, lease, ttl)
}

func TestLostLeaseAbortsUnitWithoutTerminalWrite(t *testing.T) {
	h := newHarness(t)
	locker := &losingLocker{MemoryLocker: h.locker}
	h.orch.Locker = locker
	h.orch.HeartbeatInterval = 10 * time.Millisecond
	var cause error
	h.provider.onAnimate = func(ctx context.Context, call int) error {
		locker.lost.Store(true)
		select {
		case <-ctx.Done():
			cause = context.Cause(ctx)
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return errors.New("unit was not aborted")
		}
	}

	_, err := h.orch.Run(context.Background(), testRunID)
	assert.ErrorIs(t, err, runs.ErrLeaseLost)
	assert.ErrorIs(t, cause, runs.ErrLeaseLost)
	assert.Equal(t, 1, h.provider.animateCount())

	run := h.load(t)
	assert.Equal(t, runs.StatusInProgress, run.Status)
	assert.Equal(t, runs.StageVideo, run.Stage)
}

func TestVoiceoverFailureMakesRunPartial(t *testing.T) {
	h := newHarness(t)
	h.provider.failVoice = provider.Fail(provider.CapVoice, errors.New("http status 503"))

	res, err := h.orch.Run(context.Background(), testRunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusPartial, res.Status)
	assert.Len(t, res.CompletedStages, 9)

	run := h.load(t)
	assert.Equal(t, runs.StageComplete, run.Stage)
	voice := run.Progress(runs.StageVoiceover)
	assert.Equal(t, 1, voice.TotalUnits)
	assert.Equal(t, 0, voice.CompletedUnits)
	assert.Equal(t, 1, voice.FailedUnits)
	assert.Empty(t, h.assets(t, runs.AssetVoiceover))
	assert.Len(t, h.assets(t, runs.AssetMusic), 1)
	require.NotNil(t, run.Settings.Export)
	assert.False(t, run.Settings.Export.ReadyForExport)
	assert.NotNil(t, run.Settings.Metadata)
}

func TestMusicFailureMakesRunPartial(t *testing.T) {
	h := newHarness(t)
	h.provider.failMusic = provider.Permanent(provider.CapMusic, errors.New("quota exceeded"))

	res, err := h.orch.Run(context.Background(), testRunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusPartial, res.Status)

	run := h.load(t)
	assert.Equal(t, runs.StageComplete, run.Stage)
	assert.Equal(t, 1, run.Progress(runs.StageMusic).FailedUnits)
	assert.Empty(t, h.assets(t, runs.AssetMusic))
	assert.Len(t, h.assets(t, runs.AssetVoiceover), 1)
	assert.True(t, run.Settings.Export.ReadyForExport)
}

func TestAnimateFailureSkipsOnlyThatClip(t *testing.T) {
	h := newHarness(t)
	h.provider.failAnimate["visual 2"] = true

	res, err := h.orch.Run(context.Background(), testRunID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusPartial, res.Status)
	assert.Equal(t, 4, h.provider.animateCount())

	run := h.load(t)
	assert.Equal(t, runs.StageComplete, run.Stage)
	video := run.Progress(runs.StageVideo)
	assert.Equal(t, 4, video.TotalUnits)
	assert.Equal(t, 3, video.CompletedUnits)
	assert.Equal(t, 1, video.FailedUnits)
	assert.Len(t, h.assets(t, runs.AssetImage), 4)
	assert.Len(t, h.assets(t, runs.AssetVideoClip), 3)
	assert.True(t, run.Settings.Export.ReadyForExport)
}

func TestSceneBreakdownFailureFailsRunAtImages(t *testing.T) {
	h := newHarness(t)
	h.provider.failBreakdown = provider.Permanent(provider.CapSceneBreakdown, errors.New("malformed response"))

	res, err := h.orch.Run(context.Background(), testRunID)
	var pe *PreconditionError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, runs.StageImages, pe.Stage)
	assert.Equal(t, runs.StatusFailed, res.Status)

	run := h.load(t)
	assert.Equal(t, runs.StatusFailed, run.Status)
	assert.Equal(t, runs.StageImages, run.Stage)
	assert.Contains(t, run.ErrorMessage, "no scenes")
	assert.Equal(t, 1, run.Progress(runs.StageScenes).FailedUnits)
	assert.Zero(t, h.provider.imagePromptCount())
}

func TestTargetSceneCount(t *testing.T) {
	assert.Equal(t, 3, TargetSceneCount(0))
	assert.Equal(t, 3, TargetSceneCount(15))
	assert.Equal(t, 4, TargetSceneCount(30))
	assert.Equal(t, 8, TargetSceneCount(60))
}

func TestNormalizeHashtags(t *testing.T) {
	assert.Equal(t, []string{"#summer", "#NewDrop"}, normalizeHashtags([]string{" summer ", "#New Drop", "#SUMMER", ""}))
}
