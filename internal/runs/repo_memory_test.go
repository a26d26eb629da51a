package runs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRun(t *testing.T, repo *MemoryRepo, id string) Run {
	t.Helper()
	run := Run{
		ID:        id,
		SubjectID: "subject-1",
		Stage:     StageScript,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.Create(context.Background(), run))
	return run
}

func TestMemoryRepoAdvanceStageIsMonotonic(t *testing.T) {
	repo := NewMemoryRepo()
	seedRun(t, repo, "run-1")
	ctx := context.Background()

	require.NoError(t, repo.AdvanceStage(ctx, "run-1", StageVideo))
	require.NoError(t, repo.AdvanceStage(ctx, "run-1", StageImages))

	run, err := repo.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StageVideo, run.Stage)
}

func TestMemoryRepoConcurrentUnitProgressKeepsEveryUpdate(t *testing.T) {
	repo := NewMemoryRepo()
	seedRun(t, repo, "run-1")
	ctx := context.Background()

	_, err := repo.RecordUnitProgress(ctx, "run-1", StageImages, ProgressDelta{Reset: true, Total: 50})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = repo.RecordUnitProgress(ctx, "run-1", StageImages, ProgressDelta{Completed: 1})
		}()
	}
	wg.Wait()

	run, err := repo.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 50, run.Progress(StageImages).CompletedUnits)
}

func TestMemoryRepoProgressNeverExceedsTotal(t *testing.T) {
	repo := NewMemoryRepo()
	seedRun(t, repo, "run-1")
	ctx := context.Background()

	_, err := repo.RecordUnitProgress(ctx, "run-1", StageImages, ProgressDelta{Reset: true, Total: 2})
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err = repo.RecordUnitProgress(ctx, "run-1", StageImages, ProgressDelta{Completed: 1})
		require.NoError(t, err)
	}
	p, err := repo.RecordUnitProgress(ctx, "run-1", StageImages, ProgressDelta{Failed: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, p.CompletedUnits)
	assert.Equal(t, 0, p.FailedUnits)
}

func TestMemoryRepoRequestCancel(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	seedRun(t, repo, "pending")
	run, err := repo.RequestCancel(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, run.Status)

	seedRun(t, repo, "active")
	_, err = repo.Begin(ctx, "active")
	require.NoError(t, err)
	run, err = repo.RequestCancel(ctx, "active")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, run.Status)
	assert.True(t, run.CancelRequested)

	require.NoError(t, repo.MarkTerminal(ctx, "active", StatusCompleted, ""))
	_, err = repo.RequestCancel(ctx, "active")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestMemoryRepoBeginOnlyStartsActiveRuns(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	seedRun(t, repo, "cancelled")
	_, err := repo.RequestCancel(ctx, "cancelled")
	require.NoError(t, err)
	_, err = repo.Begin(ctx, "cancelled")
	assert.ErrorIs(t, err, ErrNotActive)
	run, err := repo.Load(ctx, "cancelled")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, run.Status)

	seedRun(t, repo, "active")
	_, err = repo.Begin(ctx, "active")
	require.NoError(t, err)
	_, err = repo.RequestCancel(ctx, "active")
	require.NoError(t, err)
	run, err = repo.Begin(ctx, "active")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, run.Status)
	assert.True(t, run.CancelRequested)
}

func TestMemoryRepoRequeueOnlyResumable(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	seedRun(t, repo, "run-1")

	_, err := repo.Requeue(ctx, "run-1")
	assert.ErrorIs(t, err, ErrNotResumable)

	require.NoError(t, repo.AdvanceStage(ctx, "run-1", StageComplete))
	require.NoError(t, repo.MarkTerminal(ctx, "run-1", StatusPartial, ""))
	run, err := repo.Requeue(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, run.Status)
	assert.Equal(t, StageScript, run.Stage)
}

func TestMemoryRepoSelectScriptIsExclusive(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	seedRun(t, repo, "run-1")

	for _, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, repo.CreateScript(ctx, Script{ID: id, RunID: "run-1", Content: id}))
	}
	require.NoError(t, repo.SelectScript(ctx, "run-1", "s1"))
	require.NoError(t, repo.CreateScene(ctx, Scene{ID: "scene-1", ScriptID: "s1", SceneNumber: 1}))
	require.NoError(t, repo.SelectScript(ctx, "run-1", "s2"))

	scripts, err := repo.ListScripts(ctx, "run-1")
	require.NoError(t, err)
	selected := 0
	for _, s := range scripts {
		if s.IsSelected {
			selected++
			assert.Equal(t, "s2", s.ID)
		}
	}
	assert.Equal(t, 1, selected)

	scenes, err := repo.ListScenes(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, scenes)

	assert.ErrorIs(t, repo.SelectScript(ctx, "run-1", "missing"), ErrNotFound)
}

func TestMemoryRepoCreateAssetIsIdempotentPerUnit(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()

	first, err := repo.CreateAsset(ctx, MediaAsset{ID: "a1", RunID: "run-1", SceneID: "scene-1", Kind: AssetImage, URL: "one"})
	require.NoError(t, err)
	second, err := repo.CreateAsset(ctx, MediaAsset{ID: "a2", RunID: "run-1", SceneID: "scene-1", Kind: AssetImage, URL: "two"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = repo.CreateAsset(ctx, MediaAsset{ID: "a3", RunID: "run-1", SceneID: "scene-1", Kind: AssetVideoClip, URL: "clip"})
	require.NoError(t, err)

	images, err := repo.ListAssets(ctx, "run-1", AssetImage)
	require.NoError(t, err)
	assert.Len(t, images, 1)
	all, err := repo.ListAssets(ctx, "run-1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemoryRepoLoadReturnsCopies(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	seedRun(t, repo, "run-1")
	_, err := repo.RecordUnitProgress(ctx, "run-1", StageScript, ProgressDelta{Reset: true, Total: 1})
	require.NoError(t, err)

	run, err := repo.Load(ctx, "run-1")
	require.NoError(t, err)
	run.StageProgress[StageScript] = StageProgress{TotalUnits: 99}

	again, err := repo.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Progress(StageScript).TotalUnits)
}

func TestMemoryRepoCancelledContext(t *testing.T) {
	repo := NewMemoryRepo()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := repo.Load(ctx, "run-1")
	assert.ErrorIs(t, err, context.Canceled)
}
