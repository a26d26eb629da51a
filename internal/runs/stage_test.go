package runs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageOrder(t *testing.T) {
	stages := Stages()
	require.Len(t, stages, 10)
	assert.Equal(t, StageScript, stages[0])
	assert.Equal(t, StageComplete, stages[len(stages)-1])
	assert.True(t, StageImages.Before(StageVideo))
	assert.False(t, StageVideo.Before(StageImages))
	assert.False(t, StageVideo.Before(StageVideo))

	_, err := ParseStage("render")
	assert.Error(t, err)
	s, err := ParseStage("music")
	require.NoError(t, err)
	assert.Equal(t, StageMusic, s)
}

func TestStageProgressApply(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	p := StageProgress{}.Apply(ProgressDelta{Reset: true, Total: 4, Completed: 1, Message: "Generating images"}, now)
	assert.Equal(t, 4, p.TotalUnits)
	assert.Equal(t, 1, p.CompletedUnits)
	require.NotNil(t, p.StartedAt)
	assert.Nil(t, p.CompletedAt)

	p = p.Apply(ProgressDelta{Completed: 1}, now)
	p = p.Apply(ProgressDelta{Failed: 1}, now)
	assert.Equal(t, 2, p.CompletedUnits)
	assert.Equal(t, 1, p.FailedUnits)
	assert.Equal(t, "Generating images", p.Message)

	p = p.Apply(ProgressDelta{Completed: 5, Finish: true}, now)
	assert.Equal(t, 4, p.CompletedUnits)
	assert.Equal(t, 0, p.FailedUnits)
	assert.LessOrEqual(t, p.CompletedUnits+p.FailedUnits, p.TotalUnits)
	require.NotNil(t, p.CompletedAt)
}

func TestStageProgressApplySatisfied(t *testing.T) {
	now := time.Now()
	p := StageProgress{}.Apply(ProgressDelta{Satisfied: true, Message: "Script already selected"}, now)
	assert.Equal(t, 1, p.TotalUnits)
	assert.Equal(t, 1, p.CompletedUnits)
	assert.NotNil(t, p.StartedAt)
	assert.NotNil(t, p.CompletedAt)

	q := StageProgress{TotalUnits: 4, CompletedUnits: 3, FailedUnits: 1}.Apply(ProgressDelta{Satisfied: true}, now)
	assert.Equal(t, 4, q.CompletedUnits)
	assert.Equal(t, 0, q.FailedUnits)
}

func TestSnapshotOf(t *testing.T) {
	run := Run{
		ID:     "run-1",
		Stage:  StageImages,
		Status: StatusInProgress,
		StageProgress: map[Stage]StageProgress{
			StageScript: {TotalUnits: 1, CompletedUnits: 1},
			StageImages: {TotalUnits: 4, CompletedUnits: 2, Message: "Scene 2 image ready"},
		},
	}
	snap := SnapshotOf(run)
	assert.Equal(t, 4, snap.TotalUnits)
	assert.Equal(t, 2, snap.CompletedUnits)
	assert.Equal(t, "Scene 2 image ready", snap.Message)
	assert.True(t, snap.Equal(SnapshotOf(run)))

	run.StageProgress[StageImages] = StageProgress{TotalUnits: 4, CompletedUnits: 3}
	assert.False(t, snap.Equal(SnapshotOf(run)))

	run.Status = StatusFailed
	run.ErrorMessage = "subject not found"
	assert.Equal(t, "subject not found", SnapshotOf(run).Message)

	run.Status = StatusCancelled
	run.ErrorMessage = "cancelled at unit boundary"
	assert.Equal(t, "cancelled at unit boundary", SnapshotOf(run).Message)
}

func TestRunUnderDelivered(t *testing.T) {
	run := Run{StageProgress: map[Stage]StageProgress{
		StageImages: {TotalUnits: 4, CompletedUnits: 4},
	}}
	assert.False(t, run.UnderDelivered())
	run.StageProgress[StageVideo] = StageProgress{TotalUnits: 4, CompletedUnits: 3, FailedUnits: 1}
	assert.True(t, run.UnderDelivered())
}

func TestStatusClassification(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
	assert.True(t, StatusPartial.IsTerminal())
	assert.True(t, StatusCancelled.Resumable())
	assert.False(t, StatusCompleted.Resumable())
}
