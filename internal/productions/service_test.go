package productions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"adreel-backend/internal/captions"
	"adreel-backend/internal/pipeline"
	"adreel-backend/internal/queue"
	"adreel-backend/internal/runs"
)

type fakeQueue struct {
	mu   sync.Mutex
	sent []queue.Message
	err  error
}

func (q *fakeQueue) Send(ctx context.Context, msg queue.Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.sent = append(q.sent, msg)
	return nil
}

func (q *fakeQueue) messages() []queue.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.Message(nil), q.sent...)
}

type fakeRunner struct {
	calls chan string
	err   error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{calls: make(chan string, 8)}
}

func (r *fakeRunner) Run(ctx context.Context, runID string) (pipeline.RunResult, error) {
	r.calls <- runID
	return pipeline.RunResult{RunID: runID, Status: runs.StatusCompleted}, r.err
}

func newTestService(t *testing.T, q queue.Client) (*Service, *runs.MemoryRepo, *fakeRunner) {
	t.Helper()
	presets, err := captions.Load()
	require.NoError(t, err)
	repo := runs.NewMemoryRepo()
	runner := newFakeRunner()
	return &Service{
		Store:     repo,
		Artifacts: repo,
		Runner:    runner,
		Queue:     q,
		Captions:  presets,
	}, repo, runner
}

func validStart() StartRequest {
	return StartRequest{
		Subject:        runs.Subject{ID: "subject-1", Name: "Widget"},
		OrganizationID: "org-1",
	}
}

func TestStartValidatesInput(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeQueue{})
	ctx := context.Background()

	cases := []struct {
		name  string
		req   StartRequest
		field string
	}{
		{name: "missing subject id", req: StartRequest{Subject: runs.Subject{Name: "Widget"}}, field: "subjectId"},
		{name: "missing name", req: StartRequest{Subject: runs.Subject{ID: "s1", Name: "  "}}, field: "name"},
		{name: "duration too long", req: StartRequest{Subject: runs.Subject{ID: "s1", Name: "Widget"}, Settings: runs.Settings{DurationSeconds: 600}}, field: "durationSeconds"},
		{name: "unknown caption preset", req: StartRequest{Subject: runs.Subject{ID: "s1", Name: "Widget"}, Settings: runs.Settings{CaptionPreset: "comic-sans"}}, field: "captionPreset"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Start(ctx, tc.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestStartEnqueuesPendingRun(t *testing.T) {
	q := &fakeQueue{}
	svc, repo, runner := newTestService(t, q)
	ctx := WithRequestID(context.Background(), "req-1")

	run, err := svc.Start(ctx, validStart())
	require.NoError(t, err)

	assert.Equal(t, runs.StatusPending, run.Status)
	assert.Equal(t, runs.StageScript, run.Stage)
	assert.Equal(t, DefaultDurationSeconds, run.Settings.DurationSeconds)
	assert.Equal(t, "org-1", run.OrganizationID)

	stored, err := repo.Load(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusPending, stored.Status)

	subject, err := repo.GetSubject(ctx, "subject-1")
	require.NoError(t, err)
	assert.Equal(t, "org-1", subject.OrganizationID)

	sent := q.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, run.ID, sent[0].RunID)
	assert.Equal(t, "req-1", sent[0].RequestID)
	assert.Equal(t, messageVersion, sent[0].Version)
	assert.Empty(t, runner.calls)
}

func TestStartRunsInProcessWithoutQueue(t *testing.T) {
	svc, _, runner := newTestService(t, nil)

	run, err := svc.Start(context.Background(), validStart())
	require.NoError(t, err)

	select {
	case got := <-runner.calls:
		assert.Equal(t, run.ID, got)
	case <-time.After(2 * time.Second):
		t.Fatal("runner was not invoked")
	}
}

func TestStartReturnsRunWhenDispatchFails(t *testing.T) {
	svc, repo, _ := newTestService(t, &fakeQueue{err: errors.New("queue down")})

	run, err := svc.Start(context.Background(), validStart())
	require.Error(t, err)
	require.NotEmpty(t, run.ID)

	stored, err := repo.Load(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusPending, stored.Status)
}

func TestCancelPendingRunIsImmediate(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeQueue{})
	ctx := context.Background()
	run, err := svc.Start(ctx, validStart())
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCancelled, cancelled.Status)

	_, err = svc.Cancel(ctx, run.ID)
	assert.ErrorIs(t, err, runs.ErrNotActive)
}

func TestResumeRequeuesAndDispatches(t *testing.T) {
	q := &fakeQueue{}
	svc, repo, _ := newTestService(t, q)
	ctx := context.Background()
	run, err := svc.Start(ctx, validStart())
	require.NoError(t, err)

	_, err = svc.Resume(ctx, run.ID)
	assert.ErrorIs(t, err, runs.ErrNotResumable)

	_, err = repo.Begin(ctx, run.ID)
	require.NoError(t, err)
	require.NoError(t, repo.MarkTerminal(ctx, run.ID, runs.StatusPartial, ""))

	resumed, err := svc.Resume(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusPending, resumed.Status)
	assert.Len(t, q.messages(), 2)
}

func TestProcessRunSkipsTerminalRuns(t *testing.T) {
	svc, _, runner := newTestService(t, &fakeQueue{})
	ctx := context.Background()
	run, err := svc.Start(ctx, validStart())
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, run.ID)
	require.NoError(t, err)

	require.NoError(t, svc.ProcessRun(ctx, run.ID))
	assert.Empty(t, runner.calls)

	err = svc.ProcessRun(ctx, "missing")
	assert.ErrorIs(t, err, runs.ErrNotFound)
}

func TestProcessRunInvokesRunner(t *testing.T) {
	svc, _, runner := newTestService(t, &fakeQueue{})
	ctx := context.Background()
	run, err := svc.Start(ctx, validStart())
	require.NoError(t, err)

	require.NoError(t, svc.ProcessRun(ctx, run.ID))
	assert.Equal(t, run.ID, <-runner.calls)
}

func TestListAssetsRequiresExistingRun(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeQueue{})

	_, err := svc.ListAssets(context.Background(), "missing", "")
	assert.ErrorIs(t, err, runs.ErrNotFound)
	_, err = svc.ListScripts(context.Background(), "missing")
	assert.ErrorIs(t, err, runs.ErrNotFound)
}

func TestPutMusicPresetValidatesURL(t *testing.T) {
	svc, _, _ := newTestService(t, &fakeQueue{})
	ctx := context.Background()

	_, err := svc.PutMusicPreset(ctx, runs.MusicPreset{OrganizationID: "org-1", URL: "ftp://tracks/1.mp3"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "url", verr.Field)

	stored, err := svc.PutMusicPreset(ctx, runs.MusicPreset{OrganizationID: "org-1", Name: "Upbeat", URL: "https://cdn.test/upbeat.mp3"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/upbeat.mp3", stored.URL)
}
