package productions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"adreel-backend/internal/captions"
	"adreel-backend/internal/pipeline"
	"adreel-backend/internal/progress"
	"adreel-backend/internal/queue"
	"adreel-backend/internal/runs"
	"adreel-backend/internal/shared/telemetry"
	"adreel-backend/internal/shared/util"
)

const (
	DefaultDurationSeconds = 30
	minDurationSeconds     = 5
	maxDurationSeconds     = 180
	messageVersion         = 1
)

// Runner executes a run to completion or to its next stopping point.
type Runner interface {
	Run(ctx context.Context, runID string) (pipeline.RunResult, error)
}

// Service is the command and query surface over production runs.
type Service struct {
	Store     runs.Store
	Artifacts runs.Artifacts
	Runner    Runner
	Queue     queue.Client
	Publisher *progress.Publisher
	Captions  *captions.Presets
}

// StartRequest creates a run for a subject.
type StartRequest struct {
	Subject        runs.Subject
	OrganizationID string
	Settings       runs.Settings
}

// Start upserts the subject, creates a pending run and dispatches it.
func (s *Service) Start(ctx context.Context, req StartRequest) (runs.Run, error) {
	subject := req.Subject
	subject.ID = strings.TrimSpace(subject.ID)
	subject.Name = strings.TrimSpace(subject.Name)
	if subject.ID == "" {
		return runs.Run{}, &ValidationError{Field: "subjectId", Issue: "required"}
	}
	if subject.Name == "" {
		return runs.Run{}, &ValidationError{Field: "name", Issue: "required"}
	}
	settings, err := s.normalizeSettings(req.Settings)
	if err != nil {
		return runs.Run{}, err
	}
	if subject.OrganizationID == "" {
		subject.OrganizationID = req.OrganizationID
	}
	if err := s.Artifacts.UpsertSubject(ctx, subject); err != nil {
		return runs.Run{}, fmt.Errorf("upsert subject: %w", err)
	}

	now := time.Now().UTC()
	run := runs.Run{
		ID:             uuid.NewString(),
		SubjectID:      subject.ID,
		OrganizationID: req.OrganizationID,
		Stage:          runs.StageScript,
		Status:         runs.StatusPending,
		Settings:       settings,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.Store.Create(ctx, run); err != nil {
		return runs.Run{}, fmt.Errorf("create run: %w", err)
	}
	telemetry.Info("run.created", map[string]any{
		"request_id": requestIDFromContext(ctx),
		"run_id":     run.ID,
		"subject_id": run.SubjectID,
		"org_id":     run.OrganizationID,
	})
	if err := s.dispatch(ctx, run.ID); err != nil {
		return run, err
	}
	return run, nil
}

func (s *Service) normalizeSettings(in runs.Settings) (runs.Settings, error) {
	out := runs.Settings{
		DurationSeconds: in.DurationSeconds,
		Style:           strings.TrimSpace(in.Style),
		VoiceID:         strings.TrimSpace(in.VoiceID),
		CaptionPreset:   strings.ToLower(strings.TrimSpace(in.CaptionPreset)),
	}
	if out.DurationSeconds == 0 {
		out.DurationSeconds = DefaultDurationSeconds
	}
	if out.DurationSeconds < minDurationSeconds || out.DurationSeconds > maxDurationSeconds {
		return runs.Settings{}, &ValidationError{
			Field: "durationSeconds",
			Issue: fmt.Sprintf("must be between %d and %d", minDurationSeconds, maxDurationSeconds),
		}
	}
	if out.CaptionPreset != "" && s.Captions != nil {
		if _, ok := s.Captions.Resolve(out.CaptionPreset); !ok {
			return runs.Settings{}, &ValidationError{
				Field: "captionPreset",
				Issue: "must be one of " + strings.Join(s.Captions.Names(), ", "),
			}
		}
	}
	return out, nil
}

// Get returns a run with its progress.
func (s *Service) Get(ctx context.Context, runID string) (runs.Run, error) {
	if strings.TrimSpace(runID) == "" {
		return runs.Run{}, runs.ErrNotFound
	}
	return s.Store.Load(ctx, runID)
}

// Snapshot returns the run's status snapshot.
func (s *Service) Snapshot(ctx context.Context, runID string) (runs.Snapshot, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return runs.Snapshot{}, err
	}
	return runs.SnapshotOf(run), nil
}

// Subscribe streams status snapshots until the run is terminal or ctx ends.
func (s *Service) Subscribe(ctx context.Context, runID string) (<-chan runs.Snapshot, error) {
	pub := s.Publisher
	if pub == nil {
		pub = progress.New(s.Store, progress.DefaultInterval)
	}
	return pub.Subscribe(ctx, runID)
}

// Cancel requests cooperative cancellation.
func (s *Service) Cancel(ctx context.Context, runID string) (runs.Run, error) {
	run, err := s.Store.RequestCancel(ctx, runID)
	if err != nil {
		return runs.Run{}, err
	}
	telemetry.Info("run.cancel_requested", map[string]any{
		"request_id": requestIDFromContext(ctx),
		"run_id":     runID,
		"status":     string(run.Status),
	})
	return run, nil
}

// Resume requeues a partial, failed or cancelled run and dispatches it again.
func (s *Service) Resume(ctx context.Context, runID string) (runs.Run, error) {
	run, err := s.Store.Requeue(ctx, runID)
	if err != nil {
		return runs.Run{}, err
	}
	telemetry.Info("run.resumed", map[string]any{
		"request_id": requestIDFromContext(ctx),
		"run_id":     runID,
	})
	if err := s.dispatch(ctx, runID); err != nil {
		return run, err
	}
	return run, nil
}

// ListBySubject returns a subject's runs newest first.
func (s *Service) ListBySubject(ctx context.Context, subjectID string, limit, offset int) ([]runs.Run, error) {
	if strings.TrimSpace(subjectID) == "" {
		return nil, &ValidationError{Field: "subjectId", Issue: "required"}
	}
	return s.Store.ListBySubject(ctx, subjectID, limit, offset)
}

// ListAssets returns a run's media assets, optionally of one kind.
func (s *Service) ListAssets(ctx context.Context, runID string, kind runs.AssetKind) ([]runs.MediaAsset, error) {
	if _, err := s.Get(ctx, runID); err != nil {
		return nil, err
	}
	return s.Artifacts.ListAssets(ctx, runID, kind)
}

// ListScripts returns a run's script candidates.
func (s *Service) ListScripts(ctx context.Context, runID string) ([]runs.Script, error) {
	if _, err := s.Get(ctx, runID); err != nil {
		return nil, err
	}
	return s.Artifacts.ListScripts(ctx, runID)
}

// PutMusicPreset stores an organization's background track.
func (s *Service) PutMusicPreset(ctx context.Context, preset runs.MusicPreset) (runs.MusicPreset, error) {
	preset.OrganizationID = strings.TrimSpace(preset.OrganizationID)
	preset.URL = strings.TrimSpace(preset.URL)
	if preset.OrganizationID == "" {
		return runs.MusicPreset{}, &ValidationError{Field: "organizationId", Issue: "required"}
	}
	if !strings.HasPrefix(preset.URL, "https://") && !strings.HasPrefix(preset.URL, "http://") {
		return runs.MusicPreset{}, &ValidationError{Field: "url", Issue: "must be an http(s) url"}
	}
	if err := s.Artifacts.PutMusicPreset(ctx, preset); err != nil {
		return runs.MusicPreset{}, err
	}
	return s.Artifacts.GetMusicPreset(ctx, preset.OrganizationID)
}

// ProcessRun runs the orchestrator for a dispatched run. Runs that reached a
// terminal status since they were dispatched are skipped.
func (s *Service) ProcessRun(ctx context.Context, runID string) error {
	if s.Runner == nil {
		return errors.New("run orchestrator not configured")
	}
	run, err := s.Store.Load(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		telemetry.Info("run.dispatch.skipped", map[string]any{
			"request_id": requestIDFromContext(ctx),
			"run_id":     runID,
			"status":     string(run.Status),
		})
		return nil
	}
	_, err = s.Runner.Run(ctx, runID)
	return err
}

func (s *Service) dispatch(ctx context.Context, runID string) error {
	if s.Queue != nil {
		msg := queue.Message{
			RunID:      runID,
			RequestID:  requestIDFromContext(ctx),
			EnqueuedAt: time.Now().UTC().Format(time.RFC3339),
			Version:    messageVersion,
		}
		if err := s.Queue.Send(ctx, msg); err != nil {
			return fmt.Errorf("enqueue run: %w", err)
		}
		return nil
	}
	go s.processAsync(backgroundWithRequestID(ctx), runID)
	return nil
}

func (s *Service) processAsync(ctx context.Context, runID string) {
	defer func() {
		if r := recover(); r != nil {
			msg := util.SanitizeError(fmt.Errorf("panic: %v", r))
			telemetry.Error("run.panic", map[string]any{"run_id": runID, "error": msg})
			_ = s.Store.MarkTerminal(ctx, runID, runs.StatusFailed, msg)
		}
	}()
	if err := s.ProcessRun(ctx, runID); err != nil && !errors.Is(err, runs.ErrLocked) {
		telemetry.Error("run.process_failed", map[string]any{
			"request_id": requestIDFromContext(ctx),
			"run_id":     runID,
			"error":      util.SanitizeError(err),
		})
	}
}
