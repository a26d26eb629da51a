package runs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PGRepo implements Store and Artifacts using Postgres.
type PGRepo struct {
	DB *sql.DB
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const runColumns = `id, subject_id, organization_id, stage, status, settings, cancel_requested, error_message, created_at, updated_at`

// Create inserts a new run.
func (r *PGRepo) Create(ctx context.Context, run Run) error {
	const query = `
INSERT INTO production_runs (id, subject_id, organization_id, stage, status, settings, cancel_requested, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, false, $7, $7)`
	settings, err := json.Marshal(run.Settings)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, query,
		run.ID,
		run.SubjectID,
		nullIfEmpty(run.OrganizationID),
		run.Stage,
		run.Status,
		settings,
		run.CreatedAt,
	)
	return err
}

// Load returns the latest stored run with its per-stage progress.
func (r *PGRepo) Load(ctx context.Context, runID string) (Run, error) {
	return loadRun(ctx, r.DB, runID)
}

// Begin marks a pending or in-progress run in progress under a row lock. Any other
// status is ErrNotActive.
func (r *PGRepo) Begin(ctx context.Context, runID string) (Run, error) {
	err := r.withLockedStatus(ctx, runID, func(tx *sql.Tx, status Status) error {
		if !status.Active() {
			return ErrNotActive
		}
		_, err := tx.ExecContext(ctx, `
UPDATE production_runs
SET status = 'in_progress', error_message = NULL, updated_at = now()
WHERE id = $1::uuid`, runID)
		return err
	})
	if err != nil {
		return Run{}, err
	}
	return r.Load(ctx, runID)
}

// AdvanceStage moves the stage pointer forward. Earlier or equal stages are ignored.
func (r *PGRepo) AdvanceStage(ctx context.Context, runID string, stage Stage) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT stage FROM production_runs WHERE id = $1::uuid FOR UPDATE`, runID).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if cur := Stage(current); cur.Valid() && !cur.Before(stage) {
		return tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `UPDATE production_runs SET stage = $1, updated_at = now() WHERE id = $2::uuid`, stage, runID); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordUnitProgress merges a delta into the stage's progress row under a row lock on the run.
func (r *PGRepo) RecordUnitProgress(ctx context.Context, runID string, stage Stage, delta ProgressDelta) (StageProgress, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return StageProgress{}, err
	}
	defer tx.Rollback()

	if err := lockRun(ctx, tx, runID); err != nil {
		return StageProgress{}, err
	}

	const selectQuery = `
SELECT message, total_units, completed_units, failed_units, started_at, completed_at
FROM run_stage_progress
WHERE run_id = $1::uuid AND stage = $2`
	var current StageProgress
	var startedAt sql.NullTime
	var completedAt sql.NullTime
	err = tx.QueryRowContext(ctx, selectQuery, runID, stage).Scan(
		&current.Message,
		&current.TotalUnits,
		&current.CompletedUnits,
		&current.FailedUnits,
		&startedAt,
		&completedAt,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return StageProgress{}, err
	}
	if startedAt.Valid {
		current.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		current.CompletedAt = &completedAt.Time
	}

	next := current.Apply(delta, time.Now().UTC())

	const upsertQuery = `
INSERT INTO run_stage_progress (run_id, stage, message, total_units, completed_units, failed_units, started_at, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (run_id, stage) DO UPDATE
SET message = EXCLUDED.message,
    total_units = EXCLUDED.total_units,
    completed_units = EXCLUDED.completed_units,
    failed_units = EXCLUDED.failed_units,
    started_at = EXCLUDED.started_at,
    completed_at = EXCLUDED.completed_at`
	if _, err := tx.ExecContext(ctx, upsertQuery,
		runID,
		stage,
		next.Message,
		next.TotalUnits,
		next.CompletedUnits,
		next.FailedUnits,
		next.StartedAt,
		next.CompletedAt,
	); err != nil {
		return StageProgress{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE production_runs SET updated_at = now() WHERE id = $1::uuid`, runID); err != nil {
		return StageProgress{}, err
	}
	if err := tx.Commit(); err != nil {
		return StageProgress{}, err
	}
	return next, nil
}

// MarkTerminal sets a terminal status and optional error message.
func (r *PGRepo) MarkTerminal(ctx context.Context, runID string, status Status, errorMessage string) error {
	const query = `
UPDATE production_runs
SET status = $1,
    error_message = NULLIF($2::text, ''),
    updated_at = now()
WHERE id = $3::uuid`
	return execOne(ctx, r.DB, query, status, errorMessage, runID)
}

// RequestCancel cancels a pending run or flags an in-progress one.
func (r *PGRepo) RequestCancel(ctx context.Context, runID string) (Run, error) {
	err := r.withLockedStatus(ctx, runID, func(tx *sql.Tx, status Status) error {
		switch status {
		case StatusPending:
			_, err := tx.ExecContext(ctx, `
UPDATE production_runs
SET status = 'cancelled', error_message = 'cancelled before start', updated_at = now()
WHERE id = $1::uuid`, runID)
			return err
		case StatusInProgress:
			_, err := tx.ExecContext(ctx, `UPDATE production_runs SET cancel_requested = true, updated_at = now() WHERE id = $1::uuid`, runID)
			return err
		default:
			return ErrNotActive
		}
	})
	if err != nil {
		return Run{}, err
	}
	return r.Load(ctx, runID)
}

// Requeue puts a resumable run back to pending at the first stage.
func (r *PGRepo) Requeue(ctx context.Context, runID string) (Run, error) {
	err := r.withLockedStatus(ctx, runID, func(tx *sql.Tx, status Status) error {
		if !status.Resumable() {
			return ErrNotResumable
		}
		_, err := tx.ExecContext(ctx, `
UPDATE production_runs
SET status = 'pending', stage = 'script', cancel_requested = false, error_message = NULL, updated_at = now()
WHERE id = $1::uuid`, runID)
		return err
	})
	if err != nil {
		return Run{}, err
	}
	return r.Load(ctx, runID)
}

// UpdateSettings applies a patch to the stored settings document.
func (r *PGRepo) UpdateSettings(ctx context.Context, runID string, patch func(*Settings)) (Settings, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return Settings{}, err
	}
	defer tx.Rollback()

	var raw []byte
	err = tx.QueryRowContext(ctx, `SELECT settings FROM production_runs WHERE id = $1::uuid FOR UPDATE`, runID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Settings{}, ErrNotFound
		}
		return Settings{}, err
	}
	var settings Settings
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &settings); err != nil {
			return Settings{}, err
		}
	}
	patch(&settings)
	payload, err := json.Marshal(settings)
	if err != nil {
		return Settings{}, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE production_runs SET settings = $1::jsonb, updated_at = now() WHERE id = $2::uuid`, payload, runID); err != nil {
		return Settings{}, err
	}
	if err := tx.Commit(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// ListBySubject lists runs for a subject ordered newest-first.
func (r *PGRepo) ListBySubject(ctx context.Context, subjectID string, limit, offset int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	query := `SELECT ` + runColumns + `
FROM production_runs
WHERE subject_id = $1
ORDER BY created_at DESC
LIMIT $2 OFFSET $3`
	rows, err := r.DB.QueryContext(ctx, query, subjectID, limit, offset)
	if err != nil {
		return nil, err
	}
	var out []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range out {
		progress, err := loadProgress(ctx, r.DB, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].StageProgress = progress
	}
	return out, nil
}

func (r *PGRepo) withLockedStatus(ctx context.Context, runID string, fn func(*sql.Tx, Status) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM production_runs WHERE id = $1::uuid FOR UPDATE`, runID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if err := fn(tx, Status(status)); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertSubject creates or replaces a subject.
func (r *PGRepo) UpsertSubject(ctx context.Context, subject Subject) error {
	const query = `
INSERT INTO subjects (id, organization_id, name, description, image_url, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (id) DO UPDATE
SET organization_id = COALESCE(EXCLUDED.organization_id, subjects.organization_id),
    name = EXCLUDED.name,
    description = EXCLUDED.description,
    image_url = COALESCE(EXCLUDED.image_url, subjects.image_url),
    updated_at = now()`
	_, err := r.DB.ExecContext(ctx, query,
		subject.ID,
		nullIfEmpty(subject.OrganizationID),
		subject.Name,
		subject.Description,
		nullIfEmpty(subject.ImageURL),
	)
	return err
}

// GetSubject returns a subject by ID.
func (r *PGRepo) GetSubject(ctx context.Context, subjectID string) (Subject, error) {
	const query = `
SELECT id, organization_id, name, description, image_url, updated_at
FROM subjects
WHERE id = $1`
	var s Subject
	var orgID sql.NullString
	var imageURL sql.NullString
	err := r.DB.QueryRowContext(ctx, query, subjectID).Scan(&s.ID, &orgID, &s.Name, &s.Description, &imageURL, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Subject{}, ErrNotFound
		}
		return Subject{}, err
	}
	s.OrganizationID = orgID.String
	s.ImageURL = imageURL.String
	return s, nil
}

// CreateScript inserts a script candidate.
func (r *PGRepo) CreateScript(ctx context.Context, script Script) error {
	const query = `
INSERT INTO scripts (id, run_id, content, is_selected, created_at)
VALUES ($1, $2, $3, $4, $5)`
	_, err := r.DB.ExecContext(ctx, query, script.ID, script.RunID, script.Content, script.IsSelected, script.CreatedAt)
	return err
}

// ListScripts returns a run's scripts in creation order.
func (r *PGRepo) ListScripts(ctx context.Context, runID string) ([]Script, error) {
	const query = `
SELECT id, run_id, content, is_selected, created_at
FROM scripts
WHERE run_id = $1::uuid
ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Script, 0)
	for rows.Next() {
		var s Script
		if err := rows.Scan(&s.ID, &s.RunID, &s.Content, &s.IsSelected, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SelectedScript returns the selected script of a run.
func (r *PGRepo) SelectedScript(ctx context.Context, runID string) (Script, error) {
	const query = `
SELECT id, run_id, content, is_selected, created_at
FROM scripts
WHERE run_id = $1::uuid AND is_selected
LIMIT 1`
	var s Script
	err := r.DB.QueryRowContext(ctx, query, runID).Scan(&s.ID, &s.RunID, &s.Content, &s.IsSelected, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Script{}, ErrNotFound
		}
		return Script{}, err
	}
	return s, nil
}

// SelectScript selects one script, deselects its siblings and drops their scenes.
func (r *PGRepo) SelectScript(ctx context.Context, runID, scriptID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := lockRun(ctx, tx, runID); err != nil {
		return err
	}
	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM scripts WHERE id = $1::uuid AND run_id = $2::uuid`, scriptID, runID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM scenes
WHERE script_id IN (SELECT id FROM scripts WHERE run_id = $1::uuid AND id <> $2::uuid)`, runID, scriptID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE scripts SET is_selected = false WHERE run_id = $1::uuid AND id <> $2::uuid`, runID, scriptID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE scripts SET is_selected = true WHERE id = $1::uuid`, scriptID); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateScene inserts a scene.
func (r *PGRepo) CreateScene(ctx context.Context, scene Scene) error {
	const query = `
INSERT INTO scenes (id, script_id, scene_number, script_text, visual_description, created_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.DB.ExecContext(ctx, query,
		scene.ID,
		scene.ScriptID,
		scene.SceneNumber,
		scene.ScriptText,
		scene.VisualDescription,
		scene.CreatedAt,
	)
	return err
}

// ListScenes returns a script's scenes ordered by scene number.
func (r *PGRepo) ListScenes(ctx context.Context, scriptID string) ([]Scene, error) {
	const query = `
SELECT id, script_id, scene_number, script_text, visual_description, created_at
FROM scenes
WHERE script_id = $1::uuid
ORDER BY scene_number ASC`
	rows, err := r.DB.QueryContext(ctx, query, scriptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Scene, 0)
	for rows.Next() {
		var s Scene
		if err := rows.Scan(&s.ID, &s.ScriptID, &s.SceneNumber, &s.ScriptText, &s.VisualDescription, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// CreateAsset inserts an asset unless its (run, scene, kind) unit already has one,
// and returns the stored row either way.
func (r *PGRepo) CreateAsset(ctx context.Context, asset MediaAsset) (MediaAsset, error) {
	const insertQuery = `
INSERT INTO media_assets (id, run_id, scene_id, kind, url, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (run_id, kind, scene_id) DO NOTHING`
	metadata, err := marshalJSONB(asset.Metadata)
	if err != nil {
		return MediaAsset{}, err
	}
	if _, err := r.DB.ExecContext(ctx, insertQuery,
		asset.ID,
		asset.RunID,
		asset.SceneID,
		asset.Kind,
		asset.URL,
		metadata,
		asset.CreatedAt,
	); err != nil {
		return MediaAsset{}, err
	}

	const selectQuery = `
SELECT id, run_id, scene_id, kind, url, metadata, created_at
FROM media_assets
WHERE run_id = $1::uuid AND kind = $2 AND scene_id = $3`
	row := r.DB.QueryRowContext(ctx, selectQuery, asset.RunID, asset.Kind, asset.SceneID)
	stored, err := scanAsset(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MediaAsset{}, ErrNotFound
		}
		return MediaAsset{}, err
	}
	return stored, nil
}

// ListAssets returns a run's assets of a kind; an empty kind returns all.
func (r *PGRepo) ListAssets(ctx context.Context, runID string, kind AssetKind) ([]MediaAsset, error) {
	const query = `
SELECT id, run_id, scene_id, kind, url, metadata, created_at
FROM media_assets
WHERE run_id = $1::uuid AND ($2 = '' OR kind = $2)
ORDER BY created_at ASC`
	rows, err := r.DB.QueryContext(ctx, query, runID, string(kind))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]MediaAsset, 0)
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetMusicPreset returns an organization's preset track.
func (r *PGRepo) GetMusicPreset(ctx context.Context, organizationID string) (MusicPreset, error) {
	const query = `
SELECT organization_id, name, url, updated_at
FROM organization_music_presets
WHERE organization_id = $1`
	var p MusicPreset
	err := r.DB.QueryRowContext(ctx, query, organizationID).Scan(&p.OrganizationID, &p.Name, &p.URL, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return MusicPreset{}, ErrNotFound
		}
		return MusicPreset{}, err
	}
	return p, nil
}

// PutMusicPreset creates or replaces an organization's preset track.
func (r *PGRepo) PutMusicPreset(ctx context.Context, preset MusicPreset) error {
	const query = `
INSERT INTO organization_music_presets (organization_id, name, url, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (organization_id) DO UPDATE
SET name = EXCLUDED.name,
    url = EXCLUDED.url,
    updated_at = now()`
	_, err := r.DB.ExecContext(ctx, query, preset.OrganizationID, preset.Name, preset.URL)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func loadRun(ctx context.Context, q queryer, runID string) (Run, error) {
	query := `SELECT ` + runColumns + `
FROM production_runs
WHERE id = $1::uuid`
	run, err := scanRun(q.QueryRowContext(ctx, query, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	progress, err := loadProgress(ctx, q, runID)
	if err != nil {
		return Run{}, err
	}
	run.StageProgress = progress
	return run, nil
}

func scanRun(row rowScanner) (Run, error) {
	var run Run
	var orgID sql.NullString
	var stage string
	var status string
	var settings []byte
	var errorMessage sql.NullString
	if err := row.Scan(
		&run.ID,
		&run.SubjectID,
		&orgID,
		&stage,
		&status,
		&settings,
		&run.CancelRequested,
		&errorMessage,
		&run.CreatedAt,
		&run.UpdatedAt,
	); err != nil {
		return Run{}, err
	}
	run.OrganizationID = orgID.String
	run.Stage = Stage(stage)
	run.Status = Status(status)
	run.ErrorMessage = errorMessage.String
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &run.Settings); err != nil {
			return Run{}, err
		}
	}
	run.StageProgress = map[Stage]StageProgress{}
	return run, nil
}

func loadProgress(ctx context.Context, q queryer, runID string) (map[Stage]StageProgress, error) {
	const query = `
SELECT stage, message, total_units, completed_units, failed_units, started_at, completed_at
FROM run_stage_progress
WHERE run_id = $1::uuid`
	rows, err := q.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[Stage]StageProgress{}
	for rows.Next() {
		var stage string
		var p StageProgress
		var startedAt sql.NullTime
		var completedAt sql.NullTime
		if err := rows.Scan(&stage, &p.Message, &p.TotalUnits, &p.CompletedUnits, &p.FailedUnits, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			t := startedAt.Time
			p.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			p.CompletedAt = &t
		}
		out[Stage(stage)] = p
	}
	return out, rows.Err()
}

func scanAsset(row rowScanner) (MediaAsset, error) {
	var a MediaAsset
	var kind string
	var metadata []byte
	if err := row.Scan(&a.ID, &a.RunID, &a.SceneID, &kind, &a.URL, &metadata, &a.CreatedAt); err != nil {
		return MediaAsset{}, err
	}
	a.Kind = AssetKind(kind)
	if len(metadata) > 0 {
		// keep nil on malformed metadata
		_ = json.Unmarshal(metadata, &a.Metadata)
	}
	return a, nil
}

func lockRun(ctx context.Context, tx *sql.Tx, runID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM production_runs WHERE id = $1::uuid FOR UPDATE`, runID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execOne(ctx context.Context, db execer, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func marshalJSONB(value map[string]any) ([]byte, error) {
	if value == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(value)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var (
	_ Store     = (*PGRepo)(nil)
	_ Artifacts = (*PGRepo)(nil)
)
