package runs

import "time"

// Status is the lifecycle status of a production run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusPartial    Status = "partial"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no orchestrator is expected to touch the run again
// until it is explicitly resumed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusPartial, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether an orchestrator may start or continue the run.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// Resumable reports whether a run in this status may be put back to pending.
func (s Status) Resumable() bool {
	switch s {
	case StatusPartial, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// AssetKind classifies media assets.
type AssetKind string

const (
	AssetImage      AssetKind = "image"
	AssetVideoClip  AssetKind = "video_clip"
	AssetVoiceover  AssetKind = "voiceover"
	AssetMusic      AssetKind = "music"
	AssetFinalVideo AssetKind = "final_video"
)

// Run is a production run: one end-to-end execution of the pipeline for a subject.
type Run struct {
	ID              string                  `json:"runId"`
	SubjectID       string                  `json:"subjectId"`
	OrganizationID  string                  `json:"organizationId,omitempty"`
	Stage           Stage                   `json:"stage"`
	Status          Status                  `json:"status"`
	StageProgress   map[Stage]StageProgress `json:"stageProgress"`
	Settings        Settings                `json:"settings"`
	CancelRequested bool                    `json:"cancelRequested"`
	ErrorMessage    string                  `json:"errorMessage,omitempty"`
	CreatedAt       time.Time               `json:"createdAt"`
	UpdatedAt       time.Time               `json:"updatedAt"`
}

// Progress returns the progress record for a stage, zero-valued when absent.
func (r Run) Progress(stage Stage) StageProgress {
	if r.StageProgress == nil {
		return StageProgress{}
	}
	return r.StageProgress[stage]
}

// UnderDelivered reports whether any recorded stage finished with fewer completed
// units than it planned.
func (r Run) UnderDelivered() bool {
	for _, p := range r.StageProgress {
		if p.CompletedUnits < p.TotalUnits {
			return true
		}
	}
	return false
}

// Settings holds run inputs and the structured outputs of local stages.
type Settings struct {
	DurationSeconds int               `json:"durationSeconds"`
	Style           string            `json:"style,omitempty"`
	VoiceID         string            `json:"voiceId,omitempty"`
	CaptionPreset   string            `json:"captionPreset,omitempty"`
	CaptionStyle    *CaptionStyle     `json:"captionStyle,omitempty"`
	Metadata        *PlatformMetadata `json:"metadata,omitempty"`
	Export          *ExportManifest   `json:"export,omitempty"`
}

// CaptionStyle configures burned-in captions for the final video.
type CaptionStyle struct {
	Preset          string `json:"preset" yaml:"-"`
	FontFamily      string `json:"fontFamily" yaml:"font_family"`
	FontSize        int    `json:"fontSize" yaml:"font_size"`
	FontWeight      int    `json:"fontWeight" yaml:"font_weight"`
	TextColor       string `json:"textColor" yaml:"text_color"`
	HighlightColor  string `json:"highlightColor" yaml:"highlight_color"`
	StrokeColor     string `json:"strokeColor" yaml:"stroke_color"`
	StrokeWidth     int    `json:"strokeWidth" yaml:"stroke_width"`
	Position        string `json:"position" yaml:"position"`
	MaxWordsPerLine int    `json:"maxWordsPerLine" yaml:"max_words_per_line"`
	Uppercase       bool   `json:"uppercase" yaml:"uppercase"`
}

// PlatformMetadata is the social platform description for the finished ad.
type PlatformMetadata struct {
	Description string   `json:"description"`
	Hashtags    []string `json:"hashtags"`
}

// ExportManifest lists everything the video-compilation collaborator needs.
type ExportManifest struct {
	ReadyForExport bool          `json:"readyForExport"`
	Clips          []ExportClip  `json:"clips"`
	VoiceoverURL   string        `json:"voiceoverUrl,omitempty"`
	MusicURL       string        `json:"musicUrl,omitempty"`
	CaptionStyle   *CaptionStyle `json:"captionStyle,omitempty"`
	PreparedAt     time.Time     `json:"preparedAt"`
}

// ExportClip is one scene's visual in the export manifest. ClipURL is empty when
// only a still image exists for the scene.
type ExportClip struct {
	SceneNumber int    `json:"sceneNumber"`
	ImageURL    string `json:"imageUrl,omitempty"`
	ClipURL     string `json:"clipUrl,omitempty"`
	Caption     string `json:"caption"`
}

// Subject is the product or asset being advertised.
type Subject struct {
	ID             string    `json:"subjectId"`
	OrganizationID string    `json:"organizationId,omitempty"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	ImageURL       string    `json:"imageUrl,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Script is one script candidate for a run.
type Script struct {
	ID         string    `json:"scriptId"`
	RunID      string    `json:"runId"`
	Content    string    `json:"content"`
	IsSelected bool      `json:"isSelected"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Scene belongs to a selected script.
type Scene struct {
	ID                string    `json:"sceneId"`
	ScriptID          string    `json:"scriptId"`
	SceneNumber       int       `json:"sceneNumber"`
	ScriptText        string    `json:"scriptText"`
	VisualDescription string    `json:"visualDescription"`
	CreatedAt         time.Time `json:"createdAt"`
}

// MediaAsset is an immutable, stored media artifact.
type MediaAsset struct {
	ID        string         `json:"assetId"`
	RunID     string         `json:"runId"`
	SceneID   string         `json:"sceneId,omitempty"`
	Kind      AssetKind      `json:"kind"`
	URL       string         `json:"url"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// MusicPreset is an organization-level background track.
type MusicPreset struct {
	OrganizationID string    `json:"organizationId"`
	Name           string    `json:"name"`
	URL            string    `json:"url"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Snapshot is the externally observable status of a run. Its top-level fields are
// a stable contract for polling clients.
type Snapshot struct {
	RunID          string                  `json:"runId"`
	Stage          Stage                   `json:"stage"`
	Status         Status                  `json:"status"`
	Message        string                  `json:"message"`
	TotalUnits     int                     `json:"totalUnits"`
	CompletedUnits int                     `json:"completedUnits"`
	UpdatedAt      time.Time               `json:"updatedAt"`
	Stages         map[Stage]StageProgress `json:"stages,omitempty"`
}

// SnapshotOf projects a run onto its status snapshot.
func SnapshotOf(r Run) Snapshot {
	current := r.Progress(r.Stage)
	message := current.Message
	if (r.Status == StatusFailed || r.Status == StatusCancelled) && r.ErrorMessage != "" {
		message = r.ErrorMessage
	}
	stages := make(map[Stage]StageProgress, len(r.StageProgress))
	for k, v := range r.StageProgress {
		stages[k] = v
	}
	return Snapshot{
		RunID:          r.ID,
		Stage:          r.Stage,
		Status:         r.Status,
		Message:        message,
		TotalUnits:     current.TotalUnits,
		CompletedUnits: current.CompletedUnits,
		UpdatedAt:      r.UpdatedAt,
		Stages:         stages,
	}
}

// Equal reports whether two snapshots carry the same observable state.
func (s Snapshot) Equal(o Snapshot) bool {
	if s.RunID != o.RunID || s.Stage != o.Stage || s.Status != o.Status ||
		s.Message != o.Message || s.TotalUnits != o.TotalUnits ||
		s.CompletedUnits != o.CompletedUnits || !s.UpdatedAt.Equal(o.UpdatedAt) {
		return false
	}
	if len(s.Stages) != len(o.Stages) {
		return false
	}
	for k, v := range s.Stages {
		ov, ok := o.Stages[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}
