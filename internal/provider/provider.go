package provider

import (
	"context"
	"errors"
	"fmt"
)

// Capability names one generation capability.
type Capability string

const (
	CapScriptCandidates Capability = "script_candidates"
	CapSceneBreakdown   Capability = "scene_breakdown"
	CapImageCandidates  Capability = "image_candidates"
	CapSelectBest       Capability = "select_best"
	CapAnimateImage     Capability = "animate_image"
	CapVoice            Capability = "voice"
	CapMusic            Capability = "music"
	CapMetadata         Capability = "metadata"
)

// Subject is what the ad is about, as the providers see it.
type Subject struct {
	Name        string
	Description string
	ImageURL    string
}

// ScriptRequest asks for script candidates.
type ScriptRequest struct {
	Subject         Subject
	Style           string
	DurationSeconds int
	Count           int
}

// SceneDraft is one scene of a breakdown before it is persisted.
type SceneDraft struct {
	SceneNumber       int    `json:"sceneNumber"`
	ScriptText        string `json:"scriptText"`
	VisualDescription string `json:"visualDescription"`
}

// ImageRequest asks for image candidates.
type ImageRequest struct {
	Prompt       string
	Style        string
	Width        int
	Height       int
	Count        int
	ReferenceURL string
}

// VoiceParams selects the narration voice.
type VoiceParams struct {
	VoiceID string
	Style   string
}

// Metadata is platform copy for the finished ad.
type Metadata struct {
	Description string   `json:"description"`
	Hashtags    []string `json:"hashtags"`
}

// TextGateway covers the language-model capabilities.
type TextGateway interface {
	GenerateScriptCandidates(ctx context.Context, req ScriptRequest) ([]string, error)
	BreakdownScenes(ctx context.Context, script string, targetCount int) ([]SceneDraft, error)
	GenerateImageCandidates(ctx context.Context, req ImageRequest) ([]string, error)
	SelectBest(ctx context.Context, candidates []string, criteria string) (int, error)
	GenerateMetadata(ctx context.Context, subjectName, script string) (Metadata, error)
}

// MediaGateway covers audio and video synthesis.
type MediaGateway interface {
	AnimateImage(ctx context.Context, imageURL, prompt string) (string, error)
	SynthesizeVoice(ctx context.Context, text string, voice VoiceParams) (string, error)
	SynthesizeMusic(ctx context.Context, prompt string, durationSeconds int) (string, error)
}

// Gateway is the uniform interface to every generation capability. Returned URLs
// may be remote (http/https) or inline (data:).
type Gateway interface {
	TextGateway
	MediaGateway
}

// Composite joins a text and a media implementation into one Gateway.
type Composite struct {
	TextGateway
	MediaGateway
}

// Error is a typed provider failure.
type Error struct {
	Capability Capability
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "transient"
	}
	return fmt.Sprintf("provider %s failed (%s): %v", e.Capability, kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fail wraps err as a provider failure, classifying it as retryable when the
// underlying error looks transient.
func Fail(capability Capability, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	return &Error{Capability: capability, Retryable: looksTransient(err), Err: err}
}

// Permanent wraps err as a non-retryable provider failure.
func Permanent(capability Capability, err error) error {
	return &Error{Capability: capability, Err: err}
}

// IsRetryable reports whether err is worth one more attempt.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return looksTransient(err)
}

// ErrNotConfigured is returned by the placeholder gateway.
var ErrNotConfigured = errors.New("content provider not configured")

// Placeholder fails every call until real providers are wired.
type Placeholder struct{}

func (Placeholder) GenerateScriptCandidates(ctx context.Context, req ScriptRequest) ([]string, error) {
	return nil, Permanent(CapScriptCandidates, ErrNotConfigured)
}

func (Placeholder) BreakdownScenes(ctx context.Context, script string, targetCount int) ([]SceneDraft, error) {
	return nil, Permanent(CapSceneBreakdown, ErrNotConfigured)
}

func (Placeholder) GenerateImageCandidates(ctx context.Context, req ImageRequest) ([]string, error) {
	return nil, Permanent(CapImageCandidates, ErrNotConfigured)
}

func (Placeholder) SelectBest(ctx context.Context, candidates []string, criteria string) (int, error) {
	return 0, Permanent(CapSelectBest, ErrNotConfigured)
}

func (Placeholder) AnimateImage(ctx context.Context, imageURL, prompt string) (string, error) {
	return "", Permanent(CapAnimateImage, ErrNotConfigured)
}

func (Placeholder) SynthesizeVoice(ctx context.Context, text string, voice VoiceParams) (string, error) {
	return "", Permanent(CapVoice, ErrNotConfigured)
}

func (Placeholder) SynthesizeMusic(ctx context.Context, prompt string, durationSeconds int) (string, error) {
	return "", Permanent(CapMusic, ErrNotConfigured)
}

func (Placeholder) GenerateMetadata(ctx context.Context, subjectName, script string) (Metadata, error) {
	return Metadata{}, Permanent(CapMetadata, ErrNotConfigured)
}

var (
	_ Gateway = Placeholder{}
	_ Gateway = Composite{}
)
