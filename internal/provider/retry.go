package provider

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"adreel-backend/internal/shared/telemetry"
	"adreel-backend/internal/shared/util"
)

// DefaultRetryDelay is the pause before the single retry.
const DefaultRetryDelay = 300 * time.Millisecond

type retrying struct {
	base  Gateway
	delay time.Duration
}

// WithRetry retries a retryable failure once after delay.
func WithRetry(base Gateway, delay time.Duration) Gateway {
	if base == nil {
		return nil
	}
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return retrying{base: base, delay: delay}
}

func retryOnce[T any](ctx context.Context, capability Capability, delay time.Duration, call func() (T, error)) (T, error) {
	out, err := call()
	if err == nil || !IsRetryable(err) {
		return out, err
	}
	telemetry.Warn("provider.retry", map[string]any{
		"capability": string(capability),
		"attempt":    1,
		"error":      util.SanitizeError(err),
	})
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
	return call()
}

func (r retrying) GenerateScriptCandidates(ctx context.Context, req ScriptRequest) ([]string, error) {
	return retryOnce(ctx, CapScriptCandidates, r.delay, func() ([]string, error) {
		return r.base.GenerateScriptCandidates(ctx, req)
	})
}

func (r retrying) BreakdownScenes(ctx context.Context, script string, targetCount int) ([]SceneDraft, error) {
	return retryOnce(ctx, CapSceneBreakdown, r.delay, func() ([]SceneDraft, error) {
		return r.base.BreakdownScenes(ctx, script, targetCount)
	})
}

func (r retrying) GenerateImageCandidates(ctx context.Context, req ImageRequest) ([]string, error) {
	return retryOnce(ctx, CapImageCandidates, r.delay, func() ([]string, error) {
		return r.base.GenerateImageCandidates(ctx, req)
	})
}

func (r retrying) SelectBest(ctx context.Context, candidates []string, criteria string) (int, error) {
	return retryOnce(ctx, CapSelectBest, r.delay, func() (int, error) {
		return r.base.SelectBest(ctx, candidates, criteria)
	})
}

func (r retrying) AnimateImage(ctx context.Context, imageURL, prompt string) (string, error) {
	return retryOnce(ctx, CapAnimateImage, r.delay, func() (string, error) {
		return r.base.AnimateImage(ctx, imageURL, prompt)
	})
}

func (r retrying) SynthesizeVoice(ctx context.Context, text string, voice VoiceParams) (string, error) {
	return retryOnce(ctx, CapVoice, r.delay, func() (string, error) {
		return r.base.SynthesizeVoice(ctx, text, voice)
	})
}

func (r retrying) SynthesizeMusic(ctx context.Context, prompt string, durationSeconds int) (string, error) {
	return retryOnce(ctx, CapMusic, r.delay, func() (string, error) {
		return r.base.SynthesizeMusic(ctx, prompt, durationSeconds)
	})
}

func (r retrying) GenerateMetadata(ctx context.Context, subjectName, script string) (Metadata, error) {
	return retryOnce(ctx, CapMetadata, r.delay, func() (Metadata, error) {
		return r.base.GenerateMetadata(ctx, subjectName, script)
	})
}

func looksTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "http status 5") || strings.Contains(msg, "http status 429") || strings.Contains(msg, "server_error") {
		return true
	}
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "timeout") {
		return true
	}
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof")
}

var _ Gateway = retrying{}
