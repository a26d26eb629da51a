package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"adreel-backend/internal/provider"
	"adreel-backend/internal/shared/telemetry"
	"adreel-backend/internal/shared/util"
)

// Client implements provider.MediaGateway against an HTTP media-generation API.
//
// Every endpoint takes a JSON body and answers either {"url": "..."} or the raw
// media bytes, which are returned as a data URL.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient constructs a media client.
func NewClient(baseURL, apiKey string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("MEDIA_API_URL is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

type animateRequest struct {
	ImageURL    string `json:"image_url"`
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspect_ratio"`
}

type voiceRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id,omitempty"`
	Style   string `json:"style,omitempty"`
}

type musicRequest struct {
	Prompt          string `json:"prompt"`
	DurationSeconds int    `json:"duration_seconds"`
	Instrumental    bool   `json:"instrumental"`
}

type mediaResponse struct {
	URL   string `json:"url"`
	Error string `json:"error,omitempty"`
}

// AnimateImage turns a still image into a short clip.
func (c *Client) AnimateImage(ctx context.Context, imageURL, prompt string) (string, error) {
	body := animateRequest{ImageURL: imageURL, Prompt: prompt, AspectRatio: "9:16"}
	return c.generate(ctx, provider.CapAnimateImage, "/v1/animate", body, imageURL, prompt)
}

// SynthesizeVoice renders narration audio for text.
func (c *Client) SynthesizeVoice(ctx context.Context, text string, voice provider.VoiceParams) (string, error) {
	body := voiceRequest{Text: text, VoiceID: voice.VoiceID, Style: voice.Style}
	return c.generate(ctx, provider.CapVoice, "/v1/voice", body, text, voice.VoiceID)
}

// SynthesizeMusic renders an instrumental background track.
func (c *Client) SynthesizeMusic(ctx context.Context, prompt string, durationSeconds int) (string, error) {
	body := musicRequest{Prompt: prompt, DurationSeconds: durationSeconds, Instrumental: true}
	return c.generate(ctx, provider.CapMusic, "/v1/music", body, prompt, strconv.Itoa(durationSeconds))
}

func (c *Client) generate(ctx context.Context, capability provider.Capability, path string, body any, keyParts ...string) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", provider.Permanent(capability, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", provider.Permanent(capability, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", util.HashKey(append([]string{string(capability)}, keyParts...)...))
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		telemetry.Error("provider.media.request_failed", map[string]any{
			"capability": string(capability),
			"error":      util.SanitizeError(err),
		})
		return "", provider.Fail(capability, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", provider.Fail(capability, err)
	}
	if resp.StatusCode != http.StatusOK {
		telemetry.Error("provider.media.non_ok_status", map[string]any{
			"capability": string(capability),
			"status":     resp.StatusCode,
			"message":    truncate(string(raw), 300),
		})
		return "", provider.Fail(capability, fmt.Errorf("media http status %d", resp.StatusCode))
	}
	telemetry.Info("provider.media.generated", map[string]any{
		"capability":  string(capability),
		"duration_ms": time.Since(started).Milliseconds(),
	})

	contentType := resp.Header.Get("Content-Type")
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/json" || mediaType == "" {
		var parsed mediaResponse
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return "", provider.Permanent(capability, fmt.Errorf("media response parse: %w", err))
		}
		if parsed.Error != "" {
			return "", provider.Permanent(capability, errors.New(parsed.Error))
		}
		if strings.TrimSpace(parsed.URL) == "" {
			return "", provider.Permanent(capability, errors.New("media response missing url"))
		}
		return parsed.URL, nil
	}
	if len(raw) == 0 {
		return "", provider.Permanent(capability, errors.New("media response empty body"))
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(raw), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ provider.MediaGateway = (*Client)(nil)
