package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"adreel-backend/internal/provider"
	"adreel-backend/internal/shared/telemetry"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client implements provider.TextGateway using OpenAI chat completions and image generation.
type Client struct {
	apiKey     string
	model      string
	imageModel string
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a new OpenAI client.
func NewClient(apiKey, model, imageModel string) (*Client, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("LLM_MODEL is required for OpenAI")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if strings.TrimSpace(imageModel) == "" {
		imageModel = "dall-e-3"
	}
	timeout := 120 * time.Second
	if raw := strings.TrimSpace(os.Getenv("OPENAI_TIMEOUT_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			timeout = time.Duration(parsed) * time.Second
		}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(os.Getenv("OPENAI_BASE_URL")), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		apiKey:     apiKey,
		model:      model,
		imageModel: imageModel,
		baseURL:    baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    *float32       `json:"temperature,omitempty"`
	ResponseFormat responseFormat `json:"response_format"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Size           string `json:"size"`
	N              int    `json:"n"`
	ResponseFormat string `json:"response_format,omitempty"`
}

type imageResponse struct {
	Data []struct {
		URL     string `json:"url"`
		B64JSON string `json:"b64_json"`
	} `json:"data"`
	Error *apiError `json:"error,omitempty"`
}

// GenerateScriptCandidates asks for count alternative ad scripts.
func (c *Client) GenerateScriptCandidates(ctx context.Context, req provider.ScriptRequest) ([]string, error) {
	var out struct {
		Scripts []string `json:"scripts"`
	}
	if err := c.chatJSON(ctx, provider.CapScriptCandidates, scriptSystemPrompt, scriptUserPrompt(req), &out); err != nil {
		return nil, err
	}
	scripts := make([]string, 0, len(out.Scripts))
	for _, s := range out.Scripts {
		if s = strings.TrimSpace(s); s != "" {
			scripts = append(scripts, s)
		}
	}
	if len(scripts) == 0 {
		return nil, provider.Permanent(provider.CapScriptCandidates, errors.New("openai returned no scripts"))
	}
	return scripts, nil
}

// BreakdownScenes splits a script into roughly targetCount scenes.
func (c *Client) BreakdownScenes(ctx context.Context, script string, targetCount int) ([]provider.SceneDraft, error) {
	var out struct {
		Scenes []provider.SceneDraft `json:"scenes"`
	}
	if err := c.chatJSON(ctx, provider.CapSceneBreakdown, sceneSystemPrompt, sceneUserPrompt(script, targetCount), &out); err != nil {
		return nil, err
	}
	if len(out.Scenes) == 0 {
		return nil, provider.Permanent(provider.CapSceneBreakdown, errors.New("openai returned no scenes"))
	}
	return out.Scenes, nil
}

// SelectBest ranks candidates against criteria. Image candidates are sent as
// image parts so the model can look at them.
func (c *Client) SelectBest(ctx context.Context, candidates []string, criteria string) (int, error) {
	if len(candidates) == 0 {
		return 0, provider.Permanent(provider.CapSelectBest, errors.New("no candidates"))
	}
	if len(candidates) == 1 {
		return 0, nil
	}
	var out struct {
		Index int `json:"index"`
	}
	user := selectUserContent(candidates, criteria)
	if err := c.chatJSON(ctx, provider.CapSelectBest, selectSystemPrompt, user, &out); err != nil {
		return 0, err
	}
	if out.Index < 0 || out.Index >= len(candidates) {
		return 0, provider.Permanent(provider.CapSelectBest, fmt.Errorf("openai picked index %d of %d", out.Index, len(candidates)))
	}
	return out.Index, nil
}

// GenerateMetadata writes the platform description and hashtags.
func (c *Client) GenerateMetadata(ctx context.Context, subjectName, script string) (provider.Metadata, error) {
	var out provider.Metadata
	if err := c.chatJSON(ctx, provider.CapMetadata, metadataSystemPrompt, metadataUserPrompt(subjectName, script), &out); err != nil {
		return provider.Metadata{}, err
	}
	return out, nil
}

// GenerateImageCandidates issues one generation per candidate. Base64 payloads are
// returned as data URLs.
func (c *Client) GenerateImageCandidates(ctx context.Context, req provider.ImageRequest) ([]string, error) {
	count := req.Count
	if count <= 0 {
		count = 1
	}
	prompt := strings.TrimSpace(req.Prompt)
	if style := strings.TrimSpace(req.Style); style != "" {
		prompt = fmt.Sprintf("%s. Visual style: %s. Vertical 9:16 composition, no text overlays.", prompt, style)
	}
	body := imageRequest{
		Model:  c.imageModel,
		Prompt: prompt,
		Size:   imageSize(c.imageModel, req.Width, req.Height),
		N:      1,
	}
	if !strings.HasPrefix(c.imageModel, "gpt-image") {
		body.ResponseFormat = "b64_json"
	}

	out := make([]string, 0, count)
	for i := 0; i < count; i++ {
		var parsed imageResponse
		if err := c.post(ctx, "/images/generations", body, &parsed); err != nil {
			return nil, provider.Fail(provider.CapImageCandidates, err)
		}
		if parsed.Error != nil {
			return nil, provider.Fail(provider.CapImageCandidates, fmt.Errorf("openai error: %s (%s)", parsed.Error.Message, parsed.Error.Type))
		}
		for _, d := range parsed.Data {
			switch {
			case d.URL != "":
				out = append(out, d.URL)
			case d.B64JSON != "":
				out = append(out, "data:image/png;base64,"+d.B64JSON)
			}
		}
	}
	if len(out) == 0 {
		return nil, provider.Permanent(provider.CapImageCandidates, errors.New("openai returned no images"))
	}
	return out, nil
}

func (c *Client) chatJSON(ctx context.Context, capability provider.Capability, system string, user any, out any) error {
	temp := float32(0.7)
	if capability == provider.CapSelectBest {
		temp = 0
	}
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature:    &temp,
		ResponseFormat: responseFormat{Type: "json_object"},
	}
	if isGPT5(c.model) {
		reqBody.Temperature = nil
	}

	var parsed chatResponse
	if err := c.post(ctx, "/chat/completions", reqBody, &parsed); err != nil {
		return provider.Fail(capability, err)
	}
	if parsed.Error != nil {
		return provider.Fail(capability, fmt.Errorf("openai error: %s (%s)", parsed.Error.Message, parsed.Error.Type))
	}
	if len(parsed.Choices) == 0 {
		return provider.Permanent(capability, errors.New("openai response missing choices"))
	}
	content := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if content == "" {
		return provider.Permanent(capability, errors.New("openai response empty content"))
	}
	logUsage(c.model, capability, parsed)
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return provider.Permanent(capability, fmt.Errorf("openai response parse: %w", err))
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return fmt.Errorf("openai request timeout: %w", err)
		}
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var envelope struct {
			Error *apiError `json:"error"`
		}
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
			msg = envelope.Error.Message
		}
		return fmt.Errorf("openai http status %d: %s", resp.StatusCode, msg)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("openai response parse: %w", err)
	}
	return nil
}

func logUsage(model string, capability provider.Capability, resp chatResponse) {
	fields := map[string]any{
		"model":      model,
		"capability": string(capability),
	}
	if resp.Usage != nil {
		fields["prompt_tokens"] = resp.Usage.PromptTokens
		fields["completion_tokens"] = resp.Usage.CompletionTokens
		fields["total_tokens"] = resp.Usage.TotalTokens
	}
	telemetry.Info("provider.openai.usage", fields)
}

func isGPT5(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "gpt-5")
}

func imageSize(model string, width, height int) string {
	gptImage := strings.HasPrefix(model, "gpt-image")
	switch {
	case height > width:
		if gptImage {
			return "1024x1536"
		}
		return "1024x1792"
	case width > height:
		if gptImage {
			return "1536x1024"
		}
		return "1792x1024"
	default:
		return "1024x1024"
	}
}

var _ provider.TextGateway = (*Client)(nil)
