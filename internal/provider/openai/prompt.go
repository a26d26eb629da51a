package openai

import (
	"fmt"
	"strings"

	"adreel-backend/internal/provider"
)

const scriptSystemPrompt = `You write scripts for short vertical video ads (TikTok, Reels, Shorts).
Each script is spoken narration only: a hook in the first sentence, one clear benefit, a call to action.
Respond with JSON: {"scripts": ["...", "..."]}.`

const sceneSystemPrompt = `You split an ad script into scenes for a vertical video.
Each scene has the narration it covers and a concrete visual description an image model can render.
Respond with JSON: {"scenes": [{"sceneNumber": 1, "scriptText": "...", "visualDescription": "..."}]}.`

const selectSystemPrompt = `You judge candidates for a short video ad and pick the single best one for the criteria.
Respond with JSON: {"index": <zero-based index>}.`

const metadataSystemPrompt = `You write social platform copy for a short video ad.
Respond with JSON: {"description": "...", "hashtags": ["#tag", "..."]}. Use at most 8 hashtags.`

func scriptUserPrompt(req provider.ScriptRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Product: %s\n", req.Subject.Name)
	if d := strings.TrimSpace(req.Subject.Description); d != "" {
		fmt.Fprintf(&b, "Description: %s\n", d)
	}
	if s := strings.TrimSpace(req.Style); s != "" {
		fmt.Fprintf(&b, "Tone and style: %s\n", s)
	}
	fmt.Fprintf(&b, "Target length: %d seconds of narration (about %d words).\n", req.DurationSeconds, req.DurationSeconds*5/2)
	fmt.Fprintf(&b, "Write %d distinct scripts.", max(req.Count, 1))
	return b.String()
}

func sceneUserPrompt(script string, targetCount int) string {
	return fmt.Sprintf("Split this script into exactly %d scenes, numbered from 1.\n\nScript:\n%s", targetCount, script)
}

func metadataUserPrompt(subjectName, script string) string {
	return fmt.Sprintf("Product: %s\n\nAd script:\n%s", subjectName, script)
}

func selectUserContent(candidates []string, criteria string) any {
	if !looksLikeImages(candidates) {
		var b strings.Builder
		fmt.Fprintf(&b, "Criteria: %s\n\n", criteria)
		for i, c := range candidates {
			fmt.Fprintf(&b, "Candidate %d:\n%s\n\n", i, c)
		}
		return b.String()
	}
	parts := []contentPart{{Type: "text", Text: fmt.Sprintf("Criteria: %s\nThe images follow in index order starting at 0.", criteria)}}
	for _, c := range candidates {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: c}})
	}
	return parts
}

func looksLikeImages(candidates []string) bool {
	for _, c := range candidates {
		if !strings.HasPrefix(c, "http://") && !strings.HasPrefix(c, "https://") && !strings.HasPrefix(c, "data:image/") {
			return false
		}
	}
	return true
}
