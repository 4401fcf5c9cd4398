package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bit-shift-io/construct/internal/config"
)

// geminiBackend talks to the Gemini generateContent REST API.
type geminiBackend struct{}

// geminiRequest represents the generateContent request.
type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenConfig  `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

// geminiResponse represents the generateContent response.
type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount        int `json:"promptTokenCount"`
		CandidatesTokenCount    int `json:"candidatesTokenCount"`
		TotalTokenCount         int `json:"totalTokenCount"`
		CachedContentTokenCount int `json:"cachedContentTokenCount"`
	} `json:"usageMetadata"`
}

func (geminiBackend) chat(ctx context.Context, name string, cfg config.ProviderConfig, req Context) (Response, error) {
	if cfg.APIKey == "" {
		return Response{}, NewError(name, "API key not configured")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	model := resolveModel(cfg, req, "gemini-1.5-flash")

	// Gemini separates the system instruction and uses "model" for the
	// assistant role.
	var system *geminiContent
	var contents []geminiContent
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			system = &geminiContent{Parts: []geminiPart{{Text: msg.Content}}}
		case RoleAssistant:
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: msg.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
		}
	}

	var genCfg *geminiGenConfig
	if req.Temperature != 0 || req.MaxTokens != 0 {
		genCfg = &geminiGenConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	body := geminiRequest{
		Contents:          contents,
		SystemInstruction: system,
		GenerationConfig:  genCfg,
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", baseURL, model, cfg.APIKey)

	respBody, err := postJSON(ctx, httpClientFor(cfg), url, nil, body)
	if err != nil {
		return Response{}, NewError(name, err.Error())
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Response{}, NewError(name, fmt.Sprintf("failed to parse response: %v", err))
	}

	if len(parsed.Candidates) == 0 {
		return Response{}, NewError(name, "no completion returned")
	}

	var content strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		content.WriteString(part.Text)
	}

	cached := parsed.UsageMetadata.CachedContentTokenCount

	return Response{
		Content: strings.TrimSpace(content.String()),
		Model:   model,
		Usage: Usage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
			CachedTokens:     cached,
		},
		Cached: cached > 0,
	}, nil
}
