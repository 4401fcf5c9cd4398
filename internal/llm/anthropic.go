package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bit-shift-io/construct/internal/config"
)

const anthropicVersion = "2023-06-01"

// anthropicBackend talks to the Anthropic Messages API, including native
// prompt caching via cache_control blocks.
type anthropicBackend struct{}

// anthropicRequest represents the Anthropic API request.
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature,omitempty"`
}

// anthropicMessage carries content blocks so cache_control can attach
// to individual blocks.
type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type         string              `json:"type"`
	Text         string              `json:"text"`
	CacheControl *anthropicCacheCtrl `json:"cache_control,omitempty"`
}

type anthropicCacheCtrl struct {
	Type string `json:"type"`
}

// anthropicResponse represents the API response.
type anthropicResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	} `json:"usage"`
}

func (anthropicBackend) chat(ctx context.Context, name string, cfg config.ProviderConfig, req Context) (Response, error) {
	if cfg.APIKey == "" {
		return Response{}, NewError(name, "API key not configured")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	model := resolveModel(cfg, req, "claude-3-5-sonnet-20241022")

	// System messages go into the dedicated system field; the rest become
	// content-block messages so caching can mark them.
	var system string
	caching := req.Cache != nil
	var messages []anthropicMessage
	cacheMarked := false

	for _, msg := range req.Messages {
		if msg.Role == RoleSystem {
			system = msg.Content
			continue
		}
		block := anthropicContentBlock{Type: "text", Text: msg.Content}
		// Mark the first user block as the cache prefix boundary.
		if caching && !cacheMarked && msg.Role == RoleUser {
			block.CacheControl = &anthropicCacheCtrl{Type: "ephemeral"}
			cacheMarked = true
		}
		messages = append(messages, anthropicMessage{
			Role:    string(msg.Role),
			Content: []anthropicContentBlock{block},
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 4096
	}

	body := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      system,
		Messages:    messages,
		Temperature: req.Temperature,
	}

	headers := map[string]string{
		"x-api-key":         cfg.APIKey,
		"anthropic-version": anthropicVersion,
	}

	respBody, err := postJSON(ctx, httpClientFor(cfg), baseURL+"/v1/messages", headers, body)
	if err != nil {
		return Response{}, NewError(name, err.Error())
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Response{}, NewError(name, fmt.Sprintf("failed to parse response: %v", err))
	}

	if len(parsed.Content) == 0 {
		return Response{}, NewError(name, "no completion returned")
	}

	var content strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	// A cache read or write both count as cache participation. A plain miss
	// (zero on both counters) is not an error, the response is just uncached.
	cachedTokens := parsed.Usage.CacheReadInputTokens
	if cachedTokens == 0 {
		cachedTokens = parsed.Usage.CacheCreationInputTokens
	}

	return Response{
		Content: strings.TrimSpace(content.String()),
		Model:   parsed.Model,
		Usage: Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
			CachedTokens:     cachedTokens,
		},
		Cached: cachedTokens > 0,
	}, nil
}
