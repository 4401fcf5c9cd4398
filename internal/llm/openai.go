package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bit-shift-io/construct/internal/config"
)

// openaiBackend talks to the OpenAI chat completions API. Groq, xAI and
// Z.AI expose the same wire format and reuse this backend with their own
// default base URL.
type openaiBackend struct {
	defaultBaseURL string
}

// openaiRequest represents the chat completions request.
type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// openaiResponse represents the chat completions response.
type openaiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
		PromptTokensDetails struct {
			CachedTokens int `json:"cached_tokens"`
		} `json:"prompt_tokens_details"`
	} `json:"usage"`
}

func (b openaiBackend) chat(ctx context.Context, name string, cfg config.ProviderConfig, req Context) (Response, error) {
	if cfg.APIKey == "" {
		return Response{}, NewError(name, "API key not configured")
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = b.defaultBaseURL
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := resolveModel(cfg, req, "gpt-4o")

	messages := make([]openaiMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openaiMessage{Role: string(msg.Role), Content: msg.Content})
	}

	body := openaiRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	headers := map[string]string{
		"Authorization": "Bearer " + cfg.APIKey,
	}

	respBody, err := postJSON(ctx, httpClientFor(cfg), baseURL+"/chat/completions", headers, body)
	if err != nil {
		return Response{}, NewError(name, err.Error())
	}

	var parsed openaiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return Response{}, NewError(name, fmt.Sprintf("failed to parse response: %v", err))
	}

	if len(parsed.Choices) == 0 {
		return Response{}, NewError(name, "no completion returned")
	}

	cached := parsed.Usage.PromptTokensDetails.CachedTokens

	return Response{
		Content: parsed.Choices[0].Message.Content,
		Model:   parsed.Model,
		Usage: Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
			CachedTokens:     cached,
		},
		Cached: cached > 0,
	}, nil
}
