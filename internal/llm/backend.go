package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bit-shift-io/construct/internal/config"
)

// backend executes one completion request against a concrete provider API.
// Implementations are stateless; per-account settings arrive in the config.
type backend interface {
	chat(ctx context.Context, name string, cfg config.ProviderConfig, req Context) (Response, error)
}

// backendFor maps a protocol to its backend. The set is closed; new
// protocols are added here and in config.ValidProtocols together.
func backendFor(protocol string) (backend, bool) {
	switch protocol {
	case "anthropic":
		return anthropicBackend{}, true
	case "openai":
		return openaiBackend{}, true
	case "groq":
		return openaiBackend{defaultBaseURL: "https://api.groq.com/openai/v1"}, true
	case "xai":
		return openaiBackend{defaultBaseURL: "https://api.x.ai/v1"}, true
	case "zai":
		return openaiBackend{defaultBaseURL: "https://api.z.ai/api/coding/paas/v4"}, true
	case "gemini":
		return geminiBackend{}, true
	default:
		return nil, false
	}
}

// postJSON sends a JSON body and returns the raw response bytes.
// Non-2xx statuses come back as an error carrying the body text.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if msg := extractAPIError(respBody); msg != "" {
			return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	return respBody, nil
}

// extractAPIError pulls the error message out of the common
// {"error": {"type": ..., "message": ...}} envelope.
func extractAPIError(body []byte) string {
	var envelope struct {
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error == nil {
		return ""
	}
	if envelope.Error.Type != "" {
		return fmt.Sprintf("%s: %s", envelope.Error.Type, envelope.Error.Message)
	}
	return envelope.Error.Message
}

// httpClientFor builds a client honoring the provider's request timeout.
func httpClientFor(cfg config.ProviderConfig) *http.Client {
	return &http.Client{Timeout: cfg.GetProviderTimeout()}
}

// resolveModel picks the request model, falling back to the account default.
func resolveModel(cfg config.ProviderConfig, req Context, fallback string) string {
	if req.Model != "" {
		return req.Model
	}
	if cfg.Model != "" {
		return cfg.Model
	}
	return fallback
}
