// Package llm provides a uniform completion interface over a closed set of
// LLM provider backends, with per-provider rate limiting, model fallback
// resolution and opportunistic native prompt caching.
package llm

import (
	"fmt"
	"strings"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CachePolicy opts a request into provider-native prompt caching.
// Providers without a caching feature ignore it.
type CachePolicy struct {
	// MaxAgeSeconds hints how long cached prefixes stay useful.
	MaxAgeSeconds int `json:"max_age_seconds,omitempty"`
}

// Context is the full input to a completion request.
type Context struct {
	Messages    []Message    `json:"messages"`
	Model       string       `json:"model,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Cache       *CachePolicy `json:"cache,omitempty"`
}

// Prompt builds a context from a single user message.
func Prompt(text string) Context {
	return Context{Messages: []Message{{Role: RoleUser, Content: text}}}
}

// WithModel sets an explicit model override.
func (c Context) WithModel(model string) Context {
	c.Model = model
	return c
}

// WithSystem prepends a system message.
func (c Context) WithSystem(text string) Context {
	c.Messages = append([]Message{{Role: RoleSystem, Content: text}}, c.Messages...)
	return c
}

// WithCache enables provider-native caching for this request.
func (c Context) WithCache(maxAgeSeconds int) Context {
	c.Cache = &CachePolicy{MaxAgeSeconds: maxAgeSeconds}
	return c
}

// AddUser appends a user message.
func (c Context) AddUser(text string) Context {
	c.Messages = append(c.Messages, Message{Role: RoleUser, Content: text})
	return c
}

// AddAssistant appends an assistant message.
func (c Context) AddAssistant(text string) Context {
	c.Messages = append(c.Messages, Message{Role: RoleAssistant, Content: text})
	return c
}

// Usage reports token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	CachedTokens     int `json:"cached_tokens,omitempty"`
}

// Response is the uniform completion result across all backends.
type Response struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`

	// Cached is true when the provider reported a cache hit or write.
	Cached bool `json:"cached"`
}

// Error is the uniform failure shape for all provider operations.
type Error struct {
	Provider string
	Message  string
}

// NewError creates a provider error.
func NewError(provider, message string) *Error {
	return &Error{Provider: provider, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrUnknownProvider reports a provider name absent from configuration.
func ErrUnknownProvider(name string) *Error {
	return NewError(name, "provider not found in configuration")
}

// ErrNoModelAvailable reports an exhausted model preference walk.
func ErrNoModelAvailable(provider string, tried []string) *Error {
	return NewError(provider, fmt.Sprintf("no model available (tried: %s)", strings.Join(tried, ", ")))
}

// ErrRateLimited reports a saturated rate-limit queue.
func ErrRateLimited(provider string) *Error {
	return NewError(provider, "rate limit queue full")
}

// isModelUnavailable reports whether a backend error indicates the requested
// model cannot be served, which advances the fallback walk. Other errors
// (auth, network, quota) abort the walk.
func isModelUnavailable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"model_not_found",
		"model not found",
		"not_found_error",
		"does not exist",
		"unknown model",
		"unsupported model",
		"decommissioned",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
