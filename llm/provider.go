// Package llm talks to multimodal chat-completion APIs. Every backend speaks
// the OpenAI-compatible wire format; they differ only in base URL, path
// prefix and default model.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// VisionProvider sends chat requests that carry images.
type VisionProvider interface {
	// ChatWithImages sends a chat request that includes images.
	ChatWithImages(ctx context.Context, req VisionChatRequest) (*ChatResponse, error)
}

// VisionChatRequest is a chat request with image content.
type VisionChatRequest struct {
	Model       string          `json:"model"`
	Messages    []VisionMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	// ResponseFormat can be set to "json_object" for JSON mode.
	ResponseFormat string `json:"response_format,omitempty"`
}

// VisionMessage represents a chat message that may contain images.
type VisionMessage struct {
	Role    string        `json:"role"`
	Content []ContentPart `json:"content"`
}

// ContentPart is either text or an image in a vision message.
type ContentPart struct {
	Type     string    `json:"type"` // "text" or "image_url"
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL contains a base64 data URL or a remote reference to an image.
type ImageURL struct {
	URL string `json:"url"`
	// Detail is "low", "high" or "auto". Empty leaves the provider default.
	Detail string `json:"detail,omitempty"`
}

// TextPart returns a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// ImagePart returns an image content part.
func ImagePart(url, detail string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url, Detail: detail}}
}

// ChatResponse is the response from a chat completion.
type ChatResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	FinishReason     string `json:"finish_reason"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Config configures an LLM provider.
type Config struct {
	Provider string `json:"provider" yaml:"provider"` // openrouter, gemini, openai, ollama, lmstudio, groq, xai, custom
	Model    string `json:"model" yaml:"model"`
	BaseURL  string `json:"base_url" yaml:"base_url"`
	APIKey   string `json:"api_key" yaml:"api_key"`

	// MaxRetries bounds transport-level retries on 429 and 5xx answers.
	// Zero disables retries.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// TimeoutSeconds caps one HTTP request. Zero means 120s.
	TimeoutSeconds int `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// NewVisionProvider creates a provider from configuration. An empty
// Provider is resolved from the model name with ProviderForModel.
func NewVisionProvider(cfg Config) (VisionProvider, error) {
	if cfg.Provider == "" {
		cfg.Provider = ProviderForModel(cfg.Model)
	}
	ep, ok := endpoints[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = ep.baseURL
	}
	if cfg.Model == "" {
		cfg.Model = ep.model
	}
	if cfg.Provider == "custom" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm provider custom requires a base url")
	}
	return &provider{name: cfg.Provider, base: newOpenAICompatClientPrefix(cfg, ep.prefix)}, nil
}

// ProviderForModel picks a backend from the model name: bare "gemini*"
// models go to Google's endpoint, everything else to OpenRouter, whose model
// identifiers carry a vendor prefix such as "google/".
func ProviderForModel(model string) string {
	if strings.HasPrefix(strings.ToLower(model), "gemini") {
		return "gemini"
	}
	return "openrouter"
}

// RequiresAPIKey reports whether the named provider is a hosted service that
// rejects anonymous requests.
func RequiresAPIKey(name string) bool {
	ep, ok := endpoints[name]
	return ok && ep.hosted
}

// KeyEnv returns the conventional environment variable holding the named
// provider's API key, or "" when there is none.
func KeyEnv(name string) string {
	return endpoints[name].keyEnv
}
