package llm

import (
	"context"
	"slices"
)

// endpoint describes one OpenAI-compatible backend.
type endpoint struct {
	baseURL string
	prefix  string // API path prefix in front of /chat/completions
	model   string // default vision model
	hosted  bool
	keyEnv  string
}

// endpoints is the provider table.
//
// Gemini serves the OpenAI-compatible API under /v1beta/openai, so it takes
// no /v1 prefix. Ollama and LM Studio run locally and accept anonymous calls.
// Custom has no defaults and needs an explicit base URL.
var endpoints = map[string]endpoint{
	"openrouter": {
		baseURL: "https://openrouter.ai/api",
		prefix:  "/v1",
		model:   "google/gemini-2.0-flash-lite-001",
		hosted:  true,
		keyEnv:  "OPENROUTER_API_KEY",
	},
	"gemini": {
		baseURL: "https://generativelanguage.googleapis.com/v1beta/openai",
		prefix:  "",
		model:   "gemini-2.0-flash",
		hosted:  true,
		keyEnv:  "GEMINI_API_KEY",
	},
	"openai": {
		baseURL: "https://api.openai.com",
		prefix:  "/v1",
		model:   "gpt-4o-mini",
		hosted:  true,
		keyEnv:  "OPENAI_API_KEY",
	},
	"groq": {
		baseURL: "https://api.groq.com/openai",
		prefix:  "/v1",
		model:   "meta-llama/llama-4-scout-17b-16e-instruct",
		hosted:  true,
		keyEnv:  "GROQ_API_KEY",
	},
	"xai": {
		baseURL: "https://api.x.ai",
		prefix:  "/v1",
		model:   "grok-2-vision-1212",
		hosted:  true,
		keyEnv:  "XAI_API_KEY",
	},
	"ollama": {
		baseURL: "http://localhost:11434",
		prefix:  "/v1",
		model:   "llava",
	},
	"lmstudio": {
		baseURL: "http://localhost:1234",
		prefix:  "/v1",
	},
	"custom": {
		prefix: "/v1",
	},
}

// Providers returns the known provider names in sorted order.
func Providers() []string {
	names := make([]string, 0, len(endpoints))
	for name := range endpoints {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// provider is a VisionProvider bound to one endpoint.
type provider struct {
	name string
	base openAICompatClient
}

// Name returns the provider name the client was built for.
func (p *provider) Name() string { return p.name }

// Model returns the model used when a request leaves Model empty.
func (p *provider) Model() string { return p.base.cfg.Model }

func (p *provider) ChatWithImages(ctx context.Context, req VisionChatRequest) (*ChatResponse, error) {
	return p.base.chatWithImages(ctx, req)
}
