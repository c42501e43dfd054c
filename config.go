package pidparts

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/brunobiangulo/pidparts/llm"
	"github.com/brunobiangulo/pidparts/tiler"
)

// Config holds all configuration for a pidparts engine.
type Config struct {
	// Vision is the multimodal model that reads tiles.
	Vision LLMConfig `json:"vision" yaml:"vision"`

	// Tiling
	TileSize int     `json:"tile_size" yaml:"tile_size"` // square tile edge in pixels
	Overlap  float64 `json:"overlap" yaml:"overlap"`     // fraction of TileSize shared by neighbours, in [0, 1)

	// Rendering
	DPI          int    `json:"dpi" yaml:"dpi"`
	PdftoppmPath string `json:"pdftoppm_path" yaml:"pdftoppm_path"`

	// Detector calls
	MaxConcurrency     int     `json:"max_concurrency" yaml:"max_concurrency"`           // 0 dispatches every tile at once
	TileTimeoutSeconds int     `json:"tile_timeout_seconds" yaml:"tile_timeout_seconds"` // 0 disables the per-tile deadline
	Temperature        float64 `json:"temperature" yaml:"temperature"`
	MaxTokens          int     `json:"max_tokens" yaml:"max_tokens"`
	ImageDetail        string  `json:"image_detail" yaml:"image_detail"`
	JSONMode           bool    `json:"json_mode" yaml:"json_mode"`

	// TextHints quotes text-layer tags found inside each tile in its prompt.
	TextHints bool `json:"text_hints" yaml:"text_hints"`
}

// LLMConfig configures a single LLM provider endpoint.
type LLMConfig struct {
	Provider       string `json:"provider" yaml:"provider"` // empty picks one from the model name
	Model          string `json:"model" yaml:"model"`
	BaseURL        string `json:"base_url" yaml:"base_url"`
	APIKey         string `json:"api_key" yaml:"api_key"`
	MaxRetries     int    `json:"max_retries" yaml:"max_retries"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// DefaultConfig returns a Config that sends 1200px tiles at 300 DPI to
// Gemini Flash Lite through OpenRouter.
func DefaultConfig() Config {
	return Config{
		Vision: LLMConfig{
			Model:      "google/gemini-2.0-flash-lite-001",
			MaxRetries: 2,
		},
		TileSize:           1200,
		Overlap:            0.15,
		DPI:                300,
		PdftoppmPath:       "pdftoppm",
		TileTimeoutSeconds: 120,
		Temperature:        0.1,
		MaxTokens:          3400,
		ImageDetail:        "high",
		TextHints:          true,
	}
}

// LoadConfig reads a JSON config file over DefaultConfig. Fields missing
// from the file keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("opening config: %w", err)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("%w: parsing %s: %w", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// Validate checks tiling, rendering and sampling parameters.
func (c Config) Validate() error {
	if _, err := tiler.Stride(c.TileSize, c.Overlap); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.DPI <= 0 {
		return fmt.Errorf("%w: dpi must be positive, got %d", ErrInvalidConfig, c.DPI)
	}
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("%w: max_concurrency must not be negative, got %d", ErrInvalidConfig, c.MaxConcurrency)
	}
	if c.TileTimeoutSeconds < 0 {
		return fmt.Errorf("%w: tile_timeout_seconds must not be negative, got %d", ErrInvalidConfig, c.TileTimeoutSeconds)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("%w: temperature %g outside [0, 2]", ErrInvalidConfig, c.Temperature)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("%w: max_tokens must not be negative, got %d", ErrInvalidConfig, c.MaxTokens)
	}
	switch c.ImageDetail {
	case "", "low", "high", "auto":
	default:
		return fmt.Errorf("%w: image_detail %q is not low, high or auto", ErrInvalidConfig, c.ImageDetail)
	}
	return nil
}

// RequireCredentials fails when the configured provider is hosted and no
// API key is set.
func (c Config) RequireCredentials() error {
	provider := c.visionProvider()
	if c.Vision.APIKey != "" || !llm.RequiresAPIKey(provider) {
		return nil
	}
	if env := llm.KeyEnv(provider); env != "" {
		if provider == "openrouter" {
			return fmt.Errorf("%w: Set an OPENROUTER_API_KEY env var (get yours at openrouter.ai)", ErrMissingAPIKey)
		}
		return fmt.Errorf("%w: set %s or PIDPARTS_VISION_API_KEY", ErrMissingAPIKey, env)
	}
	return fmt.Errorf("%w: provider %s", ErrMissingAPIKey, provider)
}

// TileTimeout returns the per-tile deadline, zero when disabled.
func (c Config) TileTimeout() time.Duration {
	return time.Duration(c.TileTimeoutSeconds) * time.Second
}

func (c Config) visionProvider() string {
	if c.Vision.Provider != "" {
		return c.Vision.Provider
	}
	return llm.ProviderForModel(c.Vision.Model)
}

func (c Config) llmConfig() llm.Config {
	return llm.Config{
		Provider:       c.visionProvider(),
		Model:          c.Vision.Model,
		BaseURL:        c.Vision.BaseURL,
		APIKey:         c.Vision.APIKey,
		MaxRetries:     c.Vision.MaxRetries,
		TimeoutSeconds: c.Vision.TimeoutSeconds,
	}
}
