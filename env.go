package pidparts

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/brunobiangulo/pidparts/llm"
)

// ApplyEnv overrides cfg from PIDPARTS_* environment variables and
// INGESTION_MODEL. Provider-specific variables are left to ApplyProviderEnv,
// which must run once the model and provider are final.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv("INGESTION_MODEL"); v != "" {
		cfg.Vision.Model = v
	}
	if v := os.Getenv("PIDPARTS_VISION_MODEL"); v != "" {
		cfg.Vision.Model = v
	}
	if v := os.Getenv("PIDPARTS_VISION_PROVIDER"); v != "" {
		cfg.Vision.Provider = v
	}
	if v := os.Getenv("PIDPARTS_VISION_API_KEY"); v != "" {
		cfg.Vision.APIKey = v
	}
	if v := os.Getenv("PIDPARTS_VISION_BASE_URL"); v != "" {
		cfg.Vision.BaseURL = v
	}

	if v := os.Getenv("PIDPARTS_PDFTOPPM"); v != "" {
		cfg.PdftoppmPath = v
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"PIDPARTS_TILE_PX", &cfg.TileSize},
		{"PIDPARTS_DPI", &cfg.DPI},
		{"PIDPARTS_MAX_CONCURRENCY", &cfg.MaxConcurrency},
		{"PIDPARTS_TILE_TIMEOUT", &cfg.TileTimeoutSeconds},
		{"PIDPARTS_MAX_RETRIES", &cfg.Vision.MaxRetries},
	}
	for _, e := range ints {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s=%q is not an integer", ErrInvalidConfig, e.name, v)
		}
		*e.dst = n
	}

	if v := os.Getenv("PIDPARTS_OVERLAP"); v != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%w: PIDPARTS_OVERLAP=%q is not a number", ErrInvalidConfig, v)
		}
		cfg.Overlap = f
	}
	if v := os.Getenv("PIDPARTS_TEXT_HINTS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: PIDPARTS_TEXT_HINTS=%q is not a boolean", ErrInvalidConfig, v)
		}
		cfg.TextHints = b
	}
	return nil
}

// ApplyProviderEnv fills the endpoint and credentials from the selected
// provider's conventional variables, e.g. OPENROUTER_BASE_URL,
// OPENROUTER_API_KEY or GEMINI_API_KEY. Values already set in cfg or through
// PIDPARTS_VISION_* win. Call it after every model or provider override.
func ApplyProviderEnv(cfg *Config) {
	provider := cfg.visionProvider()
	if v := os.Getenv("OPENROUTER_BASE_URL"); v != "" && provider == "openrouter" &&
		os.Getenv("PIDPARTS_VISION_BASE_URL") == "" {
		// The client appends /v1 itself.
		cfg.Vision.BaseURL = strings.TrimSuffix(strings.TrimRight(v, "/"), "/v1")
	}
	if cfg.Vision.APIKey == "" {
		if env := llm.KeyEnv(provider); env != "" {
			cfg.Vision.APIKey = os.Getenv(env)
		}
	}
}
