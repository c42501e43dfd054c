package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"log/slog"

	"github.com/disintegration/imaging"

	"github.com/brunobiangulo/pidparts/llm"
)

// Options tune a VisionDetector's request.
type Options struct {
	Model       string  // empty uses the provider's model
	Temperature float64
	MaxTokens   int
	Detail      string // image detail hint: low, high, auto
	JSONMode    bool   // ask for response_format json_object
	System      string // empty uses SystemPrompt
}

// VisionDetector asks a multimodal chat model to find parts on a tile.
type VisionDetector struct {
	provider llm.VisionProvider
	opts     Options
}

// NewVisionDetector returns a Detector backed by a vision LLM.
func NewVisionDetector(provider llm.VisionProvider, opts Options) *VisionDetector {
	if opts.System == "" {
		opts.System = SystemPrompt
	}
	return &VisionDetector{provider: provider, opts: opts}
}

// Detect sends the tile as a PNG data URL along with the system and user
// prompts and returns the model's text verbatim.
func (d *VisionDetector) Detect(ctx context.Context, tile image.Image, prompt string) (string, error) {
	url, err := EncodePNG(tile)
	if err != nil {
		return "", err
	}

	req := llm.VisionChatRequest{
		Model: d.opts.Model,
		Messages: []llm.VisionMessage{
			{Role: "system", Content: []llm.ContentPart{llm.TextPart(d.opts.System)}},
			{Role: "user", Content: []llm.ContentPart{
				llm.TextPart(prompt),
				llm.ImagePart(url, d.opts.Detail),
			}},
		},
		Temperature: d.opts.Temperature,
		MaxTokens:   d.opts.MaxTokens,
	}
	if d.opts.JSONMode {
		req.ResponseFormat = "json_object"
	}

	resp, err := d.provider.ChatWithImages(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDetectFailed, err)
	}

	slog.Debug("detect: tile answered",
		"model", resp.Model,
		"finish_reason", resp.FinishReason,
		"prompt_tokens", resp.PromptTokens,
		"completion_tokens", resp.CompletionTokens,
	)
	if resp.FinishReason == "length" {
		slog.Warn("detect: response truncated at max tokens", "max_tokens", d.opts.MaxTokens)
	}
	return resp.Content, nil
}

// EncodePNG returns the image as a base64 PNG data URL.
func EncodePNG(img image.Image) (string, error) {
	if img == nil || img.Bounds().Empty() {
		return "", ErrEmptyTile
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("encoding tile: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
