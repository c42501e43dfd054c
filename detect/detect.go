// Package detect is the boundary to the multimodal model that reads P&ID
// tiles. A Detector takes one tile image plus a prompt and returns the raw
// text the model produced; turning that text into parts is the caller's job.
package detect

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrEmptyTile is returned for a tile with no pixels.
	ErrEmptyTile = errors.New("detect: empty tile")

	// ErrDetectFailed wraps any failure of the underlying model call.
	ErrDetectFailed = errors.New("detect: detector call failed")
)

// Detector finds parts on one tile.
type Detector interface {
	Detect(ctx context.Context, tile image.Image, prompt string) (string, error)
}

// Func adapts a plain function to Detector.
type Func func(ctx context.Context, tile image.Image, prompt string) (string, error)

// Detect calls f.
func (f Func) Detect(ctx context.Context, tile image.Image, prompt string) (string, error) {
	return f(ctx, tile, prompt)
}
