// Package pidparts extracts a parts list (instruments, valves, line classes)
// from a P&ID drawing. The first page is rendered, cut into overlapping
// tiles, every tile is read by a multimodal model, and the per-tile answers
// are merged into one result set keyed by tag.
package pidparts

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/brunobiangulo/pidparts/detect"
	"github.com/brunobiangulo/pidparts/llm"
	"github.com/brunobiangulo/pidparts/parts"
	"github.com/brunobiangulo/pidparts/render"
	"github.com/brunobiangulo/pidparts/report"
	"github.com/brunobiangulo/pidparts/tiler"
)

// Engine is the main entry point for parts extraction.
type Engine interface {
	// Ingest renders page 1 of the PDF at path and extracts its parts.
	Ingest(ctx context.Context, path string, opts ...IngestOption) (*Result, error)

	// IngestImage extracts parts from an already rendered page.
	IngestImage(ctx context.Context, img image.Image, opts ...IngestOption) (*Result, error)
}

// Result is the outcome of one run.
type Result struct {
	Items    map[string]parts.Item `json:"items"`
	Markdown string                `json:"markdown"`
	Stats    RunStats              `json:"stats"`
}

// RunStats counts what happened to the tiles of one run.
type RunStats struct {
	Pages     int `json:"pages,omitempty"`
	Tiles     int `json:"tiles"`
	Succeeded int `json:"succeeded"` // responses that parsed
	Failed    int `json:"failed"`    // detector errors and timeouts
	Malformed int `json:"malformed"` // responses that were not a JSON object
	Rejected  int `json:"rejected"`  // entries dropped by validation
	Hints     int `json:"hints,omitempty"`
	parts.MergeStats
	Elapsed time.Duration `json:"elapsed_ns"`
}

// TextLayerFunc returns the text-layer words of page 1 scaled to dpi.
type TextLayerFunc func(path string, dpi int) ([]render.Word, error)

// Option configures an engine.
type Option func(*engine)

// WithDetector replaces the LLM-backed detector.
func WithDetector(d detect.Detector) Option {
	return func(e *engine) { e.detector = d }
}

// WithRenderer replaces the pdftoppm renderer.
func WithRenderer(r render.Renderer) Option {
	return func(e *engine) { e.renderer = r }
}

// WithTextLayer replaces the text-layer reader. A nil fn disables hints.
func WithTextLayer(fn TextLayerFunc) Option {
	return func(e *engine) { e.textLayer = fn }
}

// IngestOption configures a single run.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	tileSize    int
	overlap     float64
	dpi         int
	concurrency int
	hints       bool
}

// WithTileSize overrides the tile edge for this run.
func WithTileSize(px int) IngestOption {
	return func(o *ingestOptions) { o.tileSize = px }
}

// WithOverlap overrides the tile overlap for this run.
func WithOverlap(f float64) IngestOption {
	return func(o *ingestOptions) { o.overlap = f }
}

// WithDPI overrides the rendering resolution for this run.
func WithDPI(dpi int) IngestOption {
	return func(o *ingestOptions) { o.dpi = dpi }
}

// WithMaxConcurrency bounds in-flight detector calls for this run.
func WithMaxConcurrency(n int) IngestOption {
	return func(o *ingestOptions) { o.concurrency = n }
}

// WithoutHints skips text-layer hints for this run.
func WithoutHints() IngestOption {
	return func(o *ingestOptions) { o.hints = false }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg       Config
	detector  detect.Detector
	renderer  render.Renderer
	textLayer TextLayerFunc
}

// New creates an engine. Without WithDetector a vision LLM detector is built
// from cfg.Vision, which then needs credentials for hosted providers.
func New(cfg Config, opts ...Option) (Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &engine{
		cfg:       cfg,
		renderer:  render.Auto{PDF: render.Pdftoppm{Binary: cfg.PdftoppmPath}},
		textLayer: render.TextLayer,
	}
	for _, o := range opts {
		o(e)
	}

	if e.detector == nil {
		if err := cfg.RequireCredentials(); err != nil {
			return nil, err
		}
		provider, err := llm.NewVisionProvider(cfg.llmConfig())
		if err != nil {
			return nil, fmt.Errorf("%w: creating vision provider: %w", ErrInvalidConfig, err)
		}
		e.detector = detect.NewVisionDetector(provider, detect.Options{
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Detail:      cfg.ImageDetail,
			JSONMode:    cfg.JSONMode,
		})
	}
	return e, nil
}

func (e *engine) options(opts []IngestOption) (ingestOptions, error) {
	o := ingestOptions{
		tileSize:    e.cfg.TileSize,
		overlap:     e.cfg.Overlap,
		dpi:         e.cfg.DPI,
		concurrency: e.cfg.MaxConcurrency,
		hints:       e.cfg.TextHints,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if _, err := tiler.Stride(o.tileSize, o.overlap); err != nil {
		return o, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if o.dpi <= 0 {
		return o, fmt.Errorf("%w: dpi must be positive, got %d", ErrInvalidConfig, o.dpi)
	}
	if o.concurrency < 0 {
		return o, fmt.Errorf("%w: max concurrency must not be negative, got %d", ErrInvalidConfig, o.concurrency)
	}
	return o, nil
}

// Ingest processes a drawing through the full pipeline.
func (e *engine) Ingest(ctx context.Context, path string, opts ...IngestOption) (*Result, error) {
	o, err := e.options(opts)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	filename := filepath.Base(path)

	slog.Info("ingest: rendering page", "file", filename, "dpi", o.dpi)
	img, err := e.renderer.RenderFirstPage(ctx, path, o.dpi)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrRenderFailed, filename, err)
	}

	pages := 0
	var words []render.Word
	if !render.IsImagePath(path) {
		if n, err := render.PageCount(path); err != nil {
			slog.Debug("ingest: page count unavailable", "file", filename, "error", err)
		} else {
			pages = n
			if n > 1 {
				slog.Warn("ingest: only the first page is processed", "file", filename, "pages", n)
			}
		}

		if o.hints && e.textLayer != nil {
			words, err = e.textLayer(path, o.dpi)
			switch {
			case errors.Is(err, render.ErrNoTextLayer):
				slog.Debug("ingest: no text layer", "file", filename)
			case err != nil:
				slog.Warn("ingest: reading text layer failed (non-fatal)", "file", filename, "error", err)
			default:
				slog.Info("ingest: text layer read", "file", filename, "labels", len(words))
			}
		}
	}

	res, err := e.run(ctx, img, words, o)
	if err != nil {
		return nil, err
	}
	res.Stats.Pages = pages
	res.Stats.Elapsed = time.Since(start)

	slog.Info("ingest: drawing ready",
		"file", filename,
		"items", len(res.Items),
		"tiles", res.Stats.Tiles,
		"failed", res.Stats.Failed,
		"malformed", res.Stats.Malformed,
		"elapsed", res.Stats.Elapsed,
	)
	return res, nil
}

// IngestImage runs tiling, detection and merging on a rendered page.
func (e *engine) IngestImage(ctx context.Context, img image.Image, opts ...IngestOption) (*Result, error) {
	o, err := e.options(opts)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := e.run(ctx, img, nil, o)
	if err != nil {
		return nil, err
	}
	res.Stats.Elapsed = time.Since(start)
	return res, nil
}

type tileResponse struct {
	raw     string
	err     error
	elapsed time.Duration
}

func (e *engine) run(ctx context.Context, img image.Image, words []render.Word, o ingestOptions) (*Result, error) {
	tiles, err := tiler.Slice(img, o.tileSize, o.overlap)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if len(tiles) == 0 {
		return nil, ErrNoTiles
	}
	b := img.Bounds()
	slog.Info("ingest: tiling complete",
		"width", b.Dx(),
		"height", b.Dy(),
		"tile_size", o.tileSize,
		"overlap", o.overlap,
		"tiles", len(tiles),
	)

	var stats RunStats
	stats.Tiles = len(tiles)
	prompts := make([]string, len(tiles))
	for i, t := range tiles {
		hints := render.HintsIn(words, t.Rect())
		stats.Hints += len(hints)
		prompts[i] = detect.UserPrompt(hints)
	}

	// One call per tile. Goroutines record their outcome by index and never
	// return an error, so the group is only a bounded barrier.
	responses := make([]tileResponse, len(tiles))
	var g errgroup.Group
	if o.concurrency > 0 {
		g.SetLimit(o.concurrency)
	}
	timeout := e.cfg.TileTimeout()
	for i, t := range tiles {
		g.Go(func() error {
			responses[i] = e.detectTile(ctx, t, prompts[i], timeout)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCanceled, err)
	}

	// Merge in tile order so equal-confidence ties resolve to the lower
	// tile index on every run.
	rs := parts.NewResultSet()
	for i, t := range tiles {
		r := responses[i]
		if r.err != nil {
			stats.Failed++
			slog.Warn("ingest: tile detection failed",
				"tile", t.Index, "offset", t.Offset, "elapsed", r.elapsed, "error", r.err)
			continue
		}

		out, err := parts.Normalize(r.raw)
		if err != nil {
			stats.Malformed++
			slog.Warn("ingest: discarding malformed tile response",
				"tile", t.Index, "offset", t.Offset, "error", err, "response", excerpt(r.raw))
			continue
		}
		stats.Succeeded++

		for _, rej := range out.Rejected {
			slog.Debug("ingest: entry rejected",
				"tile", t.Index, "key", rej.Key, "field", rej.Field, "reason", rej.Reason)
		}
		stats.Rejected += len(out.Rejected)

		ms := rs.Merge(t.Offset, out.Detections)
		stats.MergeStats.Add(ms)
		slog.Debug("ingest: tile merged",
			"tile", t.Index,
			"detections", len(out.Detections),
			"inserted", ms.Inserted,
			"replaced", ms.Replaced,
			"elapsed", r.elapsed,
		)
	}

	items := rs.Items()
	return &Result{
		Items:    items,
		Markdown: report.Markdown(items),
		Stats:    stats,
	}, nil
}

func (e *engine) detectTile(ctx context.Context, t tiler.Tile, prompt string, timeout time.Duration) tileResponse {
	if err := ctx.Err(); err != nil {
		return tileResponse{err: err}
	}
	tctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	raw, err := e.detector.Detect(tctx, t.Image, prompt)
	elapsed := time.Since(start)
	if err != nil && ctx.Err() == nil && errors.Is(tctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("tile timed out after %s: %w", timeout, err)
	}
	return tileResponse{raw: raw, err: err, elapsed: elapsed}
}

func excerpt(s string) string {
	const n = 200
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
