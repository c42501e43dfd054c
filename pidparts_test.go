package pidparts

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/brunobiangulo/pidparts/detect"
	"github.com/brunobiangulo/pidparts/parts"
	"github.com/brunobiangulo/pidparts/render"
	"github.com/brunobiangulo/pidparts/report"
)

// gridPage paints every pixel with its tile grid cell (R = column,
// G = row) so a fake detector can tell which tile it was handed.
func gridPage(w, h, stride int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x / stride), G: uint8(y / stride), A: 255})
		}
	}
	return img
}

func cellOf(tile image.Image) string {
	c := color.NRGBAModel.Convert(tile.At(tile.Bounds().Min.X, tile.Bounds().Min.Y)).(color.NRGBA)
	return fmt.Sprintf("%d,%d", c.R, c.G)
}

// scriptedDetector answers per grid cell; unknown cells get "{}".
type scriptedDetector struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	delays  map[string]time.Duration
	prompts map[string]string
	calls   atomic.Int32
}

func (d *scriptedDetector) Detect(ctx context.Context, tile image.Image, prompt string) (string, error) {
	d.calls.Add(1)
	cell := cellOf(tile)

	d.mu.Lock()
	if d.prompts == nil {
		d.prompts = make(map[string]string)
	}
	d.prompts[cell] = prompt
	delay := d.delays[cell]
	reply, ok := d.replies[cell]
	err := d.errs[cell]
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if !ok {
		return "{}", nil
	}
	return reply, nil
}

type fakeRenderer struct {
	img   image.Image
	err   error
	calls int
	dpi   int
}

func (r *fakeRenderer) RenderFirstPage(_ context.Context, _ string, dpi int) (image.Image, error) {
	r.calls++
	r.dpi = dpi
	return r.img, r.err
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TileSize = 500
	cfg.Overlap = 0
	return cfg
}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) Engine {
	t.Helper()
	e, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestIngestImageMergesTiles(t *testing.T) {
	det := &scriptedDetector{
		replies: map[string]string{
			"0,0": "```json\n{\"A\": {\"tag\": \"A\", \"type\": \"PT\", \"bbox\": [10, 20, 30, 40], \"conf\": 0.8}}\n```",
			"1,0": `{"A": {"tag": "A", "type": "PT", "bbox": [0, 0, 5, 5], "conf": 0.9},
			         "B": {"type": "FV", "bbox": [1, 1, 2]}}`,
			"0,1": "Sorry, I cannot help with that.",
		},
		errs: map[string]error{"1,1": errors.New("LLM API error 500")},
	}
	e := newTestEngine(t, testConfig(), WithDetector(det))

	res, err := e.IngestImage(context.Background(), gridPage(1000, 800, 500))
	if err != nil {
		t.Fatalf("IngestImage: %v", err)
	}

	if det.calls.Load() != 4 {
		t.Errorf("detector called %d times, want 4", det.calls.Load())
	}
	want := RunStats{
		Tiles:      4,
		Succeeded:  2,
		Failed:     1,
		Malformed:  1,
		Rejected:   1,
		MergeStats: parts.MergeStats{Inserted: 1, Replaced: 1},
	}
	got := res.Stats
	got.Elapsed = 0
	if got != want {
		t.Errorf("stats = %+v, want %+v", got, want)
	}

	if len(res.Items) != 1 {
		t.Fatalf("got %d items, want 1: %v", len(res.Items), res.Items)
	}
	a := res.Items["A"]
	if a.Conf != 0.9 || a.BBox != (parts.BBox{500, 0, 505, 5}) || a.Status != parts.StatusIngested {
		t.Errorf("item A = %+v, want the tile (1,0) detection translated by (500,0)", a)
	}
	if res.Markdown != report.Markdown(res.Items) {
		t.Errorf("markdown does not match the item set")
	}
}

func TestIngestImageTieKeepsLowerTileIndex(t *testing.T) {
	body := `{"K": {"tag": "K", "type": "PT", "bbox": [0, 0, 1, 1], "conf": 0.7}}`
	det := &scriptedDetector{
		replies: map[string]string{"0,0": body, "1,0": body},
		// Tile 0 finishes last; merge order must still follow tile order.
		delays: map[string]time.Duration{"0,0": 30 * time.Millisecond},
	}
	e := newTestEngine(t, testConfig(), WithDetector(det))

	res, err := e.IngestImage(context.Background(), gridPage(1000, 500, 500))
	if err != nil {
		t.Fatalf("IngestImage: %v", err)
	}
	if got := res.Items["K"].BBox; got != (parts.BBox{0, 0, 1, 1}) {
		t.Errorf("bbox = %v, want tile 0's box", got)
	}
	if res.Stats.Kept != 1 {
		t.Errorf("kept = %d, want 1", res.Stats.Kept)
	}
}

func TestIngestImageConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	det := detect.Func(func(ctx context.Context, _ image.Image, _ string) (string, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return "{}", nil
	})

	cfg := testConfig()
	cfg.MaxConcurrency = 2
	e := newTestEngine(t, cfg, WithDetector(det))

	res, err := e.IngestImage(context.Background(), gridPage(1500, 1000, 500))
	if err != nil {
		t.Fatalf("IngestImage: %v", err)
	}
	if res.Stats.Tiles != 6 || res.Stats.Succeeded != 6 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak in-flight calls = %d, want <= 2", p)
	}
}

func TestIngestImageUnboundedDispatch(t *testing.T) {
	const tiles = 4
	var arrived atomic.Int32
	allIn := make(chan struct{})
	det := detect.Func(func(ctx context.Context, _ image.Image, _ string) (string, error) {
		if arrived.Add(1) == tiles {
			close(allIn)
		}
		select {
		case <-allIn:
			return "{}", nil
		case <-time.After(2 * time.Second):
			return "", errors.New("tiles were not dispatched together")
		}
	})

	e := newTestEngine(t, testConfig(), WithDetector(det))
	res, err := e.IngestImage(context.Background(), gridPage(1000, 1000, 500))
	if err != nil {
		t.Fatalf("IngestImage: %v", err)
	}
	if res.Stats.Failed != 0 {
		t.Errorf("%d tiles failed; all %d calls should be in flight at once", res.Stats.Failed, tiles)
	}
}

func TestIngestImageTileTimeout(t *testing.T) {
	det := &scriptedDetector{
		replies: map[string]string{
			"1,0": `{"A": {"tag": "A", "type": "PT", "bbox": [0, 0, 1, 1]}}`,
		},
		delays: map[string]time.Duration{"0,0": time.Minute},
	}
	cfg := testConfig()
	cfg.TileTimeoutSeconds = 1
	e := newTestEngine(t, cfg, WithDetector(det))

	start := time.Now()
	res, err := e.IngestImage(context.Background(), gridPage(1000, 500, 500))
	if err != nil {
		t.Fatalf("IngestImage: %v", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Errorf("run took %v; per-tile timeout not applied", time.Since(start))
	}
	if res.Stats.Failed != 1 || res.Stats.Succeeded != 1 {
		t.Errorf("stats = %+v, want one timeout and one success", res.Stats)
	}
	if _, ok := res.Items["A"]; !ok {
		t.Error("the healthy tile's item is missing")
	}
}

func TestIngestImageCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var started atomic.Int32
	det := detect.Func(func(ctx context.Context, _ image.Image, _ string) (string, error) {
		if started.Add(1) == 1 {
			cancel()
		}
		<-ctx.Done()
		return "", ctx.Err()
	})
	e := newTestEngine(t, testConfig(), WithDetector(det))

	_, err := e.IngestImage(ctx, gridPage(1000, 1000, 500))
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("err = %v, want ErrCanceled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled wrapped", err)
	}
}

func TestIngestImageNoTiles(t *testing.T) {
	e := newTestEngine(t, testConfig(), WithDetector(&scriptedDetector{}))
	_, err := e.IngestImage(context.Background(), image.NewNRGBA(image.Rect(0, 0, 0, 0)))
	if !errors.Is(err, ErrNoTiles) {
		t.Fatalf("err = %v, want ErrNoTiles", err)
	}
}

func TestIngestImageEmptyResult(t *testing.T) {
	e := newTestEngine(t, testConfig(), WithDetector(&scriptedDetector{}))
	res, err := e.IngestImage(context.Background(), gridPage(600, 400, 500))
	if err != nil {
		t.Fatalf("IngestImage: %v", err)
	}
	if len(res.Items) != 0 || res.Markdown != "" {
		t.Errorf("result = %+v, want no items and empty markdown", res)
	}
	if res.Items == nil {
		t.Error("Items is nil, want an empty map")
	}
}

func TestIngestOptionsOverrideConfig(t *testing.T) {
	det := &scriptedDetector{}
	e := newTestEngine(t, testConfig(), WithDetector(det))

	res, err := e.IngestImage(context.Background(), gridPage(1000, 1000, 250),
		WithTileSize(250), WithOverlap(0), WithMaxConcurrency(3))
	if err != nil {
		t.Fatalf("IngestImage: %v", err)
	}
	if res.Stats.Tiles != 16 {
		t.Errorf("tiles = %d, want 16 with 250px tiles", res.Stats.Tiles)
	}

	tests := []struct {
		name string
		opt  IngestOption
	}{
		{"zero tile size", WithTileSize(0)},
		{"overlap of one", WithOverlap(1)},
		{"negative dpi", WithDPI(-1)},
		{"negative concurrency", WithMaxConcurrency(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.IngestImage(context.Background(), gridPage(10, 10, 10), tt.opt)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("err = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestIngestWithRendererAndHints(t *testing.T) {
	det := &scriptedDetector{
		replies: map[string]string{
			"0,0": `{"PT-101": {"tag": "PT-101", "type": "Pressure Transmitter", "size": "2\"", "bbox": [5, 5, 40, 20], "conf": 0.95}}`,
		},
	}
	rend := &fakeRenderer{img: gridPage(1000, 500, 500)}
	layer := func(path string, dpi int) ([]render.Word, error) {
		return []render.Word{{Text: "PT-101", Pos: image.Pt(10, 10)}}, nil
	}
	e := newTestEngine(t, testConfig(), WithDetector(det), WithRenderer(rend), WithTextLayer(layer))

	res, err := e.Ingest(context.Background(), "missing-on-disk.pdf", WithDPI(150))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if rend.calls != 1 || rend.dpi != 150 {
		t.Errorf("renderer calls = %d at dpi %d, want 1 at 150", rend.calls, rend.dpi)
	}
	if !strings.Contains(det.prompts["0,0"], "PT-101") {
		t.Errorf("tile 0 prompt lacks its hint: %q", det.prompts["0,0"])
	}
	if strings.Contains(det.prompts["1,0"], "PT-101") {
		t.Errorf("tile 1 prompt carries a hint from outside the tile")
	}
	if res.Stats.Hints != 1 {
		t.Errorf("hints = %d, want 1", res.Stats.Hints)
	}
	want := "| Tag | Type | Size | Confidence | Status |\n" +
		"|-----|------|------|------------|--------|\n" +
		`| PT-101 | Pressure Transmitter | 2" | 95.00% | INGESTED |`
	if res.Markdown != want {
		t.Errorf("markdown =\n%s\nwant\n%s", res.Markdown, want)
	}
}

func TestIngestWithoutHints(t *testing.T) {
	det := &scriptedDetector{}
	called := false
	layer := func(string, int) ([]render.Word, error) {
		called = true
		return nil, nil
	}
	e := newTestEngine(t, testConfig(),
		WithDetector(det),
		WithRenderer(&fakeRenderer{img: gridPage(500, 500, 500)}),
		WithTextLayer(layer))

	if _, err := e.Ingest(context.Background(), "drawing.pdf", WithoutHints()); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if called {
		t.Error("text layer read despite WithoutHints")
	}
	if det.prompts["0,0"] != detect.UserPrompt(nil) {
		t.Errorf("prompt = %q, want the plain prompt", det.prompts["0,0"])
	}
}

func TestIngestRenderFailure(t *testing.T) {
	cause := errors.New("pdftoppm exploded")
	det := &scriptedDetector{}
	e := newTestEngine(t, testConfig(), WithDetector(det), WithRenderer(&fakeRenderer{err: cause}))

	_, err := e.Ingest(context.Background(), "drawing.pdf")
	if !errors.Is(err, ErrRenderFailed) || !errors.Is(err, cause) {
		t.Fatalf("err = %v, want ErrRenderFailed wrapping the renderer error", err)
	}
	if det.calls.Load() != 0 {
		t.Errorf("detector called %d times after a render failure", det.calls.Load())
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Vision.APIKey = ""
	_, err := New(cfg)
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
	if !strings.Contains(err.Error(), "OPENROUTER_API_KEY") {
		t.Errorf("error %q does not name OPENROUTER_API_KEY", err)
	}
}

func TestNewBuildsVisionDetector(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Vision = LLMConfig{Provider: "ollama", Model: "llava"}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := e.(*engine).detector.(*detect.VisionDetector); !ok {
		t.Errorf("detector = %T, want *detect.VisionDetector", e.(*engine).detector)
	}

	cfg.Vision.Provider = "nope"
	if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig for an unknown provider", err)
	}
}

func TestExcerptKeepsRunesWhole(t *testing.T) {
	short := "not json"
	if got := excerpt(short); got != short {
		t.Errorf("excerpt(%q) = %q", short, got)
	}

	// A two-byte rune straddles the 200-byte cut.
	raw := strings.Repeat("x", 199) + "\u00b0C reading"
	got := excerpt(raw)
	if !utf8.ValidString(got) {
		t.Fatalf("excerpt is not valid UTF-8: %q", got[len(got)-8:])
	}
	if want := strings.Repeat("x", 199) + "..."; got != want {
		t.Errorf("excerpt = %q, want %q", got, want)
	}
}
