package detect

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/brunobiangulo/pidparts/llm"
)

// mockVisionProvider records the last request and replays a canned answer.
type mockVisionProvider struct {
	response  string
	finish    string
	err       error
	callCount int
	last      llm.VisionChatRequest
}

func (m *mockVisionProvider) ChatWithImages(_ context.Context, req llm.VisionChatRequest) (*llm.ChatResponse, error) {
	m.callCount++
	m.last = req
	if m.err != nil {
		return nil, m.err
	}
	return &llm.ChatResponse{Content: m.response, FinishReason: m.finish}, nil
}

func testTile(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.Black)
	}
	return img
}

func TestVisionDetectorRequest(t *testing.T) {
	mock := &mockVisionProvider{response: "```json\n{}\n```"}
	d := NewVisionDetector(mock, Options{
		Model:       "google/gemini-2.0-flash-lite-001",
		Temperature: 0.1,
		MaxTokens:   3400,
		Detail:      "high",
	})

	got, err := d.Detect(context.Background(), testTile(64, 48), UserPrompt(nil))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if got != "```json\n{}\n```" {
		t.Errorf("Detect returned %q, want the raw model text", got)
	}
	if mock.callCount != 1 {
		t.Fatalf("expected 1 vision call, got %d", mock.callCount)
	}

	req := mock.last
	if req.Model != "google/gemini-2.0-flash-lite-001" || req.Temperature != 0.1 || req.MaxTokens != 3400 {
		t.Errorf("request params = %q %v %d", req.Model, req.Temperature, req.MaxTokens)
	}
	if req.ResponseFormat != "" {
		t.Errorf("response format = %q without JSON mode", req.ResponseFormat)
	}
	if len(req.Messages) != 2 {
		t.Fatalf("got %d messages, want system + user", len(req.Messages))
	}

	sys := req.Messages[0]
	if sys.Role != "system" || sys.Content[0].Text != SystemPrompt {
		t.Errorf("system message = %+v", sys)
	}

	user := req.Messages[1]
	if user.Role != "user" || len(user.Content) != 2 {
		t.Fatalf("user message = %+v", user)
	}
	if user.Content[0].Type != "text" || user.Content[0].Text != UserPrompt(nil) {
		t.Errorf("user text = %+v", user.Content[0])
	}
	part := user.Content[1]
	if part.Type != "image_url" || part.ImageURL == nil {
		t.Fatalf("image part = %+v", part)
	}
	if part.ImageURL.Detail != "high" {
		t.Errorf("detail = %q, want high", part.ImageURL.Detail)
	}

	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(part.ImageURL.URL, prefix) {
		t.Fatalf("image url = %.40q..., want PNG data url", part.ImageURL.URL)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(part.ImageURL.URL, prefix))
	if err != nil {
		t.Fatalf("decoding base64: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decoding png: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Errorf("encoded tile is %dx%d, want 64x48", b.Dx(), b.Dy())
	}
}

func TestVisionDetectorOptions(t *testing.T) {
	mock := &mockVisionProvider{response: "{}", finish: "length"}
	d := NewVisionDetector(mock, Options{JSONMode: true, System: "custom system"})

	if _, err := d.Detect(context.Background(), testTile(8, 8), "p"); err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if mock.last.ResponseFormat != "json_object" {
		t.Errorf("response format = %q, want json_object", mock.last.ResponseFormat)
	}
	if mock.last.Messages[0].Content[0].Text != "custom system" {
		t.Errorf("system prompt override ignored")
	}
}

func TestVisionDetectorError(t *testing.T) {
	upstream := errors.New("LLM API error 500: boom")
	mock := &mockVisionProvider{err: upstream}
	d := NewVisionDetector(mock, Options{})

	_, err := d.Detect(context.Background(), testTile(8, 8), "p")
	if !errors.Is(err, ErrDetectFailed) {
		t.Errorf("err = %v, want ErrDetectFailed", err)
	}
	if !errors.Is(err, upstream) {
		t.Errorf("err = %v, want the provider error wrapped", err)
	}
}

func TestVisionDetectorEmptyTile(t *testing.T) {
	mock := &mockVisionProvider{response: "{}"}
	d := NewVisionDetector(mock, Options{})

	_, err := d.Detect(context.Background(), image.NewNRGBA(image.Rect(0, 0, 0, 0)), "p")
	if !errors.Is(err, ErrEmptyTile) {
		t.Fatalf("err = %v, want ErrEmptyTile", err)
	}
	if mock.callCount != 0 {
		t.Errorf("provider called %d times for an empty tile", mock.callCount)
	}
}

func TestFuncAdapter(t *testing.T) {
	var gotPrompt string
	var d Detector = Func(func(_ context.Context, tile image.Image, prompt string) (string, error) {
		gotPrompt = prompt
		return `{"A": {}}`, nil
	})

	out, err := d.Detect(context.Background(), testTile(4, 4), "hello")
	if err != nil || out != `{"A": {}}` || gotPrompt != "hello" {
		t.Errorf("Func adapter = %q, %v (prompt %q)", out, err, gotPrompt)
	}
}

func TestUserPrompt(t *testing.T) {
	base := UserPrompt(nil)
	if !strings.Contains(base, "Return `{}` if none") {
		t.Errorf("prompt missing empty-result instruction: %q", base)
	}
	if !strings.Contains(base, "relative to the top-left corner of this tile") {
		t.Errorf("prompt does not state tile-relative boxes: %q", base)
	}

	withHints := UserPrompt([]string{"PT-101", "FV-7"})
	if !strings.HasPrefix(withHints, base) || !strings.HasSuffix(withHints, "PT-101, FV-7") {
		t.Errorf("hints not appended: %q", withHints)
	}

	many := make([]string, MaxHints+10)
	for i := range many {
		many[i] = "X"
	}
	listed := strings.Count(UserPrompt(many), "X")
	if listed != MaxHints {
		t.Errorf("prompt lists %d hints, want %d", listed, MaxHints)
	}
}
