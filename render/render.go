// Package render turns the first page of a PDF into a raster image and reads
// the page's text layer for tag hints.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
)

var (
	// ErrNotFound is returned when the PDF path cannot be read.
	ErrNotFound = errors.New("render: pdf not found")

	// ErrRenderFailed is returned when rasterization fails.
	ErrRenderFailed = errors.New("render: rasterization failed")
)

// DefaultDPI is the rasterization resolution used when none is given.
const DefaultDPI = 300

// Renderer rasterizes the first page of a PDF.
type Renderer interface {
	RenderFirstPage(ctx context.Context, path string, dpi int) (image.Image, error)
}

// Pdftoppm renders with poppler's pdftoppm.
type Pdftoppm struct {
	// Binary is the executable to run. Empty means "pdftoppm" on PATH.
	Binary string
}

// RenderFirstPage runs pdftoppm on page 1 into a scratch directory and
// decodes the resulting PNG.
func (p Pdftoppm) RenderFirstPage(ctx context.Context, path string, dpi int) (image.Image, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	bin := p.Binary
	if bin == "" {
		bin = "pdftoppm"
	}

	workDir, err := os.MkdirTemp("", "pidparts-render-")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}
	defer os.RemoveAll(workDir)

	prefix := filepath.Join(workDir, "page")
	args := []string{
		"-png",
		"-r", strconv.Itoa(dpi),
		"-f", "1",
		"-l", "1",
		"-singlefile",
		path,
		prefix,
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%w: pdftoppm failed: %w: %s", ErrRenderFailed, err, msg)
		}
		return nil, fmt.Errorf("%w: pdftoppm failed: %w", ErrRenderFailed, err)
	}

	img, err := imaging.Open(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("%w: decoding rendered page: %w", ErrRenderFailed, err)
	}
	return img, nil
}

// ImageFile loads an already rasterized page, bypassing PDF rendering.
// It implements Renderer so a PNG or JPEG can stand in for a PDF; dpi is
// ignored.
type ImageFile struct{}

// RenderFirstPage decodes the image at path.
func (ImageFile) RenderFirstPage(_ context.Context, path string, _ int) (image.Image, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	img, err := imaging.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRenderFailed, err)
	}
	return img, nil
}

// Auto decodes raster images directly and hands everything else to PDF.
type Auto struct {
	PDF Renderer
}

// RenderFirstPage dispatches on the file extension.
func (a Auto) RenderFirstPage(ctx context.Context, path string, dpi int) (image.Image, error) {
	if IsImagePath(path) {
		return ImageFile{}.RenderFirstPage(ctx, path, dpi)
	}
	pdf := a.PDF
	if pdf == nil {
		pdf = Pdftoppm{}
	}
	return pdf.RenderFirstPage(ctx, path, dpi)
}

// IsImagePath reports whether path names a raster image rather than a PDF.
func IsImagePath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".tif", ".tiff", ".bmp", ".gif":
		return true
	}
	return false
}
