// Package tiler slices a page raster into overlapping square tiles.
//
// Tiles are laid out row-major on a grid that starts at the top-left corner
// and advances by a fixed stride. Each tile remembers its pixel offset on the
// source image so detections made inside a tile can be mapped back to
// full-page coordinates. Edge tiles are clamped to the image and never padded.
package tiler

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

var (
	// ErrInvalidTiling is the parent of every tiling parameter error.
	ErrInvalidTiling = errors.New("tiler: invalid tiling parameters")

	// ErrInvalidSize is returned when the tile size is not positive.
	ErrInvalidSize = fmt.Errorf("%w: tile size must be > 0", ErrInvalidTiling)

	// ErrInvalidOverlap is returned when overlap is outside [0, 1).
	ErrInvalidOverlap = fmt.Errorf("%w: overlap must be in [0, 1)", ErrInvalidTiling)

	// ErrDegenerateStride is returned when size and overlap leave a stride
	// below one pixel, which would never advance across the image.
	ErrDegenerateStride = fmt.Errorf("%w: stride rounds to zero", ErrInvalidTiling)
)

// Tile is a crop of the source image plus its position on that image.
type Tile struct {
	// Index is the tile's position in row-major slicing order.
	Index int

	// Image is the cropped pixels. Its bounds start at (0,0).
	Image image.Image

	// Offset is the top-left pixel of the crop on the full image,
	// relative to the source bounds' Min point.
	Offset image.Point
}

// Rect returns the tile's rectangle in full-image coordinates.
func (t Tile) Rect() image.Rectangle {
	b := t.Image.Bounds()
	return image.Rect(t.Offset.X, t.Offset.Y, t.Offset.X+b.Dx(), t.Offset.Y+b.Dy())
}

// Stride returns the grid step for the given tile size and overlap fraction.
func Stride(size int, overlap float64) (int, error) {
	if size <= 0 {
		return 0, ErrInvalidSize
	}
	if overlap < 0 || overlap >= 1 || math.IsNaN(overlap) {
		return 0, ErrInvalidOverlap
	}
	stride := int(math.Floor(float64(size) * (1 - overlap)))
	if stride < 1 {
		return 0, ErrDegenerateStride
	}
	return stride, nil
}

// Count returns how many tiles Slice would produce for a width x height image.
func Count(width, height, size int, overlap float64) (int, error) {
	stride, err := Stride(size, overlap)
	if err != nil {
		return 0, err
	}
	return steps(width, stride) * steps(height, stride), nil
}

func steps(dim, stride int) int {
	if dim <= 0 {
		return 0
	}
	return (dim + stride - 1) / stride
}

// Slice cuts img into square tiles of at most size pixels per edge, with
// neighbouring tiles sharing overlap*size pixels (rounded down to the stride).
//
// Tiles are returned row-major: all tiles of the first row left to right,
// then the next row. Placing every tile's Image back at its Offset reproduces
// img exactly.
func Slice(img image.Image, size int, overlap float64) ([]Tile, error) {
	stride, err := Stride(size, overlap)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	tiles := make([]Tile, 0, steps(width, stride)*steps(height, stride))
	for y := 0; y < height; y += stride {
		for x := 0; x < width; x += stride {
			x2 := min(x+size, width)
			y2 := min(y+size, height)
			rect := image.Rect(x, y, x2, y2).Add(bounds.Min)

			tiles = append(tiles, Tile{
				Index:  len(tiles),
				Image:  imaging.Crop(img, rect),
				Offset: image.Pt(x, y),
			})
		}
	}
	return tiles, nil
}
