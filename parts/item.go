// Package parts holds the P&ID part data model, the normalizer that turns a
// detector's raw text into candidate detections, and the result set that
// merges detections from overlapping tiles.
package parts

import (
	"cmp"
	"image"
	"slices"
)

// StatusIngested marks an item freshly merged from detector output.
const StatusIngested = "INGESTED"

// DefaultConf is assigned to detections that arrive without a confidence.
const DefaultConf = 0.5

// BBox is an axis-aligned box as (x1, y1, x2, y2) pixel coordinates.
type BBox [4]int

// Translate shifts both corners by p.
func (b BBox) Translate(p image.Point) BBox {
	return BBox{b[0] + p.X, b[1] + p.Y, b[2] + p.X, b[3] + p.Y}
}

// Rect returns the box as an image.Rectangle.
func (b BBox) Rect() image.Rectangle {
	return image.Rect(b[0], b[1], b[2], b[3])
}

// Detection is one validated candidate from a single tile. BBox is still
// tile-local.
type Detection struct {
	Key  string
	Tag  string
	Type string
	Size *string
	BBox BBox
	Conf float64
}

// Item is a merged part record with its box in full-image coordinates.
type Item struct {
	Tag    string  `json:"tag"`
	Type   string  `json:"type"`
	Size   *string `json:"size"`
	BBox   BBox    `json:"bbox"`
	Conf   float64 `json:"conf"`
	Status string  `json:"status"`
}

// Item converts the detection into an Item placed on the full image.
func (d Detection) Item(offset image.Point) Item {
	return Item{
		Tag:    d.Tag,
		Type:   d.Type,
		Size:   d.Size,
		BBox:   d.BBox.Translate(offset),
		Conf:   d.Conf,
		Status: StatusIngested,
	}
}

// SizeString returns the size or "" when absent.
func (it Item) SizeString() string {
	if it.Size == nil {
		return ""
	}
	return *it.Size
}

// SortItems returns the items ordered by tag. Items sharing a tag are
// ordered by their result-set key.
func SortItems(items map[string]Item) []Item {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		if c := cmp.Compare(items[a].Tag, items[b].Tag); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	out := make([]Item, len(keys))
	for i, k := range keys {
		out[i] = items[k]
	}
	return out
}
