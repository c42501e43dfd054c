package render

import (
	"errors"
	"fmt"
	"image"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/ledongthuc/pdf"
)

// ErrNoTextLayer is returned when page 1 carries no extractable text.
var ErrNoTextLayer = errors.New("render: no text layer")

// Word is a label from the PDF text layer. Pos is its left baseline point in
// pixels of a page rendered at the requested DPI.
type Word struct {
	Text string
	Pos  image.Point
}

var (
	// Instrument and valve tags: PT-101, FV7, LIC-2001A, HV-12-B
	reInstrumentTag = regexp.MustCompile(`^[A-Z]{1,5}-?\d{1,5}[A-Z]?(?:-[A-Z0-9]{1,3})?$`)
	// Line designations: 6"-P-1001-A1A, 2-CS-150, 1.5"-IA-20
	reLineClass = regexp.MustCompile(`^\d+(?:\.\d+)?"?-[A-Z0-9]+(?:-[A-Z0-9]+)+$`)
)

// IsIdentifier reports whether s looks like a P&ID tag or line designation.
func IsIdentifier(s string) bool {
	return reInstrumentTag.MatchString(s) || reLineClass.MatchString(s)
}

// PageCount returns the number of pages in the PDF.
func PageCount(path string) (int, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()
	return r.NumPage(), nil
}

// TextLayer returns the identifier-like words on page 1 with positions
// scaled to dpi. Pages whose content stream cannot be interpreted yield
// ErrNoTextLayer rather than a panic from the PDF reader.
func TextLayer(path string, dpi int) (words []Word, err error) {
	if dpi <= 0 {
		dpi = DefaultDPI
	}

	f, r, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	if r.NumPage() < 1 {
		return nil, ErrNoTextLayer
	}
	page := r.Page(1)
	if page.V.IsNull() {
		return nil, ErrNoTextLayer
	}

	defer func() {
		if rec := recover(); rec != nil {
			words, err = nil, fmt.Errorf("%w: %v", ErrNoTextLayer, rec)
		}
	}()

	box := mediaBox(page.V)
	scale := float64(dpi) / 72
	toPixels := func(x, y float64) image.Point {
		return image.Pt(
			int(math.Round((x-box[0])*scale)),
			int(math.Round((box[3]-y)*scale)),
		)
	}

	for _, w := range groupWords(page.Content().Text) {
		if IsIdentifier(w.text) {
			words = append(words, Word{Text: w.text, Pos: toPixels(w.x, w.y)})
		}
	}
	if len(words) == 0 {
		return nil, ErrNoTextLayer
	}
	return words, nil
}

// HintsIn returns the distinct words positioned inside r, in input order.
func HintsIn(words []Word, r image.Rectangle) []string {
	seen := make(map[string]bool)
	var out []string
	for _, w := range words {
		if !w.Pos.In(r) {
			continue
		}
		key := strings.ToUpper(w.Text)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, w.Text)
	}
	return out
}

type rawWord struct {
	text string
	x, y float64
}

// groupWords joins glyphs that share a baseline and touch horizontally.
// Whitespace glyphs and jumps break words.
func groupWords(glyphs []pdf.Text) []rawWord {
	var words []rawWord
	var cur strings.Builder
	var start, prev pdf.Text

	flush := func() {
		if cur.Len() > 0 {
			words = append(words, rawWord{text: cur.String(), x: start.X, y: start.Y})
			cur.Reset()
		}
	}

	for _, g := range glyphs {
		if strings.TrimFunc(g.S, unicode.IsSpace) == "" {
			flush()
			continue
		}
		if cur.Len() > 0 && !adjacent(prev, g) {
			flush()
		}
		if cur.Len() == 0 {
			start = g
		}
		cur.WriteString(strings.TrimFunc(g.S, unicode.IsSpace))
		prev = g
	}
	flush()
	return words
}

func adjacent(a, b pdf.Text) bool {
	size := max(a.FontSize, b.FontSize, 1)
	if math.Abs(a.Y-b.Y) > size*0.3 {
		return false
	}
	gap := b.X - (a.X + a.W)
	return gap > -size*0.5 && gap < size*0.3
}

// mediaBox returns the page's [x0 y0 x1 y1], following Parent links for an
// inherited box and defaulting to US Letter.
func mediaBox(v pdf.Value) [4]float64 {
	for node := v; !node.IsNull(); node = node.Key("Parent") {
		mb := node.Key("MediaBox")
		if mb.Len() == 4 {
			var box [4]float64
			for i := range box {
				box[i] = mb.Index(i).Float64()
			}
			return box
		}
	}
	return [4]float64{0, 0, 612, 792}
}
