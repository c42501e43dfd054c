package eval

import (
	"slices"
	"strings"
	"unicode"

	"github.com/brunobiangulo/pidparts/parts"
)

// Counts are the raw tallies behind a Score. They add across drawings.
type Counts struct {
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	TypesChecked   int     `json:"types_checked"`
	TypesCorrect   int     `json:"types_correct"`
	BoxesChecked   int     `json:"boxes_checked"`
	IoUSum         float64 `json:"iou_sum"`
}

// Add accumulates o into c.
func (c *Counts) Add(o Counts) {
	c.TruePositives += o.TruePositives
	c.FalsePositives += o.FalsePositives
	c.FalseNegatives += o.FalseNegatives
	c.TypesChecked += o.TypesChecked
	c.TypesCorrect += o.TypesCorrect
	c.BoxesChecked += o.BoxesChecked
	c.IoUSum += o.IoUSum
}

// Score holds detection quality for one drawing or a whole run.
type Score struct {
	Counts
	Precision    float64 `json:"precision"`
	Recall       float64 `json:"recall"`
	F1           float64 `json:"f1"`
	TypeAccuracy float64 `json:"type_accuracy"`
	MeanIoU      float64 `json:"mean_iou"`
}

// Score derives the ratios from the tallies.
func (c Counts) Score() Score {
	s := Score{Counts: c}
	s.Precision = ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
	s.Recall = ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
	if s.Precision+s.Recall > 0 {
		s.F1 = 2 * s.Precision * s.Recall / (s.Precision + s.Recall)
	}
	s.TypeAccuracy = ratio(c.TypesCorrect, c.TypesChecked)
	if c.BoxesChecked > 0 {
		s.MeanIoU = c.IoUSum / float64(c.BoxesChecked)
	}
	return s
}

// Comparison is the tag-level diff between expected and detected parts.
type Comparison struct {
	Counts
	Missing        []string `json:"missing,omitempty"`         // expected tags not detected
	Extra          []string `json:"extra,omitempty"`           // detected tags not expected
	TypeMismatches []string `json:"type_mismatches,omitempty"` // "TAG: got X, want Y"
}

// Compare matches detected items to expected parts by normalized tag.
// Several items with the same normalized tag count once, using the most
// confident one.
func Compare(expected []ExpectedPart, items map[string]parts.Item) Comparison {
	detected := make(map[string]parts.Item, len(items))
	for _, it := range parts.SortItems(items) {
		key := NormalizeTag(it.Tag)
		if key == "" {
			continue
		}
		if prev, ok := detected[key]; !ok || it.Conf > prev.Conf {
			detected[key] = it
		}
	}

	var cmp Comparison
	wanted := make(map[string]bool, len(expected))
	for _, exp := range expected {
		key := NormalizeTag(exp.Tag)
		if key == "" || wanted[key] {
			continue
		}
		wanted[key] = true

		it, ok := detected[key]
		if !ok {
			cmp.FalseNegatives++
			cmp.Missing = append(cmp.Missing, exp.Tag)
			continue
		}
		cmp.TruePositives++

		if exp.Type != "" {
			cmp.TypesChecked++
			if TypeMatches(it.Type, exp.Type) {
				cmp.TypesCorrect++
			} else {
				cmp.TypeMismatches = append(cmp.TypeMismatches, exp.Tag+": got "+it.Type+", want "+exp.Type)
			}
		}
		if exp.BBox != nil {
			cmp.BoxesChecked++
			cmp.IoUSum += IoU(it.BBox, *exp.BBox)
		}
	}

	for key, it := range detected {
		if !wanted[key] {
			cmp.FalsePositives++
			cmp.Extra = append(cmp.Extra, it.Tag)
		}
	}
	slices.Sort(cmp.Missing)
	slices.Sort(cmp.Extra)
	return cmp
}

// NormalizeTag upper-cases s and strips whitespace. Unicode dashes become
// '-', so "pt - 101" and "PT\u2011101" both normalize to "PT-101".
func NormalizeTag(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
		case r == '\u2010' || r == '\u2011' || r == '\u2012' || r == '\u2013' || r == '\u2014':
			b.WriteByte('-')
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// TypeMatches reports whether a detected type agrees with the label. Either
// may be an abbreviation contained in the other, e.g. "Control Valve" and
// "valve".
func TypeMatches(got, want string) bool {
	g := strings.ToLower(strings.TrimSpace(got))
	w := strings.ToLower(strings.TrimSpace(want))
	if g == "" || w == "" {
		return false
	}
	return strings.Contains(g, w) || strings.Contains(w, g)
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b parts.BBox) float64 {
	ra, rb := a.Rect(), b.Rect()
	inter := ra.Intersect(rb)
	if inter.Empty() {
		return 0
	}
	area := func(w, h int) float64 { return float64(w) * float64(h) }
	i := area(inter.Dx(), inter.Dy())
	u := area(ra.Dx(), ra.Dy()) + area(rb.Dx(), rb.Dy()) - i
	if u <= 0 {
		return 0
	}
	return i / u
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}
