package eval

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/brunobiangulo/pidparts/parts"
)

// Dataset is a set of drawings with hand-labelled parts lists.
type Dataset struct {
	Name     string    `json:"name"`
	Drawings []Drawing `json:"drawings"`
}

// Drawing is one labelled input file.
type Drawing struct {
	Path     string         `json:"path"` // relative paths resolve against the dataset file
	Category string         `json:"category,omitempty"`
	Expected []ExpectedPart `json:"expected"`
}

// ExpectedPart is a part a correct run must report.
type ExpectedPart struct {
	Tag  string      `json:"tag"`
	Type string      `json:"type,omitempty"` // empty skips the type check
	BBox *parts.BBox `json:"bbox,omitempty"` // full-page pixels at the dataset's DPI; nil skips IoU
}

// LoadDataset reads a JSON dataset file.
func LoadDataset(path string) (Dataset, error) {
	var ds Dataset
	data, err := os.ReadFile(path)
	if err != nil {
		return ds, fmt.Errorf("reading dataset: %w", err)
	}
	if err := json.Unmarshal(data, &ds); err != nil {
		return ds, fmt.Errorf("parsing dataset %s: %w", path, err)
	}
	if len(ds.Drawings) == 0 {
		return ds, fmt.Errorf("dataset %s has no drawings", path)
	}

	base := filepath.Dir(path)
	for i := range ds.Drawings {
		d := &ds.Drawings[i]
		if d.Path == "" {
			return ds, fmt.Errorf("dataset %s: drawing %d has no path", path, i)
		}
		if !filepath.IsAbs(d.Path) {
			d.Path = filepath.Join(base, d.Path)
		}
	}
	if ds.Name == "" {
		ds.Name = filepath.Base(path)
	}
	return ds, nil
}
