// Package eval scores parts extraction against hand-labelled drawings.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/brunobiangulo/pidparts"
)

// Evaluator runs a dataset through an engine.
type Evaluator struct {
	engine pidparts.Engine
}

// NewEvaluator creates a new evaluator.
func NewEvaluator(engine pidparts.Engine) *Evaluator {
	return &Evaluator{engine: engine}
}

// Report holds the results of an evaluation run.
type Report struct {
	Dataset         string            `json:"dataset"`
	TotalDrawings   int               `json:"total_drawings"`
	Errors          int               `json:"errors"`
	Metrics         Score             `json:"metrics"` // micro-averaged over drawings that ran
	CategoryMetrics map[string]Score  `json:"category_metrics,omitempty"`
	Results         []DrawingResult   `json:"results"`
	Tiles           pidparts.RunStats `json:"tiles"`
	RunTime         time.Duration     `json:"run_time"`
}

// DrawingResult holds the outcome for a single drawing.
type DrawingResult struct {
	Comparison

	Path      string            `json:"path"`
	Category  string            `json:"category,omitempty"`
	Score     Score             `json:"score"`
	Stats     pidparts.RunStats `json:"stats"`
	Error     string            `json:"error,omitempty"`
	ElapsedMs int64             `json:"elapsed_ms"`
}

// Run ingests every drawing in order. A failed drawing is recorded and
// excluded from the metrics; a cancelled context stops the run.
func (e *Evaluator) Run(ctx context.Context, ds Dataset, opts ...pidparts.IngestOption) (*Report, error) {
	start := time.Now()
	report := &Report{
		Dataset:         ds.Name,
		TotalDrawings:   len(ds.Drawings),
		CategoryMetrics: make(map[string]Score),
	}

	var total Counts
	cats := make(map[string]Counts)

	for i, d := range ds.Drawings {
		result := e.runDrawing(ctx, d, opts...)
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("eval: %s: %w", ds.Name, err)
		}
		report.Results = append(report.Results, result)

		slog.Info("eval: drawing complete",
			"progress", fmt.Sprintf("%d/%d", i+1, len(ds.Drawings)),
			"path", d.Path,
			"precision", fmt.Sprintf("%.2f", result.Score.Precision),
			"recall", fmt.Sprintf("%.2f", result.Score.Recall),
			"missing", len(result.Missing),
			"extra", len(result.Extra),
			"elapsed_ms", result.ElapsedMs,
			"error", result.Error)

		if result.Error != "" {
			report.Errors++
			continue
		}

		total.Add(result.Counts)
		addStats(&report.Tiles, result.Stats)
		if d.Category != "" {
			c := cats[d.Category]
			c.Add(result.Counts)
			cats[d.Category] = c
		}
	}

	report.Metrics = total.Score()
	for cat, c := range cats {
		report.CategoryMetrics[cat] = c.Score()
	}
	report.RunTime = time.Since(start)
	return report, nil
}

func (e *Evaluator) runDrawing(ctx context.Context, d Drawing, opts ...pidparts.IngestOption) DrawingResult {
	start := time.Now()
	result := DrawingResult{Path: d.Path, Category: d.Category}

	res, err := e.engine.Ingest(ctx, d.Path, opts...)
	result.ElapsedMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Comparison = Compare(d.Expected, res.Items)
	result.Score = result.Counts.Score()
	result.Stats = res.Stats
	return result
}

func addStats(dst *pidparts.RunStats, s pidparts.RunStats) {
	dst.Pages += s.Pages
	dst.Tiles += s.Tiles
	dst.Succeeded += s.Succeeded
	dst.Failed += s.Failed
	dst.Malformed += s.Malformed
	dst.Rejected += s.Rejected
	dst.Hints += s.Hints
	dst.MergeStats.Add(s.MergeStats)
	dst.Elapsed += s.Elapsed
}

// FormatReport produces a human-readable report string.
func FormatReport(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Evaluation Report: %s ===\n", r.Dataset)
	fmt.Fprintf(&b, "Drawings: %d | Errors: %d\n", r.TotalDrawings, r.Errors)
	fmt.Fprintf(&b, "Run time: %s\n\n", r.RunTime.Round(time.Millisecond))

	m := r.Metrics
	fmt.Fprintf(&b, "Aggregate Metrics:\n")
	fmt.Fprintf(&b, "  Precision:      %.2f  (%d/%d)\n", m.Precision, m.TruePositives, m.TruePositives+m.FalsePositives)
	fmt.Fprintf(&b, "  Recall:         %.2f  (%d/%d)\n", m.Recall, m.TruePositives, m.TruePositives+m.FalseNegatives)
	fmt.Fprintf(&b, "  F1:             %.2f\n", m.F1)
	if m.TypesChecked > 0 {
		fmt.Fprintf(&b, "  Type Accuracy:  %.2f  (%d/%d)\n", m.TypeAccuracy, m.TypesCorrect, m.TypesChecked)
	}
	if m.BoxesChecked > 0 {
		fmt.Fprintf(&b, "  Mean IoU:       %.2f  (%d boxes)\n", m.MeanIoU, m.BoxesChecked)
	}
	fmt.Fprintln(&b)

	fmt.Fprintf(&b, "Tiles:\n")
	fmt.Fprintf(&b, "  Total: %d | Succeeded: %d | Failed: %d | Malformed: %d | Rejected entries: %d\n\n",
		r.Tiles.Tiles, r.Tiles.Succeeded, r.Tiles.Failed, r.Tiles.Malformed, r.Tiles.Rejected)

	// Per-category breakdown (sorted for deterministic output)
	if len(r.CategoryMetrics) > 0 {
		cats := make([]string, 0, len(r.CategoryMetrics))
		for cat := range r.CategoryMetrics {
			cats = append(cats, cat)
		}
		slices.Sort(cats)

		fmt.Fprintf(&b, "Per-Category Metrics:\n")
		for _, cat := range cats {
			cm := r.CategoryMetrics[cat]
			fmt.Fprintf(&b, "  [%s] P=%.2f R=%.2f F1=%.2f Type=%.2f IoU=%.2f\n",
				cat, cm.Precision, cm.Recall, cm.F1, cm.TypeAccuracy, cm.MeanIoU)
		}
		fmt.Fprintln(&b)
	}

	for i, res := range r.Results {
		if res.Error != "" {
			fmt.Fprintf(&b, "[ERROR] %d. %s\n  Error: %s\n", i+1, res.Path, res.Error)
			continue
		}
		fmt.Fprintf(&b, "[%d/%d] %d. %s  P=%.2f R=%.2f  (%dms)\n",
			res.TruePositives, res.TruePositives+res.FalseNegatives, i+1, res.Path,
			res.Score.Precision, res.Score.Recall, res.ElapsedMs)
		if len(res.Missing) > 0 {
			fmt.Fprintf(&b, "  Missing: %s\n", strings.Join(res.Missing, ", "))
		}
		if len(res.Extra) > 0 {
			fmt.Fprintf(&b, "  Extra:   %s\n", strings.Join(res.Extra, ", "))
		}
		for _, tm := range res.TypeMismatches {
			fmt.Fprintf(&b, "  Type:    %s\n", tm)
		}
	}

	return b.String()
}
