// Package report renders a result set for people: a Markdown table, an HTML
// page built from it, and an XLSX parts list.
package report

import (
	"fmt"
	"strings"

	"github.com/brunobiangulo/pidparts/parts"
)

const (
	mdHeader    = "| Tag | Type | Size | Confidence | Status |"
	mdSeparator = "|-----|------|------|------------|--------|"
)

var cellEscaper = strings.NewReplacer("|", `\|`, "\r\n", " ", "\n", " ", "\r", " ")

// Markdown renders items as a table sorted by tag. An empty set renders as
// the empty string. Rows are joined by "\n" with no trailing newline.
func Markdown(items map[string]parts.Item) string {
	if len(items) == 0 {
		return ""
	}

	lines := make([]string, 0, len(items)+2)
	lines = append(lines, mdHeader, mdSeparator)
	for _, it := range parts.SortItems(items) {
		lines = append(lines, fmt.Sprintf("| %s | %s | %s | %s | %s |",
			cell(it.Tag), cell(it.Type), cell(it.SizeString()), Percent(it.Conf), cell(it.Status)))
	}
	return strings.Join(lines, "\n")
}

// Percent formats a confidence in [0,1] as a percentage with two decimals,
// e.g. 0.95 -> "95.00%".
func Percent(conf float64) string {
	return fmt.Sprintf("%.2f%%", conf*100)
}

func cell(s string) string {
	return cellEscaper.Replace(s)
}
