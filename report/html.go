package report

import (
	"bytes"
	"fmt"
	"html"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/brunobiangulo/pidparts/parts"
)

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

const pageStyle = `table{border-collapse:collapse;font-family:sans-serif}` +
	`th,td{border:1px solid #999;padding:4px 8px}th{background:#eee}`

// HTML renders items as a standalone HTML page whose table is the Markdown
// report converted by goldmark.
func HTML(title string, items map[string]parts.Item) (string, error) {
	body := Markdown(items)
	if body == "" {
		body = "_No parts detected._"
	}
	src := fmt.Sprintf("# %s\n\n%s\n", title, body)

	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n")
	fmt.Fprintf(&buf, "<title>%s</title>\n<style>%s</style>\n</head>\n<body>\n", html.EscapeString(title), pageStyle)
	if err := md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("report: rendering html: %w", err)
	}
	buf.WriteString("</body>\n</html>\n")
	return buf.String(), nil
}
