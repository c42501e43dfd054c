package detect

import "strings"

// SystemPrompt fixes the response contract: one JSON object keyed by tag.
const SystemPrompt = "You are an OCR-plus detector for process & instrumentation diagrams. " +
	"Return ONLY valid JSON. Keys are tag strings; values are objects with " +
	"fields: tag (string), type (string), size (string), bbox (list of 4 " +
	"integers [x1, y1, x2, y2] representing the bounding box coordinates), " +
	"conf (float)."

const userText = "Detect every instrument, valve or line class in this tile. " +
	"Return `{}` if none. BBox coords are pixels relative to the top-left " +
	"corner of this tile."

// MaxHints caps how many text-layer words are quoted in one prompt.
const MaxHints = 60

// UserPrompt returns the per-tile instruction. Hints are words the PDF text
// layer places inside the tile; they are listed so the model can match
// labels it has trouble reading.
func UserPrompt(hints []string) string {
	if len(hints) == 0 {
		return userText
	}
	if len(hints) > MaxHints {
		hints = hints[:MaxHints]
	}

	var b strings.Builder
	b.WriteString(userText)
	b.WriteString("\n\nThe drawing's text layer contains these labels inside this tile ")
	b.WriteString("(use them to confirm tags, do not report text that is not a part): ")
	b.WriteString(strings.Join(hints, ", "))
	return b.String()
}
