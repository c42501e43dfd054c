package parts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

var (
	// ErrMalformedResponse is returned when a whole detector response
	// cannot be used.
	ErrMalformedResponse = errors.New("parts: malformed detector response")

	// ErrInvalidEntry marks a single response entry that failed validation.
	ErrInvalidEntry = errors.New("parts: invalid detection entry")
)

// MalformedError describes why a detector response was discarded.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	return ErrMalformedResponse.Error() + ": " + e.Reason
}

func (e *MalformedError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedResponse}
	}
	return []error{ErrMalformedResponse, e.Err}
}

// EntryError describes one rejected entry of an otherwise usable response.
type EntryError struct {
	Key    string
	Field  string
	Reason string
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("parts: entry %q: %s: %s", e.Key, e.Field, e.Reason)
}

func (e *EntryError) Unwrap() error { return ErrInvalidEntry }

// Outcome is the usable part of one detector response.
type Outcome struct {
	Detections []Detection
	Rejected   []*EntryError
}

// StripFence removes a single Markdown code fence around the response.
// Text that does not start with a fence is returned unchanged.
func StripFence(raw string) string {
	content := strings.TrimSpace(raw)
	if !strings.HasPrefix(content, "```") {
		return raw
	}

	start := 3
	if i := strings.Index(content, "```json"); i >= 0 {
		start = i + len("```json")
	}

	end := len(content)
	if strings.Contains(content[start:], "```") {
		end = strings.LastIndex(content, "```")
	}
	return strings.TrimSpace(content[start:end])
}

// Normalize parses one detector response into validated detections.
//
// A response that is not a JSON object yields a *MalformedError and no
// detections. Otherwise every entry is validated on its own: a bad entry is
// reported in Outcome.Rejected and its siblings are still returned.
// Detections come back sorted by key.
func Normalize(raw string) (Outcome, error) {
	body := StripFence(raw)

	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &entries); err != nil {
		return Outcome{}, &MalformedError{Reason: describeJSONError(err), Err: err}
	}

	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var out Outcome
	for _, key := range keys {
		det, err := parseEntry(key, entries[key])
		if err != nil {
			out.Rejected = append(out.Rejected, err)
			continue
		}
		out.Detections = append(out.Detections, det)
	}
	return out, nil
}

func describeJSONError(err error) string {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		return fmt.Sprintf("invalid JSON at offset %d: %v", syntaxErr.Offset, err)
	case errors.As(err, &typeErr):
		return fmt.Sprintf("expected a JSON object, got %s", typeErr.Value)
	default:
		return err.Error()
	}
}

func parseEntry(key string, raw json.RawMessage) (Detection, *EntryError) {
	fail := func(field, format string, args ...any) (Detection, *EntryError) {
		return Detection{}, &EntryError{Key: key, Field: field, Reason: fmt.Sprintf(format, args...)}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return fail("entry", "not a JSON object")
	}

	det := Detection{Key: key, Tag: "unknown_" + key, Conf: DefaultConf}

	if v, ok := present(fields, "tag"); ok {
		if err := json.Unmarshal(v, &det.Tag); err != nil {
			return fail("tag", "must be a string")
		}
	}

	v, ok := present(fields, "type")
	if !ok {
		return fail("type", "missing")
	}
	if err := json.Unmarshal(v, &det.Type); err != nil {
		return fail("type", "must be a string")
	}

	if v, ok := present(fields, "size"); ok {
		size, err := parseSize(v)
		if err != nil {
			return fail("size", "%v", err)
		}
		det.Size = &size
	}

	v, ok = present(fields, "bbox")
	if !ok {
		return fail("bbox", "missing")
	}
	box, err := parseBBox(v)
	if err != nil {
		return fail("bbox", "%v", err)
	}
	det.BBox = box

	if v, ok := present(fields, "conf"); ok {
		conf, err := parseNumber(v)
		if err != nil {
			return fail("conf", "%v", err)
		}
		if conf < 0 || conf > 1 {
			return fail("conf", "%g outside [0, 1]", conf)
		}
		det.Conf = conf
	}

	return det, nil
}

// present returns the field value unless it is absent or JSON null.
func present(fields map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	v, ok := fields[name]
	if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
		return nil, false
	}
	return v, true
}

func parseNumber(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		var s string
		if json.Unmarshal(raw, &s) != nil {
			return 0, fmt.Errorf("not a number: %s", raw)
		}
		f, err = strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", s)
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %s", raw)
	}
	return f, nil
}

func parseBBox(raw json.RawMessage) (BBox, error) {
	var coords []json.RawMessage
	if err := json.Unmarshal(raw, &coords); err != nil {
		return BBox{}, fmt.Errorf("must be a list of 4 numbers")
	}
	if len(coords) != 4 {
		return BBox{}, fmt.Errorf("has %d values, want 4", len(coords))
	}

	var box BBox
	for i, c := range coords {
		f, err := parseNumber(c)
		if err != nil {
			return BBox{}, err
		}
		f = math.Round(f)
		if f < 0 || f > math.MaxInt32 {
			return BBox{}, fmt.Errorf("coordinate %g out of range", f)
		}
		box[i] = int(f)
	}

	if box[0] > box[2] {
		box[0], box[2] = box[2], box[0]
	}
	if box[1] > box[3] {
		box[1], box[3] = box[3], box[1]
	}
	return box, nil
}

// parseSize accepts a string or number as-is and renders a list as a
// Python-style literal such as ['2"', '3"'].
func parseSize(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}

	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	case []any:
		return reprValue(s), nil
	default:
		return "", fmt.Errorf("unsupported value %s", raw)
	}
}

func reprValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "None"
	case bool:
		if t {
			return "True"
		}
		return "False"
	case json.Number:
		return t.String()
	case string:
		if strings.Contains(t, "'") && !strings.Contains(t, `"`) {
			return `"` + t + `"`
		}
		return "'" + strings.ReplaceAll(t, "'", `\'`) + "'"
	case []any:
		elems := make([]string, len(t))
		for i, e := range t {
			elems[i] = reprValue(e)
		}
		return "[" + strings.Join(elems, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		elems := make([]string, len(keys))
		for i, k := range keys {
			elems[i] = reprValue(k) + ": " + reprValue(t[k])
		}
		return "{" + strings.Join(elems, ", ") + "}"
	default:
		return fmt.Sprint(t)
	}
}
