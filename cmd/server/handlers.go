package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/brunobiangulo/pidparts"
	"github.com/brunobiangulo/pidparts/report"
)

const (
	maxUploadBytes = 100 << 20
	ingestTimeout  = 30 * time.Minute
	xlsxMediaType  = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var (
	errPathsDisabled = errors.New("server-side paths are disabled; upload the file instead")
	errOutsideRoot   = errors.New("path is outside the data directory")
	errNotFile       = errors.New("path must be an existing file")
)

type handler struct {
	engine  pidparts.Engine
	dataDir string // root for {"path": ...} requests; empty disables them
}

func newHandler(e pidparts.Engine, dataDir string) *handler {
	return &handler{engine: e, dataDir: dataDir}
}

// POST /ingest
// Accepts a multipart upload in field "file" or JSON with a path under the
// data directory.
// Query parameters: format (json, markdown, html, xlsx), tile_size, overlap,
// dpi, concurrency, hints.
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), ingestTimeout)
	defer cancel()

	format := r.URL.Query().Get("format")
	switch format {
	case "":
		format = "json"
	case "json", "markdown", "html", "xlsx":
	default:
		writeError(w, http.StatusBadRequest, "format must be json, markdown, html or xlsx")
		return
	}
	opts, err := ingestOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var path, name string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		path, name, err = saveUpload(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		defer os.RemoveAll(filepath.Dir(path))
	} else {
		var req struct {
			Path string `json:"path"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'path'")
			return
		}
		if req.Path == "" {
			writeError(w, http.StatusBadRequest, "path is required")
			return
		}
		resolved, err := resolveDataPath(h.dataDir, req.Path)
		switch {
		case errors.Is(err, errPathsDisabled), errors.Is(err, errOutsideRoot):
			writeError(w, http.StatusForbidden, err.Error())
			return
		case err != nil:
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		path, name = resolved, filepath.Base(resolved)
	}

	res, err := h.engine.Ingest(ctx, path, opts...)
	if err != nil {
		status, msg := ingestStatus(err)
		writeError(w, status, msg)
		slog.Error("ingest error", "file", name, "error", err)
		return
	}

	switch format {
	case "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, res.Markdown)
	case "html":
		page, err := report.HTML(name, res.Items)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "rendering report failed")
			slog.Error("html report error", "file", name, "error", err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, page)
	case "xlsx":
		var buf bytes.Buffer
		if err := report.WriteXLSX(&buf, res.Items); err != nil {
			writeError(w, http.StatusInternalServerError, "rendering workbook failed")
			slog.Error("xlsx report error", "file", name, "error", err)
			return
		}
		base := strings.TrimSuffix(name, filepath.Ext(name))
		w.Header().Set("Content-Type", xlsxMediaType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", base+".xlsx"))
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	default:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"filename": name,
			"items":    res.Items,
			"markdown": res.Markdown,
			"stats":    res.Stats,
		})
	}
}

// resolveDataPath maps a requested path onto a regular file inside root.
// Relative paths are taken from root. Symlinks are resolved before the
// containment check.
func resolveDataPath(root, p string) (string, error) {
	if root == "" {
		return "", errPathsDisabled
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return "", fmt.Errorf("data directory: %w", err)
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(realRoot, p)
	}
	p = filepath.Clean(p)
	if !within(absRoot, p) && !within(realRoot, p) {
		return "", errOutsideRoot
	}
	resolved, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", errNotFile
	}
	if !within(realRoot, resolved) {
		return "", errOutsideRoot
	}
	if info, err := os.Stat(resolved); err != nil || !info.Mode().IsRegular() {
		return "", errNotFile
	}
	return resolved, nil
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// saveUpload copies the "file" form field into a private temp directory.
func saveUpload(r *http.Request) (path, name string, err error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return "", "", fmt.Errorf("invalid multipart form: %v", err)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", "", errors.New("multipart field 'file' is required")
	}
	defer file.Close()

	// Sanitise filename to prevent path traversal.
	name = filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) {
		name = "upload.pdf"
	}

	dir, err := os.MkdirTemp("", "pidparts-upload-")
	if err != nil {
		return "", "", errors.New("failed to process file")
	}
	path = filepath.Join(dir, name)
	dst, err := os.Create(path)
	if err != nil {
		os.RemoveAll(dir)
		return "", "", errors.New("failed to process file")
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		os.RemoveAll(dir)
		return "", "", errors.New("failed to save file")
	}
	if err := dst.Close(); err != nil {
		os.RemoveAll(dir)
		return "", "", errors.New("failed to save file")
	}
	return path, name, nil
}

func ingestOptions(r *http.Request) ([]pidparts.IngestOption, error) {
	q := r.URL.Query()
	var opts []pidparts.IngestOption

	ints := []struct {
		name string
		opt  func(int) pidparts.IngestOption
	}{
		{"tile_size", pidparts.WithTileSize},
		{"dpi", pidparts.WithDPI},
		{"concurrency", pidparts.WithMaxConcurrency},
	}
	for _, p := range ints {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%s must be an integer", p.name)
		}
		opts = append(opts, p.opt(n))
	}

	if v := q.Get("overlap"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.New("overlap must be a number")
		}
		opts = append(opts, pidparts.WithOverlap(f))
	}
	if v := q.Get("hints"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.New("hints must be a boolean")
		}
		if !on {
			opts = append(opts, pidparts.WithoutHints())
		}
	}
	return opts, nil
}

// ingestStatus maps engine errors to an HTTP status and a client message.
func ingestStatus(err error) (int, string) {
	switch {
	case errors.Is(err, pidparts.ErrInvalidConfig):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, pidparts.ErrRenderFailed), errors.Is(err, pidparts.ErrNoTiles):
		return http.StatusUnprocessableEntity, "drawing could not be rendered"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "ingestion timed out"
	case errors.Is(err, pidparts.ErrCanceled):
		return http.StatusServiceUnavailable, "ingestion canceled"
	default:
		return http.StatusInternalServerError, "ingestion failed"
	}
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
