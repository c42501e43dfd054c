// Command pid-ingest extracts the parts list from a P&ID drawing.
//
// Usage:
//
//	pid-ingest sample.pdf
//	pid-ingest sample.pdf --save-markdown
//	pid-ingest sample.pdf -m --output custom_name.md --xlsx parts.xlsx
//
// The item map is printed to stdout as JSON. Logs go to stderr. A .env file
// in the working directory is loaded before the environment is read.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/brunobiangulo/pidparts"
	"github.com/brunobiangulo/pidparts/report"
)

// newEngine is replaced in tests.
var newEngine = func(cfg pidparts.Config) (pidparts.Engine, error) {
	return pidparts.New(cfg)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: reading .env: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type options struct {
	pdf          string
	saveMarkdown bool
	output       string
	xlsx         string
	html         string
	config       string
	model        string
	tileSize     int
	overlap      float64
	concurrency  int
	debug        bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	engine, err := newEngine(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	res, err := engine.Ingest(ctx, opts.pdf)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res.Items); err != nil {
		fmt.Fprintf(stderr, "error: writing items: %v\n", err)
		return 1
	}

	if opts.saveMarkdown {
		path := opts.output
		if path == "" {
			path = markdownPath(opts.pdf)
		}
		if err := os.WriteFile(path, []byte(res.Markdown), 0o644); err != nil {
			fmt.Fprintf(stderr, "error: saving markdown: %v\n", err)
			return 1
		}
		fmt.Fprintf(stderr, "Markdown saved to %s\n", path)
	}

	if opts.xlsx != "" {
		if err := writeXLSX(opts.xlsx, res); err != nil {
			fmt.Fprintf(stderr, "error: saving workbook: %v\n", err)
			return 1
		}
		fmt.Fprintf(stderr, "Workbook saved to %s\n", opts.xlsx)
	}

	if opts.html != "" {
		page, err := report.HTML(filepath.Base(opts.pdf), res.Items)
		if err == nil {
			err = os.WriteFile(opts.html, []byte(page), 0o644)
		}
		if err != nil {
			fmt.Fprintf(stderr, "error: saving html: %v\n", err)
			return 1
		}
		fmt.Fprintf(stderr, "HTML saved to %s\n", opts.html)
	}
	return 0
}

// parseArgs accepts flags before and after the PDF path.
func parseArgs(args []string, stderr io.Writer) (options, error) {
	var o options
	fset := flag.NewFlagSet("pid-ingest", flag.ContinueOnError)
	fset.SetOutput(stderr)
	fset.Usage = func() {
		fmt.Fprintln(stderr, "usage: pid-ingest <pdf> [flags]")
		fset.PrintDefaults()
	}

	fset.BoolVar(&o.saveMarkdown, "save-markdown", false, "Save the generated markdown to a file")
	fset.BoolVar(&o.saveMarkdown, "m", false, "Shorthand for --save-markdown")
	fset.StringVar(&o.output, "output", "", "Output filename for the markdown (default: <pdf_name>.md)")
	fset.StringVar(&o.output, "o", "", "Shorthand for --output")
	fset.StringVar(&o.xlsx, "xlsx", "", "Also write the parts list as an Excel workbook")
	fset.StringVar(&o.html, "html", "", "Also write the parts list as an HTML page")
	fset.StringVar(&o.config, "config", "", "Path to JSON config file")
	fset.StringVar(&o.model, "model", "", "Vision model (overrides INGESTION_MODEL)")
	fset.IntVar(&o.tileSize, "tile-size", 0, "Tile edge in pixels (default from config)")
	fset.Float64Var(&o.overlap, "overlap", -1, "Tile overlap fraction (default from config)")
	fset.IntVar(&o.concurrency, "concurrency", -1, "Max in-flight model calls, 0 for unbounded (default from config)")
	fset.BoolVar(&o.debug, "debug", false, "Enable debug logging")

	var positional []string
	for {
		if err := fset.Parse(args); err != nil {
			return o, err
		}
		rest := fset.Args()
		if len(rest) == 0 {
			break
		}
		if len(args) > len(rest) && args[len(args)-len(rest)-1] == "--" {
			positional = append(positional, rest...)
			break
		}
		positional = append(positional, rest[0])
		args = rest[1:]
	}

	switch len(positional) {
	case 0:
		fset.Usage()
		return o, errors.New("missing PDF path")
	case 1:
		o.pdf = positional[0]
	default:
		return o, fmt.Errorf("expected one PDF path, got %d: %s", len(positional), strings.Join(positional, " "))
	}
	return o, nil
}

func loadConfig(o options) (pidparts.Config, error) {
	cfg := pidparts.DefaultConfig()
	if o.config != "" {
		var err error
		if cfg, err = pidparts.LoadConfig(o.config); err != nil {
			return cfg, err
		}
	}
	if err := pidparts.ApplyEnv(&cfg); err != nil {
		return cfg, err
	}

	if o.model != "" {
		cfg.Vision.Model = o.model
	}
	if o.tileSize > 0 {
		cfg.TileSize = o.tileSize
	}
	if o.overlap >= 0 {
		cfg.Overlap = o.overlap
	}
	if o.concurrency >= 0 {
		cfg.MaxConcurrency = o.concurrency
	}
	pidparts.ApplyProviderEnv(&cfg)
	return cfg, nil
}

// markdownPath replaces the drawing's extension with .md.
func markdownPath(pdf string) string {
	ext := filepath.Ext(pdf)
	return strings.TrimSuffix(pdf, ext) + ".md"
}

func writeXLSX(path string, res *pidparts.Result) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.WriteXLSX(f, res.Items); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
