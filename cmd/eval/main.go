// Command eval scores parts extraction against a labelled dataset.
//
// Usage:
//
//	go run ./cmd/eval --dataset ./testdata/drawings.json
//	go run ./cmd/eval --dataset set.json --model gemini-2.0-flash --concurrency 8 --output report.json
//
// The dataset is a JSON file:
//
//	{"name": "...", "drawings": [{"path": "a.pdf", "expected": [{"tag": "PT-101", "type": "Pressure Transmitter"}]}]}
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
	"syscall"

	"github.com/joho/godotenv"

	"github.com/brunobiangulo/pidparts"
	"github.com/brunobiangulo/pidparts/eval"
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

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fset := flag.NewFlagSet("eval", flag.ContinueOnError)
	fset.SetOutput(stderr)
	var (
		datasetPath = fset.String("dataset", "", "Path to dataset JSON file (required)")
		configPath  = fset.String("config", "", "Path to config file (JSON)")
		model       = fset.String("model", "", "Vision model (default from config/env)")
		provider    = fset.String("provider", "", "Vision provider (default: chosen from the model name)")
		tileSize    = fset.Int("tile-size", 0, "Tile edge in pixels (default from config)")
		concurrency = fset.Int("concurrency", -1, "Max in-flight model calls (default from config)")
		outputFile  = fset.String("output", "", "Path to write JSON report")
		debug       = fset.Bool("debug", false, "Enable debug logging")
	)
	if err := fset.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if *datasetPath == "" {
		fmt.Fprintln(stderr, "error: --dataset is required")
		return 2
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))

	cfg := pidparts.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = pidparts.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(stderr, "error: loading config: %v\n", err)
			return 1
		}
	}
	if err := pidparts.ApplyEnv(&cfg); err != nil {
		fmt.Fprintf(stderr, "error: reading environment: %v\n", err)
		return 1
	}
	if *model != "" {
		cfg.Vision.Model = *model
	}
	if *provider != "" {
		cfg.Vision.Provider = *provider
	}
	if *tileSize > 0 {
		cfg.TileSize = *tileSize
	}
	if *concurrency >= 0 {
		cfg.MaxConcurrency = *concurrency
	}
	pidparts.ApplyProviderEnv(&cfg)

	ds, err := eval.LoadDataset(*datasetPath)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	engine, err := newEngine(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "error: creating engine: %v\n", err)
		return 1
	}

	slog.Info("eval: starting", "dataset", ds.Name, "drawings", len(ds.Drawings), "model", cfg.Vision.Model)
	report, err := eval.NewEvaluator(engine).Run(ctx, ds)
	if err != nil {
		fmt.Fprintf(stderr, "error: evaluation failed: %v\n", err)
		return 1
	}

	fmt.Fprint(stdout, eval.FormatReport(report))

	if *outputFile != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "error: encoding report: %v\n", err)
			return 1
		}
		if err := os.WriteFile(*outputFile, data, 0o644); err != nil {
			fmt.Fprintf(stderr, "error: writing report: %v\n", err)
			return 1
		}
		slog.Info("eval: report written", "path", *outputFile)
	}
	return 0
}
