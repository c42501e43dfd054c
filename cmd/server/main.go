// Command server exposes parts extraction over HTTP.
//
//	POST /ingest?format=json|markdown|html|xlsx   multipart "file" or {"path": ...}
//	GET  /health
//
// Configuration comes from -config, then the environment (a .env file is
// loaded first). PIDPARTS_API_KEY enables bearer auth and
// PIDPARTS_CORS_ORIGINS a comma-separated CORS allow list.
// PIDPARTS_DATA_DIR enables {"path": ...} requests for files under it.
package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/brunobiangulo/pidparts"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})))

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("reading .env", "error", err)
	}

	cfg := pidparts.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = pidparts.LoadConfig(*configPath); err != nil {
			slog.Error("loading config", "error", err)
			os.Exit(1)
		}
	}
	if err := pidparts.ApplyEnv(&cfg); err != nil {
		slog.Error("reading environment", "error", err)
		os.Exit(1)
	}
	pidparts.ApplyProviderEnv(&cfg)

	engine, err := pidparts.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}

	handler := routes(engine, serverOptions{
		apiKey:      os.Getenv("PIDPARTS_API_KEY"),
		corsOrigins: os.Getenv("PIDPARTS_CORS_ORIGINS"),
		dataDir:     os.Getenv("PIDPARTS_DATA_DIR"),
	})

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // ingest runs for minutes on large drawings
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr, "model", cfg.Vision.Model,
			"auth", os.Getenv("PIDPARTS_API_KEY") != "", "data_dir", os.Getenv("PIDPARTS_DATA_DIR"))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// serverOptions carries the environment-driven server settings.
type serverOptions struct {
	apiKey      string
	corsOrigins string
	dataDir     string
}

// routes builds the mux and wraps it in the middleware chain:
// recovery -> cors -> auth -> logging -> mux.
func routes(engine pidparts.Engine, o serverOptions) http.Handler {
	h := newHandler(engine, o.dataDir)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /ingest", h.handleIngest)
	mux.HandleFunc("GET /health", h.handleHealth)

	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(o.apiKey, handler)
	handler = corsMiddleware(o.corsOrigins, handler)
	handler = recoveryMiddleware(handler)
	return handler
}
