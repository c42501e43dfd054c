package pidparts

import "errors"

var (
	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("pidparts: invalid configuration")

	// ErrMissingAPIKey is returned when a hosted provider has no credentials.
	ErrMissingAPIKey = errors.New("pidparts: missing API key")

	// ErrRenderFailed is returned when the drawing cannot be rasterized.
	ErrRenderFailed = errors.New("pidparts: rendering failed")

	// ErrCanceled is returned when a run is cancelled before it completes.
	ErrCanceled = errors.New("pidparts: ingestion canceled")

	// ErrNoTiles is returned when the page image is empty.
	ErrNoTiles = errors.New("pidparts: page produced no tiles")
)
