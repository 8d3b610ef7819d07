// Package logging wires up the engine's operational logger: a
// zerolog.Logger that writes structured JSON lines to
// <dataDir>/engine.log, with a level configurable from EngineConfig and
// console-friendly output available for interactive runs.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/d0labs/aof-sub004/internal/config"
)

// New creates the process-wide logger, appending to <dataDir>/engine.log
// and, when pretty is true, also mirroring to a human-readable console
// writer on stderr.
func New(dataDir string, level string, pretty bool) (zerolog.Logger, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return zerolog.Logger{}, fmt.Errorf("logging: ensure data dir: %w", err)
	}
	path := filepath.Join(dataDir, "engine.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("logging: open log file: %w", err)
	}

	var writer io.Writer = f
	if pretty {
		writer = zerolog.MultiLevelWriter(f, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	logger := zerolog.New(writer).With().Timestamp().Logger().Level(parseLevel(level))
	return logger, nil
}

// NewFromConfig builds the logger from an EngineConfig's logging section.
func NewFromConfig(cfg *config.Config, pretty bool) (zerolog.Logger, error) {
	return New(cfg.DataDir(), cfg.Engine.Logging.Level, pretty)
}

func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
