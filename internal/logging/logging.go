// Package logging configures the global zerolog logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Options struct {
	Level string
	// File receives JSON lines when set. The TUI owns the terminal, so it
	// always logs to a file.
	File string
	// Console writes human-readable lines to Stderr instead.
	Console bool
	Stderr  io.Writer
}

// Setup installs the global logger and returns a closer for the log file.
func Setup(opts Options) (func() error, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	closer := func() error { return nil }
	var out io.Writer
	switch {
	case opts.File != "":
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir: %w", err)
		}
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
		closer = f.Close
	case opts.Console:
		stderr := opts.Stderr
		if stderr == nil {
			stderr = os.Stderr
		}
		out = zerolog.ConsoleWriter{Out: stderr, TimeFormat: "15:04:05"}
	default:
		out = io.Discard
	}
	log.Logger = zerolog.New(out).With().Timestamp().Str("app", "threadline").Logger()
	return closer, nil
}

func ParseLevel(raw string) (zerolog.Level, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(raw)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}
