// Package logging provides structured logging configuration.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" toml:"level" json:"level"`
	// Format is json or text. Ignored when Pretty is set.
	Format string `yaml:"format" toml:"format" json:"format"`
	// Pretty renders colourised console output for local development.
	Pretty bool `yaml:"pretty" toml:"pretty" json:"pretty"`
}

// Validate checks the level and format names.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Format) {
	case "", "json", "text":
		return nil
	default:
		return fmt.Errorf("unknown log format %q", c.Format)
	}
}

// ParseLevel converts a level name. An empty name selects info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// NewLogger builds a logger writing to w (stdout when nil). Unknown levels fall
// back to info.
func NewLogger(cfg Config, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	level, _ := ParseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	switch {
	case cfg.Pretty:
		console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
		opts.ReplaceAttr = zerologFields
		return slog.New(slog.NewJSONHandler(console, opts))
	case strings.EqualFold(cfg.Format, "text"):
		return slog.New(slog.NewTextHandler(w, opts))
	default:
		return slog.New(slog.NewJSONHandler(w, opts))
	}
}

// SetupLogger builds a logger from cfg and installs it as the slog default.
func SetupLogger(cfg Config) *slog.Logger {
	logger := NewLogger(cfg, nil)
	slog.SetDefault(logger)
	return logger
}

// zerologFields renames the slog built-in keys to the ones zerolog's console
// writer renders.
func zerologFields(groups []string, a slog.Attr) slog.Attr {
	if len(groups) > 0 {
		return a
	}
	switch a.Key {
	case slog.MessageKey:
		a.Key = zerolog.MessageFieldName
	case slog.TimeKey:
		a.Key = zerolog.TimestampFieldName
		a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339))
	case slog.LevelKey:
		a.Key = zerolog.LevelFieldName
		if lvl, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(zerologLevel(lvl))
		}
	}
	return a
}

func zerologLevel(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return zerolog.LevelErrorValue
	case l >= slog.LevelWarn:
		return zerolog.LevelWarnValue
	case l >= slog.LevelInfo:
		return zerolog.LevelInfoValue
	default:
		return zerolog.LevelDebugValue
	}
}
