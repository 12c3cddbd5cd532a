// Package log builds the structured loggers used across ctxflow and the
// shared attribute helpers attached to log records.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const (
	FormatJSON = "json"
	FormatText = "text"
)

// New constructs a JSON slog.Logger preconfigured at info level
func New(w io.Writer, version string) *slog.Logger {
	return NewWithLevel(w, FormatJSON, version, slog.LevelInfo)
}

// NewWithLevel constructs a slog.Logger in the given format at the provided
// level
func NewWithLevel(
	w io.Writer, format, version string, lvl slog.Level,
) *slog.Logger {
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == FormatText {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With(
		slog.String("service", "ctxflow"),
		slog.String("version", version))
}

// Discard returns a logger that drops every record
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel maps a level name (debug, info, warn, error) to slog.Level
func ParseLevel(name string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(name))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", name)
	}
	return lvl, nil
}
