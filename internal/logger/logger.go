// Package logger builds the slog logger used for the supervisor's own
// diagnostics. Output of supervised commands never goes through here.
package logger

import (
	"io"
	"log/slog"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings for the daemon log file.
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

const (
	FormatColor = "color"
	FormatText  = "text"
	FormatJSON  = "json"
)

// Config selects level, handler and destination. When File is empty logs go
// to the fallback writer passed to New.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger and a closer for its file destination (a no-op when
// logging to fallback).
func New(cfg Config, fallback io.Writer) (*slog.Logger, io.Closer) {
	var (
		w                = fallback
		closer io.Closer = nopCloser{}
	)
	if cfg.File != "" {
		f := &lj.Logger{
			Filename:   cfg.File,
			MaxSize:    valOr(cfg.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: valOr(cfg.MaxBackups, DefaultMaxBackups),
			MaxAge:     valOr(cfg.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   cfg.Compress,
		}
		w, closer = f, f
	}
	if w == nil {
		w = io.Discard
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	format := strings.ToLower(cfg.Format)
	if format == "" || (format == FormatColor && cfg.File != "") {
		format = FormatText
	}
	var h slog.Handler
	switch format {
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case FormatColor:
		h = NewColorTextHandler(w, opts, true)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
