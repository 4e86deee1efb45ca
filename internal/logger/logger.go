package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config describes where the supervisor's own log goes. File, when set,
// is rotated with lumberjack semantics; Stderr keeps console output on.
type Config struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // text or json
	Color      bool   `mapstructure:"color"`
	Stderr     bool   `mapstructure:"stderr"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`  // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"`  // number of backups to keep (default 3)
	MaxAgeDays int    `mapstructure:"max_age_days"` // days to keep (default 7)
	Compress   bool   `mapstructure:"compress"`     // Gzip rotated files
}

// ParseLevel maps a level name onto slog.Level. Unknown names are info.
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

// Validate rejects formats the handler factory does not know.
func (c Config) Validate() error {
	switch c.Format {
	case "", FormatText, FormatJSON:
		return nil
	default:
		return fmt.Errorf("logger: unknown format %q", c.Format)
	}
}

// Writer returns the rotated file writer, or nil when File is empty.
func (c Config) Writer() io.WriteCloser {
	if c.File == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// New builds a logger writing to stderr and/or the rotated file. The
// returned closer releases the file and is never nil.
func New(c Config) (*slog.Logger, io.Closer, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	var writers []io.Writer
	closer := io.Closer(nopCloser{})
	if fw := c.Writer(); fw != nil {
		if err := os.MkdirAll(filepath.Dir(c.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("logger: create log dir: %w", err)
		}
		writers = append(writers, fw)
		closer = fw
	}
	if c.Stderr || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}
	return slog.New(NewHandler(c, io.MultiWriter(writers...))), closer, nil
}

// NewHandler picks the handler for c.Format on w.
func NewHandler(c Config, w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	if c.Format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	if c.Color {
		return NewColorTextHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ModuleWriter opens the append-mode sink a module's stdout and stderr are
// redirected to. The file is not rotated by us: the child owns the
// descriptor, so rotation happens on the next start.
func ModuleWriter(dir, name string) (*os.File, error) {
	if dir == "" {
		return nil, errors.New("logger: module log dir not set")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	// #nosec G304 -- name is a validated identity
	return os.OpenFile(filepath.Join(dir, name+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
