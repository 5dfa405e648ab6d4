// Package logging builds the process zerolog logger: console or JSON on
// stderr, optionally teed into a size-rotated file.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults for the log file.
const (
	DefaultMaxSizeMB  = 100
	DefaultMaxBackups = 5
	DefaultMaxAgeDays = 30
)

// Options configures New.
type Options struct {
	// Level is one of trace, debug, info, warn, error, off. Empty means info.
	Level string
	// Format is console or json. Empty picks console for terminals.
	Format string
	// File, when set, receives JSON logs with rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	// Out defaults to os.Stderr.
	Out io.Writer
}

// ParseLevel maps a level name to zerolog. "off" disables logging.
func ParseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "off", "disabled", "none":
		return zerolog.Disabled, nil
	case "warning":
		return zerolog.WarnLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// New returns the logger and a closer for the rotated file (no-op without one).
func New(opts Options) (zerolog.Logger, io.Closer, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, err
	}
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	var console io.Writer = out
	switch strings.ToLower(opts.Format) {
	case "json":
	case "console":
		console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	case "":
		if isTerminal(out) {
			console = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
		}
	default:
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("unknown log format %q", opts.Format)
	}

	var (
		w      io.Writer = console
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, DefaultMaxSizeMB),
			MaxBackups: orDefault(opts.MaxBackups, DefaultMaxBackups),
			MaxAge:     orDefault(opts.MaxAgeDays, DefaultMaxAgeDays),
			Compress:   true,
		}
		w = zerolog.MultiLevelWriter(console, lj)
		closer = lj
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}
