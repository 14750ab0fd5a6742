// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLogLevel converts a log level name to a zerolog.Level. An empty name
// is info.
func ParseLogLevel(level string) (zerolog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "TRACE":
		return zerolog.TraceLevel, nil
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "INFO", "":
		return zerolog.InfoLevel, nil
	case "WARN", "WARNING":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	}
	return zerolog.NoLevel, fmt.Errorf("unknown log level %q", level)
}

// NewLogger returns a logger writing to w at the given level. The format is
// "json" (the default) or "console".
func NewLogger(w io.Writer, level, format string) (zerolog.Logger, error) {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	switch format {
	case "", "json":
	case "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", format)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// Logger returns a logger for c writing to w.
func (c *Config) Logger(w io.Writer) (zerolog.Logger, error) {
	log, err := NewLogger(w, c.LogLevel, c.LogFormat)
	if err != nil {
		return log, err
	}
	return log.With().Str("node", c.Node).Logger(), nil
}
