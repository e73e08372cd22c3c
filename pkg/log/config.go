package log

import (
	"fmt"
	"log"
	"strings"
)

// Config describes how to build a process-wide Logger from configuration
// sources (flags, env vars, config files).
type Config struct {
	Level  string // debug|info|warn|error
	Format string // text|json
	File   string // optional path; console is always attached
}

// ParseLevel parses a case-insensitive level name. Empty input is an error;
// callers should substitute a default themselves.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("log: unknown level %q", s)
	}
}

// ApplyConfig builds a Logger from a Config. An unset or invalid level
// becomes info; an unset format becomes text, and an unknown format is
// reported as an error.
func ApplyConfig(cfg Config) (Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = InfoLevel
	}

	var formatter Formatter
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "json":
		formatter = &JSONFormatter{}
	case "", "text":
		formatter = &TextFormatter{}
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}

	opts := []LoggerOption{
		WithLevel(level),
		WithFormatter(formatter),
		WithOutput(NewConsoleOutput()),
	}

	if cfg.File != "" {
		fo, err := NewFileOutput(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("log: opening file output: %w", err)
		}
		opts = append(opts, WithOutput(fo))
	}

	return NewLogger(opts...), nil
}

// stdLogWriter adapts a Logger to an io.Writer for log.SetOutput, stripping
// the trailing newline the standard logger always appends.
type stdLogWriter struct {
	logger Logger
	level  Level
}

func (w stdLogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	switch w.level {
	case DebugLevel:
		w.logger.Debug(msg)
	case WarnLevel:
		w.logger.Warn(msg)
	case ErrorLevel, FatalLevel:
		w.logger.Error(msg)
	default:
		w.logger.Info(msg)
	}
	return len(p), nil
}

// RedirectStdLog routes the standard library's log package through logger at
// info level. Used to capture output from dependencies (e.g. Pebble) that
// only know about log.Logger.
func RedirectStdLog(logger Logger) {
	log.SetFlags(0)
	log.SetOutput(stdLogWriter{logger: logger, level: InfoLevel})
}

// ToStdLogger returns a *log.Logger that forwards writes to logger at the
// given level, for APIs that require the standard library type directly.
func ToStdLogger(logger Logger, level Level) *log.Logger {
	return log.New(stdLogWriter{logger: logger, level: level}, "", 0)
}
