package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"
)

// Level represents a log level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of the level
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level string
func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is the application logger
type Logger struct {
	level  Level
	prefix string
	file   *os.File
	logger *log.Logger
}

// Config contains logger configuration
type Config struct {
	Level   string
	File    string
	Console bool
}

// New creates a new logger
func New(cfg Config) (*Logger, error) {
	l := &Logger{
		level: ParseLevel(cfg.Level),
	}

	var writers []io.Writer

	if cfg.File != "" {
		dir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = f
		writers = append(writers, f)
	}

	if cfg.Console || len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = io.MultiWriter(writers...)
	}

	l.logger = log.New(writer, "", 0)

	return l, nil
}

// Discard returns a logger that writes nothing, for use in tests.
func Discard() *Logger {
	return &Logger{
		level:  LevelError + 1,
		logger: log.New(io.Discard, "", 0),
	}
}

// With returns a sub-logger whose messages carry the given prefix.
// The room engine uses this to tag every line with the room address.
func (l *Logger) With(prefix string) *Logger {
	sub := *l
	if sub.prefix != "" {
		sub.prefix = sub.prefix + " " + prefix
	} else {
		sub.prefix = prefix
	}
	return &sub
}

// Close closes the logger
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// log logs a message at the given level
func (l *Logger) log(level Level, format string, args ...interface{}) {
	if level < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	if l.prefix != "" {
		l.logger.Printf("%s [%s] [%s] %s", timestamp, level.String(), l.prefix, message)
	} else {
		l.logger.Printf("%s [%s] %s", timestamp, level.String(), message)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level Level) {
	l.level = level
}
