// Structured logging for the Tinymovr firmware core.
//
// Provides leveled logging with structured key-value fields, text and
// JSON output formats, and per-component loggers with prefixes. The
// steady-state control tick does not log; tick-path logging is limited
// to transition edges (faults, calibration stage changes), with the
// rest coming from the main loop and service goroutines.
//
// Copyright (C) 2026  Tinymovr Go Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package log

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a string into a Level; unknown strings map to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Format selects the output encoding.
type Format int

const (
	// FormatText outputs human-readable text.
	FormatText Format = iota
	// FormatJSON outputs one JSON object per line.
	FormatJSON
)

// Fields is a map of structured logging fields.
type Fields map[string]interface{}

// Logger writes leveled, structured log messages.
type Logger struct {
	mu     sync.Mutex
	prefix string
	writer io.Writer
	level  Level
	format Format
	fields Fields
}

// New creates a logger writing to w at the given level.
func New(w io.Writer, level Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{writer: w, level: level}
}

// Default is the package-level logger, writing INFO and above to
// stderr.
var defaultLogger = New(os.Stderr, INFO)

// SetDefault replaces the package-level logger.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger = l
	}
}

// Component returns a child logger with the given prefix. Fields on
// the parent are inherited.
func (l *Logger) Component(name string) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}
	child := &Logger{
		prefix: prefix,
		writer: l.writer,
		level:  l.level,
		format: l.format,
	}
	if len(l.fields) > 0 {
		child.fields = make(Fields, len(l.fields))
		for k, v := range l.fields {
			child.fields[k] = v
		}
	}
	return child
}

// WithFields returns a logger that attaches the given fields to every
// message.
func (l *Logger) WithFields(fields Fields) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()

	child := &Logger{
		prefix: l.prefix,
		writer: l.writer,
		level:  l.level,
		format: l.format,
		fields: make(Fields, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	for k, v := range fields {
		child.fields[k] = v
	}
	return child
}

// SetLevel changes the minimum level that is emitted.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetFormat changes the output encoding.
func (l *Logger) SetFormat(f Format) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = f
}

// SetOutput redirects the logger.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writer = w
}

func (l *Logger) log(level Level, msg string, fields Fields) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	merged := fields
	if len(l.fields) > 0 {
		merged = make(Fields, len(l.fields)+len(fields))
		for k, v := range l.fields {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
	}

	now := time.Now()
	switch l.format {
	case FormatJSON:
		entry := map[string]interface{}{
			"time":  now.Format(time.RFC3339Nano),
			"level": level.String(),
			"msg":   msg,
		}
		if l.prefix != "" {
			entry["component"] = l.prefix
		}
		for k, v := range merged {
			entry[k] = v
		}
		b, err := json.Marshal(entry)
		if err != nil {
			fmt.Fprintf(l.writer, `{"level":"ERROR","msg":"log marshal failure: %v"}`+"\n", err)
			return
		}
		l.writer.Write(append(b, '\n'))
	default:
		var sb strings.Builder
		sb.WriteString(now.Format("2006-01-02 15:04:05.000"))
		sb.WriteString(" [")
		sb.WriteString(level.String())
		sb.WriteString("]")
		if l.prefix != "" {
			sb.WriteString(" ")
			sb.WriteString(l.prefix)
			sb.WriteString(":")
		}
		sb.WriteString(" ")
		sb.WriteString(msg)
		if len(merged) > 0 {
			keys := make([]string, 0, len(merged))
			for k := range merged {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(&sb, " %s=%v", k, merged[k])
			}
		}
		sb.WriteString("\n")
		io.WriteString(l.writer, sb.String())
	}
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.log(DEBUG, msg, mergeVariadic(fields))
}

// Info logs at INFO level.
func (l *Logger) Info(msg string, fields ...Fields) {
	l.log(INFO, msg, mergeVariadic(fields))
}

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.log(WARN, msg, mergeVariadic(fields))
}

// Error logs at ERROR level.
func (l *Logger) Error(msg string, fields ...Fields) {
	l.log(ERROR, msg, mergeVariadic(fields))
}

// Debugf logs a formatted message at DEBUG level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(DEBUG, fmt.Sprintf(format, args...), nil)
}

// Infof logs a formatted message at INFO level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(INFO, fmt.Sprintf(format, args...), nil)
}

// Warnf logs a formatted message at WARN level.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(WARN, fmt.Sprintf(format, args...), nil)
}

// Errorf logs a formatted message at ERROR level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(ERROR, fmt.Sprintf(format, args...), nil)
}

func mergeVariadic(fields []Fields) Fields {
	switch len(fields) {
	case 0:
		return nil
	case 1:
		return fields[0]
	default:
		merged := make(Fields)
		for _, f := range fields {
			for k, v := range f {
				merged[k] = v
			}
		}
		return merged
	}
}

// Package-level helpers using the default logger.

// Debug logs to the default logger.
func Debug(msg string, fields ...Fields) { defaultLogger.Debug(msg, fields...) }

// Info logs to the default logger.
func Info(msg string, fields ...Fields) { defaultLogger.Info(msg, fields...) }

// Warn logs to the default logger.
func Warn(msg string, fields ...Fields) { defaultLogger.Warn(msg, fields...) }

// Error logs to the default logger.
func Error(msg string, fields ...Fields) { defaultLogger.Error(msg, fields...) }

// Component returns a child of the default logger.
func Component(name string) *Logger { return defaultLogger.Component(name) }
