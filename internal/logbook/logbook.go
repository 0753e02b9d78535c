// Package logbook records engine activity and watchdog metrics in an
// append-only text file under .factory/logs/, so mission failures can be
// inspected after the process exits.
package logbook

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelInfo   Level = "INFO"
	LevelWarn   Level = "WARN"
	LevelError  Level = "ERROR"
	LevelMetric Level = "METRIC"
)

// Logbook appends timestamped entries to a single file.
type Logbook struct {
	path  string
	mu    sync.Mutex
	clock func() time.Time
}

// Option customizes a Logbook.
type Option func(*Logbook)

// WithClock injects a deterministic clock for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Logbook) {
		if clock != nil {
			l.clock = clock
		}
	}
}

// New creates a logbook writing to the given path, ensuring its directory.
func New(path string, opts ...Option) (*Logbook, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("logbook: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logbook: ensure log dir: %w", err)
	}
	l := &Logbook{path: path, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Path returns the file backing this logbook.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Append writes a single entry. Write failures are swallowed; logging must
// never take the engine down.
func (l *Logbook) Append(level Level, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer file.Close()
	fmt.Fprintf(file, "%s %-6s %s\n",
		l.clock().UTC().Format(time.RFC3339),
		string(level),
		strings.TrimSpace(message),
	)
}

// Info appends an informational entry.
func (l *Logbook) Info(format string, args ...any) {
	l.Append(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn appends a warning entry.
func (l *Logbook) Warn(format string, args ...any) {
	l.Append(LevelWarn, fmt.Sprintf(format, args...))
}

// Error appends an error entry.
func (l *Logbook) Error(format string, args ...any) {
	l.Append(LevelError, fmt.Sprintf(format, args...))
}

// Printf appends an informational entry. It satisfies the Printf-style
// Logger interfaces the engine and notify packages accept.
func (l *Logbook) Printf(format string, args ...any) {
	l.Info(format, args...)
}

// Metric records a named measurement, e.g. watchdog scan counters.
func (l *Logbook) Metric(name string, value float64, detail string) {
	entry := fmt.Sprintf("%s=%g", name, value)
	if detail = strings.TrimSpace(detail); detail != "" {
		entry += " " + detail
	}
	l.Append(LevelMetric, entry)
}

// Tail returns up to maxLines of the most recent entries.
func (l *Logbook) Tail(maxLines int) []string {
	if l == nil || maxLines <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	file, err := os.Open(l.path)
	if err != nil {
		return nil
	}
	defer file.Close()
	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines
}
