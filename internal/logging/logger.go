// Package logging provides categorized file-based logging for codegraph.
// Logs are written to <data_dir>/logs/ with separate files per category.
// Unlike the process-level zap logger in cmd, this layer exists so one
// noisy subsystem (store writes, bus polling) can be inspected or muted
// without drowning the rest.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system.
type Category string

const (
	CategoryBoot         Category = "boot"         // Startup, config, mode selection
	CategoryConsumer     Category = "consumer"     // Bus polling, offsets, workers
	CategoryEvents       Category = "events"       // Envelope validation, quarantine
	CategoryPipeline     Category = "pipeline"     // Per-file enrichment stages
	CategoryVector       Category = "vector"       // Vector store adapter
	CategoryGraph        Category = "graph"        // Graph store adapter
	CategoryEmbedding    Category = "embedding"    // Embedding engine
	CategoryIntelligence Category = "intelligence" // Intelligence/stamping HTTP clients
	CategoryStore        Category = "store"        // Embedded SQLite backends
	CategoryCache        Category = "cache"        // Distributed cache warming
	CategoryHTTP         Category = "http"         // Health/ready/metrics surface
)

// Log levels.
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Options controls the logging layer. Categories maps category name to
// enabled; a nil map enables everything.
type Options struct {
	Dir        string
	Level      string
	JSONFormat bool
	Categories map[string]bool
}

// Logger wraps a standard logger with category and file output.
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

// structuredEntry is the JSON line format when JSONFormat is on.
type structuredEntry struct {
	Timestamp     int64          `json:"ts"`
	Category      string         `json:"cat"`
	Level         string         `json:"lvl"`
	Message       string         `json:"msg"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Fields        map[string]any `json:"fields,omitempty"`
}

var (
	loggers   = make(map[Category]*Logger)
	loggersMu sync.RWMutex

	optsMu   sync.RWMutex
	opts     Options
	logsDir  string
	logLevel int
	enabled  bool
)

// Initialize sets up the logging directory. Safe to skip entirely; every
// call site degrades to a no-op when logging is not initialized.
func Initialize(o Options) error {
	optsMu.Lock()
	opts = o
	logLevel = parseLevel(o.Level)
	optsMu.Unlock()

	if o.Dir == "" {
		return nil
	}
	dir := filepath.Join(o.Dir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("logging: create logs directory: %w", err)
	}

	optsMu.Lock()
	logsDir = dir
	enabled = true
	optsMu.Unlock()

	boot := Get(CategoryBoot)
	boot.Info("logging initialized: dir=%s level=%s json=%v", dir, o.Level, o.JSONFormat)
	return nil
}

// SetLevel changes the minimum level at runtime (config hot reload).
func SetLevel(level string) {
	optsMu.Lock()
	defer optsMu.Unlock()
	opts.Level = level
	logLevel = parseLevel(level)
}

func parseLevel(level string) int {
	switch level {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func currentLevel() int {
	optsMu.RLock()
	defer optsMu.RUnlock()
	return logLevel
}

func categoryEnabled(category Category) bool {
	optsMu.RLock()
	defer optsMu.RUnlock()
	if !enabled {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	on, exists := opts.Categories[string(category)]
	if !exists {
		return true
	}
	return on
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger when the category is disabled.
func Get(category Category) *Logger {
	if !categoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	// Date-prefixed files for easy rotation.
	date := time.Now().Format("2006-01-02")
	path := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open log file %s: %v\n", path, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

func (l *Logger) write(level int, tag, corrID string, format string, args ...any) {
	if l.logger == nil || currentLevel() > level {
		return
	}
	msg := fmt.Sprintf(format, args...)

	optsMu.RLock()
	jsonFormat := opts.JSONFormat
	optsMu.RUnlock()

	if jsonFormat {
		entry := structuredEntry{
			Timestamp:     time.Now().UnixMilli(),
			Category:      string(l.category),
			Level:         tag,
			Message:       msg,
			CorrelationID: corrID,
		}
		if data, err := json.Marshal(entry); err == nil {
			l.logger.Printf("%s", data)
			return
		}
	}
	if corrID != "" {
		l.logger.Printf("[%s] [corr:%s] %s", tag, corrID, msg)
		return
	}
	l.logger.Printf("[%s] %s", tag, msg)
}

func (l *Logger) Debug(format string, args ...any) { l.write(LevelDebug, "DEBUG", "", format, args...) }
func (l *Logger) Info(format string, args ...any)  { l.write(LevelInfo, "INFO", "", format, args...) }
func (l *Logger) Warn(format string, args ...any)  { l.write(LevelWarn, "WARN", "", format, args...) }
func (l *Logger) Error(format string, args ...any) { l.write(LevelError, "ERROR", "", format, args...) }

// CloseAll closes all open log files (call at shutdown).
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			_ = l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)

	optsMu.Lock()
	enabled = false
	logsDir = ""
	optsMu.Unlock()
}
