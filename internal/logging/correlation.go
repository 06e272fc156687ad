package logging

import (
	"time"
)

// CorrelationLogger scopes a category logger to one pipeline run. Every
// line it emits carries the run's correlation id, which is the contract
// that makes one ingestion traceable across consumer, pipeline, and both
// store adapters.
type CorrelationLogger struct {
	logger        *Logger
	correlationID string
}

// WithCorrelationID creates a correlation-scoped logger.
func WithCorrelationID(category Category, correlationID string) *CorrelationLogger {
	return &CorrelationLogger{
		logger:        Get(category),
		correlationID: correlationID,
	}
}

// CorrelationID returns the id this logger stamps on every line.
func (c *CorrelationLogger) CorrelationID() string { return c.correlationID }

func (c *CorrelationLogger) Debug(format string, args ...any) {
	c.logger.write(LevelDebug, "DEBUG", c.correlationID, format, args...)
}

func (c *CorrelationLogger) Info(format string, args ...any) {
	c.logger.write(LevelInfo, "INFO", c.correlationID, format, args...)
}

func (c *CorrelationLogger) Warn(format string, args ...any) {
	c.logger.write(LevelWarn, "WARN", c.correlationID, format, args...)
}

func (c *CorrelationLogger) Error(format string, args ...any) {
	c.logger.write(LevelError, "ERROR", c.correlationID, format, args...)
}

// Timer helps measure operation duration.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop ends the timer and logs the duration at debug level.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs a warning if duration exceeds threshold.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
