/**
 * Structured logging for the SnapText OCR worker
 *
 * Thin component-logger API over zerolog. Call Setup once from main; every
 * component then gets a named logger with key/value structured fields.
 */

package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	setupOnce sync.Once
	base      zerolog.Logger
)

// Setup initializes the process-wide logger. format is "json" or "console";
// level is any zerolog level name ("debug", "info", "warn", "error").
// Safe to call more than once; only the first call wins.
func Setup(level, format string) {
	setupOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339

		lvl, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil || lvl == zerolog.NoLevel {
			lvl = zerolog.InfoLevel
		}

		var logger zerolog.Logger
		if strings.ToLower(format) == "console" {
			logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
		} else {
			logger = zerolog.New(os.Stdout)
		}

		base = logger.Level(lvl).With().Timestamp().Logger()
	})
}

// Logger provides structured logging for one component
type Logger struct {
	zl zerolog.Logger
}

// NewLogger creates a new logger tagged with a component name
func NewLogger(component string) *Logger {
	Setup("info", "json")
	return &Logger{
		zl: base.With().Str("component", component).Logger(),
	}
}

// Info logs an informational message with key-value pairs
func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.logWithKV(l.zl.Info(), msg, keysAndValues...)
}

// Warn logs a warning message with key-value pairs
func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.logWithKV(l.zl.Warn(), msg, keysAndValues...)
}

// Error logs an error message with key-value pairs
func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.logWithKV(l.zl.Error(), msg, keysAndValues...)
}

// Debug logs a debug message with key-value pairs
func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.logWithKV(l.zl.Debug(), msg, keysAndValues...)
}

func (l *Logger) logWithKV(event *zerolog.Event, msg string, keysAndValues ...interface{}) {
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		event = event.Interface(fmt.Sprintf("%v", keysAndValues[i]), keysAndValues[i+1])
	}
	event.Msg(msg)
}
