// Package log provides structured logging for buddyd.
// It wraps zerolog behind a small facade so packages can log with fields
// without depending on the zerolog API directly.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// InitLogger configures the global logger. When pretty is true the output
// goes through zerolog's console writer (human-readable, for TTYs);
// otherwise raw JSON is written to w.
func InitLogger(w io.Writer, level zerolog.Level, pretty bool) {
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	mu.Lock()
	defer mu.Unlock()
	logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Entry carries accumulated fields toward a terminal log call.
type Entry struct {
	logger zerolog.Logger
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// WithField returns an entry with a single field attached.
func WithField(key string, value interface{}) *Entry {
	return &Entry{logger: current().With().Interface(key, value).Logger()}
}

// WithFields returns an entry with all given fields attached.
func WithFields(fields map[string]interface{}) *Entry {
	ctx := current().With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Entry{logger: ctx.Logger()}
}

// WithError returns an entry with the error attached under "error".
func WithError(err error) *Entry {
	return &Entry{logger: current().With().AnErr("error", err).Logger()}
}

func (e *Entry) WithField(key string, value interface{}) *Entry {
	return &Entry{logger: e.logger.With().Interface(key, value).Logger()}
}

func (e *Entry) WithError(err error) *Entry {
	return &Entry{logger: e.logger.With().AnErr("error", err).Logger()}
}

func (e *Entry) Debug(msg string) { e.logger.Debug().Msg(msg) }
func (e *Entry) Info(msg string)  { e.logger.Info().Msg(msg) }
func (e *Entry) Warn(msg string)  { e.logger.Warn().Msg(msg) }
func (e *Entry) Error(msg string) { e.logger.Error().Msg(msg) }

// Debug logs a message at debug level with no extra fields.
func Debug(msg string) {
	l := current()
	l.Debug().Msg(msg)
}

// Info logs a message at info level with no extra fields.
func Info(msg string) {
	l := current()
	l.Info().Msg(msg)
}

// Warn logs a message at warn level with no extra fields.
func Warn(msg string) {
	l := current()
	l.Warn().Msg(msg)
}

// Error logs a message at error level with no extra fields.
func Error(msg string) {
	l := current()
	l.Error().Msg(msg)
}
