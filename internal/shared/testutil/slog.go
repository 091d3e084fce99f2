// Package testutil provides shared helpers for tests: a capturing slog
// handler for asserting on structured log output, and quiet loggers for
// tests that only need to satisfy a logger dependency.
package testutil

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

// LogRecord is one captured log entry.
type LogRecord struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// capture is the shared record store behind a CapturingHandler and every
// handler derived from it with WithAttrs, so logger.With(...) output still
// lands in the same place.
type capture struct {
	mu      sync.Mutex
	records []LogRecord
}

// CapturingHandler records every log entry passed through it so tests can
// assert on messages and attributes.
type CapturingHandler struct {
	store *capture
	attrs []slog.Attr
}

// NewCapturingLogger returns a logger whose output is captured by the
// returned handler.
func NewCapturingLogger() (*slog.Logger, *CapturingHandler) {
	h := &CapturingHandler{store: &capture{}}
	return slog.New(h), h
}

func (h *CapturingHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	h.store.records = append(h.store.records, LogRecord{
		Time:    r.Time,
		Level:   r.Level,
		Message: r.Message,
		Attrs:   attrs,
	})
	return nil
}

func (h *CapturingHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (h *CapturingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CapturingHandler{
		store: h.store,
		attrs: append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
}

func (h *CapturingHandler) WithGroup(_ string) slog.Handler {
	return h
}

// Records returns a copy of everything captured so far.
func (h *CapturingHandler) Records() []LogRecord {
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	out := make([]LogRecord, len(h.store.records))
	copy(out, h.store.records)
	return out
}

// ContainsMessage reports whether any captured record has the message.
func (h *CapturingHandler) ContainsMessage(message string) bool {
	for _, r := range h.Records() {
		if r.Message == message {
			return true
		}
	}
	return false
}

// ContainsAttr reports whether any captured record carries key=value.
func (h *CapturingHandler) ContainsAttr(key string, value any) bool {
	for _, r := range h.Records() {
		if v, ok := r.Attrs[key]; ok && v == value {
			return true
		}
	}
	return false
}

// Count returns the number of captured records.
func (h *CapturingHandler) Count() int {
	return len(h.Records())
}

// Silent returns a logger that drops everything below the error level,
// for tests that need a logger but not its output.
func Silent() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// AssertLogged fails the test when no captured record at the given level
// has the message.
func AssertLogged(t *testing.T, h *CapturingHandler, level slog.Level, message string) {
	t.Helper()
	for _, r := range h.Records() {
		if r.Level == level && r.Message == message {
			return
		}
	}
	t.Errorf("expected %s log %q, captured %d records", level, message, h.Count())
}
