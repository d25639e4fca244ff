// Package testutil provides shared test fixtures.
package testutil

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// LogRecord is a captured log record.
type LogRecord struct {
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// BufferedHandler captures log records so tests can assert on them.
type BufferedHandler struct {
	mu      sync.Mutex
	records []LogRecord
}

// NewLogger returns a logger backed by a buffered handler.
func NewLogger(t *testing.T) (*slog.Logger, *BufferedHandler) {
	t.Helper()
	h := &BufferedHandler{}
	return slog.New(h), h
}

// Handle implements slog.Handler.
func (h *BufferedHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := make(map[string]any)
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	h.mu.Lock()
	h.records = append(h.records, LogRecord{Level: r.Level, Message: r.Message, Attrs: attrs})
	h.mu.Unlock()
	return nil
}

// Enabled implements slog.Handler.
func (h *BufferedHandler) Enabled(context.Context, slog.Level) bool { return true }

// WithAttrs implements slog.Handler.
func (h *BufferedHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

// WithGroup implements slog.Handler.
func (h *BufferedHandler) WithGroup(string) slog.Handler { return h }

// Records returns a copy of all captured records.
func (h *BufferedHandler) Records() []LogRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]LogRecord, len(h.records))
	copy(out, h.records)
	return out
}

// HasMessage reports whether any record's message contains substr.
func (h *BufferedHandler) HasMessage(substr string) bool {
	for _, r := range h.Records() {
		if strings.Contains(r.Message, substr) {
			return true
		}
	}
	return false
}
