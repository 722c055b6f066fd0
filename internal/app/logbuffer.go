package app

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// LogEntry is one captured log record, newest entries first when listed.
type LogEntry struct {
	Time    string `json:"timestamp"`
	Level   string `json:"level"`
	Message string `json:"message"`
	Source  string `json:"source,omitempty"`
}

// LogBuffer is a slog.Handler that tees records into a fixed-size ring
// while delegating formatting to the wrapped handler.
type LogBuffer struct {
	next slog.Handler

	mu      sync.Mutex
	entries []LogEntry
	head    int
	full    bool
}

const logBufferSize = 500

func NewLogBuffer(next slog.Handler) *LogBuffer {
	return &LogBuffer{
		next:    next,
		entries: make([]LogEntry, logBufferSize),
	}
}

func (b *LogBuffer) Enabled(ctx context.Context, level slog.Level) bool {
	return b.next.Enabled(ctx, level)
}

func (b *LogBuffer) Handle(ctx context.Context, record slog.Record) error {
	b.capture(record)
	return b.next.Handle(ctx, record)
}

func (b *LogBuffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &shareBuffer{buf: b, next: b.next.WithAttrs(attrs)}
}

func (b *LogBuffer) WithGroup(name string) slog.Handler {
	return &shareBuffer{buf: b, next: b.next.WithGroup(name)}
}

func (b *LogBuffer) capture(record slog.Record) {
	entry := LogEntry{
		Time:    record.Time.UTC().Format(time.RFC3339),
		Level:   record.Level.String(),
		Message: record.Message,
	}
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == "source" {
			entry.Source = attr.Value.String()
		}
		return true
	})

	b.mu.Lock()
	b.entries[b.head] = entry
	b.head = (b.head + 1) % len(b.entries)
	if b.head == 0 {
		b.full = true
	}
	b.mu.Unlock()
}

// Recent returns up to limit entries, newest first, optionally filtered
// by exact level name.
func (b *LogBuffer) Recent(level string, limit int) []LogEntry {
	if limit <= 0 || limit > logBufferSize {
		limit = logBufferSize
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	size := b.head
	if b.full {
		size = len(b.entries)
	}
	out := make([]LogEntry, 0, limit)
	for i := 1; i <= size && len(out) < limit; i++ {
		idx := (b.head - i + len(b.entries)) % len(b.entries)
		e := b.entries[idx]
		if level != "" && e.Level != level {
			continue
		}
		out = append(out, e)
	}
	return out
}

// shareBuffer keeps handlers derived via WithAttrs or WithGroup writing
// into the parent ring.
type shareBuffer struct {
	buf  *LogBuffer
	next slog.Handler
}

func (s *shareBuffer) Enabled(ctx context.Context, level slog.Level) bool {
	return s.next.Enabled(ctx, level)
}

func (s *shareBuffer) Handle(ctx context.Context, record slog.Record) error {
	s.buf.capture(record)
	return s.next.Handle(ctx, record)
}

func (s *shareBuffer) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &shareBuffer{buf: s.buf, next: s.next.WithAttrs(attrs)}
}

func (s *shareBuffer) WithGroup(name string) slog.Handler {
	return &shareBuffer{buf: s.buf, next: s.next.WithGroup(name)}
}
