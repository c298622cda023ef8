// Package logbuf provides the engine's log sink boundary: executors append
// classified, human-readable events, and the UI tails a bounded in-memory
// buffer without ever blocking the worker.
package logbuf

import (
	"sync"
	"time"

	"github.com/cellarforge/engine/internal/logging"
)

// Level classifies a sink entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Sink receives human-readable engine events. Implementations must be safe
// for concurrent use and must not block.
type Sink interface {
	Log(message string, level Level)
}

// Entry is one recorded event.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
}

// Buffer is a thread-safe circular buffer of log entries. It doubles as a
// Sink so the engine can run without a UI attached.
type Buffer struct {
	entries []*Entry
	head    int
	size    int
	maxSize int
	mu      sync.RWMutex
}

// NewBuffer creates a circular buffer holding at most maxSize entries.
func NewBuffer(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Buffer{
		entries: make([]*Entry, maxSize),
		maxSize: maxSize,
	}
}

// Log appends an entry, evicting the oldest when full.
func (b *Buffer) Log(message string, level Level) {
	entry := &Entry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.maxSize
	if b.size < b.maxSize {
		b.size++
	}
}

// Recent retrieves the most recent N entries, newest first, optionally
// filtered by level.
func (b *Buffer) Recent(limit int, levelFilter Level) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit < 0 {
		limit = 0
	}
	if limit > b.size {
		limit = b.size
	}

	result := make([]Entry, 0, limit)
	for i := 0; i < b.size && len(result) < limit; i++ {
		idx := (b.head - 1 - i + b.maxSize) % b.maxSize
		entry := b.entries[idx]
		if entry == nil {
			continue
		}
		if levelFilter == "" || entry.Level == levelFilter {
			result = append(result, *entry)
		}
	}
	return result
}

// Len returns the number of buffered entries.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// ZapSink forwards sink entries to a structured logger.
type ZapSink struct {
	logger *logging.Logger
}

// NewZapSink wraps a logger as a Sink.
func NewZapSink(logger *logging.Logger) *ZapSink {
	return &ZapSink{logger: logger}
}

// Log implements Sink.
func (s *ZapSink) Log(message string, level Level) {
	switch level {
	case LevelDebug:
		s.logger.Debug(message)
	case LevelWarn:
		s.logger.Warn(message)
	case LevelError:
		s.logger.Error(message)
	default:
		s.logger.Info(message)
	}
}

// Tee fans one entry out to several sinks.
type Tee []Sink

// Log implements Sink.
func (t Tee) Log(message string, level Level) {
	for _, s := range t {
		s.Log(message, level)
	}
}

// Discard is a Sink that drops everything. Used in tests.
type Discard struct{}

// Log implements Sink.
func (Discard) Log(string, Level) {}
