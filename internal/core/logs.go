package core

import (
	"sync"
	"time"
	"unicode/utf8"
)

const MaxLogEntries = 1000
const MaxLogMessageSize = 4096

// LogEntry is a single console.log/warn/error captured from a script.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// LogBuffer collects console output for one session. Entries beyond
// MaxLogEntries are dropped and long messages are truncated.
type LogBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
	dropped int
}

// Add appends a log entry.
func (b *LogBuffer) Add(level, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) >= MaxLogEntries {
		b.dropped++
		return
	}
	if len(message) > MaxLogMessageSize {
		message = truncateUTF8(message, MaxLogMessageSize) + "...(truncated)"
	}
	b.entries = append(b.entries, LogEntry{
		Level:   level,
		Message: message,
		Time:    time.Now(),
	})
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Entries returns a copy of the buffered entries.
func (b *LogBuffer) Entries() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]LogEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Drain returns the buffered entries and empties the buffer.
func (b *LogBuffer) Drain() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.entries
	b.entries = nil
	b.dropped = 0
	return out
}

// Dropped reports how many entries were discarded since the last Drain.
func (b *LogBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
