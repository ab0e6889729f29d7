package logging

import (
	"sync"

	"bundlewatch/internal/buffer"
)

type LogBuffer struct {
	mu      sync.Mutex
	entries *buffer.Ring[LogEntry]
}

func NewLogBuffer(size int) *LogBuffer {
	return &LogBuffer{
		entries: buffer.NewRing[LogEntry](size),
	}
}

func (b *LogBuffer) Add(entry LogEntry) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Add(entry)
}

func (b *LogBuffer) List() []LogEntry {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.List()
}

// Recent returns up to limit of the newest entries at or above minLevel,
// oldest first. A non-positive limit returns every matching entry.
func (b *LogBuffer) Recent(limit int, minLevel Level) []LogEntry {
	if b == nil {
		return nil
	}
	var newest []LogEntry
	b.mu.Lock()
	b.entries.Scan(func(entry LogEntry) bool {
		if LevelAtLeast(entry.Level, minLevel) {
			newest = append(newest, entry)
		}
		return limit <= 0 || len(newest) < limit
	})
	b.mu.Unlock()

	out := make([]LogEntry, len(newest))
	for i, entry := range newest {
		out[len(newest)-1-i] = entry
	}
	return out
}
