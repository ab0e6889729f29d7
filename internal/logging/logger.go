package logging

import (
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const DefaultBufferSize = 1000

// CategoryField carries the subsystem name set by Component.
const CategoryField = "bundlewatch.category"

// sink is shared by a logger and every logger derived from it.
type sink struct {
	mu       sync.Mutex
	out      io.Writer
	buffer   *LogBuffer
	minLevel Level
}

// Logger records leveled entries in a LogBuffer and writes them as logfmt
// lines. Derived loggers share the buffer and writer.
type Logger struct {
	sink   *sink
	fields map[string]string
}

func NewLoggerWithOutput(buffer *LogBuffer, minLevel Level, output io.Writer) *Logger {
	if buffer == nil {
		buffer = NewLogBuffer(DefaultBufferSize)
	}
	if output == nil {
		output = io.Discard
	}
	return &Logger{sink: &sink{
		out:      output,
		buffer:   buffer,
		minLevel: normalizeLevel(minLevel),
	}}
}

// Discard returns a logger that keeps entries in a small buffer and writes
// nothing. Packages fall back to it when no logger is configured.
func Discard() *Logger {
	return NewLoggerWithOutput(NewLogBuffer(64), LevelInfo, io.Discard)
}

func (l *Logger) Buffer() *LogBuffer {
	if l == nil {
		return nil
	}
	return l.sink.buffer
}

func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return l
	}
	return &Logger{sink: l.sink, fields: mergeFields(l.fields, fields)}
}

// Component tags every entry with the emitting subsystem.
func (l *Logger) Component(name string) *Logger {
	return l.With(map[string]string{CategoryField: name})
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.log(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.log(LevelError, message, fields)
}

func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return LevelAtLeast(level, l.sink.minLevel)
}

func (l *Logger) log(level Level, message string, fields map[string]string) {
	if !l.Enabled(level) {
		return
	}
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Context:   mergeFields(l.fields, fields),
	}
	l.sink.buffer.Add(entry)

	line := appendLogfmt(nil, entry)
	l.sink.mu.Lock()
	_, _ = l.sink.out.Write(line)
	l.sink.mu.Unlock()
}

func mergeFields(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range extra {
		merged[key] = value
	}
	return merged
}

// appendLogfmt renders entry as one line: ts, level, component and msg first,
// then the remaining fields sorted by key.
func appendLogfmt(dst []byte, entry LogEntry) []byte {
	dst = append(dst, "ts="...)
	dst = entry.Timestamp.AppendFormat(dst, time.RFC3339)
	dst = append(dst, " level="...)
	dst = append(dst, entry.Level...)
	if component := entry.Component(); component != "" {
		dst = append(dst, " component="...)
		dst = append(dst, component...)
	}
	dst = append(dst, " msg="...)
	dst = strconv.AppendQuote(dst, entry.Message)

	keys := make([]string, 0, len(entry.Context))
	for key := range entry.Context {
		if key != CategoryField && strings.TrimSpace(key) != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for _, key := range keys {
		dst = append(dst, ' ')
		dst = append(dst, key...)
		dst = append(dst, '=')
		dst = strconv.AppendQuote(dst, entry.Context[key])
	}
	return append(dst, '\n')
}
