// Package journal records lifecycle events as zstd-compressed JSON lines.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"bundlewatch/internal/watch"

	"github.com/klauspost/compress/zstd"
)

var ErrClosed = errors.New("journal closed")

// Writer appends events to a journal file. Each event is flushed as its own
// zstd block so a journal cut short by a crash still decodes up to the last
// complete event.
type Writer struct {
	mu      sync.Mutex
	file    *os.File
	encoder *zstd.Encoder
	closed  bool
	count   int
}

func Create(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create journal: %w", err)
	}
	encoder, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("create journal encoder: %w", err)
	}
	return &Writer{file: file, encoder: encoder}, nil
}

func (w *Writer) Write(ev watch.Event) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode journal event: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, err := w.encoder.Write(line); err != nil {
		return fmt.Errorf("write journal event: %w", err)
	}
	if err := w.encoder.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	w.count++
	return nil
}

// Listener adapts the writer for Emitter.On.
func (w *Writer) Listener() watch.Listener {
	return func(_ context.Context, ev watch.Event) error {
		return w.Write(ev)
	}
}

func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	return errors.Join(w.encoder.Close(), w.file.Close())
}

// Read decodes every event in a journal file.
func Read(path string) ([]watch.Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer file.Close()
	return Decode(file)
}

func Decode(reader io.Reader) ([]watch.Event, error) {
	decoder, err := zstd.NewReader(reader)
	if err != nil {
		return nil, fmt.Errorf("create journal decoder: %w", err)
	}
	defer decoder.Close()

	var events []watch.Event
	scanner := bufio.NewScanner(decoder)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var ev watch.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return events, fmt.Errorf("decode journal line %d: %w", len(events)+1, err)
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return events, fmt.Errorf("read journal: %w", err)
	}
	return events, nil
}
