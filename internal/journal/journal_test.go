package journal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bundlewatch/internal/watch"
)

func TestJournalRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "watch.jsonl.zst")
	writer, err := Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	occurred := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	emitter := watch.NewEmitter(watch.EmitterOptions{})
	defer emitter.Close()
	emitter.On("", writer.Listener())

	sequence := []watch.Event{
		{Code: watch.CodeChange, Path: "src/a.js", ChangeKind: watch.ChangeUpdate, OccurredAt: occurred},
		{Code: watch.CodeBundleEnd, Output: "/work/dist", Duration: "42", OccurredAt: occurred},
		{Code: watch.CodeError, Message: "E1", OccurredAt: occurred},
	}
	for _, ev := range sequence {
		if err := emitter.Emit(context.Background(), ev); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	if writer.Count() != len(sequence) {
		t.Fatalf("expected %d written, got %d", len(sequence), writer.Count())
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	events, err := Read(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(events) != len(sequence) {
		t.Fatalf("expected %d events, got %d", len(sequence), len(events))
	}
	for index, ev := range events {
		want := sequence[index]
		if ev.Code != want.Code || ev.Path != want.Path || ev.Message != want.Message || ev.Output != want.Output {
			t.Fatalf("event %d: expected %+v, got %+v", index, want, ev)
		}
		if !ev.OccurredAt.Equal(occurred) {
			t.Fatalf("event %d: timestamp %s", index, ev.OccurredAt)
		}
	}
}

func TestJournalReadsUnclosedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "open.jsonl.zst")
	writer, err := Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer writer.Close()
	if err := writer.Write(watch.Event{Code: watch.CodeStart}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The frame is unterminated until Close; flushed events still decode.
	events, _ := Read(path)
	if len(events) != 1 || events[0].Code != watch.CodeStart {
		t.Fatalf("expected flushed start event, got %+v", events)
	}
}

func TestJournalWriteAfterClose(t *testing.T) {
	writer, err := Create(filepath.Join(t.TempDir(), "closed.zst"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := writer.Write(watch.Event{Code: watch.CodeEnd}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestReadMissingJournal(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.zst"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
