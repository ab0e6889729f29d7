package monitor

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

type eventRecorder struct {
	mutex  sync.Mutex
	events []RawEvent
}

func (r *eventRecorder) record(event RawEvent) {
	r.mutex.Lock()
	r.events = append(r.events, event)
	r.mutex.Unlock()
}

func (r *eventRecorder) waitFor(t *testing.T, match func(RawEvent) bool) RawEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mutex.Lock()
		for _, event := range r.events {
			if match(event) {
				r.mutex.Unlock()
				return event
			}
		}
		r.mutex.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for monitor event")
	return RawEvent{}
}

func TestTranslateOp(t *testing.T) {
	cases := []struct {
		op   fsnotify.Op
		want Op
	}{
		{fsnotify.Create, Create},
		{fsnotify.Write, ModifyData},
		{fsnotify.Remove, Remove},
		{fsnotify.Rename, ModifyName},
		{fsnotify.Chmod, ModifyMetadata},
		{fsnotify.Create | fsnotify.Remove, Remove},
		{fsnotify.Write | fsnotify.Chmod, ModifyData},
		{0, OpUnknown},
	}
	for _, testCase := range cases {
		if got := translateOp(testCase.op); got != testCase.want {
			t.Fatalf("translateOp(%v) = %s, want %s", testCase.op, got, testCase.want)
		}
	}
}

func TestRestartDelayBackoff(t *testing.T) {
	cases := []struct {
		attempt  int
		expected time.Duration
	}{
		{attempt: 0, expected: restartBaseDelay},
		{attempt: 1, expected: restartBaseDelay * 2},
		{attempt: 2, expected: restartBaseDelay * 4},
	}
	for _, testCase := range cases {
		if got := restartDelay(testCase.attempt); got != testCase.expected {
			t.Fatalf("attempt %d: expected %s, got %s", testCase.attempt, testCase.expected, got)
		}
	}
}

func TestNativeDeliversWriteEvent(t *testing.T) {
	recorder := &eventRecorder{}
	monitor, err := New(Options{}, recorder.record)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	defer monitor.Close()

	path := filepath.Join(t.TempDir(), "entry.js")
	if err := os.WriteFile(path, []byte("a"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := monitor.Watch(path, true); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := os.WriteFile(path, []byte("update"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	recorder.waitFor(t, func(event RawEvent) bool {
		return event.Op == ModifyData && len(event.Paths) == 1 && event.Paths[0] == path
	})
}

func TestNativeFollowsNewDirectories(t *testing.T) {
	recorder := &eventRecorder{}
	native, err := newNative(nil, recorder.record)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	defer native.Close()

	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "existing"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := native.Watch(root, true); err != nil {
		t.Fatalf("watch: %v", err)
	}

	native.mutex.Lock()
	_, ok := native.owners[filepath.Join(root, "existing")]
	native.mutex.Unlock()
	if !ok {
		t.Fatal("expected existing subdirectory to be watched")
	}

	created := filepath.Join(root, "created")
	if err := os.Mkdir(created, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		native.mutex.Lock()
		owner := native.owners[created]
		native.mutex.Unlock()
		if owner == root {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for new directory watch")
		}
		time.Sleep(10 * time.Millisecond)
	}

	nested := filepath.Join(created, "file.js")
	if err := os.WriteFile(nested, []byte("x"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	recorder.waitFor(t, func(event RawEvent) bool {
		return len(event.Paths) == 1 && event.Paths[0] == nested
	})
}

func TestNativeWatchMissingPath(t *testing.T) {
	monitor, err := New(Options{}, nil)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	defer monitor.Close()

	err = monitor.Watch(filepath.Join(t.TempDir(), "missing.js"), false)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

func TestNativeUnwatch(t *testing.T) {
	monitor, err := New(Options{}, nil)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	defer monitor.Close()

	root := t.TempDir()
	if err := monitor.Unwatch(root); !errors.Is(err, ErrNotWatched) {
		t.Fatalf("expected ErrNotWatched, got %v", err)
	}
	if err := monitor.Watch(root, true); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := monitor.Unwatch(root); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if err := monitor.Unwatch(root); !errors.Is(err, ErrNotWatched) {
		t.Fatalf("expected ErrNotWatched after unwatch, got %v", err)
	}
}

func TestNativeCloseIsIdempotent(t *testing.T) {
	monitor, err := New(Options{}, nil)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	if err := monitor.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := monitor.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := monitor.Watch(t.TempDir(), false); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestScheduleRestartSetsTimer(t *testing.T) {
	native, err := newNative(nil, func(RawEvent) {})
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	defer native.Close()

	native.scheduleRestart()

	native.restartMutex.Lock()
	timer := native.restartTimer
	attempts := native.restartAttempts
	if timer != nil {
		timer.Stop()
		native.restartTimer = nil
	}
	native.restartMutex.Unlock()

	if attempts != 1 {
		t.Fatalf("expected 1 restart attempt, got %d", attempts)
	}
	if timer == nil {
		t.Fatal("expected restart timer to be set")
	}
}

func TestRestartKeepsRegisteredPaths(t *testing.T) {
	recorder := &eventRecorder{}
	native, err := newNative(nil, recorder.record)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	defer native.Close()

	path := filepath.Join(t.TempDir(), "entry.js")
	if err := os.WriteFile(path, []byte("a"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := native.Watch(path, false); err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := native.restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := os.WriteFile(path, []byte("changed"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	recorder.waitFor(t, func(event RawEvent) bool {
		return event.Op == ModifyData && event.Paths[0] == path
	})
}
