package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bundlewatch/internal/metrics"
	"bundlewatch/internal/monitor"

	"github.com/stretchr/testify/mock"
)

type scriptedEngine struct {
	mu        sync.Mutex
	outputs   []BuildOutput
	noWrite   []bool
	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
	delay     time.Duration
	gate      chan struct{}
	started   chan struct{}
	// onBuild runs at the start of every build with the context the engine
	// received.
	onBuild func(ctx context.Context, call int32)
}

func (e *scriptedEngine) Build(ctx context.Context, noWrite bool) BuildOutput {
	call := e.calls.Add(1)
	active := e.active.Add(1)
	defer e.active.Add(-1)
	for {
		current := e.maxActive.Load()
		if active <= current || e.maxActive.CompareAndSwap(current, active) {
			break
		}
	}
	if e.onBuild != nil {
		e.onBuild(ctx, call)
	}
	if call == 1 && e.started != nil {
		close(e.started)
	}
	if call == 1 && e.gate != nil {
		<-e.gate
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.noWrite = append(e.noWrite, noWrite)
	if len(e.outputs) == 0 {
		return BuildOutput{}
	}
	index := int(call) - 1
	if index >= len(e.outputs) {
		index = len(e.outputs) - 1
	}
	return e.outputs[index]
}

type mockPlugins struct {
	mock.Mock
}

func (m *mockPlugins) Clear() {
	m.Called()
}

func (m *mockPlugins) WatchChange(_ context.Context, path string, kind ChangeKind) error {
	return m.Called(path, kind).Error(0)
}

func (m *mockPlugins) CloseWatcher(context.Context) error {
	return m.Called().Error(0)
}

func newMockPlugins() *mockPlugins {
	plugins := &mockPlugins{}
	plugins.On("Clear").Return()
	plugins.On("WatchChange", mock.Anything, mock.Anything).Return(nil)
	plugins.On("CloseWatcher").Return(nil)
	return plugins
}

type fakeMonitor struct {
	mu         sync.Mutex
	watched    map[string]int
	unwatched  []string
	watchErr   error
	unwatchErr error
	closed     bool
	callback   func(monitor.RawEvent)
}

func newFakeMonitor() *fakeMonitor {
	return &fakeMonitor{watched: make(map[string]int)}
}

func (f *fakeMonitor) factory(_ monitor.Options, callback func(monitor.RawEvent)) (monitor.Monitor, error) {
	f.mu.Lock()
	f.callback = callback
	f.mu.Unlock()
	return f, nil
}

func (f *fakeMonitor) Watch(path string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watchErr != nil {
		return f.watchErr
	}
	f.watched[path]++
	return nil
}

func (f *fakeMonitor) Unwatch(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unwatched = append(f.unwatched, path)
	return f.unwatchErr
}

func (f *fakeMonitor) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeMonitor) send(event monitor.RawEvent) {
	f.mu.Lock()
	callback := f.callback
	f.mu.Unlock()
	callback(event)
}

func (f *fakeMonitor) watchCount(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watched[path]
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) listen(_ context.Context, ev Event) error {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	return nil
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

func (l *eventLog) codes() []Code {
	events := l.snapshot()
	codes := make([]Code, 0, len(events))
	for _, ev := range events {
		codes = append(codes, ev.Code)
	}
	return codes
}

func (l *eventLog) count(code Code) int {
	total := 0
	for _, ev := range l.snapshot() {
		if ev.Code == code {
			total++
		}
	}
	return total
}

type fixture struct {
	watcher *Watcher
	engine  *scriptedEngine
	plugins *mockPlugins
	monitor *fakeMonitor
	events  *eventLog
	cwd     string
}

func newFixture(t *testing.T, engine *scriptedEngine, configure func(*Options)) *fixture {
	t.Helper()
	if engine == nil {
		engine = &scriptedEngine{}
	}
	plugins := newMockPlugins()
	fake := newFakeMonitor()
	cwd := t.TempDir()
	options := Options{
		Cwd:        cwd,
		Dir:        "dist",
		Registry:   &metrics.Registry{},
		NewMonitor: fake.factory,
	}
	if configure != nil {
		configure(&options)
	}
	watcher, err := New(options, NewBuildState(engine, plugins))
	if err != nil {
		t.Fatalf("new watcher: %v", err)
	}
	events := &eventLog{}
	watcher.Emitter().On("", events.listen)
	t.Cleanup(func() {
		_ = watcher.Close(context.Background())
	})
	return &fixture{
		watcher: watcher,
		engine:  engine,
		plugins: plugins,
		monitor: fake,
		events:  events,
		cwd:     cwd,
	}
}

func writeFile(t *testing.T, root, relative string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(relative))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("export {}\n"), 0o600); err != nil {
		t.Fatalf("write %s: %v", relative, err)
	}
	return path
}

func waitUntil(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
