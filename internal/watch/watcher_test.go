package watch

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bundlewatch/internal/pattern"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var cycleCodes = []Code{CodeRestart, CodeStart, CodeBundleStart, CodeBundleEnd, CodeEnd}

func TestRunEmitsLifecycleInOrder(t *testing.T) {
	f := newFixture(t, nil, nil)

	if err := f.watcher.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := f.events.codes(); !reflect.DeepEqual(got, cycleCodes) {
		t.Fatalf("expected %v, got %v", cycleCodes, got)
	}
	end := f.events.snapshot()[3]
	if end.Output != filepath.Join(f.cwd, "dist") {
		t.Fatalf("expected output %q, got %q", filepath.Join(f.cwd, "dist"), end.Output)
	}
	if _, err := strconv.ParseInt(end.Duration, 10, 64); err != nil {
		t.Fatalf("expected integer duration, got %q", end.Duration)
	}
	if f.watcher.Running() || f.watcher.Pending() {
		t.Fatalf("expected idle watcher after run")
	}
	f.plugins.AssertNumberOfCalls(t, "Clear", 1)
}

func TestRunPassesNoWrite(t *testing.T) {
	engine := &scriptedEngine{}
	f := newFixture(t, engine, func(options *Options) {
		options.NoWrite = true
	})
	if err := f.watcher.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if len(engine.noWrite) != 1 || !engine.noWrite[0] {
		t.Fatalf("expected a single no-write build, got %v", engine.noWrite)
	}
}

func TestRunReportsFirstDiagnosticOnly(t *testing.T) {
	engine := &scriptedEngine{outputs: []BuildOutput{{
		Errors: []Diagnostic{{Message: "E1"}, {Message: "E2"}},
	}}}
	f := newFixture(t, engine, nil)

	if err := f.watcher.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []Code{CodeRestart, CodeStart, CodeBundleStart, CodeError, CodeEnd}
	if got := f.events.codes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for _, ev := range f.events.snapshot() {
		if ev.Code == CodeError && ev.Message != "E1" {
			t.Fatalf("expected error message E1, got %q", ev.Message)
		}
		if strings.Contains(ev.Message, "E2") {
			t.Fatalf("second diagnostic surfaced in %s event", ev.Code)
		}
	}
}

func TestRunWatchesIncludedPathsOnce(t *testing.T) {
	filter, err := pattern.Compile([]string{"src/**"}, []string{"**/*.test.js"})
	if err != nil {
		t.Fatalf("compile filter: %v", err)
	}
	engine := &scriptedEngine{}
	f := newFixture(t, engine, func(options *Options) {
		options.Filter = filter.Match
	})
	source := writeFile(t, f.cwd, "src/a.js")
	writeFile(t, f.cwd, "src/a.test.js")
	writeFile(t, f.cwd, "lib/b.js")
	engine.outputs = []BuildOutput{{
		WatchFiles: []string{"src/a.js", "src/a.test.js", source, "src/missing.js", "lib/b.js", "src/a.js"},
	}}

	for i := 0; i < 2; i++ {
		if err := f.watcher.Run(context.Background()); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}

	if got := f.watcher.WatchedPaths(); !reflect.DeepEqual(got, []string{source}) {
		t.Fatalf("expected watched paths [%s], got %v", source, got)
	}
	if count := f.monitor.watchCount(source); count != 1 {
		t.Fatalf("expected one monitor registration, got %d", count)
	}
}

func TestRunPropagatesMonitorError(t *testing.T) {
	engine := &scriptedEngine{}
	f := newFixture(t, engine, nil)
	source := writeFile(t, f.cwd, "src/a.js")
	engine.outputs = []BuildOutput{{WatchFiles: []string{source}}}
	backendErr := errors.New("too many open files")
	f.monitor.watchErr = backendErr

	err := f.watcher.Run(context.Background())

	var monitorErr *MonitorError
	if !errors.As(err, &monitorErr) {
		t.Fatalf("expected MonitorError, got %v", err)
	}
	if monitorErr.Path != source || !errors.Is(err, backendErr) {
		t.Fatalf("unexpected monitor error %v", monitorErr)
	}
	want := []Code{CodeRestart, CodeStart, CodeBundleStart, CodeEnd}
	if got := f.events.codes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if f.watcher.Running() {
		t.Fatal("expected watcher to return to idle")
	}
	if len(f.watcher.WatchedPaths()) != 0 {
		t.Fatal("expected failed path to stay out of the watched set")
	}
}

func TestEmitFailureDoesNotAbortCycle(t *testing.T) {
	engine := &scriptedEngine{}
	f := newFixture(t, engine, nil)
	listenerErr := errors.New("listener down")
	f.watcher.Emitter().On(CodeStart, func(context.Context, Event) error {
		return listenerErr
	})

	err := f.watcher.Run(context.Background())
	if !errors.Is(err, listenerErr) {
		t.Fatalf("expected listener error, got %v", err)
	}
	if engine.calls.Load() != 1 {
		t.Fatalf("expected build to run, got %d calls", engine.calls.Load())
	}
	if got := f.events.codes(); !reflect.DeepEqual(got, cycleCodes) {
		t.Fatalf("expected full cycle %v, got %v", cycleCodes, got)
	}
}

func TestInvalidateCoalescesWhileRunning(t *testing.T) {
	engine := &scriptedEngine{
		gate:    make(chan struct{}),
		started: make(chan struct{}),
	}
	f := newFixture(t, engine, nil)

	done := make(chan error, 1)
	go func() {
		done <- f.watcher.Invalidate(context.Background())
	}()
	<-engine.started

	for i := 0; i < 5; i++ {
		if err := f.watcher.Invalidate(context.Background()); err != nil {
			t.Fatalf("invalidate %d: %v", i, err)
		}
	}
	if !f.watcher.Running() || !f.watcher.Pending() {
		t.Fatalf("expected running with pending rerun")
	}

	close(engine.gate)
	if err := <-done; err != nil {
		t.Fatalf("driving invalidate: %v", err)
	}

	if calls := engine.calls.Load(); calls != 2 {
		t.Fatalf("expected 2 builds for the burst, got %d", calls)
	}
	if f.watcher.Running() || f.watcher.Pending() {
		t.Fatal("expected idle watcher after drain")
	}
	want := append(append([]Code{}, cycleCodes...), cycleCodes...)
	if got := f.events.codes(); !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	snapshot := f.watcher.registry.Snapshot()
	if snapshot.Invalidations != 6 || snapshot.InvalidationsMerged != 5 {
		t.Fatalf("unexpected invalidation counters %+v", snapshot)
	}
}

func TestRunCompletesBuildAfterCancel(t *testing.T) {
	started := make(chan struct{})
	var cancelled atomic.Bool
	engine := &scriptedEngine{
		onBuild: func(ctx context.Context, _ int32) {
			close(started)
			select {
			case <-ctx.Done():
				cancelled.Store(true)
			case <-time.After(100 * time.Millisecond):
			}
		},
	}
	f := newFixture(t, engine, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan error, 1)
	go func() {
		ran <- f.watcher.Run(ctx)
	}()
	<-started
	cancel()

	if err := <-ran; err != nil {
		t.Fatalf("run: %v", err)
	}
	if cancelled.Load() {
		t.Fatal("build context was cancelled mid-build")
	}
	if got := f.events.codes(); !reflect.DeepEqual(got, cycleCodes) {
		t.Fatalf("expected %v, got %v", cycleCodes, got)
	}
}

func TestRunWaitsForInFlightCycle(t *testing.T) {
	started := []chan struct{}{make(chan struct{}), make(chan struct{})}
	release := []chan struct{}{make(chan struct{}), make(chan struct{})}
	engine := &scriptedEngine{
		onBuild: func(_ context.Context, call int32) {
			if int(call) > len(started) {
				return
			}
			close(started[call-1])
			<-release[call-1]
		},
	}
	f := newFixture(t, engine, nil)

	invalidated := make(chan error, 1)
	go func() {
		invalidated <- f.watcher.Invalidate(context.Background())
	}()
	<-started[0]

	ran := make(chan error, 1)
	go func() {
		ran <- f.watcher.Run(context.Background())
	}()
	time.Sleep(20 * time.Millisecond)
	if calls := engine.calls.Load(); calls != 1 {
		t.Fatalf("expected run to wait for the in-flight build, got %d builds", calls)
	}

	close(release[0])
	if err := <-invalidated; err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	select {
	case <-started[1]:
	case <-time.After(time.Second):
		t.Fatal("run did not start its build")
	}
	if !f.watcher.Running() {
		t.Fatal("expected watcher to report running during the run cycle")
	}

	merged := make(chan error, 1)
	go func() {
		merged <- f.watcher.Invalidate(context.Background())
	}()
	select {
	case err := <-merged:
		if err != nil {
			t.Fatalf("merged invalidate: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("invalidate blocked instead of folding into the running cycle")
	}
	if !f.watcher.Pending() {
		t.Fatal("expected a pending rebuild")
	}

	close(release[1])
	if err := <-ran; err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls := engine.calls.Load(); calls != 3 {
		t.Fatalf("expected 3 builds, got %d", calls)
	}
	if f.watcher.Running() || f.watcher.Pending() {
		t.Fatal("expected idle watcher after drain")
	}
	assertWholeCycles(t, f.events.codes())
}

func TestRunGivesUpWaitingWhenContextEnds(t *testing.T) {
	engine := &scriptedEngine{
		gate:    make(chan struct{}),
		started: make(chan struct{}),
	}
	f := newFixture(t, engine, nil)
	done := make(chan error, 1)
	go func() {
		done <- f.watcher.Invalidate(context.Background())
	}()
	<-engine.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := f.watcher.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(engine.gate)
	if err := <-done; err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if calls := engine.calls.Load(); calls != 1 {
		t.Fatalf("expected the abandoned run to add no build, got %d", calls)
	}
}

func TestConcurrentTriggersNeverOverlapBuilds(t *testing.T) {
	engine := &scriptedEngine{delay: 2 * time.Millisecond}
	f := newFixture(t, engine, nil)

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if worker%2 == 0 {
					_ = f.watcher.Invalidate(context.Background())
				} else {
					_ = f.watcher.Run(context.Background())
				}
			}
		}(worker)
	}
	wg.Wait()

	if max := engine.maxActive.Load(); max != 1 {
		t.Fatalf("expected at most one build at a time, saw %d", max)
	}
	if f.watcher.Running() {
		t.Fatal("expected idle watcher after all triggers returned")
	}
	assertWholeCycles(t, f.events.codes())
}

func TestCyclesDoNotInterleave(t *testing.T) {
	engine := &scriptedEngine{delay: time.Millisecond}
	f := newFixture(t, engine, nil)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.watcher.Run(context.Background())
		}()
	}
	wg.Wait()

	codes := f.events.codes()
	if len(codes) != 3*len(cycleCodes) {
		t.Fatalf("expected 3 cycles, got %v", codes)
	}
	assertWholeCycles(t, codes)
}

func assertWholeCycles(t *testing.T, codes []Code) {
	t.Helper()
	if len(codes)%len(cycleCodes) != 0 {
		t.Fatalf("partial cycle in %v", codes)
	}
	for index, code := range codes {
		if want := cycleCodes[index%len(cycleCodes)]; code != want {
			t.Fatalf("event %d: expected %s, got %s in %v", index, want, code, codes)
		}
	}
}

func TestNewFailsWhenBuildStateLocked(t *testing.T) {
	state := NewBuildState(&scriptedEngine{}, nil)
	if !state.TryLock() {
		t.Fatal("expected to lock fresh build state")
	}
	defer state.Unlock()

	_, err := New(Options{Cwd: t.TempDir(), NewMonitor: newFakeMonitor().factory}, state)
	if !errors.Is(err, ErrBuildStateBusy) {
		t.Fatalf("expected ErrBuildStateBusy, got %v", err)
	}
}

func TestCycleRecordsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otelapi.GetTracerProvider()
	otelapi.SetTracerProvider(provider)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		otelapi.SetTracerProvider(previous)
	})

	engine := &scriptedEngine{outputs: []BuildOutput{{Errors: []Diagnostic{{Message: "boom"}}}}}
	f := newFixture(t, engine, nil)
	if err := f.watcher.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	var span sdktrace.ReadOnlySpan
	for _, ended := range recorder.Ended() {
		if ended.Name() == "bundlewatch.build" {
			span = ended
		}
	}
	if span == nil {
		t.Fatal("expected build span")
	}
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range span.Attributes() {
		attrs[kv.Key] = kv.Value
	}
	if attrs["build.errors"].AsInt64() != 1 {
		t.Fatalf("expected build.errors=1, got %v", attrs["build.errors"])
	}
}

func TestDiagnosticRender(t *testing.T) {
	cwd := filepath.Join(string(filepath.Separator), "work")
	diagnostic := Diagnostic{
		Code:    "UNRESOLVED_IMPORT",
		Message: "could not resolve ./b",
		Path:    filepath.Join(cwd, "src", "a.js"),
	}
	if got, want := diagnostic.Render(cwd), "[UNRESOLVED_IMPORT] src/a.js: could not resolve ./b"; got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if got := (Diagnostic{Message: "plain"}).Error(); got != "plain" {
		t.Fatalf("expected plain message, got %q", got)
	}
}
