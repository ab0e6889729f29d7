package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"bundlewatch/internal/bridge"
	"bundlewatch/internal/logging"
	"bundlewatch/internal/metrics"
	"bundlewatch/internal/monitor"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "bundlewatch/watch"

const (
	stateIdle int32 = iota
	stateRunning
	stateRunningPending
)

// Watcher rebuilds when watched inputs change.
type Watcher struct {
	options  Options
	build    *BuildState
	emitter  *Emitter
	bridge   *bridge.Bridge
	paths    *PathSet
	logger   *logging.Logger
	registry *metrics.Registry
	tracer   trace.Tracer
	filter   func(absolute, relative string) bool

	monitorMu sync.Mutex
	monitor   monitor.Monitor

	state   atomic.Int32
	idleMu  sync.Mutex
	idle    chan struct{}
	closing atomic.Bool

	closeOnce    sync.Once
	closeErr     error
	consumerCtx  context.Context
	stopConsumer context.CancelFunc
	consumerDone chan struct{}
}

// New creates a Watcher and starts its consumer loop. It fails when the
// build state is already locked.
func New(options Options, build *BuildState) (*Watcher, error) {
	if build == nil || build.Engine == nil {
		return nil, errors.New("watch: build engine required")
	}
	if !build.TryLock() {
		return nil, ErrBuildStateBusy
	}
	build.Unlock()

	if options.Cwd == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		options.Cwd = cwd
	}
	if abs, err := filepath.Abs(options.Cwd); err == nil {
		options.Cwd = abs
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	registry := options.Registry
	if registry == nil {
		registry = metrics.Default
	}
	filter := options.Filter
	if filter == nil {
		filter = func(string, string) bool { return true }
	}

	watcher := &Watcher{
		options:      options,
		build:        build,
		bridge:       bridge.New(),
		paths:        NewPathSet(),
		logger:       logger.Component("watcher"),
		registry:     registry,
		tracer:       otel.Tracer(tracerName),
		filter:       filter,
		consumerDone: make(chan struct{}),
		idle:         make(chan struct{}),
	}
	watcher.emitter = NewEmitter(EmitterOptions{Logger: logger, Registry: registry})

	newMonitor := options.NewMonitor
	if newMonitor == nil {
		newMonitor = monitor.New
	}
	handle, err := newMonitor(monitor.Options{
		PollInterval:    options.PollInterval,
		CompareContents: options.CompareContents,
		Logger:          logger,
	}, watcher.forward)
	if err != nil {
		watcher.emitter.Close()
		return nil, fmt.Errorf("start monitor: %w", err)
	}
	watcher.monitor = handle

	watcher.consumerCtx, watcher.stopConsumer = context.WithCancel(context.Background())
	go watcher.consume(watcher.consumerCtx)
	return watcher, nil
}

func (w *Watcher) Emitter() *Emitter {
	return w.emitter
}

// Running reports whether a build cycle is in progress.
func (w *Watcher) Running() bool {
	return w.state.Load() != stateIdle
}

// Pending reports whether a rebuild is queued behind the running one.
func (w *Watcher) Pending() bool {
	return w.state.Load() == stateRunningPending
}

// WatchedPaths lists the paths registered with the monitor.
func (w *Watcher) WatchedPaths() []string {
	return w.paths.List()
}

// Invalidate requests a rebuild. While a build runs the request is folded
// into a single pending rebuild and Invalidate returns at once. Otherwise
// the caller drives build cycles until no request is pending.
func (w *Watcher) Invalidate(ctx context.Context) error {
	if w.closing.Load() {
		return ErrWatcherClosed
	}
	for {
		switch w.state.Load() {
		case stateRunning:
			if w.state.CompareAndSwap(stateRunning, stateRunningPending) {
				w.registry.IncInvalidation(true)
				return nil
			}
		case stateRunningPending:
			w.registry.IncInvalidation(true)
			return nil
		default:
			if w.state.CompareAndSwap(stateIdle, stateRunning) {
				w.registry.IncInvalidation(false)
				return w.drive(ctx)
			}
		}
	}
}

// Run performs a build cycle now, plus any rebuild requested during it. If
// a cycle is already in flight, Run waits for the watcher to go idle first.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		if w.closing.Load() {
			return ErrWatcherClosed
		}
		idle := w.idleSignal()
		if w.state.CompareAndSwap(stateIdle, stateRunning) {
			return w.drive(ctx)
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// idleSignal returns a channel closed the next time the watcher goes idle.
func (w *Watcher) idleSignal() <-chan struct{} {
	w.idleMu.Lock()
	defer w.idleMu.Unlock()
	return w.idle
}

func (w *Watcher) signalIdle() {
	w.idleMu.Lock()
	close(w.idle)
	w.idle = make(chan struct{})
	w.idleMu.Unlock()
}

func (w *Watcher) drive(ctx context.Context) error {
	var first error
	for {
		again, err := w.cycle(ctx)
		if err != nil && first == nil {
			first = err
		}
		if !again {
			return first
		}
	}
}

// finish leaves the running state. A pending request turns into one more
// cycle. Only the goroutine driving cycles calls it.
func (w *Watcher) finish() bool {
	if w.closing.Load() {
		w.state.Store(stateIdle)
		w.signalIdle()
		return false
	}
	for {
		if w.state.CompareAndSwap(stateRunningPending, stateRunning) {
			return true
		}
		if w.state.CompareAndSwap(stateRunning, stateIdle) {
			w.signalIdle()
			return false
		}
		if w.state.Load() == stateIdle {
			return false
		}
	}
}

func (w *Watcher) cycle(ctx context.Context) (bool, error) {
	ctx, span := w.tracer.Start(ctx, "bundlewatch.build")
	defer span.End()
	started := time.Now()

	if err := w.build.Lock(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return w.finish(), fmt.Errorf("lock build state: %w", err)
	}
	defer w.build.Unlock()
	if w.closing.Load() {
		return w.finish(), ErrWatcherClosed
	}

	// The build runs to completion once started.
	ctx = context.WithoutCancel(ctx)

	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	record(w.emitter.Emit(ctx, Event{Code: CodeRestart}))
	record(w.emitter.Emit(ctx, Event{Code: CodeStart}))
	record(w.emitter.Emit(ctx, Event{Code: CodeBundleStart}))

	w.build.Plugins.Clear()
	w.registry.IncBuildStarted()
	output := w.build.Engine.Build(ctx, w.options.NoWrite)
	span.SetAttributes(
		attribute.Int("build.watch_files", len(output.WatchFiles)),
		attribute.Int("build.errors", len(output.Errors)),
		attribute.Bool("build.no_write", w.options.NoWrite),
	)

	if err := w.registerWatchFiles(output.WatchFiles); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.registry.RecordBuild(time.Since(started), true)
		again := w.finish()
		_ = w.emitter.Emit(ctx, Event{Code: CodeEnd})
		return again, err
	}

	elapsed := time.Since(started)
	if len(output.Errors) == 0 {
		record(w.emitter.Emit(ctx, Event{
			Code:     CodeBundleEnd,
			Output:   w.outputDir(),
			Duration: strconv.FormatInt(elapsed.Milliseconds(), 10),
		}))
	} else {
		span.SetStatus(codes.Error, "build reported diagnostics")
		w.logger.Warn("build failed", map[string]string{
			"diagnostics": strconv.Itoa(len(output.Errors)),
			"first":       output.Errors[0].Error(),
		})
		record(w.emitter.Emit(ctx, Event{
			Code:    CodeError,
			Message: output.Errors[0].Render(w.options.Cwd),
		}))
	}
	w.registry.RecordBuild(elapsed, len(output.Errors) > 0)

	again := w.finish()
	record(w.emitter.Emit(ctx, Event{Code: CodeEnd}))
	if first != nil {
		span.RecordError(first)
	}
	return again, first
}

// registerWatchFiles adds new build inputs to the monitor. The monitor lock
// is held only inside this call.
func (w *Watcher) registerWatchFiles(files []string) error {
	w.monitorMu.Lock()
	defer w.monitorMu.Unlock()

	for _, file := range files {
		absolute := file
		if !filepath.IsAbs(absolute) {
			absolute = filepath.Join(w.options.Cwd, absolute)
		}
		absolute = filepath.Clean(absolute)
		if w.paths.Contains(absolute) {
			continue
		}
		if _, err := os.Stat(absolute); err != nil {
			continue
		}
		relative, err := filepath.Rel(w.options.Cwd, absolute)
		if err != nil {
			relative = absolute
		}
		if !w.filter(absolute, filepath.ToSlash(relative)) {
			continue
		}
		if err := w.monitor.Watch(absolute, true); err != nil {
			w.registry.IncMonitorError()
			return &MonitorError{Op: "watch", Path: absolute, Err: err}
		}
		w.paths.Add(absolute)
	}
	w.registry.SetWatchedPaths(w.paths.Len())
	return nil
}

func (w *Watcher) outputDir() string {
	if filepath.IsAbs(w.options.Dir) {
		return w.options.Dir
	}
	return filepath.Join(w.options.Cwd, w.options.Dir)
}

// Close stops the consumer loop, unregisters every watched path, emits
// close, and runs the plugin close hook. Later calls return the first
// result.
func (w *Watcher) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.closeErr = w.close(ctx)
	})
	return w.closeErr
}

func (w *Watcher) close(ctx context.Context) error {
	w.closing.Store(true)
	var errs []error
	if err := w.bridge.Send(bridge.Close()); err != nil {
		errs = append(errs, fmt.Errorf("post close: %w", err))
	}
	w.bridge.Close()

	w.monitorMu.Lock()
	for _, path := range w.paths.List() {
		if err := w.monitor.Unwatch(path); err != nil {
			errs = append(errs, &MonitorError{Op: "unwatch", Path: path, Err: err})
			continue
		}
		w.paths.Remove(path)
	}
	w.monitorMu.Unlock()
	w.registry.SetWatchedPaths(w.paths.Len())

	if err := w.emitter.Emit(ctx, Event{Code: CodeClose}); err != nil {
		errs = append(errs, err)
	}

	err := w.build.Do(ctx, func(_ BuildEngine, plugins PluginDriver) error {
		return plugins.CloseWatcher(ctx)
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("close watcher hook: %w", err))
	}

	if err := w.monitor.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close monitor: %w", err))
	}
	w.emitter.Close()

	select {
	case <-w.consumerDone:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	w.stopConsumer()
	return errors.Join(errs...)
}
