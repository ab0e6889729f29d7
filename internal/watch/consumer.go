package watch

import (
	"context"
	"errors"

	"bundlewatch/internal/bridge"
	"bundlewatch/internal/monitor"
)

// forward runs on the monitor goroutine. It only hands events to the bridge.
func (w *Watcher) forward(event monitor.RawEvent) {
	if err := w.bridge.Send(bridge.Raw(event)); err != nil {
		w.logger.Debug("monitor event dropped", map[string]string{
			"error": err.Error(),
		})
	}
}

// classify maps a raw monitor kind to a change kind. Kinds that do not
// affect build inputs report false.
func classify(op monitor.Op) (ChangeKind, bool) {
	switch op {
	case monitor.Create:
		return ChangeCreate, true
	case monitor.ModifyData, monitor.ModifyAny:
		return ChangeUpdate, true
	case monitor.Remove:
		return ChangeDelete, true
	default:
		return "", false
	}
}

// consume is the only reader of the bridge. It exits on a close message or
// when the bridge fails.
func (w *Watcher) consume(ctx context.Context) {
	defer close(w.consumerDone)
	for {
		message, err := w.bridge.Recv(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				w.logger.Error("watcher receiver error", map[string]string{
					"error": err.Error(),
				})
			}
			return
		}
		if message.Kind == bridge.KindClose {
			return
		}
		w.handleRaw(ctx, message.Event)
	}
}

// handleRaw drops events still queued once Close has started.
func (w *Watcher) handleRaw(ctx context.Context, event monitor.RawEvent) {
	if w.closing.Load() {
		return
	}
	if event.Err != nil {
		w.registry.IncMonitorError()
		w.logger.Warn("monitor error", map[string]string{
			"error": event.Err.Error(),
		})
		return
	}
	kind, ok := classify(event.Op)
	if !ok {
		return
	}
	for _, path := range event.Paths {
		w.onChange(ctx, path, kind)
		if kind != ChangeUpdate {
			continue
		}
		if err := w.Invalidate(ctx); err != nil && !errors.Is(err, ErrWatcherClosed) {
			w.logger.Warn("rebuild failed", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
		}
	}
}

// onChange emits the change and passes it to the plugin driver. Neither
// failure is returned.
func (w *Watcher) onChange(ctx context.Context, path string, kind ChangeKind) {
	w.registry.IncChange(string(kind))
	if err := w.emitter.Emit(ctx, Event{Code: CodeChange, Path: path, ChangeKind: kind}); err != nil {
		w.logger.Warn("emit change failed", map[string]string{
			"path":  path,
			"error": err.Error(),
		})
	}
	err := w.build.Do(ctx, func(_ BuildEngine, plugins PluginDriver) error {
		return plugins.WatchChange(ctx, path, kind)
	})
	if err != nil {
		w.logger.Warn("watch change hook failed", map[string]string{
			"path":  path,
			"kind":  string(kind),
			"error": err.Error(),
		})
	}
}
