// Package plugin dispatches watch hooks to an ordered list of plugins.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"bundlewatch/internal/watch"
)

// Plugin is any value with a name. It takes part in the hooks whose
// interfaces it implements.
type Plugin interface {
	Name() string
}

type WatchChanger interface {
	WatchChange(ctx context.Context, path string, kind watch.ChangeKind) error
}

type WatcherCloser interface {
	CloseWatcher(ctx context.Context) error
}

// Clearer drops per-build caches before each build.
type Clearer interface {
	Clear()
}

// Driver implements watch.PluginDriver.
type Driver struct {
	mu      sync.RWMutex
	plugins []Plugin
}

func NewDriver(plugins ...Plugin) *Driver {
	return &Driver{plugins: append([]Plugin(nil), plugins...)}
}

func (d *Driver) Register(plugin Plugin) {
	d.mu.Lock()
	d.plugins = append(d.plugins, plugin)
	d.mu.Unlock()
}

func (d *Driver) Plugins() []Plugin {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Plugin(nil), d.plugins...)
}

func (d *Driver) Clear() {
	for _, plugin := range d.Plugins() {
		if clearer, ok := plugin.(Clearer); ok {
			clearer.Clear()
		}
	}
}

// WatchChange calls every plugin even when one fails.
func (d *Driver) WatchChange(ctx context.Context, path string, kind watch.ChangeKind) error {
	var errs []error
	for _, plugin := range d.Plugins() {
		changer, ok := plugin.(WatchChanger)
		if !ok {
			continue
		}
		if err := changer.WatchChange(ctx, path, kind); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: watch change: %w", plugin.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Driver) CloseWatcher(ctx context.Context) error {
	var errs []error
	for _, plugin := range d.Plugins() {
		closer, ok := plugin.(WatcherCloser)
		if !ok {
			continue
		}
		if err := closer.CloseWatcher(ctx); err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: close watcher: %w", plugin.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Func builds a plugin from closures. Nil hooks are skipped.
type Func struct {
	ID       string
	OnChange func(ctx context.Context, path string, kind watch.ChangeKind) error
	OnClose  func(ctx context.Context) error
	OnClear  func()
}

func (f Func) Name() string {
	if f.ID == "" {
		return "anonymous"
	}
	return f.ID
}

func (f Func) WatchChange(ctx context.Context, path string, kind watch.ChangeKind) error {
	if f.OnChange == nil {
		return nil
	}
	return f.OnChange(ctx, path, kind)
}

func (f Func) CloseWatcher(ctx context.Context) error {
	if f.OnClose == nil {
		return nil
	}
	return f.OnClose(ctx)
}

func (f Func) Clear() {
	if f.OnClear != nil {
		f.OnClear()
	}
}
