package watch

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// BuildState is the build engine and plugin driver behind a single lock.
// Nothing may call Engine or Plugins without holding it.
type BuildState struct {
	sem     *semaphore.Weighted
	Engine  BuildEngine
	Plugins PluginDriver
}

func NewBuildState(engine BuildEngine, plugins PluginDriver) *BuildState {
	if plugins == nil {
		plugins = noopPlugins{}
	}
	return &BuildState{
		sem:     semaphore.NewWeighted(1),
		Engine:  engine,
		Plugins: plugins,
	}
}

// Lock waits for the build state or for ctx to end.
func (s *BuildState) Lock(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

func (s *BuildState) TryLock() bool {
	return s.sem.TryAcquire(1)
}

func (s *BuildState) Unlock() {
	s.sem.Release(1)
}

// Do runs fn with the build state locked.
func (s *BuildState) Do(ctx context.Context, fn func(BuildEngine, PluginDriver) error) error {
	if err := s.Lock(ctx); err != nil {
		return err
	}
	defer s.Unlock()
	return fn(s.Engine, s.Plugins)
}

type noopPlugins struct{}

func (noopPlugins) Clear() {}

func (noopPlugins) WatchChange(context.Context, string, ChangeKind) error {
	return nil
}

func (noopPlugins) CloseWatcher(context.Context) error {
	return nil
}
