// Package app assembles a watch pipeline from loaded settings.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"bundlewatch/internal/api"
	"bundlewatch/internal/config"
	"bundlewatch/internal/engine"
	"bundlewatch/internal/journal"
	"bundlewatch/internal/logging"
	"bundlewatch/internal/metrics"
	"bundlewatch/internal/monitor"
	"bundlewatch/internal/pattern"
	"bundlewatch/internal/plugin"
	"bundlewatch/internal/watch"
)

type BuildOptions struct {
	Settings config.Settings
	Logger   *logging.Logger
	Registry *metrics.Registry
	// Output receives the build command's stdout and stderr.
	Output  io.Writer
	Plugins []plugin.Plugin
	// Engine replaces the exec engine built from Settings.Build.
	Engine     watch.BuildEngine
	NewMonitor func(monitor.Options, func(monitor.RawEvent)) (monitor.Monitor, error)
}

type BuildResult struct {
	Cwd     string
	Watcher *watch.Watcher
	Driver  *plugin.Driver
	// Journal is nil unless journal.path is set.
	Journal *journal.Writer
	// API is nil unless server.listen is set.
	API *api.Server
}

type BuildError struct {
	Stage string
	Err   error
}

func (e BuildError) Error() string {
	if e.Err == nil {
		return e.Stage
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e BuildError) Unwrap() error {
	return e.Err
}

const (
	StageResolveCwd   = "resolve_cwd"
	StageCompileGlobs = "compile_globs"
	StageStartWatcher = "start_watcher"
	StageOpenJournal  = "open_journal"
)

func Build(options BuildOptions) (*BuildResult, error) {
	settings := options.Settings
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	cwd, err := ResolveCwd(settings.Watch.Cwd)
	if err != nil {
		return nil, BuildError{Stage: StageResolveCwd, Err: err}
	}

	filter, err := pattern.Compile(settings.Watch.Include, settings.Watch.Exclude)
	if err != nil {
		return nil, BuildError{Stage: StageCompileGlobs, Err: err}
	}

	buildEngine := options.Engine
	if buildEngine == nil {
		buildEngine = engine.New(engine.Config{
			Command: settings.Build.Command,
			Cwd:     cwd,
			Inputs:  settings.Build.Inputs,
			PTY:     settings.Build.PTY,
			Output:  options.Output,
			Logger:  logger,
		})
	}
	driver := plugin.NewDriver(options.Plugins...)

	watcher, err := watch.New(watch.Options{
		PollInterval:    settings.Watch.PollInterval,
		CompareContents: settings.Watch.CompareContents,
		Filter:          filter.Filter(),
		NoWrite:         settings.Watch.NoWrite,
		Cwd:             cwd,
		Dir:             settings.Watch.Dir,
		Logger:          logger,
		Registry:        options.Registry,
		NewMonitor:      options.NewMonitor,
	}, watch.NewBuildState(buildEngine, driver))
	if err != nil {
		return nil, BuildError{Stage: StageStartWatcher, Err: err}
	}

	result := &BuildResult{
		Cwd:     cwd,
		Watcher: watcher,
		Driver:  driver,
	}

	if path := strings.TrimSpace(settings.Journal.Path); path != "" {
		writer, err := journal.Create(path)
		if err != nil {
			_ = watcher.Close(context.Background())
			return nil, BuildError{Stage: StageOpenJournal, Err: err}
		}
		watcher.Emitter().On("", writer.Listener())
		result.Journal = writer
	}

	if strings.TrimSpace(settings.Server.Listen) != "" {
		result.API = api.NewServer(api.Options{
			Watcher:     watcher,
			Registry:    options.Registry,
			Logger:      logger,
			AuthToken:   settings.Server.Token,
			StreamRate:  float64(settings.Server.StreamRate),
			StreamBurst: int(settings.Server.StreamBurst),
		})
	}

	return result, nil
}

// Close closes the watcher, then the journal so it records the close event.
func (r *BuildResult) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.Watcher != nil {
		errs = append(errs, r.Watcher.Close(ctx))
	}
	if r.Journal != nil {
		errs = append(errs, r.Journal.Close())
	}
	return errors.Join(errs...)
}

// ResolveCwd returns raw as an absolute directory, defaulting to the process
// working directory.
func ResolveCwd(raw string) (string, error) {
	cwd := strings.TrimSpace(raw)
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		cwd = wd
	}
	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", abs)
	}
	return abs, nil
}
