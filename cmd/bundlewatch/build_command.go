package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"bundlewatch/internal/app"
	"bundlewatch/internal/engine"
	"bundlewatch/internal/watch"
)

// runBuild runs the build command once and exits non-zero when it reports
// diagnostics. Nothing is watched.
func runBuild(args []string, deps commandDeps) int {
	parsed, err := parseWatchFlags("bundlewatch build", args, deps.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	settings, err := loadSettings(parsed, deps.LookupEnv)
	if err != nil {
		fmt.Fprintln(deps.Stderr, err)
		return 1
	}
	logger := newLogger(settings, deps)

	cwd, err := app.ResolveCwd(settings.Watch.Cwd)
	if err != nil {
		logger.Error("resolve working directory failed", map[string]string{
			"error": err.Error(),
		})
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalCh, stopNotify := deps.Signals()
	defer stopNotify()
	stopSignals := watchShutdownSignals(logger, cancel, signalCh)
	defer stopSignals()

	exec := engine.New(engine.Config{
		Command: settings.Build.Command,
		Cwd:     cwd,
		Inputs:  settings.Build.Inputs,
		PTY:     settings.Build.PTY,
		Output:  deps.Stderr,
		Logger:  logger,
	})
	printer := newPrinter(deps.Stdout, cwd)

	started := time.Now()
	_ = printer.Print(watch.Event{Code: watch.CodeBundleStart})
	output := exec.Build(ctx, settings.Watch.NoWrite)
	if len(output.Errors) > 0 {
		for _, diagnostic := range output.Errors {
			_ = printer.Print(watch.Event{Code: watch.CodeError, Message: diagnostic.Render(cwd)})
		}
		return 1
	}

	outputDir := settings.Watch.Dir
	if !filepath.IsAbs(outputDir) {
		outputDir = filepath.Join(cwd, outputDir)
	}
	_ = printer.Print(watch.Event{
		Code:     watch.CodeBundleEnd,
		Output:   outputDir,
		Duration: strconv.FormatInt(time.Since(started).Milliseconds(), 10),
	})
	logger.Debug("build inputs discovered", map[string]string{
		"count": strconv.Itoa(len(output.WatchFiles)),
	})
	return 0
}
