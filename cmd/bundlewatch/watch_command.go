package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"time"

	"bundlewatch/internal/app"
	"bundlewatch/internal/config"
	"bundlewatch/internal/logging"
	"bundlewatch/internal/metrics"
	"bundlewatch/internal/otel"
	"bundlewatch/internal/version"
	"bundlewatch/internal/watch"

	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

func runWatch(args []string, deps commandDeps) int {
	parsed, err := parseWatchFlags("bundlewatch", args, deps.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if parsed.ShowVersion {
		fmt.Fprintln(deps.Stdout, version.Get().String())
		return 0
	}
	settings, err := loadSettings(parsed, deps.LookupEnv)
	if err != nil {
		fmt.Fprintln(deps.Stderr, err)
		return 1
	}

	logger := newLogger(settings, deps)
	logVersionInfo(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTelemetry := setupTelemetry(ctx, settings, logger)

	result, err := app.Build(app.BuildOptions{
		Settings: settings,
		Logger:   logger,
		Registry: metrics.Default,
		Output:   deps.Stderr,
	})
	if err != nil {
		logger.Error("watcher setup failed", map[string]string{
			"error": err.Error(),
		})
		_ = shutdownTelemetry(context.Background())
		return 1
	}
	printer := newPrinter(deps.Stdout, result.Cwd)
	result.Watcher.Emitter().On("", printer.Listener())

	coordinator := newShutdownCoordinator(logger)
	group, groupCtx := errgroup.WithContext(ctx)

	if result.API != nil {
		listener, err := net.Listen("tcp", settings.Server.Listen)
		if err != nil {
			logger.Error("event api listen failed", map[string]string{
				"addr":  settings.Server.Listen,
				"error": err.Error(),
			})
			_ = result.Close(context.Background())
			_ = shutdownTelemetry(context.Background())
			return 1
		}
		server := &http.Server{
			Handler:           result.API.Handler(),
			ReadHeaderTimeout: readHeaderTimeout,
		}
		logger.Info("event api listening", map[string]string{
			"addr": listener.Addr().String(),
		})
		group.Go(func() error {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("event api: %w", err)
			}
			return nil
		})
		coordinator.Add("http", server.Shutdown)
		coordinator.Add("api", result.API.Shutdown)
	}
	coordinator.Add("watcher", result.Close)
	coordinator.Add("telemetry", shutdownTelemetry)

	group.Go(func() error {
		return initialBuild(groupCtx, result.Watcher, logger)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		return coordinator.Run(shutdownCtx)
	})

	signalCh, stopNotify := deps.Signals()
	defer stopNotify()
	stopSignals := watchShutdownSignals(logger, cancel, signalCh)
	defer stopSignals()

	if err := group.Wait(); err != nil {
		logger.Error("bundlewatch stopped", map[string]string{
			"error": err.Error(),
		})
		return 1
	}
	return 0
}

// initialBuild runs the first build cycle. A monitor failure stops the
// process; other errors come from listeners and are only logged.
func initialBuild(ctx context.Context, watcher *watch.Watcher, logger *logging.Logger) error {
	err := watcher.Run(ctx)
	if err == nil {
		return nil
	}
	var monitorErr *watch.MonitorError
	if errors.As(err, &monitorErr) {
		return err
	}
	logger.Warn("initial build listener failed", map[string]string{
		"error": err.Error(),
	})
	return nil
}

func newLogger(settings config.Settings, deps commandDeps) *logging.Logger {
	return logging.NewLoggerWithOutput(logging.NewLogBuffer(logging.DefaultBufferSize), settings.LogLevel(), deps.Stderr)
}

func logVersionInfo(logger *logging.Logger) {
	info := version.Get()
	fields := map[string]string{
		"version": info.Version,
	}
	if info.GitCommit != "" {
		fields["commit"] = info.GitCommit
	}
	if info.Built != "" {
		fields["built"] = info.Built
	}
	logger.Debug("bundlewatch starting", fields)
}

// setupTelemetry never fails the command: without an exporter the process
// keeps running untraced.
func setupTelemetry(ctx context.Context, settings config.Settings, logger *logging.Logger) func(context.Context) error {
	options := otel.SDKOptionsFromEnv()
	options.Enabled = options.Enabled || settings.Telemetry.Enabled
	options.ServiceVersion = version.Get().Version
	options.Logger = logger
	options.Registry = metrics.Default
	shutdown, err := otel.SetupSDK(ctx, options)
	if err != nil {
		logger.Warn("telemetry unavailable", map[string]string{
			"error": err.Error(),
		})
		return func(context.Context) error { return nil }
	}
	return shutdown
}
