package otel

import (
	"context"

	"bundlewatch/internal/metrics"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	MetricBuildsStarted       = "bundlewatch.builds.started"
	MetricBuildsSucceeded     = "bundlewatch.builds.succeeded"
	MetricBuildsFailed        = "bundlewatch.builds.failed"
	MetricInvalidations       = "bundlewatch.invalidations"
	MetricInvalidationsMerged = "bundlewatch.invalidations.merged"
	MetricMonitorErrors       = "bundlewatch.monitor.errors"
	MetricChanges             = "bundlewatch.changes"
	MetricWatchedPaths        = "bundlewatch.watched_paths"
)

// ObserveRegistry exports the registry counters through meter. Values are
// read from a snapshot on every collection.
func ObserveRegistry(meter metric.Meter, registry *metrics.Registry) (metric.Registration, error) {
	counter := func(name, description string) (metric.Int64ObservableCounter, error) {
		return meter.Int64ObservableCounter(name, metric.WithDescription(description))
	}

	started, err := counter(MetricBuildsStarted, "Build cycles started")
	if err != nil {
		return nil, err
	}
	succeeded, err := counter(MetricBuildsSucceeded, "Build cycles without diagnostics")
	if err != nil {
		return nil, err
	}
	failed, err := counter(MetricBuildsFailed, "Build cycles with diagnostics")
	if err != nil {
		return nil, err
	}
	invalidations, err := counter(MetricInvalidations, "Rebuild requests")
	if err != nil {
		return nil, err
	}
	merged, err := counter(MetricInvalidationsMerged, "Rebuild requests folded into a pending rebuild")
	if err != nil {
		return nil, err
	}
	monitorErrors, err := counter(MetricMonitorErrors, "Filesystem monitor failures")
	if err != nil {
		return nil, err
	}
	changes, err := counter(MetricChanges, "Classified filesystem changes")
	if err != nil {
		return nil, err
	}
	watched, err := meter.Int64ObservableGauge(MetricWatchedPaths, metric.WithDescription("Paths registered with the monitor"))
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := registry.Snapshot()
		observer.ObserveInt64(started, snapshot.BuildsStarted)
		observer.ObserveInt64(succeeded, snapshot.BuildsSucceeded)
		observer.ObserveInt64(failed, snapshot.BuildsFailed)
		observer.ObserveInt64(invalidations, snapshot.Invalidations)
		observer.ObserveInt64(merged, snapshot.InvalidationsMerged)
		observer.ObserveInt64(monitorErrors, snapshot.MonitorErrors)
		observer.ObserveInt64(watched, snapshot.WatchedPaths)
		for kind, count := range snapshot.Changes {
			observer.ObserveInt64(changes, count, metric.WithAttributes(attribute.String("change.kind", kind)))
		}
		return nil
	}, started, succeeded, failed, invalidations, merged, monitorErrors, changes, watched)
}
