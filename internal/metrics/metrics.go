package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Registry struct {
	buildsStarted       atomic.Int64
	buildsSucceeded     atomic.Int64
	buildsFailed        atomic.Int64
	buildDurationNanos  atomic.Int64
	invalidations       atomic.Int64
	invalidationsMerged atomic.Int64
	monitorErrors       atomic.Int64
	watchedPaths        atomic.Int64
	changes             sync.Map
	busEvents           sync.Map
	busSubscribers      sync.Map
}

type busEventStats struct {
	published atomic.Int64
	dropped   atomic.Int64
}

type busSubscriberStats struct {
	filtered   atomic.Int64
	unfiltered atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncBuildStarted() {
	if r == nil {
		return
	}
	r.buildsStarted.Add(1)
}

// RecordBuild counts a finished build cycle. A build with diagnostics is a
// failure even though the watcher keeps running.
func (r *Registry) RecordBuild(duration time.Duration, failed bool) {
	if r == nil {
		return
	}
	r.buildDurationNanos.Add(duration.Nanoseconds())
	if failed {
		r.buildsFailed.Add(1)
		return
	}
	r.buildsSucceeded.Add(1)
}

func (r *Registry) IncInvalidation(merged bool) {
	if r == nil {
		return
	}
	r.invalidations.Add(1)
	if merged {
		r.invalidationsMerged.Add(1)
	}
}

func (r *Registry) IncChange(kind string) {
	if r == nil {
		return
	}
	if strings.TrimSpace(kind) == "" {
		kind = "unknown"
	}
	value, _ := r.changes.LoadOrStore(kind, &atomic.Int64{})
	value.(*atomic.Int64).Add(1)
}

func (r *Registry) IncMonitorError() {
	if r == nil {
		return
	}
	r.monitorErrors.Add(1)
}

func (r *Registry) SetWatchedPaths(count int) {
	if r == nil {
		return
	}
	r.watchedPaths.Store(int64(count))
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	r.busEventStats(bus, eventType).published.Add(1)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	r.busEventStats(bus, eventType).dropped.Add(1)
}

func (r *Registry) SetEventSubscriberCounts(bus string, filtered, unfiltered int) {
	if r == nil {
		return
	}
	value, _ := r.busSubscribers.LoadOrStore(bus, &busSubscriberStats{})
	stats := value.(*busSubscriberStats)
	stats.filtered.Store(int64(filtered))
	stats.unfiltered.Store(int64(unfiltered))
}

// Snapshot is a point-in-time copy of the build counters.
type Snapshot struct {
	BuildsStarted       int64            `json:"builds_started"`
	BuildsSucceeded     int64            `json:"builds_succeeded"`
	BuildsFailed        int64            `json:"builds_failed"`
	Invalidations       int64            `json:"invalidations"`
	InvalidationsMerged int64            `json:"invalidations_merged"`
	MonitorErrors       int64            `json:"monitor_errors"`
	WatchedPaths        int64            `json:"watched_paths"`
	Changes             map[string]int64 `json:"changes,omitempty"`
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	snapshot := Snapshot{
		BuildsStarted:       r.buildsStarted.Load(),
		BuildsSucceeded:     r.buildsSucceeded.Load(),
		BuildsFailed:        r.buildsFailed.Load(),
		Invalidations:       r.invalidations.Load(),
		InvalidationsMerged: r.invalidationsMerged.Load(),
		MonitorErrors:       r.monitorErrors.Load(),
		WatchedPaths:        r.watchedPaths.Load(),
	}
	r.changes.Range(func(key, value any) bool {
		if snapshot.Changes == nil {
			snapshot.Changes = make(map[string]int64)
		}
		snapshot.Changes[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return snapshot
}

// EventCounts reports published and dropped totals for one bus and event type.
func (r *Registry) EventCounts(bus, eventType string) (published, dropped int64) {
	if r == nil {
		return 0, 0
	}
	value, ok := r.busEvents.Load(busKey(bus, eventType))
	if !ok {
		return 0, 0
	}
	stats := value.(*busEventStats)
	return stats.published.Load(), stats.dropped.Load()
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "bundlewatch_builds_started_total", "Total build cycles started", r.buildsStarted.Load())
	writeCounter(writer, "bundlewatch_builds_succeeded_total", "Build cycles without diagnostics", r.buildsSucceeded.Load())
	writeCounter(writer, "bundlewatch_builds_failed_total", "Build cycles that reported diagnostics", r.buildsFailed.Load())
	writeHelp(writer, "bundlewatch_build_duration_seconds_sum", "Total time spent building")
	fmt.Fprintln(writer, "# TYPE bundlewatch_build_duration_seconds_sum counter")
	fmt.Fprintf(writer, "bundlewatch_build_duration_seconds_sum %.6f\n", float64(r.buildDurationNanos.Load())/float64(time.Second))
	writeCounter(writer, "bundlewatch_invalidations_total", "Rebuild requests", r.invalidations.Load())
	writeCounter(writer, "bundlewatch_invalidations_merged_total", "Rebuild requests merged into a pending rebuild", r.invalidationsMerged.Load())
	writeCounter(writer, "bundlewatch_monitor_errors_total", "Filesystem monitor errors", r.monitorErrors.Load())
	writeHelp(writer, "bundlewatch_watched_paths", "Paths registered with the filesystem monitor")
	fmt.Fprintln(writer, "# TYPE bundlewatch_watched_paths gauge")
	fmt.Fprintf(writer, "bundlewatch_watched_paths %d\n", r.watchedPaths.Load())

	writeHelp(writer, "bundlewatch_changes_total", "Classified filesystem changes")
	fmt.Fprintln(writer, "# TYPE bundlewatch_changes_total counter")
	for _, kind := range sortedKeys(&r.changes) {
		value, _ := r.changes.Load(kind)
		fmt.Fprintf(writer, "bundlewatch_changes_total{kind=%s} %d\n", formatLabel(kind), value.(*atomic.Int64).Load())
	}

	writeHelp(writer, "bundlewatch_events_published_total", "Events published per bus")
	fmt.Fprintln(writer, "# TYPE bundlewatch_events_published_total counter")
	writeHelp(writer, "bundlewatch_events_dropped_total", "Events dropped per bus")
	fmt.Fprintln(writer, "# TYPE bundlewatch_events_dropped_total counter")
	for _, key := range sortedKeys(&r.busEvents) {
		value, _ := r.busEvents.Load(key)
		stats := value.(*busEventStats)
		bus, eventType, _ := strings.Cut(key, "\x00")
		labels := fmt.Sprintf("bus=%s,type=%s", formatLabel(bus), formatLabel(eventType))
		fmt.Fprintf(writer, "bundlewatch_events_published_total{%s} %d\n", labels, stats.published.Load())
		fmt.Fprintf(writer, "bundlewatch_events_dropped_total{%s} %d\n", labels, stats.dropped.Load())
	}

	writeHelp(writer, "bundlewatch_event_subscribers", "Current subscribers per bus")
	fmt.Fprintln(writer, "# TYPE bundlewatch_event_subscribers gauge")
	for _, bus := range sortedKeys(&r.busSubscribers) {
		value, _ := r.busSubscribers.Load(bus)
		stats := value.(*busSubscriberStats)
		fmt.Fprintf(writer, "bundlewatch_event_subscribers{bus=%s,filtered=\"true\"} %d\n", formatLabel(bus), stats.filtered.Load())
		fmt.Fprintf(writer, "bundlewatch_event_subscribers{bus=%s,filtered=\"false\"} %d\n", formatLabel(bus), stats.unfiltered.Load())
	}
	return nil
}

func (r *Registry) busEventStats(bus, eventType string) *busEventStats {
	value, _ := r.busEvents.LoadOrStore(busKey(bus, eventType), &busEventStats{})
	return value.(*busEventStats)
}

func busKey(bus, eventType string) string {
	return bus + "\x00" + eventType
}

func sortedKeys(values *sync.Map) []string {
	var keys []string
	values.Range(func(key, _ any) bool {
		if name, ok := key.(string); ok {
			keys = append(keys, name)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
