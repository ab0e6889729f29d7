package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestRegistryWritesBuildCounters(t *testing.T) {
	registry := &Registry{}
	registry.IncBuildStarted()
	registry.IncBuildStarted()
	registry.RecordBuild(1500*time.Millisecond, false)
	registry.RecordBuild(500*time.Millisecond, true)
	registry.IncInvalidation(false)
	registry.IncInvalidation(true)
	registry.IncChange("update")
	registry.SetWatchedPaths(3)

	var output bytes.Buffer
	if err := registry.WritePrometheus(&output); err != nil {
		t.Fatalf("write prometheus: %v", err)
	}
	text := output.String()
	for _, expected := range []string{
		"bundlewatch_builds_started_total 2",
		"bundlewatch_builds_succeeded_total 1",
		"bundlewatch_builds_failed_total 1",
		"bundlewatch_build_duration_seconds_sum 2.000000",
		"bundlewatch_invalidations_merged_total 1",
		`bundlewatch_changes_total{kind="update"} 1`,
		"bundlewatch_watched_paths 3",
	} {
		if !strings.Contains(text, expected) {
			t.Fatalf("expected %q in output:\n%s", expected, text)
		}
	}
}

func TestRegistryTracksBusEvents(t *testing.T) {
	registry := &Registry{}
	registry.IncEventPublished("lifecycle", "end")
	registry.IncEventPublished("lifecycle", "end")
	registry.IncEventDropped("lifecycle", "end")
	registry.SetEventSubscriberCounts("lifecycle", 1, 2)

	published, dropped := registry.EventCounts("lifecycle", "end")
	if published != 2 || dropped != 1 {
		t.Fatalf("expected 2/1, got %d/%d", published, dropped)
	}

	var output bytes.Buffer
	_ = registry.WritePrometheus(&output)
	if !strings.Contains(output.String(), `bundlewatch_event_subscribers{bus="lifecycle",filtered="false"} 2`) {
		t.Fatalf("missing subscriber gauge:\n%s", output.String())
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var registry *Registry
	registry.IncBuildStarted()
	registry.RecordBuild(time.Second, true)
	registry.IncEventDropped("bus", "type")
	if snapshot := registry.Snapshot(); snapshot.BuildsStarted != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snapshot)
	}
}
