package watch

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"bundlewatch/internal/logging"
	"bundlewatch/internal/metrics"
	"bundlewatch/internal/monitor"
)

// Code names a lifecycle event.
type Code string

const (
	CodeRestart     Code = "restart"
	CodeStart       Code = "start"
	CodeBundleStart Code = "bundle_start"
	CodeBundleEnd   Code = "bundle_end"
	CodeError       Code = "error"
	CodeChange      Code = "change"
	CodeClose       Code = "close"
	CodeEnd         Code = "end"
)

// ChangeKind is the classified kind of a filesystem change.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// Change is a classified filesystem change.
type Change struct {
	Path string
	Kind ChangeKind
}

// Event is a lifecycle event. Only the fields relevant to Code are set:
// Path and ChangeKind for change, Output and Duration for bundle_end, Message
// for error.
type Event struct {
	Code       Code       `json:"code"`
	Path       string     `json:"path,omitempty"`
	ChangeKind ChangeKind `json:"kind,omitempty"`
	Output     string     `json:"output,omitempty"`
	Duration   string     `json:"duration,omitempty"`
	Message    string     `json:"message,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

func (e Event) Type() string {
	return string(e.Code)
}

func (e Event) Timestamp() time.Time {
	return e.OccurredAt
}

func (e Event) Attributes() map[string]string {
	attributes := map[string]string{}
	if e.Path != "" {
		attributes["file.path"] = e.Path
	}
	if e.ChangeKind != "" {
		attributes["change.kind"] = string(e.ChangeKind)
	}
	if e.Output != "" {
		attributes["build.output"] = e.Output
	}
	if e.Duration != "" {
		attributes["build.duration_ms"] = e.Duration
	}
	return attributes
}

func (e Event) Description() string {
	switch e.Code {
	case CodeChange:
		return string(e.ChangeKind) + " " + e.Path
	case CodeBundleEnd:
		return "bundled " + e.Output + " in " + e.Duration + "ms"
	case CodeError:
		return e.Message
	default:
		return string(e.Code)
	}
}

// Diagnostic is a build error reported by a BuildEngine.
type Diagnostic struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

func (d Diagnostic) Error() string {
	return d.Render("")
}

// Render formats the diagnostic with its path shown relative to cwd.
func (d Diagnostic) Render(cwd string) string {
	builder := strings.Builder{}
	if d.Code != "" {
		builder.WriteString("[")
		builder.WriteString(d.Code)
		builder.WriteString("] ")
	}
	if d.Path != "" {
		path := d.Path
		if cwd != "" && filepath.IsAbs(path) {
			if rel, err := filepath.Rel(cwd, path); err == nil && !strings.HasPrefix(rel, "..") {
				path = rel
			}
		}
		builder.WriteString(filepath.ToSlash(path))
		builder.WriteString(": ")
	}
	builder.WriteString(d.Message)
	return builder.String()
}

// BuildOutput is the result of one build.
type BuildOutput struct {
	WatchFiles []string
	Errors     []Diagnostic
}

// BuildEngine performs builds. Failures are reported through
// BuildOutput.Errors, never as a Go error.
type BuildEngine interface {
	Build(ctx context.Context, noWrite bool) BuildOutput
}

// PluginDriver receives watch hooks. It is only called while the build
// state is locked.
type PluginDriver interface {
	Clear()
	WatchChange(ctx context.Context, path string, kind ChangeKind) error
	CloseWatcher(ctx context.Context) error
}

// Options configure a Watcher. They are read once by New.
type Options struct {
	PollInterval    time.Duration
	CompareContents bool
	// Filter decides which build inputs are watched. It receives the absolute
	// path and the path relative to Cwd. Nil watches everything.
	Filter  func(absolute, relative string) bool
	NoWrite bool
	Cwd     string
	// Dir is the output directory, relative to Cwd unless absolute.
	Dir      string
	Logger   *logging.Logger
	Registry *metrics.Registry
	// NewMonitor overrides backend construction.
	NewMonitor func(monitor.Options, func(monitor.RawEvent)) (monitor.Monitor, error)
}
