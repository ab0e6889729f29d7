package watch

import (
	"errors"
	"fmt"
)

var (
	ErrBuildStateBusy = errors.New("build state already locked")
	ErrEmitterClosed  = errors.New("emitter closed")
	ErrWatcherClosed  = errors.New("watcher closed")
)

// MonitorError reports a failed registration change on the filesystem
// monitor.
type MonitorError struct {
	Op   string
	Path string
	Err  error
}

func (e *MonitorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *MonitorError) Unwrap() error {
	return e.Err
}
