package monitor

import (
	"errors"
	"time"

	"bundlewatch/internal/logging"
)

// Op is the raw kind of a filesystem change, before classification.
type Op uint8

const (
	OpUnknown Op = iota
	Create
	ModifyData
	ModifyAny
	ModifyMetadata
	ModifyName
	Remove
	Access
)

func (op Op) String() string {
	switch op {
	case Create:
		return "create"
	case ModifyData:
		return "modify_data"
	case ModifyAny:
		return "modify_any"
	case ModifyMetadata:
		return "modify_metadata"
	case ModifyName:
		return "modify_name"
	case Remove:
		return "remove"
	case Access:
		return "access"
	default:
		return "unknown"
	}
}

// RawEvent carries either a change (Op and Paths) or a backend error.
type RawEvent struct {
	Op        Op
	Paths     []string
	Err       error
	Timestamp time.Time
}

// Options controls backend selection and behavior.
type Options struct {
	// PollInterval selects the polling backend when positive.
	PollInterval time.Duration
	// CompareContents makes the polling backend hash file contents.
	CompareContents bool
	Logger          *logging.Logger
}

// Monitor registers paths for change notification.
type Monitor interface {
	Watch(path string, recursive bool) error
	Unwatch(path string) error
	Close() error
}

var (
	ErrNotWatched = errors.New("path not watched")
	ErrClosed     = errors.New("monitor closed")
)

// New selects a backend from options. The callback is invoked from a
// goroutine owned by the monitor and must not block for long.
func New(options Options, callback func(RawEvent)) (Monitor, error) {
	if callback == nil {
		callback = func(RawEvent) {}
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.Component("monitor")
	if options.PollInterval > 0 {
		return newPoller(options.PollInterval, options.CompareContents, logger, callback), nil
	}
	return newNative(logger, callback)
}
