package event

import "time"

// Event represents a typed event with an occurrence timestamp.
type Event interface {
	Type() string
	Timestamp() time.Time
}

// Attributed events expose flat key/value attributes for telemetry. Keys are
// emitted verbatim, so callers namespace them (for example "file.path").
type Attributed interface {
	Attributes() map[string]string
}

// Described events provide a human readable body for log records.
type Described interface {
	Description() string
}
