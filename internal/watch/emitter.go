package watch

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"bundlewatch/internal/event"
	"bundlewatch/internal/logging"
	"bundlewatch/internal/metrics"

	otellog "go.opentelemetry.io/otel/log"
)

const defaultHistorySize = 256

func init() {
	event.SetSeverity(string(CodeError), otellog.SeverityError)
	event.SetSeverity(string(CodeChange), otellog.SeverityDebug)
}

// Listener handles one lifecycle event synchronously.
type Listener func(ctx context.Context, ev Event) error

type listenerEntry struct {
	id       string
	code     Code
	listener Listener
}

// EmitterOptions configure an Emitter.
type EmitterOptions struct {
	HistorySize int
	Logger      *logging.Logger
	Registry    *metrics.Registry
}

// Emitter broadcasts lifecycle events. Listeners registered with On are
// called in registration order before channel subscribers are fed.
type Emitter struct {
	mutex     sync.RWMutex
	listeners []listenerEntry
	nextID    atomic.Uint64
	closed    atomic.Bool
	bus       *event.Bus[Event]
	logger    *logging.Logger
}

func NewEmitter(options EmitterOptions) *Emitter {
	if options.HistorySize <= 0 {
		options.HistorySize = defaultHistorySize
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Emitter{
		bus: event.NewBus[Event](event.BusOptions{
			Name:        "watch",
			HistorySize: options.HistorySize,
			Registry:    options.Registry,
			Logger:      logger,
		}),
		logger: logger.Component("emitter"),
	}
}

// On registers listener for code. An empty code matches every event. The
// returned id removes the listener through Off.
func (e *Emitter) On(code Code, listener Listener) string {
	id := "listener-" + strconv.FormatUint(e.nextID.Add(1), 10)
	e.mutex.Lock()
	e.listeners = append(e.listeners, listenerEntry{id: id, code: code, listener: listener})
	e.mutex.Unlock()
	return id
}

func (e *Emitter) Off(id string) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	for index, entry := range e.listeners {
		if entry.id == id {
			e.listeners = append(e.listeners[:index:index], e.listeners[index+1:]...)
			return true
		}
	}
	return false
}

func (e *Emitter) Subscribe() (<-chan Event, func()) {
	return e.bus.Subscribe(nil)
}

func (e *Emitter) SubscribeFiltered(filter func(Event) bool) (<-chan Event, func()) {
	return e.bus.Subscribe(filter)
}

// Emit delivers ev to every listener, then to channel subscribers. A failing
// listener does not stop delivery; the first failure is returned.
func (e *Emitter) Emit(ctx context.Context, ev Event) error {
	if e.closed.Load() {
		return ErrEmitterClosed
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	e.mutex.RLock()
	listeners := make([]listenerEntry, 0, len(e.listeners))
	for _, entry := range e.listeners {
		if entry.code == "" || entry.code == ev.Code {
			listeners = append(listeners, entry)
		}
	}
	e.mutex.RUnlock()

	var first error
	for _, entry := range listeners {
		if err := e.call(ctx, entry, ev); err != nil {
			e.logger.Warn("listener failed", map[string]string{
				"listener": entry.id,
				"event":    string(ev.Code),
				"error":    err.Error(),
			})
			if first == nil {
				first = err
			}
		}
	}
	e.bus.Publish(ev)
	return first
}

func (e *Emitter) call(ctx context.Context, entry listenerEntry, ev Event) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("listener %s panicked: %v", entry.id, recovered)
		}
	}()
	return entry.listener(ctx, ev)
}

// History returns recently emitted events, oldest first.
func (e *Emitter) History() []Event {
	return e.bus.History(0)
}

// Close rejects later emits and closes subscriber channels.
func (e *Emitter) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.bus.Close()
}

func (e *Emitter) Closed() bool {
	return e.closed.Load()
}
