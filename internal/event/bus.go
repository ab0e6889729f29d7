package event

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"bundlewatch/internal/buffer"
	"bundlewatch/internal/logging"
	"bundlewatch/internal/metrics"

	otellog "go.opentelemetry.io/otel/log"
	logglobal "go.opentelemetry.io/otel/log/global"
)

const (
	defaultBufferSize    = 128
	defaultDropRate      = 0.01
	defaultDropWarnEvery = 30 * time.Second
	otelScopeName        = "bundlewatch/event"
)

type BusOptions struct {
	// Name labels metrics and log records. Defaults to "event_bus".
	Name string
	// BufferSize is the channel capacity of each subscriber.
	BufferSize int
	// HistorySize keeps the newest published values for History. Zero
	// disables history.
	HistorySize int
	// DropRate is the dropped/published ratio above which a warning is
	// logged, at most once per DropWarnEvery.
	DropRate      float64
	DropWarnEvery time.Duration
	Registry      *metrics.Registry
	Logger        *logging.Logger
	DisableOTel   bool
}

type subscriber[T any] struct {
	ch     chan T
	filter func(T) bool
}

// Bus fans values out to channel subscribers. Delivery never blocks the
// publisher: a subscriber whose channel is full misses the value and the drop
// is counted. Subscribers see values in publish order.
type Bus[T any] struct {
	mu          sync.Mutex
	subscribers map[uint64]*subscriber[T]
	nextID      uint64
	closed      bool
	history     *buffer.Ring[T]

	name       string
	options    BusOptions
	registry   *metrics.Registry
	logger     *logging.Logger
	otelLogger otellog.Logger

	published atomic.Int64
	dropped   atomic.Int64
	lastWarn  atomic.Int64
}

func NewBus[T any](options BusOptions) *Bus[T] {
	if options.BufferSize <= 0 {
		options.BufferSize = defaultBufferSize
	}
	if options.DropRate <= 0 {
		options.DropRate = defaultDropRate
	}
	if options.DropWarnEvery <= 0 {
		options.DropWarnEvery = defaultDropWarnEvery
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]*subscriber[T]),
		name:        options.Name,
		options:     options,
		registry:    options.Registry,
		logger:      options.Logger,
	}
	if bus.name == "" {
		bus.name = "event_bus"
	}
	if options.HistorySize > 0 {
		bus.history = buffer.NewRing[T](options.HistorySize)
	}
	if bus.registry == nil {
		bus.registry = metrics.Default
	}
	if bus.logger == nil {
		bus.logger = logging.Discard()
	}
	bus.logger = bus.logger.Component("event_bus")
	if !options.DisableOTel {
		bus.otelLogger = logglobal.GetLoggerProvider().Logger(otelScopeName)
	}
	return bus
}

// Subscribe returns a channel receiving every published value that filter
// accepts; a nil filter accepts everything. The cancel function closes the
// channel. Subscribing to a closed bus yields a closed channel.
func (b *Bus[T]) Subscribe(filter func(T) bool) (<-chan T, func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	sub := &subscriber[T]{ch: make(chan T, b.options.BufferSize), filter: filter}
	b.subscribers[id] = sub
	b.reportSubscribersLocked()
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

// Publish records value in the history and offers it to each subscriber.
// Publishing to a closed bus is a no-op.
func (b *Bus[T]) Publish(value T) {
	eventType := typeOf(value)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.history.Add(value)
	var missed int64
	for id, sub := range b.subscribers {
		if !b.accepts(id, sub, value) {
			continue
		}
		select {
		case sub.ch <- value:
		default:
			missed++
		}
	}
	b.mu.Unlock()

	b.published.Add(1)
	b.registry.IncEventPublished(b.name, eventType)
	for ; missed > 0; missed-- {
		b.dropped.Add(1)
		b.registry.IncEventDropped(b.name, eventType)
	}
	b.warnOnDropRate()
	b.emitOTelEvent(value, eventType)
}

// History returns up to limit of the newest values, oldest first. A limit of
// zero or less returns the whole history.
func (b *Bus[T]) History(limit int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 {
		return b.history.List()
	}
	return b.history.Tail(limit)
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
	b.reportSubscribersLocked()
}

func (b *Bus[T]) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Bus[T]) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[id]
	if !ok {
		return
	}
	delete(b.subscribers, id)
	close(sub.ch)
	b.reportSubscribersLocked()
}

// accepts runs the subscriber filter. A panicking filter removes its
// subscriber. Called with b.mu held.
func (b *Bus[T]) accepts(id uint64, sub *subscriber[T], value T) (ok bool) {
	if sub.filter == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			b.logger.Warn("subscriber filter panicked", map[string]string{
				"bus": b.name,
			})
			delete(b.subscribers, id)
			close(sub.ch)
			b.reportSubscribersLocked()
			ok = false
		}
	}()
	return sub.filter(value)
}

func (b *Bus[T]) reportSubscribersLocked() {
	var filtered, unfiltered int
	for _, sub := range b.subscribers {
		if sub.filter == nil {
			unfiltered++
		} else {
			filtered++
		}
	}
	b.registry.SetEventSubscriberCounts(b.name, filtered, unfiltered)
}

func (b *Bus[T]) warnOnDropRate() {
	dropped := b.dropped.Load()
	if dropped == 0 {
		return
	}
	published := b.published.Load()
	rate := float64(dropped) / float64(published)
	if rate < b.options.DropRate {
		return
	}
	now := time.Now().UnixNano()
	last := b.lastWarn.Load()
	if last != 0 && time.Duration(now-last) < b.options.DropWarnEvery {
		return
	}
	if !b.lastWarn.CompareAndSwap(last, now) {
		return
	}
	b.logger.Warn("subscribers are missing events", map[string]string{
		"bus":       b.name,
		"rate":      strconv.FormatFloat(rate*100, 'f', 2, 64),
		"dropped":   strconv.FormatInt(dropped, 10),
		"published": strconv.FormatInt(published, 10),
	})
}

func typeOf(value any) string {
	typed, ok := value.(Event)
	if !ok || typed.Type() == "" {
		return "unknown"
	}
	return typed.Type()
}
