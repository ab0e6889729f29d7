// Package bridge carries raw filesystem events from the monitor goroutine to
// the single consumer loop of a watcher.
package bridge

import (
	"context"
	"errors"
	"sync"

	"bundlewatch/internal/buffer"
	"bundlewatch/internal/monitor"
)

var ErrClosed = errors.New("bridge closed")

type Kind uint8

const (
	KindRaw Kind = iota
	KindClose
)

func (k Kind) String() string {
	if k == KindClose {
		return "close"
	}
	return "raw"
}

// Message is either a raw monitor event or a request to stop consuming.
type Message struct {
	Kind  Kind
	Event monitor.RawEvent
}

func Raw(event monitor.RawEvent) Message {
	return Message{Kind: KindRaw, Event: event}
}

func Close() Message {
	return Message{Kind: KindClose}
}

// Bridge is an unbounded FIFO channel. Send never blocks, so the monitor
// goroutine is never stalled by a slow build.
type Bridge struct {
	mutex  sync.Mutex
	queue  *buffer.Queue[Message]
	notify chan struct{}
	closed bool
}

func New() *Bridge {
	return &Bridge{
		queue:  buffer.NewQueue[Message](0),
		notify: make(chan struct{}, 1),
	}
}

func (b *Bridge) Send(message Message) error {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return ErrClosed
	}
	b.queue.Push(message)
	b.mutex.Unlock()
	b.signal()
	return nil
}

// Recv returns the oldest message. Messages queued before Close are still
// delivered; after that Recv returns ErrClosed.
func (b *Bridge) Recv(ctx context.Context) (Message, error) {
	for {
		b.mutex.Lock()
		message, ok := b.queue.Pop()
		closed := b.closed
		b.mutex.Unlock()
		if ok {
			return message, nil
		}
		if closed {
			return Message{}, ErrClosed
		}
		select {
		case <-b.notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

func (b *Bridge) Len() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.queue.Len()
}

// Close rejects later sends and wakes a blocked receiver.
func (b *Bridge) Close() {
	b.mutex.Lock()
	if b.closed {
		b.mutex.Unlock()
		return
	}
	b.closed = true
	b.mutex.Unlock()
	b.signal()
}

func (b *Bridge) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
