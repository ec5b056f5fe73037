// Package transport owns the raw socket to the event server.
//
// It frames and parses JSON messages and fans them out to registered
// handlers. It carries no business logic: retries, state, and protocol
// sequencing are the event server service's concern.
package transport

import (
	"context"
	"sync"

	"zmnotify/internal/wire"
)

// Transport is one long-lived bidirectional connection.
//
// A Transport is single-use: Open once, Close once. The service constructs a
// fresh Transport per connection attempt via a Dialer.
type Transport interface {
	Open(ctx context.Context, url string) error
	Send(v any) error

	// OnMessage registers a handler for decoded inbound frames. Malformed
	// payloads are logged and dropped before they ever reach handlers.
	OnMessage(fn func(*wire.ServerFrame)) (unsubscribe func())
	// OnClose fires once when the connection ends. err is nil when the close
	// was caller-initiated (Close()), non-nil for socket failures.
	OnClose(fn func(err error)) (unsubscribe func())

	Close() error
}

// Dialer constructs an unopened Transport.
type Dialer func() Transport

// handlerList is a small id-keyed callback registry with unsubscribe handles.
// Registered handlers are invoked without holding the registry lock.
type handlerList[T any] struct {
	mu   sync.Mutex
	seq  uint64
	subs map[uint64]func(T)
}

func (h *handlerList[T]) add(fn func(T)) func() {
	h.mu.Lock()
	if h.subs == nil {
		h.subs = map[uint64]func(T){}
	}
	h.seq++
	id := h.seq
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *handlerList[T]) emit(v T) {
	h.mu.Lock()
	fns := make([]func(T), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
