// Package dispatch routes decoded messages to handlers keyed by type code.
package dispatch

import (
	"fmt"

	"github.com/1ureka/holepunch/internal/protocol"
)

// HandlerFunc handles one message on behalf of its owner (a session, a
// participant, a peer).
type HandlerFunc[O any] func(owner O, m protocol.Message)

// Dispatcher maps type codes to handlers. It is filled once at construction
// and read concurrently afterwards; Register is not safe to call while
// Dispatch runs.
type Dispatcher[O any] struct {
	handlers map[protocol.Type]HandlerFunc[O]
}

func New[O any]() *Dispatcher[O] {
	return &Dispatcher[O]{handlers: make(map[protocol.Type]HandlerFunc[O])}
}

// Register binds fn to code, replacing any earlier handler.
func (d *Dispatcher[O]) Register(code protocol.Type, fn HandlerFunc[O]) {
	d.handlers[code] = fn
}

// Handle registers a handler for the concrete message type M. A message
// with the right code but another concrete type is a programming error and
// panics.
func Handle[M protocol.Message, O any](d *Dispatcher[O], code protocol.Type, fn func(owner O, m M)) {
	d.Register(code, func(owner O, m protocol.Message) {
		typed, ok := m.(M)
		if !ok {
			panic(fmt.Sprintf("dispatch: handler for %s got %T", protocol.Name(code), m))
		}
		fn(owner, typed)
	})
}

// Dispatch invokes the handler for m's code and reports whether one existed.
// Messages without a handler are dropped.
func (d *Dispatcher[O]) Dispatch(owner O, m protocol.Message) bool {
	fn, ok := d.handlers[m.Type()]
	if !ok {
		return false
	}
	fn(owner, m)
	return true
}

func (d *Dispatcher[O]) Registered(code protocol.Type) bool {
	_, ok := d.handlers[code]
	return ok
}
