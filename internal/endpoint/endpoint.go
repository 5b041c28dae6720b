// Package endpoint connects the session owner to at most one attached
// observer. It buffers the latest identity, status, name and battery
// values and replays them to each newly attached observer.
package endpoint

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/chaz8081/watchlink/internal/protocol"
)

// ErrUnavailable is returned by Send when no session owner is bound.
var ErrUnavailable = errors.New("endpoint: session unavailable")

// Observer receives outbound session messages. Deliver is called with the
// endpoint lock held: it must not block and must not call Send.
type Observer interface {
	Deliver(protocol.Message)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(protocol.Message)

func (f ObserverFunc) Deliver(m protocol.Message) { f(m) }

// Handler applies an inbound command; the session machine implements it.
type Handler interface {
	Handle(protocol.Message) error
}

// attachment identifies one Attach call.
type attachment struct {
	observer Observer
}

// Endpoint is safe for concurrent use.
type Endpoint struct {
	mu       sync.Mutex
	current  *attachment
	selected *protocol.Message
	status   *protocol.Message
	name     *protocol.Message
	battery  *protocol.Message

	handlerMu sync.RWMutex
	handler   Handler
}

// New returns an endpoint with nothing bound or attached.
func New() *Endpoint {
	return &Endpoint{}
}

// Bind makes h the target of Send.
func (e *Endpoint) Bind(h Handler) {
	e.handlerMu.Lock()
	e.handler = h
	e.handlerMu.Unlock()
}

// Unbind removes the handler; Send fails with ErrUnavailable afterwards.
func (e *Endpoint) Unbind() {
	e.Bind(nil)
}

// Send forwards m to the bound handler and returns its result.
func (e *Endpoint) Send(m protocol.Message) error {
	e.handlerMu.RLock()
	h := e.handler
	e.handlerMu.RUnlock()
	if h == nil {
		return ErrUnavailable
	}
	return h.Handle(m)
}

// Attach replaces any attached observer with o and replays the buffered
// values to it. The returned func detaches o if it is still attached.
func (e *Endpoint) Attach(o Observer) (detach func()) {
	a := &attachment{observer: o}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil {
		slog.Debug("[Endpoint] observer replaced")
	}
	e.current = a
	for _, m := range []*protocol.Message{e.selected, e.status, e.name, e.battery} {
		if m != nil {
			o.Deliver(*m)
		}
	}

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.current == a {
			e.current = nil
		}
	}
}

// Detach removes the attached observer, if any.
func (e *Endpoint) Detach() {
	e.mu.Lock()
	e.current = nil
	e.mu.Unlock()
}

// Attached reports whether an observer is attached.
func (e *Endpoint) Attached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// Publish buffers m if it is a replayed kind and delivers it to the
// attached observer.
func (e *Endpoint) Publish(m protocol.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch m.Kind {
	case protocol.KindDeviceSelected:
		e.selected = &m
	case protocol.KindStatusChanged:
		e.status = &m
	case protocol.KindLocalNameChanged:
		e.name = &m
	case protocol.KindBatteryChanged:
		e.battery = &m
	}
	if e.current != nil {
		e.current.observer.Deliver(m)
	}
}
