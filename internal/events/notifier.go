package events

import (
	"sync"
	"time"

	"adw/internal/observability"
)

// Handler consumes a single event. Handlers must not block; slow consumers
// should buffer internally.
type Handler func(Event)

// Notifier dispatches events to handlers registered per event type plus an
// optional catch-all set. Delivery is best-effort and synchronous in
// registration order; a panicking handler is logged and does not stop fan-out.
type Notifier struct {
	mu       sync.RWMutex
	byType   map[string][]Handler
	catchAll []Handler
	logger   *observability.Logger
}

// NewNotifier creates an empty notifier.
func NewNotifier(logger *observability.Logger) *Notifier {
	if logger == nil {
		logger = observability.NewComponentLogger("Notifier")
	}
	return &Notifier{
		byType: make(map[string][]Handler),
		logger: logger,
	}
}

// On registers a handler for one event type.
func (n *Notifier) On(eventType string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.byType[eventType] = append(n.byType[eventType], h)
}

// OnAll registers a catch-all handler invoked for every event.
func (n *Notifier) OnAll(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.catchAll = append(n.catchAll, h)
}

// Emit stamps the event and dispatches it. Broadcasting failures never
// propagate to the caller.
func (n *Notifier) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	n.mu.RLock()
	handlers := make([]Handler, 0, len(n.byType[evt.Type])+len(n.catchAll))
	handlers = append(handlers, n.byType[evt.Type]...)
	handlers = append(handlers, n.catchAll...)
	n.mu.RUnlock()

	for _, h := range handlers {
		n.safeCall(h, evt)
	}
}

func (n *Notifier) safeCall(h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("event handler panicked", "event_type", evt.Type, "panic", r)
		}
	}()
	h(evt)
}
