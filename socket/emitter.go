package socket

import (
	"encoding/json"
	"sync"
)

// Emitter dispatches events to subscribers synchronously, in emission order.
// The zero value is ready to use.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
	any      []AnyHandler
}

func (e *Emitter) On(event Event, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[Event][]Handler)
	}
	e.handlers[event] = append(e.handlers[event], handler)
}

func (e *Emitter) Off(event Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.handlers, event)
}

// OnAny registers a hook that sees every event before the named handlers run.
func (e *Emitter) OnAny(handler AnyHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.any = append(e.any, handler)
}

func (e *Emitter) ListenerCount(event Event) int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return len(e.handlers[event])
}

func (e *Emitter) Emit(event Event, args ...json.RawMessage) {
	e.mu.RLock()
	anyHandlers := e.any
	handlers := e.handlers[event]
	e.mu.RUnlock()

	for _, h := range anyHandlers {
		h(event, args)
	}
	for _, h := range handlers {
		h(args...)
	}
}

// EmitValues encodes each value and emits the result.
func (e *Emitter) EmitValues(event Event, values ...any) {
	args := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		raw, err := codec.Marshal(v)
		if err != nil {
			raw = json.RawMessage("null")
		}
		args = append(args, raw)
	}
	e.Emit(event, args...)
}

// DecodeArg unmarshals args[i] into v. A missing argument leaves v untouched.
func DecodeArg(args []json.RawMessage, i int, v any) error {
	if i >= len(args) || len(args[i]) == 0 {
		return nil
	}
	return codec.Unmarshal(args[i], v)
}
