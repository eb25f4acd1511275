package agent

import "sync"

// EventFanout is a small ordered handler list adapters embed to implement
// OnEvent. Emission order is preserved because Emit runs handlers inline
// under the caller's goroutine, one source at a time.
type EventFanout struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]func(Event)
	order    []int
}

// OnEvent registers fn and returns its unsubscribe function.
func (f *EventFanout) OnEvent(fn func(Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handlers == nil {
		f.handlers = make(map[int]func(Event))
	}
	id := f.nextID
	f.nextID++
	f.handlers[id] = fn
	f.order = append(f.order, id)

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers, id)
		for i, o := range f.order {
			if o == id {
				f.order = append(f.order[:i], f.order[i+1:]...)
				break
			}
		}
	}
}

// Emit delivers ev to all registered handlers in registration order.
func (f *EventFanout) Emit(ev Event) {
	f.mu.Lock()
	fns := make([]func(Event), 0, len(f.order))
	for _, id := range f.order {
		if fn, ok := f.handlers[id]; ok {
			fns = append(fns, fn)
		}
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
