// Package notify implements named event handler lists with opaque ids.
package notify

// HandlerID identifies a registered handler. Zero is never issued.
type HandlerID uint64

// Event names one kind of notification an object emits
type Event string

type handlerEntry[T any] struct {
	id      HandlerID
	event   Event
	fn      func(T)
	removed bool
}

// Emitter holds the handlers of every event one object emits. All events
// share a single id space, so RemoveHandler does not need to know the event.
// The zero value is ready to use. Not safe for concurrent use.
type Emitter[T any] struct {
	lastID  HandlerID
	entries []*handlerEntry[T]
}

// Add registers fn for event and returns its id, or 0 if fn is nil
func (e *Emitter[T]) Add(event Event, fn func(T)) HandlerID {
	if fn == nil {
		return 0
	}

	e.lastID++
	e.entries = append(e.entries, &handlerEntry[T]{
		id:    e.lastID,
		event: event,
		fn:    fn,
	})
	return e.lastID
}

// Remove unregisters the handler with the given id. Unknown ids and 0 are ignored.
func (e *Emitter[T]) Remove(id HandlerID) bool {
	if id == 0 {
		return false
	}

	for i, entry := range e.entries {
		if entry.id == id {
			entry.removed = true
			e.entries = append(e.entries[:i:i], e.entries[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveAll unregisters every handler in ids and zeroes the slice
func (e *Emitter[T]) RemoveAll(ids []HandlerID) {
	for i, id := range ids {
		e.Remove(id)
		ids[i] = 0
	}
}

// Emit calls the handlers of event in registration order. A handler removed
// by an earlier handler during the same emission is skipped. Handlers added
// during an emission are first called on the next one.
func (e *Emitter[T]) Emit(event Event, v T) {
	if len(e.entries) == 0 {
		return
	}

	entries := append([]*handlerEntry[T](nil), e.entries...)
	for _, entry := range entries {
		if entry.event == event && !entry.removed {
			entry.fn(v)
		}
	}
}

// count returns the number of handlers registered for event
func (e *Emitter[T]) count(event Event) int {
	count := 0
	for _, entry := range e.entries {
		if entry.event == event {
			count++
		}
	}
	return count
}

// size returns the number of registered handlers across all events
func (e *Emitter[T]) size() int {
	return len(e.entries)
}
