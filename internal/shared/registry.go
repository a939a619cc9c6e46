// Package shared keeps one reference-counted instance per resource kind.
//
// The first Acquire of a kind constructs the instance, later ones return the
// same instance and bump its count. When the last handle is released the
// registry entry is cleared and the instance's finalizer runs, so the next
// Acquire starts from scratch.
//
// A Registry is owned by the event loop goroutine and must not be used
// concurrently.
package shared

// Finalizer releases whatever an instance holds. It runs exactly once.
type Finalizer func()

type entry[T any] struct {
	registry *Registry
	kind     string
	value    T
	refs     int
	finalize Finalizer
}

// Registry maps resource kinds to live shared instances
type Registry struct {
	entries map[string]any
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]any),
	}
}

// Handle is one owned reference to a shared instance
type Handle[T any] struct {
	entry    *entry[T]
	released bool
}

// Self is a non-owning reference an instance keeps to its own registry entry
type Self[T any] struct {
	entry *entry[T]
}

// Acquire returns a handle to the instance registered under kind, calling
// create first if there is none. create receives a Self so the new instance
// can take extra references to itself, even before create returns.
func Acquire[T any](r *Registry, kind string, create func(self Self[T]) (T, Finalizer)) *Handle[T] {
	if existing, ok := r.entries[kind]; ok {
		e := existing.(*entry[T])
		e.refs++
		return &Handle[T]{entry: e}
	}

	e := &entry[T]{
		registry: r,
		kind:     kind,
		refs:     1,
	}
	r.entries[kind] = e
	e.value, e.finalize = create(Self[T]{entry: e})
	return &Handle[T]{entry: e}
}

// Refs returns the reference count of kind, 0 if there is no live instance
func (r *Registry) Refs(kind string) int {
	existing, ok := r.entries[kind]
	if !ok {
		return 0
	}
	return existing.(interface{ count() int }).count()
}

// Live reports whether an instance of kind currently exists
func (r *Registry) Live(kind string) bool {
	_, ok := r.entries[kind]
	return ok
}

func (e *entry[T]) count() int {
	return e.refs
}

func (e *entry[T]) release() {
	e.refs--
	if e.refs > 0 {
		return
	}

	if current, ok := e.registry.entries[e.kind]; ok && current == any(e) {
		delete(e.registry.entries, e.kind)
	}
	if e.finalize != nil {
		fin := e.finalize
		e.finalize = nil
		fin()
	}
}

// Get returns the shared instance
func (h *Handle[T]) Get() T {
	return h.entry.value
}

// Clone returns a new owned reference to the same instance, or nil if h was
// already released
func (h *Handle[T]) Clone() *Handle[T] {
	if h == nil || h.released {
		return nil
	}
	h.entry.refs++
	return &Handle[T]{entry: h.entry}
}

// Release drops this reference. Releasing the same handle twice is a no-op.
func (h *Handle[T]) Release() {
	if h == nil || h.released {
		return
	}
	h.released = true
	h.entry.release()
}

// Hold takes an owned reference on behalf of the instance itself
func (s Self[T]) Hold() *Handle[T] {
	s.entry.refs++
	return &Handle[T]{entry: s.entry}
}
