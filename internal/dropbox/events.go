package dropbox

import "sync"

// Event is a non-cancelable publish/subscribe hook. Listeners are invoked
// in registration order and cannot influence the dispatch.
type Event[T any] struct {
	mu        sync.Mutex
	nextID    int
	order     []int
	listeners map[int]func(T)
}

// AddListener registers fn and returns a function that removes it again.
func (e *Event[T]) AddListener(fn func(T)) (remove func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listeners == nil {
		e.listeners = make(map[int]func(T))
	}

	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.order = append(e.order, id)

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// Dispatch invokes every registered listener with value.
func (e *Event[T]) Dispatch(value T) {
	for _, fn := range e.snapshot() {
		fn(value)
	}
}

func (e *Event[T]) snapshot() []func(T) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fns := make([]func(T), 0, len(e.listeners))
	for _, id := range e.order {
		if fn, ok := e.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}

	return fns
}

// CancelableEvent is a publish/subscribe hook whose listeners are ordered
// predicates: the first listener returning false vetoes the dispatch, no
// further listeners run, and Dispatch reports false.
type CancelableEvent[T any] struct {
	mu        sync.Mutex
	nextID    int
	order     []int
	listeners map[int]func(T) bool
}

// AddListener registers fn and returns a function that removes it again.
func (e *CancelableEvent[T]) AddListener(fn func(T) bool) (remove func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listeners == nil {
		e.listeners = make(map[int]func(T) bool)
	}

	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.order = append(e.order, id)

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// Dispatch invokes listeners in order until one vetoes. It reports whether
// the action may proceed.
func (e *CancelableEvent[T]) Dispatch(value T) bool {
	for _, fn := range e.snapshot() {
		if !fn(value) {
			return false
		}
	}

	return true
}

func (e *CancelableEvent[T]) snapshot() []func(T) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	fns := make([]func(T) bool, 0, len(e.listeners))
	for _, id := range e.order {
		if fn, ok := e.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}

	return fns
}
