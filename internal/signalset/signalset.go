// Package signalset reimplements the original cb_signal/cb_listener
// intrusive observer list (original_source/utils/cube_signal.h) as a
// typed, slab-indexed Go collection, following the design note in
// spec.md §9: forbid dangling listeners by unregistering on the
// subject's teardown rather than relying on manual list-unlink.
//
// A Signal[T] fans a value of type T out to every currently-registered
// listener, in registration order, on the caller's goroutine — the
// compositor core only ever emits from the event-loop thread, so no
// locking is needed here (spec.md §5: single-threaded cooperative
// scheduling).
package signalset

// Listener is a handle returned by Signal.Add; pass it to Signal.Remove
// to unregister. The zero Listener is not valid.
type Listener struct {
	id uint64
}

type entry[T any] struct {
	id  uint64
	cb  func(T)
	live bool
}

// Signal is an intrusive-style listener list for events of type T, e.g.
// buffer flip/complete, head-changed, or compositor-ready.
type Signal[T any] struct {
	next      uint64
	listeners []entry[T]
}

// Add registers cb and returns a handle for later removal. Safe to call
// while the signal is being emitted (the new listener will not receive
// the in-flight emission, matching the deferred-add semantics listeners
// generally expect from an intrusive list).
func (s *Signal[T]) Add(cb func(T)) Listener {
	s.next++
	id := s.next
	s.listeners = append(s.listeners, entry[T]{id: id, cb: cb, live: true})
	return Listener{id: id}
}

// Remove unregisters a listener. Safe to call from within a callback
// that is itself running as part of Emit: the entry is marked dead and
// compacted at the end of the next Emit rather than spliced out immediately,
// so Emit's iteration never observes a mutated slice mid-walk.
func (s *Signal[T]) Remove(l Listener) {
	for i := range s.listeners {
		if s.listeners[i].id == l.id {
			s.listeners[i].live = false
			return
		}
	}
}

// Emit calls every live listener with val, in registration order, then
// compacts dead entries out of the backing slice.
func (s *Signal[T]) Emit(val T) {
	for _, e := range s.listeners {
		if e.live {
			e.cb(val)
		}
	}
	s.compact()
}

// Len reports the number of live listeners.
func (s *Signal[T]) Len() int {
	n := 0
	for _, e := range s.listeners {
		if e.live {
			n++
		}
	}
	return n
}

func (s *Signal[T]) compact() {
	hasDead := false
	for _, e := range s.listeners {
		if !e.live {
			hasDead = true
			break
		}
	}
	if !hasDead {
		return
	}
	kept := s.listeners[:0]
	for _, e := range s.listeners {
		if e.live {
			kept = append(kept, e)
		}
	}
	s.listeners = kept
}
