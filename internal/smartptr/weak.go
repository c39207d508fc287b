package smartptr

import (
	"github.com/orizon-lang/memcore/internal/objects"
)

// WeakPtr observes an object without keeping its payload alive.
type WeakPtr[T any] struct {
	cb  *ControlBlock[T]
	gen uint32
}

// IsNil reports whether the handle refers to nothing.
func (w WeakPtr[T]) IsNil() bool {
	return w.cb == nil
}

func (w WeakPtr[T]) block(op string) *ControlBlock[T] {
	if w.cb == nil || !w.cb.current(w.gen, op) {
		return nil
	}
	return w.cb
}

// Lock upgrades to a strong handle. It fails once the payload is gone.
func (w WeakPtr[T]) Lock() (SmartPtr[T], bool) {
	cb := w.block("lock")
	if cb == nil || cb.expired.Load() {
		return SmartPtr[T]{}, false
	}
	if !cb.tryRetain() {
		return SmartPtr[T]{}, false
	}
	p := SmartPtr[T]{cb: cb, gen: w.gen}
	if cb.expired.Load() {
		p.Release()
		return SmartPtr[T]{}, false
	}
	return p, true
}

// Expired reports whether the payload has been destroyed. Stale handles
// always report true.
func (w WeakPtr[T]) Expired() bool {
	if w.cb == nil || w.cb.gen.Load() != w.gen {
		return true
	}
	return w.cb.expired.Load() || w.cb.strong.Load() == 0
}

// UseCount returns the number of strong handles.
func (w WeakPtr[T]) UseCount() int64 {
	cb := w.block("use count")
	if cb == nil {
		return 0
	}
	return cb.strong.Load()
}

// ID returns the object identifier, or objects.Root for a nil handle.
func (w WeakPtr[T]) ID() objects.ID {
	cb := w.block("id")
	if cb == nil {
		return objects.Root
	}
	return cb.id
}

// Clone returns another weak handle to the same control block.
func (w WeakPtr[T]) Clone() WeakPtr[T] {
	cb := w.block("clone")
	if cb == nil {
		return WeakPtr[T]{}
	}
	cb.weak.Add(1)
	return WeakPtr[T]{cb: cb, gen: w.gen}
}

// Release drops the weak reference and resets the handle. A stale handle
// returns memerrors.ErrUseAfterFree.
func (w *WeakPtr[T]) Release() error {
	cb, gen := w.cb, w.gen
	if cb == nil {
		return nil
	}
	w.cb, w.gen = nil, 0
	if !cb.current(gen, "release") {
		return staleHandle(gen, "release")
	}
	cb.releaseWeak()
	return nil
}

// Expire destroys the payload even though strong handles may remain. Those
// handles then return nil from Get. It reports whether this call performed
// the destruction.
func (w WeakPtr[T]) Expire() bool {
	cb := w.block("expire")
	if cb == nil {
		return false
	}
	if cb.strong.Load() == 0 {
		return false
	}
	return cb.expire()
}
