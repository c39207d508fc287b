package smartptr

import (
	"github.com/orizon-lang/memcore/internal/objects"
)

// SmartPtr is a strong handle. The zero value is a nil handle.
//
// A handle copied by plain assignment and used after the object it named was
// released does not reach whatever object reuses the control block: every
// accessor treats it as nil, and Release reports memerrors.ErrUseAfterFree.
type SmartPtr[T any] struct {
	cb  *ControlBlock[T]
	gen uint32
}

// IsNil reports whether the handle refers to nothing.
func (p SmartPtr[T]) IsNil() bool {
	return p.cb == nil
}

func (p SmartPtr[T]) block(op string) *ControlBlock[T] {
	if p.cb == nil || !p.cb.current(p.gen, op) {
		return nil
	}
	return p.cb
}

// Get returns the payload, or nil when the handle is nil, stale, or the
// payload was destroyed out of band.
func (p SmartPtr[T]) Get() *T {
	cb := p.block("get")
	if cb == nil || cb.expired.Load() {
		return nil
	}
	return &cb.value
}

// ID returns the object identifier, or objects.Root for a nil handle.
func (p SmartPtr[T]) ID() objects.ID {
	cb := p.block("id")
	if cb == nil {
		return objects.Root
	}
	return cb.id
}

// Clone returns a new strong handle to the same object.
func (p SmartPtr[T]) Clone() SmartPtr[T] {
	cb := p.block("clone")
	if cb == nil {
		return SmartPtr[T]{}
	}
	cb.strong.Add(1)
	return SmartPtr[T]{cb: cb, gen: p.gen}
}

// Release drops this handle's strong reference and resets it to nil.
// Releasing a nil handle is a no-op; releasing a stale one returns
// memerrors.ErrUseAfterFree and leaves the block's current occupant alone.
func (p *SmartPtr[T]) Release() error {
	cb, gen := p.cb, p.gen
	if cb == nil {
		return nil
	}
	p.cb, p.gen = nil, 0
	if !cb.current(gen, "release") {
		return staleHandle(gen, "release")
	}
	cb.releaseStrong()
	return nil
}

// UseCount returns the number of strong handles.
func (p SmartPtr[T]) UseCount() int64 {
	cb := p.block("use count")
	if cb == nil {
		return 0
	}
	return cb.strong.Load()
}

// WeakCount returns the number of explicit weak handles.
func (p SmartPtr[T]) WeakCount() int64 {
	cb := p.block("weak count")
	if cb == nil {
		return 0
	}
	return explicitWeak(cb)
}

// Weak returns a weak handle to the same object.
func (p SmartPtr[T]) Weak() WeakPtr[T] {
	cb := p.block("weak")
	if cb == nil {
		return WeakPtr[T]{}
	}
	cb.weak.Add(1)
	return WeakPtr[T]{cb: cb, gen: p.gen}
}

func explicitWeak[T any](cb *ControlBlock[T]) int64 {
	n := cb.weak.Load()
	if cb.strong.Load() > 0 {
		n--
	}
	return n
}
