// Package smartptr provides single-allocation reference counted handles.
//
// A ControlBlock holds the strong and weak counters next to the payload it
// owns. SmartPtr handles own the payload; WeakPtr handles only keep the
// control block itself alive. Go has no copy constructors, so sharing a
// handle is explicit: Clone adds a reference and Release drops it. Copying a
// handle with plain assignment does not add a reference.
package smartptr

import (
	"fmt"
	"sync/atomic"

	"github.com/orizon-lang/memcore/internal/allocator"
	memerrors "github.com/orizon-lang/memcore/internal/errors"
	"github.com/orizon-lang/memcore/internal/objects"
)

// Destroyer is implemented by payloads that need to release resources when
// their last strong handle goes away.
type Destroyer interface {
	Destroy()
}

// ControlBlock owns exactly one T and its reference counts.
//
// weak starts at 1: that unit is held jointly by all strong handles and is
// dropped when strong reaches zero, so the block's storage is returned only
// once both kinds of handle are gone.
//
// gen advances every time the block goes back to the pool. Handles record
// the generation they were issued with and refuse to touch a block that has
// since been reused.
type ControlBlock[T any] struct {
	strong    atomic.Int64
	weak      atomic.Int64
	expired   atomic.Bool
	destroyed atomic.Bool
	gen       atomic.Uint32
	_pad      [40]byte

	id    objects.ID
	mem   allocator.Handle
	pool  *Pool[T]
	value T
}

// current reports whether a handle issued at generation gen still names
// this block's occupant. A mismatch is a contract violation.
func (cb *ControlBlock[T]) current(gen uint32, op string) bool {
	if cb.gen.Load() == gen {
		return true
	}
	contractViolation(staleHandle(gen, op))
	return false
}

func staleHandle(gen uint32, op string) error {
	return fmt.Errorf("smartptr: %s: %w", op,
		memerrors.UseAfterFree(fmt.Sprintf("handle of generation %d", gen)))
}

func (cb *ControlBlock[T]) releaseStrong() {
	n := cb.strong.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("smartptr: strong reference released twice")
	}
	cb.destroyPayload()
	cb.expired.Store(true)
	cb.releaseWeak()
}

func (cb *ControlBlock[T]) releaseWeak() {
	n := cb.weak.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("smartptr: weak reference released twice")
	}
	cb.pool.recycle(cb)
}

// destroyPayload runs the payload's teardown exactly once, whether it is
// reached through the last strong release or through out-of-band expiry.
func (cb *ControlBlock[T]) destroyPayload() bool {
	if !cb.destroyed.CompareAndSwap(false, true) {
		return false
	}
	cb.pool.destroy(cb.id, &cb.value)

	var zero T
	cb.value = zero
	return true
}

// expire destroys the payload while strong handles may still exist. Those
// handles keep the block alive but observe a nil payload.
func (cb *ControlBlock[T]) expire() bool {
	cb.expired.Store(true)
	return cb.destroyPayload()
}

// tryRetain adds a strong reference unless the count already reached zero.
func (cb *ControlBlock[T]) tryRetain() bool {
	for {
		n := cb.strong.Load()
		if n <= 0 {
			return false
		}
		if cb.strong.CompareAndSwap(n, n+1) {
			return true
		}
	}
}
