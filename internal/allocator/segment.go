package allocator

import (
	"sync"
	"sync/atomic"

	memerrors "github.com/orizon-lang/memcore/internal/errors"
)

// block is the side-table header of one address-ordered run of segment
// bytes. Metadata never lives inside the arena, so size is payload only.
type block struct {
	offset uintptr
	size   uintptr
	next   int32
	state  atomic.Uint64
}

// claim marks a free block used and returns the generation baked into the
// new handle.
func (b *block) claim() (uint32, bool) {
	s := b.state.Load()
	if stateUsed(s) {
		return 0, false
	}
	gen := stateGen(s) + 1
	if gen == 0 {
		gen = 1
	}
	if !b.state.CompareAndSwap(s, packState(gen, true)) {
		return 0, false
	}
	return gen, true
}

// release marks a used block free. The generation must match the one the
// caller was handed.
func (b *block) release(h Handle) error {
	s := b.state.Load()
	if stateGen(s) != h.generation() || !stateUsed(s) {
		return memerrors.DoubleFree(uint64(h))
	}
	if !b.state.CompareAndSwap(s, packState(h.generation(), false)) {
		return memerrors.DoubleFree(uint64(h))
	}
	return nil
}

func (b *block) free() bool { return !stateUsed(b.state.Load()) }

// segment is an independently locked slice of the arena. The list fields
// (head, next, offset, size, blocks) change only under the exclusive lock;
// the fast paths hold the shared lock and race only on block state words.
type segment struct {
	mu     sync.RWMutex
	index  int
	mem    []byte
	head   int32
	blocks []*block
	spare  []int32

	fragmentation atomic.Uint32
	compactions   atomic.Uint64
	blocksMoved   atomic.Uint64
}

func newSegment(index int, mem []byte) *segment {
	s := &segment{index: index, mem: mem, head: nilSlot}
	if len(mem) > 0 {
		s.head = s.newSlot(0, uintptr(len(mem)))
		s.blocks[s.head].next = nilSlot
	}
	return s
}

func (s *segment) totalSize() uintptr { return uintptr(len(s.mem)) }

// newSlot returns a free block record, reusing retired slots first. It
// returns nilSlot when the slot space is exhausted.
func (s *segment) newSlot(offset, size uintptr) int32 {
	var slot int32
	if n := len(s.spare); n > 0 {
		slot = s.spare[n-1]
		s.spare = s.spare[:n-1]
	} else {
		if len(s.blocks) >= maxSlots {
			return nilSlot
		}
		s.blocks = append(s.blocks, &block{})
		slot = int32(len(s.blocks) - 1)
	}
	b := s.blocks[slot]
	b.offset = offset
	b.size = size
	b.next = nilSlot
	// Retired slots keep their generation so old handles stay stale.
	b.state.Store(packState(stateGen(b.state.Load()), false))
	return slot
}

func (s *segment) retire(slot int32) {
	s.blocks[slot].next = nilSlot
	s.blocks[slot].size = 0
	s.spare = append(s.spare, slot)
}

// lookup returns the block a handle names, or an error when the handle does
// not describe a live allocation. Callers hold at least the shared lock.
func (s *segment) lookup(h Handle) (*block, error) {
	slot := h.slot()
	if slot < 0 || int(slot) >= len(s.blocks) {
		return nil, memerrors.InvalidHandle(uint64(h), "slot out of range")
	}
	b := s.blocks[slot]
	st := b.state.Load()
	if stateGen(st) != h.generation() {
		return nil, memerrors.DoubleFree(uint64(h))
	}
	if !stateUsed(st) {
		return nil, memerrors.DoubleFree(uint64(h))
	}
	return b, nil
}

// claimFast scans the free list without taking the exclusive lock and claims
// the first free block that fits and that the split policy would hand out
// whole.
func (s *segment) claimFast(size uintptr, p *splitPolicy) (Handle, uintptr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := s.head; i != nilSlot; {
		b := s.blocks[i]
		if b.size >= size && b.free() && !p.shouldSplit(size, b.size) {
			if gen, ok := b.claim(); ok {
				return makeHandle(s.index, i, gen), b.size, true
			}
		}
		i = b.next
	}
	return NilHandle, 0, false
}

// allocateLocked performs a best-fit search and splits the winner when the
// policy allows it. Callers hold the exclusive lock.
func (s *segment) allocateLocked(size uintptr, p *splitPolicy) (Handle, uintptr, bool) {
	best := nilSlot
	var bestSize uintptr
	for i := s.head; i != nilSlot; i = s.blocks[i].next {
		b := s.blocks[i]
		if !b.free() || b.size < size {
			continue
		}
		if best == nilSlot || b.size < bestSize {
			best, bestSize = i, b.size
			if bestSize == size {
				break
			}
		}
	}
	if best == nilSlot {
		return NilHandle, 0, false
	}

	b := s.blocks[best]
	if p.shouldSplit(size, b.size) {
		s.splitLocked(best, size)
	}
	gen, ok := b.claim()
	if !ok {
		return NilHandle, 0, false
	}
	return makeHandle(s.index, best, gen), b.size, true
}

// splitLocked carves [used:size][free:remainder] out of the block at slot.
func (s *segment) splitLocked(slot int32, size uintptr) {
	b := s.blocks[slot]
	rest := s.newSlot(b.offset+size, b.size-size)
	if rest == nilSlot {
		return
	}
	// newSlot may have grown s.blocks; b is a stable pointer.
	r := s.blocks[rest]
	r.next = b.next
	b.next = rest
	b.size = size
}

// coalesceLocked merges runs of adjacent free blocks and returns how many
// merges took place.
func (s *segment) coalesceLocked() int {
	merged := 0
	for i := s.head; i != nilSlot; {
		b := s.blocks[i]
		if !b.free() {
			i = b.next
			continue
		}
		for b.next != nilSlot {
			n := s.blocks[b.next]
			if !n.free() || b.offset+b.size != n.offset {
				break
			}
			dead := b.next
			b.size += n.size
			b.next = n.next
			s.retire(dead)
			merged++
		}
		i = b.next
	}
	return merged
}

// fragmentationLocked derives the 0-100 metric from the ratio of the
// average free block to the total free space. One free run (or none) is 0.
func (s *segment) fragmentationLocked() uint32 {
	var count, total uintptr
	for i := s.head; i != nilSlot; i = s.blocks[i].next {
		b := s.blocks[i]
		if b.free() {
			count++
			total += b.size
		}
	}
	var level uint32
	if count > 1 && total > 0 {
		avg := float64(total) / float64(count)
		level = uint32(100 * (1 - avg/float64(total)))
	}
	s.fragmentation.Store(level)
	return level
}

func (s *segment) freeStats() (freeBlocks, usedBlocks int, freeBytes, largestFree uintptr) {
	for i := s.head; i != nilSlot; i = s.blocks[i].next {
		b := s.blocks[i]
		if b.free() {
			freeBlocks++
			freeBytes += b.size
			if b.size > largestFree {
				largestFree = b.size
			}
		} else {
			usedBlocks++
		}
	}
	return
}

// splitPolicy decides whether a free block is split for a request.
type splitPolicy struct {
	minSplit   uintptr
	splitRatio float64
}

func (p *splitPolicy) shouldSplit(requested, available uintptr) bool {
	remainder := available - requested
	if remainder == 0 || remainder < p.minSplit {
		return false
	}
	if float64(requested)/float64(available) > p.splitRatio {
		return false
	}
	return true
}
