package allocator

import "fmt"

// Handle names an allocation independently of where its bytes currently
// live. Compaction moves data but never invalidates a handle.
//
// Layout: | generation:32 | segment:8 | slot:24 |
type Handle uint64

// NilHandle is returned when an allocation fails.
const NilHandle Handle = 0

const (
	slotBits    = 24
	segmentBits = 8

	maxSlots    = 1 << slotBits
	maxSegments = 1 << segmentBits

	nilSlot int32 = -1
)

func makeHandle(segment int, slot int32, gen uint32) Handle {
	return Handle(uint64(gen)<<(slotBits+segmentBits) | uint64(segment)<<slotBits | uint64(slot))
}

// IsNil reports whether h is the nil handle.
func (h Handle) IsNil() bool { return h == NilHandle }

func (h Handle) segment() int       { return int(uint64(h)>>slotBits) & (maxSegments - 1) }
func (h Handle) slot() int32        { return int32(uint64(h) & (maxSlots - 1)) }
func (h Handle) generation() uint32 { return uint32(uint64(h) >> (slotBits + segmentBits)) }

func (h Handle) String() string {
	if h.IsNil() {
		return "handle(nil)"
	}
	return fmt.Sprintf("handle(seg=%d slot=%d gen=%d)", h.segment(), h.slot(), h.generation())
}

// Block state word: generation<<1 | used. Claiming and releasing a block are
// single compare-and-swaps on this word, so a stale handle can never release
// a block that has been handed out again.

func packState(gen uint32, used bool) uint64 {
	s := uint64(gen) << 1
	if used {
		s |= 1
	}
	return s
}

func stateGen(s uint64) uint32 { return uint32(s >> 1) }
func stateUsed(s uint64) bool  { return s&1 == 1 }
