package allocator

import (
	"sort"
	"time"
)

// CompactionResult contains results of a compaction operation
type CompactionResult struct {
	Segment             int           // Segment compacted
	StartTime           time.Time     // Compaction start time
	Duration            time.Duration // Total compaction time
	BlocksMoved         uint64        // Number of blocks relocated
	BytesMoved          uint64        // Bytes copied while sliding blocks
	FreeBlocksMerged    uint64        // Free runs folded into the trailing block
	FragmentationBefore uint32        // Fragmentation before compaction
	FragmentationAfter  uint32        // Fragmentation after compaction
}

// compactLocked slides every used block of the segment down into an
// address-ordered prefix and leaves a single trailing free block. Slots (and
// therefore handles) are preserved; only offsets change. Callers hold the
// exclusive lock.
func (s *segment) compactLocked() *CompactionResult {
	start := time.Now()
	result := &CompactionResult{
		Segment:             s.index,
		StartTime:           start,
		FragmentationBefore: s.fragmentationLocked(),
	}

	used := make([]int32, 0, len(s.blocks))
	var free []int32
	for i := s.head; i != nilSlot; i = s.blocks[i].next {
		if s.blocks[i].free() {
			free = append(free, i)
		} else {
			used = append(used, i)
		}
	}

	sort.Slice(used, func(a, b int) bool {
		return s.blocks[used[a]].offset < s.blocks[used[b]].offset
	})

	var cursor uintptr
	for _, slot := range used {
		b := s.blocks[slot]
		if b.offset != cursor {
			copy(s.mem[cursor:cursor+b.size], s.mem[b.offset:b.offset+b.size])
			b.offset = cursor
			result.BlocksMoved++
			result.BytesMoved += uint64(b.size)
		}
		cursor += b.size
	}

	for _, slot := range free {
		s.retire(slot)
	}
	result.FreeBlocksMerged = uint64(len(free))

	s.head = nilSlot
	var tail int32 = nilSlot
	link := func(slot int32) {
		if tail == nilSlot {
			s.head = slot
		} else {
			s.blocks[tail].next = slot
		}
		s.blocks[slot].next = nilSlot
		tail = slot
	}
	for _, slot := range used {
		link(slot)
	}
	if cursor < s.totalSize() {
		if slot := s.newSlot(cursor, s.totalSize()-cursor); slot != nilSlot {
			link(slot)
		}
	}

	result.FragmentationAfter = s.fragmentationLocked()
	result.Duration = time.Since(start)

	s.compactions.Add(1)
	s.blocksMoved.Add(result.BlocksMoved)

	return result
}
