package allocator

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"golang.org/x/sync/errgroup"

	memerrors "github.com/orizon-lang/memcore/internal/errors"
)

func newTestAllocator(t *testing.T, opts ...Option) *BlockAllocator {
	t.Helper()
	opts = append([]Option{WithCapacity(1 << 20)}, opts...)
	a, err := New(opts...)
	if err != nil {
		t.Fatalf("Failed to create allocator: %v", err)
	}
	return a
}

// TestBlockAllocator tests the basic allocate/free contract
func TestBlockAllocator(t *testing.T) {
	a := newTestAllocator(t)
	defer a.Close()

	t.Run("BasicAllocation", func(t *testing.T) {
		h := a.Alloc(1024)
		if h.IsNil() {
			t.Fatal("Allocation failed")
		}

		data, err := a.Bytes(h)
		if err != nil {
			t.Fatalf("Bytes failed: %v", err)
		}
		if len(data) < 1024 {
			t.Fatalf("expected at least 1024 bytes, got %d", len(data))
		}
		for i := 0; i < 1024; i++ {
			data[i] = byte(i % 256)
		}
		for i := 0; i < 1024; i++ {
			if data[i] != byte(i%256) {
				t.Errorf("Data corruption at index %d", i)
			}
		}

		if err := a.Free(h); err != nil {
			t.Fatalf("Free failed: %v", err)
		}
	})

	t.Run("ZeroAllocation", func(t *testing.T) {
		if h := a.Alloc(0); !h.IsNil() {
			t.Error("Zero allocation should return nil handle")
		}
		if _, err := a.TryAlloc(0); !errors.Is(err, memerrors.ErrInvalidSize) {
			t.Errorf("expected ErrInvalidSize, got %v", err)
		}
	})

	t.Run("Alignment", func(t *testing.T) {
		var handles []Handle
		for size := uintptr(1); size <= 3000; size += 37 {
			h := a.Alloc(size)
			if h.IsNil() {
				t.Fatalf("Allocation of %d failed", size)
			}
			addr, err := a.Addr(h)
			if err != nil {
				t.Fatalf("Addr failed: %v", err)
			}
			if addr%a.Alignment() != 0 {
				t.Errorf("size %d: address %#x not aligned to %d", size, addr, a.Alignment())
			}
			handles = append(handles, h)
		}
		for _, h := range handles {
			if err := a.Free(h); err != nil {
				t.Fatalf("Free failed: %v", err)
			}
		}
	})

	t.Run("RoundTrip", func(t *testing.T) {
		for size := uintptr(1); size <= 64*1024; size = size*3 + 1 {
			before := a.AllocatedSize()
			h := a.Alloc(size)
			if h.IsNil() {
				t.Fatalf("Allocation of %d failed", size)
			}
			granted, err := a.SizeOf(h)
			if err != nil || granted < size {
				t.Fatalf("size %d: granted %d, err %v", size, granted, err)
			}
			if err := a.Free(h); err != nil {
				t.Fatalf("Free failed: %v", err)
			}
			if after := a.AllocatedSize(); after != before {
				t.Errorf("size %d: allocated %d before, %d after", size, before, after)
			}
		}
	})

	t.Run("Statistics", func(t *testing.T) {
		initial := a.PerformanceStats()

		handles := make([]Handle, 10)
		for i := range handles {
			handles[i] = a.Alloc(128)
			if handles[i].IsNil() {
				t.Fatalf("Allocation %d failed", i)
			}
		}

		mid := a.PerformanceStats()
		if mid.AllocCount != initial.AllocCount+10 {
			t.Errorf("expected %d allocations, got %d", initial.AllocCount+10, mid.AllocCount)
		}
		if mid.PeakUsage < 10*128 {
			t.Errorf("peak usage %d lower than live bytes", mid.PeakUsage)
		}

		for _, h := range handles {
			a.Free(h)
		}

		final := a.PerformanceStats()
		if final.DeallocCount != mid.DeallocCount+10 {
			t.Error("Free count not updated")
		}
	})
}

func TestConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		opt  Option
	}{
		{"AlignmentNotPowerOfTwo", WithAlignment(24)},
		{"AlignmentTooLarge", WithAlignment(8192)},
		{"SegmentsNotPowerOfTwo", WithSegments(6)},
		{"NoSegments", WithSegments(0)},
		{"SplitRatio", WithSplitRatio(1.5)},
		{"CompactionThreshold", WithCompactionThreshold(101)},
		{"SmallThreshold", WithSmallThreshold(0)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(WithCapacity(1<<16), tc.opt); !errors.Is(err, memerrors.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestHeapArena(t *testing.T) {
	a := newTestAllocator(t, WithMmap(false), WithAlignment(64))
	defer a.Close()

	h := a.Alloc(100)
	addr, err := a.Addr(h)
	if err != nil {
		t.Fatalf("Addr failed: %v", err)
	}
	if addr%64 != 0 {
		t.Errorf("address %#x not aligned to 64", addr)
	}
	a.Free(h)
}

func TestSegmentFallback(t *testing.T) {
	a := newTestAllocator(t, WithCapacity(8192), WithSegments(2))
	defer a.Close()

	first := a.Alloc(4096)
	if first.IsNil() {
		t.Fatal("first allocation failed")
	}
	second := a.Alloc(4096)
	if second.IsNil() {
		t.Fatal("second allocation should fall back to the other segment")
	}
	if first.segment() == second.segment() {
		t.Errorf("both allocations landed in segment %d", first.segment())
	}
	if a.PerformanceStats().FallbackAllocs != 1 {
		t.Errorf("expected one fallback allocation, got %d", a.PerformanceStats().FallbackAllocs)
	}

	if _, err := a.TryAlloc(16); !errors.Is(err, memerrors.ErrOutOfMemory) {
		t.Errorf("expected ErrOutOfMemory on a full arena, got %v", err)
	}

	a.Free(first)
	a.Free(second)
}

func TestSplitPolicy(t *testing.T) {
	p := splitPolicy{minSplit: 64, splitRatio: 0.875}

	cases := []struct {
		requested, available uintptr
		want                 bool
	}{
		{64, 64, false},    // exact fit
		{64, 96, false},    // remainder below the minimum
		{64, 4096, true},   // plenty left over
		{960, 1024, false}, // requested/available above the ratio
		{512, 1024, true},
	}
	for _, tc := range cases {
		if got := p.shouldSplit(tc.requested, tc.available); got != tc.want {
			t.Errorf("shouldSplit(%d, %d) = %v, want %v", tc.requested, tc.available, got, tc.want)
		}
	}
}

func TestCoalescing(t *testing.T) {
	a := newTestAllocator(t, WithSegments(1), WithCompactionThreshold(100))
	defer a.Close()

	handles := make([]Handle, 8)
	for i := range handles {
		handles[i] = a.Alloc(4096)
		if handles[i].IsNil() {
			t.Fatalf("Allocation %d failed", i)
		}
	}
	for _, h := range handles {
		if err := a.Free(h); err != nil {
			t.Fatalf("Free failed: %v", err)
		}
	}

	stats := a.SegmentStats()[0]
	if stats.FreeBlocks != 1 {
		t.Errorf("expected adjacent free blocks to merge into one, got %d", stats.FreeBlocks)
	}
	if stats.FreeBytes != stats.TotalSize {
		t.Errorf("expected %d free bytes, got %d", stats.TotalSize, stats.FreeBytes)
	}
}

func TestFastPathReuse(t *testing.T) {
	a := newTestAllocator(t)
	defer a.Close()

	var handles []Handle
	for i := 0; i < 4; i++ {
		handles = append(handles, a.Alloc(64))
	}
	if err := a.Free(handles[1]); err != nil {
		t.Fatalf("Free failed: %v", err)
	}

	before := a.PerformanceStats().FastPathAllocs
	h := a.Alloc(64)
	if a.PerformanceStats().FastPathAllocs != before+1 {
		t.Error("exact-fit hole should be claimed on the fast path")
	}
	if h.slot() != handles[1].slot() {
		t.Errorf("expected hole slot %d to be reused, got %d", handles[1].slot(), h.slot())
	}
	if h.generation() == handles[1].generation() {
		t.Error("reused slot must carry a new generation")
	}

	handles[1] = h
	for _, h := range handles {
		a.Free(h)
	}
}

func TestCompactionReducesFragmentation(t *testing.T) {
	a := newTestAllocator(t)
	defer a.Close()

	handles := make([]Handle, 1000)
	for i := range handles {
		handles[i] = a.Alloc(64)
		if handles[i].IsNil() {
			t.Fatalf("Allocation %d failed", i)
		}
		data, _ := a.Bytes(handles[i])
		data[0] = byte(i)
	}
	for i := 0; i < len(handles); i += 2 {
		if err := a.Free(handles[i]); err != nil {
			t.Fatalf("Free %d failed: %v", i, err)
		}
	}

	before := a.FragmentationLevel()
	compactions := a.PerformanceStats().Compactions

	h := a.Alloc(128)
	if h.IsNil() {
		t.Fatal("allocation after fragmentation failed")
	}

	if a.PerformanceStats().Compactions <= compactions {
		t.Fatal("expected the allocation to trigger compaction")
	}
	if after := a.FragmentationLevel(); after >= before {
		t.Errorf("fragmentation did not improve: before %d, after %d", before, after)
	}

	// Handles survive relocation and still name the same bytes.
	for i := 1; i < len(handles); i += 2 {
		data, err := a.Bytes(handles[i])
		if err != nil {
			t.Fatalf("handle %d invalid after compaction: %v", i, err)
		}
		if data[0] != byte(i) {
			t.Errorf("block %d: expected %d, got %d", i, byte(i), data[0])
		}
	}

	a.Free(h)
	for i := 1; i < len(handles); i += 2 {
		a.Free(handles[i])
	}
	if a.AllocatedSize() != 0 {
		t.Errorf("expected 0 bytes allocated, got %d", a.AllocatedSize())
	}
}

func TestExplicitCompaction(t *testing.T) {
	a := newTestAllocator(t, WithSegments(1), WithCompactionThreshold(100))
	defer a.Close()

	handles := make([]Handle, 16)
	for i := range handles {
		handles[i] = a.Alloc(512)
	}
	var keep []Handle
	for i, h := range handles {
		if i%2 == 0 {
			a.Free(h)
			continue
		}
		keep = append(keep, h)
	}

	result, err := a.Compact(0)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if result.BlocksMoved == 0 {
		t.Error("expected blocks to move")
	}
	if result.FragmentationAfter != 0 {
		t.Errorf("expected no fragmentation after compaction, got %d", result.FragmentationAfter)
	}
	if stats := a.SegmentStats()[0]; stats.FreeBlocks != 1 {
		t.Errorf("expected a single trailing free block, got %d", stats.FreeBlocks)
	}

	if _, err := a.Compact(3); err == nil {
		t.Error("expected an error for an unknown segment")
	}

	for _, h := range keep {
		a.Free(h)
	}
}

func TestFragmentationScenario(t *testing.T) {
	a := newTestAllocator(t)
	defer a.Close()

	handles := make([]Handle, 1000)
	for i := range handles {
		handles[i] = a.Alloc(64)
		if handles[i].IsNil() {
			t.Fatalf("Allocation %d failed", i)
		}
	}
	for i := 0; i < len(handles); i += 2 {
		a.Free(handles[i])
		handles[i] = NilHandle
	}

	before := a.FragmentationLevel()
	big := a.Alloc(512)
	if big.IsNil() {
		t.Fatal("512-byte allocation failed")
	}
	if after := a.FragmentationLevel(); after > before {
		t.Errorf("fragmentation rose from %d to %d", before, after)
	}

	a.Free(big)
	for _, h := range handles {
		if !h.IsNil() {
			a.Free(h)
		}
	}
	if a.AllocatedSize() != 0 {
		t.Errorf("expected 0 bytes allocated, got %d", a.AllocatedSize())
	}
}

func TestConcurrentConservation(t *testing.T) {
	a := newTestAllocator(t, WithCapacity(8<<20))
	defer a.Close()

	const workers = 8
	const ops = 2000

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		seed := int64(w)
		g.Go(func() error {
			rng := rand.New(rand.NewSource(seed))
			var live []Handle
			for i := 0; i < ops; i++ {
				if len(live) > 0 && rng.Intn(2) == 0 {
					j := rng.Intn(len(live))
					if err := a.Free(live[j]); err != nil {
						return err
					}
					live[j] = live[len(live)-1]
					live = live[:len(live)-1]
					continue
				}
				if h := a.Alloc(uintptr(rng.Intn(2048) + 1)); !h.IsNil() {
					live = append(live, h)
				}
			}
			for _, h := range live {
				if err := a.Free(h); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("worker failed: %v", err)
	}

	if a.AllocatedSize() != 0 {
		t.Errorf("expected 0 bytes allocated after all frees, got %d", a.AllocatedSize())
	}
	stats := a.PerformanceStats()
	if stats.AllocCount != stats.DeallocCount {
		t.Errorf("alloc count %d != dealloc count %d", stats.AllocCount, stats.DeallocCount)
	}
}

func TestFormatLeaks(t *testing.T) {
	if got := FormatLeaks(nil); got != "No memory leaks detected" {
		t.Errorf("unexpected report %q", got)
	}

	a := newTestAllocator(t)
	h := a.Alloc(100)
	leaks := a.CheckLeaks()
	if len(leaks) != 1 || leaks[0].Handle != h {
		t.Fatalf("expected one leak for %s, got %+v", h, leaks)
	}
	a.Free(h)
	if leaks := a.CheckLeaks(); len(leaks) != 0 {
		t.Errorf("expected no leaks, got %d", len(leaks))
	}
	if err := a.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestAccessPinsBlockAcrossCompaction(t *testing.T) {
	a := newTestAllocator(t, WithSegments(1), WithCompactionThreshold(100))
	defer a.Close()

	var handles []Handle
	for i := 0; i < 8; i++ {
		handles = append(handles, a.Alloc(64))
	}
	for i := 0; i < len(handles); i += 2 {
		a.Free(handles[i])
	}
	target := handles[7]

	if err := a.Access(target, func(b []byte) error {
		for i := range b {
			b[i] = 0xAB
		}
		return nil
	}); err != nil {
		t.Fatalf("Access failed: %v", err)
	}

	if _, err := a.Compact(0); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}

	err := a.Access(target, func(b []byte) error {
		for i, v := range b {
			if v != 0xAB {
				return fmt.Errorf("byte %d = %#x after compaction", i, v)
			}
		}
		return nil
	})
	if err != nil {
		t.Error(err)
	}

	if err := a.Access(handles[0], func([]byte) error { return nil }); err == nil {
		t.Error("Access on a freed handle should fail")
	}
	for i := 1; i < len(handles); i += 2 {
		a.Free(handles[i])
	}
}
