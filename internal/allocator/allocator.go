// Package allocator provides the segmented block allocator used by memcore.
// An arena is split into a power-of-two number of independently locked
// segments; requests are routed to a segment by size class, served best-fit
// with block splitting, and freed blocks are coalesced. Segments whose
// fragmentation crosses a threshold are compacted in place.
//
// Allocations are named by Handle rather than by address, so compaction can
// relocate live blocks without invalidating anything callers hold.
package allocator

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"unsafe"

	memerrors "github.com/orizon-lang/memcore/internal/errors"
)

// Configuration for the allocator.
type Config struct {
	Capacity            uintptr
	Segments            int
	Alignment           uintptr
	SmallThreshold      uintptr
	MinSplit            uintptr
	SplitRatio          float64
	CompactionThreshold uint32
	UseMmap             bool
	EnableLeakCheck     bool
	Logger              *slog.Logger
}

type Option func(*Config)

// DefaultConfig returns the configuration used when no options are given.
func DefaultConfig() Config {
	return Config{
		Capacity:            64 * 1024 * 1024, // 64MB default arena
		Segments:            8,
		Alignment:           16,
		SmallThreshold:      256,
		MinSplit:            64,
		SplitRatio:          0.875,
		CompactionThreshold: 90,
		UseMmap:             true,
		EnableLeakCheck:     true,
	}
}

// Option functions.
func WithCapacity(size uintptr) Option {
	return func(c *Config) { c.Capacity = size }
}

func WithSegments(n int) Option {
	return func(c *Config) { c.Segments = n }
}

func WithAlignment(alignment uintptr) Option {
	return func(c *Config) { c.Alignment = alignment }
}

func WithSmallThreshold(size uintptr) Option {
	return func(c *Config) { c.SmallThreshold = size }
}

func WithMinSplit(size uintptr) Option {
	return func(c *Config) { c.MinSplit = size }
}

func WithSplitRatio(ratio float64) Option {
	return func(c *Config) { c.SplitRatio = ratio }
}

// WithCompactionThreshold sets the fragmentation level (0-100) above which a
// segment is compacted. 100 disables automatic compaction.
func WithCompactionThreshold(level uint32) Option {
	return func(c *Config) { c.CompactionThreshold = level }
}

func WithMmap(enabled bool) Option {
	return func(c *Config) { c.UseMmap = enabled }
}

func WithLeakCheck(enabled bool) Option {
	return func(c *Config) { c.EnableLeakCheck = enabled }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// FromConfig replaces the whole configuration.
func FromConfig(cfg Config) Option {
	return func(c *Config) {
		logger := c.Logger
		*c = cfg
		if c.Logger == nil {
			c.Logger = logger
		}
	}
}

// Validate checks the configuration for values the allocator cannot honour.
func (c Config) Validate() error {
	switch {
	case !isPowerOfTwo(c.Alignment) || c.Alignment > pageSizeLimit:
		return memerrors.InvalidConfig("alignment", c.Alignment, "must be a power of two no larger than 4096")
	case c.Segments <= 0 || c.Segments > maxSegments || !isPowerOfTwo(uintptr(c.Segments)):
		return memerrors.InvalidConfig("segments", c.Segments, fmt.Sprintf("must be a power of two in [1, %d]", maxSegments))
	case c.Capacity/uintptr(c.Segments) < c.Alignment:
		return memerrors.InvalidConfig("capacity", c.Capacity, "too small for the segment count")
	case c.SmallThreshold == 0:
		return memerrors.InvalidConfig("small_threshold", c.SmallThreshold, "must be positive")
	case c.SplitRatio <= 0 || c.SplitRatio > 1:
		return memerrors.InvalidConfig("split_ratio", c.SplitRatio, "must be in (0, 1]")
	case c.CompactionThreshold > 100:
		return memerrors.InvalidConfig("compaction_threshold", c.CompactionThreshold, "must be in [0, 100]")
	}
	return nil
}

const pageSizeLimit = 4096

// PerformanceStats summarises allocator activity.
type PerformanceStats struct {
	AllocCount     uint64
	DeallocCount   uint64
	PeakUsage      uintptr
	FastPathAllocs uint64
	SlowPathAllocs uint64
	FallbackAllocs uint64
	FastPathFrees  uint64
	FailedAllocs   uint64
	ContractErrors uint64
	Compactions    uint64
	BlocksMoved    uint64
}

// SegmentStats describes one segment at the moment of observation.
type SegmentStats struct {
	Index         int
	TotalSize     uintptr
	UsedBlocks    int
	FreeBlocks    int
	FreeBytes     uintptr
	LargestFree   uintptr
	Fragmentation uint32
	Compactions   uint64
}

// BlockAllocator is a segmented best-fit allocator over a fixed arena.
type BlockAllocator struct {
	config   Config
	logger   *slog.Logger
	policy   splitPolicy
	arena    []byte
	release  func() error
	segments []*segment
	segMask  uintptr

	allocated atomic.Int64
	peak      atomic.Int64
	closed    atomic.Bool

	allocCount     atomic.Uint64
	deallocCount   atomic.Uint64
	fastAllocs     atomic.Uint64
	slowAllocs     atomic.Uint64
	fallbackAllocs atomic.Uint64
	fastFrees      atomic.Uint64
	failedAllocs   atomic.Uint64
	contractErrors atomic.Uint64
}

// New creates a block allocator.
func New(options ...Option) (*BlockAllocator, error) {
	config := DefaultConfig()
	for _, opt := range options {
		opt(&config)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	segSize := alignDown(config.Capacity/uintptr(config.Segments), config.Alignment)
	capacity := segSize * uintptr(config.Segments)

	arena, release, err := mapArena(capacity, config.Alignment, config.UseMmap)
	if err != nil {
		return nil, fmt.Errorf("failed to create allocator arena: %w", err)
	}

	a := &BlockAllocator{
		config:  config,
		logger:  config.Logger.With(slog.String("component", "allocator")),
		policy:  splitPolicy{minSplit: config.MinSplit, splitRatio: config.SplitRatio},
		arena:   arena,
		release: release,
		segMask: uintptr(config.Segments - 1),
	}
	a.config.Capacity = capacity

	a.segments = make([]*segment, config.Segments)
	for i := range a.segments {
		off := uintptr(i) * segSize
		a.segments[i] = newSegment(i, arena[off:off+segSize:off+segSize])
	}

	return a, nil
}

func alignDown(size, alignment uintptr) uintptr {
	return size &^ (alignment - 1)
}

// Alloc allocates size bytes and returns NilHandle when the request cannot be
// satisfied (including size 0).
func (a *BlockAllocator) Alloc(size uintptr) Handle {
	h, _ := a.TryAlloc(size)
	return h
}

// TryAlloc allocates size bytes, reporting why an allocation failed.
func (a *BlockAllocator) TryAlloc(size uintptr) (Handle, error) {
	if size == 0 {
		return NilHandle, memerrors.InvalidSize(size, "allocate")
	}
	if a.closed.Load() {
		return NilHandle, memerrors.InvalidHandle(0, "allocator closed")
	}

	aligned := alignUp(size, a.config.Alignment)
	if aligned < size || aligned > a.config.Capacity {
		a.failedAllocs.Add(1)
		return NilHandle, memerrors.OutOfMemory(size, a.config.Capacity)
	}

	idx := int((aligned / a.config.SmallThreshold) & a.segMask)
	seg := a.segments[idx]

	if aligned <= a.config.SmallThreshold {
		if h, granted, ok := seg.claimFast(aligned, &a.policy); ok {
			a.fastAllocs.Add(1)
			a.recordAlloc(granted)
			return h, nil
		}
	}

	if h, granted, ok := a.allocateSlow(seg, aligned); ok {
		a.slowAllocs.Add(1)
		a.recordAlloc(granted)
		return h, nil
	}

	if h, granted, ok := a.allocateFromAnySegment(idx, aligned); ok {
		a.fallbackAllocs.Add(1)
		a.recordAlloc(granted)
		return h, nil
	}

	a.failedAllocs.Add(1)
	a.logger.Warn("allocation failed",
		slog.Uint64("size", uint64(size)),
		slog.Int64("allocated", a.allocated.Load()),
		slog.Uint64("capacity", uint64(a.config.Capacity)))
	return NilHandle, memerrors.OutOfMemory(size, a.config.Capacity)
}

func (a *BlockAllocator) allocateSlow(seg *segment, size uintptr) (Handle, uintptr, bool) {
	seg.mu.Lock()
	defer seg.mu.Unlock()

	h, granted, ok := seg.allocateLocked(size, &a.policy)
	if !ok {
		return NilHandle, 0, false
	}
	a.maybeCompactLocked(seg)
	return h, granted, true
}

// allocateFromAnySegment scans every other segment under its own lock.
func (a *BlockAllocator) allocateFromAnySegment(skip int, size uintptr) (Handle, uintptr, bool) {
	for i, seg := range a.segments {
		if i == skip || seg.totalSize() < size {
			continue
		}
		if h, granted, ok := a.allocateSlow(seg, size); ok {
			return h, granted, true
		}
	}
	return NilHandle, 0, false
}

func (a *BlockAllocator) recordAlloc(granted uintptr) {
	a.allocCount.Add(1)
	now := a.allocated.Add(int64(granted))
	for {
		peak := a.peak.Load()
		if now <= peak || a.peak.CompareAndSwap(peak, now) {
			return
		}
	}
}

// maybeCompactLocked refreshes the segment's fragmentation and compacts it
// when the level exceeds the configured threshold.
func (a *BlockAllocator) maybeCompactLocked(seg *segment) {
	level := seg.fragmentationLocked()
	if a.config.CompactionThreshold >= 100 || level <= a.config.CompactionThreshold {
		return
	}
	result := seg.compactLocked()
	a.logger.Debug("segment compacted",
		slog.Int("segment", seg.index),
		slog.Uint64("blocks_moved", result.BlocksMoved),
		slog.Uint64("bytes_moved", result.BytesMoved),
		slog.Int("fragmentation_before", int(result.FragmentationBefore)),
		slog.Int("fragmentation_after", int(result.FragmentationAfter)),
		slog.Duration("duration", result.Duration))
}

// Free releases the allocation named by h. Releasing a handle twice, or a
// handle this allocator never issued, is a contract violation.
func (a *BlockAllocator) Free(h Handle) error {
	seg, err := a.segmentOf(h)
	if err != nil {
		return a.violation(err)
	}

	seg.mu.RLock()
	b, err := seg.lookup(h)
	if err != nil {
		seg.mu.RUnlock()
		return a.violation(err)
	}
	if size := b.size; size <= a.config.SmallThreshold {
		err = b.release(h)
		seg.mu.RUnlock()
		if err != nil {
			return a.violation(err)
		}
		a.fastFrees.Add(1)
		a.recordFree(size)
		return nil
	}
	seg.mu.RUnlock()

	seg.mu.Lock()
	defer seg.mu.Unlock()

	b, err = seg.lookup(h)
	if err != nil {
		return a.violation(err)
	}
	size := b.size
	if err := b.release(h); err != nil {
		return a.violation(err)
	}
	a.recordFree(size)

	seg.coalesceLocked()
	a.maybeCompactLocked(seg)
	return nil
}

func (a *BlockAllocator) recordFree(size uintptr) {
	a.deallocCount.Add(1)
	a.allocated.Add(-int64(size))
}

func (a *BlockAllocator) violation(err error) error {
	a.contractErrors.Add(1)
	a.logger.Error("contract violation", slog.Any("error", err))
	contractViolation(err)
	return err
}

func (a *BlockAllocator) segmentOf(h Handle) (*segment, error) {
	if h.IsNil() {
		return nil, memerrors.InvalidHandle(uint64(h), "nil handle")
	}
	idx := h.segment()
	if idx >= len(a.segments) {
		return nil, memerrors.InvalidHandle(uint64(h), "segment out of range")
	}
	return a.segments[idx], nil
}

// Bytes returns the memory behind h. The slice is valid only until the next
// operation that can compact h's segment; keep the handle, not the slice.
func (a *BlockAllocator) Bytes(h Handle) ([]byte, error) {
	if a.closed.Load() {
		return nil, memerrors.InvalidHandle(uint64(h), "allocator closed")
	}
	seg, err := a.segmentOf(h)
	if err != nil {
		return nil, err
	}
	seg.mu.RLock()
	defer seg.mu.RUnlock()

	b, err := seg.lookup(h)
	if err != nil {
		return nil, err
	}
	return seg.mem[b.offset : b.offset+b.size : b.offset+b.size], nil
}

// Access calls fn with the memory behind h while holding the segment's shared
// lock, so compaction cannot move the block until fn returns. fn must not
// allocate from or free into the same allocator.
func (a *BlockAllocator) Access(h Handle, fn func([]byte) error) error {
	if a.closed.Load() {
		return memerrors.InvalidHandle(uint64(h), "allocator closed")
	}
	seg, err := a.segmentOf(h)
	if err != nil {
		return err
	}
	seg.mu.RLock()
	defer seg.mu.RUnlock()

	b, err := seg.lookup(h)
	if err != nil {
		return err
	}
	return fn(seg.mem[b.offset : b.offset+b.size : b.offset+b.size])
}

// Addr returns the current address of h's first byte. Like Bytes, it is
// stable only between compactions.
func (a *BlockAllocator) Addr(h Handle) (uintptr, error) {
	buf, err := a.Bytes(h)
	if err != nil {
		return 0, err
	}
	return uintptr(unsafe.Pointer(unsafe.SliceData(buf))), nil
}

// SizeOf returns the number of bytes granted to h, which may exceed the
// requested size when a block was not split.
func (a *BlockAllocator) SizeOf(h Handle) (uintptr, error) {
	seg, err := a.segmentOf(h)
	if err != nil {
		return 0, err
	}
	seg.mu.RLock()
	defer seg.mu.RUnlock()

	b, err := seg.lookup(h)
	if err != nil {
		return 0, err
	}
	return b.size, nil
}

// Compact compacts one segment regardless of its fragmentation level.
func (a *BlockAllocator) Compact(segment int) (*CompactionResult, error) {
	if segment < 0 || segment >= len(a.segments) {
		return nil, memerrors.InvalidConfig("segment", segment, "out of range")
	}
	seg := a.segments[segment]
	seg.mu.Lock()
	defer seg.mu.Unlock()

	seg.coalesceLocked()
	return seg.compactLocked(), nil
}

// AllocatedSize returns the bytes currently granted to callers.
func (a *BlockAllocator) AllocatedSize() uintptr {
	return uintptr(a.allocated.Load())
}

// Capacity returns the total arena size.
func (a *BlockAllocator) Capacity() uintptr {
	return a.config.Capacity
}

// Alignment returns the alignment every allocation honours.
func (a *BlockAllocator) Alignment() uintptr {
	return a.config.Alignment
}

// FragmentationLevel returns the mean of the per-segment fragmentation
// levels, each computed from the segment's current free list.
func (a *BlockAllocator) FragmentationLevel() uint32 {
	var sum uint64
	for _, seg := range a.segments {
		seg.mu.RLock()
		sum += uint64(seg.fragmentationLocked())
		seg.mu.RUnlock()
	}
	return uint32(sum / uint64(len(a.segments)))
}

// PerformanceStats returns allocation counters.
func (a *BlockAllocator) PerformanceStats() PerformanceStats {
	stats := PerformanceStats{
		AllocCount:     a.allocCount.Load(),
		DeallocCount:   a.deallocCount.Load(),
		PeakUsage:      uintptr(a.peak.Load()),
		FastPathAllocs: a.fastAllocs.Load(),
		SlowPathAllocs: a.slowAllocs.Load(),
		FallbackAllocs: a.fallbackAllocs.Load(),
		FastPathFrees:  a.fastFrees.Load(),
		FailedAllocs:   a.failedAllocs.Load(),
		ContractErrors: a.contractErrors.Load(),
	}
	for _, seg := range a.segments {
		stats.Compactions += seg.compactions.Load()
		stats.BlocksMoved += seg.blocksMoved.Load()
	}
	return stats
}

// SegmentStats returns a snapshot of every segment.
func (a *BlockAllocator) SegmentStats() []SegmentStats {
	out := make([]SegmentStats, 0, len(a.segments))
	for _, seg := range a.segments {
		seg.mu.RLock()
		freeBlocks, usedBlocks, freeBytes, largest := seg.freeStats()
		out = append(out, SegmentStats{
			Index:         seg.index,
			TotalSize:     seg.totalSize(),
			UsedBlocks:    usedBlocks,
			FreeBlocks:    freeBlocks,
			FreeBytes:     freeBytes,
			LargestFree:   largest,
			Fragmentation: seg.fragmentationLocked(),
			Compactions:   seg.compactions.Load(),
		})
		seg.mu.RUnlock()
	}
	return out
}

// Memory leak detection.

// LeakInfo represents information about a memory leak.
type LeakInfo struct {
	Handle  Handle
	Segment int
	Offset  uintptr
	Size    uintptr
}

// CheckLeaks lists every allocation that is still live.
func (a *BlockAllocator) CheckLeaks() []LeakInfo {
	if !a.config.EnableLeakCheck {
		return nil
	}

	var leaks []LeakInfo
	for _, seg := range a.segments {
		seg.mu.RLock()
		for i := seg.head; i != nilSlot; i = seg.blocks[i].next {
			b := seg.blocks[i]
			st := b.state.Load()
			if !stateUsed(st) {
				continue
			}
			leaks = append(leaks, LeakInfo{
				Handle:  makeHandle(seg.index, i, stateGen(st)),
				Segment: seg.index,
				Offset:  b.offset,
				Size:    b.size,
			})
		}
		seg.mu.RUnlock()
	}
	return leaks
}

// FormatLeaks formats leak information for display.
func FormatLeaks(leaks []LeakInfo) string {
	if len(leaks) == 0 {
		return "No memory leaks detected"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Detected %d memory leaks:\n", len(leaks))
	for i, leak := range leaks {
		fmt.Fprintf(&sb, "  Leak %d: %d bytes in segment %d at offset %d (%s)\n",
			i+1, leak.Size, leak.Segment, leak.Offset, leak.Handle)
	}
	return sb.String()
}

// Close releases the arena. Bytes still allocated at this point are a
// resource leak: they are logged, returned as an error and, in debug builds,
// abort the process. Close must not race with other allocator calls.
func (a *BlockAllocator) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}

	var leakErr error
	if remaining := a.allocated.Load(); remaining != 0 {
		leaks := a.CheckLeaks()
		a.logger.Error("allocator closed with live allocations",
			slog.Int64("bytes", remaining),
			slog.Int("blocks", len(leaks)))
		if len(leaks) > 0 {
			a.logger.Debug(FormatLeaks(leaks))
		}
		leakErr = memerrors.ResourceLeak("allocator", uint64(remaining), len(leaks))
		contractViolation(leakErr)
	}

	for _, seg := range a.segments {
		seg.mu.Lock()
		seg.mem = nil
		seg.head = nilSlot
		seg.mu.Unlock()
	}
	a.arena = nil

	if err := a.release(); err != nil {
		if leakErr != nil {
			return fmt.Errorf("%w; %v", leakErr, err)
		}
		return err
	}
	return leakErr
}
