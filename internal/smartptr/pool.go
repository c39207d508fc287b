package smartptr

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/orizon-lang/memcore/internal/allocator"
	"github.com/orizon-lang/memcore/internal/objects"
)

// RelationshipRemover is notified when an object dies so that relationship
// edges naming it can be dropped.
type RelationshipRemover interface {
	RemoveRelationships(id objects.ID)
}

// PoolOption configures a Pool.
type PoolOption func(*poolConfig)

type poolConfig struct {
	detector  RelationshipRemover
	onRelease func(objects.ID, any)
	ids       *objects.Generator
	logger    *slog.Logger
}

// WithDetector removes an object's relationships when its payload is destroyed.
func WithDetector(d RelationshipRemover) PoolOption {
	return func(c *poolConfig) { c.detector = d }
}

// WithReleaseHook runs fn with the payload just before it is destroyed. The
// payload is passed as a *T.
func WithReleaseHook(fn func(id objects.ID, value any)) PoolOption {
	return func(c *poolConfig) { c.onRelease = fn }
}

// WithIDs selects the generator that names new objects.
func WithIDs(g *objects.Generator) PoolOption {
	return func(c *poolConfig) { c.ids = g }
}

// WithLogger sets the logger used for storage release failures.
func WithLogger(logger *slog.Logger) PoolOption {
	return func(c *poolConfig) { c.logger = logger }
}

// PoolStats tracks control block usage.
type PoolStats struct {
	Created       uint64  // Payloads constructed
	Destroyed     uint64  // Payloads destroyed
	Live          int64   // Payloads not yet destroyed
	ControlBlocks int64   // Control blocks whose storage is still held
	BlockSize     uintptr // Arena bytes reserved per control block
}

// Pool is a typed control block pool. Every control block reserves its size
// in the block allocator, so the arena's capacity bounds how many objects
// can exist and exhaustion surfaces as an out-of-memory error. The payload
// itself stays in Go memory where the collector can see pointers inside T.
type Pool[T any] struct {
	alloc     *allocator.BlockAllocator
	cfg       poolConfig
	blockSize uintptr
	free      sync.Pool

	created   atomic.Uint64
	destroyed atomic.Uint64
	live      atomic.Int64
	blocks    atomic.Int64
}

// NewPool creates a pool. alloc may be nil, in which case no arena space is
// reserved.
func NewPool[T any](alloc *allocator.BlockAllocator, opts ...PoolOption) *Pool[T] {
	cfg := poolConfig{ids: objects.Default, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &Pool[T]{alloc: alloc, cfg: cfg}
	p.blockSize = unsafe.Sizeof(ControlBlock[T]{})
	p.free.New = func() any { return new(ControlBlock[T]) }
	return p
}

func (p *Pool[T]) acquire() (*ControlBlock[T], error) {
	mem := allocator.NilHandle
	if p.alloc != nil {
		h, err := p.alloc.TryAlloc(p.blockSize)
		if err != nil {
			return nil, fmt.Errorf("smartptr: allocate control block: %w", err)
		}
		mem = h
	}

	cb := p.free.Get().(*ControlBlock[T])
	cb.id = p.cfg.ids.Next()
	cb.mem = mem
	cb.pool = p
	cb.expired.Store(false)
	cb.destroyed.Store(false)
	p.blocks.Add(1)
	return cb, nil
}

// rollback returns a control block whose payload was never constructed.
func (p *Pool[T]) rollback(cb *ControlBlock[T]) {
	var zero T
	cb.value = zero
	p.recycle(cb)
}

func (p *Pool[T]) recycle(cb *ControlBlock[T]) {
	if p.alloc != nil && !cb.mem.IsNil() {
		if err := p.alloc.Free(cb.mem); err != nil {
			p.cfg.logger.Error("failed to release control block storage",
				slog.String("object", cb.id.String()),
				slog.Any("error", err))
		}
	}
	cb.mem = allocator.NilHandle
	cb.pool = nil
	cb.id = objects.Root
	cb.gen.Add(1)
	p.blocks.Add(-1)
	p.free.Put(cb)
}

// destroy runs the release hook before relationships are dropped, so a hook
// that stops new relationships from forming leaves none behind.
func (p *Pool[T]) destroy(id objects.ID, value *T) {
	if p.cfg.onRelease != nil {
		p.cfg.onRelease(id, value)
	}
	if p.cfg.detector != nil {
		p.cfg.detector.RemoveRelationships(id)
	}
	if d, ok := any(value).(Destroyer); ok {
		d.Destroy()
	}
	p.destroyed.Add(1)
	p.live.Add(-1)
}

// Live returns the number of payloads that have not been destroyed.
func (p *Pool[T]) Live() int64 {
	return p.live.Load()
}

// Stats returns pool counters.
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Created:       p.created.Load(),
		Destroyed:     p.destroyed.Load(),
		Live:          p.live.Load(),
		ControlBlocks: p.blocks.Load(),
		BlockSize:     p.blockSize,
	}
}

// Make allocates a control block and stores value in it. The new handle is
// the only strong reference.
func Make[T any](p *Pool[T], value T) (SmartPtr[T], error) {
	return MakeWith(p, func(v *T) error {
		*v = value
		return nil
	})
}

// MakeWith allocates a control block and lets init construct the payload in
// place. If init fails or panics, the reservation is rolled back.
func MakeWith[T any](p *Pool[T], init func(*T) error) (ptr SmartPtr[T], err error) {
	cb, err := p.acquire()
	if err != nil {
		return SmartPtr[T]{}, err
	}

	constructed := false
	defer func() {
		if !constructed {
			p.rollback(cb)
		}
	}()

	if init != nil {
		if err := init(&cb.value); err != nil {
			return SmartPtr[T]{}, fmt.Errorf("smartptr: construct %s: %w", cb.id, err)
		}
	}
	constructed = true

	cb.strong.Store(1)
	cb.weak.Store(1)
	p.created.Add(1)
	p.live.Add(1)
	return SmartPtr[T]{cb: cb, gen: cb.gen.Load()}, nil
}
