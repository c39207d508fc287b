// Package resource combines counted handle creation with per-type live
// counts, cleanup callbacks, relationship tracking and optional collector
// management. It is the entry point other subsystems use to create shared
// objects.
package resource

import (
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/orizon-lang/memcore/internal/allocator"
	"github.com/orizon-lang/memcore/internal/cycles"
	memerrors "github.com/orizon-lang/memcore/internal/errors"
	"github.com/orizon-lang/memcore/internal/gc"
	"github.com/orizon-lang/memcore/internal/objects"
	"github.com/orizon-lang/memcore/internal/smartptr"
)

// Ref is anything that names an object, such as a SmartPtr or WeakPtr.
type Ref interface {
	ID() objects.ID
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithIDs selects the generator used to name objects.
func WithIDs(g *objects.Generator) Option {
	return func(m *Manager) { m.ids = g }
}

type typeEntry struct {
	name    string
	pool    any // *smartptr.Pool[T]
	live    atomic.Int64
	created atomic.Uint64
	cleanup []func(any)
}

// managedEntry lets the collector destroy a payload that strong handles still
// point at. It owns one weak reference to the control block.
type managedEntry struct {
	expire  func() bool
	release func()
}

// Manager is a registry of typed pools keyed by reflect.Type.
type Manager struct {
	alloc     *allocator.BlockAllocator
	detector  *cycles.Detector
	collector *gc.Collector
	ids       *objects.Generator
	logger    *slog.Logger

	mu      sync.RWMutex
	types   map[reflect.Type]*typeEntry
	kinds   map[objects.ID]string
	managed map[objects.ID]managedEntry

	cleanupFailures atomic.Uint64
}

// NewManager creates a manager. Any of alloc, detector and collector may be
// nil; the corresponding features are then unavailable.
func NewManager(alloc *allocator.BlockAllocator, detector *cycles.Detector, collector *gc.Collector, opts ...Option) *Manager {
	m := &Manager{
		alloc:     alloc,
		detector:  detector,
		collector: collector,
		ids:       objects.Default,
		logger:    slog.Default(),
		types:     make(map[reflect.Type]*typeEntry),
		kinds:     make(map[objects.ID]string),
		managed:   make(map[objects.ID]managedEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "resource"))
	return m
}

func entryFor[T any](m *Manager) (*typeEntry, *smartptr.Pool[T]) {
	t := reflect.TypeFor[T]()

	m.mu.RLock()
	e := m.types[t]
	m.mu.RUnlock()
	if e != nil {
		return e, e.pool.(*smartptr.Pool[T])
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e = m.types[t]; e != nil {
		return e, e.pool.(*smartptr.Pool[T])
	}

	e = &typeEntry{name: t.String()}
	opts := []smartptr.PoolOption{
		smartptr.WithIDs(m.ids),
		smartptr.WithLogger(m.logger),
		smartptr.WithReleaseHook(m.releaseHook(e)),
	}
	if m.detector != nil {
		opts = append(opts, smartptr.WithDetector(m.detector))
	}
	pool := smartptr.NewPool[T](m.alloc, opts...)
	e.pool = pool
	m.types[t] = e
	return e, pool
}

// Create makes a new counted object of type T.
func Create[T any](m *Manager, value T) (smartptr.SmartPtr[T], error) {
	e, pool := entryFor[T](m)

	p, err := smartptr.Make(pool, value)
	if err != nil {
		return smartptr.SmartPtr[T]{}, fmt.Errorf("resource: create %s: %w", e.name, err)
	}
	e.live.Add(1)
	e.created.Add(1)

	m.mu.Lock()
	m.kinds[p.ID()] = e.name
	m.mu.Unlock()
	return p, nil
}

// CreateManaged makes a new object that is also tracked by the collector.
// The object starts with one external root, held on behalf of the returned
// handle; call Unroot once the object should only live through references.
func CreateManaged[T any](m *Manager, value T) (smartptr.SmartPtr[T], error) {
	if m.collector == nil {
		return smartptr.SmartPtr[T]{}, memerrors.InvalidConfig("collector", nil, "managed objects need a collector")
	}

	p, err := Create(m, value)
	if err != nil {
		return p, err
	}
	id := p.ID()
	_, pool := entryFor[T](m)

	w := p.Weak()
	m.mu.Lock()
	m.managed[id] = managedEntry{
		expire:  w.Expire,
		release: func() { w.Release() },
	}
	m.mu.Unlock()

	size := uint64(pool.Stats().BlockSize)
	if err := m.collector.RegisterRoot(id, size, m.expireManaged); err != nil {
		m.mu.Lock()
		entry, ok := m.managed[id]
		delete(m.managed, id)
		m.mu.Unlock()
		if ok {
			entry.release()
		}
		p.Release()
		return smartptr.SmartPtr[T]{}, fmt.Errorf("resource: register %v: %w", id, err)
	}
	return p, nil
}

// expireManaged is the collector's destructor for managed objects.
func (m *Manager) expireManaged(id objects.ID) error {
	m.mu.Lock()
	entry, ok := m.managed[id]
	delete(m.managed, id)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	entry.expire()
	entry.release()
	return nil
}

// releaseHook runs when a payload of type e is destroyed, either by its last
// strong handle or by the collector.
func (m *Manager) releaseHook(e *typeEntry) func(objects.ID, any) {
	return func(id objects.ID, value any) {
		e.live.Add(-1)

		m.mu.Lock()
		handlers := slices.Clone(e.cleanup)
		entry, managed := m.managed[id]
		delete(m.managed, id)
		delete(m.kinds, id)
		m.mu.Unlock()

		for _, fn := range handlers {
			m.runCleanup(e.name, id, fn, value)
		}

		if managed {
			// The collector may have dropped the object already.
			_ = m.collector.Unregister(id)
			entry.release()
		}
	}
}

func (m *Manager) runCleanup(typeName string, id objects.ID, fn func(any), value any) {
	defer func() {
		if r := recover(); r != nil {
			m.cleanupFailures.Add(1)
			m.logger.Error("cleanup handler panicked",
				slog.String("type", typeName),
				slog.String("object", id.String()),
				slog.Any("panic", r))
		}
	}()
	fn(value)
}

// OnCleanup registers fn to run on every T payload just before it is
// destroyed.
func OnCleanup[T any](m *Manager, fn func(*T)) {
	e, _ := entryFor[T](m)

	m.mu.Lock()
	defer m.mu.Unlock()
	e.cleanup = append(e.cleanup, func(v any) { fn(v.(*T)) })
}

// Link records that src refers to dst. The relationship is registered with
// the cycle detector and, when both objects are managed, with the collector.
// Both objects must still be alive; a destroyed object yields
// memerrors.ErrUnknownObject.
func (m *Manager) Link(src, dst Ref) error {
	from, to := src.ID(), dst.ID()

	// Held across registration. The release hook deletes the kind under the
	// write lock before the detector drops the object's edges.
	m.mu.RLock()
	srcType, srcLive := m.kinds[from]
	dstType, dstLive := m.kinds[to]
	_, srcManaged := m.managed[from]
	_, dstManaged := m.managed[to]
	switch {
	case !srcLive:
		m.mu.RUnlock()
		return fmt.Errorf("resource: link source: %w", memerrors.UnknownObject(uint64(from)))
	case !dstLive:
		m.mu.RUnlock()
		return fmt.Errorf("resource: link target: %w", memerrors.UnknownObject(uint64(to)))
	}
	if m.detector != nil {
		m.detector.RegisterRelationship(from, to, srcType, dstType)
	}
	m.mu.RUnlock()

	if srcManaged && dstManaged {
		if err := m.collector.AddReference(from, to); err != nil {
			return fmt.Errorf("resource: link %v -> %v: %w", from, to, err)
		}
	}
	return nil
}

// Unlink removes a relationship recorded by Link.
func (m *Manager) Unlink(src, dst Ref) error {
	from, to := src.ID(), dst.ID()

	if m.detector != nil {
		m.detector.RemoveRelationship(from, to)
	}
	if m.isManaged(from) && m.isManaged(to) {
		if err := m.collector.RemoveReference(from, to); err != nil {
			return fmt.Errorf("resource: unlink %v -> %v: %w", from, to, err)
		}
	}
	return nil
}

// Root adds an external root to a managed object.
func (m *Manager) Root(r Ref) error {
	if !m.isManaged(r.ID()) {
		return memerrors.UnknownObject(uint64(r.ID()))
	}
	return m.collector.AddRoot(r.ID())
}

// Unroot drops an external root from a managed object.
func (m *Manager) Unroot(r Ref) error {
	if !m.isManaged(r.ID()) {
		return memerrors.UnknownObject(uint64(r.ID()))
	}
	return m.collector.RemoveRoot(r.ID())
}

func (m *Manager) isManaged(id objects.ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.managed[id]
	return ok
}

// Count returns the number of live T payloads.
func Count[T any](m *Manager) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e := m.types[reflect.TypeFor[T]()]; e != nil {
		return e.live.Load()
	}
	return 0
}

// TypeStats describes one registered type.
type TypeStats struct {
	Name    string
	Live    int64
	Created uint64
}

// Stats summarises the manager.
type Stats struct {
	Types           []TypeStats
	Managed         int
	CleanupFailures uint64
}

// Counts returns the live payload count per type name.
func (m *Manager) Counts() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[string]int64, len(m.types))
	for _, e := range m.types {
		counts[e.name] = e.live.Load()
	}
	return counts
}

// Stats returns per-type counters ordered by type name.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{Managed: len(m.managed), CleanupFailures: m.cleanupFailures.Load()}
	for _, e := range m.types {
		s.Types = append(s.Types, TypeStats{Name: e.name, Live: e.live.Load(), Created: e.created.Load()})
	}
	sort.Slice(s.Types, func(i, j int) bool { return s.Types[i].Name < s.Types[j].Name })
	return s
}
