// Package gc implements a mark-and-sweep collector over an explicit object
// graph. It reclaims groups of objects that keep each other alive through
// counted references but are no longer reachable from any external root.
//
// Objects are registered with a size and a destructor. References between
// objects are declared with AddReference; a reference from objects.Root is an
// external root. A full collection marks everything reachable from roots and
// sweeps the rest. An incremental step examines a bounded batch of objects
// and frees zero-reference objects whose reachable graph is acyclic.
//
// Destructors run after the collector's lock is released and must not make
// objects that are being collected reachable again.
package gc

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	memerrors "github.com/orizon-lang/memcore/internal/errors"
	"github.com/orizon-lang/memcore/internal/objects"
)

// Destructor releases the resources of a collected object.
type Destructor func(id objects.ID) error

// Config controls when and how much the collector works.
type Config struct {
	MemoryThreshold    uint64        // Tracked bytes that trigger a background pass
	CollectionInterval time.Duration // Period of the background goroutine
	MaxPauseTime       time.Duration // Upper bound for one incremental step; 0 disables the cap
	Incremental        bool          // Background passes are incremental steps instead of full passes
	BatchSize          int           // Objects examined per incremental step
}

// DefaultConfig returns the default collector configuration.
func DefaultConfig() Config {
	return Config{
		MemoryThreshold:    64 << 20,
		CollectionInterval: 100 * time.Millisecond,
		MaxPauseTime:       10 * time.Millisecond,
		Incremental:        true,
		BatchSize:          100,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.CollectionInterval <= 0:
		return memerrors.InvalidConfig("collection_interval", c.CollectionInterval, "must be positive")
	case c.MaxPauseTime < 0:
		return memerrors.InvalidConfig("max_pause_time", c.MaxPauseTime, "must not be negative")
	case c.BatchSize <= 0:
		return memerrors.InvalidConfig("batch_size", c.BatchSize, "must be positive")
	}
	return nil
}

// maxCycleSearch bounds the graph walk performed for each incremental
// candidate. Larger reachable graphs are left to full collections.
const maxCycleSearch = 1024

// Stats is a snapshot of collector counters.
type Stats struct {
	TotalMemory      uint64
	ObjectCount      int
	Collections      uint64 // Full passes plus incremental steps
	FullCollections  uint64
	IncrementalSteps uint64
	Freed            uint64
	BytesFreed       uint64
	HandlerFailures  uint64
	LastPause        time.Duration
	Running          bool
}

// Leak describes an object still registered with the collector.
type Leak struct {
	ID       objects.ID
	Size     uint64
	RefCount int
	Roots    int
}

// Option configures a Collector.
type Option func(*Collector)

// WithLogger sets the collector's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) { c.logger = logger }
}

// WithClock overrides the time source used to measure collection pauses.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

type managedObject struct {
	id         objects.ID
	size       uint64
	destructor Destructor
	references map[objects.ID]struct{}
	referrers  map[objects.ID]struct{}
	refCount   int // inbound references, roots included
	roots      int // external references
	marked     bool
}

type victim struct {
	id         objects.ID
	size       uint64
	destructor Destructor
}

// Collector tracks managed objects and their references.
type Collector struct {
	mu      sync.Mutex
	cfg     Config
	objects map[objects.ID]*managedObject
	order   []objects.ID
	cursor  int

	totalMemory atomic.Uint64
	logger      *slog.Logger
	now         func() time.Time

	collections      atomic.Uint64
	fullCollections  atomic.Uint64
	incrementalSteps atomic.Uint64
	freed            atomic.Uint64
	bytesFreed       atomic.Uint64
	handlerFailures  atomic.Uint64
	lastPause        atomic.Int64

	// background goroutine
	running  bool
	wake     chan struct{}
	reconfig chan struct{}
	stop     chan struct{}
	done     chan struct{}
}

// New creates a stopped collector. An invalid configuration is replaced by
// DefaultConfig and logged.
func New(cfg Config, opts ...Option) *Collector {
	c := &Collector{
		objects:  make(map[objects.ID]*managedObject),
		logger:   slog.Default(),
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		reconfig: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "gc"))

	if err := cfg.Validate(); err != nil {
		c.logger.Warn("invalid collector configuration, using defaults", slog.Any("error", err))
		cfg = DefaultConfig()
	}
	c.cfg = cfg
	return c
}

// Configure replaces the configuration. A running background goroutine picks
// up the new interval before its next wait.
func (c *Collector) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.cfg = cfg
	running := c.running
	c.mu.Unlock()

	if running {
		signal(c.reconfig)
	}
	c.maybeWakeForMemory()
	return nil
}

// Config returns the current configuration.
func (c *Collector) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Register adds an object with no references.
func (c *Collector) Register(id objects.ID, size uint64, destructor Destructor) error {
	return c.register(id, size, destructor, 0)
}

// RegisterRoot adds an object that already holds one external root.
func (c *Collector) RegisterRoot(id objects.ID, size uint64, destructor Destructor) error {
	return c.register(id, size, destructor, 1)
}

func (c *Collector) register(id objects.ID, size uint64, destructor Destructor, roots int) error {
	if id == objects.Root {
		return memerrors.InvalidHandle(uint64(id), "the root identifier cannot be registered")
	}

	c.mu.Lock()
	if _, exists := c.objects[id]; exists {
		c.mu.Unlock()
		return memerrors.Duplicate(uint64(id))
	}
	c.objects[id] = &managedObject{
		id:         id,
		size:       size,
		destructor: destructor,
		references: make(map[objects.ID]struct{}),
		referrers:  make(map[objects.ID]struct{}),
		refCount:   roots,
		roots:      roots,
	}
	c.order = append(c.order, id)
	c.totalMemory.Add(size)
	c.mu.Unlock()

	c.maybeWakeForMemory()
	return nil
}

// Unregister removes an object without running its destructor. Its edges are
// dropped in both directions.
func (c *Collector) Unregister(id objects.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[id]
	if !ok {
		return memerrors.UnknownObject(uint64(id))
	}
	c.detachLocked(obj)
	return nil
}

// AddReference records from -> to. A reference from objects.Root roots to.
// Adding an existing object-to-object reference has no effect.
func (c *Collector) AddReference(from, to objects.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, ok := c.objects[to]
	if !ok {
		return memerrors.UnknownObject(uint64(to))
	}
	if from == objects.Root {
		target.roots++
		target.refCount++
		return nil
	}

	source, ok := c.objects[from]
	if !ok {
		return memerrors.UnknownObject(uint64(from))
	}
	if _, exists := source.references[to]; exists {
		return nil
	}
	source.references[to] = struct{}{}
	target.referrers[from] = struct{}{}
	target.refCount++
	return nil
}

// RemoveReference drops from -> to. Removing a reference that does not exist
// has no effect.
func (c *Collector) RemoveReference(from, to objects.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target, ok := c.objects[to]
	if !ok {
		return memerrors.UnknownObject(uint64(to))
	}
	if from == objects.Root {
		if target.roots > 0 {
			target.roots--
			target.refCount--
		}
		return nil
	}

	source, ok := c.objects[from]
	if !ok {
		return memerrors.UnknownObject(uint64(from))
	}
	if _, exists := source.references[to]; !exists {
		return nil
	}
	delete(source.references, to)
	delete(target.referrers, from)
	target.refCount--
	return nil
}

// AddRoot adds an external reference to id.
func (c *Collector) AddRoot(id objects.ID) error {
	return c.AddReference(objects.Root, id)
}

// RemoveRoot drops one external reference to id.
func (c *Collector) RemoveRoot(id objects.ID) error {
	return c.RemoveReference(objects.Root, id)
}

// detachLocked removes obj from the registry and from every edge set that
// names it.
func (c *Collector) detachLocked(obj *managedObject) {
	for to := range obj.references {
		if target, ok := c.objects[to]; ok {
			delete(target.referrers, obj.id)
			target.refCount--
		}
	}
	for from := range obj.referrers {
		if source, ok := c.objects[from]; ok {
			delete(source.references, obj.id)
		}
	}
	delete(c.objects, obj.id)
	c.totalMemory.Add(^(obj.size - 1))
}

// Collect runs a full pass when full is true. Otherwise it asks the running
// background goroutine for a pass, or performs one incremental step inline
// when the collector is stopped.
func (c *Collector) Collect(full bool) {
	if full {
		c.collectFull()
		return
	}

	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	if running {
		signal(c.wake)
		return
	}
	c.collectIncremental()
}

// Request wakes the background goroutine. It does nothing when the collector
// is stopped.
func (c *Collector) Request() {
	signal(c.wake)
}

func (c *Collector) collectFull() int {
	start := c.now()

	c.mu.Lock()
	for _, obj := range c.objects {
		obj.marked = false
	}

	work := make([]*managedObject, 0, len(c.objects))
	for _, obj := range c.objects {
		if obj.roots > 0 {
			obj.marked = true
			work = append(work, obj)
		}
	}
	for len(work) > 0 {
		obj := work[len(work)-1]
		work = work[:len(work)-1]
		for to := range obj.references {
			if next, ok := c.objects[to]; ok && !next.marked {
				next.marked = true
				work = append(work, next)
			}
		}
	}

	var garbage []*managedObject
	for _, obj := range c.objects {
		if !obj.marked {
			garbage = append(garbage, obj)
		}
	}
	slices.SortFunc(garbage, func(a, b *managedObject) int { return cmp.Compare(a.id, b.id) })

	victims := make([]victim, 0, len(garbage))
	for _, obj := range garbage {
		victims = append(victims, victim{id: obj.id, size: obj.size, destructor: obj.destructor})
		c.detachLocked(obj)
	}
	c.compactOrderLocked()
	c.mu.Unlock()

	pause := c.now().Sub(start)
	c.fullCollections.Add(1)
	c.finish(victims, pause, "full")
	return len(victims)
}

func (c *Collector) collectIncremental() int {
	start := c.now()

	c.mu.Lock()
	batch := c.cfg.BatchSize
	maxPause := c.cfg.MaxPauseTime

	var victims []victim
	examined := 0
	for examined < batch && c.cursor < len(c.order) {
		id := c.order[c.cursor]
		c.cursor++

		obj, ok := c.objects[id]
		if !ok {
			continue
		}
		examined++

		if obj.refCount == 0 && !c.detectCyclesLocked(obj) {
			victims = append(victims, victim{id: obj.id, size: obj.size, destructor: obj.destructor})
			c.detachLocked(obj)
		}

		if maxPause > 0 && c.now().Sub(start) >= maxPause {
			break
		}
	}
	if c.cursor >= len(c.order) {
		c.compactOrderLocked()
	}
	c.mu.Unlock()

	pause := c.now().Sub(start)
	c.incrementalSteps.Add(1)
	c.finish(victims, pause, "incremental")
	return len(victims)
}

// detectCyclesLocked reports whether the graph reachable from obj contains a
// cycle. Graphs larger than maxCycleSearch are treated as cyclic so the
// candidate waits for a full pass.
func (c *Collector) detectCyclesLocked(obj *managedObject) bool {
	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[objects.ID]int)
	visited := 0

	var walk func(o *managedObject) bool
	walk = func(o *managedObject) bool {
		visited++
		if visited > maxCycleSearch {
			return true
		}
		state[o.id] = inProgress
		for to := range o.references {
			switch state[to] {
			case inProgress:
				return true
			case unvisited:
				if next, ok := c.objects[to]; ok && walk(next) {
					return true
				}
			}
		}
		state[o.id] = done
		return false
	}
	return walk(obj)
}

// compactOrderLocked drops identifiers of objects that are no longer
// registered and restarts the incremental cursor.
func (c *Collector) compactOrderLocked() {
	c.order = slices.DeleteFunc(c.order, func(id objects.ID) bool {
		_, ok := c.objects[id]
		return !ok
	})
	c.cursor = 0
}

// finish runs destructors for collected objects and updates counters.
func (c *Collector) finish(victims []victim, pause time.Duration, kind string) {
	var bytes uint64
	for _, v := range victims {
		bytes += v.size
		c.destroy(v)
	}

	c.collections.Add(1)
	c.freed.Add(uint64(len(victims)))
	c.bytesFreed.Add(bytes)
	c.lastPause.Store(int64(pause))

	if len(victims) > 0 {
		c.logger.Debug("collection finished",
			slog.String("kind", kind),
			slog.Int("freed", len(victims)),
			slog.Uint64("bytes", bytes),
			slog.Duration("pause", pause))
	}
}

// destroy runs one destructor in isolation. A failing or panicking
// destructor is logged and counted; it never aborts the pass.
func (c *Collector) destroy(v victim) {
	if v.destructor == nil {
		return
	}

	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = v.destructor(v.id)
	}()

	if err != nil {
		c.handlerFailures.Add(1)
		failure := memerrors.HandlerFailure(uint64(v.id), err)
		c.logger.Error("destructor failed",
			slog.String("object", v.id.String()),
			slog.Any("error", failure))
	}
}

// Stats returns a snapshot of collector counters.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	count := len(c.objects)
	running := c.running
	c.mu.Unlock()

	return Stats{
		TotalMemory:      c.totalMemory.Load(),
		ObjectCount:      count,
		Collections:      c.collections.Load(),
		FullCollections:  c.fullCollections.Load(),
		IncrementalSteps: c.incrementalSteps.Load(),
		Freed:            c.freed.Load(),
		BytesFreed:       c.bytesFreed.Load(),
		HandlerFailures:  c.handlerFailures.Load(),
		LastPause:        time.Duration(c.lastPause.Load()),
		Running:          running,
	}
}

// IsRegistered reports whether id is tracked by the collector.
func (c *Collector) IsRegistered(id objects.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.objects[id]
	return ok
}

// Leaks lists every object still registered, ordered by identifier.
func (c *Collector) Leaks() []Leak {
	c.mu.Lock()
	defer c.mu.Unlock()

	leaks := make([]Leak, 0, len(c.objects))
	for _, obj := range c.objects {
		leaks = append(leaks, Leak{ID: obj.id, Size: obj.size, RefCount: obj.refCount, Roots: obj.roots})
	}
	slices.SortFunc(leaks, func(a, b Leak) int { return cmp.Compare(a.ID, b.ID) })
	return leaks
}
