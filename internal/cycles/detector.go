// Package cycles tracks explicit relationships between objects and reports
// reference cycles that counting alone cannot reclaim. It only detects;
// breaking cycles is the collector's job.
package cycles

//go:generate mockgen -source=detector.go -destination=mock_reporter_test.go -package=cycles Reporter

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orizon-lang/memcore/internal/objects"
)

// Edge is one outgoing relationship.
type Edge struct {
	Target     objects.ID
	TargetType string
	Timestamp  time.Time
}

// Cycle describes a closed path. Path starts and ends with the same object.
type Cycle struct {
	Path       []objects.ID
	Types      []string
	DetectedAt time.Time
}

func (c Cycle) String() string {
	var sb strings.Builder
	for i, id := range c.Path {
		if i > 0 {
			sb.WriteString(" -> ")
		}
		sb.WriteString(id.String())
		if i < len(c.Types) && c.Types[i] != "" {
			fmt.Fprintf(&sb, "(%s)", c.Types[i])
		}
	}
	return sb.String()
}

// Reporter receives every newly detected cycle.
type Reporter interface {
	CycleDetected(c Cycle)
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger cycles are reported to.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) { d.logger = logger }
}

// WithReporter forwards detected cycles to r.
func WithReporter(r Reporter) Option {
	return func(d *Detector) { d.reporter = r }
}

// WithHistoryLimit bounds how many detected cycles are retained. Zero keeps none.
func WithHistoryLimit(n int) Option {
	return func(d *Detector) { d.historyLimit = n }
}

// WithClock overrides the time source used for edge and cycle timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// Detector is a directed relationship graph keyed by object identifiers.
type Detector struct {
	mu           sync.RWMutex
	edges        map[objects.ID][]Edge
	types        map[objects.ID]string
	history      []Cycle
	historyLimit int

	reporter Reporter
	logger   *slog.Logger
	now      func() time.Time

	detected atomic.Uint64
}

// New creates an empty detector.
func New(opts ...Option) *Detector {
	d := &Detector{
		edges:        make(map[objects.ID][]Edge),
		types:        make(map[objects.ID]string),
		historyLimit: 64,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(slog.String("component", "cycles"))
	return d
}

// RegisterRelationship records src -> dst. If the new edge closes a cycle
// the cycle is logged, kept in the history and sent to the reporter.
// Registering an existing edge only refreshes its timestamp.
func (d *Detector) RegisterRelationship(src, dst objects.ID, srcType, dstType string) {
	now := d.now()

	d.mu.Lock()
	if srcType != "" {
		d.types[src] = srcType
	}
	if dstType != "" {
		d.types[dst] = dstType
	}

	list := d.edges[src]
	for i := range list {
		if list[i].Target == dst {
			list[i].Timestamp = now
			d.mu.Unlock()
			return
		}
	}
	d.edges[src] = append(list, Edge{Target: dst, TargetType: dstType, Timestamp: now})

	cycle, found := d.cycleThroughLocked(src, dst, now)
	if found {
		d.recordLocked(cycle)
	}
	d.mu.Unlock()

	if found {
		d.detected.Add(1)
		d.logger.Warn("circular reference detected",
			slog.String("cycle", cycle.String()),
			slog.Int("length", len(cycle.Path)-1),
			slog.Time("detected_at", cycle.DetectedAt))
		if d.reporter != nil {
			d.reporter.CycleDetected(cycle)
		}
	}
}

// cycleThroughLocked looks for a path dst -> ... -> src, which together with
// the edge src -> dst forms a cycle.
func (d *Detector) cycleThroughLocked(src, dst objects.ID, now time.Time) (Cycle, bool) {
	visited := make(map[objects.ID]bool)
	path := []objects.ID{src}

	var walk func(id objects.ID) bool
	walk = func(id objects.ID) bool {
		path = append(path, id)
		if id == src {
			return true
		}
		visited[id] = true
		for _, e := range d.edges[id] {
			if !visited[e.Target] && walk(e.Target) {
				return true
			}
		}
		path = path[:len(path)-1]
		return false
	}

	if !walk(dst) {
		return Cycle{}, false
	}

	types := make([]string, len(path))
	for i, id := range path {
		types[i] = d.types[id]
	}
	return Cycle{Path: path, Types: types, DetectedAt: now}, true
}

func (d *Detector) recordLocked(c Cycle) {
	if d.historyLimit <= 0 {
		return
	}
	if len(d.history) >= d.historyLimit {
		d.history = slices.Delete(d.history, 0, len(d.history)-d.historyLimit+1)
	}
	d.history = append(d.history, c)
}

// RemoveRelationships drops every edge that starts or ends at id.
func (d *Detector) RemoveRelationships(id objects.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.edges, id)
	delete(d.types, id)
	for src, list := range d.edges {
		kept := slices.DeleteFunc(list, func(e Edge) bool { return e.Target == id })
		if len(kept) == 0 {
			delete(d.edges, src)
		} else {
			d.edges[src] = kept
		}
	}
}

// RemoveRelationship drops the single edge src -> dst.
func (d *Detector) RemoveRelationship(src, dst objects.ID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := slices.DeleteFunc(d.edges[src], func(e Edge) bool { return e.Target == dst })
	if len(kept) == 0 {
		delete(d.edges, src)
	} else {
		d.edges[src] = kept
	}
}

// HasCircularReferences reports whether id lies on some cycle.
func (d *Detector) HasCircularReferences(id objects.ID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	visited := make(map[objects.ID]bool)
	stack := make([]objects.ID, 0, 16)
	for _, e := range d.edges[id] {
		stack = append(stack, e.Target)
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == id {
			return true
		}
		if visited[n] {
			continue
		}
		visited[n] = true
		for _, e := range d.edges[n] {
			stack = append(stack, e.Target)
		}
	}
	return false
}

// CircularReferenceObjects returns, in ascending order, every object that
// lies on at least one cycle.
func (d *Detector) CircularReferenceObjects() []objects.ID {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []objects.ID
	for _, scc := range d.componentsLocked() {
		if len(scc) > 1 || d.selfLoopLocked(scc[0]) {
			result = append(result, scc...)
		}
	}
	slices.Sort(result)
	return result
}

func (d *Detector) selfLoopLocked(id objects.ID) bool {
	for _, e := range d.edges[id] {
		if e.Target == id {
			return true
		}
	}
	return false
}

// componentsLocked computes strongly connected components with Tarjan's
// algorithm.
func (d *Detector) componentsLocked() [][]objects.ID {
	var (
		index   int
		indices = make(map[objects.ID]int)
		lowlink = make(map[objects.ID]int)
		onStack = make(map[objects.ID]bool)
		stack   []objects.ID
		result  [][]objects.ID
	)

	var strongConnect func(v objects.ID)
	strongConnect = func(v objects.ID) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, e := range d.edges[v] {
			w := e.Target
			if _, seen := indices[w]; !seen {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []objects.ID
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			result = append(result, scc)
		}
	}

	sources := make([]objects.ID, 0, len(d.edges))
	for id := range d.edges {
		sources = append(sources, id)
	}
	slices.Sort(sources)
	for _, id := range sources {
		if _, seen := indices[id]; !seen {
			strongConnect(id)
		}
	}
	return result
}

// Edges returns a copy of the outgoing edges of id.
func (d *Detector) Edges(id objects.ID) []Edge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.edges[id])
}

// Cycles returns the retained detection history, oldest first.
func (d *Detector) Cycles() []Cycle {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.history)
}

// Detected returns how many cycles have been detected since creation.
func (d *Detector) Detected() uint64 {
	return d.detected.Load()
}

// Len returns the number of objects with at least one outgoing edge.
func (d *Detector) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.edges)
}
