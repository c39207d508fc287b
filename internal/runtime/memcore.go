// Package runtime wires the allocator, cycle detector, collector and
// resource manager into one explicitly owned instance with a defined start
// and teardown order.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/orizon-lang/memcore/internal/allocator"
	"github.com/orizon-lang/memcore/internal/config"
	"github.com/orizon-lang/memcore/internal/cycles"
	memerrors "github.com/orizon-lang/memcore/internal/errors"
	"github.com/orizon-lang/memcore/internal/gc"
	"github.com/orizon-lang/memcore/internal/objects"
	"github.com/orizon-lang/memcore/internal/resource"
)

// Runtime owns one instance of every memory management component.
type Runtime struct {
	mu     sync.Mutex
	cfg    config.Config
	logger *slog.Logger

	alloc     *allocator.BlockAllocator
	detector  *cycles.Detector
	collector *gc.Collector
	resources *resource.Manager
	ids       *objects.Generator

	closeOnce sync.Once
	closeErr  error
}

// Stats aggregates component statistics.
type Stats struct {
	AllocatedSize  uintptr
	Capacity       uintptr
	Fragmentation  uint32
	Allocator      allocator.PerformanceStats
	Collector      gc.Stats
	Resources      resource.Stats
	CyclesDetected uint64
}

// New validates cfg and builds every component. The collector is not
// started until Start is called.
func New(cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	alloc, err := allocator.New(
		allocator.FromConfig(cfg.Allocator.Config()),
		allocator.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "runtime")),
		alloc:  alloc,
		ids:    &objects.Generator{},
	}
	r.detector = cycles.New(cycles.WithLogger(logger))
	r.collector = gc.New(cfg.GC.Collector(), gc.WithLogger(logger))
	r.resources = resource.NewManager(alloc, r.detector, r.collector,
		resource.WithLogger(logger),
		resource.WithIDs(r.ids))

	r.logger.Info("runtime initialized",
		slog.Uint64("capacity", uint64(alloc.Capacity())),
		slog.Int("segments", cfg.Allocator.Segments))
	return r, nil
}

func (r *Runtime) Allocator() *allocator.BlockAllocator { return r.alloc }
func (r *Runtime) Detector() *cycles.Detector           { return r.detector }
func (r *Runtime) Collector() *gc.Collector             { return r.collector }
func (r *Runtime) Resources() *resource.Manager         { return r.resources }

// Config returns the configuration currently in effect.
func (r *Runtime) Config() config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Start launches the background collector.
func (r *Runtime) Start() {
	r.collector.Start()
}

// Apply switches to a new configuration. Collector settings take effect
// immediately; allocator settings only apply to a new Runtime and are
// reported when they differ.
func (r *Runtime) Apply(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := r.collector.Configure(cfg.GC.Collector()); err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.cfg
	r.cfg.GC = cfg.GC
	r.cfg.LogLevel = cfg.LogLevel
	r.mu.Unlock()

	if prev.Allocator != cfg.Allocator {
		r.logger.Warn("allocator settings changed; restart to apply them")
	}
	r.logger.Info("configuration applied",
		slog.Duration("collection_interval", cfg.GC.Collector().CollectionInterval),
		slog.Int("batch_size", cfg.GC.BatchSize),
		slog.Bool("incremental", cfg.GC.Incremental))
	return nil
}

// Watch reloads the configuration file at path whenever it changes and
// applies it, until ctx is done.
func (r *Runtime) Watch(ctx context.Context, path string) error {
	return config.Watch(ctx, path, func(cfg config.Config, err error) {
		if err == nil {
			err = r.Apply(cfg)
		}
		if err != nil {
			r.logger.Error("configuration reload rejected", slog.String("path", path), slog.Any("error", err))
		}
	})
}

// Stats returns an aggregated snapshot.
func (r *Runtime) Stats() Stats {
	return Stats{
		AllocatedSize:  r.alloc.AllocatedSize(),
		Capacity:       r.alloc.Capacity(),
		Fragmentation:  r.alloc.FragmentationLevel(),
		Allocator:      r.alloc.PerformanceStats(),
		Collector:      r.collector.Stats(),
		Resources:      r.resources.Stats(),
		CyclesDetected: r.detector.Detected(),
	}
}

// Close stops the collector and releases the arena. Objects still registered
// with the collector and blocks still allocated are reported as leaks.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		r.collector.Stop()

		var errs []error
		if leaks := r.collector.Leaks(); len(leaks) > 0 {
			var bytes uint64
			for _, l := range leaks {
				bytes += l.Size
			}
			errs = append(errs, memerrors.ResourceLeak("gc", bytes, len(leaks)))
		}
		if err := r.alloc.Close(); err != nil {
			errs = append(errs, err)
		}
		r.closeErr = errors.Join(errs...)

		if r.closeErr != nil {
			r.logger.Warn("runtime closed with leaks", slog.Any("error", r.closeErr))
		} else {
			r.logger.Info("runtime closed")
		}
	})
	return r.closeErr
}
