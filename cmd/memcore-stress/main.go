// Command memcore-stress drives the allocator, counted handles and the cycle
// collector from concurrent workers and reports the resulting statistics.
// It exits with status 1 when anything is left allocated at shutdown.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/memcore/internal/allocator"
	"github.com/orizon-lang/memcore/internal/config"
	"github.com/orizon-lang/memcore/internal/resource"
	memruntime "github.com/orizon-lang/memcore/internal/runtime"
	"github.com/orizon-lang/memcore/internal/smartptr"
)

// ring is a managed object that holds a strong handle to its successor.
type ring struct {
	index int
	next  smartptr.SmartPtr[ring]
}

func (r *ring) Destroy() {
	r.next.Release()
}

type report struct {
	Duration       string                     `json:"duration"`
	Workers        int                        `json:"workers"`
	Operations     int                        `json:"operations"`
	Rings          int                        `json:"rings"`
	Allocator      allocator.PerformanceStats `json:"allocator"`
	Fragmentation  uint32                     `json:"fragmentation"`
	Collected      uint64                     `json:"collected"`
	CyclesDetected uint64                     `json:"cycles_detected"`
	Leaked         bool                       `json:"leaked"`
	Error          string                     `json:"error,omitempty"`
}

func main() {
	var (
		configPath string
		workers    int
		ops        int
		maxSize    int
		rings      int
		ringSize   int
		jsonOut    bool
		logFormat  string
		watch      bool
	)

	flag.StringVar(&configPath, "config", "", "path to a memcore JSON configuration file")
	flag.IntVar(&workers, "workers", 8, "number of concurrent allocation workers")
	flag.IntVar(&ops, "ops", 10000, "allocation operations per worker")
	flag.IntVar(&maxSize, "max-size", 4096, "largest allocation in bytes")
	flag.IntVar(&rings, "rings", 100, "number of unrooted reference rings to build")
	flag.IntVar(&ringSize, "ring-size", 3, "objects per reference ring")
	flag.BoolVar(&jsonOut, "json", false, "print the report as JSON")
	flag.StringVar(&logFormat, "log-format", "text", "log format: text or json")
	flag.BoolVar(&watch, "watch", false, "reload -config while running")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "memcore-stress: %v\n", err)
			os.Exit(2)
		}
		cfg = loaded
	}

	logger, err := newLogger(os.Stderr, logFormat, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memcore-stress: %v\n", err)
		os.Exit(2)
	}

	if workers <= 0 || ops < 0 || maxSize <= 0 || rings < 0 || ringSize <= 0 {
		fmt.Fprintln(os.Stderr, "memcore-stress: -workers, -max-size and -ring-size must be positive")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rep, err := run(ctx, cfg, logger, options{
		configPath: configPath,
		workers:    workers,
		ops:        ops,
		maxSize:    maxSize,
		rings:      rings,
		ringSize:   ringSize,
		watch:      watch,
	})
	if err != nil {
		rep.Error = err.Error()
	}

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(rep)
	} else {
		printReport(os.Stdout, rep)
	}

	if err != nil || rep.Leaked {
		os.Exit(1)
	}
}

func newLogger(w io.Writer, format string, cfg config.Config) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

type options struct {
	configPath string
	workers    int
	ops        int
	maxSize    int
	rings      int
	ringSize   int
	watch      bool
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger, opt options) (report, error) {
	rep := report{Workers: opt.workers, Operations: opt.ops, Rings: opt.rings}
	start := time.Now()

	rt, err := memruntime.New(cfg, logger)
	if err != nil {
		return rep, err
	}
	rt.Start()

	if opt.watch && opt.configPath != "" {
		watchCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := rt.Watch(watchCtx, opt.configPath); err != nil {
				logger.Error("config watcher stopped", slog.Any("error", err))
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opt.workers; w++ {
		g.Go(func() error {
			return allocWorker(gctx, rt.Allocator(), w, opt.ops, opt.maxSize)
		})
	}
	g.Go(func() error {
		return buildRings(gctx, rt.Resources(), opt.rings, opt.ringSize)
	})
	workErr := g.Wait()

	rt.Collector().Collect(true)

	stats := rt.Stats()
	rep.Allocator = stats.Allocator
	rep.Fragmentation = stats.Fragmentation
	rep.Collected = stats.Collector.Freed
	rep.CyclesDetected = stats.CyclesDetected

	closeErr := rt.Close()
	rep.Leaked = closeErr != nil
	rep.Duration = time.Since(start).Round(time.Millisecond).String()

	if workErr != nil {
		return rep, workErr
	}
	if closeErr != nil {
		logger.Error("shutdown reported leaks", slog.Any("error", closeErr))
	}
	return rep, nil
}

// allocWorker performs random allocations and frees, stamping every block
// with a per-worker pattern and verifying it before the block is freed.
// Blocks are only touched through Access so compaction triggered by other
// workers cannot move them mid-write.
func allocWorker(ctx context.Context, alloc *allocator.BlockAllocator, worker, ops, maxSize int) error {
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(worker)))
	pattern := byte(worker + 1)
	var live []allocator.Handle

	free := func(i int) error {
		h := live[i]
		err := alloc.Access(h, func(data []byte) error {
			for j, b := range data {
				if b != pattern {
					return fmt.Errorf("worker %d: %v corrupted at byte %d", worker, h, j)
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		live[i] = live[len(live)-1]
		live = live[:len(live)-1]
		return alloc.Free(h)
	}

	for i := 0; i < ops; i++ {
		if i%256 == 0 && ctx.Err() != nil {
			break
		}

		if len(live) > 0 && rng.IntN(10) < 4 {
			if err := free(rng.IntN(len(live))); err != nil {
				return err
			}
			continue
		}

		h := alloc.Alloc(uintptr(1 + rng.IntN(maxSize)))
		if h.IsNil() {
			continue
		}
		err := alloc.Access(h, func(data []byte) error {
			for j := range data {
				data[j] = pattern
			}
			return nil
		})
		if err != nil {
			return err
		}
		live = append(live, h)
	}

	for len(live) > 0 {
		if err := free(len(live) - 1); err != nil {
			return err
		}
	}
	return nil
}

// buildRings creates rings of managed objects that keep each other alive
// through strong handles, then drops every external reference so only the
// collector can reclaim them.
func buildRings(ctx context.Context, m *resource.Manager, count, size int) error {
	for i := 0; i < count; i++ {
		if ctx.Err() != nil {
			return nil
		}

		members := make([]smartptr.SmartPtr[ring], 0, size)
		for j := 0; j < size; j++ {
			p, err := resource.CreateManaged(m, ring{index: j})
			if err != nil {
				for k := range members {
					members[k].Release()
				}
				return fmt.Errorf("ring %d: %w", i, err)
			}
			members = append(members, p)
		}

		for j := range members {
			next := members[(j+1)%size]
			members[j].Get().next = next.Clone()
			if err := m.Link(members[j], next); err != nil {
				return err
			}
		}
		for j := range members {
			if err := m.Unroot(members[j]); err != nil {
				return err
			}
			members[j].Release()
		}
	}
	return nil
}

func printReport(w io.Writer, rep report) {
	fmt.Fprintf(w, "memcore stress run (%s)\n", rep.Duration)
	fmt.Fprintf(w, "  workers: %d x %d ops, rings: %d\n", rep.Workers, rep.Operations, rep.Rings)
	fmt.Fprintf(w, "  allocs: %d (fast %d, slow %d, fallback %d, failed %d)\n",
		rep.Allocator.AllocCount, rep.Allocator.FastPathAllocs, rep.Allocator.SlowPathAllocs,
		rep.Allocator.FallbackAllocs, rep.Allocator.FailedAllocs)
	fmt.Fprintf(w, "  frees: %d, peak usage: %d bytes\n", rep.Allocator.DeallocCount, rep.Allocator.PeakUsage)
	fmt.Fprintf(w, "  compactions: %d, blocks moved: %d, fragmentation: %d%%\n",
		rep.Allocator.Compactions, rep.Allocator.BlocksMoved, rep.Fragmentation)
	fmt.Fprintf(w, "  collected objects: %d, cycles detected: %d\n", rep.Collected, rep.CyclesDetected)
	if rep.Leaked {
		fmt.Fprintln(w, "  LEAKS REPORTED AT SHUTDOWN")
	}
	if rep.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", rep.Error)
	}
}
