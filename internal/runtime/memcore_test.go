package runtime

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/orizon-lang/memcore/internal/config"
	memerrors "github.com/orizon-lang/memcore/internal/errors"
	"github.com/orizon-lang/memcore/internal/resource"
)

type node struct {
	label string
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Allocator.Capacity = 1 << 20
	cfg.Allocator.UseMmap = false
	return cfg
}

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	r, err := New(testConfig(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Failed to create runtime: %v", err)
	}
	return r
}

func TestRuntimeLifecycle(t *testing.T) {
	r := newTestRuntime(t)
	r.Start()

	m := r.Resources()
	a, err := resource.CreateManaged(m, node{label: "a"})
	if err != nil {
		t.Fatalf("CreateManaged failed: %v", err)
	}
	b, err := resource.CreateManaged(m, node{label: "b"})
	if err != nil {
		t.Fatalf("CreateManaged failed: %v", err)
	}
	if err := m.Link(a, b); err != nil {
		t.Fatal(err)
	}
	if err := m.Link(b, a); err != nil {
		t.Fatal(err)
	}
	if err := m.Unroot(a); err != nil {
		t.Fatal(err)
	}
	if err := m.Unroot(b); err != nil {
		t.Fatal(err)
	}

	stats := r.Stats()
	if stats.CyclesDetected != 1 {
		t.Errorf("expected 1 detected cycle, got %d", stats.CyclesDetected)
	}
	if stats.Collector.ObjectCount != 2 || stats.AllocatedSize == 0 {
		t.Errorf("unexpected stats before collection %+v", stats)
	}

	r.Collector().Collect(true)
	a.Release()
	b.Release()

	stats = r.Stats()
	if stats.Collector.ObjectCount != 0 || stats.AllocatedSize != 0 {
		t.Errorf("expected everything reclaimed, got %+v", stats)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close reported %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close reported %v", err)
	}
	if r.Collector().Running() {
		t.Error("collector still running after Close")
	}
}

func TestRuntimeApply(t *testing.T) {
	r := newTestRuntime(t)
	defer r.Close()

	cfg := testConfig()
	cfg.GC.BatchSize = 5
	cfg.GC.Incremental = false
	if err := r.Apply(cfg); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := r.Collector().Config(); got.BatchSize != 5 || got.Incremental {
		t.Errorf("collector not reconfigured: %+v", got)
	}
	if r.Config().GC.BatchSize != 5 {
		t.Error("runtime config not updated")
	}

	bad := testConfig()
	bad.Version = "3.0.0"
	if err := r.Apply(bad); !errors.Is(err, memerrors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	if r.Collector().Config().BatchSize != 5 {
		t.Error("rejected configuration must not be applied")
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Allocator.Segments = 3
	if _, err := New(cfg, nil); !errors.Is(err, memerrors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
