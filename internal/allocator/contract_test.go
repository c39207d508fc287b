//go:build !debug

package allocator

import (
	"errors"
	"testing"

	memerrors "github.com/orizon-lang/memcore/internal/errors"
)

func TestDoubleFree(t *testing.T) {
	a := newTestAllocator(t)
	defer a.Close()

	for _, size := range []uintptr{64, 4096} {
		h := a.Alloc(size)
		if err := a.Free(h); err != nil {
			t.Fatalf("first free of %d bytes failed: %v", size, err)
		}
		err := a.Free(h)
		if !errors.Is(err, memerrors.ErrDoubleFree) {
			t.Errorf("second free of %d bytes: expected ErrDoubleFree, got %v", size, err)
		}
		if !memerrors.IsContractViolation(err) {
			t.Errorf("double free should be a contract violation: %v", err)
		}
	}

	if got := a.PerformanceStats().ContractErrors; got != 2 {
		t.Errorf("expected 2 contract errors, got %d", got)
	}
}

func TestStaleHandleAfterReuse(t *testing.T) {
	a := newTestAllocator(t)
	defer a.Close()

	old := a.Alloc(64)
	a.Free(old)
	fresh := a.Alloc(64)
	if fresh.slot() != old.slot() {
		t.Skip("slot was not reused")
	}

	if err := a.Free(old); !errors.Is(err, memerrors.ErrDoubleFree) {
		t.Errorf("stale handle must not release the new owner's block: %v", err)
	}
	if _, err := a.Bytes(fresh); err != nil {
		t.Errorf("fresh handle should still be live: %v", err)
	}
	a.Free(fresh)
}

func TestInvalidHandles(t *testing.T) {
	a := newTestAllocator(t, WithSegments(2))
	defer a.Close()

	if err := a.Free(NilHandle); !errors.Is(err, memerrors.ErrInvalidHandle) {
		t.Errorf("nil handle: expected ErrInvalidHandle, got %v", err)
	}
	if err := a.Free(makeHandle(7, 0, 1)); !errors.Is(err, memerrors.ErrInvalidHandle) {
		t.Errorf("foreign segment: expected ErrInvalidHandle, got %v", err)
	}
	if err := a.Free(makeHandle(0, 4000, 1)); !errors.Is(err, memerrors.ErrInvalidHandle) {
		t.Errorf("unknown slot: expected ErrInvalidHandle, got %v", err)
	}
	if _, err := a.Bytes(NilHandle); err == nil {
		t.Error("Bytes on nil handle should fail")
	}
}

func TestCloseReportsLeaks(t *testing.T) {
	a := newTestAllocator(t)
	a.Alloc(100)

	err := a.Close()
	if !errors.Is(err, memerrors.ErrResourceLeak) {
		t.Fatalf("expected ErrResourceLeak, got %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if h := a.Alloc(16); !h.IsNil() {
		t.Error("allocation after Close should fail")
	}
}
