//go:build debug

package smartptr

import "testing"

// Debug builds turn any use of a stale handle into an immediate panic.
func TestStaleHandlePanicsInDebug(t *testing.T) {
	pool := NewPool[int](nil)

	p, err := Make(pool, 1)
	if err != nil {
		t.Fatalf("Make failed: %v", err)
	}
	stale := p
	p.Release()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic from a stale handle")
		}
	}()
	stale.Get()
}
