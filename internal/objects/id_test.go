package objects

import (
	"sync"
	"testing"
)

func TestGeneratorUnique(t *testing.T) {
	var g Generator
	seen := make(map[ID]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				id := g.Next()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate id %v", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if seen[Root] {
		t.Fatal("generator must never return Root")
	}
	if len(seen) != 8000 {
		t.Fatalf("expected 8000 ids, got %d", len(seen))
	}
}

func TestIDString(t *testing.T) {
	if Root.String() != "root" {
		t.Errorf("unexpected root name %q", Root.String())
	}
	if ID(42).String() != "obj#42" {
		t.Errorf("unexpected name %q", ID(42).String())
	}
}
