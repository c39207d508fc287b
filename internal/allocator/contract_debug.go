//go:build debug

package allocator

import "fmt"

// In debug builds, contract violations (double free, stale handle, leaked
// bytes at Close) abort immediately.

func contractViolation(err error) {
	panic(fmt.Sprintf("allocator contract violation: %v", err))
}
