//go:build debug

package smartptr

import "fmt"

// In debug builds, using a handle whose control block has been reused aborts
// immediately.

func contractViolation(err error) {
	panic(fmt.Sprintf("smartptr contract violation: %v", err))
}
