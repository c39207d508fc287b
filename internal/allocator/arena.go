package allocator

import (
	"fmt"
	"unsafe"
)

// heapArena backs the allocator with an ordinary Go slice, over-allocated so
// that the first byte can be aligned.
func heapArena(size, alignment uintptr) ([]byte, func() error, error) {
	if size == 0 {
		return nil, nil, fmt.Errorf("arena size must be greater than 0")
	}

	buffer := make([]byte, size+alignment)
	base := uintptr(unsafe.Pointer(&buffer[0]))
	skip := alignUp(base, alignment) - base

	return buffer[skip : skip+size : skip+size], func() error { return nil }, nil
}

// alignUp aligns a size up to the nearest multiple of alignment.
func alignUp(size, alignment uintptr) uintptr {
	return (size + alignment - 1) &^ (alignment - 1)
}

func isPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}
