//go:build !unix

package allocator

func mapArena(size, alignment uintptr, _ bool) ([]byte, func() error, error) {
	return heapArena(size, alignment)
}
