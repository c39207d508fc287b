//go:build unix

package allocator

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const pageSize = 4096

// mapArena reserves size bytes of anonymous private memory. Mapped memory is
// page aligned and invisible to the Go collector; the arena only holds raw
// bytes.
func mapArena(size, alignment uintptr, useMmap bool) ([]byte, func() error, error) {
	if !useMmap || alignment > pageSize {
		return heapArena(size, alignment)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}

	release := func() error {
		if err := unix.Munmap(mem); err != nil {
			return fmt.Errorf("munmap arena: %w", err)
		}
		return nil
	}
	return mem, release, nil
}
