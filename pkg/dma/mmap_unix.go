//go:build unix

package dma

import "golang.org/x/sys/unix"

// mapPages maps n zeroed, page-aligned pages of anonymous memory.
func mapPages(n int) ([]byte, error) {
	return unix.Mmap(-1, 0, n*PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapPages(mem []byte) error {
	return unix.Munmap(mem)
}
