//go:build !unix

package dma

import "unsafe"

// mapPages returns n zeroed pages carved from an over-sized heap slice so
// the first byte lands on a page boundary.
func mapPages(n int) ([]byte, error) {
	raw := make([]byte, (n+1)*PageSize)
	skip := (PageSize - int(uintptr(unsafe.Pointer(&raw[0]))&pageMask)) & pageMask
	return raw[skip : skip+n*PageSize : skip+n*PageSize], nil
}

func unmapPages([]byte) error { return nil }
