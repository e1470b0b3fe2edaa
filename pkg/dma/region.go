package dma

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Page geometry.
const (
	PageSize  = 4096
	PageShift = 12
	pageMask  = PageSize - 1
)

// Errors.
var (
	ErrRegionUnavailable = errors.New("dma region unavailable")
	ErrInvalidSize       = errors.New("invalid region size")
	ErrNotMapped         = errors.New("address not mapped")
	ErrUnaligned         = errors.New("unaligned word access")
)

// PhysAddr is a bus address as seen by the controller. Controllers without
// 64-bit addressing only reach the low 4 GiB.
type PhysAddr uint32

// VirtAddr is an address in the driver's address space.
type VirtAddr uintptr

// PageOffset returns the offset of a within its page.
func (a VirtAddr) PageOffset() int { return int(a & pageMask) }

// PageBase returns the start of the page containing a.
func (a VirtAddr) PageBase() VirtAddr { return a &^ pageMask }

// PageOffset returns the offset of a within its page.
func (a PhysAddr) PageOffset() int { return int(a & pageMask) }

// PageBase returns the start of the frame containing a.
func (a PhysAddr) PageBase() PhysAddr { return a &^ pageMask }

// Region is a physically contiguous, page-aligned block of memory.
type Region struct {
	mem   []byte
	words []uint32
	phys  PhysAddr
	pages int
}

func newRegion(mem []byte, phys PhysAddr) *Region {
	return &Region{
		mem:   mem,
		words: unsafe.Slice((*uint32)(unsafe.Pointer(&mem[0])), len(mem)/4),
		phys:  phys,
		pages: len(mem) / PageSize,
	}
}

// Len returns the region size in bytes.
func (r *Region) Len() int { return len(r.mem) }

// Pages returns the region size in pages.
func (r *Region) Pages() int { return r.pages }

// Phys returns the physical address of the first byte.
func (r *Region) Phys() PhysAddr { return r.phys }

// Virt returns the virtual address of the first byte.
func (r *Region) Virt() VirtAddr { return VirtAddr(unsafe.Pointer(&r.mem[0])) }

// PhysAt returns the physical address of byte off.
func (r *Region) PhysAt(off int) PhysAddr { return r.phys + PhysAddr(off) }

// VirtAt returns the virtual address of byte off.
func (r *Region) VirtAt(off int) VirtAddr { return r.Virt() + VirtAddr(off) }

// Offset returns the region offset of virtual address v.
func (r *Region) Offset(v VirtAddr) (int, bool) {
	base := r.Virt()
	if v < base || v >= base+VirtAddr(len(r.mem)) {
		return 0, false
	}
	return int(v - base), true
}

// Bytes returns n bytes starting at off. Bytes a controller may write
// concurrently must only be read after an atomic status word says the
// controller is done with them.
func (r *Region) Bytes(off, n int) []byte { return r.mem[off : off+n : off+n] }

// Words returns the n 32-bit words starting at byte offset off.
func (r *Region) Words(off, n int) []uint32 {
	if off&3 != 0 {
		panic(fmt.Sprintf("dma: %v at offset %#x", ErrUnaligned, off))
	}
	return r.words[off/4 : off/4+n : off/4+n]
}

// Load32 atomically reads the word at byte offset off.
func (r *Region) Load32(off int) uint32 {
	return atomic.LoadUint32(&r.Words(off, 1)[0])
}

// Store32 atomically writes the word at byte offset off.
func (r *Region) Store32(off int, v uint32) {
	atomic.StoreUint32(&r.Words(off, 1)[0], v)
}

// Zero clears n bytes at off one word at a time. Both off and n must be
// multiples of four.
func (r *Region) Zero(off, n int) {
	r.Fill(off, n, 0)
}

// Fill stores v into every word of [off, off+n).
func (r *Region) Fill(off, n int, v uint32) {
	if off&3 != 0 || n&3 != 0 {
		panic(fmt.Sprintf("dma: %v at offset %#x length %d", ErrUnaligned, off, n))
	}
	for i := off / 4; i < (off+n)/4; i++ {
		atomic.StoreUint32(&r.words[i], v)
	}
}
