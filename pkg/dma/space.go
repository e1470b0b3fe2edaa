package dma

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/softehci/pkg"
)

// Allocator provides physically contiguous regions to a driver.
type Allocator interface {
	// AllocateRegion returns a zeroed region of the given number of pages.
	AllocateRegion(pages int) (*Region, error)

	// ReleaseRegion returns a region to the allocator.
	ReleaseRegion(r *Region) error
}

// Translator resolves virtual addresses to physical addresses.
type Translator interface {
	// Translate returns the physical address of v and whether the page
	// containing v is resident.
	Translate(v VirtAddr) (PhysAddr, bool)
}

// DefaultPhysBase is where a Space created with zero base starts assigning
// frames.
const DefaultPhysBase PhysAddr = 0x1000_0000

// Space is a 32-bit physical address space populated with anonymous
// memory. It implements [Allocator] and [Translator].
type Space struct {
	mu       sync.RWMutex
	next     PhysAddr
	limit    uint64
	regions  []*Region
	resident map[VirtAddr]PhysAddr
}

// NewSpace creates an address space that assigns frames starting at base
// and refuses allocations beyond frames pages. A zero base selects
// [DefaultPhysBase]; zero frames means no limit below 4 GiB.
func NewSpace(base PhysAddr, frames int) *Space {
	if base == 0 {
		base = DefaultPhysBase
	}
	limit := uint64(1) << 32
	if frames > 0 {
		limit = uint64(base.PageBase()) + uint64(frames)*PageSize
	}
	return &Space{
		next:     base.PageBase(),
		limit:    limit,
		resident: make(map[VirtAddr]PhysAddr),
	}
}

// AllocateRegion maps pages of zeroed memory and assigns them consecutive
// physical frames.
func (s *Space) AllocateRegion(pages int) (*Region, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("%w: %d pages", ErrInvalidSize, pages)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if uint64(s.next)+uint64(pages)*PageSize > s.limit {
		return nil, fmt.Errorf("%w: %d pages exceed physical limit", ErrRegionUnavailable, pages)
	}

	mem, err := mapPages(pages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegionUnavailable, err)
	}

	r := newRegion(mem, s.next)
	s.next += PhysAddr(pages * PageSize)
	s.regions = append(s.regions, r)
	for i := 0; i < pages; i++ {
		s.resident[r.VirtAt(i*PageSize)] = r.PhysAt(i * PageSize)
	}

	pkg.LogDebug(pkg.ComponentHAL, "dma region mapped",
		"pages", pages,
		"phys", fmt.Sprintf("%#08x", uint32(r.phys)))
	return r, nil
}

// ReleaseRegion unmaps r. Its physical frames are not reused.
func (s *Space) ReleaseRegion(r *Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, rr := range s.regions {
		if rr != r {
			continue
		}
		s.regions = append(s.regions[:i], s.regions[i+1:]...)
		for p := 0; p < r.pages; p++ {
			delete(s.resident, r.VirtAt(p*PageSize))
		}
		return unmapPages(r.mem)
	}
	return ErrNotMapped
}

// Translate implements [Translator].
func (s *Space) Translate(v VirtAddr) (PhysAddr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	frame, ok := s.resident[v.PageBase()]
	if !ok {
		return 0, false
	}
	return frame + PhysAddr(v.PageOffset()), true
}

// Evict drops the translation of the page containing v, as if it had been
// paged out. The backing memory stays reachable by physical address.
func (s *Space) Evict(v VirtAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resident, v.PageBase())
}

// Restore re-establishes the translation of a page removed by Evict.
func (s *Space) Restore(v VirtAddr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regions {
		if off, ok := r.Offset(v.PageBase()); ok {
			s.resident[v.PageBase()] = r.PhysAt(off)
			return nil
		}
	}
	return ErrNotMapped
}

// locate returns the region and offset holding n bytes at physical address p.
func (s *Space) locate(p PhysAddr, n int) (*Region, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.regions {
		if p < r.phys {
			continue
		}
		off := int(p - r.phys)
		if off+n <= len(r.mem) {
			return r, off, true
		}
	}
	return nil, 0, false
}

// Slice returns n bytes starting at physical address p. The range must lie
// within one region.
func (s *Space) Slice(p PhysAddr, n int) ([]byte, bool) {
	r, off, ok := s.locate(p, n)
	if !ok {
		return nil, false
	}
	return r.Bytes(off, n), true
}

// Words returns the n 32-bit words starting at physical address p. Callers
// must use sync/atomic on the result.
func (s *Space) Words(p PhysAddr, n int) ([]uint32, bool) {
	r, off, ok := s.locate(p, n*4)
	if !ok || off&3 != 0 {
		return nil, false
	}
	return r.Words(off, n), true
}

// Load32 atomically reads the word at physical address p.
func (s *Space) Load32(p PhysAddr) (uint32, bool) {
	r, off, ok := s.locate(p, 4)
	if !ok || off&3 != 0 {
		return 0, false
	}
	return atomic.LoadUint32(&r.words[off/4]), true
}

// Store32 atomically writes the word at physical address p.
func (s *Space) Store32(p PhysAddr, v uint32) bool {
	r, off, ok := s.locate(p, 4)
	if !ok || off&3 != 0 {
		return false
	}
	atomic.StoreUint32(&r.words[off/4], v)
	return true
}

var (
	_ Allocator  = (*Space)(nil)
	_ Translator = (*Space)(nil)
)
