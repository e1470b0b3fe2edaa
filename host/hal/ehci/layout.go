package ehci

import (
	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/pkg/dma"
)

// Region layout.
const (
	qhOffset        = 0x0000
	frameListOffset = 0x2000
	tdOffset        = 0x3000
	arenaOffset     = 0x5000

	qhSlots      = (frameListOffset - qhOffset) / hw.QHSize
	tdSlots      = (arenaOffset - tdOffset) / hw.TDSize
	frameEntries = dma.PageSize / 4

	basePages     = arenaOffset / dma.PageSize
	maxArenaPages = 256
)

// Section describes one part of the descriptor region.
type Section struct {
	Name   string
	Offset int
	Size   int
	Slots  int
}

// Layout returns the sections of the descriptor region for cfg.
func Layout(cfg Config) []Section {
	return []Section{
		{Name: "queue heads", Offset: qhOffset, Size: qhSlots * hw.QHSize, Slots: qhSlots},
		{Name: "frame list", Offset: frameListOffset, Size: frameEntries * 4, Slots: frameEntries},
		{Name: "transfer descriptors", Offset: tdOffset, Size: tdSlots * hw.TDSize, Slots: tdSlots},
		{Name: "payload arena", Offset: arenaOffset, Size: cfg.ArenaPages * dma.PageSize, Slots: cfg.ArenaPages},
	}
}

// RegionPages returns the size of the descriptor region for cfg.
func RegionPages(cfg Config) int { return basePages + cfg.ArenaPages }

func (c *Controller) qh(i int) hw.QH {
	return hw.NewQH(c.region.Words(qhOffset+i*hw.QHSize, hw.QHWords))
}

func (c *Controller) td(i int) hw.TD {
	return hw.NewTD(c.region.Words(tdOffset+i*hw.TDSize, hw.TDWords))
}

func (c *Controller) qhPhys(i int) dma.PhysAddr { return c.region.PhysAt(qhOffset + i*hw.QHSize) }

func (c *Controller) tdPhys(i int) dma.PhysAddr { return c.region.PhysAt(tdOffset + i*hw.TDSize) }

func (c *Controller) framePhys() dma.PhysAddr { return c.region.PhysAt(frameListOffset) }

// tdIndex returns the qTD slot a link points to.
func (c *Controller) tdIndex(l hw.Link) (int, bool) {
	base := c.tdPhys(0)
	p := l.Addr()
	if p < base || p >= base+tdSlots*hw.TDSize {
		return 0, false
	}
	return int(p-base) / hw.TDSize, true
}

// setFrames points every frame list entry at l.
func (c *Controller) setFrames(l hw.Link) {
	c.region.Fill(frameListOffset, frameEntries*4, uint32(l))
}

func (c *Controller) arenaVirt(page int) dma.VirtAddr {
	return c.region.VirtAt(arenaOffset + page*dma.PageSize)
}

func (c *Controller) arenaBytes(page, n int) []byte {
	return c.region.Bytes(arenaOffset+page*dma.PageSize, n)
}
