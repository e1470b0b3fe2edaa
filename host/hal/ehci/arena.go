package ehci

import (
	"fmt"

	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/dma"
)

// Buffer is a run of payload arena pages. The controller can reach it
// through the same translator as any other transfer buffer.
type Buffer struct {
	Virt  dma.VirtAddr
	Bytes []byte

	page  int
	pages int
}

// AllocBuffer claims enough contiguous arena pages to hold n bytes. The
// pages are zeroed.
func (c *Controller) AllocBuffer(n int) (Buffer, error) {
	if err := c.checkReady(); err != nil {
		return Buffer{}, err
	}
	pages := max(1, (n+dma.PageSize-1)/dma.PageSize)
	if n < 0 || pages > c.cfg.ArenaPages {
		return Buffer{}, fmt.Errorf("%w: %d bytes exceed the payload arena", ErrTransferTooLarge, n)
	}

	if err := c.lockReady(); err != nil {
		return Buffer{}, err
	}
	defer c.mu.Unlock()

	page, ok := c.arenaMap.allocRun(pages)
	if !ok {
		pkg.LogWarn(pkg.ComponentTransfer, "payload arena full",
			"pages", pages,
			"inUse", c.arenaMap.inUse())
		return Buffer{}, exhausted(ErrArenaFull)
	}
	b := Buffer{
		Virt:  c.arenaVirt(page),
		Bytes: c.arenaBytes(page, pages*dma.PageSize),
		page:  page,
		pages: pages,
	}
	clear(b.Bytes)
	return b, nil
}

// FreeBuffer returns b's pages to the arena.
func (c *Controller) FreeBuffer(b Buffer) {
	if b.pages == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.region == nil {
		return
	}
	c.arenaMap.freeRun(b.page, b.pages)
}
