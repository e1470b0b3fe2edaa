package ehci

import (
	"fmt"

	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/dma"
)

// Interrupt schedule masks.
const (
	periodicSMask = 0x01 // Start in micro-frame 0
	splitCMask    = 0x1C // Complete-split in micro-frames 2 to 4
)

// SubmitPeriodicIn installs a polled interrupt-IN transfer of n bytes into
// buf. Every frame list entry references the periodic chain, so the
// endpoint is polled once per frame. After each completion the qTD is
// re-armed in place and done fires again on the next poll; the queue head is
// never unlinked.
func (c *Controller) SubmitPeriodicIn(ep Endpoint, buf dma.VirtAddr, n int, done Completion, param uintptr) (Handle, error) {
	if err := c.checkReady(); err != nil {
		return InvalidHandle, err
	}
	if err := ep.validate(); err != nil {
		return InvalidHandle, fmt.Errorf("ehci: endpoint %d.%d: %w", ep.Address, ep.Number, err)
	}

	if err := c.lockReady(); err != nil {
		return InvalidHandle, err
	}
	defer c.mu.Unlock()

	if err := c.enablePeriodic(); err != nil {
		return InvalidHandle, err
	}

	i, ok := c.qhMap.alloc()
	if !ok {
		pkg.LogError(pkg.ComponentTransfer, "QH space full", "periodic", true)
		return InvalidHandle, exhausted(ErrQHSpaceFull)
	}
	ti, err := c.buildTD(hw.PIDIn, ep.Toggle, buf, n)
	if err != nil {
		c.qhMap.free(i)
		return InvalidHandle, err
	}

	q := c.qh(i)
	q.Zero()
	var hubAddr, hubPort, cmask uint8
	if ep.split() {
		hubAddr, hubPort, cmask = ep.HubAddress, ep.HubPort, splitCMask
	}
	q.SetChars(hw.EndpointChars{
		Address:   ep.Address,
		Endpoint:  ep.Number,
		Speed:     ep.eps(),
		MaxPacket: ep.MaxPacketSize,
		DTC:       true,
	}.Pack())
	q.SetCaps(hw.MakeCaps(1, hubAddr, hubPort, cmask, periodicSMask))
	q.SetCurrent(c.tdPhys(ti))
	q.Overlay().CopyFrom(c.td(ti))

	m := newMeta(ep)
	m.periodic = true
	m.first, m.last, m.cursor = ti, ti, ti
	m.count = 1
	m.done, m.param = done, param
	c.meta[i].Store(m)

	c.tailLock.Lock()
	old := c.periodic
	if old >= 0 {
		q.SetHorizontal(hw.QHLink(c.qhPhys(old)))
		c.meta[old].Load().prev = i
	} else {
		q.SetHorizontal(hw.LinkTerminate)
	}
	m.next = old
	m.scheduled = true
	c.periodic = i
	c.tailLock.Unlock()

	c.setFrames(hw.QHLink(c.qhPhys(i)))

	pkg.LogDebug(pkg.ComponentRing, "periodic queue head linked",
		"qh", i,
		"address", ep.Address,
		"endpoint", ep.Number,
		"bytes", n)
	return Handle(i), c.resume()
}

// enablePeriodic turns on the periodic schedule if it is off. The caller
// holds mu.
func (c *Controller) enablePeriodic() error {
	if c.ops.read(hw.USBSts)&hw.StsPeriodic != 0 {
		return nil
	}
	c.ops.write(hw.PeriodicListBase, uint32(c.framePhys()))
	c.command(hw.CmdPeriodicEnable, 0)
	return c.ops.wait(hw.USBSts, hw.StsPeriodic, hw.StsPeriodic, 0)
}
