package ehci

import (
	"fmt"

	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/dma"
)

// maxChunk is the largest qTD built by the chaining helpers. It is a
// multiple of every legal max packet size and fits five pages from any
// starting offset.
const maxChunk = hw.MaxTDBytes - dma.PageSize

// pageCount returns the number of buffer pointers a transfer of n bytes at
// page offset off occupies.
func pageCount(off, n int) int {
	if n == 0 {
		return 0
	}
	return (off + n + dma.PageSize - 1) / dma.PageSize
}

// packets returns the number of data packets needed to move n bytes.
func packets(n, maxPacket int) int {
	if n == 0 {
		return 1
	}
	return (n + maxPacket - 1) / maxPacket
}

// CreateTransaction allocates a queue head for ep. The queue head loops back
// on itself until DoAsync links it into the ring.
func (c *Controller) CreateTransaction(ep Endpoint) (Handle, error) {
	if err := c.checkReady(); err != nil {
		return InvalidHandle, err
	}
	if err := c.lockReady(); err != nil {
		return InvalidHandle, err
	}
	defer c.mu.Unlock()

	i, err := c.createQH(ep)
	if err != nil {
		return InvalidHandle, err
	}
	return Handle(i), nil
}

// AddTransfer appends a qTD moving n bytes at buf to an unscheduled
// transaction.
func (c *Controller) AddTransfer(h Handle, toggle bool, pid hw.PID, buf dma.VirtAddr, n int) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if err := c.lockReady(); err != nil {
		return err
	}
	defer c.mu.Unlock()

	m, err := c.unscheduled(h)
	if err != nil {
		return err
	}
	ti, err := c.buildTD(pid, toggle, buf, n)
	if err != nil {
		return err
	}
	c.appendTD(int(h), m, ti)
	return nil
}

// DoAsync registers done and links the transaction into the asynchronous
// ring. done runs exactly once, from the interrupt handler.
func (c *Controller) DoAsync(h Handle, done Completion, param uintptr) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if err := c.lockReady(); err != nil {
		return err
	}
	defer c.mu.Unlock()

	m, err := c.unscheduled(h)
	if err != nil {
		return err
	}
	if m.count == 0 {
		return fmt.Errorf("%w: transaction %d has no transfers", ErrInvalidTransaction, h)
	}
	m.done, m.param = done, param
	c.insert(int(h), m)
	return c.resume()
}

// Discard releases a transaction that was never scheduled.
func (c *Controller) Discard(h Handle) error {
	if err := c.lockReady(); err != nil {
		return err
	}
	defer c.mu.Unlock()

	m, err := c.unscheduled(h)
	if err != nil {
		return err
	}
	c.release(int(h), m)
	return nil
}

// SubmitAsync builds and schedules a bulk, interrupt or control-data
// transfer of n bytes at buf. Transfers larger than one qTD are split, with
// the data toggle carried across the pieces. On error nothing stays
// allocated.
func (c *Controller) SubmitAsync(ep Endpoint, pid hw.PID, buf dma.VirtAddr, n int, done Completion, param uintptr) (Handle, error) {
	if err := c.checkReady(); err != nil {
		return InvalidHandle, err
	}
	if pid == hw.PIDSetup {
		return InvalidHandle, fmt.Errorf("%w: use SubmitControl for SETUP", ErrInvalidTransaction)
	}
	if err := c.lockReady(); err != nil {
		return InvalidHandle, err
	}
	defer c.mu.Unlock()

	i, err := c.createQH(ep)
	if err != nil {
		return InvalidHandle, err
	}
	m := c.meta[i].Load()
	if _, err := c.addChunks(i, m, pid, ep.Toggle, buf, n); err != nil {
		c.release(i, m)
		return InvalidHandle, err
	}
	m.done, m.param = done, param
	c.insert(i, m)
	return Handle(i), c.resume()
}

// SubmitControl schedules a control transfer: the 8-byte SETUP packet at
// setup, an optional data stage of n bytes at buf in direction dataPID, and
// a zero-length status stage in the opposite direction. The completion
// result counts the SETUP bytes.
func (c *Controller) SubmitControl(ep Endpoint, setup dma.VirtAddr, dataPID hw.PID, buf dma.VirtAddr, n int, done Completion, param uintptr) (Handle, error) {
	if err := c.checkReady(); err != nil {
		return InvalidHandle, err
	}
	if n > 0 && dataPID != hw.PIDIn && dataPID != hw.PIDOut {
		return InvalidHandle, fmt.Errorf("%w: data stage PID %v", ErrInvalidTransaction, dataPID)
	}
	if err := c.lockReady(); err != nil {
		return InvalidHandle, err
	}
	defer c.mu.Unlock()

	i, err := c.createQH(ep)
	if err != nil {
		return InvalidHandle, err
	}
	m := c.meta[i].Load()

	fail := func(err error) (Handle, error) {
		c.release(i, m)
		return InvalidHandle, err
	}

	ti, err := c.buildTD(hw.PIDSetup, false, setup, hw.SetupSize)
	if err != nil {
		return fail(err)
	}
	c.appendTD(i, m, ti)

	status := hw.PIDIn
	if n > 0 {
		if _, err := c.addChunks(i, m, dataPID, true, buf, n); err != nil {
			return fail(err)
		}
		if dataPID == hw.PIDIn {
			status = hw.PIDOut
		}
	}

	ti, err = c.buildTD(status, true, 0, 0)
	if err != nil {
		return fail(err)
	}
	c.appendTD(i, m, ti)

	m.done, m.param = done, param
	c.insert(i, m)
	return Handle(i), c.resume()
}

// createQH allocates and initializes a queue head. The caller holds mu.
func (c *Controller) createQH(ep Endpoint) (int, error) {
	if err := ep.validate(); err != nil {
		return -1, fmt.Errorf("ehci: endpoint %d.%d: %w", ep.Address, ep.Number, err)
	}
	i, ok := c.qhMap.alloc()
	if !ok {
		pkg.LogError(pkg.ComponentTransfer, "QH space full")
		return -1, exhausted(ErrQHSpaceFull)
	}

	q := c.qh(i)
	q.Zero()
	q.SetHorizontal(hw.QHLink(c.qhPhys(i)))

	var hubAddr, hubPort uint8
	if ep.split() {
		hubAddr, hubPort = ep.HubAddress, ep.HubPort
	}
	q.SetChars(hw.EndpointChars{
		Address:     ep.Address,
		Endpoint:    ep.Number,
		Speed:       ep.eps(),
		MaxPacket:   ep.MaxPacketSize,
		NakReload:   c.cfg.NakReload,
		Control:     ep.split() && ep.Number == 0,
		DTC:         true,
		ReclaimHead: true,
	}.Pack())
	q.SetCaps(hw.MakeCaps(1, hubAddr, hubPort, 0, 0))
	q.Overlay().SetNext(hw.LinkTerminate)
	q.Overlay().SetAltNext(hw.LinkTerminate)

	c.meta[i].Store(newMeta(ep))
	return i, nil
}

// unscheduled returns the metadata of a transaction that has been created
// but not yet linked. The caller holds mu.
func (c *Controller) unscheduled(h Handle) (*qhMeta, error) {
	i := int(h)
	if i <= 0 || i >= qhSlots || !c.qhMap.test(i) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTransaction, h)
	}
	m := c.meta[i].Load()
	if m == nil || m.periodic || m.ignore.Load() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTransaction, h)
	}
	c.tailLock.Lock()
	linked := m.linked()
	c.tailLock.Unlock()
	if linked {
		return nil, fmt.Errorf("%w: %d already scheduled", ErrInvalidTransaction, h)
	}
	return m, nil
}

// buildTD allocates a qTD for n bytes at buf. The caller holds mu.
func (c *Controller) buildTD(pid hw.PID, toggle bool, buf dma.VirtAddr, n int) (int, error) {
	off := buf.PageOffset()
	if n < 0 || n > 0 && off+n > hw.MaxTDBytes {
		pkg.LogError(pkg.ComponentTransfer, "too many bytes for a single transfer descriptor",
			"offset", off,
			"bytes", n)
		return -1, fmt.Errorf("%w: offset %d + %d bytes", ErrTransferTooLarge, off, n)
	}

	i, ok := c.tdMap.alloc()
	if !ok {
		pkg.LogError(pkg.ComponentTransfer, "qTD space full")
		return -1, exhausted(ErrQTDSpaceFull)
	}

	d := c.td(i)
	d.Zero()
	d.SetNext(hw.LinkTerminate)
	d.SetAltNext(hw.LinkTerminate)

	for p := 0; p < pageCount(off, n); p++ {
		phys, ok := c.plat.Translator.Translate(buf.PageBase() + dma.VirtAddr(p*dma.PageSize))
		if !ok {
			pkg.LogError(pkg.ComponentTransfer, "buffer page isn't mapped",
				"page", p,
				"buffer", fmt.Sprintf("%#x", uintptr(buf)))
			d.Zero()
			c.tdMap.free(i)
			return -1, fmt.Errorf("%w: page %d of %#x", ErrUnmappedBuffer, p, uintptr(buf))
		}
		v := uint32(phys.PageBase())
		if p == 0 {
			v |= uint32(off)
		}
		d.SetBuffer(p, v)
	}

	c.tdLen[i] = n
	d.SetToken(hw.MakeToken(pid, n, toggle, c.cfg.ErrorRetries))
	return i, nil
}

// appendTD links qTD ti after the last qTD of queue head qi. The first qTD is
// also copied into the overlay, which the controller executes from. The
// caller holds mu.
func (c *Controller) appendTD(qi int, m *qhMeta, ti int) {
	q := c.qh(qi)
	if m.last >= 0 {
		last := c.td(m.last)
		last.SetNext(hw.TDLink(c.tdPhys(ti)))
		if m.last == m.first {
			q.Overlay().SetNext(last.Next())
		}
	} else {
		m.first, m.cursor = ti, ti
		q.SetCurrent(c.tdPhys(ti))
		q.Overlay().CopyFrom(c.td(ti))
	}
	m.last = ti
	m.count++
}

// addChunks appends qTDs covering n bytes at buf, each at most maxChunk
// long, and returns the toggle that follows the last packet. A zero-length
// transfer still gets one qTD.
func (c *Controller) addChunks(qi int, m *qhMeta, pid hw.PID, toggle bool, buf dma.VirtAddr, n int) (bool, error) {
	for first := true; first || n > 0; first = false {
		chunk := min(n, maxChunk)
		ti, err := c.buildTD(pid, toggle, buf, chunk)
		if err != nil {
			return toggle, err
		}
		c.appendTD(qi, m, ti)
		toggle = toggle != (packets(chunk, m.ep.MaxPacketSize)%2 == 1)
		buf += dma.VirtAddr(chunk)
		n -= chunk
	}
	return toggle, nil
}

// release frees an unlinked queue head and its qTD chain. The caller holds
// mu.
func (c *Controller) release(i int, m *qhMeta) {
	c.freeChain(m.first)
	c.qh(i).Zero()
	c.meta[i].Store(nil)
	c.qhMap.free(i)
}

// freeChain zeroes and frees the qTDs reachable from first. The caller holds
// mu.
func (c *Controller) freeChain(first int) {
	for ti, n := first, 0; ti >= 0 && n < tdSlots; n++ {
		d := c.td(ti)
		next := -1
		if l := d.Next(); !l.Terminated() {
			if j, ok := c.tdIndex(l); ok && j != ti {
				next = j
			}
		}
		d.Zero()
		c.tdLen[ti] = 0
		c.tdMap.free(ti)
		ti = next
	}
}
