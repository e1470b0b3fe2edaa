package sim

import (
	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/dma"
)

// pass collects the status raised while executing the schedules.
type pass struct {
	ioc       bool
	err       bool
	hostError bool
}

// Step runs one frame: the periodic chain of the current frame list entry,
// then one pass of the asynchronous ring. A doorbell rung before the pass is
// answered after it. Interrupts are delivered before Step returns. Function
// handlers run with the simulator locked and must not call back into it.
func (c *Controller) Step() {
	c.mu.Lock()
	if c.sts&hw.StsHalted != 0 {
		c.mu.Unlock()
		return
	}
	c.frames++
	old := c.frindex
	c.frindex = (c.frindex + 8) & 0x3FFF
	if (old^c.frindex)&(1<<13) != 0 {
		c.sts |= hw.StsFrameRollover
	}

	doorbell := c.doorbell
	var r pass
	if c.sts&hw.StsPeriodic != 0 && c.plbase != 0 {
		c.runPeriodic(&r)
	}
	if c.sts&hw.StsAsync != 0 && c.async != 0 && !r.hostError {
		c.runAsync(&r)
		if doorbell && c.doorbell {
			c.doorbell = false
			c.cmd &^= hw.CmdIAAD
			c.sts |= hw.StsAsyncAdvance
		}
	}

	if r.ioc {
		c.sts |= hw.StsInt
	}
	if r.err {
		c.sts |= hw.StsErr
	}
	if r.hostError {
		pkg.LogError(pkg.ComponentSim, "host system error; halting")
		c.sts |= hw.StsHostError | hw.StsHalted
		c.cmd &^= hw.CmdRun
	}
	c.mu.Unlock()

	c.interrupt()
}

// runPeriodic executes the queue heads reachable from the current frame
// list entry. The caller holds mu.
func (c *Controller) runPeriodic(r *pass) {
	frame := (c.frindex >> 3) % frameCount
	v, ok := c.mem.Load32(dma.PhysAddr(c.plbase) + dma.PhysAddr(frame*4))
	if !ok {
		r.hostError = true
		return
	}
	for l, n := hw.Link(v), 0; !l.Terminated() && n < maxWalk; n++ {
		if !l.IsQH() {
			return
		}
		q, ok := c.queueHead(l.Addr())
		if !ok {
			r.hostError = true
			return
		}
		if q.Caps().SMask() != 0 {
			c.execute(q, r)
		}
		l = q.Horizontal()
	}
}

// runAsync makes one pass of the asynchronous ring starting at
// ASYNCLISTADDR. The caller holds mu.
func (c *Controller) runAsync(r *pass) {
	start := dma.PhysAddr(c.async)
	p := start
	for n := 0; n < maxWalk; n++ {
		q, ok := c.queueHead(p)
		if !ok {
			r.hostError = true
			return
		}
		c.execute(q, r)
		if r.hostError {
			return
		}
		l := q.Horizontal()
		if l.Terminated() || !l.IsQH() {
			return
		}
		if p = l.Addr(); p == start {
			return
		}
	}
}

func (c *Controller) queueHead(p dma.PhysAddr) (hw.QH, bool) {
	w, ok := c.mem.Words(p, hw.QHWords)
	if !ok {
		return hw.QH{}, false
	}
	return hw.NewQH(w), true
}

func (c *Controller) transferDescriptor(p dma.PhysAddr) (hw.TD, bool) {
	w, ok := c.mem.Words(p, hw.TDWords)
	if !ok {
		return hw.TD{}, false
	}
	return hw.NewTD(w), true
}

// execute runs at most one transaction for queue head q. An idle overlay
// first advances to the next active qTD. The caller holds mu.
func (c *Controller) execute(q hw.QH, r *pass) {
	ov := q.Overlay()
	tok := ov.Token()
	if !tok.Active() {
		if tok.Status()&hw.StatusHalted != 0 {
			return
		}
		l := ov.Next()
		if l.Terminated() {
			return
		}
		next, ok := c.transferDescriptor(l.Addr())
		if !ok {
			r.hostError = true
			return
		}
		if !next.Token().Active() {
			return
		}
		q.SetCurrent(l.Addr())
		ov.CopyFrom(next)
		tok = ov.Token()
	}

	td, ok := c.transferDescriptor(q.Current())
	if !ok {
		r.hostError = true
		return
	}
	segs, ok := c.gather(ov, tok.Bytes())
	if !ok {
		r.hostError = true
		return
	}

	chars := q.Chars()
	pid := tok.PID()
	n := tok.Bytes()
	buf := make([]byte, n)
	if pid != hw.PIDIn {
		copyFrom(buf, segs)
	}

	got, hs := 0, XactError
	if fn := c.function(chars.Address()); fn != nil {
		got, hs = fn.Transact(chars.Endpoint(), pid, buf)
	}
	c.transactions++

	var done hw.Token
	switch hs {
	case NAK:
		return
	case ACK:
		got = min(max(got, 0), n)
		if pid == hw.PIDIn {
			copyTo(segs, buf[:got])
		}
		toggle := tok.Toggle() != (packets(got, chars.MaxPacket())%2 == 1)
		done = tok.WithBytes(n - got).WithToggle(toggle).WithStatus(0)
		r.ioc = r.ioc || tok.IOC()
	case Stall:
		done = tok.WithStatus(hw.StatusHalted)
		r.err = true
	case Babble:
		done = tok.WithStatus(hw.StatusHalted | hw.StatusBabble)
		r.err = true
	default:
		if cerr := tok.CErr() - 1; cerr > 0 {
			ov.SetToken(tok.WithCErr(cerr))
			return
		}
		done = tok.WithCErr(0).WithStatus(hw.StatusHalted | hw.StatusXactErr)
		r.err = true
	}

	pkg.LogDebug(pkg.ComponentSim, "transaction",
		"address", chars.Address(),
		"endpoint", chars.Endpoint(),
		"pid", pid,
		"bytes", got,
		"handshake", hs)

	td.SetToken(done)
	ov.SetToken(done)
}

// gather returns the memory the n bytes described by d occupy.
func (c *Controller) gather(d hw.TD, n int) ([][]byte, bool) {
	var segs [][]byte
	for p := 0; n > 0; p++ {
		if p == hw.MaxPages {
			return nil, false
		}
		start := 0
		if p == 0 {
			start = d.Offset()
		}
		l := min(n, dma.PageSize-start)
		s, ok := c.mem.Slice(d.Page(p)+dma.PhysAddr(start), l)
		if !ok {
			return nil, false
		}
		segs = append(segs, s)
		n -= l
	}
	return segs, true
}

// function returns the enabled function answering at addr. The caller
// holds mu.
func (c *Controller) function(addr uint8) Function {
	for i := range c.ports {
		p := &c.ports[i]
		if p.fn != nil && p.sc&hw.PortEnable != 0 && p.fn.Address() == addr {
			return p.fn
		}
	}
	return nil
}

func copyFrom(dst []byte, segs [][]byte) {
	for _, s := range segs {
		dst = dst[copy(dst, s):]
	}
}

func copyTo(segs [][]byte, src []byte) {
	for _, s := range segs {
		if len(src) == 0 {
			return
		}
		src = src[copy(s, src):]
	}
}

func packets(n, maxPacket int) int {
	if n == 0 || maxPacket <= 0 {
		return 1
	}
	return (n + maxPacket - 1) / maxPacket
}
