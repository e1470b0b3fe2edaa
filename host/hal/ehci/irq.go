package ehci

import (
	"fmt"

	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/pkg"
)

// HandleInterrupt services the controller's interrupt line. It reports
// false when no enabled status bit was pending, so a shared line can be
// passed on.
//
// Port changes are queued to the request queue. Transfer interrupts scan
// every scheduled queue head, invoke completions and retire finished
// asynchronous queue heads. An async-advance interrupt starts a reclaimer
// goroutine. Completions run after the schedule locks are released, and a
// periodic qTD goes back to the controller only once its completion has
// returned.
func (c *Controller) HandleInterrupt() bool {
	if !c.ready.Load() {
		return false
	}
	c.irqMu.Lock()
	defer c.irqMu.Unlock()
	if !c.ready.Load() {
		return false
	}

	sts := c.ops.read(hw.USBSts) & c.ops.read(hw.USBIntr) & hw.StsAckMask
	if sts == 0 {
		return false
	}
	c.ops.write(hw.USBSts, sts)
	c.stats.interrupts.Add(1)
	pkg.LogDebug(pkg.ComponentEHCI, "interrupt", "status", fmt.Sprintf("%#02x", sts))

	if sts&hw.StsPortChange != 0 {
		for i := 0; i < c.nPorts; i++ {
			if c.ops.port(i)&hw.PortConnectChange != 0 {
				c.queue.SubmitAsync(portPriority, uint64(i))
			}
		}
	}

	var buf [8]completion
	var rbuf [4]rearmTD
	done, rearms := buf[:0], rbuf[:0]
	if sts&(hw.StsInt|hw.StsErr) != 0 {
		done, rearms = c.scan(sts, done, rearms)
	}

	if sts&hw.StsHostError != 0 {
		pkg.LogError(pkg.ComponentEHCI, "host system error")
	}

	if sts&hw.StsAsyncAdvance != 0 {
		c.advance()
	}

	for _, d := range done {
		d.fn(d.param, d.result)
	}
	for _, r := range rearms {
		c.tailLock.Lock()
		if c.meta[r.qh].Load() == r.m && r.m.linked() {
			c.rearm(c.qh(r.qh), r.m, r.td)
		}
		c.tailLock.Unlock()
	}
	return true
}

// scan walks every scheduled queue head. The caller holds irqMu.
func (c *Controller) scan(sts uint32, done []completion, rearms []rearmTD) ([]completion, []rearmTD) {
	for i := 1; i < qhSlots; i++ {
		m := c.meta[i].Load()
		if m == nil || m.ignore.Load() {
			continue
		}
		c.tailLock.Lock()
		if m.linked() {
			done, rearms = c.scanQH(i, m, sts, done, rearms)
		}
		c.tailLock.Unlock()
	}
	return done, rearms
}

// scanQH accounts for the finished qTDs of queue head i, starting at its
// cursor. A finished periodic qTD is added to rearms instead of being
// re-activated. The caller holds tailLock.
func (c *Controller) scanQH(i int, m *qhMeta, sts uint32, done []completion, rearms []rearmTD) ([]completion, []rearmTD) {
	q := c.qh(i)
	for ti := m.cursor; ti >= 0; {
		d := c.td(ti)
		tok := d.Token()
		if tok.Active() {
			break
		}

		result := c.tdLen[ti] - tok.Bytes()
		failed := tok.Status()&hw.StatusErrorMask != 0 && sts&hw.StsErr != 0
		if failed {
			result = -int(tok.Status() & hw.StatusErrorMask)
			c.stats.errors.Add(1)
			ov := q.Overlay().Token()
			pkg.LogError(pkg.ComponentTransfer, "transfer error",
				"qh", i,
				"qtd", ti,
				"status", fmt.Sprintf("%#02x", tok.Status()),
				"overlayStatus", fmt.Sprintf("%#02x", ov.Status()),
				"errorCounter", tok.CErr(),
				"overlayCounter", ov.CErr(),
				"pid", tok.PID())
		} else {
			m.total += result
		}
		pkg.LogDebug(pkg.ComponentTransfer, "qTD done",
			"qh", i,
			"qtd", ti,
			"address", m.ep.Address,
			"endpoint", m.ep.Number,
			"pid", tok.PID(),
			"result", result)

		if failed || ti == m.last {
			r := m.total
			if failed {
				r = result
			}
			if m.done != nil {
				done = append(done, completion{fn: m.done, param: m.param, result: r})
			}
			c.stats.completions.Add(1)
		}

		if m.periodic {
			rearms = append(rearms, rearmTD{qh: i, m: m, td: ti})
			break
		}

		if failed {
			m.count = 1
		}
		m.count--
		if m.count == 0 {
			c.retire(i, m)
			break
		}

		next, ok := c.nextTD(i, ti, d)
		m.cursor = next
		if !ok {
			break
		}
		ti = next
	}
	return done, rearms
}

// nextTD follows the next pointer of qTD ti, rejecting chains that loop on
// themselves or end without a terminate bit.
func (c *Controller) nextTD(qi, ti int, d hw.TD) (int, bool) {
	l := d.Next()
	if l.Terminated() {
		return -1, false
	}
	var reason string
	next, ok := c.tdIndex(l)
	switch {
	case l == 0:
		reason = "null next pointer and T bit not set"
	case !ok:
		reason = "next pointer outside the qTD array"
	case next == ti:
		reason = "circular reference"
	default:
		return next, true
	}
	c.stats.corruptions.Add(1)
	pkg.LogError(pkg.ComponentTransfer, "qTD list is invalid",
		"qh", qi,
		"qtd", ti,
		"reason", reason)
	return -1, false
}

// rearm re-activates the single qTD of a periodic queue head and refreshes
// the overlay, so the next poll runs without resubmission. The toggle the
// controller wrote back is kept.
func (c *Controller) rearm(q hw.QH, m *qhMeta, ti int) {
	d := c.td(ti)
	tok := d.Token()
	d.SetToken(hw.MakeToken(hw.PIDIn, c.tdLen[ti], tok.Toggle(), c.cfg.ErrorRetries))
	q.SetCurrent(c.tdPhys(ti))
	q.Overlay().CopyFrom(d)
	m.total = 0
}

// retire unlinks a drained asynchronous queue head and rings the
// async-advance doorbell. The caller holds irqMu and tailLock.
func (c *Controller) retire(i int, m *qhMeta) {
	m.cursor = -1
	m.gen = c.gen
	c.unlink(i, m)
	m.ignore.Store(true)
	c.ringDoorbell()
}

// ringDoorbell asks the controller to interrupt once it no longer holds
// pointers into retired queue heads. Queue heads retired while a doorbell is
// outstanding wait for the next one. The caller holds irqMu.
func (c *Controller) ringDoorbell() {
	if c.iaaPending {
		c.iaaDeferred = true
		return
	}
	c.iaaPending = true
	c.iaaWait = c.gen
	c.gen++
	c.command(hw.CmdIAAD, 0)
}

// advance handles the async-advance interrupt. The caller holds irqMu.
func (c *Controller) advance() {
	covered := c.iaaWait
	c.iaaPending = false

	c.reclaimers.Add(1)
	go c.reclaim(covered)

	if c.iaaDeferred {
		c.iaaDeferred = false
		c.ringDoorbell()
	}
}
