package ehci

import (
	"fmt"

	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/pkg"
)

// insert links queue head i at the tail of the asynchronous ring. The caller
// holds mu.
//
// The new queue head points at the head before it becomes reachable, so the
// controller never follows a link into a half-built entry. The tail is read
// and replaced inside the short lock, which orders this insert against the
// interrupt handler retargeting the tail during an unlink.
func (c *Controller) insert(i int, m *qhMeta) {
	q := c.qh(i)

	// Only the head carries the H bit; a second one would make the
	// controller think it had completed a pass of the ring.
	q.SetReclaimHead(false)

	c.tailLock.Lock()
	tail := c.tail
	q.SetHorizontal(hw.QHLink(c.qhPhys(c.head)))
	m.next, m.prev = c.head, tail

	c.qh(tail).SetHorizontal(hw.QHLink(c.qhPhys(i)))
	c.meta[tail].Load().next = i
	c.meta[c.head].Load().prev = i
	c.tail = i

	c.qh(c.head).SetReclaimHead(true)
	c.tailLock.Unlock()

	pkg.LogDebug(pkg.ComponentRing, "queue head linked",
		"qh", i,
		"prev", tail,
		"address", m.ep.Address,
		"endpoint", m.ep.Number,
		"speed", m.ep.Speed)
}

// unlink splices queue head i out of the ring. The caller holds tailLock.
//
// The unlinked queue head keeps its own horizontal pointer so a controller
// that is currently visiting it still finds the rest of the ring.
func (c *Controller) unlink(i int, m *qhMeta) {
	prev, next := m.prev, m.next
	q := c.qh(i)

	if q.Chars().ReclaimHead() {
		c.qh(next).SetReclaimHead(true)
		q.SetReclaimHead(false)
	}

	c.meta[prev].Load().next = next
	c.meta[next].Load().prev = prev
	c.qh(prev).SetHorizontal(q.Horizontal())

	if c.tail == i {
		c.tail = prev
	}
	m.next, m.prev = -1, -1

	pkg.LogDebug(pkg.ComponentRing, "queue head unlinked", "qh", i, "prev", prev, "next", next)
}

// ringLength counts the queue heads on the ring. The caller holds tailLock.
func (c *Controller) ringLength() int {
	n := 1
	for i := c.meta[c.head].Load().next; i != c.head && n <= qhSlots; i = c.meta[i].Load().next {
		n++
	}
	return n
}

// checkRing verifies the ring's structural invariants: the shadow links form
// one cycle through the head that ends at the tail, each hardware link agrees
// with its shadow link, and exactly one queue head, the head, carries the H
// bit.
func (c *Controller) checkRing() error {
	c.tailLock.Lock()
	defer c.tailLock.Unlock()

	var seen [qhSlots]bool
	heads := 0
	for i := c.head; ; {
		if seen[i] {
			return fmt.Errorf("ring revisits queue head %d", i)
		}
		seen[i] = true

		m := c.meta[i].Load()
		if m == nil {
			return fmt.Errorf("queue head %d on ring has no metadata", i)
		}
		if m.next < 0 || m.prev < 0 {
			return fmt.Errorf("queue head %d on ring is not linked", i)
		}
		if m.ignore.Load() {
			return fmt.Errorf("retired queue head %d still on ring", i)
		}
		if nm := c.meta[m.next].Load(); nm == nil || nm.prev != i {
			return fmt.Errorf("queue head %d: successor %d does not point back", i, m.next)
		}
		q := c.qh(i)
		if want := hw.QHLink(c.qhPhys(m.next)); q.Horizontal() != want {
			return fmt.Errorf("queue head %d: hardware link %#08x, want %#08x", i, uint32(q.Horizontal()), uint32(want))
		}
		if q.Chars().ReclaimHead() {
			heads++
			if i != c.head {
				return fmt.Errorf("queue head %d carries the H bit but is not the head", i)
			}
		}

		if m.next == c.head {
			if i != c.tail {
				return fmt.Errorf("ring closes at %d but tail is %d", i, c.tail)
			}
			break
		}
		i = m.next
	}
	if heads != 1 {
		return fmt.Errorf("%d queue heads carry the H bit", heads)
	}
	return nil
}
