package ehci

import "github.com/ardnew/softehci/pkg"

// reclaim frees every retired queue head whose doorbell generation is at
// most covered, together with its qTDs.
//
// It holds mu for the whole pass so no transaction is created or linked
// while slots are being freed.
func (c *Controller) reclaim(covered uint64) {
	defer c.reclaimers.Done()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.region == nil {
		return
	}

	freed := 0
	for i := 1; i < qhSlots; i++ {
		if !c.qhMap.test(i) {
			continue
		}
		m := c.meta[i].Load()
		if m == nil {
			pkg.LogDebug(pkg.ComponentReclaim, "not reclaiming queue head: not initialised", "qh", i)
			continue
		}
		if !m.ignore.Load() {
			continue
		}
		if m.count != 0 || m.gen > covered {
			continue
		}

		c.release(i, m)
		freed++
		pkg.LogDebug(pkg.ComponentReclaim, "queue head reclaimed", "qh", i)
	}

	c.stats.reclaimPasses.Add(1)
	c.stats.reclaimed.Add(uint64(freed))
	pkg.LogDebug(pkg.ComponentReclaim, "reclaim pass complete",
		"freed", freed,
		"generation", covered)
}
