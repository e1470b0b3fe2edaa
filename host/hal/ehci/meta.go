package ehci

import (
	"sync/atomic"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/pkg"
)

// Completion receives the outcome of a transfer: the byte count on success,
// or the negated qTD error bits on failure. It runs in interrupt context and
// must not block or call back into the Controller's submission methods.
type Completion func(param uintptr, result int)

// Handle identifies a queue head slot.
type Handle int

// InvalidHandle is returned alongside errors.
const InvalidHandle Handle = -1

// Endpoint addresses one endpoint of one device.
type Endpoint struct {
	Address       uint8
	Number        uint8
	Speed         hal.Speed
	MaxPacketSize int

	// HubAddress and HubPort locate the transaction translator of a full or
	// low-speed device behind a high-speed hub.
	HubAddress uint8
	HubPort    uint8

	// Toggle is the data toggle of the first data packet.
	Toggle bool
}

func (e Endpoint) validate() error {
	switch {
	case e.Address > 127:
		return pkg.ErrInvalidParameter
	case e.Number > 15:
		return pkg.ErrInvalidEndpoint
	case e.MaxPacketSize <= 0 || e.MaxPacketSize > 1024:
		return pkg.ErrInvalidParameter
	}
	return nil
}

// split reports whether transactions go through a transaction translator.
func (e Endpoint) split() bool { return e.Speed != hal.SpeedHigh }

func (e Endpoint) eps() hw.Speed {
	switch e.Speed {
	case hal.SpeedLow:
		return hw.SpeedLow
	case hal.SpeedFull:
		return hw.SpeedFull
	default:
		return hw.SpeedHigh
	}
}

// qhMeta is the software state of a queue head slot. The hardware never
// sees it.
//
// Fields are written under the long lock before the queue head is linked and
// read by the interrupt handler under the short lock afterwards. The shadow
// links and scheduled flag change only under the short lock.
type qhMeta struct {
	ep Endpoint

	first  int // First qTD slot, -1 when empty
	last   int // Last qTD slot
	cursor int // First qTD not yet accounted for
	count  int // Outstanding qTDs
	total  int // Bytes transferred so far

	next int // Shadow ring successor, -1 when unlinked
	prev int // Shadow ring predecessor, -1 when unlinked

	periodic  bool
	scheduled bool // On the periodic chain

	done  Completion
	param uintptr

	// gen is the doorbell generation the queue head retired in. It is
	// written before ignore is set.
	gen    uint64
	ignore atomic.Bool
}

func newMeta(ep Endpoint) *qhMeta {
	return &qhMeta{ep: ep, first: -1, last: -1, cursor: -1, next: -1, prev: -1}
}

// linked reports whether the controller can reach the queue head.
func (m *qhMeta) linked() bool {
	if m.periodic {
		return m.scheduled
	}
	return m.next >= 0 && m.prev >= 0
}

// completion is a callback collected during a scan and invoked once the
// short lock is released.
type completion struct {
	fn     Completion
	param  uintptr
	result int
}

// rearmTD is a periodic qTD waiting to be handed back to the controller.
type rearmTD struct {
	qh int
	m  *qhMeta
	td int
}
