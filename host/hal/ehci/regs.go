package ehci

import (
	"fmt"

	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/pkg"
)

// Registers is the controller's memory-mapped register window. Offsets are
// relative to the start of the capability registers.
type Registers interface {
	Read8(off uint32) uint8
	Read32(off uint32) uint32
	Write32(off, v uint32)
}

// opRegs addresses the operational register block, which starts CAPLENGTH
// bytes into the window.
type opRegs struct {
	r     Registers
	base  uint32
	limit int
	delay func(ms int)
}

func (o *opRegs) read(reg uint32) uint32 { return o.r.Read32(o.base + reg) }

func (o *opRegs) write(reg, v uint32) { o.r.Write32(o.base+reg, v) }

func (o *opRegs) set(reg, bits uint32) { o.write(reg, o.read(reg)|bits) }

func (o *opRegs) clear(reg, bits uint32) { o.write(reg, o.read(reg)&^bits) }

func (o *opRegs) port(i int) uint32 { return o.read(hw.PortSC(i)) }

// writePort stores v into PORTSC i. Change bits in v are write-1-to-clear,
// so callers that only mean to modify control bits mask them out.
func (o *opRegs) writePort(i int, v uint32) { o.write(hw.PortSC(i), v) }

// wait polls reg until reg&mask == want, sleeping pollMs between polls when
// pollMs is positive.
func (o *opRegs) wait(reg, mask, want uint32, pollMs int) error {
	for n := 0; o.limit == 0 || n < o.limit; n++ {
		if o.read(reg)&mask == want {
			return nil
		}
		if pollMs > 0 {
			o.delay(pollMs)
		}
	}
	pkg.LogError(pkg.ComponentEHCI, "register handshake timed out",
		"reg", fmt.Sprintf("%#02x", reg),
		"mask", fmt.Sprintf("%#08x", mask),
		"want", fmt.Sprintf("%#08x", want),
		"value", fmt.Sprintf("%#08x", o.read(reg)))
	return fmt.Errorf("%w: register %#02x mask %#x", ErrHardwareTimeout, reg, mask)
}
