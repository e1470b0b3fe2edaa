package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/dma"
)

// Defaults.
const (
	DefaultPorts     = 4
	DefaultCapLength = 0x20

	hciVersion = 0x0100
	hcsPPC     = 1 << 4 // Port power control
	maxPorts   = hw.HCSPortsMask
	frameCount = dma.PageSize / 4
	maxWalk    = 256 // Bounds a schedule walk over corrupt links
)

// Options configures a Controller.
type Options struct {
	// Ports is the number of root hub ports. Zero selects DefaultPorts.
	Ports int

	// CapLength is the size of the capability register block. Zero selects
	// DefaultCapLength.
	CapLength uint8

	// AckLatency is the number of USBCMD, USBSTS or PORTSC reads that pass
	// before the controller reflects a run, schedule-enable, controller
	// reset or port reset command.
	AckLatency int

	// Frozen leaves every command unacknowledged, as a wedged controller
	// would.
	Frozen bool
}

type port struct {
	fn        Function
	speed     hal.Speed
	sc        uint32
	resetting bool
}

// Controller is a simulated EHCI host controller.
type Controller struct {
	mem  *dma.Space
	opts Options

	mu       sync.Mutex
	cmd      uint32
	sts      uint32
	intr     uint32
	frindex  uint32
	segment  uint32
	plbase   uint32
	async    uint32
	cfgflag  uint32
	ports    []port
	lag      int // Reads left before commands take effect
	doorbell bool

	handlerMu sync.RWMutex
	handler   func() bool

	frames       uint64
	transactions uint64
}

// New creates a halted controller executing schedules in mem.
func New(mem *dma.Space, opts Options) *Controller {
	if opts.Ports <= 0 {
		opts.Ports = DefaultPorts
	}
	opts.Ports = min(opts.Ports, maxPorts)
	if opts.CapLength == 0 {
		opts.CapLength = DefaultCapLength
	}
	c := &Controller{
		mem:   mem,
		opts:  opts,
		ports: make([]port, opts.Ports),
	}
	c.reset()
	return c
}

// reset puts the operational registers in their power-on state. The caller
// holds mu.
func (c *Controller) reset() {
	c.cmd = hw.CmdITC8
	c.sts = hw.StsHalted
	c.intr = 0
	c.frindex = 0
	c.segment = 0
	c.plbase = 0
	c.async = 0
	c.cfgflag = 0
	c.lag = 0
	c.doorbell = false
	for i := range c.ports {
		p := &c.ports[i]
		p.sc &= hw.PortConnect
		p.resetting = false
		if p.fn != nil {
			p.sc |= hw.PortConnectChange
		}
	}
}

// SetInterruptHandler installs the function called when an enabled status
// bit is raised. It is called without any simulator lock held.
func (c *Controller) SetInterruptHandler(fn func() bool) {
	c.handlerMu.Lock()
	c.handler = fn
	c.handlerMu.Unlock()
}

func (c *Controller) interrupt() {
	c.mu.Lock()
	pending := c.sts & c.intr & hw.StsAckMask
	c.mu.Unlock()
	if pending == 0 {
		return
	}
	c.handlerMu.RLock()
	fn := c.handler
	c.handlerMu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Read8 implements ehci.Registers.
func (c *Controller) Read8(off uint32) uint8 {
	return uint8(c.Read32(off&^3) >> (8 * (off & 3)))
}

// Read32 implements ehci.Registers.
func (c *Controller) Read32(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch off {
	case hw.CapLength:
		return uint32(c.opts.CapLength) | hciVersion<<16
	case hw.HCSParams:
		return uint32(len(c.ports)) | hcsPPC
	case hw.HCCParams:
		return 0
	}
	if off < uint32(c.opts.CapLength) {
		return 0
	}

	switch reg := off - uint32(c.opts.CapLength); reg {
	case hw.USBCmd:
		c.settle()
		return c.cmd
	case hw.USBSts:
		c.settle()
		return c.sts
	case hw.USBIntr:
		return c.intr
	case hw.FrIndex:
		return c.frindex
	case hw.CtrlDSSegment:
		return c.segment
	case hw.PeriodicListBase:
		return c.plbase
	case hw.AsyncListAddr:
		return c.async
	case hw.ConfigFlag:
		return c.cfgflag
	default:
		if i, ok := c.portIndex(reg); ok {
			c.settle()
			return c.portStatus(i)
		}
		return 0
	}
}

// Write32 implements ehci.Registers.
func (c *Controller) Write32(off, v uint32) {
	c.mu.Lock()
	if off < uint32(c.opts.CapLength) {
		c.mu.Unlock()
		return
	}

	raise := false
	switch reg := off - uint32(c.opts.CapLength); reg {
	case hw.USBCmd:
		c.writeCommand(v)
	case hw.USBSts:
		c.sts &^= v & hw.StsAckMask
	case hw.USBIntr:
		c.intr = v & hw.StsAckMask
		raise = c.sts&c.intr&hw.StsAckMask != 0
	case hw.FrIndex:
		c.frindex = v & 0x3FFF
	case hw.CtrlDSSegment:
		c.segment = v
	case hw.PeriodicListBase:
		c.plbase = v &^ (dma.PageSize - 1)
	case hw.AsyncListAddr:
		c.async = v &^ 0x1F
	case hw.ConfigFlag:
		c.cfgflag = v & 1
	default:
		if i, ok := c.portIndex(reg); ok {
			c.writePort(i, v)
		}
	}
	c.mu.Unlock()

	if raise {
		c.interrupt()
	}
}

func (c *Controller) writeCommand(v uint32) {
	if v&hw.CmdReset != 0 {
		pkg.LogDebug(pkg.ComponentSim, "controller reset")
		c.reset()
		c.cmd |= hw.CmdReset
		c.delayAck()
		return
	}
	c.cmd = v
	if v&hw.CmdIAAD != 0 {
		c.doorbell = true
	}
	c.delayAck()
}

// delayAck schedules the status registers to catch up with the command
// register. The caller holds mu.
func (c *Controller) delayAck() {
	if c.opts.Frozen {
		return
	}
	c.lag = c.opts.AckLatency
	if c.lag == 0 {
		c.apply()
	}
}

// settle counts down a pending acknowledgement. The caller holds mu.
func (c *Controller) settle() {
	if c.opts.Frozen || c.lag <= 0 {
		return
	}
	if c.lag--; c.lag == 0 {
		c.apply()
	}
}

// apply makes USBSTS and PORTSC reflect the commands written. The caller
// holds mu.
func (c *Controller) apply() {
	c.cmd &^= hw.CmdReset

	set := func(bit uint32, on bool) {
		if on {
			c.sts |= bit
		} else {
			c.sts &^= bit
		}
	}
	set(hw.StsHalted, c.cmd&hw.CmdRun == 0)
	set(hw.StsAsync, c.cmd&hw.CmdAsyncEnable != 0)
	set(hw.StsPeriodic, c.cmd&hw.CmdPeriodicEnable != 0)

	for i := range c.ports {
		p := &c.ports[i]
		if p.resetting && p.sc&hw.PortReset == 0 {
			c.finishReset(i)
		}
	}
}

func (c *Controller) portIndex(reg uint32) (int, bool) {
	if reg < hw.PortSCBase {
		return 0, false
	}
	i := int(reg-hw.PortSCBase) / 4
	if (reg-hw.PortSCBase)%4 != 0 || i >= len(c.ports) {
		return 0, false
	}
	return i, true
}

func (c *Controller) portStatus(i int) uint32 {
	p := &c.ports[i]
	sc := p.sc
	if p.resetting {
		sc |= hw.PortReset
	}
	if p.fn != nil && p.speed == hal.SpeedLow {
		sc |= hw.PortLineK
	}
	return sc
}

// writePort applies a PORTSC write. Change bits are write-1-to-clear and
// software can disable but never enable a port. The caller holds mu.
func (c *Controller) writePort(i int, v uint32) {
	p := &c.ports[i]

	p.sc &^= v & hw.PortChangeMask
	if v&hw.PortEnable == 0 && p.sc&hw.PortEnable != 0 {
		p.sc &^= hw.PortEnable
	}

	const control = hw.PortResume | hw.PortSuspend | hw.PortPower | hw.PortOwner
	p.sc = p.sc&^control | v&control

	switch {
	case v&hw.PortReset != 0 && !p.resetting:
		p.resetting = true
		p.sc &^= hw.PortEnable | hw.PortSuspend
		p.sc |= hw.PortReset
	case v&hw.PortReset == 0 && p.resetting:
		p.sc &^= hw.PortReset
		if !c.opts.Frozen {
			c.lag = max(c.lag, c.opts.AckLatency)
			if c.lag == 0 {
				c.finishReset(i)
			}
		}
	}
}

// finishReset ends a port reset. A high-speed function is enabled at
// address 0; anything else stays disabled for a companion controller. The
// caller holds mu.
func (c *Controller) finishReset(i int) {
	p := &c.ports[i]
	p.resetting = false
	if p.fn == nil || p.sc&hw.PortConnect == 0 {
		return
	}
	p.fn.Reset()
	if p.speed == hal.SpeedHigh {
		p.sc |= hw.PortEnable
	}
	pkg.LogDebug(pkg.ComponentSim, "port reset complete",
		"port", i,
		"enabled", p.sc&hw.PortEnable != 0)
}

// Attach connects fn to port i at the given speed and raises a port change.
func (c *Controller) Attach(i int, fn Function, speed hal.Speed) error {
	c.mu.Lock()
	if i < 0 || i >= len(c.ports) {
		c.mu.Unlock()
		return fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, i)
	}
	p := &c.ports[i]
	if p.fn != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: port %d", pkg.ErrBusy, i)
	}
	p.fn, p.speed = fn, speed
	p.sc |= hw.PortConnect | hw.PortConnectChange
	c.sts |= hw.StsPortChange
	c.mu.Unlock()

	pkg.LogDebug(pkg.ComponentSim, "function attached", "port", i, "speed", speed)
	c.interrupt()
	return nil
}

// Detach disconnects the function on port i and raises a port change.
func (c *Controller) Detach(i int) error {
	c.mu.Lock()
	if i < 0 || i >= len(c.ports) || c.ports[i].fn == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: port %d", pkg.ErrNoDevice, i)
	}
	p := &c.ports[i]
	p.fn = nil
	if p.sc&hw.PortEnable != 0 {
		p.sc |= hw.PortEnableChange
	}
	p.sc &^= hw.PortConnect | hw.PortEnable
	p.sc |= hw.PortConnectChange
	c.sts |= hw.StsPortChange
	c.mu.Unlock()

	pkg.LogDebug(pkg.ComponentSim, "function detached", "port", i)
	c.interrupt()
	return nil
}

// Stats reports how many frames and transactions have been executed.
func (c *Controller) Stats() (frames, transactions uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames, c.transactions
}

// Run calls Step every interval until ctx ends.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			c.Step()
		}
	}
}
