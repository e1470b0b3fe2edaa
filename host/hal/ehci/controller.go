package ehci

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/dma"
)

// Platform collects the services a Controller consumes.
type Platform struct {
	// Regs is the register window. Required.
	Regs Registers

	// Memory provides the descriptor region. Required.
	Memory dma.Allocator

	// Translator maps transfer buffers to bus addresses. Required.
	Translator dma.Translator

	// Delay blocks for ms milliseconds. Defaults to time.Sleep.
	Delay func(ms int)

	// Observer is told about port connects and disconnects. Optional.
	Observer PortObserver

	// Queue serializes port handling. Defaults to a WorkQueue owned by the
	// Controller.
	Queue RequestQueue
}

// Stats is a snapshot of controller state.
type Stats struct {
	RingLength     int // Queue heads on the asynchronous ring, dummy included
	PeriodicLength int // Queue heads on the periodic chain
	QHInUse        int
	QTDInUse       int
	ArenaInUse     int

	Interrupts    uint64
	Completions   uint64
	Errors        uint64
	Corruptions   uint64
	ReclaimPasses uint64
	Reclaimed     uint64
}

type counters struct {
	interrupts    atomic.Uint64
	completions   atomic.Uint64
	errors        atomic.Uint64
	corruptions   atomic.Uint64
	reclaimPasses atomic.Uint64
	reclaimed     atomic.Uint64
}

// Controller drives one EHCI host controller: it owns the descriptor region,
// the asynchronous ring and the periodic chain.
//
// Two locks guard the schedule. mu serializes allocation, transfer
// construction and reclamation and may sleep. tailLock is a spinlock held
// briefly around every change to the shadow links and the ring tail; the
// interrupt handler takes only tailLock. Never acquire mu while holding
// tailLock.
type Controller struct {
	plat  Platform
	cfg   Config
	ops   opRegs
	delay func(ms int)

	region   *dma.Region
	qhMap    bitmap
	tdMap    bitmap
	arenaMap bitmap
	meta     [qhSlots]atomic.Pointer[qhMeta]
	tdLen    [tdSlots]int

	mu       sync.Mutex
	tailLock spinlock
	cmdLock  spinlock
	head     int
	tail     int
	periodic int

	// Interrupt handler state, guarded by irqMu.
	irqMu       sync.Mutex
	gen         uint64
	iaaWait     uint64
	iaaPending  bool
	iaaDeferred bool

	queue      RequestQueue
	ownQueue   bool
	nPorts     int
	ready      atomic.Bool
	reclaimers sync.WaitGroup
	stats      counters
}

// New creates a Controller. Call Init before submitting transfers.
func New(plat Platform, cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if plat.Regs == nil || plat.Memory == nil || plat.Translator == nil {
		return nil, fmt.Errorf("%w: platform needs registers, memory and a translator", pkg.ErrInvalidParameter)
	}
	delay := plat.Delay
	if delay == nil {
		delay = func(ms int) { time.Sleep(time.Duration(ms) * time.Millisecond) }
	}
	c := &Controller{
		plat:     plat,
		cfg:      cfg,
		delay:    delay,
		qhMap:    newBitmap(qhSlots),
		tdMap:    newBitmap(tdSlots),
		arenaMap: newBitmap(cfg.ArenaPages),
		head:     0,
		tail:     0,
		periodic: -1,
	}
	c.ops = opRegs{r: plat.Regs, limit: cfg.HandshakeLimit, delay: delay}
	return c, nil
}

// Config returns the controller's configuration.
func (c *Controller) Config() Config { return c.cfg }

// NumPorts returns the number of root hub ports reported by HCSPARAMS.
func (c *Controller) NumPorts() int { return c.nPorts }

// Init allocates the descriptor region, resets the controller, installs the
// dummy queue head, starts the asynchronous schedule and queues a connect
// request for every occupied port.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.region != nil {
		return pkg.ErrAlreadyRunning
	}

	region, err := c.plat.Memory.AllocateRegion(RegionPages(c.cfg))
	if err != nil {
		pkg.LogError(pkg.ComponentEHCI, "couldn't allocate descriptor region", "error", err)
		return fmt.Errorf("ehci: descriptor region: %w", err)
	}
	c.region = region
	c.setFrames(hw.LinkTerminate)

	c.ops.base = uint32(c.plat.Regs.Read8(hw.CapLength))
	c.nPorts = int(c.plat.Regs.Read32(hw.HCSParams) & hw.HCSPortsMask)

	if err := c.start(ctx); err != nil {
		c.ready.Store(false)
		return err
	}
	return nil
}

func (c *Controller) start(ctx context.Context) error {
	// Don't reset a running controller.
	if err := c.pause(); err != nil {
		return err
	}
	c.delay(5)

	c.ops.write(hw.USBCmd, hw.CmdReset)
	if err := c.ops.wait(hw.USBCmd, hw.CmdReset, 0, 5); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentEHCI, "reset complete",
		"status", fmt.Sprintf("%#08x", c.ops.read(hw.USBSts)),
		"ports", c.nPorts)

	if err := ctx.Err(); err != nil {
		return err
	}

	c.ops.write(hw.CtrlDSSegment, 0)
	c.ops.write(hw.USBIntr, hw.IntrSetup)
	c.ops.write(hw.PeriodicListBase, uint32(c.framePhys()))
	c.delay(5)

	c.initDummy()

	c.command(0, hw.CmdAsyncEnable)
	if err := c.ops.wait(hw.USBSts, hw.StsAsync, 0, 0); err != nil {
		return err
	}
	c.ops.write(hw.AsyncListAddr, uint32(c.qhPhys(c.head)))

	if err := c.resume(); err != nil {
		return err
	}
	c.delay(5)

	c.command(hw.CmdAsyncEnable, 0)
	if err := c.ops.wait(hw.USBSts, hw.StsAsync, hw.StsAsync, 0); err != nil {
		return err
	}
	c.command(uint32(c.cfg.InterruptThreshold)<<16, hw.CmdITCMask)

	// Route every port to this controller.
	c.ops.write(hw.ConfigFlag, 1)

	if c.plat.Queue != nil {
		c.queue = c.plat.Queue
	} else {
		c.queue = NewWorkQueue(c)
		c.ownQueue = true
	}
	c.ready.Store(true)

	if err := ctx.Err(); err != nil {
		return err
	}
	c.scanPorts()

	c.ops.write(hw.USBSts, hw.StsPortChange)
	c.ops.write(hw.USBIntr, hw.IntrAll)

	pkg.LogInfo(pkg.ComponentEHCI, "controller running",
		"ports", c.nPorts,
		"region", fmt.Sprintf("%#08x", uint32(c.region.Phys())),
		"pages", c.region.Pages())
	return nil
}

// initDummy installs the permanent queue head at slot 0. Its qTD never
// becomes active, so the ring always has a valid entry for the controller.
func (c *Controller) initDummy() {
	c.qhMap.set(0)
	c.tdMap.set(0)

	q, d := c.qh(0), c.td(0)
	q.Zero()
	d.Zero()
	d.SetNext(hw.LinkTerminate)
	d.SetAltNext(hw.LinkTerminate)

	q.SetHorizontal(hw.QHLink(c.qhPhys(0)))
	q.SetChars(hw.EndpointChars{Speed: hw.SpeedHigh, ReclaimHead: true}.Pack())
	q.SetCaps(hw.MakeCaps(1, 0, 0, 0, 0))
	q.SetCurrent(c.tdPhys(0))
	q.Overlay().CopyFrom(d)

	m := newMeta(Endpoint{})
	m.last = 0
	m.next, m.prev = 0, 0
	m.count = 1
	c.meta[0].Store(m)
	c.head, c.tail = 0, 0
}

// scanPorts powers every port and queues a connect request for occupied
// ones.
func (c *Controller) scanPorts() {
	for i := 0; i < c.nPorts; i++ {
		pkg.LogDebug(pkg.ComponentPort, "initial status",
			"port", i,
			"status", fmt.Sprintf("%#08x", c.ops.port(i)))
		if c.ops.port(i)&hw.PortPower == 0 {
			c.ops.writePort(i, hw.PortPower)
			c.delay(c.cfg.PowerSettleMs)
			pkg.LogDebug(pkg.ComponentPort, "status after power-up",
				"port", i,
				"status", fmt.Sprintf("%#08x", c.ops.port(i)))
		}

		if sc := c.ops.port(i); sc&hw.PortConnect != 0 {
			c.queue.SubmitAsync(portPriority, uint64(i))
		} else {
			c.ops.writePort(i, sc)
		}
	}
}

// command atomically sets and clears USBCMD bits.
func (c *Controller) command(set, clear uint32) {
	c.cmdLock.Lock()
	c.ops.write(hw.USBCmd, c.ops.read(hw.USBCmd)&^clear|set)
	c.cmdLock.Unlock()
}

// pause stops the controller and waits for it to halt.
func (c *Controller) pause() error {
	if c.ops.read(hw.USBSts)&hw.StsHalted != 0 {
		return nil
	}
	c.command(0, hw.CmdRun)
	return c.ops.wait(hw.USBSts, hw.StsHalted, hw.StsHalted, 0)
}

// resume starts the controller and waits for it to run.
func (c *Controller) resume() error {
	if c.ops.read(hw.USBSts)&hw.StsHalted == 0 {
		return nil
	}
	c.command(hw.CmdRun, 0)
	return c.ops.wait(hw.USBSts, hw.StsHalted, 0, 0)
}

// Start resumes a paused controller.
func (c *Controller) Start() error {
	if !c.ready.Load() {
		return ErrNotInitialized
	}
	return c.resume()
}

// Stop halts the controller without releasing anything.
func (c *Controller) Stop() error {
	if !c.ready.Load() {
		return ErrNotInitialized
	}
	return c.pause()
}

// Close halts the controller, stops the request queue, waits for pending
// reclamation and releases the descriptor region.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.region == nil {
		c.mu.Unlock()
		return nil
	}
	c.ready.Store(false)
	err := c.pause()
	c.ops.write(hw.USBIntr, 0)
	c.mu.Unlock()

	// Wait out an interrupt handler that saw ready before it was cleared.
	c.irqMu.Lock()
	c.irqMu.Unlock()

	if c.ownQueue {
		c.queue.Close()
	}
	c.reclaimers.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	if rerr := c.plat.Memory.ReleaseRegion(c.region); rerr != nil {
		err = errors.Join(err, rerr)
	}
	c.region = nil
	pkg.LogInfo(pkg.ComponentEHCI, "controller closed")
	return err
}

// lockReady takes mu if the controller is running and still owns its
// region. On success the caller unlocks mu.
func (c *Controller) lockReady() error {
	c.mu.Lock()
	if !c.ready.Load() || c.region == nil {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	return nil
}

func (c *Controller) checkReady() error {
	if !c.ready.Load() {
		return ErrNotInitialized
	}
	return nil
}

// Stats returns a snapshot of the schedule and counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Interrupts:    c.stats.interrupts.Load(),
		Completions:   c.stats.completions.Load(),
		Errors:        c.stats.errors.Load(),
		Corruptions:   c.stats.corruptions.Load(),
		ReclaimPasses: c.stats.reclaimPasses.Load(),
		Reclaimed:     c.stats.reclaimed.Load(),
	}
	if c.region == nil {
		return s
	}
	s.QHInUse = c.qhMap.inUse()
	s.QTDInUse = c.tdMap.inUse()
	s.ArenaInUse = c.arenaMap.inUse()

	c.tailLock.Lock()
	s.RingLength = c.ringLength()
	for i := c.periodic; i >= 0; i = c.meta[i].Load().next {
		s.PeriodicLength++
	}
	c.tailLock.Unlock()
	return s
}
