package host

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// arrivalBacklog is how many enumerated devices WaitDevice can lag behind.
const arrivalBacklog = 16

// Host drives a [hal.HostHAL]: it enumerates devices as ports report
// connections and detaches them when ports report disconnections.
type Host struct {
	hal hal.HostHAL

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
	ports   map[int]*Device
	inUse   [MaxDevices + 1]bool
	next    uint8

	arrivals chan *Device

	onConnect    func(*Device)
	onDisconnect func(*Device)
}

// New returns a Host over h. Call Start to begin servicing ports.
func New(h hal.HostHAL) *Host {
	return &Host{
		hal:      h,
		ports:    make(map[int]*Device),
		next:     1,
		arrivals: make(chan *Device, arrivalBacklog),
	}
}

// HAL returns the underlying HAL.
func (h *Host) HAL() hal.HostHAL { return h.hal }

// Start initializes the HAL and starts watching ports. ctx bounds the
// lifetime of the watchers as well as initialization.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return pkg.ErrAlreadyRunning
	}
	if err := h.hal.Init(ctx); err != nil {
		return err
	}
	if err := h.hal.Start(); err != nil {
		return err
	}

	ctx, h.cancel = context.WithCancel(ctx)
	h.group, ctx = errgroup.WithContext(ctx)
	h.group.Go(func() error { return h.watch(ctx, h.hal.WaitForConnection, h.attach) })
	h.group.Go(func() error { return h.watch(ctx, h.hal.WaitForDisconnection, h.detach) })
	h.running = true

	pkg.LogInfo(pkg.ComponentHost, "host started", "ports", h.hal.NumPorts())
	return nil
}

// Stop ends port watching, detaches every device and halts the HAL.
func (h *Host) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.cancel()
	g := h.group
	h.mu.Unlock()

	err := g.Wait()

	h.mu.Lock()
	for port, d := range h.ports {
		d.setState(DeviceStateDetached)
		h.inUse[d.address] = false
		delete(h.ports, port)
	}
	h.mu.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return errors.Join(err, h.hal.Stop())
}

// IsRunning reports whether Start has succeeded and Stop has not run.
func (h *Host) IsRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Devices returns the enumerated devices.
func (h *Host) Devices() []*Device {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Device, 0, len(h.ports))
	for _, d := range h.ports {
		out = append(out, d)
	}
	return out
}

// DeviceOnPort returns the device enumerated on port, or nil.
func (h *Host) DeviceOnPort(port int) *Device {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ports[port]
}

// DeviceAt returns the device at bus address addr, or nil.
func (h *Host) DeviceAt(addr uint8) *Device {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, d := range h.ports {
		if d.address == addr {
			return d
		}
	}
	return nil
}

// WaitDevice blocks until a device has been enumerated.
func (h *Host) WaitDevice(ctx context.Context) (*Device, error) {
	select {
	case d := <-h.arrivals:
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnConnect sets a callback run after each enumeration.
func (h *Host) OnConnect(fn func(*Device)) {
	h.mu.Lock()
	h.onConnect = fn
	h.mu.Unlock()
}

// OnDisconnect sets a callback run after a device is detached.
func (h *Host) OnDisconnect(fn func(*Device)) {
	h.mu.Lock()
	h.onDisconnect = fn
	h.mu.Unlock()
}

// NumPorts returns the number of root ports.
func (h *Host) NumPorts() int { return h.hal.NumPorts() }

// PortStatus returns the status of port.
func (h *Host) PortStatus(port int) (hal.PortStatus, error) {
	return h.hal.GetPortStatus(port)
}

// watch feeds port events from wait to handle until ctx ends.
func (h *Host) watch(ctx context.Context, wait func(context.Context) (int, error), handle func(context.Context, int)) error {
	for {
		port, err := wait(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, pkg.ErrNotRunning):
			return nil
		case err != nil:
			pkg.LogWarn(pkg.ComponentHost, "port event", "error", err)
			continue
		}
		handle(ctx, port)
	}
}

func (h *Host) attach(ctx context.Context, port int) {
	pkg.LogInfo(pkg.ComponentHost, "device connected", "port", port)

	d, err := h.enumerate(ctx, port)
	if err != nil {
		pkg.LogWarn(pkg.ComponentHost, "enumeration failed", "port", port, "error", err)
		return
	}

	if st, err := h.hal.GetPortStatus(port); err == nil && !st.Connected {
		h.releaseAddress(d.address)
		pkg.LogDebug(pkg.ComponentHost, "device left during enumeration", "port", port)
		return
	}

	h.mu.Lock()
	if old := h.ports[port]; old != nil {
		old.setState(DeviceStateDetached)
		h.inUse[old.address] = false
	}
	h.ports[port] = d
	cb := h.onConnect
	h.mu.Unlock()

	pkg.LogInfo(pkg.ComponentHost, "device enumerated",
		"port", port,
		"address", d.address,
		"vendor", d.desc.VendorID,
		"product", d.desc.ProductID)

	select {
	case h.arrivals <- d:
	default:
	}
	if cb != nil {
		cb(d)
	}
}

func (h *Host) detach(_ context.Context, port int) {
	h.mu.Lock()
	d := h.ports[port]
	if d == nil {
		h.mu.Unlock()
		pkg.LogDebug(pkg.ComponentHost, "disconnect on idle port", "port", port)
		return
	}
	delete(h.ports, port)
	h.inUse[d.address] = false
	cb := h.onDisconnect
	h.mu.Unlock()

	d.setState(DeviceStateDetached)
	pkg.LogInfo(pkg.ComponentHost, "device disconnected", "port", port, "address", d.address)
	if cb != nil {
		cb(d)
	}
}

// allocateAddress reserves the next free bus address, or returns 0.
func (h *Host) allocateAddress() uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < MaxDevices; i++ {
		a := h.next
		h.next = h.next%MaxDevices + 1
		if !h.inUse[a] {
			h.inUse[a] = true
			return a
		}
	}
	return 0
}

func (h *Host) releaseAddress(a uint8) {
	h.mu.Lock()
	h.inUse[a] = false
	h.mu.Unlock()
}
