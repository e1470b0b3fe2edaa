package ehci

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/pkg"
)

// Standard request codes the adapter watches for.
const (
	requestClearFeature     = 0x01
	requestSetAddress       = 0x05
	requestGetDescriptor    = 0x06
	requestSetConfiguration = 0x09

	descriptorDevice        = 0x01
	descriptorConfiguration = 0x02
	descriptorEndpoint      = 0x05

	recipientEndpoint = 0x02
)

// Max packet sizes assumed before a descriptor says otherwise.
const (
	defaultControlPacket = 64
	defaultBulkPacket    = 512
)

const eventBacklog = 16

type epKey struct {
	addr uint8
	ep   uint8 // Endpoint address including the direction bit
}

// HostHAL adapts a Controller to [hal.HostHAL]. Ports are numbered from 1.
// Payloads are copied through bounce buffers in the controller's payload
// arena.
type HostHAL struct {
	c    *Controller
	user PortObserver

	connect    chan int
	disconnect chan int
	closed     chan struct{}
	closeOnce  sync.Once

	mu        sync.Mutex
	speeds    map[int]hal.Speed
	maxPacket map[epKey]int
	toggles   map[epKey]bool
}

// NewHostHAL creates a Controller on plat and wraps it. plat.Observer, if
// set, is still told about port events.
func NewHostHAL(plat Platform, cfg Config) (*HostHAL, error) {
	h := &HostHAL{
		user:       plat.Observer,
		connect:    make(chan int, eventBacklog),
		disconnect: make(chan int, eventBacklog),
		closed:     make(chan struct{}),
		speeds:     make(map[int]hal.Speed),
		maxPacket:  make(map[epKey]int),
		toggles:    make(map[epKey]bool),
	}
	plat.Observer = h
	c, err := New(plat, cfg)
	if err != nil {
		return nil, err
	}
	h.c = c
	return h, nil
}

// Controller returns the wrapped controller.
func (h *HostHAL) Controller() *Controller { return h.c }

// DeviceConnected implements [PortObserver].
func (h *HostHAL) DeviceConnected(port int, speed hal.Speed) {
	h.mu.Lock()
	h.speeds[port] = speed
	h.mu.Unlock()
	if h.user != nil {
		h.user.DeviceConnected(port, speed)
	}
	h.post(h.connect, port+1)
}

// DeviceDisconnected implements [PortObserver].
func (h *HostHAL) DeviceDisconnected(port int) {
	h.mu.Lock()
	delete(h.speeds, port)
	h.mu.Unlock()
	if h.user != nil {
		h.user.DeviceDisconnected(port)
	}
	h.post(h.disconnect, port+1)
}

func (h *HostHAL) post(ch chan int, port int) {
	select {
	case ch <- port:
	default:
		pkg.LogWarn(pkg.ComponentHAL, "port event dropped", "port", port)
	}
}

// Init implements [hal.HostHAL].
func (h *HostHAL) Init(ctx context.Context) error { return h.c.Init(ctx) }

// Start implements [hal.HostHAL].
func (h *HostHAL) Start() error { return h.c.Start() }

// Stop implements [hal.HostHAL].
func (h *HostHAL) Stop() error { return h.c.Stop() }

// Close implements [hal.HostHAL].
func (h *HostHAL) Close() error {
	h.closeOnce.Do(func() { close(h.closed) })
	return h.c.Close()
}

// NumPorts implements [hal.HostHAL].
func (h *HostHAL) NumPorts() int { return h.c.NumPorts() }

func (h *HostHAL) portIndex(port int) (int, error) {
	if port < 1 || port > h.c.NumPorts() {
		return 0, fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	return port - 1, nil
}

// GetPortStatus implements [hal.HostHAL].
func (h *HostHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	i, err := h.portIndex(port)
	if err != nil {
		return hal.PortStatus{}, err
	}
	sc := h.c.PortStatus(i)
	return hal.PortStatus{
		Connected:     sc&hw.PortConnect != 0,
		Enabled:       sc&hw.PortEnable != 0,
		Suspended:     sc&hw.PortSuspend != 0,
		OverCurrent:   sc&hw.PortOverCurrent != 0,
		Reset:         sc&hw.PortReset != 0,
		PowerOn:       sc&hw.PortPower != 0,
		Speed:         portSpeed(sc),
		ConnectChange: sc&hw.PortConnectChange != 0,
		EnableChange:  sc&hw.PortEnableChange != 0,
	}, nil
}

// portSpeed decodes the speed of the device on a port. Only high-speed
// devices enable on an EHCI root port; a K line state marks low speed.
func portSpeed(sc uint32) hal.Speed {
	switch {
	case sc&hw.PortConnect == 0:
		return hal.SpeedUnknown
	case sc&hw.PortEnable != 0:
		return hal.SpeedHigh
	case sc&hw.PortLineStatus == hw.PortLineK:
		return hal.SpeedLow
	default:
		return hal.SpeedUnknown
	}
}

// PortSpeed implements [hal.HostHAL].
func (h *HostHAL) PortSpeed(port int) hal.Speed {
	i, err := h.portIndex(port)
	if err != nil {
		return hal.SpeedUnknown
	}
	h.mu.Lock()
	s, ok := h.speeds[i]
	h.mu.Unlock()
	if ok {
		return s
	}
	return portSpeed(h.c.PortStatus(i))
}

// ResetPort implements [hal.HostHAL].
func (h *HostHAL) ResetPort(port int) error {
	i, err := h.portIndex(port)
	if err != nil {
		return err
	}
	if err := h.c.ResetPort(i); err != nil {
		return err
	}
	h.forget(0)
	return nil
}

// EnablePort implements [hal.HostHAL]. Software can only disable an EHCI
// port; enabling resets it.
func (h *HostHAL) EnablePort(port int, enable bool) error {
	i, err := h.portIndex(port)
	if err != nil {
		return err
	}
	if enable {
		return h.c.ResetPort(i)
	}
	h.c.DisablePort(i)
	return nil
}

func (h *HostHAL) endpoint(addr hal.DeviceAddress, ep uint8, def int) Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := epKey{uint8(addr), ep}
	mps, ok := h.maxPacket[k]
	if !ok {
		mps = def
	}
	return Endpoint{
		Address:       uint8(addr),
		Number:        ep & 0x0F,
		Speed:         hal.SpeedHigh,
		MaxPacketSize: mps,
		Toggle:        h.toggles[k],
	}
}

// forget drops what was learned about device addr.
func (h *HostHAL) forget(addr uint8) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k := range h.maxPacket {
		if k.addr == addr {
			delete(h.maxPacket, k)
		}
	}
	for k := range h.toggles {
		if k.addr == addr {
			delete(h.toggles, k)
		}
	}
}

// pending is a submitted transfer whose bounce buffer is still owned by the
// controller.
type pending struct {
	h      *HostHAL
	buf    Buffer
	result chan int
	data   []byte
	in     bool
	off    int // Offset of the data stage in buf
	skip   int // SETUP bytes counted in the result

	key   epKey
	mps   int
	track bool // Advance the stored data toggle
}

func (h *HostHAL) newPending(n int) (*pending, error) {
	buf, err := h.c.AllocBuffer(n)
	if err != nil {
		return nil, err
	}
	return &pending{h: h, buf: buf, result: make(chan int, 1)}, nil
}

func (p *pending) done(_ uintptr, result int) { p.result <- result }

// wait blocks for the completion. If ctx ends first the bounce buffer is
// released once the controller finishes with it.
func (p *pending) wait(ctx context.Context) (int, error) {
	select {
	case r := <-p.result:
		return p.complete(r)
	case <-ctx.Done():
		go p.abandon()
		return 0, ctx.Err()
	case <-p.h.closed:
		return 0, pkg.ErrNotRunning
	}
}

func (p *pending) abandon() {
	select {
	case <-p.result:
		p.h.c.FreeBuffer(p.buf)
	case <-p.h.closed:
	}
}

func (p *pending) complete(result int) (int, error) {
	defer p.h.c.FreeBuffer(p.buf)

	if err := resultError(result); err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "transfer failed",
			"address", p.key.addr,
			"endpoint", p.key.ep,
			"error", err)
		return 0, err
	}
	n := max(result-p.skip, 0)
	if p.in {
		n = copy(p.data, p.buf.Bytes[p.off:p.off+min(n, len(p.data))])
	}
	if p.track {
		p.h.mu.Lock()
		p.h.toggles[p.key] = p.h.toggles[p.key] != (packets(n, p.mps)%2 == 1)
		p.h.mu.Unlock()
	}
	return n, nil
}

// ControlTransfer implements [hal.HostHAL].
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	p, err := h.submitControl(addr, setup, data)
	if err != nil {
		return 0, err
	}
	n, err := p.wait(ctx)
	if err != nil {
		return 0, err
	}
	h.observe(uint8(addr), setup, data[:n])
	return n, nil
}

func (h *HostHAL) submitControl(addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (*pending, error) {
	n := min(len(data), int(setup.Length))
	p, err := h.newPending(hw.SetupSize + n)
	if err != nil {
		return nil, err
	}
	setup.MarshalTo(p.buf.Bytes)
	p.data = data[:n]
	p.in = setup.In()
	p.off = hw.SetupSize
	p.skip = hw.SetupSize
	p.key = epKey{uint8(addr), 0}
	if !p.in {
		copy(p.buf.Bytes[p.off:], p.data)
	}

	pid := hw.PIDOut
	if p.in {
		pid = hw.PIDIn
	}
	ep := h.endpoint(addr, 0, defaultControlPacket)
	_, err = h.c.SubmitControl(ep, p.buf.Virt, pid, p.buf.Virt+hw.SetupSize, n, p.done, 0)
	if err != nil {
		h.c.FreeBuffer(p.buf)
		return nil, err
	}
	return p, nil
}

// observe learns from successful standard requests: max packet sizes from
// descriptors, and toggle resets from requests that reset them.
func (h *HostHAL) observe(addr uint8, setup *hal.SetupPacket, data []byte) {
	if setup.RequestType&0x60 != 0 {
		return
	}
	switch setup.Request {
	case requestGetDescriptor:
		switch uint8(setup.Value >> 8) {
		case descriptorDevice:
			if len(data) >= 8 && data[7] != 0 {
				h.mu.Lock()
				h.maxPacket[epKey{addr, 0}] = int(data[7])
				h.mu.Unlock()
			}
		case descriptorConfiguration:
			h.learnEndpoints(addr, data)
		}

	case requestSetAddress:
		h.mu.Lock()
		mps, ok := h.maxPacket[epKey{0, 0}]
		h.mu.Unlock()
		newAddr := uint8(setup.Value)
		h.forget(newAddr)
		if ok {
			h.mu.Lock()
			h.maxPacket[epKey{newAddr, 0}] = mps
			h.mu.Unlock()
		}
		pkg.LogDebug(pkg.ComponentHAL, "device addressed", "address", newAddr)

	case requestSetConfiguration:
		h.mu.Lock()
		for k := range h.toggles {
			if k.addr == addr {
				delete(h.toggles, k)
			}
		}
		h.mu.Unlock()

	case requestClearFeature:
		if setup.RequestType&0x1F == recipientEndpoint {
			h.mu.Lock()
			delete(h.toggles, epKey{addr, uint8(setup.Index)})
			h.mu.Unlock()
		}
	}
}

// learnEndpoints records the max packet size of every endpoint descriptor in
// a configuration descriptor set.
func (h *HostHAL) learnEndpoints(addr uint8, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i+1 < len(data); {
		l := int(data[i])
		if l < 2 || i+l > len(data) {
			return
		}
		if data[i+1] == descriptorEndpoint && l >= 7 {
			mps := int(data[i+4]) | int(data[i+5]&0x07)<<8
			h.maxPacket[epKey{addr, data[i+2]}] = mps
		}
		i += l
	}
}

// BulkTransfer implements [hal.HostHAL].
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	p, err := h.submitData(addr, endpoint, data)
	if err != nil {
		return 0, err
	}
	return p.wait(ctx)
}

// InterruptTransfer implements [hal.HostHAL]. A single interrupt transfer
// runs on the asynchronous schedule; use PollInterrupt for polling.
func (h *HostHAL) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.BulkTransfer(ctx, addr, endpoint, data)
}

func (h *HostHAL) submitData(addr hal.DeviceAddress, endpoint uint8, data []byte) (*pending, error) {
	p, err := h.newPending(len(data))
	if err != nil {
		return nil, err
	}
	p.data = data
	p.in = endpoint&0x80 != 0
	p.key = epKey{uint8(addr), endpoint}
	p.track = true

	pid := hw.PIDOut
	if p.in {
		pid = hw.PIDIn
	} else {
		copy(p.buf.Bytes, data)
	}
	ep := h.endpoint(addr, endpoint, defaultBulkPacket)
	p.mps = ep.MaxPacketSize
	if _, err := h.c.SubmitAsync(ep, pid, p.buf.Virt, len(data), p.done, 0); err != nil {
		h.c.FreeBuffer(p.buf)
		return nil, err
	}
	return p, nil
}

// SubmitTransfer implements [hal.AsyncTransferer]. done runs on its own
// goroutine once the transfer completes.
func (h *HostHAL) SubmitTransfer(addr hal.DeviceAddress, endpoint uint8, kind hal.TransferType, setup *hal.SetupPacket, data []byte, done func(int, error)) error {
	var (
		p   *pending
		err error
	)
	switch kind {
	case hal.TransferControl:
		if setup == nil {
			return fmt.Errorf("%w: control transfer without setup packet", pkg.ErrInvalidRequest)
		}
		p, err = h.submitControl(addr, setup, data)
	case hal.TransferBulk, hal.TransferInterrupt:
		p, err = h.submitData(addr, endpoint, data)
	default:
		return pkg.ErrNotSupported
	}
	if err != nil {
		return err
	}
	go func() {
		n, err := p.wait(context.Background())
		if err == nil && kind == hal.TransferControl {
			h.observe(uint8(addr), setup, data[:n])
		}
		if done != nil {
			done(n, err)
		}
	}()
	return nil
}

// PollInterrupt installs a periodic interrupt-IN poll of up to n bytes on
// endpoint of device addr. fn receives each completed report; it runs in
// interrupt context and must not block. The poll stays scheduled for the
// life of the controller.
func (h *HostHAL) PollInterrupt(addr hal.DeviceAddress, endpoint uint8, n int, fn func(data []byte, err error)) error {
	if endpoint&0x80 == 0 {
		return fmt.Errorf("%w: interrupt polling needs an IN endpoint", pkg.ErrInvalidEndpoint)
	}
	buf, err := h.c.AllocBuffer(n)
	if err != nil {
		return err
	}
	ep := h.endpoint(addr, endpoint, n)
	done := func(_ uintptr, result int) {
		if err := resultError(result); err != nil {
			fn(nil, err)
			return
		}
		report := make([]byte, min(result, n))
		copy(report, buf.Bytes)
		fn(report, nil)
	}
	if _, err := h.c.SubmitPeriodicIn(ep, buf.Virt, n, done, 0); err != nil {
		h.c.FreeBuffer(buf)
		return err
	}
	return nil
}

// IsochronousTransfer implements [hal.HostHAL]. The controller has no
// isochronous schedule.
func (h *HostHAL) IsochronousTransfer(context.Context, hal.DeviceAddress, uint8, []byte) (int, error) {
	return 0, pkg.ErrNotSupported
}

// SetDeviceAddress implements [hal.HostHAL].
func (h *HostHAL) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	setup := hal.SetupPacket{
		RequestType: 0x00,
		Request:     requestSetAddress,
		Value:       uint16(newAddr),
	}
	_, err := h.ControlTransfer(ctx, 0, &setup, nil)
	return err
}

// ClaimInterface implements [hal.HostHAL]. There is no kernel driver to
// detach.
func (h *HostHAL) ClaimInterface(hal.DeviceAddress, uint8) error { return nil }

// ReleaseInterface implements [hal.HostHAL].
func (h *HostHAL) ReleaseInterface(hal.DeviceAddress, uint8) error { return nil }

// WaitForConnection implements [hal.HostHAL].
func (h *HostHAL) WaitForConnection(ctx context.Context) (int, error) {
	return h.waitEvent(ctx, h.connect)
}

// WaitForDisconnection implements [hal.HostHAL].
func (h *HostHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	return h.waitEvent(ctx, h.disconnect)
}

func (h *HostHAL) waitEvent(ctx context.Context, ch <-chan int) (int, error) {
	select {
	case port := <-ch:
		return port, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.closed:
		return 0, pkg.ErrNotRunning
	}
}

var (
	_ hal.HostHAL         = (*HostHAL)(nil)
	_ hal.AsyncTransferer = (*HostHAL)(nil)
	_ PortObserver        = (*HostHAL)(nil)
)
