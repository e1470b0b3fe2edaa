package sim

import (
	"encoding/binary"
	"sync"
	"unicode/utf16"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/pkg"
)

// Handshake is a function's response to a transaction.
type Handshake uint8

// Handshakes.
const (
	ACK       Handshake = iota // Data accepted or delivered
	NAK                        // Not ready; retry later
	Stall                      // Endpoint halted
	XactError                  // No response or corrupt packet
	Babble                     // More data than the packet allows
)

// String returns the handshake name.
func (h Handshake) String() string {
	switch h {
	case ACK:
		return "ACK"
	case NAK:
		return "NAK"
	case Stall:
		return "STALL"
	case XactError:
		return "XACTERR"
	case Babble:
		return "BABBLE"
	default:
		return "UNKNOWN"
	}
}

// Function is a USB function attached to a simulated port. Transact moves
// one qTD's worth of data: for OUT and SETUP buf holds the payload, for IN
// the function fills buf and returns how many bytes it wrote.
type Function interface {
	// Address returns the address the function currently answers to.
	Address() uint8

	// Reset returns the function to the default state at address 0.
	Reset()

	// Transact performs a transaction on endpoint number ep.
	Transact(ep uint8, pid hw.PID, buf []byte) (int, Handshake)
}

// EndpointHandler serves transactions on a non-control endpoint.
type EndpointHandler func(pid hw.PID, buf []byte) (int, Handshake)

// Standard request codes.
const (
	reqGetStatus        = 0x00
	reqClearFeature     = 0x01
	reqSetFeature       = 0x03
	reqSetAddress       = 0x05
	reqGetDescriptor    = 0x06
	reqGetConfiguration = 0x08
	reqSetConfiguration = 0x09

	descDevice        = 0x01
	descConfiguration = 0x02
	descString        = 0x03
	descInterface     = 0x04
	descEndpoint      = 0x05

	featureEndpointHalt = 0x00
	recipientMask       = 0x1F
	recipientEndpoint   = 0x02
)

type fault struct {
	hs    Handshake
	count int // Remaining injections; negative is unlimited
}

type endpoint struct {
	attrs    uint8
	mps      uint16
	interval uint8
	handler  EndpointHandler
	halted   bool
}

// controlState tracks the stage of a control transfer on endpoint 0.
type controlState struct {
	setup   hal.SetupPacket
	active  bool
	stall   bool
	in      []byte // IN data stage still to send
	out     []byte // OUT data stage received
	applied func()
}

// Device is a simulated high-speed USB device with one configuration and
// one vendor-specific interface.
type Device struct {
	mu        sync.Mutex
	vendor    uint16
	product   uint16
	strings   []string
	address   uint8
	config    uint8
	endpoints map[uint8]*endpoint // Keyed by endpoint address
	order     []uint8
	faults    map[uint8]*fault
	ctl       controlState
	requests  []hal.SetupPacket
}

// NewDevice creates a device with the given IDs. strings are the
// manufacturer, product and serial number; empty entries are omitted.
func NewDevice(vendor, product uint16, strings ...string) *Device {
	return &Device{
		vendor:    vendor,
		product:   product,
		strings:   strings,
		endpoints: make(map[uint8]*endpoint),
		faults:    make(map[uint8]*fault),
	}
}

// AddEndpoint adds an endpoint to the interface and routes its
// transactions to fn. addr includes the direction bit.
func (d *Device) AddEndpoint(addr uint8, kind hal.TransferType, maxPacket uint16, interval uint8, fn EndpointHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.endpoints[addr]; !ok {
		d.order = append(d.order, addr)
	}
	d.endpoints[addr] = &endpoint{
		attrs:    uint8(kind),
		mps:      maxPacket,
		interval: interval,
		handler:  fn,
	}
}

// InjectFault makes the next count transactions on endpoint address addr
// answer hs. A negative count never expires. Endpoint 0 faults apply in
// both directions.
func (d *Device) InjectFault(addr uint8, hs Handshake, count int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if addr&0x0F == 0 {
		addr = 0
	}
	d.faults[addr] = &fault{hs: hs, count: count}
}

// ClearFaults removes every injected fault.
func (d *Device) ClearFaults() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.faults)
}

// Configuration returns the selected configuration value.
func (d *Device) Configuration() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Requests returns the SETUP packets received so far.
func (d *Device) Requests() []hal.SetupPacket {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]hal.SetupPacket(nil), d.requests...)
}

// Address implements [Function].
func (d *Device) Address() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

// Reset implements [Function].
func (d *Device) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.address = 0
	d.config = 0
	d.ctl = controlState{}
	for _, ep := range d.endpoints {
		ep.halted = false
	}
}

// Transact implements [Function].
func (d *Device) Transact(ep uint8, pid hw.PID, buf []byte) (int, Handshake) {
	d.mu.Lock()
	defer d.mu.Unlock()

	addr := ep
	if ep != 0 && pid == hw.PIDIn {
		addr |= 0x80
	}
	if f := d.faults[addr]; f != nil && f.count != 0 {
		if f.count > 0 {
			f.count--
		}
		return 0, f.hs
	}

	if ep == 0 {
		return d.control(pid, buf)
	}
	e := d.endpoints[addr]
	if e == nil || d.config == 0 || pid == hw.PIDSetup {
		return 0, Stall
	}
	if e.halted {
		return 0, Stall
	}
	if e.handler == nil {
		return 0, NAK
	}
	n, hs := e.handler(pid, buf)
	if hs == Stall {
		e.halted = true
	}
	return n, hs
}

// control runs one stage of a control transfer. The caller holds mu.
func (d *Device) control(pid hw.PID, buf []byte) (int, Handshake) {
	switch pid {
	case hw.PIDSetup:
		var s hal.SetupPacket
		if !hal.ParseSetupPacket(buf, &s) {
			return 0, XactError
		}
		d.requests = append(d.requests, s)
		d.ctl = controlState{setup: s, active: true}
		d.request()
		return len(buf), ACK

	case hw.PIDIn:
		if !d.ctl.active || d.ctl.stall {
			return 0, Stall
		}
		if d.ctl.setup.RequestType&0x80 != 0 {
			n := copy(buf, d.ctl.in)
			d.ctl.in = d.ctl.in[n:]
			return n, ACK
		}
		// Status stage of an OUT or no-data request.
		d.finish()
		return 0, ACK

	case hw.PIDOut:
		if !d.ctl.active || d.ctl.stall {
			return 0, Stall
		}
		if d.ctl.setup.RequestType&0x80 == 0 {
			d.ctl.out = append(d.ctl.out, buf...)
			return len(buf), ACK
		}
		// Status stage of an IN request.
		d.finish()
		return 0, ACK
	}
	return 0, Stall
}

func (d *Device) finish() {
	if d.ctl.applied != nil {
		d.ctl.applied()
	}
	d.ctl = controlState{}
}

// request decodes the SETUP packet just received. Requests whose effect must
// wait for the status stage set applied. The caller holds mu.
func (d *Device) request() {
	s := &d.ctl.setup
	if s.RequestType&0x60 != 0 {
		pkg.LogDebug(pkg.ComponentSim, "unsupported request type", "type", s.RequestType)
		d.ctl.stall = true
		return
	}
	reply := func(b []byte) {
		d.ctl.in = b[:min(len(b), int(s.Length))]
	}

	switch s.Request {
	case reqGetDescriptor:
		b := d.descriptor(uint8(s.Value>>8), uint8(s.Value))
		if b == nil {
			d.ctl.stall = true
			return
		}
		reply(b)

	case reqSetAddress:
		addr := uint8(s.Value) & 0x7F
		d.ctl.applied = func() { d.address = addr }

	case reqSetConfiguration:
		cfg := uint8(s.Value)
		if cfg > 1 {
			d.ctl.stall = true
			return
		}
		d.ctl.applied = func() {
			d.config = cfg
			for _, ep := range d.endpoints {
				ep.halted = false
			}
		}

	case reqGetConfiguration:
		reply([]byte{d.config})

	case reqGetStatus:
		var status uint16
		if s.RequestType&recipientMask == recipientEndpoint {
			if e := d.endpoints[uint8(s.Index)]; e != nil && e.halted {
				status = 1
			}
		}
		reply(binary.LittleEndian.AppendUint16(nil, status))

	case reqClearFeature, reqSetFeature:
		if s.RequestType&recipientMask != recipientEndpoint || s.Value != featureEndpointHalt {
			d.ctl.stall = true
			return
		}
		e := d.endpoints[uint8(s.Index)]
		if e == nil {
			d.ctl.stall = true
			return
		}
		halt := s.Request == reqSetFeature
		d.ctl.applied = func() { e.halted = halt }

	default:
		d.ctl.stall = true
	}
}

// descriptor builds descriptor index of the given type, or nil.
func (d *Device) descriptor(kind, index uint8) []byte {
	switch kind {
	case descDevice:
		b := []byte{18, descDevice, 0x00, 0x02, 0, 0, 0, 64}
		b = binary.LittleEndian.AppendUint16(b, d.vendor)
		b = binary.LittleEndian.AppendUint16(b, d.product)
		b = binary.LittleEndian.AppendUint16(b, 0x0100)
		return append(b, d.stringIndex(0), d.stringIndex(1), d.stringIndex(2), 1)

	case descConfiguration:
		if index != 0 {
			return nil
		}
		b := []byte{9, descConfiguration, 0, 0, 1, 1, 0, 0x80, 50}
		b = append(b, 9, descInterface, 0, 0, uint8(len(d.order)), 0xFF, 0, 0, 0)
		for _, addr := range d.order {
			e := d.endpoints[addr]
			b = append(b, 7, descEndpoint, addr, e.attrs)
			b = binary.LittleEndian.AppendUint16(b, e.mps)
			b = append(b, e.interval)
		}
		binary.LittleEndian.PutUint16(b[2:], uint16(len(b)))
		return b

	case descString:
		if index == 0 {
			return []byte{4, descString, 0x09, 0x04}
		}
		if int(index) > len(d.strings) || d.strings[index-1] == "" {
			return nil
		}
		b := []byte{0, descString}
		for _, r := range utf16.Encode([]rune(d.strings[index-1])) {
			b = binary.LittleEndian.AppendUint16(b, r)
		}
		b[0] = uint8(len(b))
		return b
	}
	return nil
}

func (d *Device) stringIndex(i int) uint8 {
	if i < len(d.strings) && d.strings[i] != "" {
		return uint8(i + 1)
	}
	return 0
}

var _ Function = (*Device)(nil)
