package host

import (
	"context"
	"sync"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// InterruptPoller is implemented by HALs that can keep an interrupt-IN
// endpoint scheduled and deliver each report as it completes.
type InterruptPoller interface {
	PollInterrupt(addr hal.DeviceAddress, endpoint uint8, n int, fn func(data []byte, err error)) error
}

// Device is an enumerated device on one root port.
type Device struct {
	host    *Host
	port    int
	address uint8
	speed   hal.Speed

	desc   DeviceDescriptor
	config Configuration

	manufacturer string
	product      string
	serial       string

	mu     sync.RWMutex
	state  DeviceState
	active uint8
}

func newDevice(h *Host, port int, speed hal.Speed) *Device {
	return &Device{host: h, port: port, speed: speed, state: DeviceStateDefault}
}

func (d *Device) Address() uint8 { return d.address }
func (d *Device) Port() int { return d.port }
func (d *Device) Speed() hal.Speed { return d.speed }
func (d *Device) VendorID() uint16 { return d.desc.VendorID }
func (d *Device) ProductID() uint16 { return d.desc.ProductID }
func (d *Device) Descriptor() DeviceDescriptor { return d.desc }
func (d *Device) Configuration() *Configuration { return &d.config }
func (d *Device) Manufacturer() string { return d.manufacturer }
func (d *Device) Product() string { return d.product }
func (d *Device) SerialNumber() string { return d.serial }

// State returns the device state.
func (d *Device) State() DeviceState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// ActiveConfiguration returns the value last set with SET_CONFIGURATION.
func (d *Device) ActiveConfiguration() uint8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.active
}

func (d *Device) setState(s DeviceState) {
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
}

// Control performs a control transfer on the default pipe.
func (d *Device) Control(ctx context.Context, setup *hal.SetupPacket, data []byte) (int, error) {
	if d.State() == DeviceStateDetached {
		return 0, pkg.ErrNoDevice
	}
	return d.host.hal.ControlTransfer(ctx, hal.DeviceAddress(d.address), setup, data)
}

// Bulk performs a bulk transfer on endpoint.
func (d *Device) Bulk(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	if d.State() == DeviceStateDetached {
		return 0, pkg.ErrNoDevice
	}
	return d.host.hal.BulkTransfer(ctx, hal.DeviceAddress(d.address), endpoint, data)
}

// Interrupt performs a single interrupt transfer on endpoint.
func (d *Device) Interrupt(ctx context.Context, endpoint uint8, data []byte) (int, error) {
	if d.State() == DeviceStateDetached {
		return 0, pkg.ErrNoDevice
	}
	return d.host.hal.InterruptTransfer(ctx, hal.DeviceAddress(d.address), endpoint, data)
}

// Poll schedules endpoint for periodic interrupt-IN polling at the interval
// its descriptor declares. fn may run in interrupt context. The HAL must
// implement [InterruptPoller].
func (d *Device) Poll(endpoint uint8, fn func(report []byte, err error)) error {
	p, ok := d.host.hal.(InterruptPoller)
	if !ok {
		return pkg.ErrNotSupported
	}
	ep, ok := d.config.Endpoint(endpoint)
	if !ok || ep.TransferType() != hal.TransferInterrupt || !ep.IsIn() {
		return pkg.ErrInvalidEndpoint
	}
	return p.PollInterrupt(hal.DeviceAddress(d.address), endpoint, int(ep.MaxPacketSize), fn)
}

// SetConfiguration selects configuration value.
func (d *Device) SetConfiguration(ctx context.Context, value uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestSetConfiguration,
		Value:       uint16(value),
	}
	if _, err := d.Control(ctx, &setup, nil); err != nil {
		return err
	}
	d.mu.Lock()
	d.active = value
	d.state = DeviceStateAddress
	if value != 0 {
		d.state = DeviceStateConfigured
	}
	d.mu.Unlock()
	return nil
}

// GetDescriptor reads descriptor index of kind into buf.
func (d *Device) GetDescriptor(ctx context.Context, kind, index uint8, lang uint16, buf []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(kind)<<8 | uint16(index),
		Index:       lang,
		Length:      uint16(len(buf)),
	}
	return d.Control(ctx, &setup, buf)
}

// EndpointHalted reports the halt feature of endpoint.
func (d *Device) EndpointHalted(ctx context.Context, endpoint uint8) (bool, error) {
	var status [2]byte
	setup := hal.SetupPacket{
		RequestType: RequestTypeIn | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestGetStatus,
		Index:       uint16(endpoint),
		Length:      2,
	}
	if _, err := d.Control(ctx, &setup, status[:]); err != nil {
		return false, err
	}
	return status[0]&1 != 0, nil
}

// ClearHalt clears ENDPOINT_HALT on endpoint, which also resets its data
// toggle.
func (d *Device) ClearHalt(ctx context.Context, endpoint uint8) error {
	setup := hal.SetupPacket{
		RequestType: RequestTypeOut | RequestTypeStandard | RequestTypeEndpoint,
		Request:     RequestClearFeature,
		Value:       FeatureEndpointHalt,
		Index:       uint16(endpoint),
	}
	_, err := d.Control(ctx, &setup, nil)
	return err
}
