package host

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"

	"github.com/ardnew/softehci/host/hal"
)

// DeviceState is the USB device state as tracked by the host.
type DeviceState uint8

// Device states (USB 2.0 section 9.1).
const (
	DeviceStateDetached DeviceState = iota
	DeviceStateDefault
	DeviceStateAddress
	DeviceStateConfigured
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStateDetached:
		return "detached"
	case DeviceStateDefault:
		return "default"
	case DeviceStateAddress:
		return "address"
	case DeviceStateConfigured:
		return "configured"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

const (
	// MaxDevices bounds the number of addresses the host hands out.
	MaxDevices = 127

	// MaxDescriptorSize bounds configuration descriptor reads.
	MaxDescriptorSize = 512
)

// Descriptor types.
const (
	DescriptorTypeDevice        = 0x01
	DescriptorTypeConfiguration = 0x02
	DescriptorTypeString        = 0x03
	DescriptorTypeInterface     = 0x04
	DescriptorTypeEndpoint      = 0x05
)

// Standard request codes.
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
)

// bmRequestType fields.
const (
	RequestTypeOut       = 0x00
	RequestTypeIn        = 0x80
	RequestTypeStandard  = 0x00
	RequestTypeClass     = 0x20
	RequestTypeVendor    = 0x40
	RequestTypeDevice    = 0x00
	RequestTypeInterface = 0x01
	RequestTypeEndpoint  = 0x02
)

// FeatureEndpointHalt is the ENDPOINT_HALT feature selector.
const FeatureEndpointHalt = 0x00

// LangIDUSEnglish is the language used for string descriptor reads.
const LangIDUSEnglish = 0x0409

// Descriptor sizes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// ErrShortDescriptor is returned when a descriptor is truncated or its
// header disagrees with its type.
var ErrShortDescriptor = errors.New("malformed descriptor")

// DeviceDescriptor is a decoded standard device descriptor.
type DeviceDescriptor struct {
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// ParseDeviceDescriptor decodes a device descriptor.
func ParseDeviceDescriptor(b []byte) (DeviceDescriptor, error) {
	if err := checkHeader(b, DescriptorTypeDevice, DeviceDescriptorSize); err != nil {
		return DeviceDescriptor{}, err
	}
	le := binary.LittleEndian
	return DeviceDescriptor{
		USBVersion:        le.Uint16(b[2:]),
		DeviceClass:       b[4],
		DeviceSubClass:    b[5],
		DeviceProtocol:    b[6],
		MaxPacketSize0:    b[7],
		VendorID:          le.Uint16(b[8:]),
		ProductID:         le.Uint16(b[10:]),
		DeviceVersion:     le.Uint16(b[12:]),
		ManufacturerIndex: b[14],
		ProductIndex:      b[15],
		SerialNumberIndex: b[16],
		NumConfigurations: b[17],
	}, nil
}

// EndpointDescriptor is a decoded endpoint descriptor.
type EndpointDescriptor struct {
	Address       uint8
	Attributes    uint8
	MaxPacketSize uint16
	Interval      uint8
}

// Number returns the endpoint number.
func (e EndpointDescriptor) Number() uint8 { return e.Address & 0x0F }

// IsIn reports whether the endpoint moves data to the host.
func (e EndpointDescriptor) IsIn() bool { return e.Address&0x80 != 0 }

// TransferType returns the endpoint's transfer type.
func (e EndpointDescriptor) TransferType() hal.TransferType {
	return hal.TransferType(e.Attributes & 0x03)
}

// Interface is a decoded interface descriptor with its endpoints and any
// class-specific descriptors that follow it.
type Interface struct {
	Number     uint8
	Alternate  uint8
	Class      uint8
	SubClass   uint8
	Protocol   uint8
	StringIdx  uint8
	Endpoints  []EndpointDescriptor
	ClassBytes [][]byte
}

// Configuration is a decoded configuration descriptor set.
type Configuration struct {
	TotalLength uint16
	Value       uint8
	StringIdx   uint8
	Attributes  uint8
	MaxPower    uint8
	Interfaces  []Interface
}

// Endpoint returns the endpoint with the given address, if any interface
// declares it.
func (c *Configuration) Endpoint(addr uint8) (EndpointDescriptor, bool) {
	for _, in := range c.Interfaces {
		for _, ep := range in.Endpoints {
			if ep.Address == addr {
				return ep, true
			}
		}
	}
	return EndpointDescriptor{}, false
}

// ParseConfiguration decodes a configuration descriptor and every
// interface, endpoint and class descriptor within its total length.
func ParseConfiguration(b []byte) (Configuration, error) {
	if err := checkHeader(b, DescriptorTypeConfiguration, ConfigurationDescriptorSize); err != nil {
		return Configuration{}, err
	}
	c := Configuration{
		TotalLength: binary.LittleEndian.Uint16(b[2:]),
		Value:       b[5],
		StringIdx:   b[6],
		Attributes:  b[7],
		MaxPower:    b[8],
	}
	end := min(int(c.TotalLength), len(b))
	for off := int(b[0]); off+2 <= end; {
		l := int(b[off])
		if l < 2 || off+l > end {
			return c, fmt.Errorf("%w: bad length %d at offset %d", ErrShortDescriptor, l, off)
		}
		d := b[off : off+l]
		switch d[1] {
		case DescriptorTypeInterface:
			if l < InterfaceDescriptorSize {
				return c, ErrShortDescriptor
			}
			c.Interfaces = append(c.Interfaces, Interface{
				Number:    d[2],
				Alternate: d[3],
				Class:     d[5],
				SubClass:  d[6],
				Protocol:  d[7],
				StringIdx: d[8],
			})
		case DescriptorTypeEndpoint:
			if l < EndpointDescriptorSize {
				return c, ErrShortDescriptor
			}
			if len(c.Interfaces) == 0 {
				break
			}
			in := &c.Interfaces[len(c.Interfaces)-1]
			in.Endpoints = append(in.Endpoints, EndpointDescriptor{
				Address:       d[2],
				Attributes:    d[3],
				MaxPacketSize: binary.LittleEndian.Uint16(d[4:]) & 0x07FF,
				Interval:      d[6],
			})
		default:
			if len(c.Interfaces) > 0 {
				in := &c.Interfaces[len(c.Interfaces)-1]
				in.ClassBytes = append(in.ClassBytes, append([]byte(nil), d...))
			}
		}
		off += l
	}
	return c, nil
}

// ParseString decodes a UTF-16LE string descriptor.
func ParseString(b []byte) (string, error) {
	if len(b) < 2 || b[1] != DescriptorTypeString || int(b[0]) < 2 {
		return "", ErrShortDescriptor
	}
	body := b[2:min(int(b[0]), len(b))]
	units := make([]uint16, len(body)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(body[2*i:])
	}
	return string(utf16.Decode(units)), nil
}

func checkHeader(b []byte, kind uint8, size int) error {
	if len(b) < size {
		return fmt.Errorf("%w: %d of %d bytes", ErrShortDescriptor, len(b), size)
	}
	if b[1] != kind {
		return fmt.Errorf("%w: type 0x%02x, want 0x%02x", ErrShortDescriptor, b[1], kind)
	}
	return nil
}
