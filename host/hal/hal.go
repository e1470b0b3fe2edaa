package hal

import (
	"context"
	"encoding/binary"
)

// Speed is a USB bus speed.
type Speed uint8

const (
	SpeedUnknown Speed = iota // Nothing attached, or not yet known
	SpeedLow                  // 1.5 Mbit/s
	SpeedFull                 // 12 Mbit/s
	SpeedHigh                 // 480 Mbit/s
)

func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	}
	return "unknown"
}

// PortStatus is a decoded root port status.
type PortStatus struct {
	Connected     bool
	Enabled       bool
	Suspended     bool
	OverCurrent   bool
	Reset         bool // Bus reset in progress
	PowerOn       bool
	Speed         Speed
	ConnectChange bool
	EnableChange  bool
}

// SetupPacketSize is the length of a SETUP packet.
const SetupPacketSize = 8

// SetupPacket is the 8-byte request that opens a control transfer.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16 // Data stage length
}

// ParseSetupPacket decodes the first eight bytes of data into out. It
// reports false if data is shorter than a SETUP packet.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	le := binary.LittleEndian
	*out = SetupPacket{
		RequestType: data[0],
		Request:     data[1],
		Value:       le.Uint16(data[2:]),
		Index:       le.Uint16(data[4:]),
		Length:      le.Uint16(data[6:]),
	}
	return true
}

// MarshalTo encodes s into buf and returns SetupPacketSize, or 0 if buf
// is too short.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	le := binary.LittleEndian
	le.PutUint16(buf[2:], s.Value)
	le.PutUint16(buf[4:], s.Index)
	le.PutUint16(buf[6:], s.Length)
	return SetupPacketSize
}

// In reports whether the data stage moves toward the host.
func (s *SetupPacket) In() bool { return s.RequestType&0x80 != 0 }

// TransferType is the endpoint transfer type, encoded as in bmAttributes.
type TransferType uint8

const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	}
	return "unknown"
}

// DeviceAddress is a bus address, 0 for a device that has just been reset
// and 1 to 127 once assigned.
type DeviceAddress uint8

// HostHAL is what the host stack needs from a host controller driver. Ports
// are numbered from 1. Transfer methods block until the controller
// completes the transfer or ctx ends, and may be called concurrently.
type HostHAL interface {
	// Init brings the controller out of reset and allocates its schedule
	// memory.
	Init(ctx context.Context) error
	// Start runs the schedules and powers the root ports.
	Start() error
	// Stop halts the controller. Init state is kept.
	Stop() error
	// Close halts the controller and releases everything Init acquired.
	Close() error

	NumPorts() int
	GetPortStatus(port int) (PortStatus, error)
	PortSpeed(port int) Speed
	// ResetPort drives a bus reset, leaving the device at address 0.
	ResetPort(port int) error
	EnablePort(port int, enable bool) error

	// ControlTransfer runs SETUP, an optional data stage in the direction
	// setup names, and STATUS. It returns the data stage length.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)
	// BulkTransfer and InterruptTransfer move data in the direction of
	// endpoint's 0x80 bit and return the byte count.
	BulkTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)
	InterruptTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)
	IsochronousTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// SetDeviceAddress moves the device at address 0 to newAddr.
	SetDeviceAddress(ctx context.Context, newAddr DeviceAddress) error

	// ClaimInterface and ReleaseInterface matter only to HALs that share
	// devices with other drivers.
	ClaimInterface(addr DeviceAddress, iface uint8) error
	ReleaseInterface(addr DeviceAddress, iface uint8) error

	// WaitForConnection and WaitForDisconnection block until a port gains
	// or loses a device and return its number.
	WaitForConnection(ctx context.Context) (int, error)
	WaitForDisconnection(ctx context.Context) (int, error)
}

// AsyncTransferer is implemented by HALs that can have several transfers in
// flight at once. The host stack prefers it over the blocking transfer
// methods when available.
type AsyncTransferer interface {
	// SubmitTransfer queues a transfer and returns without waiting. setup
	// is required for control transfers and ignored otherwise. done receives
	// the number of bytes moved in the data phase, or an error; it must not
	// be called before SubmitTransfer returns nil.
	SubmitTransfer(addr DeviceAddress, endpoint uint8, kind TransferType, setup *SetupPacket, data []byte, done func(n int, err error)) error
}
