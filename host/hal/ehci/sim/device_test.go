package sim

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/host/hal/ehci/hw"
)

// control runs a whole control transfer against d and returns the IN data.
func control(t *testing.T, d *Device, s hal.SetupPacket, out []byte) ([]byte, Handshake) {
	t.Helper()
	var raw [hal.SetupPacketSize]byte
	s.MarshalTo(raw[:])
	_, hs := d.Transact(0, hw.PIDSetup, raw[:])
	require.Equal(t, ACK, hs)

	var in []byte
	if s.RequestType&0x80 != 0 {
		buf := make([]byte, s.Length)
		n, hs := d.Transact(0, hw.PIDIn, buf)
		if hs != ACK {
			return nil, hs
		}
		in = buf[:n]
		_, hs = d.Transact(0, hw.PIDOut, nil)
		return in, hs
	}
	if len(out) > 0 {
		if _, hs := d.Transact(0, hw.PIDOut, out); hs != ACK {
			return nil, hs
		}
	}
	_, hs = d.Transact(0, hw.PIDIn, nil)
	return nil, hs
}

func getDescriptor(kind, index uint8, n uint16) hal.SetupPacket {
	return hal.SetupPacket{RequestType: 0x80, Request: reqGetDescriptor, Value: uint16(kind)<<8 | uint16(index), Length: n}
}

func TestHandshake_String(t *testing.T) {
	assert.Equal(t, "ACK", ACK.String())
	assert.Equal(t, "NAK", NAK.String())
	assert.Equal(t, "STALL", Stall.String())
	assert.Equal(t, "XACTERR", XactError.String())
	assert.Equal(t, "BABBLE", Babble.String())
	assert.Equal(t, "UNKNOWN", Handshake(42).String())
}

func TestDevice_Descriptors(t *testing.T) {
	d := NewDevice(0x1209, 0xBEEF, "Acme", "", "0001")
	d.AddEndpoint(0x81, hal.TransferBulk, 512, 0, nil)
	d.AddEndpoint(0x02, hal.TransferInterrupt, 64, 4, nil)

	desc, hs := control(t, d, getDescriptor(descDevice, 0, 18), nil)
	require.Equal(t, ACK, hs)
	require.Len(t, desc, 18)
	assert.Equal(t, byte(64), desc[7])
	assert.Equal(t, uint16(0x0200), binary.LittleEndian.Uint16(desc[2:]))
	assert.Equal(t, uint16(0x1209), binary.LittleEndian.Uint16(desc[8:]))
	assert.Equal(t, uint16(0xBEEF), binary.LittleEndian.Uint16(desc[10:]))
	assert.Equal(t, []byte{1, 0, 3, 1}, desc[14:18], "string indices and configuration count")

	short, hs := control(t, d, getDescriptor(descDevice, 0, 8), nil)
	require.Equal(t, ACK, hs)
	assert.Equal(t, desc[:8], short)

	cfg, hs := control(t, d, getDescriptor(descConfiguration, 0, 255), nil)
	require.Equal(t, ACK, hs)
	require.Len(t, cfg, 9+9+2*7)
	assert.Equal(t, uint16(len(cfg)), binary.LittleEndian.Uint16(cfg[2:]))
	assert.Equal(t, byte(2), cfg[9+4], "interface endpoint count")
	assert.Equal(t, []byte{7, descEndpoint, 0x81, 0x02, 0x00, 0x02, 0}, cfg[18:25])
	assert.Equal(t, []byte{7, descEndpoint, 0x02, 0x03, 64, 0, 4}, cfg[25:32])

	lang, hs := control(t, d, getDescriptor(descString, 0, 255), nil)
	require.Equal(t, ACK, hs)
	assert.Equal(t, []byte{4, descString, 0x09, 0x04}, lang)

	name, hs := control(t, d, getDescriptor(descString, 1, 255), nil)
	require.Equal(t, ACK, hs)
	assert.Equal(t, []byte{10, descString, 'A', 0, 'c', 0, 'm', 0, 'e', 0}, name)

	_, hs = control(t, d, getDescriptor(descString, 2, 255), nil)
	assert.Equal(t, Stall, hs, "empty string omitted")
	_, hs = control(t, d, getDescriptor(descConfiguration, 1, 255), nil)
	assert.Equal(t, Stall, hs)
	_, hs = control(t, d, getDescriptor(0x0F, 0, 255), nil)
	assert.Equal(t, Stall, hs)

	assert.Len(t, d.Requests(), 8)
}

func TestDevice_SetAddress(t *testing.T) {
	d := NewDevice(1, 2)

	var raw [hal.SetupPacketSize]byte
	s := hal.SetupPacket{Request: reqSetAddress, Value: 9}
	s.MarshalTo(raw[:])
	_, hs := d.Transact(0, hw.PIDSetup, raw[:])
	require.Equal(t, ACK, hs)
	assert.Zero(t, d.Address(), "address applies after the status stage")

	_, hs = d.Transact(0, hw.PIDIn, nil)
	require.Equal(t, ACK, hs)
	assert.Equal(t, uint8(9), d.Address())

	d.Reset()
	assert.Zero(t, d.Address())
}

func TestDevice_Configuration(t *testing.T) {
	d := NewDevice(1, 2)
	var served int
	d.AddEndpoint(0x81, hal.TransferBulk, 512, 0, func(_ hw.PID, buf []byte) (int, Handshake) {
		served++
		return copy(buf, "data"), ACK
	})

	buf := make([]byte, 8)
	_, hs := d.Transact(1, hw.PIDIn, buf)
	assert.Equal(t, Stall, hs, "unconfigured")

	_, hs = control(t, d, hal.SetupPacket{Request: reqSetConfiguration, Value: 1}, nil)
	require.Equal(t, ACK, hs)
	assert.Equal(t, uint8(1), d.Configuration())

	got, hs := control(t, d, hal.SetupPacket{RequestType: 0x80, Request: reqGetConfiguration, Length: 1}, nil)
	require.Equal(t, ACK, hs)
	assert.Equal(t, []byte{1}, got)

	n, hs := d.Transact(1, hw.PIDIn, buf)
	require.Equal(t, ACK, hs)
	assert.Equal(t, "data", string(buf[:n]))
	assert.Equal(t, 1, served)

	_, hs = d.Transact(1, hw.PIDOut, buf)
	assert.Equal(t, Stall, hs, "no OUT endpoint 1")
	_, hs = d.Transact(1, hw.PIDSetup, buf)
	assert.Equal(t, Stall, hs)

	_, hs = control(t, d, hal.SetupPacket{Request: reqSetConfiguration, Value: 2}, nil)
	assert.Equal(t, Stall, hs)
	assert.Equal(t, uint8(1), d.Configuration())

	_, hs = control(t, d, hal.SetupPacket{RequestType: 0x40, Request: 0x01}, nil)
	assert.Equal(t, Stall, hs, "vendor request")

	d.Reset()
	assert.Zero(t, d.Configuration())
}

func TestDevice_EndpointHalt(t *testing.T) {
	d := NewDevice(1, 2)
	stall := true
	d.AddEndpoint(0x02, hal.TransferBulk, 512, 0, func(_ hw.PID, buf []byte) (int, Handshake) {
		if stall {
			return 0, Stall
		}
		return len(buf), ACK
	})
	d.AddEndpoint(0x83, hal.TransferInterrupt, 8, 1, nil)
	_, hs := control(t, d, hal.SetupPacket{Request: reqSetConfiguration, Value: 1}, nil)
	require.Equal(t, ACK, hs)

	_, hs = d.Transact(3, hw.PIDIn, make([]byte, 8))
	assert.Equal(t, NAK, hs, "no handler")

	_, hs = d.Transact(2, hw.PIDOut, []byte{1})
	require.Equal(t, Stall, hs)
	stall = false
	_, hs = d.Transact(2, hw.PIDOut, []byte{1})
	assert.Equal(t, Stall, hs, "endpoint stays halted")

	getStatus := hal.SetupPacket{RequestType: 0x82, Request: reqGetStatus, Index: 0x02, Length: 2}
	status, hs := control(t, d, getStatus, nil)
	require.Equal(t, ACK, hs)
	assert.Equal(t, []byte{1, 0}, status)

	_, hs = control(t, d, hal.SetupPacket{RequestType: 0x02, Request: reqClearFeature, Index: 0x02}, nil)
	require.Equal(t, ACK, hs)
	status, _ = control(t, d, getStatus, nil)
	assert.Equal(t, []byte{0, 0}, status)

	n, hs := d.Transact(2, hw.PIDOut, []byte{1, 2})
	assert.Equal(t, ACK, hs)
	assert.Equal(t, 2, n)

	_, hs = control(t, d, hal.SetupPacket{RequestType: 0x02, Request: reqSetFeature, Index: 0x02}, nil)
	require.Equal(t, ACK, hs)
	_, hs = d.Transact(2, hw.PIDOut, []byte{1})
	assert.Equal(t, Stall, hs)

	_, hs = control(t, d, hal.SetupPacket{RequestType: 0x02, Request: reqClearFeature, Index: 0x05}, nil)
	assert.Equal(t, Stall, hs, "unknown endpoint")
	_, hs = control(t, d, hal.SetupPacket{RequestType: 0x00, Request: reqClearFeature, Value: 1}, nil)
	assert.Equal(t, Stall, hs, "device features unsupported")
}

func TestDevice_Faults(t *testing.T) {
	d := NewDevice(1, 2)
	d.AddEndpoint(0x81, hal.TransferBulk, 512, 0, func(_ hw.PID, buf []byte) (int, Handshake) {
		return len(buf), ACK
	})
	_, hs := control(t, d, hal.SetupPacket{Request: reqSetConfiguration, Value: 1}, nil)
	require.Equal(t, ACK, hs)

	d.InjectFault(0x81, XactError, 2)
	for _, want := range []Handshake{XactError, XactError, ACK} {
		_, hs := d.Transact(1, hw.PIDIn, make([]byte, 4))
		assert.Equal(t, want, hs)
	}

	d.InjectFault(0x81, Babble, -1)
	for i := 0; i < 5; i++ {
		_, hs := d.Transact(1, hw.PIDIn, make([]byte, 4))
		require.Equal(t, Babble, hs)
	}
	d.ClearFaults()
	_, hs = d.Transact(1, hw.PIDIn, make([]byte, 4))
	assert.Equal(t, ACK, hs)

	// Endpoint 0 faults apply to every stage.
	d.InjectFault(0x80, NAK, 1)
	var raw [hal.SetupPacketSize]byte
	_, hs = d.Transact(0, hw.PIDSetup, raw[:])
	assert.Equal(t, NAK, hs)
}

func TestDevice_ControlProtocol(t *testing.T) {
	d := NewDevice(1, 2)

	_, hs := d.Transact(0, hw.PIDIn, make([]byte, 8))
	assert.Equal(t, Stall, hs, "no SETUP yet")
	_, hs = d.Transact(0, hw.PIDOut, nil)
	assert.Equal(t, Stall, hs)

	_, hs = d.Transact(0, hw.PIDSetup, []byte{1, 2, 3})
	assert.Equal(t, XactError, hs, "short SETUP")

	// An IN data stage can be read in pieces.
	s := getDescriptor(descDevice, 0, 18)
	var raw [hal.SetupPacketSize]byte
	s.MarshalTo(raw[:])
	_, hs = d.Transact(0, hw.PIDSetup, raw[:])
	require.Equal(t, ACK, hs)
	first := make([]byte, 8)
	n, hs := d.Transact(0, hw.PIDIn, first)
	require.Equal(t, ACK, hs)
	assert.Equal(t, 8, n)
	rest := make([]byte, 64)
	n, hs = d.Transact(0, hw.PIDIn, rest)
	require.Equal(t, ACK, hs)
	assert.Equal(t, 10, n)
	_, hs = d.Transact(0, hw.PIDOut, nil)
	assert.Equal(t, ACK, hs)

	_, hs = d.Transact(0, hw.PIDIn, make([]byte, 8))
	assert.Equal(t, Stall, hs, "transfer finished")
}
