package ehci

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/host/hal/ehci/sim"
	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/dma"
)

const (
	testVendor  = 0x1209
	testProduct = 0x0001
	testAddress = 5
	frameTick   = 50 * time.Microsecond
)

// halRig is a HostHAL over a free-running simulated controller.
type halRig struct {
	t   *testing.T
	hc  *sim.Controller
	h   *HostHAL
	dev *sim.Device

	mu   sync.Mutex
	sunk []byte
}

func newHALRig(t *testing.T) *halRig {
	t.Helper()

	space := dma.NewSpace(0, 0)
	hc := sim.New(space, sim.Options{Ports: testPorts})
	h, err := NewHostHAL(Platform{
		Regs:       hc,
		Memory:     space,
		Translator: space,
		Delay:      func(int) {},
	}, testConfig())
	require.NoError(t, err)
	hc.SetInterruptHandler(h.Controller().HandleInterrupt)
	require.NoError(t, h.Init(context.Background()))
	t.Cleanup(func() { _ = h.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = hc.Run(ctx, frameTick)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	r := &halRig{t: t, hc: hc, h: h}
	r.dev = sim.NewDevice(testVendor, testProduct, "Acme", "Widget", "")
	r.dev.AddEndpoint(0x81, hal.TransferBulk, 512, 0, func(_ hw.PID, buf []byte) (int, sim.Handshake) {
		for i := range buf {
			buf[i] = byte(i)
		}
		return len(buf), sim.ACK
	})
	r.dev.AddEndpoint(0x02, hal.TransferBulk, 512, 0, func(_ hw.PID, buf []byte) (int, sim.Handshake) {
		r.mu.Lock()
		r.sunk = append(r.sunk, buf...)
		r.mu.Unlock()
		return len(buf), sim.ACK
	})
	var seq byte
	r.dev.AddEndpoint(0x83, hal.TransferInterrupt, 8, 1, func(_ hw.PID, buf []byte) (int, sim.Handshake) {
		seq++
		buf[0] = seq
		return 1, sim.ACK
	})
	r.dev.AddEndpoint(0x84, hal.TransferBulk, 512, 0, nil)
	return r
}

// connect attaches the device and waits for the HAL to report it.
func (r *halRig) connect() {
	r.t.Helper()
	require.NoError(r.t, r.hc.Attach(0, r.dev, hal.SpeedHigh))

	ctx, cancel := context.WithTimeout(context.Background(), eventuallyFor)
	defer cancel()
	port, err := r.h.WaitForConnection(ctx)
	require.NoError(r.t, err)
	require.Equal(r.t, 1, port)
}

// enumerate addresses and configures the device.
func (r *halRig) enumerate() {
	r.t.Helper()
	ctx := context.Background()

	desc := make([]byte, 18)
	n, err := r.h.ControlTransfer(ctx, 0, &hal.SetupPacket{
		RequestType: 0x80,
		Request:     requestGetDescriptor,
		Value:       descriptorDevice << 8,
		Length:      18,
	}, desc)
	require.NoError(r.t, err)
	require.Equal(r.t, 18, n)

	require.NoError(r.t, r.h.SetDeviceAddress(ctx, testAddress))

	cfg := make([]byte, 255)
	n, err = r.h.ControlTransfer(ctx, testAddress, &hal.SetupPacket{
		RequestType: 0x80,
		Request:     requestGetDescriptor,
		Value:       descriptorConfiguration << 8,
		Length:      255,
	}, cfg)
	require.NoError(r.t, err)
	require.Equal(r.t, 9+9+4*7, n)

	_, err = r.h.ControlTransfer(ctx, testAddress, &hal.SetupPacket{
		Request: requestSetConfiguration,
		Value:   1,
	}, nil)
	require.NoError(r.t, err)
}

func (r *halRig) learned(addr, ep uint8) (int, bool) {
	r.h.mu.Lock()
	defer r.h.mu.Unlock()
	mps, ok := r.h.maxPacket[epKey{addr, ep}]
	return mps, ok
}

func (r *halRig) toggle(addr, ep uint8) bool {
	r.h.mu.Lock()
	defer r.h.mu.Unlock()
	return r.h.toggles[epKey{addr, ep}]
}

func TestHostHAL_PortStatus(t *testing.T) {
	r := newHALRig(t)
	assert.Equal(t, testPorts, r.h.NumPorts())

	st, err := r.h.GetPortStatus(1)
	require.NoError(t, err)
	assert.False(t, st.Connected)
	assert.True(t, st.PowerOn)
	assert.Equal(t, hal.SpeedUnknown, r.h.PortSpeed(1))

	r.connect()
	st, err = r.h.GetPortStatus(1)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.True(t, st.Enabled)
	assert.Equal(t, hal.SpeedHigh, st.Speed)
	assert.Equal(t, hal.SpeedHigh, r.h.PortSpeed(1))

	_, err = r.h.GetPortStatus(0)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
	assert.ErrorIs(t, r.h.ResetPort(testPorts+1), pkg.ErrInvalidParameter)
	assert.Equal(t, hal.SpeedUnknown, r.h.PortSpeed(testPorts+1))

	require.NoError(t, r.h.EnablePort(1, false))
	st, _ = r.h.GetPortStatus(1)
	assert.False(t, st.Enabled)
	require.NoError(t, r.h.EnablePort(1, true))
	st, _ = r.h.GetPortStatus(1)
	assert.True(t, st.Enabled)

	require.NoError(t, r.hc.Detach(0))
	ctx, cancel := context.WithTimeout(context.Background(), eventuallyFor)
	defer cancel()
	port, err := r.h.WaitForDisconnection(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, port)
}

func TestHostHAL_Enumeration(t *testing.T) {
	r := newHALRig(t)
	r.connect()
	r.enumerate()

	assert.Equal(t, uint8(testAddress), r.dev.Address())
	assert.Equal(t, uint8(1), r.dev.Configuration())

	mps, ok := r.learned(0, 0)
	require.True(t, ok)
	assert.Equal(t, 64, mps)
	mps, ok = r.learned(testAddress, 0)
	require.True(t, ok, "SET_ADDRESS carries the control max packet size")
	assert.Equal(t, 64, mps)
	mps, _ = r.learned(testAddress, 0x83)
	assert.Equal(t, 8, mps)
	mps, _ = r.learned(testAddress, 0x02)
	assert.Equal(t, 512, mps)

	reqs := r.dev.Requests()
	require.Len(t, reqs, 4)
	assert.Equal(t, uint8(requestSetAddress), reqs[1].Request)
	assert.Equal(t, uint16(testAddress), reqs[1].Value)
}

func TestHostHAL_ControlStall(t *testing.T) {
	r := newHALRig(t)
	r.connect()

	// Vendor requests are refused by the simulated device.
	_, err := r.h.ControlTransfer(context.Background(), 0, &hal.SetupPacket{
		RequestType: 0xC0,
		Request:     0x42,
		Length:      4,
	}, make([]byte, 4))
	assert.ErrorIs(t, err, pkg.ErrStall)

	// The next request on the same pipe succeeds.
	desc := make([]byte, 8)
	n, err := r.h.ControlTransfer(context.Background(), 0, &hal.SetupPacket{
		RequestType: 0x80,
		Request:     requestGetDescriptor,
		Value:       descriptorDevice << 8,
		Length:      8,
	}, desc)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, byte(64), desc[7])
}

func TestHostHAL_Bulk(t *testing.T) {
	r := newHALRig(t)
	r.connect()
	r.enumerate()
	ctx := context.Background()

	out := bytes.Repeat([]byte{0xA5}, 1000)
	n, err := r.h.BulkTransfer(ctx, testAddress, 0x02, out)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
	assert.False(t, r.toggle(testAddress, 0x02), "two packets leave the toggle at DATA0")

	n, err = r.h.BulkTransfer(ctx, testAddress, 0x02, out[:100])
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.True(t, r.toggle(testAddress, 0x02))

	r.mu.Lock()
	assert.Equal(t, out[:100], r.sunk[1000:])
	assert.Len(t, r.sunk, 1100)
	r.mu.Unlock()

	in := make([]byte, 64)
	n, err = r.h.BulkTransfer(ctx, testAddress, 0x81, in)
	require.NoError(t, err)
	assert.Equal(t, 64, n)
	assert.Equal(t, byte(63), in[63])
	assert.True(t, r.toggle(testAddress, 0x81))

	// SET_CONFIGURATION returns every endpoint to DATA0.
	_, err = r.h.ControlTransfer(ctx, testAddress, &hal.SetupPacket{Request: requestSetConfiguration, Value: 1}, nil)
	require.NoError(t, err)
	assert.False(t, r.toggle(testAddress, 0x81))
	assert.False(t, r.toggle(testAddress, 0x02))
}

func TestHostHAL_BulkStall(t *testing.T) {
	r := newHALRig(t)
	r.connect()
	r.enumerate()
	ctx := context.Background()

	r.dev.InjectFault(0x81, sim.Stall, 1)
	_, err := r.h.BulkTransfer(ctx, testAddress, 0x81, make([]byte, 16))
	require.ErrorIs(t, err, pkg.ErrStall)

	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, uint8(hw.StatusHalted), te.Status)

	n, err := r.h.BulkTransfer(ctx, testAddress, 0x81, make([]byte, 16))
	require.NoError(t, err)
	assert.Equal(t, 16, n)
}

func TestHostHAL_Cancelled(t *testing.T) {
	r := newHALRig(t)
	r.connect()
	r.enumerate()

	// Endpoint 0x84 NAKs forever.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.h.BulkTransfer(ctx, testAddress, 0x84, make([]byte, 16))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHostHAL_SubmitTransfer(t *testing.T) {
	r := newHALRig(t)
	r.connect()
	r.enumerate()

	type result struct {
		n   int
		err error
	}
	results := make(chan result, 1)
	in := make([]byte, 32)
	require.NoError(t, r.h.SubmitTransfer(testAddress, 0x81, hal.TransferBulk, nil, in, func(n int, err error) {
		results <- result{n, err}
	}))
	select {
	case res := <-results:
		require.NoError(t, res.err)
		assert.Equal(t, 32, res.n)
		assert.Equal(t, byte(31), in[31])
	case <-time.After(eventuallyFor):
		t.Fatal("transfer never completed")
	}

	status := make([]byte, 2)
	require.NoError(t, r.h.SubmitTransfer(testAddress, 0, hal.TransferControl, &hal.SetupPacket{
		RequestType: 0x82,
		Index:       0x81,
		Length:      2,
	}, status, func(n int, err error) { results <- result{n, err} }))
	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, 2, res.n)

	assert.ErrorIs(t, r.h.SubmitTransfer(testAddress, 0, hal.TransferControl, nil, nil, nil), pkg.ErrInvalidRequest)
	assert.ErrorIs(t, r.h.SubmitTransfer(testAddress, 1, hal.TransferIsochronous, nil, nil, nil), pkg.ErrNotSupported)
}

func TestHostHAL_PollInterrupt(t *testing.T) {
	r := newHALRig(t)
	r.connect()
	r.enumerate()

	reports := make(chan []byte, 64)
	require.NoError(t, r.h.PollInterrupt(testAddress, 0x83, 8, func(data []byte, err error) {
		if err != nil {
			return
		}
		select {
		case reports <- data:
		default:
		}
	}))

	var last byte
	for i := 0; i < 3; i++ {
		select {
		case rep := <-reports:
			require.Len(t, rep, 1)
			assert.Greater(t, rep[0], last)
			last = rep[0]
		case <-time.After(eventuallyFor):
			t.Fatal("no interrupt report")
		}
	}
	assert.Equal(t, 1, r.h.Controller().Stats().PeriodicLength)

	err := r.h.PollInterrupt(testAddress, 0x02, 8, func([]byte, error) {})
	assert.ErrorIs(t, err, pkg.ErrInvalidEndpoint)
}

func TestHostHAL_Unsupported(t *testing.T) {
	r := newHALRig(t)

	_, err := r.h.IsochronousTransfer(context.Background(), 1, 1, nil)
	assert.ErrorIs(t, err, pkg.ErrNotSupported)
	assert.NoError(t, r.h.ClaimInterface(1, 0))
	assert.NoError(t, r.h.ReleaseInterface(1, 0))
}

func TestHostHAL_Close(t *testing.T) {
	r := newHALRig(t)
	require.NoError(t, r.h.Close())

	_, err := r.h.WaitForConnection(context.Background())
	assert.ErrorIs(t, err, pkg.ErrNotRunning)
	_, err = r.h.BulkTransfer(context.Background(), 1, 0x81, make([]byte, 4))
	assert.ErrorIs(t, err, ErrNotInitialized)
}
