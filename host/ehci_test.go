package host

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/host/hal/ehci"
	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/host/hal/ehci/sim"
	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/dma"
)

// simBus is a Host over the EHCI driver over a free-running simulated
// controller.
type simBus struct {
	hc   *sim.Controller
	hh   *ehci.HostHAL
	host *Host

	mu   sync.Mutex
	sunk []byte
}

func newSimBus(t *testing.T) *simBus {
	t.Helper()

	space := dma.NewSpace(0, 0)
	hc := sim.New(space, sim.Options{Ports: 2})
	cfg := ehci.DefaultConfig()
	cfg.ConnectSettleMs = 0
	cfg.PowerSettleMs = 0
	cfg.ResetHoldMs = 0
	hh, err := ehci.NewHostHAL(ehci.Platform{
		Regs:       hc,
		Memory:     space,
		Translator: space,
		Delay:      func(int) {},
	}, cfg)
	require.NoError(t, err)
	hc.SetInterruptHandler(hh.Controller().HandleInterrupt)
	t.Cleanup(func() { _ = hh.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = hc.Run(ctx, 50*time.Microsecond)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})

	return &simBus{hc: hc, hh: hh, host: startHost(t, hh)}
}

func (b *simBus) device() *sim.Device {
	d := sim.NewDevice(0x1209, 0x0001, "Acme", "Widget", "SN-0042")
	d.AddEndpoint(0x81, hal.TransferBulk, 512, 0, func(_ hw.PID, buf []byte) (int, sim.Handshake) {
		for i := range buf {
			buf[i] = byte(i * 3)
		}
		return len(buf), sim.ACK
	})
	d.AddEndpoint(0x02, hal.TransferBulk, 512, 0, func(_ hw.PID, buf []byte) (int, sim.Handshake) {
		b.mu.Lock()
		b.sunk = append(b.sunk, buf...)
		b.mu.Unlock()
		return len(buf), sim.ACK
	})
	var seq byte
	d.AddEndpoint(0x83, hal.TransferInterrupt, 8, 1, func(_ hw.PID, buf []byte) (int, sim.Handshake) {
		seq++
		buf[0] = seq
		return 1, sim.ACK
	})
	return d
}

func TestSimulatedBus_Enumerate(t *testing.T) {
	b := newSimBus(t)
	fn := b.device()
	require.NoError(t, b.hc.Attach(0, fn, hal.SpeedHigh))

	d := waitDevice(t, b.host)
	assert.Equal(t, 1, d.Port())
	assert.Equal(t, uint8(1), d.Address())
	assert.Equal(t, uint8(1), fn.Address())
	assert.Equal(t, uint8(1), fn.Configuration())
	assert.Equal(t, uint16(0x1209), d.VendorID())
	assert.Equal(t, uint8(64), d.Descriptor().MaxPacketSize0)
	assert.Equal(t, "Acme", d.Manufacturer())
	assert.Equal(t, "Widget", d.Product())
	assert.Equal(t, "SN-0042", d.SerialNumber())
	assert.Equal(t, DeviceStateConfigured, d.State())

	cfg := d.Configuration()
	require.Len(t, cfg.Interfaces, 1)
	assert.Len(t, cfg.Interfaces[0].Endpoints, 3)

	st, err := b.host.PortStatus(1)
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.True(t, st.Enabled)
	assert.Equal(t, hal.SpeedHigh, st.Speed)
}

func TestSimulatedBus_Transfers(t *testing.T) {
	b := newSimBus(t)
	require.NoError(t, b.hc.Attach(0, b.device(), hal.SpeedHigh))
	d := waitDevice(t, b.host)
	ctx := context.Background()

	in := make([]byte, 1500)
	n, err := d.Bulk(ctx, 0x81, in)
	require.NoError(t, err)
	assert.Equal(t, len(in), n)
	want := make([]byte, len(in))
	for i := range want {
		want[i] = byte(i * 3)
	}
	assert.Equal(t, want, in)

	out := bytes.Repeat([]byte("ehci"), 300)
	n, err = d.Bulk(ctx, 0x02, out)
	require.NoError(t, err)
	assert.Equal(t, len(out), n)
	b.mu.Lock()
	assert.Equal(t, out, b.sunk)
	b.mu.Unlock()

	halted, err := d.EndpointHalted(ctx, 0x81)
	require.NoError(t, err)
	assert.False(t, halted)
}

func TestSimulatedBus_TransferManager(t *testing.T) {
	b := newSimBus(t)
	require.NoError(t, b.hc.Attach(0, b.device(), hal.SpeedHigh))
	d := waitDevice(t, b.host)

	tm := NewTransferManager(b.host, 2)
	require.True(t, tm.Async())
	require.NoError(t, tm.Start(context.Background()))
	t.Cleanup(func() { _ = tm.Stop() })

	xfers := make([]*Transfer, 8)
	for i := range xfers {
		xfers[i] = &Transfer{Device: d, Endpoint: 0x81, Type: hal.TransferBulk, Data: make([]byte, 64*(i+1))}
		_, err := tm.Submit(xfers[i])
		require.NoError(t, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), eventuallyFor)
	defer cancel()
	require.NoError(t, tm.WaitAll(ctx))
	for i, x := range xfers {
		n, err := x.Result()
		require.NoError(t, err, "transfer %d", i)
		assert.Equal(t, 64*(i+1), n)
	}
}

func TestSimulatedBus_Poll(t *testing.T) {
	b := newSimBus(t)
	require.NoError(t, b.hc.Attach(0, b.device(), hal.SpeedHigh))
	d := waitDevice(t, b.host)

	reports := make(chan []byte, 64)
	require.NoError(t, d.Poll(0x83, func(r []byte, err error) {
		if err != nil {
			return
		}
		select {
		case reports <- r:
		default:
		}
	}))
	first := <-reports
	second := <-reports
	require.Len(t, first, 1)
	assert.Equal(t, first[0]+1, second[0])

	assert.ErrorIs(t, d.Poll(0x81, nil), pkg.ErrInvalidEndpoint)
}

func TestSimulatedBus_Detach(t *testing.T) {
	b := newSimBus(t)
	gone := make(chan *Device, 1)
	b.host.OnDisconnect(func(d *Device) { gone <- d })

	require.NoError(t, b.hc.Attach(0, b.device(), hal.SpeedHigh))
	d := waitDevice(t, b.host)
	require.NoError(t, b.hc.Detach(0))

	select {
	case g := <-gone:
		assert.Same(t, d, g)
	case <-time.After(eventuallyFor):
		t.Fatal("no disconnect")
	}
	assert.Equal(t, DeviceStateDetached, d.State())

	// Reattaching enumerates again at the next address.
	require.NoError(t, b.hc.Attach(0, b.device(), hal.SpeedHigh))
	d = waitDevice(t, b.host)
	assert.Equal(t, uint8(2), d.Address())
}
