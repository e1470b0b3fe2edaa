package ehci

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/host/hal/ehci/sim"
	"github.com/ardnew/softehci/pkg/dma"
)

const (
	testPorts      = 2
	testBufPages   = 16
	stepBudget     = 64
	eventuallyFor  = 2 * time.Second
	eventuallyTick = time.Millisecond
)

// rig is a Controller running against a simulated controller.
type rig struct {
	t     *testing.T
	space *dma.Space
	hc    *sim.Controller
	c     *Controller
	obs   *observer
	buf   *dma.Region
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectSettleMs = 0
	cfg.PowerSettleMs = 0
	cfg.ResetHoldMs = 0
	cfg.HandshakeLimit = 1000
	return cfg
}

func newRig(t *testing.T) *rig {
	t.Helper()
	return newRigWith(t, testConfig(), sim.Options{Ports: testPorts})
}

func newRigWith(t *testing.T, cfg Config, opts sim.Options, tweaks ...func(*Platform)) *rig {
	t.Helper()

	space := dma.NewSpace(0, 0)
	hc := sim.New(space, opts)
	obs := newObserver()
	plat := Platform{
		Regs:       hc,
		Memory:     space,
		Translator: space,
		Delay:      func(int) {},
		Observer:   obs,
	}
	for _, tw := range tweaks {
		tw(&plat)
	}
	c, err := New(plat, cfg)
	require.NoError(t, err)
	hc.SetInterruptHandler(c.HandleInterrupt)
	require.NoError(t, c.Init(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	buf, err := space.AllocateRegion(testBufPages)
	require.NoError(t, err)

	return &rig{t: t, space: space, hc: hc, c: c, obs: obs, buf: buf}
}

// attach connects a high-speed device to port i and waits until the
// controller has reset and reported it.
func (r *rig) attach(i int, d sim.Function) {
	r.t.Helper()
	require.NoError(r.t, r.hc.Attach(i, d, hal.SpeedHigh))
	require.Eventually(r.t, func() bool { return r.obs.connected(i) }, eventuallyFor, eventuallyTick)
}

// until steps the simulator until cond holds.
func (r *rig) until(cond func() bool) {
	r.t.Helper()
	for n := 0; n < stepBudget; n++ {
		if cond() {
			return
		}
		r.hc.Step()
	}
	require.True(r.t, cond(), "condition not met after %d steps", stepBudget)
}

// settle steps the simulator until every retired queue head is reclaimed.
func (r *rig) settle(qh, qtd int) {
	r.t.Helper()
	require.Eventually(r.t, func() bool {
		r.hc.Step()
		s := r.c.Stats()
		return s.QHInUse == qh && s.QTDInUse == qtd
	}, eventuallyFor, eventuallyTick)
}

func (r *rig) virt(off int) dma.VirtAddr { return r.buf.VirtAt(off) }

func (r *rig) bytes(off, n int) []byte { return r.buf.Bytes(off, n) }

// recorder collects completions.
type recorder struct {
	mu      sync.Mutex
	params  []uintptr
	results []int
}

func (r *recorder) done(param uintptr, result int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params = append(r.params, param)
	r.results = append(r.results, result)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.results)
}

func (r *recorder) last() (uintptr, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.results)
	if n == 0 {
		return 0, 0
	}
	return r.params[n-1], r.results[n-1]
}

// observer records port events.
type observer struct {
	mu           sync.Mutex
	ports        map[int]hal.Speed
	disconnected map[int]int
}

func newObserver() *observer {
	return &observer{ports: make(map[int]hal.Speed), disconnected: make(map[int]int)}
}

func (o *observer) DeviceConnected(port int, speed hal.Speed) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ports[port] = speed
}

func (o *observer) DeviceDisconnected(port int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.ports, port)
	o.disconnected[port]++
}

func (o *observer) connected(port int) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.ports[port]
	return ok
}

func (o *observer) disconnects(port int) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disconnected[port]
}

// function is a minimal simulated function at a fixed address.
type function struct {
	addr   uint8
	handle func(ep uint8, pid hw.PID, buf []byte) (int, sim.Handshake)
}

func (f *function) Address() uint8 { return f.addr }

func (f *function) Reset() {}

func (f *function) Transact(ep uint8, pid hw.PID, buf []byte) (int, sim.Handshake) {
	return f.handle(ep, pid, buf)
}

func highSpeed(addr, ep uint8, maxPacket int) Endpoint {
	return Endpoint{Address: addr, Number: ep, Speed: hal.SpeedHigh, MaxPacketSize: maxPacket}
}
