package ehci

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/host/hal/ehci/sim"
	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/dma"
)

// stuckRegs is a register window whose controller never halts.
type stuckRegs struct {
	reads atomic.Int64
}

func (r *stuckRegs) Read8(uint32) uint8 { return 0x20 }

func (r *stuckRegs) Read32(off uint32) uint32 {
	r.reads.Add(1)
	if off == hw.HCSParams {
		return 1
	}
	return 0
}

func (r *stuckRegs) Write32(uint32, uint32) {}

func TestNew_Validation(t *testing.T) {
	space := dma.NewSpace(0, 0)
	regs := sim.New(space, sim.Options{})

	_, err := New(Platform{Memory: space, Translator: space}, DefaultConfig())
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	cfg := DefaultConfig()
	cfg.NakReload = 16
	_, err = New(Platform{Regs: regs, Memory: space, Translator: space}, cfg)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)

	c, err := New(Platform{Regs: regs, Memory: space, Translator: space}, DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c.Config())
}

func TestInit(t *testing.T) {
	r := newRig(t)

	assert.Equal(t, testPorts, r.c.NumPorts())
	require.NoError(t, r.c.checkRing())

	s := r.c.Stats()
	assert.Equal(t, 1, s.RingLength)
	assert.Equal(t, 0, s.PeriodicLength)
	assert.Equal(t, 1, s.QHInUse, "dummy queue head")
	assert.Equal(t, 1, s.QTDInUse, "dummy qTD")

	cmd := r.hc.Read32(sim.DefaultCapLength + hw.USBCmd)
	assert.NotZero(t, cmd&hw.CmdRun)
	assert.NotZero(t, cmd&hw.CmdAsyncEnable)
	assert.Equal(t, uint32(hw.CmdITC8), cmd&hw.CmdITCMask)

	sts := r.hc.Read32(sim.DefaultCapLength + hw.USBSts)
	assert.Zero(t, sts&hw.StsHalted)
	assert.NotZero(t, sts&hw.StsAsync)

	assert.Equal(t, uint32(r.c.qhPhys(0)), r.hc.Read32(sim.DefaultCapLength+hw.AsyncListAddr))
	assert.Equal(t, uint32(r.c.framePhys()), r.hc.Read32(sim.DefaultCapLength+hw.PeriodicListBase))
	assert.Equal(t, uint32(hw.IntrAll), r.hc.Read32(sim.DefaultCapLength+hw.USBIntr))
	assert.Equal(t, uint32(1), r.hc.Read32(sim.DefaultCapLength+hw.ConfigFlag))

	for f := 0; f < frameEntries; f++ {
		require.Equal(t, uint32(hw.LinkTerminate), r.c.region.Load32(frameListOffset+f*4))
	}

	dummy := r.c.qh(0)
	assert.True(t, dummy.Chars().ReclaimHead())
	assert.Equal(t, hw.QHLink(r.c.qhPhys(0)), dummy.Horizontal())
	assert.False(t, dummy.Overlay().Token().Active())

	assert.ErrorIs(t, r.c.Init(context.Background()), pkg.ErrAlreadyRunning)
}

func TestInit_AckLatency(t *testing.T) {
	r := newRigWith(t, testConfig(), sim.Options{Ports: 1, AckLatency: 3})
	require.NoError(t, r.c.checkRing())
	assert.Equal(t, 1, r.c.NumPorts())
}

func TestInit_RegionUnavailable(t *testing.T) {
	space := dma.NewSpace(0, 4)
	c, err := New(Platform{Regs: sim.New(space, sim.Options{}), Memory: space, Translator: space}, testConfig())
	require.NoError(t, err)

	err = c.Init(context.Background())
	require.ErrorIs(t, err, dma.ErrRegionUnavailable)
	assert.ErrorIs(t, c.Start(), ErrNotInitialized)
}

func TestInit_HandshakeTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.HandshakeLimit = 10

	t.Run("reset never completes", func(t *testing.T) {
		space := dma.NewSpace(0, 0)
		c, err := New(Platform{
			Regs:       sim.New(space, sim.Options{Frozen: true}),
			Memory:     space,
			Translator: space,
			Delay:      func(int) {},
		}, cfg)
		require.NoError(t, err)

		err = c.Init(context.Background())
		require.ErrorIs(t, err, ErrHardwareTimeout)
		_, err = c.CreateTransaction(highSpeed(1, 1, 64))
		assert.ErrorIs(t, err, ErrNotInitialized)
		assert.NoError(t, c.Close())
	})

	t.Run("controller never halts", func(t *testing.T) {
		space := dma.NewSpace(0, 0)
		regs := &stuckRegs{}
		var delays int
		c, err := New(Platform{
			Regs:       regs,
			Memory:     space,
			Translator: space,
			Delay:      func(int) { delays++ },
		}, cfg)
		require.NoError(t, err)

		err = c.Init(context.Background())
		require.ErrorIs(t, err, ErrHardwareTimeout)
		assert.LessOrEqual(t, regs.reads.Load(), int64(32), "polling is bounded")
		assert.ErrorIs(t, c.Close(), ErrHardwareTimeout)
	})
}

func TestInit_Cancelled(t *testing.T) {
	space := dma.NewSpace(0, 0)
	c, err := New(Platform{
		Regs:       sim.New(space, sim.Options{}),
		Memory:     space,
		Translator: space,
		Delay:      func(int) {},
	}, testConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, c.Init(ctx), context.Canceled)
	assert.NoError(t, c.Close())
}

func TestStopStart(t *testing.T) {
	r := newRig(t)
	r.attach(0, &function{addr: 1, handle: echo(0)})

	require.NoError(t, r.c.Stop())
	sts := r.hc.Read32(sim.DefaultCapLength + hw.USBSts)
	assert.NotZero(t, sts&hw.StsHalted)

	require.NoError(t, r.c.Start())
	sts = r.hc.Read32(sim.DefaultCapLength + hw.USBSts)
	assert.Zero(t, sts&hw.StsHalted)

	// Submitting restarts a stopped controller.
	require.NoError(t, r.c.Stop())
	var rec recorder
	_, err := r.c.SubmitAsync(highSpeed(1, 1, 512), hw.PIDOut, r.virt(0), 4, rec.done, 0)
	require.NoError(t, err)
	r.until(func() bool { return rec.count() == 1 })
}

func TestClose(t *testing.T) {
	r := newRig(t)
	r.attach(0, &function{addr: 1, handle: echo(0)})

	var rec recorder
	_, err := r.c.SubmitAsync(highSpeed(1, 1, 512), hw.PIDOut, r.virt(0), 4, rec.done, 0)
	require.NoError(t, err)
	r.until(func() bool { return rec.count() == 1 })

	require.NoError(t, r.c.Close())
	require.NoError(t, r.c.Close())

	sts := r.hc.Read32(sim.DefaultCapLength + hw.USBSts)
	assert.NotZero(t, sts&hw.StsHalted)
	assert.Zero(t, r.hc.Read32(sim.DefaultCapLength+hw.USBIntr))
	assert.False(t, r.c.HandleInterrupt())
	assert.ErrorIs(t, r.c.Stop(), ErrNotInitialized)

	_, err = r.c.SubmitAsync(highSpeed(1, 1, 512), hw.PIDOut, r.virt(0), 4, nil, 0)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestClose_RejectsRegionAccess(t *testing.T) {
	r := newRig(t)

	h, err := r.c.CreateTransaction(highSpeed(1, 1, 512))
	require.NoError(t, err)
	require.NoError(t, r.c.AddTransfer(h, false, hw.PIDOut, r.virt(0), 8))
	require.NoError(t, r.c.Close())

	assert.NotPanics(t, func() {
		assert.ErrorIs(t, r.c.Discard(h), ErrNotInitialized)
		assert.ErrorIs(t, r.c.AddTransfer(h, false, hw.PIDOut, r.virt(0), 8), ErrNotInitialized)
		assert.ErrorIs(t, r.c.DoAsync(h, nil, 0), ErrNotInitialized)

		_, err := r.c.CreateTransaction(highSpeed(1, 1, 512))
		assert.ErrorIs(t, err, ErrNotInitialized)
		_, err = r.c.SubmitControl(highSpeed(1, 0, 64), r.virt(0), hw.PIDIn, r.virt(8), 8, nil, 0)
		assert.ErrorIs(t, err, ErrNotInitialized)
		_, err = r.c.SubmitPeriodicIn(highSpeed(1, 1, 8), r.virt(0), 8, nil, 0)
		assert.ErrorIs(t, err, ErrNotInitialized)
		_, err = r.c.AllocBuffer(64)
		assert.ErrorIs(t, err, ErrNotInitialized)
	})
}

func TestLayout(t *testing.T) {
	cfg := DefaultConfig()
	sections := Layout(cfg)
	require.Len(t, sections, 4)

	end := 0
	for _, s := range sections {
		assert.Equal(t, end, s.Offset, s.Name)
		assert.Zero(t, s.Offset%dma.PageSize, s.Name)
		end = s.Offset + s.Size
	}
	assert.Equal(t, RegionPages(cfg)*dma.PageSize, end)
	assert.Equal(t, 128, sections[0].Slots)
	assert.Equal(t, 1024, sections[1].Slots)
	assert.Equal(t, 256, sections[2].Slots)
	assert.Equal(t, cfg.ArenaPages, sections[3].Slots)
}
