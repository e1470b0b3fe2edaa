package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softehci/host"
	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/host/hal/ehci"
	"github.com/ardnew/softehci/host/hal/ehci/hw"
	"github.com/ardnew/softehci/host/hal/ehci/sim"
	"github.com/ardnew/softehci/internal/config"
	"github.com/ardnew/softehci/pkg"
	"github.com/ardnew/softehci/pkg/dma"
	"github.com/ardnew/softehci/pkg/prof"
	"github.com/ardnew/softehci/pkg/usbid"
)

const (
	// transferWorkers sizes the TransferManager pool. The EHCI HAL is
	// asynchronous so it only matters for other HALs.
	transferWorkers = 4

	// inFlight bounds the transfers outstanding on one endpoint so their
	// bounce buffers fit the payload arena.
	inFlight = 2
)

func newRunCommand(f *rootFlags) *cobra.Command {
	var (
		duration time.Duration
		popts    prof.Options
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a scenario and print transfer statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := f.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("duration") {
				s.Duration = duration
			}
			if popts.Enabled() {
				s.Profile = popts
			}
			r, err := run(cmd.Context(), s, f.database())
			if r != nil {
				r.print(cmd.OutOrStdout())
			}
			return err
		},
	}
	fl := cmd.Flags()
	fl.DurationVarP(&duration, "duration", "d", 0, "run time (0 runs until interrupted)")
	fl.StringVar(&popts.CPU, "cpuprofile", "", "write a CPU profile")
	fl.StringVar(&popts.Heap, "memprofile", "", "write a heap profile")
	fl.StringVar(&popts.HTTP, "pprof", "", "serve net/http/pprof on this address")
	return cmd
}

// endpointStats counts the traffic driven on one endpoint.
type endpointStats struct {
	port      int
	endpoint  uint8
	kind      hal.TransferType
	transfers int
	bytes     int
	stalls    int
	errors    int
}

// attachment is a device the host enumerated.
type attachment struct {
	port    int
	address uint8
	speed   hal.Speed
	vendor  uint16
	product uint16
	name    string
}

// report is the outcome of a run.
type report struct {
	mu         sync.Mutex
	enumerated int
	detached   int
	devices    []attachment
	endpoints  map[[2]int]*endpointStats

	elapsed      time.Duration
	frames       uint64
	transactions uint64
	controller   ehci.Stats
}

func (r *report) endpoint(port int, ep uint8, kind hal.TransferType) *endpointStats {
	k := [2]int{port, int(ep)}
	if r.endpoints[k] == nil {
		r.endpoints[k] = &endpointStats{port: port, endpoint: ep, kind: kind}
	}
	return r.endpoints[k]
}

func (r *report) record(port int, ep uint8, kind hal.TransferType, n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.endpoint(port, ep, kind)
	switch pkg.StatusOf(err) {
	case pkg.TransferStatusSuccess:
		s.transfers++
		s.bytes += n
	case pkg.TransferStatusStall:
		s.stalls++
	case pkg.TransferStatusCancelled:
	default:
		s.errors++
	}
}

func (r *report) print(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	fmt.Fprintf(w, "elapsed %v, %d frames, %d transactions, %d enumerated, %d detached\n",
		r.elapsed.Round(time.Millisecond), r.frames, r.transactions, r.enumerated, r.detached)
	c := r.controller
	fmt.Fprintf(w, "controller: %d interrupts, %d completions, %d errors, %d reclaim passes, %d descriptors reclaimed\n",
		c.Interrupts, c.Completions, c.Errors, c.ReclaimPasses, c.Reclaimed)

	if len(r.devices) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "port\taddress\tspeed\tid\tname")
		for _, d := range r.devices {
			fmt.Fprintf(tw, "%d\t%d\t%v\t%04x:%04x\t%s\n", d.port, d.address, d.speed, d.vendor, d.product, d.name)
		}
		tw.Flush()
	}

	keys := make([][2]int, 0, len(r.endpoints))
	for k := range r.endpoints {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "port\tendpoint\ttype\ttransfers\tbytes\tstalls\terrors")
	for _, k := range keys {
		s := r.endpoints[k]
		fmt.Fprintf(tw, "%d\t%#02x\t%v\t%d\t%d\t%d\t%d\n",
			s.port, s.endpoint, s.kind, s.transfers, s.bytes, s.stalls, s.errors)
	}
	tw.Flush()
}

// bench is the simulated bus under test.
type bench struct {
	scenario config.Scenario
	hc       *sim.Controller
	host     *host.Host
	tm       *host.TransferManager
	report   *report
	ids      *usbid.Database
}

// run executes scenario s until its duration passes or ctx ends. Devices
// without product strings are named from ids.
func run(ctx context.Context, s config.Scenario, ids *usbid.Database) (*report, error) {
	session, err := prof.Start(s.Profile)
	if err != nil {
		return nil, err
	}
	defer session.Stop()
	if a := session.Addr(); a != "" {
		pkg.LogInfo(pkg.ComponentCLI, "pprof listening", "addr", a)
	}

	space := dma.NewSpace(0, 0)
	hc := sim.New(space, sim.Options{Ports: s.Sim.Ports, AckLatency: s.Sim.AckLatency})
	hh, err := ehci.NewHostHAL(ehci.Platform{
		Regs:       hc,
		Memory:     space,
		Translator: space,
	}, s.Controller)
	if err != nil {
		return nil, err
	}
	hc.SetInterruptHandler(hh.Controller().HandleInterrupt)

	b := &bench{
		scenario: s,
		hc:       hc,
		host:     host.New(hh),
		report:   &report{endpoints: make(map[[2]int]*endpointStats)},
		ids:      ids,
	}
	b.tm = host.NewTransferManager(b.host, transferWorkers)

	start := time.Now()
	err = b.run(ctx)
	b.report.elapsed = time.Since(start)
	b.report.frames, b.report.transactions = hc.Stats()
	b.report.controller = hh.Controller().Stats()
	return b.report, errors.Join(err, hh.Close())
}

func (b *bench) run(ctx context.Context) error {
	if b.scenario.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.scenario.Duration)
		defer cancel()
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return quiet(ctx, b.hc.Run(ctx, b.scenario.Sim.Tick)) })

	if err := b.host.Start(ctx); err != nil {
		return err
	}
	if err := b.tm.Start(ctx); err != nil {
		return errors.Join(err, b.host.Stop())
	}

	var drivers sync.WaitGroup
	b.host.OnConnect(func(d *host.Device) {
		b.enumerated(d)
		dc := b.deviceConfig(d.Port())
		if dc == nil || ctx.Err() != nil {
			return
		}
		drivers.Add(1)
		go func() {
			defer drivers.Done()
			b.drive(ctx, d, dc)
		}()
	})
	b.host.OnDisconnect(func(*host.Device) {
		b.report.mu.Lock()
		b.report.detached++
		b.report.mu.Unlock()
	})

	for i := range b.scenario.Devices {
		dc := &b.scenario.Devices[i]
		g.Go(func() error { return b.plug(ctx, dc) })
	}

	err := g.Wait()
	drivers.Wait()
	return errors.Join(err, b.tm.Stop(), b.host.Stop())
}

func (b *bench) enumerated(d *host.Device) {
	name := strings.TrimSpace(d.Manufacturer() + " " + d.Product())
	if name == "" {
		name = b.ids.Describe(d.VendorID(), d.ProductID())
	}
	pkg.LogInfo(pkg.ComponentCLI, "device enumerated",
		"port", d.Port(),
		"address", d.Address(),
		"name", name)

	b.report.mu.Lock()
	defer b.report.mu.Unlock()
	b.report.enumerated++
	b.report.devices = append(b.report.devices, attachment{
		port:    d.Port(),
		address: d.Address(),
		speed:   d.Speed(),
		vendor:  d.VendorID(),
		product: d.ProductID(),
		name:    name,
	})
}

// plug attaches and later detaches the device dc describes.
func (b *bench) plug(ctx context.Context, dc *config.Device) error {
	if !sleep(ctx, dc.AttachAfter) {
		return nil
	}
	speed, _ := dc.BusSpeed()
	if err := b.hc.Attach(dc.Port-1, newFunction(dc), speed); err != nil {
		return fmt.Errorf("attach port %d: %w", dc.Port, err)
	}
	pkg.LogInfo(pkg.ComponentCLI, "device attached", "port", dc.Port, "speed", speed)
	if dc.DetachAfter == 0 || !sleep(ctx, dc.DetachAfter-dc.AttachAfter) {
		return nil
	}
	if err := b.hc.Detach(dc.Port - 1); err != nil {
		return fmt.Errorf("detach port %d: %w", dc.Port, err)
	}
	pkg.LogInfo(pkg.ComponentCLI, "device detached", "port", dc.Port)
	return nil
}

func (b *bench) deviceConfig(port int) *config.Device {
	for i := range b.scenario.Devices {
		if b.scenario.Devices[i].Port == port {
			return &b.scenario.Devices[i]
		}
	}
	return nil
}

// drive runs the configured traffic on every endpoint of d concurrently.
func (b *bench) drive(ctx context.Context, d *host.Device, dc *config.Device) {
	var wg sync.WaitGroup
	for _, ec := range dc.Endpoints {
		ec := ec
		if ec.Transfers == 0 {
			continue
		}
		kind, _ := ec.TransferType()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if kind == hal.TransferInterrupt && ec.Address&0x80 != 0 {
				b.poll(ctx, d, ec)
				return
			}
			b.stream(ctx, d, ec, kind)
		}()
	}
	wg.Wait()
}

// stream pushes ec.Transfers transfers through the transfer manager with
// up to inFlight outstanding, clearing any halt they run into.
func (b *bench) stream(ctx context.Context, d *host.Device, ec config.Endpoint, kind hal.TransferType) {
	var queue []*host.Transfer
	settle := func() bool {
		x := queue[0]
		queue = queue[1:]
		n, err := x.Wait(ctx)
		if ctx.Err() != nil {
			return false
		}
		b.report.record(d.Port(), ec.Address, kind, n, err)
		if errors.Is(err, pkg.ErrStall) {
			if err := d.ClearHalt(ctx, ec.Address); err != nil {
				pkg.LogWarn(pkg.ComponentCLI, "clear halt", "endpoint", ec.Address, "error", err)
			}
		}
		return true
	}
	for i, n := 0, ec.Transfers; i < n; i++ {
		if len(queue) == inFlight && !settle() {
			return
		}
		x := &host.Transfer{
			Device:   d,
			Endpoint: ec.Address,
			Type:     kind,
			Data:     make([]byte, ec.Size),
			Context:  ctx,
		}
		if _, err := b.tm.Submit(x); err != nil {
			b.report.record(d.Port(), ec.Address, kind, 0, err)
			continue
		}
		queue = append(queue, x)
	}
	for len(queue) > 0 {
		if !settle() {
			return
		}
	}
}

// poll schedules the interrupt endpoint and counts ec.Transfers reports.
func (b *bench) poll(ctx context.Context, d *host.Device, ec config.Endpoint) {
	done := make(chan struct{})
	var once sync.Once
	var seen int
	var mu sync.Mutex
	err := d.Poll(ec.Address, func(data []byte, err error) {
		mu.Lock()
		defer mu.Unlock()
		if seen >= ec.Transfers {
			return
		}
		b.report.record(d.Port(), ec.Address, hal.TransferInterrupt, len(data), err)
		if seen++; seen == ec.Transfers {
			once.Do(func() { close(done) })
		}
	})
	if err != nil {
		b.report.record(d.Port(), ec.Address, hal.TransferInterrupt, 0, err)
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// newFunction builds the simulated device dc describes. IN endpoints
// return a counting pattern, OUT endpoints accept everything.
func newFunction(dc *config.Device) *sim.Device {
	d := sim.NewDevice(dc.Vendor, dc.Product, dc.Manufacturer, dc.Name, dc.Serial)
	for _, ec := range dc.Endpoints {
		kind, _ := ec.TransferType()
		var seq byte
		d.AddEndpoint(ec.Address, kind, ec.MaxPacket, ec.Interval, func(pid hw.PID, buf []byte) (int, sim.Handshake) {
			if pid != hw.PIDIn {
				return len(buf), sim.ACK
			}
			for i := range buf {
				buf[i] = seq
				seq++
			}
			return len(buf), sim.ACK
		})
		if ec.Stalls > 0 {
			d.InjectFault(ec.Address, sim.Stall, ec.Stalls)
		}
		if ec.Errors > 0 {
			d.InjectFault(ec.Address, sim.XactError, ec.Errors)
		}
	}
	return d
}

// sleep waits for d or ctx, reporting whether d passed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// quiet drops the error a clean cancellation leaves behind.
func quiet(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}
