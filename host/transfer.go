package host

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softehci/host/hal"
	"github.com/ardnew/softehci/pkg"
)

// jobBacklog bounds transfers queued for the worker pool.
const jobBacklog = 64

// Transfer is a transfer request handed to a [TransferManager].
type Transfer struct {
	Device   *Device
	Endpoint uint8 // Ignored for control transfers
	Type     hal.TransferType
	Setup    *hal.SetupPacket // Control transfers only
	Data     []byte

	// Context bounds a transfer run by the worker pool. Transfers handed
	// to an asynchronous HAL run to completion.
	Context context.Context

	// Callback, if set, runs once the transfer completes.
	Callback func(*Transfer)

	id     uint64
	cancel context.CancelFunc
	async  bool
	once   sync.Once
	done   chan struct{}
	n      int
	err    error
}

// ID returns the identifier Submit assigned.
func (t *Transfer) ID() uint64 { return t.id }

// Done is closed once the transfer completes.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Result returns the bytes moved and the error. It is valid after Done is
// closed.
func (t *Transfer) Result() (int, error) { return t.n, t.err }

// Wait blocks until the transfer completes or ctx ends.
func (t *Transfer) Wait(ctx context.Context) (int, error) {
	select {
	case <-t.done:
		return t.n, t.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// TransferManager runs transfers without blocking the submitter. When the
// HAL implements [hal.AsyncTransferer] transfers go straight to the
// controller and may all be in flight at once; otherwise a pool of workers
// drives the blocking HAL methods.
type TransferManager struct {
	host    *Host
	async   hal.AsyncTransferer
	workers int

	nextID  atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]*Transfer
	running bool
	jobs    chan *Transfer
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewTransferManager returns a manager for transfers on h's devices.
// workers sizes the pool used when the HAL is not asynchronous.
func NewTransferManager(h *Host, workers int) *TransferManager {
	tm := &TransferManager{
		host:    h,
		workers: max(workers, 1),
		pending: make(map[uint64]*Transfer),
	}
	tm.async, _ = h.hal.(hal.AsyncTransferer)
	return tm
}

// Async reports whether transfers go straight to an asynchronous HAL.
func (tm *TransferManager) Async() bool { return tm.async != nil }

// Start starts the worker pool, if one is needed.
func (tm *TransferManager) Start(ctx context.Context) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.running {
		return pkg.ErrAlreadyRunning
	}
	tm.running = true
	if tm.async != nil {
		return nil
	}

	ctx, tm.cancel = context.WithCancel(ctx)
	tm.jobs = make(chan *Transfer, jobBacklog)
	tm.group, ctx = errgroup.WithContext(ctx)
	for i := 0; i < tm.workers; i++ {
		tm.group.Go(func() error { return tm.work(ctx) })
	}
	pkg.LogDebug(pkg.ComponentTransfer, "transfer workers started", "workers", tm.workers)
	return nil
}

// Stop stops accepting transfers, fails queued ones with
// [pkg.ErrCancelled] and waits for the workers.
func (tm *TransferManager) Stop() error {
	tm.mu.Lock()
	if !tm.running {
		tm.mu.Unlock()
		return nil
	}
	tm.running = false
	cancel, group := tm.cancel, tm.group
	tm.mu.Unlock()

	if group == nil {
		return nil
	}
	cancel()
	tm.drain()
	err := group.Wait()
	tm.drain()
	return err
}

// drain fails every queued transfer with [pkg.ErrCancelled].
func (tm *TransferManager) drain() {
	for {
		select {
		case t := <-tm.jobs:
			t.cancel()
			tm.complete(t, 0, pkg.ErrCancelled)
		default:
			return
		}
	}
}

// Submit queues t and returns its identifier.
func (tm *TransferManager) Submit(t *Transfer) (uint64, error) {
	if t.Device == nil || (t.Type == hal.TransferControl && t.Setup == nil) {
		return 0, pkg.ErrInvalidParameter
	}
	t.id = tm.nextID.Add(1)
	t.done = make(chan struct{})

	if tm.async != nil {
		return tm.submitAsync(t)
	}

	ctx := t.Context
	if ctx == nil {
		ctx = context.Background()
	}
	t.Context, t.cancel = context.WithCancel(ctx)

	tm.mu.Lock()
	defer tm.mu.Unlock()
	if !tm.running {
		t.cancel()
		return 0, pkg.ErrNotRunning
	}
	select {
	case tm.jobs <- t:
		tm.pending[t.id] = t
		return t.id, nil
	default:
		t.cancel()
		return 0, pkg.ErrBusy
	}
}

func (tm *TransferManager) submitAsync(t *Transfer) (uint64, error) {
	tm.mu.Lock()
	if !tm.running {
		tm.mu.Unlock()
		return 0, pkg.ErrNotRunning
	}
	t.async = true
	tm.pending[t.id] = t
	tm.mu.Unlock()

	err := tm.async.SubmitTransfer(hal.DeviceAddress(t.Device.address),
		t.Endpoint, t.Type, t.Setup, t.Data,
		func(n int, err error) { tm.complete(t, n, err) })
	if err != nil {
		tm.forget(t.id)
		return 0, err
	}
	return t.id, nil
}

// Cancel cancels a transfer still waiting for or running on a worker.
// Transfers already handed to an asynchronous HAL cannot be recalled and
// return [pkg.ErrBusy].
func (tm *TransferManager) Cancel(id uint64) error {
	tm.mu.Lock()
	t, ok := tm.pending[id]
	tm.mu.Unlock()
	switch {
	case !ok:
		return nil
	case t.async:
		return pkg.ErrBusy
	}
	t.cancel()
	return nil
}

// PendingCount returns the number of transfers not yet complete.
func (tm *TransferManager) PendingCount() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.pending)
}

// WaitAll blocks until every transfer submitted so far has completed.
func (tm *TransferManager) WaitAll(ctx context.Context) error {
	tm.mu.Lock()
	waits := make([]<-chan struct{}, 0, len(tm.pending))
	for _, t := range tm.pending {
		waits = append(waits, t.done)
	}
	tm.mu.Unlock()

	for _, w := range waits {
		select {
		case <-w:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (tm *TransferManager) work(ctx context.Context) error {
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			return nil
		case t := <-tm.jobs:
			n, err := tm.run(t)
			tm.complete(t, n, err)
		}
	}
	return nil
}

func (tm *TransferManager) run(t *Transfer) (int, error) {
	defer t.cancel()
	if err := t.Context.Err(); err != nil {
		return 0, pkg.ErrCancelled
	}
	d := t.Device
	var (
		n   int
		err error
	)
	switch t.Type {
	case hal.TransferControl:
		n, err = d.Control(t.Context, t.Setup, t.Data)
	case hal.TransferBulk:
		n, err = d.Bulk(t.Context, t.Endpoint, t.Data)
	case hal.TransferInterrupt:
		n, err = d.Interrupt(t.Context, t.Endpoint, t.Data)
	case hal.TransferIsochronous:
		n, err = tm.host.hal.IsochronousTransfer(t.Context, hal.DeviceAddress(d.address), t.Endpoint, t.Data)
	default:
		err = pkg.ErrInvalidParameter
	}
	if err != nil && t.Context.Err() != nil {
		err = pkg.ErrCancelled
	}
	return n, err
}

func (tm *TransferManager) complete(t *Transfer, n int, err error) {
	t.once.Do(func() {
		tm.forget(t.id)
		t.n, t.err = n, err
		close(t.done)
		if err != nil {
			pkg.LogDebug(pkg.ComponentTransfer, "transfer failed",
				"id", t.id,
				"endpoint", t.Endpoint,
				"error", err)
		}
		if t.Callback != nil {
			t.Callback(t)
		}
	})
}

func (tm *TransferManager) forget(id uint64) {
	tm.mu.Lock()
	delete(tm.pending, id)
	tm.mu.Unlock()
}
