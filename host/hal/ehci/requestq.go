package ehci

import (
	"sync"

	"github.com/ardnew/softehci/pkg"
)

// MaxRequestParams is the number of parameters a request carries.
const MaxRequestParams = 8

// Request priorities. Lower values run first.
const (
	PriorityHigh = iota
	PriorityNormal
	PriorityLow
	PriorityIdle

	numPriorities
)

// RequestQueue runs requests outside interrupt context, one at a time.
type RequestQueue interface {
	// Submit queues a request and waits for its result.
	Submit(priority int, params ...uint64) uint64

	// SubmitAsync queues a request without waiting.
	SubmitAsync(priority int, params ...uint64)

	// Close stops the queue. Pending requests fail.
	Close()
}

// RequestExecutor carries out requests taken from a WorkQueue.
type RequestExecutor interface {
	ExecuteRequest(params [MaxRequestParams]uint64) uint64
}

type request struct {
	params [MaxRequestParams]uint64
	result chan uint64 // nil for asynchronous requests
}

// WorkQueue is a RequestQueue served by a single worker goroutine. Requests
// of equal priority run in submission order.
type WorkQueue struct {
	exec RequestExecutor

	mu      sync.Mutex
	cond    *sync.Cond
	levels  [numPriorities][]*request
	closed  bool
	stopped chan struct{}
}

// NewWorkQueue starts a queue whose requests are executed by exec.
func NewWorkQueue(exec RequestExecutor) *WorkQueue {
	q := &WorkQueue{exec: exec, stopped: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.worker()
	return q
}

// Submit queues a request and waits for its result. It returns
// ^uint64(0) if the queue is closed before the request runs.
func (q *WorkQueue) Submit(priority int, params ...uint64) uint64 {
	r := &request{result: make(chan uint64, 1)}
	if !q.push(priority, r, params) {
		return requestFailed
	}
	return <-r.result
}

// SubmitAsync queues a request without waiting for it.
func (q *WorkQueue) SubmitAsync(priority int, params ...uint64) {
	q.push(priority, &request{}, params)
}

func (q *WorkQueue) push(priority int, r *request, params []uint64) bool {
	if len(params) > MaxRequestParams {
		pkg.LogWarn(pkg.ComponentEHCI, "request parameters truncated",
			"given", len(params),
			"max", MaxRequestParams)
		params = params[:MaxRequestParams]
	}
	copy(r.params[:], params)
	priority = min(max(priority, 0), numPriorities-1)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.levels[priority] = append(q.levels[priority], r)
	q.cond.Signal()
	return true
}

// pop blocks until a request is available or the queue closes.
func (q *WorkQueue) pop() (*request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil, false
		}
		for p := range q.levels {
			if len(q.levels[p]) > 0 {
				r := q.levels[p][0]
				q.levels[p][0] = nil
				q.levels[p] = q.levels[p][1:]
				return r, true
			}
		}
		q.cond.Wait()
	}
}

func (q *WorkQueue) worker() {
	defer close(q.stopped)
	for {
		r, ok := q.pop()
		if !ok {
			return
		}
		v := q.exec.ExecuteRequest(r.params)
		if r.result != nil {
			r.result <- v
		}
	}
}

// Close stops the worker after the running request finishes and fails
// every pending request.
func (q *WorkQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	var pending []*request
	for p := range q.levels {
		pending = append(pending, q.levels[p]...)
		q.levels[p] = nil
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	for _, r := range pending {
		if r.result != nil {
			r.result <- requestFailed
		}
	}
	<-q.stopped
}

var _ RequestQueue = (*WorkQueue)(nil)
