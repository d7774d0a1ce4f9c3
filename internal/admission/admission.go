// Package admission implements the GPU slot pool and its bounded FIFO wait
// queue. Both share one mutex so slot occupancy, queue membership and the
// prometheus gauges mirroring them can never be observed out of sync.
package admission

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ErrCapacity is returned when every slot is busy and queueing is disabled.
	ErrCapacity = errors.New("admission: no free slot")
	// ErrQueueFull is returned when the wait queue is already at capacity.
	ErrQueueFull = errors.New("admission: wait queue full")
	// ErrQueueTimeout is returned when a queued request waited past its deadline.
	ErrQueueTimeout = errors.New("admission: timed out waiting for slot")
)

// Mode selects the behavior when no slot is immediately free.
type Mode string

const (
	ModeQueue  Mode = "queue"
	ModeReject Mode = "reject"
)

// Config holds the admission parameters, fixed for the process lifetime.
type Config struct {
	MaxActive    int
	Mode         Mode
	QueueMax     int
	QueueTimeout time.Duration
}

// waiter is one queued request. granted is only written under the
// controller mutex, which is what makes the expiry/grant race decidable.
type waiter struct {
	ready      chan struct{}
	granted    bool
	enqueuedAt time.Time
}

// Controller is the admission monitor: a counting slot pool plus a FIFO
// wait queue behind a single mutex.
type Controller struct {
	mu           sync.Mutex
	capacity     int
	inUse        int
	mode         Mode
	queueMax     int
	queueTimeout time.Duration
	waiters      *list.List // of *waiter, front = longest waiting

	activeGauge prometheus.Gauge
	depthGauge  prometheus.Gauge

	admittedImmediate atomic.Int64
	admittedAfterWait atomic.Int64
	rejectedCapacity  atomic.Int64
	rejectedQueueFull atomic.Int64
	timedOut          atomic.Int64
	cancelledWaiting  atomic.Int64
	totalWaitNs       atomic.Int64
}

// NewController creates an admission controller. The gauges are updated
// inside the same critical sections that mutate the state they mirror.
func NewController(cfg Config, activeGauge, depthGauge prometheus.Gauge) *Controller {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 1
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeQueue
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 30 * time.Second
	}
	return &Controller{
		capacity:     cfg.MaxActive,
		mode:         cfg.Mode,
		queueMax:     cfg.QueueMax,
		queueTimeout: cfg.QueueTimeout,
		waiters:      list.New(),
		activeGauge:  activeGauge,
		depthGauge:   depthGauge,
	}
}

// TryAcquire grabs a slot without waiting. Callers that get true must call
// Release exactly once.
func (c *Controller) TryAcquire() bool {
	c.mu.Lock()
	if c.inUse < c.capacity {
		c.inUse++
		c.activeGauge.Set(float64(c.inUse))
		c.mu.Unlock()
		c.admittedImmediate.Add(1)
		return true
	}
	c.mu.Unlock()
	return false
}

// Release returns a slot to the pool. If a request is waiting, the slot is
// handed to the longest-waiting one directly and occupancy is unchanged.
func (c *Controller) Release() {
	c.mu.Lock()
	if front := c.waiters.Front(); front != nil {
		w := front.Value.(*waiter)
		c.waiters.Remove(front)
		c.depthGauge.Set(float64(c.waiters.Len()))
		w.granted = true
		close(w.ready)
		c.mu.Unlock()
		return
	}
	if c.inUse > 0 {
		c.inUse--
	}
	c.activeGauge.Set(float64(c.inUse))
	c.mu.Unlock()
}

// Admit decides whether the request runs now, waits, or is refused. On
// success it returns a release func safe to call exactly once from any exit
// path; extra calls are no-ops.
func (c *Controller) Admit(ctx context.Context) (func(), error) {
	if c.TryAcquire() {
		return c.releaseOnce(), nil
	}

	if c.mode == ModeReject {
		c.rejectedCapacity.Add(1)
		return nil, ErrCapacity
	}

	c.mu.Lock()
	// Re-check under the lock that guards enqueue, so a slot freed between
	// TryAcquire and here cannot be missed.
	if c.inUse < c.capacity {
		c.inUse++
		c.activeGauge.Set(float64(c.inUse))
		c.mu.Unlock()
		c.admittedImmediate.Add(1)
		return c.releaseOnce(), nil
	}
	if c.waiters.Len() >= c.queueMax {
		c.mu.Unlock()
		c.rejectedQueueFull.Add(1)
		return nil, ErrQueueFull
	}
	w := &waiter{ready: make(chan struct{}), enqueuedAt: time.Now()}
	elem := c.waiters.PushBack(w)
	c.depthGauge.Set(float64(c.waiters.Len()))
	c.mu.Unlock()

	timer := time.NewTimer(c.queueTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		c.admittedAfterWait.Add(1)
		c.totalWaitNs.Add(int64(time.Since(w.enqueuedAt)))
		return c.releaseOnce(), nil

	case <-timer.C:
		if c.expire(elem, w) {
			c.timedOut.Add(1)
			return nil, ErrQueueTimeout
		}
		// Granted before the deadline could be applied; the earlier
		// resolution stands.
		c.admittedAfterWait.Add(1)
		c.totalWaitNs.Add(int64(time.Since(w.enqueuedAt)))
		return c.releaseOnce(), nil

	case <-ctx.Done():
		if c.expire(elem, w) {
			c.cancelledWaiting.Add(1)
			return nil, ctx.Err()
		}
		// Granted concurrently with cancellation: nobody is left to use
		// the slot, hand it straight back.
		c.Release()
		c.cancelledWaiting.Add(1)
		return nil, ctx.Err()
	}
}

// expire removes the waiter from the queue unless it was already granted a
// slot. Exactly one of expiry and grant wins for any waiter.
func (c *Controller) expire(elem *list.Element, w *waiter) bool {
	c.mu.Lock()
	if w.granted {
		c.mu.Unlock()
		return false
	}
	c.waiters.Remove(elem)
	c.depthGauge.Set(float64(c.waiters.Len()))
	c.mu.Unlock()
	return true
}

func (c *Controller) releaseOnce() func() {
	var once sync.Once
	return func() { once.Do(c.Release) }
}

// InUse returns the current slot occupancy.
func (c *Controller) InUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inUse
}

// QueueDepth returns the number of waiting requests.
func (c *Controller) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters.Len()
}

// Capacity returns the configured slot count.
func (c *Controller) Capacity() int {
	return c.capacity
}

// Snapshot is a point-in-time view of admission state.
type Snapshot struct {
	Capacity          int     `json:"capacity"`
	InUse             int     `json:"in_use"`
	Mode              string  `json:"mode"`
	QueueDepth        int     `json:"queue_depth"`
	QueueMax          int     `json:"queue_max"`
	AdmittedImmediate int64   `json:"admitted_immediate"`
	AdmittedAfterWait int64   `json:"admitted_after_wait"`
	RejectedCapacity  int64   `json:"rejected_capacity"`
	RejectedQueueFull int64   `json:"rejected_queue_full"`
	TimedOut          int64   `json:"timed_out"`
	CancelledWaiting  int64   `json:"cancelled_waiting"`
	AvgWaitMs         float64 `json:"avg_wait_ms"`
}

// Stats returns a point-in-time snapshot of admission state and counters.
func (c *Controller) Stats() Snapshot {
	c.mu.Lock()
	inUse := c.inUse
	depth := c.waiters.Len()
	c.mu.Unlock()

	waited := c.admittedAfterWait.Load()
	var avgMs float64
	if waited > 0 {
		avgMs = float64(c.totalWaitNs.Load()) / float64(waited) / 1e6
	}
	return Snapshot{
		Capacity:          c.capacity,
		InUse:             inUse,
		Mode:              string(c.mode),
		QueueDepth:        depth,
		QueueMax:          c.queueMax,
		AdmittedImmediate: c.admittedImmediate.Load(),
		AdmittedAfterWait: c.admittedAfterWait.Load(),
		RejectedCapacity:  c.rejectedCapacity.Load(),
		RejectedQueueFull: c.rejectedQueueFull.Load(),
		TimedOut:          c.timedOut.Load(),
		CancelledWaiting:  c.cancelledWaiting.Load(),
		AvgWaitMs:         avgMs,
	}
}
