package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestController(cfg Config) (*Controller, prometheus.Gauge, prometheus.Gauge) {
	active := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_active"})
	depth := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_depth"})
	return NewController(cfg, active, depth), active, depth
}

// waitForDepth polls until the queue reaches the wanted depth.
func waitForDepth(t *testing.T, c *Controller, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.QueueDepth() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue depth never reached %d, got %d", want, c.QueueDepth())
}

func TestTryAcquireBounds(t *testing.T) {
	c, active, _ := newTestController(Config{MaxActive: 2, Mode: ModeReject})

	if !c.TryAcquire() {
		t.Fatal("first acquire should succeed")
	}
	if !c.TryAcquire() {
		t.Fatal("second acquire should succeed")
	}
	if c.TryAcquire() {
		t.Fatal("third acquire should fail at capacity")
	}
	if got := c.InUse(); got != 2 {
		t.Fatalf("expected in_use=2, got %d", got)
	}
	if got := testutil.ToFloat64(active); got != 2 {
		t.Fatalf("expected active gauge 2, got %v", got)
	}

	c.Release()
	if got := c.InUse(); got != 1 {
		t.Fatalf("expected in_use=1 after release, got %d", got)
	}
	if got := testutil.ToFloat64(active); got != 1 {
		t.Fatalf("expected active gauge 1, got %v", got)
	}
	if !c.TryAcquire() {
		t.Fatal("acquire should succeed after release")
	}
}

func TestAdmitImmediate(t *testing.T) {
	c, _, _ := newTestController(Config{MaxActive: 1, Mode: ModeQueue, QueueMax: 1, QueueTimeout: time.Second})

	release, err := c.Admit(context.Background())
	if err != nil {
		t.Fatalf("expected immediate admit, got %v", err)
	}
	if got := c.InUse(); got != 1 {
		t.Fatalf("expected in_use=1, got %d", got)
	}

	release()
	if got := c.InUse(); got != 0 {
		t.Fatalf("expected in_use=0 after release, got %d", got)
	}

	// Extra release calls must be no-ops.
	release()
	release()
	if got := c.InUse(); got != 0 {
		t.Fatalf("expected in_use=0 after repeated release, got %d", got)
	}
}

func TestRejectMode(t *testing.T) {
	c, _, _ := newTestController(Config{MaxActive: 1, Mode: ModeReject})

	release, err := c.Admit(context.Background())
	if err != nil {
		t.Fatalf("expected admit, got %v", err)
	}
	defer release()

	if _, err := c.Admit(context.Background()); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	if got := c.QueueDepth(); got != 0 {
		t.Fatalf("reject mode must never queue, depth=%d", got)
	}
}

func TestQueueFull(t *testing.T) {
	c, _, depth := newTestController(Config{MaxActive: 1, Mode: ModeQueue, QueueMax: 1, QueueTimeout: 5 * time.Second})

	release, err := c.Admit(context.Background())
	if err != nil {
		t.Fatalf("expected admit, got %v", err)
	}

	waiting := make(chan struct{})
	go func() {
		r, err := c.Admit(context.Background())
		if err != nil {
			t.Errorf("queued request should be granted, got %v", err)
			close(waiting)
			return
		}
		close(waiting)
		r()
	}()

	waitForDepth(t, c, 1)
	if got := testutil.ToFloat64(depth); got != 1 {
		t.Fatalf("expected depth gauge 1, got %v", got)
	}

	if _, err := c.Admit(context.Background()); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	release()
	<-waiting

	if got := c.QueueDepth(); got != 0 {
		t.Fatalf("expected empty queue, depth=%d", got)
	}
}

func TestQueueDisabled(t *testing.T) {
	c, _, _ := newTestController(Config{MaxActive: 1, Mode: ModeQueue, QueueMax: 0, QueueTimeout: time.Second})

	release, err := c.Admit(context.Background())
	if err != nil {
		t.Fatalf("expected admit, got %v", err)
	}
	defer release()

	if _, err := c.Admit(context.Background()); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull with zero-length queue, got %v", err)
	}
}

func TestQueueTimeout(t *testing.T) {
	c, _, _ := newTestController(Config{MaxActive: 1, Mode: ModeQueue, QueueMax: 1, QueueTimeout: 100 * time.Millisecond})

	release, err := c.Admit(context.Background())
	if err != nil {
		t.Fatalf("expected admit, got %v", err)
	}

	start := time.Now()
	if _, err := c.Admit(context.Background()); !errors.Is(err, ErrQueueTimeout) {
		t.Fatalf("expected ErrQueueTimeout, got %v", err)
	}
	if waited := time.Since(start); waited < 90*time.Millisecond {
		t.Fatalf("timed out too early: %v", waited)
	}
	if got := c.QueueDepth(); got != 0 {
		t.Fatalf("timed-out waiter must leave the queue, depth=%d", got)
	}

	// The held slot was never transferred; releasing it must fully free the pool.
	release()
	if got := c.InUse(); got != 0 {
		t.Fatalf("expected in_use=0, got %d", got)
	}
	if !c.TryAcquire() {
		t.Fatal("slot should be available after timeout and release")
	}
}

func TestFIFOOrder(t *testing.T) {
	c, _, _ := newTestController(Config{MaxActive: 1, Mode: ModeQueue, QueueMax: 10, QueueTimeout: 5 * time.Second})

	release, err := c.Admit(context.Background())
	if err != nil {
		t.Fatalf("expected admit, got %v", err)
	}

	grants := make(chan int, 3)
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := c.Admit(context.Background())
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			grants <- i
			r()
		}()
		// Enqueue strictly in order.
		waitForDepth(t, c, i)
	}

	release()
	wg.Wait()
	close(grants)

	want := 1
	for got := range grants {
		if got != want {
			t.Fatalf("expected FIFO grant order, got waiter %d before waiter %d", got, want)
		}
		want++
	}
	if got := c.InUse(); got != 0 {
		t.Fatalf("expected in_use=0, got %d", got)
	}
}

func TestCancelledWaiterLeavesQueue(t *testing.T) {
	c, _, _ := newTestController(Config{MaxActive: 1, Mode: ModeQueue, QueueMax: 5, QueueTimeout: 5 * time.Second})

	release, err := c.Admit(context.Background())
	if err != nil {
		t.Fatalf("expected admit, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Admit(ctx)
		errCh <- err
	}()

	waitForDepth(t, c, 1)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if got := c.QueueDepth(); got != 0 {
		t.Fatalf("cancelled waiter must leave the queue, depth=%d", got)
	}

	release()
	if got := c.InUse(); got != 0 {
		t.Fatalf("expected in_use=0, got %d", got)
	}
}

// TestExpiryGrantRace drives the deadline and a release into each other
// repeatedly: exactly one of grant and timeout may win, and the pool must
// account for the slot either way.
func TestExpiryGrantRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		c, _, _ := newTestController(Config{MaxActive: 1, Mode: ModeQueue, QueueMax: 1, QueueTimeout: 5 * time.Millisecond})

		release, err := c.Admit(context.Background())
		if err != nil {
			t.Fatalf("expected admit, got %v", err)
		}

		result := make(chan error, 1)
		go func() {
			r, err := c.Admit(context.Background())
			if err == nil {
				r()
			}
			result <- err
		}()

		waitForDepth(t, c, 1)
		time.Sleep(5 * time.Millisecond) // land the release on the deadline
		release()

		err = <-result
		if err != nil && !errors.Is(err, ErrQueueTimeout) {
			t.Fatalf("iteration %d: unexpected error %v", i, err)
		}

		// Whichever side won, nothing may leak.
		if got := c.QueueDepth(); got != 0 {
			t.Fatalf("iteration %d: queue depth %d after settle", i, got)
		}
		deadline := time.Now().Add(time.Second)
		for c.InUse() != 0 {
			if time.Now().After(deadline) {
				t.Fatalf("iteration %d: in_use=%d never drained", i, c.InUse())
			}
			time.Sleep(time.Millisecond)
		}
	}
}

// TestCancelGrantRace cancels a waiter while releasing the slot to it; a
// granted-but-cancelled waiter must hand the slot straight back.
func TestCancelGrantRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		c, _, _ := newTestController(Config{MaxActive: 1, Mode: ModeQueue, QueueMax: 1, QueueTimeout: 5 * time.Second})

		release, err := c.Admit(context.Background())
		if err != nil {
			t.Fatalf("expected admit, got %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			r, err := c.Admit(ctx)
			if err == nil {
				r()
			}
			close(done)
		}()

		waitForDepth(t, c, 1)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); cancel() }()
		go func() { defer wg.Done(); release() }()
		wg.Wait()
		<-done

		deadline := time.Now().Add(time.Second)
		for c.InUse() != 0 || c.QueueDepth() != 0 {
			if time.Now().After(deadline) {
				t.Fatalf("iteration %d: in_use=%d depth=%d never drained", i, c.InUse(), c.QueueDepth())
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestNoSlotLeak(t *testing.T) {
	c, active, depth := newTestController(Config{MaxActive: 3, Mode: ModeQueue, QueueMax: 20, QueueTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := c.Admit(context.Background())
			if err != nil {
				t.Errorf("admit failed: %v", err)
				return
			}
			defer release()
			time.Sleep(5 * time.Millisecond)
		}()
	}
	wg.Wait()

	if got := c.InUse(); got != 0 {
		t.Fatalf("slot leak: in_use=%d after all requests terminal", got)
	}
	if got := c.QueueDepth(); got != 0 {
		t.Fatalf("queue leak: depth=%d", got)
	}
	if got := testutil.ToFloat64(active); got != 0 {
		t.Fatalf("expected active gauge 0, got %v", got)
	}
	if got := testutil.ToFloat64(depth); got != 0 {
		t.Fatalf("expected depth gauge 0, got %v", got)
	}
}

func TestSaturationScenario(t *testing.T) {
	c, _, _ := newTestController(Config{MaxActive: 2, Mode: ModeQueue, QueueMax: 5, QueueTimeout: 10 * time.Second})

	var peakActive, peakDepth atomic.Int64
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if v := int64(c.InUse()); v > peakActive.Load() {
				peakActive.Store(v)
			}
			if v := int64(c.QueueDepth()); v > peakDepth.Load() {
				peakDepth.Store(v)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	var completed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := c.Admit(context.Background())
			if err != nil {
				t.Errorf("admit failed: %v", err)
				return
			}
			defer release()
			if got := c.InUse(); got > 2 {
				t.Errorf("in_use=%d exceeds capacity 2", got)
			}
			time.Sleep(30 * time.Millisecond)
			completed.Add(1)
		}()
	}
	wg.Wait()
	close(stop)

	if got := completed.Load(); got != 5 {
		t.Fatalf("expected all 5 requests completed, got %d", got)
	}
	if got := peakActive.Load(); got > 2 {
		t.Fatalf("peak in_use %d exceeded capacity", got)
	}
	if got := peakDepth.Load(); got > 3 {
		t.Fatalf("peak queue depth %d exceeded 3", got)
	}
	if got := c.InUse(); got != 0 {
		t.Fatalf("expected in_use=0, got %d", got)
	}
}

func TestStats(t *testing.T) {
	c, _, _ := newTestController(Config{MaxActive: 1, Mode: ModeReject})

	release, err := c.Admit(context.Background())
	if err != nil {
		t.Fatalf("expected admit, got %v", err)
	}
	c.Admit(context.Background()) // rejected

	snap := c.Stats()
	if snap.Capacity != 1 || snap.InUse != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.AdmittedImmediate != 1 {
		t.Fatalf("expected admitted_immediate=1, got %d", snap.AdmittedImmediate)
	}
	if snap.RejectedCapacity != 1 {
		t.Fatalf("expected rejected_capacity=1, got %d", snap.RejectedCapacity)
	}

	release()
	if got := c.Stats().InUse; got != 0 {
		t.Fatalf("expected in_use=0, got %d", got)
	}
}
