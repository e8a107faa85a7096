package reactor

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/fluxorio/corevm/pkg/result"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	c, err := New(Options{Poller: "select"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start()
	t.Cleanup(func() {
		c.Dispose()
		c.Wait()
	})
	return c
}

func TestPostRunsOnLoop(t *testing.T) {
	c := newTestCore(t)
	done := make(chan struct{})
	c.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("posted callback never ran")
	}
}

func TestSleepResolves(t *testing.T) {
	c := newTestCore(t)
	out := make(chan struct{})
	c.Sleep(5 * time.Millisecond).Run(func(r result.Result[struct{}]) {
		close(out)
	})
	select {
	case <-out:
	case <-time.After(time.Second):
		t.Fatalf("sleep never resolved")
	}
}

func TestSetPeriodicFiresRepeatedly(t *testing.T) {
	c := newTestCore(t)
	var mu sync.Mutex
	count := 0
	cancel := c.SetPeriodic(2*time.Millisecond, func() {
		mu.Lock()
		count++
		mu.Unlock()
	})
	time.Sleep(30 * time.Millisecond)
	cancel()
	mu.Lock()
	got := count
	mu.Unlock()
	if got < 2 {
		t.Fatalf("expected periodic timer to fire multiple times, fired %d", got)
	}
}

func TestDisposeStopsLoop(t *testing.T) {
	c, err := New(Options{Poller: "select"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Start()
	c.Dispose()
	c.Wait()
	if c.State() != StateDisposed {
		t.Fatalf("expected StateDisposed, got %d", c.State())
	}
}

func TestDisposeWithoutStartIsSafe(t *testing.T) {
	c, err := New(Options{Poller: "select"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Dispose()
	if c.State() != StateDisposed {
		t.Fatalf("expected StateDisposed, got %d", c.State())
	}
}

func TestTimeQueueOrdersByDeadline(t *testing.T) {
	q := NewTimeQueue()
	var order []int
	q.Add(3, func(bool) { order = append(order, 3) })
	q.Add(1, func(bool) { order = append(order, 1) })
	q.Add(2, func(bool) { order = append(order, 2) })
	q.Dispatch(10)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("expected [1 2 3], got %v", order)
	}
}

func TestTimeQueueCancel(t *testing.T) {
	q := NewTimeQueue()
	fired := false
	t1 := q.Add(1, func(bool) { fired = true })
	q.Cancel(t1)
	q.Dispatch(10)
	if fired {
		t.Fatalf("canceled timer must not fire")
	}
}

func TestTimeQueueDisposeResolvesPending(t *testing.T) {
	q := NewTimeQueue()
	var got []bool
	q.Add(100, func(ok bool) { got = append(got, ok) })
	q.Add(200, func(ok bool) { got = append(got, ok) })
	q.Dispose()
	if len(got) != 2 || got[0] || got[1] {
		t.Fatalf("expected both pending timers resolved with ok=false, got %v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue empty after dispose")
	}
}

func TestTimeQueueDispatchDefersTimersAddedDuringDispatch(t *testing.T) {
	q := NewTimeQueue()
	var order []int
	q.Add(1, func(bool) {
		order = append(order, 1)
		q.Add(1, func(bool) { order = append(order, 99) })
	})
	q.Dispatch(10)
	if len(order) != 1 || order[0] != 1 {
		t.Fatalf("expected only the originally-due timer to fire, got %v", order)
	}
	if q.Len() != 1 {
		t.Fatalf("expected the newly added timer to remain pending for the next Dispatch")
	}
}

func TestSchedQueueDisposeRunsAllPending(t *testing.T) {
	q := NewSchedQueue()
	ran := 0
	q.Post(func() { ran++ })
	q.Post(func() { ran++ })
	q.Dispose()
	if ran != 2 {
		t.Fatalf("expected both callbacks to run on dispose, ran %d", ran)
	}
}

func TestFileQueueDisposeNotifiesAllWatchers(t *testing.T) {
	q := NewFileQueue(newSelectPoller())
	r1, w1, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r1.Close()
	defer w1.Close()
	r2, w2, err := os.Pipe()
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	defer r2.Close()
	defer w2.Close()

	var got []int
	handler := func(mask int) { got = append(got, mask) }
	if err := q.Watch(int(r1.Fd()), Read, handler); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := q.Watch(int(r2.Fd()), Read, handler); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	q.Dispose()

	if len(got) != 2 || got[0] != Error|Disconnect || got[1] != Error|Disconnect {
		t.Fatalf("expected both watchers notified with Error|Disconnect, got %v", got)
	}
	if q.Len() != 0 {
		t.Fatalf("expected all watchers cleared after dispose")
	}
}

func TestProcQueueDisposeNotifiesAllWaiters(t *testing.T) {
	q := NewProcQueue()
	notified := 0
	waiter := func(_ *ExitStatus, err error) {
		if err == nil {
			t.Fatalf("expected an error delivered on dispose")
		}
		notified++
	}
	_ = q.Watch(1, waiter)
	_ = q.Watch(2, waiter)
	_ = q.Watch(3, waiter)
	q.Dispose()
	if notified != 3 {
		t.Fatalf("expected 3 waiters notified, got %d", notified)
	}
	if q.Len() != 0 {
		t.Fatalf("expected all waiters cleared after dispose")
	}
}
