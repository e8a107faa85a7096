// Package reactor implements Core: a single-threaded cooperative event loop
// multiplexing timers, descriptor readiness, cross-thread work and child
// process exits onto one goroutine.
//
// Four queues feed each tick: a TimeQueue (min-heap of deadlines), a
// FileQueue (descriptor readiness via a Poller), a SchedQueue (FIFO of
// cross-thread callbacks) and a ProcQueue (pid -> exit-status waiters). A
// Waker lets Post wake a tick that is blocked in Poll.
package reactor

import (
	"fmt"
	"sync"
	"time"

	"github.com/fluxorio/corevm/pkg/config"
	"github.com/fluxorio/corevm/pkg/cont"
	"github.com/fluxorio/corevm/pkg/result"
	"github.com/fluxorio/corevm/pkg/statemachine"
)

// Core's states: Idle before Start, Executing while the loop goroutine owns
// the reactor, Disposed once torn down. Unlike most state machines in this
// module there is no path back to Idle - a disposed Core stays disposed.
const (
	StateIdle = iota
	StateExecuting
	StateDisposed
)

// CoreTimeout bounds how long a single Poll call may block when neither
// queue has closer work pending, so a reactor with nothing scheduled still
// wakes periodically rather than blocking forever on a Poller that might
// itself be wedged.
const CoreTimeout = 3600 * time.Second

func coreGraph() statemachine.Graph {
	return statemachine.CompileGraph(map[int][]int{
		StateIdle:      {StateExecuting, StateDisposed},
		StateExecuting: {StateDisposed},
		StateDisposed:  {StateDisposed},
	})
}

// Core is the reactor loop. All of its queues, beyond SchedQueue's own
// locking, are only ever touched from the loop goroutine; callers on other
// goroutines must go through Post, Schedule, Watch or Dispose.
type Core struct {
	mu    sync.Mutex
	state *statemachine.StateMachine

	clock Clock
	time  *TimeQueue
	files *FileQueue
	sched *SchedQueue
	procs *ProcQueue
	waker *Waker

	stopped  chan struct{}
	started  bool
	teardown sync.Once
}

// Clock abstracts the monotonic time source driving TimeQueue deadlines, so
// tests can substitute a fake clock instead of sleeping in real time.
type Clock interface {
	Now() float64
}

type realClock struct{ start time.Time }

func (c realClock) Now() float64 { return time.Since(c.start).Seconds() }

// Options configures a new Core.
type Options struct {
	// Poller selects the readiness backend: "epoll", "kqueue" or "select".
	// Empty uses the platform default, matching PRETZEL_POLLER.
	Poller string
	// Clock overrides the monotonic time source; nil uses wall-clock time.
	Clock Clock
}

// New builds a Core in StateIdle. It does not start the loop goroutine;
// call Start for that.
func New(opts Options) (*Core, error) {
	poller, err := FromName(opts.Poller)
	if err != nil {
		return nil, err
	}
	waker, err := NewWaker()
	if err != nil {
		_ = poller.Close()
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = realClock{start: time.Now()}
	}
	files := NewFileQueue(poller)
	c := &Core{
		state:   statemachine.New(coreGraph(), "idle", "executing", "disposed"),
		clock:   clock,
		time:    NewTimeQueue(),
		files:   files,
		sched:   NewSchedQueue(),
		procs:   NewProcQueue(),
		waker:   waker,
		stopped: make(chan struct{}),
	}
	if err := files.Watch(waker.ReadFd(), Read, func(int) { waker.Drain() }); err != nil {
		_ = waker.Close()
		_ = poller.Close()
		return nil, err
	}
	return c, nil
}

// NewFromConfig is New with Options.Poller taken from cfg.Poller, the
// PRETZEL_POLLER-derived setting loaded by config.LoadCorevmConfig.
func NewFromConfig(cfg config.Config) (*Core, error) {
	return New(Options{Poller: cfg.Poller})
}

// Start runs the tick loop on a new goroutine and returns immediately.
func (c *Core) Start() {
	c.mu.Lock()
	if c.started || c.state.State() == StateDisposed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.state.To(StateExecuting)
	c.mu.Unlock()

	go c.loop()
}

// Run executes the tick loop on the calling goroutine until Dispose is
// called, blocking the caller. Prefer this over Start when the reactor
// should own its caller's thread, e.g. a process's main goroutine.
func (c *Core) Run() {
	c.mu.Lock()
	if c.started || c.state.State() == StateDisposed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.state.To(StateExecuting)
	c.mu.Unlock()

	c.loop()
}

func (c *Core) loop() {
	defer close(c.stopped)
	defer c.teardownQueues()
	for {
		c.mu.Lock()
		disposed := c.state.State() == StateDisposed
		c.mu.Unlock()
		if disposed {
			return
		}
		c.tick()
	}
}

// teardownQueues releases the poller, waker and pending waiters exactly
// once, whether invoked by the loop goroutine exiting or by Dispose on a
// Core that was never started.
func (c *Core) teardownQueues() {
	c.teardown.Do(func() {
		c.sched.Dispose()
		c.time.Dispose()
		c.procs.Dispose()
		c.files.Dispose()
		_ = c.waker.Close()
	})
}

// tick runs exactly one iteration: dispatch due timers, then posted
// cross-thread work, then poll the descriptors once, blocking for at most
// nextTimeout(now), and dispatch whichever are ready. Elapsed timers and
// scheduled work are drained before the poll, so only the poll blocks.
func (c *Core) tick() {
	now := c.clock.Now()
	c.time.Dispatch(now)
	c.sched.Dispatch()

	timeout := c.nextTimeout(now)
	if err := c.files.Dispatch(timeout); err != nil {
		return
	}
}

func (c *Core) nextTimeout(now float64) float64 {
	budget := CoreTimeout.Seconds()
	if deadline, ok := c.time.NextDeadline(); ok {
		if d := deadline - now; d < budget {
			budget = d
		}
	}
	if !c.sched.Empty() {
		budget = 0
	}
	if budget < 0 {
		budget = 0
	}
	return budget
}

func durationFromSeconds(s float64) time.Duration {
	if s < 0 {
		return -1
	}
	return time.Duration(s * float64(time.Second))
}

// Post queues fn to run on the loop goroutine on its next tick, waking a
// blocked Poll if necessary. Safe to call from any goroutine.
func (c *Core) Post(fn func()) {
	c.sched.Post(fn)
	c.waker.Wake()
}

// Schedule returns a Continuation that, once run, arranges for fn to be
// invoked on the loop goroutine after d has elapsed, resolving with fn's
// returned value. If the Core is disposed before d elapses, the
// Continuation resolves with a KindCanceled error instead of hanging.
func Schedule[T any](c *Core, d time.Duration, fn func() T) cont.Continuation[T] {
	return cont.New(func(ret cont.Ret[T]) {
		c.Post(func() {
			deadline := c.clock.Now() + d.Seconds()
			c.time.Add(deadline, func(ok bool) {
				if !ok {
					ret(result.Canceled[T]("reactor: disposed"))
					return
				}
				ret(result.Value(fn()))
			})
		})
	})
}

// Sleep returns a Continuation that resolves with an empty value after d has
// elapsed on the reactor's own clock.
func (c *Core) Sleep(d time.Duration) cont.Continuation[struct{}] {
	return Schedule(c, d, func() struct{} { return struct{}{} })
}

// SetPeriodic arranges for fn to run on the loop goroutine every d, starting
// after the first interval, until the returned cancel function is called.
func (c *Core) SetPeriodic(d time.Duration, fn func()) (cancel func()) {
	var t *timer
	c.Post(func() {
		t = c.time.AddPeriodic(c.clock.Now()+d.Seconds(), d.Seconds(), func(ok bool) {
			if ok {
				fn()
			}
		})
	})
	return func() {
		c.Post(func() {
			if t != nil {
				c.time.Cancel(t)
			}
		})
	}
}

// Watch registers handler to run on the loop goroutine whenever fd reports
// any bit set in mask. Returns an error if fd is already watched.
func (c *Core) Watch(fd int, mask int, handler func(mask int)) error {
	errCh := make(chan error, 1)
	c.Post(func() { errCh <- c.files.Watch(fd, mask, handler) })
	return <-errCh
}

// Unwatch stops watching fd.
func (c *Core) Unwatch(fd int) {
	c.Post(func() { _ = c.files.Unwatch(fd) })
}

// Waitpid returns a Continuation that resolves once pid exits, delivering
// its ExitStatus. Only one waiter may be registered per pid.
func (c *Core) Waitpid(pid int) cont.Continuation[*ExitStatus] {
	return cont.New(func(ret cont.Ret[*ExitStatus]) {
		c.Post(func() {
			if err := c.procs.Watch(pid, func(state *ExitStatus, err error) {
				if err != nil {
					ret(result.FromError[*ExitStatus](err))
					return
				}
				ret(result.Value(state))
			}); err != nil {
				ret(result.FromError[*ExitStatus](err))
			}
		})
	})
}

// DeliverExit is called by the process supervisor once it has reaped pid,
// forwarding the exit status to whichever Waitpid caller is waiting on it,
// if any.
func (c *Core) DeliverExit(pid int, state *ExitStatus, err error) {
	c.Post(func() { c.procs.Deliver(pid, state, err) })
}

// State reports the reactor's current lifecycle state.
func (c *Core) State() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.State()
}

// Dispose transitions to StateDisposed and tears down every queue. It is
// idempotent and safe to call from any goroutine, including from a callback
// running on the loop goroutine itself (e.g. from inside Post).
//
// For a Core whose loop is running (started by Start or by Run), Dispose
// only flips the state and wakes a blocked Poll; the loop observes
// StateDisposed on its next iteration and performs the actual queue
// teardown, so a poller is never closed out from under a goroutine still
// blocked inside it. For a Core that was never started, Dispose tears the
// queues down itself.
func (c *Core) Dispose() {
	c.mu.Lock()
	if c.state.State() == StateDisposed {
		c.mu.Unlock()
		return
	}
	if c.state.Allowed(StateDisposed) {
		c.state.To(StateDisposed)
	}
	started := c.started
	c.mu.Unlock()

	if !started {
		c.teardownQueues()
		close(c.stopped)
		return
	}

	c.waker.Wake()
}

// Wait blocks until the loop goroutine started by Start has returned,
// following a Dispose call. It is a no-op for a Core driven by Run, whose
// caller is already blocked in Run until disposal.
func (c *Core) Wait() {
	<-c.stopped
}

func (c *Core) String() string {
	return fmt.Sprintf("Core(%s, timers:%d files:%d procs:%d)",
		c.state, c.time.Len(), c.files.Len(), c.procs.Len())
}
