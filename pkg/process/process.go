// Package process implements Process: an asynchronously awaitable child
// process. Stdio is configured with the same PIPE/DEVNULL sentinels as the
// original, and a completed child's exit status resolves the Process's own
// Continuation (its "__monad__").
//
// The original forks, wires a dedicated status pipe so a failed exec (or
// any other preexec error) can be pickled back to the parent, and waits for
// the child via the reactor's own SIGCHLD-driven core.waitpid. Go's os/exec
// already owns both of those mechanisms: Cmd.Start returns the exec error
// directly (no status pipe needed) and Cmd.Wait performs the wait4 call
// internally without a custom SIGCHLD handler. Process instead runs Wait on
// its own goroutine and forwards the decoded ExitStatus through
// reactor.Core.DeliverExit, so the reactor's ProcQueue stays a reusable
// primitive for anything else that independently awaits the same pid, while
// Process resolves its own status directly from Cmd.Wait rather than
// racing a Watch registration against a child that may have already
// exited. See DESIGN.md.
package process

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fluxorio/corevm/pkg/cont"
	"github.com/fluxorio/corevm/pkg/dispose"
	"github.com/fluxorio/corevm/pkg/reactor"
	"github.com/fluxorio/corevm/pkg/result"
	"github.com/fluxorio/corevm/pkg/stream"
)

// Stdio sentinels, mirroring PIPE/DEVNULL/STDIN/STDOUT/STDERR.
const (
	PIPE    = -1
	DEVNULL = -2
)

// DefaultKillDelay is how long Dispose waits for a child to exit on its own
// before escalating, matching Process.default_kill_delay.
const DefaultKillDelay = 10 * time.Second

// killEscalation is the additional wait after SIGTERM before Dispose
// escalates to SIGKILL on a child that ignored the first signal.
const killEscalation = 5 * time.Second

// Options configures a spawned Process. Stdin, Stdout and Stderr each accept
// nil (inherit this process's own stdio), PIPE, DEVNULL, an int fd, or an
// *os.File.
type Options struct {
	Command   []string
	Shell     bool
	Environ   []string
	Dir       string
	Preexec   func() error
	Stdin     any
	Stdout    any
	Stderr    any
	Check     *bool
	KillDelay time.Duration
	Core      *reactor.Core
}

func (o Options) checkEnabled() bool { return o.Check == nil || *o.Check }

// Process is an asynchronous child process.
type Process struct {
	cmd       *exec.Cmd
	core      *reactor.Core
	disp      *dispose.Composite
	killDelay time.Duration
	check     bool

	stdin  stream.Stream
	stdout stream.Stream
	stderr stream.Stream

	status *cont.Future[*reactor.ExitStatus]
}

// Spawn starts the command described by opts and returns once exec has
// either succeeded or failed (Start's own error covers the latter).
func Spawn(opts Options) (*Process, error) {
	if opts.Core == nil {
		return nil, fmt.Errorf("process: Core is required")
	}
	command := opts.Command
	if len(command) == 0 {
		return nil, fmt.Errorf("process: empty command")
	}
	if opts.Shell {
		command = []string{"/bin/sh", "-c", strings.Join(command, " ")}
	}

	killDelay := opts.KillDelay
	if killDelay == 0 {
		killDelay = DefaultKillDelay
	}

	p := &Process{
		core:      opts.Core,
		disp:      dispose.New(),
		killDelay: killDelay,
		check:     opts.checkEnabled(),
	}

	cmd := exec.Command(command[0], command[1:]...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if opts.Environ != nil {
		cmd.Env = opts.Environ
	}
	// Setsid makes the child its own process group leader (pgid == pid),
	// so Dispose's kill-delay escalation can signal the whole group - the
	// child plus anything it has spawned - rather than just the direct
	// child, matching process.py's Process.dispose sending to the group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	childIn, err := p.resolveRead(opts.Stdin, os.Stdin)
	if err != nil {
		p.disp.Dispose()
		return nil, err
	}
	childOut, err := p.resolveWrite(opts.Stdout, os.Stdout, &p.stdout)
	if err != nil {
		p.disp.Dispose()
		return nil, err
	}
	childErr, err := p.resolveWrite(opts.Stderr, os.Stderr, &p.stderr)
	if err != nil {
		p.disp.Dispose()
		return nil, err
	}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = childIn, childOut, childErr

	if opts.Preexec != nil {
		// os/exec has no preexec hook analogous to the original's; the
		// closest approximation run in this process before fork+exec is a
		// plain call, which is enough for setup work (e.g. umask) that
		// does not need to run inside the child after fork.
		if err := opts.Preexec(); err != nil {
			p.disp.Dispose()
			return nil, err
		}
	}

	if err := cmd.Start(); err != nil {
		p.disp.Dispose()
		return nil, err
	}
	p.cmd = cmd
	closeChildEnd(childIn, os.Stdin)
	closeChildEnd(childOut, os.Stdout)
	closeChildEnd(childErr, os.Stderr)

	p.status = cont.Start(p.wait())
	return p, nil
}

// resolveRead builds the child's read end for stdin. PIPE creates a fresh
// pipe and keeps the write end as the parent-side Stream; DEVNULL and plain
// fds/files pass through directly; nil inherits dflt.
func (p *Process) resolveRead(spec any, dflt *os.File) (*os.File, error) {
	switch v := spec.(type) {
	case nil:
		return dflt, nil
	case *os.File:
		return v, nil
	case int:
		switch v {
		case PIPE:
			r, w, err := os.Pipe()
			if err != nil {
				return nil, err
			}
			p.stdin = stream.Wrap(w)
			p.disp.AddFunc(func() { _ = w.Close() })
			return r, nil
		case DEVNULL:
			return p.devNull()
		default:
			return os.NewFile(uintptr(v), "fd"), nil
		}
	default:
		return nil, fmt.Errorf("process: invalid stdio spec %T", spec)
	}
}

// resolveWrite is resolveRead's mirror for stdout/stderr: PIPE keeps the
// read end as the parent-side Stream, stored through out.
func (p *Process) resolveWrite(spec any, dflt *os.File, out *stream.Stream) (*os.File, error) {
	switch v := spec.(type) {
	case nil:
		return dflt, nil
	case *os.File:
		return v, nil
	case int:
		switch v {
		case PIPE:
			r, w, err := os.Pipe()
			if err != nil {
				return nil, err
			}
			*out = stream.Wrap(r)
			p.disp.AddFunc(func() { _ = r.Close() })
			return w, nil
		case DEVNULL:
			return p.devNull()
		default:
			return os.NewFile(uintptr(v), "fd"), nil
		}
	default:
		return nil, fmt.Errorf("process: invalid stdio spec %T", spec)
	}
}

func (p *Process) devNull() (*os.File, error) {
	f, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	p.disp.AddFunc(func() { _ = f.Close() })
	return f, nil
}

// closeChildEnd closes a pipe end this process created for the child once
// Start has dup'd it into the child's fd table, so EOF propagates to the
// other end when the child exits. dflt is never closed since it was never
// created by Spawn.
func closeChildEnd(f, dflt *os.File) {
	if f != nil && f != dflt {
		_ = f.Close()
	}
}

// Stdin is the parent-side write end, non-nil only when Options.Stdin was PIPE.
func (p *Process) Stdin() stream.Stream { return p.stdin }

// Stdout is the parent-side read end, non-nil only when Options.Stdout was PIPE.
func (p *Process) Stdout() stream.Stream { return p.stdout }

// Stderr is the parent-side read end, non-nil only when Options.Stderr was PIPE.
func (p *Process) Stderr() stream.Stream { return p.stderr }

// Pid returns the child's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Monad lets a Process be the target of an expr.Bind node or any other code
// awaiting its completion, mirroring __monad__.
func (p *Process) Monad() cont.Continuation[any] {
	return cont.Map(p.status.Continuation(), func(s *reactor.ExitStatus) any { return s })
}

// Status returns a Continuation resolving with the child's ExitStatus, or a
// KindProcess Error if check is enabled and it exited non-zero.
func (p *Process) Status() cont.Continuation[*reactor.ExitStatus] {
	return p.status.Continuation()
}

func (p *Process) wait() cont.Continuation[*reactor.ExitStatus] {
	return cont.New(func(ret cont.Ret[*reactor.ExitStatus]) {
		go func() {
			waitErr := p.cmd.Wait()
			status := exitStatusFromProcessState(p.cmd.ProcessState)
			p.core.DeliverExit(status.Pid, status, nil)

			if waitErr != nil {
				if _, isExitErr := waitErr.(*exec.ExitError); !isExitErr {
					ret(result.FromError[*reactor.ExitStatus](waitErr))
					return
				}
			}
			if p.check && !status.Success() {
				ret(result.Err[*reactor.ExitStatus](&result.Error{
					Kind:    result.KindProcess,
					Message: fmt.Sprintf("process: %s exited with %s", strings.Join(p.cmd.Args, " "), status),
				}))
				return
			}
			ret(result.Value(status))
		}()
	})
}

func exitStatusFromProcessState(ps *os.ProcessState) *reactor.ExitStatus {
	st := &reactor.ExitStatus{Pid: ps.Pid()}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			st.Signaled = true
			st.Signal = int(ws.Signal())
			return st
		}
		st.Code = ws.ExitStatus()
		return st
	}
	st.Code = ps.ExitCode()
	return st
}

// Dispose releases every stdio resource Spawn created and, if the child has
// not exited yet, arranges to SIGTERM it after killDelay and escalate to
// SIGKILL after a further killEscalation if it still hasn't exited. A
// negative KillDelay disables this escalation entirely, leaving the child
// running detached.
func (p *Process) Dispose() {
	p.disp.Dispose()
	if p.status.Completed() || p.killDelay < 0 {
		return
	}
	go func() {
		if p.killDelay > 0 {
			time.Sleep(p.killDelay)
		}
		if p.status.Completed() {
			return
		}
		p.signalGroup(unix.SIGTERM)
		time.Sleep(killEscalation)
		if !p.status.Completed() {
			p.signalGroup(unix.SIGKILL)
		}
	}()
}

// signalGroup delivers sig to the child's whole process group (pgid ==
// Pid, since Spawn sets Setsid), not just the direct child, so a child that
// has itself forked children before Dispose runs does not leave them
// orphaned and running.
func (p *Process) signalGroup(sig syscall.Signal) {
	_ = unix.Kill(-p.cmd.Process.Pid, unix.Signal(sig))
}

func (p *Process) String() string {
	status := "running"
	if p.status.Completed() {
		r := p.status.Result()
		if r.IsError() {
			status = r.Error().Error()
		} else {
			status = r.Value().String()
		}
	}
	return fmt.Sprintf("Process(pid:%d status:%s)", p.Pid(), status)
}
