package process

import (
	"os"
	"sync"

	"github.com/fluxorio/corevm/pkg/cont"
	"github.com/fluxorio/corevm/pkg/reactor"
	"github.com/fluxorio/corevm/pkg/result"
	"github.com/fluxorio/corevm/pkg/stream"
)

// CallResult is the (stdout, stderr, status) tuple process_call returns.
type CallResult struct {
	Stdout []byte
	Stderr []byte
	Status *reactor.ExitStatus
}

// CallOptions is Options plus an optional in-memory Input, mirroring
// process_call's extra `input` parameter (mutually exclusive with Stdin).
type CallOptions struct {
	Options
	Input []byte
}

// Call runs a command to completion, returning its buffered stdout, stderr
// and exit status. If Input is set, Stdin must be left unset; it is written
// to the child and then closed, matching process_call's write-then-close-
// stdin behavior when given in-memory input rather than a redirected file.
func Call(opts CallOptions) cont.Continuation[CallResult] {
	if opts.Input != nil && opts.Options.Stdin != nil {
		return cont.FromError[CallResult](&result.Error{
			Kind:    result.KindValue,
			Message: "process: Input and Stdin cannot both be set",
		})
	}
	if opts.Options.Stdin == nil {
		if opts.Input != nil {
			opts.Options.Stdin = PIPE
		} else {
			opts.Options.Stdin = DEVNULL
		}
	}
	if opts.Options.Stdout == nil {
		opts.Options.Stdout = PIPE
	}
	if opts.Options.Stderr == nil {
		opts.Options.Stderr = PIPE
	}

	proc, err := Spawn(opts.Options)
	if err != nil {
		return cont.FromError[CallResult](&result.Error{Kind: result.KindConnection, Message: err.Error()})
	}
	return cont.Do(func(y *cont.Yield) CallResult {
		defer proc.Dispose()

		if proc.Stdin() != nil {
			if opts.Input != nil {
				cont.Await(y, proc.Stdin().Write(opts.Input))
			}
			cont.Await(y, proc.Stdin().Close())
		}

		// stdout and stderr are drained concurrently with each other and
		// with waiting for exit, since a child that fills one pipe's
		// buffer while nothing reads it would otherwise deadlock against
		// sequential awaits here.
		drained := readAllConcurrently([]stream.Stream{proc.Stdout(), proc.Stderr()})
		status := cont.Await(y, proc.Status())
		return CallResult{Stdout: drained[0], Stderr: drained[1], Status: status}
	})
}

// readAllConcurrently drains every stream in streams on its own goroutine
// and blocks until all are exhausted (nil entries yield nil), so no pipe
// can stall another behind a full buffer while something else waits on it
// sequentially.
func readAllConcurrently(streams []stream.Stream) [][]byte {
	out := make([][]byte, len(streams))
	var wg sync.WaitGroup
	wg.Add(len(streams))
	for i, s := range streams {
		i, s := i, s
		go func() {
			defer wg.Done()
			if s == nil {
				return
			}
			ch := make(chan result.Result[[]byte], 1)
			stream.NewBufferedStream(s, 0).ReadUntilEOF().Run(func(r result.Result[[]byte]) { ch <- r })
			if r := <-ch; r.IsValue() {
				out[i] = r.Value()
			}
		}()
	}
	wg.Wait()
	return out
}

// ChainOptions describes a pipeline of commands: each stage's stdout is
// wired directly (fd to fd, no userspace copy) into the next stage's
// stdin. Stdin feeds the first stage (or Input, as an in-memory
// alternative); Stdout collects the last stage's output. Each stage keeps
// its own stderr pipe - process_chain_call's single shared error stream is
// approximated by concatenating every stage's stderr in pipeline order,
// since Go's os/exec has no lighter-weight way to share one fd across
// several independently-started Cmds without holding it open past each
// stage's own Start call. See DESIGN.md.
type ChainOptions struct {
	Commands [][]string
	Stdin    any
	Input    []byte
	Stdout   any
	Stderr   any
	Check    *bool
	Environ  []string
	Core     *reactor.Core
}

// ChainResult is process_chain_call's (stdout, stderr, statuses) tuple.
type ChainResult struct {
	Stdout   []byte
	Stderr   []byte
	Statuses []*reactor.ExitStatus
}

// ChainCall pipes each command's stdout into the next command's stdin,
// running the whole pipeline concurrently and waiting for every stage.
func ChainCall(opts ChainOptions) cont.Continuation[ChainResult] {
	if len(opts.Commands) == 0 {
		return cont.FromError[ChainResult](&result.Error{Kind: result.KindValue, Message: "process: empty pipeline"})
	}
	if opts.Input != nil && opts.Stdin != nil {
		return cont.FromError[ChainResult](&result.Error{
			Kind:    result.KindValue,
			Message: "process: Input and Stdin cannot both be set",
		})
	}

	return cont.Do(func(y *cont.Yield) ChainResult {
		n := len(opts.Commands)
		procs := make([]*Process, n)
		defer func() {
			for _, p := range procs {
				if p != nil {
					p.Dispose()
				}
			}
		}()

		firstStdin := opts.Stdin
		if firstStdin == nil {
			if opts.Input != nil {
				firstStdin = PIPE
			} else {
				firstStdin = DEVNULL
			}
		}
		stderrSpec := opts.Stderr
		if stderrSpec == nil {
			stderrSpec = PIPE
		}

		var curStdin any = firstStdin
		for i, command := range opts.Commands {
			last := i == n-1

			var stdoutSpec any = PIPE
			var carry *os.File
			if last {
				stdoutSpec = opts.Stdout
				if stdoutSpec == nil {
					stdoutSpec = PIPE
				}
			} else {
				r, w, err := os.Pipe()
				if err != nil {
					return fail[ChainResult](y, err)
				}
				stdoutSpec = w
				carry = r
			}

			proc, err := Spawn(Options{
				Command: command,
				Environ: opts.Environ,
				Stdin:   curStdin,
				Stdout:  stdoutSpec,
				Stderr:  stderrSpec,
				Check:   opts.Check,
				Core:    opts.Core,
			})
			if err != nil {
				return fail[ChainResult](y, err)
			}
			procs[i] = proc
			curStdin = carry
		}

		if first := procs[0].Stdin(); first != nil && opts.Input != nil {
			cont.Await(y, first.Write(opts.Input))
			cont.Await(y, first.Close())
		}

		streams := make([]stream.Stream, 0, n+1)
		streams = append(streams, procs[n-1].Stdout())
		for _, p := range procs {
			streams = append(streams, p.Stderr())
		}
		drained := readAllConcurrently(streams)
		out := drained[0]
		var errOut []byte
		for _, chunk := range drained[1:] {
			errOut = append(errOut, chunk...)
		}

		statuses := make([]*reactor.ExitStatus, n)
		for i, p := range procs {
			statuses[i] = cont.Await(y, p.Status())
		}
		return ChainResult{Stdout: out, Stderr: errOut, Statuses: statuses}
	})
}

// fail aborts a Do block from a plain Go error by panicking with the
// Yield-recognized carrier, so the surrounding cont.Do folds it into the
// resulting Continuation's Error instead of the zero value.
func fail[T any](y *cont.Yield, err error) T {
	cont.Await(y, cont.FromError[T](&result.Error{Kind: result.KindConnection, Message: err.Error()}))
	panic("unreachable")
}
