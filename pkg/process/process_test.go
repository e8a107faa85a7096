package process

import (
	"testing"
	"time"

	"github.com/fluxorio/corevm/pkg/cont"
	"github.com/fluxorio/corevm/pkg/reactor"
	"github.com/fluxorio/corevm/pkg/result"
)

func newTestCore(t *testing.T) *reactor.Core {
	t.Helper()
	c, err := reactor.New(reactor.Options{Poller: "select"})
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	c.Start()
	t.Cleanup(c.Dispose)
	return c
}

func runSync[T any](t *testing.T, c cont.Continuation[T]) result.Result[T] {
	t.Helper()
	ch := make(chan result.Result[T], 1)
	c.Run(func(r result.Result[T]) { ch <- r })
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for continuation")
		panic("unreachable")
	}
}

func TestCallCapturesStdoutStderrAndStatus(t *testing.T) {
	core := newTestCore(t)
	script := "printf out >&1; printf err >&2; exit 7"
	c := Call(CallOptions{Options: Options{
		Command: []string{script},
		Shell:   true,
		Check:   boolPtr(false),
		Core:    core,
	}})
	r := runSync(t, c)
	if r.IsError() {
		t.Fatalf("Call: %v", r.Error())
	}
	res := r.Value()
	if string(res.Stdout) != "out" {
		t.Fatalf("stdout: got %q", res.Stdout)
	}
	if string(res.Stderr) != "err" {
		t.Fatalf("stderr: got %q", res.Stderr)
	}
	if res.Status.Code != 7 || res.Status.Signaled {
		t.Fatalf("status: got %+v", res.Status)
	}
}

func TestCallCheckOptionErrorsOnNonZeroExit(t *testing.T) {
	core := newTestCore(t)
	c := Call(CallOptions{Options: Options{
		Command: []string{"false"},
		Check:   boolPtr(true),
		Core:    core,
	}})
	r := runSync(t, c)
	if !r.IsError() {
		t.Fatalf("expected an error with check=true on a non-zero exit")
	}
	if r.Error().Kind != result.KindProcess {
		t.Fatalf("expected KindProcess, got %v", r.Error().Kind)
	}
}

func TestCallInputIsWrittenToStdin(t *testing.T) {
	core := newTestCore(t)
	c := Call(CallOptions{
		Options: Options{Command: []string{"cat"}, Check: boolPtr(false), Core: core},
		Input:   []byte("hello-process"),
	})
	r := runSync(t, c)
	if r.IsError() {
		t.Fatalf("Call: %v", r.Error())
	}
	if string(r.Value().Stdout) != "hello-process" {
		t.Fatalf("stdout: got %q", r.Value().Stdout)
	}
}

func TestCallDevNullStdinYieldsEmptyStdout(t *testing.T) {
	core := newTestCore(t)
	c := Call(CallOptions{Options: Options{
		Command: []string{"cat"},
		Stdin:   DEVNULL,
		Check:   boolPtr(false),
		Core:    core,
	}})
	r := runSync(t, c)
	if r.IsError() {
		t.Fatalf("Call: %v", r.Error())
	}
	if len(r.Value().Stdout) != 0 {
		t.Fatalf("expected empty stdout reading from /dev/null, got %q", r.Value().Stdout)
	}
}

func TestKillDelayTerminatesAnUnresponsiveChild(t *testing.T) {
	core := newTestCore(t)
	proc, err := Spawn(Options{
		Command:   []string{"sleep", "30"},
		Check:     boolPtr(false),
		KillDelay: 50 * time.Millisecond,
		Core:      core,
	})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	proc.Dispose()

	r := runSync(t, proc.Status())
	if r.IsError() {
		t.Fatalf("expected a clean signaled exit, got error: %v", r.Error())
	}
	if !r.Value().Signaled {
		t.Fatalf("expected the child to have been signaled, got %+v", r.Value())
	}
}

func TestBadExecReturnsAnError(t *testing.T) {
	core := newTestCore(t)
	_, err := Spawn(Options{Command: []string{"does-not-exist-anywhere"}, Core: core})
	if err == nil {
		t.Fatalf("expected an error execing a nonexistent command")
	}
}

func TestChainCallPipesStagesTogether(t *testing.T) {
	core := newTestCore(t)
	commands := [][]string{
		{"printf", "10203040"},
		{"wc", "-c"},
	}
	c := ChainCall(ChainOptions{Commands: commands, Check: boolPtr(false), Core: core})
	r := runSync(t, c)
	if r.IsError() {
		t.Fatalf("ChainCall: %v", r.Error())
	}
	res := r.Value()
	if len(res.Statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(res.Statuses))
	}
	for i, s := range res.Statuses {
		if s.Code != 0 {
			t.Fatalf("stage %d: nonzero exit %+v", i, s)
		}
	}
}

func boolPtr(b bool) *bool { return &b }
