package cont

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/fluxorio/corevm/pkg/result"
)

func run[T any](c Continuation[T]) result.Result[T] {
	ch := make(chan result.Result[T], 1)
	c.Run(func(r result.Result[T]) { ch <- r })
	return <-ch
}

func TestUnitBindLeftIdentity(t *testing.T) {
	f := func(v int) Continuation[int] { return Unit(v * 2) }
	left := run(Bind(Unit(21), f))
	right := run(f(21))
	if left.Value() != right.Value() {
		t.Fatalf("left identity violated: %v != %v", left.Value(), right.Value())
	}
}

func TestBindRightIdentity(t *testing.T) {
	m := Unit(7)
	left := run(Bind(m, Unit[int]))
	right := run(m)
	if left.Value() != right.Value() {
		t.Fatalf("right identity violated: %v != %v", left.Value(), right.Value())
	}
}

func TestBindPropagatesError(t *testing.T) {
	boom := FromError[int](&result.Error{Kind: result.KindUser, Message: "boom"})
	called := false
	out := run(Bind(boom, func(int) Continuation[int] {
		called = true
		return Unit(0)
	}))
	if called {
		t.Fatalf("f must not run after an Error")
	}
	if !out.IsError() || out.Error().Message != "boom" {
		t.Fatalf("expected boom error, got %v", out)
	}
}

func timer(d time.Duration, v int) Continuation[int] {
	return New(func(ret Ret[int]) {
		go func() {
			time.Sleep(d)
			ret(result.Value(v))
		}()
	})
}

func TestOrFirstWins(t *testing.T) {
	out := run(Or(timer(5*time.Millisecond, 1), timer(50*time.Millisecond, 2)))
	if out.Value() != 1 {
		t.Fatalf("expected fast continuation to win, got %d", out.Value())
	}
}

func TestOrWithNeverResolving(t *testing.T) {
	never := New(func(ret Ret[int]) {})
	out := run(Or(Unit(5), never))
	if out.Value() != 5 {
		t.Fatalf("c.Or(never) must behave like c, got %d", out.Value())
	}
}

func TestAllOrdersResults(t *testing.T) {
	cs := []Continuation[int]{
		timer(30*time.Millisecond, 1),
		timer(5*time.Millisecond, 2),
		timer(15*time.Millisecond, 3),
	}
	out := run(All(cs))
	vals := out.Value()
	if len(vals) != 3 || vals[0] != 1 || vals[1] != 2 || vals[2] != 3 {
		t.Fatalf("expected slot order preserved, got %v", vals)
	}
}

func TestAllEmpty(t *testing.T) {
	out := run(All[int](nil))
	if len(out.Value()) != 0 {
		t.Fatalf("expected empty tuple, got %v", out.Value())
	}
}

func TestAllAggregatesFirstError(t *testing.T) {
	cs := []Continuation[int]{
		Unit(1),
		FromError[int](&result.Error{Kind: result.KindUser, Message: "first"}),
		FromError[int](&result.Error{Kind: result.KindUser, Message: "second"}),
	}
	out := run(All(cs))
	if !out.IsError() || out.Error().Message != "first" {
		t.Fatalf("expected first error in slot order, got %v", out)
	}
}

func TestFutureCachesResult(t *testing.T) {
	var invocations int32
	c := New(func(ret Ret[int]) {
		atomic.AddInt32(&invocations, 1)
		ret(result.Value(9))
	})
	f := Start(c)
	if !f.Completed() {
		t.Fatalf("expected future to complete synchronously")
	}
	out1 := run(f.Continuation())
	out2 := run(f.Continuation())
	if out1.Value() != 9 || out2.Value() != 9 {
		t.Fatalf("expected cached value on every bind")
	}
	if invocations != 1 {
		t.Fatalf("underlying continuation must run exactly once, ran %d times", invocations)
	}
}

func TestDoSequencesAwaits(t *testing.T) {
	c := Do(func(y *Yield) int {
		a := Await(y, Unit(2))
		b := Await(y, Unit(3))
		return a + b
	})
	out := run(c)
	if out.Value() != 5 {
		t.Fatalf("expected 5, got %d", out.Value())
	}
}

func TestDoPropagatesAwaitError(t *testing.T) {
	c := Do(func(y *Yield) int {
		Await(y, FromError[int](&result.Error{Kind: result.KindUser, Message: "nope"}))
		return 0
	})
	out := run(c)
	if !out.IsError() || out.Error().Message != "nope" {
		t.Fatalf("expected propagated error, got %v", out)
	}
}

func TestDoDoneTailReturnsContinuation(t *testing.T) {
	c := Do(func(y *Yield) int {
		Await(y, Unit(1))
		return Done(y, Unit(42))
	})
	out := run(c)
	if out.Value() != 42 {
		t.Fatalf("expected Done's continuation value 42, got %d", out.Value())
	}
}

func TestDoDoneTailReturnsContinuationError(t *testing.T) {
	c := Do(func(y *Yield) int {
		return Done(y, FromError[int](&result.Error{Kind: result.KindUser, Message: "done-error"}))
	})
	out := run(c)
	if !out.IsError() || out.Error().Message != "done-error" {
		t.Fatalf("expected Done's continuation error, got %v", out)
	}
}

func TestDoDoneFromNestedHelper(t *testing.T) {
	earlyExit := func(y *Yield) int {
		return Done(y, Unit(7))
	}
	c := Do(func(y *Yield) int {
		if v := earlyExit(y); v != 0 {
			return v
		}
		return -1
	})
	out := run(c)
	if out.Value() != 7 {
		t.Fatalf("expected Done from nested helper to win, got %d", out.Value())
	}
}
