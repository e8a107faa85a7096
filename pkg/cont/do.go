package cont

import (
	"github.com/fluxorio/corevm/pkg/result"
)

// Yield is handed to a Do block body; Await suspends the block until the
// given Continuation resolves, returning its inner value or panicking with
// the carried *result.Error if it resolved to Error. Do recovers that panic
// and folds it into the resulting Continuation's Error, so the block reads
// like ordinary sequential code while still being driven by callbacks - the
// explicit-state-machine analogue of the source's generator-based "yield".
type Yield struct{}

type panicVal struct {
	err *result.Error
}

// doneVal carries the Continuation a Do block tail-returns via Done. c holds
// a Continuation[T] for whatever T the enclosing Do[T] was built with; Do's
// recover type-asserts it back before running it.
type doneVal struct {
	c any
}

// Done aborts the enclosing Do block immediately, tail-returning c as the
// block's own result instead of wrapping a plain value in Value - the
// explicit-state-machine analogue of the source's do_done (as distinct from
// an ordinary return, which behaves like do_return and still gets wrapped).
// Typical use: `return cont.Done(y, someContinuation)` from anywhere in the
// body, including a nested helper that also received y.
func Done[T any](y *Yield, c Continuation[T]) T {
	panic(doneVal{c: c})
}

// Await suspends the Do block until c resolves. On Value it returns the
// inner value; on Error it panics with the *result.Error, which Do turns
// into the resulting Continuation's Error (mirroring "errors raised at a
// yield site become the carried Error").
func Await[A any](y *Yield, c Continuation[A]) A {
	ch := make(chan result.Result[A], 1)
	c.Run(func(r result.Result[A]) { ch <- r })
	r := <-ch
	if r.IsError() {
		panic(panicVal{err: r.Error()})
	}
	return r.Value()
}

// Do builds a Continuation[T] from a synchronous-looking body that may call
// Await to suspend on nested Continuations. The body runs on its own
// goroutine so Await can block without stalling the caller's thread; exactly
// one of (value, error) ever reaches the resulting ret.
func Do[T any](body func(y *Yield) T) Continuation[T] {
	return New(func(ret Ret[T]) {
		go func() {
			var out result.Result[T]
			func() {
				defer func() {
					if p := recover(); p != nil {
						if pv, ok := p.(panicVal); ok {
							out = result.Err[T](pv.err)
							return
						}
						if dv, ok := p.(doneVal); ok {
							out = runDone[T](dv.c)
							return
						}
						out = result.Err[T](&result.Error{
							Kind:    result.KindUser,
							Message: panicMessage(p),
						})
					}
				}()
				out = result.Value(body(&Yield{}))
			}()
			ret(out)
		}()
	})
}

// runDone type-asserts c back to Continuation[T] and runs it to completion,
// splicing its Result in directly as the enclosing Do block's own Result.
func runDone[T any](c any) result.Result[T] {
	typed, ok := c.(Continuation[T])
	if !ok {
		return result.Err[T](&result.Error{
			Kind:    result.KindValue,
			Message: "cont: Done called with a Continuation of the wrong type for this Do block",
		})
	}
	ch := make(chan result.Result[T], 1)
	typed.Run(func(r result.Result[T]) { ch <- r })
	return <-ch
}

func panicMessage(p any) string {
	if err, ok := p.(error); ok {
		return err.Error()
	}
	return "panic in do-block"
}

// Sequence2 turns two heterogeneous Continuations into one Continuation that
// waits for both and resolves with a Value holding each one's own Result.
// An Error from a or b is carried in its field; it does not make the
// combined Continuation an Error. Useful for two awaited values of different
// types, where All[T] cannot be used because T must be uniform.
func Sequence2[A, B any](a Continuation[A], b Continuation[B]) Continuation[struct {
	A result.Result[A]
	B result.Result[B]
}] {
	type out = struct {
		A result.Result[A]
		B result.Result[B]
	}
	return New(func(ret Ret[out]) {
		var av result.Result[A]
		var bv result.Result[B]
		done := make(chan struct{}, 2)
		a.Run(func(r result.Result[A]) { av = r; done <- struct{}{} })
		b.Run(func(r result.Result[B]) { bv = r; done <- struct{}{} })
		go func() {
			<-done
			<-done
			ret(result.Value(out{A: av, B: bv}))
		}()
	})
}
