// Package cont implements the Continuation monad: a single-shot,
// callback-based asynchronous primitive over result.Result.
//
// A Continuation[T] wraps a run function that eventually calls its ret
// callback at most once with a Result[T]. It composes via Bind (sequential),
// Or (first-wins race) and All (wait for every child). These three laws hold:
//
//	Unit(v).Bind(f) behaves like f(v)
//	m.Bind(Unit) behaves like m
//	m.Bind(f).Bind(g) behaves like m.Bind(func(v) { return f(v).Bind(g) })
package cont

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fluxorio/corevm/pkg/result"
)

// Ret is the callback a Continuation's run function invokes, at most once,
// with the final Result.
type Ret[T any] func(result.Result[T])

// Continuation is a single-shot async primitive over Result[T].
type Continuation[T any] struct {
	run func(Ret[T])
}

// New builds a Continuation from a raw run function. While
// EnableDebugGuard(true) is in effect, Run guards against run invoking ret
// more than once; see debugGuard.
func New[T any](run func(Ret[T])) Continuation[T] {
	return Continuation[T]{run: run}
}

// Run starts the continuation, invoking ret with the eventual Result.
func (c Continuation[T]) Run(ret Ret[T]) {
	c.run(debugGuard(ret))
}

// Unit always resolves immediately with Value(v).
func Unit[T any](v T) Continuation[T] {
	return New(func(ret Ret[T]) { ret(result.Value(v)) })
}

// FromResult resolves immediately with the given Result.
func FromResult[T any](r result.Result[T]) Continuation[T] {
	return New(func(ret Ret[T]) { ret(r) })
}

// FromError resolves immediately with an Error Result.
func FromError[T any](err *result.Error) Continuation[T] {
	return FromResult(result.Err[T](err))
}

// Bind runs m; on Value(v) it runs f(v) and chains to ret, on Error it
// propagates the Error unchanged without calling f. This is the monadic bind;
// because T and U can differ it must be a free function rather than a method.
func Bind[T, U any](m Continuation[T], f func(T) Continuation[U]) Continuation[U] {
	return New(func(ret Ret[U]) {
		m.Run(func(r result.Result[T]) {
			if r.IsError() {
				ret(result.Err[U](r.Error()))
				return
			}
			f(r.Value()).Run(ret)
		})
	})
}

// Map transforms the value of a successful Continuation without allowing the
// mapping function to suspend; errors propagate unchanged.
func Map[T, U any](m Continuation[T], f func(T) U) Continuation[U] {
	return Bind(m, func(v T) Continuation[U] { return Unit(f(v)) })
}

// Or races a and b; whichever completes first resolves the result, and the
// other's later completion is discarded silently. Neither a nor b is
// canceled - the loser simply runs to completion with nobody listening.
func Or[T any](a, b Continuation[T]) Continuation[T] {
	return New(func(ret Ret[T]) {
		var done int32
		once := func(r result.Result[T]) {
			if atomic.CompareAndSwapInt32(&done, 0, 1) {
				ret(r)
			}
		}
		a.Run(once)
		b.Run(once)
	})
}

// All waits for every continuation in cs to complete, then resolves with
// the tuple of results in original order. An empty input resolves
// immediately with an empty slice. If any child resolves to an Error, the
// aggregate Result is an Error - specifically the first Error encountered in
// slot order - but every child is still waited for before All completes.
func All[T any](cs []Continuation[T]) Continuation[[]T] {
	return New(func(ret Ret[[]T]) {
		if len(cs) == 0 {
			ret(result.Value([]T{}))
			return
		}
		slots := make([]result.Result[T], len(cs))
		var pending int64 = int64(len(cs))
		var mu sync.Mutex
		for i, c := range cs {
			i := i
			c.Run(func(r result.Result[T]) {
				mu.Lock()
				slots[i] = r
				mu.Unlock()
				if atomic.AddInt64(&pending, -1) == 0 {
					ret(aggregate(slots))
				}
			})
		}
	})
}

func aggregate[T any](slots []result.Result[T]) result.Result[[]T] {
	for _, r := range slots {
		if r.IsError() {
			return result.Err[[]T](r.Error())
		}
	}
	values := make([]T, len(slots))
	for i, r := range slots {
		values[i] = r.Value()
	}
	return result.Value(values)
}

// Future is a Continuation that has been started and caches its Result.
// Subsequent calls to Run either invoke ret immediately with the cached
// Result, or queue ret for the eventual completion.
type Future[T any] struct {
	mu        sync.Mutex
	completed bool
	value     result.Result[T]
	waiters   []Ret[T]
}

// Start runs c and returns a Future caching its eventual Result.
func Start[T any](c Continuation[T]) *Future[T] {
	f := &Future[T]{}
	c.Run(func(r result.Result[T]) {
		f.mu.Lock()
		f.completed = true
		f.value = r
		waiters := f.waiters
		f.waiters = nil
		f.mu.Unlock()
		for _, w := range waiters {
			w(r)
		}
	})
	return f
}

// Completed reports whether the Future has resolved.
func (f *Future[T]) Completed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

// Result returns the cached Result; callers must check Completed first.
func (f *Future[T]) Result() result.Result[T] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Continuation exposes the Future as a bindable Continuation[T].
func (f *Future[T]) Continuation() Continuation[T] {
	return New(func(ret Ret[T]) {
		f.mu.Lock()
		if f.completed {
			r := f.value
			f.mu.Unlock()
			ret(r)
			return
		}
		f.waiters = append(f.waiters, ret)
		f.mu.Unlock()
	})
}

// debugGuard returns ret unchanged unless debugGuardEnabled is set (see
// EnableDebugGuard), in which case it wraps ret in an assertion. It detects
// a run function invoking ret more than once, which invariant §3 of the data
// model forbids.
var debugGuardEnabled = false

func debugGuard[T any](ret Ret[T]) Ret[T] {
	if !debugGuardEnabled {
		return ret
	}
	var fired int32
	return func(r result.Result[T]) {
		if !atomic.CompareAndSwapInt32(&fired, 0, 1) {
			panic(fmt.Sprintf("cont: ret invoked more than once with %v", r))
		}
		ret(r)
	}
}

// EnableDebugGuard turns on double-invocation detection for every Run call
// made after the call. Intended for test binaries; it is
// off by default because the CompareAndSwap adds overhead to every ret.
func EnableDebugGuard(enabled bool) {
	debugGuardEnabled = enabled
}
