// Package result implements the value-or-error sum type that every
// Continuation eventually resolves to.
package result

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"strings"
)

// Kind classifies the error carried by a Result.
type Kind int

const (
	// KindNone marks a Result that holds a value, not an error.
	KindNone Kind = iota
	// KindCanceled marks a Result produced by disposing a Reactor, queue,
	// Connection or other scoped resource while work was still pending on it.
	KindCanceled
	// KindBrokenPipe marks a read/write that observed EOF or hang-up where
	// more data was expected.
	KindBrokenPipe
	// KindConnection marks any other I/O failure on a stream or descriptor.
	KindConnection
	// KindProcess marks a child process that exited non-zero under check=true.
	KindProcess
	// KindValue marks an invariant violation (overlapping poll mask, double
	// hub subscription, an expression type error, and the like).
	KindValue
	// KindUser marks an arbitrary error raised by application code.
	KindUser
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindCanceled:
		return "canceled"
	case KindBrokenPipe:
		return "broken-pipe"
	case KindConnection:
		return "connection"
	case KindProcess:
		return "process"
	case KindValue:
		return "value-error"
	case KindUser:
		return "user"
	default:
		return "unknown"
	}
}

// Error is the error variant of a Result. It carries a kind, a message and
// a trace that accumulates textual context as the error is re-raised or
// crosses a Connection boundary.
type Error struct {
	Kind    Kind
	Message string
	Trace   []string
	cause   error
}

func (e *Error) Error() string {
	if len(e.Trace) == 0 {
		return e.Message
	}
	return e.Message + "\n" + strings.Join(e.Trace, "\n")
}

// Unwrap exposes the original Go error, when this Error was captured from one.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithTrace returns a copy of e with an additional trace line appended. Used
// when an error re-crosses a process or Connection boundary so the causal
// chain stays visible.
func (e *Error) WithTrace(line string) *Error {
	trace := make([]string, 0, len(e.Trace)+1)
	trace = append(trace, e.Trace...)
	trace = append(trace, line)
	return &Error{Kind: e.Kind, Message: e.Message, Trace: trace, cause: e.cause}
}

// Result[T] is a sum type: either a Value(v) or an Error(e).
type Result[T any] struct {
	value T
	err   *Error
}

// Value constructs a Result holding a value.
func Value[T any](v T) Result[T] {
	return Result[T]{value: v}
}

// Err constructs a Result holding an *Error.
func Err[T any](err *Error) Result[T] {
	if err == nil {
		err = &Error{Kind: KindUser, Message: "nil error"}
	}
	return Result[T]{err: err}
}

// FromError wraps an arbitrary Go error as a KindUser Result.Error, unless it
// already is (or wraps) a *Error in which case its kind and trace survive.
func FromError[T any](err error) Result[T] {
	if err == nil {
		var zero T
		return Value(zero)
	}
	var re *Error
	if ok := asError(err, &re); ok {
		return Result[T]{err: re}
	}
	return Result[T]{err: &Error{Kind: KindUser, Message: err.Error(), cause: err}}
}

func asError(err error, out **Error) bool {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if e, ok := err.(*Error); ok {
			*out = e
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Canceled builds a KindCanceled error Result with the given message.
func Canceled[T any](message string) Result[T] {
	return Err[T](&Error{Kind: KindCanceled, Message: message})
}

// BrokenPipe builds a KindBrokenPipe error Result with the given message.
func BrokenPipe[T any](message string) Result[T] {
	return Err[T](&Error{Kind: KindBrokenPipe, Message: message})
}

// IsValue reports whether r holds a value rather than an error.
func (r Result[T]) IsValue() bool { return r.err == nil }

// IsError reports whether r holds an error.
func (r Result[T]) IsError() bool { return r.err != nil }

// Error returns the carried *Error, or nil if r holds a value.
func (r Result[T]) Error() *Error { return r.err }

// Value returns the inner value. Callers that have not checked IsError must
// be prepared for the zero value when r holds an error; use Must for the
// panicking variant that preserves the source error's traceback text.
func (r Result[T]) Value() T { return r.value }

// Must returns the inner value, panicking with the carried *Error (its trace
// preserved) if r holds an error.
func (r Result[T]) Must() T {
	if r.err != nil {
		panic(r.err)
	}
	return r.value
}

// Map applies f to a Value result, passing an Error result through unchanged.
func Map[T, U any](r Result[T], f func(T) U) Result[U] {
	if r.err != nil {
		return Result[U]{err: r.err}
	}
	return Value(f(r.value))
}

// String renders the Result for logging/debugging.
func (r Result[T]) String() string {
	if r.err != nil {
		return fmt.Sprintf("Result(err:%s)", r.err.Error())
	}
	return fmt.Sprintf("Result(val:%v)", r.value)
}

// wireResult is Result[T]'s on-the-wire shape: value and err are unexported,
// so gob - which only ever sees exported fields - cannot round-trip a
// Result on its own. A reply sent through pkg/proxy's Proxify handler is a
// Result[any], and that reply commonly crosses a Connection, so Result
// needs the same explicit gob support as address.Address.
type wireResult[T any] struct {
	IsErr bool
	Value T
	Err   *Error
}

// GobEncode lets a Result cross a Connection's framed gob stream.
func (r Result[T]) GobEncode() ([]byte, error) {
	var buf bytes.Buffer
	w := wireResult[T]{IsErr: r.err != nil, Value: r.value, Err: r.err}
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, fmt.Errorf("result: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// GobDecode is GobEncode's inverse.
func (r *Result[T]) GobDecode(data []byte) error {
	var w wireResult[T]
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return fmt.Errorf("result: decode: %w", err)
	}
	r.value = w.Value
	r.err = w.Err
	return nil
}

func init() {
	// Result[any] is the concrete type of a Proxy reply, which commonly
	// rides a Connection frame's Msg field (an any); gob must see it
	// registered to decode that interface slot.
	gob.Register(Result[any]{})
}
