// Package expr implements the serializable expression language that a
// Proxy builds and a Connection's peer evaluates: a small AST over
// {Const, Arg, Env, Call, GetAttr, GetItem, If, Bind}, evaluated by
// walking the tree left to right under an Env, in the Continuation monad.
//
// This is a direct tree-walking interpreter, not the stack-bytecode
// compiler the original implementation uses internally — spec.md's
// component description ("every node yields a Continuation... evaluate
// sub-expressions left to right") describes a tree walk, and a bytecode
// VM is a CPython-specific optimization this repo has no reason to
// reproduce. See DESIGN.md.
package expr

import (
	"encoding/gob"
	"fmt"
	"reflect"
	"sort"

	"github.com/fluxorio/corevm/pkg/cont"
	"github.com/fluxorio/corevm/pkg/result"
)

// Env parameterizes evaluation: the argument map an Arg node reads from,
// plus a Target value an Env node yields directly (the "environment" the
// original passes as Cont(target=...) when proxifying an object).
type Env struct {
	Args   map[string]any
	Target any
}

// Expr is one AST node. Eval evaluates it (and, left to right, its
// children) under env, yielding a Continuation of the node's value.
type Expr interface {
	Eval(env *Env) cont.Continuation[any]
	String() string
}

// Const wraps a literal value. Must itself be gob-encodable for the node to
// cross a Connection boundary.
type Const struct{ Value any }

func (c Const) Eval(env *Env) cont.Continuation[any] { return cont.Unit[any](c.Value) }
func (c Const) String() string                       { return fmt.Sprintf("%#v", c.Value) }

// Arg reads a named entry out of env.Args, erroring (KindValue, matching
// the original's KeyError) if absent.
type Arg struct{ Name string }

func (a Arg) Eval(env *Env) cont.Continuation[any] {
	v, ok := env.Args[a.Name]
	if !ok {
		return cont.FromError[any](&result.Error{
			Kind:    result.KindValue,
			Message: fmt.Sprintf("expr: no such argument %q", a.Name),
		})
	}
	return cont.Unit(v)
}
func (a Arg) String() string { return "arg:" + a.Name }

// EnvNode yields the Env's Target value directly.
type EnvNode struct{}

func (EnvNode) Eval(env *Env) cont.Continuation[any] { return cont.Unit[any](env.Target) }
func (EnvNode) String() string                       { return "env" }

// Call evaluates Fn, then each positional Arg left to right, then each
// keyword argument in alphabetized key order, then applies the callable to
// the combined argument list — Go has no native keyword arguments, so
// keywords are appended after positionals in sorted-key order rather than
// bound by name, preserving the evaluation-order guarantee without true
// kwarg semantics.
type Call struct {
	Fn     Expr
	Args   []Expr
	Kwargs map[string]Expr
}

func (c Call) Eval(env *Env) cont.Continuation[any] {
	return cont.Bind(c.Fn.Eval(env), func(fn any) cont.Continuation[any] {
		return evalArgList(env, c.Args, 0, nil, func(positional []any) cont.Continuation[any] {
			keys := sortedKeys(c.Kwargs)
			kwExprs := make([]Expr, len(keys))
			for i, k := range keys {
				kwExprs[i] = c.Kwargs[k]
			}
			return evalArgList(env, kwExprs, 0, nil, func(kwVals []any) cont.Continuation[any] {
				args := append(append([]any(nil), positional...), kwVals...)
				return applyCall(fn, args)
			})
		})
	})
}
func (c Call) String() string { return fmt.Sprintf("%s(%v, %v)", c.Fn, c.Args, c.Kwargs) }

func evalArgList(env *Env, exprs []Expr, i int, acc []any, done func([]any) cont.Continuation[any]) cont.Continuation[any] {
	if i >= len(exprs) {
		return done(acc)
	}
	return cont.Bind(exprs[i].Eval(env), func(v any) cont.Continuation[any] {
		return evalArgList(env, exprs, i+1, append(acc, v), done)
	})
}

func sortedKeys(m map[string]Expr) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Callable is implemented by any value that wants to be the target of a
// Call node without going through reflection.
type Callable interface {
	Call(args []any) (any, error)
}

func applyCall(fn any, args []any) cont.Continuation[any] {
	if callable, ok := fn.(Callable); ok {
		v, err := callable.Call(args)
		if err != nil {
			return cont.FromError[any](&result.Error{Kind: result.KindUser, Message: err.Error()})
		}
		return cont.Unit(v)
	}

	fv := reflect.ValueOf(fn)
	if fv.Kind() != reflect.Func {
		return cont.FromError[any](&result.Error{
			Kind:    result.KindValue,
			Message: fmt.Sprintf("expr: %v is not callable", fn),
		})
	}
	in := make([]reflect.Value, 0, len(args))
	for i, a := range args {
		if a == nil {
			var t reflect.Type
			if i < fv.Type().NumIn() {
				t = fv.Type().In(i)
			} else {
				t = reflect.TypeOf((*any)(nil)).Elem()
			}
			in = append(in, reflect.Zero(t))
			continue
		}
		in = append(in, reflect.ValueOf(a))
	}
	out := fv.Call(in)
	switch len(out) {
	case 0:
		return cont.Unit[any](nil)
	case 1:
		return cont.Unit(out[0].Interface())
	default:
		vals := make([]any, len(out))
		for i, o := range out {
			vals[i] = o.Interface()
		}
		return cont.Unit[any](vals)
	}
}

// GetAttr evaluates Target, then reads Name off it: via an Attrs
// implementation if present, otherwise via reflection over exported struct
// fields and methods (the statically-typed stand-in for Python's
// getattr).
type GetAttr struct {
	Target Expr
	Name   string
}

// Attrs lets a value define its own attribute lookup for GetAttr,
// the common case for map-like or dynamically-shaped targets.
type Attrs interface {
	GetAttr(name string) (any, error)
}

func (g GetAttr) Eval(env *Env) cont.Continuation[any] {
	return cont.Bind(g.Target.Eval(env), func(target any) cont.Continuation[any] {
		v, err := getAttr(target, g.Name)
		if err != nil {
			return cont.FromError[any](&result.Error{Kind: result.KindValue, Message: err.Error()})
		}
		return cont.Unit(v)
	})
}
func (g GetAttr) String() string { return fmt.Sprintf("%s.%s", g.Target, g.Name) }

func getAttr(target any, name string) (any, error) {
	if attrs, ok := target.(Attrs); ok {
		return attrs.GetAttr(name)
	}
	rv := reflect.ValueOf(target)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, fmt.Errorf("expr: getattr on nil %T", target)
		}
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Struct {
		if f := rv.FieldByName(name); f.IsValid() && f.CanInterface() {
			return f.Interface(), nil
		}
	}
	if m := reflect.ValueOf(target).MethodByName(name); m.IsValid() {
		return m.Interface(), nil
	}
	return nil, fmt.Errorf("expr: no attribute %q on %T", name, target)
}

// GetItem evaluates Target then Item, then indexes Target by Item: via an
// Items implementation if present, otherwise via reflection for maps and
// slices.
type GetItem struct {
	Target Expr
	Item   Expr
}

// Items lets a value define its own indexing for GetItem.
type Items interface {
	GetItem(item any) (any, error)
}

func (g GetItem) Eval(env *Env) cont.Continuation[any] {
	return cont.Bind(g.Target.Eval(env), func(target any) cont.Continuation[any] {
		return cont.Bind(g.Item.Eval(env), func(item any) cont.Continuation[any] {
			v, err := getItem(target, item)
			if err != nil {
				return cont.FromError[any](&result.Error{Kind: result.KindValue, Message: err.Error()})
			}
			return cont.Unit(v)
		})
	})
}
func (g GetItem) String() string { return fmt.Sprintf("%s[%v]", g.Target, g.Item) }

func getItem(target, item any) (any, error) {
	if items, ok := target.(Items); ok {
		return items.GetItem(item)
	}
	rv := reflect.ValueOf(target)
	switch rv.Kind() {
	case reflect.Map:
		key := reflect.ValueOf(item)
		v := rv.MapIndex(key)
		if !v.IsValid() {
			return nil, fmt.Errorf("expr: key %v not found", item)
		}
		return v.Interface(), nil
	case reflect.Slice, reflect.Array:
		idx, ok := toInt(item)
		if !ok || idx < 0 || idx >= rv.Len() {
			return nil, fmt.Errorf("expr: index %v out of range", item)
		}
		return rv.Index(idx).Interface(), nil
	default:
		return nil, fmt.Errorf("expr: %T is not subscriptable", target)
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	}
	return 0, false
}

// If evaluates Cond; if truthy evaluates Then, else Else.
type If struct {
	Cond, Then, Else Expr
}

func (i If) Eval(env *Env) cont.Continuation[any] {
	return cont.Bind(i.Cond.Eval(env), func(cond any) cont.Continuation[any] {
		if truthy(cond) {
			return i.Then.Eval(env)
		}
		return i.Else.Eval(env)
	})
}
func (i If) String() string { return fmt.Sprintf("if %s then %s else %s", i.Cond, i.Then, i.Else) }

func truthy(v any) bool {
	if v == nil {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b != ""
	case int:
		return b != 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() != 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

// Monadic is implemented by a value that can itself be awaited — the
// target of a Bind node. proxy.Proxy and *process.Process implement it; a
// cont.Continuation[any] has no Monad method, and Bind accepts one directly.
type Monadic interface {
	Monad() cont.Continuation[any]
}

// Bind evaluates Target to v, then treats v as itself a computation in this
// monad and splices its result in (spec.md §4.6: "evaluate the target,
// then monadically-await it").
type Bind struct{ Target Expr }

func (b Bind) Eval(env *Env) cont.Continuation[any] {
	return cont.Bind(b.Target.Eval(env), func(v any) cont.Continuation[any] {
		switch m := v.(type) {
		case cont.Continuation[any]:
			return m
		case Monadic:
			return m.Monad()
		default:
			return cont.FromError[any](&result.Error{
				Kind:    result.KindValue,
				Message: fmt.Sprintf("expr: %T is not awaitable", v),
			})
		}
	})
}
func (b Bind) String() string { return "<-" + b.Target.String() }

func init() {
	gob.Register(Const{})
	gob.Register(Arg{})
	gob.Register(EnvNode{})
	gob.Register(Call{})
	gob.Register(GetAttr{})
	gob.Register(GetItem{})
	gob.Register(If{})
	gob.Register(Bind{})
}
