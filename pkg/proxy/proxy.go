// Package proxy implements the lazy Expression builder over a hub.Sender:
// Proxy accumulates an expr.Expr describing a computation without running
// it, then executes by sending that Expr through its Sender and awaiting
// the peer's evaluated Result.
//
// The original overloads attribute/item access (`proxy.field`,
// `proxy[item]`) and unary-not (`~proxy`) to build the expression
// dynamically. Per the design notes' explicit substitution for statically
// typed targets, this package exposes the equivalent as named builder
// methods: Field, Index, Call, Bind.
package proxy

import (
	"fmt"

	"github.com/fluxorio/corevm/pkg/address"
	"github.com/fluxorio/corevm/pkg/cont"
	"github.com/fluxorio/corevm/pkg/expr"
	"github.com/fluxorio/corevm/pkg/hub"
	"github.com/fluxorio/corevm/pkg/result"
)

// Proxy is a send-able lazy builder: a Sender to execute against plus an
// Expr describing what to do at the peer once sent.
type Proxy struct {
	sender hub.Sender
	expr   expr.Expr
	live   bool
}

// New wraps sender with the initial expression Arg("target") — the
// convention proxify uses so the peer's handler environment binds the
// proxified object under that name.
func New(sender hub.Sender) Proxy {
	return Proxy{sender: sender, expr: expr.Arg{Name: "target"}, live: true}
}

// Call wraps the proxy's expression in expr.Call, coercing each argument to
// expr.Const — the statically typed stand-in for `proxy(*args, **kwargs)`.
func (p Proxy) Call(args ...any) Proxy {
	exprs := make([]expr.Expr, len(args))
	for i, a := range args {
		exprs[i] = expr.Const{Value: a}
	}
	return Proxy{sender: p.sender, expr: expr.Call{Fn: p.expr, Args: exprs}, live: p.live}
}

// CallKw is Call plus keyword arguments, evaluated in alphabetized key
// order after the positionals per expr.Call's documented ordering.
func (p Proxy) CallKw(args []any, kwargs map[string]any) Proxy {
	exprs := make([]expr.Expr, len(args))
	for i, a := range args {
		exprs[i] = expr.Const{Value: a}
	}
	kw := make(map[string]expr.Expr, len(kwargs))
	for k, v := range kwargs {
		kw[k] = expr.Const{Value: v}
	}
	return Proxy{sender: p.sender, expr: expr.Call{Fn: p.expr, Args: exprs, Kwargs: kw}, live: p.live}
}

// Field wraps the proxy's expression in expr.GetAttr — the stand-in for
// `proxy.name`.
func (p Proxy) Field(name string) Proxy {
	return Proxy{sender: p.sender, expr: expr.GetAttr{Target: p.expr, Name: name}, live: p.live}
}

// Index wraps the proxy's expression in expr.GetItem — the stand-in for
// `proxy[item]`.
func (p Proxy) Index(item any) Proxy {
	return Proxy{sender: p.sender, expr: expr.GetItem{Target: p.expr, Item: expr.Const{Value: item}}, live: p.live}
}

// Bind wraps the proxy's expression in expr.Bind — the stand-in for the
// unary `~proxy` "force" operator: evaluate then monadically-await.
func (p Proxy) Bind() Proxy {
	return Proxy{sender: p.sender, expr: expr.Bind{Target: p.expr}, live: p.live}
}

// Expr exposes the accumulated expression, e.g. to embed this Proxy's
// computation as a sub-expression of another Call.
func (p Proxy) Expr() expr.Expr { return p.expr }

// Resolve sends the accumulated expression through the Sender and returns
// a Continuation resolved with the peer's evaluated Result.
func (p Proxy) Resolve() cont.Continuation[any] {
	return cont.Bind(p.sender.Call(p.expr), func(reply any) cont.Continuation[any] {
		if r, ok := reply.(result.Result[any]); ok {
			return cont.FromResult(r)
		}
		return cont.Unit(reply)
	})
}

// Monad implements expr.Monadic so a Proxy can itself be the target of a
// Bind node.
func (p Proxy) Monad() cont.Continuation[any] { return p.Resolve() }

// Dispose sends the disposal sentinel (a nil message) to the proxy's
// address, which both tears down the peer's handler and, depending on how
// it was proxified, disposes the underlying target.
func (p *Proxy) Dispose() {
	if !p.live {
		return
	}
	p.live = false
	p.sender.TrySend(nil, address.Address{})
}

func (p Proxy) String() string {
	return fmt.Sprintf("Proxy(addr:%s, expr:%s)", p.sender.Addr, p.expr)
}

// Proxify creates a hub handler that accepts an expr.Expr, evaluates it
// with target bound both as the "target" argument (the name New's
// Arg("target") reads) and as Env.Target, and replies with the Result. It
// returns a Proxy pointing at that handler and the Receiver backing it, so
// the caller can tie the handler's lifetime to something else (e.g. a
// Connection's dispose chain) beyond the sentinel-triggered teardown.
//
// If dispose is non-nil, it runs when the proxy handler receives the nil
// sentinel — the original's "tear down the handler and optionally dispose
// the underlying target".
func Proxify(h *hub.Hub, target any, dispose func()) (Proxy, hub.Receiver) {
	recv, send := hub.Pair(h)
	_ = recv.Handle(func(msg any, dst, src address.Address) bool {
		if msg == nil {
			if dispose != nil {
				dispose()
			}
			return false
		}
		e, ok := msg.(expr.Expr)
		if !ok {
			if !src.Empty() {
				reply := hub.Sender{Hub: h, Addr: src}
				_ = reply.Send(result.Err[any](&result.Error{
					Kind:    result.KindValue,
					Message: "proxy: expected an expr.Expr message",
				}), address.Address{})
			}
			return true
		}
		env := &expr.Env{Args: map[string]any{"target": target}, Target: target}
		e.Eval(env).Run(func(r result.Result[any]) {
			if src.Empty() {
				return
			}
			reply := hub.Sender{Hub: h, Addr: src}
			_ = reply.Send(r, address.Address{})
		})
		return true
	})
	return New(send), recv
}
