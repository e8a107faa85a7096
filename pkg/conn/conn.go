// Package conn implements Connection: a framed, address-rewriting transport
// boundary. A Connection owns one mailbox (a hub.Sender/hub.Receiver pair);
// any message sent to that mailbox is marshaled and written to the wire,
// and anything the wire delivers is unmarshaled and dispatched back into
// the local Hub. Senders that cross the boundary have their Address
// rewritten so that routing back through them, from either side, lands
// back on this same Connection.
//
// Grounded on remoting/conn/conn.py's Connection class: the same four-state
// state machine (STATE_INIT/CONNI/COND/DISP), the same persistent_id/
// persistent_load address-rewriting scheme (PACK_ROUTE/PACK_UNROUTE), and
// the same do_recv dispatch shape (strip this connection's own routing hop,
// forward if anything remains, otherwise handle locally). See SPEC_FULL.md
// §4 for how the original's module_map/find_class class-lookup machinery
// is reinterpreted as pkg/registry + pkg/bootstrap for a compiled language.
package conn

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fluxorio/corevm/pkg/address"
	"github.com/fluxorio/corevm/pkg/cont"
	"github.com/fluxorio/corevm/pkg/dispose"
	"github.com/fluxorio/corevm/pkg/expr"
	"github.com/fluxorio/corevm/pkg/hub"
	"github.com/fluxorio/corevm/pkg/reactor"
	"github.com/fluxorio/corevm/pkg/registry"
	"github.com/fluxorio/corevm/pkg/result"
	"github.com/fluxorio/corevm/pkg/statemachine"
	"github.com/fluxorio/corevm/pkg/stream"
)

// Connection's states, matching STATE_INIT/CONNI/COND/DISP.
const (
	StateInit = iota
	StateConnecting
	StateConnected
	StateDisposed
)

func connGraph() statemachine.Graph {
	return statemachine.CompileGraph(map[int][]int{
		StateInit:       {StateConnecting, StateDisposed},
		StateConnecting: {StateConnected, StateDisposed},
		StateConnected:  {StateDisposed},
		StateDisposed:   {StateDisposed},
	})
}

var tracer = otel.Tracer("corevm/conn")

// Connection is a framed transport boundary over some Transport (a pair of
// Streams, however obtained) plus the address-rewriting and dispatch logic
// that lets Senders and Proxy expressions cross it transparently.
type Connection struct {
	mu    sync.Mutex
	hub   *hub.Hub
	core  *reactor.Core
	reg   *registry.Registry
	state *statemachine.StateMachine
	flags map[string]any

	receiver hub.Receiver
	sender   hub.Sender
	target   any

	disp *dispose.Composite

	reader *stream.BufferedStream
	writer *stream.BufferedStream

	bufSize int
	metrics *Metrics
}

// Options configures a new Connection. Target is not read: New does not
// store it, and dispatch answers an empty-destination message other than
// the nil disposal sentinel with an error instead of evaluating it, so
// nothing sent to this Connection's mailbox is evaluated against Target.
type Options struct {
	Hub      *hub.Hub
	Core     *reactor.Core
	Registry *registry.Registry
	BufSize  int
	Metrics  *Metrics
	Target   any
}

// New builds a Connection in StateInit, minting its mailbox address from
// opts.Hub. Call Connect to actually establish it.
func New(opts Options) *Connection {
	recv, send := hub.Pair(opts.Hub)
	c := &Connection{
		hub:      opts.Hub,
		core:     opts.Core,
		reg:      opts.Registry,
		state:    statemachine.New(connGraph(), "init", "connecting", "connected", "disposed"),
		flags:    make(map[string]any),
		receiver: recv,
		sender:   send,
		disp:     dispose.New(),
		bufSize:  opts.BufSize,
		metrics:  opts.Metrics,
	}
	return c
}

// Sender is this Connection's own mailbox: a message sent to it is written
// to the peer with the last hop of its destination removed (see send).
func (c *Connection) Sender() hub.Sender { return c.sender }

// Flags exposes connection metadata (pid, transport kind, ...), the
// equivalent of conn.py's self.flags, used for diagnostics and logging.
func (c *Connection) Flags() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.flags))
	for k, v := range c.flags {
		out[k] = v
	}
	return out
}

func (c *Connection) setFlag(key string, value any) {
	c.mu.Lock()
	c.flags[key] = value
	c.mu.Unlock()
}

// Connected reports whether the connection has completed its handshake and
// is not yet disposed.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.State() == StateConnected
}

// Disposed reports whether the connection has been torn down.
func (c *Connection) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.State() == StateDisposed
}

// Connect drives transport.Connect, installs the outgoing-marshal handler
// on this Connection's own mailbox, and starts the receive loop, mirroring
// conn.py's connect(): STATE_INIT -> STATE_CONNI -> STATE_CONND, disposing
// on any failure along the way.
func (c *Connection) Connect(transport Transport) cont.Continuation[*Connection] {
	return cont.New(func(ret cont.Ret[*Connection]) {
		c.mu.Lock()
		if !c.state.Allowed(StateConnecting) {
			c.mu.Unlock()
			ret(result.Err[*Connection](&result.Error{Kind: result.KindValue, Message: "conn: Connect called out of order"}))
			return
		}
		c.state.To(StateConnecting)
		c.mu.Unlock()

		go func() {
			pair, err := c.runConnect(transport)
			if err != nil {
				c.Dispose()
				ret(result.FromError[*Connection](err))
				return
			}
			c.reader = stream.NewBufferedStream(pair.Reader, c.bufSize)
			c.writer = stream.NewBufferedStream(pair.Writer, c.bufSize)

			if err := c.receiver.Handle(c.send); err != nil {
				c.Dispose()
				ret(result.FromError[*Connection](err))
				return
			}
			dispose.Add[dispose.Disposable](c.disp, receiverDisposable{c.receiver})

			c.mu.Lock()
			c.state.To(StateConnected)
			c.mu.Unlock()

			go c.recvLoop()
			ret(result.Value(c))
		}()
	})
}

type receiverDisposable struct{ r hub.Receiver }

func (d receiverDisposable) Dispose() { d.r.Dispose() }

func (c *Connection) runConnect(transport Transport) (StreamPair, error) {
	resultCh := make(chan result.Result[StreamPair], 1)
	transport.Connect(c).Run(func(r result.Result[StreamPair]) { resultCh <- r })
	r := <-resultCh
	if r.IsError() {
		return StreamPair{}, r.Error()
	}
	return r.Value(), nil
}

// send is the handler installed on this Connection's own mailbox: every
// message routed to it (a Proxy call, a routed-through Sender's traffic,
// this Connection's own error replies) is marshaled and written to the
// wire. It always returns true - the handler never unregisters itself,
// matching conn.py's non-consuming `self.receiver(send)` registration.
func (c *Connection) send(msg any, dst, src address.Address) bool {
	_, span := tracer.Start(context.Background(), "conn.send")
	defer span.End()

	remainder := address.Address{}
	if !dst.Empty() {
		remainder = dst.Unroute()
	}
	c.writeFrame(msg, remainder, src)
	return true
}

// recvLoop reads one framed message at a time and dispatches it, until the
// stream reports a broken pipe or the connection is disposed - the
// recv_coro analogue from stream.py's StreamConnection.do_connect, folded
// directly into Connection since every transport in this package reduces
// to a pair of Streams by the time Connect hands back here.
func (c *Connection) recvLoop() {
	for {
		ch := make(chan result.Result[[]byte], 1)
		c.reader.ReadBytes().Run(func(r result.Result[[]byte]) { ch <- r })
		r := <-ch
		if r.IsError() {
			c.Dispose()
			return
		}
		if c.dispatch(r.Value()) {
			c.Dispose()
			return
		}
	}
}

// dispatch unmarshals and routes one frame. It returns true if the
// connection should tear down (the peer sent the disposal sentinel).
func (c *Connection) dispatch(raw []byte) bool {
	_, span := tracer.Start(context.Background(), "conn.dispatch")
	defer span.End()

	msg, dst, src, err := c.unmarshalRetrying(raw)
	if err != nil {
		span.RecordError(err)
		return false
	}
	if c.metrics != nil {
		c.metrics.observeFrameReceived(len(raw))
	}

	// dst already has this connection's own hop stripped - the sending
	// side computed that remainder in send/writeFrame before framing it.
	// A non-empty dst here is a plain local address the receiving side
	// itself minted and previously handed to the peer (a Proxify target,
	// or a Sender forwarded earlier), never a composite address needing
	// further unrouting.
	span.SetAttributes(attribute.String("conn.dst", dst.String()))

	if dst.Empty() {
		if msg == nil {
			return true
		}
		// A control-level message addressed directly at this connection's
		// own mailbox with no further routing. The original also used this
		// slot to invoke a pickled callable against the connection itself
		// (the do_connect "target" argument); this repo replaces that one
		// concrete use with pkg/bootstrap's compiled-in EntryFunc, so
		// nothing else is expected to land here. See DESIGN.md.
		if !src.Empty() {
			reply := hub.Sender{Hub: c.hub, Addr: src}
			_ = reply.Send(result.Err[any](&result.Error{
				Kind:    result.KindValue,
				Message: fmt.Sprintf("conn: unexpected control message %T", msg),
			}), address.Address{})
		}
		return false
	}

	if err := c.hub.Send(msg, dst, src); err != nil && !src.Empty() {
		reply := hub.Sender{Hub: c.hub, Addr: src}
		_ = reply.Send(result.Err[any](&result.Error{Kind: result.KindValue, Message: err.Error()}), address.Address{})
	}
	return false
}

// unmarshalRetrying decodes raw once, retrying exactly once per registry
// update if the failure looks like an unregistered wire type - the
// Interrupt-and-retry protocol's Go-native shape (see SPEC_FULL.md §4):
// a type that is not yet known locally may become known if application
// code calls registry.Register while this frame is being retried.
func (c *Connection) unmarshalRetrying(raw []byte) (msg any, dst, src address.Address, err error) {
	for {
		msg, dst, src, err = c.unmarshal(raw)
		if err == nil || !isUnregisteredTypeErr(err) {
			return
		}
		select {
		case <-c.reg.Updated():
		case <-c.disposedCh():
			return nil, address.Address{}, address.Address{}, err
		}
	}
}

func (c *Connection) disposedCh() <-chan struct{} {
	ch := make(chan struct{})
	if c.disp.Disposed() {
		close(ch)
		return ch
	}
	c.disp.AddFunc(func() { close(ch) })
	return ch
}

func isUnregisteredTypeErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "not registered for interface")
}

// Call wraps a gob-encodable constant in an expr.Const, the expression
// conn.py's Connection.__call__ wraps in a Proxy
// (Proxy(self.sender, LoadConstExpr(target))). It returns only the
// expression; it does not build a Proxy.
func (c *Connection) Call(target any) expr.Expr {
	return expr.Const{Value: target}
}

// Dispose tears down the transport and every resource registered against
// it, idempotently.
func (c *Connection) Dispose() {
	c.mu.Lock()
	if c.state.State() == StateDisposed {
		c.mu.Unlock()
		return
	}
	if c.state.Allowed(StateDisposed) {
		c.state.To(StateDisposed)
	}
	c.mu.Unlock()

	if c.reader != nil {
		c.reader.Close().Run(func(result.Result[struct{}]) {})
	}
	if c.writer != nil {
		c.writer.Close().Run(func(result.Result[struct{}]) {})
	}
	c.disp.Dispose()
}

func (c *Connection) String() string {
	var flags strings.Builder
	for k, v := range c.Flags() {
		fmt.Fprintf(&flags, "%s:%v, ", k, v)
	}
	return fmt.Sprintf("Connection(%sstate:%s, addr:%s)", flags.String(), c.state.Name(c.state.State()), c.sender.Addr)
}
