// Package hub implements the process-wide message router: a map from
// address.Address to a single handler, plus the Sender/Receiver pair that
// gives callers a capability to route through it. Routing crosses a
// Connection boundary via address rewriting (see pkg/conn); the Hub itself
// only ever dispatches locally.
package hub

import (
	"fmt"
	"sync"

	"github.com/fluxorio/corevm/pkg/address"
	"github.com/fluxorio/corevm/pkg/cont"
	"github.com/fluxorio/corevm/pkg/result"
)

// Handler is invoked for every message sent to its registered address. It
// returns true to stay subscribed, false to be removed automatically —
// the "one-shot" and "unregister on condition" idioms both read this way.
type Handler func(msg any, dst, src address.Address) bool

// Hub is a single-threaded, process-wide address -> Handler map. All
// methods must be called from the owning Reactor's goroutine; cross-thread
// handoff goes through that Reactor's Post/schedule queue, never directly
// through a Hub.
type Hub struct {
	mu       sync.Mutex // guards only nextID; handlers assumed single-threaded per spec.md §4.5
	handlers map[address.Segment]Handler
	nextID   uint64

	metrics *Metrics
}

// New builds an empty Hub.
func New() *Hub {
	return &Hub{handlers: make(map[address.Segment]Handler)}
}

// Addr mints a fresh, process-unique local address. Monotonic and cheap to
// compare, matching spec.md §4.5 ("Hub has a monotonic counter that yields
// fresh local addresses on demand").
func (h *Hub) Addr() address.Address {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.mu.Unlock()
	return address.New(address.Local(id))
}

// Send routes msg to dst's handler unconditionally, raising if none is
// registered. If the handler returns false it is removed before Send
// returns — a misbehaving handler (one that panics) is also removed,
// and the panic is returned to Send's caller as an error.
func (h *Hub) Send(msg any, dst, src address.Address) error {
	ok, err := h.trySend(msg, dst, src)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("hub: no receiver for address %s", dst)
	}
	return nil
}

// TrySend is Send without the raise-on-missing-handler behavior; it
// reports whether a handler existed.
func (h *Hub) TrySend(msg any, dst, src address.Address) bool {
	ok, err := h.trySend(msg, dst, src)
	if err != nil {
		panic(err)
	}
	return ok
}

func (h *Hub) trySend(msg any, dst, src address.Address) (ok bool, err error) {
	key := dst.Key()
	h.mu.Lock()
	handler, found := h.handlers[key]
	h.mu.Unlock()
	if !found {
		return false, nil
	}

	defer func() {
		if p := recover(); p != nil {
			h.unregister(key)
			err = fmt.Errorf("hub: handler for %s panicked: %v", dst, p)
		}
	}()

	if !handler(msg, dst, src) {
		h.unregister(key)
	}
	if h.metrics != nil {
		h.metrics.observeSend()
	}
	return true, nil
}

// Recv registers handler at dst. It fails if dst already has a handler —
// "Single handler per address; attempt to subscribe a second handler
// fails" (spec.md §3).
func (h *Hub) Recv(dst address.Address, handler Handler) error {
	key := dst.Key()
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.handlers[key]; exists {
		return fmt.Errorf("hub: address %s already has a handler", dst)
	}
	h.handlers[key] = handler
	if h.metrics != nil {
		h.metrics.observeRegister(len(h.handlers))
	}
	return nil
}

// RecvOnce registers a handler that unregisters itself after its first
// invocation, regardless of what it returns.
func (h *Hub) RecvOnce(dst address.Address, handler func(msg any, dst, src address.Address)) error {
	return h.Recv(dst, func(msg any, dst, src address.Address) bool {
		handler(msg, dst, src)
		return false
	})
}

// Unrecv removes dst's handler, if any, reporting whether one was present.
func (h *Hub) Unrecv(dst address.Address) bool {
	return h.unregister(dst.Key())
}

func (h *Hub) unregister(key address.Segment) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.handlers[key]; !ok {
		return false
	}
	delete(h.handlers, key)
	if h.metrics != nil {
		h.metrics.observeRegister(len(h.handlers))
	}
	return true
}

// Len reports the number of currently registered handlers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers)
}

// UseMetrics attaches prometheus observability to the hub; see Metrics.
func (h *Hub) UseMetrics(m *Metrics) { h.metrics = m }

func (h *Hub) String() string { return fmt.Sprintf("Hub(len:%d)", h.Len()) }

// Sender is a (Hub, Address) capability: everything needed to route a
// message to one destination without exposing the Hub's full surface.
type Sender struct {
	Hub  *Hub
	Addr address.Address
}

// Send routes msg to s's address with an optional reply-to src (the zero
// Address means "no reply-to").
func (s Sender) Send(msg any, src address.Address) error {
	return s.Hub.Send(msg, s.Addr, src)
}

// TrySend is the non-raising form of Send.
func (s Sender) TrySend(msg any, src address.Address) bool {
	return s.Hub.TrySend(msg, s.Addr, src)
}

// Call allocates a local one-shot reply address, sends msg with that
// address as src, and returns a Continuation resolved by the first reply.
// If the initial send fails, the one-shot handler is rolled back before
// the error is folded into the returned Continuation's Error.
func (s Sender) Call(msg any) cont.Continuation[any] {
	return cont.New(func(ret cont.Ret[any]) {
		replyAddr := s.Hub.Addr()
		if err := s.Hub.RecvOnce(replyAddr, func(reply any, dst, src address.Address) {
			ret(result.Value(reply))
		}); err != nil {
			ret(result.FromError[any](err))
			return
		}
		if err := s.Hub.Send(msg, s.Addr, replyAddr); err != nil {
			s.Hub.Unrecv(replyAddr)
			ret(result.FromError[any](err))
		}
	})
}

func (s Sender) String() string { return fmt.Sprintf("Sender(addr:%s)", s.Addr) }

// Receiver owns a local address and the handler registered at it.
type Receiver struct {
	Hub  *Hub
	Addr address.Address
}

// Handle installs handler at the receiver's address.
func (r Receiver) Handle(handler Handler) error {
	return r.Hub.Recv(r.Addr, handler)
}

// Recv returns a Continuation that resolves with the next (msg, src)
// delivered to this address, via a one-shot handler.
func (r Receiver) Recv() cont.Continuation[Delivery] {
	return cont.New(func(ret cont.Ret[Delivery]) {
		_ = r.Hub.RecvOnce(r.Addr, func(msg any, dst, src address.Address) {
			ret(result.Value(Delivery{Msg: msg, Src: src}))
		})
	})
}

// Delivery pairs a received message with the address it should be replied
// to, if any.
type Delivery struct {
	Msg any
	Src address.Address
}

// Dispose unregisters the receiver's handler.
func (r Receiver) Dispose() { r.Hub.Unrecv(r.Addr) }

// Pair mints a fresh address on h and returns the Receiver/Sender owning
// it, the building block every higher-level component (Proxy, Connection)
// uses to get its own mailbox.
func Pair(h *Hub) (Receiver, Sender) {
	addr := h.Addr()
	return Receiver{Hub: h, Addr: addr}, Sender{Hub: h, Addr: addr}
}
