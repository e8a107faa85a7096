package hub

import (
	"testing"

	"github.com/fluxorio/corevm/pkg/address"
	"github.com/fluxorio/corevm/pkg/result"
)

func TestAddrRouteUnroute(t *testing.T) {
	h := New()
	addr := h.Addr()
	if addr.Len() != 1 {
		t.Fatalf("fresh address should have 1 segment, got %d", addr.Len())
	}
	routed := addr.RouteSeg(address.Named("peer"))
	if !routed.Unroute().Equal(addr) {
		t.Fatalf("unroute(route(a, b)) != a")
	}
}

type delivery struct {
	msg      any
	dst, src address.Address
}

func TestSenderReceiver(t *testing.T) {
	h := New()
	recv, send := Pair(h)

	if ok := send.TrySend("no-recv", address.Address{}); ok {
		t.Fatalf("expected no receiver registered yet")
	}

	var got []delivery
	handler := func(msg any, dst, src address.Address) bool {
		got = append(got, delivery{msg, dst, src})
		return true
	}

	if err := recv.Handle(handler); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := recv.Handle(func(any, address.Address, address.Address) bool { return true }); err == nil {
		t.Fatalf("expected error registering a second handler on the same address")
	}

	if err := send.Send("1", address.Address{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(got) != 1 || got[0].msg != "1" {
		t.Fatalf("unexpected delivery: %+v", got)
	}

	srcAddr := h.Addr()
	if err := send.Send("2", srcAddr); err != nil {
		t.Fatalf("Send with src: %v", err)
	}
	if !got[1].src.Equal(srcAddr) {
		t.Fatalf("src address not delivered")
	}
}

func TestCallOneShotReply(t *testing.T) {
	h := New()
	recv, send := Pair(h)
	_ = recv.Handle(func(msg any, dst, src address.Address) bool {
		_ = Sender{Hub: h, Addr: src}.Send("reply:"+msg.(string), address.Address{})
		return false
	})

	c := send.Call("ping")
	ch := make(chan result.Result[any], 1)
	c.Run(func(r result.Result[any]) { ch <- r })
	r := <-ch
	if r.IsError() {
		t.Fatalf("Call errored: %v", r.Error())
	}
	if r.Value() != "reply:ping" {
		t.Fatalf("unexpected reply: %v", r.Value())
	}
	if h.Len() != 0 {
		t.Fatalf("one-shot reply handler should be gone, len=%d", h.Len())
	}
}

func TestFaultyHandlerRemovedAndErrorPropagates(t *testing.T) {
	h := New()
	recv, send := Pair(h)
	_ = recv.Handle(func(msg any, dst, src address.Address) bool {
		if msg == "boom" {
			panic("faulty")
		}
		return false
	})

	if err := send.Send("boom", address.Address{}); err == nil {
		t.Fatalf("expected panic to surface as an error")
	}
	if h.Len() != 0 {
		t.Fatalf("faulty handler should have been unregistered, len=%d", h.Len())
	}
}

func TestReentrancy(t *testing.T) {
	h := New()
	recv, send := Pair(h)
	var seen []string
	_ = recv.Handle(func(msg any, dst, src address.Address) bool {
		m := msg.(string)
		seen = append(seen, m)
		if m == "first" {
			_ = send.Send("second", address.Address{})
			return true
		}
		return false
	})
	if err := send.Send("first", address.Address{}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(seen) != 2 || seen[0] != "first" || seen[1] != "second" {
		t.Fatalf("unexpected reentrant delivery order: %v", seen)
	}
}
