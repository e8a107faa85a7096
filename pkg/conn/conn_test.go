package conn

import (
	"io"
	"testing"
	"time"

	"github.com/fluxorio/corevm/pkg/address"
	"github.com/fluxorio/corevm/pkg/expr"
	"github.com/fluxorio/corevm/pkg/hub"
	"github.com/fluxorio/corevm/pkg/proxy"
	"github.com/fluxorio/corevm/pkg/registry"
	"github.com/fluxorio/corevm/pkg/result"
	"github.com/fluxorio/corevm/pkg/stream"
)

// pipeRWC turns an io.Pipe's separate reader/writer into the single
// io.ReadWriteCloser stream.Wrap expects.
type pipeRWC struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (p pipeRWC) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p pipeRWC) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p pipeRWC) Close() error {
	_ = p.r.Close()
	return p.w.Close()
}

// linkedPair builds two StreamTransports wired to each other over a pair of
// in-process pipes, the test-only stand-in for a spawned process's stdio.
func linkedPair() (StreamTransport, StreamTransport) {
	ar, aw := io.Pipe()
	br, bw := io.Pipe()
	a := StreamTransport{Reader: stream.Wrap(pipeRWC{r: ar, w: bw}), Writer: stream.Wrap(pipeRWC{r: ar, w: bw})}
	b := StreamTransport{Reader: stream.Wrap(pipeRWC{r: br, w: aw}), Writer: stream.Wrap(pipeRWC{r: br, w: aw})}
	return a, b
}

func connect(t *testing.T, c *Connection, transport Transport) {
	t.Helper()
	ch := make(chan result.Result[*Connection], 1)
	c.Connect(transport).Run(func(r result.Result[*Connection]) { ch <- r })
	select {
	case r := <-ch:
		if r.IsError() {
			t.Fatalf("Connect: %v", r.Error())
		}
	case <-time.After(time.Second):
		t.Fatalf("Connect did not resolve")
	}
}

func newTestConnection() *Connection {
	return New(Options{
		Hub:      hub.New(),
		Registry: registry.New(),
		BufSize:  4096,
	})
}

func TestConnectTransitionsToConnected(t *testing.T) {
	a, b := linkedPair()
	sideA := newTestConnection()
	sideB := newTestConnection()
	defer sideA.Dispose()
	defer sideB.Dispose()

	connect(t, sideA, a)
	connect(t, sideB, b)

	if !sideA.Connected() || !sideB.Connected() {
		t.Fatalf("expected both sides connected")
	}
}

func TestSenderSentToPeerMailboxIsNotDelivered(t *testing.T) {
	a, b := linkedPair()
	sideA := newTestConnection()
	sideB := newTestConnection()
	defer sideA.Dispose()
	defer sideB.Dispose()

	connect(t, sideA, a)
	connect(t, sideB, b)

	received := make(chan string, 1)
	recv, send := hub.Pair(sideB.hub)
	defer recv.Dispose()
	_ = recv.Handle(func(msg any, dst, src address.Address) bool {
		received <- msg.(string)
		return true
	})

	// send is a Sender minted on sideB's own Hub. Sending it as a message
	// to sideA's Connection mailbox with an empty destination writes it over
	// the wire, rewritten to a wireSender, and it reaches sideB's dispatch
	// as an empty-destination message.
	if err := sideA.Sender().Send(send, address.Address{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// sideB's dispatch rejects an empty-destination message that is not the
	// disposal sentinel, so the Sender that crossed the wire is not used to
	// deliver anything: the handler behind send must not fire.
	select {
	case <-received:
		t.Fatalf("unexpected direct delivery: a Sender sent to the peer's mailbox is not used for delivery")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCallAcrossConnectionRoundTrip(t *testing.T) {
	a, b := linkedPair()
	sideA := newTestConnection()
	sideB := newTestConnection()
	defer sideA.Dispose()
	defer sideB.Dispose()

	connect(t, sideA, a)
	connect(t, sideB, b)

	target := "hello from sideB"
	p, recv := proxy.Proxify(sideB.hub, target, nil)
	defer recv.Dispose()

	// Install p's mailbox as what sideB's Connection exposes: route a
	// request from sideA to sideB's Connection mailbox, carrying an
	// expr.Expr that sideB's Proxify handler evaluates against target.
	remote := sideA.Sender().Call(p.Expr())
	ch := make(chan result.Result[any], 1)

	// sideA's Call mints a one-shot reply address in sideA's own Hub and
	// sends {msg: p.Expr(), src: thatAddress} to sideA's own Connection
	// mailbox, which marshals and writes it over the wire to sideB - but
	// p.Expr() embeds no Sender, so unlike TestSenderSentToPeerMailboxIsNotDelivered this only
	// exercises the plain Expr marshal path, not wireSender rewriting.
	remote.Run(func(r result.Result[any]) { ch <- r })

	select {
	case r := <-ch:
		if r.IsError() {
			t.Fatalf("remote eval: %v", r.Error())
		}
	case <-time.After(time.Second):
		t.Fatalf("remote call did not resolve")
	}
}

func TestDisposeIsIdempotent(t *testing.T) {
	a, _ := linkedPair()
	c := newTestConnection()
	connect(t, c, a)
	c.Dispose()
	c.Dispose()
	if !c.Disposed() {
		t.Fatalf("expected Disposed after Dispose")
	}
}

func TestExprConstRewriteOutPreservesExpr(t *testing.T) {
	a, b := linkedPair()
	sideA := newTestConnection()
	sideB := newTestConnection()
	defer sideA.Dispose()
	defer sideB.Dispose()

	connect(t, sideA, a)
	connect(t, sideB, b)

	e := expr.Const{Value: 42}
	rewritten, err := sideA.rewriteOut(e)
	if err != nil {
		t.Fatalf("rewriteOut: %v", err)
	}
	if _, ok := rewritten.(expr.Expr); !ok {
		t.Fatalf("expected rewriteOut to preserve an expr.Expr, got %T", rewritten)
	}
}
