package conn

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/fluxorio/corevm/pkg/address"
	"github.com/fluxorio/corevm/pkg/dispose"
	"github.com/fluxorio/corevm/pkg/expr"
	"github.com/fluxorio/corevm/pkg/hub"
	"github.com/fluxorio/corevm/pkg/result"
)

// wireSender is the on-the-wire substitute for a hub.Sender crossing this
// Connection: the peer cannot hold this process's *hub.Hub, so only the
// Address survives the trip. The receiving side reconstitutes it as a
// fresh local Sender that echoes back through the connection it arrived
// on - see Connection.remoteSender. Grounded on conn.py's persistent_id/
// persistent_load pair (PACK_ROUTE/PACK_UNROUTE), simplified to a single
// hop: this repo does not model a Sender routed through a chain of more
// than one Connection. See DESIGN.md.
type wireSender struct {
	Addr address.Address
}

func init() {
	gob.Register(wireSender{})
}

// wireFrame is the gob-encoded payload of one framed message. Dst is either
// empty or a plain address the receiving side itself minted and handed to
// this side earlier (see dispatch's doc comment); Src is always this
// side's own local reply-to address and so always crosses as a wireSender,
// never as a raw Address, the same way a Sender embedded in Msg does.
type wireFrame struct {
	Msg any
	Dst address.Address
	Src any
}

func (c *Connection) encodeFrame(msg any, dst, src address.Address) ([]byte, error) {
	wireMsg, err := c.rewriteOut(msg)
	if err != nil {
		return nil, err
	}
	var wireSrc any
	if !src.Empty() {
		wireSrc = wireSender{Addr: src}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(wireFrame{Msg: wireMsg, Dst: dst, Src: wireSrc}); err != nil {
		return nil, fmt.Errorf("conn: encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

// writeFrame marshals and writes a frame addressed at an explicit
// destination, bypassing Hub dispatch entirely. remoteSender's proxy
// handlers use this to echo a message back out to the literal address
// the peer originally handed us.
func (c *Connection) writeFrame(msg any, dst, src address.Address) {
	raw, err := c.encodeFrame(msg, dst, src)
	if err != nil {
		return
	}
	c.writer.WriteBytes(raw)
	c.writer.Flush().Run(func(r result.Result[struct{}]) {
		if r.IsError() && c.metrics != nil {
			c.metrics.observeSendError()
		}
	})
	if c.metrics != nil {
		c.metrics.observeFrameSent(len(raw))
	}
}

// rewriteOut substitutes any hub.Sender reachable at the two points this
// codebase actually produces one in an outgoing message - the message
// itself, or an expr.Expr's Const leaves (pkg/proxy wraps every Call/
// CallKw argument in expr.Const) - with its wire-safe wireSender form.
// Senders nested inside arbitrary other application types are not
// rewritten; see DESIGN.md for why that is an explicit, bounded scope
// rather than a general object-graph walk.
func (c *Connection) rewriteOut(v any) (any, error) {
	switch x := v.(type) {
	case hub.Sender:
		return wireSender{Addr: x.Addr}, nil
	case expr.Expr:
		return rewriteExprOut(x), nil
	default:
		return v, nil
	}
}

func rewriteExprOut(e expr.Expr) expr.Expr {
	switch x := e.(type) {
	case expr.Const:
		if s, ok := x.Value.(hub.Sender); ok {
			return expr.Const{Value: wireSender{Addr: s.Addr}}
		}
		return x
	case expr.Call:
		args := make([]expr.Expr, len(x.Args))
		for i, a := range x.Args {
			args[i] = rewriteExprOut(a)
		}
		var kwargs map[string]expr.Expr
		if x.Kwargs != nil {
			kwargs = make(map[string]expr.Expr, len(x.Kwargs))
			for k, a := range x.Kwargs {
				kwargs[k] = rewriteExprOut(a)
			}
		}
		return expr.Call{Fn: rewriteExprOut(x.Fn), Args: args, Kwargs: kwargs}
	case expr.GetAttr:
		return expr.GetAttr{Target: rewriteExprOut(x.Target), Name: x.Name}
	case expr.GetItem:
		return expr.GetItem{Target: rewriteExprOut(x.Target), Item: rewriteExprOut(x.Item)}
	case expr.If:
		return expr.If{Cond: rewriteExprOut(x.Cond), Then: rewriteExprOut(x.Then), Else: rewriteExprOut(x.Else)}
	case expr.Bind:
		return expr.Bind{Target: rewriteExprOut(x.Target)}
	default:
		// Arg and EnvNode carry no sub-expressions or Sender payloads.
		return e
	}
}

// unmarshal decodes one incoming frame and rewrites any wireSender it
// carries back into a local hub.Sender that proxies through this
// Connection - the inverse of marshal/rewriteOut.
func (c *Connection) unmarshal(raw []byte) (msg any, dst, src address.Address, err error) {
	var frame wireFrame
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&frame); err != nil {
		return nil, address.Address{}, address.Address{}, fmt.Errorf("conn: decode frame: %w", err)
	}
	src = address.Address{}
	if ws, ok := frame.Src.(wireSender); ok {
		src = c.remoteSender(ws.Addr).Addr
	}
	return c.rewriteIn(frame.Msg), frame.Dst, src, nil
}

func (c *Connection) rewriteIn(v any) any {
	switch x := v.(type) {
	case wireSender:
		return c.remoteSender(x.Addr)
	case expr.Expr:
		return rewriteExprIn(c, x)
	default:
		return v
	}
}

func rewriteExprIn(c *Connection, e expr.Expr) expr.Expr {
	switch x := e.(type) {
	case expr.Const:
		if s, ok := x.Value.(wireSender); ok {
			return expr.Const{Value: c.remoteSender(s.Addr)}
		}
		return x
	case expr.Call:
		args := make([]expr.Expr, len(x.Args))
		for i, a := range x.Args {
			args[i] = rewriteExprIn(c, a)
		}
		var kwargs map[string]expr.Expr
		if x.Kwargs != nil {
			kwargs = make(map[string]expr.Expr, len(x.Kwargs))
			for k, a := range x.Kwargs {
				kwargs[k] = rewriteExprIn(c, a)
			}
		}
		return expr.Call{Fn: rewriteExprIn(c, x.Fn), Args: args, Kwargs: kwargs}
	case expr.GetAttr:
		return expr.GetAttr{Target: rewriteExprIn(c, x.Target), Name: x.Name}
	case expr.GetItem:
		return expr.GetItem{Target: rewriteExprIn(c, x.Target), Item: rewriteExprIn(c, x.Item)}
	case expr.If:
		return expr.If{Cond: rewriteExprIn(c, x.Cond), Then: rewriteExprIn(c, x.Then), Else: rewriteExprIn(c, x.Else)}
	case expr.Bind:
		return expr.Bind{Target: rewriteExprIn(c, x.Target)}
	default:
		return e
	}
}

// remoteSender mints a fresh local Sender whose handler, instead of being
// dispatched to through the ordinary Hub address space, marshals and
// writes straight back out over this Connection's wire addressed at
// foreign - the literal address the peer gave us, meaningful only on its
// side. This is how a capability the peer handed us (a reply-to address,
// or a Sender embedded in a message) becomes callable from this process.
func (c *Connection) remoteSender(foreign address.Address) hub.Sender {
	recv, send := hub.Pair(c.hub)
	_ = recv.Handle(func(msg any, dst, src address.Address) bool {
		c.writeFrame(msg, foreign, src)
		return true
	})
	dispose.Add[dispose.Disposable](c.disp, receiverDisposable{recv})
	return send
}
