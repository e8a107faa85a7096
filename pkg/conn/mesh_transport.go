package conn

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fluxorio/corevm/pkg/address"
	"github.com/fluxorio/corevm/pkg/cont"
	"github.com/fluxorio/corevm/pkg/result"
	"github.com/fluxorio/corevm/pkg/stream"
)

// wsStream adapts a *websocket.Conn into a stream.Stream: each WriteMessage
// call ships exactly one binary frame, and Read reassembles a continuous
// byte stream out of however many frames it takes to satisfy each request,
// the same contract BufferedStream already expects from stream.Wrap's pipe
// adapter. Grounded on the teacher's `pkg/core/eventbus_ws.go`
// (`websocket.Upgrader`/`ReadMessage`/`WriteMessage` usage), generalized
// here from JSON request/reply framing to this package's own length-prefixed
// binary frames.
type wsStream struct {
	conn *websocket.Conn

	readMu   sync.Mutex
	leftover []byte

	writeMu sync.Mutex
}

func wrapWebsocket(c *websocket.Conn) stream.Stream { return &wsStream{conn: c} }

func (s *wsStream) Read(size int) cont.Continuation[[]byte] {
	return cont.New(func(ret cont.Ret[[]byte]) {
		go func() {
			s.readMu.Lock()
			defer s.readMu.Unlock()
			for len(s.leftover) == 0 {
				_, data, err := s.conn.ReadMessage()
				if err != nil {
					ret(result.Err[[]byte](&result.Error{Kind: result.KindBrokenPipe, Message: err.Error()}))
					return
				}
				s.leftover = data
			}
			n := size
			if n <= 0 || n > len(s.leftover) {
				n = len(s.leftover)
			}
			chunk := s.leftover[:n]
			s.leftover = s.leftover[n:]
			ret(result.Value(chunk))
		}()
	})
}

func (s *wsStream) Write(data []byte) cont.Continuation[int] {
	return cont.New(func(ret cont.Ret[int]) {
		go func() {
			s.writeMu.Lock()
			defer s.writeMu.Unlock()
			if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				ret(result.Err[int](&result.Error{Kind: result.KindBrokenPipe, Message: err.Error()}))
				return
			}
			ret(result.Value(len(data)))
		}()
	})
}

// Flush is a no-op: WriteMessage ships each frame immediately.
func (s *wsStream) Flush() cont.Continuation[struct{}] { return cont.Unit(struct{}{}) }

func (s *wsStream) Close() cont.Continuation[struct{}] {
	return cont.New(func(ret cont.Ret[struct{}]) {
		go func() {
			_ = s.conn.Close()
			ret(result.Value(struct{}{}))
		}()
	})
}

// MeshTransport is a Transport over a websocket connection, either dialed as
// a client or accepted from an http.Request as a server - one hop of a
// mesh that composes several Connections into a tree (BuildTree/Broadcast
// below). Grounded on `remoting/conn/mesh.py`'s MeshConnection, scoped to a
// single hop per SPEC_FULL.md §5 (no recursive SSH-of-SSH tree bootstrap).
type MeshTransport struct {
	conn *websocket.Conn
}

// DialMesh opens a client-side MeshTransport to a ws:// or wss:// URL.
func DialMesh(ctx context.Context, url string) (MeshTransport, error) {
	dialer := websocket.Dialer{}
	c, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return MeshTransport{}, fmt.Errorf("conn: dial mesh %s: %w", url, err)
	}
	return MeshTransport{conn: c}, nil
}

// meshUpgrader matches the teacher's permissive development CheckOrigin;
// a production deployment is expected to replace it via UpgradeMesh's own
// caller-supplied http.Request validation upstream of this package.
var meshUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// UpgradeMesh accepts a server-side MeshTransport from an incoming HTTP
// request, the accept-side counterpart to DialMesh.
func UpgradeMesh(w http.ResponseWriter, r *http.Request) (MeshTransport, error) {
	c, err := meshUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return MeshTransport{}, fmt.Errorf("conn: upgrade mesh: %w", err)
	}
	return MeshTransport{conn: c}, nil
}

// Connect hands the websocket connection to Connection as a StreamPair.
func (t MeshTransport) Connect(c *Connection) cont.Continuation[StreamPair] {
	s := wrapWebsocket(t.conn)
	c.setFlag("type", "mesh")
	return cont.Unit(StreamPair{Reader: s, Writer: s})
}

// Tree is a single-level fan-out of mesh Connections sharing one logical
// root: BuildTree dials every leaf, Broadcast sends the same message to
// each of a Tree's children. This is the "tree of connections" shape
// mesh.py builds recursively; this package only builds the one level a
// root process needs to reach its direct children, per SPEC_FULL.md §5.
type Tree struct {
	Children []*Connection
}

// dialBreakerThreshold/dialBreakerReset bound how many consecutive dial
// failures to one leaf URL open its breaker, and how long BuildTree then
// refuses to redial it.
const (
	dialBreakerThreshold = 3
	dialBreakerReset     = 30 * time.Second
)

var (
	dialBreakersMu sync.Mutex
	dialBreakers   = map[string]*dialBreaker{}
)

func breakerFor(url string) *dialBreaker {
	dialBreakersMu.Lock()
	defer dialBreakersMu.Unlock()
	b, ok := dialBreakers[url]
	if !ok {
		b = newDialBreaker(dialBreakerThreshold, dialBreakerReset)
		dialBreakers[url] = b
	}
	return b
}

// BuildTree dials a MeshTransport to each url and connects it, collecting
// every successfully connected child. A dial/connect failure for one url
// is recorded and skipped rather than failing the whole tree - matching
// mesh.py's best-effort fan-out, which does not abort a tree build because
// one leaf is unreachable. Each url carries its own dialBreaker so a leaf
// that has failed dialBreakerThreshold times in a row is skipped without a
// dial attempt until dialBreakerReset has elapsed, instead of being
// redialed (and timing out again) on every BuildTree call.
func BuildTree(ctx context.Context, opts Options, urls []string) (Tree, []error) {
	var tree Tree
	var errs []error
	for _, url := range urls {
		breaker := breakerFor(url)
		if !breaker.allow() {
			errs = append(errs, fmt.Errorf("conn: dial mesh %s: breaker open", url))
			continue
		}
		transport, err := DialMesh(ctx, url)
		if err != nil {
			breaker.failure()
			errs = append(errs, err)
			continue
		}
		child := New(opts)
		ch := make(chan result.Result[*Connection], 1)
		child.Connect(transport).Run(func(r result.Result[*Connection]) { ch <- r })
		r := <-ch
		if r.IsError() {
			breaker.failure()
			errs = append(errs, r.Error())
			continue
		}
		breaker.success()
		tree.Children = append(tree.Children, r.Value())
	}
	return tree, errs
}

// Broadcast sends msg to every child's own mailbox address, so it reaches
// each child's peer as an empty-destination message: a nil msg makes that
// peer dispose its Connection, and any other msg is rejected there (see
// Connection.dispatch).
func Broadcast(t Tree, msg any) {
	for _, child := range t.Children {
		_ = child.Sender().Send(msg, address.Address{})
	}
}
