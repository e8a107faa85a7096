package conn

import (
	"github.com/fluxorio/corevm/pkg/cont"
	"github.com/fluxorio/corevm/pkg/stream"
)

// StreamPair is the reader/writer half of a transport once whatever
// handshake it needs has completed: the shape Connection ultimately wraps
// in a BufferedStream on each side, regardless of how the pair was
// obtained (a spawned process's pipes, a raw TCP/unix socket, a
// websocket). Grounded on stream.py's StreamConnection, which is built
// from exactly this pair.
type StreamPair struct {
	Reader stream.Stream
	Writer stream.Stream
}

// Transport knows how to produce a StreamPair for a Connection to speak
// its framed protocol over. Connect may do arbitrary setup first (spawn a
// process, dial a socket, send a bootstrap handshake) before the pair is
// usable.
type Transport interface {
	Connect(c *Connection) cont.Continuation[StreamPair]
}

// StreamTransport is the trivial Transport: a StreamPair the caller has
// already assembled (e.g. stream.Wrap(os.Stdin)/stream.Wrap(os.Stdout) on
// a spawned worker's own side of a pipe). Grounded on stream.py's
// StreamConnection.do_connect, which likewise does nothing but hand back
// the pair it was constructed with.
type StreamTransport struct {
	Reader stream.Stream
	Writer stream.Stream
}

// Connect returns the wrapped pair unchanged.
func (t StreamTransport) Connect(c *Connection) cont.Continuation[StreamPair] {
	return cont.Unit(StreamPair{Reader: t.Reader, Writer: t.Writer})
}
