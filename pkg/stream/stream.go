package stream

import (
	"io"
	"sync"

	"github.com/fluxorio/corevm/pkg/cont"
	"github.com/fluxorio/corevm/pkg/result"
)

// Stream is the minimal async byte-stream surface BufferedStream builds on:
// a read that returns whatever is available up to size bytes, a write that
// accepts a whole chunk, and flush/close. Implementations run their actual
// I/O off the caller's goroutine (see Wrap) so Run never blocks the reactor
// loop that started it.
type Stream interface {
	Read(size int) cont.Continuation[[]byte]
	Write(data []byte) cont.Continuation[int]
	Flush() cont.Continuation[struct{}]
	Close() cont.Continuation[struct{}]
}

// wrapped adapts a blocking io.ReadWriteCloser (and optional Flusher) into a
// Stream by running each call on its own goroutine and delivering the
// result through a Continuation, the same shape as every other async
// primitive in this module.
type wrapped struct {
	mu     sync.Mutex
	r      io.Reader
	w      io.Writer
	closer io.Closer
	flush  func() error
}

// Flusher is implemented by writers that buffer internally and need an
// explicit flush, e.g. bufio.Writer.
type Flusher interface {
	Flush() error
}

// Wrap adapts rwc into a Stream. If rwc also implements Flusher, Flush
// delegates to it; otherwise Flush is a no-op success.
func Wrap(rwc io.ReadWriteCloser) Stream {
	s := &wrapped{r: rwc, w: rwc, closer: rwc}
	if f, ok := rwc.(Flusher); ok {
		s.flush = f.Flush
	}
	return s
}

func (s *wrapped) Read(size int) cont.Continuation[[]byte] {
	return cont.New(func(ret cont.Ret[[]byte]) {
		go func() {
			buf := make([]byte, size)
			n, err := s.r.Read(buf)
			if n > 0 {
				ret(result.Value(buf[:n]))
				return
			}
			if err == io.EOF {
				ret(result.BrokenPipe[[]byte]("stream: read reached eof"))
				return
			}
			ret(result.FromError[[]byte](err))
		}()
	})
}

func (s *wrapped) Write(data []byte) cont.Continuation[int] {
	return cont.New(func(ret cont.Ret[int]) {
		go func() {
			n, err := s.w.Write(data)
			if err != nil {
				ret(result.FromError[int](err))
				return
			}
			ret(result.Value(n))
		}()
	})
}

func (s *wrapped) Flush() cont.Continuation[struct{}] {
	return cont.New(func(ret cont.Ret[struct{}]) {
		go func() {
			if s.flush == nil {
				ret(result.Value(struct{}{}))
				return
			}
			if err := s.flush(); err != nil {
				ret(result.FromError[struct{}](err))
				return
			}
			ret(result.Value(struct{}{}))
		}()
	})
}

func (s *wrapped) Close() cont.Continuation[struct{}] {
	return cont.New(func(ret cont.Ret[struct{}]) {
		go func() {
			if err := s.closer.Close(); err != nil {
				ret(result.FromError[struct{}](err))
				return
			}
			ret(result.Value(struct{}{}))
		}()
	})
}
