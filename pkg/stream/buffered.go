package stream

import (
	"encoding/binary"
	"regexp"
	"sync"

	"github.com/fluxorio/corevm/pkg/cont"
	"github.com/fluxorio/corevm/pkg/result"
)

// DefaultBufSize is used when BufferedStream is built with bufsize <= 0,
// matching PRETZEL_BUFSIZE's default.
const DefaultBufSize = 64 * 1024

// lengthPrefixSize is the size of the wire framing used by ReadBytes/WriteBytes: a 4-byte
// big-endian length followed by that many bytes of payload.
const lengthPrefixSize = 4

// BufferedStream wraps a Stream with read/write buffering and the
// higher-level read-until-X and length-prefixed helpers built on top of it.
// Writes are buffered locally and flushed automatically once the backlog
// crosses bufsize (flushed in the background) or 2*bufsize (flushed inline,
// applying backpressure to the writer).
type BufferedStream struct {
	base    Stream
	bufsize int

	readMu sync.Mutex
	rbuf   Buffer

	writeMu sync.Mutex
	wbuf    Buffer

	flushOnce sync.Mutex
	flushing  *cont.Future[struct{}]
}

// NewBufferedStream wraps base. bufsize <= 0 uses DefaultBufSize.
func NewBufferedStream(base Stream, bufsize int) *BufferedStream {
	if bufsize <= 0 {
		bufsize = DefaultBufSize
	}
	return &BufferedStream{base: base, bufsize: bufsize}
}

// Read returns up to size bytes, filling the read buffer from the base
// stream at most once if it is currently empty. Unlike ReadUntilSize it
// does not loop until size bytes are available.
func (s *BufferedStream) Read(size int) cont.Continuation[[]byte] {
	if size == 0 {
		return cont.Unit([]byte{})
	}
	return cont.Do(func(y *cont.Yield) []byte {
		s.readMu.Lock()
		defer s.readMu.Unlock()
		if s.rbuf.Empty() {
			chunk := cont.Await(y, s.base.Read(s.bufsize))
			s.rbuf.Enqueue(chunk)
		}
		return s.rbuf.Dequeue(size)
	})
}

// ReadUntilSize reads exactly size bytes, blocking on the base stream as
// many times as needed.
func (s *BufferedStream) ReadUntilSize(size int) cont.Continuation[[]byte] {
	if size == 0 {
		return cont.Unit([]byte{})
	}
	return cont.Do(func(y *cont.Yield) []byte {
		s.readMu.Lock()
		defer s.readMu.Unlock()
		for s.rbuf.Len() < size {
			chunk := cont.Await(y, s.base.Read(s.bufsize))
			s.rbuf.Enqueue(chunk)
		}
		return s.rbuf.Dequeue(size)
	})
}

// ReadUntilEOF reads until the base stream reports a broken pipe (EOF),
// returning everything read up to that point.
func (s *BufferedStream) ReadUntilEOF() cont.Continuation[[]byte] {
	return cont.New(func(ret cont.Ret[[]byte]) {
		go func() {
			s.readMu.Lock()
			defer s.readMu.Unlock()
			for {
				ch := make(chan result.Result[[]byte], 1)
				s.base.Read(s.bufsize).Run(func(r result.Result[[]byte]) { ch <- r })
				r := <-ch
				if r.IsError() {
					if r.Error().Kind == result.KindBrokenPipe {
						break
					}
					ret(result.Err[[]byte](r.Error()))
					return
				}
				s.rbuf.Enqueue(r.Value())
			}
			ret(result.Value(s.rbuf.Dequeue(0)))
		}()
	})
}

// ReadUntilSub reads until sub (default "\n" if nil) is found, returning
// everything up to and including the match.
func (s *BufferedStream) ReadUntilSub(sub []byte) cont.Continuation[[]byte] {
	if len(sub) == 0 {
		sub = []byte{'\n'}
	}
	return cont.Do(func(y *cont.Yield) []byte {
		s.readMu.Lock()
		defer s.readMu.Unlock()
		offset := 0
		for {
			found := s.rbuf.IndexSub(sub, offset)
			if found >= 0 {
				return s.rbuf.Dequeue(found + len(sub))
			}
			buffered := s.rbuf.Len()
			if buffered > len(sub) {
				offset = buffered - len(sub)
			}
			chunk := cont.Await(y, s.base.Read(s.bufsize))
			s.rbuf.Enqueue(chunk)
		}
	})
}

// Match pairs the bytes consumed by ReadUntilRegex (including the match)
// with the regexp.Match describing where the match landed within them.
type Match struct {
	Data  []byte
	Start int
	End   int
}

// ReadUntilRegex reads until re matches the buffered data, returning
// everything up to and including the match plus the match's location.
func (s *BufferedStream) ReadUntilRegex(re *regexp.Regexp) cont.Continuation[Match] {
	return cont.Do(func(y *cont.Yield) Match {
		s.readMu.Lock()
		defer s.readMu.Unlock()
		for {
			data := s.rbuf.Slice(0, 0)
			loc := re.FindIndex(data)
			if loc != nil {
				consumed := s.rbuf.Dequeue(loc[1])
				return Match{Data: consumed, Start: loc[0], End: loc[1]}
			}
			chunk := cont.Await(y, s.base.Read(s.bufsize))
			s.rbuf.Enqueue(chunk)
		}
	})
}

// ReadBytes reads one length-prefixed payload written by WriteBytes.
func (s *BufferedStream) ReadBytes() cont.Continuation[[]byte] {
	return cont.Do(func(y *cont.Yield) []byte {
		header := cont.Await(y, s.ReadUntilSize(lengthPrefixSize))
		size := binary.BigEndian.Uint32(header)
		return cont.Await(y, s.ReadUntilSize(int(size)))
	})
}

// Write enqueues data to the write buffer. It resolves immediately (without
// flushing) if the buffer stays under bufsize; crossing bufsize kicks off a
// background flush without waiting for it, and crossing 2*bufsize waits for
// a flush to make room before resolving, applying backpressure to a writer
// that is producing faster than the base stream can drain.
func (s *BufferedStream) Write(data []byte) cont.Continuation[int] {
	s.writeMu.Lock()
	s.wbuf.Enqueue(data)
	size := s.wbuf.Len()
	s.writeMu.Unlock()

	switch {
	case size > 2*s.bufsize:
		return cont.Map(s.Flush(), func(struct{}) int { return len(data) })
	case size > s.bufsize:
		s.Flush()
		return cont.Unit(len(data))
	default:
		return cont.Unit(len(data))
	}
}

// WriteSchedule enqueues data to the write buffer without checking or
// triggering the bufsize thresholds; the caller must Flush explicitly.
func (s *BufferedStream) WriteSchedule(data []byte) int {
	s.writeMu.Lock()
	s.wbuf.Enqueue(data)
	s.writeMu.Unlock()
	return len(data)
}

// WriteBytes frames data with a 4-byte big-endian length prefix and
// schedules both for writing; call Flush (or let Write's thresholds do it)
// to actually send them.
func (s *BufferedStream) WriteBytes(data []byte) {
	header := make([]byte, lengthPrefixSize)
	binary.BigEndian.PutUint32(header, uint32(len(data)))
	s.WriteSchedule(header)
	s.WriteSchedule(data)
}

// Flush drains the write buffer to the base stream. Concurrent Flush calls
// coalesce onto a single in-flight flush rather than issuing overlapping
// writes, matching the "flush is a singleton background task" rule: once a
// flush is running, further calls just await its completion instead of
// starting their own.
func (s *BufferedStream) Flush() cont.Continuation[struct{}] {
	s.flushOnce.Lock()
	if s.flushing != nil && !s.flushing.Completed() {
		f := s.flushing
		s.flushOnce.Unlock()
		return f.Continuation()
	}
	f := cont.Start(s.doFlush())
	s.flushing = f
	s.flushOnce.Unlock()
	return f.Continuation()
}

func (s *BufferedStream) doFlush() cont.Continuation[struct{}] {
	return cont.Do(func(y *cont.Yield) struct{} {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		for s.wbuf.Len() > 0 {
			block := s.wbuf.Slice(s.bufsize, 0)
			n := cont.Await(y, s.base.Write(block))
			s.wbuf.Dequeue(n)
		}
		cont.Await(y, s.base.Flush())
		return struct{}{}
	})
}

// Close flushes any pending writes and closes the base stream.
func (s *BufferedStream) Close() cont.Continuation[struct{}] {
	return cont.Do(func(y *cont.Yield) struct{} {
		cont.Await(y, s.Flush())
		cont.Await(y, s.base.Close())
		return struct{}{}
	})
}
