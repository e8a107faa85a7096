// Package stream implements a buffered, continuation-based byte stream on
// top of any blocking io.Reader/io.Writer, plus the FIFO byte buffer it is
// built from.
package stream

import (
	"bytes"
	"strconv"
)

// Buffer is a FIFO byte queue: Enqueue appends, Dequeue/Slice read from the
// front. It is backed by a single slice with a read cursor rather than a
// chunk deque, compacting the consumed prefix away once it grows large
// relative to what remains, so long-lived streams don't retain history
// forever but a Dequeue of everything currently queued is still one copy.
type Buffer struct {
	data   []byte
	offset int // read cursor: data[offset:] is unconsumed
}

// Len reports the number of unconsumed bytes currently buffered.
func (b *Buffer) Len() int { return len(b.data) - b.offset }

// Empty reports whether nothing is currently buffered.
func (b *Buffer) Empty() bool { return b.Len() == 0 }

// Enqueue appends data to the back of the buffer. Empty input is a no-op.
func (b *Buffer) Enqueue(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.data = append(b.data, chunk...)
}

// Slice returns up to size unconsumed bytes starting offset bytes past the
// read cursor, without consuming them. size of 0 means "everything
// currently buffered from offset onward".
func (b *Buffer) Slice(size, offset int) []byte {
	lo := b.offset + offset
	if lo > len(b.data) {
		lo = len(b.data)
	}
	hi := len(b.data)
	if size > 0 && lo+size < hi {
		hi = lo + size
	}
	return b.data[lo:hi]
}

// Dequeue removes and returns up to size bytes from the front of the
// buffer; size of 0 means "everything currently buffered". It never
// returns more than Len() bytes.
func (b *Buffer) Dequeue(size int) []byte {
	avail := b.Len()
	if size == 0 || size > avail {
		size = avail
	}
	out := make([]byte, size)
	copy(out, b.data[b.offset:b.offset+size])
	b.offset += size
	b.compact()
	return out
}

// compact drops the consumed prefix once it dominates the buffer, so a
// stream that reads in a tight loop doesn't grow its backing array forever.
func (b *Buffer) compact() {
	if b.offset == 0 {
		return
	}
	if b.offset < 4096 && b.offset*2 < len(b.data) {
		return
	}
	remaining := len(b.data) - b.offset
	copy(b.data, b.data[b.offset:])
	b.data = b.data[:remaining]
	b.offset = 0
}

// IndexSub returns the index, relative to the unconsumed bytes currently
// queued, of the first occurrence of sub at or after searchFrom, or -1.
func (b *Buffer) IndexSub(sub []byte, searchFrom int) int {
	data := b.Slice(0, 0)
	if searchFrom > len(data) {
		searchFrom = len(data)
	}
	idx := bytes.Index(data[searchFrom:], sub)
	if idx < 0 {
		return -1
	}
	return searchFrom + idx
}

func (b *Buffer) String() string {
	return "Buffer(len:" + strconv.Itoa(b.Len()) + ")"
}
