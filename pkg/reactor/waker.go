package reactor

import (
	"os"
)

// Waker is a self-pipe used to interrupt a blocked Poll call from any
// goroutine: Wake writes a single byte, the reactor loop watches the read
// end through the normal FileQueue machinery and drains it on readiness.
type Waker struct {
	r, w *os.File
}

// NewWaker creates the underlying pipe.
func NewWaker() (*Waker, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &Waker{r: r, w: w}, nil
}

// ReadFd returns the file descriptor the reactor should register with its
// FileQueue for read-readiness.
func (w *Waker) ReadFd() int { return int(w.r.Fd()) }

// Wake posts a byte to the pipe, waking up a blocked Poll. Safe to call from
// any goroutine, including concurrently with itself.
func (w *Waker) Wake() {
	_, _ = w.w.Write([]byte{0})
}

// Drain consumes any bytes currently buffered in the pipe, called by the
// reactor once the read end reports readiness.
func (w *Waker) Drain() {
	buf := make([]byte, 64)
	for {
		n, err := w.r.Read(buf)
		if n < len(buf) || err != nil {
			return
		}
	}
}

// Close releases both ends of the pipe.
func (w *Waker) Close() error {
	werr := w.w.Close()
	rerr := w.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
