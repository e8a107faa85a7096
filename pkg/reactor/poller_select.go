//go:build linux

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

// selectPoller is the portable fallback backend, built on unix.Select. It
// scales linearly with the highest registered fd and is capped by
// FD_SETSIZE, but needs no platform-specific syscalls, so it is always
// available as the PRETZEL_POLLER=select escape hatch.
type selectPoller struct {
	masks map[int]int
}

func newSelectPoller() *selectPoller {
	return &selectPoller{masks: make(map[int]int)}
}

func (p *selectPoller) Register(fd int, mask int) error {
	p.masks[fd] = mask
	return nil
}

func (p *selectPoller) Modify(fd int, mask int) error {
	p.masks[fd] = mask
	return nil
}

func (p *selectPoller) Unregister(fd int) error {
	delete(p.masks, fd)
	return nil
}

func fdSetBit(set *unix.FdSet, fd int) {
	bitsPerWord := 64
	set.Bits[fd/bitsPerWord] |= 1 << uint(fd%bitsPerWord)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	bitsPerWord := 64
	return set.Bits[fd/bitsPerWord]&(1<<uint(fd%bitsPerWord)) != 0
}

func (p *selectPoller) Poll(timeout time.Duration) ([]Event, error) {
	var rset, wset unix.FdSet
	maxFd := -1
	for fd, mask := range p.masks {
		if mask&Read != 0 {
			fdSetBit(&rset, fd)
		}
		if mask&Write != 0 {
			fdSetBit(&wset, fd)
		}
		if fd > maxFd {
			maxFd = fd
		}
	}
	if maxFd < 0 {
		if timeout > 0 {
			time.Sleep(timeout)
		}
		return nil, nil
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	n, err := unix.Select(maxFd+1, &rset, &wset, nil, tv)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	events := make([]Event, 0, n)
	for fd, mask := range p.masks {
		observed := 0
		if mask&Read != 0 && fdIsSet(&rset, fd) {
			observed |= Read
		}
		if mask&Write != 0 && fdIsSet(&wset, fd) {
			observed |= Write
		}
		if observed != 0 {
			events = append(events, Event{Fd: fd, Mask: observed})
		}
	}
	return events, nil
}

func (p *selectPoller) Close() error {
	p.masks = nil
	return nil
}
