//go:build darwin || freebsd || netbsd || openbsd

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

const platformDefaultPoller = "kqueue"

type kqueuePoller struct {
	kq    int
	masks map[int]int
}

func newKqueuePoller() (Poller, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueuePoller{kq: fd, masks: make(map[int]int)}, nil
}

func newEpollPoller() (Poller, error) {
	return nil, errUnsupportedPoller("epoll")
}

func (p *kqueuePoller) apply(fd int, oldMask, newMask int) error {
	var changes []unix.Kevent_t
	if oldMask&Read != 0 && newMask&Read == 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_READ, unix.EV_DELETE))
	}
	if newMask&Read != 0 && oldMask&Read == 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_READ, unix.EV_ADD))
	}
	if oldMask&Write != 0 && newMask&Write == 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_WRITE, unix.EV_DELETE))
	}
	if newMask&Write != 0 && oldMask&Write == 0 {
		changes = append(changes, kevent(fd, unix.EVFILT_WRITE, unix.EV_ADD))
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kq, changes, nil, nil)
	return err
}

func kevent(fd int, filter int16, flags uint16) unix.Kevent_t {
	return unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags}
}

func (p *kqueuePoller) Register(fd int, mask int) error {
	if err := p.apply(fd, 0, mask); err != nil {
		return err
	}
	p.masks[fd] = mask
	return nil
}

func (p *kqueuePoller) Modify(fd int, mask int) error {
	old := p.masks[fd]
	if err := p.apply(fd, old, mask); err != nil {
		return err
	}
	p.masks[fd] = mask
	return nil
}

func (p *kqueuePoller) Unregister(fd int) error {
	old, ok := p.masks[fd]
	if !ok {
		return nil
	}
	delete(p.masks, fd)
	return p.apply(fd, old, 0)
}

func (p *kqueuePoller) Poll(timeout time.Duration) ([]Event, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	raw := make([]unix.Kevent_t, 64)
	n, err := unix.Kevent(p.kq, nil, raw, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		fd := int(raw[i].Ident)
		mask := 0
		switch raw[i].Filter {
		case unix.EVFILT_READ:
			mask = Read
		case unix.EVFILT_WRITE:
			mask = Write
		}
		if raw[i].Flags&unix.EV_EOF != 0 {
			mask |= Disconnect
		}
		if raw[i].Flags&unix.EV_ERROR != 0 {
			mask |= Error
		}
		out = append(out, Event{Fd: fd, Mask: mask})
	}
	return out, nil
}

func (p *kqueuePoller) Close() error {
	return unix.Close(p.kq)
}
