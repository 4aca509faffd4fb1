//go:build darwin

package reactor

import (
	"time"

	"golang.org/x/sys/unix"
)

type kqueueReactor struct {
	kq       int
	wakeupFD int
	events   []unix.Kevent_t
}

// New creates a kqueue-backed reactor able to report up to maxEvents
// readiness notifications per Wait call.
func New(maxEvents int) (Reactor, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	return &kqueueReactor{kq: kq, events: make([]unix.Kevent_t, maxEvents)}, nil
}

func (r *kqueueReactor) change(fd int, filter int16, flags uint16) error {
	kv := unix.Kevent_t{Ident: uint64(fd), Filter: filter, Flags: flags}
	_, err := unix.Kevent(r.kq, []unix.Kevent_t{kv}, nil, nil)
	return err
}

func (r *kqueueReactor) RegisterWakeup(fd int) error {
	r.wakeupFD = fd
	return r.change(fd, unix.EVFILT_READ, unix.EV_ADD)
}

func (r *kqueueReactor) RegisterRead(fd int) error {
	return r.change(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_CLEAR)
}

func (r *kqueueReactor) Rearm(fd int, write bool) error {
	if write {
		_ = r.change(fd, unix.EVFILT_READ, unix.EV_DELETE)
		return r.change(fd, unix.EVFILT_WRITE, unix.EV_ADD)
	}
	_ = r.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	return r.change(fd, unix.EVFILT_READ, unix.EV_ADD|unix.EV_CLEAR)
}

func (r *kqueueReactor) Unregister(fd int) error {
	_ = r.change(fd, unix.EVFILT_READ, unix.EV_DELETE)
	_ = r.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE)
	return nil
}

func (r *kqueueReactor) Wait(timeoutMillis int, out []Event) (int, error) {
	var ts *unix.Timespec
	if timeoutMillis >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMillis) * int64(time.Millisecond))
		ts = &t
	}
	n, err := unix.Kevent(r.kq, nil, r.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		e := r.events[i]
		fd := int(e.Ident)
		out[i] = Event{
			FD:       fd,
			IsWakeup: fd == r.wakeupFD,
			Readable: e.Filter == unix.EVFILT_READ,
			Writable: e.Filter == unix.EVFILT_WRITE,
			HangUp:   e.Flags&unix.EV_EOF != 0,
		}
	}
	return n, nil
}

func (r *kqueueReactor) Close() error {
	return unix.Close(r.kq)
}

// IsFatal reports whether err from Wait means the reactor's own descriptor
// has gone bad (closed out from under it during shutdown) rather than a
// transient per-call failure.
func IsFatal(err error) bool {
	return err == unix.EBADF || err == unix.EINVAL
}
