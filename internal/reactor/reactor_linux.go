//go:build linux

package reactor

import "golang.org/x/sys/unix"

const (
	readInterest  = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLERR | unix.EPOLLET
	writeInterest = unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLERR
)

type epollReactor struct {
	epfd     int
	wakeupFD int
	events   []unix.EpollEvent
}

// New creates an epoll-backed reactor able to report up to maxEvents
// readiness notifications per Wait call.
func New(maxEvents int) (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollReactor{epfd: epfd, events: make([]unix.EpollEvent, maxEvents)}, nil
}

func (r *epollReactor) RegisterWakeup(fd int) error {
	r.wakeupFD = fd
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (r *epollReactor) RegisterRead(fd int) error {
	ev := unix.EpollEvent{Events: uint32(readInterest), Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (r *epollReactor) Rearm(fd int, write bool) error {
	events := uint32(readInterest)
	if write {
		events = uint32(writeInterest)
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (r *epollReactor) Unregister(fd int) error {
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (r *epollReactor) Wait(timeoutMillis int, out []Event) (int, error) {
	n, err := unix.EpollWait(r.epfd, r.events, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, err
	}
	for i := 0; i < n; i++ {
		e := r.events[i]
		out[i] = Event{
			FD:       int(e.Fd),
			IsWakeup: int(e.Fd) == r.wakeupFD,
			Readable: e.Events&unix.EPOLLIN != 0,
			Writable: e.Events&unix.EPOLLOUT != 0,
			HangUp:   e.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
		}
	}
	return n, nil
}

func (r *epollReactor) Close() error {
	return unix.Close(r.epfd)
}

// IsFatal reports whether err from Wait means the reactor's own descriptor
// has gone bad (closed out from under it during shutdown) rather than a
// transient per-call failure.
func IsFatal(err error) bool {
	return err == unix.EBADF || err == unix.EINVAL
}
