//go:build !linux

package wakeupfd

import "golang.org/x/sys/unix"

// New creates a pipe-backed wakeup descriptor, the portable fallback the
// teacher's own C original falls back to on platforms without eventfd.
// unix.Pipe2 isn't available on every BSD-family target (notably Darwin
// lacks the pipe2(2) syscall), so this uses plain Pipe and arms
// non-blocking/close-on-exec by hand.
func New() (*FD, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, err
		}
		unix.CloseOnExec(fd)
	}
	return &FD{r: fds[0], w: fds[1]}, nil
}
