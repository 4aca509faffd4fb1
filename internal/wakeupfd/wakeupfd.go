// Package wakeupfd is the cross-thread nudge primitive the acceptor uses to
// tell a worker "the handoff ring is non-empty": a small kernel object
// registered with the worker's reactor like any other descriptor, so
// waking a worker costs one write syscall and one readiness event rather
// than a condition variable the reactor would need to special-case.
package wakeupfd

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// FD is a nudgeable, drainable file descriptor pair (on platforms without
// a counting eventfd, a pipe plays the same role).
type FD struct {
	r, w int
}

// ReadFD returns the descriptor the reactor should register for read
// readiness.
func (f *FD) ReadFD() int { return f.r }

// Nudge posts one wakeup token, non-blocking. If the token cannot be
// posted because the kernel object is saturated, it makes up to three
// attempts in total and then returns unix.EAGAIN to the caller rather than
// blocking it; nothing is logged here.
func (f *FD) Nudge() error {
	var buf [8]byte
	buf[0] = 1
	for attempt := 0; attempt < 3; attempt++ {
		_, err := unix.Write(f.w, buf[:])
		if err == nil {
			return nil
		}
		if err != unix.EAGAIN {
			return err
		}
		runtime.Gosched()
	}
	return unix.EAGAIN
}

// Drain consumes one pending wakeup; any error (including would-block,
// which can legitimately happen if a previous Drain already consumed the
// token an adjacent event announced) is ignored, matching the spec's
// "wakeup drain errors are not propagated" error kind.
func (f *FD) Drain() {
	var buf [8]byte
	unix.Read(f.r, buf[:])
}

// Close releases both descriptors.
func (f *FD) Close() error {
	err := unix.Close(f.w)
	if cerr := unix.Close(f.r); err == nil {
		err = cerr
	}
	return err
}
