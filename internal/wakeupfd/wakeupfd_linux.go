//go:build linux

package wakeupfd

import "golang.org/x/sys/unix"

// New creates a Linux eventfd-backed wakeup descriptor. EFD_SEMAPHORE makes
// each write add one to an internal counter and each read consume exactly
// one, giving natural multi-producer-safe coalescing-free semantics; the
// spsc queue is still what actually carries data, this just carries the
// "go check it" signal.
func New() (*FD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_SEMAPHORE|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &FD{r: fd, w: fd}, nil
}
