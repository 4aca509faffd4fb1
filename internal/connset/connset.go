// Package connset holds the fd-indexed connection table. Each worker
// allocates its own table at the maximum size and never resizes it; no
// single table is shared by the whole process. Routing an event to its
// connection state costs one slice index and no per-connection allocation
// or map lookup.
package connset

import (
	"golang.org/x/sys/unix"

	"github.com/xtaci/lwan/internal/coro"
)

// defaultCapacity is the fallback table size used when the process's open
// file limit cannot be queried.
const defaultCapacity = 4096

// DefaultCapacity queries the process's current RLIMIT_NOFILE soft limit
// and returns it as the table size a worker pool should use absent an
// explicit override, matching the data model's "requires a known upper
// bound on fds (the open-file limit)" sizing rule. Falls back to
// defaultCapacity if the limit cannot be read.
func DefaultCapacity() int {
	var rLimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return defaultCapacity
	}
	if rLimit.Cur == 0 || rLimit.Cur > uint64(int(^uint(0)>>1)) {
		return defaultCapacity
	}
	return int(rLimit.Cur)
}

// Flag is a bitset of per-connection state, mirroring lwan's
// lwan_connection_flags.
type Flag uint16

const (
	// Alive marks a slot as holding a live, owned file descriptor.
	Alive Flag = 1 << iota
	// KeepAlive marks a connection whose last processed request asked to
	// persist past the current response.
	KeepAlive
	// ShouldResume marks a connection that wants to be resumed the next
	// time its armed interest becomes ready, as opposed to one parked
	// waiting to write.
	ShouldResume
	// MustRead marks a connection whose coroutine is blocked needing more
	// input bytes before it can make progress; it takes priority over
	// ShouldResume when deciding which interest to arm.
	MustRead
	// WriteEventsArmed mirrors which direction (read or write) is
	// currently armed in the reactor for this connection.
	WriteEventsArmed
	// Proxied and CORSAllowed are per-connection flags that, unlike the
	// rest, survive across pipelined requests on the same connection.
	Proxied
	CORSAllowed
)

// Slot is one connection's state: its descriptor, its coroutine, its
// flags, its place in the death queue, and the owning worker.
type Slot struct {
	FD int
	// Owner is the worker that owns this slot, set on handoff and never
	// changed while the slot is alive (spec's "thread" back-reference).
	// Typed as interface{} rather than *worker.Worker to avoid an import
	// cycle (package worker imports connset); callers type-assert back to
	// their own concrete worker type to check ownership.
	Owner interface{}
	Coro  *coro.Coro
	Flags Flag

	// TimeToDie is the death-queue tick at which this slot should be
	// reaped if it is still linked when the queue reaches that tick.
	TimeToDie uint32

	// Prev and Next are death-queue link indices; -1 is the sentinel
	// "points at the head" value.
	Prev, Next int32
}

// Table is the pre-sized, fd-indexed slot array.
type Table struct {
	slots []Slot
}

// NewTable allocates a table sized for file descriptors in [0, maxFD).
func NewTable(maxFD int) *Table {
	t := &Table{slots: make([]Slot, maxFD)}
	for i := range t.slots {
		t.slots[i].FD = i
		t.slots[i].Prev, t.slots[i].Next = -1, -1
	}
	return t
}

// Len returns the table's fixed capacity.
func (t *Table) Len() int { return len(t.slots) }

// Slot returns the slot for fd. The returned pointer is stable for the
// lifetime of the table.
func (t *Table) Slot(fd int) *Slot { return &t.slots[fd] }

// Reset reinitializes the slot for fd the way the acceptor hand-off path
// does before a new coroutine is spawned on it: every field is cleared
// except the owning worker reference, which the caller supplies.
func (t *Table) Reset(fd int, owner interface{}) *Slot {
	s := &t.slots[fd]
	*s = Slot{FD: fd, Owner: owner, Prev: -1, Next: -1}
	return s
}
