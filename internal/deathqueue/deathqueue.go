// Package deathqueue implements the O(1) time-ordered keep-alive timeout
// queue: an intrusive doubly-linked list threaded through a connset.Table
// by slot index rather than by pointer, so inserting, removing, or moving a
// connection to the tail never allocates. Ported function-by-function from
// lwan-thread.c's death_queue_* family.
package deathqueue

import "github.com/xtaci/lwan/internal/connset"

// headIndex is the sentinel: any link field holding it refers to the
// queue's own head node rather than a real table slot.
const headIndex int32 = -1

// DestroyFunc finalizes a slot that has just been unlinked from the queue:
// freeing its coroutine, clearing its Alive flag, and closing its
// descriptor.
type DestroyFunc func(s *connset.Slot)

// Queue is one worker's death queue over its connection table.
type Queue struct {
	table            *connset.Table
	head             connset.Slot // sentinel; only Prev/Next are meaningful
	time             uint32
	keepAliveTimeout uint32
	count            int
}

// New builds a queue over table. keepAliveTimeout is in ticks (seconds).
func New(table *connset.Table, keepAliveTimeout uint32) *Queue {
	q := &Queue{table: table, keepAliveTimeout: keepAliveTimeout}
	q.head.Prev, q.head.Next = headIndex, headIndex
	return q
}

// Time returns the queue's current coarse tick counter.
func (q *Queue) Time() uint32 { return q.time }

// KeepAliveTimeout returns the configured keep-alive timeout in ticks.
func (q *Queue) KeepAliveTimeout() uint32 { return q.keepAliveTimeout }

func (q *Queue) nodeAt(idx int32) *connset.Slot {
	if idx == headIndex {
		return &q.head
	}
	return q.table.Slot(int(idx))
}

// Empty reports whether the queue holds no connections.
func (q *Queue) Empty() bool { return q.head.Next == headIndex }

// Len returns the number of connections currently linked.
func (q *Queue) Len() int { return q.count }

// Insert links s at the tail of the queue.
func (q *Queue) Insert(s *connset.Slot) {
	idx := int32(s.FD)
	s.Next = headIndex
	s.Prev = q.head.Prev
	prev := q.nodeAt(q.head.Prev)
	q.head.Prev = idx
	prev.Next = idx
	q.count++
}

// Remove unlinks s from the queue. s.Prev/s.Next are reset to the sentinel
// afterward even though the node is no longer linked: defensive, matching
// the FIXME in the original C (a stray reuse of the slot before Insert
// would otherwise corrupt an arbitrary list position instead of failing
// obviously).
func (q *Queue) Remove(s *connset.Slot) {
	prev := q.nodeAt(s.Prev)
	next := q.nodeAt(s.Next)
	next.Prev = s.Prev
	prev.Next = s.Next
	s.Prev, s.Next = headIndex, headIndex
	q.count--
}

// MoveToTail recomputes s's time-to-die from the queue's current tick and
// re-links it at the tail, so the queue stays ordered by most recent
// activity. A slot without KeepAlive or ShouldResume gets a smaller
// time-to-die than keep-alive slots ahead of it, so the queue is not
// always ordered by time-to-die.
func (q *Queue) MoveToTail(s *connset.Slot) {
	s.TimeToDie = q.time
	if s.Flags&(connset.KeepAlive|connset.ShouldResume) != 0 {
		s.TimeToDie += q.keepAliveTimeout
	}
	q.Remove(s)
	q.Insert(s)
}

// WaitTimeoutMillis returns the poll timeout to use given the queue's
// current contents: -1 (block indefinitely) when empty, else the coarse
// 1-second tick.
func (q *Queue) WaitTimeoutMillis() int {
	if q.Empty() {
		return -1
	}
	return 1000
}

// Destroy unlinks s and hands it to destroy for finalization. Safe to call
// whether or not s is actually linked.
func (q *Queue) Destroy(s *connset.Slot, destroy DestroyFunc) {
	linked := s.Prev != headIndex || s.Next != headIndex || q.head.Next == int32(s.FD)
	if linked {
		q.Remove(s)
	}
	destroy(s)
}

// KillExpired advances the tick counter by one and reaps every connection
// at the head of the queue whose time-to-die has been reached, in FIFO
// order. When the queue drains completely the tick counter resets to zero,
// bounding how far it can run before wrapping.
func (q *Queue) KillExpired(destroy DestroyFunc) {
	q.time++
	for !q.Empty() {
		s := q.nodeAt(q.head.Next)
		if s.TimeToDie > q.time {
			return
		}
		q.Destroy(s, destroy)
	}
	q.time = 0
}

// KillAll reaps every connection still linked, in FIFO order, regardless of
// time-to-die. Used at shutdown.
func (q *Queue) KillAll(destroy DestroyFunc) {
	for !q.Empty() {
		s := q.nodeAt(q.head.Next)
		q.Destroy(s, destroy)
	}
}
