// Package worker implements the per-thread event loop that ties the
// reactor, death queue, coroutine runtime, connection table, and handoff
// queue together: one Worker owns one OS thread's worth of connections and
// never shares mutable state with another Worker except through the
// lock-free handoff ring and wakeup descriptor.
package worker

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xtaci/lwan/httpadapter"
	"github.com/xtaci/lwan/internal/connset"
	"github.com/xtaci/lwan/internal/coro"
	"github.com/xtaci/lwan/internal/dateutil"
	"github.com/xtaci/lwan/internal/deathqueue"
	"github.com/xtaci/lwan/internal/metrics"
	"github.com/xtaci/lwan/internal/reactor"
	"github.com/xtaci/lwan/internal/rendezvous"
	"github.com/xtaci/lwan/internal/spsc"
	"github.com/xtaci/lwan/internal/status"
	"github.com/xtaci/lwan/internal/wakeupfd"
)

// Config configures a single worker.
type Config struct {
	Index                 int
	MaxFD                 int
	KeepAliveTimeoutTicks uint32
	ExpiresOffset         time.Duration
	ReadBufferSize        int
	MaxEvents             int
	HandoffQueueSize      int
	Pipeline              httpadapter.ProcessRequestFunc
}

// Worker is one reactor thread's worth of state.
type Worker struct {
	idx         int
	table       *connset.Table
	dq          *deathqueue.Queue
	reactor     reactor.Reactor
	wakeup      *wakeupfd.FD
	pending     *spsc.Queue
	switcher    *coro.Switcher
	dateCache   *dateutil.Cache
	pipeline    httpadapter.ProcessRequestFunc
	readBufSize int
	events      []reactor.Event
	collectors  *metrics.WorkerCollectors

	startBarrier *rendezvous.Barrier
	shutBarrier  *rendezvous.Barrier
}

// newReactor is a test seam: scenario tests in this package substitute an
// in-memory fake so they can drive the worker's handoff/resume/destroy
// paths without a real kernel poller.
var newReactor = reactor.New

// New builds a worker ready to Run, but does not start it.
func New(cfg Config, startBarrier, shutBarrier *rendezvous.Barrier, m *metrics.Pool) (*Worker, error) {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 256
	}
	if cfg.HandoffQueueSize <= 0 {
		cfg.HandoffQueueSize = 4096
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}

	r, err := newReactor(cfg.MaxEvents)
	if err != nil {
		return nil, fmt.Errorf("worker %d: create reactor: %w", cfg.Index, err)
	}

	wake, err := wakeupfd.New()
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("worker %d: create wakeup descriptor: %w", cfg.Index, err)
	}
	if err := r.RegisterWakeup(wake.ReadFD()); err != nil {
		r.Close()
		wake.Close()
		return nil, fmt.Errorf("worker %d: register wakeup descriptor: %w", cfg.Index, err)
	}

	table := connset.NewTable(cfg.MaxFD)

	w := &Worker{
		idx:          cfg.Index,
		table:        table,
		dq:           deathqueue.New(table, cfg.KeepAliveTimeoutTicks),
		reactor:      r,
		wakeup:       wake,
		pending:      spsc.New(cfg.HandoffQueueSize),
		switcher:     coro.NewSwitcher(),
		dateCache:    dateutil.NewCache(cfg.ExpiresOffset),
		pipeline:     cfg.Pipeline,
		readBufSize:  cfg.ReadBufferSize,
		events:       make([]reactor.Event, cfg.MaxEvents),
		collectors:   m.For(strconv.Itoa(cfg.Index)),
		startBarrier: startBarrier,
		shutBarrier:  shutBarrier,
	}
	return w, nil
}

// AddClient enqueues fd on the handoff ring and returns an error if the
// ring is saturated; the caller (the acceptor) owns deciding whether to
// retry or drop the connection.
func (w *Worker) AddClient(fd int) error {
	if !w.pending.Push(fd) {
		return fmt.Errorf("worker %d: handoff ring full", w.idx)
	}
	return nil
}

// Nudge wakes the worker so it notices a new handoff entry.
func (w *Worker) Nudge() error {
	return w.wakeup.Nudge()
}

// Close tears down the worker's reactor, which is what lets Run observe a
// fatal error and begin its shutdown path; it also nudges the worker in
// case it is parked in Wait with nothing else pending.
func (w *Worker) Close() {
	w.reactor.Close()
	w.wakeup.Nudge()
}

// Run is the worker's main loop. It must be called from its own goroutine
// and does not return until the reactor has been closed and every
// connection has been reaped.
func (w *Worker) Run() {
	w.startBarrier.ArriveAndWait()
	status.Debug("worker %d: started", w.idx)

	for {
		timeout := w.dq.WaitTimeoutMillis()
		n, err := w.reactor.Wait(timeout, w.events)
		if err != nil {
			if reactor.IsFatal(err) {
				break
			}
			status.Perror(fmt.Sprintf("worker %d: reactor wait", w.idx), err)
			continue
		}
		if n == 0 {
			w.dq.KillExpired(w.freeSlot)
			w.collectors.DeathQueueLength.Set(float64(w.dq.Len()))
			continue
		}

		w.dateCache.Refresh(time.Now())
		for i := 0; i < n; i++ {
			ev := w.events[i]
			if ev.IsWakeup {
				w.drainHandoff()
				continue
			}
			slot := w.table.Slot(ev.FD)
			if ev.HangUp {
				w.dq.Destroy(slot, w.freeSlot)
				continue
			}
			w.resumeIfNeeded(slot)
			if slot.Flags&connset.Alive != 0 {
				w.dq.MoveToTail(slot)
			}
		}
		w.collectors.DeathQueueLength.Set(float64(w.dq.Len()))
	}

	w.shutBarrier.ArriveAndWait()
	w.dq.KillAll(w.freeSlot)
	status.Debug("worker %d: shut down", w.idx)
}

// drainHandoff consumes the wakeup token and every descriptor currently
// sitting in the handoff ring, spawning a coroutine for each.
func (w *Worker) drainHandoff() {
	w.wakeup.Drain()
	w.collectors.HandoffQueueDepth.Set(float64(w.pending.Len()))
	w.pending.DrainAll(func(fd int) {
		slot := w.table.Reset(fd, w)
		if err := w.reactor.RegisterRead(fd); err != nil {
			status.Perror(fmt.Sprintf("worker %d: register connection", w.idx), err)
			unix.Close(fd)
			return
		}
		w.spawn(slot)
		w.resumeIfNeeded(slot)
		if slot.Flags&connset.Alive != 0 {
			w.dq.MoveToTail(slot)
		}
	})
}

func (w *Worker) spawn(slot *connset.Slot) {
	c := coro.New(w.switcher, w.requestEntry, slot)
	slot.Coro = c
	slot.Flags = connset.Alive | connset.ShouldResume
	slot.TimeToDie = w.dq.Time() + w.dq.KeepAliveTimeout()
	w.dq.Insert(slot)
}

// resumeIfNeeded resumes slot's coroutine, destroying it on abort, and
// otherwise reprograms the reactor's armed interest for it per the
// MUST_READ / ShouldResume rule: MUST_READ (or wanting to continue) arms
// read, anything else arms write.
func (w *Worker) resumeIfNeeded(slot *connset.Slot) {
	if slot.Owner != w {
		// Defensive: a slot is owned by exactly one worker at a time (spec
		// P2), transferred only by Table.Reset on handoff. Seeing a
		// mismatch here means an event was routed to a slot this worker
		// never took ownership of.
		status.Error("worker %d: fd %d resumed by non-owning worker", w.idx, slot.FD)
		return
	}

	result := coro.Resume(slot.Coro)
	w.collectors.ConnectionsResumed.Inc()
	if result < coro.MayResume {
		w.dq.Destroy(slot, w.freeSlot)
		return
	}

	armRead := slot.Flags&(connset.MustRead|connset.ShouldResume) != 0
	w.rearmIfNeeded(slot, !armRead)
}

func (w *Worker) rearmIfNeeded(slot *connset.Slot, targetWrite bool) {
	currentWrite := slot.Flags&connset.WriteEventsArmed != 0
	if currentWrite == targetWrite {
		return
	}
	if err := w.reactor.Rearm(slot.FD, targetWrite); err != nil {
		status.Perror(fmt.Sprintf("worker %d: rearm fd %d", w.idx, slot.FD), err)
		return
	}
	slot.Flags ^= connset.WriteEventsArmed
}

func (w *Worker) freeSlot(slot *connset.Slot) {
	if slot.Coro != nil {
		coro.Free(slot.Coro)
		slot.Coro = nil
	}
	if slot.Flags&connset.Alive != 0 {
		slot.Flags &^= connset.Alive
		w.reactor.Unregister(slot.FD)
		unix.Close(slot.FD)
		w.collectors.ConnectionsDestroyed.Inc()
	}
}

// requestEntry is the coroutine body driving one connection: repeatedly
// fill the read buffer until a full request is parseable, run it through
// the pipeline, write the response, and yield until the connection either
// has a pipelined request ready or needs to wait on the socket again.
func (w *Worker) requestEntry(c *coro.Coro) coro.Disposition {
	slot := c.Arg().(*connset.Slot)
	respBuf := &bytes.Buffer{}
	readBuf := make([]byte, w.readBufSize)
	n := 0

	c.Defer(func(arg interface{}) { arg.(*bytes.Buffer).Reset() }, respBuf)

	for {
		gen := c.DeferredGeneration()

		for {
			date := httpadapter.DateHeaders{Date: w.dateCache.Date, Expires: w.dateCache.Expires}
			carry := slot.Flags & (connset.Proxied | connset.CORSAllowed)
			rest, keepAlive, next, perr := w.pipeline(respBuf, readBuf[:n], date, carry)
			if perr == nil {
				consumed := n - len(rest)
				copy(readBuf, readBuf[consumed:n])
				n = len(rest)
				slot.Flags &^= (connset.KeepAlive | connset.Proxied | connset.CORSAllowed)
				slot.Flags |= next & (connset.Proxied | connset.CORSAllowed)
				if keepAlive {
					slot.Flags |= connset.KeepAlive
				}
				break
			}
			if perr != httpadapter.ErrIncomplete {
				c.DeferredRun(gen)
				return coro.Abort
			}
			if n == len(readBuf) {
				// Request too large for the fixed buffer: nothing more
				// can be read that would ever let it parse.
				c.DeferredRun(gen)
				return coro.Abort
			}

			slot.Flags |= connset.MustRead
			blocked, rerr := w.fillBuffer(slot, readBuf, &n)
			if rerr != nil {
				c.DeferredRun(gen)
				return coro.Abort
			}
			if blocked {
				c.Yield(coro.MayResume)
			}
		}

		slot.Flags &^= connset.MustRead
		if err := w.writeAll(c, slot, respBuf); err != nil {
			c.DeferredRun(gen)
			return coro.Abort
		}

		c.DeferredRun(gen)

		// Never self-abort here, even when the request was not keep-alive:
		// the coroutine always yields and leaves closure to the death
		// queue, exactly like process_request_coro's unconditional
		// coro_yield(coro, CONN_CORO_MAY_RESUME). A non-keep-alive
		// connection is reaped by the next kill_expired sweep reaching its
		// time_to_die, or sooner by a peer hangup event, never by the
		// coroutine tearing itself down mid-cycle.
		slot.Flags |= connset.ShouldResume
		c.Yield(coro.MayResume)
		respBuf.Reset()
	}
}

// fillBuffer attempts one read into buf[*n:]. blocked is true when the
// socket returned EAGAIN, meaning the caller has drained everything
// currently available and must yield until the next edge-triggered
// readability notification.
func (w *Worker) fillBuffer(slot *connset.Slot, buf []byte, n *int) (blocked bool, err error) {
	nr, rerr := unix.Read(slot.FD, buf[*n:])
	if rerr != nil {
		if rerr == unix.EAGAIN {
			return true, nil
		}
		if rerr == unix.EINTR {
			return false, nil
		}
		return false, rerr
	}
	if nr == 0 {
		return false, io.EOF
	}
	*n += nr
	return false, nil
}

// writeAll drains buf to the socket, yielding (with ShouldResume and
// MustRead both cleared, signalling write-wait per the reactor's arm
// inference rule) whenever the write would block.
func (w *Worker) writeAll(c *coro.Coro, slot *connset.Slot, buf *bytes.Buffer) error {
	b := buf.Bytes()
	off := 0
	for off < len(b) {
		nw, err := unix.Write(slot.FD, b[off:])
		if err != nil {
			if err == unix.EAGAIN {
				slot.Flags &^= (connset.ShouldResume | connset.MustRead)
				c.Yield(coro.MayResume)
				continue
			}
			if err == unix.EINTR {
				continue
			}
			return err
		}
		off += nw
	}
	return nil
}
