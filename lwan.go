// Package lwan is the process-level entry point: it owns a fixed pool of
// workers, a round-robin acceptor-facing API for handing off newly accepted
// connections, and the startup/shutdown barrier synchronization tying every
// worker's lifecycle together. The reactor, death queue, and coroutine
// runtime that actually drive a connection all live one layer down in
// worker.Worker; this package is wiring, grounded on gaio's own
// Watcher/loop split (one public façade, N independent single-goroutine
// loops underneath).
package lwan

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/xtaci/lwan/httpadapter"
	"github.com/xtaci/lwan/internal/connset"
	"github.com/xtaci/lwan/internal/metrics"
	"github.com/xtaci/lwan/internal/rendezvous"
	"github.com/xtaci/lwan/internal/status"
	"github.com/xtaci/lwan/worker"
)

// ProcessRequestFunc is the pluggable request pipeline every worker drives;
// httpadapter.Mux.ProcessRequest is the concrete implementation shipped with
// this module, but any function with this signature can be substituted.
type ProcessRequestFunc = httpadapter.ProcessRequestFunc

// Config configures the worker pool as a whole; each worker gets its own
// copy of the per-connection tunables.
type Config struct {
	// WorkerCount is how many reactor threads to run. Defaults to 1 if <= 0.
	WorkerCount int

	// MaxConns sizes each worker's fd-indexed connection table and handoff
	// ring, so it bounds the descriptor numbers a worker can take.
	// Defaults to the process's RLIMIT_NOFILE soft limit (or 4096 if the
	// limit cannot be read).
	MaxConns int

	// KeepAliveTimeout is the coarse keep-alive idle timeout, rounded up to
	// the nearest second tick the death queue operates on. Defaults to 15s.
	KeepAliveTimeout time.Duration

	// ExpiresOffset is how far in the future the date cache's Expires
	// header should point. Defaults to 0 (no Expires header offset).
	ExpiresOffset time.Duration

	// ReadBufferSize is the fixed per-connection request buffer size.
	// Defaults to 4096.
	ReadBufferSize int

	// MaxEvents bounds how many readiness events a single reactor Wait call
	// can return. Defaults to 256.
	MaxEvents int
}

func (cfg Config) withDefaults() Config {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = connset.DefaultCapacity()
		if cfg.MaxConns <= 0 {
			cfg.MaxConns = 4096
		}
	}
	if cfg.KeepAliveTimeout <= 0 {
		cfg.KeepAliveTimeout = 15 * time.Second
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = 4096
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 256
	}
	return cfg
}

// Pool is a fixed set of workers sharing one metrics registry, started and
// stopped together via a pair of rendezvous barriers.
type Pool struct {
	cfg     Config
	workers []*worker.Worker
	metrics *metrics.Pool

	startBarrier *rendezvous.Barrier
	shutBarrier  *rendezvous.Barrier

	next    atomic.Uint64
	wg      sync.WaitGroup
	started bool
	closed  atomic.Bool
}

// NewPool builds every worker but does not start any of them; call Start to
// begin serving.
func NewPool(cfg Config, pipeline ProcessRequestFunc) (*Pool, error) {
	cfg = cfg.withDefaults()

	mp := metrics.NewPool()
	startBarrier := rendezvous.NewBarrier(cfg.WorkerCount)
	shutBarrier := rendezvous.NewBarrier(cfg.WorkerCount)

	p := &Pool{
		cfg:          cfg,
		metrics:      mp,
		startBarrier: startBarrier,
		shutBarrier:  shutBarrier,
		workers:      make([]*worker.Worker, cfg.WorkerCount),
	}

	keepAliveTicks := uint32((cfg.KeepAliveTimeout + time.Second - 1) / time.Second)
	if keepAliveTicks == 0 {
		keepAliveTicks = 1
	}

	for i := 0; i < cfg.WorkerCount; i++ {
		w, err := worker.New(worker.Config{
			Index:                 i,
			MaxFD:                 cfg.MaxConns,
			KeepAliveTimeoutTicks: keepAliveTicks,
			ExpiresOffset:         cfg.ExpiresOffset,
			ReadBufferSize:        cfg.ReadBufferSize,
			MaxEvents:             cfg.MaxEvents,
			HandoffQueueSize:      cfg.MaxConns,
			Pipeline:              pipeline,
		}, startBarrier, shutBarrier, mp)
		if err != nil {
			for _, built := range p.workers[:i] {
				built.Close()
			}
			return nil, fmt.Errorf("lwan: build worker %d: %w", i, err)
		}
		p.workers[i] = w
	}
	return p, nil
}

// Metrics returns the pool's prometheus collector registry binding; callers
// register it with their own prometheus.Registry to expose it.
func (p *Pool) Metrics() *metrics.Pool { return p.metrics }

// Start launches every worker's Run loop on its own goroutine and blocks
// until they have all reached the startup barrier (i.e. are ready to accept
// handoffs), or ctx is done first.
func (p *Pool) Start(ctx context.Context) error {
	ready := make(chan struct{})
	for _, w := range p.workers {
		w := w
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.Run()
		}()
	}
	go func() {
		p.startBarrier.CoordinatorWait()
		close(ready)
	}()

	select {
	case <-ready:
		p.started = true
		status.Info("lwan: pool started with %d workers", len(p.workers))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown closes every worker's reactor (which unblocks its Run loop),
// waits for every worker to drain its remaining connections via the kill-all
// path, and returns once all worker goroutines have exited or ctx expires
// first.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, w := range p.workers {
		w.Close()
	}
	go p.shutBarrier.CoordinatorWait()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		status.Info("lwan: pool shut down")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddClient hands conn off to one worker, chosen round-robin, duplicating
// its underlying file descriptor first so the worker owns a syscall-level
// descriptor independent of conn's lifetime, then closing conn itself —
// the same dup-then-release dance as gaio's handlePending/releaseConn, just
// performed once up front instead of lazily on first use.
func (p *Pool) AddClient(conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		conn.Close()
		return fmt.Errorf("lwan: connection type %T does not expose a raw fd", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		conn.Close()
		return fmt.Errorf("lwan: SyscallConn: %w", err)
	}

	var dupfd int
	var dupErr error
	if err := raw.Control(func(fd uintptr) {
		dupfd, dupErr = unix.Dup(int(fd))
	}); err != nil {
		conn.Close()
		return fmt.Errorf("lwan: Control: %w", err)
	}
	if dupErr != nil {
		conn.Close()
		return fmt.Errorf("lwan: dup fd: %w", dupErr)
	}

	// Safe to close the original now that the worker holds an independent
	// descriptor referring to the same underlying socket.
	conn.Close()

	if err := unix.SetNonblock(dupfd, true); err != nil {
		unix.Close(dupfd)
		return fmt.Errorf("lwan: set nonblocking: %w", err)
	}

	idx := p.next.Add(1) % uint64(len(p.workers))
	w := p.workers[idx]
	if err := w.AddClient(dupfd); err != nil {
		unix.Close(dupfd)
		return err
	}
	return w.Nudge()
}

// Nudge wakes workerIdx's reactor out of Wait, even if nothing is pending.
// The wakeup arrives as an event and is handled as a handoff drain, so it
// does not advance the death queue's tick.
func (p *Pool) Nudge(workerIdx int) error {
	if workerIdx < 0 || workerIdx >= len(p.workers) {
		return fmt.Errorf("lwan: worker index %d out of range", workerIdx)
	}
	return p.workers[workerIdx].Nudge()
}
