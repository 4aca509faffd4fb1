// Package coro emulates a stackful coroutine on top of a parked goroutine
// and a pair of unbuffered channels, following the suspend/resume protocol
// of tcard/coro: Resume blocks the caller until the coroutine yields or
// returns; Yield blocks the coroutine until the next Resume. Go has no
// native stackful-coroutine primitive, so a blocked goroutine stands in for
// a suspended stack.
package coro

import "sync"

// Disposition is the value a coroutine hands back to its resumer on yield
// or completion.
type Disposition int

const (
	// Abort means the coroutine is finished and must be torn down; any
	// value less than MayResume is treated as abort.
	Abort Disposition = -1
	// MayResume means the coroutine yielded voluntarily and wants to be
	// resumed again once its connection becomes ready.
	MayResume Disposition = 0
)

// EntryFunc is the body of a coroutine. It is expected to loop, calling
// Yield at each suspension point, and only return when there is nothing
// left to do for its connection.
type EntryFunc func(c *Coro) Disposition

type deferredHook struct {
	fn  func(arg interface{})
	arg interface{}
}

type chanPair struct {
	resume chan struct{}
	yield  chan struct{}
}

// Switcher is a per-worker pool of reusable resume/yield channel pairs.
// Since only one coroutine runs at a time within a worker, a finished
// coroutine's channels can be handed to the next one instead of allocating
// fresh ones, keeping coroutine spawn allocation-light.
type Switcher struct {
	mu   sync.Mutex
	free []chanPair
}

// NewSwitcher returns an empty Switcher; pairs are allocated lazily.
func NewSwitcher() *Switcher { return &Switcher{} }

func (s *Switcher) acquire() chanPair {
	s.mu.Lock()
	if n := len(s.free); n > 0 {
		p := s.free[n-1]
		s.free = s.free[:n-1]
		s.mu.Unlock()
		return p
	}
	s.mu.Unlock()
	return chanPair{resume: make(chan struct{}), yield: make(chan struct{})}
}

func (s *Switcher) release(p chanPair) {
	s.mu.Lock()
	s.free = append(s.free, p)
	s.mu.Unlock()
}

// killSignal unwinds a coroutine's goroutine when Free is called while it
// is still suspended.
type killSignal struct{}

// Coro is a single coroutine instance bound to one connection's lifetime.
type Coro struct {
	switcher *Switcher
	pair     chanPair
	kill     chan struct{}
	arg      interface{}
	result   Disposition
	deferred []deferredHook
	dead     bool
}

// New spawns a coroutine running entry, parked immediately waiting for the
// first Resume. arg is made available to entry via (*Coro).Arg.
func New(switcher *Switcher, entry EntryFunc, arg interface{}) *Coro {
	c := &Coro{
		switcher: switcher,
		pair:     switcher.acquire(),
		kill:     make(chan struct{}),
		arg:      arg,
	}
	go c.run(entry)
	return c
}

func (c *Coro) run(entry EntryFunc) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(killSignal); !ok {
				panic(r)
			}
			c.result = Abort
		}
		c.runDeferred(0)
		close(c.pair.yield)
	}()

	select {
	case <-c.pair.resume:
	case <-c.kill:
		panic(killSignal{})
	}
	c.result = entry(c)
}

// Arg returns the value passed to New.
func (c *Coro) Arg() interface{} { return c.arg }

// Yield suspends the calling coroutine, handing d back to whoever is
// blocked in Resume, until the next Resume call.
func (c *Coro) Yield(d Disposition) {
	c.result = d
	select {
	case c.pair.yield <- struct{}{}:
	case <-c.kill:
		panic(killSignal{})
	}
	select {
	case <-c.pair.resume:
	case <-c.kill:
		panic(killSignal{})
	}
}

// Defer registers a cleanup hook to run, in LIFO order together with any
// hooks registered after it, the next time DeferredRun or Free reaches its
// generation.
func (c *Coro) Defer(fn func(arg interface{}), arg interface{}) {
	c.deferred = append(c.deferred, deferredHook{fn: fn, arg: arg})
}

// DeferredGeneration returns a mark that can later be passed to DeferredRun
// to run only hooks registered since this call.
func (c *Coro) DeferredGeneration() int { return len(c.deferred) }

// DeferredRun runs, in LIFO order, every hook registered since generation,
// then forgets them. Called once per request iteration so per-request
// cleanup does not wait for the whole coroutine to be freed.
func (c *Coro) DeferredRun(generation int) {
	c.runDeferred(generation)
}

func (c *Coro) runDeferred(generation int) {
	for i := len(c.deferred) - 1; i >= generation; i-- {
		h := c.deferred[i]
		h.fn(h.arg)
	}
	c.deferred = c.deferred[:generation]
}

// Resume transfers control to c and blocks until it yields or finishes,
// returning the disposition it yielded, or Abort if it finished or was
// never resumable.
func Resume(c *Coro) Disposition {
	if c.dead {
		return Abort
	}
	c.pair.resume <- struct{}{}
	_, ok := <-c.pair.yield
	if !ok {
		c.dead = true
		return Abort
	}
	return c.result
}

// Free tears down c, killing it if it is still suspended, and returns its
// channel pair to the switcher for reuse.
func Free(c *Coro) {
	if !c.dead {
		close(c.kill)
		<-c.pair.yield
		c.dead = true
	}
	// A finished coroutine has closed its yield channel, so the pair goes
	// back to the switcher with a fresh one.
	c.pair.yield = make(chan struct{})
	c.switcher.release(c.pair)
}
