// Package admission bounds concurrent function executions per function
// and host-wide, applying backpressure with a bounded wait queue.
package admission

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wasmgate/wasmgate/internal/config"
)

var (
	// ErrFunctionSaturated means the function's concurrency limit and
	// wait queue are exhausted. Maps to 429.
	ErrFunctionSaturated = errors.New("admission: function concurrency limit reached")

	// ErrHostSaturated means the host-wide execution limit is reached.
	// Maps to 503.
	ErrHostSaturated = errors.New("admission: host saturated")
)

// Ticket is one unit of admitted concurrency. Release is safe to call
// more than once; only the first call returns the slot.
type Ticket struct {
	once       sync.Once
	controller *Controller
	functionID string
}

// FunctionID returns the function this ticket admits.
func (t *Ticket) FunctionID() string {
	return t.functionID
}

// Release returns the concurrency slot. Must be called on every exit
// path of a request.
func (t *Ticket) Release() {
	t.once.Do(func() {
		t.controller.release(t.functionID)
	})
}

type waiter struct {
	ready     chan struct{}
	granted   bool
	abandoned bool
}

type slot struct {
	active  int
	limit   int
	waiters *list.List
}

// Controller tracks per-function and global in-flight execution counts.
// All mutations happen under one mutex so admission checks are never
// interleaved with releases.
type Controller struct {
	mu        sync.Mutex
	functions map[string]*slot
	global    int

	globalLimit  int
	defaultLimit int
	waitTimeout  time.Duration
	queueDepth   int
}

// New creates a controller from configuration.
func New(cfg config.AdmissionConfig) *Controller {
	return &Controller{
		functions:    make(map[string]*slot),
		globalLimit:  cfg.GlobalLimit,
		defaultLimit: cfg.FunctionLimit,
		waitTimeout:  cfg.WaitTimeout,
		queueDepth:   cfg.QueueDepth,
	}
}

// Acquire reserves one execution slot for functionID. limit is the
// function's declared concurrency cap; zero means the configured
// default. Acquire waits up to the configured timeout when the function
// is at its limit but the wait queue has room, and rejects immediately
// otherwise.
func (c *Controller) Acquire(ctx context.Context, functionID string, limit int) (*Ticket, error) {
	if limit <= 0 {
		limit = c.defaultLimit
	}

	c.mu.Lock()

	s, ok := c.functions[functionID]
	if !ok {
		s = &slot{waiters: list.New()}
		c.functions[functionID] = s
	}
	// Redeploys may change the declared limit
	s.limit = limit

	if s.active < s.limit {
		if c.global >= c.globalLimit {
			c.mu.Unlock()
			return nil, ErrHostSaturated
		}
		s.active++
		c.global++
		c.mu.Unlock()
		return &Ticket{controller: c, functionID: functionID}, nil
	}

	if s.waiters.Len() >= c.queueDepth || c.waitTimeout <= 0 {
		c.mu.Unlock()
		return nil, ErrFunctionSaturated
	}

	w := &waiter{ready: make(chan struct{})}
	elem := s.waiters.PushBack(w)
	c.mu.Unlock()

	timer := time.NewTimer(c.waitTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		// Slot was transferred by a releasing request; the counters
		// already account for us.
		return &Ticket{controller: c, functionID: functionID}, nil
	case <-timer.C:
		if c.abandonWaiter(functionID, elem, w) {
			return nil, ErrFunctionSaturated
		}
		// Grant raced the timeout; the slot is ours after all.
		return &Ticket{controller: c, functionID: functionID}, nil
	case <-ctx.Done():
		if c.abandonWaiter(functionID, elem, w) {
			return nil, ctx.Err()
		}
		t := &Ticket{controller: c, functionID: functionID}
		t.Release()
		return nil, ctx.Err()
	}
}

// abandonWaiter removes w from the queue. Returns false when a grant
// already happened, in which case the caller owns a slot.
func (c *Controller) abandonWaiter(functionID string, elem *list.Element, w *waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w.granted {
		return false
	}
	w.abandoned = true
	if s, ok := c.functions[functionID]; ok {
		s.waiters.Remove(elem)
	}
	return true
}

// release returns a slot, transferring it to the oldest live waiter of
// the same function when one exists.
func (c *Controller) release(functionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.functions[functionID]
	if !ok {
		return
	}

	// Hand the slot to the next waiter; counters stay unchanged since
	// one admitted execution replaces another. Skipped when the limit
	// shrank below the in-flight count on a redeploy.
	for s.active <= s.limit && s.waiters.Len() > 0 {
		elem := s.waiters.Front()
		w := elem.Value.(*waiter)
		s.waiters.Remove(elem)
		if w.abandoned {
			continue
		}
		w.granted = true
		close(w.ready)
		return
	}

	s.active--
	c.global--

	if s.active == 0 && s.waiters.Len() == 0 {
		delete(c.functions, functionID)
	}
}

// InFlight returns the current in-flight count for a function.
func (c *Controller) InFlight(functionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.functions[functionID]; ok {
		return s.active
	}
	return 0
}

// GlobalInFlight returns the host-wide in-flight count.
func (c *Controller) GlobalInFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.global
}
