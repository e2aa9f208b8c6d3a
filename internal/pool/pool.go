// Package pool caches warm sandbox instances across requests, keyed by
// function, bounded by a host-wide idle budget with LRU eviction.
package pool

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wasmgate/wasmgate/internal/config"
	"github.com/wasmgate/wasmgate/internal/sandbox"
)

// ErrClosed is returned by Checkout after the pool shut down.
var ErrClosed = errors.New("pool: closed")

// Instance is a pooled sandbox instance plus bookkeeping. While idle it
// is owned by the pool; while checked out it belongs to exactly one
// request.
type Instance struct {
	sandbox.Instance

	FunctionID string
	Version    string
	CreatedAt  time.Time
	LastUsedAt time.Time
	Calls      int64

	generation uint64
}

// Stats is a snapshot of pool effectiveness counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Idle   int
}

// Pool owns the idle instance set. Checkout atomically removes an
// instance before returning it, so no instance is ever handed to two
// callers.
type Pool struct {
	engine sandbox.Engine

	mu          sync.Mutex
	idle        *list.List // *Instance; front = most recently used
	generations map[string]uint64
	hits        uint64
	misses      uint64
	closing     bool

	maxIdle          int
	idleTimeout      time.Duration
	evictionInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a pool backed by the given sandbox engine.
func New(engine sandbox.Engine, cfg config.PoolConfig) *Pool {
	return &Pool{
		engine:           engine,
		idle:             list.New(),
		generations:      make(map[string]uint64),
		maxIdle:          cfg.MaxIdle,
		idleTimeout:      cfg.IdleTimeout,
		evictionInterval: cfg.EvictionInterval,
	}
}

// Start launches the periodic idle sweep.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.evictionInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.sweepIdle(ctx)
			}
		}
	}()
}

// ArtifactFunc loads the artifact bytes for a cold start. It is only
// invoked on a pool miss, so warm checkouts never touch blob storage.
type ArtifactFunc func(ctx context.Context) (*sandbox.Artifact, error)

// Checkout returns a warm instance of the given function version when
// one is idle, instantiating a cold one otherwise. The returned bool
// is true on the warm path.
func (p *Pool) Checkout(ctx context.Context, functionID, version string, fetch ArtifactFunc) (*Instance, bool, error) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil, false, ErrClosed
	}

	for elem := p.idle.Front(); elem != nil; elem = elem.Next() {
		inst := elem.Value.(*Instance)
		if inst.FunctionID == functionID && inst.Version == version {
			p.idle.Remove(elem)
			p.hits++
			p.mu.Unlock()
			return inst, true, nil
		}
	}
	gen := p.generations[functionID]
	p.misses++
	p.mu.Unlock()

	art, err := fetch(ctx)
	if err != nil {
		return nil, false, err
	}

	raw, err := p.engine.Instantiate(ctx, art)
	if err != nil {
		return nil, false, err
	}

	now := time.Now()
	return &Instance{
		Instance:   raw,
		FunctionID: functionID,
		Version:    art.Version,
		CreatedAt:  now,
		LastUsedAt: now,
		generation: gen,
	}, false, nil
}

// Checkin returns an instance to the idle set. Unhealthy instances and
// instances invalidated while executing are destroyed instead. The
// oldest idle instance is evicted when the idle budget is exceeded.
func (p *Pool) Checkin(ctx context.Context, inst *Instance, healthy bool) {
	if !healthy {
		p.destroy(ctx, inst, "unhealthy")
		return
	}

	inst.LastUsedAt = time.Now()
	inst.Calls++

	var evicted []*Instance

	p.mu.Lock()
	if p.closing || p.generations[inst.FunctionID] != inst.generation {
		p.mu.Unlock()
		p.destroy(ctx, inst, "stale")
		return
	}

	p.idle.PushFront(inst)
	for p.maxIdle >= 0 && p.idle.Len() > p.maxIdle {
		back := p.idle.Back()
		p.idle.Remove(back)
		evicted = append(evicted, back.Value.(*Instance))
	}
	p.mu.Unlock()

	for _, e := range evicted {
		p.destroy(ctx, e, "lru")
	}
}

// Invalidate destroys all idle instances of a function and marks
// checked-out ones for destruction on checkin. Called on redeploy and
// delete.
func (p *Pool) Invalidate(functionID string) {
	ctx := context.Background()
	var stale []*Instance

	p.mu.Lock()
	p.generations[functionID]++
	for elem := p.idle.Front(); elem != nil; {
		next := elem.Next()
		inst := elem.Value.(*Instance)
		if inst.FunctionID == functionID {
			p.idle.Remove(elem)
			stale = append(stale, inst)
		}
		elem = next
	}
	p.mu.Unlock()

	for _, inst := range stale {
		p.destroy(ctx, inst, "invalidated")
	}
}

// sweepIdle destroys instances idle longer than the idle timeout.
func (p *Pool) sweepIdle(ctx context.Context) {
	if p.idleTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.idleTimeout)
	var expired []*Instance

	p.mu.Lock()
	for elem := p.idle.Back(); elem != nil; {
		inst := elem.Value.(*Instance)
		if inst.LastUsedAt.After(cutoff) {
			// List is LRU ordered; everything further forward is newer
			break
		}
		prev := elem.Prev()
		p.idle.Remove(elem)
		expired = append(expired, inst)
		elem = prev
	}
	p.mu.Unlock()

	for _, inst := range expired {
		p.destroy(ctx, inst, "idle")
	}
}

// Stats returns a snapshot of hit/miss counters and the idle count.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Hits: p.hits, Misses: p.misses, Idle: p.idle.Len()}
}

// IdleFor returns how many idle instances a function has pooled.
func (p *Pool) IdleFor(functionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for elem := p.idle.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*Instance).FunctionID == functionID {
			count++
		}
	}
	return count
}

// Close destroys all idle instances and stops the sweep loop. In-flight
// instances are destroyed when checked in.
func (p *Pool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return
	}
	p.closing = true
	var all []*Instance
	for elem := p.idle.Front(); elem != nil; elem = elem.Next() {
		all = append(all, elem.Value.(*Instance))
	}
	p.idle.Init()
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	for _, inst := range all {
		p.destroy(ctx, inst, "shutdown")
	}
}

func (p *Pool) destroy(ctx context.Context, inst *Instance, reason string) {
	if err := inst.Close(ctx); err != nil {
		log.Warn().
			Err(err).
			Str("function", inst.FunctionID).
			Str("reason", reason).
			Msg("Failed to close instance")
		return
	}
	log.Debug().
		Str("function", inst.FunctionID).
		Str("version", inst.Version).
		Str("reason", reason).
		Int64("calls", inst.Calls).
		Msg("Destroyed instance")
}
