// Package gateway serves function traffic on subdomains of the base
// domain and the deploy API on a separate admin listener.
package gateway

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wasmgate/wasmgate/internal/registry"
)

// RouteSource supplies the set of routable function IDs.
type RouteSource interface {
	Routes(ctx context.Context) (map[string]string, error)
	Get(ctx context.Context, id string) (*registry.Function, error)
}

// Router maps request Host headers to function IDs. The route table is
// cached and refreshed periodically; deploys and deletes invalidate it
// immediately through the registry's subscription hook.
type Router struct {
	source     RouteSource
	baseDomain string
	refresh    time.Duration

	mu     sync.RWMutex
	routes map[string]string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter creates a router for subdomains of baseDomain.
func NewRouter(source RouteSource, baseDomain string, refresh time.Duration) *Router {
	return &Router{
		source:     source,
		baseDomain: strings.ToLower(baseDomain),
		refresh:    refresh,
		routes:     make(map[string]string),
	}
}

// Start loads the route table and begins periodic refresh.
func (r *Router) Start(ctx context.Context) error {
	if err := r.Refresh(ctx); err != nil {
		return err
	}

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.refresh)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Warn().Err(err).Msg("Route refresh failed")
				}
			}
		}
	}()

	return nil
}

// Stop halts the refresh loop.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Refresh replaces the cached route table with the registry's current
// one.
func (r *Router) Refresh(ctx context.Context) error {
	routes, err := r.source.Routes(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.routes = routes
	r.mu.Unlock()
	return nil
}

// Invalidate drops a single route. The next request for it falls
// through to an authoritative registry lookup.
func (r *Router) Invalidate(functionID string) {
	r.mu.Lock()
	delete(r.routes, functionID)
	r.mu.Unlock()
}

// Resolve maps a request Host to a function ID. Matching is
// case-insensitive and ignores any port. Hosts outside the base
// domain, apex requests, and nested subdomains do not resolve.
func (r *Router) Resolve(ctx context.Context, host string) (string, bool) {
	label, ok := r.subdomainLabel(host)
	if !ok {
		return "", false
	}

	r.mu.RLock()
	id, ok := r.routes[label]
	r.mu.RUnlock()
	if ok {
		return id, true
	}

	// Cache miss. A function deployed since the last refresh must be
	// routable immediately, so fall through to the registry.
	fn, err := r.source.Get(ctx, label)
	if err != nil && !errors.Is(err, registry.ErrFunctionNotFound) && ctx.Err() == nil {
		fn, err = r.source.Get(ctx, label)
	}
	if err != nil {
		return "", false
	}

	r.mu.Lock()
	r.routes[fn.ID] = fn.ID
	r.mu.Unlock()
	return fn.ID, true
}

func (r *Router) subdomainLabel(host string) (string, bool) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	suffix := "." + r.baseDomain
	if !strings.HasSuffix(host, suffix) {
		return "", false
	}

	label := strings.TrimSuffix(host, suffix)
	if label == "" || strings.Contains(label, ".") {
		return "", false
	}
	return label, true
}
