package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wasmgate/wasmgate/internal/admission"
	"github.com/wasmgate/wasmgate/internal/auth"
	"github.com/wasmgate/wasmgate/internal/config"
	"github.com/wasmgate/wasmgate/internal/invocations"
	"github.com/wasmgate/wasmgate/internal/pool"
	"github.com/wasmgate/wasmgate/internal/registry"
)

// Server runs the two gateway listeners: function traffic on
// subdomains of the base domain, and the deploy API on the admin port.
type Server struct {
	cfg        *config.Config
	router     *Router
	dispatcher *Dispatcher

	trafficServer *http.Server
	adminServer   *http.Server

	pool *pool.Pool
	mu   sync.Mutex
}

// New wires the gateway from its parts. The registry's invalidation
// hook keeps the router and pool coherent with deploys.
func New(
	cfg *config.Config,
	reg *registry.Service,
	adm *admission.Controller,
	p *pool.Pool,
	invLog *invocations.Store,
	authenticator auth.Authenticator,
) *Server {
	router := NewRouter(reg, cfg.Server.BaseDomain, cfg.Registry.RouteRefresh)
	dispatcher := NewDispatcher(reg, adm, p, invLog, cfg)
	admin := NewAdmin(reg, invLog, authenticator)

	s := &Server{
		cfg:        cfg,
		router:     router,
		dispatcher: dispatcher,
		pool:       p,
	}

	reg.Subscribe(func(functionID string) {
		router.Invalidate(functionID)
		p.Invalidate(functionID)
	})

	s.trafficServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      chain(http.HandlerFunc(s.serveTraffic), RecoveryMiddleware, RequestIDMiddleware, LoggingMiddleware),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	s.adminServer = &http.Server{
		Addr:         cfg.Server.AdminAddress(),
		Handler:      admin.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return s
}

// serveTraffic routes by Host header. Unknown subdomains, the apex
// domain, and foreign hosts all get the same 404.
func (s *Server) serveTraffic(w http.ResponseWriter, r *http.Request) {
	functionID, ok := s.router.Resolve(r.Context(), r.Host)
	if !ok {
		writeError(w, http.StatusNotFound, "function not found")
		return
	}

	s.dispatcher.Dispatch(w, r, functionID)
}

// Start begins serving on both listeners. It blocks until the context
// is canceled or a listener fails, and in either case drains both
// listeners and closes the pool before returning.
func (s *Server) Start(ctx context.Context) error {
	if err := s.router.Start(ctx); err != nil {
		return err
	}
	s.pool.Start(ctx)

	errCh := make(chan error, 2)

	go func() {
		log.Info().
			Str("addr", s.trafficServer.Addr).
			Str("base_domain", s.cfg.Server.BaseDomain).
			Msg("Traffic listener started")
		if err := s.trafficServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go func() {
		log.Info().Str("addr", s.adminServer.Addr).Msg("Admin listener started")
		if err := s.adminServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var startErr error
	select {
	case startErr = <-errCh:
	case <-ctx.Done():
	}

	// Drain before returning so the process cannot exit with requests
	// still in flight or instances still pooled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	if err := s.Shutdown(shutdownCtx); startErr == nil {
		startErr = err
	}
	return startErr
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.Server.ShutdownTimeout > 0 {
		return s.cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}

// Shutdown drains both listeners, then destroys pooled instances.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log.Info().Msg("Shutting down gateway")

	var firstErr error
	if err := s.trafficServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.adminServer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	s.router.Stop()
	s.pool.Close(ctx)

	return firstErr
}
