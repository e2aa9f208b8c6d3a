package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wasmgate/wasmgate/internal/admission"
	"github.com/wasmgate/wasmgate/internal/config"
	"github.com/wasmgate/wasmgate/internal/invocations"
	"github.com/wasmgate/wasmgate/internal/metrics"
	"github.com/wasmgate/wasmgate/internal/pool"
	"github.com/wasmgate/wasmgate/internal/registry"
	"github.com/wasmgate/wasmgate/internal/requestctx"
	"github.com/wasmgate/wasmgate/internal/sandbox"
)

// Dispatcher drives one function invocation: resolve metadata, admit,
// check out an instance, execute, and return the instance to the pool.
// Guest failures map to generic status codes; diagnostics stay in the
// logs and never reach the caller.
type Dispatcher struct {
	registry  *registry.Service
	admission *admission.Controller
	pool      *pool.Pool
	log       *invocations.Store

	deadline    time.Duration
	maxBodySize int64
}

// NewDispatcher wires the invocation pipeline. The invocation store
// may be nil to disable logging to the database.
func NewDispatcher(
	reg *registry.Service,
	adm *admission.Controller,
	p *pool.Pool,
	invLog *invocations.Store,
	cfg *config.Config,
) *Dispatcher {
	return &Dispatcher{
		registry:    reg,
		admission:   adm,
		pool:        p,
		log:         invLog,
		deadline:    cfg.Sandbox.Deadline,
		maxBodySize: cfg.Server.MaxBodySize,
	}
}

// Dispatch executes the request against the named function and writes
// the response.
func (d *Dispatcher) Dispatch(w http.ResponseWriter, r *http.Request, functionID string) {
	ctx := requestctx.WithFunctionID(r.Context(), functionID)
	started := time.Now()

	fn, err := d.registry.Get(ctx, functionID)
	if err != nil {
		if errors.Is(err, registry.ErrFunctionNotFound) {
			writeError(w, http.StatusNotFound, "function not found")
			return
		}
		log.Error().Err(err).Str("function", functionID).Msg("Registry lookup failed")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// Read the body before taking a concurrency slot or an instance so
	// oversized or slow uploads cannot hold either.
	req, err := d.buildRequest(r)
	if err != nil {
		d.record(r, fn.ID, started, http.StatusRequestEntityTooLarge, invocations.OutcomeError, false)
		metrics.RecordInvocation(fn.ID, http.StatusRequestEntityTooLarge, false, time.Since(started))
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	ticket, err := d.admission.Acquire(ctx, fn.ID, fn.Limits.MaxConcurrency)
	if err != nil {
		d.rejectRequest(w, r, fn.ID, started, err)
		return
	}
	defer ticket.Release()

	metrics.IncrementInFlight()
	defer metrics.DecrementInFlight()

	inst, warm, err := d.pool.Checkout(ctx, fn.ID, fn.Version, func(ctx context.Context) (*sandbox.Artifact, error) {
		return d.registry.Artifact(ctx, fn.ID)
	})
	if err != nil {
		log.Error().Err(err).Str("function", fn.ID).Msg("Instance checkout failed")
		d.record(r, fn.ID, started, http.StatusInternalServerError, invocations.OutcomeError, false)
		metrics.RecordInvocation(fn.ID, http.StatusInternalServerError, true, time.Since(started))
		writeError(w, http.StatusInternalServerError, "function unavailable")
		return
	}
	metrics.RecordCheckout(warm)

	deadline := fn.Limits.Timeout
	if deadline <= 0 {
		deadline = d.deadline
	}
	callCtx, cancel := context.WithTimeout(ctx, deadline)
	resp, err := inst.Handle(callCtx, req)
	cancel()

	if err != nil {
		// The instance ran guest code that failed; its internal state
		// is untrusted and it must not serve another request.
		d.pool.Checkin(ctx, inst, false)
		d.failRequest(w, r, fn.ID, started, warm, err)
		return
	}
	d.pool.Checkin(ctx, inst, true)
	metrics.UpdatePoolIdle(d.pool.Stats().Idle)

	status := d.writeResponse(w, resp)
	metrics.RecordInvocation(fn.ID, status, !warm, time.Since(started))
	d.record(r, fn.ID, started, status, invocations.OutcomeOK, !warm)
}

func (d *Dispatcher) rejectRequest(w http.ResponseWriter, r *http.Request, functionID string, started time.Time, err error) {
	status := http.StatusServiceUnavailable
	message := "request canceled"

	switch {
	case errors.Is(err, admission.ErrFunctionSaturated):
		metrics.RecordRejection("function_saturated")
		w.Header().Set("Retry-After", "1")
		status = http.StatusTooManyRequests
		message = "function is at capacity"
	case errors.Is(err, admission.ErrHostSaturated):
		metrics.RecordRejection("host_saturated")
		w.Header().Set("Retry-After", "1")
		message = "server is at capacity"
	default:
		// Client went away while queued
	}

	d.record(r, functionID, started, status, invocations.OutcomeRejected, false)
	metrics.RecordInvocation(functionID, status, false, time.Since(started))
	writeError(w, status, message)
}

func (d *Dispatcher) failRequest(w http.ResponseWriter, r *http.Request, functionID string, started time.Time, warm bool, err error) {
	status := http.StatusInternalServerError
	message := "internal error"
	outcome := invocations.OutcomeError

	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		metrics.RecordTrap(functionID, "timeout")
		log.Warn().Str("function", functionID).Dur("elapsed", time.Since(started)).Msg("Function timed out")
		status = http.StatusGatewayTimeout
		message = "function timed out"
		outcome = invocations.OutcomeTimeout
	case errors.Is(err, sandbox.ErrTrap):
		metrics.RecordTrap(functionID, "trap")
		log.Warn().Err(err).Str("function", functionID).Msg("Function trapped")
		message = "function failed"
		outcome = invocations.OutcomeTrap
	default:
		log.Error().Err(err).Str("function", functionID).Msg("Invocation failed")
	}

	d.record(r, functionID, started, status, outcome, !warm)
	metrics.RecordInvocation(functionID, status, !warm, time.Since(started))
	writeError(w, status, message)
}

// buildRequest flattens the HTTP request into the guest call payload.
// Multi-valued headers are comma joined.
func (d *Dispatcher) buildRequest(r *http.Request) (*sandbox.Request, error) {
	var body []byte
	if r.Body != nil {
		limited := io.LimitReader(r.Body, d.maxBodySize+1)
		b, err := io.ReadAll(limited)
		if err != nil {
			return nil, err
		}
		if int64(len(b)) > d.maxBodySize {
			return nil, errors.New("request body exceeds limit")
		}
		body = b
	}

	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		headers[name] = strings.Join(values, ",")
	}

	return &sandbox.Request{
		Method:  r.Method,
		Path:    r.URL.Path,
		Query:   r.URL.RawQuery,
		Headers: headers,
		Body:    body,
	}, nil
}

func (d *Dispatcher) writeResponse(w http.ResponseWriter, resp *sandbox.Response) int {
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		_, _ = w.Write(resp.Body)
	}
	return status
}

// record persists the invocation outcome outside the request path.
func (d *Dispatcher) record(r *http.Request, functionID string, started time.Time, status int, outcome invocations.Outcome, cold bool) {
	if d.log == nil {
		return
	}

	rec := &invocations.Record{
		FunctionID:  functionID,
		RequestID:   requestctx.RequestID(r.Context()),
		Status:      status,
		Outcome:     outcome,
		ColdStart:   cold,
		DurationMs:  time.Since(started).Milliseconds(),
		StartedAt:   started,
		CompletedAt: time.Now(),
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.log.Create(ctx, rec); err != nil {
			log.Warn().Err(err).Str("function", functionID).Msg("Failed to record invocation")
		}
	}()
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
