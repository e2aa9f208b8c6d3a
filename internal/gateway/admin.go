package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/wasmgate/wasmgate/internal/auth"
	"github.com/wasmgate/wasmgate/internal/invocations"
	"github.com/wasmgate/wasmgate/internal/metrics"
	"github.com/wasmgate/wasmgate/internal/registry"
)

// maxArtifactSize bounds uploaded wasm modules after decompression.
const maxArtifactSize = 64 << 20

// Admin serves the deploy API, health and metrics endpoints on the
// admin listener.
type Admin struct {
	registry      *registry.Service
	invocations   *invocations.Store
	authenticator auth.Authenticator
}

// NewAdmin wires the admin API handlers.
func NewAdmin(reg *registry.Service, invLog *invocations.Store, authenticator auth.Authenticator) *Admin {
	return &Admin{
		registry:      reg,
		invocations:   invLog,
		authenticator: authenticator,
	}
}

// Handler returns the admin mux wrapped with the standard middleware.
func (a *Admin) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", a.health)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /functions", a.listFunctions)
	mux.HandleFunc("PUT /functions/{id}", a.deployFunction)
	mux.HandleFunc("GET /functions/{id}", a.getFunction)
	mux.HandleFunc("DELETE /functions/{id}", a.deleteFunction)
	mux.HandleFunc("GET /functions/{id}/invocations", a.listInvocations)

	return chain(mux, RecoveryMiddleware, RequestIDMiddleware, LoggingMiddleware)
}

func (a *Admin) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate resolves the Authorization header to an owner ID.
func (a *Admin) authenticate(r *http.Request) (string, error) {
	return a.authenticator.Authenticate(r.Context(), r.Header.Get("Authorization"))
}

func (a *Admin) deployFunction(w http.ResponseWriter, r *http.Request) {
	owner, err := a.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	wasm, err := readArtifact(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limits, err := parseLimits(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fn, err := a.registry.Deploy(r.Context(), registry.DeployRequest{
		ID:      r.PathValue("id"),
		OwnerID: owner,
		Wasm:    wasm,
		Limits:  limits,
	})
	metrics.RecordDeploy("deploy", err)
	if err != nil {
		a.writeRegistryError(w, err)
		return
	}

	log.Info().
		Str("function", fn.ID).
		Str("owner", owner).
		Str("version", fn.Version).
		Int64("size", fn.SizeBytes).
		Msg("Function deployed")

	writeJSON(w, http.StatusOK, functionJSON(fn))
}

func (a *Admin) getFunction(w http.ResponseWriter, r *http.Request) {
	fn, err := a.registry.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, functionJSON(fn))
}

func (a *Admin) listFunctions(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")

	fns, err := a.registry.List(r.Context(), owner)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]map[string]any, 0, len(fns))
	for _, fn := range fns {
		out = append(out, functionJSON(fn))
	}
	writeJSON(w, http.StatusOK, map[string]any{"functions": out})
}

func (a *Admin) deleteFunction(w http.ResponseWriter, r *http.Request) {
	owner, err := a.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	err = a.registry.Delete(r.Context(), r.PathValue("id"), owner)
	metrics.RecordDeploy("undeploy", err)
	if err != nil {
		a.writeRegistryError(w, err)
		return
	}

	log.Info().Str("function", r.PathValue("id")).Str("owner", owner).Msg("Function deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (a *Admin) listInvocations(w http.ResponseWriter, r *http.Request) {
	if a.invocations == nil {
		writeError(w, http.StatusNotFound, "invocation log disabled")
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	records, err := a.invocations.List(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]any{
			"id":           rec.ID,
			"request_id":   rec.RequestID,
			"status":       rec.Status,
			"outcome":      rec.Outcome,
			"cold_start":   rec.ColdStart,
			"duration_ms":  rec.DurationMs,
			"started_at":   rec.StartedAt.UTC().Format(time.RFC3339Nano),
			"completed_at": rec.CompletedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"invocations": out})
}

func (a *Admin) writeRegistryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrFunctionNotFound):
		writeError(w, http.StatusNotFound, "function not found")
	case errors.Is(err, registry.ErrInvalidName):
		writeError(w, http.StatusBadRequest, "invalid function name")
	case errors.Is(err, registry.ErrInvalidArtifact):
		writeError(w, http.StatusBadRequest, "invalid wasm artifact")
	case errors.Is(err, registry.ErrNotOwner):
		writeError(w, http.StatusForbidden, "function is owned by another account")
	case errors.Is(err, registry.ErrQuotaExceeded):
		writeError(w, http.StatusForbidden, "function quota exceeded")
	default:
		log.Error().Err(err).Msg("Registry operation failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// readArtifact reads the uploaded module, transparently decompressing
// gzip bodies.
func readArtifact(r *http.Request) ([]byte, error) {
	var reader io.Reader = http.MaxBytesReader(nil, r.Body, maxArtifactSize)

	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, errors.New("malformed gzip body")
		}
		defer gz.Close()
		reader = gz
	}

	// One byte past the cap distinguishes at-limit from over-limit.
	wasm, err := io.ReadAll(io.LimitReader(reader, maxArtifactSize+1))
	if err != nil {
		return nil, errors.New("reading artifact body failed")
	}
	if len(wasm) > maxArtifactSize {
		return nil, errors.New("artifact exceeds size limit")
	}
	if len(wasm) == 0 {
		return nil, errors.New("empty artifact body")
	}
	return wasm, nil
}

// parseLimits reads optional per-function limits from query
// parameters. Zero values fall back to server defaults at deploy time.
func parseLimits(r *http.Request) (registry.Limits, error) {
	var limits registry.Limits
	q := r.URL.Query()

	if raw := q.Get("memory_mb"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 4096 {
			return limits, errors.New("invalid memory_mb")
		}
		limits.MemoryMB = n
	}
	if raw := q.Get("timeout_ms"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return limits, errors.New("invalid timeout_ms")
		}
		limits.Timeout = time.Duration(n) * time.Millisecond
	}
	if raw := q.Get("max_concurrency"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return limits, errors.New("invalid max_concurrency")
		}
		limits.MaxConcurrency = n
	}

	return limits, nil
}

func functionJSON(fn *registry.Function) map[string]any {
	return map[string]any{
		"id":              fn.ID,
		"owner_id":        fn.OwnerID,
		"version":         fn.Version,
		"memory_mb":       fn.Limits.MemoryMB,
		"timeout_ms":      fn.Limits.Timeout.Milliseconds(),
		"max_concurrency": fn.Limits.MaxConcurrency,
		"size_bytes":      fn.SizeBytes,
		"created_at":      fn.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at":      fn.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
