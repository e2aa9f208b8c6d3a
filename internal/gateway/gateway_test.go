package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wasmgate/wasmgate/internal/admission"
	"github.com/wasmgate/wasmgate/internal/auth"
	"github.com/wasmgate/wasmgate/internal/config"
	"github.com/wasmgate/wasmgate/internal/database"
	"github.com/wasmgate/wasmgate/internal/invocations"
	"github.com/wasmgate/wasmgate/internal/pool"
	"github.com/wasmgate/wasmgate/internal/registry"
	"github.com/wasmgate/wasmgate/internal/sandbox"
	"github.com/wasmgate/wasmgate/internal/storage"
)

var testWasm = append([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, []byte("module")...)

// scriptedEngine produces instances whose behavior is controlled per
// function ID: echo the version, block until the deadline, or trap.
type scriptedEngine struct {
	mu       sync.Mutex
	behavior map[string]string // "echo" (default), "hang", "block", "trap"
	gate     chan struct{}
}

func (e *scriptedEngine) setBehavior(functionID, behavior string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.behavior == nil {
		e.behavior = make(map[string]string)
	}
	e.behavior[functionID] = behavior
}

func (e *scriptedEngine) Instantiate(ctx context.Context, art *sandbox.Artifact) (sandbox.Instance, error) {
	e.mu.Lock()
	behavior := e.behavior[art.FunctionID]
	e.mu.Unlock()
	return &scriptedInstance{version: art.Version, behavior: behavior, gate: e.gate}, nil
}

type scriptedInstance struct {
	version  string
	behavior string
	gate     chan struct{}
}

func (i *scriptedInstance) Handle(ctx context.Context, req *sandbox.Request) (*sandbox.Response, error) {
	switch i.behavior {
	case "hang":
		<-ctx.Done()
		return nil, sandbox.ErrTimeout
	case "block":
		select {
		case <-i.gate:
		case <-ctx.Done():
			return nil, sandbox.ErrTimeout
		}
		return &sandbox.Response{Status: 200}, nil
	case "trap":
		return nil, sandbox.ErrTrap
	default:
		return &sandbox.Response{
			Status:  200,
			Headers: map[string]string{"X-Version": i.version},
			Body:    []byte("hello from " + req.Path),
		}, nil
	}
}

func (i *scriptedInstance) Close(ctx context.Context) error { return nil }

type testGateway struct {
	server    *Server
	registry  *registry.Service
	engine    *scriptedEngine
	pool      *pool.Pool
	admission *admission.Controller
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	cfg := config.Default()
	cfg.Server.BaseDomain = "wasmgate.test"
	cfg.Sandbox.Deadline = time.Second
	cfg.Admission.GlobalLimit = 8
	cfg.Admission.FunctionLimit = 2
	cfg.Admission.WaitTimeout = 0
	cfg.Registry.RouteRefresh = time.Minute

	db, err := database.Open(&config.DatabaseConfig{
		Path:        filepath.Join(t.TempDir(), "test.db"),
		BusyTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := registry.NewService(
		registry.NewStore(db),
		storage.NewFilesystemBackend(t.TempDir()),
		registry.Defaults{MemoryMB: 128, Timeout: time.Second, MaxConcurrency: 2},
		0,
	)

	engine := &scriptedEngine{gate: make(chan struct{})}
	p := pool.New(engine, cfg.Pool)
	adm := admission.New(cfg.Admission)
	invLog := invocations.NewStore(db)

	srv := New(cfg, reg, adm, p, invLog, auth.Anonymous{})
	t.Cleanup(func() { p.Close(context.Background()) })

	return &testGateway{server: srv, registry: reg, engine: engine, pool: p, admission: adm}
}

func (g *testGateway) deploy(t *testing.T, id string) *registry.Function {
	t.Helper()
	fn, err := g.registry.Deploy(context.Background(), registry.DeployRequest{
		ID:      id,
		OwnerID: "anonymous",
		Wasm:    testWasm,
	})
	require.NoError(t, err)
	return fn
}

func (g *testGateway) invoke(t *testing.T, host, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "http://placeholder"+path, nil)
	req.Host = host
	rec := httptest.NewRecorder()
	g.server.trafficServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestInvokeDeployedFunction(t *testing.T) {
	g := newTestGateway(t)
	g.deploy(t, "echo")

	rec := g.invoke(t, "echo.wasmgate.test", "/greet")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello from /greet", rec.Body.String())
}

func TestUnknownSubdomainIs404(t *testing.T) {
	g := newTestGateway(t)
	g.deploy(t, "echo")

	rec := g.invoke(t, "ghost.wasmgate.test", "/")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "function not found", body["error"])
}

func TestApexAndForeignHostsAre404(t *testing.T) {
	g := newTestGateway(t)
	g.deploy(t, "echo")

	for _, host := range []string{
		"wasmgate.test",
		"example.com",
		"echo.other.test",
		"a.echo.wasmgate.test",
	} {
		rec := g.invoke(t, host, "/")
		require.Equal(t, http.StatusNotFound, rec.Code, "host %s", host)
	}
}

func TestHostMatchingIgnoresCaseAndPort(t *testing.T) {
	g := newTestGateway(t)
	g.deploy(t, "echo")

	rec := g.invoke(t, "Echo.WasmGate.Test:8080", "/")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTimeoutReturns504AndInstanceNotPooled(t *testing.T) {
	g := newTestGateway(t)
	g.engine.setBehavior("sleeper", "hang")
	fn, err := g.registry.Deploy(context.Background(), registry.DeployRequest{
		ID:      "sleeper",
		OwnerID: "anonymous",
		Wasm:    testWasm,
		Limits:  registry.Limits{Timeout: 100 * time.Millisecond},
	})
	require.NoError(t, err)
	require.Equal(t, 100*time.Millisecond, fn.Limits.Timeout)

	started := time.Now()
	rec := g.invoke(t, "sleeper.wasmgate.test", "/")
	elapsed := time.Since(started)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	require.Less(t, elapsed, time.Second)
	require.Equal(t, 0, g.pool.IdleFor("sleeper"))
}

func TestTrapReturns500WithoutDiagnostics(t *testing.T) {
	g := newTestGateway(t)
	g.engine.setBehavior("crasher", "trap")
	g.deploy(t, "crasher")

	rec := g.invoke(t, "crasher.wasmgate.test", "/")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "function failed", body["error"])
	require.Equal(t, 0, g.pool.IdleFor("crasher"))
}

func TestRedeployServesNewVersion(t *testing.T) {
	g := newTestGateway(t)
	v1 := g.deploy(t, "echo")

	rec := g.invoke(t, "echo.wasmgate.test", "/")
	require.Equal(t, v1.Version, rec.Header().Get("X-Version"))

	v2 := g.deploy(t, "echo")
	require.NotEqual(t, v1.Version, v2.Version)

	rec = g.invoke(t, "echo.wasmgate.test", "/")
	require.Equal(t, v2.Version, rec.Header().Get("X-Version"))
}

func TestDeletedFunctionStopsRouting(t *testing.T) {
	g := newTestGateway(t)
	g.deploy(t, "echo")

	rec := g.invoke(t, "echo.wasmgate.test", "/")
	require.Equal(t, http.StatusOK, rec.Code)

	require.NoError(t, g.registry.Delete(context.Background(), "echo", "anonymous"))

	rec = g.invoke(t, "echo.wasmgate.test", "/")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSaturatedFunctionIs429WithRetryAfter(t *testing.T) {
	g := newTestGateway(t)
	g.engine.setBehavior("busy", "block")
	_, err := g.registry.Deploy(context.Background(), registry.DeployRequest{
		ID:      "busy",
		OwnerID: "anonymous",
		Wasm:    testWasm,
		Limits:  registry.Limits{Timeout: 5 * time.Second, MaxConcurrency: 1},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.invoke(t, "busy.wasmgate.test", "/")
	}()

	// Wait until the blocked request holds the only slot
	require.Eventually(t, func() bool {
		return g.admission.InFlight("busy") == 1
	}, time.Second, 5*time.Millisecond)

	rec := g.invoke(t, "busy.wasmgate.test", "/")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	close(g.engine.gate)
	wg.Wait()
}

func TestWarmInstanceReused(t *testing.T) {
	g := newTestGateway(t)
	g.deploy(t, "echo")

	g.invoke(t, "echo.wasmgate.test", "/")
	g.invoke(t, "echo.wasmgate.test", "/")

	stats := g.pool.Stats()
	require.EqualValues(t, 1, stats.Hits)
	require.EqualValues(t, 1, stats.Misses)
}

func TestFailedInvocationsCountedInTotals(t *testing.T) {
	g := newTestGateway(t)
	g.deploy(t, "faulty")
	g.engine.setBehavior("faulty", "trap")

	rec := g.invoke(t, "faulty.wasmgate.test", "/")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	mrec := httptest.NewRecorder()
	g.server.adminServer.Handler.ServeHTTP(mrec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, mrec.Code)
	require.Contains(t, mrec.Body.String(), `wasmgate_invocations_total{function="faulty",status="500"}`)
}

func TestStartReturnsOnlyAfterDrain(t *testing.T) {
	g := newTestGateway(t)
	g.server.trafficServer.Addr = "127.0.0.1:0"
	g.server.adminServer.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.server.Start(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}

	// The pool must already be closed when Start returns.
	_, _, err := g.pool.Checkout(context.Background(), "echo", "v1", func(context.Context) (*sandbox.Artifact, error) {
		return &sandbox.Artifact{FunctionID: "echo", Version: "v1"}, nil
	})
	require.ErrorIs(t, err, pool.ErrClosed)
}

func TestBodyTooLargeRejected(t *testing.T) {
	g := newTestGateway(t)
	g.deploy(t, "echo")
	g.server.dispatcher.maxBodySize = 16

	req := httptest.NewRequest(http.MethodPost, "http://placeholder/", bytes.NewReader(make([]byte, 64)))
	req.Host = "echo.wasmgate.test"
	rec := httptest.NewRecorder()
	g.server.trafficServer.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// Rejected before admission and checkout: no slot held, no cold start.
	require.Zero(t, g.admission.InFlight("echo"))
	require.Zero(t, g.pool.Stats().Misses)
}
