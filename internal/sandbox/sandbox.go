// Package sandbox executes compiled WASM function artifacts in isolated,
// resource-bounded instances.
package sandbox

import (
	"context"
	"errors"
)

// Error taxonomy. Nothing else crosses the sandbox boundary: every engine
// failure is classified as one of these before callers see it.
var (
	// ErrInstantiation means the artifact is corrupt or the engine
	// rejected it. The instance was never created.
	ErrInstantiation = errors.New("sandbox: instantiation failed")

	// ErrTrap is an unrecoverable fault raised during execution. The
	// instance must be destroyed, not reused.
	ErrTrap = errors.New("sandbox: trap")

	// ErrTimeout means the call exceeded its wall-clock deadline. The
	// instance state is untrusted afterward and must be destroyed.
	ErrTimeout = errors.New("sandbox: execution deadline exceeded")
)

// Artifact is an immutable compiled function module plus its declared
// resource limits. A redeploy produces a new Artifact with a new Version.
type Artifact struct {
	FunctionID   string
	Version      string
	OwnerID      string
	Wasm         []byte
	MemoryMB     int
	AllowedHosts []string
}

// Request is the HTTP request forwarded into a function call.
type Request struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   string            `json:"query,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Response is what a function returns from a call.
type Response struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    []byte            `json:"body,omitempty"`
}

// Instance is a live execution context bound to one artifact version.
// Instances are not safe for concurrent calls; the pool guarantees an
// instance is only ever borrowed by one request at a time.
type Instance interface {
	// Handle drives one request through the function. The context
	// deadline is the hard wall-clock limit; on expiry Handle returns
	// ErrTimeout and the instance must not be reused.
	Handle(ctx context.Context, req *Request) (*Response, error)

	// Close destroys the instance and releases sandbox memory.
	Close(ctx context.Context) error
}

// Engine creates sandbox instances from artifacts. Implementations
// enforce the artifact's memory ceiling and grant no ambient host
// filesystem or network access.
type Engine interface {
	Instantiate(ctx context.Context, art *Artifact) (Instance, error)
}
