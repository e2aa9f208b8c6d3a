package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	extism "github.com/extism/go-sdk"
	"github.com/rs/zerolog/log"
	"github.com/tetratelabs/wazero"
)

// entrypoint is the exported function every artifact must provide.
const entrypoint = "handle"

const wasmPageSize = 64 * 1024

// ExtismEngine runs artifacts as Extism plugins (wazero underneath).
// Each Instantiate call creates a fresh plugin with its own linear
// memory, so instances share nothing.
type ExtismEngine struct {
	instantiateTimeout time.Duration
}

// NewExtismEngine creates the engine. instantiateTimeout bounds cold
// starts; zero means 10s.
func NewExtismEngine(instantiateTimeout time.Duration) *ExtismEngine {
	if instantiateTimeout <= 0 {
		instantiateTimeout = 10 * time.Second
	}
	return &ExtismEngine{instantiateTimeout: instantiateTimeout}
}

func (e *ExtismEngine) Instantiate(ctx context.Context, art *Artifact) (Instance, error) {
	manifest := extism.Manifest{
		Wasm: []extism.Wasm{
			extism.WasmData{
				Data: art.Wasm,
				Name: art.FunctionID,
			},
		},
		AllowedHosts: art.AllowedHosts,
		Config:       map[string]string{},
	}

	if art.MemoryMB > 0 {
		manifest.Memory = &extism.ManifestMemory{
			MaxPages: uint32(art.MemoryMB * 1024 * 1024 / wasmPageSize),
		}
	}

	// CloseOnContextDone makes wazero abort running guest code when the
	// call context expires. Without it a looping guest would run past
	// its deadline and pin the calling goroutine.
	config := extism.PluginConfig{
		EnableWasi:    true,
		RuntimeConfig: wazero.NewRuntimeConfig().WithCloseOnContextDone(true),
	}

	ctx, cancel := context.WithTimeout(ctx, e.instantiateTimeout)
	defer cancel()

	plugin, err := extism.NewPlugin(ctx, manifest, config, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstantiation, err)
	}

	log.Debug().
		Str("function", art.FunctionID).
		Str("version", art.Version).
		Int("memory_mb", art.MemoryMB).
		Msg("Instantiated sandbox")

	return &extismInstance{
		plugin:   plugin,
		artifact: art,
	}, nil
}

type extismInstance struct {
	plugin   *extism.Plugin
	artifact *Artifact
}

func (i *extismInstance) Handle(ctx context.Context, req *Request) (*Response, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %v", ErrTrap, err)
	}

	exitCode, output, err := i.plugin.CallWithContext(ctx, entrypoint, input)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrTrap, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("%w: exit code %d", ErrTrap, exitCode)
	}

	var resp Response
	if err := json.Unmarshal(output, &resp); err != nil {
		return nil, fmt.Errorf("%w: invalid response payload: %v", ErrTrap, err)
	}
	if resp.Status == 0 {
		resp.Status = 200
	}

	return &resp, nil
}

func (i *extismInstance) Close(ctx context.Context) error {
	return i.plugin.Close(ctx)
}
