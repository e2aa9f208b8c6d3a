package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// minimalWasm is a valid module exporting "double" (i32 -> i32). It does
// not export "handle", so calls through the function ABI trap.
var minimalWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x06, 0x01, 0x60,
	0x01, 0x7f, 0x01, 0x7f, 0x03, 0x02, 0x01, 0x00, 0x07, 0x0a, 0x01, 0x06,
	0x64, 0x6f, 0x75, 0x62, 0x6c, 0x65, 0x00, 0x00, 0x0a, 0x09, 0x01, 0x07,
	0x00, 0x20, 0x00, 0x20, 0x00, 0x6a, 0x0b,
}

// loopingWasm exports "handle" (() -> i32) whose body is an infinite
// loop, so only the runtime's context abort can end a call.
var loopingWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0x01, 0x05, 0x01, 0x60,
	0x00, 0x01, 0x7f, 0x03, 0x02, 0x01, 0x00, 0x07, 0x0a, 0x01, 0x06, 0x68,
	0x61, 0x6e, 0x64, 0x6c, 0x65, 0x00, 0x00, 0x0a, 0x0b, 0x01, 0x09, 0x00,
	0x03, 0x40, 0x0c, 0x00, 0x0b, 0x41, 0x00, 0x0b,
}

func TestExtismEngineInstantiate(t *testing.T) {
	engine := NewExtismEngine(5 * time.Second)
	ctx := context.Background()

	inst, err := engine.Instantiate(ctx, &Artifact{
		FunctionID: "test",
		Version:    "v1",
		Wasm:       minimalWasm,
		MemoryMB:   16,
	})
	require.NoError(t, err)
	require.NoError(t, inst.Close(ctx))
}

func TestExtismEngineInstantiateCorruptArtifact(t *testing.T) {
	engine := NewExtismEngine(5 * time.Second)

	_, err := engine.Instantiate(context.Background(), &Artifact{
		FunctionID: "corrupt",
		Version:    "v1",
		Wasm:       []byte("not a wasm module"),
	})
	require.ErrorIs(t, err, ErrInstantiation)
}

func TestExtismInstanceDeadlineAbortsRunningGuest(t *testing.T) {
	engine := NewExtismEngine(5 * time.Second)

	inst, err := engine.Instantiate(context.Background(), &Artifact{
		FunctionID: "spin",
		Version:    "v1",
		Wasm:       loopingWasm,
		MemoryMB:   16,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err = inst.Handle(ctx, &Request{Method: "GET", Path: "/"})
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(started), 2*time.Second)
	_ = inst.Close(context.Background())
}

func TestExtismInstanceMissingEntrypointTraps(t *testing.T) {
	engine := NewExtismEngine(5 * time.Second)
	ctx := context.Background()

	inst, err := engine.Instantiate(ctx, &Artifact{
		FunctionID: "test",
		Version:    "v1",
		Wasm:       minimalWasm,
	})
	require.NoError(t, err)
	defer inst.Close(ctx)

	_, err = inst.Handle(ctx, &Request{Method: "GET", Path: "/"})
	require.ErrorIs(t, err, ErrTrap)
}
