package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeDeployer struct {
	mu         sync.Mutex
	deployed   map[string][]byte
	undeployed []string
	events     chan string
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{
		deployed: make(map[string][]byte),
		events:   make(chan string, 16),
	}
}

func (d *fakeDeployer) DeployArtifact(ctx context.Context, id, ownerID string, wasm []byte) error {
	d.mu.Lock()
	d.deployed[id] = wasm
	d.mu.Unlock()
	d.events <- "deploy:" + id
	return nil
}

func (d *fakeDeployer) Undeploy(ctx context.Context, id, ownerID string) error {
	d.mu.Lock()
	d.undeployed = append(d.undeployed, id)
	d.mu.Unlock()
	d.events <- "undeploy:" + id
	return nil
}

func (d *fakeDeployer) waitFor(t *testing.T, event string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-d.events:
			if got == event {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func testWatcher(t *testing.T) (string, *fakeDeployer, *Watcher) {
	t.Helper()
	dir := t.TempDir()
	deployer := newFakeDeployer()

	w, err := New(dir, deployer)
	require.NoError(t, err)
	w.SetDebounceDuration(10 * time.Millisecond)
	t.Cleanup(func() { w.Stop() })

	return dir, deployer, w
}

func TestStartDeploysExistingArtifacts(t *testing.T) {
	dir := t.TempDir()
	deployer := newFakeDeployer()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.wasm"), []byte("wasm"), 0o644))

	w, err := New(dir, deployer)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, w.Start())
	deployer.waitFor(t, "deploy:echo")
}

func TestDeployOnCreate(t *testing.T) {
	dir, deployer, w := testWatcher(t)
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "greeter.wasm"), []byte("wasm"), 0o644))
	deployer.waitFor(t, "deploy:greeter")

	deployer.mu.Lock()
	defer deployer.mu.Unlock()
	require.Equal(t, []byte("wasm"), deployer.deployed["greeter"])
}

func TestUndeployOnRemove(t *testing.T) {
	dir, deployer, w := testWatcher(t)
	require.NoError(t, w.Start())

	path := filepath.Join(dir, "echo.wasm")
	require.NoError(t, os.WriteFile(path, []byte("wasm"), 0o644))
	deployer.waitFor(t, "deploy:echo")

	require.NoError(t, os.Remove(path))
	deployer.waitFor(t, "undeploy:echo")
}

func TestIgnoresNonWasmFiles(t *testing.T) {
	dir, deployer, w := testWatcher(t)
	require.NoError(t, w.Start())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echo.wasm"), []byte("wasm"), 0o644))

	deployer.waitFor(t, "deploy:echo")
	deployer.mu.Lock()
	defer deployer.mu.Unlock()
	require.NotContains(t, deployer.deployed, "notes")
	require.NotContains(t, deployer.deployed, "notes.txt")
}
