// Package watcher deploys wasm artifacts dropped into a local
// directory, for development setups without the deploy API.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const (
	defaultDebounceDuration = 100 * time.Millisecond
	artifactSuffix          = ".wasm"
	localOwner              = "local"
)

// Deployer is the subset of the function registry the watcher drives.
type Deployer interface {
	DeployArtifact(ctx context.Context, id, ownerID string, wasm []byte) error
	Undeploy(ctx context.Context, id, ownerID string) error
}

// Watcher deploys *.wasm files from a directory as they appear and
// undeploys them when removed. File base names become function IDs.
type Watcher struct {
	dir      string
	deployer Deployer
	watcher  *fsnotify.Watcher

	debounceDuration time.Duration
	debounceTimers   map[string]*time.Timer
	mu               sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a watcher for the given directory. The directory is
// created if missing.
func New(dir string, deployer Deployer) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating watch directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		dir:              dir,
		deployer:         deployer,
		watcher:          fsw,
		debounceDuration: defaultDebounceDuration,
		debounceTimers:   make(map[string]*time.Timer),
		ctx:              ctx,
		cancel:           cancel,
	}, nil
}

// SetDebounceDuration overrides the per-file event debounce.
func (w *Watcher) SetDebounceDuration(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounceDuration = d
}

// Start deploys artifacts already present in the directory and begins
// watching for changes.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("reading watch directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), artifactSuffix) {
			continue
		}
		w.deploy(filepath.Join(w.dir, entry.Name()))
	}

	w.wg.Add(1)
	go w.eventLoop()

	log.Info().Str("dir", w.dir).Msg("Watching artifact directory")
	return nil
}

// Stop stops the watcher. Deployed functions stay registered.
func (w *Watcher) Stop() error {
	w.cancel()
	w.wg.Wait()

	w.mu.Lock()
	for _, timer := range w.debounceTimers {
		timer.Stop()
	}
	w.mu.Unlock()

	return w.watcher.Close()
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, artifactSuffix) {
				continue
			}

			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.debounce(event.Name, func() { w.deploy(event.Name) })
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.debounce(event.Name, func() { w.undeploy(event.Name) })
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Artifact watcher error")
		}
	}
}

// debounce coalesces bursts of events for the same file, keeping only
// the latest action.
func (w *Watcher) debounce(path string, action func()) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, exists := w.debounceTimers[path]; exists {
		timer.Stop()
	}
	w.debounceTimers[path] = time.AfterFunc(w.debounceDuration, action)
}

func (w *Watcher) deploy(path string) {
	id := functionID(path)

	wasm, err := os.ReadFile(path)
	if err != nil {
		// Partial writes can race the event; the write event retries
		log.Warn().Err(err).Str("file", path).Msg("Failed to read artifact")
		return
	}
	if len(wasm) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
	defer cancel()

	if err := w.deployer.DeployArtifact(ctx, id, localOwner, wasm); err != nil {
		log.Error().Err(err).Str("function", id).Str("file", path).Msg("Failed to deploy artifact")
		return
	}

	log.Info().Str("function", id).Int("size", len(wasm)).Msg("Deployed artifact from directory")
}

func (w *Watcher) undeploy(path string) {
	id := functionID(path)

	ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
	defer cancel()

	if err := w.deployer.Undeploy(ctx, id, localOwner); err != nil {
		log.Warn().Err(err).Str("function", id).Msg("Failed to undeploy artifact")
		return
	}

	log.Info().Str("function", id).Msg("Undeployed removed artifact")
}

func functionID(path string) string {
	return strings.TrimSuffix(filepath.Base(path), artifactSuffix)
}
