package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wasmgate/wasmgate/internal/sandbox"
	"github.com/wasmgate/wasmgate/internal/storage"
)

// InvalidationFunc is notified when a function is deployed or deleted
// so caches (router, instance pool) can drop stale entries.
type InvalidationFunc func(functionID string)

// Defaults fill in limits a deploy did not declare.
type Defaults struct {
	MemoryMB       int
	Timeout        time.Duration
	MaxConcurrency int
	AllowedHosts   []string
}

// Service combines the metadata store and the blob backend into the
// artifact store the execution engine reads from.
type Service struct {
	store       *Store
	blobs       storage.Backend
	defaults    Defaults
	maxPerOwner int

	mu   sync.RWMutex
	subs []InvalidationFunc
}

// NewService creates the registry service. maxPerOwner of zero disables
// the per-owner quota.
func NewService(store *Store, blobs storage.Backend, defaults Defaults, maxPerOwner int) *Service {
	return &Service{
		store:       store,
		blobs:       blobs,
		defaults:    defaults,
		maxPerOwner: maxPerOwner,
	}
}

// Subscribe registers an invalidation callback. Callbacks run
// synchronously after every deploy and delete.
func (s *Service) Subscribe(fn InvalidationFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Service) notify(functionID string) {
	s.mu.RLock()
	subs := make([]InvalidationFunc, len(s.subs))
	copy(subs, s.subs)
	s.mu.RUnlock()

	for _, fn := range subs {
		fn(functionID)
	}
}

// Get returns function metadata.
func (s *Service) Get(ctx context.Context, id string) (*Function, error) {
	return s.store.Get(ctx, id)
}

// List returns functions, optionally filtered by owner.
func (s *Service) List(ctx context.Context, ownerID string) ([]*Function, error) {
	return s.store.List(ctx, ownerID)
}

// Routes returns the current routing table.
func (s *Service) Routes(ctx context.Context) (map[string]string, error) {
	return s.store.Routes(ctx)
}

// Artifact loads metadata plus module bytes for instantiation.
func (s *Service) Artifact(ctx context.Context, id string) (*sandbox.Artifact, error) {
	fn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	rc, err := s.blobs.Get(ctx, blobKey(fn.ID, fn.Version))
	if err != nil {
		return nil, fmt.Errorf("loading artifact blob for %s: %w", id, err)
	}
	defer rc.Close()

	wasm, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading artifact blob for %s: %w", id, err)
	}

	return &sandbox.Artifact{
		FunctionID:   fn.ID,
		Version:      fn.Version,
		OwnerID:      fn.OwnerID,
		Wasm:         wasm,
		MemoryMB:     fn.Limits.MemoryMB,
		AllowedHosts: s.defaults.AllowedHosts,
	}, nil
}

// DeployRequest describes one deploy. Zero limits take the host
// defaults.
type DeployRequest struct {
	ID      string
	OwnerID string
	Wasm    []byte
	Limits  Limits
}

// Deploy stores a new version of a function. Redeploys must come from
// the same owner; new functions count against the owner quota. Caches
// are invalidated before Deploy returns.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (*Function, error) {
	if !ValidName(req.ID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, req.ID)
	}
	if len(req.Wasm) < len(wasmMagic) || !bytes.Equal(req.Wasm[:len(wasmMagic)], wasmMagic) {
		return nil, fmt.Errorf("%w: missing wasm preamble", ErrInvalidArtifact)
	}

	limits := req.Limits
	if limits.MemoryMB <= 0 {
		limits.MemoryMB = s.defaults.MemoryMB
	}
	if limits.Timeout <= 0 {
		limits.Timeout = s.defaults.Timeout
	}
	if limits.MaxConcurrency <= 0 {
		limits.MaxConcurrency = s.defaults.MaxConcurrency
	}

	now := time.Now().UTC()
	fn := &Function{
		ID:        req.ID,
		OwnerID:   req.OwnerID,
		Version:   uuid.New().String(),
		Limits:    limits,
		SizeBytes: int64(len(req.Wasm)),
		CreatedAt: now,
		UpdatedAt: now,
	}

	// The blob goes in first under the new version key; until the row
	// points at it nothing can read it.
	if err := s.blobs.Put(ctx, blobKey(fn.ID, fn.Version), bytes.NewReader(req.Wasm), fn.SizeBytes); err != nil {
		return nil, fmt.Errorf("storing artifact blob: %w", err)
	}

	// The owner and quota checks must see the same snapshot the upsert
	// writes into, or two concurrent first deploys of one ID could both
	// pass and the loser would silently reassign ownership.
	var existing *Function
	err := s.store.Transact(ctx, func(tx *TxStore) error {
		var err error
		existing, err = tx.Get(ctx, req.ID)
		if err != nil && !errors.Is(err, ErrFunctionNotFound) {
			return err
		}

		if existing != nil && existing.OwnerID != req.OwnerID {
			return ErrNotOwner
		}

		if existing == nil && s.maxPerOwner > 0 {
			count, err := tx.CountByOwner(ctx, req.OwnerID)
			if err != nil {
				return err
			}
			if count >= s.maxPerOwner {
				return fmt.Errorf("%w: owner %s already has %d functions", ErrQuotaExceeded, req.OwnerID, count)
			}
		}

		if existing != nil {
			fn.CreatedAt = existing.CreatedAt
		}
		return tx.Upsert(ctx, fn)
	})
	if err != nil {
		// Roll back the orphaned blob; the old version stays live
		_ = s.blobs.Delete(ctx, blobKey(fn.ID, fn.Version))
		return nil, err
	}

	// The superseded blob is unreachable once the row points at the
	// new version
	if existing != nil {
		if err := s.blobs.Delete(ctx, blobKey(existing.ID, existing.Version)); err != nil {
			log.Warn().Err(err).Str("function", fn.ID).Msg("Failed to delete superseded artifact blob")
		}
	}

	s.notify(fn.ID)

	log.Info().
		Str("function", fn.ID).
		Str("owner", fn.OwnerID).
		Str("version", fn.Version).
		Int64("size_bytes", fn.SizeBytes).
		Bool("redeploy", existing != nil).
		Msg("Function deployed")

	return fn, nil
}

// Delete removes a function and its artifact. ownerID of "" skips the
// ownership check (internal callers).
func (s *Service) Delete(ctx context.Context, id, ownerID string) error {
	fn, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if ownerID != "" && fn.OwnerID != ownerID {
		return ErrNotOwner
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}

	if err := s.blobs.Delete(ctx, blobKey(fn.ID, fn.Version)); err != nil {
		log.Warn().Err(err).Str("function", id).Msg("Failed to delete artifact blob")
	}

	s.notify(id)

	log.Info().Str("function", id).Str("owner", fn.OwnerID).Msg("Function deleted")
	return nil
}

func blobKey(id, version string) string {
	return id + "/" + version + ".wasm"
}
