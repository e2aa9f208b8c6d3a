// Package storage provides blob backends for compiled function artifacts.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/wasmgate/wasmgate/internal/config"
)

var (
	ErrNotFound      = errors.New("blob not found")
	ErrInvalidConfig = errors.New("invalid backend configuration")
)

// Backend stores artifact bytes by key. Keys are opaque to the backend;
// the registry uses "<function>/<version>.wasm".
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
}

// NewBackend builds the configured backend, wrapped with compression
// when configured.
func NewBackend(ctx context.Context, cfg config.BlobConfig, localDir string) (Backend, error) {
	var (
		backend Backend
		err     error
	)

	switch cfg.Backend {
	case "filesystem":
		backend = NewFilesystemBackend(localDir)
	case "s3":
		backend, err = NewS3Backend(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown backend type %q", ErrInvalidConfig, cfg.Backend)
	}

	if cfg.Compression != "" {
		backend = NewCompressedBackend(backend, cfg.Compression)
	}

	return backend, nil
}
