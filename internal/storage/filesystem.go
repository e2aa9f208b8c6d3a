package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemBackend stores blobs under a local base directory.
type FilesystemBackend struct {
	basePath string
}

// NewFilesystemBackend creates a filesystem backend rooted at basePath.
func NewFilesystemBackend(basePath string) *FilesystemBackend {
	return &FilesystemBackend{basePath: basePath}
}

// buildPath validates the key and resolves it under the base directory.
// Rejects null bytes, absolute keys and path traversal.
func (f *FilesystemBackend) buildPath(key string) (string, error) {
	if strings.Contains(key, "\x00") {
		return "", fmt.Errorf("invalid key: null byte not allowed")
	}
	if filepath.IsAbs(key) {
		return "", fmt.Errorf("invalid key: absolute paths not allowed")
	}

	clean := filepath.Clean(key)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key: path traversal not allowed")
	}

	fullPath := filepath.Join(f.basePath, clean)
	if !strings.HasPrefix(filepath.Clean(fullPath), filepath.Clean(f.basePath)) {
		return "", fmt.Errorf("invalid key: path escapes base directory")
	}

	return fullPath, nil
}

func (f *FilesystemBackend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	fullPath, err := f.buildPath(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	// Write to a temp file then rename so readers never see partial blobs
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".blob-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("renaming blob: %w", err)
	}

	return nil
}

// Get returns the blob at key, or ErrNotFound. Caller closes the reader.
func (f *FilesystemBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := f.buildPath(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening blob: %w", err)
	}

	return file, nil
}

// Delete removes the blob at key. Deleting a missing blob is not an error.
func (f *FilesystemBackend) Delete(ctx context.Context, key string) error {
	fullPath, err := f.buildPath(key)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob: %w", err)
	}

	return nil
}

func (f *FilesystemBackend) Exists(ctx context.Context, key string) (bool, error) {
	fullPath, err := f.buildPath(key)
	if err != nil {
		return false, err
	}

	if _, err := os.Stat(fullPath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob: %w", err)
	}

	return true, nil
}
