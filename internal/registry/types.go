// Package registry is the durable store of deployed functions: metadata
// in SQLite, artifact bytes in a blob backend.
package registry

import (
	"errors"
	"regexp"
	"time"
)

var (
	ErrFunctionNotFound = errors.New("registry: function not found")
	ErrInvalidName      = errors.New("registry: invalid function name")
	ErrInvalidArtifact  = errors.New("registry: invalid artifact")
	ErrQuotaExceeded    = errors.New("registry: function quota exceeded")
	ErrNotOwner         = errors.New("registry: caller does not own this function")
)

// Limits are a function's declared resource bounds.
type Limits struct {
	// MemoryMB caps the sandbox linear memory.
	MemoryMB int
	// Timeout is the wall-clock deadline per call.
	Timeout time.Duration
	// MaxConcurrency caps simultaneous executions of this function.
	MaxConcurrency int
}

// Function is the stored metadata for one deployed function. The ID is
// also the routing subdomain label. Version changes on every deploy.
type Function struct {
	ID        string
	OwnerID   string
	Version   string
	Limits    Limits
	SizeBytes int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Function IDs double as DNS labels: lowercase alphanumerics and
// hyphens, no leading or trailing hyphen, at most 63 characters.
var namePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidName reports whether id is usable as a function ID.
func ValidName(id string) bool {
	return namePattern.MatchString(id)
}

// wasmMagic is the binary module preamble ("\0asm").
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}
