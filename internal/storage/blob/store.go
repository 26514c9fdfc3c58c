// Package blob defines the object store used for document bytes.
//
// Keys are slash separated relative paths such as "shared/sha256/AB/CDEF...".
// Implementations must make Delete idempotent and Put atomic: a reader either
// sees the previous object or the complete new one, never a partial write.
package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"iter"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when no object exists at a key.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidKey is returned for empty, absolute or escaping keys.
	ErrInvalidKey = errors.New("invalid object key")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key        string
	ETag       string
	Size       int64
	UploadedAt time.Time
}

// Store is a key/value byte store.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Head(ctx context.Context, key string) (ObjectInfo, error)
	// Delete removes the object. Deleting a missing key succeeds.
	Delete(ctx context.Context, key string) error
	// List yields all objects whose key starts with prefix. Iteration stops at
	// the first error.
	List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error]
}

// ETag returns the entity tag every Store computes for data. Callers use it to
// verify a write landed without reading the object back.
func ETag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// ValidateKey rejects keys that could escape the store root.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}
	for part := range strings.SplitSeq(key, "/") {
		if part == "" || part == "." || part == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}
