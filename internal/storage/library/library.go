// Package library implements the content-addressed shared document library.
//
// Bytes are written once under a key derived from their hash and never
// modified. Each entry carries a reference count maintained atomically by the
// metadata store.
package library

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/maruel/docshare/internal/storage/blob"
	"github.com/maruel/docshare/internal/storage/cas"
	"github.com/maruel/docshare/internal/storage/meta"
)

var (
	// ErrNotFound is returned when a hash is unknown or being collected.
	ErrNotFound = meta.ErrNotFound
	// ErrUnderflow is returned when detaching an entry with no references.
	ErrUnderflow = meta.ErrUnderflow
	// ErrConflict is returned when storing content that the garbage collector
	// has claimed. The caller may retry once the sweep is done.
	ErrConflict = meta.ErrConflict
	// ErrHashMismatch is returned when bytes do not match their claimed hash.
	ErrHashMismatch = errors.New("content hash mismatch")
)

// Options configures a Library.
type Options struct {
	// Hasher defaults to cas.Default.
	Hasher cas.Hasher
	// Verify re-reads the stored blob when storing an existing hash and fails
	// with ErrHashMismatch if it differs from the supplied bytes.
	Verify bool
	// CacheBytes bounds the in-memory cache of shared content. 0 disables it.
	CacheBytes int64
	// Now defaults to time.Now.
	Now func() time.Time
}

// Library stores shared entries.
type Library struct {
	blobs  blob.Store
	meta   meta.Store
	hasher cas.Hasher
	verify bool
	cache  *cache
	now    func() time.Time
}

// New returns a Library storing bytes in blobs and rows in m.
func New(blobs blob.Store, m meta.Store, opts Options) *Library {
	l := &Library{blobs: blobs, meta: m, hasher: opts.Hasher, verify: opts.Verify, cache: newCache(opts.CacheBytes), now: opts.Now}
	if l.hasher == nil {
		l.hasher = cas.Default
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l
}

// Hasher returns the hasher used for new content.
func (l *Library) Hasher() cas.Hasher {
	return l.hasher
}

// StorageKey returns the object key of the bytes with the given hash.
//
// The first two digest characters shard the namespace.
func StorageKey(h cas.ContentHash) string {
	d := h.Digest()
	if len(d) < 3 {
		return "shared/" + h.Algorithm() + "/" + d
	}
	return "shared/" + h.Algorithm() + "/" + d[:2] + "/" + d[2:]
}

// Store hashes data and stores it unless an entry with that hash exists.
//
// Storing existing content returns the existing entry; the stored bytes are
// never overwritten. Content being collected fails with ErrConflict and nothing
// is written.
func (l *Library) Store(ctx context.Context, data []byte, metadata map[string]string) (*meta.SharedEntry, error) {
	return l.store(ctx, l.hasher.Sum(data), data, metadata)
}

// StoreWithHash stores data under a hash computed by the caller. It fails with
// ErrHashMismatch when hash does not match data.
func (l *Library) StoreWithHash(ctx context.Context, hash cas.ContentHash, data []byte, metadata map[string]string) (*meta.SharedEntry, error) {
	h, err := cas.NewHasher(hash.Algorithm())
	if err != nil {
		return nil, err
	}
	if got := h.Sum(data); got != hash {
		return nil, fmt.Errorf("%w: claimed %s, computed %s", ErrHashMismatch, hash, got)
	}
	return l.store(ctx, hash, data, metadata)
}

func (l *Library) store(ctx context.Context, hash cas.ContentHash, data []byte, metadata map[string]string) (*meta.SharedEntry, error) {
	existing, err := l.meta.GetShared(ctx, hash)
	switch {
	case err == nil && existing.IsCollecting():
		// The sweep may delete the object after any Put made here.
		return nil, fmt.Errorf("%w: %s is being collected", ErrConflict, hash)
	case err == nil:
		if err := l.verifyStored(ctx, existing, data); err != nil {
			return nil, err
		}
		return existing, nil
	case err != nil && !errors.Is(err, meta.ErrNotFound):
		return nil, fmt.Errorf("failed to look up shared entry: %w", err)
	}

	key := StorageKey(hash)
	if _, err := l.blobs.Put(ctx, key, data); err != nil {
		return nil, fmt.Errorf("failed to write shared content: %w", err)
	}
	now := l.now()
	e, created, err := l.meta.InsertShared(ctx, &meta.SharedEntry{
		ContentHash:    hash,
		StorageKey:     key,
		Metadata:       metadata,
		FileSize:       int64(len(data)),
		CreatedAt:      now,
		LastAccessedAt: now,
	})
	if err != nil {
		// The blob is left in place: a concurrent writer may own it. Orphans
		// are reclaimed by the garbage collector.
		return nil, fmt.Errorf("failed to record shared entry: %w", err)
	}
	if created {
		slog.DebugContext(ctx, "Stored shared content", "hash", hash, "size", e.FileSize)
	}
	return e, nil
}

func (l *Library) verifyStored(ctx context.Context, e *meta.SharedEntry, data []byte) error {
	if !l.verify {
		return nil
	}
	stored, err := l.blobs.Get(ctx, e.StorageKey)
	if err != nil {
		return fmt.Errorf("failed to read shared content for verification: %w", err)
	}
	if !bytes.Equal(stored, data) {
		return fmt.Errorf("%w: stored bytes for %s differ", ErrHashMismatch, e.ContentHash)
	}
	return nil
}

// Attach adds one reference to the entry.
func (l *Library) Attach(ctx context.Context, hash cas.ContentHash) (*meta.SharedEntry, error) {
	e, err := l.meta.IncrementRef(ctx, hash, l.now())
	if err != nil {
		return nil, fmt.Errorf("failed to attach %s: %w", hash, err)
	}
	return e, nil
}

// Detach removes one reference from the entry. Underflow is an invariant
// violation: it is logged and returned, never clamped.
func (l *Library) Detach(ctx context.Context, hash cas.ContentHash) (*meta.SharedEntry, error) {
	e, err := l.meta.DecrementRef(ctx, hash, l.now())
	if err != nil {
		if errors.Is(err, ErrUnderflow) {
			slog.ErrorContext(ctx, "Reference count underflow", "hash", hash)
		}
		return nil, fmt.Errorf("failed to detach %s: %w", hash, err)
	}
	return e, nil
}

// Entry returns the metadata of the entry.
func (l *Library) Entry(ctx context.Context, hash cas.ContentHash) (*meta.SharedEntry, error) {
	return l.meta.GetShared(ctx, hash)
}

// Get returns the bytes of the entry.
func (l *Library) Get(ctx context.Context, hash cas.ContentHash) ([]byte, error) {
	e, err := l.meta.GetShared(ctx, hash)
	if err != nil {
		return nil, err
	}
	return l.Read(ctx, e)
}

// Read returns the bytes of an entry the caller already looked up.
func (l *Library) Read(ctx context.Context, e *meta.SharedEntry) ([]byte, error) {
	if data, ok := l.cache.get(e.ContentHash); ok {
		return data, nil
	}
	data, err := l.blobs.Get(ctx, e.StorageKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, fmt.Errorf("%w: content of %s is missing", ErrNotFound, e.ContentHash)
		}
		return nil, fmt.Errorf("failed to read shared content: %w", err)
	}
	l.cache.set(e.ContentHash, data)
	return data, nil
}

// Forget drops cached bytes of a collected entry.
func (l *Library) Forget(hash cas.ContentHash) {
	l.cache.forget(hash)
}
