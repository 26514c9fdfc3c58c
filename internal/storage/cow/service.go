// Package cow gives every user a private, copy-on-write view of documents in
// the shared library.
//
// A user ref starts as a byte-identical copy of a shared entry and counts
// toward that entry's reference count. The first write detaches it; from then
// on the ref is exclusively the user's. The same transitions are reachable
// through document IDs ([Service.WriteUser]) and through filesystem-style
// path events ([Service.RecordPathEvent]).
//
// The service holds no long-lived locks. Each ref mutation is a single
// metadata-store operation guarded by the ref's current hash and version;
// losers get ErrConflict and must re-read.
package cow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/maruel/docshare/internal/storage/blob"
	"github.com/maruel/docshare/internal/storage/cas"
	"github.com/maruel/docshare/internal/storage/library"
	"github.com/maruel/docshare/internal/storage/meta"
	"github.com/maruel/ksid"
)

var (
	// ErrNotFound is returned when a ref, path or shared entry does not exist.
	ErrNotFound = meta.ErrNotFound
	// ErrConflict is returned when a ref changed since the caller read it.
	ErrConflict = meta.ErrConflict
	// ErrHashMismatch is returned when bytes do not match their claimed hash.
	ErrHashMismatch = library.ErrHashMismatch
	// ErrUnderflow is returned when a reference count would go negative.
	ErrUnderflow = meta.ErrUnderflow
	// ErrOriginGone is returned when reverting a ref whose origin entry was
	// garbage collected.
	ErrOriginGone = errors.New("origin content is gone")

	errIDRequired = errors.New("user and document ids are required")
)

// GCPolicy tunes garbage collection. It can be replaced while the service runs.
type GCPolicy struct {
	// GraceWindow is how long an unreferenced entry or orphaned object is kept
	// after its last access.
	GraceWindow time.Duration
	// DeletesPerSecond throttles object deletions. Zero means unlimited.
	DeletesPerSecond float64
}

// DefaultGCPolicy returns the policy used when none is configured.
func DefaultGCPolicy() GCPolicy {
	return GCPolicy{GraceWindow: 10 * time.Minute}
}

// Options configures a Service.
type Options struct {
	Blobs blob.Store
	Meta  meta.Store
	// Library defaults to one built on Blobs, Meta and Hasher.
	Library *library.Library
	// Hasher defaults to the library's hasher, or cas.Default.
	Hasher cas.Hasher
	GC     GCPolicy
	// Now defaults to time.Now.
	Now func() time.Time
}

// Service implements per-user copy-on-write over the shared library.
type Service struct {
	blobs  blob.Store
	meta   meta.Store
	lib    *library.Library
	hasher cas.Hasher
	now    func() time.Time
	policy atomic.Pointer[GCPolicy]
}

// New returns a Service.
func New(opts Options) (*Service, error) {
	if opts.Blobs == nil || opts.Meta == nil {
		return nil, errors.New("object store and metadata store are required")
	}
	s := &Service{blobs: opts.Blobs, meta: opts.Meta, lib: opts.Library, hasher: opts.Hasher, now: opts.Now}
	if s.now == nil {
		s.now = time.Now
	}
	if s.hasher == nil {
		if s.lib != nil {
			s.hasher = s.lib.Hasher()
		} else {
			s.hasher = cas.Default
		}
	}
	if s.lib == nil {
		s.lib = library.New(opts.Blobs, opts.Meta, library.Options{Hasher: s.hasher, Now: s.now})
	}
	p := opts.GC
	if p.GraceWindow <= 0 {
		p.GraceWindow = DefaultGCPolicy().GraceWindow
	}
	s.policy.Store(&p)
	return s, nil
}

// Library returns the shared library the service attaches users to.
func (s *Service) Library() *library.Library {
	return s.lib
}

// GCPolicy returns the current garbage collection policy.
func (s *Service) GCPolicy() GCPolicy {
	return *s.policy.Load()
}

// SetGCPolicy replaces the garbage collection policy. Sweeps in progress keep
// the policy they started with.
func (s *Service) SetGCPolicy(p GCPolicy) {
	if p.GraceWindow <= 0 {
		p.GraceWindow = DefaultGCPolicy().GraceWindow
	}
	s.policy.Store(&p)
}

// commit replaces prev with next, guarded by prev's hash and version.
func (s *Service) commit(ctx context.Context, prev, next *meta.UserRef, attach, detach cas.ContentHash) (*meta.UserRef, error) {
	return s.meta.ApplyRefChange(ctx, meta.RefChange{
		Ref:           next,
		ExpectHash:    prev.CurrentHash,
		ExpectVersion: prev.Version,
		Attach:        attach,
		Detach:        detach,
		At:            s.now(),
	})
}

// putVerified writes data at key. When the write timed out the object may
// still have landed, so it is checked with Head before reporting failure.
func (s *Service) putVerified(ctx context.Context, key string, data []byte) error {
	_, err := s.blobs.Put(ctx, key, data)
	if err == nil {
		return nil
	}
	if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	info, herr := s.blobs.Head(ctx, key)
	if herr != nil {
		return errors.Join(fmt.Errorf("failed to write %s: %w", key, err), herr)
	}
	if info.Size != int64(len(data)) || info.ETag != blob.ETag(data) {
		return fmt.Errorf("failed to write %s: %w (stored object does not match)", key, err)
	}
	slog.InfoContext(ctx, "Object write timed out but landed", "key", key)
	return nil
}

// deleteBlob removes an object that no committed ref points at. Failures are
// logged; the orphan sweep reclaims what is left behind.
func (s *Service) deleteBlob(ctx context.Context, key string) {
	if err := s.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		slog.WarnContext(ctx, "Failed to delete object", "key", key, "err", err)
	}
}

// sum hashes data with the algorithm of like so hashes compare across a
// hasher change. An unknown algorithm falls back to the service hasher.
func (s *Service) sum(like cas.ContentHash, data []byte) cas.ContentHash {
	if like.Algorithm() == s.hasher.Name() {
		return s.hasher.Sum(data)
	}
	h, err := cas.NewHasher(like.Algorithm())
	if err != nil {
		return s.hasher.Sum(data)
	}
	return h.Sum(data)
}

// userKey is the object key of a user's copy. It is derived from the content
// so concurrent writers of different bytes never overwrite each other.
func userKey(userID string, refID ksid.ID, h cas.ContentHash) string {
	return "users/" + escapeSegment(userID) + "/" + refID.String() + "/" + h.Algorithm() + "-" + h.Digest()
}

func escapeSegment(s string) string {
	e := url.PathEscape(s)
	if e == "." || e == ".." {
		return strings.ReplaceAll(e, ".", "%2E")
	}
	return e
}

// newEditTag returns "<unix ms>-<6 hex>" for an isolated display name.
func newEditTag(now time.Time) string {
	return fmt.Sprintf("%d-%06x", now.UnixMilli(), rand.N(1<<24))
}
