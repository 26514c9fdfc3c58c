package cow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maruel/docshare/internal/storage/cas"
	"github.com/maruel/docshare/internal/storage/meta"
)

// WriteResult describes the outcome of a write.
type WriteResult struct {
	// Changed is false when the bytes equal the current content.
	Changed bool
	// WasFirstEdit is true when this write detached the ref from its origin.
	WasFirstEdit bool
	Ref          *meta.UserRef
}

// WriteUser replaces the user's content for docID.
//
// baseHash, when set, is the hash the caller last read; a mismatch with the
// current content fails with ErrConflict. The ref must exist.
func (s *Service) WriteUser(ctx context.Context, userID, docID string, data []byte, baseHash cas.ContentHash) (*WriteResult, error) {
	ref, err := s.meta.GetRef(ctx, userID, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to write %s/%s: %w", userID, docID, err)
	}
	return s.apply(ctx, ref, data, baseHash, false)
}

// apply is the single content transition shared by document and path edits.
//
// The first edit commits in two steps. The ref is marked modified and the
// origin detached before any byte is written, so a failure afterwards leaves
// a consistent, under-referenced ref instead of a leaked reference. The bytes
// then go to a key derived from their hash and the ref is pointed at them.
// When isolate is set the ref is moved to the isolated state.
func (s *Service) apply(ctx context.Context, ref *meta.UserRef, data []byte, baseHash cas.ContentHash, isolate bool) (*WriteResult, error) {
	if !baseHash.IsZero() && baseHash != ref.CurrentHash {
		return nil, fmt.Errorf("%w: base %s, current %s", ErrConflict, baseHash, ref.CurrentHash)
	}
	newHash := s.sum(ref.CurrentHash, data)
	if newHash == ref.CurrentHash {
		return &WriteResult{Ref: ref}, nil
	}

	first := !ref.IsModified
	if first {
		next := ref.Clone()
		next.IsModified = true
		next.ModifiedAt = s.now()
		detached, err := s.commit(ctx, ref, next, "", ref.OriginHash)
		if errors.Is(err, ErrUnderflow) {
			slog.ErrorContext(ctx, "Reference count underflow on first edit", "ref", ref.ID, "hash", ref.OriginHash)
			detached, err = s.commit(ctx, ref, next, "", "")
		}
		if err != nil {
			return nil, fmt.Errorf("failed to detach from origin: %w", err)
		}
		slog.InfoContext(ctx, "Detached ref from shared content", "user", ref.UserID, "doc", ref.DocumentID, "origin", ref.OriginHash)
		ref = detached
	}

	key := userKey(ref.UserID, ref.ID, newHash)
	if err := s.putVerified(ctx, key, data); err != nil {
		return nil, err
	}
	now := s.now()
	next := ref.Clone()
	next.CurrentHash = newHash
	next.StorageKey = key
	next.FileSize = int64(len(data))
	next.ModifiedAt = now
	if isolate && next.State != meta.StateIsolated {
		next.State = meta.StateIsolated
		next.EditTag = newEditTag(now)
	}
	out, err := s.commit(ctx, ref, next, "", "")
	if err != nil {
		// Keep the object if a concurrent writer committed the same bytes.
		if cur, gerr := s.meta.GetRef(ctx, ref.UserID, ref.DocumentID); gerr != nil || cur.StorageKey != key {
			s.deleteBlob(ctx, key)
		}
		return nil, fmt.Errorf("failed to commit write: %w", err)
	}
	if ref.StorageKey != key {
		s.deleteBlob(ctx, ref.StorageKey)
	}
	return &WriteResult{Changed: true, WasFirstEdit: first, Ref: out}, nil
}

// RevertUser discards the user's edits to docID and makes it a copy of its
// origin again. Fails with ErrOriginGone when the origin was collected.
func (s *Service) RevertUser(ctx context.Context, userID, docID string) (*meta.UserRef, error) {
	ref, err := s.meta.GetRef(ctx, userID, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to revert %s/%s: %w", userID, docID, err)
	}
	if !ref.IsModified {
		return ref, nil
	}
	data, err := s.lib.Get(ctx, ref.OriginHash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOriginGone, ref.OriginHash)
		}
		return nil, err
	}
	key := userKey(ref.UserID, ref.ID, ref.OriginHash)
	if err := s.putVerified(ctx, key, data); err != nil {
		return nil, err
	}
	next := ref.Clone()
	next.IsModified = false
	next.CurrentHash = ref.OriginHash
	next.StorageKey = key
	next.FileSize = int64(len(data))
	next.ModifiedAt = s.now()
	next.State = meta.StateActive
	next.EditTag = ""
	out, err := s.commit(ctx, ref, next, ref.OriginHash, "")
	if err != nil {
		if key != ref.StorageKey {
			s.deleteBlob(ctx, key)
		}
		if errors.Is(err, ErrNotFound) {
			if e, gerr := s.meta.GetShared(ctx, ref.OriginHash); gerr != nil || e.IsCollecting() {
				return nil, fmt.Errorf("%w: %s", ErrOriginGone, ref.OriginHash)
			}
		}
		return nil, fmt.Errorf("failed to commit revert: %w", err)
	}
	if ref.StorageKey != key {
		s.deleteBlob(ctx, ref.StorageKey)
	}
	slog.InfoContext(ctx, "Reverted ref to shared content", "user", userID, "doc", docID, "hash", ref.OriginHash)
	return out, nil
}

// CanEdit reports whether userID holds a live ref whose content is hash.
func (s *Service) CanEdit(ctx context.Context, userID string, hash cas.ContentHash) (bool, error) {
	refs, err := s.meta.ListRefs(ctx, meta.RefFilter{UserID: userID, CurrentHash: hash})
	if err != nil {
		return false, err
	}
	for _, r := range refs {
		if r.State != meta.StateDeleted {
			return true, nil
		}
	}
	return false, nil
}
