package cow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maruel/docshare/internal/storage/cas"
	"github.com/maruel/docshare/internal/storage/meta"
	"github.com/maruel/ksid"
)

// ReadResult is the content of a user's document.
type ReadResult struct {
	Data       []byte
	IsModified bool
	Hash       cas.ContentHash
	Ref        *meta.UserRef
}

// AttachUser gives userID a private copy of the shared entry hash as docID.
// It is idempotent: an existing ref for (userID, docID) is returned unchanged.
func (s *Service) AttachUser(ctx context.Context, userID, docID string, hash cas.ContentHash) (*meta.UserRef, error) {
	return s.AttachUserAt(ctx, userID, docID, hash, "")
}

// AttachUserAt is AttachUser with the path shown to protocol clients. The
// path defaults to "/<docID>".
//
// The copy is written first, then the ref is created and the entry's count
// incremented in one metadata operation. If that fails the copy is deleted.
func (s *Service) AttachUserAt(ctx context.Context, userID, docID string, hash cas.ContentHash, path string) (*meta.UserRef, error) {
	if userID == "" || docID == "" {
		return nil, errIDRequired
	}
	if ref, err := s.meta.GetRef(ctx, userID, docID); err == nil {
		return ref, nil
	} else if !errors.Is(err, meta.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up ref: %w", err)
	}
	entry, err := s.meta.GetShared(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to look up shared entry %s: %w", hash, err)
	}
	if entry.IsCollecting() {
		return nil, fmt.Errorf("%w: shared entry %s is being collected", ErrNotFound, hash)
	}
	data, err := s.lib.Read(ctx, entry)
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = "/" + docID
	}
	now := s.now()
	ref := &meta.UserRef{
		ID:          ksid.NewID(),
		UserID:      userID,
		DocumentID:  docID,
		OriginHash:  hash,
		CurrentHash: hash,
		State:       meta.StateActive,
		Path:        path,
		FileSize:    int64(len(data)),
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	ref.StorageKey = userKey(userID, ref.ID, hash)
	if err := s.putVerified(ctx, ref.StorageKey, data); err != nil {
		return nil, err
	}
	out, err := s.meta.ApplyRefChange(ctx, meta.RefChange{Ref: ref, Create: true, Attach: hash, At: now})
	if err != nil {
		s.deleteBlob(ctx, ref.StorageKey)
		if errors.Is(err, meta.ErrRefExists) {
			// A concurrent attach won.
			return s.meta.GetRef(ctx, userID, docID)
		}
		return nil, fmt.Errorf("failed to create ref: %w", err)
	}
	slog.InfoContext(ctx, "Attached user", "user", userID, "doc", docID, "hash", hash)
	return out, nil
}

// ReadUser returns the user's current bytes for docID.
func (s *Service) ReadUser(ctx context.Context, userID, docID string) (*ReadResult, error) {
	ref, err := s.meta.GetRef(ctx, userID, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", userID, docID, err)
	}
	data, err := s.blobs.Get(ctx, ref.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s content: %w", userID, docID, err)
	}
	return &ReadResult{Data: data, IsModified: ref.IsModified, Hash: ref.CurrentHash, Ref: ref}, nil
}

// RemoveUser deletes the user's ref for docID and its copy. An unmodified ref
// releases its reference on the origin entry.
func (s *Service) RemoveUser(ctx context.Context, userID, docID string) error {
	ref, err := s.meta.GetRef(ctx, userID, docID)
	if err != nil {
		return fmt.Errorf("failed to remove %s/%s: %w", userID, docID, err)
	}
	return s.removeRef(ctx, ref)
}

func (s *Service) removeRef(ctx context.Context, ref *meta.UserRef) error {
	c := meta.RefChange{Ref: ref, Delete: true, ExpectHash: ref.CurrentHash, ExpectVersion: ref.Version, At: s.now()}
	if !ref.IsModified {
		c.Detach = ref.OriginHash
	}
	if _, err := s.meta.ApplyRefChange(ctx, c); err != nil {
		if !errors.Is(err, ErrUnderflow) {
			return fmt.Errorf("failed to delete ref: %w", err)
		}
		slog.ErrorContext(ctx, "Reference count underflow while removing ref", "ref", ref.ID, "hash", ref.OriginHash)
		c.Detach = ""
		if _, err := s.meta.ApplyRefChange(ctx, c); err != nil {
			return fmt.Errorf("failed to delete ref: %w", err)
		}
	}
	s.deleteBlob(ctx, ref.StorageKey)
	slog.InfoContext(ctx, "Removed ref", "user", ref.UserID, "doc", ref.DocumentID)
	return nil
}
