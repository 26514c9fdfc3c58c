package cow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maruel/docshare/internal/storage/meta"
	"github.com/maruel/ksid"
)

// DefaultEventSource is recorded when a PathEvent has no Source.
const DefaultEventSource = "path"

var (
	errPathRequired   = errors.New("path is required")
	errTargetRequired = errors.New("target path is required")
)

// PathEvent is a filesystem-style mutation reported by a protocol front end.
type PathEvent struct {
	UserID    string
	Operation meta.Operation
	// Path is the path the client acted on. Either the ref's base path or its
	// current display path is accepted.
	Path string
	// TargetPath is the destination of a move or copy.
	TargetPath string
	// Data is the new content of a create or update.
	Data     []byte
	Source   string
	Metadata map[string]string
}

// RecordPathEvent applies ev and appends exactly one edit event describing it.
//
// create and update run the same transition as WriteUser and, when the bytes
// change, isolate the ref so it is shown as "<base>.edit-<tag><ext>". A create
// on an unknown path adds the bytes to the shared library and attaches the
// user with the path as document ID, or a derived one when a moved ref still
// holds it. delete is a soft delete; the ref is
// reclaimed by CleanupStaleIsolated. move renames the ref and copy creates a
// new ref with the same content at TargetPath.
func (s *Service) RecordPathEvent(ctx context.Context, ev PathEvent) (*meta.EditEvent, error) {
	if ev.UserID == "" {
		return nil, errIDRequired
	}
	if ev.Path == "" {
		return nil, errPathRequired
	}
	if !ev.Operation.Valid() {
		return nil, fmt.Errorf("unknown operation %q", ev.Operation)
	}
	out := &meta.EditEvent{
		UserID:       ev.UserID,
		Operation:    ev.Operation,
		OriginalPath: ev.Path,
		TargetPath:   ev.TargetPath,
		Source:       ev.Source,
		Metadata:     ev.Metadata,
	}
	if out.Source == "" {
		out.Source = DefaultEventSource
	}
	var err error
	switch ev.Operation {
	case meta.OpCreate, meta.OpUpdate:
		err = s.pathWrite(ctx, ev, out)
	case meta.OpDelete:
		err = s.pathDelete(ctx, ev, out)
	case meta.OpMove:
		err = s.pathMove(ctx, ev, out)
	case meta.OpCopy:
		err = s.pathCopy(ctx, ev, out)
	}
	if err != nil {
		return nil, err
	}
	out.Timestamp = s.now()
	if err := s.meta.AppendEvent(ctx, out); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Recorded path event", "user", ev.UserID, "op", ev.Operation, "path", ev.Path, "target", out.TargetPath)
	return out, nil
}

// EditHistory returns the user's path events, oldest first.
func (s *Service) EditHistory(ctx context.Context, userID string) ([]*meta.EditEvent, error) {
	return s.meta.ListEvents(ctx, meta.EventFilter{UserID: userID})
}

func (s *Service) pathWrite(ctx context.Context, ev PathEvent, out *meta.EditEvent) error {
	ref, err := s.findByPath(ctx, ev.UserID, ev.Path)
	if errors.Is(err, ErrNotFound) {
		entry, err := s.lib.Store(ctx, ev.Data, ev.Metadata)
		if err != nil {
			return err
		}
		docID, err := s.pathDocID(ctx, ev.UserID, ev.Path)
		if err != nil {
			return err
		}
		ref, err = s.AttachUserAt(ctx, ev.UserID, docID, entry.ContentHash, ev.Path)
		if err != nil {
			return err
		}
		if ref, err = s.revive(ctx, ref, ev.Path); err != nil {
			return err
		}
		if ref.CurrentHash == entry.ContentHash {
			out.NewHash = ref.CurrentHash
			out.FileSize = ref.FileSize
			return nil
		}
		// A soft-deleted ref was revived with its old content.
	} else if err != nil {
		return err
	}
	out.OriginalHash = ref.CurrentHash
	res, err := s.apply(ctx, ref, ev.Data, "", true)
	if err != nil {
		return err
	}
	out.NewHash = res.Ref.CurrentHash
	out.FileSize = res.Ref.FileSize
	if dp := res.Ref.DisplayPath(); dp != ev.Path {
		out.TargetPath = dp
	}
	return nil
}

func (s *Service) pathDelete(ctx context.Context, ev PathEvent, out *meta.EditEvent) error {
	ref, err := s.findByPath(ctx, ev.UserID, ev.Path)
	if err != nil {
		return err
	}
	next := ref.Clone()
	next.State = meta.StateDeleted
	next.ModifiedAt = s.now()
	res, err := s.commit(ctx, ref, next, "", "")
	if err != nil {
		return fmt.Errorf("failed to soft delete %s: %w", ev.Path, err)
	}
	out.OriginalHash = ref.CurrentHash
	out.FileSize = ref.FileSize
	out.TargetPath = res.DisplayPath()
	return nil
}

func (s *Service) pathMove(ctx context.Context, ev PathEvent, out *meta.EditEvent) error {
	if ev.TargetPath == "" {
		return errTargetRequired
	}
	ref, err := s.findByPath(ctx, ev.UserID, ev.Path)
	if err != nil {
		return err
	}
	if err := s.checkPathFree(ctx, ev.UserID, ev.TargetPath, ref); err != nil {
		return err
	}
	next := ref.Clone()
	next.Path = ev.TargetPath
	// The client chose the new name; show it as is.
	if next.State == meta.StateIsolated {
		next.State = meta.StateActive
		next.EditTag = ""
	}
	next.ModifiedAt = s.now()
	if _, err := s.commit(ctx, ref, next, "", ""); err != nil {
		return fmt.Errorf("failed to move %s: %w", ev.Path, err)
	}
	out.OriginalHash = ref.CurrentHash
	out.NewHash = ref.CurrentHash
	out.FileSize = ref.FileSize
	return nil
}

func (s *Service) pathCopy(ctx context.Context, ev PathEvent, out *meta.EditEvent) error {
	if ev.TargetPath == "" {
		return errTargetRequired
	}
	src, err := s.findByPath(ctx, ev.UserID, ev.Path)
	if err != nil {
		return err
	}
	if err := s.checkPathFree(ctx, ev.UserID, ev.TargetPath, nil); err != nil {
		return err
	}
	hash := src.OriginHash
	if src.IsModified {
		// The edited bytes become shared content of their own.
		data, err := s.blobs.Get(ctx, src.StorageKey)
		if err != nil {
			return fmt.Errorf("failed to read copy source: %w", err)
		}
		entry, err := s.lib.Store(ctx, data, map[string]string{"copied_from": src.DisplayPath()})
		if err != nil {
			return err
		}
		hash = entry.ContentHash
	}
	docID, err := s.pathDocID(ctx, ev.UserID, ev.TargetPath)
	if err != nil {
		return err
	}
	dst, err := s.AttachUserAt(ctx, ev.UserID, docID, hash, ev.TargetPath)
	if err != nil {
		return err
	}
	if dst, err = s.revive(ctx, dst, ev.TargetPath); err != nil {
		return err
	}
	out.OriginalHash = src.CurrentHash
	out.NewHash = dst.CurrentHash
	out.FileSize = dst.FileSize
	return nil
}

// findByPath returns the user's live ref shown at p, or whose base path is p.
func (s *Service) findByPath(ctx context.Context, userID, p string) (*meta.UserRef, error) {
	refs, err := s.meta.ListRefs(ctx, meta.RefFilter{UserID: userID})
	if err != nil {
		return nil, err
	}
	var base *meta.UserRef
	for _, r := range refs {
		if r.State == meta.StateDeleted {
			continue
		}
		if r.DisplayPath() == p {
			return r, nil
		}
		if base == nil && r.Path == p {
			base = r
		}
	}
	if base == nil {
		return nil, fmt.Errorf("%w: %s has no document at %s", ErrNotFound, userID, p)
	}
	return base, nil
}

// checkPathFree fails with ErrConflict when a live ref other than self is
// shown at p.
func (s *Service) checkPathFree(ctx context.Context, userID, p string, self *meta.UserRef) error {
	ref, err := s.findByPath(ctx, userID, p)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if self != nil && ref.ID == self.ID {
		return nil
	}
	return fmt.Errorf("%w: %s already exists", ErrConflict, p)
}

// pathDocID returns the document ID for a ref created at p. The path itself is
// used unless a live ref holds it already, which happens once that ref moved
// away from p; a soft-deleted holder is reused and revived.
func (s *Service) pathDocID(ctx context.Context, userID, p string) (string, error) {
	ref, err := s.meta.GetRef(ctx, userID, p)
	if errors.Is(err, meta.ErrNotFound) {
		return p, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up ref: %w", err)
	}
	if ref.State == meta.StateDeleted {
		return p, nil
	}
	return p + "#" + ksid.NewID().String(), nil
}

// revive brings back a soft-deleted ref that a create or copy reused by
// document ID, showing it at p.
func (s *Service) revive(ctx context.Context, ref *meta.UserRef, p string) (*meta.UserRef, error) {
	if ref.State != meta.StateDeleted {
		return ref, nil
	}
	next := ref.Clone()
	next.State = meta.StateActive
	next.EditTag = ""
	next.Path = p
	next.ModifiedAt = s.now()
	out, err := s.commit(ctx, ref, next, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", p, err)
	}
	return out, nil
}
