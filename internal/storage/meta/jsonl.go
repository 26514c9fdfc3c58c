package meta

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/maruel/docshare/internal/jsonldb"
	"github.com/maruel/docshare/internal/storage/cas"
	"github.com/maruel/ksid"
)

type userDocKey struct {
	userID string
	docID  string
}

// JSONL is a Store backed by three JSONL tables in a directory.
//
// Tables serialize single-row mutations on their own; mu serializes compound
// operations spanning rows or tables. A crash between the ref row and the
// count row being rewritten can leave them inconsistent, so use the SQLite
// backend when crash atomicity matters.
type JSONL struct {
	mu sync.Mutex

	shared       *jsonldb.Table[*SharedEntry]
	sharedByHash *jsonldb.UniqueIndex[cas.ContentHash, *SharedEntry]

	refs      *jsonldb.Table[*UserRef]
	refsByDoc *jsonldb.UniqueIndex[userDocKey, *UserRef]
	refsByUsr *jsonldb.Index[string, *UserRef]

	events      *jsonldb.Table[*EditEvent]
	eventsByUsr *jsonldb.Index[string, *EditEvent]
}

// OpenJSONL opens or creates the tables under dir.
func OpenJSONL(dir string) (*JSONL, error) {
	shared, err := jsonldb.NewTable[*SharedEntry](filepath.Join(dir, "shared_entries.jsonl"))
	if err != nil {
		return nil, err
	}
	refs, err := jsonldb.NewTable[*UserRef](filepath.Join(dir, "user_refs.jsonl"))
	if err != nil {
		return nil, err
	}
	events, err := jsonldb.NewTable[*EditEvent](filepath.Join(dir, "edit_events.jsonl"))
	if err != nil {
		return nil, err
	}
	return &JSONL{
		shared:       shared,
		sharedByHash: jsonldb.NewUniqueIndex(shared, func(e *SharedEntry) cas.ContentHash { return e.ContentHash }),
		refs:         refs,
		refsByDoc:    jsonldb.NewUniqueIndex(refs, func(r *UserRef) userDocKey { return userDocKey{r.UserID, r.DocumentID} }),
		refsByUsr:    jsonldb.NewIndex(refs, func(r *UserRef) string { return r.UserID }),
		events:       events,
		eventsByUsr:  jsonldb.NewIndex(events, func(e *EditEvent) string { return e.UserID }),
	}, nil
}

// InsertShared implements Store.
func (s *JSONL) InsertShared(ctx context.Context, e *SharedEntry) (*SharedEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.sharedByHash.Get(e.ContentHash); ok {
		if prev.IsCollecting() {
			return nil, false, fmt.Errorf("%w: %s is being collected", ErrConflict, e.ContentHash)
		}
		return prev, false, nil
	}
	row := e.Clone()
	if row.ID.IsZero() {
		row.ID = ksid.NewID()
	}
	row.ReferenceCount = 0
	row.CollectingAt = time.Time{}
	if err := s.shared.Append(row); err != nil {
		return nil, false, fmt.Errorf("failed to insert shared entry: %w", err)
	}
	return row.Clone(), true, nil
}

// GetShared implements Store.
func (s *JSONL) GetShared(ctx context.Context, hash cas.ContentHash) (*SharedEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, ok := s.sharedByHash.Get(hash)
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// IncrementRef implements Store.
func (s *JSONL) IncrementRef(ctx context.Context, hash cas.ContentHash, at time.Time) (*SharedEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addRef(hash, 1, at)
}

// DecrementRef implements Store.
func (s *JSONL) DecrementRef(ctx context.Context, hash cas.ContentHash, at time.Time) (*SharedEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addRef(hash, -1, at)
}

// addRef must be called with mu held.
func (s *JSONL) addRef(hash cas.ContentHash, delta int64, at time.Time) (*SharedEntry, error) {
	e, err := s.checkRef(hash, delta)
	if err != nil {
		return nil, err
	}
	return s.shared.Modify(e.ID, func(row *SharedEntry) error {
		row.ReferenceCount += delta
		row.LastAccessedAt = at
		return nil
	})
}

// checkRef reports whether delta can be applied to hash. mu must be held.
func (s *JSONL) checkRef(hash cas.ContentHash, delta int64) (*SharedEntry, error) {
	e, ok := s.sharedByHash.Get(hash)
	if !ok || (delta > 0 && e.IsCollecting()) {
		return nil, fmt.Errorf("%w: shared entry %s", ErrNotFound, hash)
	}
	if e.ReferenceCount+delta < 0 {
		return nil, fmt.Errorf("%w: %s", ErrUnderflow, hash)
	}
	return e, nil
}

// MarkCollecting implements Store.
func (s *JSONL) MarkCollecting(ctx context.Context, hash cas.ContentHash, cutoff, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sharedByHash.Get(hash)
	if !ok {
		return false, nil
	}
	if e.IsCollecting() {
		return true, nil
	}
	if e.ReferenceCount != 0 || !e.LastAccessedAt.Before(cutoff) {
		return false, nil
	}
	if _, err := s.shared.Modify(e.ID, func(row *SharedEntry) error {
		row.CollectingAt = at
		return nil
	}); err != nil {
		return false, fmt.Errorf("failed to claim shared entry: %w", err)
	}
	return true, nil
}

// DeleteShared implements Store.
func (s *JSONL) DeleteShared(ctx context.Context, hash cas.ContentHash) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.sharedByHash.Get(hash)
	if !ok {
		return ErrNotFound
	}
	if !e.IsCollecting() {
		return fmt.Errorf("%w: %s was not claimed for collection", ErrConflict, hash)
	}
	if _, err := s.shared.Delete(e.ID); err != nil {
		return fmt.Errorf("failed to delete shared entry: %w", err)
	}
	return nil
}

// ListShared implements Store.
func (s *JSONL) ListShared(ctx context.Context, f SharedFilter) ([]*SharedEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*SharedEntry
	for e := range s.shared.All() {
		if f.match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ApplyRefChange implements Store.
func (s *JSONL) ApplyRefChange(ctx context.Context, c RefChange) (*UserRef, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Check everything before writing anything.
	var prev *UserRef
	if c.Create {
		if _, ok := s.refsByDoc.Get(userDocKey{c.Ref.UserID, c.Ref.DocumentID}); ok {
			return nil, fmt.Errorf("%w: %s/%s", ErrRefExists, c.Ref.UserID, c.Ref.DocumentID)
		}
	} else {
		prev = s.refs.Get(c.Ref.ID)
		if prev == nil {
			return nil, ErrNotFound
		}
		if prev.CurrentHash != c.ExpectHash || prev.Version != c.ExpectVersion {
			return nil, fmt.Errorf("%w: ref %s changed concurrently", ErrConflict, c.Ref.ID)
		}
	}
	if c.Attach != "" {
		if _, err := s.checkRef(c.Attach, 1); err != nil {
			return nil, err
		}
	}
	if c.Detach != "" {
		if _, err := s.checkRef(c.Detach, -1); err != nil {
			return nil, err
		}
	}

	var out *UserRef
	var err error
	switch {
	case c.Create:
		out = c.Ref.Clone()
		out.Version = 1
		err = s.refs.Append(out)
	case c.Delete:
		out, err = s.refs.Delete(c.Ref.ID)
	default:
		out = c.Ref.Clone()
		out.Version = prev.Version + 1
		if out.UserID != prev.UserID || out.DocumentID != prev.DocumentID {
			if other, ok := s.refsByDoc.Get(userDocKey{out.UserID, out.DocumentID}); ok && other.ID != out.ID {
				return nil, fmt.Errorf("%w: %s/%s", ErrRefExists, out.UserID, out.DocumentID)
			}
		}
		_, err = s.refs.Update(out)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write ref: %w", err)
	}

	var errs []error
	if c.Attach != "" {
		if _, err := s.addRef(c.Attach, 1, c.At); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Detach != "" && len(errs) == 0 {
		if _, err := s.addRef(c.Detach, -1, c.At); err != nil {
			errs = append(errs, err)
			if c.Attach != "" {
				_, err := s.addRef(c.Attach, -1, c.At)
				errs = append(errs, err)
			}
		}
	}
	if len(errs) != 0 {
		errs = append(errs, s.undoRef(c, prev))
		return nil, fmt.Errorf("failed to update reference count: %w", errors.Join(errs...))
	}
	return out.Clone(), nil
}

// undoRef restores the ref row after a failed count update. mu must be held.
func (s *JSONL) undoRef(c RefChange, prev *UserRef) error {
	switch {
	case c.Create:
		_, err := s.refs.Delete(c.Ref.ID)
		return err
	case c.Delete:
		return s.refs.Append(prev)
	default:
		_, err := s.refs.Update(prev)
		return err
	}
}

// GetRef implements Store.
func (s *JSONL) GetRef(ctx context.Context, userID, docID string) (*UserRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, ok := s.refsByDoc.Get(userDocKey{userID, docID})
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

// ListRefs implements Store. Refs are returned in ID order.
func (s *JSONL) ListRefs(ctx context.Context, f RefFilter) ([]*UserRef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*UserRef
	if f.UserID != "" {
		for r := range s.refsByUsr.Iter(f.UserID) {
			if f.match(r) {
				out = append(out, r)
			}
		}
	} else {
		for r := range s.refs.All() {
			if f.match(r) {
				out = append(out, r)
			}
		}
	}
	slices.SortFunc(out, func(a, b *UserRef) int { return compareID(a.ID, b.ID) })
	return out, nil
}

// AppendEvent implements Store.
func (s *JSONL) AppendEvent(ctx context.Context, e *EditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.ID.IsZero() {
		e.ID = ksid.NewID()
	}
	if err := s.events.Append(e); err != nil {
		return fmt.Errorf("failed to append edit event: %w", err)
	}
	return nil
}

// ListEvents implements Store. Events are returned oldest first.
func (s *JSONL) ListEvents(ctx context.Context, f EventFilter) ([]*EditEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []*EditEvent
	if f.UserID != "" {
		for e := range s.eventsByUsr.Iter(f.UserID) {
			if f.match(e) {
				out = append(out, e)
			}
		}
	} else {
		for e := range s.events.All() {
			if f.match(e) {
				out = append(out, e)
			}
		}
	}
	slices.SortFunc(out, func(a, b *EditEvent) int { return compareID(a.ID, b.ID) })
	return out, nil
}

// Close implements Store. Tables hold no open files between writes.
func (s *JSONL) Close() error {
	return nil
}

func compareID(a, b ksid.ID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
