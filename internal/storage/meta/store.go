// Package meta persists shared entries, user refs and edit events.
//
// Two backends implement [Store]: JSONL tables for single-process
// deployments and SQLite for everything else. Every compound operation is
// atomic at the store so callers never read-modify-write a reference count.
package meta

import (
	"context"
	"errors"
	"time"

	"github.com/maruel/docshare/internal/storage/cas"
)

var (
	// ErrNotFound is returned when a row does not exist. Attaching a shared
	// entry that garbage collection already claimed also returns it.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an optimistic check fails.
	ErrConflict = errors.New("conflict")
	// ErrRefExists is returned when creating a ref whose (user, document) is taken.
	ErrRefExists = errors.New("ref already exists")
	// ErrUnderflow is returned when detaching an entry whose count is already 0.
	ErrUnderflow = errors.New("reference count underflow")
)

// Store is the metadata store.
type Store interface {
	// InsertShared inserts e unless an entry with the same hash exists, in
	// which case the existing entry is returned with created false.
	// ReferenceCount is forced to 0. Returns ErrConflict when the existing
	// entry is being collected.
	InsertShared(ctx context.Context, e *SharedEntry) (entry *SharedEntry, created bool, err error)
	GetShared(ctx context.Context, hash cas.ContentHash) (*SharedEntry, error)
	// IncrementRef atomically adds one reference and sets LastAccessedAt.
	IncrementRef(ctx context.Context, hash cas.ContentHash, at time.Time) (*SharedEntry, error)
	// DecrementRef atomically removes one reference and sets LastAccessedAt.
	DecrementRef(ctx context.Context, hash cas.ContentHash, at time.Time) (*SharedEntry, error)
	// MarkCollecting claims an unreferenced entry last accessed before cutoff
	// for garbage collection. It reports whether the entry is now claimed; an
	// entry claimed by an earlier, interrupted sweep is reported as claimed.
	MarkCollecting(ctx context.Context, hash cas.ContentHash, cutoff, at time.Time) (bool, error)
	// DeleteShared removes a claimed entry. Returns ErrConflict when the entry
	// was not claimed.
	DeleteShared(ctx context.Context, hash cas.ContentHash) error
	ListShared(ctx context.Context, f SharedFilter) ([]*SharedEntry, error)

	// ApplyRefChange commits a ref mutation and its reference count delta as
	// one atomic step.
	ApplyRefChange(ctx context.Context, c RefChange) (*UserRef, error)
	GetRef(ctx context.Context, userID, docID string) (*UserRef, error)
	ListRefs(ctx context.Context, f RefFilter) ([]*UserRef, error)

	AppendEvent(ctx context.Context, e *EditEvent) error
	ListEvents(ctx context.Context, f EventFilter) ([]*EditEvent, error)

	Close() error
}

// RefChange describes one atomic ref mutation.
//
// Exactly one of three shapes is used:
//   - Create: Ref is inserted with Version 1.
//   - Delete: the row with Ref.ID is removed.
//   - otherwise: the row with Ref.ID is replaced by Ref with Version bumped.
//
// Updates and deletes are guarded by ExpectHash and ExpectVersion which must
// match the stored CurrentHash and Version, or ErrConflict is returned. Attach
// and Detach, when set, are applied to the shared entries in the same step;
// if either fails nothing is committed.
type RefChange struct {
	Ref           *UserRef
	Create        bool
	Delete        bool
	ExpectHash    cas.ContentHash
	ExpectVersion int64
	Attach        cas.ContentHash
	Detach        cas.ContentHash
	At            time.Time
}

func (c *RefChange) validate() error {
	if c.Ref == nil {
		return errors.New("ref change without ref")
	}
	if c.Create && c.Delete {
		return errors.New("ref change cannot both create and delete")
	}
	if c.Create {
		return c.Ref.Validate()
	}
	if c.Ref.ID.IsZero() {
		return errIDRequired
	}
	if !c.Delete {
		return c.Ref.Validate()
	}
	return nil
}

// SharedFilter selects shared entries. Zero fields match everything.
type SharedFilter struct {
	// Unreferenced selects entries with a zero reference count.
	Unreferenced bool
	// AccessedBefore selects entries last accessed strictly before it.
	AccessedBefore time.Time
}

func (f *SharedFilter) match(e *SharedEntry) bool {
	if f.Unreferenced && e.ReferenceCount != 0 {
		return false
	}
	if !f.AccessedBefore.IsZero() && !e.LastAccessedAt.Before(f.AccessedBefore) {
		return false
	}
	return true
}

// RefFilter selects user refs. Zero fields match everything.
type RefFilter struct {
	UserID         string
	State          RefState
	OnlyModified   bool
	CurrentHash    cas.ContentHash
	ModifiedBefore time.Time
}

func (f *RefFilter) match(r *UserRef) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if f.State != "" && r.State != f.State {
		return false
	}
	if f.OnlyModified && !r.IsModified {
		return false
	}
	if f.CurrentHash != "" && r.CurrentHash != f.CurrentHash {
		return false
	}
	if !f.ModifiedBefore.IsZero() && !r.ModifiedAt.Before(f.ModifiedBefore) {
		return false
	}
	return true
}

// EventFilter selects edit events. Zero fields match everything.
type EventFilter struct {
	UserID string
	Since  time.Time
}

func (f *EventFilter) match(e *EditEvent) bool {
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}
