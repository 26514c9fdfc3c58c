package meta

import (
	"errors"
	"maps"
	"path"
	"strings"
	"time"

	"github.com/maruel/docshare/internal/storage/cas"
	"github.com/maruel/ksid"
)

var (
	errIDRequired     = errors.New("id is required")
	errHashRequired   = errors.New("content hash is required")
	errKeyRequired    = errors.New("storage key is required")
	errUserRequired   = errors.New("user id is required")
	errDocRequired    = errors.New("document id is required")
	errNegativeCount  = errors.New("reference count cannot be negative")
	errUnmodifiedHash = errors.New("unmodified ref must point at its origin")
	errBadState       = errors.New("invalid ref state")
	errBadOperation   = errors.New("invalid edit operation")
)

// SharedEntry is an immutable, content-addressed document shared by many users.
type SharedEntry struct {
	ID             ksid.ID           `json:"id" jsonschema:"description=Row identifier"`
	ContentHash    cas.ContentHash   `json:"content_hash" jsonschema:"description=Hash of the stored bytes"`
	StorageKey     string            `json:"storage_key" jsonschema:"description=Object store key of the bytes"`
	Metadata       map[string]string `json:"metadata,omitempty" jsonschema:"description=Ingestion metadata"`
	ReferenceCount int64             `json:"reference_count" jsonschema:"description=Unmodified user refs pointing at this entry"`
	FileSize       int64             `json:"file_size" jsonschema:"description=Size in bytes"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at" jsonschema:"description=Last attach or detach"`
	CollectingAt   time.Time         `json:"collecting_at,omitzero" jsonschema:"description=Set once garbage collection claimed the entry"`
}

// Clone returns a deep copy.
func (e *SharedEntry) Clone() *SharedEntry {
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}

// GetID returns the entry's ID.
func (e *SharedEntry) GetID() ksid.ID {
	return e.ID
}

// Validate checks that the entry is well-formed.
func (e *SharedEntry) Validate() error {
	if e.ID.IsZero() {
		return errIDRequired
	}
	if err := e.ContentHash.Validate(); err != nil {
		return err
	}
	if e.StorageKey == "" {
		return errKeyRequired
	}
	if e.ReferenceCount < 0 {
		return errNegativeCount
	}
	return nil
}

// IsCollecting reports whether garbage collection claimed the entry.
func (e *SharedEntry) IsCollecting() bool {
	return !e.CollectingAt.IsZero()
}

// RefState is the user-visible lifecycle state of a UserRef.
type RefState string

const (
	// StateActive is a live ref shown at its Path.
	StateActive RefState = "active"
	// StateIsolated is a ref edited through the path interface; it is shown
	// under an edit-marked name so the distribution path stays free.
	StateIsolated RefState = "isolated"
	// StateDeleted is a soft-deleted ref awaiting reclamation.
	StateDeleted RefState = "deleted"
)

// Valid reports whether s is a known state.
func (s RefState) Valid() bool {
	switch s {
	case StateActive, StateIsolated, StateDeleted:
		return true
	}
	return false
}

// UserRef is one user's view of one logical document.
type UserRef struct {
	ID          ksid.ID         `json:"id" jsonschema:"description=Row identifier"`
	UserID      string          `json:"user_id" jsonschema:"description=Owning user"`
	DocumentID  string          `json:"document_id" jsonschema:"description=Logical document, unique per user"`
	OriginHash  cas.ContentHash `json:"origin_hash" jsonschema:"description=Shared entry the ref was materialized from"`
	CurrentHash cas.ContentHash `json:"current_hash" jsonschema:"description=Hash of the bytes at storage_key"`
	StorageKey  string          `json:"storage_key" jsonschema:"description=Object store key of the user's copy"`
	IsModified  bool            `json:"is_modified" jsonschema:"description=True once the ref no longer counts toward its origin"`
	State       RefState        `json:"state"`
	Path        string          `json:"path" jsonschema:"description=Base path shown to protocol clients"`
	EditTag     string          `json:"edit_tag,omitempty" jsonschema:"description=Timestamp and random suffix of the isolated name"`
	FileSize    int64           `json:"file_size"`
	Version     int64           `json:"version" jsonschema:"description=Bumped on every committed change"`
	CreatedAt   time.Time       `json:"created_at"`
	ModifiedAt  time.Time       `json:"modified_at"`
}

// Clone returns a deep copy.
func (r *UserRef) Clone() *UserRef {
	c := *r
	return &c
}

// GetID returns the ref's ID.
func (r *UserRef) GetID() ksid.ID {
	return r.ID
}

// Validate checks that the ref is well-formed.
func (r *UserRef) Validate() error {
	if r.ID.IsZero() {
		return errIDRequired
	}
	if r.UserID == "" {
		return errUserRequired
	}
	if r.DocumentID == "" {
		return errDocRequired
	}
	if r.OriginHash.IsZero() || r.CurrentHash.IsZero() {
		return errHashRequired
	}
	if r.StorageKey == "" {
		return errKeyRequired
	}
	if !r.IsModified && r.CurrentHash != r.OriginHash {
		return errUnmodifiedHash
	}
	if !r.State.Valid() {
		return errBadState
	}
	return nil
}

// DisplayPath derives the path a protocol client sees from the persisted state.
//
// Isolated refs are shown as "<base>.edit-<tag><ext>", soft-deleted refs as
// "<path>.deleted".
func (r *UserRef) DisplayPath() string {
	switch r.State {
	case StateIsolated:
		if r.EditTag == "" {
			return r.Path
		}
		ext := path.Ext(r.Path)
		return strings.TrimSuffix(r.Path, ext) + ".edit-" + r.EditTag + ext
	case StateDeleted:
		return r.Path + ".deleted"
	default:
		return r.Path
	}
}

// Operation is the kind of a path-based edit.
type Operation string

// Edit operations recorded in the audit log.
const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpMove   Operation = "move"
	OpCopy   Operation = "copy"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpMove, OpCopy:
		return true
	}
	return false
}

// EditEvent is one append-only audit record of a path-based edit.
type EditEvent struct {
	ID           ksid.ID           `json:"id" jsonschema:"description=Row identifier"`
	UserID       string            `json:"user_id"`
	Operation    Operation         `json:"operation"`
	OriginalPath string            `json:"original_path"`
	TargetPath   string            `json:"target_path,omitempty"`
	OriginalHash cas.ContentHash   `json:"original_hash,omitempty"`
	NewHash      cas.ContentHash   `json:"new_hash,omitempty"`
	FileSize     int64             `json:"file_size"`
	Timestamp    time.Time         `json:"timestamp"`
	Source       string            `json:"source,omitempty" jsonschema:"description=Interface that produced the edit"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy.
func (e *EditEvent) Clone() *EditEvent {
	c := *e
	c.Metadata = maps.Clone(e.Metadata)
	return &c
}

// GetID returns the event's ID.
func (e *EditEvent) GetID() ksid.ID {
	return e.ID
}

// Validate checks that the event is well-formed.
func (e *EditEvent) Validate() error {
	if e.ID.IsZero() {
		return errIDRequired
	}
	if e.UserID == "" {
		return errUserRequired
	}
	if !e.Operation.Valid() {
		return errBadOperation
	}
	return nil
}
