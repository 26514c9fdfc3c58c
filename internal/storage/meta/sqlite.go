package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/maruel/docshare/internal/codec"
	"github.com/maruel/docshare/internal/storage/cas"
	"github.com/maruel/ksid"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS shared_entries (
    id INTEGER PRIMARY KEY,
    content_hash TEXT NOT NULL UNIQUE,
    storage_key TEXT NOT NULL,
    metadata BLOB,
    reference_count INTEGER NOT NULL DEFAULT 0 CHECK (reference_count >= 0),
    file_size INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    last_accessed_at INTEGER NOT NULL,
    collecting_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_shared_unreferenced ON shared_entries(reference_count, last_accessed_at);

CREATE TABLE IF NOT EXISTS user_refs (
    id INTEGER PRIMARY KEY,
    user_id TEXT NOT NULL,
    document_id TEXT NOT NULL,
    origin_hash TEXT NOT NULL,
    current_hash TEXT NOT NULL,
    storage_key TEXT NOT NULL,
    is_modified INTEGER NOT NULL,
    state TEXT NOT NULL,
    path TEXT NOT NULL DEFAULT '',
    edit_tag TEXT NOT NULL DEFAULT '',
    file_size INTEGER NOT NULL,
    version INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    modified_at INTEGER NOT NULL,
    UNIQUE (user_id, document_id)
);

CREATE INDEX IF NOT EXISTS idx_user_refs_modified ON user_refs(is_modified, modified_at);

CREATE TABLE IF NOT EXISTS edit_events (
    id INTEGER PRIMARY KEY,
    user_id TEXT NOT NULL,
    operation TEXT NOT NULL,
    original_path TEXT NOT NULL,
    target_path TEXT NOT NULL DEFAULT '',
    original_hash TEXT NOT NULL DEFAULT '',
    new_hash TEXT NOT NULL DEFAULT '',
    file_size INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    metadata BLOB
);

CREATE INDEX IF NOT EXISTS idx_edit_events_user ON edit_events(user_id, id);
`

const (
	sharedColumns = `id, content_hash, storage_key, metadata, reference_count, file_size, created_at, last_accessed_at, collecting_at`
	refColumns    = `id, user_id, document_id, origin_hash, current_hash, storage_key, is_modified, state, path, edit_tag, file_size, version, created_at, modified_at`
	eventColumns  = `id, user_id, operation, original_path, target_path, original_hash, new_hash, file_size, timestamp, source, metadata`
)

// SQLite is a Store backed by a SQLite database.
//
// Transactions are opened with BEGIN IMMEDIATE so compound operations take
// the write lock up front instead of failing on upgrade.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to ping metadata database: %w", err), db.Close())
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, errors.Join(fmt.Errorf("failed to migrate metadata database: %w", err), db.Close())
	}
	return &SQLite{db: db}, nil
}

// Close implements Store.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// InsertShared implements Store.
func (s *SQLite) InsertShared(ctx context.Context, e *SharedEntry) (*SharedEntry, bool, error) {
	if e.ID.IsZero() {
		e = e.Clone()
		e.ID = ksid.NewID()
	}
	if err := e.Validate(); err != nil {
		return nil, false, err
	}
	md, err := codec.MarshalStrings(e.Metadata)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode metadata: %w", err)
	}
	var out *SharedEntry
	var created bool
	err = s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO shared_entries (`+sharedColumns+`) VALUES (?, ?, ?, ?, 0, ?, ?, ?, 0)
			 ON CONFLICT (content_hash) DO NOTHING`,
			int64(e.ID), string(e.ContentHash), e.StorageKey, md, e.FileSize, unixNano(e.CreatedAt), unixNano(e.LastAccessedAt))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1
		if out, err = getShared(ctx, tx, e.ContentHash); err != nil {
			return err
		}
		if !created && out.IsCollecting() {
			return fmt.Errorf("%w: %s is being collected", ErrConflict, e.ContentHash)
		}
		return nil
	})
	if err != nil {
		return nil, false, wrapErr("failed to insert shared entry", err)
	}
	return out, created, nil
}

// GetShared implements Store.
func (s *SQLite) GetShared(ctx context.Context, hash cas.ContentHash) (*SharedEntry, error) {
	e, err := getShared(ctx, s.db, hash)
	if err != nil {
		return nil, wrapErr("failed to get shared entry", err)
	}
	return e, nil
}

// IncrementRef implements Store.
func (s *SQLite) IncrementRef(ctx context.Context, hash cas.ContentHash, at time.Time) (*SharedEntry, error) {
	var out *SharedEntry
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if err := addRef(ctx, tx, hash, 1, at); err != nil {
			return err
		}
		var err error
		out, err = getShared(ctx, tx, hash)
		return err
	})
	if err != nil {
		return nil, wrapErr("failed to increment reference count", err)
	}
	return out, nil
}

// DecrementRef implements Store.
func (s *SQLite) DecrementRef(ctx context.Context, hash cas.ContentHash, at time.Time) (*SharedEntry, error) {
	var out *SharedEntry
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if err := addRef(ctx, tx, hash, -1, at); err != nil {
			return err
		}
		var err error
		out, err = getShared(ctx, tx, hash)
		return err
	})
	if err != nil {
		return nil, wrapErr("failed to decrement reference count", err)
	}
	return out, nil
}

// MarkCollecting implements Store.
func (s *SQLite) MarkCollecting(ctx context.Context, hash cas.ContentHash, cutoff, at time.Time) (bool, error) {
	claimed := false
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE shared_entries SET collecting_at = ?
			 WHERE content_hash = ? AND collecting_at = 0 AND reference_count = 0 AND last_accessed_at < ?`,
			unixNano(at), string(hash), unixNano(cutoff))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			claimed = true
			return nil
		}
		var collecting int64
		err = tx.QueryRowContext(ctx, `SELECT collecting_at FROM shared_entries WHERE content_hash = ?`, string(hash)).Scan(&collecting)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		claimed = collecting != 0
		return err
	})
	if err != nil {
		return false, wrapErr("failed to claim shared entry", err)
	}
	return claimed, nil
}

// DeleteShared implements Store.
func (s *SQLite) DeleteShared(ctx context.Context, hash cas.ContentHash) error {
	return wrapErr("failed to delete shared entry", s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM shared_entries WHERE content_hash = ? AND collecting_at != 0`, string(hash))
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 1 {
			return err
		}
		if _, err := getShared(ctx, tx, hash); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s was not claimed for collection", ErrConflict, hash)
	}))
}

// ListShared implements Store.
func (s *SQLite) ListShared(ctx context.Context, f SharedFilter) ([]*SharedEntry, error) {
	var where []string
	var args []any
	if f.Unreferenced {
		where = append(where, "reference_count = 0")
	}
	if !f.AccessedBefore.IsZero() {
		where = append(where, "last_accessed_at < ?")
		args = append(args, unixNano(f.AccessedBefore))
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sharedColumns+` FROM shared_entries`+whereClause(where)+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list shared entries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*SharedEntry
	for rows.Next() {
		e, err := scanShared(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan shared entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ApplyRefChange implements Store.
func (s *SQLite) ApplyRefChange(ctx context.Context, c RefChange) (*UserRef, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	var out *UserRef
	err := s.tx(ctx, func(tx *sql.Tx) error {
		if c.Create {
			out = c.Ref.Clone()
			out.Version = 1
			if err := insertRef(ctx, tx, out); err != nil {
				return err
			}
		} else {
			res, err := s.guardedRefWrite(ctx, tx, c)
			if err != nil {
				return err
			}
			out = res
		}
		if c.Attach != "" {
			if err := addRef(ctx, tx, c.Attach, 1, c.At); err != nil {
				return err
			}
		}
		if c.Detach != "" {
			if err := addRef(ctx, tx, c.Detach, -1, c.At); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("failed to apply ref change", err)
	}
	return out, nil
}

func (s *SQLite) guardedRefWrite(ctx context.Context, tx *sql.Tx, c RefChange) (*UserRef, error) {
	prev, err := getRef(ctx, tx, `id = ?`, int64(c.Ref.ID))
	if err != nil {
		return nil, err
	}
	if prev.CurrentHash != c.ExpectHash || prev.Version != c.ExpectVersion {
		return nil, fmt.Errorf("%w: ref %s changed concurrently", ErrConflict, c.Ref.ID)
	}
	if c.Delete {
		if _, err := tx.ExecContext(ctx, `DELETE FROM user_refs WHERE id = ?`, int64(c.Ref.ID)); err != nil {
			return nil, err
		}
		return prev, nil
	}
	r := c.Ref.Clone()
	r.Version = prev.Version + 1
	_, err = tx.ExecContext(ctx,
		`UPDATE user_refs SET user_id = ?, document_id = ?, origin_hash = ?, current_hash = ?, storage_key = ?,
		 is_modified = ?, state = ?, path = ?, edit_tag = ?, file_size = ?, version = ?, created_at = ?, modified_at = ?
		 WHERE id = ?`,
		r.UserID, r.DocumentID, string(r.OriginHash), string(r.CurrentHash), r.StorageKey,
		r.IsModified, string(r.State), r.Path, r.EditTag, r.FileSize, r.Version, unixNano(r.CreatedAt), unixNano(r.ModifiedAt),
		int64(r.ID))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrRefExists, r.UserID, r.DocumentID)
		}
		return nil, err
	}
	return r, nil
}

// GetRef implements Store.
func (s *SQLite) GetRef(ctx context.Context, userID, docID string) (*UserRef, error) {
	r, err := getRef(ctx, s.db, `user_id = ? AND document_id = ?`, userID, docID)
	if err != nil {
		return nil, wrapErr("failed to get ref", err)
	}
	return r, nil
}

// ListRefs implements Store. Refs are returned in ID order.
func (s *SQLite) ListRefs(ctx context.Context, f RefFilter) ([]*UserRef, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.OnlyModified {
		where = append(where, "is_modified = 1")
	}
	if f.CurrentHash != "" {
		where = append(where, "current_hash = ?")
		args = append(args, string(f.CurrentHash))
	}
	if !f.ModifiedBefore.IsZero() {
		where = append(where, "modified_at < ?")
		args = append(args, unixNano(f.ModifiedBefore))
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+refColumns+` FROM user_refs`+whereClause(where)+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list refs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*UserRef
	for rows.Next() {
		r, err := scanRef(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ref: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendEvent implements Store.
func (s *SQLite) AppendEvent(ctx context.Context, e *EditEvent) error {
	if e.ID.IsZero() {
		e.ID = ksid.NewID()
	}
	if err := e.Validate(); err != nil {
		return err
	}
	md, err := codec.MarshalStrings(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO edit_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(e.ID), e.UserID, string(e.Operation), e.OriginalPath, e.TargetPath, string(e.OriginalHash), string(e.NewHash),
		e.FileSize, unixNano(e.Timestamp), e.Source, md)
	if err != nil {
		return fmt.Errorf("failed to append edit event: %w", err)
	}
	return nil
}

// ListEvents implements Store. Events are returned oldest first.
func (s *SQLite) ListEvents(ctx context.Context, f EventFilter) ([]*EditEvent, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, unixNano(f.Since))
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM edit_events`+whereClause(where)+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list edit events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*EditEvent
	for rows.Next() {
		var e EditEvent
		var id, ts int64
		var op, origHash, newHash string
		var md []byte
		if err := rows.Scan(&id, &e.UserID, &op, &e.OriginalPath, &e.TargetPath, &origHash, &newHash, &e.FileSize, &ts, &e.Source, &md); err != nil {
			return nil, fmt.Errorf("failed to scan edit event: %w", err)
		}
		if e.Metadata, err = codec.UnmarshalStrings(md); err != nil {
			return nil, fmt.Errorf("failed to decode event metadata: %w", err)
		}
		e.ID = ksid.ID(id)
		e.Operation = Operation(op)
		e.OriginalHash = cas.ContentHash(origHash)
		e.NewHash = cas.ContentHash(newHash)
		e.Timestamp = fromUnixNano(ts)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLite) tx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		return errors.Join(err, ignoreDone(tx.Rollback()))
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func addRef(ctx context.Context, tx *sql.Tx, hash cas.ContentHash, delta int64, at time.Time) error {
	cond := `collecting_at = 0`
	if delta < 0 {
		cond = `reference_count > 0`
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE shared_entries SET reference_count = reference_count + ?, last_accessed_at = ?
		 WHERE content_hash = ? AND `+cond,
		delta, unixNano(at), string(hash))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil || n == 1 {
		return err
	}
	if _, err := getShared(ctx, tx, hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: shared entry %s", ErrNotFound, hash)
		}
		return err
	}
	if delta < 0 {
		return fmt.Errorf("%w: %s", ErrUnderflow, hash)
	}
	return fmt.Errorf("%w: shared entry %s is being collected", ErrNotFound, hash)
}

func getShared(ctx context.Context, q queryer, hash cas.ContentHash) (*SharedEntry, error) {
	return scanShared(q.QueryRowContext(ctx, `SELECT `+sharedColumns+` FROM shared_entries WHERE content_hash = ?`, string(hash)))
}

func scanShared(row scanner) (*SharedEntry, error) {
	var e SharedEntry
	var id, created, accessed, collecting int64
	var hash string
	var md []byte
	if err := row.Scan(&id, &hash, &e.StorageKey, &md, &e.ReferenceCount, &e.FileSize, &created, &accessed, &collecting); err != nil {
		return nil, err
	}
	var err error
	if e.Metadata, err = codec.UnmarshalStrings(md); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	e.ID = ksid.ID(id)
	e.ContentHash = cas.ContentHash(hash)
	e.CreatedAt = fromUnixNano(created)
	e.LastAccessedAt = fromUnixNano(accessed)
	e.CollectingAt = fromUnixNano(collecting)
	return &e, nil
}

func insertRef(ctx context.Context, tx *sql.Tx, r *UserRef) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO user_refs (`+refColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(r.ID), r.UserID, r.DocumentID, string(r.OriginHash), string(r.CurrentHash), r.StorageKey,
		r.IsModified, string(r.State), r.Path, r.EditTag, r.FileSize, r.Version, unixNano(r.CreatedAt), unixNano(r.ModifiedAt))
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%s", ErrRefExists, r.UserID, r.DocumentID)
	}
	return err
}

func getRef(ctx context.Context, q queryer, where string, args ...any) (*UserRef, error) {
	return scanRef(q.QueryRowContext(ctx, `SELECT `+refColumns+` FROM user_refs WHERE `+where, args...))
}

func scanRef(row scanner) (*UserRef, error) {
	var r UserRef
	var id, created, modified int64
	var origin, current, state string
	if err := row.Scan(&id, &r.UserID, &r.DocumentID, &origin, &current, &r.StorageKey, &r.IsModified, &state,
		&r.Path, &r.EditTag, &r.FileSize, &r.Version, &created, &modified); err != nil {
		return nil, err
	}
	r.ID = ksid.ID(id)
	r.OriginHash = cas.ContentHash(origin)
	r.CurrentHash = cas.ContentHash(current)
	r.State = RefState(state)
	r.CreatedAt = fromUnixNano(created)
	r.ModifiedAt = fromUnixNano(modified)
	return &r, nil
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// wrapErr maps sql.ErrNoRows to ErrNotFound and adds context to other errors.
// Sentinel errors of this package pass through unwrapped.
func wrapErr(msg string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrRefExists), errors.Is(err, ErrUnderflow):
		return err
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func ignoreDone(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
