package jsonldb

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/maruel/ksid"
)

var (
	errRowExists   = errors.New("row already exists")
	errRowNotFound = errors.New("row not found")
	errZeroID      = errors.New("row id is zero")
)

// Row is implemented by every type stored in a [Table].
type Row[T any] interface {
	// Clone returns a deep copy. Rows handed out by the table are always clones.
	Clone() T
	// GetID returns the primary key.
	GetID() ksid.ID
	// Validate is called before any row is persisted.
	Validate() error
}

// TableObserver is notified of every committed mutation while the table
// write lock is held.
type TableObserver[T any] interface {
	OnAppend(row T)
	OnUpdate(prev, curr T)
	OnDelete(row T)
}

// Table handles storage and in-memory caching for a single table in JSONL format.
type Table[T Row[T]] struct {
	path string

	mu        sync.RWMutex
	rows      []T
	byID      map[ksid.ID]int
	observers []TableObserver[T]
}

// NewTable creates a new Table and loads all data from the file.
func NewTable[T Row[T]](path string) (*Table[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	table := &Table[T]{path: path, byID: map[ksid.ID]int{}}
	if err := table.load(); err != nil {
		return nil, err
	}
	return table, nil
}

func (t *Table[T]) load() error {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open table file %s: %w", t.path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			var h schemaHeader
			if err := json.Unmarshal(line, &h); err != nil {
				return fmt.Errorf("failed to unmarshal schema header in %s: %w", t.path, err)
			}
			if err := h.Validate(); err != nil {
				return fmt.Errorf("invalid schema header in %s: %w", t.path, err)
			}
			continue
		}
		var row T
		if err := json.Unmarshal(line, &row); err != nil {
			return fmt.Errorf("failed to unmarshal row in %s: %w", t.path, err)
		}
		if err := row.Validate(); err != nil {
			return fmt.Errorf("invalid row in %s: %w", t.path, err)
		}
		// Later lines win; a crash during rewrite never leaves duplicates but
		// hand edits might.
		if i, ok := t.byID[row.GetID()]; ok {
			t.rows[i] = row
			continue
		}
		t.byID[row.GetID()] = len(t.rows)
		t.rows = append(t.rows, row)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read table file %s: %w", t.path, err)
	}
	return nil
}

// Len returns the number of rows.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}

// Get returns a clone of the row with the given ID, or the zero value.
func (t *Table[T]) Get(id ksid.ID) T {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i, ok := t.byID[id]; ok {
		return t.rows[i].Clone()
	}
	var zero T
	return zero
}

// All returns an iterator over clones of all rows in insertion order.
//
// The read lock is held for the duration of the iteration; do not mutate the
// table from within the loop.
func (t *Table[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		t.mu.RLock()
		defer t.mu.RUnlock()
		for _, row := range t.rows {
			if !yield(row.Clone()) {
				return
			}
		}
	}
}

// AddObserver registers o and replays all existing rows through OnAppend.
func (t *Table[T]) AddObserver(o TableObserver[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
	for _, row := range t.rows {
		o.OnAppend(row)
	}
}

// Append adds a new row to the table and persists it.
func (t *Table[T]) Append(row T) error {
	if row.GetID().IsZero() {
		return errZeroID
	}
	if err := row.Validate(); err != nil {
		return err
	}
	row = row.Clone()
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[row.GetID()]; ok {
		return fmt.Errorf("%w: %s", errRowExists, row.GetID())
	}
	if err := t.appendLine(row); err != nil {
		return err
	}
	t.byID[row.GetID()] = len(t.rows)
	t.rows = append(t.rows, row)
	for _, o := range t.observers {
		o.OnAppend(row)
	}
	return nil
}

// Update replaces the row with the same ID and returns the previous value.
func (t *Table[T]) Update(row T) (T, error) {
	var zero T
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byID[row.GetID()]
	if !ok {
		return zero, fmt.Errorf("%w: %s", errRowNotFound, row.GetID())
	}
	prev := t.rows[i]
	if err := t.replace(i, row.Clone()); err != nil {
		return zero, err
	}
	return prev, nil
}

// Modify atomically reads, modifies and writes the row with the given ID.
//
// fn receives a clone of the current row and mutates it in place. If fn
// returns an error nothing is written and the error is returned unchanged,
// which lets callers implement compare-and-swap by checking the current state
// inside fn. The returned value is a clone of the new row.
func (t *Table[T]) Modify(id ksid.ID, fn func(row T) error) (T, error) {
	var zero T
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byID[id]
	if !ok {
		return zero, fmt.Errorf("%w: %s", errRowNotFound, id)
	}
	next := t.rows[i].Clone()
	if err := fn(next); err != nil {
		return zero, err
	}
	if next.GetID() != id {
		return zero, fmt.Errorf("modify cannot change row id %s", id)
	}
	if err := t.replace(i, next); err != nil {
		return zero, err
	}
	return next.Clone(), nil
}

// replace must be called with the write lock held.
func (t *Table[T]) replace(i int, next T) error {
	if err := next.Validate(); err != nil {
		return err
	}
	prev := t.rows[i]
	t.rows[i] = next
	if err := t.rewrite(); err != nil {
		t.rows[i] = prev
		return err
	}
	for _, o := range t.observers {
		o.OnUpdate(prev, next)
	}
	return nil
}

// Delete removes the row with the given ID and returns it.
func (t *Table[T]) Delete(id ksid.ID) (T, error) {
	var zero T
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.byID[id]
	if !ok {
		return zero, fmt.Errorf("%w: %s", errRowNotFound, id)
	}
	prev := t.rows
	row := t.rows[i]
	t.rows = slices.Delete(slices.Clone(t.rows), i, i+1)
	if err := t.rewrite(); err != nil {
		t.rows = prev
		return zero, err
	}
	t.reindex()
	for _, o := range t.observers {
		o.OnDelete(row)
	}
	return row, nil
}

func (t *Table[T]) reindex() {
	clear(t.byID)
	for i, row := range t.rows {
		t.byID[row.GetID()] = i
	}
}

// appendLine appends a single row, writing the schema header first when the
// file is new.
func (t *Table[T]) appendLine(row T) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	var header []byte
	if _, err := os.Stat(t.path); os.IsNotExist(err) {
		if header, err = t.header(); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open table file for append: %w", err)
	}
	w := bufio.NewWriter(f)
	_, _ = w.Write(header)
	_, _ = w.Write(data)
	_ = w.WriteByte('\n')
	if err := w.Flush(); err != nil {
		return errors.Join(fmt.Errorf("failed to write row: %w", err), f.Close())
	}
	return f.Close()
}

// rewrite persists all rows to a temp file and renames it over the table file.
func (t *Table[T]) rewrite() error {
	header, err := t.header()
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(t.path), filepath.Base(t.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp table file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	_, _ = w.Write(header)
	for _, row := range t.rows {
		data, err := json.Marshal(row)
		if err != nil {
			_ = tmp.Close()
			return errors.Join(fmt.Errorf("failed to marshal row: %w", err), os.Remove(tmp.Name()))
		}
		_, _ = w.Write(data)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return errors.Join(fmt.Errorf("failed to flush table file: %w", err), os.Remove(tmp.Name()))
	}
	if err := tmp.Close(); err != nil {
		return errors.Join(fmt.Errorf("failed to close temp table file: %w", err), os.Remove(tmp.Name()))
	}
	if err := os.Rename(tmp.Name(), t.path); err != nil {
		return errors.Join(fmt.Errorf("failed to rename table file: %w", err), os.Remove(tmp.Name()))
	}
	return nil
}

func (t *Table[T]) header() ([]byte, error) {
	cols, err := schemaFromType[T]()
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(schemaHeader{Version: currentVersion, Columns: cols})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema header: %w", err)
	}
	return append(data, '\n'), nil
}
