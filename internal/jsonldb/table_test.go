package jsonldb

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/maruel/ksid"
)

// testRow is a simple row type for testing.
type testRow struct {
	ID    int    `json:"id" jsonschema:"description=Row identifier"`
	Name  string `json:"name" jsonschema:"description=Display name"`
	Count int    `json:"count"`
}

func (r *testRow) Clone() *testRow {
	c := *r
	return &c
}

func (r *testRow) GetID() ksid.ID {
	return ksid.ID(r.ID)
}

func (r *testRow) Validate() error {
	if r.Name == "invalid" {
		return errors.New("invalid name")
	}
	return nil
}

// setupTable creates a table in the test's temp directory.
func setupTable(t *testing.T) (*Table[*testRow], string) {
	path := filepath.Join(t.TempDir(), "test.jsonl")
	table, err := NewTable[*testRow](path)
	if err != nil {
		t.Fatalf("NewTable failed: %v", err)
	}
	return table, path
}

func TestTable(t *testing.T) {
	t.Run("Append", func(t *testing.T) {
		table, path := setupTable(t)
		if err := table.Append(&testRow{ID: 1, Name: "one"}); err != nil {
			t.Fatal(err)
		}
		if err := table.Append(&testRow{ID: 1, Name: "dup"}); !errors.Is(err, errRowExists) {
			t.Errorf("Append(dup) error = %v, want errRowExists", err)
		}
		if err := table.Append(&testRow{ID: 0, Name: "zero"}); !errors.Is(err, errZeroID) {
			t.Errorf("Append(zero) error = %v, want errZeroID", err)
		}
		if err := table.Append(&testRow{ID: 2, Name: "invalid"}); err == nil {
			t.Error("Append(invalid) should fail validation")
		}
		if got := table.Len(); got != 1 {
			t.Errorf("Len() = %d, want 1", got)
		}

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 2 {
			t.Fatalf("file has %d lines, want header + 1 row", len(lines))
		}
		if !strings.Contains(lines[0], `"version":"1.0"`) || !strings.Contains(lines[0], "Display name") {
			t.Errorf("unexpected header %s", lines[0])
		}
	})

	t.Run("Get returns clones", func(t *testing.T) {
		table, _ := setupTable(t)
		if err := table.Append(&testRow{ID: 1, Name: "one"}); err != nil {
			t.Fatal(err)
		}
		got := table.Get(1)
		got.Name = "mutated"
		if table.Get(1).Name != "one" {
			t.Error("mutating a returned row changed the table")
		}
		if table.Get(99) != nil {
			t.Error("Get(missing) should return nil")
		}
	})

	t.Run("Modify", func(t *testing.T) {
		table, _ := setupTable(t)
		if err := table.Append(&testRow{ID: 1, Name: "one"}); err != nil {
			t.Fatal(err)
		}
		row, err := table.Modify(1, func(r *testRow) error {
			r.Count++
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		if row.Count != 1 {
			t.Errorf("Count = %d, want 1", row.Count)
		}

		abort := errors.New("abort")
		if _, err := table.Modify(1, func(r *testRow) error {
			r.Count = 100
			return abort
		}); !errors.Is(err, abort) {
			t.Errorf("Modify error = %v, want abort", err)
		}
		if table.Get(1).Count != 1 {
			t.Error("aborted Modify changed the row")
		}
		if _, err := table.Modify(2, func(*testRow) error { return nil }); !errors.Is(err, errRowNotFound) {
			t.Errorf("Modify(missing) error = %v", err)
		}
		if _, err := table.Modify(1, func(r *testRow) error {
			r.Name = "invalid"
			return nil
		}); err == nil {
			t.Error("Modify producing an invalid row should fail")
		}
	})

	t.Run("concurrent Modify", func(t *testing.T) {
		table, _ := setupTable(t)
		if err := table.Append(&testRow{ID: 1, Name: "counter"}); err != nil {
			t.Fatal(err)
		}
		var wg sync.WaitGroup
		for range 20 {
			wg.Go(func() {
				if _, err := table.Modify(1, func(r *testRow) error {
					r.Count++
					return nil
				}); err != nil {
					t.Error(err)
				}
			})
		}
		wg.Wait()
		if got := table.Get(1).Count; got != 20 {
			t.Errorf("Count = %d, want 20", got)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		table, _ := setupTable(t)
		for i := 1; i <= 3; i++ {
			if err := table.Append(&testRow{ID: i, Name: "row"}); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := table.Delete(2); err != nil {
			t.Fatal(err)
		}
		if _, err := table.Delete(2); !errors.Is(err, errRowNotFound) {
			t.Errorf("second Delete error = %v", err)
		}
		if table.Len() != 2 || table.Get(3) == nil || table.Get(1) == nil {
			t.Error("Delete broke the ID index")
		}
	})

	t.Run("reload", func(t *testing.T) {
		table, path := setupTable(t)
		if err := table.Append(&testRow{ID: 1, Name: "one"}); err != nil {
			t.Fatal(err)
		}
		if err := table.Append(&testRow{ID: 2, Name: "two"}); err != nil {
			t.Fatal(err)
		}
		if _, err := table.Update(&testRow{ID: 1, Name: "uno"}); err != nil {
			t.Fatal(err)
		}
		if _, err := table.Delete(2); err != nil {
			t.Fatal(err)
		}
		if err := table.Append(&testRow{ID: 3, Name: "three"}); err != nil {
			t.Fatal(err)
		}

		reloaded, err := NewTable[*testRow](path)
		if err != nil {
			t.Fatal(err)
		}
		var names []string
		for r := range reloaded.All() {
			names = append(names, r.Name)
		}
		if strings.Join(names, ",") != "uno,three" {
			t.Errorf("reloaded rows = %v", names)
		}
	})

	t.Run("corrupt header", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.jsonl")
		if err := os.WriteFile(path, []byte("{\"columns\":[]}\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := NewTable[*testRow](path); !errors.Is(err, errSchemaVersionRequired) {
			t.Errorf("NewTable error = %v, want errSchemaVersionRequired", err)
		}
	})
}

func TestSchemaFromType(t *testing.T) {
	cols, err := schemaFromType[*testRow]()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]columnType{"id": columnTypeNumber, "name": columnTypeText, "count": columnTypeNumber}
	if len(cols) != len(want) {
		t.Fatalf("got %d columns, want %d", len(cols), len(want))
	}
	for _, c := range cols {
		if want[c.Name] != c.Type {
			t.Errorf("column %s type = %s, want %s", c.Name, c.Type, want[c.Name])
		}
	}
	if _, err := schemaFromType[int](); err == nil {
		t.Error("schemaFromType[int] should fail")
	}
}
