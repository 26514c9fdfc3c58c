package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/maruel/docshare/internal/config"
	"github.com/maruel/docshare/internal/storage/cow"
	"github.com/maruel/docshare/internal/storage/meta"
)

func TestCommands(t *testing.T) {
	for _, backend := range []string{config.BackendJSONL, config.BackendSQLite} {
		t.Run(backend, func(t *testing.T) {
			ctx := t.Context()
			dir := t.TempDir()
			cfg, err := config.Load(dir)
			if err != nil {
				t.Fatal(err)
			}
			cfg.Metadata.Backend = backend
			a, err := openApp(ctx, dir, cfg)
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { _ = a.meta.Close() })

			var buf bytes.Buffer
			stdout = &buf
			t.Cleanup(func() { stdout = os.Stdout })
			run := func(args ...string) []byte {
				t.Helper()
				buf.Reset()
				if err := a.run(ctx, args); err != nil {
					t.Fatalf("%v: %v", args, err)
				}
				return bytes.Clone(buf.Bytes())
			}
			src := writeFile(t, "report.md", "# Report\n")
			edit := writeFile(t, "edit.md", "# Report v2\n")

			var entry meta.SharedEntry
			mustDecode(t, run("store", src), &entry)
			run("attach", "alice", "r", entry.ContentHash.String())
			run("attach", "bob", "r", entry.ContentHash.String(), "/docs/report.md")

			var wr cow.WriteResult
			mustDecode(t, run("write", "alice", "r", edit, entry.ContentHash.String()), &wr)
			if !wr.Changed || !wr.WasFirstEdit {
				t.Errorf("write = %+v", wr)
			}
			if got := string(run("read", "alice", "r")); got != "# Report v2\n" {
				t.Errorf("read alice = %q", got)
			}
			if got := string(run("read", "bob", "r")); got != "# Report\n" {
				t.Errorf("read bob = %q", got)
			}

			run("event", "bob", "update", "/docs/report.md", edit)
			var events []*meta.EditEvent
			mustDecode(t, run("events", "bob"), &events)
			if len(events) != 1 || events[0].Source != "cli" {
				t.Errorf("events = %+v", events)
			}

			run("revert", "alice", "r")
			var st cow.StorageStats
			mustDecode(t, run("stats"), &st)
			if st.SharedEntries != 1 || st.UserRefs != 2 || st.ModifiedRefs != 1 || st.IsolatedRefs != 1 {
				t.Errorf("stats = %+v", st)
			}
			run("remove", "alice", "r")
			// Unreferenced content stays within the grace window.
			var sweep cow.SweepResult
			mustDecode(t, run("gc"), &sweep)
			if sweep.Removed != 0 || sweep.Orphans != 0 {
				t.Errorf("gc = %+v", sweep)
			}
			var cleanup map[string]int
			mustDecode(t, run("cleanup"), &cleanup)
			if _, ok := cleanup["reclaimed"]; !ok || len(cleanup) != 3 {
				t.Errorf("cleanup = %v", cleanup)
			}

			for _, args := range [][]string{
				{"bogus"},
				{"read", "alice"},
				{"attach", "alice", "x", "not-a-hash"},
				{"event", "bob", "move", "/docs/report.md"},
			} {
				if err := a.run(ctx, args); err == nil {
					t.Errorf("%v: expected error", args)
				}
			}
		})
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func mustDecode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("failed to decode %q: %v", data, err)
	}
}
