package cas

import (
	"strings"
	"testing"
)

func TestHasher(t *testing.T) {
	t.Run("sha256 known value", func(t *testing.T) {
		// SHA-256 of "hello, world!" in base32 hex, same digest the blob store
		// tests use.
		got := Default.Sum([]byte("hello, world!"))
		want := ContentHash("sha256:D3J5DCIHSPV86M5UV143LC6L3HJ1JSV7K6KV1PQO73A1VSR8USK0")
		if got != want {
			t.Errorf("Sum() = %q, want %q", got, want)
		}
	})

	t.Run("empty content", func(t *testing.T) {
		got := Default.Sum(nil)
		want := ContentHash("sha256:SEOC8GKOVGE196NRUJ49IRTP4GJQSGF4CIDP6J54IMCHMU2IN1AG")
		if got != want {
			t.Errorf("Sum(nil) = %q, want %q", got, want)
		}
	})

	for _, name := range []string{SHA256, BLAKE3, BLAKE2b} {
		t.Run(name, func(t *testing.T) {
			h, err := NewHasher(name)
			if err != nil {
				t.Fatalf("NewHasher(%q) error = %v", name, err)
			}
			if h.Name() != name {
				t.Errorf("Name() = %q, want %q", h.Name(), name)
			}
			a := h.Sum([]byte("a"))
			b := h.Sum([]byte("b"))
			if a == b {
				t.Error("different content produced the same hash")
			}
			if a != h.Sum([]byte("a")) {
				t.Error("hash is not deterministic")
			}
			if err := a.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if a.Algorithm() != name {
				t.Errorf("Algorithm() = %q, want %q", a.Algorithm(), name)
			}
			if len(a.Digest()) != digestLen {
				t.Errorf("len(Digest()) = %d, want %d", len(a.Digest()), digestLen)
			}
		})
	}

	t.Run("algorithms differ", func(t *testing.T) {
		b3, _ := NewHasher(BLAKE3)
		b2, _ := NewHasher(BLAKE2b)
		if b3.Sum([]byte("x")).Digest() == b2.Sum([]byte("x")).Digest() {
			t.Error("blake3 and blake2b digests should differ")
		}
	})

	t.Run("unknown", func(t *testing.T) {
		if _, err := NewHasher("md5"); err == nil {
			t.Error("NewHasher(md5) should fail")
		}
	})
}

func TestContentHashValidate(t *testing.T) {
	valid := Default.Sum([]byte("x"))
	tests := []struct {
		name    string
		hash    ContentHash
		wantErr bool
	}{
		{"valid", valid, false},
		{"no prefix", ContentHash(valid.Digest()), true},
		{"unknown algo", ContentHash("md5:" + valid.Digest()), true},
		{"short", valid[:len(valid)-1], true},
		{"lowercase", ContentHash("sha256:" + strings.ToLower(valid.Digest())), true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.hash.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
